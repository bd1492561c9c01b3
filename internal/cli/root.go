// Package cli is the cobra-based entrypoint for pushmanagerd.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion records the build-time version string for the version command.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "pushmanagerd",
	Short: "pushmanagerd — change-request verification and conflict-detection engine",
	Long: `pushmanagerd verifies that push requests' branches still exist upstream,
detects merge conflicts between pickmed requests and mainline (and between
pickmes in the same release), and reconciles request state against the
branches they track.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
