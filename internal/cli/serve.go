package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/rockdog/pushmanager/internal/config"
	"github.com/rockdog/pushmanager/internal/engine"
	"github.com/rockdog/pushmanager/internal/store"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification and conflict-detection workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		st, err := store.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		eng := engine.New(cfg, st, logger)

		level.Info(logger).Log("msg", "pushmanagerd starting", "main_repository", cfg.Git.MainRepository)
		return eng.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to pushmanager.yaml (default: searches standard locations)")
}
