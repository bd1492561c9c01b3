package submodule

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rockdog/pushmanager/internal/workingcopy"
)

func initPlainRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
		return string(out)
	}
	run("init", "-q", "-b", "master")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644))
	run("add", "README")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestValidateChangedSubmodulesNoSubmodulesIsNoop(t *testing.T) {
	dir := initPlainRepo(t)
	wc := workingcopy.NewManager(workingcopy.Settings{}, log.NewNopLogger())
	v := NewValidator(wc)

	err := v.ValidateChangedSubmodules(context.Background(), dir)
	require.NoError(t, err)
}

func TestNotPushedError(t *testing.T) {
	err := &NotPushed{Name: "vendor/lib"}
	require.Contains(t, err.Error(), "vendor/lib")
	require.Contains(t, err.Error(), "not been pushed")
}

func TestNotFastForwardError(t *testing.T) {
	err := &NotFastForward{Name: "vendor/lib", OldSHA: "abc1234"}
	require.Contains(t, err.Error(), "vendor/lib")
	require.Contains(t, err.Error(), "abc1234")
}
