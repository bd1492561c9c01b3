package scope

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rockdog/pushmanager/internal/workingcopy"
)

// initRepoWithMaster creates a standalone (non-cloned) repository with a
// "master" branch and origin/master-style tracking ref, enough for
// TemporaryBranch's `checkout origin/master -b name` path.
func initRepoWithMaster(t *testing.T) string {
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
	// Fake an "origin/master" remote-tracking ref pointing at the same
	// commit, since TemporaryBranch branches from it directly.
	run("update-ref", "refs/remotes/origin/master", "master")
	return dir
}

func TestTemporaryBranchRunsBodyThenRestoresMaster(t *testing.T) {
	dir := initRepoWithMaster(t)
	wc := workingcopy.NewManager(workingcopy.Settings{}, log.NewNopLogger())
	ctx := context.Background()

	var ranBody bool
	err := TemporaryBranch(ctx, wc, dir, "trial", func() error {
		ranBody = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ranBody)

	branch, rerr := wc.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, rerr)
	require.Equal(t, "master\n", branch.Stdout)

	_, rerr = wc.Run(ctx, dir, "rev-parse", "--verify", "trial")
	require.Error(t, rerr, "temporary branch should have been deleted")
}

func TestTemporaryBranchPropagatesBodyErrorButStillCleansUp(t *testing.T) {
	dir := initRepoWithMaster(t)
	wc := workingcopy.NewManager(workingcopy.Settings{}, log.NewNopLogger())
	ctx := context.Background()

	bodyErr := errors.New("body failed")
	err := TemporaryBranch(ctx, wc, dir, "trial", func() error {
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)

	branch, rerr := wc.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, rerr)
	require.Equal(t, "master\n", branch.Stdout)
}

func TestTrialMergeResetsAfterBody(t *testing.T) {
	dir := initRepoWithMaster(t)
	wc := workingcopy.NewManager(workingcopy.Settings{}, log.NewNopLogger())
	ctx := context.Background()

	startSHA, err := wc.RevParse(ctx, dir, "master")
	require.NoError(t, err)

	err = TrialMerge(ctx, wc, dir, "master", func() error {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("changed\n"), 0o644))
		cmd := exec.Command("git", "commit", "-q", "-am", "trial change")
		cmd.Dir = dir
		return cmd.Run()
	})
	require.NoError(t, err)

	endSHA, err := wc.RevParse(ctx, dir, "master")
	require.NoError(t, err)
	require.Equal(t, startSHA, endSHA, "trial merge must always roll back")
}

func TestTrialMergePropagatesBodyErrorButStillResets(t *testing.T) {
	dir := initRepoWithMaster(t)
	wc := workingcopy.NewManager(workingcopy.Settings{}, log.NewNopLogger())
	ctx := context.Background()

	startSHA, err := wc.RevParse(ctx, dir, "master")
	require.NoError(t, err)

	bodyErr := errors.New("merge conflict")
	err = TrialMerge(ctx, wc, dir, "master", func() error {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("changed\n"), 0o644))
		cmd := exec.Command("git", "commit", "-q", "-am", "trial change")
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)

	endSHA, rerr := wc.RevParse(ctx, dir, "master")
	require.NoError(t, rerr)
	require.Equal(t, startSHA, endSHA)
}
