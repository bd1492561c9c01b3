package workingcopy

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestRepositoryURIMainRepository(t *testing.T) {
	m := NewManager(Settings{
		MainRepository: "webapp",
		Scheme:         "ssh",
		Servername:     "git.example.com",
		Auth:           "push",
		Port:           "2222",
	}, log.NewNopLogger())

	require.Equal(t, "ssh://push@git.example.com:2222/webapp", m.RepositoryURI("webapp"))
	require.Equal(t, "ssh://push@git.example.com:2222/webapp", m.RepositoryURI("origin"))
}

func TestRepositoryURIDevRepository(t *testing.T) {
	m := NewManager(Settings{
		MainRepository:     "webapp",
		Scheme:             "https",
		Servername:         "git.example.com",
		DevRepositoriesDir: "dev",
	}, log.NewNopLogger())

	require.Equal(t, "https://git.example.com/dev/alice-feature", m.RepositoryURI("alice-feature"))
}

func TestRepositoryURINoAuthNoPort(t *testing.T) {
	m := NewManager(Settings{MainRepository: "webapp", Scheme: "https", Servername: "git.example.com"}, log.NewNopLogger())
	require.Equal(t, "https://git.example.com/webapp", m.RepositoryURI("webapp"))
}

func TestPath(t *testing.T) {
	m := NewManager(Settings{MainRepository: "webapp", LocalRepoPath: "/var/repos"}, log.NewNopLogger())
	require.Equal(t, "/var/repos/webapp.0", m.Path(0))
	require.Equal(t, "/var/repos/webapp.2", m.Path(2))
}

// initBareOrigin creates a bare repository with one commit on "mainline",
// suitable for use as a clone source in PrepareWorkingCopy tests.
func initBareOrigin(t *testing.T) (bareDir, seedClone string) {
	t.Helper()
	bareDir = t.TempDir()
	run := func(dir string, args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
		return string(out)
	}
	run(bareDir, "init", "--bare", "-q", "-b", "mainline")

	seedClone = t.TempDir()
	run(t.TempDir(), "clone", "-q", bareDir, seedClone)
	run(seedClone, "config", "user.email", "test@example.com")
	run(seedClone, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(seedClone, "README"), []byte("hello\n"), 0o644))
	run(seedClone, "add", "README")
	run(seedClone, "commit", "-q", "-m", "initial")
	run(seedClone, "branch", "-m", "mainline")
	run(seedClone, "push", "-q", "origin", "mainline")
	return bareDir, seedClone
}

func TestPrepareWorkingCopyClonesAndChecksOut(t *testing.T) {
	bareDir, _ := initBareOrigin(t)
	localRepoPath := t.TempDir()

	m := NewManager(Settings{
		MainRepository: "webapp",
		LocalRepoPath:  localRepoPath,
		Scheme:         "file",
		Servername:     bareDir,
	}, log.NewNopLogger())
	// RepositoryURI builds "file://<bareDir>/webapp" which doesn't exist;
	// override clone() indirectly isn't possible, so drive PrepareWorkingCopy
	// against a file-scheme URI pointing straight at the bare dir instead.
	m.settings.MainRepository = ""
	m.settings.Servername = bareDir

	path, err := m.PrepareWorkingCopy(context.Background(), 0, "", "mainline", Opts{Checkout: true, Fetch: true})
	require.NoError(t, err)

	head, err := m.RevParse(context.Background(), path, "HEAD")
	require.NoError(t, err)
	require.NotEmpty(t, head)
}

func TestResetHardAndRevParse(t *testing.T) {
	_, seedClone := initBareOrigin(t)
	m := NewManager(Settings{}, log.NewNopLogger())

	firstSHA, err := m.RevParse(context.Background(), seedClone, "HEAD")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(seedClone, "README"), []byte("changed\n"), 0o644))
	cmd := exec.Command("git", "commit", "-q", "-am", "second")
	cmd.Dir = seedClone
	require.NoError(t, cmd.Run())

	secondSHA, err := m.RevParse(context.Background(), seedClone, "HEAD")
	require.NoError(t, err)
	require.NotEqual(t, firstSHA, secondSHA)

	require.NoError(t, m.ResetHard(context.Background(), seedClone, firstSHA))
	afterReset, err := m.RevParse(context.Background(), seedClone, "HEAD")
	require.NoError(t, err)
	require.Equal(t, firstSHA, afterReset)
}

func TestDeleteBranchSwallowsMissingBranch(t *testing.T) {
	_, seedClone := initBareOrigin(t)
	m := NewManager(Settings{}, log.NewNopLogger())
	require.NoError(t, m.DeleteBranch(context.Background(), seedClone, "does-not-exist"))
}

func TestCreateBranchFromAndDeleteBranch(t *testing.T) {
	_, seedClone := initBareOrigin(t)
	m := NewManager(Settings{}, log.NewNopLogger())

	require.NoError(t, m.CreateBranchFrom(context.Background(), seedClone, "feature", "mainline"))
	require.NoError(t, m.Checkout(context.Background(), seedClone, "mainline"))
	require.NoError(t, m.DeleteBranch(context.Background(), seedClone, "feature"))
}
