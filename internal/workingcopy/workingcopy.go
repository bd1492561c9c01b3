// Package workingcopy manages the per-worker on-disk clones the conflict and
// verification engines operate on (spec §4.B).
package workingcopy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/rockdog/pushmanager/internal/gitcli"
)

// Settings is the subset of git.* configuration the manager needs.
type Settings struct {
	MainRepository     string
	LocalRepoPath      string
	LocalMirror        string
	UseLocalMirror     bool
	Scheme             string
	Servername         string
	Port               string
	Auth               string
	DevRepositoriesDir string
	Debug              bool
}

// Opts configures a single PrepareWorkingCopy call.
type Opts struct {
	Checkout bool
	Fetch    bool
}

// Manager prepares and mutates worker-owned working copies.
type Manager struct {
	settings Settings
	logger   log.Logger
}

// NewManager constructs a Manager.
func NewManager(settings Settings, logger log.Logger) *Manager {
	return &Manager{settings: settings, logger: logger}
}

// Path returns the deterministic on-disk path for worker's working copy.
func (m *Manager) Path(worker int) string {
	return fmt.Sprintf("%s/%s.%d", m.settings.LocalRepoPath, m.settings.MainRepository, worker)
}

// RepositoryURI constructs the clone URI for repository, per spec §6.
func (m *Manager) RepositoryURI(repository string) string {
	netloc := m.settings.Servername
	if m.settings.Auth != "" {
		netloc = m.settings.Auth + "@" + netloc
	}
	if m.settings.Port != "" {
		netloc = netloc + ":" + m.settings.Port
	}
	if repository == m.settings.MainRepository || repository == "origin" {
		return fmt.Sprintf("%s://%s/%s", m.settings.Scheme, netloc, m.settings.MainRepository)
	}
	return fmt.Sprintf("%s://%s/%s/%s", m.settings.Scheme, netloc, m.settings.DevRepositoriesDir, repository)
}

// remoteName resolves the logical repo name to the remote name used in the
// shared working copy: mainline/main-repository alias to "origin".
func (m *Manager) remoteName(repo string) string {
	if repo == m.settings.MainRepository || repo == "mainline" {
		return "origin"
	}
	return repo
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (gitcli.Result, error) {
	return gitcli.Run(ctx, m.logger, args, gitcli.Options{Dir: dir, Debug: m.settings.Debug})
}

// PrepareWorkingCopy implements spec §4.B: clone-if-absent, register the
// repo as a remote if needed, fetch, and optionally reset+checkout.
func (m *Manager) PrepareWorkingCopy(ctx context.Context, worker int, repo, branch string, opts Opts) (string, error) {
	path := m.Path(worker)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := m.clone(ctx, path); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", errors.Wrap(err, "stat working copy")
	}

	remote := m.remoteName(repo)

	if opts.Fetch {
		if remote != "origin" {
			if err := m.addRemote(ctx, path, remote); err != nil {
				return "", err
			}
		}
		refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch)
		if _, err := m.run(ctx, path, "fetch", "--prune", remote, refspec); err != nil {
			return "", errors.Wrapf(err, "fetch %s %s", remote, refspec)
		}
	}

	if opts.Checkout {
		if _, err := m.run(ctx, path, "reset", "--hard", "HEAD"); err != nil {
			return "", errors.Wrap(err, "reset --hard")
		}
		if _, err := m.run(ctx, path, "clean", "-fdfx"); err != nil {
			return "", errors.Wrap(err, "clean -fdfx")
		}
		ref := fmt.Sprintf("%s/%s", remote, branch)
		if _, err := m.run(ctx, path, "checkout", ref); err != nil {
			return "", errors.Wrapf(err, "checkout %s", ref)
		}
		if _, err := m.run(ctx, path, "submodule", "--quiet", "sync"); err != nil {
			return "", errors.Wrap(err, "submodule sync")
		}
		if _, err := m.run(ctx, path, "submodule", "--quiet", "update", "--init"); err != nil {
			return "", errors.Wrap(err, "submodule update --init")
		}
	}

	return path, nil
}

func (m *Manager) clone(ctx context.Context, path string) error {
	args := []string{"clone", m.RepositoryURI(m.settings.MainRepository)}
	if m.settings.UseLocalMirror {
		if _, err := os.Stat(m.settings.LocalMirror); err == nil {
			args = append(args, "--reference", m.settings.LocalMirror)
		}
	}
	args = append(args, path)
	if _, err := gitcli.Run(ctx, m.logger, args, gitcli.Options{Debug: m.settings.Debug}); err != nil {
		return errors.Wrap(err, "git clone")
	}
	return nil
}

// addRemote registers repo as a remote, tolerating the "already exists"
// case (git exits 128 for `remote add` on a known remote).
func (m *Manager) addRemote(ctx context.Context, path, remote string) error {
	uri := m.RepositoryURI(remote)
	_, err := m.run(ctx, path, "remote", "add", remote, uri)
	if err == nil {
		return nil
	}
	if code, ok := gitcli.ExitCode(err); ok && code == 128 {
		return nil
	}
	if strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return errors.Wrapf(err, "remote add %s %s", remote, uri)
}

// RevParse resolves ref to a commit identifier.
func (m *Manager) RevParse(ctx context.Context, path, ref string) (string, error) {
	res, err := m.run(ctx, path, "rev-parse", ref)
	if err != nil {
		return "", errors.Wrapf(err, "rev-parse %s", ref)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ResetHard hard-resets the working copy to ref.
func (m *Manager) ResetHard(ctx context.Context, path, ref string) error {
	_, err := m.run(ctx, path, "reset", "--hard", ref)
	return errors.Wrapf(err, "reset --hard %s", ref)
}

// SyncAndUpdateSubmodules runs `submodule sync` then `submodule update`.
func (m *Manager) SyncAndUpdateSubmodules(ctx context.Context, path string) error {
	if _, err := m.run(ctx, path, "submodule", "--quiet", "sync"); err != nil {
		return errors.Wrap(err, "submodule sync")
	}
	if _, err := m.run(ctx, path, "submodule", "--quiet", "update"); err != nil {
		return errors.Wrap(err, "submodule update")
	}
	return nil
}

// Checkout checks out ref in the working copy (used by scope helpers).
func (m *Manager) Checkout(ctx context.Context, path, ref string) error {
	_, err := m.run(ctx, path, "checkout", ref)
	return errors.Wrapf(err, "checkout %s", ref)
}

// DeleteBranch force-deletes a local branch, swallowing missing-branch
// errors (used when entering/exiting TemporaryBranchScope).
func (m *Manager) DeleteBranch(ctx context.Context, path, name string) error {
	_, err := m.run(ctx, path, "branch", "-D", name)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// CreateBranchFrom creates and checks out a new branch from base.
func (m *Manager) CreateBranchFrom(ctx context.Context, path, name, base string) error {
	_, err := m.run(ctx, path, "checkout", base, "-b", name)
	return errors.Wrapf(err, "checkout %s -b %s", base, name)
}

// Fetch fetches repo's branch into the working copy without checking it
// out (used by the conflict engine to stage pickme and peer branches).
func (m *Manager) Fetch(ctx context.Context, path, repo, branch string) error {
	remote := m.remoteName(repo)
	if remote != "origin" {
		if err := m.addRemote(ctx, path, remote); err != nil {
			return err
		}
	}
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch)
	_, err := m.run(ctx, path, "fetch", "--prune", remote, refspec)
	if err != nil && strings.Contains(err.Error(), "Couldn't find remote ref") {
		return nil
	}
	return errors.Wrapf(err, "fetch %s %s", remote, refspec)
}

// Run executes an arbitrary git subcommand in the working copy. Exposed for
// the submodule validator and conflict engine, which need primitives this
// package doesn't otherwise name (pull, commit, submodule status, etc).
func (m *Manager) Run(ctx context.Context, path string, args ...string) (gitcli.Result, error) {
	return m.run(ctx, path, args...)
}

// RunIn runs an arbitrary git subcommand with a --git-dir override, used for
// detached submodule fetches (spec §4.C step 1).
func (m *Manager) RunIn(ctx context.Context, path, gitDir string, args ...string) (gitcli.Result, error) {
	return gitcli.Run(ctx, m.logger, args, gitcli.Options{Dir: path, GitDirOverride: gitDir, Debug: m.settings.Debug})
}
