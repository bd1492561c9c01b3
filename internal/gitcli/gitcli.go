// Package gitcli is a thin wrapper around the `git` CLI.
//
// At this layer of abstraction it is generally inappropriate to add logic
// that git would otherwise be aware of. If a caller wants to know whether an
// operation is legal, it should attempt the operation and inspect the error
// git itself returns.
package gitcli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// allowedEnvVars are inherited from the parent process environment; every
// other variable is stripped so that invocations are reproducible across
// workers.
var allowedEnvVars = []string{"http_proxy", "https_proxy", "no_proxy", "HOME", "GNUPGHOME"}

// CommandFailed is returned when `git` exits with a non-zero status.
type CommandFailed struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, firstFatalLine(e.Stderr))
}

// Options configures a single invocation.
type Options struct {
	// Dir is the working directory git runs in.
	Dir string
	// GitDirOverride sets `--git-dir`, used for detached submodule fetches
	// where the submodule's worktree is not the current directory.
	GitDirOverride string
	// Debug, when true, logs args/stdout/stderr at error level regardless
	// of outcome (mirrors the original's Settings['main_app']['debug'] gate).
	Debug bool
}

// Result carries the captured output of a successful invocation.
type Result struct {
	Stdout string
	Stderr string
}

// Run launches `git` with args under the given options, waits for it to
// exit, and returns its captured stdout/stderr. A non-zero exit produces a
// *CommandFailed, wrapped with the calling context by the caller as needed.
func Run(ctx context.Context, logger log.Logger, args []string, opts Options) (Result, error) {
	fullArgs := args
	if opts.GitDirOverride != "" {
		fullArgs = append([]string{"--git-dir=" + opts.GitDirOverride}, args...)
	}

	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if opts.Debug {
		level.Error(logger).Log(
			"msg", "git invocation",
			"args", strings.Join(fullArgs, " "),
			"dir", opts.Dir,
			"stdout", stdout.String(),
			"stderr", stderr.String(),
		)
	}

	if ctx.Err() == context.DeadlineExceeded {
		return Result{}, errors.Wrapf(ctx.Err(), "running git %s", strings.Join(fullArgs, " "))
	}
	if ctx.Err() == context.Canceled {
		return Result{}, errors.Wrapf(ctx.Err(), "context cancelled running git %s", strings.Join(fullArgs, " "))
	}

	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return Result{}, &CommandFailed{
			Args:     fullArgs,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// ExitCode extracts the exit code from err if it is a *CommandFailed,
// returning false otherwise. Used by callers that special-case exit 128
// ("remote already exists").
func ExitCode(err error) (int, bool) {
	var cf *CommandFailed
	if errors.As(err, &cf) {
		return cf.ExitCode, true
	}
	return 0, false
}

func env() []string {
	out := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}

func firstFatalLine(stderr string) string {
	sc := bufio.NewScanner(strings.NewReader(stderr))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "fatal: "):
			return line
		case strings.HasPrefix(line, "ERROR fatal: "):
			return line
		case strings.HasPrefix(line, "error:"):
			return strings.TrimSpace(strings.TrimPrefix(line, "error:"))
		}
	}
	return strings.TrimSpace(stderr)
}
