// Package submodule implements the stale-submodule validator (spec §4.C).
package submodule

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/rockdog/pushmanager/internal/workingcopy"
)

// NotPushed is raised when a changed submodule's HEAD is not reachable from
// its origin/master branch.
type NotPushed struct {
	Name string
}

func (e *NotPushed) Error() string {
	return fmt.Sprintf("submodule %s has not been pushed to master", e.Name)
}

// NotFastForward is raised when a changed submodule's new revision is not a
// fast-forward of its previously recorded SHA.
type NotFastForward struct {
	Name   string
	OldSHA string
}

func (e *NotFastForward) Error() string {
	return fmt.Sprintf("submodule %s is not a fast-forward of %s", e.Name, e.OldSHA)
}

// Validator runs the submodule checks against a working copy.
type Validator struct {
	wc *workingcopy.Manager
}

// NewValidator constructs a Validator bound to wc.
func NewValidator(wc *workingcopy.Manager) *Validator {
	return &Validator{wc: wc}
}

// ValidateChangedSubmodules implements spec §4.C.
func (v *Validator) ValidateChangedSubmodules(ctx context.Context, path string) error {
	res, err := v.wc.Run(ctx, path, "submodule", "status")
	if err != nil {
		return errors.Wrap(err, "submodule status")
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return nil
	}

	var changed []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if line[0] == '-' || line[0] == '+' {
			changed = append(changed, fields[1])
		}
	}
	if len(changed) == 0 {
		return nil
	}

	oldSHAs, err := v.oldSHAs(ctx, path)
	if err != nil {
		return err
	}

	if _, err := v.wc.Run(ctx, path, "submodule", "--quiet", "sync"); err != nil {
		return errors.Wrap(err, "submodule sync")
	}

	for _, name := range changed {
		if _, err := v.wc.Run(ctx, path, "submodule", "update", "--init", name); err != nil {
			return errors.Wrapf(err, "submodule update --init %s", name)
		}
		gitDir := filepath.Join(path, name, ".git")
		if _, err := v.wc.RunIn(ctx, path, gitDir, "fetch"); err != nil {
			return errors.Wrapf(err, "fetch submodule %s", name)
		}
	}

	return v.checkSubmodules(ctx, path, changed, oldSHAs)
}

// oldSHAs snapshots the current short-SHA of every submodule in the working
// copy before it is mutated, as `path<TAB>short-sha` pairs.
func (v *Validator) oldSHAs(ctx context.Context, path string) (map[string]string, error) {
	res, err := v.wc.Run(ctx, path, "submodule", "foreach", "--quiet",
		`echo "$path\t$(git rev-parse HEAD | cut -c-7)"`)
	if err != nil {
		return nil, errors.Wrap(err, "submodule foreach")
	}
	out := strings.TrimSpace(res.Stdout)
	result := make(map[string]string)
	if out == "" {
		return result, nil
	}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result, nil
}

func (v *Validator) checkSubmodules(ctx context.Context, path string, names []string, oldSHAs map[string]string) error {
	for _, name := range names {
		submodulePath := filepath.Join(path, name)

		hasMainline, err := v.hasMainlineBranch(ctx, submodulePath)
		if err != nil {
			return err
		}
		if hasMainline {
			pushed, err := v.headIsPushed(ctx, submodulePath)
			if err != nil {
				return err
			}
			if !pushed {
				return &NotPushed{Name: name}
			}
		}

		oldSHA, ok := oldSHAs[name]
		if !ok {
			continue
		}
		ff, err := v.isFastForward(ctx, submodulePath, oldSHA)
		if err != nil {
			return err
		}
		if !ff {
			return &NotFastForward{Name: name, OldSHA: oldSHA}
		}
	}
	return nil
}

func (v *Validator) hasMainlineBranch(ctx context.Context, submodulePath string) (bool, error) {
	res, err := v.wc.Run(ctx, submodulePath, "branch", "-r")
	if err != nil {
		return false, errors.Wrap(err, "branch -r")
	}
	return strings.Contains(res.Stdout, "origin/master"), nil
}

func (v *Validator) headIsPushed(ctx context.Context, submodulePath string) (bool, error) {
	head, err := v.wc.Run(ctx, submodulePath, "rev-parse", "HEAD")
	if err != nil {
		return false, errors.Wrap(err, "rev-parse HEAD")
	}
	sha := strings.TrimSpace(head.Stdout)
	res, err := v.wc.Run(ctx, submodulePath, "branch", "-r", "--contains", sha)
	if err != nil {
		return false, errors.Wrap(err, "branch -r --contains")
	}
	return strings.Contains(res.Stdout, "origin/master"), nil
}

func (v *Validator) isFastForward(ctx context.Context, submodulePath, oldSHA string) (bool, error) {
	head, err := v.wc.Run(ctx, submodulePath, "rev-parse", "HEAD")
	if err != nil {
		return false, errors.Wrap(err, "rev-parse HEAD")
	}
	newSHA := strings.TrimSpace(head.Stdout)
	res, err := v.wc.Run(ctx, submodulePath, "rev-list", "-n1", fmt.Sprintf("%s..%s", newSHA, oldSHA))
	if err != nil {
		return false, errors.Wrap(err, "rev-list")
	}
	return strings.TrimSpace(res.Stdout) == "", nil
}
