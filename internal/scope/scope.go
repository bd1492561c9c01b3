// Package scope implements the two scoped mutators of spec §4.D: temporary
// branches and trial merges, both restoring the working copy to its entry
// state on any exit path.
package scope

import (
	"context"

	"github.com/pkg/errors"

	"github.com/rockdog/pushmanager/internal/workingcopy"
)

// TemporaryBranch creates branch name tracking origin/master, runs body,
// then always checks out master and force-deletes name — regardless of
// whether body succeeded.
func TemporaryBranch(ctx context.Context, wc *workingcopy.Manager, path, name string, body func() error) error {
	_ = wc.DeleteBranch(ctx, path, name) // best-effort: missing-branch errors are expected and swallowed

	if err := wc.CreateBranchFrom(ctx, path, name, "origin/master"); err != nil {
		return errors.Wrapf(err, "creating temporary branch %s", name)
	}

	bodyErr := body()

	checkoutErr := wc.Checkout(ctx, path, "master")
	deleteErr := wc.DeleteBranch(ctx, path, name)

	if bodyErr != nil {
		return bodyErr
	}
	if checkoutErr != nil {
		return errors.Wrap(checkoutErr, "checking out master after temporary branch")
	}
	if deleteErr != nil {
		return errors.Wrapf(deleteErr, "deleting temporary branch %s", name)
	}
	return nil
}

// TrialMerge records branch's current commit, runs body, then always hard
// resets back to that commit and re-syncs submodules — regardless of
// whether body succeeded.
func TrialMerge(ctx context.Context, wc *workingcopy.Manager, path, branch string, body func() error) error {
	startingRef, err := wc.RevParse(ctx, path, branch)
	if err != nil {
		return errors.Wrapf(err, "recording starting ref for %s", branch)
	}

	bodyErr := body()

	resetErr := wc.ResetHard(ctx, path, startingRef)
	syncErr := wc.SyncAndUpdateSubmodules(ctx, path)

	if bodyErr != nil {
		return bodyErr
	}
	if resetErr != nil {
		return errors.Wrapf(resetErr, "resetting to %s after trial merge", startingRef)
	}
	if syncErr != nil {
		return errors.Wrap(syncErr, "syncing submodules after trial merge")
	}
	return nil
}
