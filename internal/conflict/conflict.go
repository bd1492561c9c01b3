// Package conflict implements the conflict-testing engine (spec §4.F): does
// a pickme merge cleanly onto mainline, and does it break any peer pickme
// already staged for the same release.
package conflict

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/rockdog/pushmanager/internal/cache"
	"github.com/rockdog/pushmanager/internal/gitcli"
	"github.com/rockdog/pushmanager/internal/model"
	"github.com/rockdog/pushmanager/internal/notify"
	"github.com/rockdog/pushmanager/internal/scope"
	"github.com/rockdog/pushmanager/internal/store"
	"github.com/rockdog/pushmanager/internal/submodule"
	"github.com/rockdog/pushmanager/internal/tags"
	"github.com/rockdog/pushmanager/internal/workingcopy"
)

// Notifier is the subset of mail/chat/webhook delivery the conflict engine
// needs.
type Notifier interface {
	EnqueueUserEmail(recipients []string, htmlBody, subject string) error
	EnqueueUserChat(recipients []string, plainBody string) error
}

// Enqueuer lets the conflict engine feed peer-conflict retests back onto the
// conflict queue without importing internal/queue (which itself depends on
// this package's Engine to run tasks — the dependency would be circular).
type Enqueuer interface {
	EnqueueTestPickmeConflict(requestID int64, baseURL string, requeue bool)
}

// Engine tests pickmes for conflicts against mainline and their release
// siblings.
type Engine struct {
	store        *store.Store
	wc           *workingcopy.Manager
	validator    *submodule.Validator
	notifier     Notifier
	masterCache  *cache.MasterCommits
	logger       log.Logger
	reviewBoard  string
	mainRepo     string
	mainlineName string
}

// NewEngine constructs a conflict Engine.
func NewEngine(st *store.Store, wc *workingcopy.Manager, masterCache *cache.MasterCommits, notifier Notifier, logger log.Logger, reviewBoardServer, mainRepo string) *Engine {
	return &Engine{
		store:        st,
		wc:           wc,
		validator:    submodule.NewValidator(wc),
		notifier:     notifier,
		masterCache:  masterCache,
		logger:       logger,
		reviewBoard:  reviewBoardServer,
		mainRepo:     mainRepo,
		mainlineName: "master",
	}
}

// shaExistsInMaster checks (and caches, on the positive outcome only) whether
// sha is reachable from origin/master, mirroring `_sha_exists_in_master`.
func (e *Engine) shaExistsInMaster(ctx context.Context, worker int, sha string) bool {
	if e.masterCache.Contains(sha) {
		return true
	}
	path := e.wc.Path(worker)
	res, err := e.wc.Run(ctx, path, "merge-base", "origin/master", sha)
	if err != nil {
		return false
	}
	mergeBase := strings.TrimSpace(res.Stdout)
	if mergeBase == sha {
		e.masterCache.Record(sha)
		return true
	}
	return false
}

// TestConflicts implements spec §4.F's top-level entry point
// (`test_pickme_conflicts`): prepares mainline, checks the pickme branch is
// still live and unmerged, clears stale conflict state, then tests against
// mainline and — if that succeeds — against release siblings.
func (e *Engine) TestConflicts(ctx context.Context, worker int, requestID int64, baseURL string, requeue bool, enqueuer Enqueuer, sample func(context.Context, model.Request, bool) (string, error)) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return errors.Wrapf(err, "loading request %d", requestID)
	}
	if req == nil {
		level.Error(e.logger).Log("msg", "conflict test for invalid request", "request_id", requestID)
		return nil
	}
	if req.State != model.StatePickme && req.State != model.StateAdded {
		return nil
	}

	release, err := e.store.GetReleaseForRequest(ctx, requestID)
	if err != nil {
		return errors.Wrap(err, "loading release for request")
	}
	if release == nil {
		level.Error(e.logger).Log("msg", "request not part of a release", "request_id", requestID, "title", req.Title)
		return nil
	}

	if _, err := e.wc.PrepareWorkingCopy(ctx, worker, e.mainRepo, e.mainlineName, workingcopy.Opts{Fetch: true}); err != nil {
		return errors.Wrap(err, "preparing mainline working copy")
	}

	path := e.wc.Path(worker)
	targetBranch := fmt.Sprintf("pickme_test_%d_%d", release.PushID, requestID)

	sha, err := sample(ctx, *req, false)
	if err != nil || sha == "" {
		return nil
	}
	if e.shaExistsInMaster(ctx, worker, sha) {
		return nil
	}

	if err := e.clearConflictDetails(ctx, req); err != nil {
		return err
	}

	conflict, updated, err := e.testPickmeConflictMaster(ctx, worker, req, targetBranch, path, baseURL, requeue, enqueuer, sample)
	if err != nil {
		return err
	}
	if conflict {
		return e.notifyConflictDetected(ctx, *updated, requeue, baseURL)
	}

	fresh, err := e.store.GetRequest(ctx, requestID)
	if err != nil || fresh == nil {
		return err
	}
	if tags.Parse(fresh.Tags).HasSubstring(model.ConflictSubstring) {
		return nil
	}
	updatedTags := tags.Parse(fresh.Tags).Add(model.TagNoConflicts)
	if _, err := e.store.UpdateRequest(ctx, requestID, map[string]interface{}{"tags": updatedTags.String()}); err != nil {
		return errors.Wrap(err, "marking pickme conflict-free")
	}
	return nil
}

// clearConflictDetails mirrors `_clear_pickme_conflict_details`.
func (e *Engine) clearConflictDetails(ctx context.Context, req *model.Request) error {
	updated := tags.Parse(req.Tags).Remove(model.TagConflictMaster).Remove(model.TagConflictPickme).Remove(model.TagNoConflicts)
	_, err := e.store.UpdateRequest(ctx, req.ID, map[string]interface{}{"tags": updated.String(), "conflicts": ""})
	return errors.Wrap(err, "clearing conflict details")
}

// testPickmeConflictMaster mirrors `_test_pickme_conflict_master`: stage req's
// branch, build a temporary test branch off mainline, and trial-merge req
// onto it.
func (e *Engine) testPickmeConflictMaster(ctx context.Context, worker int, req *model.Request, targetBranch, path, baseURL string, requeue bool, enqueuer Enqueuer, sample func(context.Context, model.Request, bool) (string, error)) (bool, *model.Request, error) {
	if err := e.wc.Fetch(ctx, path, req.Repo, req.Branch); err != nil {
		return false, nil, errors.Wrap(err, "fetching pickme branch")
	}

	var conflict bool
	var updated *model.Request
	var conflictOut, conflictErr string

	branchErr := scope.TemporaryBranch(ctx, e.wc, path, targetBranch, func() error {
		return scope.TrialMerge(ctx, e.wc, path, targetBranch, func() error {
			if err := e.mergePickme(ctx, worker, *req, path); err != nil {
				conflict = true
				if cf, ok := asCommandFailed(err); ok {
					conflictOut, conflictErr = cf.Stdout, cf.Stderr
				}
				return nil // the merge failure is expected data, not a fatal error for the scope
			}
			var siblingErr error
			updated, siblingErr = e.testPickmeConflictPickme(ctx, worker, req, targetBranch, path, baseURL, requeue, enqueuer, sample)
			return siblingErr
		})
	})
	if branchErr != nil {
		return false, nil, branchErr
	}

	if !conflict {
		return updated != nil, updated, nil
	}

	updatedTags := tags.Parse(req.Tags).Add(model.TagConflictMaster).Remove(model.TagNoConflicts)
	details := fmt.Sprintf("<strong>Conflict with master:</strong><br/> %s <br/> %s", html.EscapeString(conflictOut), html.EscapeString(conflictErr))
	result, err := e.store.UpdateRequest(ctx, req.ID, map[string]interface{}{"tags": updatedTags.String(), "conflicts": details})
	if err != nil {
		return false, nil, errors.Wrap(err, "recording master conflict")
	}
	return true, result, nil
}

// mergePickme mirrors `git_merge_pickme`: fetch the pickme's branch, pull
// --no-ff --no-commit onto the current branch, commit, then validate
// submodules.
func (e *Engine) mergePickme(ctx context.Context, worker int, req model.Request, repoPath string) error {
	if err := e.wc.Fetch(ctx, repoPath, req.Repo, req.Branch); err != nil {
		return errors.Wrap(err, "fetching pickme for merge")
	}

	remote := req.Repo
	if req.Repo == e.mainRepo {
		remote = "origin"
	}
	if _, err := e.wc.Run(ctx, repoPath, "pull", "--no-ff", "--no-commit", "--no-rebase", remote, req.Branch); err != nil {
		return err
	}

	summary := fmt.Sprintf("%s\n\n(Merged from %s/%s)", req.Title, req.Repo, req.Branch)
	if _, err := e.wc.Run(ctx, repoPath, "commit", "-m", summary, "--no-verify"); err != nil {
		return err
	}

	return e.validator.ValidateChangedSubmodules(ctx, repoPath)
}

// testPickmeConflictPickme mirrors `_test_pickme_conflict_pickme`: with req
// already merged onto targetBranch, trial-merge every other pickme in the
// same release and record which ones break.
func (e *Engine) testPickmeConflictPickme(ctx context.Context, worker int, req *model.Request, targetBranch, repoPath, baseURL string, requeue bool, enqueuer Enqueuer, sample func(context.Context, model.Request, bool) (string, error)) (*model.Request, error) {
	release, err := e.store.GetReleaseForRequest(ctx, req.ID)
	if err != nil {
		return nil, errors.Wrap(err, "loading release")
	}
	if release == nil {
		return nil, nil
	}

	siblingIDs, err := e.store.GetRequestIdsInRelease(ctx, release.PushID)
	if err != nil {
		return nil, errors.Wrap(err, "loading release siblings")
	}

	type brokenPickme struct {
		id        int64
		title     string
		gitOut    string
		gitErr    string
	}
	var broken []brokenPickme

	for _, siblingID := range siblingIDs {
		if siblingID == req.ID {
			continue
		}
		sibling, err := e.store.GetRequest(ctx, siblingID)
		if err != nil {
			return nil, errors.Wrapf(err, "loading sibling %d", siblingID)
		}
		if sibling == nil {
			level.Error(e.logger).Log("msg", "conflict test against invalid sibling", "sibling_id", siblingID)
			continue
		}
		if sibling.State != model.StatePickme && sibling.State != model.StateAdded {
			continue
		}

		if err := e.wc.Fetch(ctx, repoPath, sibling.Repo, sibling.Branch); err != nil {
			return nil, errors.Wrap(err, "fetching sibling branch")
		}

		sha, err := sample(ctx, *sibling, false)
		if err != nil || sha == "" || e.shaExistsInMaster(ctx, worker, sha) {
			continue
		}

		siblingTags := tags.Parse(sibling.Tags)
		if !siblingTags.HasSubstring(model.ConflictSubstring) {
			continue
		}
		if siblingTags.Has(model.TagConflictMaster) {
			continue
		}

		mergeErr := scope.TrialMerge(ctx, e.wc, repoPath, targetBranch, func() error {
			return e.mergePickme(ctx, worker, *sibling, repoPath)
		})
		if mergeErr != nil {
			if !(req.State == model.StateAdded && sibling.State == model.StatePickme) {
				out, errOut := "", ""
				if cf, ok := asCommandFailed(mergeErr); ok {
					out, errOut = cf.Stdout, cf.Stderr
				}
				broken = append(broken, brokenPickme{id: sibling.ID, title: sibling.Title, gitOut: out, gitErr: errOut})
			}
			if requeue && sibling.State != model.StateAdded {
				enqueuer.EnqueueTestPickmeConflict(siblingID, baseURL, false)
			}
		}
	}

	if len(broken) == 0 {
		return nil, nil
	}

	formatted := ""
	for _, b := range broken {
		formatted += fmt.Sprintf(
			`<strong>Conflict with <a href="/request?id=%d">%s</a>: </strong><br/>%s<br/>%s<br/><br/>`,
			b.id, html.EscapeString(b.title), html.EscapeString(b.gitOut), html.EscapeString(b.gitErr),
		)
	}

	updatedTags := tags.Parse(req.Tags).Add(model.TagConflictPickme).Remove(model.TagNoConflicts)
	result, err := e.store.UpdateRequest(ctx, req.ID, map[string]interface{}{"tags": updatedTags.String(), "conflicts": formatted})
	if err != nil {
		return nil, errors.Wrap(err, "recording pickme conflict")
	}
	return result, nil
}

// RequeuePickmesForRelease mirrors `requeue_pickmes_for_push`: re-enqueue
// every pickme in pushID (or, if conflictingOnly, just those already tagged
// conflict-pickme) for a fresh conflict test.
func (e *Engine) RequeuePickmesForRelease(ctx context.Context, pushID int64, baseURL string, conflictingOnly bool, enqueuer Enqueuer) error {
	ids, err := e.store.GetRequestIdsInRelease(ctx, pushID)
	if err != nil {
		return errors.Wrap(err, "loading release requests")
	}
	for _, id := range ids {
		req, err := e.store.GetRequest(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "loading request %d", id)
		}
		if req == nil {
			continue
		}
		if conflictingOnly && !tags.Parse(req.Tags).Has(model.TagConflictPickme) {
			continue
		}
		enqueuer.EnqueueTestPickmeConflict(req.ID, baseURL, false)
	}
	return nil
}

func (e *Engine) notifyConflictDetected(ctx context.Context, req model.Request, sendNotifications bool, baseURL string) error {
	conflictsWithMaster := tags.Parse(req.Tags).Has(model.TagConflictMaster)

	subject, body, err := notify.ConflictDetectedEmail(req, conflictsWithMaster, baseURL, e.reviewBoard)
	if err != nil {
		return errors.Wrap(err, "rendering conflict-detected email")
	}
	if err := e.notifier.EnqueueUserEmail([]string{req.User}, body, subject); err != nil {
		return errors.Wrap(err, "enqueueing conflict-detected email")
	}

	if sendNotifications {
		chat := notify.ConflictDetectedChat(req, conflictsWithMaster, baseURL)
		if err := e.notifier.EnqueueUserChat([]string{req.User}, chat); err != nil {
			return errors.Wrap(err, "enqueueing conflict-detected chat")
		}
	}
	return nil
}

func asCommandFailed(err error) (*gitcli.CommandFailed, bool) {
	var cf *gitcli.CommandFailed
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}

