// Package verify implements the branch-verification engine (spec §4.G):
// confirm a request's branch still exists upstream, record its tip, and
// reject duplicate revisions across open requests.
package verify

import (
	"context"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/rockdog/pushmanager/internal/gitcli"
	"github.com/rockdog/pushmanager/internal/model"
	"github.com/rockdog/pushmanager/internal/notify"
	"github.com/rockdog/pushmanager/internal/store"
	"github.com/rockdog/pushmanager/internal/tags"
)

// RepositoryURI resolves a logical repository name to its clone URI. The
// engine's workingcopy.Manager implements this; it is narrowed to an
// interface here so verify doesn't need a full Manager to sample a tip.
type RepositoryURI interface {
	RepositoryURI(repository string) string
}

// Notifier is the subset of mail/chat/webhook delivery VerifyBranch needs.
type Notifier interface {
	EnqueueUserEmail(recipients []string, htmlBody, subject string) error
	PostWebhook(ctx context.Context, leftType string, leftToken interface{}, rightType string, rightToken interface{}) error
}

// Engine runs branch verification against a store and a repository URI
// resolver, logging through logger.
type Engine struct {
	store             *store.Store
	repos             RepositoryURI
	notifier          Notifier
	logger            log.Logger
	reviewBoardServer string
	excludedTags      []string
}

// NewEngine constructs a verification Engine. excludedTags names the tags
// that exempt a request from verification (spec §4.G step 1).
func NewEngine(st *store.Store, repos RepositoryURI, notifier Notifier, logger log.Logger, reviewBoardServer string, excludedTags []string) *Engine {
	return &Engine{store: st, repos: repos, notifier: notifier, logger: logger, reviewBoardServer: reviewBoardServer, excludedTags: excludedTags}
}

func (e *Engine) isExcluded(req model.Request) bool {
	set := tags.Parse(req.Tags)
	for _, t := range e.excludedTags {
		if set.Has(t) {
			return true
		}
	}
	return false
}

// VerifyBranch implements spec §4.G: load the request, sample its branch
// tip, reject duplicate revisions, then record the verified sha and flip
// git-ok/git-error tags.
func (e *Engine) VerifyBranch(ctx context.Context, requestID int64, baseURL string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return errors.Wrapf(err, "loading request %d", requestID)
	}
	if req == nil {
		level.Error(e.logger).Log("msg", "verify job for non-existent request", "request_id", requestID)
		return nil
	}

	if e.isExcluded(*req) {
		return nil
	}

	if req.Branch == "" {
		return e.fail(ctx, *req, "Git queue worker received a job for request with no branch", baseURL)
	}

	sha, sampleErr := e.SampleBranchTip(ctx, *req, true)
	if sampleErr != nil {
		return e.fail(ctx, *req, "Git queue worker could not get the revision from request branch", baseURL)
	}

	dup, err := e.store.GetRequestWithRevision(ctx, sha)
	if err != nil {
		return errors.Wrap(err, "checking for duplicate revision")
	}
	if dup != nil && dup.State != model.StateDiscarded && dup.ID != req.ID {
		return e.fail(ctx, *req, "Git queue worker found another request with the same revision sha", baseURL)
	}

	tagSet := tags.Parse(req.Tags).Add(model.TagGitOK).Remove(model.TagGitError)

	updated, err := e.store.UpdateRequest(ctx, req.ID, map[string]interface{}{
		"revision": sha,
		"tags":     tagSet.String(),
	})
	if err != nil {
		return errors.Wrapf(err, "updating request %d after verification", req.ID)
	}
	if updated == nil {
		return nil
	}

	return e.notifySuccess(ctx, *updated, baseURL)
}

// SampleBranchTip runs `git ls-remote -h` against req's repository and
// returns the sha of req.Branch, mirroring `_get_branch_sha_from_repo`. When
// alert is true and the query fails, a `[push error]` e-mail is sent to the
// requester directly from here (the original's `_get_branch_sha_from_repo`
// notifies independently of its caller's own failure path).
func (e *Engine) SampleBranchTip(ctx context.Context, req model.Request, alert bool) (string, error) {
	uri := e.repos.RepositoryURI(req.Repo)
	res, err := gitcli.Run(ctx, e.logger, []string{"ls-remote", "-h", uri, req.Branch}, gitcli.Options{})
	if err != nil {
		if alert {
			stderr := ""
			if cf, ok := asCommandFailed(err); ok {
				stderr = cf.Stderr
			}
			e.sendSampleFailure(ctx, req, stderr)
		}
		return "", errors.Wrapf(err, "ls-remote %s %s", uri, req.Branch)
	}

	want := "refs/heads/" + req.Branch
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[1] == want {
			return fields[0], nil
		}
	}

	if alert {
		e.sendSampleFailure(ctx, req, "the specified branch ("+req.Branch+") was not found in the repository")
	}
	return "", errors.Errorf("branch %s not found in %s", req.Branch, uri)
}

func asCommandFailed(err error) (*gitcli.CommandFailed, bool) {
	var cf *gitcli.CommandFailed
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}

func (e *Engine) sendSampleFailure(ctx context.Context, req model.Request, stderr string) {
	subject, body, err := notify.SampleFailureEmail(req, stderr)
	if err != nil {
		level.Error(e.logger).Log("msg", "rendering sample-failure email", "err", err)
		return
	}
	if err := e.notifier.EnqueueUserEmail([]string{req.User}, body, subject); err != nil {
		level.Error(e.logger).Log("msg", "enqueueing sample-failure email", "err", err)
	}
}

func (e *Engine) fail(ctx context.Context, req model.Request, reason, baseURL string) error {
	level.Error(e.logger).Log("msg", reason, "request_id", req.ID)

	tagSet := tags.Parse(req.Tags).Add(model.TagGitError).Remove(model.TagGitOK)

	if _, err := e.store.UpdateRequest(ctx, req.ID, map[string]interface{}{"tags": tagSet.String()}); err != nil {
		return errors.Wrapf(err, "updating request %d after verification failure", req.ID)
	}

	subject, body, err := notify.VerifyFailureEmail(req, reason, baseURL, e.reviewBoardServer)
	if err != nil {
		return errors.Wrap(err, "rendering verify-failure email")
	}
	if err := e.notifier.EnqueueUserEmail([]string{req.User}, body, subject); err != nil {
		return errors.Wrap(err, "enqueueing verify-failure email")
	}
	return nil
}

func (e *Engine) notifySuccess(ctx context.Context, req model.Request, baseURL string) error {
	subject, body, err := notify.VerifySuccessEmail(req, baseURL, e.reviewBoardServer)
	if err != nil {
		return errors.Wrap(err, "rendering verify-success email")
	}
	if err := e.notifier.EnqueueUserEmail([]string{req.User}, body, subject); err != nil {
		return errors.Wrap(err, "enqueueing verify-success email")
	}

	if err := e.notifier.PostWebhook(ctx, "pushrequest", req.ID, "ref", req.Branch); err != nil {
		level.Error(e.logger).Log("msg", "webhook post failed", "kind", "ref", "err", err)
	}
	if err := e.notifier.PostWebhook(ctx, "pushrequest", req.ID, "commit", req.Revision); err != nil {
		level.Error(e.logger).Log("msg", "webhook post failed", "kind", "commit", "err", err)
	}
	if req.ReviewID != nil {
		if err := e.notifier.PostWebhook(ctx, "pushrequest", req.ID, "review", *req.ReviewID); err != nil {
			level.Error(e.logger).Log("msg", "webhook post failed", "kind", "review", "err", err)
		}
	}
	return nil
}
