// Package reconcile implements the reconciliation poller (spec §4.I): a
// continuous sweep over active requests that detects upstream branch moves,
// records the new revision, and re-queues verification/conflict checks.
package reconcile

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/rockdog/pushmanager/internal/model"
	"github.com/rockdog/pushmanager/internal/notify"
	"github.com/rockdog/pushmanager/internal/store"
	"github.com/rockdog/pushmanager/internal/tags"
)

// allZeroSHA is recorded when the branch tip can't be sampled at all —
// mirroring `check_active_request_shas`' `sha = '0'*40` fallback.
const allZeroSHA = "0000000000000000000000000000000000000000"

// Sampler resolves a request's current upstream branch tip, matching
// verify.Engine.SampleBranchTip's shape. alert controls whether a sampling
// failure raises a user-facing notification.
type Sampler func(ctx context.Context, req model.Request, alert bool) (string, error)

// Notifier is the subset of mail delivery the poller needs.
type Notifier interface {
	EnqueueUserEmail(recipients []string, htmlBody, subject string) error
}

// Enqueuer is the subset of queue.Queues the poller drives.
type Enqueuer interface {
	EnqueueVerifyBranch(requestID int64, baseURL string)
	EnqueueTestPickmeConflict(requestID int64, baseURL string, requeue bool)
	EnqueueTestConflictingPickmes(pushID int64, baseURL string)
}

// Poller runs the sampling loop.
type Poller struct {
	store           *store.Store
	sample          Sampler
	notifier        Notifier
	enqueuer        Enqueuer
	logger          log.Logger
	baseURL         string
	excludedTags    []string
	pollInterval    time.Duration
	perRequestDelay time.Duration
}

// NewPoller constructs a Poller. excludedTags mirrors verify.Engine's
// exclusion list (`request_is_excluded_from_git_verification`).
func NewPoller(st *store.Store, sample Sampler, notifier Notifier, enqueuer Enqueuer, logger log.Logger, baseURL string, excludedTags []string) *Poller {
	return &Poller{
		store:           st,
		sample:          sample,
		notifier:        notifier,
		enqueuer:        enqueuer,
		logger:          logger,
		baseURL:         baseURL,
		excludedTags:    excludedTags,
		pollInterval:    time.Second,
		perRequestDelay: 40 * time.Millisecond,
	}
}

func (p *Poller) isExcluded(req model.Request) bool {
	set := tags.Parse(req.Tags)
	for _, t := range p.excludedTags {
		if set.Has(t) {
			return true
		}
	}
	return false
}

// Run loops until ctx is cancelled, sweeping active requests every
// pollInterval (spec §4.I).
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.sweep(ctx); err != nil {
				level.Error(p.logger).Log("msg", "reconciliation sweep failed", "err", err)
			}
		}
	}
}

func (p *Poller) sweep(ctx context.Context) error {
	active, err := p.store.GetActiveRequests(ctx)
	if err != nil {
		return errors.Wrap(err, "loading active requests")
	}

	for _, req := range active {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.perRequestDelay):
		}

		if p.isExcluded(req) || req.Branch == "" || req.Revision == "" {
			continue
		}

		sha, err := p.sample(ctx, req, false)
		if err != nil || sha == "" {
			sha = allZeroSHA
		}
		if sha == req.Revision {
			continue
		}

		if err := p.updateAndRequeue(ctx, req, sha); err != nil {
			level.Error(p.logger).Log("msg", "reconciliation update failed", "request_id", req.ID, "err", err)
		}
	}
	return nil
}

// updateAndRequeue mirrors `_update_req_sha_and_queue_pickme` +
// `_notify_updated_request_sha`.
func (p *Poller) updateAndRequeue(ctx context.Context, req model.Request, sha string) error {
	updated, err := p.store.UpdateRequest(ctx, req.ID, map[string]interface{}{"revision": sha})
	if err != nil {
		return errors.Wrapf(err, "updating request %d revision", req.ID)
	}
	if updated == nil {
		return errors.Errorf("failed to update request %d revision", req.ID)
	}

	if err := p.notifyMoved(req, sha); err != nil {
		level.Error(p.logger).Log("msg", "branch-moved notification failed", "request_id", req.ID, "err", err)
	}

	p.enqueuer.EnqueueVerifyBranch(req.ID, p.baseURL)

	if req.State == model.StatePickme || req.State == model.StateAdded {
		tagSet := tags.Parse(req.Tags)
		switch {
		case tagSet.Has(model.TagNoConflicts) || tagSet.Has(model.TagConflictMaster):
			p.enqueuer.EnqueueTestPickmeConflict(req.ID, p.baseURL, true)
		case tagSet.Has(model.TagConflictPickme):
			release, err := p.store.GetReleaseForRequest(ctx, req.ID)
			if err != nil {
				return errors.Wrap(err, "loading release for conflict requeue")
			}
			if release != nil {
				p.enqueuer.EnqueueTestConflictingPickmes(release.PushID, p.baseURL)
			}
		}
	}
	return nil
}

func (p *Poller) notifyMoved(req model.Request, newSHA string) error {
	subject, body, err := notify.BranchMovedEmail(req, newSHA)
	if err != nil {
		return errors.Wrap(err, "rendering branch-moved email")
	}
	return p.notifier.EnqueueUserEmail([]string{req.User}, body, subject)
}
