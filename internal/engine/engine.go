// Package engine is the composition root: it owns every long-lived
// collaborator (store, working copies, queues, poller) and exposes the
// narrow surface cmd/pushmanagerd drives (design note: "expose a long-lived
// Engine value constructed once with its configuration").
package engine

import (
	"context"

	"github.com/go-kit/log"
	"golang.org/x/sync/errgroup"

	"github.com/rockdog/pushmanager/internal/cache"
	"github.com/rockdog/pushmanager/internal/config"
	"github.com/rockdog/pushmanager/internal/conflict"
	"github.com/rockdog/pushmanager/internal/notify"
	"github.com/rockdog/pushmanager/internal/queue"
	"github.com/rockdog/pushmanager/internal/reconcile"
	"github.com/rockdog/pushmanager/internal/store"
	"github.com/rockdog/pushmanager/internal/verify"
	"github.com/rockdog/pushmanager/internal/workingcopy"
)

// Engine wires together every component described in spec §4 behind
// EnqueueVerifyBranch/EnqueueTestPickmeConflict/Run. Shutdown is by
// cancelling the context passed to Run.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	wc       *workingcopy.Manager
	verify   *verify.Engine
	conflict *conflict.Engine
	queues   *queue.Queues
	poller   *reconcile.Poller
	logger   log.Logger
	baseURL  string
}

// New constructs an Engine from cfg and an already-open store. logger is the
// root go-kit logger every component logs through.
func New(cfg *config.Config, st *store.Store, logger log.Logger) *Engine {
	wcSettings := workingcopy.Settings{
		MainRepository:     cfg.Git.MainRepository,
		LocalRepoPath:      cfg.Git.LocalRepoPath,
		LocalMirror:        cfg.Git.LocalMirror,
		UseLocalMirror:     cfg.Git.UseLocalMirror,
		Scheme:             cfg.Git.Scheme,
		Servername:         cfg.Git.Servername,
		Port:               cfg.Git.Port,
		Auth:               cfg.Git.Auth,
		DevRepositoriesDir: cfg.Git.DevRepositoriesDir,
		Debug:              cfg.MainApp.Debug,
	}
	wc := workingcopy.NewManager(wcSettings, logger)

	dispatcher := &notify.Dispatcher{
		Mailer:   notify.LoggingMailer{Logger: logger},
		Chatter:  notify.LoggingChatter{Logger: logger},
		Webhooks: notify.NewWebhooks(cfg.WebHooks.PostURL),
	}

	baseURL := "https://" + cfg.MainApp.Servername + ":" + cfg.MainApp.Port

	verifyEngine := verify.NewEngine(st, wc, dispatcher, logger, cfg.ReviewBoard.Servername, cfg.Git.ExcludeFromVerification)
	masterCache := cache.NewMasterCommits(1000)
	conflictEngine := conflict.NewEngine(st, wc, masterCache, dispatcher, logger, cfg.ReviewBoard.Servername, cfg.Git.MainRepository)

	e := &Engine{cfg: cfg, store: st, wc: wc, verify: verifyEngine, conflict: conflictEngine, logger: logger, baseURL: baseURL}

	e.queues = queue.NewQueues(queue.Handlers{
		VerifyBranch: verifyEngine.VerifyBranch,
		TestPickmeConflict: func(ctx context.Context, worker int, requestID int64, baseURL string, requeue bool) error {
			return conflictEngine.TestConflicts(ctx, worker, requestID, baseURL, requeue, e.queues, verifyEngine.SampleBranchTip)
		},
		TestConflictingOnly: func(ctx context.Context, pushID int64, baseURL string) error {
			return conflictEngine.RequeuePickmesForRelease(ctx, pushID, baseURL, true, e.queues)
		},
		TestAllPickmes: func(ctx context.Context, pushID int64, baseURL string) error {
			return conflictEngine.RequeuePickmesForRelease(ctx, pushID, baseURL, false, e.queues)
		},
	}, logger, cfg.Git.ConflictThreads)

	e.poller = reconcile.NewPoller(st, verifyEngine.SampleBranchTip, dispatcher, e.queues, logger, baseURL, cfg.Git.ExcludeFromVerification)

	return e
}

// EnqueueVerifyBranch queues a VERIFY_BRANCH task for requestID, using the
// engine's configured base URL.
func (e *Engine) EnqueueVerifyBranch(requestID int64) {
	e.queues.EnqueueVerifyBranch(requestID, e.baseURL)
}

// EnqueueTestPickmeConflict queues a TEST_ONE task for requestID.
func (e *Engine) EnqueueTestPickmeConflict(requestID int64, requeue bool) {
	e.queues.EnqueueTestPickmeConflict(requestID, e.baseURL, requeue)
}

// Run blocks until ctx is cancelled, running the queue workers and the
// reconciliation poller as a single errgroup.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.queues.Run(ctx) })
	g.Go(func() error { return e.poller.Run(ctx) })
	return g.Wait()
}
