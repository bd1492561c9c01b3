// Package queue implements the two typed task queues of spec §4.H: a
// single-worker verification queue and an N-worker conflict-testing queue.
// Both are unbounded FIFOs — GitQueue.enqueue_request never blocks the
// caller on a full queue — backed by a container/list buffer guarded by a
// mutex and condition variable rather than a fixed-capacity channel.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/rockdog/pushmanager/internal/model"
)

// FIFO is an unbounded, goroutine-safe task queue.
type FIFO struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List
	closed bool
}

// NewFIFO constructs an empty queue.
func NewFIFO() *FIFO {
	f := &FIFO{items: list.New()}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push appends task to the back of the queue.
func (f *FIFO) Push(task model.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.items.PushBack(task)
	f.cond.Signal()
}

// Pop blocks until a task is available or the queue is closed, in which case
// ok is false.
func (f *FIFO) Pop() (task model.Task, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.items.Len() == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.items.Len() == 0 {
		return model.Task{}, false
	}
	front := f.items.Front()
	f.items.Remove(front)
	return front.Value.(model.Task), true
}

// Close unblocks every pending Pop, which will return ok=false once the
// queue drains.
func (f *FIFO) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Handlers dispatches each task kind to its engine. One field per
// model.TaskKind the queues accept (spec §4.H).
type Handlers struct {
	VerifyBranch        func(ctx context.Context, requestID int64, baseURL string) error
	TestPickmeConflict  func(ctx context.Context, worker int, requestID int64, baseURL string, requeue bool) error
	TestConflictingOnly func(ctx context.Context, pushID int64, baseURL string) error
	TestAllPickmes      func(ctx context.Context, pushID int64, baseURL string) error
}

// Queues owns the sha_queue (1 worker) and conflict_queue (N workers), and
// the worker goroutines that drain them (spec §4.H).
type Queues struct {
	sha      *FIFO
	conflict *FIFO
	handlers Handlers
	logger   log.Logger
	workers  int
	throttle time.Duration
}

// NewQueues constructs the queue pair. workers is the conflict queue's
// worker count (Settings['git']['conflict-threads'] in the original).
func NewQueues(handlers Handlers, logger log.Logger, workers int) *Queues {
	if workers < 1 {
		workers = 1
	}
	return &Queues{
		sha:      NewFIFO(),
		conflict: NewFIFO(),
		handlers: handlers,
		logger:   logger,
		workers:  workers,
		throttle: time.Second,
	}
}

// EnqueueVerifyBranch pushes a VERIFY_BRANCH task onto the sha queue.
func (q *Queues) EnqueueVerifyBranch(requestID int64, baseURL string) {
	q.sha.Push(model.Task{Kind: model.TaskVerifyBranch, RequestID: requestID, BaseURL: baseURL})
}

// EnqueueTestPickmeConflict pushes a TEST_ONE task onto the conflict queue,
// satisfying internal/conflict.Enqueuer.
func (q *Queues) EnqueueTestPickmeConflict(requestID int64, baseURL string, requeue bool) {
	q.conflict.Push(model.Task{Kind: model.TaskTestOne, RequestID: requestID, BaseURL: baseURL, Requeue: requeue})
}

// EnqueueTestConflictingPickmes pushes a TEST_CONFLICTING task (requeue the
// conflicting siblings of a release) onto the conflict queue.
func (q *Queues) EnqueueTestConflictingPickmes(pushID int64, baseURL string) {
	q.conflict.Push(model.Task{Kind: model.TaskTestConflicting, RequestID: pushID, BaseURL: baseURL})
}

// EnqueueTestAllPickmes pushes a TEST_ALL task (requeue every pickme in a
// release) onto the conflict queue.
func (q *Queues) EnqueueTestAllPickmes(pushID int64, baseURL string) {
	q.conflict.Push(model.Task{Kind: model.TaskTestAll, RequestID: pushID, BaseURL: baseURL})
}

// Run starts the sha worker and q.workers conflict workers, blocking until
// ctx is cancelled and every worker has returned. Handler errors are logged
// by the worker loop and never end it, so Run always returns nil.
func (q *Queues) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		q.runLoop(ctx, q.sha, "sha", q.dispatchSHA)
		return nil
	})

	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			q.runLoop(ctx, q.conflict, "conflict", func(ctx context.Context, task model.Task) error {
				return q.dispatchConflict(ctx, worker, task)
			})
			return nil
		})
	}

	go func() {
		<-ctx.Done()
		q.sha.Close()
		q.conflict.Close()
	}()

	return g.Wait()
}

func (q *Queues) runLoop(ctx context.Context, f *FIFO, name string, dispatch func(context.Context, model.Task) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.throttle):
		}

		task, ok := f.Pop()
		if !ok {
			return
		}
		if err := dispatch(ctx, task); err != nil {
			level.Error(q.logger).Log("msg", "queue worker error", "queue", name, "task", task.Kind.String(), "err", err)
		}
	}
}

func (q *Queues) dispatchSHA(ctx context.Context, task model.Task) error {
	switch task.Kind {
	case model.TaskVerifyBranch:
		return q.handlers.VerifyBranch(ctx, task.RequestID, task.BaseURL)
	default:
		level.Error(q.logger).Log("msg", "unknown sha queue task", "kind", task.Kind.String())
		return nil
	}
}

func (q *Queues) dispatchConflict(ctx context.Context, worker int, task model.Task) error {
	switch task.Kind {
	case model.TaskTestOne:
		return q.handlers.TestPickmeConflict(ctx, worker, task.RequestID, task.BaseURL, task.Requeue)
	case model.TaskTestConflicting:
		return q.handlers.TestConflictingOnly(ctx, task.RequestID, task.BaseURL)
	case model.TaskTestAll:
		return q.handlers.TestAllPickmes(ctx, task.RequestID, task.BaseURL)
	default:
		level.Error(q.logger).Log("msg", "unknown conflict queue task", "kind", task.Kind.String())
		return nil
	}
}
