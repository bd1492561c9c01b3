package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rockdog/pushmanager/internal/model"
)

func TestFIFOPushPop(t *testing.T) {
	f := NewFIFO()
	f.Push(model.Task{Kind: model.TaskVerifyBranch, RequestID: 1})
	f.Push(model.Task{Kind: model.TaskVerifyBranch, RequestID: 2})

	task, ok := f.Pop()
	require.True(t, ok)
	require.Equal(t, int64(1), task.RequestID)

	task, ok = f.Pop()
	require.True(t, ok)
	require.Equal(t, int64(2), task.RequestID)
}

func TestFIFOPopBlocksUntilPush(t *testing.T) {
	f := NewFIFO()
	done := make(chan model.Task, 1)
	go func() {
		task, ok := f.Pop()
		require.True(t, ok)
		done <- task
	}()

	time.Sleep(20 * time.Millisecond)
	f.Push(model.Task{Kind: model.TaskVerifyBranch, RequestID: 42})

	select {
	case task := <-done:
		require.Equal(t, int64(42), task.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestFIFOCloseUnblocksPop(t *testing.T) {
	f := NewFIFO()
	done := make(chan bool, 1)
	go func() {
		_, ok := f.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	f.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop never returned after Close")
	}
}

func TestFIFOPushAfterCloseIsNoop(t *testing.T) {
	f := NewFIFO()
	f.Close()
	f.Push(model.Task{Kind: model.TaskVerifyBranch, RequestID: 1})

	_, ok := f.Pop()
	require.False(t, ok)
}

func TestFIFODrainsPendingBeforeClosing(t *testing.T) {
	f := NewFIFO()
	f.Push(model.Task{RequestID: 1})
	f.Close()

	task, ok := f.Pop()
	require.True(t, ok)
	require.Equal(t, int64(1), task.RequestID)

	_, ok = f.Pop()
	require.False(t, ok)
}

func TestQueuesRunDispatchesVerifyBranch(t *testing.T) {
	var calledWith int64
	var mu sync.Mutex

	handlers := Handlers{
		VerifyBranch: func(ctx context.Context, requestID int64, baseURL string) error {
			mu.Lock()
			calledWith = requestID
			mu.Unlock()
			return nil
		},
		TestPickmeConflict:  func(ctx context.Context, worker int, requestID int64, baseURL string, requeue bool) error { return nil },
		TestConflictingOnly: func(ctx context.Context, pushID int64, baseURL string) error { return nil },
		TestAllPickmes:      func(ctx context.Context, pushID int64, baseURL string) error { return nil },
	}
	q := NewQueues(handlers, log.NewNopLogger(), 1)
	q.throttle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(ctx) }()

	q.EnqueueVerifyBranch(7, "https://push.example.com")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calledWith == 7
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancel")
	}
}

func TestQueuesRunThreadsWorkerIndexToConflictHandler(t *testing.T) {
	var seenWorkers sync.Map
	var calls int64

	handlers := Handlers{
		VerifyBranch: func(ctx context.Context, requestID int64, baseURL string) error { return nil },
		TestPickmeConflict: func(ctx context.Context, worker int, requestID int64, baseURL string, requeue bool) error {
			seenWorkers.Store(worker, true)
			atomic.AddInt64(&calls, 1)
			return nil
		},
		TestConflictingOnly: func(ctx context.Context, pushID int64, baseURL string) error { return nil },
		TestAllPickmes:      func(ctx context.Context, pushID int64, baseURL string) error { return nil },
	}
	q := NewQueues(handlers, log.NewNopLogger(), 3)
	q.throttle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(ctx) }()

	for i := int64(0); i < 6; i++ {
		q.EnqueueTestPickmeConflict(i, "https://push.example.com", false)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) == 6
	}, 3*time.Second, 10*time.Millisecond)

	seenWorkers.Range(func(k, _ interface{}) bool {
		w := k.(int)
		require.True(t, w >= 0 && w < 3, "worker index %d outside [0, 3)", w)
		return true
	})

	cancel()
	<-runDone
}

func TestDispatchSHAUnknownTaskKindLogsAndReturnsNil(t *testing.T) {
	q := NewQueues(Handlers{}, log.NewNopLogger(), 1)
	err := q.dispatchSHA(context.Background(), model.Task{Kind: model.TaskTestOne})
	require.NoError(t, err)
}

func TestDispatchConflictUnknownTaskKindLogsAndReturnsNil(t *testing.T) {
	q := NewQueues(Handlers{}, log.NewNopLogger(), 1)
	err := q.dispatchConflict(context.Background(), 0, model.Task{Kind: model.TaskVerifyBranch})
	require.NoError(t, err)
}

func TestRunLoopLogsHandlerErrorButContinues(t *testing.T) {
	q := NewQueues(Handlers{
		VerifyBranch: func(ctx context.Context, requestID int64, baseURL string) error {
			return errors.New("boom")
		},
		TestPickmeConflict:  func(ctx context.Context, worker int, requestID int64, baseURL string, requeue bool) error { return nil },
		TestConflictingOnly: func(ctx context.Context, pushID int64, baseURL string) error { return nil },
		TestAllPickmes:      func(ctx context.Context, pushID int64, baseURL string) error { return nil },
	}, log.NewNopLogger(), 1)
	q.throttle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(ctx) }()

	q.EnqueueVerifyBranch(1, "")
	q.EnqueueVerifyBranch(2, "")

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err, "a handler error must not bring down the worker loop")
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancel")
	}
}
