package waittask

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semtask/task"
)

// blockingWorker runs until stopped and records the stop cause.
type blockingWorker struct {
	id      string
	r       *Registry
	leave   bool
	started chan struct{}

	mu    sync.Mutex
	cause error
}

func newBlockingWorker(id string, r *Registry, leave bool) *blockingWorker {
	return &blockingWorker{id: id, r: r, leave: leave, started: make(chan struct{})}
}

func (w *blockingWorker) ID() string            { return w.id }
func (w *blockingWorker) Kind() string          { return "test" }
func (w *blockingWorker) Task() task.Descriptor { return task.Descriptor{Name: "wait:test"} }

func (w *blockingWorker) Run(ctx context.Context) {
	close(w.started)
	<-ctx.Done()
	w.mu.Lock()
	w.cause = context.Cause(ctx)
	w.mu.Unlock()
	if w.leave && !isShutdown(ctx) {
		w.r.leave(w)
	}
}

func (w *blockingWorker) stopCause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cause
}

func newTestRegistry(lockTimeout time.Duration) *Registry {
	return NewRegistry(lockTimeout, 3, nil, nil)
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := newTestRegistry(5 * time.Second)
	const n = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- r.Register(newBlockingWorker(fmt.Sprintf("w-%d", i), r, true))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, n, r.Len())
	assert.Len(t, r.Workers(), n)

	r.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestRegistry_ConcurrentRegisterAndDeregister(t *testing.T) {
	r := newTestRegistry(5 * time.Second)
	const n = 32

	workers := make([]*blockingWorker, n)
	for i := range workers {
		workers[i] = newBlockingWorker(fmt.Sprintf("w-%d", i), r, true)
		require.NoError(t, r.Register(workers[i]))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Stop(workers[i].ID())
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(newBlockingWorker(fmt.Sprintf("extra-%d", i), r, true))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return r.Len() == n }, 5*time.Second, 10*time.Millisecond,
		"stopped workers deregister, new ones remain")
	for _, w := range workers {
		assert.ErrorIs(t, w.stopCause(), ErrStopped)
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := newTestRegistry(time.Second)
	require.NoError(t, r.Register(newBlockingWorker("same", r, true)))
	assert.Error(t, r.Register(newBlockingWorker("same", r, true)))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LockTimeout(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)

	require.NoError(t, r.lock.Acquire(context.Background(), 1))
	start := time.Now()
	err := r.Register(newBlockingWorker("w", r, true))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.ErrorIs(t, r.Deregister(newBlockingWorker("w", r, true)), ErrLockTimeout)
	r.lock.Release(1)

	assert.Equal(t, 0, r.Len(), "a timed-out register starts nothing")
}

func TestRegistry_DeregisterTwice(t *testing.T) {
	r := newTestRegistry(time.Second)
	w := newBlockingWorker("w", r, false)
	require.NoError(t, r.Register(w))
	<-w.started

	require.NoError(t, r.Deregister(w))
	assert.ErrorIs(t, r.Deregister(w), ErrNotRegistered)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_StopUnknown(t *testing.T) {
	r := newTestRegistry(time.Second)
	assert.False(t, r.Stop("missing"))
}

func TestRegistry_ShutdownLeavesEntries(t *testing.T) {
	r := newTestRegistry(time.Second)
	workers := []*blockingWorker{
		newBlockingWorker("a", r, true),
		newBlockingWorker("b", r, true),
		newBlockingWorker("c", r, true),
	}
	for _, w := range workers {
		require.NoError(t, r.Register(w))
		<-w.started
	}

	r.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	for _, w := range workers {
		assert.ErrorIs(t, w.stopCause(), ErrShutdown)
	}
	assert.Equal(t, 3, r.Len(), "shutdown signals workers without removing them")

	// The next mutating acquisition sweeps the returned workers.
	assert.ErrorIs(t, r.Register(newBlockingWorker("late", r, true)), ErrRegistryClosed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SweepsReturnedWorkers(t *testing.T) {
	r := newTestRegistry(time.Second)
	w := newBlockingWorker("quiet", r, false)
	require.NoError(t, r.Register(w))
	<-w.started

	r.Stop(w.ID())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, 1, r.Len(), "a worker that skips deregistration stays listed")

	require.NoError(t, r.Register(newBlockingWorker("next", r, true)))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "next", r.Workers()[0].ID())
}

func TestRegistry_WaitHonorsContext(t *testing.T) {
	r := newTestRegistry(time.Second)
	require.NoError(t, r.Register(newBlockingWorker("w", r, true)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}

func TestRegistry_LeaveRetriesLockTimeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, 5, nil, nil)
	w := newBlockingWorker("w", r, false)
	require.NoError(t, r.Register(w))
	<-w.started

	require.NoError(t, r.lock.Acquire(context.Background(), 1))
	go func() {
		time.Sleep(30 * time.Millisecond)
		r.lock.Release(1)
	}()

	r.leave(w)
	assert.ErrorIs(t, r.Deregister(w), ErrNotRegistered, "a later attempt removed the worker")
}

func TestRegistry_LeaveGivesUpAfterAttempts(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, 2, nil, nil)
	w := newBlockingWorker("w", r, false)
	require.NoError(t, r.Register(w))
	<-w.started

	require.NoError(t, r.lock.Acquire(context.Background(), 1))
	r.leave(w)
	r.lock.Release(1)

	assert.Equal(t, 1, r.Len(), "the entry is left behind for the sweep")
	r.Stop(w.ID())
}
