package waittask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/semtask/metrics"
	"github.com/c360studio/semtask/task"
)

// Registry errors.
var (
	// ErrLockTimeout is returned when the registry lock could not be acquired
	// within the configured wait.
	ErrLockTimeout = errors.New("registry lock timeout")

	// ErrRegistryClosed is returned by Register after Shutdown.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrNotRegistered is returned by Deregister for an absent worker.
	ErrNotRegistered = errors.New("worker not registered")

	// ErrShutdown is the stop cause given to workers by Shutdown.
	ErrShutdown = errors.New("registry shutdown")

	// ErrStopped is the stop cause given to a worker stopped on its own.
	ErrStopped = errors.New("worker stopped")
)

// Worker is a unit of wait work owned by the registry while it runs.
type Worker interface {
	// ID identifies the worker within the registry.
	ID() string

	// Kind names the kind of worker, "delay" or "await".
	Kind() string

	// Task returns the task the worker completes.
	Task() task.Descriptor

	// Run does the work. ctx is cancelled, with ErrShutdown or ErrStopped as
	// its cause, when the worker is asked to stop.
	Run(ctx context.Context)
}

type entry struct {
	worker Worker
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Registry tracks the active delay and await workers.
//
// A worker is added to the active set before its goroutine starts, so
// Shutdown always sees it, and it is removed only by its own Deregister or by
// a later sweep once its goroutine has returned.
type Registry struct {
	lock        *semaphore.Weighted
	lockTimeout time.Duration
	attempts    int
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// guarded by lock
	active map[string]*entry
	closed bool

	wg sync.WaitGroup
}

// NewRegistry creates a registry. lockTimeout bounds every lock acquisition
// and attempts bounds the deregistration retries of a finishing worker.
func NewRegistry(lockTimeout time.Duration, attempts int, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Registry{
		lock:        semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
		attempts:    attempts,
		logger:      logger,
		metrics:     m,
		active:      make(map[string]*entry),
	}
}

// acquire takes the registry lock, waiting at most lockTimeout. Mutating
// callers sweep stale entries while they hold it.
func (r *Registry) acquire(sweep bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()
	if err := r.lock.Acquire(ctx, 1); err != nil {
		return ErrLockTimeout
	}
	if sweep {
		r.sweep()
	}
	return nil
}

func (r *Registry) release() {
	r.lock.Release(1)
}

// sweep drops entries whose goroutine returned without deregistering.
// Callers hold the lock.
func (r *Registry) sweep() {
	for id, e := range r.active {
		select {
		case <-e.done:
			delete(r.active, id)
			r.metrics.WorkerRemoved(e.worker.Kind())
			r.logger.Debug("Reaped stale worker", "worker", id, "task", e.worker.Task().String())
		default:
		}
	}
}

// Register adds w to the active set and starts it. It fails with
// ErrLockTimeout or ErrRegistryClosed without starting the worker.
func (r *Registry) Register(w Worker) error {
	if err := r.acquire(true); err != nil {
		return err
	}
	if r.closed {
		r.release()
		return ErrRegistryClosed
	}
	if _, ok := r.active[w.ID()]; ok {
		r.release()
		return fmt.Errorf("worker %s already registered", w.ID())
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	e := &entry{worker: w, cancel: cancel, done: make(chan struct{})}
	r.active[w.ID()] = e
	r.wg.Add(1)
	r.release()

	r.metrics.WorkerAdded(w.Kind())

	go func() {
		defer r.wg.Done()
		defer close(e.done)
		defer cancel(nil)
		w.Run(ctx)
	}()
	return nil
}

// Deregister removes w from the active set.
func (r *Registry) Deregister(w Worker) error {
	if err := r.acquire(true); err != nil {
		return err
	}
	defer r.release()

	if _, ok := r.active[w.ID()]; !ok {
		return ErrNotRegistered
	}
	delete(r.active, w.ID())
	r.metrics.WorkerRemoved(w.Kind())
	return nil
}

// leave is called by a finishing worker. It retries a timed-out
// deregistration up to the configured attempts; an entry still left behind is
// swept once the worker's goroutine returns.
func (r *Registry) leave(w Worker) {
	attempt, gone := 0, false
	err := retry.Do(context.Background(), retry.DefaultConfig(), func() error {
		attempt++
		err := r.Deregister(w)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotRegistered):
			gone = true
			return retry.NonRetryable(err)
		}
		r.logger.Warn("Failed to deregister worker",
			"worker", w.ID(),
			"task", w.Task().String(),
			"attempt", attempt,
			"error", err)
		if attempt >= r.attempts {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err == nil || gone {
		return
	}
	r.logger.Error("Cannot remove worker, leaving it for the sweep",
		"worker", w.ID(),
		"kind", w.Kind(),
		"attempts", attempt,
		"error", err)
}

// Stop asks one worker to stop. The worker deregisters itself.
func (r *Registry) Stop(id string) bool {
	if err := r.acquire(false); err != nil {
		return false
	}
	e, ok := r.active[id]
	r.release()
	if !ok {
		return false
	}
	e.cancel(ErrStopped)
	return true
}

// Shutdown closes the registry to new workers and signals every active
// worker to stop. It neither removes entries nor waits for workers.
func (r *Registry) Shutdown() {
	// Shutdown must not be skipped on a busy lock.
	_ = r.lock.Acquire(context.Background(), 1)
	r.closed = true
	entries := make([]*entry, 0, len(r.active))
	for _, e := range r.active {
		entries = append(entries, e)
	}
	r.release()

	r.logger.Info("Stopping wait workers", "count", len(entries))
	for _, e := range entries {
		e.cancel(ErrShutdown)
	}
}

// Wait blocks until every started worker has returned or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	if err := r.acquire(false); err != nil {
		return -1
	}
	defer r.release()
	return len(r.active)
}

// Workers returns a snapshot of the registered workers.
func (r *Registry) Workers() []Worker {
	if err := r.acquire(false); err != nil {
		return nil
	}
	defer r.release()
	out := make([]Worker, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.worker)
	}
	return out
}

// isShutdown reports whether ctx was cancelled by Shutdown.
func isShutdown(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrShutdown)
}
