package waittask

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semtask/metrics"
	"github.com/c360studio/semtask/task"
)

// emitTimeout bounds the completion append of a finishing worker.
const emitTimeout = 10 * time.Second

// Delay completes its task once a fixed duration has elapsed. A stopped delay
// does not complete its task.
type Delay struct {
	id       string
	task     task.Descriptor
	duration time.Duration

	registry *Registry
	emitter  *task.Emitter
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewDelay creates a delay worker for d.
func NewDelay(d task.Descriptor, duration time.Duration, registry *Registry, emitter *task.Emitter, logger *slog.Logger, m *metrics.Metrics) *Delay {
	if logger == nil {
		logger = slog.Default()
	}
	if duration < 0 {
		duration = 0
	}
	return &Delay{
		id:       uuid.NewString(),
		task:     d,
		duration: duration,
		registry: registry,
		emitter:  emitter,
		logger:   logger,
		metrics:  m,
	}
}

// ID implements Worker.
func (w *Delay) ID() string { return w.id }

// Kind implements Worker.
func (w *Delay) Kind() string { return "delay" }

// Task implements Worker.
func (w *Delay) Task() task.Descriptor { return w.task }

// Duration returns the configured delay.
func (w *Delay) Duration() time.Duration { return w.duration }

// Run implements Worker.
func (w *Delay) Run(ctx context.Context) {
	timer := time.NewTimer(w.duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
		if err := w.emitter.Complete(emitCtx, w.task); err != nil {
			w.logger.Error("Failed to complete delay", "task", w.task.String(), "error", err)
		} else {
			w.metrics.Completed(task.NamespaceWait, "delay")
			w.logger.Debug("Delay elapsed", "task", w.task.String(), "duration", w.duration)
		}
		cancel()
		w.registry.leave(w)

	case <-ctx.Done():
		if isShutdown(ctx) {
			w.logger.Info("Delay interrupted by shutdown", "task", w.task.String())
			return
		}
		w.logger.Info("Delay stopped", "task", w.task.String())
		w.registry.leave(w)
	}
}
