package waittask

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360studio/semtask/metrics"
	"github.com/c360studio/semtask/task"
)

// AwaitState is the lifecycle state of an await worker.
type AwaitState int32

// Await worker states. Done and Stopped are terminal.
const (
	StateWaiting AwaitState = iota
	StateDone
	StateStopped
)

func (s AwaitState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateDone:
		return "done"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Await completes its task when the first event of its kind satisfying its
// predicate arrives.
type Await struct {
	id        string
	task      task.Descriptor
	event     string
	predicate Predicate
	receipt   bool

	member   *Member
	registry *Registry
	emitter  *task.Emitter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state atomic.Int32
}

// NewAwait creates an await worker reading from member, which must already
// have joined the demux for event.
func NewAwait(d task.Descriptor, event string, predicate Predicate, receipt bool, member *Member, registry *Registry, emitter *task.Emitter, logger *slog.Logger, m *metrics.Metrics) *Await {
	if logger == nil {
		logger = slog.Default()
	}
	if predicate == nil {
		predicate = Predicate{}
	}
	return &Await{
		id:        uuid.NewString(),
		task:      d,
		event:     event,
		predicate: predicate,
		receipt:   receipt,
		member:    member,
		registry:  registry,
		emitter:   emitter,
		logger:    logger,
		metrics:   m,
	}
}

// ID implements Worker.
func (w *Await) ID() string { return w.id }

// Kind implements Worker.
func (w *Await) Kind() string { return "await" }

// Task implements Worker.
func (w *Await) Task() task.Descriptor { return w.task }

// Event returns the awaited event kind.
func (w *Await) Event() string { return w.event }

// State returns the current state.
func (w *Await) State() AwaitState { return AwaitState(w.state.Load()) }

// Run implements Worker.
func (w *Await) Run(ctx context.Context) {
	defer w.member.Leave()

	for {
		select {
		case <-ctx.Done():
			w.state.Store(int32(StateStopped))
			if isShutdown(ctx) {
				w.logger.Info("Await interrupted by shutdown", "task", w.task.String(), "event", w.event)
				return
			}
			w.logger.Info("Await stopped", "task", w.task.String(), "event", w.event)
			w.registry.leave(w)
			return

		case d, ok := <-w.member.C():
			if !ok {
				w.state.Store(int32(StateStopped))
				w.logger.Warn("Event subscription ended", "task", w.task.String(), "event", w.event)
				w.registry.leave(w)
				return
			}
			if !w.predicate.Matches(d.Message) {
				continue
			}
			w.complete(ctx, d.ID)
			return
		}
	}
}

func (w *Await) complete(ctx context.Context, eventID string) {
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()

	if w.receipt {
		if err := w.member.Ack(emitCtx, eventID); err != nil {
			w.logger.Debug("Ack matched event", "id", eventID, "error", err)
		}
		if err := w.emitter.Receipt(emitCtx, eventID); err != nil {
			w.logger.Warn("Failed to append receipt", "id", eventID, "error", err)
		}
	}
	if err := w.emitter.Complete(emitCtx, w.task); err != nil {
		w.logger.Error("Failed to complete await", "task", w.task.String(), "error", err)
	} else {
		w.metrics.Completed(task.NamespaceWait, "event")
	}

	w.member.Leave()
	w.state.Store(int32(StateDone))
	w.logger.Info("Awaited event arrived", "task", w.task.String(), "event", w.event, "id", eventID)
	w.registry.leave(w)
}
