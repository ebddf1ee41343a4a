package task

import (
	"context"
	"fmt"

	"github.com/c360studio/semtask/eventlog"
)

// Emitter appends end-task events for task outcomes.
type Emitter struct {
	log eventlog.Appender
}

// NewEmitter creates an emitter appending to log.
func NewEmitter(log eventlog.Appender) *Emitter {
	return &Emitter{log: log}
}

// Emit appends the end-task event for d and outcome.
func (e *Emitter) Emit(ctx context.Context, d Descriptor, outcome Outcome) error {
	if _, err := e.log.Append(ctx, EndMessage(d, outcome)); err != nil {
		return fmt.Errorf("append end-task %s: %w", d, err)
	}
	return nil
}

// Complete appends a success end-task event for d.
func (e *Emitter) Complete(ctx context.Context, d Descriptor) error {
	return e.Emit(ctx, d, Success())
}

// Fail appends a failure end-task event for d.
func (e *Emitter) Fail(ctx context.Context, d Descriptor, reason string) error {
	return e.Emit(ctx, d, Failure(reason))
}

// Receipt appends the receipt for a delivered event.
func (e *Emitter) Receipt(ctx context.Context, eventID string) error {
	if _, err := e.log.Append(ctx, eventlog.Receipt(eventID)); err != nil {
		return fmt.Errorf("append receipt for %s: %w", eventID, err)
	}
	return nil
}
