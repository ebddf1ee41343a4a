package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
)

// Handler processes one delivery. It reports whether the message belonged to
// it; the delivery is acknowledged either way.
type Handler func(ctx context.Context, d Delivery) bool

// retryDelay is the pause after Next exhausted its retries before the loop
// starts over.
const retryDelay = time.Second

// Receive returns the next delivery on sub, retrying transient failures.
// done reports that the subscription or ctx ended.
func Receive(ctx context.Context, sub Subscription) (d Delivery, done bool, err error) {
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		var nerr error
		d, nerr = sub.Next(ctx)
		if nerr != nil && (ctx.Err() != nil || errors.Is(nerr, ErrClosed)) {
			done = true
			return retry.NonRetryable(nerr)
		}
		return nerr
	})
	if err != nil && ctx.Err() != nil {
		done = true
	}
	return d, done, err
}

// Listen consumes the selector's deliveries and passes each to handle until
// ctx is done. Every delivery is acknowledged after the handler returns, and a
// panicking handler is logged and acknowledged rather than ending the loop.
func Listen(ctx context.Context, log Log, sel Selector, handle Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := sel.Validate(); err != nil {
		return err
	}

	sub, err := log.Subscribe(ctx, sel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sel.Group, err)
	}
	defer sub.Close()

	logger.Debug("Listening", "group", sel.Group, "kinds", sel.Kinds)

	for {
		d, done, err := Receive(ctx, sub)
		if done {
			return nil
		}
		if err != nil {
			logger.Warn("Receive failed after retries", "group", sel.Group, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		handled := safeHandle(ctx, handle, d, logger)
		if !handled {
			logger.Debug("Ignored message", "group", sel.Group, "id", d.ID, "kind", d.Message.Kind())
		}

		// A delivery handled while stopping is still acknowledged.
		if err := sub.Ack(context.WithoutCancel(ctx), d.ID); err != nil {
			logger.Warn("Failed to ACK message", "group", sel.Group, "id", d.ID, "error", err)
		}
	}
}

func safeHandle(ctx context.Context, handle Handler, d Delivery, logger *slog.Logger) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panic",
				"id", d.ID,
				"kind", d.Message.Kind(),
				"panic", r,
				"stack", string(debug.Stack()))
			handled = true
		}
	}()
	return handle(ctx, d)
}
