// Package eventlog defines the append-only event log semtask consumes from and
// appends to, together with its backends.
//
// A log carries structured messages tagged with a kind. Consumers subscribe
// through a Selector naming a consumer group and the kinds they care about;
// every delivery has an id that the consumer acknowledges once handled.
package eventlog

import (
	"context"
	"errors"
	"fmt"
)

// Message kinds used by the task layer.
const (
	KindStartTask = "start-task"
	KindEndTask   = "end-task"
	KindReceipt   = "receipt"
)

// Common log errors.
var (
	// ErrClosed is returned by a subscription or log that has been closed.
	ErrClosed = errors.New("event log closed")

	// ErrNoKind is returned when appending a message without a kind.
	ErrNoKind = errors.New("message has no kind")
)

// Message is a structured log record. Every message carries a "kind" field.
type Message map[string]any

// NewMessage returns a copy of fields tagged with kind.
func NewMessage(kind string, fields map[string]any) Message {
	m := make(Message, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["kind"] = kind
	return m
}

// Kind returns the message kind, or "" when absent.
func (m Message) Kind() string {
	s, _ := m["kind"].(string)
	return s
}

// String returns the string field key, or "" when absent or not a string.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Int returns the integer field key. JSON numbers decode as float64, so both
// integer and float representations are accepted.
func (m Message) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case uint64:
		return int(v), true
	default:
		return 0, false
	}
}

// Receipt returns the receipt message acknowledging eventID.
func Receipt(eventID string) Message {
	return Message{"kind": KindReceipt, "ref": eventID}
}

// Delivery is one message delivered to a subscription.
type Delivery struct {
	ID      string
	Message Message
}

// Selector chooses which messages a subscription receives.
type Selector struct {
	// Group is the consumer group. Group members share deliveries and an ack
	// cursor. An empty group is only valid with DeliverNew.
	Group string

	// Kinds filters deliveries by message kind. Empty means every kind.
	Kinds []string

	// DeliverNew starts the subscription at the end of the log instead of
	// the group's last acknowledged position.
	DeliverNew bool
}

// Validate checks the selector.
func (s Selector) Validate() error {
	if s.Group == "" && !s.DeliverNew {
		return fmt.Errorf("selector requires a group or deliver_new")
	}
	return nil
}

// Selects reports whether kind passes the selector's kind filter.
func (s Selector) Selects(kind string) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Log is an append-only event log.
type Log interface {
	// Append adds a message to the log and returns its id.
	Append(ctx context.Context, msg Message) (string, error)

	// Subscribe opens a subscription for the selector.
	Subscribe(ctx context.Context, sel Selector) (Subscription, error)
}

// Subscription is an ordered stream of deliveries.
type Subscription interface {
	// Next blocks until the next delivery, ctx is done, or the subscription
	// is closed.
	Next(ctx context.Context) (Delivery, error)

	// Ack acknowledges a delivery by id.
	Ack(ctx context.Context, id string) error

	// Close ends the subscription. Unacknowledged deliveries stay pending.
	Close() error
}

// Appender is the append half of a Log.
type Appender interface {
	Append(ctx context.Context, msg Message) (string, error)
}
