// Package task defines the identity of one task instance, the start and end
// event shapes exchanged with the workflow engine, and the emitter that turns
// an outcome into an end-task event.
package task

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360studio/semtask/eventlog"
)

// Task name namespaces routed by semtask.
const (
	NamespaceRequest = "request"
	NamespaceWait    = "wait"
)

// StatusFailure marks a failed end-task event.
const StatusFailure = "FAILURE"

// Descriptor identifies one task instance within a workflow run.
// It is immutable once built.
type Descriptor struct {
	WorkflowID string
	Index      int
	Name       string
	Payload    any
}

// Namespace returns the namespace part of the task name.
func (d Descriptor) Namespace() string {
	ns, _ := ParseName(d.Name)
	return ns
}

// Kind returns the task kind part of the task name.
func (d Descriptor) Kind() string {
	_, kind := ParseName(d.Name)
	return kind
}

// String returns a compact identity for logs.
func (d Descriptor) String() string {
	return d.WorkflowID + "/" + strconv.Itoa(d.Index) + "/" + d.Name
}

// ParseName splits "<namespace>:<kind>" at the first colon. A name without a
// colon is all namespace.
func ParseName(name string) (namespace, kind string) {
	namespace, kind, _ = strings.Cut(name, ":")
	return namespace, kind
}

// Start is a decoded start-task event.
type Start struct {
	Descriptor
	Input      any
	Parameters map[string]any
}

// DecodeStart reads a start-task message.
func DecodeStart(msg eventlog.Message) (Start, error) {
	if kind := msg.Kind(); kind != eventlog.KindStartTask {
		return Start{}, fmt.Errorf("not a start-task message: %q", kind)
	}
	name := msg.String("name")
	if name == "" {
		return Start{}, fmt.Errorf("start-task message has no name")
	}
	index, _ := msg.Int("index")

	s := Start{
		Descriptor: Descriptor{
			WorkflowID: msg.String("workflow"),
			Index:      index,
			Name:       name,
			Payload:    msg["input"],
		},
		Input: msg["input"],
	}
	if params, ok := msg["parameters"].(map[string]any); ok {
		s.Parameters = params
	}
	return s, nil
}

// StartMessage builds a start-task message. It is the shape the workflow
// engine appends and is used by the emit command and tests.
func StartMessage(d Descriptor, input any, parameters map[string]any) eventlog.Message {
	msg := eventlog.Message{
		"kind":     eventlog.KindStartTask,
		"name":     d.Name,
		"index":    d.Index,
		"workflow": d.WorkflowID,
	}
	if input != nil {
		msg["input"] = input
	}
	if parameters != nil {
		msg["parameters"] = parameters
	}
	return msg
}

// Outcome is the result of one task: success, or failure with an optional
// reason.
type Outcome struct {
	Failed bool
	Reason string
}

// Success is the successful outcome.
func Success() Outcome { return Outcome{} }

// Failure is a failed outcome with reason.
func Failure(reason string) Outcome { return Outcome{Failed: true, Reason: reason} }

// EndMessage builds the end-task message for d and outcome.
func EndMessage(d Descriptor, outcome Outcome) eventlog.Message {
	msg := eventlog.Message{
		"kind":     eventlog.KindEndTask,
		"name":     d.Name,
		"index":    d.Index,
		"workflow": d.WorkflowID,
	}
	if outcome.Failed {
		msg["status"] = StatusFailure
		if outcome.Reason != "" {
			msg["reason"] = outcome.Reason
		}
	}
	return msg
}
