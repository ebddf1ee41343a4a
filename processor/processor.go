// Package processor holds the pieces shared by the task processors: the
// dependencies they are built from and the lifecycle they expose to the
// process that runs them.
package processor

import (
	"context"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semtask/eventlog"
	"github.com/c360studio/semtask/metrics"
)

// Dependencies are the collaborators a processor is built from. The
// embedded component dependencies carry the logger and, when the event log
// runs on JetStream, the NATS client it was opened with.
type Dependencies struct {
	component.Dependencies

	Log     eventlog.Log
	Metrics *metrics.Metrics
}

// Processor is a long-running event log consumer.
type Processor interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() component.HealthStatus
	DataFlow() component.FlowMetrics
}
