// Package waittask provides the processor for "wait" namespace tasks: timed
// delays and waits for a matching future event.
//
// Each accepted task becomes a worker owned by a Registry. Workers complete
// their task by appending an end-task event and then deregister themselves;
// shutdown signals every worker without completing its task.
package waittask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semtask/eventlog"
	"github.com/c360studio/semtask/metrics"
	"github.com/c360studio/semtask/processor"
	"github.com/c360studio/semtask/task"
)

// Component implements the wait-task processor.
type Component struct {
	name    string
	config  Config
	log     eventlog.Log
	logger  *slog.Logger
	metrics *metrics.Metrics

	emitter  *task.Emitter
	registry *Registry
	demux    *Demux

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	loopDone  chan struct{}

	// Metrics
	tasksAccepted atomic.Int64
	tasksFailed   atomic.Int64
	lastActivity  atomic.Int64
}

// NewComponent creates a new wait-task processor.
func NewComponent(config Config, deps processor.Dependencies) (*Component, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("event log required")
	}

	logger := deps.GetLogger()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "wait-task")
	return &Component{
		name:     "wait-task",
		config:   config,
		log:      deps.Log,
		logger:   logger,
		metrics:  deps.Metrics,
		emitter:  task.NewEmitter(deps.Log),
		registry: NewRegistry(config.LockTimeout, config.DeregisterAttempts, logger, deps.Metrics),
		demux:    NewDemux(deps.Log, logger),
	}, nil
}

// Name implements processor.Processor.
func (c *Component) Name() string { return c.name }

// Registry returns the worker registry.
func (c *Component) Registry() *Registry { return c.registry }

// Start begins consuming start-task events.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.startTime = time.Now()
	c.loopDone = make(chan struct{})

	go func() {
		defer close(c.loopDone)
		err := eventlog.Listen(loopCtx, c.log, eventlog.Selector{
			Group: c.config.Group,
			Kinds: []string{eventlog.KindStartTask},
		}, c.Process, c.logger)
		if err != nil {
			c.logger.Error("wait-task listener stopped", "error", err)
		}
	}()

	c.logger.Info("wait-task started", "group", c.config.Group)
	return nil
}

// Stop ends consumption, signals every worker and waits up to timeout for
// them to return.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	loopDone := c.loopDone
	c.mu.Unlock()

	c.registry.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-loopDone:
	case <-ctx.Done():
	}
	err := c.registry.Wait(ctx)

	c.logger.Info("wait-task stopped",
		"tasks_accepted", c.tasksAccepted.Load(),
		"tasks_failed", c.tasksFailed.Load())
	if err != nil {
		return fmt.Errorf("wait for workers: %w", err)
	}
	return nil
}

// Health implements processor.Processor.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.tasksFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow implements processor.Processor.
func (c *Component) DataFlow() component.FlowMetrics {
	var last time.Time
	if ns := c.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      last,
	}
}

// Process handles one start-task delivery. It reports false for tasks
// outside the wait namespace. Every wait task resolves to a running worker or
// a failure event.
func (c *Component) Process(ctx context.Context, d eventlog.Delivery) bool {
	start, err := task.DecodeStart(d.Message)
	if err != nil {
		c.logger.Warn("Malformed start-task event", "id", d.ID, "error", err)
		return false
	}
	if start.Namespace() != task.NamespaceWait {
		return false
	}

	if err := c.emitter.Receipt(ctx, d.ID); err != nil {
		c.logger.Warn("Failed to append receipt", "id", d.ID, "error", err)
	}
	c.tasksAccepted.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())

	kind := start.Kind()
	c.metrics.Started(task.NamespaceWait, kind)

	switch kind {
	case "delay":
		raw, ok := start.Parameters["duration"]
		if !ok || raw == nil {
			return c.fail(ctx, start.Descriptor, fmt.Sprintf("%s does not have a duration parameter", kind))
		}
		duration, err := task.ParseDuration(raw)
		if err != nil {
			return c.fail(ctx, start.Descriptor, fmt.Sprintf("%s has an invalid duration parameter: %v", kind, err))
		}
		if err := c.Delay(start.Descriptor, duration); err != nil {
			return c.fail(ctx, start.Descriptor, registerReason(kind, err))
		}

	case "event":
		event, _ := start.Parameters["event"].(string)
		if event == "" {
			return c.fail(ctx, start.Descriptor, fmt.Sprintf("%s does not have an event parameter", kind))
		}
		receipt := true
		if v, ok := start.Parameters["receipt"]; ok {
			receipt = task.Truthy(v)
		}
		predicate := PredicateFor(start.Parameters["match"], start.Input)
		if err := c.WaitFor(ctx, start.Descriptor, event, receipt, predicate); err != nil {
			return c.fail(ctx, start.Descriptor, registerReason(kind, err))
		}

	default:
		return c.fail(ctx, start.Descriptor, fmt.Sprintf("Unrecognized wait task name %s", kind))
	}
	return true
}

// Delay registers a delay worker completing d after duration.
func (c *Component) Delay(d task.Descriptor, duration time.Duration) error {
	c.logger.Info("Workflow delay", "workflow", d.WorkflowID, "task", d.String(), "duration", duration)
	w := NewDelay(d, duration, c.registry, c.emitter, c.logger, c.metrics)
	return c.registry.Register(w)
}

// WaitFor registers an await worker completing d on the first event of kind
// event satisfying predicate.
func (c *Component) WaitFor(ctx context.Context, d task.Descriptor, event string, receipt bool, predicate Predicate) error {
	c.logger.Info("Workflow waiting for event", "workflow", d.WorkflowID, "task", d.String(), "event", event, "match", map[string]any(predicate))
	member, err := c.demux.Join(ctx, event)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", event, err)
	}
	w := NewAwait(d, event, predicate, receipt, member, c.registry, c.emitter, c.logger, c.metrics)
	if err := c.registry.Register(w); err != nil {
		member.Leave()
		return err
	}
	return nil
}

func (c *Component) fail(ctx context.Context, d task.Descriptor, reason string) bool {
	c.tasksFailed.Add(1)
	c.metrics.Failed(task.NamespaceWait, d.Kind())
	c.logger.Warn("Wait task failed", "task", d.String(), "reason", reason)
	if err := c.emitter.Fail(ctx, d, reason); err != nil {
		c.logger.Error("Failed to append failure", "task", d.String(), "error", err)
	}
	return true
}

func registerReason(kind string, err error) string {
	switch {
	case errors.Is(err, ErrLockTimeout):
		return fmt.Sprintf("Cannot acquire lock for %s task", kind)
	case errors.Is(err, ErrRegistryClosed):
		return fmt.Sprintf("Cannot start %s task: wait-task is shutting down", kind)
	default:
		return fmt.Sprintf("Cannot start %s task: %v", kind, err)
	}
}
