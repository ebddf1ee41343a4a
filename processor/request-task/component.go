// Package requesttask provides the processor for "request" namespace tasks:
// one HTTP call per task whose outcome completes or fails the task.
//
// Synchronous calls complete the task once the response is processed and its
// output stored. Asynchronous calls leave completion to the remote service,
// which receives the task identity as query parameters.
package requesttask

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semtask/eventlog"
	"github.com/c360studio/semtask/processor"
	"github.com/c360studio/semtask/task"
)

// Component implements the request-task processor.
type Component struct {
	name       string
	config     Config
	log        eventlog.Log
	logger     *slog.Logger
	emitter    *task.Emitter
	dispatcher *Dispatcher

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	abort     context.CancelFunc
	loopDone  chan struct{}

	// Metrics
	requestsAccepted atomic.Int64
	lastActivity     atomic.Int64
}

// NewComponent creates a new request-task processor. opts customize the
// dispatcher; the HTTP client defaults to one bounded by config.Timeout.
func NewComponent(config Config, deps processor.Dependencies, opts ...DispatcherOption) (*Component, error) {
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
	logger = logger.With("component", "request-task")
	emitter := task.NewEmitter(deps.Log)

	base := []DispatcherOption{
		WithLogger(logger),
		WithMetrics(deps.Metrics),
		WithMaxResponseSize(config.MaxResponseSize),
		WithUserAgent(config.UserAgent),
	}
	dispatcher := NewDispatcher(&http.Client{Timeout: config.Timeout}, emitter, append(base, opts...)...)

	return &Component{
		name:       "request-task",
		config:     config,
		log:        deps.Log,
		logger:     logger,
		emitter:    emitter,
		dispatcher: dispatcher,
	}, nil
}

// Name implements processor.Processor.
func (c *Component) Name() string { return c.name }

// Start begins consuming start-task events.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	// The call in progress when Stop is called keeps running until Stop
	// gives up on it.
	callCtx, abort := context.WithCancel(context.WithoutCancel(ctx))

	c.cancel = cancel
	c.abort = abort
	c.running = true
	c.startTime = time.Now()
	c.loopDone = make(chan struct{})

	handle := func(_ context.Context, d eventlog.Delivery) bool {
		return c.Process(callCtx, d)
	}

	go func() {
		defer close(c.loopDone)
		err := eventlog.Listen(loopCtx, c.log, eventlog.Selector{
			Group: c.config.Group,
			Kinds: []string{eventlog.KindStartTask},
		}, handle, c.logger)
		if err != nil {
			c.logger.Error("request-task listener stopped", "error", err)
		}
	}()

	c.logger.Info("request-task started", "group", c.config.Group)
	return nil
}

// Stop ends consumption and waits up to timeout for the call in progress.
// A call still running after timeout is cancelled and fails its task.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	loopDone := c.loopDone
	abort := c.abort
	c.mu.Unlock()

	var err error
	select {
	case <-loopDone:
	case <-time.After(timeout):
		err = fmt.Errorf("request in progress did not finish within %s", timeout)
	}
	abort()

	c.logger.Info("request-task stopped", "requests_accepted", c.requestsAccepted.Load())
	return err
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
		ErrorCount: int(c.dispatcher.failures.Load()),
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

// Process handles one start-task delivery, dispatching its call before it
// returns. It reports false for tasks outside the request namespace.
func (c *Component) Process(ctx context.Context, d eventlog.Delivery) bool {
	start, err := task.DecodeStart(d.Message)
	if err != nil {
		c.logger.Warn("Malformed start-task event", "id", d.ID, "error", err)
		return false
	}
	if start.Namespace() != task.NamespaceRequest {
		return false
	}
	if err := c.emitter.Receipt(ctx, d.ID); err != nil {
		c.logger.Warn("Failed to append receipt", "id", d.ID, "error", err)
	}
	c.requestsAccepted.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())

	c.dispatcher.Dispatch(ctx, start)
	return true
}
