package requesttask

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/c360studio/semtask/metrics"
	"github.com/c360studio/semtask/output"
	"github.com/c360studio/semtask/task"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var methods = map[string]string{
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"delete": http.MethodDelete,
}

// settings are the per-task values resolved from input, parameters and
// defaults, in that order.
type settings struct {
	url           string
	template      string
	hasTemplate   bool
	contentType   string
	sync          bool
	useContext    bool
	outputModes   []string
	errorOnStatus bool
}

func resolveSettings(input any, parameters map[string]any) settings {
	s := settings{
		contentType:   "application/json",
		sync:          task.BoolValue(input, parameters, "sync", true),
		useContext:    task.BoolValue(input, parameters, "use_context_parameters", true),
		outputModes:   task.StringList(input, parameters, "output_mode"),
		errorOnStatus: task.BoolValue(input, parameters, "error_on_status", true),
	}
	s.url, _ = task.StringValue(input, parameters, "url")
	s.template, s.hasTemplate = task.StringValue(input, parameters, "template")
	if ct, ok := task.StringValue(input, parameters, "content_type"); ok && ct != "" {
		s.contentType = ct
	}
	return s
}

// Dispatcher performs one HTTP call per request task and emits its
// completion.
type Dispatcher struct {
	client      Doer
	credentials CredentialResolver
	emitter     *task.Emitter
	store       output.Store
	logger      *slog.Logger
	metrics     *metrics.Metrics

	maxResponseSize int64
	userAgent       string

	failures atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClient replaces the HTTP client.
func WithClient(c Doer) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithCredentials sets the resolver producing the Authorization header.
func WithCredentials(r CredentialResolver) DispatcherOption {
	return func(d *Dispatcher) { d.credentials = r }
}

// WithOutputStore sets where synchronous outputs are stored.
func WithOutputStore(s output.Store) DispatcherOption {
	return func(d *Dispatcher) { d.store = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMaxResponseSize caps the response body read.
func WithMaxResponseSize(n int64) DispatcherOption {
	return func(d *Dispatcher) { d.maxResponseSize = n }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) DispatcherOption {
	return func(d *Dispatcher) { d.userAgent = ua }
}

// NewDispatcher creates a dispatcher sending through client and emitting
// through emitter.
func NewDispatcher(client Doer, emitter *task.Emitter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:          client,
		emitter:         emitter,
		logger:          slog.Default(),
		maxResponseSize: DefaultConfig().MaxResponseSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes the request task s. It always resolves: the task
// completes, fails, or is left to the remote party's callback for
// asynchronous calls.
func (d *Dispatcher) Dispatch(ctx context.Context, s task.Start) {
	desc := s.Descriptor
	kind := desc.Kind()

	d.metrics.Started(task.NamespaceRequest, kind)

	method, ok := methods[kind]
	if !ok {
		d.fail(ctx, desc, fmt.Sprintf("Unrecognized request task name %s", kind))
		return
	}

	cfg := resolveSettings(s.Input, s.Parameters)
	if cfg.url == "" {
		d.fail(ctx, desc, fmt.Sprintf("request task %s does not have a url", desc.Name))
		return
	}

	target := cfg.url
	if !cfg.sync && cfg.useContext {
		target = withContextParameters(target, desc)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Request dispatch panic", "task", desc.String(), "panic", r)
			d.fail(ctx, desc, fmt.Sprintf("Unable to send request due to exception: %v", r))
		}
	}()

	d.logger.Debug("HTTP request", "method", method, "url", target, "task", desc.String())

	status, body, err := d.send(ctx, method, target, cfg, s)
	if err != nil {
		d.logger.Error("Unable to send request", "task", desc.String(), "url", target, "error", err)
		d.fail(ctx, desc, fmt.Sprintf("Unable to send request due to exception: %v", err))
		return
	}

	d.logger.Debug("HTTP response", "status", status, "url", target, "task", desc.String())

	if cfg.errorOnStatus && (status < 200 || status >= 300) {
		d.fail(ctx, desc, fmt.Sprintf("Request failed (%d): %s", status, body))
		return
	}

	if !cfg.sync {
		return
	}

	out, err := Extract(s.Input, cfg.outputModes, status, body)
	if err != nil {
		d.logger.Error("Unable to process response output", "task", desc.String(), "error", err)
		d.fail(ctx, desc, fmt.Sprintf("Unable to process response output due to exception: %v", err))
		return
	}

	if out != nil && d.store != nil {
		if err := d.store.Put(ctx, desc.WorkflowID, desc.Index, out); err != nil {
			d.logger.Error("Unable to store response output", "task", desc.String(), "error", err)
			d.fail(ctx, desc, fmt.Sprintf("Unable to store response output: %v", err))
			return
		}
	}

	if err := d.emitter.Complete(ctx, desc); err != nil {
		d.logger.Error("Failed to complete request", "task", desc.String(), "error", err)
		return
	}
	d.metrics.Completed(task.NamespaceRequest, kind)
}

// send performs the call and returns the status and body.
func (d *Dispatcher) send(ctx context.Context, method, target string, cfg settings, s task.Start) (int, []byte, error) {
	var body io.Reader
	if cfg.hasTemplate {
		rendered, err := renderBody(cfg.template, s.Input, s.Parameters)
		if err != nil {
			return 0, nil, err
		}
		body = strings.NewReader(rendered)
	} else if method == http.MethodPost || method == http.MethodPut {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if method == http.MethodPost || method == http.MethodPut {
		req.Header.Set("Content-Type", cfg.contentType)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if d.credentials != nil {
		token, err := d.credentials.Token(ctx, s.Input, s.Parameters)
		if err != nil {
			return 0, nil, fmt.Errorf("resolve credentials: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.metrics.ObserveRequest(method, "error", time.Since(started).Seconds())
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseSize))
	d.metrics.ObserveRequest(method, statusClass(resp.StatusCode), time.Since(started).Seconds())
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// renderBody executes the body template with .input and .parameters.
func renderBody(text string, input any, parameters map[string]any) (string, error) {
	tmpl, err := template.New("body").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	data := map[string]any{"input": input, "parameters": parameters}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

// withContextParameters appends the task identity so the remote service can
// send the completion itself.
func withContextParameters(target string, d task.Descriptor) string {
	sep := "&"
	if !strings.Contains(target, "?") {
		sep = "?"
	}
	return target + sep +
		"task-name=" + url.QueryEscape(d.Name) +
		"&index=" + strconv.Itoa(d.Index) +
		"&workflow=" + url.QueryEscape(d.WorkflowID)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func (d *Dispatcher) fail(ctx context.Context, desc task.Descriptor, reason string) {
	d.failures.Add(1)
	d.metrics.Failed(task.NamespaceRequest, desc.Kind())
	d.logger.Warn("Request task failed", "task", desc.String(), "reason", reason)
	// A cancelled call still resolves its task.
	if err := d.emitter.Fail(context.WithoutCancel(ctx), desc, reason); err != nil {
		d.logger.Error("Failed to append failure", "task", desc.String(), "error", err)
	}
}
