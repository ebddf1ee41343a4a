package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/c360studio/semtask/config"
	"github.com/c360studio/semtask/eventlog"
	"github.com/c360studio/semtask/metrics"
	"github.com/c360studio/semtask/output"
	"github.com/c360studio/semtask/processor"
	requesttask "github.com/c360studio/semtask/processor/request-task"
	waittask "github.com/c360studio/semtask/processor/wait-task"
)

// App wires the event log, output store and task processors together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client
	js             jetstream.JetStream

	// Redis
	redisClient redis.UniversalClient

	log   eventlog.Log
	store output.Store

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *http.Server

	processors []processor.Processor
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.New(registry),
	}
}

// Open connects the event log and output store backends.
func (a *App) Open(ctx context.Context) error {
	if a.cfg.EventLog.Backend == config.BackendJetStream {
		if err := a.startNATS(ctx); err != nil {
			return fmt.Errorf("start NATS: %w", err)
		}
	}
	if a.cfg.EventLog.Backend == config.BackendRedis || a.cfg.Output.Backend == config.OutputRedis {
		if err := a.connectRedis(ctx); err != nil {
			return fmt.Errorf("connect Redis: %w", err)
		}
	}

	switch a.cfg.EventLog.Backend {
	case config.BackendJetStream:
		jsCfg := eventlog.DefaultJetStreamConfig()
		jsCfg.Stream = a.cfg.NATS.Stream
		jsCfg.SubjectPrefix = a.cfg.NATS.SubjectPrefix
		l, err := eventlog.NewJetStream(ctx, a.js, jsCfg)
		if err != nil {
			return fmt.Errorf("create event log: %w", err)
		}
		a.log = l
	case config.BackendRedis:
		a.log = eventlog.NewRedis(a.redisClient, eventlog.RedisConfig{Key: a.cfg.Redis.StreamKey})
	default:
		a.log = eventlog.NewMemory()
	}

	switch a.cfg.Output.Backend {
	case config.OutputKV:
		kv, err := output.NewKV(ctx, a.js, a.cfg.Output.Bucket)
		if err != nil {
			return fmt.Errorf("create output store: %w", err)
		}
		a.store = kv
	case config.OutputRedis:
		a.store = output.NewRedis(a.redisClient)
	default:
		a.store = output.NewMemory()
	}

	a.logger.Info("Backends ready",
		"eventlog", a.cfg.EventLog.Backend,
		"output", a.cfg.Output.Backend)
	return nil
}

// Start creates and starts the task processors and the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	deps := processor.Dependencies{
		Dependencies: component.Dependencies{
			NATSClient: a.natsClient,
			Logger:     a.logger,
		},
		Log:     a.log,
		Metrics: a.metrics,
	}

	wait, err := waittask.NewComponent(a.cfg.Wait, deps)
	if err != nil {
		return fmt.Errorf("create wait-task: %w", err)
	}

	opts := []requesttask.DispatcherOption{requesttask.WithOutputStore(a.store)}
	if resolver, err := a.credentials(ctx); err != nil {
		return err
	} else if resolver != nil {
		opts = append(opts, requesttask.WithCredentials(resolver))
	}
	request, err := requesttask.NewComponent(a.cfg.Request, deps, opts...)
	if err != nil {
		return fmt.Errorf("create request-task: %w", err)
	}

	for _, p := range []processor.Processor{wait, request} {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", p.Name(), err)
		}
		a.processors = append(a.processors, p)
	}

	if a.cfg.Metrics.Addr != "" {
		a.startMetrics()
	}
	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	for i := len(a.processors) - 1; i >= 0; i-- {
		p := a.processors[i]
		if err := p.Stop(timeout); err != nil {
			a.logger.Error("Error stopping processor", "name", p.Name(), "error", err)
		}
	}

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsServer.Shutdown(ctx)
		cancel()
	}

	if m, ok := a.log.(*eventlog.Memory); ok {
		_ = m.Close()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.natsClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.natsClient.Close(ctx)
		cancel()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

func (a *App) startNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		storeDir := a.cfg.NATS.StoreDir
		if storeDir == "" {
			dir, err := os.MkdirTemp("", "semtask-js-")
			if err != nil {
				return fmt.Errorf("create JetStream store dir: %w", err)
			}
			storeDir = dir
		}

		a.logger.Info("Starting embedded NATS server", "store_dir", storeDir)
		ns, err := server.NewServer(&server.Options{
			Port:      -1,
			JetStream: true,
			StoreDir:  storeDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns
		url = ns.ClientURL()
	}

	client, err := a.connectNATS(ctx, url)
	if err != nil {
		return err
	}
	a.natsClient = client

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}
	a.js = js
	return nil
}

func (a *App) connectNATS(ctx context.Context, url string) (*natsclient.Client, error) {
	a.logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName("semtask"),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("wait for NATS at %s: %w", url, err)
	}

	a.logger.Info("Connected to NATS", "url", url)
	return client, nil
}

func (a *App) connectRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Username: a.cfg.Redis.Username,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping %s: %w", a.cfg.Redis.Addr, err)
	}

	a.logger.Info("Connected to Redis", "addr", a.cfg.Redis.Addr)
	a.redisClient = client
	return nil
}

// credentials builds the resolver for request tasks, or nil when requests
// carry no Authorization header.
func (a *App) credentials(ctx context.Context) (requesttask.CredentialResolver, error) {
	c := a.cfg.Credentials
	switch c.Type {
	case config.CredentialsStatic:
		token := c.StaticToken()
		if token == "" {
			return nil, fmt.Errorf("static credentials: token is empty")
		}
		return requesttask.StaticToken(token), nil
	case config.CredentialsClientCredentials:
		return requesttask.NewClientCredentials(context.WithoutCancel(ctx), clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}), nil
	default:
		return nil, nil
	}
}

func (a *App) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		for _, p := range a.processors {
			if !p.Health().Healthy {
				http.Error(w, p.Name()+" unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})

	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "addr", a.cfg.Metrics.Addr, "error", err)
		}
	}()
	a.logger.Info("Metrics endpoint listening", "addr", a.cfg.Metrics.Addr)
}
