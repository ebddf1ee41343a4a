// Package main provides the semtask binary entry point.
// Semtask executes the wait and request tasks of workflows driven through an
// append-only event log.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semtask/config"
	"github.com/c360studio/semtask/task"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semtask"
)

const shutdownTimeout = 30 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow task executor",
		Long: `Semtask executes workflow tasks announced on an event log.

It provides:
- wait:delay and wait:event tasks held by a worker registry
- request:get, request:post, request:put and request:delete HTTP tasks
- completion and failure events for every accepted task`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the task processors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(emitCmd(flags))
	return cmd
}

func emitCmd(flags *globalFlags) *cobra.Command {
	var (
		workflow   string
		index      int
		input      string
		parameters string
	)

	cmd := &cobra.Command{
		Use:   "emit <task-name>",
		Short: "Append a start-task event",
		Example: `  semtask emit wait:delay --workflow wf-1 --params '{"duration": 5}'
  semtask emit request:get --workflow wf-1 --index 2 --params '{"url": "http://localhost:8000/status"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := buildStart(args[0], workflow, index, input, parameters)
			if err != nil {
				return err
			}

			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			if cfg.EventLog.Backend == config.BackendMemory || (cfg.EventLog.Backend == config.BackendJetStream && cfg.NATS.Embedded) {
				return fmt.Errorf("emit requires a shared event log; configure redis or an external NATS server")
			}

			ctx := cmd.Context()
			app := NewApp(cfg, logger)
			defer app.Shutdown(shutdownTimeout)
			if err := app.Open(ctx); err != nil {
				return err
			}

			id, err := app.log.Append(ctx, task.StartMessage(start.Descriptor, start.Input, start.Parameters))
			if err != nil {
				return fmt.Errorf("append: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, start.Descriptor)
			return nil
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "Workflow instance id")
	cmd.Flags().IntVar(&index, "index", 0, "Step index")
	cmd.Flags().StringVar(&input, "input", "", "Task input (JSON)")
	cmd.Flags().StringVar(&parameters, "params", "", "Task parameters (JSON object)")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

// buildStart assembles the start-task fields given on the command line.
func buildStart(name, workflow string, index int, input, parameters string) (task.Start, error) {
	start := task.Start{
		Descriptor: task.Descriptor{WorkflowID: workflow, Index: index, Name: name},
	}
	if input != "" {
		if err := json.Unmarshal([]byte(input), &start.Input); err != nil {
			return task.Start{}, fmt.Errorf("parse --input: %w", err)
		}
	}
	if parameters != "" {
		if err := json.Unmarshal([]byte(parameters), &start.Parameters); err != nil {
			return task.Start{}, fmt.Errorf("parse --params: %w", err)
		}
	}
	return start, nil
}

// setup loads configuration and configures logging.
func setup(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	bootstrap := newLogger(flags.logLevel)
	cfg, err := config.NewLoader(bootstrap).Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = strings.ToLower(flags.logLevel)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func run(ctx context.Context, flags *globalFlags) error {
	cfg, logger, err := setup(flags)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app := NewApp(cfg, logger)
	defer app.Shutdown(shutdownTimeout)

	if err := app.Open(signalCtx); err != nil {
		return err
	}
	if err := app.Start(signalCtx); err != nil {
		return err
	}

	logger.Info("Semtask ready", "version", Version)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")
	return nil
}
