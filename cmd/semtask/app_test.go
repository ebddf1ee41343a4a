package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semtask/config"
	"github.com/c360studio/semtask/eventlog"
	"github.com/c360studio/semtask/output"
	"github.com/c360studio/semtask/task"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(backend, store string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.EventLog.Backend = backend
	cfg.Output.Backend = store
	cfg.Metrics.Addr = ""
	return cfg
}

// runDelay starts app, appends a zero wait:delay task and returns the
// end-task event it produces.
func runDelay(t *testing.T, app *App) eventlog.Message {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, app.Open(ctx))
	require.NoError(t, app.Start(ctx))

	d := task.Descriptor{WorkflowID: "wf-app", Index: 1, Name: "wait:delay"}
	_, err := app.log.Append(ctx, task.StartMessage(d, nil, map[string]any{"duration": 0}))
	require.NoError(t, err)

	sub, err := app.log.Subscribe(ctx, eventlog.Selector{Group: "observer", Kinds: []string{eventlog.KindEndTask}})
	require.NoError(t, err)
	defer sub.Close()

	nextCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	delivery, err := sub.Next(nextCtx)
	require.NoError(t, err)
	return delivery.Message
}

func TestApp_MemoryBackends(t *testing.T) {
	app := NewApp(testConfig(config.BackendMemory, config.OutputMemory), quietLogger())
	defer app.Shutdown(5 * time.Second)

	end := runDelay(t, app)
	assert.Equal(t, "wait:delay", end["name"])
	assert.Equal(t, "wf-app", end["workflow"])
	assert.Nil(t, end["status"])

	_, ok := app.store.(*output.Memory)
	assert.True(t, ok)
	assert.Len(t, app.processors, 2)
	for _, p := range app.processors {
		assert.True(t, p.Health().Healthy, p.Name())
	}
	assert.False(t, app.processors[0].DataFlow().LastActivity.IsZero(), "wait-task accepted the delay")
	assert.True(t, app.processors[1].DataFlow().LastActivity.IsZero(), "request-task saw no request")
}

func TestApp_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(config.BackendRedis, config.OutputRedis)
	cfg.Redis.Addr = mr.Addr()

	app := NewApp(cfg, quietLogger())
	defer app.Shutdown(5 * time.Second)

	end := runDelay(t, app)
	assert.Equal(t, "wait:delay", end["name"])
	assert.True(t, mr.Exists(cfg.Redis.StreamKey))
}

func TestApp_EmbeddedJetStream(t *testing.T) {
	cfg := testConfig(config.BackendJetStream, config.OutputKV)
	cfg.NATS.StoreDir = t.TempDir()

	app := NewApp(cfg, quietLogger())
	defer app.Shutdown(5 * time.Second)

	end := runDelay(t, app)
	assert.Equal(t, "wait:delay", end["name"])
	assert.NotNil(t, app.embeddedServer)
	assert.NotNil(t, app.natsClient, "JetStream is reached through the semstreams client")
	_, ok := app.store.(*output.KV)
	assert.True(t, ok)
}

func TestApp_RedisUnreachable(t *testing.T) {
	cfg := testConfig(config.BackendRedis, config.OutputMemory)
	cfg.Redis.Addr = "127.0.0.1:1"

	app := NewApp(cfg, quietLogger())
	defer app.Shutdown(time.Second)
	assert.Error(t, app.Open(context.Background()))
}

func TestApp_Credentials(t *testing.T) {
	cfg := testConfig(config.BackendMemory, config.OutputMemory)
	app := NewApp(cfg, quietLogger())

	r, err := app.credentials(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)

	cfg.Credentials = config.CredentialsConfig{Type: config.CredentialsStatic, Token: "abc"}
	r, err = app.credentials(context.Background())
	require.NoError(t, err)
	tok, err := r.Token(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	cfg.Credentials = config.CredentialsConfig{Type: config.CredentialsStatic}
	_, err = app.credentials(context.Background())
	assert.Error(t, err)

	cfg.Credentials = config.CredentialsConfig{Type: config.CredentialsClientCredentials, TokenURL: "http://127.0.0.1:1/token", ClientID: "id"}
	r, err = app.credentials(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestBuildStart(t *testing.T) {
	s, err := buildStart("request:post", "wf", 2, `{"a":1}`, `{"url":"http://x"}`)
	require.NoError(t, err)
	assert.Equal(t, task.Descriptor{WorkflowID: "wf", Index: 2, Name: "request:post"}, s.Descriptor)
	assert.Equal(t, map[string]any{"a": float64(1)}, s.Input)
	assert.Equal(t, map[string]any{"url": "http://x"}, s.Parameters)

	s, err = buildStart("wait:delay", "wf", 0, "", "")
	require.NoError(t, err)
	assert.Nil(t, s.Input)
	assert.Nil(t, s.Parameters)

	_, err = buildStart("wait:delay", "wf", 0, `{`, "")
	assert.ErrorContains(t, err, "--input")
	_, err = buildStart("wait:delay", "wf", 0, "", `[1]`)
	assert.ErrorContains(t, err, "--params")
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "semtask version "+Version+" (build: "+BuildTime+")\n", out.String())
}

func TestEmitCommand_RequiresSharedLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "semtask.yaml")
	require.NoError(t, os.WriteFile(path, []byte("eventlog:\n  backend: memory\noutput:\n  backend: memory\n"), 0o600))

	cmd := rootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"emit", "wait:delay", "--workflow", "wf", "--config", path, "--log-level", "error"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "shared event log"), err.Error())
}

func TestEmitCommand_RequiresWorkflow(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"emit", "wait:delay"})
	assert.Error(t, cmd.Execute())
}
