package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.EventLog.Backend != BackendJetStream {
		t.Errorf("expected default backend jetstream, got %s", cfg.EventLog.Backend)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Wait.Group != "starting" {
		t.Errorf("expected wait group starting, got %s", cfg.Wait.Group)
	}
	if cfg.Request.Group != "request" {
		t.Errorf("expected request group request, got %s", cfg.Request.Group)
	}
	if cfg.Wait.LockTimeout != 30*time.Second {
		t.Errorf("expected lock timeout 30s, got %v", cfg.Wait.LockTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.EventLog.Backend = "kafka" },
			wantErr: true,
		},
		{
			name: "external nats without url",
			modify: func(c *Config) {
				c.NATS.Embedded = false
				c.NATS.URL = ""
			},
			wantErr: true,
		},
		{
			name: "kv output without jetstream",
			modify: func(c *Config) {
				c.EventLog.Backend = BackendMemory
				c.Output.Backend = OutputKV
			},
			wantErr: true,
		},
		{
			name: "memory everywhere",
			modify: func(c *Config) {
				c.EventLog.Backend = BackendMemory
				c.Output.Backend = OutputMemory
			},
			wantErr: false,
		},
		{
			name: "static credentials without token",
			modify: func(c *Config) {
				c.Credentials.Type = CredentialsStatic
			},
			wantErr: true,
		},
		{
			name: "client credentials without token url",
			modify: func(c *Config) {
				c.Credentials.Type = CredentialsClientCredentials
				c.Credentials.ClientID = "id"
			},
			wantErr: true,
		},
		{
			name:    "invalid wait config",
			modify:  func(c *Config) { c.Wait.DeregisterAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "invalid request config",
			modify:  func(c *Config) { c.Request.Timeout = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
log_level: debug
eventlog:
  backend: redis
redis:
  addr: "redis:6379"
  stream_key: "wf-events"
output:
  backend: redis
wait:
  lock_timeout: 5s
request:
  timeout: 2m
  user_agent: "wf-runner/2"
credentials:
  type: static
  token_env: SEMTASK_TEST_TOKEN
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.EventLog.Backend != BackendRedis {
		t.Errorf("expected backend redis, got %s", cfg.EventLog.Backend)
	}
	if cfg.Redis.StreamKey != "wf-events" {
		t.Errorf("expected stream key wf-events, got %s", cfg.Redis.StreamKey)
	}
	if cfg.Wait.LockTimeout != 5*time.Second {
		t.Errorf("expected lock timeout 5s, got %v", cfg.Wait.LockTimeout)
	}
	// Keys the file omits keep their defaults.
	if cfg.Wait.Group != "starting" {
		t.Errorf("expected wait group to remain default, got %s", cfg.Wait.Group)
	}
	if cfg.Request.Timeout != 2*time.Minute {
		t.Errorf("expected request timeout 2m, got %v", cfg.Request.Timeout)
	}
	if cfg.Request.UserAgent != "wf-runner/2" {
		t.Errorf("expected user agent wf-runner/2, got %s", cfg.Request.UserAgent)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestStaticToken(t *testing.T) {
	t.Setenv("SEMTASK_TEST_TOKEN", "from-env")

	if got := (CredentialsConfig{Token: "inline", TokenEnv: "SEMTASK_TEST_TOKEN"}).StaticToken(); got != "inline" {
		t.Errorf("expected inline token, got %s", got)
	}
	if got := (CredentialsConfig{TokenEnv: "SEMTASK_TEST_TOKEN"}).StaticToken(); got != "from-env" {
		t.Errorf("expected env token, got %s", got)
	}
}

func TestLoaderLayers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	nested := filepath.Join(project, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	if err := os.MkdirAll(filepath.Dir(userPath), 0755); err != nil {
		t.Fatal(err)
	}
	user := "log_level: warn\nmetrics:\n  addr: \":9999\"\n"
	if err := os.WriteFile(userPath, []byte(user), 0644); err != nil {
		t.Fatal(err)
	}
	proj := "log_level: debug\n"
	if err := os.WriteFile(filepath.Join(project, ProjectConfigFile), []byte(proj), 0644); err != nil {
		t.Fatal(err)
	}
	explicitPath := filepath.Join(t.TempDir(), "explicit.yaml")
	if err := os.WriteFile(explicitPath, []byte("wait:\n  group: custom\n"), 0644); err != nil {
		t.Fatal(err)
	}

	l := &Loader{logger: NewLoader(nil).logger, home: home, cwd: nested}
	cfg, err := l.Load(explicitPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected project log level to win, got %s", cfg.LogLevel)
	}
	if cfg.Metrics.Addr != ":9999" {
		t.Errorf("expected user metrics addr, got %s", cfg.Metrics.Addr)
	}
	if cfg.Wait.Group != "custom" {
		t.Errorf("expected explicit wait group, got %s", cfg.Wait.Group)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Wait.Group = "saved"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Wait.Group != "saved" {
		t.Errorf("expected wait group saved, got %s", loaded.Wait.Group)
	}
	if loaded.Wait.LockTimeout != cfg.Wait.LockTimeout {
		t.Errorf("expected lock timeout %v, got %v", cfg.Wait.LockTimeout, loaded.Wait.LockTimeout)
	}
}
