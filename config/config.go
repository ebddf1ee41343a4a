// Package config provides configuration loading and management for semtask.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	requesttask "github.com/c360studio/semtask/processor/request-task"
	waittask "github.com/c360studio/semtask/processor/wait-task"
	"gopkg.in/yaml.v3"
)

// Event log backends.
const (
	BackendJetStream = "jetstream"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Output store backends.
const (
	OutputKV     = "kv"
	OutputRedis  = "redis"
	OutputMemory = "memory"
)

// Credential types for request tasks.
const (
	CredentialsNone              = "none"
	CredentialsStatic            = "static"
	CredentialsClientCredentials = "client_credentials"
)

// Config represents the complete semtask configuration
type Config struct {
	LogLevel    string             `yaml:"log_level"`
	NATS        NATSConfig         `yaml:"nats"`
	EventLog    EventLogConfig     `yaml:"eventlog"`
	Redis       RedisConfig        `yaml:"redis"`
	Output      OutputConfig       `yaml:"output"`
	Wait        waittask.Config    `yaml:"wait"`
	Request     requesttask.Config `yaml:"request"`
	Credentials CredentialsConfig  `yaml:"credentials"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir holds embedded JetStream data (empty = temp dir)
	StoreDir string `yaml:"store_dir"`
	// Stream is the JetStream stream carrying task events
	Stream string `yaml:"stream"`
	// SubjectPrefix prefixes every event subject
	SubjectPrefix string `yaml:"subject_prefix"`
}

// EventLogConfig selects the event log backend
type EventLogConfig struct {
	// Backend is one of jetstream, redis or memory
	Backend string `yaml:"backend"`
}

// RedisConfig configures the Redis connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// StreamKey is the stream holding task events
	StreamKey string `yaml:"stream_key"`
}

// OutputConfig selects where synchronous request outputs are stored
type OutputConfig struct {
	// Backend is one of kv, redis or memory
	Backend string `yaml:"backend"`
	// Bucket is the JetStream KV bucket for the kv backend
	Bucket string `yaml:"bucket"`
}

// CredentialsConfig configures the bearer token sent with request tasks
type CredentialsConfig struct {
	// Type is one of none, static or client_credentials
	Type string `yaml:"type"`
	// Token is a static token
	Token string `yaml:"token,omitempty"`
	// TokenEnv names an environment variable holding a static token
	TokenEnv     string   `yaml:"token_env,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		NATS: NATSConfig{
			Embedded:      true,
			Stream:        "TASKS",
			SubjectPrefix: "tasks",
		},
		EventLog: EventLogConfig{
			Backend: BackendJetStream,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			StreamKey: "tasks",
		},
		Output: OutputConfig{
			Backend: OutputKV,
			Bucket:  "TASK_OUTPUT",
		},
		Wait:    waittask.DefaultConfig(),
		Request: requesttask.DefaultConfig(),
		Credentials: CredentialsConfig{
			Type: CredentialsNone,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	switch c.EventLog.Backend {
	case BackendJetStream:
		if !c.NATS.Embedded && c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when nats.embedded is false")
		}
		if c.NATS.Stream == "" {
			return fmt.Errorf("nats.stream is required")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("eventlog.backend must be one of jetstream, redis, memory")
	}

	switch c.Output.Backend {
	case OutputKV:
		if c.EventLog.Backend != BackendJetStream {
			return fmt.Errorf("output.backend kv requires eventlog.backend jetstream")
		}
	case OutputRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
	case OutputMemory:
	default:
		return fmt.Errorf("output.backend must be one of kv, redis, memory")
	}

	switch c.Credentials.Type {
	case CredentialsNone, "":
	case CredentialsStatic:
		if c.Credentials.Token == "" && c.Credentials.TokenEnv == "" {
			return fmt.Errorf("credentials.token or credentials.token_env is required")
		}
	case CredentialsClientCredentials:
		if c.Credentials.TokenURL == "" || c.Credentials.ClientID == "" {
			return fmt.Errorf("credentials.token_url and credentials.client_id are required")
		}
	default:
		return fmt.Errorf("credentials.type must be one of none, static, client_credentials")
	}

	if err := c.Wait.Validate(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	if err := c.Request.Validate(); err != nil {
		return fmt.Errorf("request: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile reads path into config, leaving fields the file omits as they
// are.
func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// StaticToken returns the configured static token, reading TokenEnv when
// Token is empty.
func (c CredentialsConfig) StaticToken() string {
	if c.Token != "" {
		return c.Token
	}
	if c.TokenEnv != "" {
		return os.Getenv(c.TokenEnv)
	}
	return ""
}
