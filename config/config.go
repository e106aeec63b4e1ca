// Package config provides configuration loading and management for Docuflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Docuflow configuration
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	NATS      NATSConfig      `yaml:"nats"`
	Queue     QueueConfig     `yaml:"queue"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Templates TemplatesConfig `yaml:"templates"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ModelConfig configures the LLM backend settings
type ModelConfig struct {
	// Provider is the LLM provider name ("openai" or "ollama")
	Provider string `yaml:"provider"`
	// Endpoint is the OpenAI-compatible API endpoint
	Endpoint string `yaml:"endpoint"`
	// Name is the model to use (e.g., "gpt-4o-mini")
	Name string `yaml:"name"`
	// Temperature controls randomness (0.0-1.0)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
	// MaxIterations bounds the agent tool-calling loop
	MaxIterations int `yaml:"max_iterations"`
	// TranscriptionEndpoint is the Whisper-compatible audio endpoint
	TranscriptionEndpoint string `yaml:"transcription_endpoint"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server
	Embedded bool `yaml:"embedded"`
}

// QueueConfig configures the durable job queue
type QueueConfig struct {
	// Stream is the JetStream stream name for jobs
	Stream string `yaml:"stream"`
	// Consumer is the durable consumer name shared by workers
	Consumer string `yaml:"consumer"`
	// MaxDeliver is the maximum delivery attempts per job
	MaxDeliver int `yaml:"max_deliver"`
	// AckWait is how long a worker may hold a job before redelivery
	AckWait time.Duration `yaml:"ack_wait"`
	// BackoffBase is the initial retry delay
	BackoffBase time.Duration `yaml:"backoff_base"`
	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// UploadsConfig configures where uploaded asset files live
type UploadsConfig struct {
	// Dir is the root directory for uploaded files
	Dir string `yaml:"dir"`
}

// TemplatesConfig configures document template discovery
type TemplatesConfig struct {
	// Dir is the root directory for template files
	Dir string `yaml:"dir"`
	// Patterns are doublestar globs selecting template files within Dir
	Patterns []string `yaml:"patterns"`
	// Watch enables hot-reload of templates on file changes
	Watch bool `yaml:"watch"`
}

// NotifyConfig configures progress event publishing
type NotifyConfig struct {
	// Channel is the NATS subject for progress events
	Channel string `yaml:"channel"`
}

// MetricsConfig configures the Prometheus metrics listener
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:              "openai",
			Endpoint:              "https://api.openai.com/v1",
			Name:                  "gpt-4o-mini",
			Temperature:           0.2,
			Timeout:               3 * time.Minute,
			MaxIterations:         20,
			TranscriptionEndpoint: "",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Queue: QueueConfig{
			Stream:      "DOCUFLOW_JOBS",
			Consumer:    "docuflow-workers",
			MaxDeliver:  5,
			AckWait:     10 * time.Minute,
			BackoffBase: 10 * time.Second,
			MaxBackoff:  10 * time.Minute,
		},
		Uploads: UploadsConfig{
			Dir: "uploads",
		},
		Templates: TemplatesConfig{
			Dir:      "templates",
			Patterns: []string{"**/*.html"},
			Watch:    false,
		},
		Notify: NotifyConfig{
			Channel: "workflow_updates",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Provider == "" {
		return fmt.Errorf("model.provider is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Model.MaxIterations <= 0 {
		return fmt.Errorf("model.max_iterations must be positive")
	}
	if c.Queue.Stream == "" {
		return fmt.Errorf("queue.stream is required")
	}
	if c.Queue.MaxDeliver <= 0 {
		return fmt.Errorf("queue.max_deliver must be positive")
	}
	if c.Notify.Channel == "" {
		return fmt.Errorf("notify.channel is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
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

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Name != "" {
		c.Model.Name = other.Model.Name
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}
	if other.Model.MaxIterations != 0 {
		c.Model.MaxIterations = other.Model.MaxIterations
	}
	if other.Model.TranscriptionEndpoint != "" {
		c.Model.TranscriptionEndpoint = other.Model.TranscriptionEndpoint
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	if other.Queue.Stream != "" {
		c.Queue.Stream = other.Queue.Stream
	}
	if other.Queue.Consumer != "" {
		c.Queue.Consumer = other.Queue.Consumer
	}
	if other.Queue.MaxDeliver != 0 {
		c.Queue.MaxDeliver = other.Queue.MaxDeliver
	}
	if other.Queue.AckWait != 0 {
		c.Queue.AckWait = other.Queue.AckWait
	}
	if other.Queue.BackoffBase != 0 {
		c.Queue.BackoffBase = other.Queue.BackoffBase
	}
	if other.Queue.MaxBackoff != 0 {
		c.Queue.MaxBackoff = other.Queue.MaxBackoff
	}

	if other.Uploads.Dir != "" {
		c.Uploads.Dir = other.Uploads.Dir
	}

	if other.Templates.Dir != "" {
		c.Templates.Dir = other.Templates.Dir
	}
	if len(other.Templates.Patterns) > 0 {
		c.Templates.Patterns = other.Templates.Patterns
	}
	if other.Templates.Watch {
		c.Templates.Watch = true
	}

	if other.Notify.Channel != "" {
		c.Notify.Channel = other.Notify.Channel
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
