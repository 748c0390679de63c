package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full burrow configuration. It is passed explicitly to
// every component; there is no process-wide config singleton.
type Config struct {
	DataDir    string     `yaml:"dataDir"`
	APIAddr    string     `yaml:"apiAddr"`
	WSAddr     string     `yaml:"wsAddr"`
	LogLevel   string     `yaml:"logLevel"`
	LogJSON    bool       `yaml:"logJSON"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Broadcast  Broadcast  `yaml:"broadcast"`
	Retention  Retention  `yaml:"retention"`
}

// Dispatcher configures the delivery engine.
type Dispatcher struct {
	// WebhookURL is the single configured destination endpoint.
	WebhookURL string `yaml:"webhookURL"`

	// Interval is the dispatch cycle cadence.
	Interval time.Duration `yaml:"interval"`

	// BatchSize caps how many pending events one cycle selects.
	BatchSize int `yaml:"batchSize"`

	// Workers bounds concurrent deliveries within a cycle. Zero means
	// fully parallel up to BatchSize.
	Workers int `yaml:"workers"`

	// CycleRetries is the per-cycle retry budget for one event.
	CycleRetries int `yaml:"cycleRetries"`

	// MaxAttempts is the cumulative attempt cap across cycles; once
	// reached the event is failed without a further delivery call.
	MaxAttempts int `yaml:"maxAttempts"`

	// DeliveryTimeout bounds one outbound HTTP call.
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`

	// BackoffBase and BackoffMax shape the intra-cycle retry delay.
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`
}

// Broadcast configures the change consumer and fan-out.
type Broadcast struct {
	// Window is the change feed batching window.
	Window time.Duration `yaml:"window"`

	// BatchSize caps records consumed per window.
	BatchSize int `yaml:"batchSize"`

	// SendTimeout bounds one websocket send.
	SendTimeout time.Duration `yaml:"sendTimeout"`

	// ConnectionTTL bounds how long a registered connection lives
	// without an explicit disconnect.
	ConnectionTTL time.Duration `yaml:"connectionTTL"`
}

// Retention configures TTL cleanup of expired events.
type Retention struct {
	// EventTTL is how long events are kept after creation.
	EventTTL time.Duration `yaml:"eventTTL"`

	// SweepInterval is how often expired events are purged.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		DataDir:  "/var/lib/burrow",
		APIAddr:  ":8080",
		WSAddr:   ":8081",
		LogLevel: "info",
		Dispatcher: Dispatcher{
			Interval:        5 * time.Minute,
			BatchSize:       100,
			CycleRetries:    3,
			MaxAttempts:     9,
			DeliveryTimeout: 30 * time.Second,
			BackoffBase:     1 * time.Second,
			BackoffMax:      60 * time.Second,
		},
		Broadcast: Broadcast{
			Window:        1 * time.Second,
			BatchSize:     10,
			SendTimeout:   5 * time.Second,
			ConnectionTTL: 24 * time.Hour,
		},
		Retention: Retention{
			EventTTL:      7 * 24 * time.Hour,
			SweepInterval: 1 * time.Hour,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value bounds.
func (c *Config) Validate() error {
	if c.Dispatcher.WebhookURL == "" {
		return fmt.Errorf("dispatcher.webhookURL is required")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batchSize must be positive, got %d", c.Dispatcher.BatchSize)
	}
	if c.Dispatcher.CycleRetries <= 0 {
		return fmt.Errorf("dispatcher.cycleRetries must be positive, got %d", c.Dispatcher.CycleRetries)
	}
	if c.Dispatcher.MaxAttempts < c.Dispatcher.CycleRetries {
		return fmt.Errorf("dispatcher.maxAttempts (%d) must be at least cycleRetries (%d)",
			c.Dispatcher.MaxAttempts, c.Dispatcher.CycleRetries)
	}
	if c.Broadcast.BatchSize <= 0 {
		return fmt.Errorf("broadcast.batchSize must be positive, got %d", c.Broadcast.BatchSize)
	}
	return nil
}
