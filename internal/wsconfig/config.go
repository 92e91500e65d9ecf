// Package wsconfig handles loading and validating the configuration
// shared by the server router, client, and broker adapters.
package wsconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// QueuePolicy selects what a client does with outbound messages sent
// while disconnected.
type QueuePolicy string

const (
	QueueDropOldest QueuePolicy = "drop-oldest"
	QueueDropNewest QueuePolicy = "drop-newest"
	QueueOff        QueuePolicy = "off"
)

// JitterMode selects the backoff jitter strategy.
type JitterMode string

const (
	JitterFull JitterMode = "full"
	JitterNone JitterMode = "none"
)

// Config holds all wskit configuration.
type Config struct {
	Listen   ListenConfig `yaml:"listen"`
	PubSub   PubSubConfig `yaml:"pubsub"`
	Client   ClientConfig `yaml:"client"`
	Auth     AuthConfig   `yaml:"auth"`
	LogLevel string       `yaml:"log_level"`
}

// ListenConfig controls the server's bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// PubSubConfig controls the pub/sub plugin.
type PubSubConfig struct {
	MaxTopicsPerConnection int `yaml:"max_topics_per_connection"`
}

// ClientConfig controls client-side queueing, backoff, and RPC
// tracking defaults.
type ClientConfig struct {
	QueuePolicy         QueuePolicy `yaml:"queue_policy"`
	QueueCapacity       int         `yaml:"queue_capacity"`
	InitialDelayMs      int         `yaml:"initial_delay_ms"`
	MaxDelayMs          int         `yaml:"max_delay_ms"`
	MaxAttempts         int         `yaml:"max_attempts"`
	Jitter              JitterMode  `yaml:"jitter"`
	PendingRequestLimit int         `yaml:"pending_request_limit"`
	RequestTimeoutMs    int         `yaml:"request_timeout_ms"`
}

// AuthConfig controls how the client attaches credentials to the
// handshake, and what the server expects.
type AuthConfig struct {
	// Mode is "query" (token as a query parameter) or "subprotocol"
	// (token encoded into a Sec-WebSocket-Protocol entry).
	Mode              string `yaml:"mode"`
	QueryParamName    string `yaml:"query_param_name"`
	SubprotocolPrefix string `yaml:"subprotocol_prefix"`
}

// Load reads path, expands environment variables, unmarshals YAML,
// applies defaults, and validates. After Load returns successfully,
// every field is usable without additional nil/zero checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.PubSub.MaxTopicsPerConnection == 0 {
		c.PubSub.MaxTopicsPerConnection = 256
	}
	if c.Client.QueuePolicy == "" {
		c.Client.QueuePolicy = QueueDropOldest
	}
	if c.Client.QueueCapacity == 0 {
		c.Client.QueueCapacity = 1000
	}
	if c.Client.InitialDelayMs == 0 {
		c.Client.InitialDelayMs = 250
	}
	if c.Client.MaxDelayMs == 0 {
		c.Client.MaxDelayMs = 30_000
	}
	if c.Client.MaxAttempts == 0 {
		c.Client.MaxAttempts = 10
	}
	if c.Client.Jitter == "" {
		c.Client.Jitter = JitterFull
	}
	if c.Client.PendingRequestLimit == 0 {
		c.Client.PendingRequestLimit = 1000
	}
	if c.Client.RequestTimeoutMs == 0 {
		c.Client.RequestTimeoutMs = 30_000
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "query"
	}
	if c.Auth.QueryParamName == "" {
		c.Auth.QueryParamName = "access_token"
	}
	if c.Auth.SubprotocolPrefix == "" {
		c.Auth.SubprotocolPrefix = "bearer."
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.PubSub.MaxTopicsPerConnection < 1 {
		return fmt.Errorf("pubsub.max_topics_per_connection must be positive")
	}
	switch c.Client.QueuePolicy {
	case QueueDropOldest, QueueDropNewest, QueueOff:
	default:
		return fmt.Errorf("client.queue_policy %q invalid (drop-oldest, drop-newest, off)", c.Client.QueuePolicy)
	}
	switch c.Client.Jitter {
	case JitterFull, JitterNone:
	default:
		return fmt.Errorf("client.jitter %q invalid (full, none)", c.Client.Jitter)
	}
	if c.Client.InitialDelayMs > c.Client.MaxDelayMs {
		return fmt.Errorf("client.initial_delay_ms (%d) must not exceed client.max_delay_ms (%d)", c.Client.InitialDelayMs, c.Client.MaxDelayMs)
	}
	switch c.Auth.Mode {
	case "query", "subprotocol":
	default:
		return fmt.Errorf("auth.mode %q invalid (query, subprotocol)", c.Auth.Mode)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
