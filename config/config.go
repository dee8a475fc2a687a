// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a chanq node.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Queue   QueueConfig   `yaml:"queue"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Otel    OtelConfig    `yaml:"otel"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HTTPAddr        string          `yaml:"http_addr"`
	HealthAddr      string          `yaml:"health_addr"` // separate listener for probes; empty serves them on http_addr only
	WSPath          string          `yaml:"ws_path"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	DequeueTimeout  time.Duration   `yaml:"dequeue_timeout"` // 0 waits until the client goes away
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds producer rate limiting settings.
type RateLimitConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Rate       float64 `yaml:"rate"`        // enqueues per second per producer
	Burst      int     `yaml:"burst"`       // burst allowance
	PerChannel bool    `yaml:"per_channel"` // one bucket per producer and channel
}

// ClusterConfig holds node membership and peer communication settings.
type ClusterConfig struct {
	// Address of this node as listed in Nodes.
	Self string `yaml:"self"`

	// Copies of every message, counting the primary. Each primary gets
	// ReplicationFactor-1 backups unless it lists them explicitly.
	ReplicationFactor int `yaml:"replication_factor"`

	Nodes     []NodeConfig    `yaml:"nodes"`
	Health    HealthConfig    `yaml:"health"`
	Transport TransportConfig `yaml:"transport"`
}

// NodeConfig describes a cluster member.
type NodeConfig struct {
	Addr    string   `yaml:"addr"`
	Role    string   `yaml:"role"` // "primary" or "backup"
	Backups []string `yaml:"backups"`
}

// HealthConfig holds peer health probing settings.
type HealthConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

// TransportConfig holds peer call settings.
type TransportConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
}

// QueueConfig holds queue engine settings.
type QueueConfig struct {
	// How long a dequeued message can be acknowledged.
	InflightTTL time.Duration `yaml:"inflight_ttl"`
}

// StorageConfig holds mirror persistence settings.
type StorageConfig struct {
	Type        string `yaml:"type"` // "memory" or "badger"
	BadgerDir   string `yaml:"badger_dir"`
	Compression string `yaml:"compression"` // "none", "s2" or "zstd"
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a single node configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        "localhost:8080",
			HealthAddr:      "",
			WSPath:          "/ws",
			ShutdownTimeout: 30 * time.Second,
			DequeueTimeout:  0,
			RateLimit: RateLimitConfig{
				Enabled: false,
				Rate:    1000,
				Burst:   100,
			},
		},
		Cluster: ClusterConfig{
			Self:              "localhost:8080",
			ReplicationFactor: 2,
			Nodes: []NodeConfig{
				{Addr: "localhost:8080", Role: "primary"},
			},
			Health: HealthConfig{
				Interval:    5 * time.Second,
				Timeout:     2 * time.Second,
				MaxFailures: 3,
			},
			Transport: TransportConfig{
				Timeout:          5 * time.Second,
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
				MaxRetries:       3,
				RetryBaseDelay:   100 * time.Millisecond,
			},
		},
		Queue: QueueConfig{
			InflightTTL: 10 * time.Minute,
		},
		Storage: StorageConfig{
			Type:        "memory",
			BadgerDir:   "/tmp/chanq/data",
			Compression: "none",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "chanq",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			MetricsEnabled:  true,
			TraceSampleRate: 0.1,
		},
	}
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}
	if c.Server.DequeueTimeout < 0 {
		return fmt.Errorf("server.dequeue_timeout cannot be negative")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Rate <= 0 {
			return fmt.Errorf("server.rate_limit.rate must be positive")
		}
		if c.Server.RateLimit.Burst < 1 {
			return fmt.Errorf("server.rate_limit.burst must be at least 1")
		}
	}

	if err := c.Cluster.validate(); err != nil {
		return err
	}

	if c.Queue.InflightTTL < 0 {
		return fmt.Errorf("queue.inflight_ttl cannot be negative")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when storage.type is badger")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	switch c.Storage.Compression {
	case "", "none", "s2", "zstd":
	default:
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Otel.Enabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint required when otel is enabled")
		}
		if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0 and 1")
		}
	}

	return nil
}

func (c *ClusterConfig) validate() error {
	if c.Self == "" {
		return fmt.Errorf("cluster.self cannot be empty")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("cluster.replication_factor must be at least 1")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("cluster.nodes cannot be empty")
	}

	known := make(map[string]bool, len(c.Nodes))
	primaries := 0
	for i, n := range c.Nodes {
		if n.Addr == "" {
			return fmt.Errorf("cluster.nodes[%d].addr cannot be empty", i)
		}
		if known[n.Addr] {
			return fmt.Errorf("cluster.nodes[%d]: duplicate node %s", i, n.Addr)
		}
		known[n.Addr] = true

		switch n.Role {
		case "", "primary":
			primaries++
		case "backup":
		default:
			return fmt.Errorf("cluster.nodes[%d].role must be one of: primary, backup", i)
		}
	}
	if primaries == 0 {
		return fmt.Errorf("cluster.nodes must contain at least one primary")
	}
	if !known[c.Self] {
		return fmt.Errorf("cluster.self %s is not listed in cluster.nodes", c.Self)
	}
	for i, n := range c.Nodes {
		for _, b := range n.Backups {
			if !known[b] {
				return fmt.Errorf("cluster.nodes[%d]: unknown backup %s", i, b)
			}
			if b == n.Addr {
				return fmt.Errorf("cluster.nodes[%d]: node cannot back itself up", i)
			}
		}
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("cluster.health.interval must be positive")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("cluster.health.timeout must be positive")
	}
	if c.Health.MaxFailures < 1 {
		return fmt.Errorf("cluster.health.max_failures must be at least 1")
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("cluster.transport.timeout must be positive")
	}
	if c.Transport.MaxRetries < 1 {
		return fmt.Errorf("cluster.transport.max_retries must be at least 1")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
