// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a queue node.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Queue   QueueConfig   `yaml:"queue"`
	Raft    RaftConfig    `yaml:"raft"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig identifies this node and its local resources.
type NodeConfig struct {
	ID       string `yaml:"id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`
}

// QueueConfig holds per-queue settings.
type QueueConfig struct {
	Name string `yaml:"name"`

	// DeadLetter selects the dead-letter handler: "log" or "badger".
	DeadLetter string `yaml:"dead_letter"`

	// DefaultPrefetch is the prefetch window handed to consumers that
	// do not specify one.
	DefaultPrefetch uint64 `yaml:"default_prefetch"`
}

// RaftConfig holds consensus tunables.
type RaftConfig struct {
	Heartbeat         time.Duration `yaml:"heartbeat"`
	Election          time.Duration `yaml:"election"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`

	// ShedRate and ShedBurst bound pipelined command intake; commands
	// beyond the rate are dropped and recovered by client resend.
	ShedRate  float64 `yaml:"shed_rate"`
	ShedBurst int     `yaml:"shed_burst"`

	// Peers maps node IDs to bind addresses for cluster bootstrap.
	Peers map[string]string `yaml:"peers"`
}

// SessionConfig holds client session settings.
type SessionConfig struct {
	// SoftLimit is the outstanding-unconfirmed-commands count at
	// which producers are asked to block.
	SoftLimit int `yaml:"soft_limit"`

	// ResendInterval is how long a command stays unconfirmed before
	// it is resubmitted.
	ResendInterval time.Duration `yaml:"resend_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds OpenTelemetry metrics configuration.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "node-1",
			BindAddr: "127.0.0.1:7410",
			DataDir:  "/tmp/fifoq/data",
		},
		Queue: QueueConfig{
			Name:            "default",
			DeadLetter:      "log",
			DefaultPrefetch: 64,
		},
		Raft: RaftConfig{
			Heartbeat:         500 * time.Millisecond,
			Election:          500 * time.Millisecond,
			SnapshotInterval:  30 * time.Second,
			SnapshotThreshold: 4096,
			ApplyTimeout:      5 * time.Second,
			ShedRate:          5000,
			ShedBurst:         10000,
		},
		Session: SessionConfig{
			SoftLimit:      32,
			ResendInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "fifoq",
		},
	}
}

// Load loads configuration from a YAML file.
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

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr cannot be empty")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir cannot be empty")
	}

	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name cannot be empty")
	}
	validDLX := map[string]bool{"log": true, "badger": true}
	if !validDLX[c.Queue.DeadLetter] {
		return fmt.Errorf("queue.dead_letter must be one of: log, badger")
	}

	if c.Raft.Heartbeat < 10*time.Millisecond {
		return fmt.Errorf("raft.heartbeat must be at least 10ms")
	}
	if c.Raft.Election < c.Raft.Heartbeat {
		return fmt.Errorf("raft.election must be at least raft.heartbeat")
	}
	if c.Raft.ApplyTimeout < time.Second {
		return fmt.Errorf("raft.apply_timeout must be at least 1 second")
	}
	if c.Raft.ShedRate <= 0 {
		return fmt.Errorf("raft.shed_rate must be positive")
	}
	if c.Raft.ShedBurst < 1 {
		return fmt.Errorf("raft.shed_burst must be at least 1")
	}

	if c.Session.SoftLimit < 1 {
		return fmt.Errorf("session.soft_limit must be at least 1")
	}
	if c.Session.ResendInterval < 100*time.Millisecond {
		return fmt.Errorf("session.resend_interval must be at least 100ms")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint cannot be empty when metrics enabled")
		}
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
	}

	return nil
}
