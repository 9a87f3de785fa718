// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a bucketd node.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Log          LogConfig          `yaml:"log"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Bus          BusConfig          `yaml:"bus"`
	Distribution DistributionConfig `yaml:"distribution"`
	Storage      StorageConfig      `yaml:"storage"`
	Retry        RetryConfig        `yaml:"retry"`
	Worker       WorkerConfig       `yaml:"worker"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Health       HealthConfig       `yaml:"health"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID string `yaml:"id"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ClusterConfig holds membership configuration.
type ClusterConfig struct {
	RegistrationPath string        `yaml:"registration_path"`
	Etcd             EtcdConfig    `yaml:"etcd"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

// EtcdConfig holds etcd client settings. When Embedded is enabled the node
// runs its own etcd member and Endpoints is ignored.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    int64         `yaml:"lease_ttl"` // seconds
	Embedded    EmbeddedEtcd  `yaml:"embedded"`
}

// EmbeddedEtcd holds embedded etcd configuration.
type EmbeddedEtcd struct {
	Enabled        bool   `yaml:"enabled"`
	DataDir        string `yaml:"data_dir"`
	BindAddr       string `yaml:"bind_addr"`       // Peer address (e.g., "127.0.0.1:2380")
	ClientAddr     string `yaml:"client_addr"`     // Client address (e.g., "127.0.0.1:2379")
	InitialCluster string `yaml:"initial_cluster"` // "node1=http://host1:2380,node2=http://host2:2380"
	Bootstrap      bool   `yaml:"bootstrap"`       // true only for first node
}

// BreakerConfig holds circuit breaker configuration for membership lookups.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// BusConfig selects and configures the broadcast bus.
type BusConfig struct {
	Type string     `yaml:"type"` // memory, mqtt
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds MQTT bus settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"` // defaults to node.id
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Compression    string        `yaml:"compression"` // none, s2, zstd
}

// DistributionConfig holds coordinator settings.
type DistributionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// RetryConfig holds retry queue and redelivery settings.
type RetryConfig struct {
	Store       string        `yaml:"store"` // memory, badger, redis
	Redis       RedisConfig   `yaml:"redis"`
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Rate        float64       `yaml:"rate"` // redeliveries per second
	Burst       int           `yaml:"burst"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WorkerConfig holds worker responder settings.
type WorkerConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`
	Insecure        bool          `yaml:"insecure"` // plaintext gRPC to the collector
}

// HealthConfig holds health check server configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID: "node-1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Cluster: ClusterConfig{
			RegistrationPath: "/bucketd/bucket_actions",
			Etcd: EtcdConfig{
				Endpoints:   []string{"127.0.0.1:2379"},
				DialTimeout: 5 * time.Second,
				LeaseTTL:    10,
				Embedded: EmbeddedEtcd{
					Enabled:        true,
					DataDir:        "/tmp/bucketd/etcd",
					BindAddr:       "127.0.0.1:2380",
					ClientAddr:     "127.0.0.1:2379",
					InitialCluster: "node-1=http://127.0.0.1:2380",
					Bootstrap:      true,
				},
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		Bus: BusConfig{
			Type: "memory",
			MQTT: MQTTConfig{
				Broker:         "tcp://127.0.0.1:1883",
				TopicPrefix:    "bucketd",
				QoS:            1,
				ConnectTimeout: 5 * time.Second,
				Compression:    "s2",
			},
		},
		Distribution: DistributionConfig{
			Timeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/bucketd/data",
		},
		Retry: RetryConfig{
			Store:       "badger",
			MaxAttempts: 10,
			Interval:    10 * time.Second,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Minute,
			Rate:        10,
			Burst:       5,
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "bucketd:",
			},
		},
		Worker: WorkerConfig{
			Enabled:       true,
			MaxConcurrent: 16,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			OTLPEndpoint:    "localhost:4317",
			ServiceName:     "bucketd",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
			Insecure:        true,
		},
		Health: HealthConfig{
			Enabled:         true,
			Address:         ":8081",
			ShutdownTimeout: 5 * time.Second,
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

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Cluster.RegistrationPath == "" {
		return fmt.Errorf("cluster.registration_path cannot be empty")
	}
	if c.Cluster.Etcd.LeaseTTL < 1 {
		return fmt.Errorf("cluster.etcd.lease_ttl must be at least 1 second")
	}
	if c.Cluster.Etcd.Embedded.Enabled {
		if c.Cluster.Etcd.Embedded.DataDir == "" {
			return fmt.Errorf("cluster.etcd.embedded.data_dir required when embedded etcd is enabled")
		}
		if c.Cluster.Etcd.Embedded.BindAddr == "" {
			return fmt.Errorf("cluster.etcd.embedded.bind_addr required when embedded etcd is enabled")
		}
		if c.Cluster.Etcd.Embedded.ClientAddr == "" {
			return fmt.Errorf("cluster.etcd.embedded.client_addr required when embedded etcd is enabled")
		}
	} else if len(c.Cluster.Etcd.Endpoints) == 0 {
		return fmt.Errorf("cluster.etcd.endpoints required when embedded etcd is disabled")
	}
	if c.Cluster.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("cluster.breaker.failure_threshold must be at least 1")
	}

	switch c.Bus.Type {
	case "memory":
	case "mqtt":
		if c.Bus.MQTT.Broker == "" {
			return fmt.Errorf("bus.mqtt.broker required when bus type is mqtt")
		}
		if c.Bus.MQTT.QoS > 2 {
			return fmt.Errorf("bus.mqtt.qos must be 0, 1 or 2")
		}
		validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
		if !validCompression[c.Bus.MQTT.Compression] {
			return fmt.Errorf("bus.mqtt.compression must be one of: none, s2, zstd")
		}
	default:
		return fmt.Errorf("bus.type must be one of: memory, mqtt")
	}

	if c.Distribution.Timeout < 0 {
		return fmt.Errorf("distribution.timeout cannot be negative")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	validRetryStores := map[string]bool{"memory": true, "badger": true, "redis": true}
	if !validRetryStores[c.Retry.Store] {
		return fmt.Errorf("retry.store must be one of: memory, badger, redis")
	}
	if c.Retry.Store == "badger" && c.Storage.Type != "badger" {
		return fmt.Errorf("retry.store badger requires storage.type badger")
	}
	if c.Retry.Store == "redis" && c.Retry.Redis.Addr == "" {
		return fmt.Errorf("retry.redis.addr required when retry store is redis")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Interval < 100*time.Millisecond {
		return fmt.Errorf("retry.interval must be at least 100ms")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be positive and not exceed retry.max_delay")
	}
	if c.Retry.Rate <= 0 || c.Retry.Burst < 1 {
		return fmt.Errorf("retry.rate must be positive and retry.burst at least 1")
	}

	if c.Worker.Enabled && c.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("worker.max_concurrent must be at least 1")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Metrics.Enabled {
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Metrics.ExportInterval < time.Second {
			return fmt.Errorf("metrics.export_interval must be at least 1s")
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address required when health server is enabled")
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
