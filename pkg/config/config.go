// Package config loads eventflow's runtime configuration from environment
// variables (EVENTFLOW_-prefixed), with an optional YAML file overlay applied
// first so env vars always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for every injected collaborator the bus wires up.
type Config struct {
	Log    LogConfig
	Bus    BusConfig
	Outbox OutboxConfig
	Kafka  KafkaConfig
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string
	JSONOutput bool
}

// BusConfig controls the dispatch engine's worker pool and defaults.
type BusConfig struct {
	WorkerPoolSize   int
	DefaultTimeout   time.Duration
	ShutdownDeadline time.Duration
	MetricsAddr      string
}

// OutboxConfig controls the durable outbox's store and poll loop.
type OutboxConfig struct {
	DBPath          string
	PollInterval    time.Duration
	MaxRetries      int
	RetentionPeriod time.Duration
}

// KafkaConfig controls the Kafka bridge, when enabled.
type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	GroupID     string
	TopicPrefix string
	// Topics lists the inbound topics the bridge consumes and re-publishes
	// locally. Outbound publication needs no such list: its topic is
	// computed per event type via TopicPrefix.
	Topics []string
}

// Load reads configuration from an optional YAML file followed by
// EVENTFLOW_-prefixed environment variables, with env vars taking priority.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Level:      "info",
			JSONOutput: false,
		},
		Bus: BusConfig{
			WorkerPoolSize:   32,
			DefaultTimeout:   5 * time.Second,
			ShutdownDeadline: 5 * time.Second,
			MetricsAddr:      ":9090",
		},
		Outbox: OutboxConfig{
			DBPath:          "eventflow-outbox.db",
			PollInterval:    2 * time.Second,
			MaxRetries:      5,
			RetentionPeriod: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Enabled:     false,
			Brokers:     []string{"localhost:9092"},
			GroupID:     "eventflow",
			TopicPrefix: "eventflow",
		},
	}

	if yamlPath != "" {
		if err := applyYAMLOverlay(cfg, yamlPath); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", yamlPath, err)
		}
	}

	cfg.Log.Level = getEnv("EVENTFLOW_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.JSONOutput = getEnvAsBool("EVENTFLOW_LOG_JSON", cfg.Log.JSONOutput)

	cfg.Bus.WorkerPoolSize = getEnvAsInt("EVENTFLOW_WORKER_POOL_SIZE", cfg.Bus.WorkerPoolSize)
	cfg.Bus.DefaultTimeout = getEnvAsDuration("EVENTFLOW_DEFAULT_TIMEOUT", cfg.Bus.DefaultTimeout)
	cfg.Bus.ShutdownDeadline = getEnvAsDuration("EVENTFLOW_SHUTDOWN_DEADLINE", cfg.Bus.ShutdownDeadline)
	cfg.Bus.MetricsAddr = getEnv("EVENTFLOW_METRICS_ADDR", cfg.Bus.MetricsAddr)

	cfg.Outbox.DBPath = getEnv("EVENTFLOW_OUTBOX_DB_PATH", cfg.Outbox.DBPath)
	cfg.Outbox.PollInterval = getEnvAsDuration("EVENTFLOW_OUTBOX_POLL_INTERVAL", cfg.Outbox.PollInterval)
	cfg.Outbox.MaxRetries = getEnvAsInt("EVENTFLOW_OUTBOX_MAX_RETRIES", cfg.Outbox.MaxRetries)
	cfg.Outbox.RetentionPeriod = getEnvAsDuration("EVENTFLOW_OUTBOX_RETENTION", cfg.Outbox.RetentionPeriod)

	cfg.Kafka.Enabled = getEnvAsBool("EVENTFLOW_KAFKA_ENABLED", cfg.Kafka.Enabled)
	if brokers := getEnv("EVENTFLOW_KAFKA_BROKERS", ""); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.GroupID = getEnv("EVENTFLOW_KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	cfg.Kafka.TopicPrefix = getEnv("EVENTFLOW_KAFKA_TOPIC_PREFIX", cfg.Kafka.TopicPrefix)
	if topics := getEnv("EVENTFLOW_KAFKA_TOPICS", ""); topics != "" {
		cfg.Kafka.Topics = strings.Split(topics, ",")
	}

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("EVENTFLOW_KAFKA_BROKERS must be set when the Kafka bridge is enabled")
	}

	return cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
