package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.WorkerPoolSize != 32 {
		t.Errorf("WorkerPoolSize = %d, want 32", cfg.Bus.WorkerPoolSize)
	}
	if cfg.Kafka.Enabled {
		t.Error("Kafka.Enabled = true, want false by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EVENTFLOW_WORKER_POOL_SIZE", "64")
	t.Setenv("EVENTFLOW_LOG_LEVEL", "debug")
	t.Setenv("EVENTFLOW_OUTBOX_POLL_INTERVAL", "500ms")
	t.Setenv("EVENTFLOW_KAFKA_ENABLED", "true")
	t.Setenv("EVENTFLOW_KAFKA_BROKERS", "broker-1:9092,broker-2:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bus.WorkerPoolSize != 64 {
		t.Errorf("WorkerPoolSize = %d, want 64", cfg.Bus.WorkerPoolSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Outbox.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.Outbox.PollInterval)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Brokers = %v, want 2 entries", cfg.Kafka.Brokers)
	}
}

func TestLoadRejectsKafkaEnabledWithoutBrokers(t *testing.T) {
	t.Setenv("EVENTFLOW_KAFKA_ENABLED", "true")
	t.Setenv("EVENTFLOW_KAFKA_BROKERS", "")
	os.Unsetenv("EVENTFLOW_KAFKA_BROKERS")

	// The default brokers list is non-empty, so a YAML overlay clears it.
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("kafka:\n  brokers: []\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want error for Kafka enabled without brokers")
	}
}
