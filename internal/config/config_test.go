package config

import (
	"testing"

	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
}

func TestValidate_RequiresDatabaseURL(t *testing.T) {
	cfg := &Config{
		MessageQueue: MessageQueueConfig{URL: "amqp://localhost"},
		Execution:    ExecutionConfig{MaxConcurrency: 10},
		Engine:       EngineConfig{MaxConcurrentInstances: 10},
	}
	if err := validate(cfg); err == nil {
		t.Fatal("expected validation error for missing database.url")
	}
}

func TestValidate_RequiresPositiveEngineConcurrency(t *testing.T) {
	cfg := &Config{
		Database:     DatabaseConfig{URL: "postgres://localhost/db"},
		MessageQueue: MessageQueueConfig{URL: "amqp://localhost"},
		Execution:    ExecutionConfig{MaxConcurrency: 10},
		Engine:       EngineConfig{MaxConcurrentInstances: 0},
	}
	if err := validate(cfg); err == nil {
		t.Fatal("expected validation error for non-positive engine.max_concurrent_instances")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	resetViper()
	defer resetViper()

	t.Setenv("POSTGRES_URL", "postgres://localhost/db")
	t.Setenv("RABBITMQ_URL", "amqp://localhost")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.MaxConcurrentInstances != 100 {
		t.Fatalf("expected default max_concurrent_instances 100, got %d", cfg.Engine.MaxConcurrentInstances)
	}
	if cfg.Engine.DependencyPollInterval.Seconds() != 1 {
		t.Fatalf("expected default dependency_poll_interval 1s, got %v", cfg.Engine.DependencyPollInterval)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("expected default http address :8080, got %q", cfg.HTTP.Address)
	}
}
