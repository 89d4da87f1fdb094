package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Timers.Driver != "redis" {
		t.Errorf("Timers.Driver = %q, want redis", cfg.Timers.Driver)
	}
	if cfg.Timers.PollInterval != 500*time.Millisecond {
		t.Errorf("Timers.PollInterval = %v, want 500ms", cfg.Timers.PollInterval)
	}
	if cfg.Engine.ChainLimit != 50 {
		t.Errorf("Engine.ChainLimit = %d, want 50", cfg.Engine.ChainLimit)
	}
	// Unset nested fields keep their defaults.
	if cfg.Engine.Expression.MaxDepth != 32 {
		t.Errorf("Engine.Expression.MaxDepth = %d, want default 32", cfg.Engine.Expression.MaxDepth)
	}
	if cfg.HTTPCalls.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.HTTPCalls.CircuitBreaker.FailureThreshold)
	}
	if cfg.HTTPCalls.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.HTTPCalls.CircuitBreaker.SuccessThreshold)
	}
	if !cfg.UsesRedis() || !cfg.UsesPostgres() || !cfg.UsesNATS() {
		t.Error("expected redis, postgres and nats to be required")
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_driver(t *testing.T) {
	_, err := Load("testdata/invalid_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown store driver should return error")
	}
	if !strings.Contains(err.Error(), "store.driver") {
		t.Errorf("error = %v, want mention of store.driver", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.ChainLimit != 100 {
		t.Errorf("default Engine.ChainLimit = %d, want 100", cfg.Engine.ChainLimit)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v, want nil", err)
	}
	if cfg.UsesRedis() || cfg.UsesPostgres() || cfg.UsesNATS() {
		t.Error("defaults should not require external backends")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAREFLOW_SERVER_PORT", "3000")
	t.Setenv("CAREFLOW_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("CAREFLOW_TIMERS_DRIVER", "postgres")
	t.Setenv("CAREFLOW_DEFINITIONS_DIR", "/a,/b")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Timers.Driver != "postgres" {
		t.Errorf("Timers.Driver = %q, want postgres (env override)", cfg.Timers.Driver)
	}
	if len(cfg.Definitions.Directories) != 2 {
		t.Errorf("Definitions.Directories = %v, want 2 entries", cfg.Definitions.Directories)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_triggers_need_subject(t *testing.T) {
	cfg := Defaults()
	cfg.Triggers.Enabled = true
	cfg.Triggers.Subject = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with enabled triggers and no subject should return error")
	}
}
