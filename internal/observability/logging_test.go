package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/careflow/internal/config"
	"github.com/pitabwire/careflow/model"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func TestNewLogger_defaultLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "info"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	// Info should be enabled, Debug should not.
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should NOT be enabled at info level")
	}
}

func TestNewLogger_debugLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "debug"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}

func TestNewLogger_invalidLevel_defaultsToInfo(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "bogus"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("should default to info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should NOT be enabled with invalid level (defaults to info)")
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	got := LoggerFrom(ctx, nil)
	if got != logger {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	got := LoggerFrom(context.Background(), fallback)
	if got != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}
}

func TestRequestLogger_enrichesWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rctx := &model.RequestContext{
		ActorID:       "nurse-1",
		CorrelationID: "corr-abc",
		TraceID:       "trace-xyz",
	}
	ctx := model.WithRequestContext(context.Background(), rctx)
	ctx = WithLogger(ctx, logger)

	rl := RequestLogger(ctx, logger)
	rl.Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	checks := map[string]string{
		"actor_id":       "nurse-1",
		"correlation_id": "corr-abc",
		"trace_id":       "trace-xyz",
		"msg":            "test message",
		"level":          "info",
	}

	for key, want := range checks {
		got, ok := entry[key].(string)
		if !ok {
			t.Errorf("missing field %q in log entry", key)
			continue
		}
		if got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestRequestLogger_noTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rctx := &model.RequestContext{CorrelationID: "corr-abc"}
	ctx := model.WithRequestContext(context.Background(), rctx)

	rl := RequestLogger(ctx, logger)
	rl.Info("no trace")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if _, exists := entry["trace_id"]; exists {
		t.Error("trace_id should not be present when empty")
	}
	if entry["actor_id"] != model.SystemActor {
		t.Errorf("actor_id = %v, want %q", entry["actor_id"], model.SystemActor)
	}
}

func TestRequestLogger_noRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rl := RequestLogger(context.Background(), logger)
	rl.Info("no context")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	// Should still log, just without context fields.
	if entry["msg"] != "no context" {
		t.Errorf("msg = %q, want no context", entry["msg"])
	}
	if _, exists := entry["actor_id"]; exists {
		t.Error("actor_id should not be present without RequestContext")
	}
}

func TestRedactVariables_defaultFields(t *testing.T) {
	vars := map[string]any{
		"ward":         "A",
		"mrn":          "MRN-0042",
		"patient_name": "Jane Doe",
		"acuity":       3,
	}

	redacted := RedactVariables(vars, nil)
	if redacted["ward"] != "A" {
		t.Errorf("ward = %v, want A", redacted["ward"])
	}
	if redacted["acuity"] != 3 {
		t.Errorf("acuity = %v, want 3", redacted["acuity"])
	}
	if redacted["mrn"] != "[REDACTED]" {
		t.Errorf("mrn = %v, want [REDACTED]", redacted["mrn"])
	}
	if redacted["patient_name"] != "[REDACTED]" {
		t.Errorf("patient_name = %v, want [REDACTED]", redacted["patient_name"])
	}
}

func TestRedactVariables_extraFields(t *testing.T) {
	vars := map[string]any{
		"ward":      "A",
		"diagnosis": "J18.9",
	}

	redacted := RedactVariables(vars, []string{"diagnosis"})
	if redacted["ward"] != "A" {
		t.Errorf("ward = %v, want A", redacted["ward"])
	}
	if redacted["diagnosis"] != "[REDACTED]" {
		t.Errorf("diagnosis = %v, want [REDACTED]", redacted["diagnosis"])
	}
}

func TestRedactVariables_nested(t *testing.T) {
	vars := map[string]any{
		"patient": map[string]any{
			"bed": "4",
			"dob": "1980-02-01",
		},
		"priority": "high",
	}

	redacted := RedactVariables(vars, nil)
	nested, ok := redacted["patient"].(map[string]any)
	if !ok {
		t.Fatal("patient should be a nested map")
	}
	if nested["bed"] != "4" {
		t.Errorf("patient.bed = %v, want 4", nested["bed"])
	}
	if nested["dob"] != "[REDACTED]" {
		t.Errorf("patient.dob = %v, want [REDACTED]", nested["dob"])
	}
}

func TestRedactVariables_nil(t *testing.T) {
	if result := RedactVariables(nil, nil); result != nil {
		t.Errorf("RedactVariables(nil) = %v, want nil", result)
	}
}

func TestRedactVariables_doesNotMutateOriginal(t *testing.T) {
	vars := map[string]any{
		"mrn":  "MRN-0042",
		"ward": "A",
	}

	_ = RedactVariables(vars, nil)

	if vars["mrn"] != "MRN-0042" {
		t.Errorf("original variables were mutated: mrn = %v", vars["mrn"])
	}
}

func TestNewLogger_allLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}
	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			cfg := config.ObservabilityConfig{LogLevel: level}
			logger, err := NewLogger(cfg)
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", level, err)
			}
			defer logger.Sync()

			expected, _ := zapcore.ParseLevel(level)
			if !logger.Core().Enabled(expected) {
				t.Errorf("level %q should be enabled", level)
			}
		})
	}
}
