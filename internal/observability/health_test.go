package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

func readiness(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_definitionsOnly(t *testing.T) {
	code, resp := readiness(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %d, want 1", len(resp.Checks))
	}
	if resp.Checks["definitions"].Status != "ok" {
		t.Errorf("definitions = %q, want ok", resp.Checks["definitions"].Status)
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	code, resp := readiness(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["definitions"].Status != "error" {
		t.Errorf("definitions = %q, want error", resp.Checks["definitions"].Status)
	}
	if resp.Checks["definitions"].Error == "" {
		t.Error("definitions error should have a message")
	}
}

func TestHandleReady_nilDefinitionsCheck(t *testing.T) {
	code, resp := readiness(t, ReadinessChecks{})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["definitions"].Status != "error" {
		t.Errorf("definitions = %q, want error", resp.Checks["definitions"].Status)
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func TestHandleReady_allOptionalHealthy(t *testing.T) {
	code, resp := readiness(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		InstanceStore:     &mockHealthChecker{},
		TimerStore:        &mockHealthChecker{},
		LockBackend:       &mockHealthChecker{},
		IdempotencyStore:  &mockHealthChecker{},
		EventBus:          &mockHealthChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	for _, name := range []string{"definitions", "instance_store", "timer_store", "lock_backend", "idempotency_store", "event_bus"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
	}{
		{"instance_store", ReadinessChecks{InstanceStore: &mockHealthChecker{err: errors.New("connection refused")}}},
		{"timer_store", ReadinessChecks{TimerStore: &mockHealthChecker{err: errors.New("connection refused")}}},
		{"lock_backend", ReadinessChecks{LockBackend: &mockHealthChecker{err: errors.New("connection refused")}}},
		{"idempotency_store", ReadinessChecks{IdempotencyStore: &mockHealthChecker{err: errors.New("connection refused")}}},
		{"event_bus", ReadinessChecks{EventBus: &mockHealthChecker{err: errors.New("connection refused")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks.DefinitionsLoaded = func() bool { return true }
			code, resp := readiness(t, tt.checks)

			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			got := resp.Checks[tt.name]
			if got.Status != "error" {
				t.Errorf("%s = %q, want error", tt.name, got.Status)
			}
			if got.Error != "connection refused" {
				t.Errorf("%s error = %q, want connection refused", tt.name, got.Error)
			}
		})
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	code, resp := readiness(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
		InstanceStore:     &mockHealthChecker{err: errors.New("db down")},
		TimerStore:        &mockHealthChecker{},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["definitions"].Status != "error" {
		t.Error("definitions should be error")
	}
	if resp.Checks["instance_store"].Status != "error" {
		t.Error("instance_store should be error")
	}
	if resp.Checks["timer_store"].Status != "ok" {
		t.Error("timer_store should be ok")
	}
}

func TestHandleReady_checkTimeout(t *testing.T) {
	slow := CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	code, resp := readiness(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		InstanceStore:     slow,
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["instance_store"].Error != context.DeadlineExceeded.Error() {
		t.Errorf("instance_store error = %q, want deadline exceeded", resp.Checks["instance_store"].Error)
	}
	if elapsed := time.Since(start); elapsed > checkTimeout+time.Second {
		t.Errorf("readiness took %v, want about %v", elapsed, checkTimeout)
	}
}

func TestCheckFunc(t *testing.T) {
	var called bool
	f := CheckFunc(func(context.Context) error {
		called = true
		return nil
	})
	if err := f.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if !called {
		t.Error("CheckFunc should call the wrapped function")
	}
}
