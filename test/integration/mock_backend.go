package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is a configurable HTTP test server standing in for the
// downstream services api_call steps talk to (bed management, pharmacy,
// lab systems). It records every request for later assertion.
type MockBackend struct {
	t      *testing.T
	name   string
	server *httptest.Server
	mux    *http.ServeMux

	mu       sync.RWMutex
	routes   map[string]*routeConfig
	received map[string][]*RecordedRequest
}

// RecordedRequest captures a request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type routeConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// RouteMock configures the responses of one route.
type RouteMock struct {
	backend *MockBackend
	pattern string
}

func newMockBackend(t *testing.T, name string) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		t:        t,
		name:     name,
		mux:      http.NewServeMux(),
		routes:   make(map[string]*routeConfig),
		received: make(map[string][]*RecordedRequest),
	}
	mb.server = httptest.NewServer(mb.mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// On returns the mock for a ServeMux pattern such as "POST /api/beds/{ward}".
// Unconfigured routes answer 200 {"status":"ok"}.
func (mb *MockBackend) On(pattern string) *RouteMock {
	mb.mu.Lock()
	if _, ok := mb.routes[pattern]; !ok {
		mb.routes[pattern] = &routeConfig{}
		mb.mux.HandleFunc(pattern, mb.handle(pattern))
	}
	mb.mu.Unlock()
	return &RouteMock{backend: mb, pattern: pattern}
}

// RespondWith queues a response. The last queued response repeats.
func (rm *RouteMock) RespondWith(status int, body any) *RouteMock {
	rm.backend.add(rm.pattern, &mockResponse{status: status, body: body})
	return rm
}

// RespondWithDelay queues a slow response.
func (rm *RouteMock) RespondWithDelay(delay time.Duration, status int, body any) *RouteMock {
	rm.backend.add(rm.pattern, &mockResponse{status: status, body: body, delay: delay})
	return rm
}

// RespondWithConnectionError queues a dropped connection.
func (rm *RouteMock) RespondWithConnectionError() *RouteMock {
	rm.backend.add(rm.pattern, &mockResponse{connError: true})
	return rm
}

func (mb *MockBackend) add(pattern string, resp *mockResponse) {
	mb.mu.RLock()
	cfg := mb.routes[pattern]
	mb.mu.RUnlock()
	cfg.mu.Lock()
	cfg.responses = append(cfg.responses, resp)
	cfg.mu.Unlock()
}

func (mb *MockBackend) handle(pattern string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if body, _ := io.ReadAll(r.Body); len(body) > 0 {
			json.Unmarshal(body, &rec.Body)
		}

		mb.mu.Lock()
		mb.received[pattern] = append(mb.received[pattern], rec)
		cfg := mb.routes[pattern]
		mb.mu.Unlock()

		resp := cfg.next()
		if resp == nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}
		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (c *routeConfig) next() *mockResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return nil
	}
	idx := c.current
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	} else {
		c.current++
	}
	return c.responses[idx]
}

// Calls returns the number of requests received on pattern.
func (mb *MockBackend) Calls(pattern string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.received[pattern])
}

// AssertCalled verifies that pattern was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, pattern string, want int) {
	t.Helper()
	if got := mb.Calls(pattern); got != want {
		t.Errorf("mock %s: %q called %d times, want %d", mb.name, pattern, got, want)
	}
}

// LastRequest returns the last request received on pattern, or nil.
func (mb *MockBackend) LastRequest(pattern string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.received[pattern]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}
