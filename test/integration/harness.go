// Package integration provides a reusable test harness for end-to-end
// testing of the careflow server. It starts the full HTTP API over a real
// engine with a manual clock, mock downstream services and, optionally,
// Redis-backed timers, locks and idempotency via miniredis.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/careflow/internal/assignee"
	"github.com/pitabwire/careflow/internal/config"
	"github.com/pitabwire/careflow/internal/definition"
	"github.com/pitabwire/careflow/internal/dispatch"
	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/internal/inbox"
	"github.com/pitabwire/careflow/internal/lock"
	"github.com/pitabwire/careflow/internal/observability"
	"github.com/pitabwire/careflow/internal/timer"
	"github.com/pitabwire/careflow/internal/transport"
	"github.com/pitabwire/careflow/internal/workflow"
	"github.com/pitabwire/careflow/model"
)

// Epoch is the manual clock's starting time.
var Epoch = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

// TestHarness is a fully wired careflow server for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced scenarios.
	Engine    *workflow.Engine
	Catalog   *definition.Catalog
	Instances *workflow.MemoryStore
	Clock     *timer.ManualClock
	Timers    *timer.Service
	APICalls  *dispatch.APICallDispatcher
	Notifier  *RecordingNotifier
	Redis     *miniredis.Miniredis

	backends map[string]*MockBackend
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitions    []string
	roles          map[string][]string
	teams          map[string][]string
	redis          bool
	handlerTimeout time.Duration
	breaker        config.CircuitBreakerConfig
	callTimeout    time.Duration
}

// WithDefinitions publishes the given YAML documents at startup.
func WithDefinitions(docs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitions = append(c.definitions, docs...)
	}
}

// WithDirectory sets the role and team membership of the static directory.
func WithDirectory(roles, teams map[string][]string) HarnessOption {
	return func(c *harnessConfig) {
		c.roles = roles
		c.teams = teams
	}
}

// WithRedis backs timers, instance locks and idempotency with miniredis.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCircuitBreaker sets the api_call circuit breaker thresholds.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithCallTimeout sets the default api_call timeout.
func WithCallTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.callTimeout = d
	}
}

// NewTestHarness wires the engine and starts the HTTP server. Everything is
// torn down with t.Cleanup.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()
	ctx := context.Background()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		callTimeout:    2 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	for _, o := range opts {
		o(hc)
	}

	h := &TestHarness{
		t:         t,
		Instances: workflow.NewMemoryStore(),
		Clock:     timer.NewManualClock(Epoch),
		Notifier:  &RecordingNotifier{},
		backends:  make(map[string]*MockBackend),
	}

	expr := expression.NewEvaluator(expression.Limits{})
	h.Catalog = definition.NewCatalog(definition.NewRegistry(), definition.NewValidator(expr), zap.NewNop())
	for _, doc := range hc.definitions {
		if _, err := h.Catalog.PublishDocument(ctx, []byte(doc)); err != nil {
			t.Fatalf("harness: publish definition: %v", err)
		}
	}

	var (
		timerStore timer.Store               = timer.NewMemoryStore()
		locker     lock.Locker               = lock.NewLocal()
		idem       workflow.IdempotencyStore = workflow.NewMemoryIdempotencyStore()
	)
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		timerStore = timer.NewRedisStore(client, "careflow-test")
		locker = lock.NewRedis(client, "careflow-test", 5*time.Second, 5*time.Second, zap.NewNop())
		idem = workflow.NewRedisIdempotencyStore(client)
	}
	h.Timers = timer.NewService(timerStore, h.Clock, timer.Options{}, zap.NewNop())

	resolver := assignee.NewResolver(assignee.NewStaticDirectoryFromMaps(hc.roles, hc.teams), expr)

	h.APICalls = dispatch.NewAPICallDispatcher(expr, dispatch.APICallOptions{
		Timeout:          hc.callTimeout,
		FailureThreshold: hc.breaker.FailureThreshold,
		SuccessThreshold: hc.breaker.SuccessThreshold,
		OpenTimeout:      hc.breaker.Timeout,
	})

	human := dispatch.NewHumanDispatcher()
	dispatchers := dispatch.NewRegistry()
	dispatchers.Register(model.KindTask, human)
	dispatchers.Register(model.KindApproval, human)
	dispatchers.Register(model.KindNotification, dispatch.NewNotificationDispatcher(h.Notifier))
	dispatchers.Register(model.KindAPICall, h.APICalls)
	dispatchers.Register(model.KindScript, dispatch.NewScriptDispatcher(expr, nil))
	dispatchers.Register(model.KindGateway, dispatch.NewGatewayDispatcher(expr))

	h.Engine = workflow.NewEngine(workflow.Deps{
		Definitions: h.Catalog.Store(),
		Store:       h.Instances,
		Dispatchers: dispatchers,
		Timers:      h.Timers,
		Locker:      locker,
		Resolver:    resolver,
		Expr:        expr,
		Notifier:    h.Notifier,
		Idempotency: idem,
	}, workflow.Options{Clock: h.Clock, Logger: zap.NewNop()})
	dispatchers.Register(model.KindSubprocess, dispatch.NewSubprocessDispatcher(expr, h.Engine))

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Observability.Metrics.Enabled = false

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Engine:      h.Engine,
		Inbox:       inbox.New(h.Instances, h.Catalog.Store(), resolver, zap.NewNop()),
		Definitions: h.Catalog,
		Logger:      zap.NewNop(),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return true },
		},
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MockBackend returns the named mock downstream service, starting it on
// first use.
func (h *TestHarness) MockBackend(name string) *MockBackend {
	mb, ok := h.backends[name]
	if !ok {
		mb = newMockBackend(h.t, name)
		h.backends[name] = mb
	}
	return mb
}

// AdvanceTimers moves the clock forward and delivers every timer that
// becomes due.
func (h *TestHarness) AdvanceTimers(d time.Duration) {
	h.t.Helper()
	h.Clock.Advance(d)
	for range 50 {
		n, err := h.Timers.Poll(context.Background())
		if err != nil {
			h.t.Fatalf("harness: poll timers: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

// --- HTTP helpers ---

// GET sends a GET request as actor. An empty actor sends no actor header.
func (h *TestHarness) GET(path, actor string) *http.Response {
	return h.do(http.MethodGet, path, nil, actor, nil)
}

// POST sends a JSON POST request as actor.
func (h *TestHarness) POST(path string, body any, actor string) *http.Response {
	return h.do(http.MethodPost, path, body, actor, nil)
}

// POSTWithHeaders sends a JSON POST request with extra headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, actor string, headers map[string]string) *http.Response {
	return h.do(http.MethodPost, path, body, actor, headers)
}

func (h *TestHarness) do(method, path string, body any, actor string, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("harness: marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("harness: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(transport.HeaderActorID, actor)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("harness: %s %s: %v", method, path, err)
	}
	return resp
}

// ParseJSON decodes and closes the response body.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		h.t.Fatalf("harness: decode response: %v", err)
	}
}

// AssertStatus checks the status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d; body = %s", resp.StatusCode, want, body)
	}
}

// AssertJSON checks the status code and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d; body = %s", resp.StatusCode, want, body)
	}
	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			t.Fatalf("decode response: %v; body = %s", err, body)
		}
	}
}

// --- Domain helpers ---

// StartInstance starts defID over the API and returns the instance.
func (h *TestHarness) StartInstance(t *testing.T, defID string, vars map[string]any, actor string) model.Instance {
	t.Helper()
	var inst model.Instance
	h.AssertJSON(t, h.POST("/v1/instances", map[string]any{
		"definition_id": defID,
		"variables":     vars,
	}, actor), http.StatusCreated, &inst)
	return inst
}

// CompleteStep completes a human step over the API.
func (h *TestHarness) CompleteStep(t *testing.T, id, stepID, action string, result map[string]any, actor string) model.Instance {
	t.Helper()
	var inst model.Instance
	h.AssertJSON(t, h.POST("/v1/instances/"+id+"/complete", map[string]any{
		"step_id": stepID,
		"action":  action,
		"result":  result,
	}, actor), http.StatusOK, &inst)
	return inst
}

// Instance fetches an instance over the API.
func (h *TestHarness) Instance(t *testing.T, id string) model.Instance {
	t.Helper()
	var inst model.Instance
	h.AssertJSON(t, h.GET("/v1/instances/"+id, ""), http.StatusOK, &inst)
	return inst
}

// Tasks lists the inbox of actor.
func (h *TestHarness) Tasks(t *testing.T, actor string) []model.Task {
	t.Helper()
	var resp struct {
		Data []model.Task `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/tasks?actor_id="+actor, ""), http.StatusOK, &resp)
	return resp.Data
}

// EventNames returns the audit trail of an instance as event names.
func (h *TestHarness) EventNames(t *testing.T, id string) []string {
	t.Helper()
	var resp struct {
		Data []model.WorkflowEvent `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/instances/"+id+"/events", ""), http.StatusOK, &resp)
	names := make([]string, len(resp.Data))
	for i, ev := range resp.Data {
		names[i] = ev.Event
	}
	return names
}

// CountEvents counts the occurrences of name in an instance's audit trail.
func (h *TestHarness) CountEvents(t *testing.T, id, name string) int {
	t.Helper()
	n := 0
	for _, ev := range h.EventNames(t, id) {
		if ev == name {
			n++
		}
	}
	return n
}

// AssertCurrentSteps checks the steps the instance's pointers rest on.
func AssertCurrentSteps(t *testing.T, inst model.Instance, want ...string) {
	t.Helper()
	got := inst.CurrentSteps()
	if len(got) != len(want) {
		t.Fatalf("current steps = %v, want %v", got, want)
	}
	seen := make(map[string]int, len(got))
	for _, s := range got {
		seen[s]++
	}
	for _, s := range want {
		if seen[s] == 0 {
			t.Fatalf("current steps = %v, want %v", got, want)
		}
		seen[s]--
	}
}

// AssertInstanceStatus checks the overall instance status.
func AssertInstanceStatus(t *testing.T, inst model.Instance, want model.InstanceStatus) {
	t.Helper()
	if inst.Status != want {
		t.Fatalf("status = %s, want %s (error: %+v)", inst.Status, want, inst.Error)
	}
}

// RecordingNotifier collects delivered notifications.
type RecordingNotifier struct {
	mu    sync.Mutex
	notes []dispatch.Notification
}

// Notify implements dispatch.Notifier.
func (n *RecordingNotifier) Notify(_ context.Context, note dispatch.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

// Sent returns the notifications delivered so far.
func (n *RecordingNotifier) Sent() []dispatch.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dispatch.Notification(nil), n.notes...)
}
