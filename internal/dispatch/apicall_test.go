package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/careflow/model"
)

func apiStep(serverURL string) *model.StepDefinition {
	return &model.StepDefinition{ID: "reserve-bed", Action: model.ActionSpec{Action: &model.APICallAction{
		Method:         "post",
		URL:            serverURL + "/wards/{{ .ward }}/reservations",
		Headers:        map[string]string{"X-Patient": "{{ .patient }}"},
		Body:           map[string]string{"patient": "patient", "urgent": "acuity <= 2"},
		ResultVariable: "reservation",
	}}}
}

func TestAPICall_success(t *testing.T) {
	var got struct {
		path, patient, idem string
		body                map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.patient = r.Header.Get("X-Patient")
		got.idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bed":"B2-04"}`))
	}))
	defer srv.Close()

	d := NewAPICallDispatcher(newExpr(), APICallOptions{})
	out, err := d.Dispatch(context.Background(), Request{
		InstanceID: "i1",
		StepSeq:    3,
		Step:       apiStep(srv.URL),
		Variables:  map[string]any{"ward": "B2", "patient": "P-9", "acuity": 1},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got.path != "/wards/B2/reservations" || got.patient != "P-9" || got.idem != "i1:3" {
		t.Errorf("request path=%q patient=%q idempotency=%q", got.path, got.patient, got.idem)
	}
	if want := map[string]any{"patient": "P-9", "urgent": true}; !reflect.DeepEqual(got.body, want) {
		t.Errorf("body = %v, want %v", got.body, want)
	}
	if want := map[string]any{"bed": "B2-04"}; !reflect.DeepEqual(out.Set["reservation"], want) {
		t.Errorf("reservation = %v, want %v", out.Set["reservation"], want)
	}
	if out.Result["status"] != http.StatusOK {
		t.Errorf("status = %v, want 200", out.Result["status"])
	}
}

func TestAPICall_non2xxFailsAndTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewAPICallDispatcher(newExpr(), APICallOptions{FailureThreshold: 2, OpenTimeout: time.Minute})
	req := Request{Step: apiStep(srv.URL), Variables: map[string]any{"ward": "B2", "patient": "P-9", "acuity": 3}}

	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), req); err == nil {
			t.Fatalf("call %d: expected error for 503", i)
		}
	}
	u, _ := url.Parse(srv.URL)
	if state := d.BreakerState(u.Host); state != BreakerOpen {
		t.Fatalf("breaker = %s, want open", state)
	}

	if _, err := d.Dispatch(context.Background(), req); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", calls.Load())
	}
}

func TestAPICall_clientErrorDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewAPICallDispatcher(newExpr(), APICallOptions{FailureThreshold: 1})
	req := Request{Step: apiStep(srv.URL), Variables: map[string]any{"ward": "B2", "patient": "P-9", "acuity": 3}}
	if _, err := d.Dispatch(context.Background(), req); err == nil {
		t.Fatal("expected error for 400")
	}
	u, _ := url.Parse(srv.URL)
	if state := d.BreakerState(u.Host); state != BreakerClosed {
		t.Errorf("breaker = %s, want closed", state)
	}
}

func TestAPICall_missingVariable(t *testing.T) {
	d := NewAPICallDispatcher(newExpr(), APICallOptions{})
	if _, err := d.Dispatch(context.Background(), Request{Step: apiStep("http://example.invalid"), Variables: map[string]any{}}); err == nil {
		t.Error("expected error for missing template variable")
	}
}

func TestCircuitBreaker_lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, 2, time.Minute)
	cb.now = func() time.Time { return now }

	assertState := func(want BreakerState) {
		t.Helper()
		if got := cb.State(); got != want {
			t.Fatalf("state = %s, want %s", got, want)
		}
	}

	cb.RecordFailure()
	assertState(BreakerClosed)
	cb.RecordSuccess()
	cb.RecordFailure()
	// A success resets the consecutive count.
	assertState(BreakerClosed)
	cb.RecordFailure()
	assertState(BreakerOpen)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() while open = %v", err)
	}

	now = now.Add(2 * time.Minute)
	assertState(BreakerHalfOpen)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() while half-open = %v", err)
	}
	cb.RecordFailure()
	// A failure while half-open reopens.
	assertState(BreakerOpen)

	now = now.Add(2 * time.Minute)
	cb.RecordSuccess()
	cb.RecordSuccess()
	assertState(BreakerClosed)
	if s := cb.State().String(); s != "closed" {
		t.Errorf("String() = %q", s)
	}
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, 0, 0)
	if cb.failureThreshold != 5 || cb.successThreshold != 2 || cb.timeout != 30*time.Second {
		t.Errorf("defaults = %d/%d/%v, want 5/2/30s", cb.failureThreshold, cb.successThreshold, cb.timeout)
	}
}
