package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/model"
)

const maxResponseBytes = 10 << 20

// APICallOptions configures the outbound HTTP client.
type APICallOptions struct {
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	// Transport is wrapped with otelhttp. Nil uses a pooled default.
	Transport http.RoundTripper
}

// APICallDispatcher performs api_call steps with a circuit breaker per
// target host.
type APICallDispatcher struct {
	client *http.Client
	expr   *expression.Evaluator
	opts   APICallOptions

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewAPICallDispatcher creates an APICallDispatcher.
func NewAPICallDispatcher(expr *expression.Evaluator, opts APICallOptions) *APICallDispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	return &APICallDispatcher{
		client:   &http.Client{Transport: otelhttp.NewTransport(base)},
		expr:     expr,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Dispatch implements Dispatcher. Non-2xx responses are failures; a JSON
// response body is stored under the step's result variable.
func (d *APICallDispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	a, ok := req.Step.Action.Action.(*model.APICallAction)
	if !ok {
		return Outcome{}, fmt.Errorf("step %q is not an api_call", req.Step.ID)
	}

	rawURL, err := Render(a.URL, req.Variables)
	if err != nil {
		return Outcome{}, err
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return Outcome{}, fmt.Errorf("invalid url %q", rawURL)
	}

	var body []byte
	if len(a.Body) > 0 {
		payload := make(map[string]any, len(a.Body))
		for field, src := range a.Body {
			v, err := d.expr.Eval(src, req.Variables)
			if err != nil {
				return Outcome{}, err
			}
			payload[field] = v
		}
		if body, err = json.Marshal(payload); err != nil {
			return Outcome{}, fmt.Errorf("marshal body: %w", err)
		}
	}

	timeout := d.opts.Timeout
	if a.Timeout != "" {
		if t, err := time.ParseDuration(a.Timeout); err == nil && t > 0 {
			timeout = t
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodPost
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return Outcome{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", req.InstanceID, req.StepSeq))
	for k, v := range a.Headers {
		rendered, err := Render(v, req.Variables)
		if err != nil {
			return Outcome{}, err
		}
		httpReq.Header.Set(sanitizeHeader(k), sanitizeHeader(rendered))
	}

	breaker := d.breaker(target.Host)
	if err := breaker.Allow(); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", target.Host, err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		breaker.RecordFailure()
		return Outcome{}, fmt.Errorf("%s %s: %w", method, target.Redacted(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		breaker.RecordFailure()
		return Outcome{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		breaker.RecordFailure()
	case resp.StatusCode < 400:
		breaker.RecordSuccess()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, fmt.Errorf("%s %s returned status %d", method, target.Redacted(), resp.StatusCode)
	}

	var parsed any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			parsed = string(respBody)
		}
	}

	out := Outcome{Result: map[string]any{"status": resp.StatusCode}}
	if a.ResultVariable != "" {
		out.Set = map[string]any{a.ResultVariable: parsed}
	}
	return out, nil
}

// BreakerState reports the breaker state for host.
func (d *APICallDispatcher) BreakerState(host string) BreakerState {
	return d.breaker(host).State()
}

func (d *APICallDispatcher) breaker(host string) *CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(d.opts.FailureThreshold, d.opts.SuccessThreshold, d.opts.OpenTimeout)
		d.breakers[host] = cb
	}
	return cb
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
