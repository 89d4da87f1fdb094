package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/model"
)

// Handler is a named Go function a script step can run after its
// assignments. Handlers are registered at startup.
type Handler interface {
	Name() string
	Invoke(ctx context.Context, req Request) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, req Request) (map[string]any, error)
}

// Name implements Handler.
func (h HandlerFunc) Name() string { return h.HandlerName }

// Invoke implements Handler.
func (h HandlerFunc) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	return h.Fn(ctx, req)
}

// HandlerRegistry stores script handlers by name. It is safe for
// concurrent use after initial registration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds h under its Name. Registering a name twice panics since it
// is a wiring mistake.
func (r *HandlerRegistry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		panic(fmt.Sprintf("dispatch: script handler %q already registered", h.Name()))
	}
	r.handlers[h.Name()] = h
}

// Get returns the handler registered under name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScriptDispatcher evaluates a script step's assignments in order. Each
// assignment sees the values set before it.
type ScriptDispatcher struct {
	expr     *expression.Evaluator
	handlers *HandlerRegistry
}

// NewScriptDispatcher creates a ScriptDispatcher. handlers may be nil.
func NewScriptDispatcher(expr *expression.Evaluator, handlers *HandlerRegistry) *ScriptDispatcher {
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &ScriptDispatcher{expr: expr, handlers: handlers}
}

// Dispatch implements Dispatcher.
func (s *ScriptDispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	a, ok := req.Step.Action.Action.(*model.ScriptAction)
	if !ok {
		return Outcome{}, fmt.Errorf("step %q is not a script", req.Step.ID)
	}

	vars := model.CloneVars(req.Variables)
	if vars == nil {
		vars = make(map[string]any)
	}
	set := make(map[string]any, len(a.Set))
	for _, asg := range a.Set {
		v, err := s.expr.Eval(asg.Expression, vars)
		if err != nil {
			return Outcome{}, err
		}
		vars[asg.Variable] = v
		set[asg.Variable] = v
	}

	if a.Handler != "" {
		h, ok := s.handlers.Get(a.Handler)
		if !ok {
			return Outcome{}, fmt.Errorf("script handler %q not registered", a.Handler)
		}
		hreq := req
		hreq.Variables = vars
		out, err := h.Invoke(ctx, hreq)
		if err != nil {
			return Outcome{}, fmt.Errorf("script handler %q: %w", a.Handler, err)
		}
		for k, v := range out {
			set[k] = v
		}
	}

	return Outcome{Set: set, Result: model.CloneVars(set)}, nil
}
