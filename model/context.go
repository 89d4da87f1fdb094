package model

import (
	"context"
	"fmt"
)

// SystemActor is the actor id recorded for engine-driven transitions.
const SystemActor = "system"

// RequestContext carries the caller identity and correlation information of
// an inbound request. Authentication is performed upstream; the actor id is
// taken as given. It is immutable after construction.
type RequestContext struct {
	ActorID       string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate checks that mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.ActorID == "" {
		return fmt.Errorf("ActorID is required")
	}
	return nil
}

// Actor returns the actor id, or SystemActor when none was supplied.
func (rc *RequestContext) Actor() string {
	if rc == nil || rc.ActorID == "" {
		return SystemActor
	}
	return rc.ActorID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
