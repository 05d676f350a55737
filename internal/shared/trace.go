package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type tenantKey struct{}
type runIDKey struct{}
type actorKey struct{}
type sourceKey struct{}

// Actor identifies who asked for a dispatch. ActorType is one of
// "user", "system", "external".
type Actor struct {
	Type string
	ID   string
}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTenantID attaches a tenant_id to the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantID extracts tenant_id from context. Returns "" if absent.
func TenantID(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches an audit run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithActor attaches the requesting actor to the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the actor from context. Falls back to the system actor.
func ActorFrom(ctx context.Context) Actor {
	if v, ok := ctx.Value(actorKey{}).(Actor); ok && v.Type != "" {
		return v
	}
	return Actor{Type: "system", ID: "system"}
}

// WithSource attaches the dispatch source (manual, automation, scheduler,
// ai, webhook) to the context.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// Source extracts the dispatch source from context. Returns "manual" if absent.
func Source(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey{}).(string); ok && v != "" {
		return v
	}
	return "manual"
}
