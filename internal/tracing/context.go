package tracing

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const (
	traceIDKey contextKey = iota
	parentSpanIDKey
	announceParentSpanIDKey
	collectorKey
)

// WithTraceID attaches the turn's trace id to ctx.
func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceIDFromContext returns the trace id attached to ctx, or uuid.Nil.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(traceIDKey).(uuid.UUID)
	return id
}

// WithParentSpanID attaches the span id that child spans (LLM/tool calls)
// should nest under.
func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, id)
}

// ParentSpanIDFromContext returns the parent span id, or uuid.Nil.
func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(parentSpanIDKey).(uuid.UUID)
	return id
}

// WithAnnounceParentSpanID marks ctx as belonging to a proactive
// announce run, nesting its root agent span under the given parent.
func WithAnnounceParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, announceParentSpanIDKey, id)
}

// AnnounceParentSpanIDFromContext returns the announce parent span id,
// or uuid.Nil if this run is not an announce run.
func AnnounceParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(announceParentSpanIDKey).(uuid.UUID)
	return id
}

// WithCollector attaches the active Collector to ctx.
func WithCollector(ctx context.Context, c Collector) context.Context {
	return context.WithValue(ctx, collectorKey, c)
}

// CollectorFromContext returns the active Collector, or nil if tracing
// is not active for this turn.
func CollectorFromContext(ctx context.Context) Collector {
	c, _ := ctx.Value(collectorKey).(Collector)
	return c
}
