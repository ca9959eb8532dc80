package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Collector receives finished spans for export. Verbose controls how much
// of a span's input/output gets previewed (full content vs. a short cut).
type Collector interface {
	EmitSpan(span SpanData)
	Verbose() bool
}

// OTelCollector maps SpanData onto OpenTelemetry spans via a configured
// tracer. It replays StartTime/EndTime exactly rather than timing the
// call itself, since by the time EmitSpan runs the call already finished.
type OTelCollector struct {
	tracer  oteltrace.Tracer
	verbose bool
}

// NewOTelCollector builds a Collector backed by tracer.
func NewOTelCollector(tracer oteltrace.Tracer, verbose bool) *OTelCollector {
	return &OTelCollector{tracer: tracer, verbose: verbose}
}

// Verbose reports whether full (untruncated-to-500-char) previews should
// be recorded.
func (c *OTelCollector) Verbose() bool { return c.verbose }

// previewLimit returns the preview truncation length for the current
// verbosity setting.
func (c *OTelCollector) previewLimit() int {
	if c.verbose {
		return 100000
	}
	return 500
}

// EmitSpan starts and immediately ends an OTel span stamped with span's
// recorded start/end times and attributes.
func (c *OTelCollector) EmitSpan(span SpanData) {
	limit := c.previewLimit()

	ctx := context.Background()
	_, otelSpan := c.tracer.Start(ctx, span.Name, oteltrace.WithTimestamp(span.StartTime))

	attrs := []attribute.KeyValue{
		attribute.String("span.type", string(span.SpanType)),
		attribute.String("trace.id", span.TraceID.String()),
	}
	if span.ParentSpanID != nil {
		attrs = append(attrs, attribute.String("parent.span_id", span.ParentSpanID.String()))
	}
	if span.AgentID != nil {
		attrs = append(attrs, attribute.String("agent.id", span.AgentID.String()))
	}
	if span.Model != "" {
		attrs = append(attrs, attribute.String("model", span.Model))
	}
	if span.Provider != "" {
		attrs = append(attrs, attribute.String("provider", span.Provider))
	}
	if span.InputTokens > 0 {
		attrs = append(attrs, attribute.Int("input_tokens", span.InputTokens))
	}
	if span.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("output_tokens", span.OutputTokens))
	}
	if span.FinishReason != "" {
		attrs = append(attrs, attribute.String("finish_reason", span.FinishReason))
	}
	if span.InputPreview != "" {
		attrs = append(attrs, attribute.String("input.preview", truncate(span.InputPreview, limit)))
	}
	if span.OutputPreview != "" {
		attrs = append(attrs, attribute.String("output.preview", truncate(span.OutputPreview, limit)))
	}
	if len(span.Metadata) > 0 {
		attrs = append(attrs, attribute.String("metadata", string(span.Metadata)))
	}
	otelSpan.SetAttributes(attrs...)

	if span.Status == SpanStatusError {
		otelSpan.SetStatus(codes.Error, truncate(span.Error, 200))
	} else {
		otelSpan.SetStatus(codes.Ok, "")
	}

	end := span.EndTime
	if end == nil {
		otelSpan.End()
		return
	}
	otelSpan.End(oteltrace.WithTimestamp(*end))
}

// NoopCollector discards all spans; used when tracing is disabled.
type NoopCollector struct{ verbose bool }

// NewNoopCollector builds a Collector that drops every span it receives.
func NewNoopCollector() *NoopCollector { return &NoopCollector{} }

func (c *NoopCollector) EmitSpan(SpanData) {}
func (c *NoopCollector) Verbose() bool     { return c.verbose }
