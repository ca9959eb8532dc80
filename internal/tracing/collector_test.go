package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/google/uuid"
)

func newRecordingOTelCollector(t *testing.T, verbose bool) (*OTelCollector, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return NewOTelCollector(tp.Tracer("test"), verbose), exporter
}

func TestOTelCollector_EmitSpan_RecordsNameAndAttributes(t *testing.T) {
	c, exporter := newRecordingOTelCollector(t, false)

	now := time.Now()
	end := now.Add(10 * time.Millisecond)
	traceID := uuid.New()

	c.EmitSpan(SpanData{
		TraceID:      traceID,
		SpanType:     SpanTypeLLMCall,
		Name:         "openai/gpt-4o #1",
		StartTime:    now,
		EndTime:      &end,
		Model:        "gpt-4o",
		Provider:     "openai",
		InputTokens:  10,
		OutputTokens: 5,
		Status:       SpanStatusCompleted,
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "openai/gpt-4o #1" {
		t.Errorf("unexpected span name: %q", got.Name)
	}
	if got.Status.Code != codes.Ok {
		t.Errorf("expected OK status, got %v", got.Status.Code)
	}

	foundModel := false
	for _, attr := range got.Attributes {
		if string(attr.Key) == "model" && attr.Value.AsString() == "gpt-4o" {
			foundModel = true
		}
	}
	if !foundModel {
		t.Errorf("expected model attribute on span, got %+v", got.Attributes)
	}
}

func TestOTelCollector_EmitSpan_ErrorStatusRecorded(t *testing.T) {
	c, exporter := newRecordingOTelCollector(t, false)

	now := time.Now()
	end := now.Add(time.Millisecond)
	c.EmitSpan(SpanData{
		TraceID:   uuid.New(),
		SpanType:  SpanTypeToolCall,
		Name:      "shell",
		StartTime: now,
		EndTime:   &end,
		Status:    SpanStatusError,
		Error:     "command failed",
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "command failed" {
		t.Errorf("unexpected status description: %q", spans[0].Status.Description)
	}
}

func TestNewNoopCollector_VerboseDefaultsFalse(t *testing.T) {
	c := NewNoopCollector()
	if c.Verbose() {
		t.Error("expected default verbose=false")
	}
}
