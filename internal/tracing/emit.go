package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LLMCallResult carries what EmitLLMSpan needs to know about a finished
// model call, independent of any particular provider package.
type LLMCallResult struct {
	Content             string
	FinishReason        string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	Err                 error
}

// EmitLLMSpan records one LLM call span under the turn's trace, if a
// Collector is active in ctx. iteration numbers the call within its turn
// (e.g. "openai/gpt-4o #3").
func EmitLLMSpan(ctx context.Context, start time.Time, provider, model string, iteration int, inputPreview string, result LLMCallResult) {
	traceID := TraceIDFromContext(ctx)
	collector := CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())
	limit := previewLimitFor(collector)

	span := SpanData{
		TraceID:    traceID,
		SpanType:   SpanTypeLLMCall,
		Name:       fmt.Sprintf("%s/%s #%d", provider, model, iteration),
		StartTime:  start,
		EndTime:    &now,
		DurationMS: dur,
		Model:      model,
		Provider:   provider,
		Status:     SpanStatusCompleted,
		Level:      SpanLevelDefault,
		CreatedAt:  now,
	}
	if parentID := ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}
	if collector.Verbose() && inputPreview != "" {
		span.InputPreview = truncate(inputPreview, limit)
	}

	if result.Err != nil {
		span.Status = SpanStatusError
		span.Error = result.Err.Error()
	} else {
		span.InputTokens = result.InputTokens
		span.OutputTokens = result.OutputTokens
		span.FinishReason = result.FinishReason
		span.OutputPreview = truncate(result.Content, limit)
		if result.CacheCreationTokens > 0 || result.CacheReadTokens > 0 {
			if b, err := json.Marshal(map[string]int{
				"cache_creation_tokens": result.CacheCreationTokens,
				"cache_read_tokens":     result.CacheReadTokens,
			}); err == nil {
				span.Metadata = b
			}
		}
	}

	collector.EmitSpan(span)
}

// ToolCallResult carries a finished tool call's outcome, including any
// usage accrued by tools that themselves make LLM calls internally.
type ToolCallResult struct {
	Output              string
	IsError             bool
	Provider            string
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// EmitToolSpan records one tool call span.
func EmitToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, input string, result ToolCallResult) {
	traceID := TraceIDFromContext(ctx)
	collector := CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())
	limit := previewLimitFor(collector)

	span := SpanData{
		TraceID:       traceID,
		SpanType:      SpanTypeToolCall,
		Name:          toolName,
		StartTime:     start,
		EndTime:       &now,
		DurationMS:    dur,
		InputPreview:  truncate(input, limit),
		OutputPreview: truncate(result.Output, limit),
		Status:        SpanStatusCompleted,
		Level:         SpanLevelDefault,
		CreatedAt:     now,
	}
	if parentID := ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}
	if result.IsError {
		span.Status = SpanStatusError
		span.Error = truncate(result.Output, 200)
	}
	if result.InputTokens > 0 || result.OutputTokens > 0 {
		span.InputTokens = result.InputTokens
		span.OutputTokens = result.OutputTokens
		span.Provider = result.Provider
		span.Model = result.Model
		if result.CacheCreationTokens > 0 || result.CacheReadTokens > 0 {
			if b, err := json.Marshal(map[string]int{
				"cache_creation_tokens": result.CacheCreationTokens,
				"cache_read_tokens":     result.CacheReadTokens,
			}); err == nil {
				span.Metadata = b
			}
		}
	}

	collector.EmitSpan(span)
	_ = toolCallID
}

// AgentRunResult carries the outcome of a whole turn, for the root
// "agent" span that parents every LLM/tool span in that turn.
type AgentRunResult struct {
	Content string
	Err     error
}

// EmitAgentSpan records the root agent span parenting the turn. It uses
// ParentSpanIDFromContext as the span's own ID (the ID callers stamped
// their child spans' ParentSpanID with), so it must be called once per
// turn after EmitLLMSpan/EmitToolSpan have already fired for that turn.
func EmitAgentSpan(ctx context.Context, start time.Time, agentID string, model, provider string, result AgentRunResult) {
	traceID := TraceIDFromContext(ctx)
	collector := CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	agentSpanID := ParentSpanIDFromContext(ctx)
	if agentSpanID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())
	name := agentID

	span := SpanData{
		ID:         agentSpanID,
		TraceID:    traceID,
		SpanType:   SpanTypeAgent,
		Name:       name,
		StartTime:  start,
		EndTime:    &now,
		DurationMS: dur,
		Model:      model,
		Provider:   provider,
		Status:     SpanStatusCompleted,
		Level:      SpanLevelDefault,
		CreatedAt:  now,
	}
	if announceParent := AnnounceParentSpanIDFromContext(ctx); announceParent != uuid.Nil {
		span.ParentSpanID = &announceParent
		span.Name = "announce:" + name
	}

	if result.Err != nil {
		span.Status = SpanStatusError
		span.Error = result.Err.Error()
	} else {
		span.OutputPreview = truncate(result.Content, previewLimitFor(collector))
		// Token counts are deliberately left unset here: trace aggregation
		// sums only llm_call spans, so setting them here would double-count.
	}

	collector.EmitSpan(span)
}

func previewLimitFor(c Collector) int {
	if c.Verbose() {
		return 100000
	}
	return 500
}
