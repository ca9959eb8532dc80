// Package tracing collects turn lifecycle spans (agent run, LLM call,
// tool call) and exports them via OpenTelemetry. Grounded on the usage
// contract in the teacher's internal/agent/loop_tracing.go
// (emitLLMSpan/emitToolSpan/emitAgentSpan, store.SpanData, context
// accessors, verbose/preview truncation) — the tracing package and
// store.SpanData type themselves are referenced but never defined
// anywhere in the retrieved pack, so both are rebuilt here on top of
// go.opentelemetry.io/otel instead of the teacher's Postgres span table.
package tracing

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// SpanType classifies a recorded span.
type SpanType string

const (
	SpanTypeAgent   SpanType = "agent"
	SpanTypeLLMCall SpanType = "llm_call"
	SpanTypeToolCall SpanType = "tool_call"
)

// SpanStatus is the terminal outcome of a span.
type SpanStatus string

const (
	SpanStatusCompleted SpanStatus = "completed"
	SpanStatusError      SpanStatus = "error"
)

// SpanLevel mirrors OTel's severity-ish level tagging on spans.
type SpanLevel string

const (
	SpanLevelDefault SpanLevel = "DEFAULT"
	SpanLevelDebug   SpanLevel = "DEBUG"
)

// SpanData is the fully-populated record handed to a Collector. Preview
// fields are truncated before being stored; Metadata carries sparse
// extras (cache token counts) as raw JSON rather than named fields.
type SpanData struct {
	ID           uuid.UUID
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID
	AgentID      *uuid.UUID

	SpanType SpanType
	Name     string

	StartTime  time.Time
	EndTime    *time.Time
	DurationMS int

	Model    string
	Provider string

	InputTokens  int
	OutputTokens int

	InputPreview  string
	OutputPreview string
	FinishReason  string

	Status SpanStatus
	Level  SpanLevel
	Error  string

	Metadata json.RawMessage

	CreatedAt time.Time
}

// truncate strips invalid UTF-8 and cuts s to at most maxLen bytes
// without splitting a multi-byte rune, appending "..." when cut.
func truncate(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

// EstimateTokens returns a rough token estimate for a set of text blocks,
// used for summarization thresholds and adaptive throttling.
func EstimateTokens(texts []string) int {
	total := 0
	for _, t := range texts {
		total += utf8.RuneCountInString(t) / 3
	}
	return total
}
