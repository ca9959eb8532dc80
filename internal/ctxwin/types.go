// Package ctxwin implements the context arena, zone allocator, and
// injection pipeline described by spec.md §4.5/§4.6: a per-session bounded
// buffer of prioritized injection blocks, budgeted across fixed zones,
// deduplicated by content fingerprint across turns.
package ctxwin

// Zone is one of the fixed context budget categories, in descending
// allocation priority.
type Zone string

const (
	ZoneIdentity      Zone = "identity"
	ZoneTruth         Zone = "truth"
	ZoneTaskState     Zone = "task_state"
	ZoneToolFailures  Zone = "tool_failures"
	ZoneMemoryWorking Zone = "memory_working"
	ZoneMemoryRecall  Zone = "memory_recall"
	ZoneRagExternal   Zone = "rag_external"
)

// ZoneOrder is the fixed descending-priority allocation order.
var ZoneOrder = []Zone{
	ZoneIdentity,
	ZoneTruth,
	ZoneTaskState,
	ZoneToolFailures,
	ZoneMemoryWorking,
	ZoneMemoryRecall,
	ZoneRagExternal,
}

// Priority is an injection entry's eviction priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// TruncateStrategy controls how an oversize memory_recall block is cut
// down to fit its zone's remaining budget.
type TruncateStrategy string

const (
	TruncateTail      TruncateStrategy = "tail"
	TruncateSummarize TruncateStrategy = "summarize"
	TruncateDropEntry TruncateStrategy = "drop-entry"
)

// Entry is one candidate or committed injection block.
type Entry struct {
	Source          string
	ID              string
	Priority        Priority
	Zone            Zone
	Content         string
	EstimatedTokens int
	OncePerSession  bool
}

// ZoneBudget is one zone's floor/ceiling.
type ZoneBudget struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// UsageState summarizes current context-window pressure, as supplied by
// the caller ahead of a plan/shouldRequestCompaction call.
type UsageState struct {
	Percent               float64
	TurnsSinceLastCompact int
}
