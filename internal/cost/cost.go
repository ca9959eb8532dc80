// Package cost implements assistant-usage cost accounting per spec.md
// §4.7: recordAssistantUsage appends a ledger row tagged brewva_cost,
// allocates it proportionally across the current turn's tool calls, and
// can trip a tool-access block once a session's spend ceiling is crossed.
package cost

import (
	"sync"

	"github.com/brewva/brewva/internal/ledger"
)

// brewva_cost rows are tagged with this tool name so digest builders can
// exclude them from evidence summaries (per spec.md §4.7).
const CostLedgerTool = "brewva_cost"

// ActionOnExceed names what happens once a session's cost ceiling is
// crossed.
type ActionOnExceed string

const (
	ActionNone       ActionOnExceed = "none"
	ActionBlockTools ActionOnExceed = "block_tools"
)

// UsageInput is the caller-supplied shape for RecordAssistantUsage.
type UsageInput struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CacheRead    int
	CacheWrite   int
	TotalTokens  int
	CostUsd      float64
	StopReason   string
}

// ToolsBlocker is the narrow interface cost needs from the tool access
// gate to trip a block on overspend. Kept as an interface so this package
// doesn't import toolaccess directly.
type ToolsBlocker interface {
	BlockToolsForCost(sessionID string, blocked bool)
}

// Manager tracks per-session cost accounting.
type Manager struct {
	ledger               *ledger.Ledger
	blocker              ToolsBlocker
	maxCostUsdPerSession float64
	actionOnExceed       ActionOnExceed

	mu            sync.Mutex
	totalCostUsd  map[string]float64
	callsThisTurn map[string]int
}

// New creates a cost manager. blocker may be nil if tool blocking on
// overspend is not wired (maxCostUsdPerSession <= 0 disables the check
// entirely).
func New(led *ledger.Ledger, blocker ToolsBlocker, maxCostUsdPerSession float64, actionOnExceed ActionOnExceed) *Manager {
	return &Manager{
		ledger:               led,
		blocker:              blocker,
		maxCostUsdPerSession: maxCostUsdPerSession,
		actionOnExceed:       actionOnExceed,
		totalCostUsd:         make(map[string]float64),
		callsThisTurn:        make(map[string]int),
	}
}

// MarkCall records that one tool call happened in the current turn, for
// proportional cost allocation at the next RecordAssistantUsage.
func (m *Manager) MarkCall(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callsThisTurn[sessionID]++
}

// ResetTurn clears the current turn's call count, call at turn boundary.
func (m *Manager) ResetTurn(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callsThisTurn, sessionID)
}

// TotalCostUsd returns a session's running total spend.
func (m *Manager) TotalCostUsd(sessionID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCostUsd[sessionID]
}

// RecordAssistantUsage appends a brewva_cost ledger row, allocates the
// cost proportionally across this turn's tool calls, accumulates the
// session total, and trips a tool-access block if the ceiling is crossed.
func (m *Manager) RecordAssistantUsage(sessionID string, turn int, usage UsageInput) error {
	m.mu.Lock()
	calls := m.callsThisTurn[sessionID]
	m.totalCostUsd[sessionID] += usage.CostUsd
	total := m.totalCostUsd[sessionID]
	m.mu.Unlock()

	perCall := 0.0
	if calls > 0 {
		perCall = usage.CostUsd / float64(calls)
	}

	if m.ledger != nil {
		if _, err := m.ledger.Append(ledger.AppendInput{
			SessionID: sessionID,
			Turn:      turn,
			Tool:      CostLedgerTool,
			Verdict:   ledger.VerdictInconclusive,
			Metadata: map[string]interface{}{
				"model":            usage.Model,
				"inputTokens":      usage.InputTokens,
				"outputTokens":     usage.OutputTokens,
				"cacheRead":        usage.CacheRead,
				"cacheWrite":       usage.CacheWrite,
				"totalTokens":      usage.TotalTokens,
				"costUsd":          usage.CostUsd,
				"stopReason":       usage.StopReason,
				"toolCallsInTurn":  calls,
				"allocatedPerCall": perCall,
			},
		}); err != nil {
			return err
		}
	}

	if m.maxCostUsdPerSession > 0 && total > m.maxCostUsdPerSession && m.actionOnExceed == ActionBlockTools && m.blocker != nil {
		m.blocker.BlockToolsForCost(sessionID, true)
	}

	return nil
}
