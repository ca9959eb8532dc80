// Package toolaccess implements the tool access gate described by
// spec.md §4.7: checkAccess evaluates a tool call against the active
// skill's contract and the configured security mode, in "standard" mode
// warning-and-allowing violations and in "strict" mode blocking them
// (except a reserved lifecycle tool set).
package toolaccess

import (
	"fmt"
	"sync"

	"github.com/brewva/brewva/internal/eventstore"
)

// Mode is the configured security posture.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeStrict   Mode = "strict"
)

// reservedLifecycleTools are always allowed in strict mode regardless of
// contract violations, per spec.md §4.7.
var reservedLifecycleTools = map[string]bool{
	"skill_complete":      true,
	"skill_load":          true,
	"cost_view":           true,
	"tape_handoff":        true,
	"tape_info":           true,
	"tape_search":         true,
	"session_compact":     true,
	"rollback_last_patch": true,
}

// Contract is the subset of a skill's contract the gate needs.
type Contract struct {
	Required     []string
	Optional     []string
	MaxToolCalls int
	MaxTokens    int
	MaxParallel  int
}

// Result is the outcome of CheckAccess.
type Result struct {
	Allowed bool
	Reason  string
}

// sessionCounters tracks per-session call/token/parallel usage against the
// active contract.
type sessionCounters struct {
	toolCalls   int
	tokensUsed  int
	inFlight    int
	costBlocked bool
}

// Gate evaluates tool access for a session.
type Gate struct {
	mode   Mode
	events *eventstore.Store

	mu       sync.Mutex
	counters map[string]*sessionCounters
	dedup    map[string]bool // sessionId+":"+key -> already warned this process
}

// New creates a gate. events is used for dedup-key persistence across
// restarts (consulted, not written to, by HasWarned) and may be nil.
func New(mode Mode, events *eventstore.Store) *Gate {
	return &Gate{
		mode:     mode,
		events:   events,
		counters: make(map[string]*sessionCounters),
		dedup:    make(map[string]bool),
	}
}

func (g *Gate) countersFor(sessionID string) *sessionCounters {
	c, ok := g.counters[sessionID]
	if !ok {
		c = &sessionCounters{}
		g.counters[sessionID] = c
	}
	return c
}

// MarkCall records one tool call and its token cost against sessionId's
// active contract counters. Call before CheckAccess for the next call.
func (g *Gate) MarkCall(sessionID string, tokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.countersFor(sessionID)
	c.toolCalls++
	c.tokensUsed += tokens
}

// BlockToolsForCost flags sessionId as having exceeded its cost ceiling,
// per spec.md §4.7's recordAssistantUsage/actionOnExceed == "block_tools".
// Subsequent CheckAccess calls for non-lifecycle tools return
// allowed=false until cleared.
func (g *Gate) BlockToolsForCost(sessionID string, blocked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.countersFor(sessionID).costBlocked = blocked
}

// CheckAccess evaluates whether tool may be called in sessionId under
// contract. A nil contract means no restriction beyond cost blocking.
func (g *Gate) CheckAccess(sessionID, tool string, contract *Contract) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.countersFor(sessionID)

	if c.costBlocked && !reservedLifecycleTools[tool] {
		return Result{Allowed: false, Reason: "cost_exceeded"}
	}

	if contract == nil {
		return Result{Allowed: true}
	}

	if reason := violatesContract(tool, contract, c); reason != "" {
		return g.enforce(sessionID, tool, reason)
	}

	return Result{Allowed: true}
}

func violatesContract(tool string, contract *Contract, c *sessionCounters) string {
	if !inSet(tool, contract.Required) && !inSet(tool, contract.Optional) && len(contract.Required)+len(contract.Optional) > 0 {
		return "tool_not_in_contract"
	}
	if contract.MaxToolCalls > 0 && c.toolCalls >= contract.MaxToolCalls {
		return "max_tool_calls_exceeded"
	}
	if contract.MaxTokens > 0 && c.tokensUsed >= contract.MaxTokens {
		return "max_tokens_exceeded"
	}
	if contract.MaxParallel > 0 && c.inFlight >= contract.MaxParallel {
		return "max_parallel_exceeded"
	}
	return ""
}

// enforce applies the mode's policy for a violation: standard
// warn-and-allow (deduped), strict block (except reserved lifecycle
// tools, already checked by the caller).
func (g *Gate) enforce(sessionID, tool, reason string) Result {
	if reservedLifecycleTools[tool] {
		return Result{Allowed: true}
	}

	if g.mode == ModeStrict {
		return Result{Allowed: false, Reason: reason}
	}

	g.warnOnce(sessionID, tool, reason)
	return Result{Allowed: true, Reason: reason}
}

func (g *Gate) warnOnce(sessionID, tool, reason string) {
	key := sessionID + ":" + tool + ":" + reason
	if g.dedup[key] {
		return
	}
	g.dedup[key] = true

	if g.events == nil {
		return
	}
	_, _ = g.events.Append(eventstore.AppendInput{
		SessionID: sessionID,
		Type:      "tool_access_warning",
		Payload: map[string]interface{}{
			"tool":      tool,
			"reason":    reason,
			"dedupeKey": key,
		},
	})
}

// HasWarned reports whether sessionId has already been warned for
// tool/reason, consulting the event store so dedup keys survive a
// process restart.
func (g *Gate) HasWarned(sessionID, tool, reason string) (bool, error) {
	g.mu.Lock()
	key := sessionID + ":" + tool + ":" + reason
	if g.dedup[key] {
		g.mu.Unlock()
		return true, nil
	}
	g.mu.Unlock()

	if g.events == nil {
		return false, nil
	}
	recs, err := g.events.Query(sessionID, eventstore.QueryOpts{Type: "tool_access_warning"})
	if err != nil {
		return false, fmt.Errorf("toolaccess: query dedup history: %w", err)
	}
	for _, r := range recs {
		if payload, ok := r.Payload.(map[string]interface{}); ok {
			if payload["dedupeKey"] == key {
				g.mu.Lock()
				g.dedup[key] = true
				g.mu.Unlock()
				return true, nil
			}
		}
	}
	return false, nil
}

func inSet(s string, set []string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
