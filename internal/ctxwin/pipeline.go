package ctxwin

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/brewva/brewva/internal/ledger"
)

// PlanOpts configures Pipeline.Plan/PlanSupplementalInjection.
type PlanOpts struct {
	ScopeID string
	Usage   UsageState
}

// PlanResult is the outcome of a plan call.
type PlanResult struct {
	Accepted       bool
	Text           string
	OriginalTokens int
	FinalTokens    int
	Truncated      bool
	DroppedReason  string
}

// MarkCompactedInput configures Pipeline.MarkCompacted.
type MarkCompactedInput struct {
	FromTokens int
	ToTokens   int
	EntryID    string
	Summary    string
}

// Budget configures the pipeline's global caps. Budget.Enabled == false
// removes MaxInjectionTokens while preserving zone floors/ceilings and
// dedup/compaction semantics, per spec.md §4.6.
type Budget struct {
	Enabled            bool                `json:"enabled"`
	MaxInjectionTokens int                 `json:"maxInjectionTokens,omitempty"`
	HardLimitPercent   float64             `json:"hardLimitPercent,omitempty"`
	ZoneBudgets        map[Zone]ZoneBudget `json:"zoneBudgets,omitempty"`
}

// CompactionPolicy configures ShouldRequestCompaction.
type CompactionPolicy struct {
	ThresholdPercent      float64 `json:"thresholdPercent,omitempty"`
	MinTurnsBetween       int     `json:"minTurnsBetween,omitempty"`
	PressureBypassPercent float64 `json:"pressureBypassPercent,omitempty"`
}

type scopeState struct {
	fingerprints   map[string]bool // "scopeId:fingerprint" -> committed
	reservedTokens int
}

// Pipeline is the per-workspace context injection pipeline. It owns no
// file state directly; markCompacted emits a context_compacted row into
// the evidence ledger it was constructed with.
type Pipeline struct {
	arena  *Arena
	ledger *ledger.Ledger
	budget Budget
	policy CompactionPolicy

	mu     sync.Mutex
	states map[string]*scopeState // sessionId -> state
}

// NewPipeline creates a pipeline backed by arena for entry bookkeeping and
// ledger for context_compacted evidence rows.
func NewPipeline(arena *Arena, led *ledger.Ledger, budget Budget, policy CompactionPolicy) *Pipeline {
	return &Pipeline{
		arena:  arena,
		ledger: led,
		budget: budget,
		policy: policy,
		states: make(map[string]*scopeState),
	}
}

func (p *Pipeline) stateFor(sessionID string) *scopeState {
	s, ok := p.states[sessionID]
	if !ok {
		s = &scopeState{fingerprints: make(map[string]bool)}
		p.states[sessionID] = s
	}
	return s
}

// Plan assembles candidates into one injection, applying the zone
// allocator, the global token caps, and scope/fingerprint dedup against
// prior commits. Tokens are reserved (not yet committed) until Commit.
func (p *Pipeline) Plan(sessionID string, candidates []Entry, opts PlanOpts) PlanResult {
	return p.plan(sessionID, candidates, opts, false)
}

// PlanSupplementalInjection runs the same flow as Plan for non-primary
// injections (extensions, memory handoffs), sharing the same per-turn
// budget and scope as primary injections.
func (p *Pipeline) PlanSupplementalInjection(sessionID string, candidates []Entry, opts PlanOpts) PlanResult {
	return p.plan(sessionID, candidates, opts, true)
}

func (p *Pipeline) plan(sessionID string, candidates []Entry, opts PlanOpts, supplemental bool) PlanResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.stateFor(sessionID)

	originalTokens := 0
	for _, c := range candidates {
		originalTokens += c.EstimatedTokens
	}

	// Dedup by (scopeId, fingerprint of the whole candidate set) against
	// prior commits this session: a plan whose scope and candidates match
	// an earlier commit exactly is rejected outright. Candidates are not
	// compared one by one, and a plan with an empty scopeId is never
	// deduplicated.
	key := fingerprintKey(opts.ScopeID, candidates)
	if key != "" && state.fingerprints[key] {
		return PlanResult{Accepted: false, DroppedReason: "duplicate_content"}
	}

	if p.budget.Enabled && p.budget.HardLimitPercent > 0 && opts.Usage.Percent >= p.budget.HardLimitPercent {
		return PlanResult{Accepted: false, DroppedReason: "usage_over_hard_limit"}
	}

	demands := make(map[Zone]int)
	bySourceText := make(map[Zone][]Entry)
	for _, c := range candidates {
		demands[c.Zone] += c.EstimatedTokens
		bySourceText[c.Zone] = append(bySourceText[c.Zone], c)
	}

	totalBudget := originalTokens
	if p.budget.Enabled && p.budget.MaxInjectionTokens > 0 && p.budget.MaxInjectionTokens < totalBudget {
		totalBudget = p.budget.MaxInjectionTokens
	}

	alloc := Allocate(totalBudget, demands, p.budget.ZoneBudgets)
	if !alloc.Accepted {
		return PlanResult{Accepted: false, DroppedReason: alloc.Reason}
	}

	var sb strings.Builder
	finalTokens := 0
	truncated := false
	for _, z := range ZoneOrder {
		budget := alloc.Alloc[z]
		if budget <= 0 {
			continue
		}
		used := 0
		for _, e := range bySourceText[z] {
			if used >= budget {
				truncated = true
				break
			}
			content := e.Content
			tokens := e.EstimatedTokens
			if used+tokens > budget {
				content = truncateContent(content, budget-used, z)
				tokens = budget - used
				truncated = true
			}
			if tokens <= 0 {
				continue
			}
			sb.WriteString(content)
			sb.WriteString("\n")
			used += tokens
		}
		finalTokens += used
	}

	if !supplemental {
		state.reservedTokens = finalTokens
	} else {
		state.reservedTokens += finalTokens
	}

	return PlanResult{
		Accepted:       true,
		Text:           sb.String(),
		OriginalTokens: originalTokens,
		FinalTokens:    finalTokens,
		Truncated:      truncated,
	}
}

// Commit consumes the outstanding reservation for sessionId/scopeId and
// marks its fingerprint as committed, making a subsequent identical plan
// return duplicate_content until a compaction.
func (p *Pipeline) Commit(sessionID string, tokens int, scopeID string, candidates []Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.stateFor(sessionID)
	state.reservedTokens = 0

	if key := fingerprintKey(scopeID, candidates); key != "" {
		state.fingerprints[key] = true
	}
}

// ClearPending releases an uncommitted reservation, e.g. on turn abort.
func (p *Pipeline) ClearPending(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFor(sessionID).reservedTokens = 0
}

// MarkCompacted clears per-scope fingerprints (allowing re-injection of
// previously-deduplicated content), resets the reservation, clears the
// session's arena, and emits a context_compacted row into the ledger.
func (p *Pipeline) MarkCompacted(sessionID string, in MarkCompactedInput) error {
	p.mu.Lock()
	state := p.stateFor(sessionID)
	state.fingerprints = make(map[string]bool)
	state.reservedTokens = 0
	p.mu.Unlock()

	if p.arena != nil {
		p.arena.Clear(sessionID)
	}

	if p.ledger == nil {
		return nil
	}
	_, err := p.ledger.Append(ledger.AppendInput{
		SessionID: sessionID,
		Tool:      "context_compacted",
		Verdict:   ledger.VerdictInconclusive,
		Metadata: map[string]interface{}{
			"fromTokens": in.FromTokens,
			"toTokens":   in.ToTokens,
			"entryId":    in.EntryID,
			"summary":    in.Summary,
		},
	})
	return err
}

// ShouldRequestCompaction returns true iff usage.percent is at or beyond
// the configured threshold AND (enough turns have passed since the last
// compaction OR usage has crossed the pressure-bypass threshold).
func (p *Pipeline) ShouldRequestCompaction(usage UsageState) bool {
	if usage.Percent < p.policy.ThresholdPercent {
		return false
	}
	if usage.TurnsSinceLastCompact >= p.policy.MinTurnsBetween {
		return true
	}
	return usage.Percent >= p.policy.PressureBypassPercent
}

func fingerprintKey(scopeID string, candidates []Entry) string {
	if scopeID == "" {
		return ""
	}
	h := sha256.New()
	for _, c := range candidates {
		h.Write([]byte(c.Zone))
		h.Write([]byte{0})
		h.Write([]byte(c.Content))
		h.Write([]byte{0})
	}
	return scopeID + ":" + hex.EncodeToString(h.Sum(nil))
}

func truncateContent(content string, budgetTokens int, zone Zone) string {
	// A rough chars-per-token estimate keeps this self-contained; callers
	// that need exact tokenization truncate before handing entries to
	// the pipeline. memory_recall honors the configured strategy only in
	// its "tail" form here — summarize/drop-entry are caller concerns
	// since they require model or storage access this package doesn't have.
	maxChars := budgetTokens * 4
	if maxChars < 0 {
		maxChars = 0
	}
	if len(content) <= maxChars {
		return content
	}
	if zone == ZoneMemoryRecall {
		if maxChars > len(content) {
			maxChars = len(content)
		}
		return content[len(content)-maxChars:]
	}
	return content[:maxChars]
}
