package cost

import (
	"testing"

	"github.com/brewva/brewva/internal/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(t.TempDir())
}

type fakeBlocker struct {
	blocked map[string]bool
}

func newFakeBlocker() *fakeBlocker { return &fakeBlocker{blocked: make(map[string]bool)} }

func (f *fakeBlocker) BlockToolsForCost(sessionID string, blocked bool) {
	f.blocked[sessionID] = blocked
}

func TestRecordAssistantUsage_AppendsLedgerRow(t *testing.T) {
	led := newTestLedger(t)
	m := New(led, nil, 0, ActionNone)

	if err := m.RecordAssistantUsage("s1", 1, UsageInput{
		Model:        "claude",
		InputTokens:  100,
		OutputTokens: 50,
		TotalTokens:  150,
		CostUsd:      0.01,
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := led.Rows("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(rows))
	}
	if rows[0].Tool != CostLedgerTool {
		t.Errorf("tool = %q, want %q", rows[0].Tool, CostLedgerTool)
	}
}

func TestRecordAssistantUsage_AllocatesProportionallyAcrossTurnCalls(t *testing.T) {
	led := newTestLedger(t)
	m := New(led, nil, 0, ActionNone)

	m.MarkCall("s1")
	m.MarkCall("s1")
	m.MarkCall("s1")

	if err := m.RecordAssistantUsage("s1", 1, UsageInput{CostUsd: 0.09}); err != nil {
		t.Fatal(err)
	}

	rows, err := led.Rows("s1")
	if err != nil {
		t.Fatal(err)
	}
	perCall, _ := rows[0].Metadata["allocatedPerCall"].(float64)
	if perCall < 0.029 || perCall > 0.031 {
		t.Errorf("allocatedPerCall = %v, want ~0.03", perCall)
	}
	calls, _ := rows[0].Metadata["toolCallsInTurn"].(float64)
	if calls != 3 {
		t.Errorf("toolCallsInTurn = %v, want 3", calls)
	}
}

func TestRecordAssistantUsage_ZeroCallsThisTurn_AllocatesZero(t *testing.T) {
	led := newTestLedger(t)
	m := New(led, nil, 0, ActionNone)

	if err := m.RecordAssistantUsage("s1", 1, UsageInput{CostUsd: 0.05}); err != nil {
		t.Fatal(err)
	}

	rows, _ := led.Rows("s1")
	perCall, _ := rows[0].Metadata["allocatedPerCall"].(float64)
	if perCall != 0 {
		t.Errorf("allocatedPerCall = %v, want 0 with no calls this turn", perCall)
	}
}

func TestResetTurn_ClearsCallCountForNextTurn(t *testing.T) {
	led := newTestLedger(t)
	m := New(led, nil, 0, ActionNone)

	m.MarkCall("s1")
	m.MarkCall("s1")
	m.ResetTurn("s1")

	if err := m.RecordAssistantUsage("s1", 2, UsageInput{CostUsd: 0.04}); err != nil {
		t.Fatal(err)
	}
	rows, _ := led.Rows("s1")
	calls, _ := rows[0].Metadata["toolCallsInTurn"].(float64)
	if calls != 0 {
		t.Errorf("toolCallsInTurn = %v, want 0 after ResetTurn", calls)
	}
}

func TestRecordAssistantUsage_AccumulatesTotalAcrossCalls(t *testing.T) {
	led := newTestLedger(t)
	m := New(led, nil, 0, ActionNone)

	m.RecordAssistantUsage("s1", 1, UsageInput{CostUsd: 0.10})
	m.RecordAssistantUsage("s1", 2, UsageInput{CostUsd: 0.15})

	if got := m.TotalCostUsd("s1"); got < 0.249 || got > 0.251 {
		t.Errorf("TotalCostUsd = %v, want ~0.25", got)
	}
}

func TestRecordAssistantUsage_ExceedsCeiling_BlocksTools(t *testing.T) {
	led := newTestLedger(t)
	blocker := newFakeBlocker()
	m := New(led, blocker, 1.0, ActionBlockTools)

	if err := m.RecordAssistantUsage("s1", 1, UsageInput{CostUsd: 1.50}); err != nil {
		t.Fatal(err)
	}
	if !blocker.blocked["s1"] {
		t.Error("expected BlockToolsForCost(s1, true) once ceiling exceeded")
	}
}

func TestRecordAssistantUsage_UnderCeiling_DoesNotBlock(t *testing.T) {
	led := newTestLedger(t)
	blocker := newFakeBlocker()
	m := New(led, blocker, 10.0, ActionBlockTools)

	if err := m.RecordAssistantUsage("s1", 1, UsageInput{CostUsd: 0.50}); err != nil {
		t.Fatal(err)
	}
	if blocker.blocked["s1"] {
		t.Error("did not expect tools blocked while under ceiling")
	}
}

func TestRecordAssistantUsage_ExceedsCeilingButActionNone_DoesNotBlock(t *testing.T) {
	led := newTestLedger(t)
	blocker := newFakeBlocker()
	m := New(led, blocker, 1.0, ActionNone)

	if err := m.RecordAssistantUsage("s1", 1, UsageInput{CostUsd: 5.0}); err != nil {
		t.Fatal(err)
	}
	if blocker.blocked["s1"] {
		t.Error("actionOnExceed=none must never block tools")
	}
}

func TestRecordAssistantUsage_SeparateSessionsTrackIndependently(t *testing.T) {
	led := newTestLedger(t)
	blocker := newFakeBlocker()
	m := New(led, blocker, 1.0, ActionBlockTools)

	m.RecordAssistantUsage("s1", 1, UsageInput{CostUsd: 2.0})
	m.RecordAssistantUsage("s2", 1, UsageInput{CostUsd: 0.1})

	if !blocker.blocked["s1"] {
		t.Error("expected s1 blocked")
	}
	if blocker.blocked["s2"] {
		t.Error("s2 should be unaffected by s1's spend")
	}
}
