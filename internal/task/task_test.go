package task

import (
	"testing"

	"github.com/brewva/brewva/internal/eventstore"
)

func TestReduce_FoldsSpecStatusAndItems(t *testing.T) {
	events := []Event{
		{Kind: EventSpecSet, Timestamp: 1, Spec: "build a widget"},
		{Kind: EventStatusSet, Timestamp: 2, Status: "in_progress"},
		{Kind: EventItemAdded, Timestamp: 3, Item: Item{ID: "i1", Text: "write tests", Status: "pending"}},
		{Kind: EventItemUpdated, Timestamp: 4, Item: Item{ID: "i1", Text: "write tests", Status: "done"}},
	}

	state := Reduce(events)
	if state.Spec != "build a widget" {
		t.Errorf("spec = %q", state.Spec)
	}
	if state.Status != "in_progress" {
		t.Errorf("status = %q", state.Status)
	}
	if len(state.Items) != 1 || state.Items[0].Status != "done" {
		t.Errorf("items = %+v, want 1 item with status done", state.Items)
	}
	if state.UpdatedAt != 4 {
		t.Errorf("updatedAt = %d, want 4", state.UpdatedAt)
	}
}

func TestReduce_ItemUpdated_UnknownIDIsNoop(t *testing.T) {
	events := []Event{
		{Kind: EventItemAdded, Timestamp: 1, Item: Item{ID: "i1", Text: "a", Status: "pending"}},
		{Kind: EventItemUpdated, Timestamp: 2, Item: Item{ID: "i2", Text: "b", Status: "done"}},
	}
	state := Reduce(events)
	if len(state.Items) != 1 || state.Items[0].ID != "i1" {
		t.Errorf("expected item i1 untouched, got %+v", state.Items)
	}
}

func TestReduce_BlockerRecordedThenResolved(t *testing.T) {
	events := []Event{
		{Kind: EventBlockerRecorded, Timestamp: 1, BlockerID: "b1", Reason: "missing evidence"},
		{Kind: EventBlockerResolved, Timestamp: 2, BlockerID: "b1"},
	}
	state := Reduce(events)
	if len(state.Blockers) != 1 || !state.Blockers[0].Resolved {
		t.Errorf("expected b1 resolved, got %+v", state.Blockers)
	}
}

func TestReduce_BlockerRecordedTwice_UpdatesReasonInPlace(t *testing.T) {
	events := []Event{
		{Kind: EventBlockerRecorded, Timestamp: 1, BlockerID: "b1", Reason: "first"},
		{Kind: EventBlockerRecorded, Timestamp: 2, BlockerID: "b1", Reason: "second"},
	}
	state := Reduce(events)
	if len(state.Blockers) != 1 {
		t.Fatalf("expected blocker recorded once, got %d", len(state.Blockers))
	}
	if state.Blockers[0].Reason != "second" || state.Blockers[0].Resolved {
		t.Errorf("blocker = %+v, want reason=second resolved=false", state.Blockers[0])
	}
}

func TestManagerAppend_AccumulatesAndEmitsEvent(t *testing.T) {
	events := eventstore.New(t.TempDir(), true)
	m := New(events)

	state, err := m.Append("s1", Event{Kind: EventSpecSet, Timestamp: 1, Spec: "ship it"})
	if err != nil {
		t.Fatal(err)
	}
	if state.Spec != "ship it" {
		t.Errorf("spec = %q", state.Spec)
	}

	recs, err := events.Query("s1", eventstore.QueryOpts{Type: "task_event"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 task_event, got %d", len(recs))
	}
}

func TestManagerState_ReflectsAllAppendedEvents(t *testing.T) {
	m := New(nil)
	m.Append("s1", Event{Kind: EventStatusSet, Timestamp: 1, Status: "planning"})
	m.Append("s1", Event{Kind: EventStatusSet, Timestamp: 2, Status: "executing"})

	if got := m.State("s1").Status; got != "executing" {
		t.Errorf("status = %q, want executing", got)
	}
}

func TestManagerState_SeparateSessionsDoNotShareState(t *testing.T) {
	m := New(nil)
	m.Append("s1", Event{Kind: EventSpecSet, Timestamp: 1, Spec: "spec one"})
	m.Append("s2", Event{Kind: EventSpecSet, Timestamp: 1, Spec: "spec two"})

	if m.State("s1").Spec != "spec one" || m.State("s2").Spec != "spec two" {
		t.Errorf("session state leaked: s1=%q s2=%q", m.State("s1").Spec, m.State("s2").Spec)
	}
}

func TestReconcileVerification_FailingCheckCreatesFactAndBlocker(t *testing.T) {
	m := New(nil)
	if err := m.ReconcileVerification("s1", []CheckOutcome{{Name: "lsp_diagnostics", OK: false}}, 10); err != nil {
		t.Fatal(err)
	}

	facts := m.TruthFacts("s1")
	if len(facts) != 1 || facts[0].Status != StatusActive || facts[0].ID != "truth:verifier:lsp_diagnostics" {
		t.Errorf("unexpected truth facts: %+v", facts)
	}

	blockers := m.State("s1").Blockers
	if len(blockers) != 1 || blockers[0].ID != "verifier:lsp_diagnostics" || blockers[0].Resolved {
		t.Errorf("unexpected blockers: %+v", blockers)
	}
}

func TestReconcileVerification_PassingCheckResolvesFactAndBlocker(t *testing.T) {
	m := New(nil)
	m.ReconcileVerification("s1", []CheckOutcome{{Name: "lsp_diagnostics", OK: false}}, 10)
	m.ReconcileVerification("s1", []CheckOutcome{{Name: "lsp_diagnostics", OK: true}}, 20)

	facts := m.TruthFacts("s1")
	if len(facts) != 1 || facts[0].Status != StatusResolved {
		t.Errorf("expected fact resolved, got %+v", facts)
	}

	blockers := m.State("s1").Blockers
	if len(blockers) != 1 || !blockers[0].Resolved {
		t.Errorf("expected blocker resolved, got %+v", blockers)
	}
}
