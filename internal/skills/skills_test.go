package skills

import (
	"testing"

	"github.com/brewva/brewva/internal/eventstore"
)

func TestActivate_UnknownSkillErrors(t *testing.T) {
	m := New(nil)
	if _, err := m.Activate("s1", "nope"); err == nil {
		t.Fatal("expected an error for an unregistered skill")
	}
}

func TestActivateThenComplete_ValidOutputsClearsActiveSkill(t *testing.T) {
	m := New(nil)
	m.RegisterContract(Contract{Name: "plan"})

	if _, err := m.Activate("s1", "plan"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ActiveSkill("s1"); !ok {
		t.Fatal("expected an active skill after Activate")
	}

	result, err := m.Complete("s1", map[string]interface{}{"summary": "done"}, []string{"summary"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Errorf("expected ok=true, got missing=%v", result.Missing)
	}
	if _, ok := m.ActiveSkill("s1"); ok {
		t.Error("expected active skill to be cleared after Complete")
	}
}

func TestComplete_ReportsMissingRequiredOutputs(t *testing.T) {
	m := New(nil)
	m.RegisterContract(Contract{Name: "plan"})
	if _, err := m.Activate("s1", "plan"); err != nil {
		t.Fatal(err)
	}

	result, err := m.Complete("s1", map[string]interface{}{}, []string{"summary", "nextSteps"})
	if err != nil {
		t.Fatal(err)
	}
	if result.OK {
		t.Error("expected ok=false for missing outputs")
	}
	if len(result.Missing) != 2 {
		t.Errorf("missing = %v, want 2 entries", result.Missing)
	}
}

func TestComplete_EmitsCompletionEvent(t *testing.T) {
	events := eventstore.New(t.TempDir(), true)
	m := New(events)
	m.RegisterContract(Contract{Name: "plan"})
	if _, err := m.Activate("s1", "plan"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Complete("s1", map[string]interface{}{}, nil); err != nil {
		t.Fatal(err)
	}

	recs, err := events.Query("s1", eventstore.QueryOpts{Type: "skill_completed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 skill_completed event, got %d", len(recs))
	}
}

func TestComplete_WithNoActiveSkill_ReturnsNotOK(t *testing.T) {
	m := New(nil)
	result, err := m.Complete("s1", map[string]interface{}{}, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}
	if result.OK {
		t.Error("expected ok=false with no active skill")
	}
}
