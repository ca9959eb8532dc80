package ctxwin

import "testing"

func TestArena_AddsWithinCapacityWithoutEviction(t *testing.T) {
	a := NewArena(3, PolicyDropLowPriority)

	if evt := a.Add("s1", Entry{ID: "1", Zone: ZoneIdentity, Priority: PriorityNormal}); evt != nil {
		t.Errorf("expected no eviction, got %+v", evt)
	}
	if got := len(a.Entries("s1")); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}

func TestArena_DropLowPriority_EvictsLowBeforeNormal(t *testing.T) {
	a := NewArena(2, PolicyDropLowPriority)
	a.Add("s1", Entry{ID: "low", Priority: PriorityLow})
	a.Add("s1", Entry{ID: "normal", Priority: PriorityNormal})

	evt := a.Add("s1", Entry{ID: "new", Priority: PriorityNormal})
	if evt == nil {
		t.Fatal("expected an eviction event")
	}
	if len(evt.Dropped) != 1 || evt.Dropped[0].ID != "low" {
		t.Errorf("expected to drop the low-priority entry, got %+v", evt.Dropped)
	}

	ids := idsOf(a.Entries("s1"))
	if contains(ids, "low") {
		t.Error("low-priority entry should have been evicted")
	}
}

func TestArena_DropLowPriority_NeverEvictsCritical(t *testing.T) {
	a := NewArena(1, PolicyDropLowPriority)
	a.Add("s1", Entry{ID: "critical", Priority: PriorityCritical})

	evt := a.Add("s1", Entry{ID: "new", Priority: PriorityNormal})
	if evt == nil {
		t.Fatal("expected an eviction event")
	}
	// Nothing evictable (only a critical entry exists), so the incoming
	// entry itself is dropped instead.
	if len(evt.Dropped) != 1 || evt.Dropped[0].ID != "new" {
		t.Errorf("expected incoming entry to be dropped, got %+v", evt.Dropped)
	}
	ids := idsOf(a.Entries("s1"))
	if !contains(ids, "critical") {
		t.Error("critical entry must never be evicted")
	}
}

func TestArena_DropRecall_EvictsOldestRecall(t *testing.T) {
	a := NewArena(2, PolicyDropRecall)
	a.Add("s1", Entry{ID: "recall1", Zone: ZoneMemoryRecall})
	a.Add("s1", Entry{ID: "other", Zone: ZoneIdentity})

	evt := a.Add("s1", Entry{ID: "new", Zone: ZoneTruth})
	if evt == nil {
		t.Fatal("expected an eviction event")
	}
	if len(evt.Dropped) != 1 || evt.Dropped[0].ID != "recall1" {
		t.Errorf("expected to evict recall entry, got %+v", evt.Dropped)
	}
}

func TestArena_DropRecall_NoRecallExists_IncomingIsRecall_DropsIncoming(t *testing.T) {
	a := NewArena(1, PolicyDropRecall)
	a.Add("s1", Entry{ID: "identity", Zone: ZoneIdentity, Priority: PriorityCritical})

	evt := a.Add("s1", Entry{ID: "newrecall", Zone: ZoneMemoryRecall})
	if evt == nil {
		t.Fatal("expected an eviction event")
	}
	if len(evt.Dropped) != 1 || evt.Dropped[0].ID != "newrecall" {
		t.Errorf("expected incoming recall entry to be dropped, got %+v", evt.Dropped)
	}
}

func TestArena_ForceCompact_ClearsAllAndAcceptsIncoming(t *testing.T) {
	a := NewArena(2, PolicyForceCompact)
	a.Add("s1", Entry{ID: "1"})
	a.Add("s1", Entry{ID: "2"})

	evt := a.Add("s1", Entry{ID: "3"})
	if evt == nil {
		t.Fatal("expected an eviction event")
	}
	if len(evt.Dropped) != 2 {
		t.Errorf("expected both prior entries dropped, got %d", len(evt.Dropped))
	}
	ids := idsOf(a.Entries("s1"))
	if len(ids) != 1 || ids[0] != "3" {
		t.Errorf("expected only the incoming entry to remain, got %v", ids)
	}
}

func TestArena_Clear(t *testing.T) {
	a := NewArena(5, PolicyDropLowPriority)
	a.Add("s1", Entry{ID: "1"})
	a.Clear("s1")
	if got := len(a.Entries("s1")); got != 0 {
		t.Errorf("entries after clear = %d, want 0", got)
	}
}

func idsOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
