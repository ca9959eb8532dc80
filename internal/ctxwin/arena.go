package ctxwin

import "sync"

// DegradationPolicy names an arena overflow strategy.
type DegradationPolicy string

const (
	PolicyDropRecall      DegradationPolicy = "drop_recall"
	PolicyDropLowPriority DegradationPolicy = "drop_low_priority"
	PolicyForceCompact    DegradationPolicy = "force_compact"
)

// priorityOrder is the eviction order for PolicyDropLowPriority: never
// evict critical.
var priorityOrder = []Priority{PriorityLow, PriorityNormal, PriorityHigh}

// SLOEvent describes one degradation-policy enforcement, emitted by the
// caller as a context_arena_slo_enforced event.
type SLOEvent struct {
	Policy        DegradationPolicy
	EntriesBefore int
	EntriesAfter  int
	Dropped       []Entry
	Source        string
}

// Arena holds per-session bounded sequences of injection entries.
type Arena struct {
	maxEntriesPerSession int
	policy               DegradationPolicy

	mu      sync.Mutex
	entries map[string][]Entry // sessionId -> entries in insertion order
}

// NewArena creates an arena with the given per-session entry cap and
// overflow policy.
func NewArena(maxEntriesPerSession int, policy DegradationPolicy) *Arena {
	return &Arena{
		maxEntriesPerSession: maxEntriesPerSession,
		policy:               policy,
		entries:              make(map[string][]Entry),
	}
}

// Add appends entry to sessionId's arena, applying the degradation policy
// if the session is already at capacity. Returns the SLO event if an
// eviction occurred, or nil otherwise.
func (a *Arena) Add(sessionID string, entry Entry) *SLOEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := a.entries[sessionID]
	if len(list) < a.maxEntriesPerSession {
		a.entries[sessionID] = append(list, entry)
		return nil
	}

	before := len(list)
	var dropped []Entry
	switch a.policy {
	case PolicyForceCompact:
		dropped = append(dropped, list...)
		list = []Entry{entry}

	case PolicyDropRecall:
		if idx := indexOfZone(list, ZoneMemoryRecall); idx >= 0 {
			dropped = append(dropped, list[idx])
			list = removeAt(list, idx)
			list = append(list, entry)
		} else if entry.Zone == ZoneMemoryRecall {
			// Nothing to evict and the incoming entry is itself recall:
			// drop the incoming entry instead.
			dropped = append(dropped, entry)
		} else if idx := indexOfNonCritical(list); idx >= 0 {
			dropped = append(dropped, list[idx])
			list = removeAt(list, idx)
			list = append(list, entry)
		} else {
			dropped = append(dropped, entry)
		}

	case PolicyDropLowPriority:
		evicted := false
		for _, p := range priorityOrder {
			if idx := indexOfPriority(list, p); idx >= 0 {
				dropped = append(dropped, list[idx])
				list = removeAt(list, idx)
				list = append(list, entry)
				evicted = true
				break
			}
		}
		if !evicted {
			dropped = append(dropped, entry)
		}

	default:
		dropped = append(dropped, entry)
	}

	a.entries[sessionID] = list

	return &SLOEvent{
		Policy:        a.policy,
		EntriesBefore: before,
		EntriesAfter:  len(list),
		Dropped:       dropped,
		Source:        entry.Source,
	}
}

// Entries returns a copy of sessionId's current entries.
func (a *Arena) Entries(sessionID string) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.entries[sessionID]
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

// Clear removes all entries for sessionId (used by markCompacted).
func (a *Arena) Clear(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, sessionID)
}

func indexOfZone(list []Entry, zone Zone) int {
	// Oldest first: arena entries are appended in insertion order, so the
	// first match is the oldest.
	for i, e := range list {
		if e.Zone == zone {
			return i
		}
	}
	return -1
}

func indexOfPriority(list []Entry, p Priority) int {
	for i, e := range list {
		if e.Priority == p {
			return i
		}
	}
	return -1
}

func indexOfNonCritical(list []Entry) int {
	for i, e := range list {
		if e.Priority != PriorityCritical {
			return i
		}
	}
	return -1
}

func removeAt(list []Entry, idx int) []Entry {
	out := make([]Entry, 0, len(list)-1)
	out = append(out, list[:idx]...)
	out = append(out, list[idx+1:]...)
	return out
}
