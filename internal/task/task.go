// Package task implements the task ledger and truth reducer described by
// spec.md §4.8: task_event tagged-sum payloads folded by a pure reducer
// into TaskState, plus truth facts reconciled against verification gate
// outcomes.
package task

import (
	"sync"

	"github.com/google/uuid"

	"github.com/brewva/brewva/internal/eventstore"
)

// EventKind is the tag of a task_event payload.
type EventKind string

const (
	EventSpecSet         EventKind = "spec_set"
	EventCheckpointSet   EventKind = "checkpoint_set"
	EventStatusSet       EventKind = "status_set"
	EventItemAdded       EventKind = "item_added"
	EventItemUpdated     EventKind = "item_updated"
	EventBlockerRecorded EventKind = "blocker_recorded"
	EventBlockerResolved EventKind = "blocker_resolved"
)

// Item is one task checklist entry.
type Item struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

// Blocker is a named obstacle preventing task completion.
type Blocker struct {
	ID       string `json:"id"`
	Reason   string `json:"reason"`
	Resolved bool   `json:"resolved"`
}

// Event is one task_event record. Only the fields relevant to Kind are
// populated by the caller; the reducer ignores the rest.
type Event struct {
	Kind       EventKind `json:"kind"`
	Timestamp  int64     `json:"timestamp"`
	Spec       string    `json:"spec,omitempty"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Status     string    `json:"status,omitempty"`
	Item       Item      `json:"item,omitempty"`
	BlockerID  string    `json:"blockerId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// TaskState is the pure fold of a session's task_event stream.
type TaskState struct {
	Spec       string    `json:"spec,omitempty"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Status     string    `json:"status,omitempty"`
	Items      []Item    `json:"items"`
	Blockers   []Blocker `json:"blockers"`
	UpdatedAt  int64     `json:"updatedAt"`
}

// Reduce folds an ordered event stream into a TaskState. It is a pure
// function: identical input always yields identical output.
func Reduce(events []Event) TaskState {
	var s TaskState
	for _, e := range events {
		switch e.Kind {
		case EventSpecSet:
			s.Spec = e.Spec
		case EventCheckpointSet:
			s.Checkpoint = e.Checkpoint
		case EventStatusSet:
			s.Status = e.Status
		case EventItemAdded:
			s.Items = append(s.Items, e.Item)
		case EventItemUpdated:
			for i := range s.Items {
				if s.Items[i].ID == e.Item.ID {
					s.Items[i] = e.Item
					break
				}
			}
		case EventBlockerRecorded:
			found := false
			for i := range s.Blockers {
				if s.Blockers[i].ID == e.BlockerID {
					s.Blockers[i].Reason = e.Reason
					s.Blockers[i].Resolved = false
					found = true
					break
				}
			}
			if !found {
				s.Blockers = append(s.Blockers, Blocker{ID: e.BlockerID, Reason: e.Reason})
			}
		case EventBlockerResolved:
			for i := range s.Blockers {
				if s.Blockers[i].ID == e.BlockerID {
					s.Blockers[i].Resolved = true
					break
				}
			}
		}
		if e.Timestamp > s.UpdatedAt {
			s.UpdatedAt = e.Timestamp
		}
	}
	return s
}

// Severity is a TruthFact's importance.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Status is a TruthFact's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// TruthFact is one item of the session's known-true/known-false state,
// per spec.md §3.
type TruthFact struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Severity    Severity `json:"severity"`
	Summary     string   `json:"summary"`
	Status      Status   `json:"status"`
	EvidenceIDs []string `json:"evidenceIds,omitempty"`
	Details     string   `json:"details,omitempty"`
}

// CheckOutcome is the minimal shape task needs from a verification report
// to reconcile truth facts and blockers, kept narrow so this package does
// not import the verify package.
type CheckOutcome struct {
	Name string
	OK   bool
}

// Manager tracks per-session task events and truth facts, and appends
// task_event records to the event store.
type Manager struct {
	events *eventstore.Store

	mu     sync.Mutex
	log    map[string][]Event
	truth  map[string]map[string]TruthFact // sessionId -> factId -> fact
}

// New creates a task manager. events may be nil to disable event emission
// in tests that only exercise the reducer.
func New(events *eventstore.Store) *Manager {
	return &Manager{
		events: events,
		log:    make(map[string][]Event),
		truth:  make(map[string]map[string]TruthFact),
	}
}

// Append records a task_event for sessionId and returns the session's
// freshly reduced TaskState.
func (m *Manager) Append(sessionID string, e Event) (TaskState, error) {
	m.mu.Lock()
	m.log[sessionID] = append(m.log[sessionID], e)
	state := Reduce(m.log[sessionID])
	m.mu.Unlock()

	if m.events != nil {
		if _, err := m.events.Append(eventstore.AppendInput{
			SessionID: sessionID,
			Type:      "task_event",
			Payload: map[string]interface{}{
				"id":         uuid.NewString(),
				"kind":       string(e.Kind),
				"spec":       e.Spec,
				"checkpoint": e.Checkpoint,
				"status":     e.Status,
				"item":       e.Item,
				"blockerId":  e.BlockerID,
				"reason":     e.Reason,
			},
		}); err != nil {
			return state, err
		}
	}

	return state, nil
}

// State returns the session's current reduced TaskState.
func (m *Manager) State(sessionID string) TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Reduce(m.log[sessionID])
}

// TruthFacts returns the session's current truth facts.
func (m *Manager) TruthFacts(sessionID string) []TruthFact {
	m.mu.Lock()
	defer m.mu.Unlock()
	facts := m.truth[sessionID]
	out := make([]TruthFact, 0, len(facts))
	for _, f := range facts {
		out = append(out, f)
	}
	return out
}

// UpsertTruthFact inserts or replaces a truth fact by id.
func (m *Manager) UpsertTruthFact(sessionID string, f TruthFact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	facts, ok := m.truth[sessionID]
	if !ok {
		facts = make(map[string]TruthFact)
		m.truth[sessionID] = facts
	}
	facts[f.ID] = f
}

// ResolveTruthFact flips a truth fact's status to resolved, if present.
func (m *Manager) ResolveTruthFact(sessionID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	facts, ok := m.truth[sessionID]
	if !ok {
		return
	}
	if f, ok := facts[id]; ok {
		f.Status = StatusResolved
		facts[id] = f
	}
}

// verifierFactID and verifierBlockerID are the bidirectional lookup keys
// linking a verification check to its truth fact and task blocker, per
// spec.md §9's "truth fact <-> task blocker <-> verification check"
// reconciliation note.
func verifierFactID(check string) string    { return "truth:verifier:" + check }
func verifierBlockerID(check string) string { return "verifier:" + check }

// ReconcileVerification translates a verification report's per-check
// outcomes into truth facts and task blockers: a failing check becomes an
// active error-severity truth fact plus a recorded blocker; a check that
// returns to ok resolves both together.
func (m *Manager) ReconcileVerification(sessionID string, outcomes []CheckOutcome, now int64) error {
	for _, o := range outcomes {
		factID := verifierFactID(o.Name)
		blockerID := verifierBlockerID(o.Name)

		if o.OK {
			m.ResolveTruthFact(sessionID, factID)
			if _, err := m.Append(sessionID, Event{
				Kind:      EventBlockerResolved,
				Timestamp: now,
				BlockerID: blockerID,
			}); err != nil {
				return err
			}
			continue
		}

		m.UpsertTruthFact(sessionID, TruthFact{
			ID:       factID,
			Kind:     "verifier",
			Severity: SeverityError,
			Summary:  "verification check failed: " + o.Name,
			Status:   StatusActive,
		})
		if _, err := m.Append(sessionID, Event{
			Kind:      EventBlockerRecorded,
			Timestamp: now,
			BlockerID: blockerID,
			Reason:    "verification check failed: " + o.Name,
		}); err != nil {
			return err
		}
	}
	return nil
}
