// Package skills implements skill activate/complete lifecycle management
// per spec.md §4.7: SkillContract validation and per-session active-skill
// tracking.
package skills

import (
	"sync"

	"github.com/google/uuid"

	"github.com/brewva/brewva/internal/eventstore"
)

// Contract is a SkillContract as defined in spec.md §3.
type Contract struct {
	Name        string
	Tools       ToolSet
	Budget      Budget
	MaxParallel int
}

// ToolSet partitions a skill's tool access.
type ToolSet struct {
	Required []string
	Optional []string
	Denied   []string
}

// Budget bounds a skill's tool usage.
type Budget struct {
	MaxToolCalls int
	MaxTokens    int
}

// CompleteResult is the outcome of validateSkillOutputs.
type CompleteResult struct {
	OK      bool
	Missing []string
}

// active tracks one session's in-flight skill.
type active struct {
	name     string
	contract Contract
}

// Manager owns every session's active skill and the registered contracts.
type Manager struct {
	events *eventstore.Store

	mu        sync.Mutex
	contracts map[string]Contract
	sessions  map[string]*active
}

// New creates a skill manager. events may be nil to disable completion
// event emission (e.g. in tests that don't need it).
func New(events *eventstore.Store) *Manager {
	return &Manager{
		events:    events,
		contracts: make(map[string]Contract),
		sessions:  make(map[string]*active),
	}
}

// RegisterContract makes a skill's contract available to Activate.
func (m *Manager) RegisterContract(c Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[c.Name] = c
}

// Activate sets sessionId's active skill. Returns an error if name has no
// registered contract.
func (m *Manager) Activate(sessionID, name string) (Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contracts[name]
	if !ok {
		return Contract{}, errUnknownSkill(name)
	}
	m.sessions[sessionID] = &active{name: name, contract: c}
	return c, nil
}

// ActiveSkill returns the contract of the session's active skill, and
// false if the session has none.
func (m *Manager) ActiveSkill(sessionID string) (Contract, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.sessions[sessionID]
	if !ok {
		return Contract{}, false
	}
	return a.contract, true
}

// Complete validates outputs against the active skill's required output
// keys, emits a completion event, and clears the active skill regardless
// of validation outcome (a skill can only be completed once per activation).
func (m *Manager) Complete(sessionID string, outputs map[string]interface{}, requiredOutputs []string) (CompleteResult, error) {
	m.mu.Lock()
	a, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return CompleteResult{OK: false, Missing: requiredOutputs}, nil
	}

	result := validateOutputs(outputs, requiredOutputs)

	if m.events != nil {
		if _, err := m.events.Append(eventstore.AppendInput{
			SessionID: sessionID,
			Type:      "skill_completed",
			Payload: map[string]interface{}{
				"id":      uuid.NewString(),
				"skill":   a.name,
				"ok":      result.OK,
				"missing": result.Missing,
			},
		}); err != nil {
			return result, err
		}
	}

	return result, nil
}

// validateOutputs returns ok=true iff every required key is present in
// outputs (a present key with a nil value still counts as missing, since
// the model is expected to have actually produced a value).
func validateOutputs(outputs map[string]interface{}, required []string) CompleteResult {
	var missing []string
	for _, key := range required {
		v, ok := outputs[key]
		if !ok || v == nil {
			missing = append(missing, key)
		}
	}
	return CompleteResult{OK: len(missing) == 0, Missing: missing}
}

type unknownSkillError struct{ name string }

func (e unknownSkillError) Error() string { return "skills: unknown skill " + e.name }

func errUnknownSkill(name string) error { return unknownSkillError{name: name} }
