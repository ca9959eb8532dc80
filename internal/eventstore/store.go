// Package eventstore implements the append-only, session-partitioned
// event log described by spec.md §4.2: one JSONL file per session under
// <workspace>/.orchestrator/events/<sanitized-session>.jsonl.
package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brewva/brewva/internal/persist"
)

// EventRecord is one durable event, as specified in spec.md §3.
type EventRecord struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Turn      *int        `json:"turn,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// AppendInput is the caller-supplied shape for Append; Timestamp defaults
// to time.Now() when zero.
type AppendInput struct {
	SessionID string
	Type      string
	Turn      *int
	Payload   interface{}
	Timestamp int64
}

// QueryOpts filters Query results.
type QueryOpts struct {
	Type string // empty = no filter
	Last int    // >0 = return only the last N matching records
}

// Store is the event store. Disabled (persistence off) stores still
// answer Query/ListSessionIds from whatever is already on disk, but
// Append becomes a no-op returning (nil, nil).
type Store struct {
	dir     string
	enabled bool

	mu   sync.Mutex
	logs map[string]*persist.AppendLog // sessionId -> append log (carries its own cached bit)
}

// New creates an event store rooted at <workspace>/.orchestrator/events.
func New(workspaceDir string, enabled bool) *Store {
	return &Store{
		dir:     filepath.Join(workspaceDir, ".orchestrator", "events"),
		enabled: enabled,
		logs:    make(map[string]*persist.AppendLog),
	}
}

func (s *Store) logFor(sessionID string) *persist.AppendLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		l = persist.NewAppendLog(s.pathFor(sessionID))
		s.logs[sessionID] = l
	}
	return l
}

func (s *Store) pathFor(sessionID string) string {
	return filepath.Join(s.dir, persist.SanitizeForFilename(sessionID)+".jsonl")
}

// Append normalizes payload (dropping nil fields, coercing non-finite
// numbers to 0, redacting secret-shaped strings, whether the payload is a
// plain string or a structured value), assigns an id, and appends one
// line. Returns nil if persistence is disabled.
func (s *Store) Append(in AppendInput) (*EventRecord, error) {
	if !s.enabled {
		return nil, nil
	}
	if in.Timestamp == 0 {
		in.Timestamp = time.Now().UnixMilli()
	}

	rec := &EventRecord{
		ID:        newEventID(in.Timestamp),
		SessionID: in.SessionID,
		Type:      in.Type,
		Timestamp: in.Timestamp,
		Turn:      in.Turn,
		Payload:   persist.SanitizeJSON(normalizePayload(in.Payload)),
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventstore: mkdir: %w", err)
	}

	log := s.logFor(in.SessionID)
	if err := log.AppendJSONLine(rec); err != nil {
		return nil, fmt.Errorf("eventstore: append: %w", err)
	}

	return rec, nil
}

// normalizePayload round-trips through JSON so map[string]interface{}-ish
// structured inputs land in the same shape SanitizeJSON expects, while
// leaving already-plain values (strings, structs with json tags) intact
// for json.Marshal at write time.
func normalizePayload(p interface{}) interface{} {
	if p == nil {
		return nil
	}
	switch p.(type) {
	case map[string]interface{}, []interface{}, string, float64, float32,
		int, int32, int64, bool:
		return p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return p
		}
		var v interface{}
		if err := json.Unmarshal(b, &v); err != nil {
			return p
		}
		return v
	}
}

// Query reads a session's event file line by line, skipping any
// unparseable line (fail-open: a corrupt line never breaks later lines).
func (s *Store) Query(sessionID string, opts QueryOpts) ([]EventRecord, error) {
	path := s.pathFor(sessionID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	defer f.Close()

	var out []EventRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec EventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // corrupt line: skip, don't fail the whole query
		}
		if opts.Type != "" && rec.Type != opts.Type {
			continue
		}
		out = append(out, rec)
	}

	if opts.Last > 0 && len(out) > opts.Last {
		out = out[len(out)-opts.Last:]
	}
	return out, nil
}

// ListSessionIds lists sessions with non-empty event files, sorted by
// file modification time descending (most recently active first).
func (s *Store) ListSessionIds() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type item struct {
		id    string
		mtime time.Time
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		items = append(items, item{id: name[:len(name)-len(".jsonl")], mtime: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mtime.After(items[j].mtime) })

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

// ClearSessionCache invalidates the cached non-emptiness bit for a
// session's append log, so the next Append re-derives it from disk. Use
// after any external rewrite of the session's file.
func (s *Store) ClearSessionCache(sessionID string) {
	s.mu.Lock()
	l, ok := s.logs[sessionID]
	s.mu.Unlock()
	if ok {
		l.Invalidate()
	}
}

func newEventID(ts int64) string {
	return fmt.Sprintf("evt_%d_%s", ts, uuid.NewString())
}
