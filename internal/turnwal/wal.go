// Package turnwal implements the per-scope turn write-ahead log described
// by spec.md §4.4: an append-only JSONL file per scope under
// <workspace>/.orchestrator/turn-wal/<scope>.jsonl, where the latest row
// for a given walId is authoritative.
package turnwal

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

// Status is a TurnWALRecord's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// recoverable holds the statuses eligible for recovery/listPending.
var recoverable = map[Status]bool{StatusPending: true, StatusInflight: true}

// terminal holds the statuses eligible for compaction once stale.
var terminal = map[Status]bool{StatusDone: true, StatusFailed: true, StatusExpired: true}

// Source identifies who originated a TurnWALRecord.
type Source string

const (
	SourceChannel   Source = "channel"
	SourceSchedule  Source = "schedule"
	SourceGateway   Source = "gateway"
	SourceHeartbeat Source = "heartbeat"
)

// defaultTTL returns the default time-to-live for a freshly pending record
// from the given source. Only the schedule source has a distinct default
// per spec.md §4.4 ("schedule source uses scheduleTurnTtlMs").
func defaultTTL(src Source, scheduleTurnTTLMs int64) int64 {
	if src == SourceSchedule && scheduleTurnTTLMs > 0 {
		return scheduleTurnTTLMs
	}
	return 0 // 0 == no TTL
}

// Record is one row in the turn WAL.
type Record struct {
	Schema         string                 `json:"schema"`
	WalID          string                 `json:"walId"`
	TurnID         string                 `json:"turnId"`
	SessionID      string                 `json:"sessionId"`
	Channel        string                 `json:"channel"`
	ConversationID string                 `json:"conversationId"`
	Status         Status                 `json:"status"`
	Envelope       map[string]interface{} `json:"envelope"`
	CreatedAt      int64                  `json:"createdAt"`
	UpdatedAt      int64                  `json:"updatedAt"`
	Attempts       int                    `json:"attempts"`
	Source         Source                 `json:"source"`
	TTLMs          int64                  `json:"ttlMs,omitempty"`
	Error          string                 `json:"error,omitempty"`
	DedupeKey      string                 `json:"dedupeKey,omitempty"`
}

// IsExpired reports whether the record's TTL has elapsed since creation.
func (r Record) IsExpired(now int64) bool {
	if r.TTLMs <= 0 {
		return false
	}
	return now-r.CreatedAt > r.TTLMs
}

// IsRecoverable reports whether the record's status makes it eligible for
// listPending/recover.
func (r Record) IsRecoverable() bool {
	return recoverable[r.Status]
}

// AppendPendingOpts configures AppendPending.
type AppendPendingOpts struct {
	TTLMs     int64
	DedupeKey string
}

// WAL is one scope's turn write-ahead log.
type WAL struct {
	scope string
	path  string

	mu  sync.Mutex
	log *persist.AppendLog
}

// New creates a WAL for the given scope, rooted at
// <workspace>/.orchestrator/turn-wal/<scope>.jsonl.
func New(workspaceDir, scope string) *WAL {
	path := filepath.Join(workspaceDir, ".orchestrator", "turn-wal", persist.SanitizeForFilename(scope)+".jsonl")
	return &WAL{
		scope: scope,
		path:  path,
		log:   persist.NewAppendLog(path),
	}
}

// AppendPending stamps a new walId and appends a pending record.
func (w *WAL) AppendPending(envelope map[string]interface{}, source Source, opts AppendPendingOpts) (*Record, error) {
	now := time.Now().UnixMilli()
	rec := &Record{
		Schema:         "turnwal.v1",
		WalID:          uuid.NewString(),
		SessionID:      stringField(envelope, "sessionId"),
		TurnID:         stringField(envelope, "turnId"),
		Channel:        stringField(envelope, "channel"),
		ConversationID: stringField(envelope, "conversationId"),
		Status:         StatusPending,
		Envelope:       envelope,
		CreatedAt:      now,
		UpdatedAt:      now,
		Attempts:       0,
		Source:         source,
		TTLMs:          opts.TTLMs,
		DedupeKey:      opts.DedupeKey,
	}
	if rec.TTLMs == 0 {
		rec.TTLMs = defaultTTL(source, 0)
	}
	if err := w.append(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkInflight appends a new row for walId with status inflight and an
// incremented attempt count, carried forward from the latest known row.
func (w *WAL) MarkInflight(walID string) (*Record, error) {
	return w.transition(walID, func(r *Record) {
		r.Status = StatusInflight
		r.Attempts++
	})
}

// MarkDone appends a terminal "done" row for walId.
func (w *WAL) MarkDone(walID string) (*Record, error) {
	return w.transition(walID, func(r *Record) {
		r.Status = StatusDone
	})
}

// MarkFailed appends a terminal "failed" row for walId, recording err.
func (w *WAL) MarkFailed(walID string, cause error) (*Record, error) {
	return w.transition(walID, func(r *Record) {
		r.Status = StatusFailed
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// MarkExpired appends a terminal "expired" row for walId.
func (w *WAL) MarkExpired(walID string) (*Record, error) {
	return w.transition(walID, func(r *Record) {
		r.Status = StatusExpired
	})
}

func (w *WAL) transition(walID string, mutate func(*Record)) (*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	latest, err := w.latestLocked(walID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("turnwal: unknown walId %q", walID)
	}

	next := *latest
	mutate(&next)
	next.UpdatedAt = time.Now().UnixMilli()

	if err := w.appendLocked(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (w *WAL) append(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(rec)
}

func (w *WAL) appendLocked(rec *Record) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("turnwal: mkdir: %w", err)
	}
	if err := w.log.AppendJSONLine(rec); err != nil {
		return fmt.Errorf("turnwal: append: %w", err)
	}
	return nil
}

// latestLocked folds all rows for walId, returning the most recent one.
func (w *WAL) latestLocked(walID string) (*Record, error) {
	rows, err := w.readAllLocked()
	if err != nil {
		return nil, err
	}
	var latest *Record
	for i := range rows {
		if rows[i].WalID == walID {
			latest = &rows[i]
		}
	}
	return latest, nil
}

// readAllLocked reads every row in file order, skipping unparseable
// trailing lines (a crash mid-write never breaks earlier rows).
func (w *WAL) readAllLocked() ([]Record, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("turnwal: open: %w", err)
	}
	defer f.Close()

	var rows []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// foldLatest reduces rows to the latest record per walId, in first-seen
// order of each walId's earliest appearance.
func foldLatest(rows []Record) []Record {
	order := make([]string, 0)
	latest := make(map[string]Record, len(rows))
	for _, r := range rows {
		if _, ok := latest[r.WalID]; !ok {
			order = append(order, r.WalID)
		}
		latest[r.WalID] = r
	}
	out := make([]Record, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

// ListPending folds all rows into latest-per-walId, filters to the
// recoverable statuses, and sorts by (createdAt, updatedAt).
func (w *WAL) ListPending() ([]Record, error) {
	w.mu.Lock()
	rows, err := w.readAllLocked()
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	folded := foldLatest(rows)
	out := make([]Record, 0, len(folded))
	for _, r := range folded {
		if r.IsRecoverable() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].UpdatedAt < out[j].UpdatedAt
	})
	return out, nil
}

// Compact keeps the latest row per walId that is either non-terminal or
// whose staleness (updatedAt + compactAfterMs) has not yet elapsed, and
// atomically rewrites the file to just those rows.
func (w *WAL) Compact(compactAfterMs int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows, err := w.readAllLocked()
	if err != nil {
		return err
	}
	folded := foldLatest(rows)

	now := time.Now().UnixMilli()
	out := make([]Record, 0, len(folded))
	for _, r := range folded {
		if !terminal[r.Status] || r.UpdatedAt+compactAfterMs > now {
			out = append(out, r)
		}
	}

	var buf []byte
	for i, r := range out {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("turnwal: marshal: %w", err)
		}
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, line...)
	}
	if err := persist.WriteFileAtomic(w.path, buf); err != nil {
		return err
	}
	w.log.Invalidate()
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
