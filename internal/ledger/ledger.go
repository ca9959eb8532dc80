// Package ledger implements the evidence ledger described by spec.md §4.3:
// a single hash-chained, append-only JSONL file shared by every session in
// the workspace, at <workspace>/.orchestrator/ledger/evidence.jsonl.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brewva/brewva/internal/memsqlite"
	"github.com/brewva/brewva/internal/persist"
)

const rootHash = "root"

// maxSummaryLen bounds argsSummary/outputSummary before they are hashed or
// stored, per spec.md §4.3 step 2.
const maxSummaryLen = 200

// Verdict is the outcome of a tool call as recorded in an evidence row.
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictFail        Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// Row is one evidence record. Hash and PreviousHash are computed by the
// ledger, never supplied by the caller.
type Row struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"sessionId"`
	Timestamp     int64                  `json:"timestamp"`
	Turn          int                    `json:"turn"`
	Tool          string                 `json:"tool"`
	ArgsSummary   string                 `json:"argsSummary"`
	OutputSummary string                 `json:"outputSummary"`
	OutputHash    string                 `json:"outputHash"`
	Verdict       Verdict                `json:"verdict"`
	PreviousHash  string                 `json:"previousHash"`
	Hash          string                 `json:"hash"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// CheckpointSummary describes a range of rows folded away by compaction.
type CheckpointSummary struct {
	Count      int   `json:"count"`
	FirstTurn  int   `json:"firstTurn"`
	LastTurn   int   `json:"lastTurn"`
	FirstTime  int64 `json:"firstTime"`
	LastTime   int64 `json:"lastTime"`
	Reason     string `json:"reason,omitempty"`
}

// AppendInput is the caller-supplied shape for Append.
type AppendInput struct {
	SessionID     string
	Turn          int
	Tool          string
	ArgsSummary   string
	OutputSummary string
	FullOutput    string // hashed in full (post-redaction) for OutputHash
	Verdict       Verdict
	Metadata      map[string]interface{}
	Timestamp     int64
}

// VerifyResult is the outcome of verifyChain.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Ledger is the evidence ledger. It is the sole owner of its backing file
// within the process; concurrent Append calls are serialized, and Append
// blocks during CompactSession (spec.md §4.3 edge cases).
type Ledger struct {
	path string

	mu           sync.Mutex
	lastHash     map[string]string // sessionId -> last hash appended
	lastHashKnow bool              // whether lastHash reflects the file on disk
	log          *persist.AppendLog
	index        *memsqlite.Index // optional sessionId -> first-byte-offset accelerator
}

// New creates a ledger rooted at <workspace>/.orchestrator/ledger/evidence.jsonl.
func New(workspaceDir string) *Ledger {
	path := filepath.Join(workspaceDir, ".orchestrator", "ledger", "evidence.jsonl")
	return &Ledger{
		path:     path,
		lastHash: make(map[string]string),
		log:      persist.NewAppendLog(path),
	}
}

// SetIndex attaches a session-offset index used by Rows/VerifyChain to
// skip straight to a session's first row instead of scanning from the
// start of the file. A nil or degraded idx simply disables the
// optimization; correctness is unaffected either way.
func (l *Ledger) SetIndex(idx *memsqlite.Index) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index = idx
}

// Append computes previousHash/hash, redacts and truncates summaries, and
// appends one row. It is the orchestrator's only writer for evidence rows
// outside of compaction's full rewrite.
func (l *Ledger) Append(in AppendInput) (*Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLastHashLocked(); err != nil {
		return nil, err
	}

	if in.Timestamp == 0 {
		in.Timestamp = time.Now().UnixMilli()
	}

	redactedArgs := truncate(persist.RedactSecrets(in.ArgsSummary), maxSummaryLen)
	redactedOutput := truncate(persist.RedactSecrets(in.OutputSummary), maxSummaryLen)
	fullRedacted := persist.RedactSecrets(in.FullOutput)

	prev, ok := l.lastHash[in.SessionID]
	if !ok {
		prev = rootHash
	}

	row := &Row{
		ID:            newRowID(in.Timestamp),
		SessionID:     in.SessionID,
		Timestamp:     in.Timestamp,
		Turn:          in.Turn,
		Tool:          in.Tool,
		ArgsSummary:   redactedArgs,
		OutputSummary: redactedOutput,
		OutputHash:    sha256Hex([]byte(fullRedacted)),
		Verdict:       in.Verdict,
		PreviousHash:  prev,
		Metadata:      in.Metadata,
	}

	hash, err := hashRow(row)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash row: %w", err)
	}
	row.Hash = hash

	if err := l.appendRowLocked(row); err != nil {
		return nil, err
	}

	l.lastHash[in.SessionID] = hash
	return row, nil
}

// hashRow computes SHA256(JSON(body)) over every field except Hash itself.
func hashRow(r *Row) (string, error) {
	body := *r
	body.Hash = ""
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) appendRowLocked(row *Row) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir: %w", err)
	}
	if err := l.log.AppendJSONLine(row); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	return nil
}

// ensureLastHashLocked seeds l.lastHash from disk on first use per process.
func (l *Ledger) ensureLastHashLocked() error {
	if l.lastHashKnow {
		return nil
	}
	rows, err := l.readAllLocked()
	if err != nil {
		return err
	}
	for _, r := range rows {
		l.lastHash[r.SessionID] = r.Hash
	}
	l.lastHashKnow = true
	return nil
}

// readAllLocked reads and parses every row currently on disk, in file
// order. Corrupt lines are skipped (same fail-open policy as the event
// store), since a torn trailing line must not block reads of earlier rows.
func (l *Ledger) readAllLocked() ([]Row, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()

	var rows []Row
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Row
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// scanFromLocked reads every row from startOffset to EOF, alongside the
// byte offset each row started at, so callers can record a session's
// first-seen offset for next time.
func (l *Ledger) scanFromLocked(startOffset int64) ([]Row, []int64, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()

	if startOffset > 0 {
		if _, err := f.Seek(startOffset, 0); err != nil {
			return nil, nil, fmt.Errorf("ledger: seek: %w", err)
		}
	}

	var rows []Row
	var offsets []int64
	offset := startOffset
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		lineStart := offset
		offset += int64(len(line)) + 1 // +1 for the newline the scanner stripped
		if len(line) == 0 {
			continue
		}
		var r Row
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		rows = append(rows, r)
		offsets = append(offsets, lineStart)
	}
	return rows, offsets, nil
}

// rowsFromIndexLocked returns sessionID's rows (and their file offsets),
// starting from the index's recorded first offset if one is known,
// recording a fresh first offset into the index otherwise.
func (l *Ledger) rowsFromIndexLocked(sessionID string) ([]Row, error) {
	start := int64(0)
	if off, ok := l.index.FirstOffset(sessionID); ok {
		start = off
	}

	all, offsets, err := l.scanFromLocked(start)
	if err != nil {
		return nil, err
	}

	var out []Row
	for i, r := range all {
		if r.SessionID != sessionID {
			continue
		}
		if len(out) == 0 {
			l.index.RecordFirstOffset(sessionID, offsets[i])
		}
		out = append(out, r)
	}
	return out, nil
}

// Rows returns every row for sessionID in file order, including
// synthesized ledger_checkpoint rows from compaction.
func (l *Ledger) Rows(sessionID string) ([]Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rowsFromIndexLocked(sessionID)
}

// VerifyChain walks a session's rows in file order and asserts the hash
// chain is unbroken.
func (l *Ledger) VerifyChain(sessionID string) (VerifyResult, error) {
	l.mu.Lock()
	rows, err := l.rowsFromIndexLocked(sessionID)
	l.mu.Unlock()
	if err != nil {
		return VerifyResult{}, err
	}

	prev := rootHash
	for _, r := range rows {
		if r.PreviousHash != prev {
			return VerifyResult{Valid: false, Reason: fmt.Sprintf("row %s: previousHash mismatch", r.ID)}, nil
		}
		want, err := hashRow(&r)
		if err != nil {
			return VerifyResult{}, err
		}
		if want != r.Hash {
			return VerifyResult{Valid: false, Reason: fmt.Sprintf("row %s: hash mismatch", r.ID)}, nil
		}
		prev = r.Hash
	}
	return VerifyResult{Valid: true}, nil
}

// CompactSessionOpts configures CompactSession.
type CompactSessionOpts struct {
	KeepLast int
	Reason   string
}

// CompactSession folds every row for sessionId except the last KeepLast
// into a single ledger_checkpoint row, rehashing the kept tail with a
// fresh chain root, then rewrites the whole file atomically. Rows for
// other sessions keep their original position in the file.
func (l *Ledger) CompactSession(sessionID string, opts CompactSessionOpts) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readAllLocked()
	if err != nil {
		return err
	}

	var sessionRows []Row
	var sessionIdxs []int
	for i, r := range all {
		if r.SessionID == sessionID {
			sessionRows = append(sessionRows, r)
			sessionIdxs = append(sessionIdxs, i)
		}
	}

	if len(sessionRows) <= opts.KeepLast {
		return nil
	}

	compacted := sessionRows[:len(sessionRows)-opts.KeepLast]
	kept := sessionRows[len(sessionRows)-opts.KeepLast:]
	lastCompactedIdx := sessionIdxs[len(compacted)-1]

	checkpoint := newCheckpointRow(sessionID, compacted, opts.Reason)

	rehashed := make([]Row, 0, 1+len(kept))
	prev := rootHash
	for _, r := range append([]Row{*checkpoint}, kept...) {
		r.PreviousHash = prev
		hash, err := hashRow(&r)
		if err != nil {
			return fmt.Errorf("ledger: rehash: %w", err)
		}
		r.Hash = hash
		prev = hash
		rehashed = append(rehashed, r)
	}

	// Rebuild the full file preserving non-session row positions, with
	// the rehashed session rows spliced in at the position of the last
	// compacted (now-replaced) session row.
	out := make([]Row, 0, len(all))
	inserted := false
	for i, r := range all {
		if r.SessionID != sessionID {
			out = append(out, r)
			continue
		}
		if i == lastCompactedIdx {
			out = append(out, rehashed...)
			inserted = true
		}
	}
	if !inserted {
		out = append(out, rehashed...)
	}

	if err := l.writeAllLocked(out); err != nil {
		return err
	}

	l.log.Invalidate()
	l.lastHashKnow = false
	delete(l.lastHash, sessionID)
	l.index.Invalidate() // every offset shifted: the whole file was rewritten
	return nil
}

func (l *Ledger) writeAllLocked(rows []Row) error {
	var buf []byte
	for i, r := range rows {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("ledger: marshal row: %w", err)
		}
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, line...)
	}
	return persist.WriteFileAtomic(l.path, buf)
}

func newCheckpointRow(sessionID string, compacted []Row, reason string) *Row {
	sum := &CheckpointSummary{
		Count:  len(compacted),
		Reason: reason,
	}
	if len(compacted) > 0 {
		sum.FirstTurn = compacted[0].Turn
		sum.LastTurn = compacted[len(compacted)-1].Turn
		sum.FirstTime = compacted[0].Timestamp
		sum.LastTime = compacted[len(compacted)-1].Timestamp
	}

	metadata := map[string]interface{}{
		"count":     sum.Count,
		"firstTurn": sum.FirstTurn,
		"lastTurn":  sum.LastTurn,
		"firstTime": sum.FirstTime,
		"lastTime":  sum.LastTime,
	}
	if reason != "" {
		metadata["reason"] = reason
	}

	now := time.Now().UnixMilli()
	if len(compacted) > 0 {
		now = compacted[len(compacted)-1].Timestamp
	}

	return &Row{
		ID:        newRowID(now),
		SessionID: sessionID,
		Timestamp: now,
		Turn:      sum.LastTurn,
		Tool:      "ledger_checkpoint",
		Verdict:   VerdictInconclusive,
		Metadata:  metadata,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func newRowID(ts int64) string {
	return fmt.Sprintf("ev_%d_%s", ts, uuid.NewString())
}
