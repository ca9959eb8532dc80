// Package memsqlite implements the evidence ledger's session offset
// index: a SQLite-backed map from sessionId to the first byte offset at
// which that session's rows begin in the shared evidence ledger file,
// built lazily as Rows/VerifyChain calls scan the file. Keeping this
// index is purely an optimization; every lookup degrades to "unknown"
// rather than erroring, so ledger correctness never depends on it.
package memsqlite

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Index is a SQLite-backed (sessionId -> first byte offset) map. A nil
// *sql.DB (construction failed, or Open was never called) puts Index in
// degraded mode: every method becomes a no-op / always-miss.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the SQLite database at path and ensures its
// schema exists. If opening fails, Open returns a non-nil degraded Index
// alongside the error, so callers that choose to ignore the error still
// get a safe, always-missing index rather than a nil pointer panic.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return &Index{}, fmt.Errorf("memsqlite: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return &Index{}, fmt.Errorf("memsqlite: ping %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS session_offsets (
	session_id TEXT PRIMARY KEY,
	first_offset INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return &Index{}, fmt.Errorf("memsqlite: create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// FirstOffset returns the recorded first byte offset for sessionID, and
// whether one is known. It always misses in degraded mode.
func (idx *Index) FirstOffset(sessionID string) (int64, bool) {
	if idx == nil || idx.db == nil {
		return 0, false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var offset int64
	err := idx.db.QueryRow(`SELECT first_offset FROM session_offsets WHERE session_id = ?`, sessionID).Scan(&offset)
	if err != nil {
		return 0, false
	}
	return offset, true
}

// RecordFirstOffset stores sessionID's first byte offset if none is
// already recorded. It is a silent no-op in degraded mode.
func (idx *Index) RecordFirstOffset(sessionID string, offset int64) {
	if idx == nil || idx.db == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, _ = idx.db.Exec(`INSERT OR IGNORE INTO session_offsets (session_id, first_offset) VALUES (?, ?)`, sessionID, offset)
}

// Invalidate discards every recorded offset. Callers must invoke this
// after any operation that rewrites the ledger file (compaction), since
// every subsequent row's byte offset shifts.
func (idx *Index) Invalidate() {
	if idx == nil || idx.db == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, _ = idx.db.Exec(`DELETE FROM session_offsets`)
}

// Close closes the underlying database handle. Safe to call on a
// degraded Index.
func (idx *Index) Close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	return idx.db.Close()
}
