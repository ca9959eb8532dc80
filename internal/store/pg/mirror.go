package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brewva/brewva/internal/ledger"
)

// Mirror writes session metadata and evidence ledger rows that already
// succeeded against the workspace's JSONL files into Postgres. A Mirror
// is purely a downstream reader convenience; nothing in this repo ever
// reads decisions back out of it.
type Mirror struct {
	db *sql.DB
}

// NewMirror wraps an already-open, already-migrated *sql.DB.
func NewMirror(db *sql.DB) *Mirror {
	return &Mirror{db: db}
}

func (m *Mirror) Close() error {
	return m.db.Close()
}

// UpsertSession records or refreshes a session's mirrored metadata.
func (m *Mirror) UpsertSession(ctx context.Context, sessionID, channel, status string, turn int) error {
	now := time.Now()
	_, err := m.db.ExecContext(ctx, `
INSERT INTO session_mirror (session_id, channel, status, turn, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (session_id) DO UPDATE SET
	channel = EXCLUDED.channel,
	status = EXCLUDED.status,
	turn = EXCLUDED.turn,
	updated_at = EXCLUDED.updated_at
`, sessionID, channel, status, turn, now)
	if err != nil {
		return fmt.Errorf("pg: upsert session: %w", err)
	}
	return nil
}

// MirrorLedgerRow inserts one evidence ledger row. Re-mirroring the same
// row id (after a retry) is a no-op.
func (m *Mirror) MirrorLedgerRow(ctx context.Context, row ledger.Row) error {
	metadata, err := json.Marshal(row.Metadata)
	if err != nil {
		return fmt.Errorf("pg: marshal metadata: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
INSERT INTO ledger_row_mirror
	(id, session_id, turn, tool, verdict, hash, previous_hash, output_summary, metadata, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING
`, row.ID, row.SessionID, row.Turn, row.Tool, string(row.Verdict), row.Hash, row.PreviousHash,
		row.OutputSummary, metadata, time.UnixMilli(row.Timestamp))
	if err != nil {
		return fmt.Errorf("pg: mirror ledger row: %w", err)
	}
	return nil
}
