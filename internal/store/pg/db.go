// Package pg implements the optional managed-mode durable mirror:
// session metadata and evidence ledger rows get an additional copy in
// Postgres for multi-reader dashboards, while the workspace's JSONL
// files remain the orchestrator's own source of truth. Grounded on
// internal/store/pg/factory.go and sessions.go's database/sql-over-pgx
// style, and cmd/migrate.go's golang-migrate wiring.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenDB opens a pgx-backed *sql.DB and verifies connectivity.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return db, nil
}
