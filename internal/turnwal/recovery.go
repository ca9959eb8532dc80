package turnwal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Handler re-enqueues a recovered record's envelope under its original
// walId. Returning an error marks the record failed rather than done.
type Handler func(rec Record) error

// Recovery scans one or more scopes for recoverable records at startup
// and replays them through per-source handlers.
type Recovery struct {
	workspaceDir string
	handlers     map[Source]Handler
	logger       *slog.Logger
}

// NewRecovery creates a recovery coordinator. Unregistered sources fall
// back to markExpired-and-log, per the default policy for sources the
// handler set doesn't cover end-to-end.
func NewRecovery(workspaceDir string, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		workspaceDir: workspaceDir,
		handlers:     make(map[Source]Handler),
		logger:       logger,
	}
}

// RegisterHandler binds a re-enqueue handler for a source. Call before
// Recover.
func (r *Recovery) RegisterHandler(source Source, h Handler) {
	r.handlers[source] = h
}

// Recover scans every scope whose filename (without the .jsonl
// extension) matches scopeFilter (a prefix match; empty matches all
// scopes), and for each recoverable record invokes the registered
// handler for its source. A handler error marks the record failed.
// Records from sources with no registered handler are marked expired
// and logged, per the documented default for sources not exercised
// end-to-end.
func (r *Recovery) Recover(scopeFilter string) error {
	dir := filepath.Join(r.workspaceDir, ".orchestrator", "turn-wal")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("turnwal: recover: list scopes: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		scope := strings.TrimSuffix(e.Name(), ".jsonl")
		if scopeFilter != "" && !strings.HasPrefix(scope, scopeFilter) {
			continue
		}
		if err := r.recoverScope(scope); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recovery) recoverScope(scope string) error {
	w := New(r.workspaceDir, scope)
	pending, err := w.ListPending()
	if err != nil {
		return fmt.Errorf("turnwal: recover scope %q: %w", scope, err)
	}

	for _, rec := range pending {
		handler, ok := r.handlers[rec.Source]
		if !ok {
			r.logger.Warn("turnwal: recovering record with no registered handler, marking expired",
				"scope", scope, "walId", rec.WalID, "source", rec.Source)
			if _, err := w.MarkExpired(rec.WalID); err != nil {
				return fmt.Errorf("turnwal: mark expired %q: %w", rec.WalID, err)
			}
			continue
		}

		if err := handler(rec); err != nil {
			r.logger.Warn("turnwal: re-enqueue failed, marking failed",
				"scope", scope, "walId", rec.WalID, "source", rec.Source, "error", err)
			if _, markErr := w.MarkFailed(rec.WalID, err); markErr != nil {
				return fmt.Errorf("turnwal: mark failed %q: %w", rec.WalID, markErr)
			}
		}
	}
	return nil
}
