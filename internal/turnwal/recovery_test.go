package turnwal

import (
	"errors"
	"testing"
)

func TestRecovery_InvokesRegisteredHandler(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "channel")
	rec, err := w.AppendPending(map[string]interface{}{"sessionId": "s1"}, SourceChannel, AppendPendingOpts{})
	if err != nil {
		t.Fatal(err)
	}

	var seen Record
	r := NewRecovery(dir, nil)
	r.RegisterHandler(SourceChannel, func(got Record) error {
		seen = got
		return nil
	})
	if err := r.Recover(""); err != nil {
		t.Fatal(err)
	}
	if seen.WalID != rec.WalID {
		t.Errorf("handler saw walId %q, want %q", seen.WalID, rec.WalID)
	}
}

func TestRecovery_HandlerErrorMarksFailed(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "channel")
	rec, err := w.AppendPending(map[string]interface{}{"sessionId": "s1"}, SourceChannel, AppendPendingOpts{})
	if err != nil {
		t.Fatal(err)
	}

	r := NewRecovery(dir, nil)
	r.RegisterHandler(SourceChannel, func(Record) error {
		return errors.New("enqueue failed")
	})
	if err := r.Recover(""); err != nil {
		t.Fatal(err)
	}

	pending, err := w.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending records after failed re-enqueue, got %d", len(pending))
	}

	rows, err := w.readAllLocked()
	if err != nil {
		t.Fatal(err)
	}
	if rows[len(rows)-1].Status != StatusFailed || rows[len(rows)-1].WalID != rec.WalID {
		t.Errorf("expected latest row to be failed for %q, got %+v", rec.WalID, rows[len(rows)-1])
	}
}

func TestRecovery_UnknownSourceMarksExpired(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "gateway")
	rec, err := w.AppendPending(map[string]interface{}{"sessionId": "s1"}, SourceGateway, AppendPendingOpts{})
	if err != nil {
		t.Fatal(err)
	}

	r := NewRecovery(dir, nil) // no handlers registered at all

	if err := r.Recover(""); err != nil {
		t.Fatal(err)
	}

	rows, err := w.readAllLocked()
	if err != nil {
		t.Fatal(err)
	}
	if rows[len(rows)-1].Status != StatusExpired || rows[len(rows)-1].WalID != rec.WalID {
		t.Errorf("expected unknown-source record to be marked expired, got %+v", rows[len(rows)-1])
	}
}

func TestRecovery_ScopeFilterRestrictsScan(t *testing.T) {
	dir := t.TempDir()
	w1 := New(dir, "channel-a")
	w2 := New(dir, "channel-b")
	if _, err := w1.AppendPending(map[string]interface{}{"sessionId": "s1"}, SourceChannel, AppendPendingOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := w2.AppendPending(map[string]interface{}{"sessionId": "s2"}, SourceChannel, AppendPendingOpts{}); err != nil {
		t.Fatal(err)
	}

	var seenScopes []string
	r := NewRecovery(dir, nil)
	r.RegisterHandler(SourceChannel, func(rec Record) error {
		seenScopes = append(seenScopes, rec.SessionID)
		return nil
	})
	if err := r.Recover("channel-a"); err != nil {
		t.Fatal(err)
	}
	if len(seenScopes) != 1 || seenScopes[0] != "s1" {
		t.Errorf("expected only channel-a's record, got %v", seenScopes)
	}
}
