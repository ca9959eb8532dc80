package gateway

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateToken_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token")
	tok, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("LoadOrCreateToken: %v", err)
	}
	if tok == "" {
		t.Fatal("expected a non-empty generated token")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	tok2, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateToken: %v", err)
	}
	if tok2 != tok {
		t.Errorf("expected stable token across calls, got %q then %q", tok, tok2)
	}
}

func TestLoadOrCreateToken_EmptyFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatalf("write empty token file: %v", err)
	}
	if _, err := LoadOrCreateToken(path); err == nil {
		t.Fatal("expected error for empty token file")
	}
}

func TestTokensEqual(t *testing.T) {
	if !tokensEqual("abc", "abc") {
		t.Error("expected equal tokens to match")
	}
	if tokensEqual("abc", "abd") {
		t.Error("expected different tokens to not match")
	}
}
