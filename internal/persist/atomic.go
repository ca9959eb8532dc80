// Package persist provides the crash-safe file primitives every store in
// the orchestrator is built on: atomic write-then-rename, append-only
// JSONL with a cached non-emptiness bit, and secret redaction.
package persist

import (
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path by writing to a sibling temp file,
// fsyncing it, then renaming it over path. The rename is atomic on the
// same filesystem, so readers never observe a partially-written file.
// On rename failure the temp file is removed and the error returned.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// SanitizeForFilename replaces any char outside [A-Za-z0-9._-] with '_',
// matching the workspace layout's <sanitized-session> convention.
func SanitizeForFilename(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
