package persist

import (
	"encoding/json"
	"os"
	"sync"
)

// AppendLog is an append-only JSONL file with a cached "has content" bit,
// so callers don't need to stat the file before deciding whether to
// prefix a newline. The cache is invalidated on any externally-observable
// rewrite (a compaction elsewhere rewriting the same path) and can be
// forced to re-check on next append via Invalidate.
type AppendLog struct {
	path string

	mu         sync.Mutex
	hasContent bool
	known      bool // whether hasContent reflects reality or must be rechecked
}

// NewAppendLog opens (lazily — no file is created until the first Append)
// an append log at path.
func NewAppendLog(path string) *AppendLog {
	return &AppendLog{path: path}
}

// Path returns the backing file path.
func (l *AppendLog) Path() string { return l.path }

// Invalidate forces the next Append to re-stat the file for its
// non-emptiness, tolerating external truncation/rewrite (e.g. compaction).
func (l *AppendLog) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.known = false
}

// AppendJSONLine serializes record and appends it as one line, prefixing
// a newline if the file already has content. record must be JSON-safe.
func (l *AppendLog) AppendJSONLine(record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return l.AppendRaw(data)
}

// AppendRaw appends a single pre-serialized line (no trailing newline
// expected in data).
func (l *AppendLog) AppendRaw(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.known {
		if info, err := os.Stat(l.path); err == nil {
			l.hasContent = info.Size() > 0
		} else {
			l.hasContent = false
		}
		l.known = true
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if l.hasContent {
		if _, err := f.Write([]byte("\n")); err != nil {
			return err
		}
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	l.hasContent = true
	return nil
}
