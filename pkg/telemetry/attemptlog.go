package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tfretry/tfretry/pkg/engine"
)

// AttemptLog is an append-only NDJSON sink for attempt records. Each record
// is a single JSON line, flushed to stable storage before Record returns, so
// an interrupted process never loses a completed attempt.
type AttemptLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenAttemptLog opens (or creates) the attempt log at path. Existing
// records are preserved; new records are appended.
func OpenAttemptLog(path string) (*AttemptLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create attempt log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open attempt log: %w", err)
	}
	return &AttemptLog{file: f, path: path}, nil
}

// Record appends one attempt record and syncs the file.
func (l *AttemptLog) Record(_ context.Context, rec engine.AttemptRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode attempt record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append attempt record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync attempt log: %w", err)
	}
	return nil
}

// Path returns the log file location.
func (l *AttemptLog) Path() string {
	return l.path
}

// Close closes the underlying file.
func (l *AttemptLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadAttemptLog parses every record from an NDJSON attempt log. Used by the
// history command when no database is configured.
func ReadAttemptLog(path string) ([]engine.AttemptRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attempt log: %w", err)
	}

	var records []engine.AttemptRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec engine.AttemptRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode attempt record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
