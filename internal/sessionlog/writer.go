package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends records to a per-session NDJSON log file. Each record is
// serialized to a single line and written in one call while holding an
// internal mutex, so lines from concurrent writers never interleave.
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	sessionID string
	lastStamp time.Time
}

// LogFilePath returns the NDJSON log path for a session under sessionsDir.
func LogFilePath(sessionsDir, sessionID string) string {
	return filepath.Join(sessionsDir, sessionID+".jsonl")
}

// NewWriter opens (creating if needed) the append-only log for a session.
func NewWriter(sessionsDir, sessionID string) (*Writer, error) {
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	f, err := os.OpenFile(LogFilePath(sessionsDir, sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	return &Writer{file: f, sessionID: sessionID}, nil
}

// SessionID returns the session this writer logs for.
func (w *Writer) SessionID() string {
	return w.sessionID
}

// Log appends one record. The session ID and timestamp are stamped if the
// caller left them empty. Timestamps are monotone non-decreasing within
// this writer.
func (w *Writer) Log(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("session log closed")
	}
	if rec.SessionID == "" {
		rec.SessionID = w.sessionID
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Timestamp.Before(w.lastStamp) {
		rec.Timestamp = w.lastStamp
	}
	w.lastStamp = rec.Timestamp

	if !rec.Type.IsValid() {
		return fmt.Errorf("refusing to log unknown record type %q", rec.Type)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append session record: %w", err)
	}
	return nil
}

// Close syncs and closes the log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		w.file = nil
		return fmt.Errorf("sync session log: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	return err
}
