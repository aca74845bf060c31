package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maestro-cli/maestro/internal/logging"
)

// LockFileName is the lock file kept inside a session directory while an
// orchestrator process owns the session.
const LockFileName = "session.lock"

// ErrSessionLocked indicates another live process owns the session.
var ErrSessionLocked = errors.New("session is locked by another process")

// SessionLock is an exclusive per-session process lock. A lock whose
// owning process has died is stale and may be reclaimed.
type SessionLock struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// AcquireSessionLock takes the lock for a session directory, reclaiming a
// stale lock left by a dead process. O_EXCL creation arbitrates races.
func AcquireSessionLock(sessionDir, sessionID string, logger *logging.Logger) (*SessionLock, error) {
	path := filepath.Join(sessionDir, LockFileName)

	if existing, err := readSessionLock(path); err == nil {
		if processAlive(existing.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", ErrSessionLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale session lock: %w", err)
		}
		logger.Warn("reclaimed stale session lock", "session_id", sessionID, "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &SessionLock{
		SessionID: sessionID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		path:      path,
		logger:    logger,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := readSessionLock(path); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrSessionLocked, existing.PID, existing.Hostname)
			}
			return nil, ErrSessionLocked
		}
		return nil, fmt.Errorf("create session lock: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write session lock: %w", err)
	}

	logger.Info("session lock acquired", "session_id", sessionID, "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file if this process still owns it. Safe to
// call more than once.
func (l *SessionLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	existing, err := readSessionLock(l.path)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Info("session lock released", "session_id", l.SessionID)
	}
	return nil
}

func readSessionLock(path string) (*SessionLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock SessionLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse session lock: %w", err)
	}
	lock.path = path
	return &lock, nil
}

// processAlive reports whether a PID names a live process. Signal 0
// probes without delivering anything.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
