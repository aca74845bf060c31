package sessionlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrPointerNotFound indicates the requested pointer file does not exist.
var ErrPointerNotFound = errors.New("session pointer not found")

// SessionInfo is the content of a session pointer file.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	Status    string    `json:"status"`
}

// PointerManager maintains latest.json and previous.json under a sessions
// root so a later invocation can discover which session to resume.
type PointerManager struct {
	dir string
}

// NewPointerManager creates a pointer manager rooted at sessionsDir.
func NewPointerManager(sessionsDir string) (*PointerManager, error) {
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &PointerManager{dir: sessionsDir}, nil
}

func (p *PointerManager) latestPath() string {
	return filepath.Join(p.dir, "latest.json")
}

func (p *PointerManager) previousPath() string {
	return filepath.Join(p.dir, "previous.json")
}

func (p *PointerManager) read(path string) (*SessionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPointerNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("read pointer %s: %w", path, err)
	}
	var info SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse pointer %s: %w", path, err)
	}
	return &info, nil
}

func (p *PointerManager) write(path string, info *SessionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pointer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename pointer: %w", err)
	}
	return nil
}

// Latest returns the latest session pointer, or ErrPointerNotFound.
func (p *PointerManager) Latest() (*SessionInfo, error) {
	return p.read(p.latestPath())
}

// Previous returns the previous session pointer, or ErrPointerNotFound.
func (p *PointerManager) Previous() (*SessionInfo, error) {
	return p.read(p.previousPath())
}

// UpdateLatest promotes the current latest pointer to previous (if one
// exists) and records info as the new latest.
func (p *PointerManager) UpdateLatest(info SessionInfo) error {
	if _, err := os.Stat(p.latestPath()); err == nil {
		if err := os.Rename(p.latestPath(), p.previousPath()); err != nil {
			return fmt.Errorf("promote latest pointer: %w", err)
		}
	}
	return p.write(p.latestPath(), &info)
}

// UpdateStatus rewrites the status of whichever pointer references the
// given session ID. Returns ErrPointerNotFound if neither pointer does.
func (p *PointerManager) UpdateStatus(sessionID, status string) error {
	for _, path := range []string{p.latestPath(), p.previousPath()} {
		info, err := p.read(path)
		if err != nil {
			if errors.Is(err, ErrPointerNotFound) {
				continue
			}
			return err
		}
		if info.SessionID == sessionID {
			info.Status = status
			return p.write(path, info)
		}
	}
	return fmt.Errorf("%w: session %s", ErrPointerNotFound, sessionID)
}
