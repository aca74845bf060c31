// Package store provides the persistent task store: a key-addressed JSON
// file store with compare-and-swap updates arbitrated by advisory
// directory locks.
//
// Layout under the coordination root:
//
//	tasks/{id}.json   — task records
//	runs/{id}.json    — run metadata (raw agent logs live at runs/{id}.log)
//	checks/{id}.json  — check results
//	.locks/{id}/      — advisory lock directories
//
// All writes go to a sibling temp file and are renamed into place, so a
// concurrent reader observes either the pre- or post-image, never a torn
// file. The store is the single mutation authority for task state; every
// task mutation flows through UpdateTask.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/task"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a create would overwrite an existing record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrLockHeld indicates another writer holds the record's lock.
	ErrLockHeld = errors.New("lock held by another writer")

	// ErrSchemaInvalid indicates a record failed validation on read or write.
	ErrSchemaInvalid = errors.New("record schema invalid")

	// ErrRunFinalized indicates an attempt to update a run that already
	// reached a terminal status. Runs are append-only.
	ErrRunFinalized = errors.New("run already reached terminal status")
)

// ConflictError reports a compare-and-swap version mismatch. The losing
// caller re-reads and re-applies, or gives up if the task is now terminal.
type ConflictError struct {
	ID       string
	Expected int
	Actual   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s: expected version %d, actual %d", e.ID, e.Expected, e.Actual)
}

// Store is a file-backed repository of tasks, runs, checks, and
// exploration records.
// All methods are safe for concurrent use across goroutines and across
// processes sharing the same coordination root.
type Store struct {
	root   string
	logger *logging.Logger
}

// New creates a Store rooted at the given coordination directory,
// creating the layout directories if needed.
func New(root string, logger *logging.Logger) (*Store, error) {
	for _, dir := range []string{"tasks", "runs", "checks", "explorations", ".locks"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the coordination root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.root, "tasks", id+".json")
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.root, "runs", id+".json")
}

func (s *Store) checkPath(id string) string {
	return filepath.Join(s.root, "checks", id+".json")
}

func (s *Store) explorationPath(id string) string {
	return filepath.Join(s.root, "explorations", id+".json")
}

// RunLogPath returns the path where the raw agent log for a run is written.
func (s *Store) RunLogPath(runID string) string {
	return filepath.Join(s.root, "runs", runID+".log")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.root, ".locks", id)
}

// acquireLock atomically creates the lock directory for a record.
// Directory creation is the concurrency arbiter: exactly one caller
// observes success.
func (s *Store) acquireLock(id string) error {
	err := os.Mkdir(s.lockPath(id), 0o755)
	if err == nil {
		return nil
	}
	if os.IsExist(err) {
		return fmt.Errorf("%w: %s", ErrLockHeld, id)
	}
	return fmt.Errorf("acquire lock %s: %w", id, err)
}

// releaseLock removes the lock directory. Best-effort; a missing lock is
// not an error.
func (s *Store) releaseLock(id string) {
	if err := os.Remove(s.lockPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to release lock", "id", id, "error", err)
	}
}

// writeAtomic marshals v and renames it into place at target.
func writeAtomic(target string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// CreateTask persists a new task. Returns ErrAlreadyExists if a task with
// the same ID exists, ErrSchemaInvalid if the task fails validation.
func (s *Store) CreateTask(t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if _, err := os.Stat(s.taskPath(t.ID)); err == nil {
		return fmt.Errorf("%w: task %s", ErrAlreadyExists, t.ID)
	}
	if err := s.acquireLock(t.ID); err != nil {
		return err
	}
	defer s.releaseLock(t.ID)

	// Re-check under the lock: a concurrent creator may have won.
	if _, err := os.Stat(s.taskPath(t.ID)); err == nil {
		return fmt.Errorf("%w: task %s", ErrAlreadyExists, t.ID)
	}
	return writeAtomic(s.taskPath(t.ID), t)
}

// ReadTask returns the task with the given ID, or ErrNotFound.
func (s *Store) ReadTask(id string) (*task.Task, error) {
	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: task %s: %v", ErrSchemaInvalid, id, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return &t, nil
}

// ListTasks enumerates all tasks. Unparsable files are skipped with a
// warning rather than failing the whole listing.
func (s *Store) ListTasks() ([]*task.Task, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "tasks"))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []*task.Task
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		t, err := s.ReadTask(id)
		if err != nil {
			s.logger.Warn("skipping unparsable task file", "file", name, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// DeleteTask removes a task record. Returns ErrNotFound if it is missing.
func (s *Store) DeleteTask(id string) error {
	err := os.Remove(s.taskPath(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return err
}

// UpdateTask performs a compare-and-swap update of a task:
//
//  1. acquire the task's lock (ErrLockHeld if another writer holds it)
//  2. read the current record
//  3. if the stored version differs from expectedVersion, return ConflictError
//  4. apply fn to a clone; bump version; stamp UpdatedAt
//  5. write atomically; the lock is released on every exit path
//
// A failed fn publishes nothing. The returned task is the stored post-image.
func (s *Store) UpdateTask(id string, expectedVersion int, fn func(*task.Task) error) (*task.Task, error) {
	if err := s.acquireLock(id); err != nil {
		return nil, err
	}
	defer s.releaseLock(id)

	current, err := s.ReadTask(id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, &ConflictError{ID: id, Expected: expectedVersion, Actual: current.Version}
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	if err := writeAtomic(s.taskPath(id), next); err != nil {
		return nil, err
	}
	return next, nil
}

// UpdateTaskRetry re-reads and retries UpdateTask when the lock is held or
// the version moved underneath the caller. The update function must be
// written against the freshly read state each attempt. Gives up with the
// last error after attempts tries, and immediately if giveUp reports the
// current state no longer admits the update.
func (s *Store) UpdateTaskRetry(id string, attempts int, giveUp func(*task.Task) bool, fn func(*task.Task) error) (*task.Task, error) {
	var lastErr error
	backoff := 10 * time.Millisecond
	for i := 0; i < attempts; i++ {
		current, err := s.ReadTask(id)
		if err != nil {
			return nil, err
		}
		if giveUp != nil && giveUp(current) {
			return current, nil
		}
		updated, err := s.UpdateTask(id, current.Version, fn)
		if err == nil {
			return updated, nil
		}
		lastErr = err
		var conflict *ConflictError
		if !errors.Is(err, ErrLockHeld) && !errors.As(err, &conflict) {
			return nil, err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return nil, lastErr
}

// CreateRun persists a new run record.
func (s *Store) CreateRun(r *task.Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if _, err := os.Stat(s.runPath(r.ID)); err == nil {
		return fmt.Errorf("%w: run %s", ErrAlreadyExists, r.ID)
	}
	return writeAtomic(s.runPath(r.ID), r)
}

// ReadRun returns the run with the given ID, or ErrNotFound.
func (s *Store) ReadRun(id string) (*task.Run, error) {
	data, err := os.ReadFile(s.runPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}
	var r task.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: run %s: %v", ErrSchemaInvalid, id, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return &r, nil
}

// FinishRun records a run's terminal status. Runs are append-only: once a
// terminal status is stored, further updates return ErrRunFinalized.
func (s *Store) FinishRun(id string, status task.RunStatus, errorMessage string) (*task.Run, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: finish requires a terminal status, got %s", ErrSchemaInvalid, status)
	}
	r, err := s.ReadRun(id)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunFinalized, id, r.Status)
	}
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
	r.ErrorMessage = errorMessage
	if err := writeAtomic(s.runPath(id), r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRunsForTask returns all runs for a task, ordered by start time.
func (s *Store) ListRunsForTask(taskID string) ([]*task.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []*task.Run
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := s.ReadRun(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("skipping unparsable run file", "file", name, "error", err)
			continue
		}
		if r.TaskID == taskID {
			runs = append(runs, r)
		}
	}
	sortRuns(runs)
	return runs, nil
}

func sortRuns(runs []*task.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
}

// CreateCheck persists a check result.
func (s *Store) CreateCheck(c *task.Check) error {
	if c.ID == "" || c.TaskID == "" {
		return fmt.Errorf("%w: check requires id and task id", ErrSchemaInvalid)
	}
	if _, err := os.Stat(s.checkPath(c.ID)); err == nil {
		return fmt.Errorf("%w: check %s", ErrAlreadyExists, c.ID)
	}
	return writeAtomic(s.checkPath(c.ID), c)
}

// ReadCheck returns the check with the given ID, or ErrNotFound.
func (s *Store) ReadCheck(id string) (*task.Check, error) {
	data, err := os.ReadFile(s.checkPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: check %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read check %s: %w", id, err)
	}
	var c task.Check
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: check %s: %v", ErrSchemaInvalid, id, err)
	}
	return &c, nil
}

// CreateExploration persists an investigation task's findings.
func (s *Store) CreateExploration(e *task.Exploration) error {
	if e.ID == "" || e.TaskID == "" {
		return fmt.Errorf("%w: exploration requires id and task id", ErrSchemaInvalid)
	}
	if _, err := os.Stat(s.explorationPath(e.ID)); err == nil {
		return fmt.Errorf("%w: exploration %s", ErrAlreadyExists, e.ID)
	}
	return writeAtomic(s.explorationPath(e.ID), e)
}

// ReadExploration returns the exploration with the given ID, or ErrNotFound.
func (s *Store) ReadExploration(id string) (*task.Exploration, error) {
	data, err := os.ReadFile(s.explorationPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: exploration %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read exploration %s: %w", id, err)
	}
	var e task.Exploration
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: exploration %s: %v", ErrSchemaInvalid, id, err)
	}
	return &e, nil
}

// ListExplorationsForTask returns a task's explorations, oldest first.
func (s *Store) ListExplorationsForTask(taskID string) ([]*task.Exploration, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "explorations"))
	if err != nil {
		return nil, fmt.Errorf("list explorations: %w", err)
	}
	var explorations []*task.Exploration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		e, err := s.ReadExploration(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("skipping unparsable exploration file", "file", name, "error", err)
			continue
		}
		if e.TaskID == taskID {
			explorations = append(explorations, e)
		}
	}
	sort.Slice(explorations, func(i, j int) bool {
		return explorations[i].CreatedAt.Before(explorations[j].CreatedAt)
	})
	return explorations, nil
}
