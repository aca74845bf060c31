package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, err := logging.NewLogger("", logging.LevelError)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	s, err := New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func makeTask(id string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:         id,
		Version:    1,
		State:      task.StateReady,
		Repo:       "/tmp/repo",
		Branch:     "maestro/sess-1/" + id,
		BaseBranch: "main",
		Acceptance: "acceptance criteria",
		TaskType:   task.TypeImplementation,
		SessionID:  "sess-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestCreateAndReadTask(t *testing.T) {
	s := newTestStore(t)
	orig := makeTask("task-1")
	orig.ScopePaths = []string{"internal/api/**"}
	orig.Dependencies = []string{"task-0"}

	if err := s.CreateTask(orig); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := s.ReadTask("task-1")
	if err != nil {
		t.Fatalf("ReadTask failed: %v", err)
	}
	if got.ID != orig.ID || got.Version != orig.Version || got.State != orig.State {
		t.Errorf("read task differs: got %+v", got)
	}
	if len(got.ScopePaths) != 1 || got.ScopePaths[0] != "internal/api/**" {
		t.Errorf("scope paths not preserved: %v", got.ScopePaths)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "task-0" {
		t.Errorf("dependencies not preserved: %v", got.Dependencies)
	}
}

func TestCreateTaskDuplicate(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	err := s.CreateTask(makeTask("task-1"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateTaskRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	bad := makeTask("task-1")
	bad.State = "LIMBO"
	err := s.CreateTask(bad)
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Errorf("expected ErrSchemaInvalid, got %v", err)
	}
}

func TestReadTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadTask("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadTaskRejectsUnknownState(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// Corrupt the stored record with a state this version doesn't know.
	path := filepath.Join(s.Root(), "tasks", "task-1.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw task: %v", err)
	}
	corrupted := strings.Replace(string(data), `"READY"`, `"HIBERNATING"`, 1)
	if err := os.WriteFile(path, []byte(corrupted), 0o644); err != nil {
		t.Fatalf("write corrupted task: %v", err)
	}

	_, err = s.ReadTask("task-1")
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Errorf("expected ErrSchemaInvalid, got %v", err)
	}
}

func TestUpdateTaskBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := s.UpdateTask("task-1", 1, func(tk *task.Task) error {
		tk.State = task.StateRunning
		tk.Owner = "worker-1"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
	if updated.State != task.StateRunning || updated.Owner != "worker-1" {
		t.Errorf("mutation not applied: %+v", updated)
	}

	stored, err := s.ReadTask("task-1")
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if stored.Version != 2 || stored.State != task.StateRunning {
		t.Errorf("stored post-image differs: %+v", stored)
	}
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err := s.UpdateTask("task-1", 7, func(tk *task.Task) error { return nil })
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ID != "task-1" || conflict.Expected != 7 || conflict.Actual != 1 {
		t.Errorf("conflict details wrong: %+v", conflict)
	}
}

func TestUpdateTaskFailedFnPublishesNothing(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	wantErr := errors.New("mutation refused")
	_, err := s.UpdateTask("task-1", 1, func(tk *task.Task) error {
		tk.State = task.StateDone
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected mutation error, got %v", err)
	}

	stored, err := s.ReadTask("task-1")
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if stored.State != task.StateReady || stored.Version != 1 {
		t.Errorf("failed update leaked a write: %+v", stored)
	}
}

func TestUpdateTaskLockHeld(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Simulate another writer holding the lock.
	if err := os.Mkdir(filepath.Join(s.Root(), ".locks", "task-1"), 0o755); err != nil {
		t.Fatalf("mkdir lock: %v", err)
	}
	defer os.Remove(filepath.Join(s.Root(), ".locks", "task-1"))

	_, err := s.UpdateTask("task-1", 1, func(tk *task.Task) error { return nil })
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
}

func TestUpdateTaskConcurrentWritersAllLand(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.UpdateTaskRetry("task-1", 50, nil, func(tk *task.Task) error {
				tk.Context = fmt.Sprintf("%s.", tk.Context)
				return nil
			})
			errs[n] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", i, err)
		}
	}
	stored, err := s.ReadTask("task-1")
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if stored.Version != 1+writers {
		t.Errorf("expected version %d after %d updates, got %d", 1+writers, writers, stored.Version)
	}
	if len(stored.Context) != writers {
		t.Errorf("expected %d applied mutations, got %d", writers, len(stored.Context))
	}
}

func TestUpdateTaskRetryGiveUp(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.UpdateTask("task-1", 1, func(tk *task.Task) error {
		tk.State = task.StateDone
		return nil
	}); err != nil {
		t.Fatalf("setup update failed: %v", err)
	}

	called := false
	got, err := s.UpdateTaskRetry("task-1", 5,
		func(tk *task.Task) bool { return tk.State.IsTerminal() },
		func(tk *task.Task) error {
			called = true
			tk.State = task.StateCancelled
			return nil
		})
	if err != nil {
		t.Fatalf("UpdateTaskRetry failed: %v", err)
	}
	if called {
		t.Error("update applied despite giveUp")
	}
	if got.State != task.StateDone {
		t.Errorf("expected DONE, got %s", got.State)
	}
}

func TestListTasksSkipsGarbage(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTask(makeTask("task-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateTask(makeTask("task-2")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	garbage := filepath.Join(s.Root(), "tasks", "task-3.json")
	if err := os.WriteFile(garbage, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	tasks, err := s.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	r := &task.Run{
		ID:        "run-1",
		TaskID:    "task-1",
		AgentType: "worker",
		LogPath:   s.RunLogPath("run-1"),
		Status:    task.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	finished, err := s.FinishRun("run-1", task.RunSuccess, "")
	if err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if finished.Status != task.RunSuccess || finished.FinishedAt == nil {
		t.Errorf("run not finalized: %+v", finished)
	}

	// Runs are append-only after a terminal status.
	_, err = s.FinishRun("run-1", task.RunFailure, "late failure")
	if !errors.Is(err, ErrRunFinalized) {
		t.Errorf("expected ErrRunFinalized, got %v", err)
	}
}

func TestFinishRunRequiresTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	r := &task.Run{ID: "run-1", TaskID: "task-1", Status: task.RunRunning, StartedAt: time.Now()}
	if err := s.CreateRun(r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	_, err := s.FinishRun("run-1", task.RunRunning, "")
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Errorf("expected ErrSchemaInvalid, got %v", err)
	}
}

func TestListRunsForTaskOrdering(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i, id := range []string{"run-b", "run-a", "run-c"} {
		r := &task.Run{
			ID:        id,
			TaskID:    "task-1",
			Status:    task.RunSuccess,
			StartedAt: base.Add(time.Duration(2-i) * time.Minute),
		}
		if err := s.CreateRun(r); err != nil {
			t.Fatalf("CreateRun %s failed: %v", id, err)
		}
	}
	// A run for a different task must not appear.
	other := &task.Run{ID: "run-x", TaskID: "task-9", Status: task.RunSuccess, StartedAt: base}
	if err := s.CreateRun(other); err != nil {
		t.Fatalf("CreateRun run-x failed: %v", err)
	}

	runs, err := s.ListRunsForTask("task-1")
	if err != nil {
		t.Fatalf("ListRunsForTask failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartedAt.Before(runs[i-1].StartedAt) {
			t.Errorf("runs out of order at %d: %v before %v", i, runs[i].StartedAt, runs[i-1].StartedAt)
		}
	}
}

func TestCheckRoundTrip(t *testing.T) {
	s := newTestStore(t)
	c := &task.Check{
		ID:        "check-1",
		TaskID:    "task-1",
		Commands:  []string{"go build ./...", "go test ./..."},
		ExitCode:  1,
		Stderr:    "FAIL",
		Passed:    false,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateCheck(c); err != nil {
		t.Fatalf("CreateCheck failed: %v", err)
	}
	got, err := s.ReadCheck("check-1")
	if err != nil {
		t.Fatalf("ReadCheck failed: %v", err)
	}
	if got.ExitCode != 1 || got.Passed || len(got.Commands) != 2 {
		t.Errorf("check differs: %+v", got)
	}
}

func TestExplorationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i, e := range []*task.Exploration{
		{ID: "exp-2", TaskID: "task-1", RunID: "run-2", Findings: "later findings"},
		{ID: "exp-1", TaskID: "task-1", RunID: "run-1", Findings: "the cache is never invalidated"},
		{ID: "exp-3", TaskID: "task-9", Findings: "unrelated"},
	} {
		e.CreatedAt = base.Add(time.Duration(-i) * time.Minute)
		if err := s.CreateExploration(e); err != nil {
			t.Fatalf("CreateExploration %s failed: %v", e.ID, err)
		}
	}

	got, err := s.ReadExploration("exp-1")
	if err != nil {
		t.Fatalf("ReadExploration failed: %v", err)
	}
	if got.TaskID != "task-1" || got.Findings != "the cache is never invalidated" {
		t.Errorf("exploration differs: %+v", got)
	}

	// Listing filters by task and orders oldest first.
	list, err := s.ListExplorationsForTask("task-1")
	if err != nil {
		t.Fatalf("ListExplorationsForTask failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "exp-1" || list[1].ID != "exp-2" {
		t.Errorf("explorations = %+v", list)
	}

	if err := s.CreateExploration(&task.Exploration{ID: "exp-1", TaskID: "task-1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate create: %v", err)
	}
	if _, err := s.ReadExploration("exp-404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing exploration: %v", err)
	}
}
