package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

type fakeRunner struct {
	responses []string
	errs      []error
	prompts   []string
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	i := len(f.prompts)
	f.prompts = append(f.prompts, req.Prompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		return nil, errors.New("fakeRunner: no scripted response left")
	}
	return &agent.Result{FinalResponse: f.responses[i]}, nil
}

func newTestPlanner(t *testing.T, runner agent.Runner) *Planner {
	t.Helper()
	logger, err := logging.NewLogger("", logging.LevelError)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	st, err := store.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	cfg := config.Default()
	cfg.PlannerQualityRetries = 2
	return New(st, runner, cfg, logger)
}

func TestPlanAcceptsValidBreakdown(t *testing.T) {
	runner := &fakeRunner{responses: []string{
		`{"summary": "s", "tasks": [{"id": "t1", "context": "c", "acceptance": "a"}]}`,
	}}
	p := newTestPlanner(t, runner)

	b, err := p.Plan(context.Background(), "add caching", "/tmp/repo", "sess-1")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(b.Tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(b.Tasks))
	}
	if len(runner.prompts) != 1 {
		t.Errorf("expected 1 agent call, got %d", len(runner.prompts))
	}
}

func TestPlanRetriesWithFailureFeedback(t *testing.T) {
	runner := &fakeRunner{responses: []string{
		`{"tasks": [{"id": "t1", "context": "c", "acceptance": "a", "dependencies": ["ghost"]}]}`,
		`{"tasks": [{"id": "t1", "context": "c", "acceptance": "a"}]}`,
	}}
	p := newTestPlanner(t, runner)

	b, err := p.Plan(context.Background(), "add caching", "/tmp/repo", "sess-1")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(b.Tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(b.Tasks))
	}
	if len(runner.prompts) != 2 {
		t.Fatalf("expected retry, got %d calls", len(runner.prompts))
	}
	if !strings.Contains(runner.prompts[1], "previous plan was rejected") {
		t.Error("retry prompt should carry the validation failure")
	}
	if !strings.Contains(runner.prompts[1], "ghost") {
		t.Error("retry prompt should name the failing dependency")
	}
}

func TestPlanExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{responses: []string{
		"not a plan", "still not a plan", "nope",
	}}
	p := newTestPlanner(t, runner)

	_, err := p.Plan(context.Background(), "add caching", "/tmp/repo", "sess-1")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(runner.prompts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(runner.prompts))
	}
}

func TestNewTaskIDShape(t *testing.T) {
	id := NewTaskID()
	if !strings.HasPrefix(id, "task-") || len(id) != len("task-")+8 {
		t.Errorf("unexpected task id shape: %q", id)
	}
	if NewTaskID() == id {
		t.Error("task ids should be unique")
	}
}

func TestPersistRemapsIDsAndDependencies(t *testing.T) {
	p := newTestPlanner(t, &fakeRunner{})
	b := &Breakdown{Tasks: []TaskBreakdown{
		{ID: "t1", Title: "First", Context: "do the first thing", Acceptance: "a1", ScopePaths: []string{"internal/a/**"}},
		{ID: "t2", Title: "Second", Context: "do the second thing", Acceptance: "a2", Dependencies: []string{"t1"}},
	}}

	created, err := p.Persist(b, "/tmp/repo", "main", "sess-1", "sess-1")
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(created))
	}

	first, second := created[0], created[1]
	if first.ID == "t1" {
		t.Error("plan-local id should be rewritten")
	}
	if len(second.Dependencies) != 1 || second.Dependencies[0] != first.ID {
		t.Errorf("dependency not remapped: %v (first id %s)", second.Dependencies, first.ID)
	}
	if first.State != task.StateReady {
		t.Errorf("state = %s, want READY", first.State)
	}
	if first.Branch != "maestro/sess-1/"+first.ID {
		t.Errorf("branch = %q", first.Branch)
	}
	if first.BaseBranch != "main" {
		t.Errorf("base branch = %q", first.BaseBranch)
	}
	if !strings.HasPrefix(first.Context, "First\n\n") {
		t.Errorf("title not folded into context: %q", first.Context)
	}

	// The tasks are persisted, not just returned.
	stored, err := p.store.ReadTask(second.ID)
	if err != nil {
		t.Fatalf("persisted task unreadable: %v", err)
	}
	if stored.Acceptance != "a2" {
		t.Errorf("stored acceptance = %q", stored.Acceptance)
	}
}

func TestPersistSkippedTask(t *testing.T) {
	p := newTestPlanner(t, &fakeRunner{})
	b := &Breakdown{Tasks: []TaskBreakdown{
		{ID: "t1", Context: "already done", Acceptance: "a", Skip: true, SkipReason: "feature exists"},
	}}

	created, err := p.Persist(b, "/tmp/repo", "main", "sess-1", "sess-1")
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if created[0].State != task.StateSkipped {
		t.Errorf("state = %s, want SKIPPED", created[0].State)
	}
	if !strings.Contains(created[0].Context, "Skipped by planner: feature exists") {
		t.Errorf("skip reason not recorded: %q", created[0].Context)
	}
}

func TestPersistUnknownTaskTypeFallsBack(t *testing.T) {
	p := newTestPlanner(t, &fakeRunner{})
	b := &Breakdown{Tasks: []TaskBreakdown{
		{ID: "t1", Context: "c", Acceptance: "a", TaskType: "refactoring"},
	}}
	created, err := p.Persist(b, "/tmp/repo", "main", "sess-1", "sess-1")
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if created[0].TaskType != task.TypeImplementation {
		t.Errorf("task type = %s, want implementation fallback", created[0].TaskType)
	}
}
