package orchestrator

import (
	"testing"
	"time"

	"github.com/maestro-cli/maestro/internal/depgraph"
	"github.com/maestro-cli/maestro/internal/task"
)

func chainTask(id string, deps ...string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:           id,
		State:        task.StateReady,
		Acceptance:   "a",
		Context:      "c",
		TaskType:     task.TypeImplementation,
		SessionID:    "sess-1",
		Dependencies: deps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestChainHints(t *testing.T) {
	tasks := []*task.Task{
		chainTask("task-a"),
		chainTask("task-b", "task-a"),
		chainTask("task-c", "task-b"),
		chainTask("task-x"),
	}
	g := depgraph.Build(tasks, nil, testLogger(t))

	hints := chainHints(g)
	if hints["task-x"] != nil {
		t.Errorf("standalone task got a chain hint: %+v", hints["task-x"])
	}
	for _, id := range []string{"task-a", "task-b", "task-c"} {
		hint := hints[id]
		if hint == nil {
			t.Fatalf("missing hint for %s", id)
		}
		if hint.Worktree != "wt-chain-task-a" {
			t.Errorf("%s worktree = %q", id, hint.Worktree)
		}
	}
	if !hints["task-a"].Keep || !hints["task-b"].Keep {
		t.Error("leading chain members must keep the worktree")
	}
	if hints["task-c"].Keep {
		t.Error("chain tail must release the worktree")
	}
}

func TestChainHintsDiamond(t *testing.T) {
	tasks := []*task.Task{
		chainTask("task-a"),
		chainTask("task-b", "task-a"),
		chainTask("task-c", "task-a"),
		chainTask("task-d", "task-b", "task-c"),
	}
	g := depgraph.Build(tasks, nil, testLogger(t))

	if hints := chainHints(g); len(hints) != 0 {
		t.Errorf("diamond has no serial chains, got %v", hints)
	}
}
