// Package replan decomposes a failed or oversized task into fresh
// replacement tasks. The replanner asks the planning agent for a new
// breakdown scoped to the failed task, persists the replacements as
// READY, marks the original REPLACED_BY_REPLAN, and rewires any
// dependents of the original onto the replacements so they stay
// schedulable.
package replan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/planner"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

// ErrReplanBudget indicates the per-session replan budget is exhausted.
var ErrReplanBudget = errors.New("replan budget exhausted for session")

// Replanner creates replacement tasks for failed ones.
type Replanner struct {
	store  *store.Store
	runner agent.Runner
	cfg    *config.Config
	logger *logging.Logger

	mu    sync.Mutex
	count int
}

// New creates a Replanner.
func New(st *store.Store, runner agent.Runner, cfg *config.Config, logger *logging.Logger) *Replanner {
	return &Replanner{store: st, runner: runner, cfg: cfg, logger: logger}
}

// Count returns how many replans this session has performed.
func (r *Replanner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// reserve consumes one unit of the replan budget, or fails.
func (r *Replanner) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.MaxReplansPerSession > 0 && r.count >= r.cfg.MaxReplansPerSession {
		return fmt.Errorf("%w: %d used", ErrReplanBudget, r.count)
	}
	r.count++
	return nil
}

func buildReplanPrompt(t *task.Task, reason string, missing []string) string {
	var b strings.Builder
	b.WriteString("A coding task failed and must be broken into smaller tasks.\n\n")
	b.WriteString("## Original task\n")
	b.WriteString(t.Context)
	b.WriteString("\n\n## Acceptance criterion\n")
	b.WriteString(t.Acceptance)
	b.WriteString("\n\n## Why it failed\n")
	b.WriteString(reason)
	if len(missing) > 0 {
		b.WriteString("\n\nUnmet requirements:\n")
		for _, m := range missing {
			b.WriteString("- " + m + "\n")
		}
	}
	b.WriteString("\nRespond with a single JSON object:\n")
	b.WriteString(`{"summary": string, "tasks": [{"id": string, "title": string, "context": string, "acceptance": string, "task_type": string, "scope_paths": [string], "dependencies": [string]}]}`)
	b.WriteString("\nEach replacement must be smaller than the original and independently verifiable.\n")
	return b.String()
}

// Replan decomposes t into replacement tasks. On success the original is
// REPLACED_BY_REPLAN with replacement IDs stamped, the replacements are
// READY, and every live dependent of the original now depends on the
// replacements instead. Returns the replacement tasks.
func (r *Replanner) Replan(ctx context.Context, t *task.Task, reason string, missing []string) ([]*task.Task, error) {
	if err := r.reserve(); err != nil {
		return nil, err
	}

	logger := r.logger.WithTask(t.ID).WithSession(t.SessionID)

	result, err := r.runner.Run(ctx, agent.Request{
		Kind:    agent.Kind(r.cfg.Agents.Planner.Type),
		Model:   r.cfg.Agents.Planner.Model,
		Prompt:  buildReplanPrompt(t, reason, missing),
		Dir:     t.Repo,
		LogPath: r.store.RunLogPath("replan-" + t.ID),
		Timeout: time.Duration(r.cfg.JudgeTimeoutMinutes) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("replanning agent: %w", err)
	}

	breakdown, err := planner.ParseBreakdown(result.FinalResponse)
	if err != nil {
		return nil, err
	}
	if err := planner.ValidateBreakdown(breakdown, r.cfg.Planning.MaxTasks, false); err != nil {
		return nil, err
	}

	replacements, err := r.persistReplacements(t, breakdown)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(replacements))
	for i, rt := range replacements {
		ids[i] = rt.ID
	}

	// Mark the original replaced. Terminal states other than our target
	// mean someone else resolved the task first.
	_, err = r.store.UpdateTaskRetry(t.ID, 5,
		func(cur *task.Task) bool { return cur.State == task.StateReplaced },
		func(cur *task.Task) error {
			cur.State = task.StateReplaced
			cur.Owner = ""
			cur.ReplanningInfo = &task.ReplanningInfo{
				ReplanReason:       reason,
				ReplacementTaskIDs: ids,
			}
			return nil
		})
	if err != nil {
		return replacements, fmt.Errorf("mark task replaced: %w", err)
	}

	if err := r.rewireDependents(t.ID, ids); err != nil {
		return replacements, err
	}

	logger.Info("task replanned", "replacements", len(ids), "reason", reason)
	return replacements, nil
}

// persistReplacements creates the breakdown's tasks. Replacements inherit
// the original's repo, base branch, and external dependencies; plan-local
// dependencies are remapped to the new IDs.
func (r *Replanner) persistReplacements(orig *task.Task, b *planner.Breakdown) ([]*task.Task, error) {
	idMap := make(map[string]string, len(b.Tasks))
	for _, tb := range b.Tasks {
		idMap[tb.ID] = planner.NewTaskID()
	}

	now := time.Now().UTC()
	created := make([]*task.Task, 0, len(b.Tasks))
	for _, tb := range b.Tasks {
		id := idMap[tb.ID]

		deps := make([]string, 0, len(tb.Dependencies)+len(orig.Dependencies))
		for _, dep := range tb.Dependencies {
			deps = append(deps, idMap[dep])
		}
		// Carry the original's dependencies so ordering guarantees hold.
		for _, dep := range orig.Dependencies {
			deps = append(deps, dep)
		}

		taskType := task.Type(tb.TaskType)
		if !taskType.IsValid() {
			taskType = orig.TaskType
		}

		scope := tb.ScopePaths
		if len(scope) == 0 {
			scope = append([]string(nil), orig.ScopePaths...)
		}

		nt := &task.Task{
			ID:            id,
			State:         task.StateReady,
			Repo:          orig.Repo,
			Branch:        fmt.Sprintf("maestro/%s/%s", orig.SessionID, id),
			BaseBranch:    orig.BaseBranch,
			ScopePaths:    scope,
			Acceptance:    tb.Acceptance,
			Context:       tb.Context,
			TaskType:      taskType,
			Dependencies:  deps,
			RootSessionID: orig.RootSessionID,
			SessionID:     orig.SessionID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := r.store.CreateTask(nt); err != nil {
			return created, fmt.Errorf("persist replacement %s: %w", id, err)
		}
		created = append(created, nt)
	}
	return created, nil
}

// rewireDependents replaces origID with the replacement IDs in the
// dependency list of every live task that depended on the original.
func (r *Replanner) rewireDependents(origID string, replacementIDs []string) error {
	tasks, err := r.store.ListTasks()
	if err != nil {
		return err
	}
	for _, dep := range tasks {
		if dep.State.IsTerminal() {
			continue
		}
		found := false
		for _, d := range dep.Dependencies {
			if d == origID {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		_, err := r.store.UpdateTaskRetry(dep.ID, 5, nil, func(cur *task.Task) error {
			next := make([]string, 0, len(cur.Dependencies)+len(replacementIDs))
			for _, d := range cur.Dependencies {
				if d != origID {
					next = append(next, d)
				}
			}
			next = append(next, replacementIDs...)
			cur.Dependencies = next
			return nil
		})
		if err != nil {
			return fmt.Errorf("rewire dependent %s: %w", dep.ID, err)
		}
	}
	return nil
}
