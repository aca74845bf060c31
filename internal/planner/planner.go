// Package planner drives the planning agent: it turns a user objective
// into a validated task breakdown and persists the breakdown as READY
// tasks. Low-quality plans are retried with the validation failure fed
// back into the next prompt, up to the configured quality retry budget.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

// Planner produces and persists task breakdowns.
type Planner struct {
	store  *store.Store
	runner agent.Runner
	cfg    *config.Config
	logger *logging.Logger
}

// New creates a Planner.
func New(st *store.Store, runner agent.Runner, cfg *config.Config, logger *logging.Logger) *Planner {
	return &Planner{store: st, runner: runner, cfg: cfg, logger: logger}
}

// NewTaskID generates a fresh task identifier.
func NewTaskID() string {
	return "task-" + uuid.NewString()[:8]
}

func buildPlanPrompt(objective string, previousFailure string) string {
	var b strings.Builder
	b.WriteString("Break the following objective into independent tasks for coding agents.\n\n")
	b.WriteString("## Objective\n")
	b.WriteString(objective)
	b.WriteString("\n\nRespond with a single JSON object:\n")
	b.WriteString(`{"summary": string, "tasks": [{"id": string, "title": string, "context": string, "acceptance": string, "task_type": "implementation"|"documentation"|"investigation", "scope_paths": [string], "dependencies": [string], "skip": bool, "skip_reason": string}]}`)
	b.WriteString("\nEach task needs a concrete acceptance criterion. Mark a task skip:true only when the repository already satisfies it.\n")
	if previousFailure != "" {
		b.WriteString("\nYour previous plan was rejected: ")
		b.WriteString(previousFailure)
		b.WriteString("\nProduce a corrected plan.\n")
	}
	return b.String()
}

// Plan invokes the planning agent and returns a validated breakdown.
// Validation failures are fed back to the agent and retried up to the
// configured planner quality budget.
func (p *Planner) Plan(ctx context.Context, objective, repoDir, sessionID string) (*Breakdown, error) {
	var lastErr error
	failure := ""
	for attempt := 0; attempt <= p.cfg.PlannerQualityRetries; attempt++ {
		result, err := p.runner.Run(ctx, agent.Request{
			Kind:    agent.Kind(p.cfg.Agents.Planner.Type),
			Model:   p.cfg.Agents.Planner.Model,
			Prompt:  buildPlanPrompt(objective, failure),
			Dir:     repoDir,
			LogPath: p.store.RunLogPath("plan-" + sessionID + fmt.Sprintf("-%d", attempt)),
			Timeout: time.Duration(p.cfg.JudgeTimeoutMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("planning agent: %w", err)
		}

		breakdown, err := ParseBreakdown(result.FinalResponse)
		if err == nil {
			err = ValidateBreakdown(breakdown, p.cfg.Planning.MaxTasks, p.cfg.Planning.StrictContextValidation)
		}
		if err == nil {
			p.logger.WithSession(sessionID).Info("plan accepted",
				"tasks", len(breakdown.Tasks), "attempt", attempt+1)
			return breakdown, nil
		}

		lastErr = err
		failure = err.Error()
		p.logger.WithSession(sessionID).Warn("plan rejected",
			"attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("planner quality retries exhausted: %w", lastErr)
}

// Persist creates the breakdown's tasks in the store. Plan-local IDs are
// rewritten to globally unique IDs; dependency lists are remapped
// accordingly. Tasks marked skip are created directly in SKIPPED with the
// planner's reason. Returns the created tasks in breakdown order.
func (p *Planner) Persist(b *Breakdown, repoDir, baseBranch, sessionID, rootSessionID string) ([]*task.Task, error) {
	idMap := make(map[string]string, len(b.Tasks))
	for _, tb := range b.Tasks {
		idMap[tb.ID] = NewTaskID()
	}

	now := time.Now().UTC()
	created := make([]*task.Task, 0, len(b.Tasks))
	for _, tb := range b.Tasks {
		id := idMap[tb.ID]

		deps := make([]string, 0, len(tb.Dependencies))
		for _, dep := range tb.Dependencies {
			deps = append(deps, idMap[dep])
		}

		taskType := task.Type(tb.TaskType)
		if !taskType.IsValid() {
			taskType = task.TypeImplementation
		}

		state := task.StateReady
		taskCtx := contextWithTitle(tb)
		if tb.Skip {
			state = task.StateSkipped
			if tb.SkipReason != "" {
				taskCtx += "\n\nSkipped by planner: " + tb.SkipReason
			}
		}

		t := &task.Task{
			ID:            id,
			Version:       0,
			State:         state,
			Repo:          repoDir,
			Branch:        fmt.Sprintf("maestro/%s/%s", sessionID, id),
			BaseBranch:    baseBranch,
			ScopePaths:    tb.ScopePaths,
			Acceptance:    tb.Acceptance,
			Context:       taskCtx,
			TaskType:      taskType,
			Dependencies:  deps,
			RootSessionID: rootSessionID,
			SessionID:     sessionID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := p.store.CreateTask(t); err != nil {
			return created, fmt.Errorf("persist task %s: %w", id, err)
		}
		created = append(created, t)
	}
	return created, nil
}

func contextWithTitle(tb TaskBreakdown) string {
	if tb.Title == "" {
		return tb.Context
	}
	if tb.Context == "" {
		return tb.Title
	}
	return tb.Title + "\n\n" + tb.Context
}
