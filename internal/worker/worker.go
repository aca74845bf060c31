// Package worker executes one claimed task: it prepares an isolated
// worktree on the task's branch, assembles the agent prompt from task
// context plus completed-dependency summaries and any continuation
// feedback, runs the coding agent, executes configured checks, and
// commits and pushes the result.
package worker

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/git"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

// Attempt is the outcome of one worker invocation on a task.
type Attempt struct {
	TaskID       string
	WorkerID     string
	RunID        string
	Success      bool
	ChecksPassed bool
	CheckID      string
	Summary      string
	Err          error
}

// ChainHint marks a task as a member of a serial dependency chain. Chain
// members share one worktree: the first member creates it, later members
// check their branch out in place, and the last member removes it.
type ChainHint struct {
	// Worktree is the shared worktree name for the whole chain.
	Worktree string

	// Keep leaves the worktree in place for the next chain member.
	Keep bool
}

// Worker runs task attempts. One Worker value serves all worker slots;
// per-attempt state lives on the stack.
type Worker struct {
	store  *store.Store
	vcs    git.Driver
	runner agent.Runner
	cfg    *config.Config
	logger *logging.Logger
}

// New creates a Worker.
func New(st *store.Store, vcs git.Driver, runner agent.Runner, cfg *config.Config, logger *logging.Logger) *Worker {
	return &Worker{store: st, vcs: vcs, runner: runner, cfg: cfg, logger: logger}
}

// worktreeName derives the worktree directory name for an attempt. Chain
// members share the hint's name; everything else gets a per-task worktree.
func worktreeName(t *task.Task, hint *ChainHint) string {
	if hint != nil && hint.Worktree != "" {
		return hint.Worktree
	}
	return "wt-" + t.ID
}

// prepareWorktree checks the task's branch out into a worktree, creating
// the branch from baseBranch when it does not exist yet. Continuations
// find the branch already present and reuse it. When a chain predecessor
// left the shared worktree behind, the task's branch is checked out in
// place instead of adding a new worktree.
func (w *Worker) prepareWorktree(t *task.Task, hint *ChainHint) (string, error) {
	exists, err := w.vcs.BranchExists(t.Branch)
	if err != nil {
		return "", fmt.Errorf("check branch %s: %w", t.Branch, err)
	}
	if !exists {
		if err := w.vcs.CreateBranch(t.Branch, t.BaseBranch); err != nil {
			return "", fmt.Errorf("create branch %s from %s: %w", t.Branch, t.BaseBranch, err)
		}
	}

	name := worktreeName(t, hint)
	if hint != nil {
		if path, ok := w.findWorktree(name); ok {
			if err := w.vcs.Checkout(path, t.Branch); err != nil {
				return "", fmt.Errorf("checkout %s in shared worktree: %w", t.Branch, err)
			}
			return path, nil
		}
	}

	path, err := w.vcs.CreateWorktree(name, t.Branch, false)
	if err != nil {
		return "", fmt.Errorf("create worktree for %s: %w", t.ID, err)
	}
	return path, nil
}

// findWorktree looks an existing worktree up by directory name.
func (w *Worker) findWorktree(name string) (string, bool) {
	infos, err := w.vcs.ListWorktrees()
	if err != nil {
		w.logger.Warn("worktree listing failed", "error", err)
		return "", false
	}
	for _, info := range infos {
		if filepath.Base(info.Path) == name {
			return info.Path, true
		}
	}
	return "", false
}

// buildPrompt assembles the agent prompt for an attempt.
func (w *Worker) buildPrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString("You are implementing one task inside a larger plan. Work only in the current directory.\n\n")
	b.WriteString("## Task\n")
	b.WriteString(t.Context)
	b.WriteString("\n\n## Acceptance criterion\n")
	b.WriteString(t.Acceptance)

	if len(t.ScopePaths) > 0 {
		b.WriteString("\n\n## Expected scope\n")
		for _, p := range t.ScopePaths {
			b.WriteString("- " + p + "\n")
		}
	}

	if summaries := w.dependencySummaries(t); summaries != "" {
		b.WriteString("\n\n## Completed prerequisite work\n")
		b.WriteString(summaries)
	}

	if fb := t.JudgementFeedback; fb != nil {
		b.WriteString("\n\n## Reviewer feedback from your previous attempt\n")
		b.WriteString(fb.LastReason)
		if len(fb.MissingRequirements) > 0 {
			b.WriteString("\n\nStill missing:\n")
			for _, m := range fb.MissingRequirements {
				b.WriteString("- " + m + "\n")
			}
		}
		b.WriteString(fmt.Sprintf("\nThis is attempt %d of %d. Address the feedback; do not start over.\n",
			fb.Iteration+1, fb.MaxIterations))
	}

	b.WriteString("\nDo not switch branches or touch files outside the repository.\n")
	return b.String()
}

// dependencySummaries collects one-line summaries of the task's DONE
// dependencies so the agent knows what already landed.
func (w *Worker) dependencySummaries(t *task.Task) string {
	var b strings.Builder
	for _, depID := range t.Dependencies {
		dep, err := w.store.ReadTask(depID)
		if err != nil {
			w.logger.WithTask(t.ID).Warn("dependency unreadable for prompt", "dep", depID, "error", err)
			continue
		}
		if dep.State != task.StateDone {
			continue
		}
		line := dep.Context
		if idx := strings.IndexByte(line, '\n'); idx > 0 {
			line = line[:idx]
		}
		b.WriteString(fmt.Sprintf("- %s (branch %s): %s\n", dep.ID, dep.Branch, line))
	}
	return b.String()
}

// Execute performs one attempt on a claimed task. The returned Attempt
// always carries the run ID when a run was started; Err is set when the
// attempt failed before or during the agent run. A non-nil hint marks the
// task as a serial-chain member sharing its worktree. Worktree cleanup is
// best-effort and logged on failure.
func (w *Worker) Execute(ctx context.Context, t *task.Task, workerID string, hint *ChainHint) *Attempt {
	logger := w.logger.WithTask(t.ID).WithWorker(workerID)
	attempt := &Attempt{TaskID: t.ID}

	wtPath, err := w.prepareWorktree(t, hint)
	if err != nil {
		attempt.Err = err
		return attempt
	}
	defer func() {
		if hint != nil && hint.Keep {
			// The next chain member picks the worktree up where this
			// task left it.
			return
		}
		if err := w.vcs.RemoveWorktree(worktreeName(t, hint), true); err != nil {
			logger.Warn("worktree cleanup failed", "error", err)
		}
	}()

	runID := agent.NewRunID()
	attempt.RunID = runID
	run := &task.Run{
		ID:        runID,
		TaskID:    t.ID,
		AgentType: w.cfg.Agents.Worker.Type,
		LogPath:   w.store.RunLogPath(runID),
		Status:    task.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := w.store.CreateRun(run); err != nil {
		attempt.Err = fmt.Errorf("create run record: %w", err)
		return attempt
	}

	logger.Info("worker attempt starting", "run_id", runID, "branch", t.Branch)

	res, agentErr := w.runner.Run(ctx, agent.Request{
		Kind:    agent.Kind(w.cfg.Agents.Worker.Type),
		Model:   w.cfg.Agents.Worker.Model,
		Prompt:  w.buildPrompt(t),
		Dir:     wtPath,
		LogPath: run.LogPath,
		Timeout: time.Duration(w.cfg.WorkerTimeoutMinutes) * time.Minute,
	})
	if agentErr != nil {
		if _, err := w.store.FinishRun(runID, task.RunFailure, agentErr.Error()); err != nil {
			logger.Warn("failed to finalize run record", "error", err)
		}
		attempt.Err = agentErr
		return attempt
	}
	attempt.Summary = res.FinalResponse

	attempt.ChecksPassed = true
	if w.cfg.Checks.Enabled && len(w.cfg.Checks.Commands) > 0 {
		check := w.runChecks(ctx, t, wtPath)
		attempt.CheckID = check.ID
		attempt.ChecksPassed = check.Passed
		if err := w.store.CreateCheck(check); err != nil {
			logger.Warn("failed to persist check result", "error", err)
		}
		if !check.Passed && w.cfg.Checks.FailureMode == config.CheckFailureBlock {
			if _, err := w.store.FinishRun(runID, task.RunFailure, "checks failed"); err != nil {
				logger.Warn("failed to finalize run record", "error", err)
			}
			attempt.Err = fmt.Errorf("checks failed: %s", firstLine(check.Stderr))
			return attempt
		}
	}

	if err := w.commitAndPush(t, wtPath); err != nil {
		if _, ferr := w.store.FinishRun(runID, task.RunFailure, err.Error()); ferr != nil {
			logger.Warn("failed to finalize run record", "error", ferr)
		}
		attempt.Err = err
		return attempt
	}

	if _, err := w.store.FinishRun(runID, task.RunSuccess, ""); err != nil {
		logger.Warn("failed to finalize run record", "error", err)
	}
	attempt.Success = true
	logger.Info("worker attempt finished", "run_id", runID)
	return attempt
}

// runChecks executes the configured check commands in the worktree and
// returns the aggregated result. The first failing command stops the chain.
func (w *Worker) runChecks(ctx context.Context, t *task.Task, dir string) *task.Check {
	check := &task.Check{
		ID:        "check-" + uuid.NewString()[:8],
		TaskID:    t.ID,
		Commands:  append([]string(nil), w.cfg.Checks.Commands...),
		Passed:    true,
		CreatedAt: time.Now().UTC(),
	}

	var stdout, stderr strings.Builder
	for _, command := range w.cfg.Checks.Commands {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		out, err := cmd.Output()
		stdout.Write(out)
		if err != nil {
			check.Passed = false
			check.ExitCode = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				check.ExitCode = exitErr.ExitCode()
				stderr.Write(exitErr.Stderr)
			} else {
				stderr.WriteString(err.Error())
			}
			break
		}
	}
	check.Stdout = stdout.String()
	check.Stderr = stderr.String()
	return check
}

// commitAndPush stages and commits the attempt's changes, pushing when a
// remote is configured. An empty commit is fine; a continuation that only
// verified existing work produces no diff.
func (w *Worker) commitAndPush(t *task.Task, wtPath string) error {
	if err := w.vcs.AddAll(wtPath); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	msg := fmt.Sprintf("%s: %s", t.ID, firstLine(t.Context))
	if err := w.vcs.Commit(wtPath, msg); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	hasRemote, err := w.vcs.HasRemote(wtPath)
	if err != nil {
		return fmt.Errorf("check remote: %w", err)
	}
	if hasRemote {
		if err := w.vcs.Push(wtPath, "origin", t.Branch); err != nil {
			return fmt.Errorf("push %s: %w", t.Branch, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
