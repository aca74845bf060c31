// Package integrate merges completed task branches onto an integration
// branch and finalizes the result. Merges happen in deterministic order;
// a conflicted merge is aborted, the three-way conflict content captured,
// and a synthetic conflict-resolution task spawned so a normal
// worker/judge cycle can resolve it on a temporary merge branch.
package integrate

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/git"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/planner"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

// Finalization tells the user how the integration branch reaches base.
type Finalization struct {
	// Method is the finalization method actually used.
	Method string `json:"method"`

	// Command is the exact shell command to run, for the command method.
	Command string `json:"command,omitempty"`

	// PRURL is the opened pull request, for the pr method.
	PRURL string `json:"pr_url,omitempty"`
}

// Result summarizes one integration pass.
type Result struct {
	IntegrationBranch string
	MergedTaskIDs     []string
	ConflictTaskIDs   []string
	Finalization      *Finalization
}

// Integrator merges DONE task branches for a session.
type Integrator struct {
	store  *store.Store
	vcs    git.Driver
	cfg    *config.Config
	logger *logging.Logger
}

// New creates an Integrator.
func New(st *store.Store, vcs git.Driver, cfg *config.Config, logger *logging.Logger) *Integrator {
	return &Integrator{store: st, vcs: vcs, cfg: cfg, logger: logger}
}

// BranchName returns the integration branch for a session.
func BranchName(sessionID string) string {
	return "integration/" + sessionID
}

// sortForMerge orders tasks deterministically: creation time, then ID.
func sortForMerge(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Integrate merges the DONE tasks' branches onto integration/{sessionID}
// and finalizes per the configured method. Conflicts spawn resolution
// tasks and block the conflicted task; the caller decides whether to loop
// back into execution when ConflictTaskIDs is non-empty. Tasks blocked on
// a resolution task that has since completed get their temporary merge
// branch merged and return to DONE on this pass.
func (i *Integrator) Integrate(sessionID, baseBranch string, tasks []*task.Task) (*Result, error) {
	logger := i.logger.WithSession(sessionID).WithPhase("integration")

	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	done := make([]*task.Task, 0, len(tasks))
	var resolved []*task.Task
	for _, t := range tasks {
		if t.State == task.StateDone && t.TaskType != task.TypeIntegration {
			done = append(done, t)
			continue
		}
		if t.State == task.StateBlocked && t.PendingConflictResolution != nil {
			rt := byID[t.PendingConflictResolution.ConflictTaskID]
			if rt != nil && rt.State == task.StateDone {
				resolved = append(resolved, t)
			}
		}
	}
	sortForMerge(done)
	sortForMerge(resolved)

	branch := BranchName(sessionID)
	result := &Result{IntegrationBranch: branch}

	if len(done) == 0 && len(resolved) == 0 {
		logger.Info("nothing to integrate")
		return result, nil
	}

	exists, err := i.vcs.BranchExists(branch)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := i.vcs.CreateBranch(branch, baseBranch); err != nil {
			return nil, fmt.Errorf("create integration branch: %w", err)
		}
	}

	wtName := "integration-" + sessionID
	wtPath, err := i.vcs.CreateWorktree(wtName, branch, false)
	if err != nil {
		return nil, fmt.Errorf("create integration worktree: %w", err)
	}
	defer func() {
		if err := i.vcs.RemoveWorktree(wtName, true); err != nil {
			logger.Warn("integration worktree cleanup failed", "error", err)
		}
	}()

	var merged []*task.Task
	for _, t := range resolved {
		ok, conflictID, err := i.reintegrate(sessionID, branch, wtPath, t, merged)
		if err != nil {
			return result, err
		}
		if !ok {
			result.ConflictTaskIDs = append(result.ConflictTaskIDs, conflictID)
			continue
		}
		logger.Info("reintegrated resolved conflict",
			"task", t.ID, "temp_branch", t.PendingConflictResolution.TempBranch)
		result.MergedTaskIDs = append(result.MergedTaskIDs, t.ID)
		merged = append(merged, t)
	}

	for _, t := range done {
		mr, err := i.vcs.Merge(wtPath, t.Branch)
		if err != nil {
			return result, fmt.Errorf("merge %s: %w", t.Branch, err)
		}

		if !mr.HasConflicts {
			logger.Info("merged task branch", "task", t.ID, "branch", t.Branch, "files", len(mr.MergedFiles))
			result.MergedTaskIDs = append(result.MergedTaskIDs, t.ID)
			merged = append(merged, t)
			continue
		}

		conflictID, err := i.handleConflict(sessionID, branch, wtPath, t, mr, merged)
		if err != nil {
			return result, err
		}
		result.ConflictTaskIDs = append(result.ConflictTaskIDs, conflictID)
	}

	if len(result.ConflictTaskIDs) > 0 {
		// Finalization waits until conflict-resolution tasks complete.
		return result, nil
	}

	fin, err := i.finalize(wtPath, branch, baseBranch)
	if err != nil {
		return result, err
	}
	result.Finalization = fin
	return result, nil
}

// reintegrate merges a resolved conflict's temporary merge branch and
// returns the originally conflicted task to DONE. When the re-merge
// conflicts again because the integration tip moved since the
// resolution, a fresh resolution cycle is started via handleConflict.
func (i *Integrator) reintegrate(sessionID, integrationBranch, wtPath string, t *task.Task, merged []*task.Task) (bool, string, error) {
	tempBranch := t.PendingConflictResolution.TempBranch
	mr, err := i.vcs.Merge(wtPath, tempBranch)
	if err != nil {
		return false, "", fmt.Errorf("merge %s: %w", tempBranch, err)
	}
	if mr.HasConflicts {
		retry := *t
		retry.Branch = tempBranch
		conflictID, cerr := i.handleConflict(sessionID, integrationBranch, wtPath, &retry, mr, merged)
		return false, conflictID, cerr
	}

	_, err = i.store.UpdateTaskRetry(t.ID, 5, nil, func(cur *task.Task) error {
		cur.State = task.StateDone
		cur.Owner = ""
		cur.BlockMessage = ""
		cur.PendingConflictResolution = nil
		return nil
	})
	if err != nil {
		return false, "", fmt.Errorf("unblock resolved task %s: %w", t.ID, err)
	}
	return true, "", nil
}

// handleConflict aborts the in-progress merge after capturing conflict
// content, spawns a conflict-resolution task on a temporary merge branch,
// and blocks the conflicted task pointing at it.
func (i *Integrator) handleConflict(sessionID, integrationBranch, wtPath string, t *task.Task, mr *git.MergeResult, merged []*task.Task) (string, error) {
	logger := i.logger.WithSession(sessionID).WithTask(t.ID)

	files := make([]string, 0, len(mr.Conflicts))
	var detail strings.Builder
	for _, c := range mr.Conflicts {
		files = append(files, c.FilePath)
		content, err := i.vcs.ConflictContent(wtPath, c.FilePath)
		if err != nil {
			logger.Warn("conflict content unavailable", "file", c.FilePath, "error", err)
			continue
		}
		fmt.Fprintf(&detail, "### %s\n", c.FilePath)
		fmt.Fprintf(&detail, "<<<<<<< ours (%s)\n%s=======\n%s>>>>>>> theirs (%s)\n\n",
			integrationBranch, content.OursContent, content.TheirsContent, t.Branch)
	}

	if err := i.vcs.AbortMerge(wtPath); err != nil {
		return "", fmt.Errorf("abort merge of %s: %w", t.Branch, err)
	}

	tempBranch := fmt.Sprintf("merge/%s/%s", sessionID, t.ID)
	if exists, err := i.vcs.BranchExists(tempBranch); err != nil {
		return "", err
	} else if !exists {
		if err := i.vcs.CreateBranch(tempBranch, integrationBranch); err != nil {
			return "", fmt.Errorf("create merge branch: %w", err)
		}
	}

	conflictTask := &task.Task{
		ID:         planner.NewTaskID(),
		State:      task.StateReady,
		Repo:       t.Repo,
		Branch:     tempBranch,
		BaseBranch: integrationBranch,
		ScopePaths: files,
		Acceptance: "All merge conflicts are resolved and the project compiles and passes its tests.",
		Context: fmt.Sprintf(
			"Merge branch %s into %s and resolve the conflicts below. Keep the intent of both sides.\n\nBlamed tasks: %s\n\n%s",
			t.Branch, integrationBranch, strings.Join(i.attributeConflicts(files, merged), ", "), detail.String()),
		TaskType:      task.TypeIntegration,
		RootSessionID: t.RootSessionID,
		SessionID:     sessionID,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := i.store.CreateTask(conflictTask); err != nil {
		return "", fmt.Errorf("create conflict-resolution task: %w", err)
	}

	_, err := i.store.UpdateTaskRetry(t.ID, 5, nil, func(cur *task.Task) error {
		cur.State = task.StateBlocked
		cur.Owner = ""
		cur.BlockMessage = fmt.Sprintf("merge conflicts in %s; resolution task %s", strings.Join(files, ", "), conflictTask.ID)
		cur.PendingConflictResolution = &task.PendingConflictResolution{
			ConflictTaskID: conflictTask.ID,
			TempBranch:     tempBranch,
		}
		return nil
	})
	if err != nil {
		return conflictTask.ID, fmt.Errorf("block conflicted task %s: %w", t.ID, err)
	}

	logger.Info("spawned conflict-resolution task",
		"conflict_task", conflictTask.ID, "temp_branch", tempBranch, "files", len(files))
	return conflictTask.ID, nil
}

// attributeConflicts names the already-merged tasks whose scope patterns
// match the conflicted files. Best-effort; unmatchable patterns are skipped.
func (i *Integrator) attributeConflicts(files []string, merged []*task.Task) []string {
	var blamed []string
	for _, mt := range merged {
		matched := false
		for _, pattern := range mt.ScopePaths {
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				continue
			}
			for _, f := range files {
				if g.Match(f) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if matched {
			blamed = append(blamed, mt.ID)
		}
	}
	if len(blamed) == 0 {
		return []string{"(unattributed)"}
	}
	return blamed
}

// finalize applies the configured integration method.
func (i *Integrator) finalize(wtPath, branch, baseBranch string) (*Finalization, error) {
	method := i.cfg.Integration.Method

	hasRemote, err := i.vcs.HasRemote(wtPath)
	if err != nil {
		return nil, err
	}

	if method == config.IntegrationAuto {
		if hasRemote {
			method = config.IntegrationPR
		} else {
			method = config.IntegrationCommand
		}
	}

	switch method {
	case config.IntegrationCommand:
		return &Finalization{
			Method:  config.IntegrationCommand,
			Command: fmt.Sprintf("git checkout %s && git merge %s", baseBranch, branch),
		}, nil

	case config.IntegrationPR:
		if !hasRemote {
			return nil, git.ErrNoRemote
		}
		if err := i.vcs.Push(wtPath, "origin", branch); err != nil {
			return nil, fmt.Errorf("push integration branch: %w", err)
		}
		url, err := createPR(wtPath, branch, baseBranch)
		if err != nil {
			return nil, err
		}
		return &Finalization{Method: config.IntegrationPR, PRURL: url}, nil

	default:
		return nil, fmt.Errorf("unknown integration method %q", method)
	}
}

// createPR opens a pull request with the gh CLI.
func createPR(dir, branch, baseBranch string) (string, error) {
	cmd := exec.Command("gh", "pr", "create",
		"--title", fmt.Sprintf("Integrate %s", branch),
		"--body", fmt.Sprintf("Automated integration of completed task branches onto %s.", baseBranch),
		"--head", branch,
		"--base", baseBranch,
	)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to create PR: %w\n%s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}
