// Package task defines the core data types for Maestro's orchestration:
// tasks, agent runs, and check results.
//
// A Task is one planned unit of work executed by a coding agent in an
// isolated git worktree. Tasks carry a monotonically increasing version
// used for compare-and-swap updates, a state machine, and a dependency
// list that forms a DAG across the live tasks of a session.
//
// These are pure data types; persistence lives in the store package and
// state transitions are driven by the scheduler and orchestrator.
package task

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StateReady indicates the task is waiting to be claimed by a worker.
	StateReady State = "READY"

	// StateRunning indicates a worker owns the task and is executing it.
	StateRunning State = "RUNNING"

	// StateNeedsContinuation indicates the judge requested another worker
	// iteration on the same branch. The task re-enters the ready set.
	StateNeedsContinuation State = "NEEDS_CONTINUATION"

	// StateDone indicates the task completed and passed judgement.
	StateDone State = "DONE"

	// StateBlocked indicates the task cannot proceed without intervention.
	StateBlocked State = "BLOCKED"

	// StateCancelled indicates the task was cancelled at session level.
	StateCancelled State = "CANCELLED"

	// StateSkipped indicates the planner determined no work was needed.
	StateSkipped State = "SKIPPED"

	// StateReplaced indicates the task was decomposed into replacement
	// tasks by the replanner.
	StateReplaced State = "REPLACED_BY_REPLAN"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if this state is final. Transitions out of a
// terminal state are forbidden.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateBlocked, StateCancelled, StateSkipped, StateReplaced:
		return true
	default:
		return false
	}
}

// IsValid returns true if this is a recognized state value.
func (s State) IsValid() bool {
	switch s {
	case StateReady, StateRunning, StateNeedsContinuation,
		StateDone, StateBlocked, StateCancelled, StateSkipped, StateReplaced:
		return true
	default:
		return false
	}
}

// Type classifies what kind of work a task represents.
type Type string

const (
	TypeImplementation Type = "implementation"
	TypeDocumentation  Type = "documentation"
	TypeInvestigation  Type = "investigation"
	TypeIntegration    Type = "integration"
)

// IsValid returns true if this is a recognized task type.
func (t Type) IsValid() bool {
	switch t {
	case TypeImplementation, TypeDocumentation, TypeInvestigation, TypeIntegration:
		return true
	default:
		return false
	}
}

// JudgementFeedback records the most recent judge verdict for a task that
// needs another worker iteration.
type JudgementFeedback struct {
	// Iteration is the number of worker attempts so far.
	Iteration int `json:"iteration"`

	// MaxIterations bounds how many continuation cycles are allowed.
	MaxIterations int `json:"max_iterations"`

	// LastReason is the judge's explanation for the verdict.
	LastReason string `json:"last_reason"`

	// MissingRequirements lists acceptance criteria the judge found unmet.
	MissingRequirements []string `json:"missing_requirements,omitempty"`
}

// ReplanningInfo records why a task was replaced and what replaced it.
// Set if and only if the task state is REPLACED_BY_REPLAN.
type ReplanningInfo struct {
	ReplanReason       string   `json:"replan_reason"`
	ReplacementTaskIDs []string `json:"replacement_task_ids"`
}

// PendingConflictResolution links a task blocked on a merge conflict to
// the synthetic task that will resolve it.
type PendingConflictResolution struct {
	ConflictTaskID string `json:"conflict_task_id"`
	TempBranch     string `json:"temp_branch"`
}

// Task is the central orchestration entity: one record per planned unit
// of work. Tasks are persisted as JSON files and mutated exclusively
// through the store's compare-and-swap operation.
type Task struct {
	// ID uniquely identifies this task. Opaque; generated at creation.
	ID string `json:"id"`

	// Version increases by exactly one on every successful write.
	// Used as the compare-and-swap arbiter.
	Version int `json:"version"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Owner is the worker ID holding the task. Non-empty iff State is RUNNING.
	Owner string `json:"owner,omitempty"`

	// Repo is the path to the repository this task modifies.
	Repo string `json:"repo"`

	// Branch is the task's working branch, derived from BaseBranch.
	Branch string `json:"branch"`

	// BaseBranch is the branch the task's work is based on and will be
	// integrated back onto.
	BaseBranch string `json:"base_branch"`

	// ScopePaths lists the paths this task is expected to touch.
	// Used for conflict attribution during integration.
	ScopePaths []string `json:"scope_paths,omitempty"`

	// Acceptance is the human-readable success criterion the judge
	// evaluates the run log against.
	Acceptance string `json:"acceptance"`

	// Context is planner-supplied background folded into worker prompts.
	Context string `json:"context,omitempty"`

	// TaskType classifies the work.
	TaskType Type `json:"task_type"`

	// Dependencies lists task IDs that must be DONE before this task
	// can be scheduled. Acyclic across all live tasks.
	Dependencies []string `json:"dependencies"`

	// RootSessionID is the session that originated this task's lineage.
	RootSessionID string `json:"root_session_id"`

	// SessionID is the session that created this task directly.
	SessionID string `json:"session_id"`

	// BlockMessage explains why a task is BLOCKED. Always set when the
	// state is BLOCKED; never silently empty.
	BlockMessage string `json:"block_message,omitempty"`

	// JudgementFeedback carries the last verdict for continuations.
	JudgementFeedback *JudgementFeedback `json:"judgement_feedback,omitempty"`

	// ReplanningInfo is set iff State is REPLACED_BY_REPLAN.
	ReplanningInfo *ReplanningInfo `json:"replanning_info,omitempty"`

	// PendingConflictResolution is set when integration blocked this task
	// on a merge conflict.
	PendingConflictResolution *PendingConflictResolution `json:"pending_conflict_resolution,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the task. CAS update functions receive a
// clone so a failed update never publishes a partial mutation.
func (t *Task) Clone() *Task {
	cp := *t
	cp.ScopePaths = append([]string(nil), t.ScopePaths...)
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	if t.JudgementFeedback != nil {
		fb := *t.JudgementFeedback
		fb.MissingRequirements = append([]string(nil), t.JudgementFeedback.MissingRequirements...)
		cp.JudgementFeedback = &fb
	}
	if t.ReplanningInfo != nil {
		ri := *t.ReplanningInfo
		ri.ReplacementTaskIDs = append([]string(nil), t.ReplanningInfo.ReplacementTaskIDs...)
		cp.ReplanningInfo = &ri
	}
	if t.PendingConflictResolution != nil {
		pc := *t.PendingConflictResolution
		cp.PendingConflictResolution = &pc
	}
	return &cp
}

// Validate checks the task's structural invariants. It is applied on every
// read and before every write so records with unknown tags are rejected
// rather than silently coerced.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task has empty id")
	}
	if t.Version < 0 {
		return fmt.Errorf("task %s: negative version %d", t.ID, t.Version)
	}
	if !t.State.IsValid() {
		return fmt.Errorf("task %s: unknown state %q", t.ID, t.State)
	}
	if !t.TaskType.IsValid() {
		return fmt.Errorf("task %s: unknown task type %q", t.ID, t.TaskType)
	}
	if (t.Owner != "") != (t.State == StateRunning) {
		return fmt.Errorf("task %s: owner %q inconsistent with state %s", t.ID, t.Owner, t.State)
	}
	if t.ReplanningInfo != nil && t.State != StateReplaced {
		return fmt.Errorf("task %s: replanning info set but state is %s", t.ID, t.State)
	}
	if t.State == StateReplaced && (t.ReplanningInfo == nil || len(t.ReplanningInfo.ReplacementTaskIDs) == 0) {
		return fmt.Errorf("task %s: replaced without replacement task ids", t.ID)
	}
	return nil
}

// RunStatus represents the terminal status of an agent run.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailure RunStatus = "FAILURE"
)

// IsValid returns true if this is a recognized run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunRunning, RunSuccess, RunFailure:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once a run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailure
}

// Run records one invocation of an external agent on a task.
// Runs are append-only: once a run reaches a terminal status it is
// never updated again.
type Run struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	AgentType    string     `json:"agent_type"`
	LogPath      string     `json:"log_path"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Validate checks the run's structural invariants.
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run has empty id")
	}
	if r.TaskID == "" {
		return fmt.Errorf("run %s: empty task id", r.ID)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("run %s: unknown status %q", r.ID, r.Status)
	}
	return nil
}

// Check records the result of running configured check commands (build,
// lint, tests) in a task's worktree after an agent run.
type Check struct {
	ID       string   `json:"id"`
	TaskID   string   `json:"task_id"`
	Commands []string `json:"commands"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Passed   bool     `json:"passed"`

	CreatedAt time.Time `json:"created_at"`
}

// Exploration preserves what an investigation task learned. Investigation
// work often produces no diff, so the findings would otherwise vanish
// with the worktree.
type Exploration struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	RunID    string `json:"run_id,omitempty"`
	Findings string `json:"findings"`

	CreatedAt time.Time `json:"created_at"`
}
