// Package git provides the version-control driver consumed by the worker
// and the integrator: branch and worktree primitives, commit and push,
// and merge with structured conflict reporting.
//
// The Driver interface abstracts the git CLI so tests can substitute a
// fake; CLI is the exec-based implementation.
package git

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNoRemote indicates an operation requiring a remote found none.
	ErrNoRemote = errors.New("repository has no remote")
)

// CommandError reports a failed git invocation.
type CommandError struct {
	Command  string
	Stderr   string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git command failed (%s, exit %d): %s", e.Command, e.ExitCode, e.Stderr)
}

// MergeStatus classifies the outcome of a merge.
type MergeStatus string

const (
	MergeSuccess   MergeStatus = "success"
	MergeConflicts MergeStatus = "conflicts"
	MergeOther     MergeStatus = "other"
)

// Conflict describes one conflicted file in a failed merge.
type Conflict struct {
	FilePath string `json:"file_path"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
}

// MergeResult is the structured outcome of a merge attempt.
type MergeResult struct {
	Success      bool        `json:"success"`
	MergedFiles  []string    `json:"merged_files,omitempty"`
	HasConflicts bool        `json:"has_conflicts"`
	Conflicts    []Conflict  `json:"conflicts,omitempty"`
	Status       MergeStatus `json:"status"`
}

// ConflictContent holds the three-way content of a conflicted file.
type ConflictContent struct {
	FilePath      string
	OursContent   string
	TheirsContent string
	BaseContent   string
	TheirBranch   string
}

// WorktreeInfo describes one entry from `git worktree list`.
type WorktreeInfo struct {
	Path   string
	Head   string
	Branch string
	Bare   bool
}

// Driver is the version-control interface the orchestration core consumes.
type Driver interface {
	// CreateBranch creates a branch at the tip of base.
	CreateBranch(name, base string) error

	// ListBranches returns all local branch names.
	ListBranches() ([]string, error)

	// BranchExists reports whether a local branch exists.
	BranchExists(name string) (bool, error)

	// CreateWorktree adds a worktree named name checked out to branch.
	// When createBranch is true the branch is created as part of the add.
	// Returns the worktree path.
	CreateWorktree(name, branch string, createBranch bool) (string, error)

	// CreateWorktreeFrom adds a worktree with a new branch based on base.
	CreateWorktreeFrom(name, newBranch, base string) (string, error)

	// RemoveWorktree removes a worktree by name.
	RemoveWorktree(name string, force bool) error

	// ListWorktrees returns all registered worktrees.
	ListWorktrees() ([]WorktreeInfo, error)

	// PruneWorktrees removes stale worktree registrations.
	PruneWorktrees() error

	// Checkout switches the working directory at path to branch.
	Checkout(path, branch string) error

	// AddAll stages all changes in the given working directory.
	AddAll(path string) error

	// Commit commits staged changes; committing nothing is not an error.
	Commit(path, message string) error

	// Push pushes branch to the named remote from the given directory.
	Push(path, remote, branch string) error

	// Merge merges branch into the branch checked out at path.
	Merge(path, branch string) (*MergeResult, error)

	// AbortMerge aborts an in-progress merge at path.
	AbortMerge(path string) error

	// ConflictedFiles lists unresolved conflicted files at path.
	ConflictedFiles(path string) ([]string, error)

	// ConflictContent returns ours/theirs/base content for a conflicted file.
	ConflictContent(path, file string) (*ConflictContent, error)

	// CurrentBranch returns the branch checked out at path.
	CurrentBranch(path string) (string, error)

	// HasRemote reports whether the repository has any remote configured.
	HasRemote(path string) (bool, error)
}
