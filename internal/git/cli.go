package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/maestro-cli/maestro/internal/logging"
)

// CLI implements Driver by shelling out to the git binary.
type CLI struct {
	repoDir     string
	worktreeDir string
	logger      *logging.Logger
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. It returns the directory containing .git (either a directory
// or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point)")
		}
		dir = parent
	}
}

// NewCLI creates a CLI driver for the repository containing repoDir.
// Worktrees are created under worktreeDir.
func NewCLI(repoDir, worktreeDir string, logger *logging.Logger) (*CLI, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repoDir)
	}
	if err := os.MkdirAll(worktreeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree directory: %w", err)
	}
	return &CLI{repoDir: gitRoot, worktreeDir: worktreeDir, logger: logger}, nil
}

// RepoDir returns the repository root.
func (c *CLI) RepoDir() string {
	return c.repoDir
}

// run executes git with the given args in dir, returning combined output.
// Failures are wrapped in CommandError with stderr and exit code.
func (c *CLI) run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	out := string(output)
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		c.logger.Debug("git command failed", "args", strings.Join(args, " "), "exit_code", exitCode)
		return out, &CommandError{
			Command:  "git " + strings.Join(args, " "),
			Stderr:   strings.TrimSpace(out),
			ExitCode: exitCode,
		}
	}
	return out, nil
}

// CreateBranch creates a branch at the tip of base.
func (c *CLI) CreateBranch(name, base string) error {
	_, err := c.run(c.repoDir, "branch", name, base)
	return err
}

// ListBranches returns all local branch names.
func (c *CLI) ListBranches() ([]string, error) {
	out, err := c.run(c.repoDir, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// BranchExists reports whether a local branch exists.
func (c *CLI) BranchExists(name string) (bool, error) {
	_, err := c.run(c.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		var cmdErr *CommandError
		if ok := asCommandError(err, &cmdErr); ok && cmdErr.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func asCommandError(err error, target **CommandError) bool {
	if ce, ok := err.(*CommandError); ok {
		*target = ce
		return true
	}
	return false
}

// WorktreePath returns the path a named worktree lives at.
func (c *CLI) WorktreePath(name string) string {
	return filepath.Join(c.worktreeDir, name)
}

// CreateWorktree adds a worktree checked out to branch. When createBranch
// is true the branch is created by the add; otherwise the branch must
// already exist.
func (c *CLI) CreateWorktree(name, branch string, createBranch bool) (string, error) {
	path := c.WorktreePath(name)
	var err error
	if createBranch {
		_, err = c.run(c.repoDir, "worktree", "add", "-b", branch, path)
	} else {
		_, err = c.run(c.repoDir, "worktree", "add", path, branch)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// CreateWorktreeFrom adds a worktree with a new branch starting from base.
// Used when a task's branch must start from a consolidated branch rather
// than HEAD.
func (c *CLI) CreateWorktreeFrom(name, newBranch, base string) (string, error) {
	path := c.WorktreePath(name)
	if _, err := c.run(c.repoDir, "worktree", "add", "-b", newBranch, path, base); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveWorktree removes a worktree by name. On failure the directory is
// cleaned up manually and stale registrations pruned.
func (c *CLI) RemoveWorktree(name string, force bool) error {
	path := c.WorktreePath(name)
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	if _, err := c.run(c.repoDir, args...); err != nil {
		_ = os.RemoveAll(path)
		_, _ = c.run(c.repoDir, "worktree", "prune")
		return fmt.Errorf("failed to remove worktree cleanly: %w", err)
	}
	return nil
}

// ListWorktrees returns all registered worktrees.
func (c *CLI) ListWorktrees() ([]WorktreeInfo, error) {
	out, err := c.run(c.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo
	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
		}
		current = WorktreeInfo{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			current.Bare = true
		}
	}
	flush()
	return worktrees, nil
}

// PruneWorktrees removes stale worktree registrations.
func (c *CLI) PruneWorktrees() error {
	_, err := c.run(c.repoDir, "worktree", "prune")
	return err
}

// Checkout switches the working directory at path to branch. Used when a
// worktree is reused across the tasks of a serial chain; the branch must
// not be checked out anywhere else.
func (c *CLI) Checkout(path, branch string) error {
	_, err := c.run(path, "checkout", branch)
	return err
}

// AddAll stages all changes in the given working directory.
func (c *CLI) AddAll(path string) error {
	_, err := c.run(path, "add", "-A")
	return err
}

// Commit commits staged changes. A commit with nothing to commit is a
// no-op, not an error.
func (c *CLI) Commit(path, message string) error {
	out, err := c.run(path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return nil
		}
		return err
	}
	return nil
}

// Push pushes branch to the named remote.
func (c *CLI) Push(path, remote, branch string) error {
	_, err := c.run(path, "push", "-u", remote, branch)
	return err
}

// Merge merges branch into the branch checked out at path. A conflicted
// merge is reported through the result, not the error; the merge is left
// in progress so the caller can inspect conflict content before aborting.
func (c *CLI) Merge(path, branch string) (*MergeResult, error) {
	out, err := c.run(path, "merge", "--no-ff", branch)
	if err == nil {
		merged, listErr := c.diffNames(path, "HEAD~1", "HEAD")
		if listErr != nil {
			merged = nil
		}
		return &MergeResult{
			Success:     true,
			MergedFiles: merged,
			Status:      MergeSuccess,
		}, nil
	}

	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		files, listErr := c.ConflictedFiles(path)
		if listErr != nil {
			files = nil
		}
		conflicts := make([]Conflict, 0, len(files))
		for _, f := range files {
			conflicts = append(conflicts, Conflict{
				FilePath: f,
				Type:     "content",
				Reason:   fmt.Sprintf("both modified while merging %s", branch),
			})
		}
		return &MergeResult{
			HasConflicts: true,
			Conflicts:    conflicts,
			Status:       MergeConflicts,
		}, nil
	}

	return &MergeResult{Status: MergeOther}, err
}

// diffNames returns files changed between two revisions.
func (c *CLI) diffNames(path, from, to string) ([]string, error) {
	out, err := c.run(path, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// AbortMerge aborts an in-progress merge at path.
func (c *CLI) AbortMerge(path string) error {
	_, err := c.run(path, "merge", "--abort")
	return err
}

// ConflictedFiles lists unresolved conflicted files at path.
func (c *CLI) ConflictedFiles(path string) ([]string, error) {
	out, err := c.run(path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// ConflictContent returns the three-way content of a conflicted file,
// read from the index stages: 1 is the merge base, 2 is ours, 3 is theirs.
// A missing stage (add/add or delete conflicts) yields empty content.
func (c *CLI) ConflictContent(path, file string) (*ConflictContent, error) {
	content := &ConflictContent{FilePath: file}

	if out, err := c.run(path, "show", ":1:"+file); err == nil {
		content.BaseContent = out
	}
	if out, err := c.run(path, "show", ":2:"+file); err == nil {
		content.OursContent = out
	}
	if out, err := c.run(path, "show", ":3:"+file); err == nil {
		content.TheirsContent = out
	}

	if out, err := c.run(path, "rev-parse", "--abbrev-ref", "MERGE_HEAD"); err == nil {
		content.TheirBranch = strings.TrimSpace(out)
	}

	if content.OursContent == "" && content.TheirsContent == "" && content.BaseContent == "" {
		return nil, fmt.Errorf("no conflict content found for %s", file)
	}
	return content, nil
}

// CurrentBranch returns the branch checked out at path.
func (c *CLI) CurrentBranch(path string) (string, error) {
	out, err := c.run(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasRemote reports whether the repository has any remote configured.
func (c *CLI) HasRemote(path string) (bool, error) {
	out, err := c.run(path, "remote")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}
