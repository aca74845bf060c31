// Package testutil provides shared helpers for maestro tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with one commit on a
// main branch. The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	if err := runGit(dir, "init"); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	if err := runGit(dir, "config", "user.email", "test@maestro.dev"); err != nil {
		t.Fatalf("failed to configure git email: %v", err)
	}
	if err := runGit(dir, "config", "user.name", "Maestro Test"); err != nil {
		t.Fatalf("failed to configure git name: %v", err)
	}

	// Worktree operations need at least one commit.
	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# Test Repository\n"), 0o644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	if err := runGit(dir, "add", "."); err != nil {
		t.Fatalf("failed to stage files: %v", err)
	}
	if err := runGit(dir, "commit", "-m", "Initial commit"); err != nil {
		t.Fatalf("failed to create initial commit: %v", err)
	}
	if err := runGit(dir, "branch", "-M", "main"); err != nil {
		t.Fatalf("failed to rename branch to main: %v", err)
	}

	return dir
}

// SetupTestRepoWithRemote creates a test repository whose origin points at
// a local bare repository, for exercising push behavior.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = t.TempDir()
	if err := runGit(remoteDir, "init", "--bare"); err != nil {
		t.Fatalf("failed to init bare repo: %v", err)
	}

	repoDir = SetupTestRepo(t)

	if err := runGit(repoDir, "remote", "add", "origin", remoteDir); err != nil {
		t.Fatalf("failed to add remote: %v", err)
	}
	if err := runGit(repoDir, "push", "-u", "origin", "main"); err != nil {
		t.Fatalf("failed to push to remote: %v", err)
	}

	return repoDir, remoteDir
}

// CommitFile creates or updates a file in the repository and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	if err := runGit(repoDir, "add", path); err != nil {
		t.Fatalf("failed to stage file %s: %v", path, err)
	}
	if err := runGit(repoDir, "commit", "-m", message); err != nil {
		t.Fatalf("failed to commit file %s: %v", path, err)
	}
}

// CheckoutBranch switches the repository to a branch, creating it if asked.
func CheckoutBranch(t *testing.T, repoDir, branch string, create bool) {
	t.Helper()

	args := []string{"checkout", branch}
	if create {
		args = []string{"checkout", "-b", branch}
	}
	if err := runGit(repoDir, args...); err != nil {
		t.Fatalf("failed to checkout branch %s: %v", branch, err)
	}
}

// CurrentBranch returns the branch the repository has checked out.
func CurrentBranch(t *testing.T, repoDir string) string {
	t.Helper()

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoDir
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("failed to get current branch: %v", err)
	}
	return strings.TrimSpace(string(output))
}

// FileContent reads a file from the repository, failing the test on error.
func FileContent(t *testing.T, repoDir, path string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(repoDir, path))
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Maestro Test",
		"GIT_AUTHOR_EMAIL=test@maestro.dev",
		"GIT_COMMITTER_NAME=Maestro Test",
		"GIT_COMMITTER_EMAIL=test@maestro.dev",
	)
	return cmd.Run()
}
