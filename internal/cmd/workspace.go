package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/git"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/orchestrator"
)

// CoordDirName is the coordination root kept at the repository root.
const CoordDirName = ".maestro"

// workspace bundles everything a command needs to act on a repository.
type workspace struct {
	repoDir string
	root    string
	cfg     *config.Config
	logger  *logging.Logger
	vcs     *git.CLI
}

// openWorkspace locates the enclosing git repository and its coordination
// root, loading config and logging along the way.
func openWorkspace() (*workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	repoDir, err := git.FindGitRoot(cwd)
	if err != nil {
		return nil, fmt.Errorf("maestro must run inside a git repository: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root := filepath.Join(repoDir, CoordDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create coordination root: %w", err)
	}

	logger, err := logging.NewLogger("", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	vcs, err := git.NewCLI(repoDir, filepath.Join(root, "worktrees"), logger)
	if err != nil {
		return nil, err
	}

	return &workspace{
		repoDir: repoDir,
		root:    root,
		cfg:     cfg,
		logger:  logger,
		vcs:     vcs,
	}, nil
}

// orchestrator constructs the session orchestrator for this workspace.
func (w *workspace) orchestrator() (*orchestrator.Orchestrator, error) {
	runner := agent.NewCLIRunner(w.logger)
	return orchestrator.New(w.cfg, w.root, w.repoDir, w.vcs, runner, w.logger)
}

// sessionsDir returns the sessions directory for this workspace.
func (w *workspace) sessionsDir() string {
	return orchestrator.SessionsDir(w.root)
}

// Styles for terminal output.
var (
	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleSummary = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

// terminalWidth returns the stdout width, with a sane fallback for pipes.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}

// printSummary renders the session outcome box.
func printSummary(out *orchestrator.Outcome) {
	var lines []string
	lines = append(lines, styleTitle.Render("Session "+out.SessionID))

	state := string(out.State)
	switch out.State {
	case orchestrator.StateCompleted:
		state = styleOK.Render(state)
	case orchestrator.StateFailed:
		state = styleFail.Render(state)
	default:
		state = styleWarn.Render(state)
	}
	lines = append(lines, "State: "+state)

	lines = append(lines, fmt.Sprintf("Completed %d  Blocked %d  Replanned %d  Skipped %d  Cancelled %d",
		out.Completed, out.Blocked, out.Replanned, out.Skipped, out.Cancelled))

	if fin := out.Finalization; fin != nil {
		switch {
		case fin.PRURL != "":
			lines = append(lines, "Pull request: "+fin.PRURL)
		case fin.Command != "":
			lines = append(lines, "To merge: "+styleTitle.Render(fin.Command))
		}
	}
	if out.ConflictsPending {
		lines = append(lines, styleWarn.Render("Integration left unresolved conflicts."))
	}
	if out.PendingEscalationID != "" {
		lines = append(lines, styleWarn.Render(
			fmt.Sprintf("Paused on escalation %s. Resolve it with: maestro resolve %s <answer>",
				out.PendingEscalationID, out.PendingEscalationID)))
	}

	box := styleSummary.Width(min(terminalWidth()-2, 100))
	fmt.Println(box.Render(joinLines(lines)))
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// exitCode maps a session outcome to the process exit code.
func exitCode(out *orchestrator.Outcome, err error) int {
	switch {
	case out != nil && out.PendingEscalationID != "":
		return ExitEscalationPaused
	case out != nil && out.ConflictsPending:
		return ExitConflictsPending
	case err != nil:
		return ExitFailure
	case out != nil && out.State == orchestrator.StateCompleted:
		return ExitOK
	default:
		return ExitFailure
	}
}
