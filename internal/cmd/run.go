package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [objective]",
	Short: "Plan and execute an objective",
	Long: `Run starts a new orchestration session: the objective is broken into
tasks, the tasks execute concurrently in isolated worktrees, every
attempt is reviewed, and the surviving branches are merged onto an
integration branch.

Exit codes: 0 success, 1 unrecoverable failure, 2 integration finished
with conflicts, 3 paused on a user escalation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	objective := strings.Join(args, " ")

	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer func() { _ = ws.logger.Close() }()

	orch, err := ws.orchestrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, runErr := orch.Run(ctx, objective)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "session failed: %v\n", runErr)
	}
	if out != nil {
		printSummary(out)
	}

	os.Exit(exitCode(out, runErr))
	return nil
}
