package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maestro-cli/maestro/internal/sessionlog"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a paused or interrupted session",
	Long: `Resume continues a session from its persisted state. Without a session
ID the most recent session is resumed. Pending tasks re-enter the
scheduler; completed work is not repeated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer func() { _ = ws.logger.Close() }()

	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	} else {
		pointers, err := sessionlog.NewPointerManager(ws.sessionsDir())
		if err != nil {
			return err
		}
		latest, err := pointers.Latest()
		if err != nil {
			if errors.Is(err, sessionlog.ErrPointerNotFound) {
				return fmt.Errorf("no session to resume")
			}
			return err
		}
		sessionID = latest.SessionID
	}

	orch, err := ws.orchestrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, runErr := orch.Resume(ctx, sessionID)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "resume failed: %v\n", runErr)
	}
	if out != nil {
		printSummary(out)
	}

	os.Exit(exitCode(out, runErr))
	return nil
}
