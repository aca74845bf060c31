package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maestro-cli/maestro/internal/report"
	"github.com/maestro-cli/maestro/internal/sessionlog"
	"github.com/maestro-cli/maestro/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report [session-id]",
	Short: "Regenerate the markdown reports for a session",
	Long: `Report rebuilds the per-task and summary reports of a session from the
task store and the session log. Useful after manual edits to the store
or when a session was interrupted before its final reports were written.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer func() { _ = ws.logger.Close() }()

	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	} else {
		pointers, perr := sessionlog.NewPointerManager(ws.sessionsDir())
		if perr != nil {
			return perr
		}
		latest, lerr := pointers.Latest()
		if lerr != nil {
			if errors.Is(lerr, sessionlog.ErrPointerNotFound) {
				fmt.Println("No sessions yet.")
				return nil
			}
			return lerr
		}
		sessionID = latest.SessionID
	}

	reader := sessionlog.NewReader(sessionlog.LogFilePath(ws.sessionsDir(), sessionID), ws.logger)
	summary, err := reader.Replay()
	if err != nil {
		return fmt.Errorf("replay session %s: %w", sessionID, err)
	}

	st, err := store.New(ws.root, ws.logger)
	if err != nil {
		return err
	}
	gen := report.New(st, filepath.Join(ws.root, "reports"), ws.logger)

	if err := gen.Planning(sessionID, summary.Instruction); err != nil {
		return err
	}

	tasks, err := st.ListTasks()
	if err != nil {
		return err
	}
	written := 0
	for _, t := range tasks {
		if t.SessionID != sessionID && t.RootSessionID != sessionID {
			continue
		}
		if err := gen.Task(sessionID, t, summary.Tasks[t.ID]); err != nil {
			return err
		}
		written++
	}

	note := ""
	if summary.Status != "completed" {
		note = "Session status at last record: " + summary.Status
	}
	if err := gen.Summary(sessionID, summary, note); err != nil {
		return err
	}

	dir := gen.SessionDir(sessionID)
	fmt.Printf("Wrote reports for %d tasks under %s\n", written, dir)
	fmt.Println(styleDim.Render("Summary: " + filepath.Join(dir, "summary.md")))
	return nil
}
