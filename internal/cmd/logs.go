package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/orchestrator"
	"github.com/maestro-cli/maestro/internal/sessionlog"
)

var logsCmd = &cobra.Command{
	Use:   "logs [session-id]",
	Short: "View session debug logs",
	Long: `View and filter the structured debug log of a session.

Examples:
  # Last 50 entries from the most recent session
  maestro logs

  # All warnings and errors from one task
  maestro logs sess-1a2b3c4d --level warn --task task-9f8e7d6c

  # Entries from the last hour mentioning "merge"
  maestro logs --since 1h --grep merge

  # Export the filtered log as CSV
  maestro logs --format csv --output session.csv`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

var (
	logsTail   int
	logsLevel  string
	logsTask   string
	logsWorker string
	logsPhase  string
	logsSince  string
	logsGrep   string
	logsFormat string
	logsOutput string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "Only entries for this task")
	logsCmd.Flags().StringVar(&logsWorker, "worker", "", "Only entries for this worker")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Only entries for this phase")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Entries since duration ago (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format: text, json or csv")
	logsCmd.Flags().StringVar(&logsOutput, "output", "", "Write to a file instead of stdout")
}

func runLogs(cmd *cobra.Command, args []string) error {
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

	entries, err := logging.AggregateLogs(orchestrator.SessionDir(ws.root, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No logs found for session %s\n", sessionID)
			return nil
		}
		return err
	}

	filter := logging.LogFilter{
		TaskID:          logsTask,
		WorkerID:        logsWorker,
		Phase:           logsPhase,
		MessageContains: logsGrep,
	}
	if logsLevel != "" {
		filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, derr := time.ParseDuration(logsSince)
		if derr != nil {
			return fmt.Errorf("invalid --since duration: %w", derr)
		}
		filter.StartTime = time.Now().Add(-d)
	}
	entries = logging.FilterLogs(entries, filter)

	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	if len(entries) == 0 {
		fmt.Println("No matching log entries.")
		return nil
	}

	if logsOutput != "" {
		if err := logging.ExportLogEntries(entries, logsOutput, logsFormat); err != nil {
			return err
		}
		fmt.Printf("Wrote %d entries to %s\n", len(entries), logsOutput)
		return nil
	}

	for _, e := range entries {
		fmt.Println(formatLogEntry(e))
	}
	return nil
}

// formatLogEntry renders one entry for the terminal.
func formatLogEntry(e logging.LogEntry) string {
	var sb strings.Builder
	sb.WriteString(styleDim.Render("[" + e.Timestamp.Format("15:04:05.000") + "]"))
	sb.WriteString(" ")

	level := "[" + strings.ToUpper(e.Level) + "]"
	switch strings.ToUpper(e.Level) {
	case logging.LevelError:
		level = styleFail.Render(level)
	case logging.LevelWarn:
		level = styleWarn.Render(level)
	case logging.LevelDebug:
		level = styleDim.Render(level)
	}
	sb.WriteString(level)
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	if e.TaskID != "" {
		sb.WriteString(styleDim.Render(" task=" + e.TaskID))
	}
	if e.WorkerID != "" {
		sb.WriteString(styleDim.Render(" worker=" + e.WorkerID))
	}
	if e.Phase != "" {
		sb.WriteString(styleDim.Render(" phase=" + e.Phase))
	}
	for k, v := range e.Attrs {
		sb.WriteString(styleDim.Render(fmt.Sprintf(" %s=%v", k, v)))
	}
	return sb.String()
}
