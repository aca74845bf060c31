package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maestro-cli/maestro/internal/sessionlog"
	"github.com/maestro-cli/maestro/internal/util"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List orchestration sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer func() { _ = ws.logger.Close() }()

	dir := ws.sessionsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No sessions yet.")
			return nil
		}
		return err
	}

	latestID := ""
	if pointers, perr := sessionlog.NewPointerManager(dir); perr == nil {
		if info, lerr := pointers.Latest(); lerr == nil {
			latestID = info.SessionID
		}
	}

	type row struct {
		id      string
		status  string
		tasks   int
		done    int
		summary string
	}
	var rows []row
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		r := sessionlog.NewReader(filepath.Join(dir, name), ws.logger)
		summary, rerr := r.Replay()
		if rerr != nil {
			rows = append(rows, row{id: id, status: "unreadable"})
			continue
		}
		rows = append(rows, row{
			id:      id,
			status:  summary.Status,
			tasks:   len(summary.Tasks),
			done:    summary.CompletedTaskCount(),
			summary: util.FirstLine(summary.Instruction),
		})
	}
	if len(rows) == 0 {
		fmt.Println("No sessions yet.")
		return nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	for _, r := range rows {
		status := r.status
		switch status {
		case "completed":
			status = styleOK.Render(status)
		case "aborted", "unreadable":
			status = styleFail.Render(status)
		default:
			status = styleWarn.Render(status)
		}
		marker := "  "
		if r.id == latestID {
			marker = styleTitle.Render("* ")
		}
		line := fmt.Sprintf("%s%-14s %-20s %2d/%-2d  %s",
			marker, r.id, status, r.done, r.tasks, styleDim.Render(r.summary))
		fmt.Println(util.TruncateANSI(line, terminalWidth()))
	}
	return nil
}
