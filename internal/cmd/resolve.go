package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maestro-cli/maestro/internal/escalate"
	"github.com/maestro-cli/maestro/internal/orchestrator"
	"github.com/maestro-cli/maestro/internal/sessionlog"
	"github.com/maestro-cli/maestro/internal/util"
)

var resolveSessionID string

var resolveCmd = &cobra.Command{
	Use:   "resolve [escalation-id] [answer]",
	Short: "Answer a pending escalation",
	Long: `Resolve records the user's answer to a pending escalation. A session
paused on that escalation picks the answer up and continues; an exited
session continues on the next resume.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveSessionID, "session", "", "session the escalation belongs to (default: search all)")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	id := args[0]
	answer := strings.Join(args[1:], " ")

	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer func() { _ = ws.logger.Close() }()

	dir, err := findEscalationDir(ws, id)
	if err != nil {
		return err
	}

	rec, err := escalate.Resolve(dir, id, answer)
	if err != nil {
		return err
	}

	fmt.Println(styleOK.Render("Resolved " + rec.ID))
	fmt.Println(styleDim.Render("Reason: " + util.FirstLine(rec.Reason)))
	fmt.Println("Resume the session with: " + styleTitle.Render("maestro resume "+rec.SessionID))
	return nil
}

// findEscalationDir locates the escalations directory holding the given
// record, preferring the session named by --session, then the latest
// session, then every session directory.
func findEscalationDir(ws *workspace, id string) (string, error) {
	var candidates []string
	if resolveSessionID != "" {
		candidates = append(candidates, resolveSessionID)
	} else {
		if pointers, perr := sessionlog.NewPointerManager(ws.sessionsDir()); perr == nil {
			if info, lerr := pointers.Latest(); lerr == nil {
				candidates = append(candidates, info.SessionID)
			}
		}
		entries, rerr := os.ReadDir(ws.sessionsDir())
		if rerr == nil {
			for _, e := range entries {
				if e.IsDir() {
					candidates = append(candidates, e.Name())
				}
			}
		}
	}

	seen := map[string]bool{}
	for _, sid := range candidates {
		if seen[sid] {
			continue
		}
		seen[sid] = true
		dir := filepath.Join(orchestrator.SessionDir(ws.root, sid), "escalations")
		if _, err := escalate.ReadRecord(dir, id); err == nil {
			return dir, nil
		} else if !errors.Is(err, escalate.ErrRecordNotFound) && !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("escalation %s not found in any session", id)
}
