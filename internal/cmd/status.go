package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/maestro-cli/maestro/internal/sessionlog"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
	"github.com/maestro-cli/maestro/internal/util"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show the task states of a session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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
				fmt.Println("No sessions yet.")
				return nil
			}
			return err
		}
		sessionID = latest.SessionID
		fmt.Println(styleTitle.Render("Session "+sessionID) + styleDim.Render(" ("+latest.Status+")"))
	}

	st, err := store.New(ws.root, ws.logger)
	if err != nil {
		return err
	}
	tasks, err := st.ListTasks()
	if err != nil {
		return err
	}

	var mine []*task.Task
	for _, t := range tasks {
		if t.SessionID == sessionID || t.RootSessionID == sessionID {
			mine = append(mine, t)
		}
	}
	if len(mine) == 0 {
		fmt.Println("No tasks for session " + sessionID)
		return nil
	}
	sort.Slice(mine, func(i, j int) bool {
		if !mine[i].CreatedAt.Equal(mine[j].CreatedAt) {
			return mine[i].CreatedAt.Before(mine[j].CreatedAt)
		}
		return mine[i].ID < mine[j].ID
	})

	for _, t := range mine {
		state := t.State.String()
		switch t.State {
		case task.StateDone:
			state = styleOK.Render(state)
		case task.StateBlocked, task.StateCancelled:
			state = styleFail.Render(state)
		case task.StateRunning, task.StateNeedsContinuation:
			state = styleWarn.Render(state)
		default:
			state = styleDim.Render(state)
		}
		line := fmt.Sprintf("%-14s %-22s %s", t.ID, state, util.FirstLine(t.Acceptance))
		fmt.Println(util.TruncateANSI(line, terminalWidth()))
		if t.State == task.StateBlocked && t.BlockMessage != "" {
			fmt.Println(styleDim.Render("    " + t.BlockMessage))
		}
	}
	return nil
}
