// Package report derives Markdown reports from the task store and the
// session log: planning and breakdown reports, per-task scope,
// execution, and review reports, and a session summary. Each report
// carries YAML front matter so downstream tooling can index them.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/sessionlog"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

// frontMatter is the YAML header prepended to every report.
type frontMatter struct {
	SessionID   string    `yaml:"session_id"`
	TaskID      string    `yaml:"task_id,omitempty"`
	Report      string    `yaml:"report"`
	GeneratedAt time.Time `yaml:"generated_at"`
}

// Generator writes session reports.
type Generator struct {
	store      *store.Store
	reportsDir string
	logger     *logging.Logger
}

// New creates a Generator writing under reportsDir.
func New(st *store.Store, reportsDir string, logger *logging.Logger) *Generator {
	return &Generator{store: st, reportsDir: reportsDir, logger: logger}
}

// SessionDir returns the report directory for a session.
func (g *Generator) SessionDir(sessionID string) string {
	return filepath.Join(g.reportsDir, sessionID)
}

func (g *Generator) write(path string, fm frontMatter, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("marshal front matter: %w", err)
	}
	content := "---\n" + string(header) + "---\n\n" + body
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

// sessionTasks returns the session's tasks sorted by creation, then ID.
func (g *Generator) sessionTasks(sessionID string) ([]*task.Task, error) {
	all, err := g.store.ListTasks()
	if err != nil {
		return nil, err
	}
	var tasks []*task.Task
	for _, t := range all {
		if t.SessionID == sessionID || t.RootSessionID == sessionID {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// Planning writes 00-planning.md and 01-task-breakdown.md.
func (g *Generator) Planning(sessionID, objective string) error {
	tasks, err := g.sessionTasks(sessionID)
	if err != nil {
		return err
	}
	dir := g.SessionDir(sessionID)
	now := time.Now().UTC()

	var planning strings.Builder
	planning.WriteString("# Planning\n\n")
	planning.WriteString("## Objective\n\n")
	planning.WriteString(objective)
	planning.WriteString("\n\n## Outcome\n\n")
	fmt.Fprintf(&planning, "The planner produced %d tasks.\n", len(tasks))

	if err := g.write(filepath.Join(dir, "00-planning.md"),
		frontMatter{SessionID: sessionID, Report: "planning", GeneratedAt: now},
		planning.String()); err != nil {
		return err
	}

	var breakdown strings.Builder
	breakdown.WriteString("# Task breakdown\n\n")
	breakdown.WriteString("| ID | Type | State | Dependencies | Acceptance |\n")
	breakdown.WriteString("|---|---|---|---|---|\n")
	for _, t := range tasks {
		deps := strings.Join(t.Dependencies, ", ")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(&breakdown, "| %s | %s | %s | %s | %s |\n",
			t.ID, t.TaskType, t.State, deps, firstLine(t.Acceptance))
	}

	return g.write(filepath.Join(dir, "01-task-breakdown.md"),
		frontMatter{SessionID: sessionID, Report: "task-breakdown", GeneratedAt: now},
		breakdown.String())
}

// Task writes the per-task report set: 00-scope.md, 01-execution.md,
// 02-review.md.
func (g *Generator) Task(sessionID string, t *task.Task, trace *sessionlog.TaskTrace) error {
	dir := filepath.Join(g.SessionDir(sessionID), "tasks", t.ID)
	now := time.Now().UTC()

	var scope strings.Builder
	scope.WriteString("# Scope\n\n")
	scope.WriteString(t.Context)
	scope.WriteString("\n\n## Acceptance criterion\n\n")
	scope.WriteString(t.Acceptance)
	if len(t.ScopePaths) > 0 {
		scope.WriteString("\n\n## Paths\n\n")
		for _, p := range t.ScopePaths {
			scope.WriteString("- `" + p + "`\n")
		}
	}
	if err := g.write(filepath.Join(dir, "00-scope.md"),
		frontMatter{SessionID: sessionID, TaskID: t.ID, Report: "scope", GeneratedAt: now},
		scope.String()); err != nil {
		return err
	}

	runs, err := g.store.ListRunsForTask(t.ID)
	if err != nil {
		return err
	}
	var execution strings.Builder
	execution.WriteString("# Execution\n\n")
	fmt.Fprintf(&execution, "Branch `%s` from `%s`.\n\n", t.Branch, t.BaseBranch)
	if len(runs) == 0 {
		execution.WriteString("No agent runs recorded.\n")
	} else {
		execution.WriteString("| Run | Agent | Status | Started | Error |\n")
		execution.WriteString("|---|---|---|---|---|\n")
		for _, r := range runs {
			errMsg := r.ErrorMessage
			if errMsg == "" {
				errMsg = "-"
			}
			fmt.Fprintf(&execution, "| %s | %s | %s | %s | %s |\n",
				r.ID, r.AgentType, r.Status, r.StartedAt.Format(time.RFC3339), firstLine(errMsg))
		}
	}
	if err := g.write(filepath.Join(dir, "01-execution.md"),
		frontMatter{SessionID: sessionID, TaskID: t.ID, Report: "execution", GeneratedAt: now},
		execution.String()); err != nil {
		return err
	}

	var review strings.Builder
	review.WriteString("# Review\n\n")
	fmt.Fprintf(&review, "Final state: **%s**\n\n", t.State)
	if trace != nil {
		fmt.Fprintf(&review, "Worker iterations: %d\n\n", trace.WorkerIterations)
		if trace.LastVerdict != nil {
			verdict := "rejected"
			if *trace.LastVerdict {
				verdict = "accepted"
			}
			fmt.Fprintf(&review, "Last judge verdict: %s", verdict)
			if trace.LastReason != "" {
				fmt.Fprintf(&review, " (%s)", trace.LastReason)
			}
			review.WriteString("\n\n")
		}
	}
	if fb := t.JudgementFeedback; fb != nil && len(fb.MissingRequirements) > 0 {
		review.WriteString("## Unmet requirements\n\n")
		for _, m := range fb.MissingRequirements {
			review.WriteString("- " + m + "\n")
		}
	}
	if t.BlockMessage != "" {
		review.WriteString("## Blocked\n\n")
		review.WriteString(t.BlockMessage + "\n")
	}
	if ri := t.ReplanningInfo; ri != nil {
		review.WriteString("## Replanned\n\n")
		fmt.Fprintf(&review, "%s\n\nReplacements: %s\n", ri.ReplanReason, strings.Join(ri.ReplacementTaskIDs, ", "))
	}
	if t.TaskType == task.TypeInvestigation {
		explorations, err := g.store.ListExplorationsForTask(t.ID)
		if err != nil {
			return err
		}
		if len(explorations) > 0 {
			review.WriteString("## Findings\n\n")
			for _, e := range explorations {
				review.WriteString(e.Findings + "\n\n")
			}
		}
	}
	return g.write(filepath.Join(dir, "02-review.md"),
		frontMatter{SessionID: sessionID, TaskID: t.ID, Report: "review", GeneratedAt: now},
		review.String())
}

// Summary writes summary.md from the store and the replayed session log.
func (g *Generator) Summary(sessionID string, summary *sessionlog.Summary, integrationNote string) error {
	tasks, err := g.sessionTasks(sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	counts := make(map[task.State]int)
	for _, t := range tasks {
		counts[t.State]++
	}

	var b strings.Builder
	b.WriteString("# Session summary\n\n")
	fmt.Fprintf(&b, "Session `%s` finished with %d tasks.\n\n", sessionID, len(tasks))

	b.WriteString("| State | Count |\n|---|---|\n")
	for _, st := range []task.State{
		task.StateDone, task.StateBlocked, task.StateSkipped,
		task.StateReplaced, task.StateCancelled, task.StateReady,
		task.StateNeedsContinuation, task.StateRunning,
	} {
		if counts[st] > 0 {
			fmt.Fprintf(&b, "| %s | %d |\n", st, counts[st])
		}
	}

	if summary != nil {
		b.WriteString("\n## Phases\n\n")
		for _, ph := range summary.Phases {
			fmt.Fprintf(&b, "- %s: %s", ph.Phase, ph.StartedAt.Format(time.RFC3339))
			if ph.CompletedAt != nil {
				fmt.Fprintf(&b, " to %s", ph.CompletedAt.Format(time.RFC3339))
			}
			b.WriteString("\n")
		}
	}

	if integrationNote != "" {
		b.WriteString("\n## Integration\n\n")
		b.WriteString(integrationNote + "\n")
	}

	blocked := false
	for _, t := range tasks {
		if t.State == task.StateBlocked {
			if !blocked {
				b.WriteString("\n## Blocked tasks\n\n")
				blocked = true
			}
			fmt.Fprintf(&b, "- `%s`: %s\n", t.ID, t.BlockMessage)
		}
	}

	return g.write(filepath.Join(g.SessionDir(sessionID), "summary.md"),
		frontMatter{SessionID: sessionID, Report: "summary", GeneratedAt: now},
		b.String())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
