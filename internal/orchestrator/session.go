// Package orchestrator wires the planning, execution, and integration
// phases into a resumable session. It is the only component that drives
// phase transitions; everything below it (scheduler, worker, judge,
// replanner, integrator) acts on its instruction.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/escalate"
	"github.com/maestro-cli/maestro/internal/git"
	"github.com/maestro-cli/maestro/internal/integrate"
	"github.com/maestro-cli/maestro/internal/judge"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/loopdetect"
	"github.com/maestro-cli/maestro/internal/planner"
	"github.com/maestro-cli/maestro/internal/replan"
	"github.com/maestro-cli/maestro/internal/report"
	"github.com/maestro-cli/maestro/internal/scheduler"
	"github.com/maestro-cli/maestro/internal/sessionlog"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
	"github.com/maestro-cli/maestro/internal/worker"
)

// SessionState is the lifecycle state of an orchestration session.
type SessionState string

const (
	StatePlanning   SessionState = "PLANNING"
	StateExecuting  SessionState = "EXECUTING"
	StateReviewing  SessionState = "REVIEWING"
	StateEscalating SessionState = "ESCALATING"
	StateCompleted  SessionState = "COMPLETED"
	StateFailed     SessionState = "FAILED"
)

// IsTerminal returns true for states a session never leaves.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Outcome is the final result of a session, consumed by the CLI for the
// summary and the exit code.
type Outcome struct {
	SessionID string
	State     SessionState

	// Counts per final task state.
	Completed int
	Blocked   int
	Replanned int
	Skipped   int
	Cancelled int

	// Finalization is set when integration finished cleanly.
	Finalization *integrate.Finalization

	// ConflictsPending is true when integration left unresolved conflicts.
	ConflictsPending bool

	// PendingEscalationID is set when the session paused on a user
	// escalation that was never resolved.
	PendingEscalationID string
}

// Orchestrator runs sessions against one coordination root and one
// repository.
type Orchestrator struct {
	cfg     *config.Config
	root    string
	repoDir string

	store      *store.Store
	vcs        git.Driver
	runner     agent.Runner
	logger     *logging.Logger
	sched      *scheduler.Scheduler
	workers    *worker.Worker
	judges     *judge.Judge
	plans      *planner.Planner
	replanner  *replan.Replanner
	detector   *loopdetect.Detector
	reports    *report.Generator
	integrator *integrate.Integrator
	escalator  *escalate.Engine
	pointers   *sessionlog.PointerManager

	sessionID string
	objective string
	state     SessionState
	log       *sessionlog.Writer
	lock      *SessionLock

	// chainRetries counts worker failures per serial-chain task so a
	// crashed chain member is retried before it strands the chain.
	chainRetries map[string]int
}

// SessionsDir returns the sessions directory under a coordination root.
func SessionsDir(root string) string {
	return filepath.Join(root, "sessions")
}

// SessionDir returns the per-session directory under a coordination root.
func SessionDir(root, sessionID string) string {
	return filepath.Join(SessionsDir(root), sessionID)
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	return "sess-" + uuid.NewString()[:8]
}

// New creates an Orchestrator over the given coordination root and
// repository. The session itself is established by Run or Resume.
func New(cfg *config.Config, root, repoDir string, vcs git.Driver, runner agent.Runner, logger *logging.Logger) (*Orchestrator, error) {
	st, err := store.New(root, logger)
	if err != nil {
		return nil, err
	}
	pointers, err := sessionlog.NewPointerManager(SessionsDir(root))
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:          cfg,
		root:         root,
		repoDir:      repoDir,
		store:        st,
		vcs:          vcs,
		runner:       runner,
		logger:       logger,
		sched:        scheduler.New(st, cfg.MaxWorkers, logger),
		workers:      worker.New(st, vcs, runner, cfg, logger),
		judges:       judge.New(st, runner, cfg, logger),
		plans:        planner.New(st, runner, cfg, logger),
		replanner:    replan.New(st, runner, cfg, logger),
		detector:     loopdetect.New(cfg, logger),
		reports:      report.New(st, filepath.Join(root, "reports"), logger),
		integrator:   integrate.New(st, vcs, cfg, logger),
		pointers:     pointers,
		chainRetries: make(map[string]int),
	}, nil
}

// Store exposes the task store for the CLI's status commands.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// SessionID returns the active session's ID, empty before Run/Resume.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// openSession establishes per-session state: directory, process lock,
// NDJSON log, escalation engine, and session-scoped logger.
func (o *Orchestrator) openSession(sessionID string) error {
	dir := SessionDir(o.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	lock, err := AcquireSessionLock(dir, sessionID, o.logger)
	if err != nil {
		return err
	}

	// Session-scoped debug log alongside the NDJSON event log.
	if o.cfg.Logging.Enabled {
		if sessionLogger, lerr := logging.NewLogger(dir, o.cfg.Logging.Level); lerr == nil {
			o.logger = sessionLogger
		} else {
			o.logger.Warn("falling back to process logger", "error", lerr)
		}
	}

	log, err := sessionlog.NewWriter(SessionsDir(o.root), sessionID)
	if err != nil {
		_ = lock.Release()
		return err
	}

	escalator, err := escalate.NewEngine(dir, o.runner, o.cfg, o.logger)
	if err != nil {
		_ = lock.Release()
		_ = log.Close()
		return err
	}

	o.sessionID = sessionID
	o.lock = lock
	o.log = log
	o.escalator = escalator
	o.logger = o.logger.WithSession(sessionID)
	return nil
}

// closeSession releases the lock and the log. Errors are logged, not
// returned; the session outcome is already decided by then.
func (o *Orchestrator) closeSession() {
	if o.log != nil {
		if err := o.log.Close(); err != nil {
			o.logger.Warn("failed to close session log", "error", err)
		}
	}
	if o.lock != nil {
		if err := o.lock.Release(); err != nil {
			o.logger.Warn("failed to release session lock", "error", err)
		}
	}
}

// setState transitions the session and mirrors the state into the
// session pointer so status commands see it without replaying the log.
func (o *Orchestrator) setState(next SessionState) {
	o.state = next
	if err := o.pointers.UpdateStatus(o.sessionID, string(next)); err != nil {
		o.logger.Warn("failed to update session pointer", "state", string(next), "error", err)
	}
}

// sessionTasks lists the tasks belonging to this session lineage.
func (o *Orchestrator) sessionTasks() ([]*task.Task, error) {
	all, err := o.store.ListTasks()
	if err != nil {
		return nil, err
	}
	var tasks []*task.Task
	for _, t := range all {
		if t.SessionID == o.sessionID || t.RootSessionID == o.sessionID {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// outcome assembles the final Outcome from the store.
func (o *Orchestrator) outcome(fin *integrate.Finalization, conflictsPending bool, pendingEscalation string) *Outcome {
	out := &Outcome{
		SessionID:           o.sessionID,
		State:               o.state,
		Finalization:        fin,
		ConflictsPending:    conflictsPending,
		PendingEscalationID: pendingEscalation,
	}
	tasks, err := o.sessionTasks()
	if err != nil {
		o.logger.Warn("failed to list tasks for outcome", "error", err)
		return out
	}
	for _, t := range tasks {
		switch t.State {
		case task.StateDone:
			out.Completed++
		case task.StateBlocked:
			out.Blocked++
		case task.StateReplaced:
			out.Replanned++
		case task.StateSkipped:
			out.Skipped++
		case task.StateCancelled:
			out.Cancelled++
		}
	}
	return out
}
