package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maestro-cli/maestro/internal/depgraph"
	"github.com/maestro-cli/maestro/internal/escalate"
	"github.com/maestro-cli/maestro/internal/integrate"
	"github.com/maestro-cli/maestro/internal/loopdetect"
	"github.com/maestro-cli/maestro/internal/replan"
	"github.com/maestro-cli/maestro/internal/sessionlog"
	"github.com/maestro-cli/maestro/internal/task"
	"github.com/maestro-cli/maestro/internal/worker"
)

// Sentinel errors surfaced by the main loop.
var (
	// ErrLoopDetected indicates the loop detector aborted the session.
	ErrLoopDetected = errors.New("runaway loop detected")

	// ErrIterationBudget indicates the main-loop iteration bound was hit
	// before the session could conclude.
	ErrIterationBudget = errors.New("main loop iteration budget exhausted")
)

// Run starts a fresh session for the given objective and drives it to a
// terminal state.
func (o *Orchestrator) Run(ctx context.Context, objective string) (*Outcome, error) {
	sessionID := NewSessionID()
	if err := o.openSession(sessionID); err != nil {
		return nil, err
	}
	defer o.closeSession()

	o.objective = objective
	o.state = StatePlanning
	if err := o.pointers.UpdateLatest(sessionlog.SessionInfo{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
		Status:    string(StatePlanning),
	}); err != nil {
		return nil, fmt.Errorf("record session pointer: %w", err)
	}

	o.mustLog(sessionlog.Record{
		Type:        sessionlog.TypeSessionStart,
		Instruction: objective,
	})

	// Stale registrations from dead sessions confuse worktree creation.
	if err := o.vcs.PruneWorktrees(); err != nil {
		o.logger.Warn("worktree prune failed", "error", err)
	}

	if err := o.planningPhase(ctx); err != nil {
		o.abort(err.Error())
		return o.outcome(nil, false, ""), err
	}

	return o.mainLoop(ctx)
}

// Resume reopens an existing session and continues its main loop. The
// task store already holds the session's tasks; the log tells us the
// original objective.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Outcome, error) {
	logPath := sessionlog.LogFilePath(SessionsDir(o.root), sessionID)
	summary, err := sessionlog.NewReader(logPath, o.logger).Replay()
	if err != nil {
		return nil, fmt.Errorf("replay session %s: %w", sessionID, err)
	}
	if summary.Status == "completed" {
		return nil, fmt.Errorf("session %s already completed", sessionID)
	}

	if err := o.openSession(sessionID); err != nil {
		return nil, err
	}
	defer o.closeSession()

	o.objective = summary.Instruction
	o.state = StateExecuting
	o.mustLog(sessionlog.Record{
		Type:     sessionlog.TypeLeaderDecision,
		Decision: "resume",
		Reason:   fmt.Sprintf("resuming with %d pending tasks", summary.PendingTaskCount()),
	})

	if err := o.vcs.PruneWorktrees(); err != nil {
		o.logger.Warn("worktree prune failed", "error", err)
	}

	if err := o.recoverOrphanedTasks(); err != nil {
		o.abort(err.Error())
		return o.outcome(nil, false, ""), err
	}

	return o.mainLoop(ctx)
}

// recoverOrphanedTasks returns tasks left RUNNING by a dead process to
// the ready set. The owning worker does not survive a restart, so a
// RUNNING task at resume time can never finish on its own.
func (o *Orchestrator) recoverOrphanedTasks() error {
	tasks, err := o.sessionTasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State != task.StateRunning {
			continue
		}
		updated, uerr := o.store.UpdateTaskRetry(t.ID, 5,
			func(cur *task.Task) bool { return cur.State != task.StateRunning },
			func(cur *task.Task) error {
				if cur.JudgementFeedback != nil {
					cur.State = task.StateNeedsContinuation
				} else {
					cur.State = task.StateReady
				}
				cur.Owner = ""
				return nil
			})
		if uerr != nil {
			return fmt.Errorf("recover orphaned task %s: %w", t.ID, uerr)
		}
		o.mustLog(sessionlog.TaskUpdated(o.sessionID, updated.ID, updated.State.String(), "recovered after process restart"))
	}
	return nil
}

// mustLog appends a session record; failure to log is loud but does not
// stop orchestration.
func (o *Orchestrator) mustLog(rec sessionlog.Record) {
	if err := o.log.Log(rec); err != nil {
		o.logger.Error("session log append failed", "type", string(rec.Type), "error", err)
	}
}

// abort marks the session failed: non-terminal tasks become CANCELLED and
// a session_abort record lands in the log.
func (o *Orchestrator) abort(reason string) {
	o.cancelLiveTasks()
	o.mustLog(sessionlog.Record{Type: sessionlog.TypeSessionAbort, Reason: reason})
	o.setState(StateFailed)
}

func (o *Orchestrator) cancelLiveTasks() {
	tasks, err := o.sessionTasks()
	if err != nil {
		o.logger.Warn("failed to list tasks for cancellation", "error", err)
		return
	}
	for _, t := range tasks {
		if t.State.IsTerminal() {
			continue
		}
		updated, err := o.store.UpdateTaskRetry(t.ID, 5,
			func(cur *task.Task) bool { return cur.State.IsTerminal() },
			func(cur *task.Task) error {
				cur.State = task.StateCancelled
				cur.Owner = ""
				return nil
			})
		if err != nil {
			o.logger.Warn("failed to cancel task", "task_id", t.ID, "error", err)
			continue
		}
		o.mustLog(sessionlog.TaskUpdated(o.sessionID, updated.ID, updated.State.String(), "session aborted"))
	}
}

// planningPhase runs the planner and persists the breakdown.
func (o *Orchestrator) planningPhase(ctx context.Context) error {
	o.mustLog(sessionlog.Record{Type: sessionlog.TypePhaseStart, Phase: "planning"})

	baseBranch, err := o.vcs.CurrentBranch(o.repoDir)
	if err != nil {
		return fmt.Errorf("determine base branch: %w", err)
	}

	breakdown, err := o.plans.Plan(ctx, o.objective, o.repoDir, o.sessionID)
	if err != nil {
		return err
	}

	created, err := o.plans.Persist(breakdown, o.repoDir, baseBranch, o.sessionID, o.sessionID)
	if err != nil {
		return err
	}
	for _, t := range created {
		o.mustLog(sessionlog.Record{
			Type:      sessionlog.TypeTaskCreated,
			TaskID:    t.ID,
			State:     t.State.String(),
			Iteration: 0,
		})
	}

	if err := o.reports.Planning(o.sessionID, o.objective); err != nil {
		o.logger.Warn("planning report failed", "error", err)
	}

	o.mustLog(sessionlog.Record{Type: sessionlog.TypePhaseComplete, Phase: "planning"})
	return nil
}

// mainLoop alternates execution and integration until the session
// concludes or the iteration budget runs out.
func (o *Orchestrator) mainLoop(ctx context.Context) (*Outcome, error) {
	o.setState(StateExecuting)

	var fin *integrate.Finalization
	for iteration := 0; iteration < o.cfg.OrchestrateMainLoop; iteration++ {
		if err := ctx.Err(); err != nil {
			o.abort("cancelled")
			return o.outcome(nil, false, ""), err
		}

		pendingEscalation, err := o.executionPhase(ctx)
		if err != nil {
			o.abort(err.Error())
			return o.outcome(nil, false, ""), err
		}
		if pendingEscalation != "" {
			// Paused for the user; the session resumes in a later process.
			return o.outcome(nil, false, pendingEscalation), nil
		}

		res, err := o.integrationPhase()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				o.abort("cancelled")
				return o.outcome(nil, false, ""), err
			}
			o.abort(err.Error())
			return o.outcome(nil, false, ""), err
		}

		if len(res.ConflictTaskIDs) > 0 {
			// Conflict-resolution tasks were spawned; run them.
			o.mustLog(sessionlog.Record{
				Type:     sessionlog.TypeLeaderDecision,
				Decision: "resolve_conflicts",
				Reason:   fmt.Sprintf("%d conflict-resolution tasks spawned", len(res.ConflictTaskIDs)),
			})
			continue
		}

		fin = res.Finalization
		return o.conclude(fin)
	}

	o.mustLog(sessionlog.Record{
		Type:     sessionlog.TypeLeaderDecision,
		Decision: "iteration_budget",
		Reason:   fmt.Sprintf("main loop did not conclude in %d iterations", o.cfg.OrchestrateMainLoop),
	})
	o.abort("main loop iteration budget exhausted")
	out := o.outcome(nil, true, "")
	return out, ErrIterationBudget
}

// conclude finishes a session whose integration completed.
func (o *Orchestrator) conclude(fin *integrate.Finalization) (*Outcome, error) {
	o.setState(StateReviewing)
	o.finalReports()

	note := ""
	if fin != nil {
		switch {
		case fin.PRURL != "":
			note = "Pull request: " + fin.PRURL
		case fin.Command != "":
			note = "To merge, run: `" + fin.Command + "`"
		}
	}
	if err := o.reports.Summary(o.sessionID, o.replaySummary(), note); err != nil {
		o.logger.Warn("summary report failed", "error", err)
	}

	o.mustLog(sessionlog.Record{Type: sessionlog.TypeSessionComplete})
	o.setState(StateCompleted)
	return o.outcome(fin, false, ""), nil
}

func (o *Orchestrator) replaySummary() *sessionlog.Summary {
	logPath := sessionlog.LogFilePath(SessionsDir(o.root), o.sessionID)
	summary, err := sessionlog.NewReader(logPath, o.logger).Replay()
	if err != nil {
		o.logger.Warn("session replay for reports failed", "error", err)
		return nil
	}
	return summary
}

// finalReports writes the per-task report set.
func (o *Orchestrator) finalReports() {
	summary := o.replaySummary()
	tasks, err := o.sessionTasks()
	if err != nil {
		o.logger.Warn("failed to list tasks for reports", "error", err)
		return
	}
	for _, t := range tasks {
		var trace *sessionlog.TaskTrace
		if summary != nil {
			trace = summary.Tasks[t.ID]
		}
		if err := o.reports.Task(o.sessionID, t, trace); err != nil {
			o.logger.Warn("task report failed", "task_id", t.ID, "error", err)
		}
	}
}

// buildGraph constructs the dependency graph over the session's tasks.
func (o *Orchestrator) buildGraph(tasks []*task.Task) *depgraph.Graph {
	return depgraph.Build(tasks, nil, o.logger)
}

// attemptResult pairs a worker attempt with the claimed task.
type attemptResult struct {
	task    *task.Task
	attempt *worker.Attempt
	hint    *worker.ChainHint
}

// chainHints maps serial-chain member tasks to the shared worktree their
// chain reuses. The first member keeps the worktree for the next; the
// last one removes it.
func chainHints(g *depgraph.Graph) map[string]*worker.ChainHint {
	hints := make(map[string]*worker.ChainHint)
	for _, chain := range g.SerialChains() {
		name := "wt-chain-" + chain[0]
		for i, id := range chain {
			hints[id] = &worker.ChainHint{Worktree: name, Keep: i < len(chain)-1}
		}
	}
	return hints
}

// executionPhase dispatches workers over the ready set until no task is
// ready and none is running. Returns a pending escalation ID when the
// session paused for the user. An execution pass with no state change
// emits a leader decision and escalates.
func (o *Orchestrator) executionPhase(ctx context.Context) (string, error) {
	o.mustLog(sessionlog.Record{Type: sessionlog.TypePhaseStart, Phase: "execution"})
	defer o.mustLog(sessionlog.Record{Type: sessionlog.TypePhaseComplete, Phase: "execution"})

	results := make(chan attemptResult)
	inflight := 0
	var workerSeq atomic.Int64
	progressed := false

	for {
		if err := ctx.Err(); err != nil {
			// Drain running workers before reporting cancellation.
			for inflight > 0 {
				res := <-results
				inflight--
				o.sched.ReleaseWorker(res.attempt.WorkerID)
			}
			return "", err
		}

		tasks, err := o.sessionTasks()
		if err != nil {
			return "", err
		}
		graph := o.buildGraph(tasks)
		hints := chainHints(graph)

		ready := o.sched.ReadyTasks(tasks, graph)
		for _, t := range ready {
			if !o.sched.SlotAvailable() {
				break
			}
			workerID := fmt.Sprintf("worker-%d", workerSeq.Add(1))

			if det := o.detector.RecordStep(loopdetect.ScopeWorker, t.ID); det != nil {
				if stop, pending, err := o.handleDetection(ctx, t, det); stop {
					return pending, err
				}
				continue
			}

			claimed := o.sched.Claim(t, workerID)
			if claimed == nil {
				continue
			}
			progressed = true
			o.mustLog(sessionlog.Record{
				Type:      sessionlog.TypeWorkerStart,
				TaskID:    claimed.ID,
				WorkerID:  workerID,
				Iteration: workerIteration(claimed),
			})

			inflight++
			go func(t *task.Task, workerID string, hint *worker.ChainHint) {
				attempt := o.workers.Execute(ctx, t, workerID, hint)
				attempt.WorkerID = workerID
				results <- attemptResult{task: t, attempt: attempt, hint: hint}
			}(claimed, workerID, hints[claimed.ID])
		}

		if inflight == 0 {
			if len(ready) == 0 {
				break
			}
			if !progressed {
				// Ready tasks exist but none could be claimed.
				break
			}
			progressed = false
			continue
		}

		res := <-results
		inflight--
		advanced, pending, err := o.handleAttempt(ctx, res)
		if err != nil {
			return "", err
		}
		if pending != "" {
			for inflight > 0 {
				r := <-results
				inflight--
				o.sched.ReleaseWorker(r.attempt.WorkerID)
			}
			return pending, nil
		}
		if advanced {
			progressed = true
		}
	}

	if !progressed {
		if pending, err := o.noProgress(ctx); pending != "" || err != nil {
			return pending, err
		}
	}
	return "", nil
}

// noProgress handles an execution pass in which no task advanced: a
// leader decision is recorded and the difficulty escalated.
func (o *Orchestrator) noProgress(ctx context.Context) (string, error) {
	tasks, err := o.sessionTasks()
	if err != nil {
		return "", err
	}
	livePending := 0
	for _, t := range tasks {
		if !t.State.IsTerminal() {
			livePending++
		}
	}
	if livePending == 0 {
		// Every task terminal: that is completion, not stagnation.
		return "", nil
	}

	reason := fmt.Sprintf("no task advanced while %d tasks remain pending", livePending)
	o.mustLog(sessionlog.Record{
		Type:     sessionlog.TypeLeaderDecision,
		Decision: "escalate",
		Reason:   reason,
	})
	return o.escalateDifficulty(ctx, nil, reason)
}

// escalateDifficulty routes a difficulty through the logic validator
// before bothering the user. A confident recommendation requeues the
// task with the advice attached; a replan verdict hands the task to the
// replanner; everything else falls through to a user escalation.
func (o *Orchestrator) escalateDifficulty(ctx context.Context, t *task.Task, reason string) (string, error) {
	taskID := ""
	if t != nil {
		taskID = t.ID
	}
	out, err := o.escalator.Escalate(ctx, o.sessionID, taskID, escalate.TargetLogicValidator, reason)
	if err != nil {
		return "", err
	}

	switch out.Action {
	case escalate.ActionResume:
		o.mustLog(sessionlog.Record{
			Type:     sessionlog.TypeLeaderDecision,
			TaskID:   taskID,
			Decision: "validator_advice",
			Reason:   out.Record.Resolution,
		})
		if t != nil {
			o.detector.Reset(t.ID)
			o.requeueWithAdvice(t.ID, out.Record.Resolution)
		}
		return "", nil

	case escalate.ActionReplan:
		o.mustLog(sessionlog.Record{
			Type:     sessionlog.TypeLeaderDecision,
			TaskID:   taskID,
			Decision: "escalation_replan",
			Reason:   out.Record.Resolution,
		})
		if t == nil {
			return "", nil
		}
		_, pending, rerr := o.applyReplan(ctx, t, out.Record.Resolution, nil)
		return pending, rerr

	default:
		return o.awaitEscalation(ctx, out.Record)
	}
}

// requeueWithAdvice returns a stuck task to the ready set carrying the
// validator's recommendation as feedback for the next attempt.
func (o *Orchestrator) requeueWithAdvice(taskID, advice string) {
	_, err := o.store.UpdateTaskRetry(taskID, 5, nil, func(cur *task.Task) error {
		cur.State = task.StateNeedsContinuation
		cur.Owner = ""
		cur.BlockMessage = ""
		if cur.JudgementFeedback == nil {
			cur.JudgementFeedback = &task.JudgementFeedback{MaxIterations: o.cfg.MaxIterations}
		}
		cur.JudgementFeedback.LastReason = advice
		return nil
	})
	if err != nil {
		o.logger.Warn("failed to requeue task with advice", "task_id", taskID, "error", err)
		return
	}
	o.mustLog(sessionlog.TaskUpdated(o.sessionID, taskID, task.StateNeedsContinuation.String(), advice))
}

// escalateToUser routes a difficulty directly to the user and pauses
// until it is resolved or the context ends.
func (o *Orchestrator) escalateToUser(ctx context.Context, taskID, reason string) (string, error) {
	out, err := o.escalator.Escalate(ctx, o.sessionID, taskID, escalate.TargetUser, reason)
	if err != nil {
		return "", err
	}
	return o.awaitEscalation(ctx, out.Record)
}

// awaitEscalation pauses on an unresolved user escalation. Returns the
// pending escalation ID when the session must stop and wait for an
// external resolve.
func (o *Orchestrator) awaitEscalation(ctx context.Context, rec *escalate.Record) (string, error) {
	o.setState(StateEscalating)
	resolved, err := o.escalator.AwaitResolution(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Leave the session paused; resolve + resume happen later.
			return rec.ID, nil
		}
		return "", err
	}

	o.mustLog(sessionlog.Record{
		Type:     sessionlog.TypeLeaderDecision,
		Decision: "escalation_resolved",
		Reason:   resolved.Resolution,
	})
	o.setState(StateExecuting)
	return "", nil
}

// handleDetection applies the loop detector's action. Returns stop=true
// when the execution phase must end.
func (o *Orchestrator) handleDetection(ctx context.Context, t *task.Task, det *loopdetect.Detection) (stop bool, pending string, err error) {
	o.mustLog(sessionlog.Record{
		Type:     sessionlog.TypeLeaderDecision,
		TaskID:   t.ID,
		Decision: string(det.Action),
		Reason:   det.Detail,
	})

	switch det.Action {
	case loopdetect.ActionAbort:
		return true, "", fmt.Errorf("%w: %s", ErrLoopDetected, det.Detail)

	case loopdetect.ActionEscalate:
		if _, err := o.sched.Block(t.ID, det.Detail); err != nil {
			o.logger.Warn("failed to block looping task", "task_id", t.ID, "error", err)
		}
		pending, err := o.escalateDifficulty(ctx, t, det.Detail)
		return pending != "" || err != nil, pending, err

	case loopdetect.ActionForceContinue:
		o.detector.Reset(t.ID)
		return false, "", nil

	case loopdetect.ActionRetryWithHint:
		o.detector.Reset(t.ID)
		_, uerr := o.store.UpdateTaskRetry(t.ID, 5, nil, func(cur *task.Task) error {
			if cur.JudgementFeedback == nil {
				cur.JudgementFeedback = &task.JudgementFeedback{MaxIterations: o.cfg.MaxIterations}
			}
			cur.JudgementFeedback.LastReason = "Previous attempts repeated themselves. Take a different approach: " + det.Detail
			return nil
		})
		if uerr != nil {
			o.logger.Warn("failed to attach retry hint", "task_id", t.ID, "error", uerr)
		}
		return false, "", nil

	default:
		return false, "", nil
	}
}

func workerIteration(t *task.Task) int {
	if t.JudgementFeedback != nil {
		return t.JudgementFeedback.Iteration + 1
	}
	return 1
}

// handleAttempt applies the worker result and the judge verdict to the
// task. Returns advanced=true when the task changed state.
func (o *Orchestrator) handleAttempt(ctx context.Context, res attemptResult) (advanced bool, pending string, err error) {
	t, attempt := res.task, res.attempt
	logger := o.logger.WithTask(t.ID)

	o.mustLog(sessionlog.WorkerComplete(o.sessionID, t.ID, attempt.WorkerID, attempt.RunID, attempt.Err == nil))

	if attempt.Err != nil {
		reason := fmt.Sprintf("worker failed: %v", attempt.Err)
		if res.hint != nil {
			o.chainRetries[t.ID]++
			if o.chainRetries[t.ID] < o.cfg.SerialChainTaskRetries {
				// Blocking a chain member strands every task behind it;
				// retry the attempt first, keeping any judge feedback the
				// task already carried.
				if _, rerr := o.sched.MarkNeedsContinuation(t.ID, t.JudgementFeedback); rerr != nil {
					return false, "", fmt.Errorf("requeue chain task %s: %w", t.ID, rerr)
				}
				o.recordTransition(t.ID, task.StateRunning, task.StateNeedsContinuation, reason)
				return true, "", nil
			}
		}
		if _, berr := o.sched.Block(t.ID, reason); berr != nil {
			return false, "", fmt.Errorf("block failed task %s: %w", t.ID, berr)
		}
		o.dropChainWorktree(res.hint)
		o.recordTransition(t.ID, task.StateRunning, task.StateBlocked, reason)
		return true, "", nil
	}

	if det := o.detector.RecordStep(loopdetect.ScopeJudge, t.ID); det != nil {
		stop, pending, derr := o.handleDetection(ctx, t, det)
		if stop {
			return true, pending, derr
		}
	}

	current, err := o.store.ReadTask(t.ID)
	if err != nil {
		return false, "", err
	}

	o.mustLog(sessionlog.Record{Type: sessionlog.TypeJudgeStart, TaskID: t.ID, RunID: attempt.RunID})
	verdict, verr := o.judges.Evaluate(ctx, current, attempt.RunID)
	if verr != nil {
		reason := fmt.Sprintf("judge failed: %v", verr)
		logger.Warn("judgement failed", "error", verr)
		if _, berr := o.sched.Block(t.ID, reason); berr != nil {
			return false, "", fmt.Errorf("block unjudged task %s: %w", t.ID, berr)
		}
		o.dropChainWorktree(res.hint)
		o.recordTransition(t.ID, task.StateRunning, task.StateBlocked, reason)
		return true, "", nil
	}
	o.mustLog(sessionlog.JudgeComplete(o.sessionID, t.ID, attempt.RunID, verdict.Success, verdict.Reason))

	if det := o.detector.RecordResponse(t.ID, verdict.Reason); det != nil {
		stop, pending, derr := o.handleDetection(ctx, current, det)
		if stop {
			return true, pending, derr
		}
	}

	switch {
	case verdict.AlreadySatisfied, verdict.Success && !verdict.ShouldContinue:
		if _, err := o.sched.Complete(t.ID); err != nil {
			return false, "", fmt.Errorf("complete task %s: %w", t.ID, err)
		}
		o.recordTransition(t.ID, task.StateRunning, task.StateDone, verdict.Reason)
		if current.TaskType == task.TypeInvestigation {
			o.recordExploration(current, attempt, verdict.Reason)
		}
		return true, "", nil

	case verdict.ShouldReplan:
		return o.applyReplan(ctx, current, verdict.Reason, verdict.MissingRequirements)

	case verdict.ShouldContinue:
		iteration := 1
		if current.JudgementFeedback != nil {
			iteration = current.JudgementFeedback.Iteration + 1
		}
		if iteration >= o.cfg.MaxIterations {
			reason := fmt.Sprintf("iteration budget exhausted after %d attempts: %s", iteration, verdict.Reason)
			if _, err := o.sched.Block(t.ID, reason); err != nil {
				return false, "", fmt.Errorf("block exhausted task %s: %w", t.ID, err)
			}
			o.dropChainWorktree(res.hint)
			o.recordTransition(t.ID, task.StateRunning, task.StateBlocked, reason)
			return true, "", nil
		}
		feedback := &task.JudgementFeedback{
			Iteration:           iteration,
			MaxIterations:       o.cfg.MaxIterations,
			LastReason:          verdict.Reason,
			MissingRequirements: verdict.MissingRequirements,
		}
		if _, err := o.sched.MarkNeedsContinuation(t.ID, feedback); err != nil {
			return false, "", fmt.Errorf("requeue task %s: %w", t.ID, err)
		}
		o.recordTransition(t.ID, task.StateRunning, task.StateNeedsContinuation, verdict.Reason)
		return true, "", nil

	default:
		reason := verdict.Reason
		if reason == "" {
			reason = "judge rejected the work without a continuation path"
		}
		if _, err := o.sched.Block(t.ID, reason); err != nil {
			return false, "", fmt.Errorf("block rejected task %s: %w", t.ID, err)
		}
		o.dropChainWorktree(res.hint)
		o.recordTransition(t.ID, task.StateRunning, task.StateBlocked, reason)
		return true, "", nil
	}
}

// applyReplan hands a failed task to the replanner; an exhausted replan
// budget escalates to the user instead.
func (o *Orchestrator) applyReplan(ctx context.Context, t *task.Task, reason string, missing []string) (advanced bool, pending string, err error) {
	if det := o.detector.RecordStep(loopdetect.ScopeReplan, t.ID); det != nil {
		stop, pending, derr := o.handleDetection(ctx, t, det)
		if stop {
			return true, pending, derr
		}
	}

	// Free the worker slot; the task leaves RUNNING one way or another.
	o.sched.ReleaseWorker(t.Owner)

	replacements, rerr := o.replanner.Replan(ctx, t, reason, missing)
	if rerr != nil {
		if errors.Is(rerr, replan.ErrReplanBudget) {
			blockReason := fmt.Sprintf("replan requested but budget exhausted: %s", reason)
			if _, err := o.sched.Block(t.ID, blockReason); err != nil {
				return false, "", err
			}
			o.recordTransition(t.ID, task.StateRunning, task.StateBlocked, blockReason)
			pending, err := o.escalateToUser(ctx, t.ID, blockReason)
			return true, pending, err
		}
		return false, "", fmt.Errorf("replan task %s: %w", t.ID, rerr)
	}

	o.detector.Reset(t.ID)
	o.recordTransition(t.ID, task.StateRunning, task.StateReplaced, reason)
	for _, rt := range replacements {
		o.mustLog(sessionlog.Record{
			Type:   sessionlog.TypeTaskCreated,
			TaskID: rt.ID,
			State:  rt.State.String(),
		})
	}
	return true, "", nil
}

// dropChainWorktree removes a serial chain's shared worktree once a
// member blocks; nothing behind the blocked task will run.
func (o *Orchestrator) dropChainWorktree(hint *worker.ChainHint) {
	if hint == nil || !hint.Keep {
		return
	}
	if err := o.vcs.RemoveWorktree(hint.Worktree, true); err != nil {
		o.logger.Warn("failed to remove chain worktree", "worktree", hint.Worktree, "error", err)
	}
}

// recordExploration persists an investigation task's findings at
// completion. The agent's final response is the findings; the judge's
// reason stands in when the worker produced none.
func (o *Orchestrator) recordExploration(t *task.Task, attempt *worker.Attempt, reason string) {
	findings := attempt.Summary
	if findings == "" {
		findings = reason
	}
	exp := &task.Exploration{
		ID:        "exp-" + uuid.NewString()[:8],
		TaskID:    t.ID,
		RunID:     attempt.RunID,
		Findings:  findings,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateExploration(exp); err != nil {
		o.logger.Warn("failed to record exploration", "task_id", t.ID, "error", err)
	}
}

// recordTransition logs a task state change and feeds the transition
// pattern detector.
func (o *Orchestrator) recordTransition(taskID string, from, to task.State, reason string) {
	o.mustLog(sessionlog.TaskUpdated(o.sessionID, taskID, to.String(), reason))
	if det := o.detector.RecordTransition(taskID, from.String(), to.String()); det != nil {
		// Transition loops surface on the next scheduling pass; the record
		// here is enough to make the pattern visible in the log.
		o.logger.Warn("transition pattern detected", "task_id", taskID, "detail", det.Detail)
	}
}

// integrationPhase merges completed work and finalizes.
func (o *Orchestrator) integrationPhase() (*integrate.Result, error) {
	o.mustLog(sessionlog.Record{Type: sessionlog.TypePhaseStart, Phase: "integration"})
	defer o.mustLog(sessionlog.Record{Type: sessionlog.TypePhaseComplete, Phase: "integration"})

	tasks, err := o.sessionTasks()
	if err != nil {
		return nil, err
	}

	baseBranch := ""
	for _, t := range tasks {
		if t.BaseBranch != "" && t.TaskType != task.TypeIntegration {
			baseBranch = t.BaseBranch
			break
		}
	}
	if baseBranch == "" {
		baseBranch, err = o.vcs.CurrentBranch(o.repoDir)
		if err != nil {
			return nil, err
		}
	}

	res, err := o.integrator.Integrate(o.sessionID, baseBranch, tasks)
	if err != nil {
		return nil, err
	}

	for _, id := range res.ConflictTaskIDs {
		o.mustLog(sessionlog.Record{
			Type:   sessionlog.TypeTaskCreated,
			TaskID: id,
			State:  task.StateReady.String(),
			Reason: "conflict resolution",
		})
	}
	return res, nil
}
