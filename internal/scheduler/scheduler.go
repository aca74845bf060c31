// Package scheduler decides which tasks run next and is the sole
// authority granting task ownership to workers.
//
// The scheduler computes the ready set (READY or NEEDS_CONTINUATION tasks
// whose every dependency is DONE), claims tasks via compare-and-swap so a
// racing scheduler loses benignly, and releases worker slots when tasks
// complete or block. It never exceeds the configured worker cap.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maestro-cli/maestro/internal/depgraph"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

// Scheduler tracks running workers and arbitrates task claims.
// All methods are safe for concurrent use.
type Scheduler struct {
	store      *store.Store
	logger     *logging.Logger
	maxWorkers int

	mu      sync.Mutex
	running map[string]string // workerID -> taskID
}

// New creates a Scheduler with the given worker cap.
func New(st *store.Store, maxWorkers int, logger *logging.Logger) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Scheduler{
		store:      st,
		logger:     logger,
		maxWorkers: maxWorkers,
		running:    make(map[string]string),
	}
}

// MaxWorkers returns the worker cap.
func (s *Scheduler) MaxWorkers() int {
	return s.maxWorkers
}

// RunningCount returns the number of workers currently holding tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// SlotAvailable reports whether another worker may be dispatched.
func (s *Scheduler) SlotAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) < s.maxWorkers
}

// ReadyTasks returns the tasks eligible to run: state READY or
// NEEDS_CONTINUATION, not part of a dependency cycle, and with every
// in-graph dependency DONE. Results are ordered FIFO on CreatedAt with ID
// as tiebreaker; no stronger fairness is guaranteed.
func (s *Scheduler) ReadyTasks(tasks []*task.Task, g *depgraph.Graph) []*task.Task {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var ready []*task.Task
	for _, t := range tasks {
		if t.State != task.StateReady && t.State != task.StateNeedsContinuation {
			continue
		}
		if g.Unschedulable(t.ID) {
			continue
		}
		eligible := true
		for _, dep := range t.Dependencies {
			depTask, ok := byID[dep]
			if !ok {
				// Edge dropped by the graph builder; missing deps do not
				// block scheduling.
				continue
			}
			if depTask.State != task.StateDone {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// Claim attempts to transition the task to RUNNING with the worker as
// owner, using the task's version as the CAS guard. Returns the claimed
// task, or nil when another scheduler won the race or the task is no
// longer claimable. A nil return consumes no worker slot.
func (s *Scheduler) Claim(t *task.Task, workerID string) *task.Task {
	s.mu.Lock()
	if len(s.running) >= s.maxWorkers {
		s.mu.Unlock()
		return nil
	}
	if _, busy := s.running[workerID]; busy {
		s.mu.Unlock()
		return nil
	}
	// Reserve the slot before the CAS so concurrent claims cannot
	// oversubscribe; released again if the CAS loses.
	s.running[workerID] = t.ID
	s.mu.Unlock()

	claimed, err := s.store.UpdateTask(t.ID, t.Version, func(cur *task.Task) error {
		if cur.State != task.StateReady && cur.State != task.StateNeedsContinuation {
			return fmt.Errorf("task %s not claimable in state %s", cur.ID, cur.State)
		}
		cur.State = task.StateRunning
		cur.Owner = workerID
		return nil
	})
	if err != nil {
		s.mu.Lock()
		delete(s.running, workerID)
		s.mu.Unlock()

		var conflict *store.ConflictError
		if errors.As(err, &conflict) || errors.Is(err, store.ErrLockHeld) {
			// Benign: another scheduler won.
			s.logger.Debug("lost claim race", "task_id", t.ID, "worker_id", workerID)
			return nil
		}
		s.logger.Warn("claim failed", "task_id", t.ID, "worker_id", workerID, "error", err)
		return nil
	}
	return claimed
}

// Complete transitions a task to DONE, clears its owner, and releases the
// worker slot. Completing an already-DONE task is idempotent: the current
// record is returned unchanged with no version bump.
func (s *Scheduler) Complete(taskID string) (*task.Task, error) {
	return s.finish(taskID, func(cur *task.Task) error {
		cur.State = task.StateDone
		cur.Owner = ""
		return nil
	}, task.StateDone)
}

// Block transitions a task to BLOCKED with the given reason, clears its
// owner, and releases the worker slot. Blocking an already-BLOCKED task
// is idempotent.
func (s *Scheduler) Block(taskID, reason string) (*task.Task, error) {
	return s.finish(taskID, func(cur *task.Task) error {
		cur.State = task.StateBlocked
		cur.Owner = ""
		cur.BlockMessage = reason
		return nil
	}, task.StateBlocked)
}

// MarkNeedsContinuation returns a RUNNING task to the ready set with the
// judge's feedback attached, releasing the worker slot.
func (s *Scheduler) MarkNeedsContinuation(taskID string, feedback *task.JudgementFeedback) (*task.Task, error) {
	return s.finish(taskID, func(cur *task.Task) error {
		cur.State = task.StateNeedsContinuation
		cur.Owner = ""
		cur.JudgementFeedback = feedback
		return nil
	}, task.StateNeedsContinuation)
}

// finish applies a terminal-or-requeue transition with retry, treating a
// task already in targetState as a no-op, and releases the owning
// worker's slot.
func (s *Scheduler) finish(taskID string, fn func(*task.Task) error, targetState task.State) (*task.Task, error) {
	updated, err := s.store.UpdateTaskRetry(taskID, 5,
		func(cur *task.Task) bool { return cur.State == targetState },
		fn,
	)
	if err != nil {
		return nil, err
	}
	s.release(taskID)
	return updated, nil
}

// ReleaseWorker frees the slot held by a worker without touching task
// state. Used when a claim was granted but dispatch failed before the
// worker ran.
func (s *Scheduler) ReleaseWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, workerID)
}

// release frees whichever worker slot holds the given task.
func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for workerID, held := range s.running {
		if held == taskID {
			delete(s.running, workerID)
			return
		}
	}
}
