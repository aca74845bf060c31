package sessionlog

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/task"
)

// Reader streams records from a session log. Lines are parsed lazily;
// unparsable lines are logged and skipped so a partially corrupted log
// still replays.
type Reader struct {
	path   string
	logger *logging.Logger
}

// NewReader creates a Reader for the given session log file.
func NewReader(path string, logger *logging.Logger) *Reader {
	return &Reader{path: path, logger: logger}
}

// Each invokes fn for every valid record in the log, in file order.
// Iteration stops early if fn returns false.
func (r *Reader) Each(fn func(Record) bool) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	const maxScanTokenSize = 1024 * 1024 // 1MB
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			r.logger.Warn("skipping unparsable session log line", "line", lineNum, "error", err)
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return scanner.Err()
}

// All returns every valid record in the log.
func (r *Reader) All() ([]Record, error) {
	var records []Record
	err := r.Each(func(rec Record) bool {
		records = append(records, rec)
		return true
	})
	return records, err
}

// PhaseBoundary marks the start and (if reached) completion of one phase.
type PhaseBoundary struct {
	Phase       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// TaskTrace aggregates the events of one task across the session.
type TaskTrace struct {
	TaskID           string
	LastState        string
	WorkerIterations int
	LastVerdict      *bool
	LastReason       string
	Events           []Record
}

// Summary is the state reconstructed by replaying a session log. Replaying
// a log to its last record reproduces the task counts and per-task last
// verdicts exactly.
type Summary struct {
	SessionID   string
	Instruction string
	Status      string // running, completed, aborted
	Phases      []PhaseBoundary
	Tasks       map[string]*TaskTrace
}

// CompletedTaskCount returns the number of tasks whose last recorded state
// is DONE.
func (s *Summary) CompletedTaskCount() int {
	n := 0
	for _, tr := range s.Tasks {
		if tr.LastState == task.StateDone.String() {
			n++
		}
	}
	return n
}

// PendingTaskCount returns the number of tasks whose last recorded state
// is non-terminal.
func (s *Summary) PendingTaskCount() int {
	n := 0
	for _, tr := range s.Tasks {
		if !task.State(tr.LastState).IsTerminal() {
			n++
		}
	}
	return n
}

// Replay reconstructs a Summary from the log. This backs both the report
// generator and the resume-context extractor.
func (r *Reader) Replay() (*Summary, error) {
	summary := &Summary{
		Status: "running",
		Tasks:  make(map[string]*TaskTrace),
	}

	trace := func(taskID string) *TaskTrace {
		tr, ok := summary.Tasks[taskID]
		if !ok {
			tr = &TaskTrace{TaskID: taskID}
			summary.Tasks[taskID] = tr
		}
		return tr
	}

	err := r.Each(func(rec Record) bool {
		switch rec.Type {
		case TypeSessionStart:
			summary.SessionID = rec.SessionID
			summary.Instruction = rec.Instruction
		case TypeSessionComplete:
			summary.Status = "completed"
		case TypeSessionAbort:
			summary.Status = "aborted"
		case TypePhaseStart:
			summary.Phases = append(summary.Phases, PhaseBoundary{
				Phase:     rec.Phase,
				StartedAt: rec.Timestamp,
			})
		case TypePhaseComplete:
			for i := len(summary.Phases) - 1; i >= 0; i-- {
				if summary.Phases[i].Phase == rec.Phase && summary.Phases[i].CompletedAt == nil {
					ts := rec.Timestamp
					summary.Phases[i].CompletedAt = &ts
					break
				}
			}
		case TypeTaskCreated, TypeTaskUpdated:
			tr := trace(rec.TaskID)
			tr.LastState = rec.State
			if rec.Reason != "" {
				tr.LastReason = rec.Reason
			}
		case TypeWorkerStart:
			trace(rec.TaskID).WorkerIterations++
		case TypeJudgeComplete:
			tr := trace(rec.TaskID)
			tr.LastVerdict = rec.Success
			tr.LastReason = rec.Reason
		}
		if rec.TaskID != "" {
			tr := trace(rec.TaskID)
			tr.Events = append(tr.Events, rec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}
