// Package sessionlog provides the append-only NDJSON event log that makes
// Maestro sessions resumable.
//
// Every session writes one newline-delimited JSON file at
// sessions/{sessionID}.jsonl. Records are discriminated by an explicit
// type tag and are never rewritten once appended. A pointer manager keeps
// sessions/latest.json and sessions/previous.json for resume discovery,
// and a streaming reader replays a log to reconstruct session state.
package sessionlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordType discriminates session log records.
type RecordType string

const (
	TypeSessionStart    RecordType = "session_start"
	TypeSessionComplete RecordType = "session_complete"
	TypeSessionAbort    RecordType = "session_abort"
	TypePhaseStart      RecordType = "phase_start"
	TypePhaseComplete   RecordType = "phase_complete"
	TypeTaskCreated     RecordType = "task_created"
	TypeTaskUpdated     RecordType = "task_updated"
	TypeWorkerStart     RecordType = "worker_start"
	TypeWorkerComplete  RecordType = "worker_complete"
	TypeJudgeStart      RecordType = "judge_start"
	TypeJudgeComplete   RecordType = "judge_complete"
	TypeLeaderDecision  RecordType = "leader_decision"
	TypeError           RecordType = "error"
)

// IsValid returns true if this is a recognized record type. Parsers reject
// unknown tags rather than silently coercing them.
func (t RecordType) IsValid() bool {
	switch t {
	case TypeSessionStart, TypeSessionComplete, TypeSessionAbort,
		TypePhaseStart, TypePhaseComplete,
		TypeTaskCreated, TypeTaskUpdated,
		TypeWorkerStart, TypeWorkerComplete,
		TypeJudgeStart, TypeJudgeComplete,
		TypeLeaderDecision, TypeError:
		return true
	default:
		return false
	}
}

// Record is one session log event. The Type tag determines which of the
// optional fields are meaningful; unused fields are omitted from the
// serialized line.
type Record struct {
	Type      RecordType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`

	SessionID string `json:"session_id,omitempty"`
	Phase     string `json:"phase,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`

	// State is the task state after a task_created/task_updated event.
	State string `json:"state,omitempty"`

	// Success is set on worker_complete and judge_complete records.
	Success *bool `json:"success,omitempty"`

	// Iteration is the worker iteration counter for continuation cycles.
	Iteration int `json:"iteration,omitempty"`

	// Reason carries verdict reasons, block messages, leader decisions
	// and error descriptions.
	Reason string `json:"reason,omitempty"`

	// Decision names the action chosen in a leader_decision record.
	Decision string `json:"decision,omitempty"`

	// Instruction is the top-level user instruction on session_start.
	Instruction string `json:"instruction,omitempty"`

	// Fields carries any record-specific extras that have no dedicated slot.
	Fields map[string]any `json:"fields,omitempty"`
}

// parseRecord decodes one NDJSON line. Unknown type tags are rejected.
func parseRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("invalid record JSON: %w", err)
	}
	if !rec.Type.IsValid() {
		return Record{}, fmt.Errorf("unknown record type %q", rec.Type)
	}
	return rec, nil
}

// boolPtr is a convenience for populating the Success field.
func boolPtr(b bool) *bool {
	return &b
}

// TaskUpdated builds a task_updated record for a state transition.
func TaskUpdated(sessionID, taskID, state, reason string) Record {
	return Record{
		Type:      TypeTaskUpdated,
		SessionID: sessionID,
		TaskID:    taskID,
		State:     state,
		Reason:    reason,
	}
}

// WorkerComplete builds a worker_complete record.
func WorkerComplete(sessionID, taskID, workerID, runID string, success bool) Record {
	return Record{
		Type:      TypeWorkerComplete,
		SessionID: sessionID,
		TaskID:    taskID,
		WorkerID:  workerID,
		RunID:     runID,
		Success:   boolPtr(success),
	}
}

// JudgeComplete builds a judge_complete record.
func JudgeComplete(sessionID, taskID, runID string, success bool, reason string) Record {
	return Record{
		Type:      TypeJudgeComplete,
		SessionID: sessionID,
		TaskID:    taskID,
		RunID:     runID,
		Success:   boolPtr(success),
		Reason:    reason,
	}
}
