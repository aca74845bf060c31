package task

import (
	"testing"
	"time"
)

func validTask() *Task {
	return &Task{
		ID:         "task-1",
		Version:    1,
		State:      StateReady,
		Repo:       "/tmp/repo",
		Branch:     "maestro/sess-1/task-1",
		BaseBranch: "main",
		Acceptance: "it works",
		TaskType:   TypeImplementation,
		SessionID:  "sess-1",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

func TestStateIsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateReady, false},
		{StateRunning, false},
		{StateNeedsContinuation, false},
		{StateDone, true},
		{StateBlocked, true},
		{StateCancelled, true},
		{StateSkipped, true},
		{StateReplaced, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr bool
	}{
		{"valid ready task", func(tk *Task) {}, false},
		{"empty id", func(tk *Task) { tk.ID = "" }, true},
		{"negative version", func(tk *Task) { tk.Version = -1 }, true},
		{"unknown state", func(tk *Task) { tk.State = "LIMBO" }, true},
		{"unknown type", func(tk *Task) { tk.TaskType = "refactoring" }, true},
		{"owner without running", func(tk *Task) { tk.Owner = "worker-1" }, true},
		{"running without owner", func(tk *Task) { tk.State = StateRunning }, true},
		{"running with owner", func(tk *Task) {
			tk.State = StateRunning
			tk.Owner = "worker-1"
		}, false},
		{"replanning info on ready task", func(tk *Task) {
			tk.ReplanningInfo = &ReplanningInfo{ReplanReason: "x", ReplacementTaskIDs: []string{"task-2"}}
		}, true},
		{"replaced without replacements", func(tk *Task) {
			tk.State = StateReplaced
			tk.ReplanningInfo = &ReplanningInfo{ReplanReason: "x"}
		}, true},
		{"replaced with replacements", func(tk *Task) {
			tk.State = StateReplaced
			tk.ReplanningInfo = &ReplanningInfo{ReplanReason: "x", ReplacementTaskIDs: []string{"task-2"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := validTask()
			tt.mutate(tk)
			err := tk.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := validTask()
	orig.ScopePaths = []string{"internal/foo/**"}
	orig.Dependencies = []string{"task-0"}
	orig.JudgementFeedback = &JudgementFeedback{
		Iteration:           1,
		MaxIterations:       3,
		LastReason:          "missing tests",
		MissingRequirements: []string{"unit tests"},
	}

	cp := orig.Clone()
	cp.ScopePaths[0] = "changed"
	cp.Dependencies[0] = "changed"
	cp.JudgementFeedback.LastReason = "changed"
	cp.JudgementFeedback.MissingRequirements[0] = "changed"

	if orig.ScopePaths[0] != "internal/foo/**" {
		t.Error("clone shares ScopePaths backing array")
	}
	if orig.Dependencies[0] != "task-0" {
		t.Error("clone shares Dependencies backing array")
	}
	if orig.JudgementFeedback.LastReason != "missing tests" {
		t.Error("clone shares JudgementFeedback pointer")
	}
	if orig.JudgementFeedback.MissingRequirements[0] != "unit tests" {
		t.Error("clone shares MissingRequirements backing array")
	}
}

func TestRunValidate(t *testing.T) {
	r := &Run{ID: "run-1", TaskID: "task-1", Status: RunRunning}
	if err := r.Validate(); err != nil {
		t.Errorf("valid run rejected: %v", err)
	}
	r.Status = "PENDING"
	if err := r.Validate(); err == nil {
		t.Error("expected error for unknown run status")
	}
	r = &Run{ID: "run-1", Status: RunSuccess}
	if err := r.Validate(); err == nil {
		t.Error("expected error for empty task id")
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	if RunRunning.IsTerminal() {
		t.Error("RUNNING should not be terminal")
	}
	if !RunSuccess.IsTerminal() || !RunFailure.IsTerminal() {
		t.Error("SUCCESS and FAILURE should be terminal")
	}
}
