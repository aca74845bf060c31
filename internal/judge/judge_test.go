package judge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

func TestParseVerdictBareJSON(t *testing.T) {
	v, err := ParseVerdict(`{"success": true, "reason": "meets the criterion"}`)
	if err != nil {
		t.Fatalf("ParseVerdict failed: %v", err)
	}
	if !v.Success || v.Reason != "meets the criterion" {
		t.Errorf("verdict wrong: %+v", v)
	}
}

func TestParseVerdictFencedBlock(t *testing.T) {
	output := "Here is my assessment:\n```json\n" +
		`{"success": false, "shouldContinue": true, "reason": "tests missing", "missingRequirements": ["unit tests"]}` +
		"\n```\nLet me know if you need more detail."
	v, err := ParseVerdict(output)
	if err != nil {
		t.Fatalf("ParseVerdict failed: %v", err)
	}
	if v.Success || !v.ShouldContinue {
		t.Errorf("verdict wrong: %+v", v)
	}
	if len(v.MissingRequirements) != 1 || v.MissingRequirements[0] != "unit tests" {
		t.Errorf("missing requirements wrong: %v", v.MissingRequirements)
	}
}

func TestParseVerdictFencedWithoutLanguageTag(t *testing.T) {
	output := "```\n{\"alreadySatisfied\": true, \"reason\": \"feature exists\"}\n```"
	v, err := ParseVerdict(output)
	if err != nil {
		t.Fatalf("ParseVerdict failed: %v", err)
	}
	if !v.AlreadySatisfied {
		t.Errorf("verdict wrong: %+v", v)
	}
}

func TestParseVerdictEmbeddedObject(t *testing.T) {
	output := `The work looks good. {"success": true, "reason": "ok"} That is my verdict.`
	v, err := ParseVerdict(output)
	if err != nil {
		t.Fatalf("ParseVerdict failed: %v", err)
	}
	if !v.Success {
		t.Errorf("verdict wrong: %+v", v)
	}
}

func TestParseVerdictFailures(t *testing.T) {
	for _, output := range []string{
		"",
		"   \n\t",
		"the task went well, I approve",
		"{broken json",
	} {
		if _, err := ParseVerdict(output); !errors.Is(err, ErrVerdictParse) {
			t.Errorf("ParseVerdict(%q): expected ErrVerdictParse, got %v", output, err)
		}
	}
}

// fakeRunner scripts a sequence of agent responses.
type fakeRunner struct {
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	result *agent.Result
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	if f.calls >= len(f.responses) {
		return nil, errors.New("fakeRunner: no scripted response left")
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp.result, resp.err
}

func evaluateSetup(t *testing.T, runner agent.Runner) (*Judge, *task.Task, string) {
	t.Helper()
	logger, err := logging.NewLogger("", logging.LevelError)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	st, err := store.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	cfg := config.Default()
	cfg.JudgeTaskRetries = 2
	cfg.JudgeTimeoutMinutes = 1

	now := time.Now().UTC()
	tk := &task.Task{
		ID:         "task-1",
		Version:    1,
		State:      task.StateRunning,
		Owner:      "worker-1",
		Repo:       t.TempDir(),
		Branch:     "maestro/sess-1/task-1",
		BaseBranch: "main",
		Acceptance: "handler returns 429 on overload",
		Context:    "add rate limiting to the HTTP API",
		TaskType:   task.TypeImplementation,
		SessionID:  "sess-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	runID := "run-1"
	logPath := st.RunLogPath(runID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		t.Fatalf("mkdir runs: %v", err)
	}
	if err := os.WriteFile(logPath, []byte("agent transcript"), 0o644); err != nil {
		t.Fatalf("write run log: %v", err)
	}
	if err := st.CreateRun(&task.Run{
		ID: runID, TaskID: tk.ID, AgentType: "worker",
		LogPath: logPath, Status: task.RunSuccess, StartedAt: now,
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	return New(st, runner, cfg, logger), tk, runID
}

func TestEvaluateReturnsVerdict(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{result: &agent.Result{FinalResponse: `{"success": true, "reason": "looks complete"}`}},
	}}
	j, tk, runID := evaluateSetup(t, runner)

	v, err := j.Evaluate(context.Background(), tk, runID)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !v.Success || v.Reason != "looks complete" {
		t.Errorf("verdict wrong: %+v", v)
	}
	if runner.calls != 1 {
		t.Errorf("expected 1 agent call, got %d", runner.calls)
	}
}

func TestEvaluateRetriesRateLimit(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{err: &agent.RateLimitError{RetryAfter: time.Millisecond}},
		{result: &agent.Result{FinalResponse: `{"success": true, "reason": "ok"}`}},
	}}
	j, tk, runID := evaluateSetup(t, runner)

	v, err := j.Evaluate(context.Background(), tk, runID)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !v.Success {
		t.Errorf("verdict wrong: %+v", v)
	}
	if runner.calls != 2 {
		t.Errorf("expected retry after rate limit, got %d calls", runner.calls)
	}
}

func TestEvaluateNonRateLimitErrorFailsFast(t *testing.T) {
	wantErr := &agent.ExitError{Code: 1, Stderr: "boom"}
	runner := &fakeRunner{responses: []fakeResponse{{err: wantErr}}}
	j, tk, runID := evaluateSetup(t, runner)

	_, err := j.Evaluate(context.Background(), tk, runID)
	if err == nil {
		t.Fatal("expected error")
	}
	var exitErr *agent.ExitError
	if !errors.As(err, &exitErr) {
		t.Errorf("expected ExitError, got %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("expected no retries, got %d calls", runner.calls)
	}
}

func TestEvaluateParseFailure(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{result: &agent.Result{FinalResponse: "no json here"}},
	}}
	j, tk, runID := evaluateSetup(t, runner)

	_, err := j.Evaluate(context.Background(), tk, runID)
	if !errors.Is(err, ErrVerdictParse) {
		t.Errorf("expected ErrVerdictParse, got %v", err)
	}
}
