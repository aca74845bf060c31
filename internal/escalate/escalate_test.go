package escalate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/logging"
)

type fakeRunner struct {
	response string
	err      error
	calls    int
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Result{FinalResponse: f.response}, nil
}

func newTestEngine(t *testing.T, runner agent.Runner, mutate func(*config.Config)) *Engine {
	t.Helper()
	logger, err := logging.NewLogger("", logging.LevelError)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := NewEngine(t.TempDir(), runner, cfg, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEscalateToUserAwaits(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, nil)

	out, err := e.Escalate(context.Background(), "sess-1", "task-1", TargetUser, "stuck on ambiguity")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if out.Action != ActionAwaitUser {
		t.Errorf("action = %s, want await_user", out.Action)
	}
	if out.Record.Resolved() {
		t.Error("user escalation should start unresolved")
	}

	// The record is durable and readable by another process.
	stored, err := ReadRecord(e.Dir(), out.Record.ID)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if stored.Reason != "stuck on ambiguity" || stored.Target != TargetUser {
		t.Errorf("stored record wrong: %+v", stored)
	}
}

func TestEscalateUserCapExhausted(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, func(c *config.Config) {
		c.EscalationLimits.User = 1
	})

	if _, err := e.Escalate(context.Background(), "sess-1", "", TargetUser, "first"); err != nil {
		t.Fatalf("first escalation failed: %v", err)
	}
	_, err := e.Escalate(context.Background(), "sess-1", "", TargetUser, "second")
	if !errors.Is(err, ErrEscalationLimit) {
		t.Errorf("expected ErrEscalationLimit, got %v", err)
	}
}

func TestEscalatePlannerResolvesImmediately(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, nil)

	out, err := e.Escalate(context.Background(), "sess-1", "task-1", TargetPlanner, "task too large")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if out.Action != ActionReplan {
		t.Errorf("action = %s, want replan", out.Action)
	}
	if !out.Record.Resolved() {
		t.Error("planner escalation should be recorded as resolved")
	}
}

func TestEscalatePlannerCapFallsThroughToUser(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, func(c *config.Config) {
		c.EscalationLimits.Planner = 0
	})

	out, err := e.Escalate(context.Background(), "sess-1", "", TargetPlanner, "needs replan")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if out.Action != ActionAwaitUser {
		t.Errorf("expected fall-through to user, got %s", out.Action)
	}
	if out.Record.Target != TargetUser {
		t.Errorf("record target = %s, want user", out.Record.Target)
	}
}

func TestEscalateValidatorConfidentAdviceResumes(t *testing.T) {
	runner := &fakeRunner{response: `{"rootCause": "flaky test", "recommendation": "rerun with -count=1", "confidence": 0.9, "requiresUserDecision": false}`}
	e := newTestEngine(t, runner, nil)

	out, err := e.Escalate(context.Background(), "sess-1", "task-1", TargetLogicValidator, "tests flap")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if out.Action != ActionResume {
		t.Errorf("action = %s, want resume", out.Action)
	}
	if out.Record.Resolution != "rerun with -count=1" {
		t.Errorf("resolution = %q", out.Record.Resolution)
	}
	if out.Record.Analysis == nil || out.Record.Analysis.Confidence != 0.9 {
		t.Errorf("analysis not recorded: %+v", out.Record.Analysis)
	}
}

func TestEscalateValidatorLowConfidenceDefersToUser(t *testing.T) {
	runner := &fakeRunner{response: `{"rootCause": "unclear", "recommendation": "maybe revert", "confidence": 0.4, "requiresUserDecision": false}`}
	e := newTestEngine(t, runner, nil)

	out, err := e.Escalate(context.Background(), "sess-1", "task-1", TargetLogicValidator, "stuck")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if out.Action != ActionAwaitUser {
		t.Errorf("low-confidence advice should defer to user, got %s", out.Action)
	}
}

func TestEscalateValidatorErrorFallsThroughToUser(t *testing.T) {
	runner := &fakeRunner{err: errors.New("agent crashed")}
	e := newTestEngine(t, runner, nil)

	out, err := e.Escalate(context.Background(), "sess-1", "task-1", TargetLogicValidator, "stuck")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if out.Action != ActionAwaitUser {
		t.Errorf("validator failure should fall through to user, got %s", out.Action)
	}
}

func TestEscalateExternalAdvisorFallsThroughToUser(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, nil)

	out, err := e.Escalate(context.Background(), "sess-1", "", TargetExternalAdvisor, "need outside opinion")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if out.Action != ActionAwaitUser {
		t.Errorf("expected fall-through to user, got %s", out.Action)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, nil)
	out, err := e.Escalate(context.Background(), "sess-1", "", TargetUser, "stuck")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	r, err := Resolve(e.Dir(), out.Record.ID, "use option B")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !r.Resolved() || r.Resolution != "use option B" {
		t.Errorf("resolution not applied: %+v", r)
	}

	again, err := Resolve(e.Dir(), out.Record.ID, "different answer")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if again.Resolution != "use option B" {
		t.Errorf("second resolve overwrote the answer: %q", again.Resolution)
	}
}

func TestResolveUnknownRecord(t *testing.T) {
	_, err := Resolve(t.TempDir(), "esc-missing", "answer")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListRecordsOldestFirst(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, nil)
	ctx := context.Background()
	first, err := e.Escalate(ctx, "sess-1", "", TargetUser, "first")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	second, err := e.Escalate(ctx, "sess-1", "", TargetUser, "second")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	records, err := ListRecords(e.Dir())
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != first.Record.ID || records[1].ID != second.Record.ID {
		t.Errorf("records out of order: %s, %s", records[0].ID, records[1].ID)
	}
}

func TestAwaitResolutionSeesExternalResolve(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, nil)
	out, err := e.Escalate(context.Background(), "sess-1", "", TargetUser, "stuck")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = Resolve(e.Dir(), out.Record.ID, "proceed")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := e.AwaitResolution(ctx, out.Record.ID)
	if err != nil {
		t.Fatalf("AwaitResolution failed: %v", err)
	}
	if r.Resolution != "proceed" {
		t.Errorf("resolution = %q", r.Resolution)
	}
}

func TestAwaitResolutionCancelled(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{}, nil)
	out, err := e.Escalate(context.Background(), "sess-1", "", TargetUser, "stuck")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.AwaitResolution(ctx, out.Record.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestParseAnalysisVariants(t *testing.T) {
	fenced := "```json\n{\"rootCause\": \"x\", \"recommendation\": \"y\", \"confidence\": 0.8}\n```"
	a, err := parseAnalysis(fenced)
	if err != nil {
		t.Fatalf("parseAnalysis failed: %v", err)
	}
	if a.RootCause != "x" || a.Confidence != 0.8 {
		t.Errorf("analysis wrong: %+v", a)
	}

	if _, err := parseAnalysis("no structure"); err == nil {
		t.Error("expected error for prose output")
	}
}
