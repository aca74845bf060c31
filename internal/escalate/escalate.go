// Package escalate routes difficulties the worker/judge cycle cannot
// resolve to one of four targets: the user, the planner (replan), a
// logic-validator LLM, or an external advisor. Each target has a
// per-session attempt cap; exhausted or unavailable targets fall
// through to the user. Escalation records are persisted per session so
// a paused session can be resolved from another process.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/logging"
)

// Target identifies who an escalation is routed to.
type Target string

const (
	TargetUser            Target = "user"
	TargetPlanner         Target = "planner"
	TargetLogicValidator  Target = "logic_validator"
	TargetExternalAdvisor Target = "external_advisor"
)

// IsValid returns true for a recognized target.
func (t Target) IsValid() bool {
	switch t {
	case TargetUser, TargetPlanner, TargetLogicValidator, TargetExternalAdvisor:
		return true
	default:
		return false
	}
}

// Action is what the orchestrator should do after an escalation.
type Action string

const (
	// ActionResume means advice was recorded and execution continues.
	ActionResume Action = "resume"

	// ActionReplan means the planner target accepted; run the replanner.
	ActionReplan Action = "replan"

	// ActionAwaitUser means the session pauses until an external resolve.
	ActionAwaitUser Action = "await_user"
)

// Sentinel errors.
var (
	// ErrEscalationLimit indicates every applicable target, including the
	// user, has exhausted its per-session cap.
	ErrEscalationLimit = errors.New("escalation limits exhausted")

	// ErrRecordNotFound indicates no escalation record with that ID exists.
	ErrRecordNotFound = errors.New("escalation record not found")
)

// Analysis is the logic validator's structured root-cause output.
type Analysis struct {
	RootCause            string  `json:"rootCause"`
	Recommendation       string  `json:"recommendation"`
	Confidence           float64 `json:"confidence"`
	RequiresUserDecision bool    `json:"requiresUserDecision"`
}

// Record is one persisted escalation.
type Record struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	TaskID     string     `json:"task_id,omitempty"`
	Target     Target     `json:"target"`
	Reason     string     `json:"reason"`
	Resolution string     `json:"resolution,omitempty"`
	Analysis   *Analysis  `json:"analysis,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the escalation has been answered.
func (r *Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// Outcome is the result of routing one escalation.
type Outcome struct {
	Action Action
	Record *Record
}

// minConfidence is the validator confidence below which advice is not
// trusted and the escalation falls through to the user.
const minConfidence = 0.7

// Engine routes escalations for one session.
type Engine struct {
	dir    string
	runner agent.Runner
	cfg    *config.Config
	logger *logging.Logger

	mu     sync.Mutex
	counts map[Target]int
}

// NewEngine creates an Engine persisting records under
// {sessionDir}/escalations.
func NewEngine(sessionDir string, runner agent.Runner, cfg *config.Config, logger *logging.Logger) (*Engine, error) {
	dir := filepath.Join(sessionDir, "escalations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create escalations directory: %w", err)
	}
	return &Engine{
		dir:    dir,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		counts: make(map[Target]int),
	}, nil
}

// Dir returns the escalation records directory.
func (e *Engine) Dir() string {
	return e.dir
}

func (e *Engine) limit(t Target) int {
	switch t {
	case TargetUser:
		return e.cfg.EscalationLimits.User
	case TargetPlanner:
		return e.cfg.EscalationLimits.Planner
	case TargetLogicValidator:
		return e.cfg.EscalationLimits.LogicValidator
	case TargetExternalAdvisor:
		return e.cfg.EscalationLimits.ExternalAdvisor
	default:
		return 0
	}
}

// reserve consumes one attempt for the target, or reports the cap hit.
func (e *Engine) reserve(t Target) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counts[t] >= e.limit(t) {
		return false
	}
	e.counts[t]++
	return true
}

func (e *Engine) recordPath(id string) string {
	return filepath.Join(e.dir, id+".json")
}

func (e *Engine) writeRecord(r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal escalation record: %w", err)
	}
	tmp := e.recordPath(r.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write escalation record: %w", err)
	}
	return os.Rename(tmp, e.recordPath(r.ID))
}

// Escalate routes a difficulty to the requested target. Targets over
// their cap, and targets that decline, fall through to the user; a user
// escalation over its own cap returns ErrEscalationLimit.
func (e *Engine) Escalate(ctx context.Context, sessionID, taskID string, target Target, reason string) (*Outcome, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("unknown escalation target %q", target)
	}
	logger := e.logger.WithSession(sessionID)

	for {
		if !e.reserve(target) {
			if target == TargetUser {
				return nil, fmt.Errorf("%w: user cap %d reached", ErrEscalationLimit, e.limit(TargetUser))
			}
			logger.Warn("escalation target cap reached, falling through to user",
				"target", string(target))
			target = TargetUser
			continue
		}

		rec := &Record{
			ID:        "esc-" + uuid.NewString()[:8],
			SessionID: sessionID,
			TaskID:    taskID,
			Target:    target,
			Reason:    reason,
			CreatedAt: time.Now().UTC(),
		}

		switch target {
		case TargetPlanner:
			now := time.Now().UTC()
			rec.Resolution = "routed to replanner"
			rec.ResolvedAt = &now
			if err := e.writeRecord(rec); err != nil {
				return nil, err
			}
			return &Outcome{Action: ActionReplan, Record: rec}, nil

		case TargetLogicValidator:
			analysis, err := e.validate(ctx, taskID, reason)
			if err != nil {
				logger.Warn("logic validator failed, falling through to user", "error", err)
				target = TargetUser
				continue
			}
			rec.Analysis = analysis
			if analysis.RequiresUserDecision || analysis.Confidence < minConfidence {
				logger.Info("logic validator deferred to user",
					"confidence", analysis.Confidence,
					"requires_user", analysis.RequiresUserDecision)
				if err := e.writeRecord(rec); err != nil {
					return nil, err
				}
				target = TargetUser
				continue
			}
			now := time.Now().UTC()
			rec.Resolution = analysis.Recommendation
			rec.ResolvedAt = &now
			if err := e.writeRecord(rec); err != nil {
				return nil, err
			}
			return &Outcome{Action: ActionResume, Record: rec}, nil

		case TargetExternalAdvisor:
			// Reserved; no advisor integration exists yet.
			logger.Info("external advisor unavailable, falling through to user")
			target = TargetUser
			continue

		case TargetUser:
			if err := e.writeRecord(rec); err != nil {
				return nil, err
			}
			logger.Info("escalated to user", "escalation_id", rec.ID, "reason", reason)
			return &Outcome{Action: ActionAwaitUser, Record: rec}, nil
		}
	}
}

var analysisFencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// validate invokes the logic-validator LLM and parses its analysis.
func (e *Engine) validate(ctx context.Context, taskID, reason string) (*Analysis, error) {
	var b strings.Builder
	b.WriteString("An autonomous coding pipeline is stuck. Analyze the root cause.\n\n")
	b.WriteString("## Problem\n")
	b.WriteString(reason)
	if taskID != "" {
		b.WriteString("\n\nAffected task: " + taskID)
	}
	b.WriteString("\n\nRespond with a single JSON object:\n")
	b.WriteString(`{"rootCause": string, "recommendation": string, "confidence": number, "requiresUserDecision": bool}`)
	b.WriteString("\nConfidence is in [0,1]. Set requiresUserDecision when only a human can choose.\n")

	result, err := e.runner.Run(ctx, agent.Request{
		Kind:    agent.Kind(e.cfg.Agents.Judge.Type),
		Model:   e.cfg.Agents.Judge.Model,
		Prompt:  b.String(),
		Dir:     e.dir,
		LogPath: filepath.Join(e.dir, "validator.log"),
		Timeout: time.Duration(e.cfg.JudgeTimeoutMinutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	return parseAnalysis(result.FinalResponse)
}

func parseAnalysis(output string) (*Analysis, error) {
	trimmed := strings.TrimSpace(output)
	candidate := trimmed
	if m := analysisFencedRe.FindStringSubmatch(trimmed); len(m) == 2 {
		candidate = m[1]
	} else if !strings.HasPrefix(trimmed, "{") {
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON in validator output")
		}
		candidate = trimmed[start : end+1]
	}
	var a Analysis
	if err := json.Unmarshal([]byte(candidate), &a); err != nil {
		return nil, fmt.Errorf("parse validator analysis: %w", err)
	}
	return &a, nil
}

// ReadRecord loads one escalation record from dir.
func ReadRecord(dir, id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse escalation record %s: %w", id, err)
	}
	return &r, nil
}

// ListRecords returns all escalation records in dir, oldest first.
func ListRecords(dir string) ([]*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := ReadRecord(dir, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Resolve marks an escalation resolved. Called from the resolve command,
// typically in a different process than the paused orchestrator.
func Resolve(dir, id, resolution string) (*Record, error) {
	r, err := ReadRecord(dir, id)
	if err != nil {
		return nil, err
	}
	if r.Resolved() {
		return r, nil
	}
	now := time.Now().UTC()
	r.Resolution = resolution
	r.ResolvedAt = &now

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	target := filepath.Join(dir, id+".json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, err
	}
	return r, nil
}

// AwaitResolution blocks until the escalation is resolved or the context
// is cancelled. The records directory is watched for writes; a poll on
// each event handles editors that replace rather than modify the file.
func (e *Engine) AwaitResolution(ctx context.Context, id string) (*Record, error) {
	if r, err := ReadRecord(e.dir, id); err == nil && r.Resolved() {
		return r, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(e.dir); err != nil {
		return nil, fmt.Errorf("watch escalations directory: %w", err)
	}

	// Re-check after the watch is registered to close the race with a
	// resolve that landed between the first read and the Add.
	if r, err := ReadRecord(e.dir, id); err == nil && r.Resolved() {
		return r, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			if !strings.Contains(event.Name, id) {
				continue
			}
			r, err := ReadRecord(e.dir, id)
			if err != nil {
				continue
			}
			if r.Resolved() {
				return r, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			e.logger.Warn("escalation watcher error", "error", err)
		}
	}
}
