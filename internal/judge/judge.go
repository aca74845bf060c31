// Package judge evaluates a task's run log against its acceptance
// criterion by asking an LLM for a structured verdict.
//
// The verdict JSON may arrive bare or inside a ```json fenced block;
// anything else is a parse failure that blocks the task rather than
// being silently coerced.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/maestro-cli/maestro/internal/agent"
	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/store"
	"github.com/maestro-cli/maestro/internal/task"
)

// ErrVerdictParse indicates the judge's response contained no usable verdict.
var ErrVerdictParse = errors.New("failed to parse judge verdict")

// Verdict is the structured outcome of one judgement.
type Verdict struct {
	Success             bool     `json:"success"`
	ShouldContinue      bool     `json:"shouldContinue"`
	ShouldReplan        bool     `json:"shouldReplan"`
	AlreadySatisfied    bool     `json:"alreadySatisfied"`
	Reason              string   `json:"reason"`
	MissingRequirements []string `json:"missingRequirements"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseVerdict extracts a Verdict from LLM output. Accepts either bare
// JSON or a fenced ```json block.
func ParseVerdict(output string) (*Verdict, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty response", ErrVerdictParse)
	}

	candidate := trimmed
	if m := fencedJSONRe.FindStringSubmatch(trimmed); len(m) == 2 {
		candidate = m[1]
	} else if !strings.HasPrefix(trimmed, "{") {
		// Fall back to the first top-level JSON object in the text.
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON object found", ErrVerdictParse)
		}
		candidate = trimmed[start : end+1]
	}

	var v Verdict
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerdictParse, err)
	}
	return &v, nil
}

// Judge runs verdict evaluations.
type Judge struct {
	store  *store.Store
	runner agent.Runner
	cfg    *config.Config
	logger *logging.Logger
}

// New creates a Judge.
func New(st *store.Store, runner agent.Runner, cfg *config.Config, logger *logging.Logger) *Judge {
	return &Judge{store: st, runner: runner, cfg: cfg, logger: logger}
}

// buildPrompt renders the judgement prompt from the task and run log.
func buildPrompt(t *task.Task, runLog string) string {
	var b strings.Builder
	b.WriteString("You are reviewing the output of a coding agent that attempted a task.\n\n")
	b.WriteString("## Task\n")
	b.WriteString(t.Context)
	b.WriteString("\n\n## Acceptance criterion\n")
	b.WriteString(t.Acceptance)
	b.WriteString("\n\n## Agent run log\n")
	b.WriteString(runLog)
	b.WriteString("\n\nRespond with a single JSON object:\n")
	b.WriteString(`{"success": bool, "shouldContinue": bool, "shouldReplan": bool, "alreadySatisfied": bool, "reason": string, "missingRequirements": [string]}`)
	b.WriteString("\nSet shouldContinue when the work is close but incomplete, shouldReplan when the task is too large or fundamentally misdirected.\n")
	return b.String()
}

const maxLogPromptBytes = 64 * 1024

// Evaluate reads the task and run log, invokes the judge agent, and
// parses the verdict. Rate-limited calls are retried up to the configured
// judge retry budget, honoring the server's retry hint; other failures
// fail the verdict immediately.
func (j *Judge) Evaluate(ctx context.Context, t *task.Task, runID string) (*Verdict, error) {
	run, err := j.store.ReadRun(runID)
	if err != nil {
		return nil, err
	}

	logData, err := os.ReadFile(run.LogPath)
	if err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	runLog := string(logData)
	if len(runLog) > maxLogPromptBytes {
		// Keep the tail: the agent's conclusion matters most.
		runLog = "...(truncated)...\n" + runLog[len(runLog)-maxLogPromptBytes:]
	}

	prompt := buildPrompt(t, runLog)
	logger := j.logger.WithTask(t.ID).With("run_id", runID)

	var lastErr error
	for attempt := 0; attempt <= j.cfg.JudgeTaskRetries; attempt++ {
		result, err := j.runner.Run(ctx, agent.Request{
			Kind:    agent.Kind(j.cfg.Agents.Judge.Type),
			Model:   j.cfg.Agents.Judge.Model,
			Prompt:  prompt,
			Dir:     t.Repo,
			LogPath: j.store.RunLogPath(runID) + ".judge",
			Timeout: time.Duration(j.cfg.JudgeTimeoutMinutes) * time.Minute,
		})
		if err != nil {
			var rl *agent.RateLimitError
			if errors.As(err, &rl) && attempt < j.cfg.JudgeTaskRetries {
				wait := rl.RetryAfter
				if wait <= 0 {
					wait = time.Duration(attempt+1) * 5 * time.Second
				}
				logger.Warn("judge rate limited, retrying", "attempt", attempt+1, "wait", wait.String())
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, err
		}

		verdict, err := ParseVerdict(result.FinalResponse)
		if err != nil {
			lastErr = err
			break
		}
		logger.Info("judge verdict",
			"success", verdict.Success,
			"should_continue", verdict.ShouldContinue,
			"should_replan", verdict.ShouldReplan,
		)
		return verdict, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("judge retries exhausted")
	}
	return nil, lastErr
}
