// Package agent defines the child-process contract for invoking LLM
// coding agents. A runner spawns the agent CLI in a working directory,
// streams its output to a run log, and returns the agent's final
// response. The contract is deliberately narrow so any CLI-style agent
// can substitute.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maestro-cli/maestro/internal/logging"
)

// Kind selects which agent CLI to invoke.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
)

// IsValid returns true if this is a recognized agent kind.
func (k Kind) IsValid() bool {
	return k == KindClaude || k == KindCodex
}

// Sentinel errors.
var (
	// ErrTimeout indicates the agent exceeded its wall-clock budget and
	// was killed.
	ErrTimeout = errors.New("agent run timed out")

	// ErrParseFailure indicates the agent's final response could not be
	// extracted from its output.
	ErrParseFailure = errors.New("failed to parse agent response")
)

// RateLimitError indicates the provider rejected the call with a rate
// limit. RetryAfter carries the server's retry hint when one was given.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("agent rate limited, retry after %s", e.RetryAfter)
	}
	return "agent rate limited"
}

// ExitError indicates the agent process exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
}

// Request describes one agent invocation.
type Request struct {
	Kind    Kind
	Model   string
	Prompt  string
	Dir     string
	LogPath string
	Timeout time.Duration
}

// Result is the outcome of a successful agent invocation.
type Result struct {
	RunID         string
	FinalResponse string
	LogPath       string
}

// Runner invokes an agent and collects its final response.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CLIRunner implements Runner by spawning the agent CLI as a child
// process. Stdout and stderr are streamed to the run log as they arrive
// so long runs can be observed mid-flight.
type CLIRunner struct {
	logger *logging.Logger
}

// NewCLIRunner creates a CLIRunner.
func NewCLIRunner(logger *logging.Logger) *CLIRunner {
	return &CLIRunner{logger: logger}
}

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()[:8]
}

// command builds the agent CLI invocation for a request.
func command(ctx context.Context, req Request) (*exec.Cmd, error) {
	switch req.Kind {
	case KindClaude:
		args := []string{"-p", req.Prompt, "--output-format", "json"}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		return exec.CommandContext(ctx, "claude", args...), nil
	case KindCodex:
		args := []string{"exec", "--json"}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		args = append(args, req.Prompt)
		return exec.CommandContext(ctx, "codex", args...), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", req.Kind)
	}
}

// Run spawns the agent, waits for it, and parses the final response.
// Timeouts kill the child and return ErrTimeout; rate-limit signals in
// the agent's stderr surface as RateLimitError with the server's hint.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if !req.Kind.IsValid() {
		return nil, fmt.Errorf("unknown agent kind %q", req.Kind)
	}

	runID := NewRunID()
	logger := r.logger.With("run_id", runID, "agent", string(req.Kind))

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd, err := command(ctx, req)
	if err != nil {
		return nil, err
	}
	cmd.Dir = req.Dir

	logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, logFile)
	cmd.Stderr = io.MultiWriter(&stderr, logFile)

	logger.Info("starting agent", "dir", req.Dir, "model", req.Model)
	start := time.Now()
	err = cmd.Run()
	logger.Info("agent finished", "duration", time.Since(start).String(), "error", err != nil)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
		}
		combined := stderr.String() + stdout.String()
		if rl := detectRateLimit(combined); rl != nil {
			return nil, rl
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ExitError{Code: exitCode, Stderr: truncate(stderr.String(), 2000)}
	}

	final, err := parseFinalResponse(stdout.String())
	if err != nil {
		return nil, err
	}

	return &Result{
		RunID:         runID,
		FinalResponse: final,
		LogPath:       req.LogPath,
	}, nil
}

var retryAfterRe = regexp.MustCompile(`(?i)retry[- ]after[:\s]+(\d+)`)

// detectRateLimit inspects agent output for an HTTP 429 signal and
// extracts the retry hint when present.
func detectRateLimit(output string) *RateLimitError {
	lower := strings.ToLower(output)
	if !strings.Contains(lower, "429") && !strings.Contains(lower, "rate limit") {
		return nil
	}
	rl := &RateLimitError{}
	if m := retryAfterRe.FindStringSubmatch(output); len(m) == 2 {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			rl.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return rl
}

// parseFinalResponse extracts the agent's final answer from its stdout.
// Agents emit a JSON envelope; the last JSON object on the stream wins.
// Plain-text output is returned as-is when no envelope is found.
func parseFinalResponse(output string) (string, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty agent output", ErrParseFailure)
	}

	// Envelope fields emitted by the supported CLIs.
	type envelope struct {
		Result        string `json:"result"`
		FinalResponse string `json:"final_response"`
		Message       string `json:"message"`
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		switch {
		case env.Result != "":
			return env.Result, nil
		case env.FinalResponse != "":
			return env.FinalResponse, nil
		case env.Message != "":
			return env.Message, nil
		}
	}

	// Whole-output envelope (pretty-printed JSON).
	if strings.HasPrefix(trimmed, "{") {
		var env envelope
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil {
			switch {
			case env.Result != "":
				return env.Result, nil
			case env.FinalResponse != "":
				return env.FinalResponse, nil
			case env.Message != "":
				return env.Message, nil
			}
		}
	}

	return trimmed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
