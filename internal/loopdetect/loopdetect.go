// Package loopdetect is the safety net against runaway agent loops. It
// watches three independent signals: per-scope step iteration counts,
// similarity between recent agent responses (cosine over token bags),
// and recurring state-transition patterns. Any signal firing yields the
// configured on-loop action. The detector is advisory; the orchestrator
// decides how to apply the action.
package loopdetect

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/maestro-cli/maestro/internal/config"
	"github.com/maestro-cli/maestro/internal/logging"
)

// Action is what to do about a detected loop.
type Action string

const (
	ActionAbort         Action = "abort"
	ActionEscalate      Action = "escalate"
	ActionForceContinue Action = "force_continue"
	ActionRetryWithHint Action = "retry_with_hint"
)

// IsValid returns true for a recognized action.
func (a Action) IsValid() bool {
	switch a {
	case ActionAbort, ActionEscalate, ActionForceContinue, ActionRetryWithHint:
		return true
	default:
		return false
	}
}

// Scope names the orchestration step a counter belongs to.
type Scope string

const (
	ScopeWorker Scope = "worker"
	ScopeJudge  Scope = "judge"
	ScopeReplan Scope = "replan"
)

// Detection describes one fired signal.
type Detection struct {
	// Kind is the signal: "iteration", "similarity", or "transition".
	Kind string

	// Scope and Key identify what was looping.
	Scope Scope
	Key   string

	// Detail is a human-readable explanation for logs and escalations.
	Detail string

	// Action is the configured response.
	Action Action
}

// maxPatternLen bounds how long a transition pattern can be and still be
// recognized as a cycle.
const maxPatternLen = 4

// Detector accumulates signals for one session.
type Detector struct {
	cfg    *config.Config
	logger *logging.Logger

	mu          sync.Mutex
	stepCounts  map[string]int
	responses   map[string][]map[string]float64
	transitions map[string][]string
}

// New creates a Detector.
func New(cfg *config.Config, logger *logging.Logger) *Detector {
	return &Detector{
		cfg:         cfg,
		logger:      logger,
		stepCounts:  make(map[string]int),
		responses:   make(map[string][]map[string]float64),
		transitions: make(map[string][]string),
	}
}

func (d *Detector) action() Action {
	a := Action(d.cfg.LoopDetection.OnLoop.Default)
	if !a.IsValid() {
		return ActionEscalate
	}
	return a
}

func (d *Detector) maxSteps(scope Scope) int {
	limits := d.cfg.LoopDetection.MaxStepIterations
	switch scope {
	case ScopeWorker:
		if limits.Worker > 0 {
			return limits.Worker
		}
	case ScopeJudge:
		if limits.Judge > 0 {
			return limits.Judge
		}
	case ScopeReplan:
		if limits.Replan > 0 {
			return limits.Replan
		}
	}
	return limits.Default
}

// RecordStep counts one iteration of a step for a key (usually a task ID)
// and reports a detection when the scope's ceiling is crossed.
func (d *Detector) RecordStep(scope Scope, key string) *Detection {
	if !d.cfg.LoopDetection.Enabled {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	counterKey := string(scope) + ":" + key
	d.stepCounts[counterKey]++
	count := d.stepCounts[counterKey]

	limit := d.maxSteps(scope)
	if limit <= 0 || count <= limit {
		return nil
	}

	det := &Detection{
		Kind:   "iteration",
		Scope:  scope,
		Key:    key,
		Detail: fmt.Sprintf("%s step for %s ran %d times, limit %d", scope, key, count, limit),
		Action: d.action(),
	}
	d.logger.Warn("iteration loop detected", "scope", string(scope), "key", key, "count", count)
	return det
}

// RecordResponse compares an agent response against the recent window for
// the same key and reports a detection when similarity crosses the
// threshold. The response joins the window either way.
func (d *Detector) RecordResponse(key, text string) *Detection {
	if !d.cfg.LoopDetection.Enabled {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	bag := tokenBag(text)
	window := d.responses[key]

	var det *Detection
	threshold := d.cfg.LoopDetection.Similarity.Threshold
	for _, prev := range window {
		sim := cosine(bag, prev)
		if sim >= threshold {
			det = &Detection{
				Kind:   "similarity",
				Key:    key,
				Detail: fmt.Sprintf("response for %s repeats earlier output (similarity %.3f >= %.3f)", key, sim, threshold),
				Action: d.action(),
			}
			d.logger.Warn("similarity loop detected", "key", key, "similarity", sim)
			break
		}
	}

	window = append(window, bag)
	if size := d.cfg.LoopDetection.Similarity.WindowSize; size > 0 && len(window) > size {
		window = window[len(window)-size:]
	}
	d.responses[key] = window
	return det
}

// RecordTransition appends a state transition for a key and reports a
// detection when the tail of the transition history is a short pattern
// repeated at least the configured number of times.
func (d *Detector) RecordTransition(key, from, to string) *Detection {
	if !d.cfg.LoopDetection.Enabled {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	label := from + ">" + to
	hist := append(d.transitions[key], label)
	d.transitions[key] = hist

	min := d.cfg.LoopDetection.TransitionPattern.MinOccurrences
	if min <= 1 {
		return nil
	}

	if patLen, ok := repeatedSuffix(hist, min); ok {
		pattern := strings.Join(hist[len(hist)-patLen:], ", ")
		det := &Detection{
			Kind:   "transition",
			Key:    key,
			Detail: fmt.Sprintf("transition pattern [%s] repeated %d times for %s", pattern, min, key),
			Action: d.action(),
		}
		d.logger.Warn("transition loop detected", "key", key, "pattern", pattern)
		return det
	}
	return nil
}

// Reset clears the accumulated signals for a key across all scopes, used
// when a task is replanned and its history no longer predicts anything.
func (d *Detector) Reset(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, scope := range []Scope{ScopeWorker, ScopeJudge, ScopeReplan} {
		delete(d.stepCounts, string(scope)+":"+key)
	}
	delete(d.responses, key)
	delete(d.transitions, key)
}

// repeatedSuffix reports whether the history ends with some pattern of
// length 1..maxPatternLen repeated min times back to back.
func repeatedSuffix(hist []string, min int) (int, bool) {
	for patLen := 1; patLen <= maxPatternLen; patLen++ {
		need := patLen * min
		if len(hist) < need {
			break
		}
		match := true
		for i := 0; i < need-patLen; i++ {
			if hist[len(hist)-need+i] != hist[len(hist)-need+i+patLen] {
				match = false
				break
			}
		}
		if match {
			return patLen, true
		}
	}
	return 0, false
}

// tokenBag builds a term-frequency vector from text.
func tokenBag(text string) map[string]float64 {
	bag := make(map[string]float64)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'`")
		if tok == "" {
			continue
		}
		bag[tok]++
	}
	return bag
}

// cosine computes cosine similarity between two term-frequency vectors.
// Two empty vectors are identical; one empty vector matches nothing.
func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for tok, av := range a {
		normA += av * av
		if bv, ok := b[tok]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
