package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// TaskBreakdown is one planned unit of work as emitted by the planning
// agent, before it becomes a persisted task.
type TaskBreakdown struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Context      string   `json:"context"`
	Acceptance   string   `json:"acceptance"`
	TaskType     string   `json:"task_type"`
	ScopePaths   []string `json:"scope_paths,omitempty"`
	Dependencies []string `json:"dependencies"`
	Skip         bool     `json:"skip,omitempty"`
	SkipReason   string   `json:"skip_reason,omitempty"`
}

// Breakdown is a full parsed plan.
type Breakdown struct {
	Summary string
	Tasks   []TaskBreakdown
}

var planFencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")

// ParseBreakdown parses a plan from LLM output. It accepts bare JSON, a
// ```json fenced block, or a nested {"plan": {...}} wrapper, and tolerates
// the field aliases agents tend to produce:
//
//   - "depends" or "depends_on" for "dependencies"
//   - "files" for "scope_paths"
//   - "description" for "context"
//   - a bare array of tasks instead of an object
func ParseBreakdown(output string) (*Breakdown, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, fmt.Errorf("empty plan output")
	}

	candidate := trimmed
	if m := planFencedRe.FindStringSubmatch(trimmed); len(m) == 2 {
		candidate = m[1]
	} else if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		start := strings.IndexAny(trimmed, "{[")
		end := strings.LastIndexAny(trimmed, "}]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON found in plan output")
		}
		candidate = trimmed[start : end+1]
	}

	// flexibleTask handles alternative field names agents may generate.
	type flexibleTask struct {
		ID           string   `json:"id"`
		Title        string   `json:"title"`
		Context      string   `json:"context"`
		Description  string   `json:"description"` // Alternative name
		Acceptance   string   `json:"acceptance"`
		TaskType     string   `json:"task_type"`
		Type         string   `json:"type"` // Alternative name
		ScopePaths   []string `json:"scope_paths"`
		Files        []string `json:"files"` // Alternative name
		Dependencies []string `json:"dependencies"`
		Depends      []string `json:"depends"`    // Alternative name
		DependsOn    []string `json:"depends_on"` // Alternative name
		Skip         bool     `json:"skip"`
		SkipReason   string   `json:"skip_reason"`
	}

	type planContent struct {
		Summary string         `json:"summary"`
		Tasks   []flexibleTask `json:"tasks"`
	}

	var raw planContent
	if strings.HasPrefix(candidate, "[") {
		// Bare array of tasks.
		if err := json.Unmarshal([]byte(candidate), &raw.Tasks); err != nil {
			return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
		}
	} else {
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
		}
		// Try the nested "plan" wrapper format when no tasks were found.
		if len(raw.Tasks) == 0 {
			var wrapped struct {
				Plan planContent `json:"plan"`
			}
			if err := json.Unmarshal([]byte(candidate), &wrapped); err == nil && len(wrapped.Plan.Tasks) > 0 {
				raw = wrapped.Plan
			}
		}
	}

	if len(raw.Tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}

	tasks := make([]TaskBreakdown, len(raw.Tasks))
	for i, ft := range raw.Tasks {
		deps := ft.Dependencies
		if len(deps) == 0 && len(ft.DependsOn) > 0 {
			deps = ft.DependsOn
		}
		if len(deps) == 0 && len(ft.Depends) > 0 {
			deps = ft.Depends
		}

		scope := ft.ScopePaths
		if len(scope) == 0 && len(ft.Files) > 0 {
			scope = ft.Files
		}

		taskCtx := ft.Context
		if taskCtx == "" {
			taskCtx = ft.Description
		}

		taskType := ft.TaskType
		if taskType == "" {
			taskType = ft.Type
		}
		if taskType == "" {
			taskType = "implementation"
		}

		tasks[i] = TaskBreakdown{
			ID:           ft.ID,
			Title:        ft.Title,
			Context:      taskCtx,
			Acceptance:   ft.Acceptance,
			TaskType:     taskType,
			ScopePaths:   scope,
			Dependencies: deps,
			Skip:         ft.Skip,
			SkipReason:   ft.SkipReason,
		}
	}

	return &Breakdown{Summary: raw.Summary, Tasks: tasks}, nil
}

// ValidateBreakdown checks a plan for structural validity: unique IDs,
// known dependencies, non-empty acceptance criteria, and plan size.
func ValidateBreakdown(b *Breakdown, maxTasks int, strictContext bool) error {
	if b == nil || len(b.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	if maxTasks > 0 && len(b.Tasks) > maxTasks {
		return fmt.Errorf("plan has %d tasks, limit is %d", len(b.Tasks), maxTasks)
	}

	seen := make(map[string]bool, len(b.Tasks))
	for _, t := range b.Tasks {
		if t.ID == "" {
			return fmt.Errorf("plan contains a task with no id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = true
	}

	for _, t := range b.Tasks {
		if t.Skip {
			continue
		}
		if t.Acceptance == "" {
			return fmt.Errorf("task %s has no acceptance criterion", t.ID)
		}
		if strictContext && t.Context == "" {
			return fmt.Errorf("task %s has no context", t.ID)
		}
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}
	return nil
}
