package planner

import (
	"strings"
	"testing"
)

func TestParseBreakdownBareObject(t *testing.T) {
	output := `{
		"summary": "Add rate limiting",
		"tasks": [
			{"id": "t1", "title": "Add limiter", "context": "wrap handlers", "acceptance": "429 on overload", "task_type": "implementation", "scope_paths": ["internal/api/**"], "dependencies": []},
			{"id": "t2", "title": "Document it", "context": "update docs", "acceptance": "docs mention limits", "task_type": "documentation", "dependencies": ["t1"]}
		]
	}`
	b, err := ParseBreakdown(output)
	if err != nil {
		t.Fatalf("ParseBreakdown failed: %v", err)
	}
	if b.Summary != "Add rate limiting" {
		t.Errorf("summary = %q", b.Summary)
	}
	if len(b.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(b.Tasks))
	}
	if b.Tasks[1].Dependencies[0] != "t1" {
		t.Errorf("dependencies wrong: %v", b.Tasks[1].Dependencies)
	}
}

func TestParseBreakdownFieldAliases(t *testing.T) {
	output := `{
		"tasks": [
			{"id": "t1", "description": "refactor the store", "acceptance": "tests pass", "type": "implementation", "files": ["internal/store/**"]},
			{"id": "t2", "description": "wire it up", "acceptance": "compiles", "depends_on": ["t1"]},
			{"id": "t3", "description": "final polish", "acceptance": "clean", "depends": ["t2"]}
		]
	}`
	b, err := ParseBreakdown(output)
	if err != nil {
		t.Fatalf("ParseBreakdown failed: %v", err)
	}
	if b.Tasks[0].Context != "refactor the store" {
		t.Errorf("description alias not mapped: %q", b.Tasks[0].Context)
	}
	if b.Tasks[0].TaskType != "implementation" {
		t.Errorf("type alias not mapped: %q", b.Tasks[0].TaskType)
	}
	if len(b.Tasks[0].ScopePaths) != 1 || b.Tasks[0].ScopePaths[0] != "internal/store/**" {
		t.Errorf("files alias not mapped: %v", b.Tasks[0].ScopePaths)
	}
	if b.Tasks[1].Dependencies[0] != "t1" {
		t.Errorf("depends_on alias not mapped: %v", b.Tasks[1].Dependencies)
	}
	if b.Tasks[2].Dependencies[0] != "t2" {
		t.Errorf("depends alias not mapped: %v", b.Tasks[2].Dependencies)
	}
}

func TestParseBreakdownDefaultsTaskType(t *testing.T) {
	b, err := ParseBreakdown(`{"tasks": [{"id": "t1", "acceptance": "ok"}]}`)
	if err != nil {
		t.Fatalf("ParseBreakdown failed: %v", err)
	}
	if b.Tasks[0].TaskType != "implementation" {
		t.Errorf("default task type = %q", b.Tasks[0].TaskType)
	}
}

func TestParseBreakdownNestedPlanWrapper(t *testing.T) {
	output := `{"plan": {"summary": "s", "tasks": [{"id": "t1", "acceptance": "ok"}]}}`
	b, err := ParseBreakdown(output)
	if err != nil {
		t.Fatalf("ParseBreakdown failed: %v", err)
	}
	if len(b.Tasks) != 1 || b.Tasks[0].ID != "t1" {
		t.Errorf("nested plan not unwrapped: %+v", b)
	}
}

func TestParseBreakdownBareArray(t *testing.T) {
	output := `[{"id": "t1", "acceptance": "ok"}, {"id": "t2", "acceptance": "ok", "dependencies": ["t1"]}]`
	b, err := ParseBreakdown(output)
	if err != nil {
		t.Fatalf("ParseBreakdown failed: %v", err)
	}
	if len(b.Tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(b.Tasks))
	}
}

func TestParseBreakdownFencedWithProse(t *testing.T) {
	output := "Here is the plan:\n```json\n" +
		`{"tasks": [{"id": "t1", "acceptance": "ok"}]}` +
		"\n```\nI kept it small."
	b, err := ParseBreakdown(output)
	if err != nil {
		t.Fatalf("ParseBreakdown failed: %v", err)
	}
	if len(b.Tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(b.Tasks))
	}
}

func TestParseBreakdownFailures(t *testing.T) {
	for _, output := range []string{
		"",
		"no structure here at all",
		`{"tasks": []}`,
		`{"summary": "empty"}`,
	} {
		if _, err := ParseBreakdown(output); err == nil {
			t.Errorf("ParseBreakdown(%q): expected error", output)
		}
	}
}

func TestValidateBreakdown(t *testing.T) {
	valid := &Breakdown{Tasks: []TaskBreakdown{
		{ID: "t1", Context: "c", Acceptance: "a"},
		{ID: "t2", Context: "c", Acceptance: "a", Dependencies: []string{"t1"}},
	}}
	if err := ValidateBreakdown(valid, 10, true); err != nil {
		t.Errorf("valid plan rejected: %v", err)
	}

	tests := []struct {
		name string
		b    *Breakdown
		max  int
		want string
	}{
		{
			name: "nil plan",
			b:    nil,
			max:  10,
			want: "no tasks",
		},
		{
			name: "too many tasks",
			b: &Breakdown{Tasks: []TaskBreakdown{
				{ID: "t1", Acceptance: "a"},
				{ID: "t2", Acceptance: "a"},
			}},
			max:  1,
			want: "limit",
		},
		{
			name: "duplicate ids",
			b: &Breakdown{Tasks: []TaskBreakdown{
				{ID: "t1", Acceptance: "a"},
				{ID: "t1", Acceptance: "a"},
			}},
			max:  10,
			want: "duplicate",
		},
		{
			name: "unknown dependency",
			b: &Breakdown{Tasks: []TaskBreakdown{
				{ID: "t1", Acceptance: "a", Dependencies: []string{"ghost"}},
			}},
			max:  10,
			want: "unknown task",
		},
		{
			name: "missing acceptance",
			b: &Breakdown{Tasks: []TaskBreakdown{
				{ID: "t1", Context: "c"},
			}},
			max:  10,
			want: "acceptance",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBreakdown(tt.b, tt.max, false)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateBreakdownSkippedTasksExempt(t *testing.T) {
	b := &Breakdown{Tasks: []TaskBreakdown{
		{ID: "t1", Skip: true, SkipReason: "already implemented"},
		{ID: "t2", Context: "c", Acceptance: "a"},
	}}
	if err := ValidateBreakdown(b, 10, true); err != nil {
		t.Errorf("skipped task should be exempt from acceptance check: %v", err)
	}
}
