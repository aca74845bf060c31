package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesJSONWithContext(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	child := logger.WithSession("sess-1").WithTask("task-1").WithWorker("worker-2").WithPhase("execution")
	child.Info("claimed task", "attempt", 1)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, data)
	}
	if raw["msg"] != "claimed task" || raw["session_id"] != "sess-1" ||
		raw["task_id"] != "task-1" || raw["worker_id"] != "worker-2" || raw["phase"] != "execution" {
		t.Errorf("entry missing context: %v", raw)
	}
	if raw["attempt"] != float64(1) {
		t.Errorf("per-call attr missing: %v", raw)
	}
}

func TestLoggerLevelSuppression(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelError)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Error("kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Errorf("suppressed entries written: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("error entry missing: %s", out)
	}
}

func TestChildLoggerDoesNotMutateParent(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	_ = logger.WithTask("task-1")
	logger.Info("parent entry")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "task_id") {
		t.Errorf("parent logger inherited child attr: %s", data)
	}
}

func writeLogFixture(t *testing.T, dir string, lines ...string) {
	t.Helper()
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "debug.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestAggregateLogsSortsAndSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	writeLogFixture(t, dir,
		`{"time":"2026-08-01T10:00:02Z","level":"INFO","msg":"second","task_id":"task-1"}`,
		"not json at all",
		`{"time":"2026-08-01T10:00:01Z","level":"DEBUG","msg":"first","custom":"x"}`,
	)

	entries, err := AggregateLogs(dir)
	if err != nil {
		t.Fatalf("AggregateLogs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "first" || entries[1].Message != "second" {
		t.Errorf("entries not sorted by timestamp: %v", entries)
	}
	if entries[0].Attrs["custom"] != "x" {
		t.Errorf("non-standard field not collected into attrs: %v", entries[0].Attrs)
	}
	if entries[1].TaskID != "task-1" {
		t.Errorf("task id not extracted: %+v", entries[1])
	}
}

func TestAggregateLogsMissingFile(t *testing.T) {
	if _, err := AggregateLogs(t.TempDir()); err == nil {
		t.Error("expected error for a directory without debug.log")
	}
}

func TestFilterLogs(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := []LogEntry{
		{Timestamp: base, Level: LevelDebug, Message: "probe", TaskID: "task-1"},
		{Timestamp: base.Add(time.Minute), Level: LevelWarn, Message: "merge conflict", TaskID: "task-1", WorkerID: "worker-1"},
		{Timestamp: base.Add(2 * time.Minute), Level: LevelError, Message: "agent failed", TaskID: "task-2", Phase: "execution"},
	}

	got := FilterLogs(entries, LogFilter{Level: LevelWarn})
	if len(got) != 2 {
		t.Errorf("level filter: got %d entries", len(got))
	}

	got = FilterLogs(entries, LogFilter{TaskID: "task-1"})
	if len(got) != 2 {
		t.Errorf("task filter: got %d entries", len(got))
	}

	got = FilterLogs(entries, LogFilter{TaskID: "task-1", Level: LevelWarn})
	if len(got) != 1 || got[0].Message != "merge conflict" {
		t.Errorf("combined filter: %v", got)
	}

	got = FilterLogs(entries, LogFilter{MessageContains: "failed"})
	if len(got) != 1 || got[0].TaskID != "task-2" {
		t.Errorf("message filter: %v", got)
	}

	got = FilterLogs(entries, LogFilter{StartTime: base.Add(30 * time.Second)})
	if len(got) != 2 {
		t.Errorf("start time filter: got %d entries", len(got))
	}

	got = FilterLogs(entries, LogFilter{})
	if len(got) != 3 {
		t.Errorf("empty filter should pass everything, got %d", len(got))
	}
}

func TestExportLogEntries(t *testing.T) {
	entries := []LogEntry{
		{Timestamp: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), Level: LevelInfo, Message: "hello", SessionID: "sess-1"},
	}

	for _, format := range []string{"json", "text", "csv"} {
		out := filepath.Join(t.TempDir(), "out."+format)
		if err := ExportLogEntries(entries, out, format); err != nil {
			t.Fatalf("export %s failed: %v", format, err)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("read %s export: %v", format, err)
		}
		if !strings.Contains(string(data), "hello") {
			t.Errorf("%s export missing message: %s", format, data)
		}
	}

	if err := ExportLogEntries(entries, filepath.Join(t.TempDir(), "out.xml"), "xml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
