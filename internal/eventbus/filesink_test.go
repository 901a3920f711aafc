package eventbus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSinkAppendsOneJSONLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	if err := sink.Send(Event{Type: TypeTaskUpdated, TaskID: "t1"}); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := sink.Send(Event{Type: TypeCommandResult, TaskID: "t1", CommandIndex: 0, ExitCode: 0}); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, DefaultEventLogFilename))
	if err != nil {
		t.Fatalf("read event log: %v", err)
	}

	lines := splitNonEmptyLines(data)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}

	var decoded Event
	if err := json.Unmarshal(lines[0], &decoded); err != nil {
		t.Fatalf("unmarshal line 1: %v", err)
	}
	if decoded.TaskID != "t1" {
		t.Errorf("task id = %s, want t1", decoded.TaskID)
	}
}

func splitNonEmptyLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	return out
}
