package obslog

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentium/controller/internal/config"
)

func TestStdoutLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newStdoutLogger(&buf, "controller")

	logger.Info("agent connected", map[string]any{"agent_id": "a1"})

	var e jsonEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e); err != nil {
		t.Fatalf("unmarshal: %v, line=%q", err, buf.String())
	}
	if e.Severity != "INFO" {
		t.Fatalf("severity = %q, want INFO", e.Severity)
	}
	if e.Message != "agent connected" {
		t.Fatalf("message = %q", e.Message)
	}
	if e.Component != "controller" {
		t.Fatalf("component = %q, want controller", e.Component)
	}
	if e.Fields["agent_id"] != "a1" {
		t.Fatalf("fields[agent_id] = %v, want a1", e.Fields["agent_id"])
	}
}

func TestStdoutLoggerSeverityLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newStdoutLogger(&buf, "controller")

	logger.Warn("heartbeat slow", nil)
	logger.Error("dispatch failed", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var warn, errEntry jsonEntry
	if err := json.Unmarshal([]byte(lines[0]), &warn); err != nil {
		t.Fatalf("unmarshal warn: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &errEntry); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if warn.Severity != "WARNING" {
		t.Fatalf("warn severity = %q", warn.Severity)
	}
	if errEntry.Severity != "ERROR" {
		t.Fatalf("error severity = %q", errEntry.Severity)
	}
}

func TestNewFallsBackToStdoutWithNoProjectConfigured(t *testing.T) {
	logger, err := New(context.Background(), config.CloudConfig{}, "controller")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := logger.(*stdoutLogger); !ok {
		t.Fatalf("got %T, want *stdoutLogger when no project is configured", logger)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
