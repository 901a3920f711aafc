// Package audit writes the append-only, newline-delimited JSON audit trail
// described in spec.md section 6.6: one record per task state transition
// and per command result, best-effort (a write failure never blocks task
// progress, it only increments a counter surfaced on /health).
//
// The file layout and buffered-JSONL-writer shape are adapted directly from
// the teacher's internal/events.FileSink; what changed is the record
// schema (task transitions instead of coding-agent tool events) and daily
// log rotation, since this audit trail is expected to run for the
// lifetime of a long-lived service rather than one coding session.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentium/controller/internal/task"
)

// Category is a security-relevant classification applied to a command
// before it is logged, used by classify.go to tag Details with why a
// command was notable beyond its plain transition/result record.
type Category string

const (
	BashCommand          Category = "BASH_COMMAND"
	SensitiveFileWrite   Category = "SENSITIVE_FILE_WRITE"
	PackageInstall       Category = "PACKAGE_INSTALL"
	OutboundDataTransfer Category = "OUTBOUND_DATA_TRANSFER"
)

// Record is one line of the audit log.
type Record struct {
	Timestamp time.Time `json:"ts"`
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	Version   uint64    `json:"version,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Logger writes Records to audit-YYYY-MM-DD.jsonl inside dir (by default
// logs/audit), rotating to a new file at UTC midnight.
type Logger struct {
	dir string

	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	currentDate string

	failures atomic.Uint64
}

// NewLogger creates a Logger rooted at dir (typically "logs/audit"). The
// directory is created on first write, not at construction, so a
// misconfigured path only ever shows up as a failure-counter increment.
func NewLogger(dir string) *Logger {
	return &Logger{dir: dir}
}

// RecordTransition implements task.AuditLogger.
func (l *Logger) RecordTransition(taskID string, from, to task.Status, version uint64, actor, details string) {
	event := string(from) + "->" + string(to)
	l.write(Record{TaskID: taskID, Event: event, Version: version, Actor: actor, Details: details})
}

// RecordCommandResult logs one command's outcome; called by the scheduler
// alongside the eventbus broadcast, not part of the task.AuditLogger
// contract (that interface only needs transitions).
func (l *Logger) RecordCommandResult(taskID string, index, exitCode int, details string) {
	l.write(Record{
		TaskID:  taskID,
		Event:   fmt.Sprintf("command_result[%d] exit=%d", index, exitCode),
		Details: details,
	})
}

// RecordAgentEvent logs a connect/disconnect/heartbeat-timeout for an agent.
func (l *Logger) RecordAgentEvent(agentID, event, details string) {
	l.write(Record{TaskID: agentID, Event: event, Details: details})
}

// Failures returns the number of audit writes that have failed since
// startup, exposed on /health.
func (l *Logger) Failures() uint64 {
	return l.failures.Load()
}

func (l *Logger) write(r Record) {
	r.Timestamp = time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(r.Timestamp); err != nil {
		l.failures.Add(1)
		return
	}

	data, err := json.Marshal(r)
	if err != nil {
		l.failures.Add(1)
		return
	}
	if _, err := l.writer.Write(data); err != nil {
		l.failures.Add(1)
		return
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		l.failures.Add(1)
		return
	}
	if err := l.writer.Flush(); err != nil {
		l.failures.Add(1)
	}
}

// rotateLocked opens today's log file if it isn't already open. Must be
// called with l.mu held.
func (l *Logger) rotateLocked(now time.Time) error {
	date := now.Format("2006-01-02")
	if l.file != nil && l.currentDate == date {
		return nil
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	path := filepath.Join(l.dir, "audit-"+date+".jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}

	if l.file != nil {
		_ = l.writer.Flush()
		_ = l.file.Close()
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.currentDate = date
	return nil
}

// Close flushes and closes the current log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.writer.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}
