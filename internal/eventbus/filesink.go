package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes every Event delivered to it into a JSONL debug file, for
// local replay/inspection of a run independent of the audit trail (which
// only records transitions and command results, not telemetry or streamed
// output). Adapted from the teacher's internal/events.FileSink, swapping
// its AgentEvent payload for eventbus.Event and dropping the
// iteration/adapter-specific filtering helpers that had no equivalent
// here.
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// DefaultEventLogFilename is the file FileSink writes to inside its
// directory.
const DefaultEventLogFilename = "events.jsonl"

// NewFileSink opens (or creates) dir/events.jsonl in append mode.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	path := filepath.Join(dir, DefaultEventLogFilename)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log file: %w", err)
	}

	return &FileSink{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Send implements Sink: it appends one JSON line and flushes immediately,
// matching the durability/ordering the audit logger gives its own writes.
func (s *FileSink) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return s.writer.Flush()
}

// Path returns the file this sink writes to.
func (s *FileSink) Path() string {
	return s.path
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	_ = s.writer.Flush()
	err := s.file.Close()
	s.file = nil
	return err
}
