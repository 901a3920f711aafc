// Package obslog is the controller's structured logging sink. With no GCP
// project configured it writes structured JSON to stdout; with one
// configured it additionally ships entries to Cloud Logging, mirroring the
// stdout/Cloud split the controller's agentium ancestor used for the same
// purpose.
package obslog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	gcplogging "cloud.google.com/go/logging"

	"github.com/agentium/controller/internal/config"
)

// Logger is the structured logging sink used throughout the controller.
type Logger interface {
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Close() error
}

// New builds the controller's logger for the given component name (e.g.
// "controller", "scheduler"). With cfg.Project empty it writes structured
// JSON to stdout only; otherwise it also ships entries to Cloud Logging
// under that project.
func New(ctx context.Context, cfg config.CloudConfig, component string) (Logger, error) {
	if cfg.Project == "" {
		return newStdoutLogger(os.Stdout, component), nil
	}
	return newCloudLogger(ctx, cfg.Project, component)
}

type jsonEntry struct {
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// stdoutLogger writes one JSON object per line, the shape the Cloud Logging
// agent expects when tailing stdout/stderr on a GCE VM.
type stdoutLogger struct {
	mu        sync.Mutex
	w         io.Writer
	component string
}

func newStdoutLogger(w io.Writer, component string) *stdoutLogger {
	return &stdoutLogger{w: w, component: component}
}

func (s *stdoutLogger) log(severity, msg string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(jsonEntry{
		Severity:  severity,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Component: s.component,
		Fields:    fields,
	})
	if err != nil {
		fmt.Fprintf(s.w, `{"severity":"ERROR","message":"obslog: failed to marshal entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintln(s.w, string(data))
}

func (s *stdoutLogger) Info(msg string, fields map[string]any)  { s.log("INFO", msg, fields) }
func (s *stdoutLogger) Warn(msg string, fields map[string]any)  { s.log("WARNING", msg, fields) }
func (s *stdoutLogger) Error(msg string, fields map[string]any) { s.log("ERROR", msg, fields) }
func (s *stdoutLogger) Close() error                            { return nil }

// cloudLogger ships entries to Cloud Logging via the official client. It
// always writes the same line to stdout too, so operators tailing local
// output see exactly what Cloud Logging received even if the cloud write is
// still buffered or the API is briefly unreachable.
type cloudLogger struct {
	client    *gcplogging.Client
	lg        *gcplogging.Logger
	component string
	fallback  *stdoutLogger
}

func newCloudLogger(ctx context.Context, project, component string) (*cloudLogger, error) {
	client, err := gcplogging.NewClient(ctx, fmt.Sprintf("projects/%s", project))
	if err != nil {
		return nil, fmt.Errorf("obslog: new cloud logging client: %w", err)
	}
	return &cloudLogger{
		client:    client,
		lg:        client.Logger("agentium-controller"),
		component: component,
		fallback:  newStdoutLogger(os.Stdout, component),
	}, nil
}

func (c *cloudLogger) log(severity gcplogging.Severity, severityName, msg string, fields map[string]any) {
	c.lg.Log(gcplogging.Entry{
		Severity: severity,
		Payload: struct {
			Message string         `json:"message"`
			Fields  map[string]any `json:"fields,omitempty"`
		}{Message: msg, Fields: fields},
		Labels:    map[string]string{"component": c.component},
		Timestamp: time.Now().UTC(),
	})
	c.fallback.log(severityName, msg, fields)
}

func (c *cloudLogger) Info(msg string, fields map[string]any) {
	c.log(gcplogging.Info, "INFO", msg, fields)
}
func (c *cloudLogger) Warn(msg string, fields map[string]any) {
	c.log(gcplogging.Warning, "WARNING", msg, fields)
}
func (c *cloudLogger) Error(msg string, fields map[string]any) {
	c.log(gcplogging.Error, "ERROR", msg, fields)
}

func (c *cloudLogger) Close() error {
	if err := c.lg.Flush(); err != nil {
		_ = c.client.Close()
		return fmt.Errorf("obslog: flush: %w", err)
	}
	return c.client.Close()
}

var (
	_ Logger = (*stdoutLogger)(nil)
	_ Logger = (*cloudLogger)(nil)
)
