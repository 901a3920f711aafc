// Command agent is a reference implementation of the remote worker side of
// spec.md section 6.3: it dials a controller's /ws/agent endpoint, announces
// itself with agent_hello, streams periodic telemetry heartbeats, and
// executes command_execute requests as host shell commands, streaming their
// stdout/stderr back as task_output chunks and a final command_result.
//
// It intentionally has no sandboxing (no Docker, no chroot, no resource
// limits beyond what the host shell itself enforces) — a real deployment
// is expected to run this binary inside whatever isolation the operator
// already provides for the workspace it points at.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingInterval      = (pongWait * 9) / 10
	maxMessageSize    = 1 << 20
	reconnectBackoff  = 2 * time.Second
	reconnectMaxDelay = 30 * time.Second
)

var rootCmd = &cobra.Command{
	Use:   "agentium-agent",
	Short: "Agentium reference agent - connects to a controller and executes dispatched commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		runAgent(loadAgentConfig())
		return nil
	},
}

func init() {
	viper.SetEnvPrefix("agent")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags := rootCmd.Flags()
	flags.String("agent-id", "", "unique agent identifier")
	flags.String("hostname", "", "hostname reported to the controller")
	flags.String("display-name", "", "human-friendly name shown in the dashboard")
	flags.String("roles", "worker", "comma-separated roles")
	flags.String("tags", "", "comma-separated tags")
	flags.String("controller-url", "ws://localhost:8080/ws/agent", "controller WebSocket URL")
	flags.Bool("concurrent", false, "advertise support for concurrent task dispatch")
	flags.Int("heartbeat-interval-seconds", 20, "seconds between heartbeat messages")

	for _, name := range []string{"agent-id", "hostname", "display-name", "roles", "tags", "controller-url", "concurrent", "heartbeat-interval-seconds"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cfg agentConfig) {
	log.Printf("agent %s starting, dialing %s", cfg.ID, cfg.ControllerURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("agent: received signal %v, shutting down", sig)
		cancel()
	}()

	delay := reconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		if err := runSession(ctx, cfg); err != nil {
			log.Printf("agent: session ended: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("agent: reconnecting in %s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// agentConfig holds the settings a deployed agent needs, bound from cobra
// flags with AGENT_* environment variable fallbacks via viper, following
// the teacher's root-command flag/viper binding in internal/cli/root.go.
type agentConfig struct {
	ID            string
	Hostname      string
	DisplayName   string
	Roles         []string
	Tags          []string
	Capabilities  map[string]string
	ControllerURL string
	Heartbeat     time.Duration
}

func loadAgentConfig() agentConfig {
	id := viper.GetString("agent-id")
	if id == "" {
		log.Fatal("agent: --agent-id (or AGENT_AGENT_ID env var) is required")
	}

	hostname := viper.GetString("hostname")
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = id
		}
	}

	caps := map[string]string{}
	if viper.GetBool("concurrent") {
		caps["concurrent"] = "true"
	}

	return agentConfig{
		ID:            id,
		Hostname:      hostname,
		DisplayName:   viper.GetString("display-name"),
		Roles:         splitNonEmpty(viper.GetString("roles")),
		Tags:          splitNonEmpty(viper.GetString("tags")),
		Capabilities:  caps,
		ControllerURL: viper.GetString("controller-url"),
		Heartbeat:     time.Duration(viper.GetInt("heartbeat-interval-seconds")) * time.Second,
	}
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// runSession dials the controller, registers, and serves commands until the
// connection drops or ctx is cancelled. The caller reconnects on error.
func runSession(ctx context.Context, cfg agentConfig) error {
	u, err := url.Parse(cfg.ControllerURL)
	if err != nil {
		return fmt.Errorf("invalid controller URL: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	sess := &session{
		ws:        ws,
		cfg:       cfg,
		writeChan: make(chan any, 256),
		closeCh:   make(chan struct{}),
		running:   make(map[int]context.CancelFunc),
	}
	defer sess.Close()

	go sess.writePump()

	if err := sess.send(helloMessage{
		Type:         "agent_hello",
		ID:           cfg.ID,
		Hostname:     cfg.Hostname,
		DisplayName:  cfg.DisplayName,
		Roles:        cfg.Roles,
		Tags:         cfg.Tags,
		Capabilities: cfg.Capabilities,
	}); err != nil {
		return fmt.Errorf("send agent_hello: %w", err)
	}

	go sess.sendHeartbeats(ctx)

	return sess.readLoop(ctx)
}

// session bundles one connection's write channel, in-flight command
// registry, and the goroutines serving it, following the same
// single-writer-goroutine-plus-channel shape the controller's own
// transport packages use over the same library.
type session struct {
	ws        *websocket.Conn
	cfg       agentConfig
	writeChan chan any
	closeCh   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	running map[int]context.CancelFunc
}

func (s *session) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.ws.Close()
}

func (s *session) send(v any) error {
	select {
	case s.writeChan <- v:
		return nil
	case <-s.closeCh:
		return fmt.Errorf("session closed")
	case <-time.After(writeWait):
		return fmt.Errorf("timeout sending message")
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.writeChan:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closeCh:
			return
		}
	}
}

func (s *session) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tel, err := sampleTelemetry()
			if err != nil {
				log.Printf("agent: telemetry unavailable: %v", err)
				continue
			}
			_ = s.send(heartbeatMessage{Type: "heartbeat", Telemetry: tel})

		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		}
	}
}

// readLoop dispatches controller -> agent messages until the connection
// errors, closes, or ctx is cancelled.
func (s *session) readLoop(ctx context.Context) error {
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return err
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case "command_execute":
			var ce commandExecuteMessage
			if err := json.Unmarshal(raw, &ce); err != nil {
				log.Printf("agent: malformed command_execute: %v", err)
				continue
			}
			go s.handleCommandExecute(ce)

		case "command_cancel":
			var cancel commandCancelMessage
			if err := json.Unmarshal(raw, &cancel); err != nil {
				continue
			}
			s.cancelCommand(cancel.CommandIndex)

		case "ping":
			// The gorilla dialer answers control-frame pings automatically;
			// a JSON-level ping from the controller gets the same no-op
			// treatment command_result/task_output consumers expect.

		default:
			log.Printf("agent: controller sent unknown message type %q", envelope.Type)
		}
	}
}

func (s *session) registerRunning(index int, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[index] = cancel
	s.mu.Unlock()
}

func (s *session) cancelCommand(index int) {
	s.mu.Lock()
	cancel, ok := s.running[index]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *session) clearRunning(index int) {
	s.mu.Lock()
	delete(s.running, index)
	s.mu.Unlock()
}

// handleCommandExecute runs one shell command, streaming its stdout/stderr
// as task_output chunks and reporting exit_code/duration in a final
// command_result, matching the controller's scheduler.runCommand
// suspension points (output chunk, terminal result, or cancel).
func (s *session) handleCommandExecute(msg commandExecuteMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	s.registerRunning(msg.CommandIndex, cancel)
	defer func() {
		cancel()
		s.clearRunning(msg.CommandIndex)
	}()

	if msg.TimeoutSeconds > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutSeconds)*time.Second)
		defer timeoutCancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", msg.Run)
	cmd.Dir = msg.Dir
	if len(msg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range msg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		s.reportFailure(msg, start, err)
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		s.reportFailure(msg, start, err)
		return
	}

	var stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go s.streamOutput(&wg, msg, "stdout", stdoutPipe, nil)
	go s.streamOutput(&wg, msg, "stderr", stderrPipe, &stderrBuf)

	if err := cmd.Start(); err != nil {
		s.reportFailure(msg, start, err)
		return
	}
	wg.Wait()
	runErr := cmd.Wait()

	result := commandResultMessage{
		Type:         "command_result",
		TaskID:       msg.TaskID,
		CommandIndex: msg.CommandIndex,
		Stderr:       stderrBuf.String(),
		DurationMS:   time.Since(start).Milliseconds(),
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		result.ExitCode = -2 // matches the controller's own exitTimedOut sentinel
	case ctx.Err() == context.Canceled:
		result.ExitCode = -1 // matches the controller's own exitCancelled sentinel
	case runErr != nil:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -4
			result.Stderr = strings.TrimSpace(result.Stderr + "\n" + runErr.Error())
		}
	default:
		result.ExitCode = 0
	}

	_ = s.send(result)
	_ = s.send(ackMessage{Type: "ack", MsgID: fmt.Sprintf("%s:%d", msg.TaskID, msg.CommandIndex)})
}

func (s *session) reportFailure(msg commandExecuteMessage, start time.Time, err error) {
	_ = s.send(commandResultMessage{
		Type:         "command_result",
		TaskID:       msg.TaskID,
		CommandIndex: msg.CommandIndex,
		ExitCode:     -4,
		Stderr:       err.Error(),
		DurationMS:   time.Since(start).Milliseconds(),
	})
}

// streamOutput relays one pipe's lines as task_output chunks, optionally
// mirroring the raw bytes into collect for the final command_result.
func (s *session) streamOutput(wg *sync.WaitGroup, msg commandExecuteMessage, stream string, r io.Reader, collect *bytes.Buffer) {
	defer wg.Done()
	reader := r
	if collect != nil {
		reader = io.TeeReader(r, collect)
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		_ = s.send(taskOutputMessage{
			Type:         "task_output",
			TaskID:       msg.TaskID,
			CommandIndex: msg.CommandIndex,
			Stream:       stream,
			Content:      scanner.Text() + "\n",
		})
	}
}

// Wire messages, mirroring internal/scheduler/wire.go and
// internal/transport/agentlink/handler.go's payload shapes from the other
// side of the same protocol.

type helloMessage struct {
	Type         string            `json:"type"`
	ID           string            `json:"id"`
	Hostname     string            `json:"hostname"`
	DisplayName  string            `json:"display_name,omitempty"`
	Roles        []string          `json:"roles"`
	Tags         []string          `json:"tags,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

type telemetry struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	LoadAvg1    float64 `json:"load_avg_1"`
}

type heartbeatMessage struct {
	Type      string    `json:"type"`
	Telemetry telemetry `json:"telemetry"`
}

type taskOutputMessage struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	CommandIndex int    `json:"command_index"`
	Stream       string `json:"stream"`
	Content      string `json:"content"`
}

type commandResultMessage struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	CommandIndex int    `json:"command_index"`
	ExitCode     int    `json:"exit_code"`
	Stderr       string `json:"stderr,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

type ackMessage struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
}

type commandExecuteMessage struct {
	Type            string            `json:"type"`
	TaskID          string            `json:"task_id"`
	CommandIndex    int               `json:"command_index"`
	Dir             string            `json:"dir"`
	Run             string            `json:"run"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	ContinueOnError bool              `json:"continue_on_error"`
	Env             map[string]string `json:"env,omitempty"`
}

type commandCancelMessage struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	CommandIndex int    `json:"command_index"`
}

// sampleTelemetry reads /proc/meminfo for memory usage, following the
// controller's original resource monitor's parsing approach, and
// /proc/loadavg for the 1-minute load average (0 if that file is
// unreadable). CPU and disk usage are not sampled and always report 0.
func sampleTelemetry() (telemetry, error) {
	total, available, err := readMemInfo()
	if err != nil {
		return telemetry{}, err
	}
	if total == 0 {
		return telemetry{}, fmt.Errorf("meminfo: zero total memory")
	}
	usedPct := float64(total-available) * 100 / float64(total)
	load1, _ := readLoadAvg1()
	return telemetry{MemPercent: usedPct, LoadAvg1: load1}, nil
}

func readMemInfo() (total, available uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var foundTotal, foundAvailable bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			if v, err := parseMemInfoLine(line); err == nil {
				total, foundTotal = v, true
			}
		case strings.HasPrefix(line, "MemAvailable:"):
			if v, err := parseMemInfoLine(line); err == nil {
				available, foundAvailable = v, true
			}
		}
		if foundTotal && foundAvailable {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	if !foundTotal || !foundAvailable {
		return 0, 0, fmt.Errorf("missing required meminfo fields")
	}
	return total, available, nil
}

func parseMemInfoLine(line string) (uint64, error) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return 0, fmt.Errorf("unexpected meminfo line: %q", line)
	}
	var val uint64
	if _, err := fmt.Sscanf(parts[1], "%d", &val); err != nil {
		return 0, err
	}
	if len(parts) >= 3 && strings.EqualFold(parts[2], "kB") {
		val *= 1024
	}
	return val, nil
}

func readLoadAvg1() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty loadavg")
	}
	var load1 float64
	if _, err := fmt.Sscanf(fields[0], "%f", &load1); err != nil {
		return 0, err
	}
	return load1, nil
}
