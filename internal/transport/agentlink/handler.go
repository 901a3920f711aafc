package agentlink

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/agentium/controller/internal/orchestrator"
	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/task"
)

// helloPayload is the agent_hello message body (spec.md section 6.3).
type helloPayload struct {
	ID           string            `json:"id"`
	Hostname     string            `json:"hostname"`
	DisplayName  string            `json:"display_name"`
	Roles        []string          `json:"roles"`
	Tags         []string          `json:"tags"`
	Capabilities map[string]string `json:"capabilities"`
}

type heartbeatPayload struct {
	Telemetry registry.Telemetry `json:"telemetry"`
}

type taskOutputPayload struct {
	TaskID       string `json:"task_id"`
	CommandIndex int    `json:"command_index"`
	Stream       string `json:"stream"`
	Content      string `json:"content"`
}

type commandResultPayload struct {
	TaskID       string `json:"task_id"`
	CommandIndex int    `json:"command_index"`
	ExitCode     int    `json:"exit_code"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	DurationMS   int64  `json:"duration_ms"`
}

// Handler serves /ws/agent, per spec.md section 6.3.
type Handler struct {
	orc *orchestrator.Orchestrator
}

// New returns an http.Handler that upgrades, authenticates via
// agent_hello, and runs the read loop for each connecting agent.
func New(orc *orchestrator.Orchestrator) *Handler {
	return &Handler{orc: orc}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrade(w, r)
	if err != nil {
		log.Printf("agentlink: upgrade failed: %v", err)
		return
	}

	msgType, raw, err := conn.ReadMessage(HelloDeadline())
	if err != nil || msgType != "agent_hello" {
		log.Printf("agentlink: no agent_hello within deadline, closing: %v", err)
		conn.Close()
		return
	}

	var hello helloPayload
	if err := json.Unmarshal(raw, &hello); err != nil {
		log.Printf("agentlink: malformed agent_hello: %v", err)
		conn.Close()
		return
	}

	agent := h.orc.HandleAgentHello(registry.HelloMessage{
		ID:           hello.ID,
		Hostname:     hello.Hostname,
		DisplayName:  hello.DisplayName,
		Roles:        hello.Roles,
		Tags:         hello.Tags,
		Capabilities: hello.Capabilities,
	}, conn)
	log.Printf("agentlink: agent %s (%s) connected", agent.ID, agent.Hostname)

	h.readLoop(conn, agent.ID)
}

// readLoop dispatches every subsequent message by its "type" field until
// the connection errors or closes, at which point the agent is marked
// disconnected (spec.md section 4.3).
func (h *Handler) readLoop(conn *Conn, agentID string) {
	defer func() {
		conn.Close()
		h.orc.HandleAgentDisconnected(agentID)
		log.Printf("agentlink: agent %s disconnected", agentID)
	}()

	if err := conn.ResetReadDeadline(); err != nil {
		return
	}

	for {
		msgType, raw, err := conn.ReadMessage(time.Time{})
		if err != nil {
			return
		}
		if err := conn.ResetReadDeadline(); err != nil {
			return
		}

		switch msgType {
		case "heartbeat":
			var hb heartbeatPayload
			if err := json.Unmarshal(raw, &hb); err != nil {
				continue
			}
			h.orc.HandleAgentHeartbeat(agentID, hb.Telemetry, conn)

		case "task_output":
			var out taskOutputPayload
			if err := json.Unmarshal(raw, &out); err != nil {
				continue
			}
			h.orc.HandleTaskOutput(out.TaskID, out.CommandIndex, out.Stream, out.Content)

		case "command_result":
			var res commandResultPayload
			if err := json.Unmarshal(raw, &res); err != nil {
				continue
			}
			h.orc.HandleCommandResult(res.TaskID, task.CommandResult{
				CommandIndex: res.CommandIndex,
				ExitCode:     res.ExitCode,
				Stdout:       res.Stdout,
				Stderr:       res.Stderr,
				Duration:     time.Duration(res.DurationMS) * time.Millisecond,
				CompletedAt:  time.Now(),
			})

		case "ack":
			// No-op: acks exist for the agent's own retry bookkeeping, the
			// controller does not correlate them to anything.

		default:
			log.Printf("agentlink: agent %s sent unknown message type %q", agentID, msgType)
		}
	}
}
