// Package agentlink implements the agent-facing WebSocket surface of
// spec.md section 6.3 (`/ws/agent`): agents dial in, send agent_hello,
// then exchange heartbeat/task_output/command_result/ack messages with
// the controller, which replies with command_execute/command_cancel/ping.
//
// The single-writer-goroutine-plus-channel pattern here is the same one
// the pack's reference agent binary uses on the dialing side of this same
// library, just with the roles of reader and writer inverted (the
// controller accepts the connection instead of dialing it).
package agentlink

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB, generous for streamed command output
	helloDeadline  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps one agent's WebSocket connection, implementing
// registry.OutboundSender. Every send goes through writeChan so the
// underlying *websocket.Conn only ever has one goroutine writing to it, per
// spec.md section 5's per-agent serialization requirement.
type Conn struct {
	ws        *websocket.Conn
	writeChan chan any
	closeCh   chan struct{}
}

// Upgrade promotes an HTTP request to a WebSocket connection and starts its
// write pump. The caller is responsible for reading agent_hello (via
// ReadMessage) before handing the Conn to the registry.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade agent connection: %w", err)
	}

	c := &Conn{
		ws:        ws,
		writeChan: make(chan any, 256),
		closeCh:   make(chan struct{}),
	}
	ws.SetReadLimit(maxMessageSize)
	go c.writePump()
	return c, nil
}

// HelloDeadline returns the point in time by which agent_hello must arrive,
// per spec.md section 6.3 ("a missing agent_hello within 5s of connect
// causes the controller to close the connection").
func HelloDeadline() time.Time { return time.Now().Add(helloDeadline) }

// ReadMessage reads and JSON-decodes the next raw message envelope,
// returning only its "type" field and raw bytes — the caller dispatches on
// type before decoding the full payload.
func (c *Conn) ReadMessage(deadline time.Time) (msgType string, raw []byte, err error) {
	if !deadline.IsZero() {
		if err := c.ws.SetReadDeadline(deadline); err != nil {
			return "", nil, err
		}
	}
	_, raw, err = c.ws.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", raw, fmt.Errorf("decode message envelope: %w", err)
	}
	return envelope.Type, raw, nil
}

// ResetReadDeadline extends the read deadline after a successful read,
// matching the pongWait keepalive window.
func (c *Conn) ResetReadDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(pongWait))
}

// Send implements registry.OutboundSender: it queues v for the write pump
// rather than writing directly, so concurrent Send calls from the
// scheduler's per-agent goroutines never race on the socket.
func (c *Conn) Send(v any) error {
	select {
	case c.writeChan <- v:
		return nil
	case <-c.closeCh:
		return fmt.Errorf("agent connection closed")
	case <-time.After(writeWait):
		return fmt.Errorf("timeout queuing message to agent")
	}
}

// Close implements registry.OutboundSender.
func (c *Conn) Close() error {
	select {
	case <-c.closeCh:
		return nil
	default:
		close(c.closeCh)
	}
	return c.ws.Close()
}

// writePump is the sole goroutine that calls ws.WriteMessage, draining
// writeChan and sending a keepalive ping on pingInterval.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case v := <-c.writeChan:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
