// Package uiws implements the UI-facing WebSocket surface of spec.md
// section 6.2 (`/ws/client`): the controller pushes eventbus.Event
// broadcasts to every connected dashboard, and answers a client's
// {type:"ping"} with {type:"pong"}.
package uiws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentium/controller/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn implements eventbus.Sink over one dashboard's WebSocket connection,
// using the same single-writer-goroutine-plus-channel shape as
// internal/transport/agentlink.Conn.
type conn struct {
	ws        *websocket.Conn
	writeChan chan eventbus.Event
	closeCh   chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:        ws,
		writeChan: make(chan eventbus.Event, eventbus.DefaultQueueCapacity),
		closeCh:   make(chan struct{}),
	}
	ws.SetReadLimit(maxMessageSize)
	go c.writePump()
	return c
}

// Send implements eventbus.Sink.
func (c *conn) Send(e eventbus.Event) error {
	select {
	case c.writeChan <- e:
		return nil
	case <-c.closeCh:
		return errConnClosed
	case <-time.After(writeWait):
		return errSendTimeout
	}
}

// Close implements eventbus.Sink.
func (c *conn) Close() error {
	select {
	case <-c.closeCh:
		return nil
	default:
		close(c.closeCh)
	}
	return c.ws.Close()
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-c.writeChan:
			data, err := json.Marshal(e)
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

// readLoop answers {type:"ping"} with {type:"pong"} until the connection
// errors or closes; every other client->server message is logged and
// ignored, per spec.md section 6.3's "unknown type" rule applied
// symmetrically to this boundary.
func (c *conn) readLoop() {
	defer c.Close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if envelope.Type == "ping" {
			_ = c.Send(eventbus.Event{Type: eventbus.TypePong})
			continue
		}
		log.Printf("uiws: unknown message type %q", envelope.Type)
	}
}

type connError string

func (e connError) Error() string { return string(e) }

const (
	errConnClosed  connError = "dashboard connection closed"
	errSendTimeout connError = "timeout sending event to dashboard"
)

// newSubscriberID generates a unique per-connection subscriber id for
// eventbus.Bus.Subscribe.
func newSubscriberID() string { return uuid.NewString() }
