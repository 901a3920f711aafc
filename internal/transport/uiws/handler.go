package uiws

import (
	"log"
	"net/http"

	"github.com/agentium/controller/internal/eventbus"
	"github.com/agentium/controller/internal/orchestrator"
)

// Handler serves /ws/client, subscribing every connecting dashboard to the
// event bus and tearing the subscription down on disconnect.
type Handler struct {
	orc *orchestrator.Orchestrator
	bus *eventbus.Bus
}

// New returns an http.Handler for /ws/client.
func New(orc *orchestrator.Orchestrator, bus *eventbus.Bus) *Handler {
	return &Handler{orc: orc, bus: bus}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("uiws: upgrade failed: %v", err)
		return
	}

	c := newConn(ws)
	id := newSubscriberID()
	unsubscribe := h.bus.Subscribe(id, c, h.orc.Agents(), h.orc.ListTasks("", 0))
	defer unsubscribe()

	c.readLoop()
}
