package engine

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/codedeck/codedeck/internal/room"
	"github.com/codedeck/codedeck/pkg/protocol"
)

// Endpoint is the engine-side view of one connected client. It moves
// through Unbound -> Joined(role, session) -> Terminal; the zero value of
// the binding fields is Unbound.
type Endpoint struct {
	id     string
	sender room.Sender

	mu     sync.Mutex
	joined bool
	role   room.Role
	name   string
	code   string
}

// NewEndpoint wraps a transport sender into an unbound endpoint.
func NewEndpoint(id string, sender room.Sender) *Endpoint {
	return &Endpoint{id: id, sender: sender}
}

// ID identifies the endpoint.
func (ep *Endpoint) ID() string { return ep.id }

// Send forwards an event to the underlying transport.
func (ep *Endpoint) Send(env protocol.Envelope) { ep.sender.Send(env) }

func (ep *Endpoint) bind(role room.Role, code, name string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.joined = true
	ep.role = role
	ep.code = code
	ep.name = name
}

// binding returns the current join state as one consistent read.
func (ep *Endpoint) binding() (joined bool, role room.Role, code, name string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.joined, ep.role, ep.code, ep.name
}

// wsSender is the gorilla transport behind an Endpoint. A per-connection
// mutex serializes writes; delivery order per endpoint follows call order.
type wsSender struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsSender) ID() string { return w.id }

func (w *wsSender) Send(env protocol.Envelope) {
	data, err := marshalEnvelope(env)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSender) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	_ = w.conn.Close()
}
