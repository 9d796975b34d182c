// Package engine implements the realtime session state machine: it accepts
// WebSocket endpoints, dispatches their typed events against the session
// store, and drives the targeted fan-out rules.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codedeck/codedeck/internal/evaluator"
	"github.com/codedeck/codedeck/internal/executor"
	"github.com/codedeck/codedeck/internal/room"
	"github.com/codedeck/codedeck/internal/scheduler"
	"github.com/codedeck/codedeck/internal/store"
	"github.com/codedeck/codedeck/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Engine.
type Options struct {
	AllowedOrigins  []string
	MaxMsgBytes     int64         // max WebSocket message size (default 256KB)
	IdleTimeout     time.Duration // endpoint idle cutoff (default 30m)
	DisconnectGrace time.Duration // student removal grace (default 5m)
}

// Engine is the hub that wires the store, rooms, executor, evaluator and
// scheduler together behind the realtime protocol.
type Engine struct {
	store  *store.Store
	rooms  *room.Registry
	exec   *executor.Executor
	eval   *evaluator.Service
	sched  *scheduler.Manager
	logger *slog.Logger

	upgrader        websocket.Upgrader
	maxMsgBytes     int64
	idleTimeout     time.Duration
	disconnectGrace time.Duration

	mu          sync.Mutex
	senders     map[string]*wsSender   // endpoint ID -> live transport
	graceTimers map[string]*time.Timer // code/name -> pending removal
}

// New creates an Engine.
func New(s *store.Store, rooms *room.Registry, exec *executor.Executor, eval *evaluator.Service, sched *scheduler.Manager, logger *slog.Logger, opts Options) *Engine {
	maxMsg := opts.MaxMsgBytes
	if maxMsg == 0 {
		maxMsg = 256 * 1024
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = 30 * time.Minute
	}
	grace := opts.DisconnectGrace
	if grace == 0 {
		grace = 5 * time.Minute
	}

	return &Engine{
		store:           s,
		rooms:           rooms,
		exec:            exec,
		eval:            eval,
		sched:           sched,
		logger:          logger.With("component", "engine"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMsgBytes:     maxMsg,
		idleTimeout:     idle,
		disconnectGrace: grace,
		senders:         make(map[string]*wsSender),
		graceTimers:     make(map[string]*time.Timer),
	}
}

// HandleWS upgrades an HTTP request into a realtime endpoint and pumps its
// inbound events until it drops or idles out.
func (e *Engine) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := e.upgrader.Upgrade(w, req, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sender := &wsSender{id: uuid.New().String(), conn: conn}
	ep := NewEndpoint(sender.id, sender)

	e.mu.Lock()
	e.senders[sender.id] = sender
	e.mu.Unlock()

	conn.SetReadLimit(e.maxMsgBytes)
	e.logger.Info("endpoint connected", "endpoint_id", ep.ID())

	defer func() {
		e.mu.Lock()
		delete(e.senders, sender.id)
		e.mu.Unlock()
		_ = conn.Close()
		e.HandleDisconnect(context.Background(), ep)
		e.logger.Info("endpoint disconnected", "endpoint_id", ep.ID())
	}()

	for {
		// Every inbound event resets the idle clock; expiry forces a
		// disconnect via read error.
		_ = conn.SetReadDeadline(time.Now().Add(e.idleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			e.logger.Debug("endpoint read error", "endpoint_id", ep.ID(), "error", err)
			return
		}
		e.HandleEvent(req.Context(), ep, msg)
	}
}

// HandleEvent decodes and dispatches one inbound event. A panic inside a
// handler is caught, logged, and reported to the caller without tearing
// down the session.
func (e *Engine) HandleEvent(ctx context.Context, ep *Endpoint, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "endpoint_id", ep.ID(), "panic", r)
			e.sendError(ep, "internal error")
		}
	}()

	var env protocol.InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.sendError(ep, "malformed event")
		return
	}

	switch env.Type {
	case protocol.TypeJoinSession:
		var p protocol.JoinSession
		if !e.decode(ep, env.Payload, &p) {
			return
		}
		e.handleJoinSession(ctx, ep, p)
	case protocol.TypeTeacherJoin:
		var p protocol.TeacherJoin
		if !e.decode(ep, env.Payload, &p) {
			return
		}
		e.handleTeacherJoin(ctx, ep, p)
	case protocol.TypeReconnectSession:
		var p protocol.ReconnectSession
		if !e.decode(ep, env.Payload, &p) {
			return
		}
		e.handleReconnectSession(ctx, ep, p)
	case protocol.TypeCodeUpdate:
		var p protocol.CodeUpdate
		if !e.decode(ep, env.Payload, &p) {
			return
		}
		e.handleCodeUpdate(ctx, ep, p)
	case protocol.TypeUpdateSlide:
		var p protocol.UpdateSlide
		if !e.decode(ep, env.Payload, &p) {
			return
		}
		e.handleUpdateSlide(ctx, ep, p)
	case protocol.TypeUpdateSlideData:
		var p protocol.UpdateSlideData
		if !e.decode(ep, env.Payload, &p) {
			return
		}
		e.handleUpdateSlideData(ctx, ep, p)
	case protocol.TypeExecuteCode:
		var p protocol.ExecuteCode
		if !e.decode(ep, env.Payload, &p) {
			return
		}
		e.handleExecuteCode(ctx, ep, p)
	default:
		e.sendError(ep, fmt.Sprintf("unknown event type %q", env.Type))
	}
}

// EndSession marks a session inactive, stops its summary loop, and leaves
// attached endpoints in place for terminal notifications.
func (e *Engine) EndSession(ctx context.Context, code string) error {
	_, err := e.store.Update(ctx, code, func(doc *store.Session) error {
		doc.Active = false
		doc.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}
	e.sched.Stop(code)
	return nil
}

// Shutdown cancels grace timers and closes every live endpoint.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	timers := make([]*time.Timer, 0, len(e.graceTimers))
	for key, t := range e.graceTimers {
		timers = append(timers, t)
		delete(e.graceTimers, key)
	}
	senders := make([]*wsSender, 0, len(e.senders))
	for _, s := range e.senders {
		senders = append(senders, s)
	}
	e.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, s := range senders {
		s.close()
	}
}

func (e *Engine) decode(ep *Endpoint, raw json.RawMessage, into any) bool {
	if len(raw) == 0 {
		e.sendError(ep, "missing payload")
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		e.sendError(ep, "malformed payload")
		return false
	}
	return true
}

func (e *Engine) sendError(ep *Endpoint, msg string) {
	ep.Send(protocol.Envelope{
		Type:      protocol.TypeError,
		Timestamp: time.Now(),
		Payload:   protocol.ErrorEvent{Message: msg},
	})
}

func marshalEnvelope(env protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// newReconnectToken returns a random 128-bit hex nonce.
func newReconnectToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate reconnect token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
