// Package room tracks which endpoints are attached to which session and
// delivers targeted emissions. Membership here is authoritative for fan-out;
// the session store is authoritative for persisted identity.
package room

import (
	"sync"

	"github.com/codedeck/codedeck/pkg/protocol"
)

// Role tags an attached endpoint.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Sender delivers an outbound event to one endpoint. Implementations must be
// safe for concurrent use; a failed or closed endpoint drops the event.
type Sender interface {
	// ID identifies the endpoint across attach/detach.
	ID() string
	Send(env protocol.Envelope)
}

// Member is one attached endpoint handle.
type Member struct {
	Endpoint Sender
	Role     Role
	Name     string
}

// Registry maps session codes to their attached endpoints.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu      sync.RWMutex
	members map[string]Member // endpoint ID -> member
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Attach registers an endpoint in the room for code. Re-attaching the same
// endpoint ID replaces the previous handle.
func (r *Registry) Attach(code string, ep Sender, role Role, name string) {
	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		rm = &room{members: make(map[string]Member)}
		r.rooms[code] = rm
	}
	r.mu.Unlock()

	rm.mu.Lock()
	rm.members[ep.ID()] = Member{Endpoint: ep, Role: role, Name: name}
	rm.mu.Unlock()
}

// Detach removes an endpoint from the room for code. It returns the member
// that was removed, if any.
func (r *Registry) Detach(code string, endpointID string) (Member, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return Member{}, false
	}
	r.mu.Unlock()

	rm.mu.Lock()
	m, found := rm.members[endpointID]
	delete(rm.members, endpointID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check: a concurrent Attach may have repopulated the room.
		rm.mu.RLock()
		if len(rm.members) == 0 {
			delete(r.rooms, code)
		}
		rm.mu.RUnlock()
		r.mu.Unlock()
	}
	return m, found
}

// ListRole returns the members of the room holding the given role.
func (r *Registry) ListRole(code string, role Role) []Member {
	rm := r.get(code)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	var out []Member
	for _, m := range rm.members {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// CountRole returns how many members of the room hold the given role.
func (r *Registry) CountRole(code string, role Role) int {
	rm := r.get(code)
	if rm == nil {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	n := 0
	for _, m := range rm.members {
		if m.Role == role {
			n++
		}
	}
	return n
}

// Broadcast enqueues the event on every member of the room.
func (r *Registry) Broadcast(code string, env protocol.Envelope) {
	for _, m := range r.snapshot(code) {
		m.Endpoint.Send(env)
	}
}

// BroadcastExcept sends to every member except the named endpoint.
func (r *Registry) BroadcastExcept(code, exceptEndpointID string, env protocol.Envelope) {
	for _, m := range r.snapshot(code) {
		if m.Endpoint.ID() == exceptEndpointID {
			continue
		}
		m.Endpoint.Send(env)
	}
}

// EmitRole sends the event to all members holding the given role.
func (r *Registry) EmitRole(code string, role Role, env protocol.Envelope) {
	for _, m := range r.ListRole(code, role) {
		m.Endpoint.Send(env)
	}
}

func (r *Registry) get(code string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[code]
}

// snapshot copies the member list so sends happen outside the room lock.
func (r *Registry) snapshot(code string) []Member {
	rm := r.get(code)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m)
	}
	return out
}
