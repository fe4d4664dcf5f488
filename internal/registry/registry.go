// Package registry tracks live transport connections and signaling-room
// membership. It is the only component holding connection topology; all of
// its state is process-local and lost on restart, so reconnecting clients
// must re-join their calls explicitly.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Sender delivers one event to a single transport connection. Implementations
// must not block; delivery to a slow connection is dropped, not queued
// indefinitely.
type Sender interface {
	Send(event string, payload any) bool
}

// Registry maps users to their live connections and calls to their room
// members. A user may hold several simultaneous connections (multiple tabs
// or devices); a connection belongs to exactly one user.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]uuid.UUID             // connection id -> user id
	users map[uuid.UUID]map[string]Sender  // user id -> connection id -> sender
	rooms map[uuid.UUID]map[uuid.UUID]bool // call id -> user ids in room
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]uuid.UUID),
		users: make(map[uuid.UUID]map[string]Sender),
		rooms: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// Bind associates a connection with a user. Rebinding the same connection id
// is idempotent.
func (r *Registry) Bind(userID uuid.UUID, connectionID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[connectionID]; ok && prev != userID {
		// Connection ids are unique per transport session; a rebind to a
		// different user replaces the old binding.
		if senders, ok := r.users[prev]; ok {
			delete(senders, connectionID)
			if len(senders) == 0 {
				delete(r.users, prev)
			}
		}
	}

	r.conns[connectionID] = userID
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]Sender)
	}
	r.users[userID][connectionID] = sender
}

// Unbind removes a connection. It returns the owning user id and whether that
// user still has other live connections. Unbinding an unknown connection is a
// no-op.
func (r *Registry) Unbind(connectionID string) (userID uuid.UUID, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.conns[connectionID]
	if !ok {
		return uuid.Nil, 0, false
	}
	delete(r.conns, connectionID)

	if senders, exists := r.users[userID]; exists {
		delete(senders, connectionID)
		remaining = len(senders)
		if remaining == 0 {
			delete(r.users, userID)
		}
	}
	return userID, remaining, true
}

// IsOnline reports whether the user has at least one bound connection.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionCount returns the number of live connections for a user.
func (r *Registry) ConnectionCount(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// FanoutToUser delivers an event to every connection bound to the user and
// returns the number of connections it reached.
func (r *Registry) FanoutToUser(userID uuid.UUID, event string, payload any) int {
	r.mu.RLock()
	senders := make([]Sender, 0, len(r.users[userID]))
	for _, s := range r.users[userID] {
		senders = append(senders, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range senders {
		if s.Send(event, payload) {
			delivered++
		}
	}
	return delivered
}

// JoinRoom adds a user to a call's room. Joining twice is idempotent.
func (r *Registry) JoinRoom(callID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[callID] == nil {
		r.rooms[callID] = make(map[uuid.UUID]bool)
	}
	r.rooms[callID][userID] = true
}

// LeaveRoom removes a user from a call's room.
func (r *Registry) LeaveRoom(callID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.rooms[callID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, callID)
		}
	}
}

// DropRoom removes a call's room entirely, typically on call termination.
func (r *Registry) DropRoom(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, callID)
}

// RoomMembers returns the user ids currently in a call's room.
func (r *Registry) RoomMembers(callID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]uuid.UUID, 0, len(r.rooms[callID]))
	for userID := range r.rooms[callID] {
		members = append(members, userID)
	}
	return members
}

// InRoom reports whether the user is currently in the call's room.
func (r *Registry) InRoom(callID, userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[callID][userID]
}
