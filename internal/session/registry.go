// Package session tracks live connections and the room each one is joined
// to, so that fan-out can be scoped to a room's current audience.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// ID identifies one live connection.
type ID string

// NewID returns a fresh random connection ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// Peer receives frames fanned out to a room. Send must not block.
type Peer interface {
	Send(data []byte) bool
}

type entry struct {
	mu     sync.Mutex
	peer   Peer
	room   string
	joined bool
	gone   bool
}

// Audience of one room
type members struct {
	mu    sync.RWMutex
	peers map[ID]Peer
}

// Registry is safe for concurrent use. Each session and each room's member
// set carries its own lock; the top-level maps are only locked for lookup
// and lazy creation.
type Registry struct {
	sessions   map[ID]*entry
	sessionsMu sync.RWMutex

	// Member sets are kept for the life of the process, like rooms.
	rooms   map[string]*members
	roomsMu sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[ID]*entry),
		rooms:    make(map[string]*members),
	}
}

// Register creates a session with no room; p receives the room's fan-out
// once the session joins one. Registering an existing ID is a no-op.
func (r *Registry) Register(id ID, p Peer) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		r.sessions[id] = &entry{peer: p}
	}
}

func (r *Registry) lookup(id ID) (*entry, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

func (r *Registry) roomMembers(key string) *members {
	r.roomsMu.RLock()
	m, ok := r.rooms[key]
	r.roomsMu.RUnlock()

	if ok {
		return m
	}

	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	if m, ok := r.rooms[key]; ok {
		return m
	}
	m = &members{peers: make(map[ID]Peer)}
	r.rooms[key] = m
	return m
}

// SetRoom associates id with key, leaving any previous room's audience.
// It reports false if id is not registered.
func (r *Registry) SetRoom(id ID, key string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gone {
		return false
	}
	if e.joined && e.room == key {
		return true
	}

	if e.joined {
		r.removeMember(e.room, id)
	}
	m := r.roomMembers(key)
	m.mu.Lock()
	m.peers[id] = e.peer
	m.mu.Unlock()

	e.room = key
	e.joined = true
	return true
}

func (r *Registry) removeMember(key string, id ID) {
	r.roomsMu.RLock()
	m, ok := r.rooms[key]
	r.roomsMu.RUnlock()
	if !ok {
		return
	}

	m.mu.Lock()
	delete(m.peers, id)
	m.mu.Unlock()
}

// Leave takes id out of its room's audience without unregistering it and
// returns the room it left.
func (r *Registry) Leave(id ID) (string, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.joined || e.gone {
		return "", false
	}
	r.removeMember(e.room, id)
	left := e.room
	e.room = ""
	e.joined = false
	return left, true
}

// RoomOf returns the room id is joined to.
func (r *Registry) RoomOf(id ID) (string, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room, e.joined && !e.gone
}

// MembersOf returns the connections currently joined to key, except
// excluding. The result is a fresh slice owned by the caller.
func (r *Registry) MembersOf(key string, excluding ID) []ID {
	var ids []ID
	r.eachMember(key, excluding, func(id ID, _ Peer) {
		ids = append(ids, id)
	})
	return ids
}

// Audience returns the peers of key's members, except excluding.
func (r *Registry) Audience(key string, excluding ID) map[ID]Peer {
	peers := make(map[ID]Peer)
	r.eachMember(key, excluding, func(id ID, p Peer) {
		peers[id] = p
	})
	return peers
}

func (r *Registry) eachMember(key string, excluding ID, fn func(ID, Peer)) {
	r.roomsMu.RLock()
	m, ok := r.rooms[key]
	r.roomsMu.RUnlock()
	if !ok {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, p := range m.peers {
		if id != excluding {
			fn(id, p)
		}
	}
}

// Unregister removes the session. Safe to call for sessions that never
// joined a room or were already removed.
func (r *Registry) Unregister(id ID) {
	r.sessionsMu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.sessionsMu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.joined {
		r.removeMember(e.room, id)
	}
	e.gone = true
	e.joined = false
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return len(r.sessions)
}

// RoomCounts returns the audience size of every room with at least one member.
func (r *Registry) RoomCounts() map[string]int {
	r.roomsMu.RLock()
	rooms := make(map[string]*members, len(r.rooms))
	for key, m := range r.rooms {
		rooms[key] = m
	}
	r.roomsMu.RUnlock()

	counts := make(map[string]int)
	for key, m := range rooms {
		m.mu.RLock()
		if n := len(m.peers); n > 0 {
			counts[key] = n
		}
		m.mu.RUnlock()
	}
	return counts
}
