// Package room holds the in-memory drawing log of every room the relay has
// seen. It is the single source of truth for what has been drawn so far.
package room

import (
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/boardify/backend/internal/event"
)

// A single room's ordered segment log
type Room struct {
	Key string

	mu         sync.RWMutex
	segments   []event.Segment
	clears     int
	createdAt  time.Time
	lastActive time.Time

	// seq orders compound relay operations (apply + fan-out, join + history).
	seq sync.Mutex
}

// Per-room counters exposed to the API and the activity sync
type Stats struct {
	Key        string
	Segments   int
	Clears     int
	CreatedAt  time.Time
	LastActive time.Time
}

func newRoom(key string, now time.Time) *Room {
	return &Room{
		Key:        key,
		segments:   make([]event.Segment, 0),
		createdAt:  now,
		lastActive: now,
	}
}

// Appends a segment to the end of the log
func (r *Room) Append(seg event.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
	r.lastActive = time.Now()
}

// Replaces the log with an empty one
func (r *Room) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = make([]event.Segment, 0)
	r.clears++
	r.lastActive = time.Now()
}

// Returns a copy of the log; later appends or clears never show through it
func (r *Room) Snapshot() []event.Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	segments := make([]event.Segment, len(r.segments))
	copy(segments, r.segments)
	return segments
}

func (r *Room) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Key:        r.Key,
		Segments:   len(r.segments),
		Clears:     r.clears,
		CreatedAt:  r.createdAt,
		LastActive: r.lastActive,
	}
}

// Sequence runs fn while holding the room's sequencing lock. Two calls for
// the same room never overlap; calls for different rooms do not contend.
// fn must not call Sequence on the same room.
func (r *Room) Sequence(fn func()) {
	r.seq.Lock()
	defer r.seq.Unlock()
	fn()
}

// Store maps room keys to rooms. Rooms are created on first reference and
// live for the rest of the process.
type Store struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*Room),
	}
}

// Returns the room for key, creating it if absent
func (s *Store) Room(key string) *Room {
	s.mu.RLock()
	r, ok := s.rooms[key]
	s.mu.RUnlock()

	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[key]; ok {
		return r
	}

	r = newRoom(key, time.Now())
	s.rooms[key] = r
	return r
}

// Returns the room for key without creating it
func (s *Store) Lookup(key string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[key]
	return r, ok
}

func (s *Store) Append(key string, seg event.Segment) {
	s.Room(key).Append(seg)
}

func (s *Store) Clear(key string) {
	s.Room(key).Clear()
}

// Snapshot of an unknown room is empty and does not create it.
func (s *Store) Snapshot(key string) []event.Segment {
	r, ok := s.Lookup(key)
	if !ok {
		return []event.Segment{}
	}
	return r.Snapshot()
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Returns stats for every room, ordered by key
func (s *Store) Stats() []Stats {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	stats := make([]Stats, len(rooms))
	for i, r := range rooms {
		stats[i] = r.Stats()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}
