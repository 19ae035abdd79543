package relay

import (
	"sync"

	"github.com/manpreetbhatti/boardify/backend/internal/event"
	"github.com/manpreetbhatti/boardify/backend/internal/session"
)

// State of one connection's protocol state machine
type State int

const (
	StateUnjoined State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn drives one connection through Unjoined -> Joined(room) -> Closed.
// Inbound events for a connection are expected from a single goroutine.
type Conn struct {
	engine *Engine
	peer   Peer

	mu    sync.Mutex
	state State
	room  string
}

func (c *Conn) ID() session.ID {
	return c.peer.ID()
}

// State returns the current state and, when joined, the room key.
func (c *Conn) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.room
}

func (c *Conn) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed
}

// Handle decodes one inbound frame and applies it. Malformed frames are
// dropped and reported; they never affect the connection.
func (c *Conn) Handle(data []byte) error {
	if c.closed() {
		return ErrClosed
	}

	in, err := event.Decode(data)
	if err != nil {
		c.engine.log.Debug("dropping malformed event", "conn", c.ID(), "error", err)
		return err
	}

	switch in.Kind {
	case event.KindJoin:
		c.Join(in.RoomKey)
	case event.KindStroke:
		c.Stroke(in.Segment)
	case event.KindClear:
		c.Clear(in.RoomKey)
	}
	return nil
}

// Join moves the connection into key's audience and sends it the room's
// history. Rejoining, including to a different room, is allowed.
func (c *Conn) Join(key string) {
	if c.closed() {
		return
	}

	e := c.engine
	id := c.ID()

	// Leave the old room under its own sequencing lock so that no fan-out
	// still in flight there can reach this connection after the new history.
	if prev, ok := e.sessions.RoomOf(id); ok && prev != key {
		e.store.Room(prev).Sequence(func() {
			e.sessions.Leave(id)
		})
	}

	r := e.store.Room(key)
	r.Sequence(func() {
		if !e.sessions.SetRoom(id, key) {
			return
		}

		history := r.Snapshot()
		data, err := event.EncodeHistory(history)
		if err != nil {
			e.log.Error("failed to encode history", "room", key, "error", err)
			return
		}
		if !c.peer.Send(data) {
			e.log.Debug("dropped history for joining peer", "conn", id, "room", key)
		}

		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateJoined
			c.room = key
		}
		c.mu.Unlock()

		e.log.Info("client joined room", "conn", id, "room", key, "history", len(history))
	})
}

// Stroke appends seg to the room named by seg.RoomKey and relays it to that
// room's other members. The segment's own key is used even when it differs
// from the room the connection joined.
func (c *Conn) Stroke(seg event.Segment) {
	if c.closed() {
		return
	}

	e := c.engine
	id := c.ID()

	data, err := event.EncodeStroke(seg)
	if err != nil {
		e.log.Error("failed to encode stroke", "room", seg.RoomKey, "error", err)
		return
	}

	if joined, current := c.State(); joined == StateJoined && current != seg.RoomKey {
		e.log.Debug("stroke routed by its own room key", "conn", id, "joined", current, "room", seg.RoomKey)
	}

	r := e.store.Room(seg.RoomKey)
	r.Sequence(func() {
		r.Append(seg)
		e.broadcast(seg.RoomKey, id, data)
	})
}

// Clear empties key's log and tells the room's other members.
func (c *Conn) Clear(key string) {
	if c.closed() {
		return
	}

	e := c.engine
	id := c.ID()

	data, err := event.EncodeClear()
	if err != nil {
		e.log.Error("failed to encode clear", "room", key, "error", err)
		return
	}

	r := e.store.Room(key)
	r.Sequence(func() {
		r.Clear()
		n := e.broadcast(key, id, data)
		e.log.Info("room cleared", "conn", id, "room", key, "notified", n)
	})
}

// Close unregisters the connection. Later events are ignored. Close is
// idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.room = ""
	c.mu.Unlock()

	c.engine.disconnect(c.ID())
	c.engine.log.Debug("connection closed", "conn", c.ID())
}
