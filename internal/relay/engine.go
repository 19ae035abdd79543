// Package relay implements the per-connection protocol of the drawing relay:
// join replays a room's history, strokes and clears are applied to the room
// log and fanned out to every other member of the room.
package relay

import (
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/boardify/backend/internal/room"
	"github.com/manpreetbhatti/boardify/backend/internal/session"
)

// ErrClosed is returned by Handle once the connection has disconnected.
var ErrClosed = errors.New("connection closed")

// Peer is the outbound half of a connection. Send must not block: it either
// queues data for delivery or reports false.
type Peer interface {
	session.Peer
	ID() session.ID
}

// Engine owns the shared relay state. One Engine serves every connection.
type Engine struct {
	store    *room.Store
	sessions *session.Registry
	log      *slog.Logger
}

func NewEngine(store *room.Store, sessions *session.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:    store,
		sessions: sessions,
		log:      logger,
	}
}

func (e *Engine) Store() *room.Store {
	return e.store
}

func (e *Engine) Sessions() *session.Registry {
	return e.sessions
}

// Connect registers a new connection in the Unjoined state.
func (e *Engine) Connect(p Peer) *Conn {
	id := p.ID()
	e.sessions.Register(id, p)
	e.log.Debug("connection registered", "conn", id)

	return &Conn{engine: e, peer: p}
}

// Delivers data to every member of key except sender. Failed sends are
// skipped; delivery is best effort.
func (e *Engine) broadcast(key string, sender session.ID, data []byte) int {
	delivered := 0
	for id, p := range e.sessions.Audience(key, sender) {
		if !p.Send(data) {
			e.log.Debug("dropped broadcast to peer", "conn", id, "room", key)
			continue
		}
		delivered++
	}
	return delivered
}

func (e *Engine) disconnect(id session.ID) {
	e.sessions.Unregister(id)
}
