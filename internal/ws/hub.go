package ws

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/boardify/backend/internal/ratelimit"
	"github.com/manpreetbhatti/boardify/backend/internal/relay"
)

// Transport settings for every client of a Hub
type Options struct {
	// Outbound frames buffered per client before it is dropped as slow
	SendBuffer int

	// Inbound frame rate per client; zero disables limiting
	MessagesPerSecond float64
	MessageBurst      int

	// Value the Origin header must match; "*" or empty allows any origin
	AllowedOrigin string
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:        512,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		AllowedOrigin:     "*",
	}
}

// Hub upgrades HTTP requests to WebSocket clients of the relay engine and
// keeps track of them so they can be closed on shutdown.
type Hub struct {
	engine   *relay.Engine
	opts     Options
	connects *ratelimit.Keyed
	log      *slog.Logger
	upgrader websocket.Upgrader

	clients map[*Client]struct{}
	mu      sync.RWMutex
}

// NewHub builds a Hub. connects may be nil to accept every connection attempt.
func NewHub(engine *relay.Engine, opts Options, connects *ratelimit.Keyed, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}

	h := &Hub{
		engine:   engine,
		opts:     opts,
		connects: connects,
		log:      logger,
		clients:  make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.opts.AllowedOrigin
}

func (h *Hub) Engine() *relay.Engine {
	return h.engine
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("client connected", "conn", c.id, "clients", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("client disconnected", "conn", c.id, "clients", n)
}

// ClientCount returns the number of open WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown asks every client to close. It does not wait for them.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.shutdown()
	}
	h.log.Info("closing websocket clients", "clients", len(clients))
}

// ServeWs upgrades the request; a "room" query parameter auto-joins it.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	h.ServeRoom(w, r, r.URL.Query().Get("room"))
}

// ServeRoom upgrades the request and, if roomKey is not empty, joins the
// new client to it before any inbound frame is read.
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request, roomKey string) {
	if h.connects != nil && !h.connects.Allow(remoteHost(r)) {
		h.log.Warn("connection attempt rate limited", "remote", r.RemoteAddr)
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(h, conn)
	h.add(client)

	go client.writePump()

	if roomKey != "" {
		client.relay.Join(roomKey)
	}

	go client.readPump()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
