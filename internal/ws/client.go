package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/manpreetbhatti/boardify/backend/internal/ratelimit"
	"github.com/manpreetbhatti/boardify/backend/internal/relay"
	"github.com/manpreetbhatti/boardify/backend/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// Rate limit violations tolerated before the client is disconnected
	maxRateLimitWarnings = 1000
)

// Client is one WebSocket connection. It implements relay.Peer.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      session.ID
	send    chan []byte
	relay   *relay.Conn
	limiter *ratelimit.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:     h,
		conn:    conn,
		id:      session.NewID(),
		send:    make(chan []byte, h.opts.SendBuffer),
		limiter: ratelimit.NewLimiter(h.opts.MessagesPerSecond, h.opts.MessageBurst),
		done:    make(chan struct{}),
	}
	c.relay = h.engine.Connect(c)
	return c
}

func (c *Client) ID() session.ID {
	return c.id
}

// Send queues data without blocking. A client whose buffer is full is
// considered too slow and is disconnected.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.hub.log.Warn("send buffer full, dropping slow client", "conn", c.id)
		c.shutdown()
		return false
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.relay.Close()
		c.shutdown()
		c.conn.Close()
		c.hub.remove(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read error", "conn", c.id, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.log.Warn("⚠️ rate limit exceeded", "conn", c.id, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateLimitWarnings {
				c.hub.log.Warn("🚫 disconnecting client for excessive rate limit violations", "conn", c.id)
				return
			}
			continue
		}

		if err := c.relay.Handle(message); errors.Is(err, relay.ErrClosed) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
