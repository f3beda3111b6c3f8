package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrBackpressure = errors.New("backpressure")

const (
	writeTimeout   = 5 * time.Second
	readTimeout    = 90 * time.Second
	maxMessageSize = 1 << 16
)

// client is one participant's socket.
type client struct {
	sessionID string
	userID    string
	conn      *websocket.Conn
	send      chan []byte
	log       zerolog.Logger

	// pumped is closed when the write pump exits; failed is the message it
	// was writing when the socket broke.
	pumped chan struct{}
	failed []byte

	mu     sync.RWMutex
	closed bool
}

func newClient(conn *websocket.Conn, sessionID, userID string, outbox int, log zerolog.Logger) *client {
	return &client{
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		send:      make(chan []byte, outbox),
		pumped:    make(chan struct{}),
		log:       log.With().Str("session_id", sessionID).Str("user_id", userID).Logger(),
	}
}

func (c *client) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	c.sendRaw(b)
}

func (c *client) sendRaw(b []byte) {
	if err := c.trySend(b); err != nil {
		c.log.Warn().Err(err).Msg("drop outbound message")
	}
}

// unsent returns the messages the write pump never delivered, in order. c
// must be closed and its write pump started.
func (c *client) unsent() [][]byte {
	<-c.pumped
	var out [][]byte
	if c.failed != nil {
		out = append(out, c.failed)
	}
	for b := range c.send {
		out = append(out, b)
	}
	return out
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// reject closes the socket with a close frame explaining why.
func (c *client) reject(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.close()
}

func (c *client) writePump() {
	defer close(c.pumped)
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			c.log.Error().Err(err).Msg("writePump set deadline")
			c.failed = data
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Error().Err(err).Msg("writePump write error")
			c.failed = data
			return
		}
	}
}

func (c *client) readPump(h *Hub) {
	// Only a close frame means the user left. Anything else may be a network
	// blip the client recovers from by reconnecting.
	graceful := false
	defer func() {
		if graceful {
			h.leave(c)
		} else {
			h.drop(c)
		}
		c.close()
		c.log.Debug().Bool("graceful", graceful).Msg("readPump closing")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			graceful = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !graceful {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.route(c, data)
	}
}
