package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/domain"
)

var ErrBackpressure = errors.New("signaling outbox full")

const (
	defaultOutboxSize   = 64
	defaultPingInterval = 30 * time.Second
	dialTimeout         = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	RelayURL     string
	Reconnect    ReconnectPolicy
	PingInterval time.Duration
	OutboxSize   int
	Dialer       *websocket.Dialer
	Logger       zerolog.Logger
}

// Client manages the WebSocket connection to the session relay.
type Client struct {
	opts     Options
	endpoint string
	handler  domain.Handler
	log      zerolog.Logger

	// send outlives individual sockets; messages queued during a reconnect are
	// written by the next socket.
	send chan []byte

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// Endpoint derives the relay address of a session.
func Endpoint(relayURL, sessionID, token string) (string, error) {
	if sessionID == "" || strings.Contains(sessionID, "/") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws", "session", sessionID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the session relay and starts the read loop. handler receives
// every inbound message in arrival order.
func Open(ctx context.Context, opts Options, sessionID, token string, handler domain.Handler) (*Client, error) {
	endpoint, err := Endpoint(opts.RelayURL, sessionID, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	c := &Client{
		opts:     opts,
		endpoint: endpoint,
		handler:  handler,
		log:      opts.Logger.With().Str("session_id", sessionID).Logger(),
		send:     make(chan []byte, opts.OutboxSize),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, connID, err := c.dial(ctx)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	c.serve(conn, connID)
	return c, nil
}

// Send queues msg for delivery. Delivery is best-effort.
func (c *Client) Send(msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if c.ctx.Err() != nil {
		return domain.ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close shuts down the connection and cancels pending reconnects. It must not
// be called from inside the handler.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = c.conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
		c.log.Info().Msg("closed")
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	connID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c.log.Info().Str("conn_id", connID).Msg("connecting")
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("websocket dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("websocket dial: %w", err)
	}
	return conn, connID, nil
}

func (c *Client) serve(conn *websocket.Conn, connID string) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	log := c.log.With().Str("conn_id", connID).Logger()
	log.Info().Msg("connected")

	done := make(chan struct{})
	c.wg.Add(3)
	go c.writeLoop(conn, done, log)
	go c.pingLoop(conn, done, log)
	go c.readLoop(conn, done, log)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}, log zerolog.Logger) {
	defer c.wg.Done()
	defer close(done)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("connection lost")
			c.wg.Add(1)
			go c.reconnect()
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Msg("unmarshal message")
			continue
		}
		if msg.Type == "" {
			log.Warn().Msg("message without type")
			continue
		}
		log.Debug().Str("type", string(msg.Type)).Msg("<<<")
		c.handler.OnMessage(msg)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, done chan struct{}, log zerolog.Logger) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Msg("set write deadline")
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Msg("write error")
				_ = conn.Close()
				return
			}
			log.Debug().Int("bytes", len(data)).Msg(">>>")
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}, log zerolog.Logger) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout))
			if err != nil {
				log.Warn().Err(err).Msg("ping error")
				return
			}
		}
	}
}

func (c *Client) reconnect() {
	defer c.wg.Done()

	b := c.opts.Reconnect.newBackOff()
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.log.Error().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
			c.cancel()
			c.handler.OnClosed(fmt.Errorf("%w: gave up after %d reconnect attempts", domain.ErrSignalingUnavailable, attempt-1))
			return
		}

		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, connID, err := c.dial(c.ctx)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		c.serve(conn, connID)
		return
	}
}
