// Package relay is a development signaling relay for two-party sessions. It
// forwards session messages between the participants of a session and emits
// the presence and call lifecycle messages the call core expects.
package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultOutboxSize = 64

// Options configures a Server.
type Options struct {
	// Mode is the gin mode: debug, release or test.
	Mode string
	// Authenticate maps the token query parameter to a user id. When nil the
	// token itself is the user id and an empty token gets a random one.
	Authenticate func(token string) (string, error)
	// RejoinWindow is how long a member whose socket dropped keeps its slot.
	// It should exceed the clients' reconnect delay. Zero selects
	// DefaultRejoinWindow.
	RejoinWindow time.Duration
	OutboxSize   int
	Logger       zerolog.Logger
}

// Server serves the relay endpoints.
type Server struct {
	opts   Options
	hub    *Hub
	engine *gin.Engine
	log    zerolog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewServer(opts Options) *Server {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.Authenticate == nil {
		opts.Authenticate = tokenAsUserID
	}
	switch opts.Mode {
	case gin.ReleaseMode, gin.TestMode, gin.DebugMode:
		gin.SetMode(opts.Mode)
	}

	s := &Server{
		opts: opts,
		hub:  NewHub(opts.RejoinWindow, opts.Logger),
		log:  opts.Logger,
	}

	r := gin.New()
	if opts.Mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.GET("/healthz", s.health)
	r.GET("/ws/session/:id", s.handleSession)
	s.engine = r
	return s
}

// Handler returns the HTTP handler of the relay.
func (s *Server) Handler() http.Handler { return s.engine }

// Close disconnects every participant.
func (s *Server) Close() { s.hub.Close() }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.hub.Sessions()})
}

func (s *Server) handleSession(c *gin.Context) {
	sessionID := c.Param("id")
	userID, err := s.opts.Authenticate(c.Query("token"))
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("authentication failed")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if err := s.hub.admit(sessionID, userID); err != nil {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade")
		return
	}

	cl := newClient(ws, sessionID, userID, s.opts.OutboxSize, s.log)
	if err := s.hub.join(cl); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Str("user_id", userID).Msg("join rejected")
		cl.reject(err.Error())
		return
	}
	go cl.writePump()
	go cl.readPump(s.hub)
}

var errTokenTooLong = errors.New("token too long")

func tokenAsUserID(token string) (string, error) {
	if token == "" {
		return uuid.NewString(), nil
	}
	if len(token) > 128 {
		return "", errTokenTooLong
	}
	return token, nil
}
