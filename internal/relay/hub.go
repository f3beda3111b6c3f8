package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/domain"
)

// ErrRoomFull is returned when a third user tries to join a session.
var ErrRoomFull = errors.New("session already has two participants")

const (
	maxParticipants     = 2
	maxHeldMessages     = 256
	DefaultRejoinWindow = 10 * time.Second
)

// away is a member whose socket dropped without a close frame. Its slot is
// kept and messages for it are held until it rejoins or the timer expires.
type away struct {
	timer *time.Timer
	held  [][]byte
}

// room is one session: at most two users and the call running between them.
type room struct {
	id      string
	members map[string]*client
	order   []string
	away    map[string]*away
	// callBy is the user who sent the first offer of the running call.
	callBy string
}

func (r *room) others(userID string) []*client {
	var out []*client
	for _, id := range r.order {
		if id != userID {
			out = append(out, r.members[id])
		}
	}
	return out
}

func (r *room) all() []*client {
	return r.others("")
}

// Hub tracks the sessions of the relay and routes messages between their
// participants.
type Hub struct {
	log    zerolog.Logger
	rejoin time.Duration

	mu    sync.Mutex
	rooms map[string]*room

	// onRoute, when set, sees every routed message before it is forwarded.
	onRoute func(from *client, msg domain.Message)
}

// NewHub creates a hub. A member whose socket drops keeps its slot for
// rejoin; zero selects DefaultRejoinWindow.
func NewHub(rejoin time.Duration, log zerolog.Logger) *Hub {
	if rejoin <= 0 {
		rejoin = DefaultRejoinWindow
	}
	return &Hub{log: log, rejoin: rejoin, rooms: make(map[string]*room)}
}

// admit reports whether userID may join sessionID. A user already in the
// session may rejoin, replacing its previous connection.
func (h *Hub) admit(sessionID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[sessionID]
	if r == nil {
		return nil
	}
	if _, ok := r.members[userID]; ok {
		return nil
	}
	if len(r.members) >= maxParticipants {
		return fmt.Errorf("%w: %s", ErrRoomFull, sessionID)
	}
	return nil
}

// join adds c to its session and sends it the connected message. A new
// member is announced to the other participant; a rejoining one is not, and
// receives whatever was held for it while it was away.
func (h *Hub) join(c *client) error {
	h.mu.Lock()
	r := h.rooms[c.sessionID]
	if r == nil {
		r = &room{id: c.sessionID, members: make(map[string]*client), away: make(map[string]*away)}
		h.rooms[c.sessionID] = r
	}
	prev, rejoin := r.members[c.userID]
	if !rejoin && len(r.members) >= maxParticipants {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRoomFull, c.sessionID)
	}
	r.members[c.userID] = c
	if !rejoin {
		r.order = append(r.order, c.userID)
	}
	var held [][]byte
	if a := r.away[c.userID]; a != nil {
		a.timer.Stop()
		held = a.held
		delete(r.away, c.userID)
	}
	others := r.others(c.userID)
	h.mu.Unlock()

	if prev != nil {
		prev.close()
		held = append(prev.unsent(), held...)
		h.log.Info().Str("session_id", c.sessionID).Str("user_id", c.userID).Int("held", len(held)).Msg("rejoined")
	}

	ids := make([]string, 0, len(others))
	for _, o := range others {
		ids = append(ids, o.userID)
	}
	c.sendJSON(domain.Message{
		Type:         domain.MessageConnected,
		UserID:       c.userID,
		SessionID:    c.sessionID,
		Participants: ids,
	})
	for _, b := range held {
		c.sendRaw(b)
	}
	if rejoin {
		return nil
	}
	for _, o := range others {
		o.sendJSON(domain.Message{Type: domain.MessageUserJoined, UserID: c.userID})
	}
	h.log.Info().Str("session_id", c.sessionID).Str("user_id", c.userID).Int("participants", len(others)+1).Msg("user joined")
	return nil
}

// drop parks c after its socket failed without a close frame. The member
// leaves only if it does not rejoin within the rejoin window.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[c.sessionID]
	if r == nil || r.members[c.userID] != c || r.away[c.userID] != nil {
		return
	}
	r.away[c.userID] = &away{
		timer: time.AfterFunc(h.rejoin, func() { h.expire(c) }),
	}
	h.log.Info().Str("session_id", c.sessionID).Str("user_id", c.userID).Dur("window", h.rejoin).Msg("connection lost, holding slot")
}

func (h *Hub) expire(c *client) {
	h.mu.Lock()
	r := h.rooms[c.sessionID]
	if r == nil || r.members[c.userID] != c || r.away[c.userID] == nil {
		h.mu.Unlock()
		return
	}
	delete(r.away, c.userID)
	h.mu.Unlock()

	h.log.Info().Str("session_id", c.sessionID).Str("user_id", c.userID).Msg("rejoin window expired")
	h.leave(c)
}

// leave removes c from its session. A call still running is reported as
// ended by the leaving user.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	r := h.rooms[c.sessionID]
	if r == nil || r.members[c.userID] != c {
		h.mu.Unlock()
		return
	}
	delete(r.members, c.userID)
	if a := r.away[c.userID]; a != nil {
		a.timer.Stop()
		delete(r.away, c.userID)
	}
	for i, id := range r.order {
		if id == c.userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	endCall := r.callBy != ""
	r.callBy = ""
	rest := r.all()
	if len(r.members) == 0 {
		delete(h.rooms, c.sessionID)
	}
	h.mu.Unlock()

	for _, o := range rest {
		h.deliver(o, domain.Message{Type: domain.MessageUserLeft, UserID: c.userID})
		if endCall {
			h.deliver(o, domain.Message{Type: domain.MessageCallEnded, EndedBy: c.userID})
		}
	}
	h.log.Info().Str("session_id", c.sessionID).Str("user_id", c.userID).Bool("call_ended", endCall).Msg("user left")
}

// route forwards a message from c. Messages with a target go to that user
// only, everything else to the other participants. The sender's identity is
// stamped by the relay.
func (h *Hub) route(c *client, data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Warn().Err(err).Str("user_id", c.userID).Msg("bad json")
		return
	}
	if msg.Type == "" {
		h.log.Warn().Str("user_id", c.userID).Msg("message without type")
		return
	}
	switch msg.Type {
	case domain.MessageConnected, domain.MessageUserJoined, domain.MessageUserLeft,
		domain.MessageCallStarted, domain.MessageCallEnded:
		h.log.Warn().Str("user_id", c.userID).Str("type", string(msg.Type)).Msg("client sent relay-only message")
		return
	}
	msg.UserID = c.userID
	if h.onRoute != nil {
		h.onRoute(c, msg)
	}

	h.mu.Lock()
	r := h.rooms[c.sessionID]
	if r == nil || r.members[c.userID] != c {
		h.mu.Unlock()
		return
	}
	var to []*client
	if msg.TargetUserID != "" {
		if t, ok := r.members[msg.TargetUserID]; ok && t != c {
			to = append(to, t)
		}
	} else {
		to = r.others(c.userID)
	}
	announce := msg.Type == domain.MessageOffer && r.callBy == ""
	if announce {
		r.callBy = c.userID
	}
	everyone := r.all()
	h.mu.Unlock()

	if len(to) == 0 {
		h.log.Debug().Str("user_id", c.userID).Str("type", string(msg.Type)).Str("target", msg.TargetUserID).Msg("no recipient")
	}
	for _, t := range to {
		h.deliver(t, msg)
	}
	if announce {
		h.log.Info().Str("session_id", c.sessionID).Str("initiated_by", c.userID).Msg("call started")
		for _, o := range everyone {
			h.deliver(o, domain.Message{Type: domain.MessageCallStarted, InitiatedBy: c.userID})
		}
	}
}

// deliver sends msg to c, or holds it while c is away.
func (h *Hub) deliver(c *client, msg domain.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("deliver marshal")
		return
	}

	h.mu.Lock()
	var a *away
	if r := h.rooms[c.sessionID]; r != nil && r.members[c.userID] == c {
		a = r.away[c.userID]
	}
	if a != nil {
		if len(a.held) < maxHeldMessages {
			a.held = append(a.held, b)
		} else {
			h.log.Warn().Str("user_id", c.userID).Msg("drop message for absent member")
		}
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	c.sendRaw(b)
}

// Sessions returns the number of active sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close disconnects every client and forgets every session.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, r := range h.rooms {
		all = append(all, r.all()...)
		for _, a := range r.away {
			a.timer.Stop()
		}
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}
