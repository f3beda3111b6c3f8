package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/connection/peertest"
	"github.com/peerlearn/callcore/internal/domain"
	"github.com/peerlearn/callcore/internal/media"
	"github.com/peerlearn/callcore/internal/media/mediatest"
	"github.com/peerlearn/callcore/internal/session"
	"github.com/peerlearn/callcore/internal/signal"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, Options{})
}

// newTestServerWith builds a relay from opts and runs setup before it starts
// serving.
func newTestServerWith(t *testing.T, opts Options, setup ...func(*Server)) (*Server, *httptest.Server) {
	t.Helper()
	opts.Mode, opts.Logger = gin.TestMode, zerolog.Nop()
	s := NewServer(opts)
	for _, fn := range setup {
		fn(s)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, sessionID, token), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", token, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsURL(srv *httptest.Server, sessionID, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session/" + sessionID + "?token=" + token
}

func read(t *testing.T, conn *websocket.Conn) domain.Message {
	t.Helper()
	var msg domain.Message
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func write(t *testing.T, conn *websocket.Conn, msg domain.Message) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// leaveNormally sends a close frame, the way a client that hangs up does.
func leaveNormally(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("close frame: %v", err)
	}
	conn.Close()
}

// member returns the relay side of a participant's connection.
func member(t *testing.T, s *Server, sessionID, userID string) *client {
	t.Helper()
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	r := s.hub.rooms[sessionID]
	if r == nil || r.members[userID] == nil {
		t.Fatalf("%s is not in %s", userID, sessionID)
	}
	return r.members[userID]
}

func isAway(s *Server, sessionID, userID string) bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	r := s.hub.rooms[sessionID]
	return r != nil && r.away[userID] != nil
}

// pair joins alice then bob to s1 and consumes the presence messages.
func pair(t *testing.T, srv *httptest.Server) (alice, bob *websocket.Conn) {
	t.Helper()
	alice = dial(t, srv, "s1", "alice")
	read(t, alice)
	bob = dial(t, srv, "s1", "bob")
	read(t, bob)
	read(t, alice)
	return alice, bob
}

func TestJoin_ConnectedAndUserJoined(t *testing.T) {
	_, srv := newTestServer(t)

	alice := dial(t, srv, "s1", "alice")
	got := read(t, alice)
	if got.Type != domain.MessageConnected || got.UserID != "alice" || got.SessionID != "s1" {
		t.Errorf("unexpected connected message %+v", got)
	}
	if len(got.Participants) != 0 {
		t.Errorf("expected no participants, got %v", got.Participants)
	}

	bob := dial(t, srv, "s1", "bob")
	got = read(t, bob)
	if got.Type != domain.MessageConnected || len(got.Participants) != 1 || got.Participants[0] != "alice" {
		t.Errorf("expected alice in participants, got %+v", got)
	}
	got = read(t, alice)
	if got.Type != domain.MessageUserJoined || got.UserID != "bob" {
		t.Errorf("expected user_joined bob, got %+v", got)
	}
}

func TestJoin_ThirdParticipantRejected(t *testing.T) {
	_, srv := newTestServer(t)
	pair(t, srv)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "s1", "carol"), nil)
	if err == nil {
		t.Fatal("expected third participant to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %v", resp)
	}

	other := dial(t, srv, "s2", "carol")
	if got := read(t, other); got.Type != domain.MessageConnected {
		t.Errorf("expected carol to join another session, got %+v", got)
	}
}

func TestRoute_TargetedOfferStartsCall(t *testing.T) {
	_, srv := newTestServer(t)
	alice, bob := pair(t, srv)

	data, _ := json.Marshal(domain.SDPPayload{Type: "offer", SDP: "v=0"})
	write(t, alice, domain.Message{Type: domain.MessageOffer, UserID: "mallory", TargetUserID: "bob", Data: data})

	got := read(t, bob)
	if got.Type != domain.MessageOffer || got.UserID != "alice" {
		t.Errorf("expected offer stamped with alice, got %+v", got)
	}
	if sdp, err := got.Description(); err != nil || sdp.SDP != "v=0" {
		t.Errorf("expected sdp to survive routing, got %+v %v", sdp, err)
	}
	for _, conn := range []*websocket.Conn{alice, bob} {
		if got := read(t, conn); got.Type != domain.MessageCallStarted || got.InitiatedBy != "alice" {
			t.Errorf("expected call_started by alice, got %+v", got)
		}
	}

	write(t, bob, domain.Message{Type: domain.MessageUserLeft, UserID: "alice"})
	write(t, bob, domain.Message{Type: "whiteboard", Data: json.RawMessage(`{"x":1}`)})
	got = read(t, alice)
	if got.Type != "whiteboard" || got.UserID != "bob" {
		t.Errorf("expected broadcast event from bob, got %+v", got)
	}
}

func TestLeave_EndsRunningCall(t *testing.T) {
	_, srv := newTestServer(t)
	alice, bob := pair(t, srv)

	write(t, alice, domain.Message{Type: domain.MessageOffer, TargetUserID: "bob", Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	read(t, bob)
	read(t, bob)

	leaveNormally(t, alice)
	if got := read(t, bob); got.Type != domain.MessageUserLeft || got.UserID != "alice" {
		t.Errorf("expected user_left alice, got %+v", got)
	}
	if got := read(t, bob); got.Type != domain.MessageCallEnded || got.EndedBy != "alice" {
		t.Errorf("expected call_ended by alice, got %+v", got)
	}
}

func TestDrop_RejoinWithinWindow(t *testing.T) {
	s, srv := newTestServer(t)
	_, bob := pair(t, srv)

	_ = member(t, s, "s1", "alice").conn.Close()
	waitFor(t, func() bool { return isAway(s, "s1", "alice") })

	write(t, bob, domain.Message{Type: "whiteboard", TargetUserID: "alice", Data: json.RawMessage(`{"x":1}`)})

	alice := dial(t, srv, "s1", "alice")
	got := read(t, alice)
	if got.Type != domain.MessageConnected || len(got.Participants) != 1 || got.Participants[0] != "bob" {
		t.Errorf("expected connected with bob, got %+v", got)
	}
	if got := read(t, alice); got.Type != "whiteboard" || got.UserID != "bob" {
		t.Errorf("expected the message held while away, got %+v", got)
	}

	// Bob sees neither user_left nor user_joined, only the next message.
	write(t, alice, domain.Message{Type: "whiteboard", Data: json.RawMessage(`{"y":2}`)})
	if got := read(t, bob); got.Type != "whiteboard" || got.UserID != "alice" {
		t.Errorf("expected no presence change for a rejoin, got %+v", got)
	}
	if isAway(s, "s1", "alice") {
		t.Error("expected alice back in the room")
	}
}

func TestDrop_WindowExpires(t *testing.T) {
	s, srv := newTestServerWith(t, Options{RejoinWindow: 100 * time.Millisecond})
	alice, bob := pair(t, srv)

	write(t, alice, domain.Message{Type: domain.MessageOffer, Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	read(t, bob)
	read(t, bob)

	start := time.Now()
	_ = member(t, s, "s1", "alice").conn.Close()
	if got := read(t, bob); got.Type != domain.MessageUserLeft || got.UserID != "alice" {
		t.Errorf("expected user_left alice, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("user_left sent after %v, before the rejoin window", elapsed)
	}
	if got := read(t, bob); got.Type != domain.MessageCallEnded || got.EndedBy != "alice" {
		t.Errorf("expected call_ended by alice, got %+v", got)
	}

	carol := dial(t, srv, "s1", "carol")
	if got := read(t, carol); got.Type != domain.MessageConnected || len(got.Participants) != 1 {
		t.Errorf("expected the freed slot to be reusable, got %+v", got)
	}
}

func TestRejoin_ReplacesConnection(t *testing.T) {
	s, srv := newTestServer(t)
	first := dial(t, srv, "s1", "alice")
	read(t, first)

	second := dial(t, srv, "s1", "alice")
	if got := read(t, second); got.Type != domain.MessageConnected {
		t.Errorf("expected connected, got %+v", got)
	}
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("expected the replaced connection to be closed")
	}
	if n := s.hub.Sessions(); n != 1 {
		t.Errorf("expected one session, got %d", n)
	}
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)
	dial(t, srv, "s1", "alice")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Sessions != 1 {
		t.Errorf("unexpected health %+v", body)
	}
}

// newCoordinator builds a call core for user that signals through srv and
// counts its socket dials in dials.
func newCoordinator(t *testing.T, srv *httptest.Server, user string, dials *atomic.Int32) *session.Coordinator {
	t.Helper()
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}
	dialFn := func(ctx context.Context, h domain.Handler) (domain.Signaler, error) {
		c, err := signal.Open(ctx, signal.Options{
			RelayURL:  srv.URL,
			Reconnect: signal.FixedReconnectPolicy(50 * time.Millisecond),
			Dialer:    dialer,
			Logger:    zerolog.Nop(),
		}, "s1", user, h)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c := session.New(session.Options{
		SessionID:    "s1",
		Media:        media.NewController(&mediatest.Devices{}, domain.DefaultConstraints(), zerolog.Nop()),
		Peers:        &peertest.Factory{},
		Dial:         dialFn,
		FailureGrace: time.Second,
		Logger:       zerolog.Nop(),
	})
	t.Cleanup(c.Disconnect)
	return c
}

func TestRelay_CoordinatorsReachConnected(t *testing.T) {
	_, srv := newTestServer(t)

	var aliceDials, bobDials atomic.Int32
	alice, bob := newCoordinator(t, srv, "alice", &aliceDials), newCoordinator(t, srv, "bob", &bobDials)

	ctx := context.Background()
	if err := alice.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bob.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return alice.Snapshot().RemoteID == "bob" })

	if err := alice.StartCall(ctx, ""); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	for _, c := range []*session.Coordinator{alice, bob} {
		waitFor(t, func() bool {
			s := c.Snapshot()
			return s.Status == domain.StatusConnected && s.Remote != nil
		})
	}
	waitFor(t, func() bool { return bob.Snapshot().CallStartedBy == "alice" })

	alice.Disconnect()
	waitFor(t, func() bool {
		s := bob.Snapshot()
		return s.Status == domain.StatusDisconnected && s.RemoteID == "" && s.CallEndedBy == "alice"
	})
}

func TestRelay_InitiatorReconnectsWhileConnecting(t *testing.T) {
	// The initiator's socket breaks right after its offer reaches the relay,
	// so the answer arrives while it is away.
	var offers atomic.Int32
	var dropped atomic.Bool
	_, srv := newTestServerWith(t, Options{}, func(s *Server) {
		s.hub.onRoute = func(from *client, msg domain.Message) {
			if msg.Type != domain.MessageOffer {
				return
			}
			offers.Add(1)
			if from.userID == "alice" && dropped.CompareAndSwap(false, true) {
				_ = from.conn.Close()
			}
		}
	})

	var aliceDials, bobDials atomic.Int32
	alice, bob := newCoordinator(t, srv, "alice", &aliceDials), newCoordinator(t, srv, "bob", &bobDials)
	ctx := context.Background()
	if err := alice.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bob.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return alice.Snapshot().RemoteID == "bob" })

	if err := alice.StartCall(ctx, ""); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	for _, c := range []*session.Coordinator{alice, bob} {
		waitFor(t, func() bool {
			s := c.Snapshot()
			return s.Status == domain.StatusConnected && s.Remote != nil
		})
	}
	if !dropped.Load() {
		t.Fatal("expected the initiator's socket to be dropped")
	}

	time.Sleep(200 * time.Millisecond)
	if n := aliceDials.Load(); n != 2 {
		t.Errorf("expected one redial by alice, got %d dials", n)
	}
	if n := bobDials.Load(); n != 1 {
		t.Errorf("expected bob to keep the first socket, got %d dials", n)
	}
	if n := offers.Load(); n != 1 {
		t.Errorf("expected exactly one offer, got %d", n)
	}
	for name, c := range map[string]*session.Coordinator{"alice": alice, "bob": bob} {
		if snap := c.Snapshot(); snap.Status != domain.StatusConnected || snap.RemoteID == "" || snap.CallEndedBy != "" {
			t.Errorf("%s: expected the call to survive the reconnect, got %+v", name, snap)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
