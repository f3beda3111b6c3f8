package webrtc

import (
	"errors"
	"strings"
	"testing"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/domain"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(FactoryOptions{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	return f
}

func newTestPeer(t *testing.T, f *Factory) domain.Peer {
	t.Helper()
	p, err := f.NewPeer(domain.PeerEvents{})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newVideoTrack(t *testing.T) *LocalTrack {
	t.Helper()
	track, err := NewLocalTrack(domain.KindVideo, pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000}, "video", "local", nil)
	if err != nil {
		t.Fatalf("new local track: %v", err)
	}
	return track
}

func TestNewFactory_RejectsTURN(t *testing.T) {
	_, err := NewFactory(FactoryOptions{STUNServers: []string{"turn:turn.example.com:3478"}, Logger: zerolog.Nop()})
	if err == nil {
		t.Fatal("expected error for turn server")
	}

	if _, err := NewFactory(FactoryOptions{STUNServers: []string{"stun:stun.l.google.com:19302"}, Logger: zerolog.Nop()}); err != nil {
		t.Fatalf("unexpected error for stun server: %v", err)
	}
}

func TestPeer_OfferAnswer(t *testing.T) {
	f := newTestFactory(t)
	caller := newTestPeer(t, f)
	callee := newTestPeer(t, f)

	if _, err := caller.AddTrack(newVideoTrack(t)); err != nil {
		t.Fatalf("add track: %v", err)
	}

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if offer.Type != "offer" {
		t.Errorf("expected offer type, got %q", offer.Type)
	}
	if !strings.Contains(offer.SDP, "m=video") {
		t.Error("expected video section in offer")
	}

	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("callee set remote: %v", err)
	}
	answer, err := callee.CreateAnswer()
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if answer.Type != "answer" {
		t.Errorf("expected answer type, got %q", answer.Type)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatalf("caller set remote: %v", err)
	}
}

func TestPeer_RejectsUnknownSDPType(t *testing.T) {
	p := newTestPeer(t, newTestFactory(t))
	if err := p.SetRemoteDescription(domain.SDPPayload{Type: "bogus", SDP: "v=0"}); err == nil {
		t.Fatal("expected error for unknown sdp type")
	}
}

type foreignTrack struct{ domain.LocalTrack }

func (foreignTrack) Kind() domain.TrackKind { return domain.KindAudio }

func TestPeer_AddTrackRejectsForeignTrack(t *testing.T) {
	p := newTestPeer(t, newTestFactory(t))
	_, err := p.AddTrack(foreignTrack{})
	if !errors.Is(err, errForeignTrack) {
		t.Fatalf("expected errForeignTrack, got %v", err)
	}
}

func TestSender_ReplaceTrack(t *testing.T) {
	p := newTestPeer(t, newTestFactory(t))
	s, err := p.AddTrack(newVideoTrack(t))
	if err != nil {
		t.Fatalf("add track: %v", err)
	}

	screen, err := NewLocalTrack(domain.KindVideo, pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000}, "screen", "local", nil)
	if err != nil {
		t.Fatalf("new screen track: %v", err)
	}
	if err := s.ReplaceTrack(screen); err != nil {
		t.Fatalf("replace track: %v", err)
	}
	if err := s.ReplaceTrack(nil); err != nil {
		t.Fatalf("replace with nil: %v", err)
	}
}

func TestTransportState(t *testing.T) {
	tests := []struct {
		in   pion.PeerConnectionState
		want domain.TransportState
	}{
		{pion.PeerConnectionStateNew, domain.TransportNew},
		{pion.PeerConnectionStateConnecting, domain.TransportConnecting},
		{pion.PeerConnectionStateConnected, domain.TransportConnected},
		{pion.PeerConnectionStateDisconnected, domain.TransportDisconnected},
		{pion.PeerConnectionStateFailed, domain.TransportFailed},
		{pion.PeerConnectionStateClosed, domain.TransportClosed},
	}
	for _, tt := range tests {
		if got := transportState(tt.in); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	if !isLoopback("candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host") {
		t.Error("expected ipv4 loopback to match")
	}
	if isLoopback("candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host") {
		t.Error("expected lan address not to match")
	}
}
