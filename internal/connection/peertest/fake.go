// Package peertest provides in-memory peer connections for tests. Peers from
// any Factory negotiate with each other through the SDP they exchange: once
// both sides hold a local and a remote description the pair reports
// connected and each side receives the other's tracks.
package peertest

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/peerlearn/callcore/internal/domain"
)

var errNoRemoteDescription = errors.New("remote description not set")

var (
	registryMu sync.Mutex
	registry   = map[string]*Peer{}
	nextID     atomic.Uint64
)

// Factory creates fake peers.
type Factory struct {
	// Err fails every NewPeer call when set.
	Err error

	mu    sync.Mutex
	peers []*Peer
}

func (f *Factory) NewPeer(events domain.PeerEvents) (domain.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	p := &Peer{
		id:     fmt.Sprintf("peer-%d", nextID.Add(1)),
		events: events,
		done:   make(chan struct{}),
	}
	f.peers = append(f.peers, p)

	registryMu.Lock()
	registry[p.id] = p
	registryMu.Unlock()
	return p, nil
}

// Peers returns every peer created so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recent peer, or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Peer is an in-memory domain.Peer.
type Peer struct {
	id     string
	events domain.PeerEvents
	done   chan struct{}

	// Failure injection; set before the corresponding call.
	SetRemoteErr    error
	CreateAnswerErr error
	AddCandidateErr error

	mu        sync.Mutex
	local     *domain.SDPPayload
	remote    *domain.SDPPayload
	tracks    []domain.LocalTrack
	applied   []domain.ICECandidatePayload
	closed    bool
	connected bool
}

func (p *Peer) AddTrack(t domain.LocalTrack) (domain.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("peer closed")
	}
	p.tracks = append(p.tracks, t)
	return &Sender{current: t}, nil
}

func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	return p.setLocal("offer")
}

func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	if p.CreateAnswerErr != nil {
		return domain.SDPPayload{}, p.CreateAnswerErr
	}
	p.mu.Lock()
	hasRemote := p.remote != nil && p.remote.Type == "offer"
	p.mu.Unlock()
	if !hasRemote {
		return domain.SDPPayload{}, errors.New("create answer without a remote offer")
	}
	return p.setLocal("answer")
}

func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	if p.SetRemoteErr != nil {
		return p.SetRemoteErr
	}
	if !strings.HasPrefix(sdp.SDP, "v=0") {
		return fmt.Errorf("malformed sdp %q", sdp.SDP)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("peer closed")
	}
	p.remote = &sdp
	p.mu.Unlock()
	p.tryConnect()
	return nil
}

func (p *Peer) AddICECandidate(c domain.ICECandidatePayload) error {
	if p.AddCandidateErr != nil {
		return p.AddCandidateErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	registryMu.Lock()
	delete(registry, p.id)
	registryMu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Applied returns the remote candidates applied so far, in order.
func (p *Peer) Applied() []domain.ICECandidatePayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ICECandidatePayload(nil), p.applied...)
}

// Tracks returns the local tracks attached to the peer.
func (p *Peer) Tracks() []domain.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LocalTrack(nil), p.tracks...)
}

// RemoteDescription returns the applied remote description, or nil.
func (p *Peer) RemoteDescription() *domain.SDPPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// FireCandidate reports a locally gathered candidate.
func (p *Peer) FireCandidate(c domain.ICECandidatePayload) {
	if p.events.OnICECandidate != nil {
		p.events.OnICECandidate(c)
	}
}

// FireState reports a transport state change.
func (p *Peer) FireState(s domain.TransportState) {
	if p.events.OnStateChange != nil {
		p.events.OnStateChange(s)
	}
}

// FireTrack reports a remote track of the given kind.
func (p *Peer) FireTrack(kind domain.TrackKind) {
	if p.events.OnTrack != nil {
		p.events.OnTrack(&RemoteTrack{id: fmt.Sprintf("%s-%s", p.id, kind), kind: kind, done: p.done})
	}
}

// Candidate builds a host candidate for addr.
func Candidate(addr string) domain.ICECandidatePayload {
	mid := "0"
	var idx uint16
	return domain.ICECandidatePayload{
		Candidate:     fmt.Sprintf("candidate:1 1 udp 2130706431 %s 50000 typ host", addr),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func (p *Peer) setLocal(typ string) (domain.SDPPayload, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.SDPPayload{}, errors.New("peer closed")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\na=peer:%s\r\n", p.id)
	for _, t := range p.tracks {
		fmt.Fprintf(&b, "m=%s\r\n", t.Kind())
	}
	sdp := domain.SDPPayload{Type: typ, SDP: b.String()}
	p.local = &sdp
	n := nextID.Add(1)
	p.mu.Unlock()

	go p.FireCandidate(Candidate(fmt.Sprintf("10.0.%d.%d", n/250, n%250+1)))
	p.tryConnect()
	return sdp, nil
}

// tryConnect links p with the peer named in its remote description once both
// sides hold both descriptions.
func (p *Peer) tryConnect() {
	p.mu.Lock()
	if p.local == nil || p.remote == nil || p.connected || p.closed {
		p.mu.Unlock()
		return
	}
	otherID := peerID(p.remote.SDP)
	p.mu.Unlock()

	registryMu.Lock()
	other := registry[otherID]
	registryMu.Unlock()
	if other == nil {
		return
	}

	first, second := p, other
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	ready := other.local != nil && other.remote != nil &&
		peerID(other.remote.SDP) == p.id && !p.connected && !other.connected
	var pKinds, otherKinds []domain.TrackKind
	if ready {
		p.connected, other.connected = true, true
		pKinds, otherKinds = kinds(p.local.SDP), kinds(other.local.SDP)
	}
	second.mu.Unlock()
	first.mu.Unlock()
	if !ready {
		return
	}

	go p.established(otherKinds)
	go other.established(pKinds)
}

func (p *Peer) established(remoteKinds []domain.TrackKind) {
	p.FireState(domain.TransportConnecting)
	for _, k := range remoteKinds {
		p.FireTrack(k)
	}
	p.FireState(domain.TransportConnected)
}

func peerID(sdp string) string {
	for _, line := range strings.Split(sdp, "\r\n") {
		if id, ok := strings.CutPrefix(line, "a=peer:"); ok {
			return id
		}
	}
	return ""
}

func kinds(sdp string) []domain.TrackKind {
	var out []domain.TrackKind
	for _, line := range strings.Split(sdp, "\r\n") {
		switch line {
		case "m=audio":
			out = append(out, domain.KindAudio)
		case "m=video":
			out = append(out, domain.KindVideo)
		}
	}
	return out
}

// Sender is returned by Peer.AddTrack.
type Sender struct {
	mu      sync.Mutex
	current domain.LocalTrack
}

func (s *Sender) ReplaceTrack(t domain.LocalTrack) error {
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	return nil
}

// Current returns the track feeding the sender.
func (s *Sender) Current() domain.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RemoteTrack is a received track that carries no packets. ReadRTP blocks
// until the owning peer closes.
type RemoteTrack struct {
	id   string
	kind domain.TrackKind
	done chan struct{}
}

func (t *RemoteTrack) ID() string             { return t.id }
func (t *RemoteTrack) StreamID() string       { return "remote" }
func (t *RemoteTrack) Kind() domain.TrackKind { return t.kind }

func (t *RemoteTrack) MimeType() string {
	if t.kind == domain.KindVideo {
		return "video/H264"
	}
	return "audio/opus"
}

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	<-t.done
	return nil, io.EOF
}
