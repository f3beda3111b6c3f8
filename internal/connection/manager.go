package connection

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/domain"
)

const defaultFailureGrace = 5 * time.Second

// LocalMedia supplies the tracks attached to each new peer connection.
type LocalMedia interface {
	OutgoingTracks() []domain.LocalTrack
	BindVideoSender(s domain.Sender)
}

// Options configures a Manager.
type Options struct {
	Factory domain.PeerFactory
	Media   LocalMedia
	Signal  domain.Signaler
	// Post hands an Event to the goroutine driving the Manager. It is called
	// from transport goroutines and must not block.
	Post func(Event)
	// FailureGrace is how long the transport may stay disconnected before the
	// call is failed.
	FailureGrace time.Duration
	// OnStatus is called after every status change.
	OnStatus func(status domain.ConnectionStatus, err error)
	// OnRemoteStream is called whenever the remote stream gains a track.
	OnRemoteStream func(*domain.RemoteStream)
	Logger         zerolog.Logger
}

// Manager drives one peer connection through negotiation. It is not safe for
// concurrent use; all methods run on the owner's event goroutine.
type Manager struct {
	opts Options
	log  zerolog.Logger

	status domain.ConnectionStatus
	err    error

	peer         domain.Peer
	gen          uint64
	remoteID     string
	remoteDesc   bool
	offerPending bool
	remote       *domain.RemoteStream

	inbound  IceQueue
	outbound IceQueue

	grace    *time.Timer
	graceSeq uint64
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(opts Options) *Manager {
	if opts.FailureGrace <= 0 {
		opts.FailureGrace = defaultFailureGrace
	}
	return &Manager{
		opts:   opts,
		log:    opts.Logger,
		status: domain.StatusDisconnected,
	}
}

// Status returns the connection status.
func (m *Manager) Status() domain.ConnectionStatus { return m.status }

// Err returns the error that moved the manager to Failed, if any.
func (m *Manager) Err() error { return m.err }

// RemoteStream returns the remote stream, or nil before any track arrived.
func (m *Manager) RemoteStream() *domain.RemoteStream { return m.remote }

// RemoteID returns the participant signaling is addressed to.
func (m *Manager) RemoteID() string { return m.remoteID }

// SetRemote sets the participant signaling is addressed to and sends any
// local candidates held while it was unknown.
func (m *Manager) SetRemote(userID string) {
	m.remoteID = userID
	if userID == "" {
		return
	}
	for _, c := range m.outbound.Drain() {
		m.sendCandidate(c)
	}
}

// StartCall creates a peer connection and sends an offer to target.
func (m *Manager) StartCall(target string) error {
	if m.status == domain.StatusFailed {
		m.Close()
	}
	if m.status != domain.StatusDisconnected {
		return fmt.Errorf("%w: status is %s", domain.ErrCallInProgress, m.status)
	}
	if target == "" {
		target = m.remoteID
	}
	if target == "" {
		return fmt.Errorf("%w: no remote participant to call", domain.ErrNotConnected)
	}

	if err := m.transition(domain.TriggerStart, nil); err != nil {
		return err
	}
	m.SetRemote(target)

	if err := m.newPeer(); err != nil {
		return m.fail(fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}
	if err := m.attachTracks(); err != nil {
		return m.fail(fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	offer, err := m.peer.CreateOffer()
	if err != nil {
		return m.fail(fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}
	if err := m.sendDescription(offer); err != nil {
		return m.fail(fmt.Errorf("%w: send offer: %v", domain.ErrConnectionFailed, err))
	}
	m.offerPending = true
	m.log.Info().Str("target", target).Msg("offer sent")
	return nil
}

// HandleOffer answers an offer from the remote participant, creating the peer
// connection when none exists.
func (m *Manager) HandleOffer(from string, offer domain.SDPPayload) error {
	if m.offerPending {
		m.log.Warn().Str("from", from).Msg("offer collision, ignoring remote offer")
		return fmt.Errorf("%w: offer from %s while our offer is unanswered", domain.ErrGlare, from)
	}
	if m.status == domain.StatusFailed {
		m.Close()
	}
	if from != "" && m.remoteID == "" {
		m.SetRemote(from)
	}

	created := false
	if m.peer == nil {
		if err := m.transition(domain.TriggerStart, nil); err != nil {
			return err
		}
		if err := m.newPeer(); err != nil {
			return m.fail(fmt.Errorf("%w: %v", domain.ErrOfferHandlingFailed, err))
		}
		created = true
	}

	if err := m.peer.SetRemoteDescription(offer); err != nil {
		return m.fail(fmt.Errorf("%w: %v", domain.ErrOfferHandlingFailed, err))
	}
	m.remoteDesc = true
	m.flushInbound()

	if created {
		if err := m.attachTracks(); err != nil {
			return m.fail(fmt.Errorf("%w: %v", domain.ErrOfferHandlingFailed, err))
		}
	}

	answer, err := m.peer.CreateAnswer()
	if err != nil {
		return m.fail(fmt.Errorf("%w: %v", domain.ErrOfferHandlingFailed, err))
	}
	if err := m.sendDescription(answer); err != nil {
		return m.fail(fmt.Errorf("%w: send answer: %v", domain.ErrOfferHandlingFailed, err))
	}
	m.log.Info().Str("to", m.remoteID).Msg("answer sent")
	return nil
}

// HandleAnswer applies the remote answer to our pending offer. Answers that
// match no pending offer are ignored.
func (m *Manager) HandleAnswer(answer domain.SDPPayload) error {
	if m.peer == nil || !m.offerPending {
		m.log.Debug().Msg("ignoring answer without a pending offer")
		return nil
	}
	if err := m.peer.SetRemoteDescription(answer); err != nil {
		return m.fail(fmt.Errorf("%w: %v", domain.ErrAnswerHandlingFailed, err))
	}
	m.offerPending = false
	m.remoteDesc = true
	m.flushInbound()
	m.log.Info().Msg("answer applied")
	return nil
}

// HandleCandidate applies a remote candidate, or holds it until the remote
// description is set. A rejected candidate does not change the status.
func (m *Manager) HandleCandidate(c domain.ICECandidatePayload) error {
	if m.peer == nil || !m.remoteDesc {
		m.inbound.Push(c)
		m.log.Debug().Int("queued", m.inbound.Len()).Msg("holding remote candidate")
		return nil
	}
	if err := m.peer.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIceApplyFailed, err)
	}
	return nil
}

// Handle applies a transport event posted through Options.Post. Events from
// a closed peer connection are dropped.
func (m *Manager) Handle(ev Event) {
	if m.peer == nil || ev.generation() != m.gen {
		return
	}

	switch e := ev.(type) {
	case candidateEvent:
		if m.remoteID == "" {
			m.outbound.Push(e.candidate)
			return
		}
		m.sendCandidate(e.candidate)

	case stateEvent:
		m.handleTransportState(e.state)

	case trackEvent:
		// A published stream is never mutated; each track yields a new one.
		next := &domain.RemoteStream{ID: e.track.StreamID()}
		if m.remote != nil {
			next.ID = m.remote.ID
			next.Tracks = slices.Clone(m.remote.Tracks)
		}
		next.Tracks = append(next.Tracks, e.track)
		m.remote = next
		m.log.Info().Str("kind", e.track.Kind().String()).Str("codec", e.track.MimeType()).Msg("remote track")
		if m.opts.OnRemoteStream != nil {
			m.opts.OnRemoteStream(m.remote)
		}

	case graceEvent:
		if e.seq != m.graceSeq || !m.active() {
			return
		}
		m.grace = nil
		_ = m.fail(fmt.Errorf("%w: transport disconnected for %v", domain.ErrConnectionFailed, m.opts.FailureGrace))
	}
}

// Close tears down the peer connection and returns to Disconnected. The
// remote participant is kept.
func (m *Manager) Close() {
	m.stopGrace()
	m.closePeer()
	m.err = nil
	m.inbound.Reset()
	m.outbound.Reset()
	if m.status != domain.StatusDisconnected {
		_ = m.transition(domain.TriggerTeardown, nil)
	}
}

func (m *Manager) handleTransportState(s domain.TransportState) {
	m.log.Debug().Str("transport", s.String()).Msg("transport state")

	switch s {
	case domain.TransportConnected:
		m.stopGrace()
		if m.status != domain.StatusConnected {
			_ = m.transition(domain.TriggerTransportConnected, nil)
		}
	case domain.TransportDisconnected:
		m.startGrace()
	case domain.TransportFailed:
		m.stopGrace()
		_ = m.fail(fmt.Errorf("%w: transport failed", domain.ErrConnectionFailed))
	}
}

func (m *Manager) active() bool {
	return m.status == domain.StatusConnecting || m.status == domain.StatusConnected
}

func (m *Manager) newPeer() error {
	m.gen++
	gen := m.gen
	post := m.opts.Post

	peer, err := m.opts.Factory.NewPeer(domain.PeerEvents{
		OnICECandidate: func(c domain.ICECandidatePayload) { post(candidateEvent{gen: gen, candidate: c}) },
		OnStateChange:  func(s domain.TransportState) { post(stateEvent{gen: gen, state: s}) },
		OnTrack:        func(t domain.RemoteTrack) { post(trackEvent{gen: gen, track: t}) },
	})
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	m.peer = peer
	m.remoteDesc = false
	m.offerPending = false
	m.log.Debug().Uint64("gen", gen).Msg("peer connection created")
	return nil
}

func (m *Manager) attachTracks() error {
	tracks := m.opts.Media.OutgoingTracks()
	if len(tracks) == 0 {
		return domain.ErrNoLocalMedia
	}
	for _, t := range tracks {
		s, err := m.peer.AddTrack(t)
		if err != nil {
			return err
		}
		if t.Kind() == domain.KindVideo {
			m.opts.Media.BindVideoSender(s)
		}
	}
	return nil
}

func (m *Manager) closePeer() {
	if m.peer == nil {
		return
	}
	m.opts.Media.BindVideoSender(nil)
	if err := m.peer.Close(); err != nil {
		m.log.Warn().Err(err).Msg("close peer connection")
	}
	m.peer = nil
	m.gen++
	m.remote = nil
	m.remoteDesc = false
	m.offerPending = false
	m.inbound.Reset()
}

func (m *Manager) flushInbound() {
	for _, c := range m.inbound.Drain() {
		if err := m.peer.AddICECandidate(c); err != nil {
			m.log.Warn().Err(err).Msg("apply held remote candidate")
		}
	}
}

func (m *Manager) sendDescription(sdp domain.SDPPayload) error {
	msg, err := domain.NewDescriptionMessage(m.remoteID, sdp)
	if err != nil {
		return err
	}
	return m.opts.Signal.Send(msg)
}

func (m *Manager) sendCandidate(c domain.ICECandidatePayload) {
	msg, err := domain.NewCandidateMessage(m.remoteID, c)
	if err == nil {
		err = m.opts.Signal.Send(msg)
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("send local candidate")
	}
}

func (m *Manager) startGrace() {
	if m.grace != nil {
		return
	}
	m.graceSeq++
	ev := graceEvent{gen: m.gen, seq: m.graceSeq}
	post := m.opts.Post
	m.grace = time.AfterFunc(m.opts.FailureGrace, func() { post(ev) })
	m.log.Debug().Dur("grace", m.opts.FailureGrace).Msg("transport disconnected, waiting")
}

func (m *Manager) stopGrace() {
	if m.grace == nil {
		return
	}
	m.grace.Stop()
	m.grace = nil
	m.graceSeq++
}

// fail moves to Failed, releases the peer connection and returns err.
func (m *Manager) fail(err error) error {
	m.stopGrace()
	m.closePeer()
	if m.status == domain.StatusFailed {
		return err
	}
	if terr := m.transition(domain.TriggerTransportFailed, err); terr != nil {
		return errors.Join(err, terr)
	}
	m.log.Error().Err(err).Msg("call failed")
	return err
}

func (m *Manager) transition(t domain.Trigger, cause error) error {
	next, err := m.status.Next(t)
	if err != nil {
		return err
	}
	m.status = next
	m.err = cause
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(next, cause)
	}
	return nil
}
