package webrtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/domain"
)

// FactoryOptions configures peer connection creation.
type FactoryOptions struct {
	// STUNServers are stun: URLs. TURN is not supported.
	STUNServers []string
	// RegisterCodecs populates the media engine. Nil registers pion's defaults.
	RegisterCodecs func(m *pion.MediaEngine) error
	// FilterLoopback drops 127.0.0.1 / ::1 candidates before they are signaled.
	FilterLoopback bool
	Logger         zerolog.Logger
}

// Factory creates pion peer connections sharing one API instance.
type Factory struct {
	api            *pion.API
	config         pion.Configuration
	filterLoopback bool
	log            zerolog.Logger
}

// NewFactory registers codecs and interceptors and validates the ICE servers.
func NewFactory(opts FactoryOptions) (*Factory, error) {
	var urls []string
	for _, u := range opts.STUNServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return nil, fmt.Errorf("ice server %q: only stun servers are supported", u)
		}
		urls = append(urls, u)
	}

	m := &pion.MediaEngine{}
	if opts.RegisterCodecs != nil {
		if err := opts.RegisterCodecs(m); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	s := pion.SettingEngine{}
	s.LoggerFactory = newLoggerFactory(opts.Logger)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)

	cfg := pion.Configuration{BundlePolicy: pion.BundlePolicyMaxBundle}
	if len(urls) > 0 {
		cfg.ICEServers = []pion.ICEServer{{URLs: urls}}
	}

	return &Factory{
		api:            api,
		config:         cfg,
		filterLoopback: opts.FilterLoopback,
		log:            opts.Logger,
	}, nil
}

// NewPeer creates a peer connection and wires its callbacks to events.
func (f *Factory) NewPeer(events domain.PeerEvents) (domain.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p := &Peer{pc: pc, log: f.log}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if f.filterLoopback && isLoopback(init.Candidate) {
			p.log.Debug().Msg("filtering loopback ICE candidate")
			return
		}
		if events.OnICECandidate != nil {
			events.OnICECandidate(domain.ICECandidatePayload{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug().Str("ice_state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Info().Str("peer_state", state.String()).Msg("peer connection state")
		if events.OnStateChange != nil {
			events.OnStateChange(transportState(state))
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		p.log.Info().
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Uint8("pt", uint8(codec.PayloadType)).
			Msg("got remote track")
		if events.OnTrack != nil {
			events.OnTrack(&remoteTrack{track: track})
		}
	})

	return p, nil
}

// Peer wraps a pion PeerConnection.
type Peer struct {
	pc  *pion.PeerConnection
	log zerolog.Logger
}

// AddTrack attaches a local track and returns its sender. The track must come
// from this package.
func (p *Peer) AddTrack(t domain.LocalTrack) (domain.Sender, error) {
	local, err := localOf(t)
	if err != nil {
		return nil, err
	}
	s, err := p.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
	}

	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := s.Read(buf); err != nil {
				return
			}
		}
	}()

	return &sender{s: s}, nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP offer set")
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP answer set")
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies a remote offer or answer.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	typ := pion.NewSDPType(sdp.Type)
	if typ == pion.SDPTypeUnknown {
		return fmt.Errorf("unknown sdp type %q", sdp.Type)
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug().Str("type", sdp.Type).Msg("remote SDP set")
	return nil
}

// AddICECandidate applies a remote candidate.
func (p *Peer) AddICECandidate(c domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

type sender struct {
	s *pion.RTPSender
}

func (s *sender) ReplaceTrack(t domain.LocalTrack) error {
	if t == nil {
		return s.s.ReplaceTrack(nil)
	}
	local, err := localOf(t)
	if err != nil {
		return err
	}
	if err := s.s.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	return nil
}

// pionTrack is implemented by tracks that can feed a pion sender.
type pionTrack interface {
	TrackLocal() pion.TrackLocal
}

var errForeignTrack = errors.New("track cannot feed a pion sender")

func localOf(t domain.LocalTrack) (pion.TrackLocal, error) {
	pt, ok := t.(pionTrack)
	if !ok || pt.TrackLocal() == nil {
		return nil, fmt.Errorf("%w: %T", errForeignTrack, t)
	}
	return pt.TrackLocal(), nil
}

type remoteTrack struct {
	track *pion.TrackRemote
}

func (r *remoteTrack) ID() string       { return r.track.ID() }
func (r *remoteTrack) StreamID() string { return r.track.StreamID() }
func (r *remoteTrack) MimeType() string { return r.track.Codec().MimeType }

func (r *remoteTrack) Kind() domain.TrackKind {
	if r.track.Kind() == pion.RTPCodecTypeVideo {
		return domain.KindVideo
	}
	return domain.KindAudio
}

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

func transportState(s pion.PeerConnectionState) domain.TransportState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case pion.PeerConnectionStateConnected:
		return domain.TransportConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.TransportFailed
	case pion.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
