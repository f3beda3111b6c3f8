package domain

// Signaler is the session-scoped duplex connection to the relay.
type Signaler interface {
	Send(msg Message) error
	Close()
}

// Handler receives signaling events.
type Handler interface {
	// OnMessage is called for each inbound message, in arrival order.
	OnMessage(msg Message)
	// OnClosed is called once when the channel is gone for good and will not
	// reconnect. It is not called after an explicit Close.
	OnClosed(err error)
}

// TransportState is the peer connection state reported by the transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerEvents are the transport callbacks of a Peer. They are invoked from
// transport goroutines and must not block.
type PeerEvents struct {
	OnICECandidate func(ICECandidatePayload)
	OnStateChange  func(TransportState)
	OnTrack        func(RemoteTrack)
}

// Sender is the outgoing side of a negotiated track.
type Sender interface {
	// ReplaceTrack swaps the source feeding the sender without renegotiation.
	// A nil track stops sending.
	ReplaceTrack(t LocalTrack) error
}

// Peer manages one peer connection.
type Peer interface {
	AddTrack(t LocalTrack) (Sender, error)
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (SDPPayload, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddICECandidate(c ICECandidatePayload) error
	Close() error
}

// PeerFactory creates peer connections bound to the configured ICE servers.
type PeerFactory interface {
	NewPeer(events PeerEvents) (Peer, error)
}
