package connection

import "github.com/peerlearn/callcore/internal/domain"

// Event is a transport callback captured on a peer goroutine. The owner of
// the Manager posts it back to the goroutine driving the Manager, which
// applies it with Handle.
type Event interface {
	generation() uint64
}

type candidateEvent struct {
	gen       uint64
	candidate domain.ICECandidatePayload
}

type stateEvent struct {
	gen   uint64
	state domain.TransportState
}

type trackEvent struct {
	gen   uint64
	track domain.RemoteTrack
}

type graceEvent struct {
	gen uint64
	seq uint64
}

func (e candidateEvent) generation() uint64 { return e.gen }
func (e stateEvent) generation() uint64     { return e.gen }
func (e trackEvent) generation() uint64     { return e.gen }
func (e graceEvent) generation() uint64     { return e.gen }
