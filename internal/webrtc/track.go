package webrtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"github.com/peerlearn/callcore/internal/domain"
)

// LocalTrack is a captured track that can feed a pion sender. Packets
// written while the track is disabled or stopped are dropped.
type LocalTrack struct {
	rtp     *pion.TrackLocalStaticRTP
	kind    domain.TrackKind
	release func()

	enabled atomic.Bool

	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded []func()
}

// NewLocalTrack creates an enabled track. release runs once when the track is
// stopped and should close the capture source.
func NewLocalTrack(kind domain.TrackKind, codec pion.RTPCodecCapability, id, streamID string, release func()) (*LocalTrack, error) {
	local, err := pion.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{rtp: local, kind: kind, release: release}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string                  { return t.rtp.ID() }
func (t *LocalTrack) Kind() domain.TrackKind      { return t.kind }
func (t *LocalTrack) Enabled() bool               { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool)     { t.enabled.Store(enabled) }
func (t *LocalTrack) TrackLocal() pion.TrackLocal { return t.rtp }

// WriteRTP forwards pkt to every bound sender.
func (t *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	if !t.enabled.Load() || t.Stopped() {
		return nil
	}
	return t.rtp.WriteRTP(pkt)
}

// Stop releases the capture source. It does not fire OnEnded.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	if t.release != nil {
		t.release()
	}
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers fn for when the source ends on its own.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		go fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// End marks the source as finished and runs the OnEnded callbacks once.
// Ending a stopped track is a no-op.
func (t *LocalTrack) End() {
	t.mu.Lock()
	if t.ended || t.stopped {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
