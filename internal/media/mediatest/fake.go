// Package mediatest provides in-memory capture devices for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/peerlearn/callcore/internal/domain"
	"github.com/peerlearn/callcore/internal/media"
)

// Track is an in-memory domain.LocalTrack.
type Track struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
	ended   bool
	onEnded []func()
}

// NewTrack returns an enabled track.
func NewTrack(id string, kind domain.TrackKind) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// End simulates the source ending on its own.
func (t *Track) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Devices hands out fake captures and records every track it created.
type Devices struct {
	// UserErr and DisplayErr fail the next captures when set.
	UserErr    error
	DisplayErr error
	// Gate, when non-nil, blocks captures until it is closed or ctx ends.
	// The capture still completes after ctx ends so late releases can be
	// observed.
	Gate chan struct{}

	mu      sync.Mutex
	n       int
	tracks  []*Track
	Screens []*Track
}

func (d *Devices) UserMedia(ctx context.Context, c domain.Constraints) (*media.Stream, error) {
	d.wait(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UserErr != nil {
		return nil, d.UserErr
	}

	d.n++
	s := media.NewStream(fmt.Sprintf("user-%d", d.n))
	if c.Audio {
		s.Tracks = append(s.Tracks, d.newTrackLocked("mic", domain.KindAudio))
	}
	if c.Video {
		s.Tracks = append(s.Tracks, d.newTrackLocked("camera", domain.KindVideo))
	}
	return s, nil
}

func (d *Devices) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	d.wait(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}

	d.n++
	screen := d.newTrackLocked("screen", domain.KindVideo)
	d.Screens = append(d.Screens, screen)
	return media.NewStream(fmt.Sprintf("display-%d", d.n), screen), nil
}

// Tracks returns every track created so far.
func (d *Devices) Tracks() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.tracks...)
}

// Live returns the tracks that have not been stopped.
func (d *Devices) Live() []*Track {
	var live []*Track
	for _, t := range d.Tracks() {
		if !t.Stopped() {
			live = append(live, t)
		}
	}
	return live
}

func (d *Devices) wait(ctx context.Context) {
	if d.Gate == nil {
		return
	}
	select {
	case <-d.Gate:
	case <-ctx.Done():
	}
}

func (d *Devices) newTrackLocked(prefix string, kind domain.TrackKind) *Track {
	t := NewTrack(fmt.Sprintf("%s-%d", prefix, d.n), kind)
	d.tracks = append(d.tracks, t)
	return t
}

// Sender records the tracks swapped into it.
type Sender struct {
	mu       sync.Mutex
	Current  domain.LocalTrack
	Replaced []domain.LocalTrack
	Err      error
}

// NewSender returns a sender initially fed by t.
func NewSender(t domain.LocalTrack) *Sender {
	return &Sender{Current: t}
}

func (s *Sender) ReplaceTrack(t domain.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Current = t
	s.Replaced = append(s.Replaced, t)
	return nil
}

// Feeding returns the track currently feeding the sender.
func (s *Sender) Feeding() domain.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Current
}
