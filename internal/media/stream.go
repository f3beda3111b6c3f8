package media

import (
	"context"

	"github.com/peerlearn/callcore/internal/domain"
)

// Devices opens local capture sources.
type Devices interface {
	// UserMedia captures the camera and/or microphone.
	UserMedia(ctx context.Context, c domain.Constraints) (*Stream, error)
	// DisplayMedia captures the screen. The returned stream has one video track.
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// Stream is the set of tracks produced by one capture.
type Stream struct {
	ID     string
	Tracks []domain.LocalTrack
}

// NewStream groups tracks under id.
func NewStream(id string, tracks ...domain.LocalTrack) *Stream {
	return &Stream{ID: id, Tracks: tracks}
}

// AudioTracks returns the audio tracks of the stream.
func (s *Stream) AudioTracks() []domain.LocalTrack {
	return s.byKind(domain.KindAudio)
}

// VideoTracks returns the video tracks of the stream.
func (s *Stream) VideoTracks() []domain.LocalTrack {
	return s.byKind(domain.KindVideo)
}

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks {
		t.Stop()
	}
}

func (s *Stream) byKind(k domain.TrackKind) []domain.LocalTrack {
	var out []domain.LocalTrack
	for _, t := range s.Tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) without(k domain.TrackKind) []domain.LocalTrack {
	var out []domain.LocalTrack
	for _, t := range s.Tracks {
		if t.Kind() != k {
			out = append(out, t)
		}
	}
	return out
}
