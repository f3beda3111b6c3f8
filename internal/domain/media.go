package domain

import "github.com/pion/rtp"

// MediaState is the observable state of local media.
type MediaState struct {
	Muted         bool `json:"muted"`
	VideoOff      bool `json:"video_off"`
	ScreenSharing bool `json:"screen_sharing"`
}

// TrackKind distinguishes audio and video tracks.
type TrackKind int

const (
	KindAudio TrackKind = iota + 1
	KindVideo
)

func (k TrackKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Constraints describe a local capture request.
type Constraints struct {
	Audio            bool
	Video            bool
	Width            int
	Height           int
	FrameRate        float64
	EchoCancellation bool
	NoiseSuppression bool
	AudioDeviceID    string
	VideoDeviceID    string
}

// DefaultConstraints asks for a 1280x720 camera and a processed microphone.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio:            true,
		Video:            true,
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// VideoOnly returns a copy of c that requests the camera without a microphone.
func (c Constraints) VideoOnly() Constraints {
	c.Audio = false
	c.Video = true
	return c
}

// LocalTrack is a captured local track. Disabling a track keeps the device
// open; stopping it releases the device.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	// OnEnded registers fn to run once when the source ends on its own, for
	// example when the user revokes a screen share from the OS.
	OnEnded(fn func())
}

// RemoteTrack is a track received from the remote participant.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
}

// RemoteStream groups the tracks received from the remote participant.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// VideoTracks returns the remote video tracks.
func (s *RemoteStream) VideoTracks() []RemoteTrack {
	return s.byKind(KindVideo)
}

// AudioTracks returns the remote audio tracks.
func (s *RemoteStream) AudioTracks() []RemoteTrack {
	return s.byKind(KindAudio)
}

func (s *RemoteStream) byKind(k TrackKind) []RemoteTrack {
	var out []RemoteTrack
	for _, t := range s.Tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}
