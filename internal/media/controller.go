package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/domain"
)

const reacquireTimeout = 10 * time.Second

// Controller owns the local captures and the outgoing video sender. All
// video-sender mutation happens under mu.
type Controller struct {
	devices     Devices
	constraints domain.Constraints
	log         zerolog.Logger

	mu       sync.Mutex
	camera   *Stream
	display  *Stream
	sender   domain.Sender
	state    domain.MediaState
	epoch    uint64
	onChange func(domain.MediaState)
}

// NewController creates a controller that captures through devices with the
// given constraints.
func NewController(devices Devices, constraints domain.Constraints, log zerolog.Logger) *Controller {
	return &Controller{
		devices:     devices,
		constraints: constraints,
		log:         log,
	}
}

// OnChange registers fn to be called after every media state change.
func (c *Controller) OnChange(fn func(domain.MediaState)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// State returns the current media state.
func (c *Controller) State() domain.MediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Acquire captures the camera and microphone. If a capture already exists it
// is returned unchanged. A capture completing after ctx is cancelled or after
// ReleaseAll is stopped and discarded.
func (c *Controller) Acquire(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	if c.camera != nil {
		s := c.camera
		c.mu.Unlock()
		return s, nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	s, err := c.devices.UserMedia(ctx, c.constraints)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := ctx.Err(); err != nil || c.epoch != epoch || c.camera != nil {
		c.mu.Unlock()
		s.Stop()
		if err == nil {
			err = fmt.Errorf("%w: released during acquisition", domain.ErrNoLocalMedia)
		}
		return nil, err
	}
	c.camera = s
	c.state = domain.MediaState{}
	c.mu.Unlock()

	c.log.Info().
		Int("audio", len(s.AudioTracks())).
		Int("video", len(s.VideoTracks())).
		Msg("local media acquired")
	return s, nil
}

// OutgoingTracks returns the tracks to attach to a new peer connection: every
// audio track and the track currently feeding the video sender.
func (c *Controller) OutgoingTracks() []domain.LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.camera == nil {
		return nil
	}
	tracks := c.camera.AudioTracks()
	if v := c.videoFeedLocked(); v != nil {
		tracks = append(tracks, v)
	}
	return tracks
}

// BindVideoSender records the sender carrying outgoing video. Nil unbinds.
func (c *Controller) BindVideoSender(s domain.Sender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

// ToggleMute flips every audio track and reports whether audio is now muted.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	if c.camera == nil {
		c.mu.Unlock()
		return false, domain.ErrNoLocalMedia
	}
	muted := !c.state.Muted
	for _, t := range c.camera.AudioTracks() {
		t.SetEnabled(!muted)
	}
	c.state.Muted = muted
	notify := c.changedLocked()
	c.mu.Unlock()

	notify()
	c.log.Debug().Bool("muted", muted).Msg("toggled mute")
	return muted, nil
}

// ToggleVideo flips the track currently feeding the video sender and reports
// whether video is now off.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	v := c.videoFeedLocked()
	if v == nil {
		c.mu.Unlock()
		return false, domain.ErrNoLocalMedia
	}
	off := !c.state.VideoOff
	v.SetEnabled(!off)
	c.state.VideoOff = off
	notify := c.changedLocked()
	c.mu.Unlock()

	notify()
	c.log.Debug().Bool("video_off", off).Msg("toggled video")
	return off, nil
}

// StartScreenShare captures the display and swaps it into the video sender
// in place. The camera video track is stopped. Starting while already
// sharing returns the current display capture.
func (c *Controller) StartScreenShare(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	if c.camera == nil {
		c.mu.Unlock()
		return nil, domain.ErrNoLocalMedia
	}
	if c.display != nil {
		s := c.display
		c.mu.Unlock()
		return s, nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	display, err := c.devices.DisplayMedia(ctx)
	if err != nil {
		return nil, err
	}
	videos := display.VideoTracks()
	if len(videos) == 0 {
		display.Stop()
		return nil, fmt.Errorf("%w: display capture has no video", domain.ErrDeviceUnavailable)
	}
	screen := videos[0]

	c.mu.Lock()
	if err := ctx.Err(); err != nil || c.epoch != epoch || c.display != nil || c.camera == nil {
		c.mu.Unlock()
		display.Stop()
		if err == nil {
			err = fmt.Errorf("%w: media changed during display capture", domain.ErrNoLocalMedia)
		}
		return nil, err
	}
	if c.sender != nil {
		if err := c.sender.ReplaceTrack(screen); err != nil {
			c.mu.Unlock()
			display.Stop()
			return nil, fmt.Errorf("swap in display track: %w", err)
		}
	}
	for _, t := range c.camera.VideoTracks() {
		t.Stop()
	}
	c.camera.Tracks = c.camera.without(domain.KindVideo)
	c.display = display
	c.state.ScreenSharing = true
	c.state.VideoOff = false
	notify := c.changedLocked()
	c.mu.Unlock()

	screen.OnEnded(func() {
		c.log.Info().Msg("display capture ended by the system")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), reacquireTimeout)
			defer cancel()
			if err := c.stopScreenShare(ctx, display); err != nil {
				c.log.Error().Err(err).Msg("stop screen share after capture ended")
			}
		}()
	})

	notify()
	c.log.Info().Msg("screen share started")
	return display, nil
}

// StopScreenShare stops the display capture and swaps a freshly acquired
// camera video track back into the sender. It is a no-op when not sharing.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	c.mu.Lock()
	display := c.display
	c.mu.Unlock()
	if display == nil {
		return nil
	}
	return c.stopScreenShare(ctx, display)
}

func (c *Controller) stopScreenShare(ctx context.Context, display *Stream) error {
	c.mu.Lock()
	if c.display != display {
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	cam, camErr := c.devices.UserMedia(ctx, c.constraints.VideoOnly())

	c.mu.Lock()
	if c.display != display || c.epoch != epoch {
		c.mu.Unlock()
		if cam != nil {
			cam.Stop()
		}
		return nil
	}

	var video domain.LocalTrack
	if camErr == nil {
		if vs := cam.VideoTracks(); len(vs) > 0 {
			video = vs[0]
		} else {
			camErr = fmt.Errorf("%w: camera capture has no video", domain.ErrDeviceUnavailable)
		}
	}

	if video != nil {
		video.SetEnabled(true)
		if c.sender != nil {
			if err := c.sender.ReplaceTrack(video); err != nil {
				c.mu.Unlock()
				cam.Stop()
				return fmt.Errorf("swap in camera track: %w", err)
			}
		}
		c.camera.Tracks = append(c.camera.Tracks, video)
		c.state.VideoOff = false
	} else {
		// Without a camera the sender goes dark rather than keep showing the screen.
		if cam != nil {
			cam.Stop()
		}
		if c.sender != nil {
			_ = c.sender.ReplaceTrack(nil)
		}
		c.state.VideoOff = true
	}
	display.Stop()
	c.display = nil
	c.state.ScreenSharing = false
	notify := c.changedLocked()
	c.mu.Unlock()

	notify()
	if camErr != nil {
		return fmt.Errorf("reacquire camera: %w", camErr)
	}
	c.log.Info().Msg("screen share stopped")
	return nil
}

// ReleaseAll stops every track of every capture. It is idempotent.
func (c *Controller) ReleaseAll() {
	c.mu.Lock()
	c.epoch++
	camera, display := c.camera, c.display
	c.camera, c.display, c.sender = nil, nil, nil
	if camera == nil && display == nil {
		c.mu.Unlock()
		return
	}
	c.state = domain.MediaState{}
	notify := c.changedLocked()
	c.mu.Unlock()

	if camera != nil {
		camera.Stop()
	}
	if display != nil {
		display.Stop()
	}
	notify()
	c.log.Info().Msg("local media released")
}

// videoFeedLocked returns the track feeding the video sender, or nil.
func (c *Controller) videoFeedLocked() domain.LocalTrack {
	if c.display != nil {
		if vs := c.display.VideoTracks(); len(vs) > 0 {
			return vs[0]
		}
	}
	if c.camera != nil {
		if vs := c.camera.VideoTracks(); len(vs) > 0 {
			return vs[0]
		}
	}
	return nil
}

func (c *Controller) changedLocked() func() {
	fn, state := c.onChange, c.state
	if fn == nil {
		return func() {}
	}
	return func() { fn(state) }
}
