package media_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/domain"
	"github.com/peerlearn/callcore/internal/media"
	"github.com/peerlearn/callcore/internal/media/mediatest"
)

func newController(t *testing.T, devices *mediatest.Devices) *media.Controller {
	t.Helper()
	c := media.NewController(devices, domain.DefaultConstraints(), zerolog.Nop())
	if _, err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return c
}

// bind attaches a fake sender fed by the current outgoing video track.
func bind(t *testing.T, c *media.Controller) *mediatest.Sender {
	t.Helper()
	var video domain.LocalTrack
	for _, tr := range c.OutgoingTracks() {
		if tr.Kind() == domain.KindVideo {
			video = tr
		}
	}
	if video == nil {
		t.Fatal("no outgoing video track")
	}
	s := mediatest.NewSender(video)
	c.BindVideoSender(s)
	return s
}

func TestAcquire_DefaultConstraints(t *testing.T) {
	devices := &mediatest.Devices{}
	c := newController(t, devices)

	tracks := c.OutgoingTracks()
	if len(tracks) != 2 {
		t.Fatalf("expected audio and video tracks, got %d", len(tracks))
	}
	if c.State() != (domain.MediaState{}) {
		t.Errorf("expected zero media state, got %+v", c.State())
	}
}

func TestAcquire_PropagatesDeviceErrors(t *testing.T) {
	devices := &mediatest.Devices{UserErr: domain.ErrMediaAccessDenied}
	c := media.NewController(devices, domain.DefaultConstraints(), zerolog.Nop())

	_, err := c.Acquire(context.Background())
	if !errors.Is(err, domain.ErrMediaAccessDenied) {
		t.Fatalf("expected ErrMediaAccessDenied, got %v", err)
	}
	if _, err := c.ToggleMute(); !errors.Is(err, domain.ErrNoLocalMedia) {
		t.Errorf("expected ErrNoLocalMedia before acquisition, got %v", err)
	}
}

func TestAcquire_ReleasesLateCaptureAfterCancel(t *testing.T) {
	devices := &mediatest.Devices{Gate: make(chan struct{})}
	c := media.NewController(devices, domain.DefaultConstraints(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after cancel")
	}
	if live := devices.Live(); len(live) != 0 {
		t.Errorf("expected late capture to be released, %d tracks live", len(live))
	}
}

func TestToggleMute_StrictAlternation(t *testing.T) {
	c := newController(t, &mediatest.Devices{})

	for i, want := range []bool{true, false, true, false} {
		got, err := c.ToggleMute()
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("toggle %d: expected muted=%v, got %v", i, want, got)
		}
		for _, tr := range c.OutgoingTracks() {
			if tr.Kind() == domain.KindAudio && tr.Enabled() == got {
				t.Fatalf("toggle %d: audio enabled=%v while muted=%v", i, tr.Enabled(), got)
			}
		}
	}
}

func TestToggleVideo_KeepsDeviceOpen(t *testing.T) {
	devices := &mediatest.Devices{}
	c := newController(t, devices)

	off, err := c.ToggleVideo()
	if err != nil || !off {
		t.Fatalf("expected video off, got %v, %v", off, err)
	}
	if len(devices.Live()) != 2 {
		t.Error("toggling video must not stop the camera")
	}
	if off, _ := c.ToggleVideo(); off {
		t.Error("expected video back on")
	}
}

func TestScreenShare_StartStopRestoresCamera(t *testing.T) {
	devices := &mediatest.Devices{}
	c := newController(t, devices)
	sender := bind(t, c)
	camera := sender.Feeding()

	if _, err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start share: %v", err)
	}
	if !c.State().ScreenSharing {
		t.Fatal("expected screen sharing")
	}
	screen := devices.Screens[0]
	if sender.Feeding() != domain.LocalTrack(screen) {
		t.Fatal("expected sender fed by the screen")
	}
	if !camera.Stopped() {
		t.Error("camera video must be stopped while sharing")
	}

	if err := c.StopScreenShare(context.Background()); err != nil {
		t.Fatalf("stop share: %v", err)
	}
	st := c.State()
	if st.ScreenSharing || st.VideoOff {
		t.Errorf("unexpected state after stop: %+v", st)
	}
	if !screen.Stopped() {
		t.Error("screen track must be stopped")
	}

	var videos []domain.LocalTrack
	for _, tr := range c.OutgoingTracks() {
		if tr.Kind() == domain.KindVideo {
			videos = append(videos, tr)
		}
	}
	if len(videos) != 1 || !videos[0].Enabled() || videos[0].Stopped() {
		t.Fatalf("expected exactly one live enabled video track, got %d", len(videos))
	}
	if sender.Feeding() != videos[0] {
		t.Error("expected sender fed by the new camera track")
	}
	if len(sender.Replaced) != 2 {
		t.Errorf("expected two in-place swaps, got %d", len(sender.Replaced))
	}

	// Camera video, screen and the replacement camera video; only mic and
	// the replacement remain live.
	if live := devices.Live(); len(live) != 2 {
		t.Errorf("expected 2 live tracks, got %d", len(live))
	}
}

func TestScreenShare_ToggleVideoActsOnScreen(t *testing.T) {
	devices := &mediatest.Devices{}
	c := newController(t, devices)
	bind(t, c)

	if _, err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start share: %v", err)
	}
	if off, err := c.ToggleVideo(); err != nil || !off {
		t.Fatalf("expected video off, got %v, %v", off, err)
	}
	if devices.Screens[0].Enabled() {
		t.Error("expected screen track disabled")
	}
}

func TestScreenShare_EndedBySystemStopsShare(t *testing.T) {
	devices := &mediatest.Devices{}
	c := newController(t, devices)
	sender := bind(t, c)

	changes := make(chan domain.MediaState, 8)
	c.OnChange(func(s domain.MediaState) { changes <- s })

	if _, err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start share: %v", err)
	}
	<-changes

	devices.Screens[0].End()

	select {
	case st := <-changes:
		if st.ScreenSharing {
			t.Fatalf("expected sharing to stop, got %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("screen share not stopped after capture ended")
	}
	if sender.Feeding() == domain.LocalTrack(devices.Screens[0]) {
		t.Error("sender still fed by the ended screen")
	}
}

func TestScreenShare_DeniedLeavesCamera(t *testing.T) {
	devices := &mediatest.Devices{DisplayErr: domain.ErrMediaAccessDenied}
	c := newController(t, devices)
	sender := bind(t, c)
	camera := sender.Feeding()

	if _, err := c.StartScreenShare(context.Background()); !errors.Is(err, domain.ErrMediaAccessDenied) {
		t.Fatalf("expected ErrMediaAccessDenied, got %v", err)
	}
	if c.State().ScreenSharing || camera.Stopped() || sender.Feeding() != camera {
		t.Error("denied share must leave the camera untouched")
	}
}

func TestScreenShare_StopWithoutCameraGoesDark(t *testing.T) {
	devices := &mediatest.Devices{}
	c := newController(t, devices)
	sender := bind(t, c)

	if _, err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start share: %v", err)
	}
	devices.UserErr = domain.ErrDeviceUnavailable

	err := c.StopScreenShare(context.Background())
	if !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	st := c.State()
	if st.ScreenSharing || !st.VideoOff {
		t.Errorf("expected sharing off and video off, got %+v", st)
	}
	if sender.Feeding() != nil {
		t.Error("expected sender to stop sending")
	}
}

func TestReleaseAll_Idempotent(t *testing.T) {
	devices := &mediatest.Devices{}
	c := newController(t, devices)
	bind(t, c)
	if _, err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start share: %v", err)
	}

	c.ReleaseAll()
	c.ReleaseAll()

	if live := devices.Live(); len(live) != 0 {
		t.Errorf("expected every track stopped, %d live", len(live))
	}
	if c.State() != (domain.MediaState{}) {
		t.Errorf("expected reset state, got %+v", c.State())
	}
	if tracks := c.OutgoingTracks(); tracks != nil {
		t.Errorf("expected no outgoing tracks, got %d", len(tracks))
	}
}
