// Package device captures local media through pion/mediadevices. It needs
// the x264 and opus C libraries.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	// Register capture drivers.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"github.com/peerlearn/callcore/internal/domain"
	"github.com/peerlearn/callcore/internal/media"
	"github.com/peerlearn/callcore/internal/webrtc"
)

const rtpMTU = 1200

var (
	videoCodec = pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000}
	audioCodec = pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// Backend implements media.Devices on top of the OS capture drivers.
type Backend struct {
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

// New configures the H264 and opus encoders.
func New(log zerolog.Logger) (*Backend, error) {
	x264Params, err := x264.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create x264 params: %w", err)
	}
	x264Params.BitRate = 1_000_000
	x264Params.KeyFrameInterval = 60
	x264Params.Preset = x264.PresetVeryfast

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	log.Debug().
		Int("video_bitrate", x264Params.BitRate).
		Int("audio_bitrate", opusParams.BitRate).
		Msg("encoders configured")

	return &Backend{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&x264Params),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log,
	}, nil
}

// RegisterCodecs registers the encoders with a media engine. It is meant for
// webrtc.FactoryOptions.RegisterCodecs.
func (b *Backend) RegisterCodecs(m *pion.MediaEngine) error {
	b.selector.Populate(m)
	return nil
}

// UserMedia captures the camera and microphone.
func (b *Backend) UserMedia(ctx context.Context, c domain.Constraints) (*media.Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no audio or video requested", domain.ErrDeviceUnavailable)
	}
	if err := b.checkDevices(c); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: b.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if c.VideoDeviceID != "" {
				mc.DeviceID = prop.String(c.VideoDeviceID)
			}
			if c.Width > 0 && c.Height > 0 {
				mc.Width = prop.Int(c.Width)
				mc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if c.AudioDeviceID != "" {
				mc.DeviceID = prop.String(c.AudioDeviceID)
			}
			mc.SampleRate = prop.Int(48000)
			mc.ChannelCount = prop.Int(1)
		}
	}

	return b.capture(ctx, "user", func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
}

// DisplayMedia captures the primary screen.
func (b *Backend) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: b.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	}
	return b.capture(ctx, "display", func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(constraints)
	})
}

func (b *Backend) checkDevices(c domain.Constraints) error {
	var cameras, mics int
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			cameras++
		case mediadevices.AudioInput:
			mics++
		}
	}
	if c.Video && cameras == 0 {
		return fmt.Errorf("%w: no camera found", domain.ErrDeviceUnavailable)
	}
	if c.Audio && mics == 0 {
		return fmt.Errorf("%w: no microphone found", domain.ErrDeviceUnavailable)
	}
	return nil
}

type captureResult struct {
	stream mediadevices.MediaStream
	err    error
}

// capture runs get, which cannot be interrupted, and gives up when ctx ends.
// A stream arriving after that is closed.
func (b *Backend) capture(ctx context.Context, name string, get func() (mediadevices.MediaStream, error)) (*media.Stream, error) {
	ch := make(chan captureResult, 1)
	go func() {
		s, err := get()
		ch <- captureResult{stream: s, err: err}
	}()

	var r captureResult
	select {
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.err == nil {
				closeTracks(late.stream.GetTracks())
				b.log.Debug().Str("capture", name).Msg("released capture completed after cancel")
			}
		}()
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return nil, classify(r.err)
	}

	sources := r.stream.GetTracks()
	stream := media.NewStream(fmt.Sprintf("%s-%08x", name, rand.Uint32()))
	for _, src := range sources {
		t, err := b.wrap(src, stream.ID)
		if err != nil {
			stream.Stop()
			closeTracks(sources)
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	b.log.Info().Str("capture", name).Int("tracks", len(stream.Tracks)).Msg("capture started")
	return stream, nil
}

// wrap exposes a mediadevices track as a pion local track fed by an RTP pump.
func (b *Backend) wrap(src mediadevices.Track, streamID string) (*webrtc.LocalTrack, error) {
	kind, codec := domain.KindAudio, audioCodec
	if src.Kind() == pion.RTPCodecTypeVideo {
		kind, codec = domain.KindVideo, videoCodec
	}

	reader, err := src.NewRTPReader(codec.MimeType, rand.Uint32(), rtpMTU)
	if err != nil {
		return nil, fmt.Errorf("create %s rtp reader: %w", kind, err)
	}

	local, err := webrtc.NewLocalTrack(kind, codec, src.ID(), streamID, func() {
		_ = reader.Close()
		_ = src.Close()
	})
	if err != nil {
		_ = reader.Close()
		return nil, err
	}

	src.OnEnded(func(err error) {
		if err != nil && !errors.Is(err, io.EOF) {
			b.log.Warn().Err(err).Str("track", src.ID()).Msg("capture source ended")
		}
		local.End()
	})

	go func() {
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				if !local.Stopped() {
					local.End()
				}
				return
			}
			for _, pkt := range pkts {
				if err := local.WriteRTP(pkt); err != nil {
					b.log.Debug().Err(err).Str("track", src.ID()).Msg("write rtp")
				}
			}
			release()
		}
	}()

	return local, nil
}

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed") {
		return fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
}
