package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peerlearn/callcore/internal/config"
	"github.com/peerlearn/callcore/internal/domain"
	"github.com/peerlearn/callcore/internal/logging"
	"github.com/peerlearn/callcore/internal/media"
	"github.com/peerlearn/callcore/internal/media/device"
	"github.com/peerlearn/callcore/internal/session"
	sigclient "github.com/peerlearn/callcore/internal/signal"
	"github.com/peerlearn/callcore/internal/webrtc"
)

const helpText = `callcore - Join a two-party video session over WebRTC

Usage:
  callcore [options]

Captures the local camera and microphone, joins the session through the
relay and negotiates a peer connection with the other participant. When
dump_video is enabled the remote H264 stream is written to stdout.

Environment Variables (required):
  CALLCORE_SESSION_ID  Session to join
  CALLCORE_TOKEN       Relay authentication token

Environment Variables (optional):
  CALLCORE_RELAY_URL   Relay base URL (default ws://localhost:8080)
  CALLCORE_TARGET      Call this participant once connected
  CALLCORE_DUMP_VIDEO  Write remote H264 to stdout (default false)
  CALLCORE_LOG_LEVEL   trace, debug, info, warn or error
  CALLCORE_LOG_FORMAT  console or json
  CALLCORE_CONFIG      Optional YAML config file

Commands (one per line on stdin):
  call [user]  Start a call
  mute         Toggle the microphone
  video        Toggle the camera
  share        Toggle screen sharing
  status       Print the session state
  quit         Leave the session

Examples:
  # Watch the other participant
  CALLCORE_DUMP_VIDEO=true callcore | ffplay -f h264 -

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info")
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel)
	mainLog := logging.For("main")

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Step 1: Configure capture devices and encoders
	devices, err := device.New(logging.For("device"))
	if err != nil {
		mainLog.Fatal().Err(err).Msg("configure devices")
	}

	// Step 2: Create the peer connection factory with the encoder codecs
	peers, err := webrtc.NewFactory(webrtc.FactoryOptions{
		STUNServers:    cfg.STUNServers,
		RegisterCodecs: devices.RegisterCodecs,
		Logger:         logging.For("webrtc"),
	})
	if err != nil {
		mainLog.Fatal().Err(err).Msg("create peer factory")
	}

	// Step 3: Local media controller
	constraints := domain.DefaultConstraints()
	constraints.Width, constraints.Height, constraints.FrameRate = cfg.VideoWidth, cfg.VideoHeight, cfg.FrameRate
	mc := media.NewController(devices, constraints, logging.For("media"))

	// Step 4: Signaling, opened by the coordinator on Connect
	sigOpts := sigclient.Options{
		RelayURL: cfg.RelayURL,
		Reconnect: sigclient.ReconnectPolicy{
			InitialDelay: cfg.ReconnectDelay,
			Multiplier:   cfg.ReconnectMultiplier,
			MaxDelay:     cfg.ReconnectMaxDelay,
			MaxAttempts:  cfg.ReconnectMaxAttempts,
		},
		PingInterval: cfg.PingInterval,
		Logger:       logging.For("signal"),
	}
	dial := func(ctx context.Context, h domain.Handler) (domain.Signaler, error) {
		c, err := sigclient.Open(ctx, sigOpts, cfg.SessionID, cfg.Token, h)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	// Step 5: Session coordinator
	coord := session.New(session.Options{
		SessionID:    cfg.SessionID,
		SelfID:       cfg.UserID,
		Media:        mc,
		Peers:        peers,
		Dial:         dial,
		FailureGrace: cfg.FailureGrace,
		Logger:       logging.For("session"),
	})

	// Step 6: Consume remote tracks (H264 -> stdout when dumping)
	sinks := newSinks(cfg.DumpVideo)
	coord.OnChange(func(s session.Snapshot) {
		mainLog.Debug().
			Str("status", s.Status.String()).
			Str("remote", s.RemoteID).
			Bool("signaling", s.Signaling).
			Msg("session changed")
		if s.Remote != nil {
			sinks.attach(s.Remote)
		}
	})
	coord.OnEvent(func(m domain.Message) {
		mainLog.Info().Str("type", string(m.Type)).Str("from", m.UserID).RawJSON("data", rawOrNull(m.Data)).Msg("session event")
	})

	// Step 7: Connect (media -> signaling), then optionally call the target
	if err := coord.Connect(ctx); err != nil {
		mainLog.Fatal().Err(err).Str("reason", session.Reason(err)).Msg("connect")
	}
	if cfg.Target != "" {
		if err := coord.StartCall(ctx, cfg.Target); err != nil {
			mainLog.Error().Err(err).Str("reason", session.Reason(err)).Msg("start call")
		}
	}

	// Step 8: Interactive commands
	go readCommands(ctx, cancel, coord)

	<-ctx.Done()
	mainLog.Info().Msg("shutting down")
	coord.Disconnect()
	mainLog.Info().Msg("done")
}

// sinks starts one consumer per remote track.
type sinks struct {
	dump bool

	mu      sync.Mutex
	seen    map[string]bool
	dumping bool
}

func newSinks(dump bool) *sinks {
	return &sinks{dump: dump, seen: make(map[string]bool)}
}

func (s *sinks) attach(rs *domain.RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range rs.Tracks {
		if s.seen[t.ID()] {
			continue
		}
		s.seen[t.ID()] = true
		if s.dump && !s.dumping && t.Kind() == domain.KindVideo {
			s.dumping = true
			go func(t domain.RemoteTrack) {
				if err := webrtc.WriteAnnexB(t, os.Stdout); err != nil {
					log.Error().Err(err).Str("module", "main").Msg("dump video")
				}
				s.mu.Lock()
				s.dumping = false
				s.mu.Unlock()
			}(t)
			continue
		}
		go webrtc.Drain(t)
	}
}

func readCommands(ctx context.Context, quit context.CancelFunc, coord *session.Coordinator) {
	l := logging.For("main")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "call":
			target := ""
			if len(fields) > 1 {
				target = fields[1]
			}
			if err := coord.StartCall(ctx, target); err != nil {
				l.Error().Err(err).Str("reason", session.Reason(err)).Msg("start call")
			}
		case "mute":
			muted, err := coord.ToggleMute()
			logToggle(l, "muted", muted, err)
		case "video":
			off, err := coord.ToggleVideo()
			logToggle(l, "video_off", off, err)
		case "share":
			sharing, err := coord.ToggleScreenShare(ctx)
			logToggle(l, "sharing", sharing, err)
		case "status":
			s := coord.Snapshot()
			l.Info().
				Str("self", s.SelfID).
				Str("remote", s.RemoteID).
				Str("status", s.Status.String()).
				Bool("signaling", s.Signaling).
				Interface("media", s.Media).
				Str("error", s.Reason).
				Msg("status")
		case "quit", "exit":
			quit()
			return
		default:
			l.Warn().Str("command", fields[0]).Msg("unknown command")
		}
	}
}

func logToggle(l zerolog.Logger, key string, on bool, err error) {
	if err != nil {
		l.Error().Err(err).Str("reason", session.Reason(err)).Msg("toggle " + key)
		return
	}
	l.Info().Bool(key, on).Msg("toggled")
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
