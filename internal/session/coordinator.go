package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerlearn/callcore/internal/connection"
	"github.com/peerlearn/callcore/internal/domain"
	"github.com/peerlearn/callcore/internal/media"
)

const eventQueueSize = 128

// Media is the local media the coordinator drives.
type Media interface {
	connection.LocalMedia
	Acquire(ctx context.Context) (*media.Stream, error)
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	StartScreenShare(ctx context.Context) (*media.Stream, error)
	StopScreenShare(ctx context.Context) error
	ReleaseAll()
	State() domain.MediaState
	OnChange(fn func(domain.MediaState))
}

// DialFunc opens the signaling channel of the session, delivering inbound
// messages to h.
type DialFunc func(ctx context.Context, h domain.Handler) (domain.Signaler, error)

// Options configures a Coordinator.
type Options struct {
	SessionID string
	// SelfID is replaced by the id the relay assigns in its connected message.
	SelfID       string
	Media        Media
	Peers        domain.PeerFactory
	Dial         DialFunc
	FailureGrace time.Duration
	Logger       zerolog.Logger
}

// Snapshot is the observable state of a session.
type Snapshot struct {
	SessionID string
	SelfID    string
	RemoteID  string
	Status    domain.ConnectionStatus
	// Err is the most recent error and Reason its user-facing text.
	Err       error
	Reason    string
	Signaling bool
	Media     domain.MediaState
	Local     *media.Stream
	Remote    *domain.RemoteStream

	CallStartedBy string
	CallEndedBy   string
}

// Coordinator ties local media, signaling and the peer connection of one
// session together. Inputs from every source are applied in order by a
// single loop goroutine.
type Coordinator struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	cur      *run
	snap     Snapshot
	onChange func(Snapshot)
	onEvent  func(domain.Message)
}

// run is the state of one Connect..Disconnect lifetime. session and mgr are
// owned by the loop goroutine.
type run struct {
	c      *Coordinator
	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	// connecting cancels an in-flight Connect.
	connecting context.CancelFunc
	signal     domain.Signaler

	session *domain.Session
	mgr     *connection.Manager
	err     error
	ready   bool
	held    []domain.Message
}

// New creates a disconnected Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		opts: opts,
		log:  opts.Logger.With().Str("session_id", opts.SessionID).Logger(),
	}
	c.snap = c.initialSnapshot()
	opts.Media.OnChange(c.onMediaChange)
	return c
}

// OnChange registers fn to be called after every state change. fn runs on
// the coordinator's goroutines and must not call Disconnect.
func (c *Coordinator) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// OnEvent registers fn for session messages that are not call signaling,
// such as whiteboard updates.
func (c *Coordinator) OnEvent(fn func(domain.Message)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Connect acquires local media and opens the signaling channel. Disconnect
// aborts it at any point.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return domain.ErrAlreadyConnected
	}
	r := c.newRun()
	connectCtx, connecting := context.WithCancel(ctx)
	r.connecting = connecting
	c.cur = r
	c.mu.Unlock()
	defer connecting()

	go r.loop()

	c.log.Info().Msg("acquiring local media")
	local, err := c.opts.Media.Acquire(connectCtx)
	if err != nil {
		return c.abortConnect(r, fmt.Errorf("acquire media: %w", err))
	}
	if !c.updateRun(r, func(s *Snapshot) { s.Local = local }) {
		return fmt.Errorf("%w: disconnected while connecting", domain.ErrNotConnected)
	}

	c.log.Info().Msg("opening signaling channel")
	sig, err := c.opts.Dial(connectCtx, handler{r: r})
	if err != nil {
		return c.abortConnect(r, fmt.Errorf("open signaling: %w", err))
	}

	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		sig.Close()
		return fmt.Errorf("%w: disconnected while connecting", domain.ErrNotConnected)
	}
	r.signal = sig
	c.mu.Unlock()
	r.post(readyEvent{})

	c.updateRun(r, func(s *Snapshot) { s.Signaling = true })
	c.log.Info().Msg("connected to session, waiting for participants")
	return nil
}

// StartCall offers a call to target, or to the remote participant when
// target is empty.
func (c *Coordinator) StartCall(ctx context.Context, target string) error {
	c.mu.Lock()
	r := c.cur
	ready := r != nil && r.signal != nil
	c.mu.Unlock()
	if !ready {
		return domain.ErrNotConnected
	}

	reply := make(chan error, 1)
	if !r.postCtx(ctx, callEvent{target: target, reply: reply}) {
		return ctxErr(ctx)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return domain.ErrNotConnected
	}
}

// Disconnect ends the call, closes signaling, releases local media and
// resets the coordinator. It is safe in any state and idempotent.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	r := c.cur
	c.cur = nil
	c.mu.Unlock()

	if r != nil {
		r.connecting()
		r.cancel()
		<-r.done

		c.mu.Lock()
		sig := r.signal
		r.signal = nil
		c.mu.Unlock()
		if sig != nil {
			sig.Close()
		}
		r.mgr.Close()
	}
	c.opts.Media.ReleaseAll()

	c.mu.Lock()
	c.snap = c.initialSnapshot()
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
	c.log.Info().Msg("disconnected")
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (c *Coordinator) ToggleMute() (bool, error) {
	return c.opts.Media.ToggleMute()
}

// ToggleVideo flips outgoing video and reports whether it is now off.
func (c *Coordinator) ToggleVideo() (bool, error) {
	return c.opts.Media.ToggleVideo()
}

// ToggleScreenShare starts or stops screen sharing and reports whether the
// screen is now shared.
func (c *Coordinator) ToggleScreenShare(ctx context.Context) (bool, error) {
	if c.opts.Media.State().ScreenSharing {
		if err := c.opts.Media.StopScreenShare(ctx); err != nil {
			return c.opts.Media.State().ScreenSharing, err
		}
		return false, nil
	}
	if _, err := c.opts.Media.StartScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Publish sends a non-signaling message to the other participants.
func (c *Coordinator) Publish(msg domain.Message) error {
	if msg.Type == "" || msg.Type.IsSignaling() {
		return fmt.Errorf("cannot publish %q as a session event", msg.Type)
	}
	return c.send(msg)
}

func (c *Coordinator) send(msg domain.Message) error {
	c.mu.Lock()
	var sig domain.Signaler
	if c.cur != nil {
		sig = c.cur.signal
	}
	c.mu.Unlock()
	if sig == nil {
		return domain.ErrNotConnected
	}
	return sig.Send(msg)
}

func (c *Coordinator) newRun() *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		c:       c,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan event, eventQueueSize),
		done:    make(chan struct{}),
		session: domain.NewSession(c.opts.SessionID, c.opts.SelfID),
	}
	r.mgr = connection.NewManager(connection.Options{
		Factory:        c.opts.Peers,
		Media:          c.opts.Media,
		Signal:         signalProxy{c: c},
		Post:           func(ev connection.Event) { r.post(peerEvent{ev: ev}) },
		FailureGrace:   c.opts.FailureGrace,
		OnStatus:       r.onStatus,
		OnRemoteStream: r.onRemoteStream,
		Logger:         c.opts.Logger.With().Str("component", "connection").Logger(),
	})
	return r
}

func (c *Coordinator) abortConnect(r *run, err error) error {
	c.mu.Lock()
	current := c.cur == r
	if current {
		c.cur = nil
	}
	c.mu.Unlock()

	if current {
		r.cancel()
		<-r.done
		c.opts.Media.ReleaseAll()
		c.update(func(s *Snapshot) {
			*s = c.initialSnapshot()
			s.Err, s.Reason = err, Reason(err)
		})
	}
	c.log.Error().Err(err).Msg("connect failed")
	return err
}

func (c *Coordinator) initialSnapshot() Snapshot {
	return Snapshot{
		SessionID: c.opts.SessionID,
		SelfID:    c.opts.SelfID,
		Status:    domain.StatusDisconnected,
		Media:     c.opts.Media.State(),
	}
}

func (c *Coordinator) onMediaChange(st domain.MediaState) {
	c.update(func(s *Snapshot) { s.Media = st })
}

// update applies fn to the snapshot and notifies the observer.
func (c *Coordinator) update(fn func(*Snapshot)) {
	c.mu.Lock()
	fn(&c.snap)
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

// updateRun is update for a change that belongs to r, dropped once r is no
// longer the current run.
func (c *Coordinator) updateRun(r *run, fn func(*Snapshot)) bool {
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return false
	}
	fn(&c.snap)
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
	return true
}

func (c *Coordinator) changedLocked() func() {
	fn, snap := c.onChange, c.snap
	if fn == nil {
		return func() {}
	}
	return func() { fn(snap) }
}

// signalProxy lets the connection manager send through whichever signaling
// channel is current.
type signalProxy struct {
	c *Coordinator
}

func (p signalProxy) Send(msg domain.Message) error { return p.c.send(msg) }
func (p signalProxy) Close()                        {}

func (r *run) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (r *run) postCtx(ctx context.Context, ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-r.ctx.Done():
		return false
	}
}

func (r *run) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *run) handle(ev event) {
	switch e := ev.(type) {
	case messageEvent:
		if !r.ready {
			r.held = append(r.held, e.msg)
			return
		}
		r.handleMessage(e.msg)
	case readyEvent:
		r.ready = true
		held := r.held
		r.held = nil
		for _, msg := range held {
			r.handleMessage(msg)
		}
	case peerEvent:
		r.mgr.Handle(e.ev)
	case callEvent:
		e.reply <- r.startCall(e.target)
	case signalClosedEvent:
		r.c.log.Error().Err(e.err).Msg("signaling channel closed")
		r.c.mu.Lock()
		r.signal = nil
		r.c.mu.Unlock()
		r.setErr(e.err)
		r.c.update(func(s *Snapshot) { s.Signaling = false })
	}
}

func (r *run) startCall(target string) error {
	if target == "" {
		target = r.session.RemoteID()
	}
	if target == "" {
		return fmt.Errorf("%w: no participant to call", domain.ErrNotConnected)
	}
	if _, err := r.session.Join(target); err != nil {
		r.setErr(err)
		return err
	}
	r.refreshParticipants()

	r.c.log.Info().Str("target", target).Msg("starting call")
	if err := r.mgr.StartCall(target); err != nil {
		if !errors.Is(err, domain.ErrCallInProgress) {
			r.setErr(err)
		}
		return err
	}
	return nil
}

func (r *run) handleMessage(msg domain.Message) {
	log := r.c.log.With().Str("type", string(msg.Type)).Str("from", msg.UserID).Logger()
	self := r.session.Self.UserID

	if msg.TargetUserID != "" && self != "" && msg.TargetUserID != self {
		log.Debug().Str("target", msg.TargetUserID).Msg("ignoring message for another participant")
		return
	}
	if !msg.Type.IsSignaling() {
		r.c.mu.Lock()
		fn := r.c.onEvent
		r.c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
		return
	}

	switch msg.Type {
	case domain.MessageConnected:
		if msg.UserID != "" {
			r.session.Self.UserID = msg.UserID
		}
		for _, p := range msg.Participants {
			r.join(p)
		}
		log.Info().Int("participants", len(msg.Participants)).Msg("joined session")
		r.refreshParticipants()

	case domain.MessageUserJoined:
		r.join(msg.UserID)
		r.refreshParticipants()

	case domain.MessageUserLeft:
		if r.session.Leave(msg.UserID) {
			log.Info().Msg("remote participant left")
			r.mgr.Close()
			r.mgr.SetRemote("")
			r.refreshParticipants()
		}

	case domain.MessageOffer:
		if !r.fromRemote(msg) {
			return
		}
		sdp, err := msg.Description()
		if err != nil {
			r.setErr(fmt.Errorf("%w: %v", domain.ErrOfferHandlingFailed, err))
			return
		}
		if err := r.mgr.HandleOffer(msg.UserID, sdp); err != nil {
			log.Warn().Err(err).Msg("handle offer")
			r.setErr(err)
		}

	case domain.MessageAnswer:
		if !r.fromRemote(msg) {
			return
		}
		sdp, err := msg.Description()
		if err != nil {
			r.setErr(fmt.Errorf("%w: %v", domain.ErrAnswerHandlingFailed, err))
			return
		}
		if err := r.mgr.HandleAnswer(sdp); err != nil {
			log.Warn().Err(err).Msg("handle answer")
			r.setErr(err)
		}

	case domain.MessageICECandidate:
		if !r.fromRemote(msg) {
			return
		}
		cand, err := msg.Candidate()
		if err != nil {
			err = fmt.Errorf("%w: %v", domain.ErrIceApplyFailed, err)
		} else {
			// Already tagged with ErrIceApplyFailed when the peer rejects it.
			err = r.mgr.HandleCandidate(cand)
		}
		if err != nil {
			log.Warn().Err(err).Msg("remote candidate rejected")
			r.setErr(err)
		}

	case domain.MessageCallStarted:
		r.c.update(func(s *Snapshot) { s.CallStartedBy, s.CallEndedBy = msg.InitiatedBy, "" })

	case domain.MessageCallEnded:
		log.Info().Str("ended_by", msg.EndedBy).Msg("call ended")
		r.mgr.Close()
		r.c.update(func(s *Snapshot) { s.CallEndedBy = msg.EndedBy })
	}
}

// fromRemote admits the sender as the remote participant, rejecting anyone
// else.
func (r *run) fromRemote(msg domain.Message) bool {
	if msg.UserID == "" {
		return r.session.Remote != nil
	}
	if msg.UserID == r.session.Self.UserID {
		return false
	}
	return r.join(msg.UserID)
}

func (r *run) join(userID string) bool {
	added, err := r.session.Join(userID)
	if err != nil {
		r.c.log.Error().Err(err).Msg("rejecting participant")
		r.setErr(err)
		return false
	}
	if added {
		r.c.log.Info().Str("user_id", userID).Msg("remote participant joined")
		r.mgr.SetRemote(userID)
	}
	return userID != "" && userID != r.session.Self.UserID
}

func (r *run) refreshParticipants() {
	self, remote := r.session.Self.UserID, r.session.RemoteID()
	r.c.update(func(s *Snapshot) { s.SelfID, s.RemoteID = self, remote })
}

func (r *run) setErr(err error) {
	r.err = err
	r.c.update(func(s *Snapshot) { s.Err, s.Reason = err, Reason(err) })
}

func (r *run) onStatus(status domain.ConnectionStatus, err error) {
	r.session.Status = status
	if status == domain.StatusConnecting {
		r.err = nil
	}
	if err != nil {
		r.err = err
	}
	cur := r.err
	remote := r.mgr.RemoteStream()
	r.c.update(func(s *Snapshot) {
		s.Status = status
		s.Err, s.Reason = cur, Reason(cur)
		s.Remote = remote
	})
}

func (r *run) onRemoteStream(rs *domain.RemoteStream) {
	r.c.update(func(s *Snapshot) { s.Remote = rs })
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return domain.ErrNotConnected
}
