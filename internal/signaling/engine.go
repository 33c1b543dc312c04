// Package signaling drives one two-party call per conversation: it exchanges
// offer/answer/candidate frames over the conversation's channel and
// supervises the local media and peer transport handles.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chitchat-client/internal/channel"
)

type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
)

type Config struct {
	ConversationID string
	LocalUserID    string

	// AudioOnly skips video capture for outgoing and accepted calls.
	AudioOnly bool

	// RingTimeout bounds Calling and Ringing; on expiry the engine hangs up
	// as if EndCall had been invoked. Zero disables the timeout.
	RingTimeout time.Duration

	Media     MediaDevices
	Transport TransportFactory
	Bus       channel.Queue
	Logger    *slog.Logger
}

// Engine is the per-conversation call state machine. It owns the CallSession
// resources (local stream, peer connection) exclusively and releases them on
// every exit path: explicit hangup, peer hangup, transport failure, ring
// timeout, Close.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	// Observers; set before Start.
	onStateChange  func(State)
	onRemoteStream func(MediaStream)

	mu           sync.Mutex
	state        State
	remoteUserID string
	pc           PeerConnection
	localStream  MediaStream
	remoteStream MediaStream
	muted        bool
	videoOff     bool
	ringTimer    *time.Timer
	cancelSub    func()
	started      bool
	closed       bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.ConversationID == "" || cfg.LocalUserID == "" {
		return nil, fmt.Errorf("signaling: conversation id and local user id are required")
	}
	if cfg.Media == nil || cfg.Transport == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("signaling: media, transport and bus are required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("signaling: logger is required")
	}

	return &Engine{
		cfg: cfg,
		logger: cfg.Logger.With(
			"component", "signaling",
			"conversationId", cfg.ConversationID,
		),
		state:    StateIdle,
		videoOff: cfg.AudioOnly,
	}, nil
}

func (e *Engine) OnStateChange(fn func(State)) { e.onStateChange = fn }

func (e *Engine) OnRemoteStream(fn func(MediaStream)) { e.onRemoteStream = fn }

// Start subscribes to the conversation's signaling channel. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	cancel := e.cfg.Bus.SubscribeQueue(channel.Signaling(e.cfg.ConversationID), e.handleEnvelope)

	e.mu.Lock()
	e.cancelSub = cancel
	e.mu.Unlock()
	return nil
}

// Close unsubscribes and hangs up any active call.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancelSub
	e.cancelSub = nil
	fx := e.teardownLocked(true)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.apply(fx)
	return nil
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) RemoteUserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteUserID
}

func (e *Engine) RemoteStream() MediaStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteStream
}

func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *Engine) VideoOff() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoOff
}

// StartCall acquires local media, opens a transport session and sends the
// offer. Fails with ErrBusy unless Idle; a media failure aborts back to Idle
// with ErrMediaUnavailable.
func (e *Engine) StartCall(ctx context.Context, targetUserID string) error {
	if targetUserID == "" || targetUserID == e.cfg.LocalUserID {
		return fmt.Errorf("%w: bad call target %q", ErrInvalidState, targetUserID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine not started", ErrInvalidState)
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	e.state = StateCalling
	e.mu.Unlock()
	e.notifyState(StateCalling)

	stream, err := e.cfg.Media.GetUserMedia(ctx, MediaConstraints{
		Audio: true,
		Video: !e.cfg.AudioOnly,
	})
	if err != nil {
		e.mu.Lock()
		fx := e.teardownLocked(false)
		e.mu.Unlock()
		e.apply(fx)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	e.mu.Lock()
	if e.state != StateCalling {
		// Hung up while the permission prompt was open.
		e.mu.Unlock()
		stopTracks(stream)
		return fmt.Errorf("%w: call ended during setup", ErrInvalidState)
	}
	e.localStream = stream
	e.muted = false
	e.videoOff = e.cfg.AudioOnly

	fx, err := e.negotiateOfferLocked(ctx, targetUserID)
	if err != nil {
		fx = e.teardownLocked(false)
		e.mu.Unlock()
		e.apply(fx)
		return err
	}
	e.mu.Unlock()
	e.apply(fx)
	return nil
}

func (e *Engine) negotiateOfferLocked(ctx context.Context, targetUserID string) (effects, error) {
	pc, err := e.createPeerConnectionLocked(ctx)
	if err != nil {
		return effects{}, err
	}
	if err := e.addLocalTracksLocked(pc); err != nil {
		return effects{}, err
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return effects{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(ctx, offer); err != nil {
		return effects{}, fmt.Errorf("set local description: %w", err)
	}

	e.remoteUserID = targetUserID
	e.startRingTimerLocked()

	return effects{frames: []Frame{{
		Type: FrameOffer,
		To:   targetUserID,
		SDP:  &offer,
	}}}, nil
}

// AcceptCall attaches local media to a ringing or connected call. The
// negotiation itself already happened when the offer arrived; this only adds
// the callee's tracks.
func (e *Engine) AcceptCall(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRinging && e.state != StateConnected {
		e.mu.Unlock()
		return fmt.Errorf("%w: no call to accept", ErrInvalidState)
	}
	if e.localStream != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	stream, err := e.cfg.Media.GetUserMedia(ctx, MediaConstraints{
		Audio: true,
		Video: !e.cfg.AudioOnly,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil || e.state == StateIdle {
		stopTracks(stream)
		return fmt.Errorf("%w: call ended during setup", ErrInvalidState)
	}
	e.localStream = stream
	e.muted = false
	e.videoOff = e.cfg.AudioOnly
	return e.addLocalTracksLocked(e.pc)
}

// EndCall hangs up and releases the session. Safe to invoke repeatedly; on
// an Idle engine it is a no-op.
func (e *Engine) EndCall() {
	e.mu.Lock()
	fx := e.teardownLocked(true)
	e.mu.Unlock()
	e.apply(fx)
}

// ToggleMute flips the enabled flag on local audio tracks in place, without
// renegotiating, and reports the new muted state.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.localStream == nil {
		return e.muted
	}
	e.muted = !e.muted
	for _, t := range e.localStream.AudioTracks() {
		t.SetEnabled(!e.muted)
	}
	return e.muted
}

// ToggleVideo flips the enabled flag on local video tracks and reports
// whether video is now off.
func (e *Engine) ToggleVideo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.localStream == nil {
		return e.videoOff
	}
	e.videoOff = !e.videoOff
	for _, t := range e.localStream.VideoTracks() {
		t.SetEnabled(!e.videoOff)
	}
	return e.videoOff
}

func (e *Engine) handleEnvelope(env channel.Envelope) {
	frame, err := DecodeFrame(env.Payload)
	if err != nil {
		e.logger.Warn("dropping signaling frame", "error", err)
		return
	}
	if frame.From == e.cfg.LocalUserID {
		return
	}
	if frame.To != e.cfg.LocalUserID {
		// Addressed to another participant on the shared channel.
		return
	}

	switch frame.Type {
	case FrameOffer:
		e.handleOffer(frame)
	case FrameAnswer:
		e.handleAnswer(frame)
	case FrameICECandidate:
		e.handleCandidate(frame)
	case FrameEndCall:
		e.handleEndCall()
	}
}

func (e *Engine) handleOffer(frame Frame) {
	ctx := context.Background()

	e.mu.Lock()
	if e.closed || e.state != StateIdle {
		e.mu.Unlock()
		e.logger.Debug("ignoring offer while busy", "from", frame.From)
		return
	}

	pc, err := e.createPeerConnectionLocked(ctx)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("transport session create failed", "error", err)
		return
	}
	if err := pc.SetRemoteDescription(ctx, *frame.SDP); err != nil {
		fx := e.teardownLocked(false)
		e.mu.Unlock()
		e.apply(fx)
		e.logger.Error("set remote offer failed", "error", err)
		return
	}
	answer, err := pc.CreateAnswer(ctx)
	if err == nil {
		err = pc.SetLocalDescription(ctx, answer)
	}
	if err != nil {
		fx := e.teardownLocked(false)
		e.mu.Unlock()
		e.apply(fx)
		e.logger.Error("answer negotiation failed", "error", err)
		return
	}

	e.remoteUserID = frame.From
	e.state = StateRinging
	e.startRingTimerLocked()
	e.mu.Unlock()

	// Connected waits for the transport's own confirmation; answer-sent is
	// still Ringing.
	e.apply(effects{
		frames: []Frame{{Type: FrameAnswer, To: frame.From, SDP: &answer}},
		state:  statePtr(StateRinging),
	})
}

func (e *Engine) handleAnswer(frame Frame) {
	ctx := context.Background()

	e.mu.Lock()
	if e.state != StateCalling || e.pc == nil {
		e.mu.Unlock()
		e.logger.Debug("ignoring unexpected answer", "from", frame.From)
		return
	}
	if err := e.pc.SetRemoteDescription(ctx, *frame.SDP); err != nil {
		fx := e.teardownLocked(true)
		e.mu.Unlock()
		e.apply(fx)
		e.logger.Error("set remote answer failed", "error", err)
		return
	}
	e.mu.Unlock()
}

func (e *Engine) handleCandidate(frame Frame) {
	ctx := context.Background()

	e.mu.Lock()
	if e.pc == nil || e.state == StateIdle {
		e.mu.Unlock()
		e.logger.Debug("ignoring candidate without session", "from", frame.From)
		return
	}
	if err := e.pc.AddICECandidate(ctx, *frame.Candidate); err != nil {
		e.logger.Warn("add ice candidate failed", "error", err)
	}
	e.mu.Unlock()
}

func (e *Engine) handleEndCall() {
	e.mu.Lock()
	fx := e.teardownLocked(false)
	e.mu.Unlock()
	e.apply(fx)
}

func (e *Engine) createPeerConnectionLocked(ctx context.Context) (PeerConnection, error) {
	pc, err := e.cfg.Transport.NewPeerConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c ICECandidate) {
		e.sendCandidate(pc, c)
	})
	pc.OnTrack(func(ms MediaStream) {
		e.handleRemoteTrack(pc, ms)
	})
	pc.OnConnectionStateChange(func(st ConnectionState) {
		e.handleConnectionState(pc, st)
	})

	e.pc = pc
	return pc, nil
}

func (e *Engine) addLocalTracksLocked(pc PeerConnection) error {
	tracks := append(e.localStream.AudioTracks(), e.localStream.VideoTracks()...)
	for _, t := range tracks {
		if err := pc.AddTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

func (e *Engine) sendCandidate(pc PeerConnection, c ICECandidate) {
	e.mu.Lock()
	if e.pc != pc || e.state == StateIdle || e.remoteUserID == "" {
		e.mu.Unlock()
		return
	}
	remote := e.remoteUserID
	e.mu.Unlock()

	e.publish(Frame{Type: FrameICECandidate, To: remote, Candidate: &c})
}

func (e *Engine) handleRemoteTrack(pc PeerConnection, ms MediaStream) {
	e.mu.Lock()
	if e.pc != pc || e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	e.remoteStream = ms
	e.mu.Unlock()

	if e.onRemoteStream != nil {
		e.onRemoteStream(ms)
	}
}

func (e *Engine) handleConnectionState(pc PeerConnection, st ConnectionState) {
	switch st {
	case ConnectionStateConnected:
		e.mu.Lock()
		if e.pc != pc || (e.state != StateCalling && e.state != StateRinging) {
			e.mu.Unlock()
			return
		}
		if e.ringTimer != nil {
			e.ringTimer.Stop()
			e.ringTimer = nil
		}
		e.state = StateConnected
		e.mu.Unlock()
		e.notifyState(StateConnected)

	case ConnectionStateDisconnected, ConnectionStateFailed:
		e.mu.Lock()
		if e.pc != pc {
			e.mu.Unlock()
			return
		}
		e.logger.Info("transport reported failure", "connectionState", string(st))
		fx := e.teardownLocked(true)
		e.mu.Unlock()
		e.apply(fx)
	}
}

func (e *Engine) startRingTimerLocked() {
	if e.cfg.RingTimeout <= 0 {
		return
	}
	if e.ringTimer != nil {
		e.ringTimer.Stop()
	}
	e.ringTimer = time.AfterFunc(e.cfg.RingTimeout, e.onRingTimeout)
}

func (e *Engine) onRingTimeout() {
	e.mu.Lock()
	if e.state != StateCalling && e.state != StateRinging {
		e.mu.Unlock()
		return
	}
	e.logger.Info("call setup timed out", "ringTimeout", e.cfg.RingTimeout.String())
	fx := e.teardownLocked(true)
	e.mu.Unlock()
	e.apply(fx)
}

// effects are collected under the lock and applied after it is released, so
// a synchronous bus never re-enters the engine while it is held.
type effects struct {
	frames []Frame
	state  *State
}

// teardownLocked releases the session at most once: stops local tracks,
// closes the transport, clears the remote handle. The end-call frame is sent
// only for locally initiated teardown.
func (e *Engine) teardownLocked(notifyPeer bool) effects {
	var fx effects
	if e.state == StateIdle && e.pc == nil && e.localStream == nil {
		return fx
	}

	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
	if e.localStream != nil {
		stopTracks(e.localStream)
		e.localStream = nil
	}
	if e.pc != nil {
		_ = e.pc.Close()
		e.pc = nil
	}
	e.remoteStream = nil

	remote := e.remoteUserID
	e.remoteUserID = ""
	e.muted = false
	e.videoOff = e.cfg.AudioOnly

	if e.state != StateIdle {
		e.state = StateIdle
		fx.state = statePtr(StateIdle)
	}
	if notifyPeer && remote != "" {
		fx.frames = append(fx.frames, Frame{Type: FrameEndCall, To: remote})
	}
	return fx
}

func (e *Engine) apply(fx effects) {
	for _, f := range fx.frames {
		e.publish(f)
	}
	if fx.state != nil {
		e.notifyState(*fx.state)
	}
}

func (e *Engine) publish(f Frame) {
	f.From = e.cfg.LocalUserID
	f.TimestampMs = time.Now().UnixMilli()
	if err := e.cfg.Bus.Publish(context.Background(), channel.Signaling(e.cfg.ConversationID), f); err != nil {
		e.logger.Error("signaling publish failed", "type", string(f.Type), "error", err)
	}
}

func (e *Engine) notifyState(st State) {
	if e.onStateChange != nil {
		e.onStateChange(st)
	}
}

func stopTracks(ms MediaStream) {
	for _, t := range ms.AudioTracks() {
		t.Stop()
	}
	for _, t := range ms.VideoTracks() {
		t.Stop()
	}
}

func statePtr(st State) *State { return &st }
