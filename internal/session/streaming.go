package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/memoirvoice/internal/backend"
	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/internal/observe"
	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/audio/playback"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
)

// Defaults for [Config].
const (
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultAutoEndDelay = 3 * time.Second
	DefaultDrainTimeout = 10 * time.Second

	stopTimeout = 2 * time.Second

	// uplinkFlushTimeout bounds how long queued audio may take to go out
	// once the session ends.
	uplinkFlushTimeout = 250 * time.Millisecond
)

// Player is the playback side of a session. [*playback.Scheduler]
// implements it.
type Player interface {
	Enqueue(pcm []byte) (playback.Item, error)
	Clear() error
	Drain(ctx context.Context) error
}

var _ Player = (*playback.Scheduler)(nil)

// ProfileMode decides whether a session runs the profile interview.
type ProfileMode int

const (
	// ProfileAuto asks the backend whether the profile is complete.
	ProfileAuto ProfileMode = iota
	ProfileOn
	ProfileOff
)

// Config holds the collaborators and settings of a streaming [Session].
type Config struct {
	Provider realtime.Provider
	Source   audio.Source
	Player   Player

	// Lifecycle is called at the session boundaries. Nil skips every
	// backend call, in which case Dialog.ConversationID is required.
	Lifecycle Lifecycle

	// VAD, if set, meters captured audio so that local speech can interrupt
	// synthesized speech under [dialog.BargeInAlways].
	VAD       vad.Engine
	VADConfig vad.Config

	Dialog  realtime.SessionConfig
	BargeIn dialog.BargeIn

	SettleDelay  time.Duration
	AutoEndDelay time.Duration
	DrainTimeout time.Duration

	Profile ProfileMode

	// FullEnd requests the summarising end call instead of the quick one.
	FullEnd bool

	MemoirTitle       string
	MemoirPerspective string
}

// Session is one streaming voice dialog.
type Session struct {
	base
	cfg Config

	// Owned by the run goroutine after Start.
	machine     *dialog.Machine
	handle      realtime.SessionHandle
	uplink      *uplink
	capture     capture
	detector    vad.SessionHandle
	response    ResponseBuffer
	convID      string
	profile     bool
	autoEndSet  bool
	channelLost bool
	transcript  string
	captureErr  error
	settle      *time.Timer
	settleC     <-chan time.Time
	autoEnd     *time.Timer
	autoEndC    <-chan time.Time
}

// New validates cfg and returns an idle Session.
func New(cfg Config, opts ...Option) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: nil realtime provider")
	}
	if cfg.Source == nil {
		return nil, errors.New("session: nil audio source")
	}
	if cfg.Player == nil {
		return nil, errors.New("session: nil player")
	}
	if cfg.Lifecycle == nil && cfg.Dialog.ConversationID == "" {
		return nil, errors.New("session: conversation id is required without a backend")
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.AutoEndDelay <= 0 {
		cfg.AutoEndDelay = DefaultAutoEndDelay
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	s := &Session{
		cfg:     cfg,
		machine: dialog.New(cfg.BargeIn),
		capture: capture{src: cfg.Source},
		convID:  cfg.Dialog.ConversationID,
		profile: cfg.Profile == ProfileOn,
	}
	s.base.init(ModeStreaming, opts)
	s.publishState()
	return s, nil
}

// Start prepares the conversation, opens the dialog channel and starts the
// session goroutine. The goroutine runs until End, a remote end, a channel
// failure or cancellation of ctx.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if err := s.prepare(ctx); err != nil {
		return s.failStart(err)
	}

	s.apply(ctx, s.machine.Connect())
	dcfg := s.cfg.Dialog
	dcfg.ConversationID = s.convID
	handle, err := s.cfg.Provider.Connect(ctx, dcfg)
	if err != nil {
		err = fmt.Errorf("session: connect: %w", err)
		s.setErr(err)
		s.apply(ctx, s.machine.Status(realtime.StatusError))
		return s.failStart(err)
	}
	s.handle = handle
	if err := handle.Start(ctx); err != nil {
		s.log.Warn("send start failed", "err", err)
	}

	if s.cfg.VAD != nil {
		det, err := s.cfg.VAD.NewSession(s.cfg.VADConfig)
		if err != nil {
			_ = handle.Close()
			return s.failStart(fmt.Errorf("session: vad: %w", err))
		}
		s.detector = det
	}

	s.uplink = startUplink(ctx, handle, s.log)
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session started",
		"conversation_id", s.convID,
		"recorder", s.cfg.Dialog.Recorder.Name,
		"profile_collection", s.profile,
		"barge_in", s.machine.Snapshot().BargeIn,
	)
	go s.run(ctx)
	return nil
}

// prepare creates the conversation and resolves profile mode concurrently.
func (s *Session) prepare(ctx context.Context) error {
	lc := s.cfg.Lifecycle
	if lc == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	if s.convID == "" {
		g.Go(func() error {
			st, err := lc.StartConversation(gctx)
			if err != nil {
				return fmt.Errorf("session: start conversation: %w", err)
			}
			s.convID = st.ConversationID
			s.log.Debug("conversation created", "conversation_id", st.ConversationID, "message", st.Message)
			return nil
		})
	}
	if s.cfg.Profile == ProfileAuto {
		g.Go(func() error {
			p, err := lc.Profile(gctx)
			if err != nil {
				// Not fatal: the dialog runs in normal mode.
				s.log.Warn("session: fetch profile failed", "err", err)
				return nil
			}
			s.profile = !p.ProfileCompleted
			return nil
		})
	}
	return g.Wait()
}

// SetBargeIn changes the barge-in policy of a running session.
func (s *Session) SetBargeIn(ctx context.Context, p dialog.BargeIn) error {
	if !p.IsValid() {
		return fmt.Errorf("session: invalid barge-in policy %q", p)
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	return s.send(ctx, command{kind: cmdBargeIn, ctx: ctx, policy: p})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	msgs := s.handle.Messages()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				s.channelClosed(ctx)
				break
			}
			s.handleMessage(ctx, m)

		case f, ok := <-s.capture.frames:
			if !ok {
				s.capture.ended()
				s.publishState()
				continue
			}
			s.handleFrame(ctx, f)

		case <-s.settleC:
			s.settle, s.settleC = nil, nil
			s.startCapture(ctx)

		case <-s.autoEndC:
			s.autoEnd, s.autoEndC = nil, nil
			s.log.Info("profile interview complete, ending session")
			s.finish(ctx, EndOptions{})
			return

		case c := <-s.cmds:
			switch c.kind {
			case cmdEnd:
				c.reply <- s.finish(c.ctx, c.end)
				return
			case cmdBargeIn:
				s.machine.SetBargeIn(c.policy)
				s.log.Info("barge-in policy changed", "policy", c.policy)
				s.publishState()
				c.reply <- nil
			}

		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DrainTimeout)
			s.finish(fctx, EndOptions{Immediate: true})
			cancel()
			return
		}

		if s.machine.State() == dialog.Ended {
			s.finish(ctx, EndOptions{})
			return
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, m realtime.Message) {
	s.metrics.RecordProtocolMessage(ctx, m.Kind.String())

	switch m.Kind {
	case realtime.KindStatus:
		switch m.Status {
		case realtime.StatusError:
			s.setErr(&realtime.ServerError{Message: m.Detail})
			s.log.Error("dialog service reported an error", "message", m.Detail)
		case realtime.StatusDisconnected:
			s.channelLost = true
			s.setErr(realtime.ErrChannel)
		}
		s.apply(ctx, s.machine.Status(m.Status))

	case realtime.KindAudio:
		s.enqueueAudio(ctx, m.Audio)

	case realtime.KindText:
		s.handleText(m)

	case realtime.KindEvent:
		if m.Event == realtime.EventSessionFailed {
			s.setErr(&realtime.ServerError{Message: "session failed"})
		}
		s.apply(ctx, s.machine.Event(m.Event))

	case realtime.KindDebug:
		s.log.Debug("dialog service debug", "message", m.Detail)
	}
}

func (s *Session) channelClosed(ctx context.Context) {
	s.channelLost = true
	if err := s.handle.Err(); err != nil {
		s.setErr(err)
	} else {
		s.setErr(realtime.ErrChannel)
	}
	s.log.Warn("dialog channel closed", "err", s.Err())
	s.apply(ctx, s.machine.Status(realtime.StatusDisconnected))
}

func (s *Session) handleText(m realtime.Message) {
	switch m.TextType {
	case realtime.TextASR:
		s.log.Info("user said", "text", m.Text)
		s.transcript = m.Text
		s.publishState()

	case realtime.TextResponse:
		if s.machine.State() != dialog.RemoteSpeaking || m.Text == "" {
			return
		}
		found := s.response.Append(m.Text)
		if found && s.profile && !s.autoEndSet {
			s.autoEndSet = true
			s.autoEnd = time.NewTimer(s.cfg.AutoEndDelay)
			s.autoEndC = s.autoEnd.C
			s.log.Info("profile complete marker received", "end_in", s.cfg.AutoEndDelay)
		}
		s.publishState()
	}
}

func (s *Session) enqueueAudio(ctx context.Context, pcm []byte) {
	if s.machine.State() == dialog.Ended {
		return
	}
	if _, err := s.cfg.Player.Enqueue(pcm); err != nil {
		if errors.Is(err, playback.ErrDecode) {
			s.metrics.DecodeErrors.Add(ctx, 1)
			s.log.Debug("skipping undecodable audio chunk", "bytes", len(pcm), "err", err)
			return
		}
		s.log.Warn("enqueue audio failed", "err", err)
	}
}

func (s *Session) handleFrame(ctx context.Context, f audio.AudioFrame) {
	if s.detector != nil {
		ev, err := s.detector.ProcessFrame(f)
		if err != nil {
			s.log.Debug("vad frame rejected", "err", err)
		} else if ev.Type == vad.SpeechStarted {
			s.apply(ctx, s.machine.LocalSpeechStarted())
		}
	}
	if !s.machine.ForwardAudio() {
		return
	}
	if !s.uplink.send(f.Data) {
		s.metrics.DroppedFrames.Add(ctx, 1)
		s.log.Debug("dialog channel lagging, dropping frame", "timestamp", f.Timestamp)
	}
}

// apply carries out the effects of t and publishes the new state.
func (s *Session) apply(ctx context.Context, t dialog.Transition) {
	if t.Ignored {
		s.log.Debug("dialog input ignored", "input", t.Input, "state", t.From)
		return
	}
	if t.From != t.To {
		s.metrics.RecordTransition(ctx, t.From.String(), t.To.String())
	}
	s.log.Debug("dialog transition", "input", t.Input, "from", t.From, "to", t.To, "active", t.Active)

	for _, e := range t.Effects {
		switch e {
		case dialog.ClearResponse:
			s.response.Reset()
		case dialog.StartCaptureDelayed:
			s.scheduleCapture()
		case dialog.StopCapture:
			s.stopTimer(&s.settle, &s.settleC)
			if err := s.capture.stop(); err != nil {
				s.log.Warn("stop capture failed", "err", err)
			}
		case dialog.ClearPlayback, dialog.StopPlayback:
			if err := s.cfg.Player.Clear(); err != nil && !errors.Is(err, playback.ErrClosed) {
				s.log.Warn("clear playback failed", "err", err)
			}
		}
	}
	s.publishState()
}

func (s *Session) scheduleCapture() {
	if s.capture.active || s.settleC != nil {
		return
	}
	s.settle = time.NewTimer(s.cfg.SettleDelay)
	s.settleC = s.settle.C
}

func (s *Session) startCapture(ctx context.Context) {
	if !s.machine.State().Live() || s.capture.active {
		return
	}
	if err := s.capture.start(ctx); err != nil {
		// Device errors end capture for this session; the dialog goes on.
		s.captureErr = err
		s.log.Error("capture unavailable", "err", err)
	} else if s.detector != nil {
		s.detector.Reset()
	}
	s.publishState()
}

func (s *Session) stopTimer(t **time.Timer, c *<-chan time.Time) {
	if *t != nil {
		(*t).Stop()
	}
	*t, *c = nil, nil
}

// finish runs the end sequence: stop capture, send stop, close the channel,
// drain or clear playback, then close the conversation on the backend. A
// backend failure is also recorded as the session error.
func (s *Session) finish(ctx context.Context, opts EndOptions) error {
	s.stopTimer(&s.autoEnd, &s.autoEndC)
	s.apply(ctx, s.machine.End())
	// Ended by the remote side: capture is already stopped by the effect.
	if err := s.capture.stop(); err != nil {
		s.log.Warn("stop capture failed", "err", err)
	}
	s.uplink.stop(ctx, uplinkFlushTimeout)

	if !s.channelLost {
		sctx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := s.handle.Stop(sctx); err != nil && !errors.Is(err, realtime.ErrClosed) {
			s.log.Debug("send stop failed", "err", err)
		}
		cancel()
	}
	if err := s.handle.Close(); err != nil {
		s.log.Debug("close channel failed", "err", err)
	}

	if opts.Immediate {
		if err := s.cfg.Player.Clear(); err != nil && !errors.Is(err, playback.ErrClosed) {
			s.log.Warn("clear playback failed", "err", err)
		}
	} else {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
		if err := s.cfg.Player.Drain(dctx); err != nil && !errors.Is(err, playback.ErrClosed) {
			s.log.Warn("playback did not drain", "err", err)
		}
		cancel()
	}
	if s.detector != nil {
		_ = s.detector.Close()
	}

	err := s.closeConversation(ctx)
	s.setErr(err)
	s.publishState()
	s.log.Info("session ended", "conversation_id", s.convID, "err", s.Err())
	return err
}

// closeConversation ends the backend conversation and then either completes
// the profile interview or requests memoir generation.
func (s *Session) closeConversation(ctx context.Context) error {
	lc := s.cfg.Lifecycle
	if lc == nil || s.convID == "" {
		return nil
	}
	ctx, span := observe.StartSpan(ctx, "session.close_conversation")
	var errs []error

	var endErr error
	if s.cfg.FullEnd {
		_, endErr = lc.EndConversation(ctx, s.convID)
	} else {
		endErr = lc.EndConversationQuick(ctx, s.convID)
	}
	if endErr != nil {
		s.log.Error("end conversation failed", "err", endErr)
		errs = append(errs, fmt.Errorf("session: end conversation: %w", endErr))
	}

	switch {
	case s.profile:
		if err := lc.CompleteProfile(ctx); err != nil {
			s.log.Error("complete profile failed", "err", err)
			errs = append(errs, fmt.Errorf("session: complete profile: %w", err))
		}
	case endErr == nil:
		req := backend.MemoirRequest{
			ConversationID: s.convID,
			Title:          s.cfg.MemoirTitle,
			Perspective:    s.cfg.MemoirPerspective,
		}
		if err := lc.GenerateMemoirAsync(ctx, req); err != nil {
			s.log.Warn("memoir generation request failed", "err", err)
			errs = append(errs, fmt.Errorf("session: generate memoir: %w", err))
		}
	}
	err := errors.Join(errs...)
	observe.EndSpan(span, err)
	return err
}

func (s *Session) publishState() {
	s.publish(Snapshot{
		ConversationID:    s.convID,
		Snapshot:          s.machine.Snapshot(),
		Capturing:         s.capture.active,
		ProfileCollection: s.profile,
		Response:          s.response.Display(),
		Transcript:        s.transcript,
		CaptureError:      errString(s.captureErr),
	})
}
