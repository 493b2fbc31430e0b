package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/internal/segment"
	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/provider/stt"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
)

// DefaultFlushTimeout bounds the wait for the recognitions of one utterance.
const DefaultFlushTimeout = 30 * time.Second

// utteranceBuffer is the capacity of the Utterances channel. Utterances are
// dropped with a warning when the consumer falls this far behind.
const utteranceBuffer = 16

// SegmentedConfig holds the collaborators and settings of a
// [SegmentedSession].
type SegmentedConfig struct {
	Source     audio.Source
	Recognizer stt.Recognizer
	VAD        vad.Engine
	VADConfig  vad.Config
	Segment    segment.Config

	// FlushTimeout bounds the wait for outstanding recognitions once speech
	// ends. Default: [DefaultFlushTimeout].
	FlushTimeout time.Duration
}

// Utterance is the recognised text of one stretch of speech.
type Utterance struct {
	// Index counts utterances from 0 within the session.
	Index int
	Text  string
}

type flushResult struct {
	text string
	ok   bool
	err  error
}

// SegmentedSession detects speech locally and recognises it in overlapping
// segments. There is no remote dialog; recognised text is published on
// [SegmentedSession.Utterances].
type SegmentedSession struct {
	base
	cfg SegmentedConfig

	utterances chan Utterance

	// Owned by the run goroutine after Start.
	capture  capture
	detector vad.SessionHandle
	acc      *segment.Accumulator
	state    dialog.State
	speaking bool
	inflight int           // sealed utterances awaiting recognition
	lastSeal chan struct{} // closed once the newest sealed utterance is delivered
	flushed  chan flushResult
	next     int
	last     string
}

// NewSegmented validates cfg and returns an idle SegmentedSession.
func NewSegmented(cfg SegmentedConfig, opts ...Option) (*SegmentedSession, error) {
	if cfg.Source == nil {
		return nil, errors.New("session: nil audio source")
	}
	if cfg.Recognizer == nil {
		return nil, errors.New("session: nil recognizer")
	}
	if cfg.VAD == nil {
		return nil, errors.New("session: segmented mode needs a vad engine")
	}
	if err := cfg.VADConfig.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Segment.Validate(); err != nil {
		return nil, err
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	s := &SegmentedSession{
		cfg:        cfg,
		utterances: make(chan Utterance, utteranceBuffer),
		capture:    capture{src: cfg.Source},
		state:      dialog.Idle,
		flushed:    make(chan flushResult, 1),
	}
	s.base.init(ModeSegmented, opts)
	return s, nil
}

// Utterances returns the stream of recognised utterances. The channel is
// closed when the session ends.
func (s *SegmentedSession) Utterances() <-chan Utterance { return s.utterances }

// Start opens the VAD session and begins capture. A capture failure is fatal
// because there is nothing else for the session to do.
func (s *SegmentedSession) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	det, err := s.cfg.VAD.NewSession(s.cfg.VADConfig)
	if err != nil {
		close(s.utterances)
		return s.failStart(fmt.Errorf("session: vad: %w", err))
	}
	acc, err := segment.New(s.cfg.Recognizer, s.cfg.Segment,
		segment.WithLogger(s.log),
		segment.WithResultHook(func(r segment.Result) {
			s.metrics.RecordRecognition(context.Background(), r.Elapsed, r.Err)
		}),
	)
	if err != nil {
		_ = det.Close()
		close(s.utterances)
		return s.failStart(err)
	}
	if err := s.capture.start(ctx); err != nil {
		_ = det.Close()
		acc.Close()
		close(s.utterances)
		return s.failStart(err)
	}
	s.detector, s.acc = det, acc
	s.state = dialog.LocalListening
	s.publishState()

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("segmented session started",
		"segment", s.cfg.Segment.Duration,
		"overlap", s.cfg.Segment.Overlap,
		"final_silence", s.cfg.VADConfig.FinalSilence,
	)
	go s.run(ctx)
	return nil
}

func (s *SegmentedSession) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.utterances)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	for {
		select {
		case f, ok := <-s.capture.frames:
			if !ok {
				// Finite input is exhausted.
				s.capture.ended()
				s.log.Info("capture ended")
				s.finish(ctx, EndOptions{})
				return
			}
			s.handleFrame(ctx, f)

		case r := <-s.flushed:
			s.onFlushed(r)

		case c := <-s.cmds:
			switch c.kind {
			case cmdEnd:
				c.reply <- s.finish(c.ctx, c.end)
				return
			default:
				c.reply <- fmt.Errorf("session: not supported in %s mode", ModeSegmented)
			}

		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlushTimeout)
			s.finish(fctx, EndOptions{Immediate: true})
			cancel()
			return
		}
	}
}

type speakingReporter interface {
	Speaking() bool
}

func (s *SegmentedSession) handleFrame(ctx context.Context, f audio.AudioFrame) {
	ev, err := s.detector.ProcessFrame(f)
	if err != nil {
		s.log.Debug("vad frame rejected", "err", err)
		return
	}

	switch ev.Type {
	case vad.SpeechStarted:
		s.speaking = true
		s.acc.Add(f)
		s.log.Debug("speech started", "at", ev.At, "level", ev.Level)
		s.publishState()

	case vad.SpeechEnded:
		s.acc.Add(f)
		s.speaking = false
		s.log.Debug("speech ended", "at", ev.At, "buffered", s.acc.Buffered(), "dispatched", s.acc.Dispatched())
		s.beginFlush(ctx)
		s.publishState()

	default:
		if !s.speaking {
			return
		}
		if sr, ok := s.detector.(speakingReporter); ok && !sr.Speaking() {
			// The detector dropped a run shorter than the minimum speaking
			// time.
			s.speaking = false
			s.acc.Discard()
			s.log.Debug("false start discarded", "at", ev.At)
			s.publishState()
			return
		}
		s.acc.Add(f)
	}
}

// beginFlush seals the utterance and waits for its recognitions off the run
// goroutine. Capture goes on meanwhile; results are delivered in utterance
// order.
func (s *SegmentedSession) beginFlush(ctx context.Context) {
	p := s.acc.Seal()
	prev := s.lastSeal
	delivered := make(chan struct{})
	s.lastSeal = delivered
	s.inflight++
	go func() {
		defer close(delivered)
		fctx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
		text, ok, err := p.Wait(fctx)
		cancel()
		if prev != nil {
			<-prev
		}
		select {
		case s.flushed <- flushResult{text: text, ok: ok, err: err}:
		case <-s.done:
		}
	}()
}

func (s *SegmentedSession) onFlushed(r flushResult) {
	s.inflight--
	switch {
	case r.err != nil:
		s.log.Warn("utterance recognition incomplete", "err", r.err)
	case r.ok && r.text != "":
		s.emit(r.text)
	default:
		s.log.Debug("utterance contained no speech")
	}
	s.publishState()
}

func (s *SegmentedSession) emit(text string) {
	u := Utterance{Index: s.next, Text: text}
	s.next++
	s.last = text
	s.log.Info("utterance recognised", "index", u.Index, "text", text)
	select {
	case s.utterances <- u:
	default:
		s.log.Warn("utterance dropped, consumer is not reading", "index", u.Index)
	}
}

// finish stops capture, recognises the rest of an unfinished utterance
// unless opts.Immediate is set, and releases the detector.
func (s *SegmentedSession) finish(ctx context.Context, opts EndOptions) error {
	if err := s.capture.stop(); err != nil {
		s.log.Warn("stop capture failed", "err", err)
	}

	var err error
	for err == nil && s.inflight > 0 {
		select {
		case r := <-s.flushed:
			s.onFlushed(r)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil && s.speaking && !opts.Immediate {
		fctx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
		text, ok, ferr := s.acc.Flush(fctx)
		cancel()
		if ferr != nil {
			err = ferr
		} else if ok && text != "" {
			s.emit(text)
		}
	}
	s.speaking = false

	s.acc.Close()
	_ = s.detector.Close()
	s.state = dialog.Ended
	if err != nil {
		err = fmt.Errorf("session: finish: %w", err)
		s.setErr(err)
	}
	s.publishState()
	s.log.Info("segmented session ended", "utterances", s.next)
	return err
}

func (s *SegmentedSession) publishState() {
	if s.state != dialog.Ended && s.state != dialog.Idle {
		s.state = dialog.LocalListening
		if s.inflight > 0 && !s.speaking {
			s.state = dialog.Thinking
		}
	}
	s.publish(Snapshot{
		Snapshot:   dialog.Snapshot{State: s.state, Active: s.speaking},
		Capturing:  s.capture.active,
		Transcript: s.last,
	})
}
