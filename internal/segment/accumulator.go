// Package segment implements overlapping segmentation for batch speech
// recognition.
//
// While the user speaks, frames accumulate in a [Ring]. Every Duration of new
// audio the current segment is closed and sent to an [stt.Recognizer] in the
// background; the trailing Overlap of audio stays in the ring and seeds the
// next segment so that words straddling the boundary are heard in full at
// least once. When speech ends, [Accumulator.Flush] sends the remainder,
// waits for every outstanding recognition, and joins the fragments in
// dispatch order.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/memoirvoice/internal/observe"
	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/provider/stt"
)

// Defaults for [Config].
const (
	DefaultDuration = 20 * time.Second
	DefaultOverlap  = 3 * time.Second
)

// Config controls segment boundaries.
type Config struct {
	// Duration of new audio after which a segment is closed.
	Duration time.Duration

	// Overlap is the trailing audio carried into the next segment. Must be
	// shorter than Duration.
	Overlap time.Duration
}

// DefaultConfig returns 20 s segments with 3 s overlap.
func DefaultConfig() Config {
	return Config{Duration: DefaultDuration, Overlap: DefaultOverlap}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("segment: duration must be positive, got %s", c.Duration))
	}
	if c.Overlap < 0 {
		errs = append(errs, fmt.Errorf("segment: overlap must not be negative, got %s", c.Overlap))
	}
	if c.Overlap >= c.Duration {
		errs = append(errs, fmt.Errorf("segment: overlap %s must be shorter than duration %s", c.Overlap, c.Duration))
	}
	return errors.Join(errs...)
}

// Result describes one finished recognition call.
type Result struct {
	Segment stt.Segment
	Text    string
	Elapsed time.Duration
	Err     error
}

// Option configures an [Accumulator].
type Option func(*Accumulator)

// WithResultHook registers fn to be called from the recognition goroutine
// after every segment, successful or not.
func WithResultHook(fn func(Result)) Option {
	return func(a *Accumulator) { a.onResult = fn }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Accumulator) { a.log = l }
}

// Accumulator buffers frames into overlapping segments. It is driven by a
// single goroutine; recognition runs on goroutines it starts itself.
type Accumulator struct {
	rec      stt.Recognizer
	cfg      Config
	onResult func(Result)
	log      *slog.Logger

	ring       *Ring
	sinceClose time.Duration // new audio since the last close
	fresh      bool          // frames added since the last dispatch
	pending    []chan string // one per dispatched segment, in order

	// ctx scopes the recognitions of the open utterance; it derives from
	// root, which Close cancels.
	ctx        context.Context
	cancel     context.CancelFunc
	root       context.Context
	rootCancel context.CancelFunc
}

// New validates cfg and returns an idle Accumulator.
func New(rec stt.Recognizer, cfg Config, opts ...Option) (*Accumulator, error) {
	if rec == nil {
		return nil, errors.New("segment: nil recognizer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Accumulator{
		rec:  rec,
		cfg:  cfg,
		log:  slog.Default(),
		ring: NewRing(int((cfg.Duration+cfg.Overlap)/(256*time.Millisecond)) + 1),
	}
	for _, o := range opts {
		o(a)
	}
	a.root, a.rootCancel = context.WithCancel(context.Background())
	a.ctx, a.cancel = context.WithCancel(a.root)
	return a, nil
}

// Dispatched returns the number of segments sent for the current utterance.
func (a *Accumulator) Dispatched() int { return len(a.pending) }

// Buffered returns the duration of audio currently held.
func (a *Accumulator) Buffered() time.Duration { return a.ring.Duration() }

// Add appends a frame, closing and dispatching the current segment once
// Duration of new audio has been collected.
func (a *Accumulator) Add(f audio.AudioFrame) {
	a.ring.Push(f)
	a.fresh = true
	a.sinceClose += f.Duration()
	if a.sinceClose >= a.cfg.Duration {
		a.dispatch()
		a.ring.KeepTail(a.cfg.Overlap)
		a.sinceClose = 0
	}
}

func (a *Accumulator) dispatch() {
	seg := stt.Segment{
		Index:      len(a.pending),
		PCM:        a.ring.PCM(),
		SampleRate: audio.CaptureSampleRate,
	}
	if frames := a.ring.Frames(); len(frames) > 0 && frames[0].SampleRate > 0 {
		seg.SampleRate = frames[0].SampleRate
	}
	out := make(chan string, 1)
	a.pending = append(a.pending, out)
	a.fresh = false

	ctx := a.ctx
	go func() {
		ctx, span := observe.StartSpan(ctx, "segment.recognize",
			trace.WithAttributes(attribute.Int("segment.index", seg.Index)))
		start := time.Now()
		text, err := a.rec.Recognize(ctx, seg)
		observe.EndSpan(span, err)
		res := Result{Segment: seg, Text: text, Elapsed: time.Since(start), Err: err}
		if err != nil {
			res.Text = ""
			a.log.Warn("segment: recognition failed, treating as silence",
				"index", seg.Index,
				"duration", seg.Duration(),
				"err", err,
			)
		}
		if a.onResult != nil {
			a.onResult(res)
		}
		out <- strings.TrimSpace(res.Text)
	}()
}

// Pending holds the recognitions of a sealed utterance.
type Pending struct {
	segments []chan string
	cancel   context.CancelFunc
}

// Seal dispatches any audio not yet sent and hands the utterance's
// recognitions over to the returned [Pending]. The accumulator is reset, so
// frames of the next utterance can be added while the previous one is
// awaited on another goroutine. Discard no longer affects a sealed utterance.
func (a *Accumulator) Seal() Pending {
	if a.fresh {
		a.dispatch()
	}
	p := Pending{segments: a.pending, cancel: a.cancel}
	a.ctx, a.cancel = context.WithCancel(a.root)
	a.resetBuffers()
	return p
}

// Wait blocks until every recognition of the utterance has finished and
// returns the fragments joined in dispatch order. ok is false when nothing
// was dispatched. Recognitions still running when ctx ends are abandoned.
func (p Pending) Wait(ctx context.Context) (text string, ok bool, err error) {
	if p.cancel != nil {
		defer p.cancel()
	}
	if len(p.segments) == 0 {
		return "", false, nil
	}

	var b strings.Builder
	for _, ch := range p.segments {
		select {
		case t := <-ch:
			b.WriteString(t)
		case <-ctx.Done():
			return "", false, fmt.Errorf("segment: flush: %w", ctx.Err())
		}
	}
	return b.String(), true, nil
}

// Flush seals the utterance and waits for it. See [Accumulator.Seal] and
// [Pending.Wait].
func (a *Accumulator) Flush(ctx context.Context) (text string, ok bool, err error) {
	return a.Seal().Wait(ctx)
}

// Discard drops buffered audio and abandons in-flight recognitions of the
// open utterance.
func (a *Accumulator) Discard() {
	a.cancel()
	a.ctx, a.cancel = context.WithCancel(a.root)
	a.resetBuffers()
}

// Close abandons every in-flight recognition, sealed or not.
func (a *Accumulator) Close() {
	a.rootCancel()
}

func (a *Accumulator) resetBuffers() {
	a.ring.Clear()
	a.sinceClose = 0
	a.fresh = false
	a.pending = nil
}
