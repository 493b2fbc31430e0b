// Package playback schedules streamed speech chunks back-to-back on an output
// clock so that network jitter never produces audible gaps.
//
// A [Scheduler] owns a single cursor, the time at which the next chunk should
// begin. Each incoming chunk is decoded, faded at both ends, and placed at the
// later of that cursor and "now plus lead-in". [Scheduler.Clear] drops every
// unplayed chunk and resets the cursor; it is what barge-in calls.
//
// The output clock is abstracted by [Output]. [Timeline] is the production
// implementation, pulled by an audio device callback.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

// Defaults for [New].
const (
	DefaultLeadIn = 10 * time.Millisecond
	maxFade       = 64
	drainPoll     = 20 * time.Millisecond
)

var (
	// ErrClosed is returned by operations on a closed Scheduler.
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrDecode is returned by Enqueue for chunks that are not valid PCM16.
	ErrDecode = errors.New("playback: undecodable chunk")
)

// Item is one chunk placed on the output timeline.
type Item struct {
	// Start is the output-clock time in seconds at which playback begins.
	Start float64

	// Samples are normalised mono samples.
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int
}

// Duration returns the item length in seconds.
func (it Item) Duration() float64 {
	if it.SampleRate <= 0 {
		return 0
	}
	return float64(len(it.Samples)) / float64(it.SampleRate)
}

// End returns Start + Duration.
func (it Item) End() float64 { return it.Start + it.Duration() }

// Output is an audio sink with its own monotonic clock.
//
// Now returns the current playback position in seconds. Schedule queues an
// item for playback at item.Start. Flush discards every item that has not
// finished playing. Implementations must be safe for concurrent use.
type Output interface {
	Now() float64
	Schedule(Item)
	Flush()
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithSampleRate sets the rate of incoming PCM. Default: [audio.PlaybackSampleRate].
func WithSampleRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.rate = hz
		}
	}
}

// WithLeadIn sets the minimum distance between now and the start of a chunk
// that arrives after the cursor has fallen behind. Default: [DefaultLeadIn].
func WithLeadIn(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.leadIn = d.Seconds()
		}
	}
}

// WithFade enables or disables the per-chunk fade ramps. Default: enabled.
func WithFade(on bool) Option {
	return func(s *Scheduler) { s.fade = on }
}

// WithScheduleHook registers fn to be called for every scheduled item with
// the lag between the cursor and the clock at enqueue time (negative when the
// buffer had run dry).
func WithScheduleHook(fn func(item Item, lag time.Duration)) Option {
	return func(s *Scheduler) { s.hook = fn }
}

type cmdKind int

const (
	cmdEnqueue cmdKind = iota
	cmdClear
	cmdCursor
)

type command struct {
	kind  cmdKind
	pcm   []byte
	reply chan reply
}

type reply struct {
	item Item
	next float64
	err  error
}

// Scheduler is a jitter buffer in front of an [Output].
type Scheduler struct {
	out    Output
	rate   int
	leadIn float64
	fade   bool
	hook   func(Item, time.Duration)

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a Scheduler feeding out. Call [Scheduler.Close] to release the
// owner goroutine.
func New(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		rate:   audio.PlaybackSampleRate,
		leadIn: DefaultLeadIn.Seconds(),
		fade:   true,
		cmds:   make(chan command),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	var next float64
	for {
		select {
		case <-s.done:
			return
		case c := <-s.cmds:
			switch c.kind {
			case cmdEnqueue:
				item, err := s.place(c.pcm, &next)
				c.reply <- reply{item: item, next: next, err: err}
			case cmdClear:
				s.out.Flush()
				next = 0
				c.reply <- reply{}
			case cmdCursor:
				c.reply <- reply{next: next}
			}
		}
	}
}

func (s *Scheduler) place(pcm []byte, next *float64) (Item, error) {
	if len(pcm) == 0 || len(pcm)%audio.BytesPerSample != 0 {
		return Item{}, fmt.Errorf("%w: %d bytes", ErrDecode, len(pcm))
	}
	samples := audio.PCM16ToFloat32(pcm)
	if s.fade {
		applyFade(samples)
	}

	now := s.out.Now()
	start := max(*next, now+s.leadIn)
	item := Item{Start: start, Samples: samples, SampleRate: s.rate}
	lag := time.Duration((*next - now) * float64(time.Second))
	*next = item.End()

	s.out.Schedule(item)
	if s.hook != nil {
		s.hook(item, lag)
	}
	return item, nil
}

// applyFade ramps the first and last min(64, n/10) samples linearly.
func applyFade(samples []float32) {
	n := len(samples)
	fade := min(maxFade, n/10)
	for i := range fade {
		g := float32(i) / float32(fade)
		samples[i] *= g
		samples[n-1-i] *= g
	}
}

func (s *Scheduler) do(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r, r.err
	case <-s.done:
		return reply{}, ErrClosed
	}
}

// Enqueue decodes a PCM16LE chunk and schedules it. The returned item carries
// the start time chosen for it.
func (s *Scheduler) Enqueue(pcm []byte) (Item, error) {
	r, err := s.do(context.Background(), command{kind: cmdEnqueue, pcm: pcm})
	return r.item, err
}

// Clear discards all unplayed audio and resets the cursor to zero.
func (s *Scheduler) Clear() error {
	_, err := s.do(context.Background(), command{kind: cmdClear})
	return err
}

// Cursor returns the output time at which the next chunk would start if the
// buffer has not run dry. Zero after Clear.
func (s *Scheduler) Cursor() (float64, error) {
	r, err := s.do(context.Background(), command{kind: cmdCursor})
	return r.next, err
}

// Drain blocks until the output clock has passed the end of the last
// scheduled chunk or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	for {
		r, err := s.do(ctx, command{kind: cmdCursor})
		if err != nil {
			return err
		}
		if s.out.Now() >= r.next {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close stops the owner goroutine. Unplayed audio is left on the Output.
// Idempotent.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
