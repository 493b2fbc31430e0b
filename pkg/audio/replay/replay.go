// Package replay provides an [audio.Source] that plays back a recorded WAV
// file as if it were a live microphone. It backs the "file" audio source
// (audio.source: file) for offline runs and deterministic tests.
package replay

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Option configures a [Source].
type Option func(*Source)

// WithRealtime controls whether frames are paced at wall-clock speed. When
// disabled frames are delivered as fast as the consumer reads them. Default: true.
func WithRealtime(on bool) Option {
	return func(s *Source) { s.realtime = on }
}

// WithTrailingSilence appends d of silence after the recording so that a
// downstream VAD can observe the end of speech. Default: 0.
func WithTrailingSilence(d time.Duration) Option {
	return func(s *Source) { s.trailing = d }
}

// WithFrameSamples overrides the frame size. Default: [audio.FrameSamples].
func WithFrameSamples(n int) Option {
	return func(s *Source) { s.frameSamples = n }
}

// Source replays 16-bit PCM audio at [audio.CaptureFormat].
type Source struct {
	pcm          []byte
	realtime     bool
	trailing     time.Duration
	frameSamples int

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// Open reads the WAV file at path and returns a Source replaying it.
func Open(path string, opts ...Option) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replay: read %s: %w", path, err)
	}
	return NewWAV(data, opts...)
}

// NewWAV decodes a WAV container and converts it to the capture format.
func NewWAV(data []byte, opts ...Option) (*Source, error) {
	pcm, f, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	conv := &audio.FormatConverter{Target: audio.CaptureFormat}
	return New(conv.Convert(pcm, f), opts...), nil
}

// New returns a Source replaying pcm, which must already be mono PCM16 at
// [audio.CaptureSampleRate].
func New(pcm []byte, opts ...Option) *Source {
	s := &Source{
		pcm:          pcm,
		realtime:     true,
		frameSamples: audio.FrameSamples,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Duration returns the length of the recording excluding trailing silence.
func (s *Source) Duration() time.Duration {
	return audio.PCMDuration(s.pcm, audio.CaptureSampleRate)
}

// Start implements [audio.Source]. The returned channel closes once the
// recording and any trailing silence have been delivered.
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil, audio.ErrSourceActive
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	out := make(chan audio.AudioFrame, 4)
	go s.feed(ctx, out, s.stopCh, s.done)
	return out, nil
}

func (s *Source) feed(ctx context.Context, out chan<- audio.AudioFrame, stop, done chan struct{}) {
	defer close(done)
	defer close(out)

	var frames []audio.AudioFrame
	framer := audio.NewFramer(audio.CaptureSampleRate, s.frameSamples)
	collect := func(f audio.AudioFrame) { frames = append(frames, f) }
	framer.Write(s.pcm, collect)
	if s.trailing > 0 {
		silence := make([]byte, int(s.trailing.Seconds()*audio.CaptureSampleRate)*audio.BytesPerSample)
		framer.Write(silence, collect)
	}
	framer.Flush(collect)

	var ticker *time.Ticker
	if s.realtime && len(frames) > 0 {
		ticker = time.NewTicker(frames[0].Duration())
		defer ticker.Stop()
	}

	for _, f := range frames {
		select {
		case out <- f:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
		if ticker == nil {
			continue
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop implements [audio.Source]. It blocks until the feeder goroutine exits
// and leaves the Source ready to be started again.
func (s *Source) Stop() error {
	s.mu.Lock()
	stop, done := s.stopCh, s.done
	s.stopCh, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
