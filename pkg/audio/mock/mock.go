// Package mock provides an in-memory implementation of [audio.Source] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records Start and Stop calls so
// that tests can assert on capture lifecycle, and it lets the test push frames
// into an active capture at any time.
//
// Typical usage:
//
//	src := &mock.Source{}
//	frames, _ := src.Start(ctx)
//	src.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	_ = src.Stop()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// defaultBuffer is the channel capacity of an active capture.
const defaultBuffer = 64

// Source is a mock implementation of [audio.Source].
// Set the exported fields before use; inspect the call counters afterwards.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start and no capture begins.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// Frames are queued onto the channel immediately when Start succeeds.
	Frames []audio.AudioFrame

	// CloseAfterFrames closes the channel once Frames are queued, simulating
	// a finite input such as a replayed file.
	CloseAfterFrames bool

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	ch     chan audio.AudioFrame
	active bool
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	if s.active {
		return nil, audio.ErrSourceActive
	}

	ch := make(chan audio.AudioFrame, max(defaultBuffer, len(s.Frames)))
	for _, f := range s.Frames {
		ch <- f
	}
	if s.CloseAfterFrames {
		close(ch)
		return ch, nil
	}

	s.ch = ch
	s.active = true
	go func() {
		<-ctx.Done()
		_ = s.stop()
	}()
	return ch, nil
}

// Push delivers f to the active capture. It reports false when no capture is
// active or the channel buffer is full.
func (s *Source) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// Stop implements [audio.Source]. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	s.CallCountStop++
	s.mu.Unlock()
	return s.stop()
}

func (s *Source) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		close(s.ch)
	}
	return s.StopErr
}

// Active reports whether a capture is running.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Starts returns the number of Start calls so far.
func (s *Source) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStart
}

// Stops returns the number of Stop calls so far.
func (s *Source) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}
