// Package audio defines the PCM frame type, the capture [Source] abstraction
// and the format helpers shared by every stage of the voice dialog pipeline.
//
// A Source wraps one input device (a microphone through malgo, a WAV file
// replayed in real time, or a test double) and produces a continuous sequence
// of fixed-size [AudioFrame] values at [CaptureSampleRate]. Device callbacks
// deliver arbitrary buffer sizes; [Framer] cuts them into [FrameSamples]-sized
// frames with monotonically increasing timestamps.
package audio

import (
	"context"
	"errors"
)

// Device errors. Both are fatal to capture; callers must not retry
// automatically.
var (
	// ErrDeviceUnavailable reports that no usable input device exists or the
	// device could not be opened.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

	// ErrPermissionDenied reports that the platform refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrSourceActive is returned by Start when the source is already capturing.
	ErrSourceActive = errors.New("audio: source already started")
)

// Source is a capture device producing [CaptureFormat] frames.
//
// Start opens the device and begins delivering frames on the returned
// channel. The channel is closed after Stop, after ctx is cancelled, or when
// the underlying input ends (replay sources). At most one capture may be
// active per Source; a second Start returns [ErrSourceActive].
//
// Stop releases the device. It is idempotent and safe to call concurrently
// with frame delivery.
type Source interface {
	Start(ctx context.Context) (<-chan AudioFrame, error)
	Stop() error
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer must be allowed to
// finish after its consumer has lost interest.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
