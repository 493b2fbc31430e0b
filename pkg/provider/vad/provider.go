// Package vad defines the Engine interface for Voice Activity Detection backends
// and the shared hysteresis detector that turns per-frame levels into speech
// start and end events.
//
// A backend contributes only a [Meter]: a function from one audio frame to a
// level on a 0–255 scale. [Detector] applies two thresholds with a silence
// debounce on top of that level, so every backend has identical timing
// behaviour. Time is taken from [audio.AudioFrame.Timestamp], never from the
// wall clock, which keeps detection deterministic for replayed input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

// Default thresholds on the 0–255 level scale.
const (
	DefaultSilenceThreshold  = 10
	DefaultSpeakingThreshold = 15
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Frames with a different rate
	// are rejected.
	SampleRate int

	// SilenceThreshold is the level below which a frame counts as silence while
	// speaking. Must be below SpeakingThreshold.
	SilenceThreshold int

	// SpeakingThreshold is the level above which a frame starts speech.
	SpeakingThreshold int

	// FinalSilence is how long the level must stay below SilenceThreshold
	// before speech is considered over.
	FinalSilence time.Duration

	// MinSpeaking is the minimum time between speech start and the end of the
	// debounce for the speech to be reported. Shorter bursts are discarded as
	// false starts.
	MinSpeaking time.Duration
}

// StreamingDefaults returns the configuration used for streaming dialogs,
// where the remote service performs its own turn detection and local VAD only
// gates barge-in.
func StreamingDefaults() Config {
	return Config{
		SampleRate:        audio.CaptureSampleRate,
		SilenceThreshold:  DefaultSilenceThreshold,
		SpeakingThreshold: DefaultSpeakingThreshold,
		FinalSilence:      4 * time.Second,
		MinSpeaking:       time.Second,
	}
}

// SegmentedDefaults returns the configuration used for segmented recognition,
// where SpeechEnded finalises an utterance.
func SegmentedDefaults() Config {
	return Config{
		SampleRate:        audio.CaptureSampleRate,
		SilenceThreshold:  DefaultSilenceThreshold,
		SpeakingThreshold: DefaultSpeakingThreshold,
		FinalSilence:      2 * time.Second,
		MinSpeaking:       500 * time.Millisecond,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SilenceThreshold < 0 || c.SpeakingThreshold > 255 {
		errs = append(errs, fmt.Errorf("vad: thresholds must lie in [0,255], got %d/%d", c.SilenceThreshold, c.SpeakingThreshold))
	}
	if c.SilenceThreshold >= c.SpeakingThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %d must be below speaking threshold %d", c.SilenceThreshold, c.SpeakingThreshold))
	}
	if c.FinalSilence <= 0 {
		errs = append(errs, fmt.Errorf("vad: final silence must be positive, got %s", c.FinalSilence))
	}
	if c.MinSpeaking < 0 {
		errs = append(errs, fmt.Errorf("vad: min speaking must not be negative, got %s", c.MinSpeaking))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame and reports whether speech started, ended
	// or neither. It must not block.
	ProcessFrame(frame audio.AudioFrame) (Event, error)

	// Reset returns the session to the not-speaking state without closing it.
	Reset()

	// Close releases all resources. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

// Meter maps a frame to a level in [0,255]. A Meter belongs to exactly one
// session.
type Meter interface {
	Level(frame audio.AudioFrame) (uint8, error)
}

// MeterFunc adapts a plain function to [Meter].
type MeterFunc func(frame audio.AudioFrame) (uint8, error)

// Level implements [Meter].
func (f MeterFunc) Level(frame audio.AudioFrame) (uint8, error) { return f(frame) }
