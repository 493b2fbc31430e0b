package vad

import "time"

// EventType enumerates detector outcomes for a single frame.
type EventType int

const (
	// NoChange means the speaking state did not change.
	NoChange EventType = iota

	// SpeechStarted means the level crossed the speaking threshold.
	SpeechStarted

	// SpeechEnded means silence lasted the full debounce after a long enough
	// speech run.
	SpeechEnded
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case NoChange:
		return "no_change"
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// Event is the detector result for one frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Level is the meter reading for the frame (0–255).
	Level uint8

	// At is the stream time the event refers to.
	At time.Duration
}
