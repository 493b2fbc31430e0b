// Package stt defines the Recognizer interface for batch speech recognition.
//
// The segmented dialog mode cuts a long utterance into overlapping segments
// and submits each one independently. A Recognizer turns one segment of mono
// PCM into text. An empty result means no speech was recognised and is not an
// error.
//
// Implementations must be safe for concurrent use: several segments of the
// same utterance are normally in flight at once.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

// Segment is one contiguous piece of an utterance.
type Segment struct {
	// Index is the dispatch order within the utterance, starting at 0.
	Index int

	// PCM is mono 16-bit little-endian audio.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int
}

// Duration returns the segment length.
func (s Segment) Duration() time.Duration {
	return audio.PCMDuration(s.PCM, s.SampleRate)
}

// Recognizer converts a segment of speech to text.
type Recognizer interface {
	// Recognize returns the transcript of seg. Leading and trailing whitespace
	// is trimmed; a blank result is returned as "".
	Recognize(ctx context.Context, seg Segment) (string, error)
}

// RecognizerFunc adapts a function to [Recognizer].
type RecognizerFunc func(ctx context.Context, seg Segment) (string, error)

// Recognize implements [Recognizer].
func (f RecognizerFunc) Recognize(ctx context.Context, seg Segment) (string, error) {
	return f(ctx, seg)
}
