// Package mock provides a test double for [stt.Recognizer].
//
// Responses are either fixed (Text), looked up by segment index (ByIndex), or
// computed (Func). Every call is recorded.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/provider/stt"
)

// Ensure Recognizer implements stt.Recognizer at compile time.
var _ stt.Recognizer = (*Recognizer)(nil)

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Text is returned when neither Func nor ByIndex supplies a value.
	Text string

	// ByIndex maps a segment index to its transcript.
	ByIndex map[int]string

	// Func, if set, overrides Text and ByIndex.
	Func func(ctx context.Context, seg stt.Segment) (string, error)

	// Err, if non-nil, is returned by every call.
	Err error

	// Delay is slept before responding, honouring ctx.
	Delay time.Duration

	// Calls records every segment passed to Recognize in arrival order.
	Calls []stt.Segment
}

// Recognize records the call and returns the configured response.
func (r *Recognizer) Recognize(ctx context.Context, seg stt.Segment) (string, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, seg)
	delay, fn, err := r.Delay, r.Func, r.Err
	text, ok := r.ByIndex[seg.Index]
	if !ok {
		text = r.Text
	}
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, seg)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// CallCount returns the number of Recognize calls. Thread-safe.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
