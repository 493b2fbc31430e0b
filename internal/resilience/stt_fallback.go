package resilience

import (
	"context"

	"github.com/MrWong99/memoirvoice/pkg/provider/stt"
)

// RecognizerFallback implements [stt.Recognizer] with failover across several
// recognition endpoints, each behind its own circuit breaker.
type RecognizerFallback struct {
	group *FallbackGroup[stt.Recognizer]
}

var _ stt.Recognizer = (*RecognizerFallback)(nil)

// NewRecognizerFallback creates a [RecognizerFallback] with primary as the
// preferred endpoint.
func NewRecognizerFallback(primary stt.Recognizer, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognizer.
func (f *RecognizerFallback) AddFallback(name string, r stt.Recognizer) {
	f.group.AddFallback(name, r)
}

// Breaker exposes the named entry's breaker for health reporting.
func (f *RecognizerFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}

// Recognize sends seg to the first healthy recognizer.
func (f *RecognizerFallback) Recognize(ctx context.Context, seg stt.Segment) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(r stt.Recognizer) (string, error) {
		return r.Recognize(ctx, seg)
	})
}
