package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/memoirvoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/memoirvoice/pkg/provider/stt/mock"
)

func TestRecognizerFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Recognizer{Text: "你好"}
	secondary := &sttmock.Recognizer{Text: "backup"}
	fb := NewRecognizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	got, err := fb.Recognize(context.Background(), stt.Segment{PCM: []byte{0, 0}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "你好" {
		t.Errorf("text = %q, want 你好", got)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestRecognizerFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Recognizer{Err: errors.New("primary down")}
	secondary := &sttmock.Recognizer{Text: "backup"}
	fb := NewRecognizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	for range 2 {
		got, err := fb.Recognize(context.Background(), stt.Segment{})
		if err != nil || got != "backup" {
			t.Fatalf("got %q, %v", got, err)
		}
	}
	// The primary breaker opened after the first failure.
	if primary.CallCount() != 1 {
		t.Errorf("primary called %d times, want 1", primary.CallCount())
	}
	if fb.Breaker("primary").State() != StateOpen {
		t.Errorf("primary breaker = %v, want open", fb.Breaker("primary").State())
	}
}

func TestRecognizerFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewRecognizerFallback(&sttmock.Recognizer{Err: errTest}, "primary", FallbackConfig{})
	if _, err := fb.Recognize(context.Background(), stt.Segment{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
