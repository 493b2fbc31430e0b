package playback_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/audio/playback"
)

// fakeOutput is a manually clocked [playback.Output].
type fakeOutput struct {
	mu      sync.Mutex
	now     float64
	items   []playback.Item
	flushes int
}

func (f *fakeOutput) Now() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeOutput) Schedule(it playback.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, it)
}

func (f *fakeOutput) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = nil
	f.flushes++
}

func (f *fakeOutput) set(now float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// pcmOf returns seconds of constant-valued PCM at rate.
func pcmOf(seconds float64, rate int, v float32) []byte {
	n := int(math.Round(seconds * float64(rate)))
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.Float32ToPCM16(s)
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

// ── Start times ──────────────────────────────────────────────────────────────

func TestScheduler_StartTimes(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.New(out)
	defer s.Close()

	durations := []float64{0.5, 0.3, 0.4}
	arrivals := []float64{0, 0.1, 0.9}
	want := []float64{0.01, 0.51, 0.91}

	for i := range durations {
		out.set(arrivals[i])
		item, err := s.Enqueue(pcmOf(durations[i], audio.PlaybackSampleRate, 0.5))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if !near(item.Start, want[i]) {
			t.Errorf("chunk %d: start = %.4f, want %.4f", i, item.Start, want[i])
		}
		if !near(item.Duration(), durations[i]) {
			t.Errorf("chunk %d: duration = %.4f, want %.4f", i, item.Duration(), durations[i])
		}
	}
	if len(out.items) != 3 {
		t.Errorf("scheduled items = %d, want 3", len(out.items))
	}
}

func TestScheduler_StartsAreMonotonic(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.New(out)
	defer s.Close()

	prevEnd := 0.0
	for i := range 20 {
		out.set(float64(i) * 0.07)
		item, err := s.Enqueue(pcmOf(0.1, audio.PlaybackSampleRate, 0.1))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if item.Start < prevEnd-1e-9 {
			t.Fatalf("chunk %d starts at %.4f before previous end %.4f", i, item.Start, prevEnd)
		}
		if item.Start < out.Now() {
			t.Fatalf("chunk %d scheduled in the past", i)
		}
		prevEnd = item.End()
	}
}

// ── Clear ────────────────────────────────────────────────────────────────────

func TestScheduler_ClearResetsCursor(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.New(out)
	defer s.Close()

	if _, err := s.Enqueue(pcmOf(1, audio.PlaybackSampleRate, 0.2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if c, _ := s.Cursor(); !near(c, 1.01) {
		t.Fatalf("cursor = %.4f, want 1.01", c)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if c, _ := s.Cursor(); c != 0 {
		t.Errorf("cursor after clear = %v, want 0", c)
	}
	if out.flushes != 1 || len(out.items) != 0 {
		t.Errorf("flushes=%d items=%d", out.flushes, len(out.items))
	}

	out.set(0.3)
	item, err := s.Enqueue(pcmOf(0.2, audio.PlaybackSampleRate, 0.2))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !near(item.Start, 0.31) {
		t.Errorf("start after clear = %.4f, want 0.31", item.Start)
	}
}

// ── Fades ────────────────────────────────────────────────────────────────────

func TestScheduler_Fade(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.New(out, playback.WithSampleRate(1000))
	defer s.Close()

	item, err := s.Enqueue(pcmOf(1, 1000, 0.5)) // 1000 samples → fade 64
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	n := len(item.Samples)
	if item.Samples[0] != 0 || item.Samples[n-1] != 0 {
		t.Errorf("edges not silenced: %v / %v", item.Samples[0], item.Samples[n-1])
	}
	if item.Samples[32] >= item.Samples[64] {
		t.Errorf("fade-in not increasing: %v >= %v", item.Samples[32], item.Samples[64])
	}
	if math.Abs(float64(item.Samples[500])-0.5) > 1e-3 {
		t.Errorf("middle sample = %v, want 0.5", item.Samples[500])
	}
}

func TestScheduler_ShortChunkFade(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.New(out, playback.WithSampleRate(1000))
	defer s.Close()

	// 50 samples → fade of 5.
	item, err := s.Enqueue(pcmOf(0.05, 1000, 0.5))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item.Samples[5] < 0.49 {
		t.Errorf("sample 5 = %v, want unfaded", item.Samples[5])
	}
	if item.Samples[4] >= 0.49 {
		t.Errorf("sample 4 = %v, want faded", item.Samples[4])
	}
}

func TestScheduler_NoFade(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.New(out, playback.WithFade(false), playback.WithLeadIn(0))
	defer s.Close()

	item, err := s.Enqueue(pcmOf(0.1, audio.PlaybackSampleRate, 0.5))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item.Samples[0] < 0.49 {
		t.Errorf("first sample = %v, want unfaded", item.Samples[0])
	}
	if item.Start != 0 {
		t.Errorf("start = %v, want 0 with zero lead-in", item.Start)
	}
}

// ── Errors and lifecycle ─────────────────────────────────────────────────────

func TestScheduler_DecodeError(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.New(out)
	defer s.Close()

	for _, pcm := range [][]byte{nil, {1, 2, 3}} {
		if _, err := s.Enqueue(pcm); !errors.Is(err, playback.ErrDecode) {
			t.Errorf("Enqueue(%v): err = %v, want ErrDecode", pcm, err)
		}
	}
	if c, _ := s.Cursor(); c != 0 {
		t.Errorf("cursor moved on bad input: %v", c)
	}
}

func TestScheduler_Closed(t *testing.T) {
	t.Parallel()
	s := playback.New(&fakeOutput{})
	_ = s.Close()
	_ = s.Close()
	if _, err := s.Enqueue(pcmOf(0.1, audio.PlaybackSampleRate, 0)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close: err = %v", err)
	}
	if err := s.Clear(); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Clear after Close: err = %v", err)
	}
}

func TestScheduler_Drain(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	s := playback.New(out)
	defer s.Close()

	if _, err := s.Enqueue(pcmOf(0.2, audio.PlaybackSampleRate, 0)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain before playback: err = %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		out.set(1)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := s.Drain(ctx2); err != nil {
		t.Errorf("Drain: %v", err)
	}
}

func TestScheduler_Hook(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{}
	var lags []time.Duration
	s := playback.New(out, playback.WithScheduleHook(func(_ playback.Item, lag time.Duration) {
		lags = append(lags, lag)
	}))
	defer s.Close()

	out.set(2)
	if _, err := s.Enqueue(pcmOf(0.1, audio.PlaybackSampleRate, 0)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(lags) != 1 || lags[0] != -2*time.Second {
		t.Errorf("lags = %v, want [-2s]", lags)
	}
}
