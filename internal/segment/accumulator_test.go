package segment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/memoirvoice/internal/segment"
	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/memoirvoice/pkg/provider/stt/mock"
)

const frameDur = 250 * time.Millisecond

// feed adds d of audio in 250 ms frames.
func feed(a *segment.Accumulator, d time.Duration) {
	for range int(d / frameDur) {
		a.Add(audio.AudioFrame{Data: make([]byte, 4000*2), SampleRate: 16000, Channels: 1})
	}
}

func flushCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Segmentation ─────────────────────────────────────────────────────────────

func TestAccumulator_FortyFiveSecondUtterance(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{ByIndex: map[int]string{0: "0", 1: "1", 2: "2"}}
	a, err := segment.New(rec, segment.DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	feed(a, 45*time.Second)
	if a.Dispatched() != 2 {
		t.Fatalf("dispatched while recording = %d, want 2", a.Dispatched())
	}

	text, ok, err := a.Flush(flushCtx(t))
	if err != nil || !ok {
		t.Fatalf("Flush: %q, %v, %v", text, ok, err)
	}
	if text != "012" {
		t.Errorf("text = %q, want %q", text, "012")
	}

	if rec.CallCount() != 3 {
		t.Fatalf("segments = %d, want 3", rec.CallCount())
	}
	want := map[int]time.Duration{0: 20 * time.Second, 1: 23 * time.Second, 2: 8 * time.Second}
	for _, seg := range rec.Calls {
		if seg.Duration() != want[seg.Index] {
			t.Errorf("segment %d duration = %v, want %v", seg.Index, seg.Duration(), want[seg.Index])
		}
		if seg.SampleRate != 16000 {
			t.Errorf("segment %d rate = %d", seg.Index, seg.SampleRate)
		}
	}
}

func TestAccumulator_OrderIndependentOfCompletion(t *testing.T) {
	t.Parallel()
	// Earlier segments answer later.
	rec := &sttmock.Recognizer{Func: func(ctx context.Context, seg stt.Segment) (string, error) {
		time.Sleep(time.Duration(3-seg.Index) * 20 * time.Millisecond)
		return string(rune('a' + seg.Index)), nil
	}}
	a, _ := segment.New(rec, segment.Config{Duration: time.Second, Overlap: 250 * time.Millisecond})
	defer a.Close()

	feed(a, 2500*time.Millisecond)
	text, _, err := a.Flush(flushCtx(t))
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if text != "abc" {
		t.Errorf("text = %q, want abc", text)
	}
}

func TestAccumulator_ShortUtterance(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Text: " 你好 "}
	a, _ := segment.New(rec, segment.DefaultConfig())
	defer a.Close()

	feed(a, time.Second)
	text, ok, err := a.Flush(flushCtx(t))
	if err != nil || !ok || text != "你好" {
		t.Errorf("Flush = %q, %v, %v", text, ok, err)
	}
	if a.Buffered() != 0 || a.Dispatched() != 0 {
		t.Errorf("not reset: buffered=%v dispatched=%d", a.Buffered(), a.Dispatched())
	}
}

// ── Guards and errors ────────────────────────────────────────────────────────

func TestAccumulator_EmptyFlush(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Text: "x"}
	a, _ := segment.New(rec, segment.DefaultConfig())
	defer a.Close()

	_, ok, err := a.Flush(flushCtx(t))
	if err != nil || ok {
		t.Errorf("Flush on empty = ok %v, err %v; want false, nil", ok, err)
	}
	if rec.CallCount() != 0 {
		t.Errorf("recognizer called %d times", rec.CallCount())
	}
}

func TestAccumulator_NoDuplicateDispatchAtBoundary(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Text: "x"}
	a, _ := segment.New(rec, segment.Config{Duration: time.Second, Overlap: 500 * time.Millisecond})
	defer a.Close()

	feed(a, time.Second) // exactly one segment, overlap only remains
	text, ok, err := a.Flush(flushCtx(t))
	if err != nil || !ok {
		t.Fatalf("Flush: %v %v", ok, err)
	}
	if rec.CallCount() != 1 || text != "x" {
		t.Errorf("calls=%d text=%q, want 1 call and x", rec.CallCount(), text)
	}
}

func TestAccumulator_RecognitionErrorIsEmptyText(t *testing.T) {
	t.Parallel()
	boom := errors.New("asr down")
	rec := &sttmock.Recognizer{Func: func(_ context.Context, seg stt.Segment) (string, error) {
		if seg.Index == 1 {
			return "", boom
		}
		return "ok", nil
	}}
	var (
		mu      sync.Mutex
		results []segment.Result
	)
	a, _ := segment.New(rec, segment.Config{Duration: time.Second, Overlap: 250 * time.Millisecond},
		segment.WithResultHook(func(r segment.Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}))
	defer a.Close()

	feed(a, 2500*time.Millisecond)
	text, ok, err := a.Flush(flushCtx(t))
	if err != nil || !ok {
		t.Fatalf("Flush: %v %v", ok, err)
	}
	if text != "okok" {
		t.Errorf("text = %q, want okok", text)
	}
	mu.Lock()
	defer mu.Unlock()
	var failed int
	for _, r := range results {
		if errors.Is(r.Err, boom) {
			failed++
		}
	}
	if len(results) != 3 || failed != 1 {
		t.Errorf("results=%d failed=%d", len(results), failed)
	}
}

func TestAccumulator_FlushHonoursContext(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Text: "x", Delay: time.Hour}
	a, _ := segment.New(rec, segment.DefaultConfig())
	defer a.Close()

	feed(a, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := a.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestAccumulator_Discard(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Text: "x"}
	a, _ := segment.New(rec, segment.DefaultConfig())
	defer a.Close()

	feed(a, time.Second)
	a.Discard()
	if _, ok, _ := a.Flush(flushCtx(t)); ok {
		t.Error("Flush after Discard dispatched audio")
	}
}

func TestAccumulator_SealedUtteranceOutlivesNextOne(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	rec := &sttmock.Recognizer{Func: func(ctx context.Context, _ stt.Segment) (string, error) {
		select {
		case <-release:
			return "第一句", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	a, _ := segment.New(rec, segment.DefaultConfig())
	defer a.Close()

	feed(a, time.Second)
	p := a.Seal()
	if a.Buffered() != 0 || a.Dispatched() != 0 {
		t.Fatalf("buffered=%v dispatched=%d after Seal, want empty", a.Buffered(), a.Dispatched())
	}

	// The next utterance starts and is thrown away while the first one is
	// still being recognised.
	feed(a, time.Second)
	if a.Buffered() == 0 {
		t.Fatal("frames after Seal were not buffered")
	}
	a.Discard()
	close(release)

	text, ok, err := p.Wait(flushCtx(t))
	if err != nil || !ok || text != "第一句" {
		t.Errorf("Wait = %q, %v, %v; want the sealed utterance", text, ok, err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	bad := []segment.Config{
		{Duration: 0, Overlap: 0},
		{Duration: time.Second, Overlap: time.Second},
		{Duration: time.Second, Overlap: -1},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("%+v: expected error", c)
		}
	}
	if _, err := segment.New(nil, segment.DefaultConfig()); err == nil {
		t.Error("New(nil) should fail")
	}
}
