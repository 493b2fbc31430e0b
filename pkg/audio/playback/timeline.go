package playback

import (
	"context"
	"math"
	"sync"
	"time"
)

var _ Output = (*Timeline)(nil)

type scheduled struct {
	start   int64 // sample index on the timeline
	samples []float32
}

// Timeline is a sample-accurate mixing buffer. Its clock advances only when
// [Timeline.Render] is called, so the device callback that pulls audio out of
// it is also the clock source. Overlapping items are summed.
type Timeline struct {
	rate int

	mu    sync.Mutex
	pos   int64 // samples rendered so far
	items []scheduled
}

// NewTimeline returns an empty timeline running at sampleRate.
func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{rate: sampleRate}
}

// SampleRate returns the timeline rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now implements [Output].
func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.pos) / float64(t.rate)
}

// Schedule implements [Output]. Items are resampled by index only; callers
// must schedule audio at the timeline rate.
func (t *Timeline) Schedule(it Item) {
	if len(it.Samples) == 0 {
		return
	}
	start := int64(math.Round(it.Start * float64(t.rate)))
	t.mu.Lock()
	t.items = append(t.items, scheduled{start: start, samples: it.Samples})
	t.mu.Unlock()
}

// Flush implements [Output].
func (t *Timeline) Flush() {
	t.mu.Lock()
	t.items = nil
	t.mu.Unlock()
}

// Pending returns the number of items not yet fully rendered.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Render fills dst with the next len(dst) samples and advances the clock.
// Portions of items scheduled in the past are skipped.
func (t *Timeline) Render(dst []float32) {
	clear(dst)

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.pos
	to := from + int64(len(dst))
	keep := t.items[:0]
	for _, it := range t.items {
		end := it.start + int64(len(it.samples))
		lo := max(from, it.start)
		hi := min(to, end)
		for i := lo; i < hi; i++ {
			dst[i-from] += it.samples[i-it.start]
		}
		if end > to {
			keep = append(keep, it)
		}
	}
	clear(t.items[len(keep):])
	t.items = keep
	t.pos = to
}

// Pump renders into a scratch buffer at wall-clock pace until ctx is done.
// It stands in for a device when audio output is disabled, so the clock still
// advances and Drain completes.
func (t *Timeline) Pump(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	buf := make([]float32, int(period.Seconds()*float64(t.rate)))
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Render(buf)
		}
	}
}
