package segment

import (
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

// Ring is a growable FIFO of audio frames. Frames are appended at the tail;
// [Ring.KeepTail] drops from the head so that only the most recent window
// survives a segment close. A Ring is not safe for concurrent use.
type Ring struct {
	buf  []audio.AudioFrame
	head int
	n    int
	dur  time.Duration
}

// NewRing returns a ring with room for capacity frames before it grows.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]audio.AudioFrame, max(capacity, 1))}
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int { return r.n }

// Duration returns the total duration of buffered frames.
func (r *Ring) Duration() time.Duration { return r.dur }

// Push appends f, doubling the storage when full.
func (r *Ring) Push(f audio.AudioFrame) {
	if r.n == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.n)%len(r.buf)] = f
	r.n++
	r.dur += f.Duration()
}

func (r *Ring) grow() {
	next := make([]audio.AudioFrame, len(r.buf)*2)
	r.copyTo(next)
	r.buf = next
	r.head = 0
}

func (r *Ring) copyTo(dst []audio.AudioFrame) {
	for i := range r.n {
		dst[i] = r.buf[(r.head+i)%len(r.buf)]
	}
}

// at returns the i-th oldest frame.
func (r *Ring) at(i int) audio.AudioFrame {
	return r.buf[(r.head+i)%len(r.buf)]
}

// popFront removes the oldest frame.
func (r *Ring) popFront() {
	f := r.buf[r.head]
	r.buf[r.head] = audio.AudioFrame{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	r.dur -= f.Duration()
}

// KeepTail drops the oldest frames while the remaining frames, minus the
// oldest one, would still cover window. The result is the shortest suffix
// whose duration is at least window, or every frame if the ring is shorter.
func (r *Ring) KeepTail(window time.Duration) {
	if window <= 0 {
		r.Clear()
		return
	}
	for r.n > 0 && r.dur-r.at(0).Duration() >= window {
		r.popFront()
	}
}

// Frames returns the buffered frames oldest first. The slice is a copy; the
// frame data is shared.
func (r *Ring) Frames() []audio.AudioFrame {
	out := make([]audio.AudioFrame, r.n)
	r.copyTo(out)
	return out
}

// PCM concatenates the buffered frame data oldest first.
func (r *Ring) PCM() []byte {
	size := 0
	for i := range r.n {
		size += len(r.at(i).Data)
	}
	out := make([]byte, 0, size)
	for i := range r.n {
		out = append(out, r.at(i).Data...)
	}
	return out
}

// Clear empties the ring, keeping its storage.
func (r *Ring) Clear() {
	clear(r.buf)
	r.head, r.n, r.dur = 0, 0, 0
}
