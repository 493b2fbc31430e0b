package audio

import "time"

// Framer cuts an arbitrary sequence of PCM16 buffers into fixed-size mono
// frames and stamps each with its position on the capture timeline. Device
// callbacks hand it whatever the driver delivered; only whole frames come out.
//
// A Framer is not safe for concurrent use; device callbacks are serialised by
// the driver.
type Framer struct {
	rate      int
	frameSize int // bytes per frame
	pending   []byte
	emitted   int64 // samples emitted so far
}

// NewFramer returns a Framer producing frames of samplesPerFrame samples at
// sampleRate. Non-positive arguments fall back to [FrameSamples] and
// [CaptureSampleRate].
func NewFramer(sampleRate, samplesPerFrame int) *Framer {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	if samplesPerFrame <= 0 {
		samplesPerFrame = FrameSamples
	}
	size := samplesPerFrame * BytesPerSample
	return &Framer{
		rate:      sampleRate,
		frameSize: size,
		pending:   make([]byte, 0, size*2),
	}
}

// Write appends pcm and calls emit once for every completed frame. The
// frame's Data is a fresh copy owned by the receiver.
func (f *Framer) Write(pcm []byte, emit func(AudioFrame)) {
	f.pending = append(f.pending, pcm...)
	for len(f.pending) >= f.frameSize {
		data := make([]byte, f.frameSize)
		copy(data, f.pending[:f.frameSize])
		f.pending = append(f.pending[:0], f.pending[f.frameSize:]...)
		emit(f.frame(data))
	}
}

// Flush emits any buffered partial frame. Used when an input ends so the tail
// of a recording is not lost.
func (f *Framer) Flush(emit func(AudioFrame)) {
	n := len(f.pending) - len(f.pending)%BytesPerSample
	if n == 0 {
		f.pending = f.pending[:0]
		return
	}
	data := make([]byte, n)
	copy(data, f.pending[:n])
	f.pending = f.pending[:0]
	emit(f.frame(data))
}

// Reset discards buffered audio and restarts the timeline at zero.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
	f.emitted = 0
}

func (f *Framer) frame(data []byte) AudioFrame {
	ts := time.Duration(f.emitted) * time.Second / time.Duration(f.rate)
	f.emitted += int64(len(data) / BytesPerSample)
	return AudioFrame{
		Data:       data,
		SampleRate: f.rate,
		Channels:   1,
		Timestamp:  ts,
	}
}
