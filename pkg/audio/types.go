package audio

import "time"

const (
	// CaptureSampleRate is the rate at which microphone audio is captured and
	// streamed to the dialog service.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesised speech delivered by the
	// dialog service.
	PlaybackSampleRate = 24000

	// FrameSamples is the number of samples per captured frame (≈256 ms at
	// [CaptureSampleRate]).
	FrameSamples = 4096

	// BytesPerSample is fixed at 2 for 16-bit signed little-endian PCM.
	BytesPerSample = 2
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: produced by a [Source],
// consumed by VAD and then either streamed to the dialog service or
// accumulated into recognition segments. A frame is immutable once emitted;
// consumers must copy Data before modifying it.
type AudioFrame struct {
	// PCM audio data, signed 16-bit little-endian.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is always 1 in this pipeline; kept for format checks.
	Channels int

	// Timestamp marks the start of this frame relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel held by the frame.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (BytesPerSample * ch)
}

// Duration returns the playback duration of the frame. Returns 0 when the
// sample rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// End returns Timestamp + Duration.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// PCMDuration returns the duration of a mono PCM16 buffer at sampleRate.
func PCMDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/BytesPerSample) * time.Second / time.Duration(sampleRate)
}
