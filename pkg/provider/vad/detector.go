package vad

import (
	"fmt"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

var _ SessionHandle = (*Detector)(nil)

// Detector is the two-threshold speech detector shared by all engines.
//
// From not-speaking, a level above SpeakingThreshold starts speech. While
// speaking, a level below SilenceThreshold starts (or continues) the silence
// debounce and any level at or above it cancels the debounce. When the
// debounce has run for FinalSilence the detector returns to not-speaking and
// reports SpeechEnded, unless the speech was shorter than MinSpeaking.
type Detector struct {
	cfg   Config
	meter Meter

	speaking     bool
	debouncing   bool
	speechStart  time.Duration
	silenceStart time.Duration
	closed       bool
}

// NewDetector validates cfg and returns a detector reading levels from m.
func NewDetector(cfg Config, m Meter) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("vad: nil meter")
	}
	return &Detector{cfg: cfg, meter: m}, nil
}

// Speaking reports whether the detector is currently inside a speech run.
func (d *Detector) Speaking() bool { return d.speaking }

// ProcessFrame implements [SessionHandle].
func (d *Detector) ProcessFrame(frame audio.AudioFrame) (Event, error) {
	if d.closed {
		return Event{}, ErrClosed
	}
	if frame.SampleRate != d.cfg.SampleRate {
		return Event{}, fmt.Errorf("vad: frame sample rate %d does not match session rate %d", frame.SampleRate, d.cfg.SampleRate)
	}
	level, err := d.meter.Level(frame)
	if err != nil {
		return Event{}, fmt.Errorf("vad: meter: %w", err)
	}

	ev := Event{Type: NoChange, Level: level, At: frame.Timestamp}
	lvl := int(level)

	if !d.speaking {
		if lvl > d.cfg.SpeakingThreshold {
			d.speaking = true
			d.debouncing = false
			d.speechStart = frame.Timestamp
			ev.Type = SpeechStarted
		}
		return ev, nil
	}

	if lvl >= d.cfg.SilenceThreshold {
		d.debouncing = false
		return ev, nil
	}

	if !d.debouncing {
		d.debouncing = true
		d.silenceStart = frame.Timestamp
	}
	now := frame.End()
	if now-d.silenceStart < d.cfg.FinalSilence {
		return ev, nil
	}

	d.speaking = false
	d.debouncing = false
	if now-d.speechStart >= d.cfg.MinSpeaking {
		ev.Type = SpeechEnded
		ev.At = now
	}
	return ev, nil
}

// Reset implements [SessionHandle].
func (d *Detector) Reset() {
	d.speaking = false
	d.debouncing = false
	d.speechStart = 0
	d.silenceStart = 0
}

// Close implements [SessionHandle]. Meters with a Close method are closed too.
func (d *Detector) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if c, ok := d.meter.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
