// Package webrtc provides a VAD engine backed by the WebRTC voice activity
// detector. Each frame is split into 10 ms sub-frames; the level is the
// fraction of voiced sub-frames scaled onto 0–255.
package webrtc

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
)

var _ vad.Engine = (*Engine)(nil)

// Engine creates WebRTC-metered detector sessions.
type Engine struct {
	// Mode is the WebRTC aggressiveness, clamped to 0–3. Higher values reject
	// more non-speech.
	Mode int
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	switch cfg.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("webrtc vad: unsupported sample rate %d", cfg.SampleRate)
	}
	m, err := NewMeter(cfg.SampleRate, e.Mode)
	if err != nil {
		return nil, err
	}
	return vad.NewDetector(cfg, m)
}

// Meter runs one WebRTC VAD instance.
type Meter struct {
	vad       *webrtcvad.VAD
	rate      int
	subframe  int // bytes per 10 ms
	remainder []byte
}

// NewMeter creates a meter for sampleRate at the given aggressiveness.
func NewMeter(sampleRate, mode int) (*Meter, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create: %w", err)
	}
	mode = max(0, min(3, mode))
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", mode, err)
	}
	return &Meter{
		vad:      v,
		rate:     sampleRate,
		subframe: sampleRate / 100 * audio.BytesPerSample,
	}, nil
}

// Level implements [vad.Meter]. Bytes that do not fill a whole sub-frame are
// carried into the next call.
func (m *Meter) Level(frame audio.AudioFrame) (uint8, error) {
	buf := append(m.remainder, frame.Data...)
	var total, voiced int
	for len(buf) >= m.subframe {
		active, err := m.vad.Process(m.rate, buf[:m.subframe])
		if err != nil {
			return 0, fmt.Errorf("webrtc vad: process: %w", err)
		}
		total++
		if active {
			voiced++
		}
		buf = buf[m.subframe:]
	}
	m.remainder = append(m.remainder[:0:0], buf...)
	if total == 0 {
		return 0, nil
	}
	return uint8(voiced * 255 / total), nil
}
