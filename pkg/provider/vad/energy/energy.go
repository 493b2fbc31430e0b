// Package energy provides the default VAD engine: the level of a frame is its
// RMS amplitude scaled onto 0–255.
package energy

import (
	"encoding/binary"
	"math"

	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
)

// DefaultGain maps an RMS of 1/4 full scale (about -12 dBFS) to the top of
// the level range. Conversational speech at a desk microphone lands around
// 20–60 with this gain.
const DefaultGain = 4.0

var _ vad.Engine = (*Engine)(nil)

// Engine creates RMS-metered detector sessions.
type Engine struct {
	// Gain multiplies the normalised RMS before scaling. Zero means DefaultGain.
	Gain float64
}

// New returns an Engine with the default gain.
func New() *Engine { return &Engine{Gain: DefaultGain} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return vad.NewDetector(cfg, Meter{Gain: e.Gain})
}

// Meter computes an RMS level.
type Meter struct {
	Gain float64
}

// Level implements [vad.Meter].
func (m Meter) Level(frame audio.AudioFrame) (uint8, error) {
	gain := m.Gain
	if gain <= 0 {
		gain = DefaultGain
	}
	return uint8(min(255, math.Round(RMS(frame.Data)*gain*255))), nil
}

// RMS returns the root-mean-square amplitude of PCM16LE data normalised to
// [0,1]. Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
