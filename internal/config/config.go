// Package config provides configuration loading for memoirvoice.
//
// Configuration is read from a YAML file, overlaid with MEMOIRVOICE_*
// environment variables, completed with defaults and validated. See
// [Load] for the full pipeline.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

// LogLevel controls the verbosity of the application logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the corresponding slog level. Unknown values map to
// info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Mode selects how the local microphone is turned into conversation input.
type Mode string

const (
	// ModeStreaming forwards captured audio to the realtime dialog channel.
	ModeStreaming Mode = "streaming"

	// ModeSegmented runs local VAD and uploads overlapping segments for
	// recognition.
	ModeSegmented Mode = "segmented"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeStreaming || m == ModeSegmented
}

// ProfileCollection decides whether the session collects the user profile
// instead of memoir material.
type ProfileCollection string

const (
	// ProfileAuto asks the backend whether the profile is already complete.
	ProfileAuto ProfileCollection = "auto"
	ProfileOn   ProfileCollection = "on"
	ProfileOff  ProfileCollection = "off"
)

// IsValid reports whether p is a recognised profile collection setting.
func (p ProfileCollection) IsValid() bool {
	switch p {
	case ProfileAuto, ProfileOn, ProfileOff:
		return true
	}
	return false
}

// EndMode selects which conversation end call is made when a session ends.
type EndMode string

const (
	// EndQuick marks the conversation finished without server-side
	// summarisation.
	EndQuick EndMode = "quick"

	// EndFull asks the backend to summarise the conversation before
	// returning.
	EndFull EndMode = "full"
)

// IsValid reports whether e is a recognised end mode.
func (e EndMode) IsValid() bool {
	return e == EndQuick || e == EndFull
}

// SourceKind selects where captured audio comes from.
type SourceKind string

const (
	SourceDevice SourceKind = "device"
	SourceFile   SourceKind = "file"
)

// IsValid reports whether s is a recognised audio source.
func (s SourceKind) IsValid() bool {
	return s == SourceDevice || s == SourceFile
}

// OutputKind selects where synthesized audio is played.
type OutputKind string

const (
	OutputDevice OutputKind = "device"

	// OutputNone discards synthesized audio. Useful for file-driven runs on
	// hosts without a sound card.
	OutputNone OutputKind = "none"
)

// IsValid reports whether o is a recognised audio output.
func (o OutputKind) IsValid() bool {
	return o == OutputDevice || o == OutputNone
}

// VADEngine names a voice activity detection backend.
type VADEngine string

const (
	VADEnergy VADEngine = "energy"
	VADWebRTC VADEngine = "webrtc"
)

// Config is the root configuration structure for memoirvoice.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Dialog     DialogConfig     `yaml:"dialog"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Segment    SegmentConfig    `yaml:"segment"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the control API and logging settings.
type ServerConfig struct {
	// ListenAddr is the control API listen address (e.g., ":8090"). Empty
	// disables the HTTP surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls log verbosity. Reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig locates the memoir backend.
type BackendConfig struct {
	// BaseURL is the REST API root, e.g. "http://localhost:8000/api".
	BaseURL string `yaml:"base_url"`

	// RealtimeURL is the origin of the realtime dialog service. Defaults to
	// the scheme and host of BaseURL.
	RealtimeURL string `yaml:"realtime_url"`

	// ASRFallbackURL is an optional second recognition endpoint root used
	// when the primary circuit is open.
	ASRFallbackURL string `yaml:"asr_fallback_url"`

	// Token is the bearer token sent with every request. Usually supplied
	// through MEMOIRVOICE_BACKEND_TOKEN.
	Token string `yaml:"token"`

	// Timeout bounds each REST call.
	Timeout time.Duration `yaml:"timeout"`
}

// DialogConfig describes the conversation to run.
type DialogConfig struct {
	Mode           Mode           `yaml:"mode"`
	Recorder       realtime.Voice `yaml:"recorder"`
	UserID         string         `yaml:"user_id"`
	ConversationID string         `yaml:"conversation_id"`
	Topic          string         `yaml:"topic"`

	// Greeting overrides the recorder's built-in opening line.
	Greeting string `yaml:"greeting"`

	// Context is prior conversation material handed to the dialog service.
	Context string `yaml:"context"`

	// BargeIn decides whether the user may interrupt synthesized speech.
	// Reloadable.
	BargeIn dialog.BargeIn `yaml:"barge_in"`

	// SettleDelay is the pause between the end of remote speech and the
	// start of capture.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// AutoEndDelay is how long after the profile-complete marker the session
	// ends on its own.
	AutoEndDelay time.Duration `yaml:"auto_end_delay"`

	ProfileCollection ProfileCollection `yaml:"profile_collection"`
	EndMode           EndMode           `yaml:"end_mode"`
	MemoirTitle       string            `yaml:"memoir_title"`
	MemoirPerspective string            `yaml:"memoir_perspective"`
}

// AudioConfig selects capture and playback endpoints.
type AudioConfig struct {
	Source SourceKind `yaml:"source"`

	// InputFile is the WAV file replayed when Source is "file".
	InputFile string `yaml:"input_file"`

	// RealtimeReplay paces file input at wall-clock speed. Defaults to true.
	RealtimeReplay *bool `yaml:"realtime_replay"`

	Output OutputKind `yaml:"output"`

	// CaptureBuffer is the number of frames buffered between the capture
	// callback and the session before frames are dropped.
	CaptureBuffer int `yaml:"capture_buffer"`
}

// VADConfig tunes local voice activity detection.
type VADConfig struct {
	Engine            VADEngine     `yaml:"engine"`
	SilenceThreshold  int           `yaml:"silence_threshold"`
	SpeakingThreshold int           `yaml:"speaking_threshold"`
	FinalSilence      time.Duration `yaml:"final_silence"`
	MinSpeaking       time.Duration `yaml:"min_speaking"`

	// WebRTCMode is the aggressiveness of the webrtc engine (0–3).
	WebRTCMode int `yaml:"webrtc_mode"`

	// Gain scales RMS for the energy engine. Zero means the engine default.
	Gain float64 `yaml:"gain"`
}

// SegmentConfig controls segmented recognition.
type SegmentConfig struct {
	Duration time.Duration `yaml:"duration"`
	Overlap  time.Duration `yaml:"overlap"`
}

// PlaybackConfig controls the playback scheduler.
type PlaybackConfig struct {
	LeadIn time.Duration `yaml:"lead_in"`

	// Fade enables the short fade-in on each chunk. Defaults to true.
	Fade *bool `yaml:"fade"`

	// DrainTimeout bounds how long a graceful end waits for queued audio.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// ResilienceConfig configures the circuit breakers around backend calls.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// FadeEnabled reports the effective fade setting.
func (p PlaybackConfig) FadeEnabled() bool { return p.Fade == nil || *p.Fade }

// Realtime reports the effective replay pacing setting.
func (a AudioConfig) Realtime() bool { return a.RealtimeReplay == nil || *a.RealtimeReplay }
