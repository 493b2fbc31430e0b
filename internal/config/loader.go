package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/memoirvoice/internal/backend"
	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/internal/segment"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
)

// EnvPrefix prefixes every environment variable read by [ApplyEnv].
const EnvPrefix = "MEMOIRVOICE"

// ValidVADEngines lists the engines the application registers.
// Used by [Validate] to warn about unrecognised engine names.
var ValidVADEngines = []VADEngine{VADEnergy, VADWebRTC}

// Load reads the YAML configuration file at path, overlays the environment,
// fills defaults and validates the result. An empty path skips the file and
// builds the configuration from the environment and defaults alone.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := parse(data, true)
	if err != nil {
		if path == "" {
			return nil, err
		}
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. The environment is not consulted. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none
// are given) into the process environment. Variables that are already set
// win. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

func parse(data []byte, withEnv bool) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if withEnv {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// envOverlay is the set of settings that may come from the environment.
// Unset variables leave the file value untouched.
type envOverlay struct {
	ListenAddr     string         `envconfig:"LISTEN_ADDR"`
	LogLevel       string         `envconfig:"LOG_LEVEL"`
	BaseURL        string         `envconfig:"BACKEND_BASE_URL"`
	RealtimeURL    string         `envconfig:"BACKEND_REALTIME_URL"`
	ASRFallbackURL string         `envconfig:"BACKEND_ASR_FALLBACK_URL"`
	Token          string         `envconfig:"BACKEND_TOKEN"`
	Timeout        *time.Duration `envconfig:"BACKEND_TIMEOUT"`
	Mode           string         `envconfig:"DIALOG_MODE"`
	Recorder       string         `envconfig:"DIALOG_RECORDER"`
	UserID         string         `envconfig:"DIALOG_USER_ID"`
	ConversationID string         `envconfig:"DIALOG_CONVERSATION_ID"`
	Topic          string         `envconfig:"DIALOG_TOPIC"`
	BargeIn        string         `envconfig:"DIALOG_BARGE_IN"`
	Profile        string         `envconfig:"DIALOG_PROFILE_COLLECTION"`
	EndMode        string         `envconfig:"DIALOG_END_MODE"`
	Source         string         `envconfig:"AUDIO_SOURCE"`
	InputFile      string         `envconfig:"AUDIO_INPUT_FILE"`
	RealtimeReplay *bool          `envconfig:"AUDIO_REALTIME_REPLAY"`
	Output         string         `envconfig:"AUDIO_OUTPUT"`
	VADEngine      string         `envconfig:"VAD_ENGINE"`
}

// ApplyEnv overlays MEMOIRVOICE_* environment variables onto cfg. For
// example MEMOIRVOICE_BACKEND_TOKEN sets backend.token.
func ApplyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	setString(&cfg.Server.ListenAddr, env.ListenAddr)
	setString(&cfg.Server.LogLevel, LogLevel(env.LogLevel))
	setString(&cfg.Backend.BaseURL, env.BaseURL)
	setString(&cfg.Backend.RealtimeURL, env.RealtimeURL)
	setString(&cfg.Backend.ASRFallbackURL, env.ASRFallbackURL)
	setString(&cfg.Backend.Token, env.Token)
	if env.Timeout != nil {
		cfg.Backend.Timeout = *env.Timeout
	}
	setString(&cfg.Dialog.Mode, Mode(env.Mode))
	setString(&cfg.Dialog.Recorder, realtime.Voice(env.Recorder))
	setString(&cfg.Dialog.UserID, env.UserID)
	setString(&cfg.Dialog.ConversationID, env.ConversationID)
	setString(&cfg.Dialog.Topic, env.Topic)
	setString(&cfg.Dialog.BargeIn, dialog.BargeIn(env.BargeIn))
	setString(&cfg.Dialog.ProfileCollection, ProfileCollection(env.Profile))
	setString(&cfg.Dialog.EndMode, EndMode(env.EndMode))
	setString(&cfg.Audio.Source, SourceKind(env.Source))
	setString(&cfg.Audio.InputFile, env.InputFile)
	if env.RealtimeReplay != nil {
		cfg.Audio.RealtimeReplay = env.RealtimeReplay
	}
	setString(&cfg.Audio.Output, OutputKind(env.Output))
	setString(&cfg.VAD.Engine, VADEngine(env.VADEngine))
	return nil
}

func setString[T ~string](dst *T, v T) {
	if v != "" {
		*dst = v
	}
}

// ApplyDefaults fills every unset field. VAD timing defaults depend on the
// dialog mode, so the mode is defaulted first.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Backend.RealtimeURL == "" && cfg.Backend.BaseURL != "" {
		if u, err := url.Parse(cfg.Backend.BaseURL); err == nil && u.Host != "" {
			cfg.Backend.RealtimeURL = u.Scheme + "://" + u.Host
		}
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = backend.DefaultTimeout
	}

	d := &cfg.Dialog
	if d.Mode == "" {
		d.Mode = ModeStreaming
	}
	if d.Recorder == "" {
		d.Recorder = realtime.VoiceFemale
	}
	if d.BargeIn == "" {
		d.BargeIn = dialog.BargeInListeningOnly
	}
	if d.SettleDelay == 0 {
		d.SettleDelay = 500 * time.Millisecond
	}
	if d.AutoEndDelay == 0 {
		d.AutoEndDelay = 3 * time.Second
	}
	if d.ProfileCollection == "" {
		d.ProfileCollection = ProfileAuto
	}
	if d.EndMode == "" {
		d.EndMode = EndQuick
	}
	if d.MemoirPerspective == "" {
		d.MemoirPerspective = backend.DefaultPerspective
	}

	if cfg.Audio.Source == "" {
		cfg.Audio.Source = SourceDevice
	}
	if cfg.Audio.Output == "" {
		cfg.Audio.Output = OutputDevice
	}
	if cfg.Audio.CaptureBuffer == 0 {
		cfg.Audio.CaptureBuffer = 32
	}

	vd := vad.StreamingDefaults()
	if d.Mode == ModeSegmented {
		vd = vad.SegmentedDefaults()
	}
	v := &cfg.VAD
	if v.Engine == "" {
		v.Engine = VADEnergy
	}
	if v.SilenceThreshold == 0 && v.SpeakingThreshold == 0 {
		v.SilenceThreshold = vd.SilenceThreshold
		v.SpeakingThreshold = vd.SpeakingThreshold
	}
	if v.FinalSilence == 0 {
		v.FinalSilence = vd.FinalSilence
	}
	if v.MinSpeaking == 0 {
		v.MinSpeaking = vd.MinSpeaking
	}
	if v.WebRTCMode == 0 {
		v.WebRTCMode = 2
	}

	if cfg.Segment.Duration == 0 {
		cfg.Segment.Duration = segment.DefaultDuration
	}
	if cfg.Segment.Overlap == 0 {
		cfg.Segment.Overlap = segment.DefaultOverlap
	}

	if cfg.Playback.LeadIn == 0 {
		cfg.Playback.LeadIn = 10 * time.Millisecond
	}
	if cfg.Playback.DrainTimeout == 0 {
		cfg.Playback.DrainTimeout = 10 * time.Second
	}

	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = 5
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = 30 * time.Second
	}
}

// VADSettings converts the vad section into a detector configuration at the
// given sample rate.
func (c *Config) VADSettings(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:        sampleRate,
		SilenceThreshold:  c.VAD.SilenceThreshold,
		SpeakingThreshold: c.VAD.SpeakingThreshold,
		FinalSilence:      c.VAD.FinalSilence,
		MinSpeaking:       c.VAD.MinSpeaking,
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	} else if err := checkURL(cfg.Backend.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
	}
	if cfg.Backend.RealtimeURL != "" {
		if err := checkURL(cfg.Backend.RealtimeURL); err != nil {
			errs = append(errs, fmt.Errorf("backend.realtime_url: %w", err))
		}
	}
	if cfg.Backend.ASRFallbackURL != "" {
		if err := checkURL(cfg.Backend.ASRFallbackURL); err != nil {
			errs = append(errs, fmt.Errorf("backend.asr_fallback_url: %w", err))
		}
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout must not be negative, got %s", cfg.Backend.Timeout))
	}
	if cfg.Backend.Token == "" {
		slog.Warn("backend.token is empty; authenticated endpoints will reject requests")
	}

	// Dialog
	d := cfg.Dialog
	if !d.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("dialog.mode %q is invalid; valid values: streaming, segmented", d.Mode))
	}
	if !d.Recorder.IsValid() {
		errs = append(errs, fmt.Errorf("dialog.recorder %q is invalid; valid values: female, male", d.Recorder))
	}
	if !d.BargeIn.IsValid() {
		errs = append(errs, fmt.Errorf("dialog.barge_in %q is invalid; valid values: listening_only, always", d.BargeIn))
	}
	if !d.ProfileCollection.IsValid() {
		errs = append(errs, fmt.Errorf("dialog.profile_collection %q is invalid; valid values: auto, on, off", d.ProfileCollection))
	}
	if !d.EndMode.IsValid() {
		errs = append(errs, fmt.Errorf("dialog.end_mode %q is invalid; valid values: quick, full", d.EndMode))
	}
	if d.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("dialog.settle_delay must not be negative, got %s", d.SettleDelay))
	}
	if d.AutoEndDelay < 0 {
		errs = append(errs, fmt.Errorf("dialog.auto_end_delay must not be negative, got %s", d.AutoEndDelay))
	}
	if d.Mode == ModeStreaming && d.UserID == "" {
		slog.Warn("dialog.user_id is empty; the dialog service will not attribute the conversation")
	}

	// Audio
	if !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: device, file", cfg.Audio.Source))
	}
	if cfg.Audio.Source == SourceFile && cfg.Audio.InputFile == "" {
		errs = append(errs, errors.New("audio.input_file is required when audio.source is file"))
	}
	if !cfg.Audio.Output.IsValid() {
		errs = append(errs, fmt.Errorf("audio.output %q is invalid; valid values: device, none", cfg.Audio.Output))
	}
	if cfg.Audio.CaptureBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer must not be negative, got %d", cfg.Audio.CaptureBuffer))
	}

	// VAD
	if cfg.VAD.Engine != "" && !slices.Contains(ValidVADEngines, cfg.VAD.Engine) {
		slog.Warn("unknown vad engine; it must be registered before the session starts",
			"engine", cfg.VAD.Engine,
			"known", ValidVADEngines,
		)
	}
	v := cfg.VAD
	if v.SilenceThreshold < 0 || v.SpeakingThreshold > 255 {
		errs = append(errs, fmt.Errorf("vad thresholds must lie in [0,255], got %d/%d", v.SilenceThreshold, v.SpeakingThreshold))
	}
	if v.SilenceThreshold >= v.SpeakingThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %d must be below vad.speaking_threshold %d", v.SilenceThreshold, v.SpeakingThreshold))
	}
	if v.FinalSilence <= 0 {
		errs = append(errs, fmt.Errorf("vad.final_silence must be positive, got %s", v.FinalSilence))
	}
	if v.MinSpeaking < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speaking must not be negative, got %s", v.MinSpeaking))
	}
	if v.WebRTCMode < 0 || v.WebRTCMode > 3 {
		errs = append(errs, fmt.Errorf("vad.webrtc_mode must lie in [0,3], got %d", v.WebRTCMode))
	}

	// Segment
	if cfg.Segment.Duration <= 0 {
		errs = append(errs, fmt.Errorf("segment.duration must be positive, got %s", cfg.Segment.Duration))
	}
	if cfg.Segment.Overlap < 0 || cfg.Segment.Overlap >= cfg.Segment.Duration {
		errs = append(errs, fmt.Errorf("segment.overlap %s must be non-negative and below segment.duration %s", cfg.Segment.Overlap, cfg.Segment.Duration))
	}

	// Playback
	if cfg.Playback.LeadIn < 0 {
		errs = append(errs, fmt.Errorf("playback.lead_in must not be negative, got %s", cfg.Playback.LeadIn))
	}
	if cfg.Playback.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("playback.drain_timeout must not be negative, got %s", cfg.Playback.DrainTimeout))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures must not be negative, got %d", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout must not be negative, got %s", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
