package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/memoirvoice/internal/config"
	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8090"
  log_level: debug

backend:
  base_url: "http://localhost:8000/api"
  realtime_url: "http://localhost:8001"
  token: "tok-123"
  timeout: 5s

dialog:
  mode: streaming
  recorder: male
  user_id: "u-1"
  conversation_id: "c-1"
  topic: "childhood"
  barge_in: always
  settle_delay: 250ms
  auto_end_delay: 2s
  profile_collection: "off"
  end_mode: full
  memoir_title: "My Life"

audio:
  source: file
  input_file: "testdata/hello.wav"
  realtime_replay: false
  output: none
  capture_buffer: 8

vad:
  engine: webrtc
  silence_threshold: 20
  speaking_threshold: 40
  final_silence: 3s
  min_speaking: 250ms
  webrtc_mode: 3

segment:
  duration: 15s
  overlap: 2s

playback:
  lead_in: 20ms
  fade: false
  drain_timeout: 4s

resilience:
  max_failures: 3
  reset_timeout: 10s
`

func loadSample(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── Loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_AllSections(t *testing.T) {
	t.Parallel()
	cfg := loadSample(t)

	if cfg.Server.ListenAddr != ":8090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Backend.RealtimeURL != "http://localhost:8001" {
		t.Errorf("realtime_url = %q", cfg.Backend.RealtimeURL)
	}
	if cfg.Backend.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Backend.Timeout)
	}
	d := cfg.Dialog
	if d.Recorder != realtime.VoiceMale {
		t.Errorf("recorder = %q", d.Recorder)
	}
	if d.BargeIn != dialog.BargeInAlways {
		t.Errorf("barge_in = %q", d.BargeIn)
	}
	if d.SettleDelay != 250*time.Millisecond || d.AutoEndDelay != 2*time.Second {
		t.Errorf("delays = %v/%v", d.SettleDelay, d.AutoEndDelay)
	}
	if d.ProfileCollection != config.ProfileOff || d.EndMode != config.EndFull {
		t.Errorf("profile/end = %q/%q", d.ProfileCollection, d.EndMode)
	}
	if d.MemoirPerspective != "第一人称" {
		t.Errorf("perspective default = %q", d.MemoirPerspective)
	}
	if cfg.Audio.Realtime() {
		t.Error("realtime_replay: false should be honoured")
	}
	if cfg.Audio.Output != config.OutputNone || cfg.Audio.CaptureBuffer != 8 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.VAD.Engine != config.VADWebRTC || cfg.VAD.WebRTCMode != 3 {
		t.Errorf("vad = %+v", cfg.VAD)
	}
	if cfg.Segment.Duration != 15*time.Second || cfg.Segment.Overlap != 2*time.Second {
		t.Errorf("segment = %+v", cfg.Segment)
	}
	if cfg.Playback.FadeEnabled() {
		t.Error("fade: false should be honoured")
	}
	if cfg.Resilience.MaxFailures != 3 {
		t.Errorf("max_failures = %d", cfg.Resilience.MaxFailures)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  base_url: "http://localhost:8000/api"
  bogus: true
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestVADSettings(t *testing.T) {
	t.Parallel()
	cfg := loadSample(t)
	v := cfg.VADSettings(16000)
	if v.SampleRate != 16000 || v.SilenceThreshold != 20 || v.SpeakingThreshold != 40 {
		t.Errorf("VADSettings = %+v", v)
	}
	if err := v.Validate(); err != nil {
		t.Errorf("VADSettings should validate: %v", err)
	}
}

// ── Enums ────────────────────────────────────────────────────────────────────

func TestEnums_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		valid bool
	}{
		{"log debug", config.LogDebug.IsValid()},
		{"log error", config.LogError.IsValid()},
		{"mode segmented", config.ModeSegmented.IsValid()},
		{"profile auto", config.ProfileAuto.IsValid()},
		{"end full", config.EndFull.IsValid()},
		{"source file", config.SourceFile.IsValid()},
		{"output none", config.OutputNone.IsValid()},
	}
	for _, tt := range tests {
		if !tt.valid {
			t.Errorf("%s: want valid", tt.name)
		}
	}

	invalid := []struct {
		name  string
		valid bool
	}{
		{"log verbose", config.LogLevel("verbose").IsValid()},
		{"mode batch", config.Mode("batch").IsValid()},
		{"profile maybe", config.ProfileCollection("maybe").IsValid()},
		{"end empty", config.EndMode("").IsValid()},
		{"source mic", config.SourceKind("mic").IsValid()},
		{"output speakers", config.OutputKind("speakers").IsValid()},
	}
	for _, tt := range invalid {
		if tt.valid {
			t.Errorf("%s: want invalid", tt.name)
		}
	}
}

func TestPointerDefaults(t *testing.T) {
	t.Parallel()
	var p config.PlaybackConfig
	if !p.FadeEnabled() {
		t.Error("nil fade should mean enabled")
	}
	var a config.AudioConfig
	if !a.Realtime() {
		t.Error("nil realtime_replay should mean enabled")
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	cases := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"verbose":       slog.LevelInfo,
	}
	for in, want := range cases {
		if got := in.SlogLevel(); got != want {
			t.Errorf("%q.SlogLevel() = %v, want %v", in, got, want)
		}
	}
}
