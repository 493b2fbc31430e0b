package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/memoirvoice/internal/app"
	"github.com/MrWong99/memoirvoice/internal/backend"
	"github.com/MrWong99/memoirvoice/internal/config"
	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/internal/session"
	"github.com/MrWong99/memoirvoice/pkg/audio"
	audiomock "github.com/MrWong99/memoirvoice/pkg/audio/mock"
	"github.com/MrWong99/memoirvoice/pkg/audio/playback"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
	rtmock "github.com/MrWong99/memoirvoice/pkg/provider/realtime/mock"
	sttmock "github.com/MrWong99/memoirvoice/pkg/provider/stt/mock"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
)

// ── Helpers ─────────────────────────────────────────────────────────────────

type fakePlayer struct {
	mu      sync.Mutex
	chunks  int
	clears  int
	drained int
}

func (p *fakePlayer) Enqueue(pcm []byte) (playback.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks++
	return playback.Item{}, nil
}

func (p *fakePlayer) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	return nil
}

func (p *fakePlayer) Drain(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drained++
	return nil
}

// levelEngine builds real detectors that read the level from the first byte
// of each frame.
type levelEngine struct{}

func (levelEngine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return vad.NewDetector(cfg, vad.MeterFunc(func(f audio.AudioFrame) (uint8, error) {
		return f.Data[0], nil
	}))
}

func frame(level byte, ts time.Duration) audio.AudioFrame {
	data := make([]byte, audio.FrameSamples*audio.BytesPerSample)
	data[0] = level
	return audio.AudioFrame{Data: data, SampleRate: audio.CaptureSampleRate, Channels: 1, Timestamp: ts}
}

// utteranceFrames is eight loud frames followed by enough silence to end
// the utterance.
func utteranceFrames() []audio.AudioFrame {
	var out []audio.AudioFrame
	step := frame(0, 0).Duration()
	for i := range 14 {
		level := byte(0)
		if i < 8 {
			level = 40
		}
		out = append(out, frame(level, time.Duration(i)*step))
	}
	return out
}

func testConfig(mode config.Mode) *config.Config {
	cfg := &config.Config{}
	cfg.Dialog.Mode = mode
	cfg.Dialog.ConversationID = "conv-1"
	cfg.Dialog.ProfileCollection = config.ProfileOff
	cfg.Dialog.SettleDelay = 10 * time.Millisecond
	cfg.Playback.DrainTimeout = time.Second
	cfg.VAD.FinalSilence = time.Second
	cfg.VAD.MinSpeaking = 500 * time.Millisecond
	config.ApplyDefaults(cfg)
	return cfg
}

func newStreamingManager(t *testing.T) (*app.SessionManager, *rtmock.Provider, *fakePlayer) {
	t.Helper()
	p := &rtmock.Provider{Session: rtmock.NewSession()}
	player := &fakePlayer{}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config: testConfig(config.ModeStreaming),
		Providers: &app.Providers{
			Realtime: p,
			Source:   &audiomock.Source{},
		},
		Player: player,
	})
	return sm, p, player
}

func waitState(t *testing.T, sm *app.SessionManager, want dialog.State) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _, ok := sm.Snapshot()
		if ok && snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %s; last %+v", want, snap)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

// ── Streaming ───────────────────────────────────────────────────────────────

func TestSessionManager_StreamingStartEnd(t *testing.T) {
	t.Parallel()

	sm, p, player := newStreamingManager(t)
	ctx := t.Context()

	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !sm.IsActive() {
		t.Fatal("expected session to be active after Start")
	}

	_, info, ok := sm.Snapshot()
	if !ok {
		t.Fatal("Snapshot() ok = false after Start")
	}
	if info.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if info.Mode != "streaming" {
		t.Errorf("Mode = %q, want %q", info.Mode, "streaming")
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q, want %q", cfg.ConversationID, "conv-1")
	}
	if cfg.Recorder.Voice != realtime.VoiceFemale {
		t.Errorf("Recorder = %q, want %q", cfg.Recorder.Voice, realtime.VoiceFemale)
	}

	if err := sm.End(ctx, session.EndOptions{}); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	waitDone(t, sm.Done())
	if sm.IsActive() {
		t.Fatal("expected session to be inactive after End")
	}
	if p.Session.StopCallCount != 1 {
		t.Errorf("Stop calls = %d, want 1", p.Session.StopCallCount)
	}
	player.mu.Lock()
	drained := player.drained
	player.mu.Unlock()
	if drained != 1 {
		t.Errorf("Drain calls = %d, want 1", drained)
	}
}

func TestSessionManager_StartWhileActive(t *testing.T) {
	t.Parallel()

	sm, _, _ := newStreamingManager(t)
	ctx := t.Context()
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = sm.End(context.Background(), session.EndOptions{Immediate: true}) })

	if err := sm.Start(ctx); !errors.Is(err, app.ErrSessionActive) {
		t.Fatalf("second Start() error = %v, want ErrSessionActive", err)
	}
}

func TestSessionManager_RestartAfterEnd(t *testing.T) {
	t.Parallel()

	sm, p, _ := newStreamingManager(t)
	ctx := t.Context()
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	_, first, _ := sm.Snapshot()
	if err := sm.End(ctx, session.EndOptions{Immediate: true}); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	waitDone(t, sm.Done())

	p.Session = rtmock.NewSession()
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("restart Start() error: %v", err)
	}
	t.Cleanup(func() { _ = sm.End(context.Background(), session.EndOptions{Immediate: true}) })
	_, second, _ := sm.Snapshot()
	if second.SessionID == first.SessionID {
		t.Error("restarted session reuses the previous session id")
	}
}

func TestSessionManager_NoSession(t *testing.T) {
	t.Parallel()

	sm, _, _ := newStreamingManager(t)

	if err := sm.End(t.Context(), session.EndOptions{}); !errors.Is(err, app.ErrNoSession) {
		t.Errorf("End() error = %v, want ErrNoSession", err)
	}
	if _, _, ok := sm.Snapshot(); ok {
		t.Error("Snapshot() ok = true before Start")
	}
	if sm.Done() != nil {
		t.Error("Done() should be nil before Start")
	}
	if sm.Err() != nil {
		t.Errorf("Err() = %v, want nil", sm.Err())
	}
	if sm.IsActive() {
		t.Error("IsActive() = true before Start")
	}
}

func TestSessionManager_BuildErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*config.Config)
		providers *app.Providers
	}{
		{
			name:      "streaming without realtime provider",
			mutate:    func(*config.Config) {},
			providers: &app.Providers{Source: &audiomock.Source{}},
		},
		{
			name:      "unknown recorder",
			mutate:    func(c *config.Config) { c.Dialog.Recorder = "robot" },
			providers: &app.Providers{Realtime: &rtmock.Provider{}, Source: &audiomock.Source{}},
		},
		{
			name:      "segmented without recognizer",
			mutate:    func(c *config.Config) { c.Dialog.Mode = config.ModeSegmented },
			providers: &app.Providers{Source: &audiomock.Source{}, VAD: levelEngine{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(config.ModeStreaming)
			tt.mutate(cfg)
			sm := app.NewSessionManager(app.SessionManagerConfig{
				Config:    cfg,
				Providers: tt.providers,
				Player:    &fakePlayer{},
			})
			if err := sm.Start(t.Context()); err == nil {
				t.Fatal("expected error, got nil")
			}
			if sm.IsActive() {
				t.Error("failed Start left an active session")
			}
		})
	}
}

// ── Barge-in ────────────────────────────────────────────────────────────────

func TestSessionManager_SetBargeIn(t *testing.T) {
	t.Parallel()

	sm, _, _ := newStreamingManager(t)
	ctx := t.Context()

	if err := sm.SetBargeIn(ctx, "sometimes"); err == nil {
		t.Fatal("SetBargeIn(invalid) error = nil, want error")
	}

	// Before any session the policy is remembered for the next one.
	if err := sm.SetBargeIn(ctx, dialog.BargeInAlways); err != nil {
		t.Fatalf("SetBargeIn() error: %v", err)
	}
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = sm.End(context.Background(), session.EndOptions{Immediate: true}) })

	snap, _, _ := sm.Snapshot()
	if snap.BargeIn != dialog.BargeInAlways {
		t.Fatalf("BargeIn = %q, want %q", snap.BargeIn, dialog.BargeInAlways)
	}

	if err := sm.SetBargeIn(ctx, dialog.BargeInListeningOnly); err != nil {
		t.Fatalf("SetBargeIn() on running session error: %v", err)
	}
	snap, _, _ = sm.Snapshot()
	if snap.BargeIn != dialog.BargeInListeningOnly {
		t.Errorf("BargeIn = %q, want %q", snap.BargeIn, dialog.BargeInListeningOnly)
	}
}

// ── Subscribe ───────────────────────────────────────────────────────────────

func TestSessionManager_Subscribe(t *testing.T) {
	t.Parallel()

	sm, p, _ := newStreamingManager(t)
	ch, cancel := sm.Subscribe()
	defer cancel()

	ctx := t.Context()
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	p.Session.Emit(realtime.StatusMessage(realtime.StatusConnected, ""))
	// The loop picks between messages and commands at random; end only once
	// the connection has been applied.
	waitState(t, sm, dialog.RemotePending)
	if err := sm.End(ctx, session.EndOptions{Immediate: true}); err != nil {
		t.Fatalf("End() error: %v", err)
	}

	var states []dialog.State
	timeout := time.After(2 * time.Second)
	for !slices.Contains(states, dialog.Ended) {
		select {
		case snap := <-ch:
			if len(states) == 0 || states[len(states)-1] != snap.State {
				states = append(states, snap.State)
			}
		case <-timeout:
			t.Fatalf("did not observe the end; states %v", states)
		}
	}
	if !slices.Contains(states, dialog.RemotePending) {
		t.Errorf("states = %v, want RemotePending among them", states)
	}

	// A cancelled subscription no longer receives snapshots.
	cancel()
	cancel()
}

// ── Segmented ───────────────────────────────────────────────────────────────

func TestSessionManager_Segmented(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []session.Utterance
	)
	rec := &sttmock.Recognizer{Text: "我出生在上海"}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config: testConfig(config.ModeSegmented),
		Providers: &app.Providers{
			Recognizer: rec,
			VAD:        levelEngine{},
			Source:     &audiomock.Source{Frames: utteranceFrames(), CloseAfterFrames: true},
		},
		OnUtterance: func(u session.Utterance) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		},
	})

	if err := sm.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, sm.Done())

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("utterances = %d, want 1", len(got))
	}
	if got[0].Text != "我出生在上海" {
		t.Errorf("Text = %q, want %q", got[0].Text, "我出生在上海")
	}
	if sm.Err() != nil {
		t.Errorf("Err() = %v, want nil", sm.Err())
	}
	_, info, _ := sm.Snapshot()
	if info.Mode != "segmented" {
		t.Errorf("Mode = %q, want %q", info.Mode, "segmented")
	}
}

// ── Backend lifecycle ───────────────────────────────────────────────────────

func TestSessionManager_BackendLifecycle(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/conversation/start" {
			_, _ = w.Write([]byte(`{"conversation_id":"conv-9"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	client, err := backend.New(srv.URL + "/api")
	if err != nil {
		t.Fatalf("backend.New() error: %v", err)
	}
	cfg := testConfig(config.ModeStreaming)
	cfg.Dialog.ConversationID = ""

	p := &rtmock.Provider{Session: rtmock.NewSession()}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config: cfg,
		Providers: &app.Providers{
			Realtime: p,
			Source:   &audiomock.Source{},
			Backend:  client,
		},
		Player: &fakePlayer{},
	})

	ctx := t.Context()
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := p.Calls()[0].Cfg.ConversationID; got != "conv-9" {
		t.Errorf("ConversationID = %q, want %q", got, "conv-9")
	}
	if err := sm.End(ctx, session.EndOptions{}); err != nil {
		t.Fatalf("End() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"POST /api/conversation/start",
		"POST /api/conversation/conv-9/end-quick",
		"POST /api/memoir/generate-async",
	}
	if !slices.Equal(paths, want) {
		t.Errorf("backend calls = %v, want %v", paths, want)
	}
}
