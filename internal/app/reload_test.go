package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/MrWong99/memoirvoice/internal/config"
	"github.com/MrWong99/memoirvoice/internal/dialog"
	audiomock "github.com/MrWong99/memoirvoice/pkg/audio/mock"
	"github.com/MrWong99/memoirvoice/pkg/audio/playback"
	rtmock "github.com/MrWong99/memoirvoice/pkg/provider/realtime/mock"
)

func TestOnConfigChange(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Dialog.ConversationID = "conv-1"
	cfg.Dialog.ProfileCollection = config.ProfileOff
	config.ApplyDefaults(cfg)

	var lv slog.LevelVar
	a, err := New(t.Context(), cfg, &Providers{
		Realtime: &rtmock.Provider{Session: rtmock.NewSession()},
		Source:   &audiomock.Source{},
		Output:   playback.NewTimeline(24000),
	}, WithLevelVar(&lv))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.sessions.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	updated := *cfg
	updated.Server.LogLevel = config.LogDebug
	updated.Dialog.BargeIn = dialog.BargeInAlways
	updated.VAD.FinalSilence *= 2
	a.onConfigChange(cfg, &updated, config.Diff(cfg, &updated))

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	snap, _, _ := a.sessions.Snapshot()
	if snap.BargeIn != dialog.BargeInAlways {
		t.Errorf("BargeIn = %q, want %q", snap.BargeIn, dialog.BargeInAlways)
	}
	// Restart-only sections leave the running session alone.
	if !a.sessions.IsActive() {
		t.Error("session ended after a restart-only change")
	}
}
