// Package app wires all memoirvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New validates the providers and
// builds the playback scheduler, session manager and control API, Run starts
// the session and the supporting goroutines, and Shutdown tears everything
// down in order.
//
// For testing, inject mock providers through [Providers]. Everything the App
// needs from the outside world is an interface value there.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/memoirvoice/internal/backend"
	"github.com/MrWong99/memoirvoice/internal/config"
	"github.com/MrWong99/memoirvoice/internal/observe"
	"github.com/MrWong99/memoirvoice/internal/resilience"
	"github.com/MrWong99/memoirvoice/internal/session"
	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/audio/playback"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
	"github.com/MrWong99/memoirvoice/pkg/provider/stt"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
)

const (
	readHeaderTimeout = 10 * time.Second
	serverStopTimeout = 5 * time.Second
	reloadTimeout     = 5 * time.Second
)

// errSessionOver stops the run group once the session has ended.
var errSessionOver = errors.New("app: session over")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Realtime carries the streaming dialog. Required in streaming mode.
	Realtime realtime.Provider

	// Recognizer transcribes segments. Required in segmented mode.
	Recognizer stt.Recognizer

	VAD    vad.Engine
	Source audio.Source

	// Output is the playback clock synthesized speech is scheduled on.
	// Required in streaming mode.
	Output playback.Output

	// OutputPump, if set, drives Output when no device callback does. It is
	// run for the lifetime of Run.
	OutputPump func(ctx context.Context)

	// Backend performs the conversation lifecycle calls. Nil disables them;
	// the dialog config must then carry a conversation id.
	Backend *backend.Client

	// Breakers are reported on /readyz.
	Breakers []*resilience.CircuitBreaker
}

// App owns all subsystem lifetimes and orchestrates one memoir session.
type App struct {
	cfg       *config.Config
	providers *Providers

	log        *slog.Logger
	level      *slog.LevelVar
	metrics    *observe.Metrics
	configPath string

	player   *playback.Scheduler
	sessions *SessionManager
	handler  http.Handler

	onUtterance func(session.Utterance)

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the application logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of the handler that
// reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables hot reload of the reloadable settings in path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithUtteranceHandler receives every utterance recognised in segmented mode.
func WithUtteranceHandler(fn func(session.Utterance)) Option {
	return func(a *App) { a.onUtterance = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by main.go. It checks
// that the providers needed by the configured mode are present.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.checkProviders(); err != nil {
		return nil, err
	}

	// ── 2. Playback ──────────────────────────────────────────────────────
	if providers.Output != nil {
		a.player = playback.New(providers.Output,
			playback.WithLeadIn(cfg.Playback.LeadIn),
			playback.WithFade(cfg.Playback.FadeEnabled()),
			playback.WithScheduleHook(func(_ playback.Item, lag time.Duration) {
				a.metrics.PlaybackLag.Record(context.WithoutCancel(ctx), lag.Seconds())
			}),
		)
		a.closers = append(a.closers, a.player.Close)
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	smCfg := SessionManagerConfig{
		Config:      cfg,
		Providers:   providers,
		Metrics:     a.metrics,
		Logger:      a.log,
		OnUtterance: a.onUtterance,
	}
	if a.player != nil {
		smCfg.Player = a.player
	}
	a.sessions = NewSessionManager(smCfg)

	// ── 4. Control API ───────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

func (a *App) checkProviders() error {
	p := a.providers
	if p.Source == nil {
		return errors.New("app: no audio source configured")
	}
	switch a.cfg.Dialog.Mode {
	case config.ModeSegmented:
		if p.Recognizer == nil {
			return errors.New("app: segmented mode requires a recognizer")
		}
		if p.VAD == nil {
			return errors.New("app: segmented mode requires a vad engine")
		}
	default:
		if p.Realtime == nil {
			return errors.New("app: streaming mode requires a realtime provider")
		}
		if p.Output == nil {
			return errors.New("app: streaming mode requires an audio output")
		}
		if p.Backend == nil && a.cfg.Dialog.ConversationID == "" {
			return errors.New("app: without a backend, dialog.conversation_id is required")
		}
	}
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.handler }

// AddCloser registers fn to run during Shutdown, after the App's own closers.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session and blocks until it ends or ctx is cancelled. The
// control API, the output pump and the config watcher run alongside it and
// stop with it.
//
// Cancelling ctx ends the session immediately and is not reported as an
// error. Otherwise Run returns the session's error, if any.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			a.log.Info("control api listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: control api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverStopTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if pump := a.providers.OutputPump; pump != nil {
		g.Go(func() error {
			pump(gctx)
			return nil
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, config.WithWatchLogger(a.log))
		if err != nil {
			a.log.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx, a.onConfigChange) })
		}
	}

	g.Go(func() error {
		if err := a.sessions.Start(gctx); err != nil {
			return err
		}
		<-a.sessions.Done()
		return errSessionOver
	})

	err := g.Wait()
	switch {
	case errors.Is(err, errSessionOver):
		if ctx.Err() != nil {
			return nil
		}
		return a.sessions.Err()
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil
	default:
		return err
	}
}

// onConfigChange applies the reloadable parts of a changed config file.
func (a *App) onConfigChange(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.BargeInChanged {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		err := a.sessions.SetBargeIn(ctx, d.NewBargeIn)
		cancel()
		if err != nil {
			a.log.Warn("barge-in reload failed", "policy", d.NewBargeIn, "err", err)
		} else {
			a.log.Info("barge-in policy changed", "policy", d.NewBargeIn)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends a running session, then runs the closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if err := a.sessions.End(ctx, session.EndOptions{Immediate: true}); err != nil &&
				!errors.Is(err, session.ErrEnded) {
				a.log.Warn("session end error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
