// Command memoirvoice is the voice client of the memoir interviewer. It runs
// one conversation against the realtime dialog service, or recognises speech
// segment by segment, and reports the result to the memoir backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/memoirvoice/internal/app"
	"github.com/MrWong99/memoirvoice/internal/backend"
	"github.com/MrWong99/memoirvoice/internal/config"
	"github.com/MrWong99/memoirvoice/internal/observe"
	"github.com/MrWong99/memoirvoice/internal/resilience"
	"github.com/MrWong99/memoirvoice/internal/session"
	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/audio/malgo"
	"github.com/MrWong99/memoirvoice/pkg/audio/playback"
	"github.com/MrWong99/memoirvoice/pkg/audio/replay"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime/wsdialog"
	"github.com/MrWong99/memoirvoice/pkg/provider/stt/remote"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad/energy"
	"github.com/MrWong99/memoirvoice/pkg/provider/vad/webrtc"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 15 * time.Second
	pumpPeriod      = 20 * time.Millisecond
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file; empty uses the environment only")
	preview := flag.String("preview", "", "play the greeting of a recorder voice (female, male) and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "memoirvoice: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "memoirvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "memoirvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	logger := newLogger(cfg.Server.LogLevel, &level)
	slog.SetDefault(logger)

	slog.Info("memoirvoice starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Dialog.Mode,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Mode:           string(cfg.Dialog.Mode),
		Recorder:       string(cfg.Dialog.Recorder),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(sctx)
	}()
	metrics := observe.DefaultMetrics()

	devices := &deviceContext{}
	defer devices.Close()

	// ── Preview ───────────────────────────────────────────────────────────────
	if *preview != "" {
		if err := runPreview(ctx, cfg, devices, realtime.Voice(*preview)); err != nil {
			slog.Error("preview failed", "err", err)
			return 1
		}
		return 0
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, devices, metrics, cfg.VAD.FinalSilence+500*time.Millisecond)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, closers, err := buildProviders(cfg, reg, devices, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithMetrics(metrics),
		app.WithUtteranceHandler(func(u session.Utterance) {
			fmt.Printf("[%d] %s\n", u.Index, u.Text)
		}),
	}
	if *configPath != "" {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	for _, c := range closers {
		application.AddCloser(c)
	}

	slog.Info("session starting; press Ctrl+C to end it")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Audio devices ─────────────────────────────────────────────────────────────

// deviceContext opens the miniaudio context on first use, so file input with
// no output never touches the sound system.
type deviceContext struct {
	once sync.Once
	ctx  *malgo.Context
	err  error
}

func (d *deviceContext) Get() (*malgo.Context, error) {
	d.once.Do(func() { d.ctx, d.err = malgo.NewContext() })
	return d.ctx, d.err
}

func (d *deviceContext) Close() {
	if d.ctx != nil {
		_ = d.ctx.Close()
	}
}

// newOutput returns the playback clock for kind. For device output the
// speaker's callback renders the timeline; otherwise the returned pump does.
func newOutput(kind config.OutputKind, devices *deviceContext) (*playback.Timeline, func(context.Context), func() error, error) {
	tl := playback.NewTimeline(audio.PlaybackSampleRate)
	if kind == config.OutputNone {
		return tl, func(ctx context.Context) { tl.Pump(ctx, pumpPeriod) }, nil, nil
	}
	mctx, err := devices.Get()
	if err != nil {
		return nil, nil, nil, err
	}
	spk, err := malgo.NewSpeaker(mctx, audio.PlaybackSampleRate, tl)
	if err != nil {
		return nil, nil, nil, err
	}
	return tl, nil, spk.Close, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the VAD engines and audio sources that ship
// with memoirvoice into reg. Replayed files are padded with trailingSilence so
// the detector can close the last utterance.
func registerBuiltinProviders(reg *config.Registry, devices *deviceContext, metrics *observe.Metrics, trailingSilence time.Duration) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD(config.VADEnergy, func(c config.VADConfig) (vad.Engine, error) {
		e := energy.New()
		if c.Gain > 0 {
			e.Gain = c.Gain
		}
		return e, nil
	})

	reg.RegisterVAD(config.VADWebRTC, func(c config.VADConfig) (vad.Engine, error) {
		return &webrtc.Engine{Mode: c.WebRTCMode}, nil
	})

	// ── Sources ───────────────────────────────────────────────────────────────

	reg.RegisterSource(config.SourceDevice, func(c config.AudioConfig) (audio.Source, error) {
		mctx, err := devices.Get()
		if err != nil {
			return nil, err
		}
		return malgo.NewCapture(mctx,
			malgo.WithBuffer(c.CaptureBuffer),
			malgo.WithDropHandler(func() {
				metrics.DroppedFrames.Add(context.Background(), 1)
			}),
		), nil
	})

	reg.RegisterSource(config.SourceFile, func(c config.AudioConfig) (audio.Source, error) {
		src, err := replay.Open(c.InputFile,
			replay.WithRealtime(c.Realtime()),
			replay.WithTrailingSilence(trailingSilence),
		)
		if err != nil {
			return nil, err
		}
		slog.Debug("input file opened", "path", c.InputFile, "duration", src.Duration())
		return src, nil
	})

	for _, name := range reg.VADEngines() {
		slog.Debug("registered provider", "kind", "vad", "name", name)
	}
}

// buildProviders instantiates every provider cfg needs and returns them in an
// [app.Providers] struct, along with the closers of the devices it opened.
func buildProviders(cfg *config.Config, reg *config.Registry, devices *deviceContext, metrics *observe.Metrics) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error

	cbCfg := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
		},
	}

	// ── Backend ───────────────────────────────────────────────────────────────
	backendCB := cbCfg
	backendCB.Name = "backend"
	backendCB.IsFailure = backend.IsFailure
	breaker := resilience.NewCircuitBreaker(backendCB)
	client, err := backend.New(cfg.Backend.BaseURL,
		backend.WithToken(cfg.Backend.Token),
		backend.WithBreaker(breaker),
		backend.WithMetrics(metrics),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create backend client: %w", err)
	}
	ps.Backend = client
	ps.Breakers = append(ps.Breakers, breaker)

	// ── VAD ───────────────────────────────────────────────────────────────────
	v, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, nil, fmt.Errorf("create vad engine %q: %w", cfg.VAD.Engine, err)
	}
	ps.VAD = v
	slog.Info("provider created", "kind", "vad", "name", cfg.VAD.Engine)

	// ── Source ────────────────────────────────────────────────────────────────
	src, err := reg.CreateSource(cfg.Audio)
	if err != nil {
		return nil, nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
	}
	ps.Source = src
	slog.Info("provider created", "kind", "source", "name", cfg.Audio.Source)

	switch cfg.Dialog.Mode {
	case config.ModeSegmented:
		// ── Recognizer ────────────────────────────────────────────────────────
		primary, err := remote.New(cfg.Backend.BaseURL, remote.WithToken(cfg.Backend.Token))
		if err != nil {
			return nil, nil, fmt.Errorf("create recognizer: %w", err)
		}
		fb := resilience.NewRecognizerFallback(primary, "asr", resilience.FallbackConfig{CircuitBreaker: cbCfg})
		if u := cfg.Backend.ASRFallbackURL; u != "" {
			secondary, err := remote.New(u, remote.WithToken(cfg.Backend.Token))
			if err != nil {
				return nil, nil, fmt.Errorf("create fallback recognizer: %w", err)
			}
			fb.AddFallback("asr-fallback", secondary)
			ps.Breakers = append(ps.Breakers, fb.Breaker("asr-fallback"))
		}
		ps.Breakers = append(ps.Breakers, fb.Breaker("asr"))
		ps.Recognizer = fb
		slog.Info("provider created", "kind", "stt", "name", "remote", "fallback", cfg.Backend.ASRFallbackURL != "")

	default:
		// ── Realtime dialog ───────────────────────────────────────────────────
		ps.Realtime = newDialogProvider(cfg, metrics)
		slog.Info("provider created", "kind", "realtime", "name", "wsdialog", "url", cfg.Backend.RealtimeURL)

		// ── Output ────────────────────────────────────────────────────────────
		out, pump, closeOut, err := newOutput(cfg.Audio.Output, devices)
		if err != nil {
			return nil, nil, fmt.Errorf("open audio output: %w", err)
		}
		ps.Output, ps.OutputPump = out, pump
		if closeOut != nil {
			closers = append(closers, closeOut)
		}
		slog.Info("provider created", "kind", "output", "name", cfg.Audio.Output)
	}

	return ps, closers, nil
}

func newDialogProvider(cfg *config.Config, metrics *observe.Metrics) *wsdialog.Provider {
	return wsdialog.New(cfg.Backend.RealtimeURL,
		wsdialog.WithToken(cfg.Backend.Token),
		wsdialog.WithDecodeErrorHook(func(error) {
			metrics.DecodeErrors.Add(context.Background(), 1)
		}),
	)
}

// runPreview plays the greeting of voice and returns when it has been heard.
func runPreview(ctx context.Context, cfg *config.Config, devices *deviceContext, voice realtime.Voice) error {
	out, pump, closeOut, err := newOutput(cfg.Audio.Output, devices)
	if err != nil {
		return err
	}
	if closeOut != nil {
		defer closeOut()
	}
	if pump != nil {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go pump(pctx)
	}
	return app.Preview(ctx, newDialogProvider(cfg, observe.DefaultMetrics()), out, voice, "", app.DefaultPreviewDrain)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      memoirvoice — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Mode", string(cfg.Dialog.Mode))
	printRow("Recorder", string(cfg.Dialog.Recorder))
	printRow("Barge-in", string(cfg.Dialog.BargeIn))
	printRow("Profile", string(cfg.Dialog.ProfileCollection))
	printRow("End mode", string(cfg.Dialog.EndMode))
	printRow("Conversation", orNone(cfg.Dialog.ConversationID))
	printRow("Source", string(cfg.Audio.Source))
	printRow("Output", string(cfg.Audio.Output))
	printRow("VAD", string(cfg.VAD.Engine))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orNone(s string) string {
	if s == "" {
		return "(new)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(level.SlogLevel())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
