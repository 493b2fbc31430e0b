package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/memoirvoice/internal/config"
	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/internal/observe"
	"github.com/MrWong99/memoirvoice/internal/segment"
	"github.com/MrWong99/memoirvoice/internal/session"
	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned when an operation needs a session and none
	// has been started.
	ErrNoSession = errors.New("app: no session")
)

// subscriberBuffer is the per-subscriber snapshot queue. Slow subscribers
// miss intermediate snapshots.
const subscriberBuffer = 16

// SessionInfo holds metadata about the current session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// runner is the part of a session the manager drives. Both session designs
// implement it.
type runner interface {
	ID() string
	Start(ctx context.Context) error
	End(ctx context.Context, opts session.EndOptions) error
	Snapshot() session.Snapshot
	Done() <-chan struct{}
	Err() error
}

var (
	_ runner = (*session.Session)(nil)
	_ runner = (*session.SegmentedSession)(nil)
)

// SessionManager owns the lifecycle of voice sessions. Only one session can
// be active at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	current runner
	info    SessionInfo
	bargeIn dialog.BargeIn

	subMu sync.Mutex
	subs  map[chan session.Snapshot]struct{}

	cfg         *config.Config
	providers   *Providers
	player      session.Player
	metrics     *observe.Metrics
	log         *slog.Logger
	onUtterance func(session.Utterance)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Player receives synthesized speech. Required in streaming mode.
	Player session.Player

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// OnUtterance, if set, receives every utterance recognised in segmented
	// mode.
	OnUtterance func(session.Utterance)
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		subs:        make(map[chan session.Snapshot]struct{}),
		cfg:         cfg.Config,
		providers:   cfg.Providers,
		player:      cfg.Player,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		onUtterance: cfg.OnUtterance,
		bargeIn:     cfg.Config.Dialog.BargeIn,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	return sm
}

// Start builds a session for the configured mode and starts it.
//
// Returns [ErrSessionActive] if a session is already running.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != nil && !isDone(sm.current) {
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.current.ID())
	}

	opts := []session.Option{
		session.WithLogger(sm.log),
		session.WithMetrics(sm.metrics),
		session.WithStateObserver(sm.broadcast),
	}

	var (
		r   runner
		err error
	)
	switch sm.cfg.Dialog.Mode {
	case config.ModeSegmented:
		r, err = sm.newSegmented(opts)
	default:
		r, err = sm.newStreaming(opts)
	}
	if err != nil {
		return fmt.Errorf("app: build session: %w", err)
	}
	if err := r.Start(observe.ContextWithSession(ctx, r.ID())); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}

	sm.current = r
	sm.info = SessionInfo{
		SessionID: r.ID(),
		Mode:      string(sm.cfg.Dialog.Mode),
		StartedAt: time.Now().UTC(),
	}
	if seg, ok := r.(*session.SegmentedSession); ok {
		go sm.forwardUtterances(seg)
	}

	sm.log.Info("session started",
		"session_id", sm.info.SessionID,
		"mode", sm.info.Mode,
	)
	return nil
}

func (sm *SessionManager) newStreaming(opts []session.Option) (runner, error) {
	p := sm.providers
	if p.Realtime == nil {
		return nil, errors.New("streaming mode requires a realtime provider")
	}
	if sm.player == nil {
		return nil, errors.New("streaming mode requires a player")
	}
	d := sm.cfg.Dialog
	rec, err := realtime.LookupRecorder(d.Recorder)
	if err != nil {
		return nil, err
	}

	cfg := session.Config{
		Provider: p.Realtime,
		Source:   p.Source,
		Player:   sm.player,
		VAD:      p.VAD,
		Dialog: realtime.SessionConfig{
			Recorder:       rec,
			ConversationID: d.ConversationID,
			UserID:         d.UserID,
			Topic:          d.Topic,
			Greeting:       d.Greeting,
			Context:        d.Context,
		},
		BargeIn:           sm.bargeIn,
		SettleDelay:       d.SettleDelay,
		AutoEndDelay:      d.AutoEndDelay,
		DrainTimeout:      sm.cfg.Playback.DrainTimeout,
		Profile:           profileMode(d.ProfileCollection),
		FullEnd:           d.EndMode == config.EndFull,
		MemoirTitle:       d.MemoirTitle,
		MemoirPerspective: d.MemoirPerspective,
	}
	if p.VAD != nil {
		cfg.VADConfig = sm.cfg.VADSettings(audio.CaptureSampleRate)
	}
	// A nil *backend.Client must not become a non-nil interface.
	if p.Backend != nil {
		cfg.Lifecycle = p.Backend
	}
	return session.New(cfg, opts...)
}

func (sm *SessionManager) newSegmented(opts []session.Option) (runner, error) {
	p := sm.providers
	if p.Recognizer == nil {
		return nil, errors.New("segmented mode requires a recognizer")
	}
	return session.NewSegmented(session.SegmentedConfig{
		Source:     p.Source,
		Recognizer: p.Recognizer,
		VAD:        p.VAD,
		VADConfig:  sm.cfg.VADSettings(audio.CaptureSampleRate),
		Segment: segment.Config{
			Duration: sm.cfg.Segment.Duration,
			Overlap:  sm.cfg.Segment.Overlap,
		},
	}, opts...)
}

func (sm *SessionManager) forwardUtterances(s *session.SegmentedSession) {
	for u := range s.Utterances() {
		if sm.onUtterance != nil {
			sm.onUtterance(u)
		}
	}
}

// End ends the current session and waits for its end sequence.
func (sm *SessionManager) End(ctx context.Context, opts session.EndOptions) error {
	r := sm.active()
	if r == nil {
		return ErrNoSession
	}
	err := r.End(ctx, opts)
	sm.log.Info("session end requested", "session_id", r.ID(), "immediate", opts.Immediate, "err", err)
	return err
}

// SetBargeIn changes the barge-in policy of the running session and of every
// later one.
func (sm *SessionManager) SetBargeIn(ctx context.Context, p dialog.BargeIn) error {
	if !p.IsValid() {
		return fmt.Errorf("app: invalid barge-in policy %q", p)
	}
	sm.mu.Lock()
	sm.bargeIn = p
	r := sm.current
	sm.mu.Unlock()

	s, ok := r.(*session.Session)
	if !ok || isDone(s) {
		return nil
	}
	return s.SetBargeIn(ctx, p)
}

// Snapshot returns the state of the current session. ok is false when no
// session has been started.
func (sm *SessionManager) Snapshot() (snap session.Snapshot, info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == nil {
		return session.Snapshot{}, SessionInfo{}, false
	}
	return sm.current.Snapshot(), sm.info, true
}

// Done returns a channel closed when the current session has ended. It is
// nil when no session has been started.
func (sm *SessionManager) Done() <-chan struct{} {
	r := sm.active()
	if r == nil {
		return nil
	}
	return r.Done()
}

// Err returns the error of the current session.
func (sm *SessionManager) Err() error {
	r := sm.active()
	if r == nil {
		return nil
	}
	return r.Err()
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	r := sm.active()
	return r != nil && !isDone(r)
}

// Subscribe registers for snapshot updates. The returned cancel function
// must be called to release the subscription.
func (sm *SessionManager) Subscribe() (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, subscriberBuffer)
	sm.subMu.Lock()
	sm.subs[ch] = struct{}{}
	sm.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.subMu.Lock()
			delete(sm.subs, ch)
			sm.subMu.Unlock()
		})
	}
}

// broadcast runs on the session goroutine and never blocks.
func (sm *SessionManager) broadcast(snap session.Snapshot) {
	sm.subMu.Lock()
	defer sm.subMu.Unlock()
	for ch := range sm.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (sm *SessionManager) active() runner {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

func isDone(r runner) bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

func profileMode(p config.ProfileCollection) session.ProfileMode {
	switch p {
	case config.ProfileOn:
		return session.ProfileOn
	case config.ProfileOff:
		return session.ProfileOff
	default:
		return session.ProfileAuto
	}
}
