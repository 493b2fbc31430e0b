// Package session runs one voice conversation from start to end.
//
// A [Session] wires a capture source, the realtime dialog channel, the dialog
// state machine and the playback scheduler for the streaming design. A
// [SegmentedSession] replaces the channel with local VAD and overlapping batch
// recognition. Both keep every piece of mutable conversation state on one
// owner goroutine; exported methods reach it through a command channel and
// read a published [Snapshot].
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/internal/observe"
)

var (
	// ErrStarted is returned by Start on a session that was already started.
	ErrStarted = errors.New("session: already started")

	// ErrNotStarted is returned by End before Start.
	ErrNotStarted = errors.New("session: not started")

	// ErrEnded is returned by End and SetBargeIn once the session is over.
	ErrEnded = errors.New("session: ended")
)

// Mode names the capture design a session runs.
const (
	ModeStreaming = "streaming"
	ModeSegmented = "segmented"
)

// Snapshot is the externally visible state of a session. Snapshots are
// values; the session never mutates one after publishing it.
type Snapshot struct {
	ID             string `json:"id"`
	Mode           string `json:"mode"`
	ConversationID string `json:"conversation_id,omitempty"`

	dialog.Snapshot

	Capturing         bool   `json:"capturing"`
	ProfileCollection bool   `json:"profile_collection"`
	Response          string `json:"response,omitempty"`
	Transcript        string `json:"transcript,omitempty"`
	CaptureError      string `json:"capture_error,omitempty"`
	Error             string `json:"error,omitempty"`
}

// EndOptions tune how a session ends.
type EndOptions struct {
	// Immediate clears queued playback instead of letting it finish.
	Immediate bool
}

// Option configures a session.
type Option func(*base)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *base) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithStateObserver registers fn to be called from the session goroutine
// after every visible change. fn must return quickly.
func WithStateObserver(fn func(Snapshot)) Option {
	return func(b *base) { b.observer = fn }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(b *base) {
		if id != "" {
			b.id = id
		}
	}
}

type cmdKind int

const (
	cmdEnd cmdKind = iota
	cmdBargeIn
)

type command struct {
	kind   cmdKind
	ctx    context.Context
	end    EndOptions
	policy dialog.BargeIn
	reply  chan error
}

// base carries what both session designs share: identity, the command
// channel, the published snapshot and the first fatal error.
type base struct {
	id       string
	mode     string
	log      *slog.Logger
	metrics  *observe.Metrics
	observer func(Snapshot)

	started atomic.Bool
	cmds    chan command
	done    chan struct{}

	mu   sync.Mutex
	snap Snapshot
	err  error
}

func (b *base) init(mode string, opts []Option) {
	b.id = uuid.NewString()
	b.mode = mode
	b.log = slog.Default()
	b.metrics = observe.DefaultMetrics()
	b.cmds = make(chan command)
	b.done = make(chan struct{})
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With("session_id", b.id, "mode", mode)
	b.snap = Snapshot{ID: b.id, Mode: mode, Snapshot: dialog.Snapshot{State: dialog.Idle}}
}

// ID returns the local session id.
func (b *base) ID() string { return b.id }

// Done is closed when the session goroutine has exited.
func (b *base) Done() <-chan struct{} { return b.done }

// Err returns the first fatal error, if any.
func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Snapshot returns the most recently published state.
func (b *base) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

func (b *base) setErr(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
}

// publish stores snap and notifies the observer when it differs from the
// previous one.
func (b *base) publish(snap Snapshot) {
	snap.ID, snap.Mode = b.id, b.mode
	b.mu.Lock()
	if b.err != nil {
		snap.Error = b.err.Error()
	}
	changed := snap != b.snap
	b.snap = snap
	b.mu.Unlock()
	if changed && b.observer != nil {
		b.observer(snap)
	}
}

// failStart records a start failure and releases waiters.
func (b *base) failStart(err error) error {
	b.setErr(err)
	close(b.done)
	return err
}

// End asks the session to end and waits for the end sequence to complete.
func (b *base) End(ctx context.Context, opts EndOptions) error {
	if !b.started.Load() {
		return ErrNotStarted
	}
	return b.send(ctx, command{kind: cmdEnd, ctx: ctx, end: opts})
}

// Wait blocks until the session has ended or ctx is done, and returns the
// session error.
func (b *base) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *base) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case b.cmds <- c:
	case <-b.done:
		return ErrEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
