// Package wsdialog implements realtime.Provider over the dialog service's
// WebSocket endpoint.
//
// Every session is one WebSocket at {base}/api/realtime/dialog. Outbound
// frames go through a single writer goroutine fed by a bounded queue, so
// audio and control messages keep their call order and a slow network never
// stalls the capture path for longer than the caller's context allows.
// Inbound frames are decoded by a receive goroutine and delivered on
// Messages in arrival order.
package wsdialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Previewer = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	dialogPath  = "/api/realtime/dialog"
	previewPath = "/api/realtime/preview"

	defaultQueueSize = 64
	defaultReadLimit = 8 << 20
	messageBuffer    = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithToken sends token as a bearer Authorization header on every dial.
func WithToken(token string) Option {
	return func(p *Provider) {
		if token != "" {
			p.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeader adds a header to every dial.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.header.Add(key, value) }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithQueueSize sets the outbound queue depth. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMessageHook registers fn to be called for every decoded inbound
// message, before it is delivered. fn runs on the receive goroutine and must
// not block.
func WithMessageHook(fn func(realtime.Message)) Option {
	return func(p *Provider) { p.onMessage = fn }
}

// WithDecodeErrorHook registers fn to be called for every inbound message
// that fails to decode.
func WithDecodeErrorHook(fn func(error)) Option {
	return func(p *Provider) { p.onDecodeError = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider dials dialog and preview sessions.
type Provider struct {
	baseURL       string
	header        http.Header
	client        *http.Client
	queueSize     int
	onMessage     func(realtime.Message)
	onDecodeError func(error)
	log           *slog.Logger
}

// New creates a Provider for the service at baseURL. http and https URLs are
// rewritten to ws and wss.
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:   toWebSocketURL(strings.TrimRight(baseURL, "/")),
		header:    http.Header{},
		queueSize: defaultQueueSize,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// DialogURL returns the dialog endpoint URL for cfg.
func (p *Provider) DialogURL(cfg realtime.SessionConfig) string {
	q := url.Values{}
	q.Set("speaker", cfg.Recorder.Speaker)
	q.Set("recorder_name", cfg.Recorder.Name)
	q.Set("conversation_id", cfg.ConversationID)
	q.Set("user_id", cfg.UserID)
	if cfg.Topic != "" {
		q.Set("topic", cfg.Topic)
	}
	if cfg.Greeting != "" {
		q.Set("greeting", cfg.Greeting)
	}
	if cfg.Context != "" {
		q.Set("context", cfg.Context)
	}
	return p.baseURL + dialogPath + "?" + q.Encode()
}

func (p *Provider) dial(ctx context.Context, u string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: p.client,
		HTTPHeader: p.header.Clone(),
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(defaultReadLimit)
	return conn, nil
}

// Connect opens a dialog session. The returned handle is live as soon as the
// handshake completes; the service confirms with a "connected" status.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	if cfg.ConversationID == "" {
		return nil, errors.New("wsdialog: conversation id is required")
	}
	if cfg.Recorder.Speaker == "" {
		return nil, errors.New("wsdialog: recorder speaker is required")
	}

	conn, err := p.dial(ctx, p.DialogURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("wsdialog: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:          conn,
		msgs:          make(chan realtime.Message, messageBuffer),
		out:           make(chan outbound, p.queueSize),
		ctx:           sessCtx,
		cancel:        sessCancel,
		onMessage:     p.onMessage,
		onDecodeError: p.onDecodeError,
		log:           p.log.With("conversation_id", cfg.ConversationID),
	}
	go s.receiveLoop()
	go s.writeLoop()
	return s, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type outbound struct {
	data []byte
	done chan error // nil for fire-and-forget audio
}

type session struct {
	conn *websocket.Conn
	msgs chan realtime.Message
	out  chan outbound

	onMessage     func(realtime.Message)
	onDecodeError func(error)
	log           *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeLoop is the only goroutine that writes to conn.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ob := <-s.out:
			err := s.conn.Write(s.ctx, websocket.MessageText, ob.data)
			if ob.done != nil {
				ob.done <- err
			}
			if err != nil {
				if s.ctx.Err() == nil {
					s.setErr(fmt.Errorf("%w: write: %w", realtime.ErrChannel, err))
					s.cancel()
				}
				return
			}
		}
	}
}

// receiveLoop reads frames and dispatches them. It owns msgs and closes it on
// exit.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || s.isClosed() {
				return
			}
			s.setErr(fmt.Errorf("%w: %w", realtime.ErrChannel, err))
			s.cancel()
			return
		}

		msg, ok, err := Decode(data)
		if err != nil {
			s.log.Debug("wsdialog: dropping undecodable message", "err", err)
			if s.onDecodeError != nil {
				s.onDecodeError(err)
			}
			continue
		}
		if !ok {
			s.log.Debug("wsdialog: dropping message with unknown type", "bytes", len(data))
			continue
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
		select {
		case s.msgs <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() { close(s.msgs) })
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) enqueue(ctx context.Context, ob outbound) error {
	if s.isClosed() {
		return realtime.ErrClosed
	}
	select {
	case s.out <- ob:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		if err := s.Err(); err != nil {
			return err
		}
		return realtime.ErrClosed
	}
}

// control writes a control message after everything already queued and waits
// for the write to finish.
func (s *session) control(ctx context.Context, kind string) error {
	data, err := EncodeControl(kind)
	if err != nil {
		return fmt.Errorf("wsdialog: encode %s: %w", kind, err)
	}
	ob := outbound{data: data, done: make(chan error, 1)}
	if err := s.enqueue(ctx, ob); err != nil {
		return err
	}
	select {
	case err := <-ob.done:
		if err != nil {
			return fmt.Errorf("wsdialog: %s: %w", kind, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return realtime.ErrClosed
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio queues a PCM16 chunk.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	data, err := EncodeAudio(pcm)
	if err != nil {
		return fmt.Errorf("wsdialog: encode audio: %w", err)
	}
	return s.enqueue(ctx, outbound{data: data})
}

// Start sends {"type":"start"}.
func (s *session) Start(ctx context.Context) error { return s.control(ctx, "start") }

// Stop sends {"type":"stop"}.
func (s *session) Stop(ctx context.Context) error { return s.control(ctx, "stop") }

// Messages returns the inbound message channel.
func (s *session) Messages() <-chan realtime.Message { return s.msgs }

// Err returns the first transport error that ended the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the connection. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.cancel()
	return nil
}
