// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to feed inbound messages with Emit and to inspect what the caller
// sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.StatusMessage(realtime.StatusConnected, ""))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

var _ realtime.Provider = (*Provider)(nil)

// Session is a mock implementation of realtime.SessionHandle.
type Session struct {
	mu sync.Mutex

	ch     chan realtime.Message
	closed bool
	err    error

	// SendAudioFunc, if set, runs before SendAudio records anything. A
	// non-nil result is returned as is.
	SendAudioFunc func(ctx context.Context, pcm []byte) error

	// SendAudioErr, StartErr, StopErr and CloseErr are returned by the
	// corresponding methods when non-nil.
	SendAudioErr error
	StartErr     error
	StopErr      error
	CloseErr     error

	// SentAudio holds a copy of every chunk passed to SendAudio.
	SentAudio [][]byte

	StartCallCount int
	StopCallCount  int
	CloseCallCount int

	// Sent records control messages ("start", "stop") and "audio" in call
	// order.
	Sent []string
}

// NewSession returns a Session with a buffered message channel.
func NewSession() *Session {
	return &Session{ch: make(chan realtime.Message, 64)}
}

// Emit delivers m on the Messages channel. It reports false if the session is
// closed or the buffer is full.
func (s *Session) Emit(m realtime.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

// Disconnect simulates the service dropping the connection with err.
func (s *Session) Disconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.ch)
}

// SendAudio calls SendAudioFunc, then records a copy of pcm and returns
// SendAudioErr.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if s.SendAudioFunc != nil {
		if err := s.SendAudioFunc(ctx, pcm); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrClosed
	}
	s.SentAudio = append(s.SentAudio, append([]byte(nil), pcm...))
	s.Sent = append(s.Sent, "audio")
	return s.SendAudioErr
}

// Start records the call and returns StartErr.
func (s *Session) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCallCount++
	s.Sent = append(s.Sent, "start")
	return s.StartErr
}

// Stop records the call and returns StopErr.
func (s *Session) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrClosed
	}
	s.StopCallCount++
	s.Sent = append(s.Sent, "stop")
	return s.StopErr
}

// Messages returns the inbound channel.
func (s *Session) Messages() <-chan realtime.Message { return s.ch }

// Err returns the error passed to Disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the message channel and returns CloseErr. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseErr
}

// Audio returns a copy of the chunks sent so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.SentAudio...)
}

// Log returns a copy of the sent message log.
func (s *Session) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Sent...)
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ realtime.SessionHandle = (*Session)(nil)
