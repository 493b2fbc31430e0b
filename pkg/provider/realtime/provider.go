// Package realtime defines the Provider interface for full-duplex spoken
// dialog services.
//
// A realtime provider holds one persistent bidirectional channel per
// conversation. Microphone audio flows up as PCM16 chunks; the service sends
// back synthesized speech, transcripts, and compact numeric events that mark
// turn boundaries (see [EventCode]). The client never decides turns on its
// own: it reacts to events, which makes the remote service the single source
// of truth for who is speaking.
//
// Implementations must be safe for concurrent use. Messages are delivered on
// a single channel in arrival order.
package realtime

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by SessionHandle methods after Close.
	ErrClosed = errors.New("realtime: session closed")

	// ErrChannel reports that the dialog connection was lost or reported
	// itself disconnected.
	ErrChannel = errors.New("realtime: channel closed")
)

// ServerError is a status error reported by the service.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "realtime: server error"
	}
	return "realtime: server error: " + e.Message
}

// SessionConfig selects the recorder persona and conversation for a session.
type SessionConfig struct {
	// Recorder is the voice persona. Its Speaker and Name are sent to the
	// service.
	Recorder Recorder

	// ConversationID identifies the backend conversation the dialog belongs
	// to. Required.
	ConversationID string

	// UserID identifies the storyteller.
	UserID string

	// Topic, Greeting and Context optionally steer the opening of the dialog.
	Topic    string
	Greeting string
	Context  string
}

// SessionHandle is an open dialog channel.
//
// Callers must call Close when done. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio queues one chunk of 16 kHz mono PCM16 for transmission. It
	// blocks only while the outbound queue is full and ctx is live.
	SendAudio(ctx context.Context, pcm []byte) error

	// Start asks the service to begin a turn. Services that start on connect
	// ignore it.
	Start(ctx context.Context) error

	// Stop tells the service the client is ending the dialog. It returns once
	// the request has been written.
	Stop(ctx context.Context) error

	// Messages returns the inbound message stream. The channel is closed when
	// the connection ends.
	Messages() <-chan Message

	// Err returns the transport error that ended the session, if any.
	Err() error

	// Close terminates the connection. Calling Close more than once is safe.
	Close() error
}

// Provider opens dialog sessions.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}

// Previewer synthesizes a short sample of a speaker voice. The returned
// channel yields PCM16 chunks at 24 kHz and is closed when synthesis is done
// or ctx ends.
type Previewer interface {
	Preview(ctx context.Context, speaker, text string) (<-chan []byte, error)
}
