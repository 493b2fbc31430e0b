package realtime

import (
	"encoding/json"
	"strconv"
)

// Kind tags the variant held by a [Message].
type Kind int

const (
	KindStatus Kind = iota + 1
	KindAudio
	KindText
	KindEvent
	KindDebug
)

// String returns the wire tag of k.
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	case KindEvent:
		return "event"
	case KindDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Status is the connection state reported by the service.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// TextType distinguishes user transcripts from assistant response text.
type TextType string

const (
	TextASR      TextType = "asr"
	TextResponse TextType = "response"
)

// EventCode is a numeric turn event.
type EventCode int

const (
	// EventSessionFinished and EventSessionFailed end the dialog.
	EventSessionFinished EventCode = 152
	EventSessionFailed   EventCode = 153

	// EventRemoteSpeechStart and EventRemoteSpeechEnd bracket synthesized
	// speech.
	EventRemoteSpeechStart EventCode = 350
	EventRemoteSpeechEnd   EventCode = 359

	// EventLocalSpeechStart and EventLocalSpeechEnd bracket the user's turn as
	// detected by the service.
	EventLocalSpeechStart EventCode = 450
	EventLocalSpeechEnd   EventCode = 459
)

// String returns a readable name, or the number for unknown codes.
func (c EventCode) String() string {
	switch c {
	case EventSessionFinished:
		return "session_finished"
	case EventSessionFailed:
		return "session_failed"
	case EventRemoteSpeechStart:
		return "remote_speech_start"
	case EventRemoteSpeechEnd:
		return "remote_speech_end"
	case EventLocalSpeechStart:
		return "local_speech_start"
	case EventLocalSpeechEnd:
		return "local_speech_end"
	default:
		return strconv.Itoa(int(c))
	}
}

// Message is one decoded inbound message. Only the fields of its Kind are set.
type Message struct {
	Kind Kind

	// KindStatus
	Status Status

	// KindStatus (error text) and KindDebug
	Detail string

	// KindAudio: decoded 24 kHz mono PCM16.
	Audio []byte

	// KindText
	TextType TextType
	Text     string

	// KindEvent
	Event   EventCode
	Payload json.RawMessage
}

// StatusMessage builds a status message.
func StatusMessage(s Status, detail string) Message {
	return Message{Kind: KindStatus, Status: s, Detail: detail}
}

// AudioMessage builds an audio message.
func AudioMessage(pcm []byte) Message {
	return Message{Kind: KindAudio, Audio: pcm}
}

// TextMessage builds a text message.
func TextMessage(t TextType, text string) Message {
	return Message{Kind: KindText, TextType: t, Text: text}
}

// EventMessage builds an event message.
func EventMessage(c EventCode) Message {
	return Message{Kind: KindEvent, Event: c}
}
