// Package dialog implements the turn-taking state machine of a voice dialog.
//
// The machine is driven entirely by inputs: connection status, numeric turn
// events from the remote service, local speech detection and explicit end
// requests. Each input returns a [Transition] describing the state change and
// the side effects the caller must perform (clear playback, start capture, and
// so on). The machine itself performs no I/O and starts no timers, so the
// owning session decides how effects are carried out.
//
// A Machine is not safe for concurrent use. It is meant to be owned by a single
// session goroutine.
package dialog

import "fmt"

// State is the dialog state. Exactly one state is active at a time.
type State int

const (
	// Idle is the initial state before a connection is attempted.
	Idle State = iota
	// AwaitingConnection means the channel is being opened.
	AwaitingConnection
	// RemotePending means the service confirmed the connection and the
	// assistant is about to speak.
	RemotePending
	// RemoteSpeaking means synthesized speech is being played.
	RemoteSpeaking
	// LocalListening means it is the user's turn.
	LocalListening
	// Thinking means the user finished and the service is preparing a reply.
	Thinking
	// Ended is terminal.
	Ended
)

var stateNames = [...]string{
	Idle:               "idle",
	AwaitingConnection: "awaiting_connection",
	RemotePending:      "remote_pending",
	RemoteSpeaking:     "remote_speaking",
	LocalListening:     "local_listening",
	Thinking:           "thinking",
	Ended:              "ended",
}

// String returns the snake_case name of s.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes s by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Live reports whether s belongs to an open dialog.
func (s State) Live() bool { return s != Idle && s != Ended }

// Effect is a side effect requested by a transition.
type Effect int

const (
	// ClearResponse empties the assistant response buffer.
	ClearResponse Effect = iota + 1
	// StartCaptureDelayed starts microphone capture after the settle delay.
	StartCaptureDelayed
	// StopCapture stops capture and releases the device.
	StopCapture
	// ClearPlayback drops all scheduled but unplayed audio.
	ClearPlayback
	// StopPlayback tears down playback.
	StopPlayback
)

// String returns the snake_case name of e.
func (e Effect) String() string {
	switch e {
	case ClearResponse:
		return "clear_response"
	case StartCaptureDelayed:
		return "start_capture_delayed"
	case StopCapture:
		return "stop_capture"
	case ClearPlayback:
		return "clear_playback"
	case StopPlayback:
		return "stop_playback"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// BargeIn controls whether the user can interrupt synthesized speech.
type BargeIn string

const (
	// BargeInListeningOnly honours local speech only during the user's turn.
	BargeInListeningOnly BargeIn = "listening_only"
	// BargeInAlways lets local speech interrupt the assistant at any time.
	BargeInAlways BargeIn = "always"
)

// IsValid reports whether b is a known policy.
func (b BargeIn) IsValid() bool {
	return b == BargeInListeningOnly || b == BargeInAlways
}

// Transition is the result of feeding one input to a Machine.
type Transition struct {
	From, To State

	// FromActive and Active are the LocalListening(active) flag before and
	// after the transition.
	FromActive, Active bool

	Effects []Effect

	// Ignored is true when the input had no meaning in From. Ignored
	// transitions carry no effects.
	Ignored bool

	// Input names the input, for logging.
	Input string
}

// Changed reports whether the state or active flag changed.
func (t Transition) Changed() bool { return t.From != t.To || t.FromActive != t.Active }

// Has reports whether e is among t's effects.
func (t Transition) Has(e Effect) bool {
	for _, x := range t.Effects {
		if x == e {
			return true
		}
	}
	return false
}
