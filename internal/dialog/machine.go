package dialog

import (
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

// Snapshot is a point-in-time view of a Machine.
type Snapshot struct {
	State   State   `json:"state"`
	Active  bool    `json:"active"`
	BargeIn BargeIn `json:"barge_in"`
}

// Machine is the dialog state machine. The zero value is not usable; call
// [New].
type Machine struct {
	state  State
	active bool
	policy BargeIn
}

// New returns a Machine in Idle. An invalid policy falls back to
// [BargeInListeningOnly].
func New(policy BargeIn) *Machine {
	m := &Machine{state: Idle}
	m.SetBargeIn(policy)
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Snapshot returns the current state, active flag and policy.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{State: m.state, Active: m.active, BargeIn: m.policy}
}

// SetBargeIn replaces the barge-in policy. It takes effect on the next input.
func (m *Machine) SetBargeIn(p BargeIn) {
	if !p.IsValid() {
		p = BargeInListeningOnly
	}
	m.policy = p
}

// ForwardAudio reports whether captured audio should be sent upstream in the
// current state.
func (m *Machine) ForwardAudio() bool {
	switch m.state {
	case LocalListening, Thinking:
		return true
	case RemoteSpeaking:
		return m.policy == BargeInAlways
	default:
		return false
	}
}

func (m *Machine) move(input string, to State, active bool, effects ...Effect) Transition {
	t := Transition{From: m.state, FromActive: m.active, To: to, Active: active, Effects: effects, Input: input}
	m.state, m.active = to, active
	return t
}

func (m *Machine) ignore(input string) Transition {
	return Transition{From: m.state, FromActive: m.active, To: m.state, Active: m.active, Ignored: true, Input: input}
}

// Connect records that the channel is being opened.
func (m *Machine) Connect() Transition {
	const input = "connect"
	if m.state != Idle {
		return m.ignore(input)
	}
	return m.move(input, AwaitingConnection, false)
}

// Status feeds a connection status message.
func (m *Machine) Status(s realtime.Status) Transition {
	input := "status:" + string(s)
	if m.state == Ended {
		return m.ignore(input)
	}
	switch s {
	case realtime.StatusConnected:
		if m.state != Idle && m.state != AwaitingConnection {
			return m.ignore(input)
		}
		return m.move(input, RemotePending, false)
	case realtime.StatusError, realtime.StatusDisconnected:
		return m.move(input, Ended, false, StopCapture, StopPlayback)
	default:
		return m.ignore(input)
	}
}

// Event feeds a numeric turn event. Unknown codes are ignored.
func (m *Machine) Event(c realtime.EventCode) Transition {
	input := "event:" + c.String()
	if m.state == Ended {
		return m.ignore(input)
	}
	switch c {
	case realtime.EventRemoteSpeechStart:
		if !m.state.Live() {
			return m.ignore(input)
		}
		return m.move(input, RemoteSpeaking, false, ClearResponse)

	case realtime.EventRemoteSpeechEnd:
		if !m.state.Live() || m.state == LocalListening {
			return m.ignore(input)
		}
		return m.move(input, LocalListening, false, StartCaptureDelayed)

	case realtime.EventLocalSpeechStart:
		return m.localSpeech(input)

	case realtime.EventLocalSpeechEnd:
		if m.state != LocalListening {
			return m.ignore(input)
		}
		return m.move(input, Thinking, false)

	case realtime.EventSessionFinished, realtime.EventSessionFailed:
		return m.move(input, Ended, false, StopCapture, StopPlayback)

	default:
		return m.ignore(input)
	}
}

// LocalSpeechStarted feeds a speech start detected by the local VAD. It only
// matters when the policy allows interrupting the assistant.
func (m *Machine) LocalSpeechStarted() Transition {
	const input = "vad:speech_started"
	if m.state != RemoteSpeaking || m.policy != BargeInAlways {
		return m.ignore(input)
	}
	return m.move(input, LocalListening, true, ClearPlayback)
}

func (m *Machine) localSpeech(input string) Transition {
	switch m.state {
	case LocalListening, Thinking:
		return m.move(input, LocalListening, true, ClearPlayback)
	case RemoteSpeaking:
		if m.policy != BargeInAlways {
			return m.ignore(input)
		}
		return m.move(input, LocalListening, true, ClearPlayback)
	default:
		return m.ignore(input)
	}
}

// End ends the dialog on the caller's request.
func (m *Machine) End() Transition {
	const input = "end"
	if m.state == Ended {
		return m.ignore(input)
	}
	return m.move(input, Ended, false, StopCapture)
}
