package wsdialog

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

// ErrDecode is wrapped by every inbound message that could not be decoded.
var ErrDecode = errors.New("wsdialog: decode")

// wireMessage is the JSON envelope shared by both directions.
type wireMessage struct {
	Type string `json:"type"`

	// status / debug
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// audio (base64 PCM16)
	Data string `json:"data,omitempty"`

	// text
	TextType string `json:"text_type,omitempty"`
	Content  string `json:"content,omitempty"`

	// event
	Event   *int            `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeAudio returns the outbound audio message for pcm.
func EncodeAudio(pcm []byte) ([]byte, error) {
	return json.Marshal(wireMessage{Type: "audio", Data: base64.StdEncoding.EncodeToString(pcm)})
}

// EncodeControl returns an outbound control message such as "stop" or
// "start".
func EncodeControl(kind string) ([]byte, error) {
	return json.Marshal(wireMessage{Type: kind})
}

func decodeWire(data []byte) (wireMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return w, nil
}

func decodeAudio(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("%w: empty audio", ErrDecode)
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: audio: %w", ErrDecode, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrDecode)
	}
	return pcm, nil
}

// Decode parses one inbound message. ok is false for well-formed messages
// with an unknown type tag, which callers drop.
func Decode(data []byte) (msg realtime.Message, ok bool, err error) {
	w, err := decodeWire(data)
	if err != nil {
		return realtime.Message{}, false, err
	}
	switch w.Type {
	case "status":
		return realtime.StatusMessage(realtime.Status(w.Status), w.Message), true, nil
	case "audio":
		pcm, err := decodeAudio(w.Data)
		if err != nil {
			return realtime.Message{}, false, err
		}
		return realtime.AudioMessage(pcm), true, nil
	case "text":
		return realtime.TextMessage(realtime.TextType(w.TextType), w.Content), true, nil
	case "event":
		if w.Event == nil {
			return realtime.Message{}, false, fmt.Errorf("%w: event without code", ErrDecode)
		}
		m := realtime.EventMessage(realtime.EventCode(*w.Event))
		m.Payload = w.Payload
		return m, true, nil
	case "debug":
		return realtime.Message{Kind: realtime.KindDebug, Detail: w.Message}, true, nil
	default:
		return realtime.Message{}, false, nil
	}
}
