package wsdialog_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime/wsdialog"
)

func TestAudioRoundTrip(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 3, 255, 4096 * 2, 24000 * 2} {
		pcm := make([]byte, n)
		for i := range pcm {
			pcm[i] = byte(i*7 + n)
		}
		data, err := wsdialog.EncodeAudio(pcm)
		if err != nil {
			t.Fatalf("EncodeAudio(%d): %v", n, err)
		}
		msg, ok, err := wsdialog.Decode(data)
		if err != nil || !ok {
			t.Fatalf("Decode(%d): ok=%v err=%v", n, ok, err)
		}
		if msg.Kind != realtime.KindAudio || string(msg.Audio) != string(pcm) {
			t.Errorf("n=%d: round trip mismatch", n)
		}
	}
}

func TestEncodeControl(t *testing.T) {
	t.Parallel()
	data, err := wsdialog.EncodeControl("stop")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"stop"}` {
		t.Errorf("stop = %s", data)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	msg, ok, err := wsdialog.Decode([]byte(`{"type":"status","status":"error","message":"quota"}`))
	if err != nil || !ok || msg.Kind != realtime.KindStatus || msg.Status != realtime.StatusError || msg.Detail != "quota" {
		t.Errorf("status: %+v ok=%v err=%v", msg, ok, err)
	}

	msg, ok, err = wsdialog.Decode([]byte(`{"type":"text","text_type":"response","content":"你好"}`))
	if err != nil || !ok || msg.TextType != realtime.TextResponse || msg.Text != "你好" {
		t.Errorf("text: %+v ok=%v err=%v", msg, ok, err)
	}

	msg, ok, err = wsdialog.Decode([]byte(`{"type":"event","event":359,"payload":{"x":1}}`))
	if err != nil || !ok || msg.Event != realtime.EventRemoteSpeechEnd {
		t.Errorf("event: %+v ok=%v err=%v", msg, ok, err)
	}
	var payload map[string]int
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload["x"] != 1 {
		t.Errorf("payload = %s", msg.Payload)
	}

	msg, ok, err = wsdialog.Decode([]byte(`{"type":"debug","message":"hi"}`))
	if err != nil || !ok || msg.Kind != realtime.KindDebug || msg.Detail != "hi" {
		t.Errorf("debug: %+v ok=%v err=%v", msg, ok, err)
	}

	if _, ok, err := wsdialog.Decode([]byte(`{"type":"telemetry"}`)); ok || err != nil {
		t.Errorf("unknown tag: ok=%v err=%v", ok, err)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"not json":        `{"type":`,
		"bad base64":      `{"type":"audio","data":"!!!"}`,
		"empty audio":     `{"type":"audio","data":""}`,
		"event sans code": `{"type":"event"}`,
	}
	for name, in := range tests {
		if _, ok, err := wsdialog.Decode([]byte(in)); ok || !errors.Is(err, wsdialog.ErrDecode) {
			t.Errorf("%s: ok=%v err=%v, want ErrDecode", name, ok, err)
		}
	}
}
