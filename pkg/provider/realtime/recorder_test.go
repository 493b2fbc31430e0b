package realtime_test

import (
	"testing"

	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

func TestLookupRecorder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		voice   realtime.Voice
		speaker string
		name    string
	}{
		{"", "zh_female_vv_jupiter_bigtts", "小安"},
		{realtime.VoiceFemale, "zh_female_vv_jupiter_bigtts", "小安"},
		{realtime.VoiceMale, "zh_male_xiaotian_jupiter_bigtts", "小川"},
	}
	for _, tc := range tests {
		r, err := realtime.LookupRecorder(tc.voice)
		if err != nil {
			t.Fatalf("%q: %v", tc.voice, err)
		}
		if r.Speaker != tc.speaker || r.Name != tc.name {
			t.Errorf("%q: got %s/%s", tc.voice, r.Speaker, r.Name)
		}
		if r.Greeting == "" {
			t.Errorf("%q: empty greeting", tc.voice)
		}
	}
	if _, err := realtime.LookupRecorder("robot"); err == nil {
		t.Error("expected error for unknown voice")
	}
	if realtime.Voice("robot").IsValid() || !realtime.VoiceMale.IsValid() {
		t.Error("IsValid mismatch")
	}
	if rs := realtime.Voices(); len(rs) != 2 || rs[0].Voice != realtime.VoiceFemale {
		t.Errorf("Voices = %+v", rs)
	}
}

func TestEventCode_String(t *testing.T) {
	t.Parallel()
	if got := realtime.EventRemoteSpeechStart.String(); got != "remote_speech_start" {
		t.Errorf("350 = %q", got)
	}
	if got := realtime.EventCode(999).String(); got != "999" {
		t.Errorf("999 = %q", got)
	}
	if got := realtime.KindAudio.String(); got != "audio" {
		t.Errorf("KindAudio = %q", got)
	}
}

func TestServerError(t *testing.T) {
	t.Parallel()
	if got := (&realtime.ServerError{}).Error(); got != "realtime: server error" {
		t.Errorf("empty = %q", got)
	}
	if got := (&realtime.ServerError{Message: "quota"}).Error(); got != "realtime: server error: quota" {
		t.Errorf("quota = %q", got)
	}
}
