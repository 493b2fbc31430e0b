package realtime

import "fmt"

// Voice selects one of the recorder personas.
type Voice string

const (
	VoiceFemale Voice = "female"
	VoiceMale   Voice = "male"
)

// IsValid reports whether v names a known persona.
func (v Voice) IsValid() bool {
	_, ok := recorders[v]
	return ok
}

// Recorder is a voice persona: the TTS speaker id, the name the assistant
// introduces itself with, and its default greeting.
type Recorder struct {
	Voice Voice

	// Speaker is the synthesis voice id sent to the service.
	Speaker string

	// Name is the persona's name during dialogs.
	Name string

	// PreviewName is the name shown when choosing a persona.
	PreviewName string

	// Greeting is spoken by the preview.
	Greeting string
}

var recorders = map[Voice]Recorder{
	VoiceFemale: {
		Voice:       VoiceFemale,
		Speaker:     "zh_female_vv_jupiter_bigtts",
		Name:        "小安",
		PreviewName: "忆安",
		Greeting:    "您好，我是小安。很高兴能成为您的人生记录师，期待听您讲述那些珍贵的回忆。",
	},
	VoiceMale: {
		Voice:       VoiceMale,
		Speaker:     "zh_male_xiaotian_jupiter_bigtts",
		Name:        "小川",
		PreviewName: "言川",
		Greeting:    "您好，我是小川。能够记录您的人生故事，是我的荣幸。请慢慢讲，我都在听。",
	},
}

// LookupRecorder returns the persona for v. An empty voice selects the
// female persona.
func LookupRecorder(v Voice) (Recorder, error) {
	if v == "" {
		v = VoiceFemale
	}
	r, ok := recorders[v]
	if !ok {
		return Recorder{}, fmt.Errorf("realtime: unknown voice %q", v)
	}
	return r, nil
}

// Voices returns every persona, female first.
func Voices() []Recorder {
	return []Recorder{recorders[VoiceFemale], recorders[VoiceMale]}
}
