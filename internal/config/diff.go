package config

import "github.com/MrWong99/memoirvoice/internal/dialog"

// ConfigDiff describes what changed between two configs.
// Only the log level and the barge-in policy apply to a running session;
// everything else is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	BargeInChanged bool
	NewBargeIn     dialog.BargeIn

	// RestartRequired names the sections whose changes only take effect on
	// the next session.
	RestartRequired []string
}

// HasReloadable reports whether d carries any change that can be applied
// without a restart.
func (d ConfigDiff) HasReloadable() bool {
	return d.LogLevelChanged || d.BargeInChanged
}

// IsZero reports whether d records no change at all.
func (d ConfigDiff) IsZero() bool {
	return !d.HasReloadable() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Dialog.BargeIn != new.Dialog.BargeIn {
		d.BargeInChanged = true
		d.NewBargeIn = new.Dialog.BargeIn
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	od, nd := old.Dialog, new.Dialog
	od.BargeIn, nd.BargeIn = "", ""
	if od != nd {
		d.RestartRequired = append(d.RestartRequired, "dialog")
	}
	if !sameAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.VAD != new.VAD {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if old.Segment != new.Segment {
		d.RestartRequired = append(d.RestartRequired, "segment")
	}
	if old.Playback.LeadIn != new.Playback.LeadIn ||
		old.Playback.DrainTimeout != new.Playback.DrainTimeout ||
		old.Playback.FadeEnabled() != new.Playback.FadeEnabled() {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}

func sameAudio(a, b AudioConfig) bool {
	return a.Source == b.Source &&
		a.InputFile == b.InputFile &&
		a.Realtime() == b.Realtime() &&
		a.Output == b.Output &&
		a.CaptureBuffer == b.CaptureBuffer
}
