package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: new calls pick the
// changes up, calls already in flight keep their original behaviour.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallChanged is true if any per-call conversation behaviour changed
	// (welcome message, voice, debounce, barge-in, silence ladder).
	CallChanged bool

	// FillerChanged is true if the hold-audio configuration changed.
	FillerChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Call, new.Call) {
		d.CallChanged = true
	}

	if old.Filler != new.Filler {
		d.FillerChanged = true
	}

	return d
}
