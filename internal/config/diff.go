package config

import "reflect"

// ConfigDiff describes what changed between two configs. The Changed flags
// cover the fields a running session can apply in place; everything else is
// listed in RestartRequired by section name.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged    bool
	MouthChanged  bool
	PricesChanged bool

	// RestartRequired names the sections whose changes only take effect on
	// the next session start or process restart (e.g. "session", "transport").
	RestartRequired []string
}

// Empty reports whether the diff carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && !d.MouthChanged && !d.PricesChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.VADChanged = old.VAD != new.VAD
	d.MouthChanged = old.Mouth != new.Mouth
	d.PricesChanged = old.Usage.Prices != new.Usage.Prices

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.AutoStart != new.Server.AutoStart {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if !reflect.DeepEqual(old.Recognizer, new.Recognizer) {
		d.RestartRequired = append(d.RestartRequired, "recognizer")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}
