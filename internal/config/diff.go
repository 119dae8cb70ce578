package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level and the session can be applied without a restart; every
// other changed field is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SessionChanged bool
	NewSession     SessionConfig

	// RestartRequired names the changed fields that only take effect after a
	// restart, in schema order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !sessionEqual(old.Session, new.Session) {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("transport", old.Transport != new.Transport)
	restart("persistence", old.Persistence != new.Persistence)
	restart("voicebot", old.VoiceBot != new.VoiceBot)

	return d
}

func sessionEqual(a, b SessionConfig) bool {
	if !slices.Equal(a.Modalities, b.Modalities) {
		return false
	}
	if !reflect.DeepEqual(a.Config, b.Config) {
		return false
	}
	a.Modalities, b.Modalities = nil, nil
	a.Config, b.Config = nil, nil
	return reflect.DeepEqual(a, b)
}
