package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else rolls up into RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any session tuning value changed
	// (grace period, playback gap, or classifier thresholds). New sessions
	// pick the values up; sessions already in progress keep the old ones.
	SessionChanged bool
	NewSession     SessionConfig

	// RestartRequired is true when a field that cannot be hot-reloaded
	// changed (listen address, providers, exam material, store DSNs,
	// billing, or report settings).
	RestartRequired bool
}

// Changed reports whether the diff contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	d.RestartRequired = restartRequired(old, new)
	return d
}

// restartRequired reports whether any non-reloadable field differs.
func restartRequired(old, new *Config) bool {
	if old.Server.ListenAddr != new.Server.ListenAddr {
		return true
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		return true
	}
	if !providerEqual(old.Providers.STT, new.Providers.STT) ||
		!providerEqual(old.Providers.TTS, new.Providers.TTS) ||
		!providerEqual(old.Providers.LLM, new.Providers.LLM) {
		return true
	}
	if old.Exam != new.Exam {
		return true
	}
	if old.Checkpoint != new.Checkpoint {
		return true
	}
	if old.Billing != new.Billing {
		return true
	}
	if old.Report != new.Report {
		return true
	}
	return false
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providerEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
