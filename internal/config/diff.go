package config

import "reflect"

// ConfigDiff describes what changed between two configs. Live sections can
// be applied to a running server; RestartRequired lists changed fields that
// only take effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RateLimitChanged        bool
	GovernorChanged         bool
	ControllerChanged       bool // applies to new connections
	SettingsDefaultsChanged bool // applies to new connections
	TogglesChanged          bool // inline document or source

	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RateLimitChanged || d.GovernorChanged ||
		d.ControllerChanged || d.SettingsDefaultsChanged || d.TogglesChanged ||
		len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.RateLimitChanged = !reflect.DeepEqual(old.RateLimit, new.RateLimit)
	d.GovernorChanged = old.Governor != new.Governor
	d.ControllerChanged = !reflect.DeepEqual(old.Controller, new.Controller)
	d.SettingsDefaultsChanged = !reflect.DeepEqual(old.Settings.Defaults, new.Settings.Defaults)
	d.TogglesChanged = !reflect.DeepEqual(old.Toggles, new.Toggles)

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	os, ns := old.Server, new.Server
	restart("server.listen_addr", os.ListenAddr != ns.ListenAddr)
	restart("server.log_format", os.LogFormat != ns.LogFormat)
	restart("server.log_file", os.LogFile != ns.LogFile ||
		os.LogMaxSizeMB != ns.LogMaxSizeMB || os.LogMaxBackups != ns.LogMaxBackups)
	restart("server.allowed_origins", !reflect.DeepEqual(os.AllowedOrigins, ns.AllowedOrigins))
	restart("server.tls", !reflect.DeepEqual(os.TLS, ns.TLS))
	restart("settings.store", old.Settings.Store != new.Settings.Store)

	return d
}
