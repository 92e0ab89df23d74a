package config

import "time"

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without a restart are tracked; everything else takes
// effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CacheBudgetChanged bool
	NewCacheBudget     ByteSize

	DefaultModeChanged bool
	NewDefaultMode     string

	LargeDownloadChanged bool
	NewLargeDownload     ByteSize

	IdleTimeoutChanged bool
	NewIdleTimeout     time.Duration

	// RestartRequired lists sections whose changes are ignored until
	// restart.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CacheBudgetChanged || d.DefaultModeChanged ||
		d.LargeDownloadChanged || d.IdleTimeoutChanged
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Cache.MaxBytes != new.Cache.MaxBytes {
		d.CacheBudgetChanged = true
		d.NewCacheBudget = new.Cache.MaxBytes
	}
	if old.Resolver.DefaultMode != new.Resolver.DefaultMode {
		d.DefaultModeChanged = true
		d.NewDefaultMode = new.Resolver.DefaultMode
	}
	if old.Resolver.LargeDownloadBytes != new.Resolver.LargeDownloadBytes {
		d.LargeDownloadChanged = true
		d.NewLargeDownload = new.Resolver.LargeDownloadBytes
	}
	if old.Player.IdleTimeout != new.Player.IdleTimeout {
		d.IdleTimeoutChanged = true
		d.NewIdleTimeout = new.Player.IdleTimeout
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFile != new.Server.LogFile {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Discord != new.Discord || old.Player.PanelInterval != new.Player.PanelInterval {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Cache.Dir != new.Cache.Dir {
		d.RestartRequired = append(d.RestartRequired, "cache.dir")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !sourcesEqual(old.Sources, new.Sources) {
		d.RestartRequired = append(d.RestartRequired, "sources")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}

func sourcesEqual(a, b SourcesConfig) bool {
	ya, yb := a.YTDLP, b.YTDLP
	return ya.Path == yb.Path && ya.Proxy == yb.Proxy &&
		ya.RequestsPerSecond == yb.RequestsPerSecond && ya.Burst == yb.Burst &&
		ya.SearchEnabled() == yb.SearchEnabled() &&
		equalStrings(ya.Hosts, yb.Hosts) &&
		a.Spotify.IsEnabled() == b.Spotify.IsEnabled() &&
		a.Direct.IsEnabled() == b.Direct.IsEnabled() &&
		equalStrings(a.BlockedHosts, b.BlockedHosts)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
