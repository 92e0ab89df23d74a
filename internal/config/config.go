// Package config provides the configuration schema, loader, validation,
// file watcher and source wiring of cadenza.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ByteSize is a byte count that YAML may spell as an integer or as a
// human-readable size such as "2GiB" or "100 MB".
type ByteSize int64

// UnmarshalYAML implements [yaml.Unmarshaler].
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	v := strings.TrimSpace(node.Value)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", node.Line, v, err)
	}
	*b = ByteSize(n)
	return nil
}

// String renders b in IEC units.
func (b ByteSize) String() string { return humanize.IBytes(uint64(max(b, 0))) }

// Config is the root configuration structure, loaded with [Load] or
// [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Discord  DiscordConfig  `yaml:"discord"`
	Cache    CacheConfig    `yaml:"cache"`
	Audio    AudioConfig    `yaml:"audio"`
	Resolver ResolverConfig `yaml:"resolver"`
	Sources  SourcesConfig  `yaml:"sources"`
	Player   PlayerConfig   `yaml:"player"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Default ":9090".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, receives a copy of every log line and is rotated
	// according to LogRotation.
	LogFile     string            `yaml:"log_file"`
	LogRotation LogRotationConfig `yaml:"log_rotation"`
}

// LogRotationConfig bounds the size and age of rotated log files.
type LogRotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// DiscordConfig holds the bot credentials and command scope.
type DiscordConfig struct {
	// Token is normally supplied through the DISCORD_TOKEN environment
	// variable.
	Token string `yaml:"token"`

	// GuildID registers slash commands on one guild only. Empty registers
	// them globally.
	GuildID string `yaml:"guild_id"`

	// DJRoleID is the fallback DJ role for guilds without stored settings.
	// Empty allows everyone to run destructive commands.
	DJRoleID string `yaml:"dj_role_id"`
}

// CacheConfig configures the on-disk media cache.
type CacheConfig struct {
	// Dir is the cache root; each guild gets a subdirectory.
	Dir string `yaml:"dir"`

	// MaxBytes is the per-guild budget. 0 disables automatic pruning.
	MaxBytes ByteSize `yaml:"max_bytes"`

	// ClearOnStartup empties every guild cache under Dir once at startup.
	ClearOnStartup bool `yaml:"clear_on_startup"`

	MaxEvictions int `yaml:"max_evictions"`
}

// AudioConfig configures the transcoder and the voice encoder.
type AudioConfig struct {
	FFmpegPath  string        `yaml:"ffmpeg_path"`
	Bitrate     int           `yaml:"bitrate"`
	BufferSize  int           `yaml:"buffer_size"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ResolverConfig configures request resolution.
type ResolverConfig struct {
	// DefaultMode is "consistent" or "fast".
	DefaultMode        string        `yaml:"default_mode"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	LargeDownloadBytes ByteSize      `yaml:"large_download_bytes"`
	MaxPlaylistItems   int           `yaml:"max_playlist_items"`
	EagerPlaylistItems int           `yaml:"eager_playlist_items"`
	Workers            int           `yaml:"workers"`
}

// SourcesConfig selects and tunes the acquisition sources.
type SourcesConfig struct {
	YTDLP   YTDLPConfig  `yaml:"ytdlp"`
	Spotify ToggleConfig `yaml:"spotify"`
	Direct  ToggleConfig `yaml:"direct"`

	// BlockedHosts fail closed before any source is consulted.
	BlockedHosts []string `yaml:"blocked_hosts"`
}

// YTDLPConfig configures the yt-dlp source.
type YTDLPConfig struct {
	Path              string   `yaml:"path"`
	Proxy             string   `yaml:"proxy"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	Hosts             []string `yaml:"hosts"`

	// Search enables free-text queries. Default true.
	Search *bool `yaml:"search"`
}

// SearchEnabled reports whether free-text search is on.
func (c YTDLPConfig) SearchEnabled() bool { return c.Search == nil || *c.Search }

// ToggleConfig enables or disables an optional source. Sources are enabled
// unless explicitly turned off.
type ToggleConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the source is on.
func (t ToggleConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// PlayerConfig configures the per-guild player.
type PlayerConfig struct {
	// IdleTimeout disconnects from voice after this long without playback.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// PanelInterval is how often the now-playing panel is refreshed.
	PanelInterval time.Duration `yaml:"panel_interval"`
}

// StorageConfig configures persistent guild settings.
type StorageConfig struct {
	// PostgresDSN selects the PostgreSQL settings store. Empty keeps settings
	// in memory. Overridden by CADENZA_POSTGRES_DSN.
	PostgresDSN string `yaml:"postgres_dsn"`
}
