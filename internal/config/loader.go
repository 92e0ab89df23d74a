package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/pkg/source/ytdlp"
)

// Environment variables that override the file.
const (
	EnvDiscordToken = "DISCORD_TOKEN"
	EnvPostgresDSN  = "CADENZA_POSTGRES_DSN"
)

// Defaults.
const (
	DefaultListenAddr         = ":9090"
	DefaultCacheDir           = "./cache"
	DefaultMaxBytes           = ByteSize(2 << 30)
	DefaultMaxEvictions       = 64
	DefaultFFmpegPath         = "ffmpeg"
	DefaultBitrate            = 128000
	DefaultBufferSize         = 192000
	DefaultStopTimeout        = 3 * time.Second
	DefaultFetchTimeout       = 10 * time.Minute
	DefaultLargeDownloadBytes = ByteSize(100 << 20)
	DefaultMaxPlaylistItems   = 50
	DefaultEagerPlaylistItems = 5
	DefaultWorkers            = 3
	DefaultYTDLPPath          = "yt-dlp"
	DefaultRequestsPerSecond  = 2
	DefaultBurst              = 4
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultPanelInterval      = 10 * time.Second
)

// Load reads the YAML file at path, applies defaults and environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment without
// overwriting variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	slog.Debug("loaded environment file", "path", path)
	return nil
}

// ApplyEnv copies secrets from the environment over the file values.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDiscordToken)); v != "" {
		cfg.Discord.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPostgresDSN)); v != "" {
		cfg.Storage.PostgresDSN = v
	}
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.LogRotation.MaxSizeMB, 100)
	setDefault(&cfg.Server.LogRotation.MaxBackups, 3)
	setDefault(&cfg.Server.LogRotation.MaxAgeDays, 28)

	setDefault(&cfg.Cache.Dir, DefaultCacheDir)
	setDefault(&cfg.Cache.MaxBytes, DefaultMaxBytes)
	setDefault(&cfg.Cache.MaxEvictions, DefaultMaxEvictions)

	setDefault(&cfg.Audio.FFmpegPath, DefaultFFmpegPath)
	setDefault(&cfg.Audio.Bitrate, DefaultBitrate)
	setDefault(&cfg.Audio.BufferSize, DefaultBufferSize)
	setDefault(&cfg.Audio.StopTimeout, DefaultStopTimeout)

	setDefault(&cfg.Resolver.DefaultMode, resolve.Consistent.String())
	setDefault(&cfg.Resolver.FetchTimeout, DefaultFetchTimeout)
	setDefault(&cfg.Resolver.LargeDownloadBytes, DefaultLargeDownloadBytes)
	setDefault(&cfg.Resolver.MaxPlaylistItems, DefaultMaxPlaylistItems)
	setDefault(&cfg.Resolver.EagerPlaylistItems, DefaultEagerPlaylistItems)
	setDefault(&cfg.Resolver.Workers, DefaultWorkers)

	setDefault(&cfg.Sources.YTDLP.Path, DefaultYTDLPPath)
	setDefault(&cfg.Sources.YTDLP.RequestsPerSecond, DefaultRequestsPerSecond)
	setDefault(&cfg.Sources.YTDLP.Burst, DefaultBurst)
	if len(cfg.Sources.YTDLP.Hosts) == 0 {
		cfg.Sources.YTDLP.Hosts = append([]string(nil), ytdlp.DefaultHosts...)
	}

	setDefault(&cfg.Player.IdleTimeout, DefaultIdleTimeout)
	setDefault(&cfg.Player.PanelInterval, DefaultPanelInterval)
}

func setDefault[T comparable](p *T, v T) {
	var zero T
	if *p == zero {
		*p = v
	}
}

// Validate checks that cfg is coherent. It returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !cfg.Server.LogLevel.IsValid() {
		bad("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if cfg.Server.LogRotation.MaxSizeMB < 0 || cfg.Server.LogRotation.MaxBackups < 0 || cfg.Server.LogRotation.MaxAgeDays < 0 {
		bad("server.log_rotation values must not be negative")
	}

	if strings.TrimSpace(cfg.Cache.Dir) == "" {
		bad("cache.dir is required")
	}
	if cfg.Cache.MaxBytes < 0 {
		bad("cache.max_bytes %d must not be negative", cfg.Cache.MaxBytes)
	}
	if cfg.Cache.MaxEvictions < 0 {
		bad("cache.max_evictions %d must not be negative", cfg.Cache.MaxEvictions)
	}

	if cfg.Audio.Bitrate < 8000 || cfg.Audio.Bitrate > 512000 {
		bad("audio.bitrate %d is out of range [8000, 512000]", cfg.Audio.Bitrate)
	}
	if cfg.Audio.BufferSize < 3840 {
		bad("audio.buffer_size %d must hold at least one 3840-byte frame", cfg.Audio.BufferSize)
	}
	if cfg.Audio.StopTimeout < 0 {
		bad("audio.stop_timeout must not be negative")
	}

	if _, err := resolve.ParseMode(cfg.Resolver.DefaultMode); err != nil {
		bad("resolver.default_mode %q is invalid; valid values: consistent, fast", cfg.Resolver.DefaultMode)
	}
	if cfg.Resolver.FetchTimeout < 0 {
		bad("resolver.fetch_timeout must not be negative")
	}
	if cfg.Resolver.MaxPlaylistItems < 1 {
		bad("resolver.max_playlist_items %d must be at least 1", cfg.Resolver.MaxPlaylistItems)
	}
	if cfg.Resolver.EagerPlaylistItems < 1 {
		bad("resolver.eager_playlist_items %d must be at least 1", cfg.Resolver.EagerPlaylistItems)
	}
	if cfg.Resolver.Workers < 1 {
		bad("resolver.workers %d must be at least 1", cfg.Resolver.Workers)
	}

	if cfg.Sources.YTDLP.RequestsPerSecond < 0 || cfg.Sources.YTDLP.Burst < 0 {
		bad("sources.ytdlp rate limits must not be negative")
	}

	if cfg.Player.IdleTimeout < 0 {
		bad("player.idle_timeout must not be negative")
	}

	if cfg.Discord.Token == "" {
		slog.Warn("discord token is empty; set " + EnvDiscordToken + " before starting the bot")
	}
	return errors.Join(errs...)
}
