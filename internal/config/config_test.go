package config_test

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8081"
  log_level: debug
  log_file: /var/log/cadenza.log
  log_rotation:
    max_size_mb: 10
    compress: true
discord:
  token: file-token
  guild_id: "1234"
cache:
  dir: /srv/cadenza/cache
  max_bytes: 512MiB
  clear_on_startup: true
audio:
  bitrate: 96000
  stop_timeout: 5s
resolver:
  default_mode: fast
  fetch_timeout: 2m
  large_download_bytes: 50000000
  eager_playlist_items: 3
sources:
  ytdlp:
    proxy: socks5://127.0.0.1:1080
    requests_per_second: 0.5
    hosts: [youtube.com, youtu.be]
  spotify:
    enabled: false
  blocked_hosts: [soundcloud.com]
player:
  idle_timeout: 90s
`

func load(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Setenv(config.EnvDiscordToken, "")
	t.Setenv(config.EnvPostgresDSN, "")

	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8081" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if r := cfg.Server.LogRotation; r.MaxSizeMB != 10 || !r.Compress || r.MaxBackups != 3 {
		t.Errorf("log_rotation = %+v", r)
	}
	if cfg.Discord.Token != "file-token" || cfg.Discord.GuildID != "1234" {
		t.Errorf("discord = %+v", cfg.Discord)
	}
	if cfg.Cache.MaxBytes != 512<<20 || !cfg.Cache.ClearOnStartup {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Cache.MaxEvictions != config.DefaultMaxEvictions {
		t.Errorf("max_evictions default = %d", cfg.Cache.MaxEvictions)
	}
	if cfg.Audio.Bitrate != 96000 || cfg.Audio.StopTimeout != 5*time.Second || cfg.Audio.FFmpegPath != "ffmpeg" {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Resolver.DefaultMode != "fast" || cfg.Resolver.FetchTimeout != 2*time.Minute ||
		cfg.Resolver.LargeDownloadBytes != 50_000_000 || cfg.Resolver.EagerPlaylistItems != 3 {
		t.Errorf("resolver = %+v", cfg.Resolver)
	}
	if y := cfg.Sources.YTDLP; y.Proxy == "" || y.RequestsPerSecond != 0.5 || y.Burst != config.DefaultBurst || len(y.Hosts) != 2 || !y.SearchEnabled() {
		t.Errorf("ytdlp = %+v", y)
	}
	if cfg.Sources.Spotify.IsEnabled() || !cfg.Sources.Direct.IsEnabled() {
		t.Error("source toggles not applied")
	}
	if cfg.Player.IdleTimeout != 90*time.Second {
		t.Errorf("idle_timeout = %v", cfg.Player.IdleTimeout)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Setenv(config.EnvDiscordToken, "")
	t.Setenv(config.EnvPostgresDSN, "")

	cfg := load(t, "")
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Cache.MaxBytes != config.DefaultMaxBytes {
		t.Errorf("max_bytes = %v", cfg.Cache.MaxBytes)
	}
	if cfg.Resolver.DefaultMode != "consistent" || cfg.Resolver.Workers != 3 {
		t.Errorf("resolver = %+v", cfg.Resolver)
	}
	if len(cfg.Sources.YTDLP.Hosts) == 0 {
		t.Error("ytdlp hosts not defaulted")
	}
	if cfg.Player.IdleTimeout != 5*time.Minute {
		t.Errorf("idle_timeout = %v", cfg.Player.IdleTimeout)
	}
}

func TestLoadFromReader_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvDiscordToken, "env-token")
	t.Setenv(config.EnvPostgresDSN, "postgres://localhost/cadenza")

	cfg := load(t, sampleYAML)
	if cfg.Discord.Token != "env-token" {
		t.Errorf("token = %q, want env override", cfg.Discord.Token)
	}
	if cfg.Storage.PostgresDSN != "postgres://localhost/cadenza" {
		t.Errorf("dsn = %q", cfg.Storage.PostgresDSN)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	if _, err := config.LoadFromReader(strings.NewReader("cache:\n  size: 1\n")); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_InvalidByteSize(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("cache:\n  max_bytes: lots\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid byte size") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Audio.Bitrate = 1
	cfg.Resolver.DefaultMode = "eventual"
	cfg.Resolver.Workers = -1
	cfg.Cache.MaxBytes = -5

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.log_level", "audio.bitrate", "resolver.default_mode", "resolver.workers", "cache.max_bytes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 5 {
		t.Errorf("want 5 joined errors, got %v", err)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]string{
		config.LogDebug: "DEBUG",
		config.LogInfo:  "INFO",
		config.LogWarn:  "WARN",
		config.LogError: "ERROR",
		"bogus":         "INFO",
	}
	for in, want := range tests {
		if got := in.Level().String(); got != want {
			t.Errorf("%q.Level() = %s, want %s", in, got, want)
		}
	}
}

func TestByteSize_String(t *testing.T) {
	t.Parallel()

	if got := config.ByteSize(2 << 30).String(); got != "2.0 GiB" {
		t.Errorf("String = %q", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := config.LoadDotEnv(dir + "/missing.env"); err != nil {
		t.Errorf("missing file: %v", err)
	}

	path := dir + "/.env"
	writeFile(t, path, "CADENZA_TEST_DOTENV=from-file\n")
	t.Setenv("CADENZA_TEST_DOTENV", "")
	os.Unsetenv("CADENZA_TEST_DOTENV")
	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CADENZA_TEST_DOTENV"); got != "from-file" {
		t.Errorf("env = %q, want from-file", got)
	}
}
