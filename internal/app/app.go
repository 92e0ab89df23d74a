// Package app wires the cadenza subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the settings store, the
// source registry, the resolver and the tenant registry from the config,
// ApplyConfig hot-applies reloaded settings, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithPlatform,
// WithRegistry, WithSettingsStore, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/health"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/settings"
	"github.com/MrWong99/cadenza/internal/settings/postgres"
	"github.com/MrWong99/cadenza/internal/transcode"
	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/MrWong99/cadenza/pkg/source"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg atomic.Pointer[config.Config]

	platform   audio.Platform
	registry   *source.Registry
	sourceDeps config.SourceDeps
	resolver   *resolve.Resolver
	settings   settings.Store
	sessions   *SessionManager
	tunables   *Tunables
	metrics    *observe.Metrics
	notifier   Notifier

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPlatform sets the voice transport. It is required.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithRegistry injects a source registry instead of building one from config.
func WithRegistry(r *source.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithSourceDeps replaces the yt-dlp runner or HTTP client used when the
// registry is built from config.
func WithSourceDeps(d config.SourceDeps) Option {
	return func(a *App) { a.sourceDeps = d }
}

// WithSettingsStore injects a settings store instead of creating one from
// config.
func WithSettingsStore(s settings.Store) Option {
	return func(a *App) { a.settings = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithNotifier sets the receiver of playback notices.
func WithNotifier(n Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.platform == nil {
		return nil, errors.New("app: no audio platform")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Settings store ────────────────────────────────────────────────
	if err := a.initSettings(ctx); err != nil {
		return nil, fmt.Errorf("app: init settings: %w", err)
	}

	// ── 2. Sources + resolver ────────────────────────────────────────────
	if a.registry == nil {
		a.registry = config.BuildSources(cfg, a.sourceDeps)
	}
	a.resolver = resolve.New(a.registry,
		resolve.WithMetrics(a.metrics),
		resolve.WithFetchTimeout(cfg.Resolver.FetchTimeout),
		resolve.WithLargeDownloadBytes(int64(cfg.Resolver.LargeDownloadBytes)),
		resolve.WithEagerPlaylistItems(cfg.Resolver.EagerPlaylistItems),
		resolve.WithWorkers(cfg.Resolver.Workers),
	)
	slog.Info("sources registered", "sources", a.registry.Names())

	// ── 3. Tenant registry ───────────────────────────────────────────────
	mode, err := resolve.ParseMode(cfg.Resolver.DefaultMode)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.tunables = NewTunables(mode, cfg.Player.IdleTimeout)
	a.sessions = NewSessionManager(SessionManagerConfig{
		Platform: a.platform,
		Resolver: a.resolver,
		Settings: a.settings,
		Notifier: a.notifier,
		Metrics:  a.metrics,
		Tunables: a.tunables,
		Cache: cache.Config{
			Dir:          cfg.Cache.Dir,
			MaxBytes:     int64(cfg.Cache.MaxBytes),
			MaxEvictions: cfg.Cache.MaxEvictions,
			Workers:      cfg.Resolver.Workers,
		},
		ClearOnStartup: cfg.Cache.ClearOnStartup,
		Transcode: transcode.Config{
			FFmpegPath:  cfg.Audio.FFmpegPath,
			BufferSize:  cfg.Audio.BufferSize,
			StopTimeout: cfg.Audio.StopTimeout,
		},
		Bitrate: cfg.Audio.Bitrate,
	})
	// Sessions stop before the stores they use.
	a.closers = append([]func() error{a.sessions.Close}, a.closers...)

	return a, nil
}

// initSettings opens the PostgreSQL settings store when a DSN is configured
// and falls back to memory otherwise.
func (a *App) initSettings(ctx context.Context) error {
	if a.settings != nil {
		return nil
	}
	dsn := a.Config().Storage.PostgresDSN
	if dsn == "" {
		slog.Info("no postgres dsn configured, guild settings are kept in memory")
		a.settings = settings.NewMemStore()
		return nil
	}
	store, pool, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.settings = store
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Sessions returns the tenant registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Settings returns the guild settings store.
func (a *App) Settings() settings.Store { return a.settings }

// Resolver returns the shared resolver.
func (a *App) Resolver() *resolve.Resolver { return a.resolver }

// Tunables returns the hot-reloadable player settings.
func (a *App) Tunables() *Tunables { return a.tunables }

// Checkers returns the readiness checks of the application's dependencies.
func (a *App) Checkers() []health.Checker {
	cfg := a.Config()
	return []health.Checker{
		health.Executable("ffmpeg", cfg.Audio.FFmpegPath),
		health.Executable("yt-dlp", cfg.Sources.YTDLP.Path),
		health.WritableDir("cache", cfg.Cache.Dir),
		health.Ping("settings", a.settings),
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next and returns the
// difference to the previous config. The log level is left to the caller,
// which owns the logger.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	prev := a.cfg.Swap(next)
	d := config.Diff(prev, next)

	if d.CacheBudgetChanged {
		a.sessions.SetCacheBudget(int64(d.NewCacheBudget))
		slog.Info("cache budget changed", "max_bytes", d.NewCacheBudget)
	}
	if d.DefaultModeChanged {
		mode, err := resolve.ParseMode(d.NewDefaultMode)
		if err != nil {
			slog.Warn("ignoring invalid default mode", "mode", d.NewDefaultMode, "err", err)
		} else {
			a.tunables.SetDefaultMode(mode)
			slog.Info("default resolve mode changed", "mode", mode)
		}
	}
	if d.LargeDownloadChanged {
		a.resolver.SetLargeDownloadBytes(int64(d.NewLargeDownload))
		slog.Info("large download threshold changed", "bytes", d.NewLargeDownload)
	}
	if d.IdleTimeoutChanged {
		a.tunables.SetIdleTimeout(d.NewIdleTimeout)
		slog.Info("idle timeout changed", "idle_timeout", d.NewIdleTimeout)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every guild session, then the stores. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
