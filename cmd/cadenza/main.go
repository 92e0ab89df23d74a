// Command cadenza is the main entry point for the Cadenza music bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/config"
	discordbot "github.com/MrWong99/cadenza/internal/discord"
	"github.com/MrWong99/cadenza/internal/discord/commands"
	"github.com/MrWong99/cadenza/internal/health"
	"github.com/MrWong99/cadenza/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenza: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger, closeLog := newLogger(cfg.Server, &level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("cadenza starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cadenza",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:   cfg.Discord.Token,
		GuildID: cfg.Discord.GuildID,
		Bitrate: cfg.Audio.Bitrate,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	announcer := discordbot.NewAnnouncer(discordbot.AnnouncerConfig{
		Sender:        bot.Session(),
		PanelInterval: cfg.Player.PanelInterval,
	})

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithPlatform(bot.Platform()),
		app.WithNotifier(announcer),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = bot.Close()
		return 1
	}
	announcer.Attach(application.Sessions())
	announcer.UseSettings(application.Settings())

	commands.RegisterAll(bot.Router(), commands.Deps{
		Sessions:  application.Sessions(),
		Settings:  application.Settings(),
		Perms:     discordbot.NewPermissionChecker(cfg.Discord.DJRoleID, application.Settings()),
		Voice:     bot.VoiceChannel,
		Announcer: announcer,
	})
	bot.OnGuildLeave(func(guildID string) {
		if err := application.Sessions().Remove(guildID); err != nil {
			slog.Warn("failed to remove guild session", "guild_id", guildID, "err", err)
		}
	})

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		diff := application.ApplyConfig(next)
		if diff.LogLevelChanged {
			level.Set(next.Server.LogLevel.Level())
			slog.Info("log level changed", "log_level", next.Server.LogLevel)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	// ── HTTP: health + metrics ────────────────────────────────────────────────
	srv := newHTTPServer(cfg.Server.ListenAddr, application.Checkers())
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	go func() {
		if err := announcer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("announcer error", "err", err)
		}
	}()
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot error", "err", err)
			stop()
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if watcher != nil {
		watcher.Stop()
	}

	// Close the Discord bot first (unregister commands, disconnect).
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// newLogger writes text logs to stderr and, when configured, to a rotated
// log file. The returned function closes the file.
func newLogger(cfg config.ServerConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogRotation.MaxSizeMB,
			MaxBackups: cfg.LogRotation.MaxBackups,
			MaxAge:     cfg.LogRotation.MaxAgeDays,
			Compress:   cfg.LogRotation.Compress,
		}
		w = io.MultiWriter(os.Stderr, file)
		closeFn = func() { _ = file.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}

// newHTTPServer serves the health probes and Prometheus metrics.
func newHTTPServer(addr string, checkers []health.Checker) *http.Server {
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// printStartupSummary prints a human-readable summary of the active
// configuration to stdout.
func printStartupSummary(cfg *config.Config) {
	budget := "unlimited"
	if cfg.Cache.MaxBytes > 0 {
		budget = cfg.Cache.MaxBytes.String()
	}
	scope := "global"
	if cfg.Discord.GuildID != "" {
		scope = "guild " + cfg.Discord.GuildID
	}
	settingsStore := "memory"
	if cfg.Storage.PostgresDSN != "" {
		settingsStore = "postgres"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Cadenza: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Commands        : %-19s ║\n", truncate(scope, 19))
	fmt.Printf("║  Default mode    : %-19s ║\n", cfg.Resolver.DefaultMode)
	fmt.Printf("║  Cache dir       : %-19s ║\n", truncate(cfg.Cache.Dir, 19))
	fmt.Printf("║  Cache budget    : %-19s ║\n", budget)
	fmt.Printf("║  Large download  : %-19s ║\n", humanize.IBytes(uint64(max(cfg.Resolver.LargeDownloadBytes, 0))))
	fmt.Printf("║  Settings store  : %-19s ║\n", settingsStore)
	fmt.Printf("║  Bitrate         : %-19s ║\n", fmt.Sprintf("%d bps", cfg.Audio.Bitrate))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
