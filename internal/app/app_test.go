package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/settings"
	audiomock "github.com/MrWong99/cadenza/pkg/audio/mock"
	"github.com/MrWong99/cadenza/pkg/source"
	sourcemock "github.com/MrWong99/cadenza/pkg/source/mock"
)

// testConfig returns the default config with the cache in a temp dir and the
// fake ffmpeg.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Cache.Dir = t.TempDir()
	cfg.Audio.FFmpegPath = fakeCat
	cfg.Storage.PostgresDSN = ""
	return cfg
}

func testRegistry(src *sourcemock.Source) *source.Registry {
	reg := source.NewRegistry()
	reg.Register(src)
	return reg
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithPlatform(&audiomock.Platform{}),
		app.WithRegistry(testRegistry(&sourcemock.Source{})),
	}, opts...)
	a, err := app.New(t.Context(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresPlatform(t *testing.T) {
	t.Parallel()

	if _, err := app.New(t.Context(), testConfig(t)); err == nil {
		t.Fatal("New without platform succeeded")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t))

	if _, ok := a.Settings().(*settings.MemStore); !ok {
		t.Errorf("settings store = %T, want *settings.MemStore", a.Settings())
	}
	if a.Sessions() == nil || a.Resolver() == nil {
		t.Fatal("subsystems not initialised")
	}
	if got := a.Tunables().DefaultMode(); got != resolve.Consistent {
		t.Errorf("default mode = %v", got)
	}
	if got := a.Tunables().IdleTimeout(); got != config.DefaultIdleTimeout {
		t.Errorf("idle timeout = %v", got)
	}

	var names []string
	for _, c := range a.Checkers() {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "ffmpeg,yt-dlp,cache,settings" {
		t.Errorf("checkers = %s", got)
	}
}

func TestNew_InjectedSettings(t *testing.T) {
	t.Parallel()

	store := settings.NewMemStore()
	a := newApp(t, testConfig(t), app.WithSettingsStore(store))
	if a.Settings() != store {
		t.Error("injected settings store not used")
	}
}

func TestNew_InvalidDefaultMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Resolver.DefaultMode = "turbo"
	_, err := app.New(t.Context(), cfg,
		app.WithPlatform(&audiomock.Platform{}),
		app.WithRegistry(source.NewRegistry()),
	)
	if err == nil {
		t.Fatal("New accepted an unknown mode")
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newApp(t, cfg)
	s, err := a.Sessions().GetOrCreate("g1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	next := *cfg
	next.Cache.MaxBytes = 1 << 20
	next.Resolver.DefaultMode = "fast"
	next.Player.IdleTimeout = time.Minute
	next.Audio.Bitrate = 64000

	d := a.ApplyConfig(&next)
	if !d.CacheBudgetChanged || !d.DefaultModeChanged || !d.IdleTimeoutChanged {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "audio" {
		t.Errorf("restart required = %v", d.RestartRequired)
	}
	if a.Config() != &next {
		t.Error("Config not swapped")
	}
	if got := s.Cache().MaxBytes(); got != 1<<20 {
		t.Errorf("cache budget = %d", got)
	}
	if got := a.Tunables().DefaultMode(); got != resolve.Fast {
		t.Errorf("default mode = %v", got)
	}
	if got := a.Tunables().IdleTimeout(); got != time.Minute {
		t.Errorf("idle timeout = %v", got)
	}

	bad := next
	bad.Resolver.DefaultMode = "turbo"
	a.ApplyConfig(&bad)
	if got := a.Tunables().DefaultMode(); got != resolve.Fast {
		t.Errorf("invalid mode applied: %v", got)
	}
}

func TestApp_GuildModeOverridesDefault(t *testing.T) {
	t.Parallel()

	src := &sourcemock.Source{Items: map[string]sourcemock.Item{refA: track("Song A", 2)}}
	store := settings.NewMemStore()
	if err := store.Put(t.Context(), settings.Settings{GuildID: "g1", Mode: "fast"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	a := newApp(t, testConfig(t),
		app.WithRegistry(testRegistry(src)),
		app.WithSettingsStore(store),
	)
	s, err := a.Sessions().GetOrCreate("g1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	res, err := s.Play(t.Context(), app.PlayRequest{Query: refA, ChannelID: "voice-1"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Mode != resolve.Fast {
		t.Errorf("mode = %v, want fast from guild settings", res.Mode)
	}
}

func TestApp_PlayEndToEnd(t *testing.T) {
	t.Parallel()

	src := &sourcemock.Source{Items: map[string]sourcemock.Item{refA: track("Song A", 6)}}
	platform := &audiomock.Platform{}
	notices := make(chan app.Notice, 8)
	a := newApp(t, testConfig(t),
		app.WithPlatform(platform),
		app.WithRegistry(testRegistry(src)),
		app.WithNotifier(app.NotifierFunc(func(_ context.Context, n app.Notice) {
			select {
			case notices <- n:
			default:
			}
		})),
	)

	s, err := a.Sessions().GetOrCreate("g1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := s.Play(t.Context(), app.PlayRequest{Query: refA, ChannelID: "voice-1", RequestedBy: "u1"}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	waitFor(t, "connection", func() bool { return len(platform.Connections()) == 1 })
	conn := platform.Connections()[0]
	want := len(src.Items[refA].Data)
	waitFor(t, "all frames", func() bool { return conn.Bytes() == want })

	select {
	case n := <-notices:
		if n.Kind != app.NoticeTrackStarted || n.GuildID != "g1" {
			t.Errorf("notice = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notice")
	}
	if got := conn.Bitrates(); len(got) != 1 || got[0] != config.DefaultBitrate {
		t.Errorf("bitrates = %v", got)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t))
	if _, err := a.Sessions().GetOrCreate("g1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for range 2 {
		if err := a.Shutdown(t.Context()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if _, err := a.Sessions().GetOrCreate("g1"); !errors.Is(err, app.ErrManagerClosed) {
		t.Errorf("GetOrCreate after Shutdown: err = %v", err)
	}
}

func TestApp_ShutdownRespectsDeadline(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
