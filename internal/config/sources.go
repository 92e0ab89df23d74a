package config

import (
	"net/http"
	"time"

	"github.com/MrWong99/cadenza/internal/resilience"
	"github.com/MrWong99/cadenza/pkg/source"
	"github.com/MrWong99/cadenza/pkg/source/direct"
	"github.com/MrWong99/cadenza/pkg/source/spotify"
	"github.com/MrWong99/cadenza/pkg/source/ytdlp"
)

// SourceDeps lets callers replace the external pieces of the source chain.
// Zero fields select the production implementations.
type SourceDeps struct {
	// Runner executes yt-dlp. Default: [ytdlp.BinaryRunner] from the config.
	Runner ytdlp.Runner

	// HTTPClient is shared by the spotify and direct sources.
	HTTPClient *http.Client
}

// BuildSources assembles the source registry described by cfg. The order is
// fixed: spotify links first, then yt-dlp hosts and free text, then plain
// media URLs.
func BuildSources(cfg *Config, deps SourceDeps) *source.Registry {
	sc := cfg.Sources
	runner := deps.Runner
	if runner == nil {
		runner = &ytdlp.BinaryRunner{Path: sc.YTDLP.Path, Proxy: sc.YTDLP.Proxy}
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	opts := []ytdlp.Option{
		ytdlp.WithHosts(sc.YTDLP.Hosts...),
		ytdlp.WithRateLimit(sc.YTDLP.RequestsPerSecond, sc.YTDLP.Burst),
		ytdlp.WithMaxPlaylistItems(cfg.Resolver.MaxPlaylistItems),
	}
	if sc.YTDLP.SearchEnabled() {
		opts = append(opts, ytdlp.WithSearcher(SearchChain(runner)))
	}
	yt := ytdlp.New(runner, opts...)

	reg := source.NewRegistry(source.WithBlockedHosts(sc.BlockedHosts...))
	if sc.Spotify.IsEnabled() {
		reg.Register(spotify.New(yt, spotify.WithHTTPClient(client)))
	}
	reg.Register(yt)
	if sc.Direct.IsEnabled() {
		reg.Register(direct.New(client))
	}
	return reg
}

// SearchChain returns the free-text search fallback: YouTube Music, then
// YouTube web search, then yt-dlp's own search extractor. Each backend sits
// behind its own circuit breaker; "no results" does not count as a failure.
func SearchChain(runner ytdlp.Runner) *resilience.SearchFallback {
	fc := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
	}}
	chain := resilience.NewSearchFallback(ytdlp.MusicSearcher{}, "ytmusic", fc)
	chain.AddFallback("ytsearch", ytdlp.NewVideoSearcher())
	chain.AddFallback("ytdlp", ytdlp.RunnerSearcher{Runner: runner})
	return chain
}
