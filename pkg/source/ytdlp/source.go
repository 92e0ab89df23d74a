// Package ytdlp implements [source.Source] on top of the yt-dlp executable.
//
// It handles direct links to any configured host (YouTube, YouTube Music,
// SoundCloud, Bandcamp and others yt-dlp supports) and, when a [source.Searcher]
// is configured, free search text. Upstream calls are rate limited.
package ytdlp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/cadenza/pkg/media"
	"github.com/MrWong99/cadenza/pkg/source"
)

// DefaultHosts are matched when no hosts are configured.
var DefaultHosts = []string{
	"youtube.com",
	"youtu.be",
	"music.youtube.com",
	"soundcloud.com",
	"bandcamp.com",
}

const searchMemoTTL = 10 * time.Minute

// Source is a yt-dlp backed [source.Source]. It is safe for concurrent use.
type Source struct {
	runner   Runner
	hosts    []string
	searcher source.Searcher
	limiter  *rate.Limiter
	maxItems int

	mu   sync.Mutex
	memo map[string]memoHit
}

type memoHit struct {
	url     string
	expires time.Time
}

var _ source.Source = (*Source)(nil)

// Option configures a [Source].
type Option func(*Source)

// WithHosts replaces [DefaultHosts].
func WithHosts(hosts ...string) Option {
	return func(s *Source) {
		if len(hosts) > 0 {
			s.hosts = hosts
		}
	}
}

// WithSearcher enables free-text references.
func WithSearcher(sr source.Searcher) Option {
	return func(s *Source) { s.searcher = sr }
}

// WithRateLimit bounds upstream calls to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Source) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// WithMaxPlaylistItems caps playlist expansion.
func WithMaxPlaylistItems(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.maxItems = n
		}
	}
}

// New returns a Source using runner.
func New(runner Runner, opts ...Option) *Source {
	s := &Source{
		runner:   runner,
		hosts:    DefaultHosts,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		maxItems: 50,
		memo:     make(map[string]memoHit),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [source.Source].
func (s *Source) Name() string { return "ytdlp" }

// Match implements [source.Source].
func (s *Source) Match(ref string) bool {
	host := source.Host(ref)
	if host == "" {
		return s.searcher != nil && !source.IsURL(ref) && strings.TrimSpace(ref) != ""
	}
	for _, h := range s.hosts {
		if source.HostMatches(host, h) {
			return true
		}
	}
	return false
}

// ResolveTitle implements [source.Source].
func (s *Source) ResolveTitle(ctx context.Context, ref string) (string, error) {
	ref, err := s.canonical(ctx, ref)
	if err != nil {
		return "", err
	}
	entries, err := s.metadata(ctx, ref, 1)
	if err != nil {
		return "", err
	}
	return entries[0].Title, nil
}

// Probe implements [source.Source].
func (s *Source) Probe(ctx context.Context, ref string) (media.Collection, error) {
	ref, err := s.canonical(ctx, ref)
	if err != nil {
		return media.Collection{}, err
	}
	entries, err := s.metadata(ctx, ref, s.maxItems)
	if err != nil {
		return media.Collection{}, err
	}

	items := make([]media.Descriptor, 0, len(entries))
	for _, e := range entries {
		items = append(items, e.descriptor())
	}
	coll := media.Collection{Items: items}
	if first := entries[0]; first.Playlist != "" && (len(entries) > 1 || first.PlaylistIndex > 0) {
		coll.PlaylistName = first.Playlist
		coll.PlaylistIndex = max(first.PlaylistIndex, 1)
	}
	return coll, nil
}

// Fetch implements [source.Source].
func (s *Source) Fetch(ctx context.Context, ref string) (io.ReadCloser, media.Descriptor, error) {
	ref, err := s.canonical(ctx, ref)
	if err != nil {
		return nil, media.Descriptor{}, err
	}
	entries, err := s.metadata(ctx, ref, 1)
	if err != nil {
		return nil, media.Descriptor{}, err
	}
	d := entries[0].descriptor()
	if d.SourceURL == "" {
		d.SourceURL = ref
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, media.Descriptor{}, fmt.Errorf("ytdlp: rate limit: %w", err)
	}
	rc, err := s.runner.Stream(ctx, d.SourceURL)
	if err != nil {
		return nil, media.Descriptor{}, err
	}
	slog.Debug("ytdlp: streaming", "title", d.Title, "format", d.Format, "url", d.SourceURL)
	return rc, d, nil
}

func (s *Source) metadata(ctx context.Context, ref string, limit int) ([]Entry, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ytdlp: rate limit: %w", err)
	}
	return s.runner.Metadata(ctx, ref, limit)
}

// canonical returns ref unchanged when it is a URL and otherwise resolves it
// through the searcher. Search results are memoised briefly so that the
// resolve, probe and fetch steps of one request agree on the same upstream.
func (s *Source) canonical(ctx context.Context, ref string) (string, error) {
	if source.IsURL(ref) {
		return ref, nil
	}
	if s.searcher == nil {
		return "", fmt.Errorf("ytdlp: search disabled for %q: %w", ref, media.ErrUnsupportedReference)
	}
	key := strings.ToLower(strings.TrimSpace(ref))

	s.mu.Lock()
	if h, ok := s.memo[key]; ok && time.Now().Before(h.expires) {
		s.mu.Unlock()
		return h.url, nil
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("ytdlp: rate limit: %w", err)
	}
	hit, err := s.searcher.Search(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("ytdlp: search %q: %w: %w", ref, media.ErrUnavailable, err)
	}

	now := time.Now()
	s.mu.Lock()
	for k, v := range s.memo {
		if now.After(v.expires) {
			delete(s.memo, k)
		}
	}
	s.memo[key] = memoHit{url: hit.URL, expires: now.Add(searchMemoTTL)}
	s.mu.Unlock()
	return hit.URL, nil
}

func (e Entry) descriptor() media.Descriptor {
	return media.Descriptor{
		Title:     e.Title,
		Format:    e.Ext,
		Duration:  e.Duration,
		SourceURL: e.URL,
		Size:      e.Size,
	}
}
