package ytdlp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"

	"github.com/MrWong99/cadenza/pkg/source"
)

// MusicSearcher searches YouTube Music for songs.
type MusicSearcher struct{}

var _ source.Searcher = MusicSearcher{}

// Search implements [source.Searcher].
func (MusicSearcher) Search(ctx context.Context, query string) (source.Hit, error) {
	type result struct {
		hit source.Hit
		err error
	}
	// ytmusic has no context support; abandon the call on cancellation.
	ch := make(chan result, 1)
	go func() {
		r, err := ytmusic.TrackSearch(query).Next()
		if err != nil {
			ch <- result{err: fmt.Errorf("ytmusic: %w", err)}
			return
		}
		for _, tr := range r.Tracks {
			if tr.VideoID == "" {
				continue
			}
			hit := source.Hit{
				URL:   "https://music.youtube.com/watch?v=" + tr.VideoID,
				Title: tr.Title,
			}
			if len(tr.Artists) > 0 {
				hit.Artist = tr.Artists[0].Name
			}
			ch <- result{hit: hit}
			return
		}
		ch <- result{err: source.ErrNoResults}
	}()
	select {
	case <-ctx.Done():
		return source.Hit{}, ctx.Err()
	case r := <-ch:
		return r.hit, r.err
	}
}

// VideoSearcher searches regular YouTube through the web endpoint.
type VideoSearcher struct {
	client *ytsearch.Client
}

var _ source.Searcher = (*VideoSearcher)(nil)

// NewVideoSearcher returns a VideoSearcher with the default HTTP client.
func NewVideoSearcher() *VideoSearcher {
	return &VideoSearcher{client: ytsearch.NewClient(nil)}
}

// Search implements [source.Searcher].
func (v *VideoSearcher) Search(ctx context.Context, query string) (source.Hit, error) {
	res, err := v.client.Search(ctx, query)
	if err != nil {
		return source.Hit{}, fmt.Errorf("ytsearch: %w", err)
	}
	for _, r := range res.Results {
		if r.VideoID == "" {
			continue
		}
		return source.Hit{
			URL:      "https://www.youtube.com/watch?v=" + r.VideoID,
			Title:    r.Title,
			Artist:   r.Channel,
			Duration: parseClock(r.Duration),
		}, nil
	}
	return source.Hit{}, source.ErrNoResults
}

// RunnerSearcher searches through yt-dlp's own "ytsearch" extractor. It is
// the slowest backend and is kept last in the fallback chain.
type RunnerSearcher struct {
	Runner Runner
}

var _ source.Searcher = RunnerSearcher{}

// Search implements [source.Searcher].
func (r RunnerSearcher) Search(ctx context.Context, query string) (source.Hit, error) {
	entries, err := r.Runner.Metadata(ctx, "ytsearch1:"+query, 1)
	if err != nil {
		return source.Hit{}, err
	}
	e := entries[0]
	return source.Hit{URL: e.URL, Title: e.Title, Artist: e.Uploader, Duration: e.Duration}, nil
}

// parseClock parses "h:mm:ss" or "m:ss".
func parseClock(s string) time.Duration {
	var total time.Duration
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		total = total*60 + time.Duration(n)
	}
	return total * time.Second
}
