// Package spotify resolves Spotify track links. Spotify does not serve audio
// to third parties, so a track link is turned into "title artist" search text
// through the public oEmbed endpoint and handed to a delegate source.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/cadenza/pkg/media"
	"github.com/MrWong99/cadenza/pkg/source"
)

// DefaultOEmbedURL is Spotify's public oEmbed endpoint.
const DefaultOEmbedURL = "https://open.spotify.com/oembed"

// Source adapts Spotify track links to a search-capable delegate.
type Source struct {
	delegate  source.Source
	client    *http.Client
	oembedURL string
}

var _ source.Source = (*Source)(nil)

// Option configures a [Source].
type Option func(*Source)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithOEmbedURL overrides the oEmbed endpoint.
func WithOEmbedURL(u string) Option {
	return func(s *Source) { s.oembedURL = u }
}

// New returns a Source that searches through delegate. The delegate must
// accept free text.
func New(delegate source.Source, opts ...Option) *Source {
	s := &Source{
		delegate:  delegate,
		client:    &http.Client{Timeout: 10 * time.Second},
		oembedURL: DefaultOEmbedURL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [source.Source].
func (s *Source) Name() string { return "spotify" }

// Match implements [source.Source].
func (s *Source) Match(ref string) bool {
	return isTrackLink(ref)
}

// ResolveTitle implements [source.Source].
func (s *Source) ResolveTitle(ctx context.Context, ref string) (string, error) {
	q, err := s.query(ctx, ref)
	if err != nil {
		return "", err
	}
	return s.delegate.ResolveTitle(ctx, q)
}

// Probe implements [source.Source].
func (s *Source) Probe(ctx context.Context, ref string) (media.Collection, error) {
	q, err := s.query(ctx, ref)
	if err != nil {
		return media.Collection{}, err
	}
	coll, err := s.delegate.Probe(ctx, q)
	if err != nil {
		return media.Collection{}, err
	}
	// A track link never expands into the delegate's playlist.
	if d, ok := coll.First(); ok {
		return media.Single(d), nil
	}
	return media.Collection{}, fmt.Errorf("spotify: %q: %w", ref, media.ErrUnavailable)
}

// Fetch implements [source.Source]. Refs that are not Spotify links are
// passed to the delegate unchanged; they come from a previous Probe.
func (s *Source) Fetch(ctx context.Context, ref string) (io.ReadCloser, media.Descriptor, error) {
	if isTrackLink(ref) {
		q, err := s.query(ctx, ref)
		if err != nil {
			return nil, media.Descriptor{}, err
		}
		ref = q
	}
	return s.delegate.Fetch(ctx, ref)
}

type oembed struct {
	Title string `json:"title"`
}

// query returns the search text for a Spotify track link.
func (s *Source) query(ctx context.Context, ref string) (string, error) {
	u := s.oembedURL + "?url=" + url.QueryEscape(strings.TrimSpace(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("spotify: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("spotify: oembed: %w: %w", media.ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("spotify: oembed status %d for %q: %w", resp.StatusCode, ref, media.ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("spotify: oembed status %d: %w", resp.StatusCode, media.ErrDownloadFailed)
	}

	var data oembed
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&data); err != nil {
		return "", fmt.Errorf("spotify: decode oembed: %w: %w", media.ErrDownloadFailed, err)
	}
	title := strings.TrimSpace(strings.Replace(data.Title, " by ", " ", 1))
	if title == "" {
		return "", fmt.Errorf("spotify: empty title for %q: %w", ref, media.ErrUnavailable)
	}
	return title, nil
}

func isTrackLink(ref string) bool {
	if !source.HostMatches(source.Host(ref), "open.spotify.com") {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return false
	}
	// Localised links look like /intl-de/track/<id>.
	return strings.Contains(u.Path, "/track/")
}
