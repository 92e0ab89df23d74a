// Package source defines the acquisition capability implemented once per
// upstream provider, and a [Registry] that picks the provider for a reference.
//
// A reference is whatever the user typed: a URL or free search text. Every
// source reports whether it can handle a reference through [Source.Match];
// the registry returns the first source that does. References nobody claims,
// and references pointing at a blocked host, fail closed with
// [media.ErrUnsupportedReference].
package source

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/cadenza/pkg/media"
)

// ErrNoResults is returned by a [Searcher] when the query matched nothing.
var ErrNoResults = errors.New("source: no search results")

// Source is the acquisition capability of one upstream provider.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Name returns a short identifier used in logs and metrics.
	Name() string

	// Match reports whether this source can handle ref.
	Match(ref string) bool

	// ResolveTitle returns the title ref would be cached under, without
	// downloading media. It is used to short-circuit to the cache.
	ResolveTitle(ctx context.Context, ref string) (string, error)

	// Probe returns metadata-only descriptors for ref. Playlist references
	// expand to one descriptor per entry; each carries the SourceURL to pass
	// to Fetch. Probe fails with [media.ErrUnavailable] when the upstream has
	// nothing playable.
	Probe(ctx context.Context, ref string) (media.Collection, error)

	// Fetch opens the media byte stream for a single item. The returned
	// descriptor carries the final title, format and duration; its Stream
	// field is unset, the stream is returned separately and the caller must
	// close it.
	Fetch(ctx context.Context, ref string) (io.ReadCloser, media.Descriptor, error)
}

// Hit is one free-text search result.
type Hit struct {
	URL      string
	Title    string
	Artist   string
	Duration time.Duration
}

// Searcher turns free text into the best matching playable reference.
type Searcher interface {
	Search(ctx context.Context, query string) (Hit, error)
}

// SearcherFunc adapts a function to [Searcher].
type SearcherFunc func(ctx context.Context, query string) (Hit, error)

// Search implements [Searcher].
func (f SearcherFunc) Search(ctx context.Context, query string) (Hit, error) { return f(ctx, query) }

// IsURL reports whether ref is an absolute http(s) URL.
func IsURL(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Host returns the lower-cased host of ref without a "www." prefix or port,
// or "" when ref is not a URL.
func Host(ref string) string {
	if !IsURL(ref) {
		return ""
	}
	u, _ := url.Parse(strings.TrimSpace(ref))
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// HostMatches reports whether host equals domain or is a subdomain of it.
func HostMatches(host, domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// playlistMarkers are URL fragments that identify playlist, album and set
// references on the hosts the sources support.
var playlistMarkers = []string{"list=", "/playlist", "/sets/", "/album/"}

// LooksLikePlaylist reports whether ref is a URL that probably names more
// than one item. It is a cheap syntactic check; Probe is authoritative.
func LooksLikePlaylist(ref string) bool {
	if !IsURL(ref) {
		return false
	}
	lower := strings.ToLower(ref)
	for _, m := range playlistMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
