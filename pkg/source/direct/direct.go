// Package direct serves plain HTTP(S) links to media files.
//
// It is registered last so that site-specific sources get the first chance at
// a URL. A link whose response is not audio or video is reported as
// [media.ErrUnavailable].
package direct

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/cadenza/pkg/media"
	"github.com/MrWong99/cadenza/pkg/source"
)

// Source is a [source.Source] for direct media links.
type Source struct {
	client *http.Client
}

var _ source.Source = (*Source)(nil)

// New returns a Source. A nil client gets a default with a header timeout;
// the body is streamed without a deadline.
func New(client *http.Client) *Source {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 15 * time.Second,
		}}
	}
	return &Source{client: client}
}

// Name implements [source.Source].
func (s *Source) Name() string { return "direct" }

// Match implements [source.Source].
func (s *Source) Match(ref string) bool { return source.IsURL(ref) }

// ResolveTitle implements [source.Source].
func (s *Source) ResolveTitle(ctx context.Context, ref string) (string, error) {
	coll, err := s.Probe(ctx, ref)
	if err != nil {
		return "", err
	}
	return coll.Items[0].Title, nil
}

// Probe implements [source.Source].
func (s *Source) Probe(ctx context.Context, ref string) (media.Collection, error) {
	resp, err := s.do(ctx, http.MethodHead, ref)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = s.do(ctx, http.MethodGet, ref, "Range", "bytes=0-0")
	}
	if err != nil {
		return media.Collection{}, err
	}
	resp.Body.Close()

	d, err := describe(ref, resp)
	if err != nil {
		return media.Collection{}, err
	}
	return media.Single(d), nil
}

// Fetch implements [source.Source].
func (s *Source) Fetch(ctx context.Context, ref string) (io.ReadCloser, media.Descriptor, error) {
	resp, err := s.do(ctx, http.MethodGet, ref)
	if err != nil {
		return nil, media.Descriptor{}, err
	}
	d, err := describe(ref, resp)
	if err != nil {
		resp.Body.Close()
		return nil, media.Descriptor{}, err
	}
	return resp.Body, d, nil
}

func (s *Source) do(ctx context.Context, method, ref string, header ...string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("direct: %q: %w", ref, media.ErrUnsupportedReference)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("direct: %s %q: %w: %w", method, ref, media.ErrDownloadFailed, err)
	}
	return resp, nil
}

// describe validates resp and builds the descriptor for ref.
func describe(ref string, resp *http.Response) (media.Descriptor, error) {
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return media.Descriptor{}, fmt.Errorf("direct: %q: status %d: %w", ref, resp.StatusCode, media.ErrDownloadFailed)
	case resp.StatusCode >= 300:
		return media.Descriptor{}, fmt.Errorf("direct: %q: status %d: %w", ref, resp.StatusCode, media.ErrUnavailable)
	}

	ctype, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !playable(ctype) {
		return media.Descriptor{}, fmt.Errorf("direct: %q: content type %q is not playable: %w", ref, ctype, media.ErrUnavailable)
	}

	name := fileName(ref, resp.Header.Get("Content-Disposition"))
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if ext == "" {
		ext = formatFromType(ctype)
	}
	d := media.Descriptor{
		Title:     strings.TrimSuffix(name, path.Ext(name)),
		Format:    ext,
		SourceURL: ref,
	}
	if resp.Request != nil && resp.Request.Method == http.MethodGet && resp.StatusCode == http.StatusPartialContent {
		d.Size = totalFromRange(resp.Header.Get("Content-Range"))
	} else if resp.ContentLength > 0 {
		d.Size = resp.ContentLength
	}
	if d.Title == "" {
		d.Title = ref
	}
	return d, nil
}

func playable(ctype string) bool {
	switch {
	case strings.HasPrefix(ctype, "audio/"), strings.HasPrefix(ctype, "video/"):
		return true
	case ctype == "application/ogg", ctype == "application/octet-stream":
		return true
	}
	return false
}

func formatFromType(ctype string) string {
	switch ctype {
	case "audio/mpeg":
		return "mp3"
	case "audio/ogg", "application/ogg":
		return "ogg"
	case "audio/mp4", "audio/x-m4a":
		return "m4a"
	}
	if _, sub, ok := strings.Cut(ctype, "/"); ok && !strings.ContainsAny(sub, "+.-") {
		return sub
	}
	return ""
}

func fileName(ref, disposition string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		return path.Base(params["filename"])
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return u.Hostname()
	}
	if un, err := url.PathUnescape(base); err == nil {
		return un
	}
	return base
}

func totalFromRange(cr string) int64 {
	_, total, ok := strings.Cut(cr, "/")
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(total, 10, 64)
	return n
}
