// Package mock provides an in-memory [source.Source] for unit tests.
//
// The mock is safe for concurrent use. Set the exported fields before use and
// inspect the recorded calls afterwards:
//
//	src := &mock.Source{Items: map[string]mock.Item{
//	    "https://example.com/a": {Descriptor: media.Descriptor{Title: "A", Format: "mp3"}, Data: payload},
//	}}
//	reg := source.NewRegistry()
//	reg.Register(src)
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/cadenza/pkg/media"
	"github.com/MrWong99/cadenza/pkg/source"
)

// Item is the canned content served for one reference.
type Item struct {
	Descriptor media.Descriptor
	Data       []byte
}

// Source is a mock implementation of [source.Source].
type Source struct {
	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// MatchFunc decides Match. Nil matches every reference.
	MatchFunc func(ref string) bool

	// TitleResult and TitleErr override ResolveTitle.
	TitleResult string
	TitleErr    error

	// ProbeResult and ProbeErr override Probe.
	ProbeResult media.Collection
	ProbeErr    error

	// Playlists maps references to probe results that take precedence over
	// Items in Probe.
	Playlists map[string]media.Collection

	// Items maps references to canned content. It backs ResolveTitle, Probe
	// and Fetch when the overrides above are unset.
	Items map[string]Item

	// FetchErr is returned by Fetch.
	FetchErr error

	// FetchGate, when non-nil, makes Fetch block until it is closed.
	FetchGate chan struct{}

	mu          sync.Mutex
	titleCalls  []string
	probeCalls  []string
	fetchCalls  []string
	openStreams atomic.Int64
}

var _ source.Source = (*Source)(nil)

// Name implements [source.Source].
func (s *Source) Name() string {
	if s.NameValue == "" {
		return "mock"
	}
	return s.NameValue
}

// Match implements [source.Source].
func (s *Source) Match(ref string) bool {
	if s.MatchFunc == nil {
		return true
	}
	return s.MatchFunc(ref)
}

// ResolveTitle implements [source.Source].
func (s *Source) ResolveTitle(_ context.Context, ref string) (string, error) {
	s.mu.Lock()
	s.titleCalls = append(s.titleCalls, ref)
	s.mu.Unlock()

	switch {
	case s.TitleErr != nil:
		return "", s.TitleErr
	case s.TitleResult != "":
		return s.TitleResult, nil
	}
	if it, ok := s.Items[ref]; ok {
		return it.Descriptor.Title, nil
	}
	return "", fmt.Errorf("mock: %q: %w", ref, media.ErrUnavailable)
}

// Probe implements [source.Source].
func (s *Source) Probe(_ context.Context, ref string) (media.Collection, error) {
	s.mu.Lock()
	s.probeCalls = append(s.probeCalls, ref)
	s.mu.Unlock()

	switch {
	case s.ProbeErr != nil:
		return media.Collection{}, s.ProbeErr
	case s.ProbeResult.Len() > 0:
		return s.ProbeResult, nil
	}
	if pl, ok := s.Playlists[ref]; ok {
		return pl, nil
	}
	if it, ok := s.Items[ref]; ok {
		d := it.Descriptor
		if d.SourceURL == "" {
			d.SourceURL = ref
		}
		d.Size = int64(len(it.Data))
		return media.Single(d), nil
	}
	return media.Collection{}, fmt.Errorf("mock: %q: %w", ref, media.ErrUnavailable)
}

// Fetch implements [source.Source].
func (s *Source) Fetch(ctx context.Context, ref string) (io.ReadCloser, media.Descriptor, error) {
	s.mu.Lock()
	s.fetchCalls = append(s.fetchCalls, ref)
	s.mu.Unlock()

	if s.FetchGate != nil {
		select {
		case <-s.FetchGate:
		case <-ctx.Done():
			return nil, media.Descriptor{}, ctx.Err()
		}
	}
	if s.FetchErr != nil {
		return nil, media.Descriptor{}, s.FetchErr
	}
	it, ok := s.Items[ref]
	if !ok {
		return nil, media.Descriptor{}, fmt.Errorf("mock: %q: %w", ref, media.ErrUnavailable)
	}
	d := it.Descriptor
	if d.SourceURL == "" {
		d.SourceURL = ref
	}
	d.Size = int64(len(it.Data))
	s.openStreams.Add(1)
	return &stream{Reader: bytes.NewReader(it.Data), open: &s.openStreams}, d, nil
}

// ResolveTitleCalls returns the references passed to ResolveTitle.
func (s *Source) ResolveTitleCalls() []string { return s.calls(&s.titleCalls) }

// ProbeCalls returns the references passed to Probe.
func (s *Source) ProbeCalls() []string { return s.calls(&s.probeCalls) }

// FetchCalls returns the references passed to Fetch.
func (s *Source) FetchCalls() []string { return s.calls(&s.fetchCalls) }

// OpenStreams returns how many fetched streams have not been closed.
func (s *Source) OpenStreams() int64 { return s.openStreams.Load() }

func (s *Source) calls(p *[]string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), (*p)...)
}

type stream struct {
	*bytes.Reader
	open *atomic.Int64
	once sync.Once
}

func (st *stream) Close() error {
	st.once.Do(func() { st.open.Add(-1) })
	return nil
}
