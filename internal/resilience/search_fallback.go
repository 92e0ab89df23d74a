package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/cadenza/pkg/source"
)

// SearchFallback is a [source.Searcher] that fails over across several search
// backends. "No results" from a backend moves on to the next one without
// counting against its breaker.
type SearchFallback struct {
	group *FallbackGroup[source.Searcher]
}

var _ source.Searcher = (*SearchFallback)(nil)

// NewSearchFallback returns a SearchFallback with primary tried first.
func NewSearchFallback(primary source.Searcher, primaryName string, cfg FallbackConfig) *SearchFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return err != nil &&
				!errors.Is(err, source.ErrNoResults) &&
				!errors.Is(err, context.Canceled)
		}
	}
	return &SearchFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a search backend.
func (f *SearchFallback) AddFallback(name string, s source.Searcher) {
	f.group.AddFallback(name, s)
}

// Backends lists the backend names in try order.
func (f *SearchFallback) Backends() []string { return f.group.Names() }

// Search implements [source.Searcher].
func (f *SearchFallback) Search(ctx context.Context, query string) (source.Hit, error) {
	return ExecuteWithResult(ctx, f.group, func(s source.Searcher) (source.Hit, error) {
		return s.Search(ctx, query)
	})
}
