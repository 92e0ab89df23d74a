package source

import (
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/cadenza/pkg/media"
)

// Registry holds the configured sources in priority order. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	blocked []string
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithBlockedHosts makes the registry reject references to the given hosts
// and their subdomains.
func WithBlockedHosts(hosts ...string) RegistryOption {
	return func(r *Registry) {
		for _, h := range hosts {
			if h = strings.TrimSpace(h); h != "" {
				r.blocked = append(r.blocked, strings.ToLower(h))
			}
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register appends s. Sources registered earlier win ties.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
}

// Lookup returns the first source whose Match accepts ref.
func (r *Registry) Lookup(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("source: empty reference: %w", media.ErrUnsupportedReference)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if host := Host(ref); host != "" {
		for _, b := range r.blocked {
			if HostMatches(host, b) {
				return nil, fmt.Errorf("source: host %q is blocked: %w", host, media.ErrUnsupportedReference)
			}
		}
	}
	for _, s := range r.sources {
		if s.Match(ref) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("source: no source for %q: %w", ref, media.ErrUnsupportedReference)
}

// Names lists the registered sources in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Name()
	}
	return names
}
