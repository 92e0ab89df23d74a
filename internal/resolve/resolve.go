// Package resolve turns a user query into a playable [media.Collection],
// preferring the tenant's cache and falling back to the acquisition source
// that claims the query.
//
// Two modes trade latency against consistency. [Consistent] returns only
// after every item is cached. [Fast] returns as soon as each item's download
// has started; the returned items read the growing cache file and converge to
// the same cached end state once their admissions finish.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/media"
	"github.com/MrWong99/cadenza/pkg/source"
)

const (
	defaultFetchTimeout  = 10 * time.Minute
	defaultLargeDownload = 100 << 20
	defaultEagerItems    = 5
	defaultWorkers       = 3
)

// Mode selects the latency/consistency trade-off of a resolution.
type Mode int

const (
	// Consistent caches every item before returning.
	Consistent Mode = iota

	// Fast returns live, cache-following streams while admission continues.
	Fast
)

// String returns the mode name used in configuration and metrics.
func (m Mode) String() string {
	if m == Fast {
		return "fast"
	}
	return "consistent"
}

// ParseMode parses "consistent" or "fast".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "consistent":
		return Consistent, nil
	case "fast":
		return Fast, nil
	default:
		return Consistent, fmt.Errorf("resolve: unknown mode %q", s)
	}
}

// Store is the cache capability the resolver needs. [*cache.Store]
// implements it.
type Store interface {
	Tenant() string
	Contains(title string) bool
	Get(title string) (media.Descriptor, error)
	Admit(ctx context.Context, coll media.Collection, pruneFirst bool) (media.Collection, error)
	AdmitLive(ctx context.Context, d media.Descriptor) (*cache.Admission, error)
}

var _ Store = (*cache.Store)(nil)

// Callbacks are advisory hooks invoked during a resolution. They never change
// its outcome. Any of them may be nil; they may be called concurrently.
type Callbacks struct {
	// OnLargeDownload is called once for an item whose announced size is at
	// least the configured threshold, before it is downloaded.
	OnLargeDownload func(d media.Descriptor, size int64)

	// OnUnavailable is called for an item that cannot be played. Playlist
	// resolutions skip such items and continue.
	OnUnavailable func(d media.Descriptor, err error)

	// OnCached is called for each item served from cache.
	OnCached func(d media.Descriptor)
}

// CallOption configures one [Resolver.Resolve] call.
type CallOption func(*call)

type call struct {
	cb Callbacks
}

// WithCallbacks installs advisory callbacks.
func WithCallbacks(cb Callbacks) CallOption {
	return func(c *call) { c.cb = cb }
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithFetchTimeout bounds every upstream download. Default: 10m.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithLargeDownloadBytes sets the OnLargeDownload threshold. Default: 100 MiB.
func WithLargeDownloadBytes(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.largeBytes.Store(n)
		}
	}
}

// WithEagerPlaylistItems sets how many playlist items are downloaded during
// the resolution; the rest are returned as [Resolution.Deferred].
// Default: 5.
func WithEagerPlaylistItems(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.eagerItems = n
		}
	}
}

// WithWorkers bounds parallel fetches within one resolution. Default: 3.
func WithWorkers(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

// Resolver resolves queries against a source registry. It is safe for
// concurrent use and shared by all tenants.
type Resolver struct {
	registry     *source.Registry
	metrics      *observe.Metrics
	fetchTimeout time.Duration
	largeBytes   atomic.Int64
	eagerItems   int
	workers      int

	probes singleflight.Group
}

// New returns a Resolver over registry.
func New(registry *source.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		registry:     registry,
		fetchTimeout: defaultFetchTimeout,
		eagerItems:   defaultEagerItems,
		workers:      defaultWorkers,
	}
	r.largeBytes.Store(defaultLargeDownload)
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// SetLargeDownloadBytes changes the OnLargeDownload threshold. Values below
// one are ignored.
func (r *Resolver) SetLargeDownloadBytes(n int64) {
	if n > 0 {
		r.largeBytes.Store(n)
	}
}

// Resolution is the result of [Resolver.Resolve].
type Resolution struct {
	// Collection holds the resolved items in playlist order. In Consistent
	// mode every item is cached. In Fast mode an item that was not cached
	// yet carries a live Stream that follows its admission; call Await for
	// its cached descriptor.
	media.Collection

	// Deferred holds metadata-only descriptors of playlist items beyond the
	// eager limit. Resolve each by its SourceURL when it is due.
	Deferred []media.Descriptor

	// Source names the acquisition source, empty for cache hits.
	Source string

	admissions []*cache.Admission
}

// Pending reports whether item i is still being admitted.
func (r *Resolution) Pending(i int) bool {
	if i < 0 || i >= len(r.admissions) || r.admissions[i] == nil {
		return false
	}
	select {
	case <-r.admissions[i].Done():
		return false
	default:
		return true
	}
}

// Admission returns the in-flight admission of item i, or nil when the item
// was cached at resolution time.
func (r *Resolution) Admission(i int) *cache.Admission {
	if i < 0 || i >= len(r.admissions) {
		return nil
	}
	return r.admissions[i]
}

// Await returns the cached descriptor of item i, waiting for its admission
// when necessary.
func (r *Resolution) Await(ctx context.Context, i int) (media.Descriptor, error) {
	if i < 0 || i >= len(r.Items) {
		return media.Descriptor{}, fmt.Errorf("resolve: item %d out of range", i)
	}
	if a := r.Admission(i); a != nil {
		return a.Wait(ctx)
	}
	return r.Items[i], nil
}

// Close releases the live streams of all items.
func (r *Resolution) Close() { r.CloseStreams() }

// Resolve turns query into a collection of playable items for store's
// tenant.
//
// The lookup order is: query as an exact cached title, then the source that
// claims query; for single-item references the source's canonical title is
// checked against the cache before any download. Remaining items are probed,
// fetched and admitted.
//
// Errors wrap [media.ErrUnsupportedReference] when no source claims query,
// [media.ErrUnavailable] when the upstream has nothing playable and
// [media.ErrDownloadFailed] for transient failures.
func (r *Resolver) Resolve(ctx context.Context, query string, store Store, mode Mode, opts ...CallOption) (res *Resolution, err error) {
	var c call
	for _, o := range opts {
		o(&c)
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "resolve")
	outcome := "fetched"
	defer func() {
		if err != nil {
			outcome = outcomeOf(err)
		}
		r.metrics.RecordResolve(ctx, mode.String(), outcome, time.Since(start))
		observe.EndSpan(span, err)
	}()
	log := observe.Logger(ctx).With("query", query, "mode", mode.String())

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("resolve: empty query: %w", media.ErrUnsupportedReference)
	}

	if d, ok := r.cached(store, query); ok {
		outcome = "cache"
		c.cached(d)
		return &Resolution{Collection: media.Single(d)}, nil
	}

	src, err := r.registry.Lookup(query)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", query, err)
	}
	log = log.With("source", src.Name())

	if !source.LooksLikePlaylist(query) {
		title, terr := src.ResolveTitle(ctx, query)
		switch {
		case terr == nil:
			if d, ok := r.cached(store, title); ok {
				outcome = "cache"
				c.cached(d)
				return &Resolution{Collection: media.Single(d), Source: src.Name()}, nil
			}
		case errors.Is(terr, media.ErrUnavailable):
			r.metrics.RecordSourceRequest(ctx, src.Name(), "title", "unavailable")
			c.unavailable(media.Descriptor{Title: query, SourceURL: query}, terr)
			return nil, fmt.Errorf("resolve %q: %w", query, terr)
		default:
			// The probe below reports the failure if it persists.
			log.Debug("resolve: title lookup failed", "err", terr)
		}
	}

	coll, err := r.probe(ctx, store.Tenant(), query, src)
	if err != nil {
		if errors.Is(err, media.ErrUnavailable) {
			c.unavailable(media.Descriptor{Title: query, SourceURL: query}, err)
		}
		return nil, fmt.Errorf("resolve %q: %w", query, err)
	}

	res = &Resolution{Source: src.Name()}
	items := coll.Items
	if coll.IsPlaylist() && len(items) > r.eagerItems {
		res.Deferred = append([]media.Descriptor(nil), items[r.eagerItems:]...)
		items = items[:r.eagerItems]
	}

	resolved, adms, err := r.acquire(ctx, store, src, coll.Reshape(items), mode, &c)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", query, err)
	}
	res.Collection = resolved
	res.admissions = adms
	log.Info("resolved", "items", resolved.Len(), "deferred", len(res.Deferred), "playlist", coll.PlaylistName)
	return res, nil
}

// ResolveItem resolves a single deferred playlist item by its source URL.
func (r *Resolver) ResolveItem(ctx context.Context, d media.Descriptor, store Store, mode Mode, opts ...CallOption) (*Resolution, error) {
	if dd, ok := r.cached(store, d.Title); ok {
		var c call
		for _, o := range opts {
			o(&c)
		}
		c.cached(dd)
		return &Resolution{Collection: media.Single(dd)}, nil
	}
	ref := d.SourceURL
	if ref == "" {
		ref = d.Title
	}
	return r.Resolve(ctx, ref, store, mode, opts...)
}

func (r *Resolver) cached(store Store, title string) (media.Descriptor, bool) {
	if title == "" || !store.Contains(title) {
		return media.Descriptor{}, false
	}
	d, err := store.Get(title)
	if err != nil {
		return media.Descriptor{}, false
	}
	return d, true
}

// probe expands query through src. Concurrent probes of the same query for
// the same tenant share one upstream call.
func (r *Resolver) probe(ctx context.Context, tenant, query string, src source.Source) (media.Collection, error) {
	v, err, shared := r.probes.Do(tenant+"\x00"+query, func() (any, error) {
		coll, err := src.Probe(ctx, query)
		r.metrics.RecordSourceRequest(ctx, src.Name(), "probe", statusOf(err))
		return coll, err
	})
	if err != nil {
		return media.Collection{}, classify(err)
	}
	coll := v.(media.Collection)
	if shared {
		// Items are shared with the other callers.
		coll.Items = append([]media.Descriptor(nil), coll.Items...)
	}
	if coll.Len() == 0 {
		return media.Collection{}, fmt.Errorf("probe returned no items: %w", media.ErrUnavailable)
	}
	return coll, nil
}

// acquire serves every item of coll from cache or downloads it. Playlist
// items that fail are skipped; a collection without any playable item fails.
func (r *Resolver) acquire(ctx context.Context, store Store, src source.Source, coll media.Collection, mode Mode, c *call) (media.Collection, []*cache.Admission, error) {
	n := coll.Len()
	items := make([]media.Descriptor, n)
	adms := make([]*cache.Admission, n)
	errs := make([]error, n)
	fetched := make([]bool, n)

	// Fetches and admissions follow ctx until the synchronous part is over.
	// Fast-mode writes then continue in the background, bounded only by the
	// fetch timeout.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
	detach := context.AfterFunc(ctx, cancel)

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, d := range coll.Items {
		g.Go(func() error {
			if cd, ok := r.cached(store, d.Title); ok {
				items[i] = cd
				c.cached(cd)
				return nil
			}
			fd, err := r.fetch(fetchCtx, src, d, c)
			if err != nil {
				errs[i] = err
				return nil
			}
			if mode == Fast {
				adm, live, err := r.admitLive(fetchCtx, store, fd)
				if err != nil {
					errs[i] = err
					return nil
				}
				items[i], adms[i] = live, adm
				return nil
			}
			items[i], fetched[i] = fd, true
			return nil
		})
	}
	_ = g.Wait()

	if mode == Consistent {
		var batch []media.Descriptor
		for i := range items {
			if fetched[i] {
				batch = append(batch, items[i])
			}
		}
		if len(batch) > 0 {
			admitted, err := store.Admit(fetchCtx, coll.Reshape(batch), true)
			byTitle := make(map[string]media.Descriptor, admitted.Len())
			for _, d := range admitted.Items {
				byTitle[d.Title] = d
			}
			for i := range items {
				if !fetched[i] {
					continue
				}
				if d, ok := byTitle[items[i].Title]; ok {
					items[i] = d
				} else {
					errs[i] = cmpErr(err, fmt.Errorf("admit %q: %w", items[i].Title, media.ErrCacheWriteFailed))
				}
			}
		}
	}

	detach()

	out := make([]media.Descriptor, 0, n)
	live := make([]*cache.Admission, 0, n)
	var failures []error
	for i := range items {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			if errors.Is(errs[i], media.ErrUnavailable) {
				c.unavailable(coll.Items[i], errs[i])
			}
			continue
		}
		out = append(out, items[i])
		live = append(live, adms[i])
	}

	if pending := liveAdmissions(live); len(pending) > 0 {
		go func() {
			defer cancel()
			for _, a := range pending {
				<-a.Done()
			}
		}()
	} else {
		cancel()
	}

	if len(out) == 0 {
		return media.Collection{}, nil, firstSentinel(failures)
	}
	if len(failures) > 0 {
		observe.Logger(ctx).Warn("resolve: skipped unplayable items", "skipped", len(failures), "err", errors.Join(failures...))
	}
	return coll.Reshape(out), live, nil
}

// fetch opens the stream for d and returns a descriptor carrying it.
func (r *Resolver) fetch(ctx context.Context, src source.Source, d media.Descriptor, c *call) (media.Descriptor, error) {
	large := r.largeBytes.Load()
	if d.Size >= large {
		c.large(d, d.Size)
	}
	ref := d.SourceURL
	if ref == "" {
		ref = d.Title
	}

	stream, fd, err := src.Fetch(ctx, ref)
	r.metrics.RecordSourceRequest(ctx, src.Name(), "fetch", statusOf(err))
	if err != nil {
		return media.Descriptor{}, classify(err)
	}
	if d.Size < large && fd.Size >= large {
		c.large(fd, fd.Size)
	}
	if fd.Title == "" {
		fd.Title = d.Title
	}
	if fd.Format == "" {
		fd.Format = d.Format
	}
	if fd.Duration == 0 {
		fd.Duration = d.Duration
	}
	if fd.SourceURL == "" {
		fd.SourceURL = ref
	}
	fd.Path = ""
	fd.Stream = stream
	return fd, nil
}

// admitLive starts a background admission and returns a descriptor whose
// stream follows it.
func (r *Resolver) admitLive(ctx context.Context, store Store, d media.Descriptor) (*cache.Admission, media.Descriptor, error) {
	adm, err := store.AdmitLive(ctx, d)
	if err != nil {
		return nil, media.Descriptor{}, err
	}
	rc, err := adm.Live()
	if err != nil {
		return nil, media.Descriptor{}, err
	}
	live := d.WithoutStream()
	live.Stream = rc
	return adm, live, nil
}

func liveAdmissions(adms []*cache.Admission) []*cache.Admission {
	var out []*cache.Admission
	for _, a := range adms {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// classify makes sure err wraps one of the resolver's error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, media.ErrUnavailable),
		errors.Is(err, media.ErrUnsupportedReference),
		errors.Is(err, media.ErrDownloadFailed),
		errors.Is(err, media.ErrCacheWriteFailed):
		return err
	default:
		return fmt.Errorf("%w: %w", media.ErrDownloadFailed, err)
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, media.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, media.ErrUnsupportedReference):
		return "unsupported"
	case errors.Is(err, media.ErrUnavailable):
		return "unavailable"
	default:
		return "failed"
	}
}

// firstSentinel returns the failure to report when every item failed: the
// first download failure if any, so that transient errors are retried,
// otherwise the first error.
func firstSentinel(errs []error) error {
	for _, err := range errs {
		if errors.Is(err, media.ErrDownloadFailed) || errors.Is(err, media.ErrCacheWriteFailed) {
			return err
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return media.ErrUnavailable
}

func cmpErr(primary, fallback error) error {
	if primary != nil {
		return primary
	}
	return fallback
}

func (c *call) cached(d media.Descriptor) {
	if c.cb.OnCached != nil {
		c.cb.OnCached(d)
	}
}

func (c *call) unavailable(d media.Descriptor, err error) {
	if c.cb.OnUnavailable != nil {
		c.cb.OnUnavailable(d, err)
	}
}

func (c *call) large(d media.Descriptor, size int64) {
	if c.cb.OnLargeDownload != nil {
		c.cb.OnLargeDownload(d, size)
	}
}
