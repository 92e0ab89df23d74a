// Package cache implements the per-tenant on-disk media cache.
//
// Each tenant (guild) owns one directory below the configured root. Every
// cached item is stored as one media file plus one JSON sidecar with the
// ".meta" extension that records the title, format, duration and the media
// file's name. The in-memory index is rebuilt from the sidecars on [Open].
//
// Files are written to a temporary name and renamed into place; an item is
// indexed only after both renames succeeded, so a failed admission never
// leaves a partial file behind an index entry. Concurrent admissions of the
// same title share one write.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/media"
)

const (
	metaExt   = ".meta"
	tmpPrefix = ".admit-"

	// lowWatermark is the fraction of MaxBytes a prune evicts down to, so
	// that the next admission does not immediately trigger another prune.
	lowWatermark = 0.9

	defaultMaxEvictions = 64
	defaultWorkers      = 3
)

// ErrNoContent is returned when an item to admit carries neither a stream nor
// a readable path.
var ErrNoContent = errors.New("cache: item has no content")

// Config configures a [Store].
type Config struct {
	// Dir is the cache root. The tenant directory is Dir/<tenant>.
	Dir string

	// MaxBytes is the size budget of the tenant directory. Zero disables
	// size-triggered pruning.
	MaxBytes int64

	// MaxEvictions bounds the eviction attempts of one Prune call.
	// Default: 64.
	MaxEvictions int

	// Workers bounds how many items of one collection are written in
	// parallel. Default: 3.
	Workers int
}

// Option configures a [Store].
type Option func(*Store)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used for access tracking.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the cache of one tenant. It is safe for concurrent use.
type Store struct {
	tenant  string
	dir     string
	cfg     Config
	metrics *observe.Metrics
	now     func() time.Time

	maxBytes atomic.Int64

	mu       sync.RWMutex
	index    map[string]*entry
	inflight map[string]*Admission
	pins     map[string]int
}

// entry is the index record of one cached item.
type entry struct {
	desc       media.Descriptor
	metaPath   string
	size       int64
	modTime    time.Time
	lastAccess time.Time // zero until accessed after Open
}

// Stats summarises a store.
type Stats struct {
	Entries  int
	Bytes    int64
	MaxBytes int64
	InFlight int
}

// Open creates or reopens the cache of tenant. A directory that cannot be
// created is fatal for the tenant and reported as [media.ErrCacheWriteFailed].
// An existing directory is scanned and the index rebuilt from its sidecars;
// leftovers of interrupted admissions are removed.
func Open(tenant string, cfg Config, opts ...Option) (*Store, error) {
	if tenant == "" || tenant != filepath.Base(tenant) || strings.HasPrefix(tenant, ".") {
		return nil, fmt.Errorf("cache: invalid tenant %q", tenant)
	}
	if cfg.MaxEvictions <= 0 {
		cfg.MaxEvictions = defaultMaxEvictions
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	dir := filepath.Join(cfg.Dir, tenant)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %q: %w: %w", dir, media.ErrCacheWriteFailed, err)
	}

	s := &Store{
		tenant:   tenant,
		dir:      dir,
		cfg:      cfg,
		now:      time.Now,
		index:    make(map[string]*entry),
		inflight: make(map[string]*Admission),
		pins:     make(map[string]int),
	}
	s.maxBytes.Store(cfg.MaxBytes)
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuild loads the index from the sidecars in the tenant directory.
func (s *Store) rebuild() error {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("cache: scan %q: %w", s.dir, err)
	}
	var total int64
	for _, de := range des {
		name := de.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				slog.Warn("cache: remove stale temp file", "tenant", s.tenant, "file", name, "err", err)
			}
			continue
		}
		if de.IsDir() || filepath.Ext(name) != metaExt {
			continue
		}

		metaPath := filepath.Join(s.dir, name)
		e, err := s.loadEntry(metaPath)
		if err != nil {
			slog.Warn("cache: skipping unreadable entry", "tenant", s.tenant, "file", name, "err", err)
			continue
		}
		if prev, dup := s.index[e.desc.Title]; dup {
			slog.Warn("cache: duplicate title on disk", "tenant", s.tenant, "title", e.desc.Title,
				"kept", filepath.Base(prev.metaPath), "ignored", name)
			continue
		}
		s.index[e.desc.Title] = e
		total += e.size
	}
	slog.Info("cache opened", "tenant", s.tenant, "dir", s.dir, "entries", len(s.index),
		"size", humanize.IBytes(uint64(total)))
	return nil
}

// loadEntry reads a sidecar and stats the media file it names.
func (s *Store) loadEntry(metaPath string) (*entry, error) {
	sc, err := readSidecar(metaPath)
	if err != nil {
		return nil, err
	}
	mediaPath := filepath.Join(s.dir, sc.File)
	fi, err := os.Stat(mediaPath)
	if err != nil {
		return nil, err
	}
	return &entry{
		desc:     sc.descriptor(mediaPath, fi.Size()),
		metaPath: metaPath,
		size:     fi.Size(),
		modTime:  fi.ModTime(),
	}, nil
}

// Tenant returns the tenant identifier.
func (s *Store) Tenant() string { return s.tenant }

// Dir returns the tenant directory.
func (s *Store) Dir() string { return s.dir }

// MaxBytes returns the current size budget.
func (s *Store) MaxBytes() int64 { return s.maxBytes.Load() }

// SetMaxBytes changes the size budget. It takes effect on the next prune.
func (s *Store) SetMaxBytes(n int64) { s.maxBytes.Store(n) }

// Contains reports whether title is indexed.
func (s *Store) Contains(title string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[title]
	return ok
}

// Get returns the cached descriptor for title. The sidecar is re-read so that
// entries whose files were deleted behind the store's back are detected: such
// an entry is dropped from the index and [media.ErrNotFound] is returned.
func (s *Store) Get(title string) (media.Descriptor, error) {
	s.mu.RLock()
	e, ok := s.index[title]
	s.mu.RUnlock()
	if !ok {
		s.metrics.RecordCacheLookup(context.Background(), "miss")
		return media.Descriptor{}, fmt.Errorf("cache: %q: %w", title, media.ErrNotFound)
	}

	fresh, err := s.loadEntry(e.metaPath)
	if err != nil {
		s.mu.Lock()
		if s.index[title] == e {
			delete(s.index, title)
		}
		s.mu.Unlock()
		s.metrics.RecordCacheLookup(context.Background(), "stale")
		slog.Warn("cache: dropped stale entry", "tenant", s.tenant, "title", title, "err", err)
		// The other half of the pair may still exist.
		removeQuietly(e.metaPath, e.desc.Path)
		return media.Descriptor{}, fmt.Errorf("cache: %q: files missing: %w", title, media.ErrNotFound)
	}

	s.mu.Lock()
	if cur, ok := s.index[title]; ok && cur == e {
		e.lastAccess = s.now()
		e.size = fresh.size
		e.modTime = fresh.modTime
	}
	s.mu.Unlock()
	s.metrics.RecordCacheLookup(context.Background(), "hit")
	return fresh.desc, nil
}

// Titles returns the indexed titles in lexical order.
func (s *Store) Titles() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.index))
	for t := range s.index {
		out = append(out, t)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Stats returns a snapshot of the store's counters. Bytes is measured on
// disk.
func (s *Store) Stats() (Stats, error) {
	size, err := s.Size()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Entries:  len(s.index),
		Bytes:    size,
		MaxBytes: s.maxBytes.Load(),
		InFlight: len(s.inflight),
	}, err
}

// Size returns the sum of the sizes of all regular files in the tenant
// directory, including sidecars and in-progress downloads.
func (s *Store) Size() (int64, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("cache: size of %q: %w", s.dir, err)
	}
	var total int64
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		total += fi.Size()
	}
	return total, nil
}

// Pin protects title from eviction until the returned release function is
// called. Pins are counted; release is idempotent.
func (s *Store) Pin(title string) (release func()) {
	s.mu.Lock()
	s.pins[title]++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.pins[title]--; s.pins[title] <= 0 {
				delete(s.pins, title)
			}
		})
	}
}

// Pinned reports whether title is protected from eviction.
func (s *Store) Pinned(title string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pins[title] > 0
}

// Clear evicts every unpinned entry and returns how many were removed.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	victims := make([]*entry, 0, len(s.index))
	for title, e := range s.index {
		if s.pins[title] > 0 {
			continue
		}
		victims = append(victims, e)
		delete(s.index, title)
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range victims {
		if err := removeFiles(e); err != nil {
			errs = append(errs, err)
		}
	}
	s.metrics.RecordEvictions(context.Background(), len(victims))
	slog.Info("cache cleared", "tenant", s.tenant, "entries", len(victims))
	return len(victims), errors.Join(errs...)
}

func removeFiles(e *entry) error {
	var errs []error
	for _, p := range []string{e.desc.Path, e.metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("cache: remove %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func removeQuietly(paths ...string) {
	for _, p := range paths {
		if p != "" {
			_ = os.Remove(p)
		}
	}
}
