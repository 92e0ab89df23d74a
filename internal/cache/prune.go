package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

// Prune evicts entries to bring the tenant directory back under its budget
// and returns how many entries were removed.
//
// Without force, pruning only starts once Size reaches MaxBytes. In both
// forms entries are evicted least recently used first, entries not accessed
// since Open ordered by file modification time, until the size drops to 90%
// of MaxBytes or MaxEvictions entries were tried. A forced prune of a store
// without a budget evicts every unpinned entry, up to MaxEvictions. Pinned
// entries and in-flight admissions are never evicted.
func (s *Store) Prune(force bool) (int, error) {
	budget := s.maxBytes.Load()
	if budget <= 0 && !force {
		return 0, nil
	}

	size, err := s.Size()
	if err != nil {
		return 0, err
	}
	if !force && size < budget {
		return 0, nil
	}
	target := int64(float64(budget) * lowWatermark)
	if budget <= 0 {
		target = 0
	}
	if size <= target && budget > 0 {
		return 0, nil
	}

	type candidate struct {
		e                   *entry
		lastAccess, modTime time.Time
	}
	s.mu.RLock()
	cands := make([]candidate, 0, len(s.index))
	for title, e := range s.index {
		if s.pins[title] == 0 {
			cands = append(cands, candidate{e, e.lastAccess, e.modTime})
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(cands, func(a, b candidate) int {
		if c := a.lastAccess.Compare(b.lastAccess); c != 0 {
			return c
		}
		return a.modTime.Compare(b.modTime)
	})

	var (
		evicted int
		errs    []error
	)
	for i, c := range cands {
		e := c.e
		if i >= s.cfg.MaxEvictions || (budget > 0 && size <= target) {
			break
		}

		s.mu.Lock()
		cur, ok := s.index[e.desc.Title]
		if !ok || cur != e || s.pins[e.desc.Title] > 0 {
			s.mu.Unlock()
			continue
		}
		delete(s.index, e.desc.Title)
		s.mu.Unlock()

		freed := e.size
		if fi, err := os.Stat(e.metaPath); err == nil {
			freed += fi.Size()
		}
		if err := removeFiles(e); err != nil {
			errs = append(errs, err)
			continue
		}
		size -= freed
		evicted++
		slog.Debug("cache: evicted", "tenant", s.tenant, "title", e.desc.Title, "size", humanize.IBytes(uint64(e.size)))
	}

	s.metrics.RecordEvictions(context.Background(), evicted)
	if evicted > 0 {
		slog.Info("cache pruned", "tenant", s.tenant, "evicted", evicted,
			"size", humanize.IBytes(uint64(max(size, 0))), "budget", humanize.IBytes(uint64(max(budget, 0))))
	}
	return evicted, errors.Join(errs...)
}

