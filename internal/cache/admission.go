package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/media"
)

const copyChunk = 64 << 10

// Admission is one in-flight write of a title into the cache. All callers
// admitting the same title while it is in flight share one Admission.
type Admission struct {
	title string
	done  chan struct{}

	// desc and err are set before done is closed.
	desc media.Descriptor
	err  error

	sp *spool
}

// Title returns the title being admitted.
func (a *Admission) Title() string { return a.title }

// Done is closed when the admission has finished, successfully or not.
func (a *Admission) Done() <-chan struct{} { return a.done }

// Wait blocks until the admission finished or ctx is done and returns the
// cached descriptor.
func (a *Admission) Wait(ctx context.Context) (media.Descriptor, error) {
	select {
	case <-a.done:
		return a.desc, a.err
	case <-ctx.Done():
		return media.Descriptor{}, ctx.Err()
	}
}

// Live returns a reader over the admitted bytes that can be consumed while
// the admission is still writing. Reads block at the current end of the
// written data until more arrives. After a failed admission the reader
// returns the admission's error; after a successful one it returns io.EOF at
// the end of the file. Every reader must be closed.
func (a *Admission) Live() (io.ReadCloser, error) {
	if a.sp == nil {
		select {
		case <-a.done:
			if a.err != nil {
				return nil, a.err
			}
			return os.Open(a.desc.Path)
		default:
			return nil, errors.New("cache: admission has no spool")
		}
	}
	return a.sp.follow()
}

func (a *Admission) finish(d media.Descriptor, err error) {
	a.desc, a.err = d, err
	close(a.done)
}

// spool tracks the growing temporary file of an admission.
type spool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	path     string // temp path until renamed, final path after
	written  int64
	finished bool
	err      error
}

func newSpool(path string) *spool {
	sp := &spool{path: path}
	sp.cond = sync.NewCond(&sp.mu)
	return sp
}

func (sp *spool) grow(n int) {
	sp.mu.Lock()
	sp.written += int64(n)
	sp.mu.Unlock()
	sp.cond.Broadcast()
}

func (sp *spool) close(err error) {
	sp.mu.Lock()
	sp.finished = true
	sp.err = err
	sp.mu.Unlock()
	sp.cond.Broadcast()
}

// rename moves the spool file while no follower is opening it.
func (sp *spool) rename(to string) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if err := os.Rename(sp.path, to); err != nil {
		return err
	}
	sp.path = to
	return nil
}

func (sp *spool) follow() (io.ReadCloser, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.finished && sp.err != nil {
		return nil, sp.err
	}
	f, err := os.Open(sp.path)
	if err != nil {
		return nil, fmt.Errorf("cache: follow %q: %w", sp.path, err)
	}
	return &follower{sp: sp, f: f}, nil
}

// follower reads a spool file and waits at its end for more data.
type follower struct {
	sp     *spool
	f      *os.File
	off    int64
	closed bool // guarded by sp.mu
}

func (r *follower) Read(p []byte) (int, error) {
	for {
		n, err := r.f.Read(p)
		r.off += int64(n)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}

		sp := r.sp
		sp.mu.Lock()
		for !r.closed && !sp.finished && r.off >= sp.written {
			sp.cond.Wait()
		}
		closed, finished, serr, written := r.closed, sp.finished, sp.err, sp.written
		sp.mu.Unlock()

		switch {
		case closed:
			return 0, os.ErrClosed
		case finished && serr != nil:
			return 0, serr
		case finished && r.off >= written:
			return 0, io.EOF
		}
	}
}

func (r *follower) Close() error {
	r.sp.mu.Lock()
	if r.closed {
		r.sp.mu.Unlock()
		return nil
	}
	r.closed = true
	r.sp.mu.Unlock()
	r.sp.cond.Broadcast()
	return r.f.Close()
}

// Admit persists every item of coll that is not cached yet and returns a
// collection of the same shape whose items are all backed by cache files.
// Items already cached are substituted without rewriting them, and items that
// are being admitted concurrently are waited for. Streams of items that were
// not needed are closed.
//
// When pruneFirst is set, a non-forced [Store.Prune] runs before writing.
// When some items fail, Admit returns the successfully admitted items in
// their original order together with the joined errors of the failed ones.
func (s *Store) Admit(ctx context.Context, coll media.Collection, pruneFirst bool) (media.Collection, error) {
	if pruneFirst {
		if _, err := s.Prune(false); err != nil {
			observe.Logger(ctx).Warn("cache: prune before admit failed", "tenant", s.tenant, "err", err)
		}
	}

	results := make([]media.Descriptor, len(coll.Items))
	errs := make([]error, len(coll.Items))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, d := range coll.Items {
		g.Go(func() error {
			results[i], errs[i] = s.admitOne(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]media.Descriptor, 0, len(results))
	for i, d := range results {
		if errs[i] == nil {
			out = append(out, d)
		}
	}
	return coll.Reshape(out), errors.Join(errs...)
}

func (s *Store) admitOne(ctx context.Context, d media.Descriptor) (media.Descriptor, error) {
	if d.Title == "" {
		closeStream(d)
		return media.Descriptor{}, errors.New("cache: admit: empty title")
	}

	if s.Contains(d.Title) {
		if cached, err := s.Get(d.Title); err == nil {
			closeStream(d)
			s.metrics.RecordAdmission(ctx, "deduplicated", 0)
			return cached, nil
		}
		// Stale entry was dropped by Get; write it again.
	}

	adm, leader, err := s.begin(d)
	if err != nil {
		closeStream(d)
		return media.Descriptor{}, err
	}
	if !leader {
		closeStream(d)
		s.metrics.RecordAdmission(ctx, "joined", 0)
		return adm.Wait(ctx)
	}

	r, err := openContent(d)
	if err != nil {
		s.abort(adm, err)
		return media.Descriptor{}, err
	}
	s.write(ctx, adm, d, r)
	return adm.Wait(ctx)
}

// AdmitLive starts admitting d in the background and returns immediately.
// d must carry a Stream, which the store takes ownership of. If d's title is
// already cached or in flight, the existing admission is returned and the
// stream is closed.
//
// Like Admit with pruneFirst, a non-forced [Store.Prune] runs before the
// write starts. The write continues until the stream ends or ctx is done,
// independent of how many Live readers remain.
func (s *Store) AdmitLive(ctx context.Context, d media.Descriptor) (*Admission, error) {
	if d.Title == "" {
		closeStream(d)
		return nil, errors.New("cache: admit live: empty title")
	}
	if d.Stream == nil {
		return nil, fmt.Errorf("cache: admit live %q: %w", d.Title, ErrNoContent)
	}
	if s.Contains(d.Title) {
		if cached, err := s.Get(d.Title); err == nil {
			closeStream(d)
			s.metrics.RecordAdmission(ctx, "deduplicated", 0)
			adm := &Admission{title: d.Title, done: make(chan struct{})}
			adm.finish(cached, nil)
			return adm, nil
		}
	}
	if _, err := s.Prune(false); err != nil {
		observe.Logger(ctx).Warn("cache: prune before live admit failed", "tenant", s.tenant, "err", err)
	}

	adm, leader, err := s.begin(d)
	if err != nil {
		closeStream(d)
		return nil, err
	}
	if !leader {
		closeStream(d)
		s.metrics.RecordAdmission(ctx, "joined", 0)
		return adm, nil
	}
	go s.write(ctx, adm, d, d.Stream)
	return adm, nil
}

// begin registers an in-flight admission for d or returns the existing one.
// The leader receives an Admission whose spool file has been created.
func (s *Store) begin(d media.Descriptor) (adm *Admission, leader bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.inflight[d.Title]; ok {
		return a, false, nil
	}
	if e, ok := s.index[d.Title]; ok {
		// Indexed between Contains and begin.
		a := &Admission{title: d.Title, done: make(chan struct{})}
		a.finish(e.desc, nil)
		return a, false, nil
	}

	f, err := os.CreateTemp(s.dir, tmpPrefix+"*"+d.Ext())
	if err != nil {
		return nil, false, fmt.Errorf("cache: admit %q: %w: %w", d.Title, media.ErrCacheWriteFailed, err)
	}
	// Reopened by write; creating it here makes the path visible to early
	// followers.
	f.Close()

	adm = &Admission{title: d.Title, done: make(chan struct{}), sp: newSpool(f.Name())}
	s.inflight[d.Title] = adm
	return adm, true, nil
}

// abort fails an admission before any byte was written.
func (s *Store) abort(adm *Admission, err error) {
	s.mu.Lock()
	delete(s.inflight, adm.title)
	s.mu.Unlock()
	_ = os.Remove(adm.sp.path)
	adm.sp.close(err)
	adm.finish(media.Descriptor{}, err)
}

// write copies r into the admission's spool file, renames it into place,
// writes the sidecar and indexes the entry. It always closes r and finishes
// adm.
func (s *Store) write(ctx context.Context, adm *Admission, d media.Descriptor, r io.ReadCloser) {
	start := time.Now()
	desc, size, err := s.persist(ctx, adm, d, r)

	s.mu.Lock()
	delete(s.inflight, adm.title)
	if err == nil {
		s.index[adm.title] = &entry{
			desc:       desc,
			metaPath:   filepath.Join(s.dir, baseName(d.Title)+metaExt),
			size:       size,
			modTime:    time.Now(),
			lastAccess: s.now(),
		}
	}
	s.mu.Unlock()

	adm.sp.close(err)
	adm.finish(desc, err)

	log := observe.Logger(ctx).With("tenant", s.tenant, "title", adm.title)
	if err != nil {
		s.metrics.RecordAdmission(ctx, "failed", 0)
		log.Warn("cache: admission failed", "err", err)
		return
	}
	s.metrics.RecordAdmission(ctx, "written", size)
	s.metrics.DownloadDuration.Record(ctx, time.Since(start).Seconds())
	log.Debug("cache: admitted", "size", size, "path", desc.Path)
}

func (s *Store) persist(ctx context.Context, adm *Admission, d media.Descriptor, r io.ReadCloser) (media.Descriptor, int64, error) {
	defer r.Close()
	sp := adm.sp

	f, err := os.OpenFile(sp.path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		os.Remove(sp.path)
		return media.Descriptor{}, 0, fmt.Errorf("cache: admit %q: %w: %w", d.Title, media.ErrCacheWriteFailed, err)
	}
	size, err := copyTo(ctx, f, r, sp)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %w", media.ErrCacheWriteFailed, cerr)
	}
	if err != nil {
		os.Remove(sp.path)
		return media.Descriptor{}, 0, fmt.Errorf("cache: admit %q: %w", d.Title, err)
	}

	base := baseName(d.Title)
	file := base + d.Ext()
	mediaPath := filepath.Join(s.dir, file)
	if err := sp.rename(mediaPath); err != nil {
		os.Remove(sp.path)
		return media.Descriptor{}, 0, fmt.Errorf("cache: admit %q: %w: %w", d.Title, media.ErrCacheWriteFailed, err)
	}

	sc := newSidecar(d, file, size, s.now())
	if err := writeSidecar(filepath.Join(s.dir, base+metaExt), sc); err != nil {
		os.Remove(mediaPath)
		return media.Descriptor{}, 0, fmt.Errorf("cache: admit %q: sidecar: %w: %w", d.Title, media.ErrCacheWriteFailed, err)
	}
	return sc.descriptor(mediaPath, size), size, nil
}

// copyTo copies r into w, reporting progress to sp. Read failures are
// download failures; write failures are cache write failures.
func copyTo(ctx context.Context, w io.Writer, r io.Reader, sp *spool) (int64, error) {
	buf := make([]byte, copyChunk)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("%w: %w", media.ErrCacheWriteFailed, werr)
			}
			total += int64(n)
			sp.grow(n)
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			if errors.Is(rerr, media.ErrUnavailable) || errors.Is(rerr, media.ErrDownloadFailed) {
				return total, rerr
			}
			return total, fmt.Errorf("%w: %w", media.ErrDownloadFailed, rerr)
		}
	}
}

// openContent returns the bytes to admit for d: its stream, or the file at
// its path for items that point at a local file outside the cache.
func openContent(d media.Descriptor) (io.ReadCloser, error) {
	switch {
	case d.Stream != nil:
		return d.Stream, nil
	case d.Path != "":
		f, err := os.Open(d.Path)
		if err != nil {
			return nil, fmt.Errorf("cache: admit %q: %w", d.Title, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cache: admit %q: %w", d.Title, ErrNoContent)
	}
}

func closeStream(d media.Descriptor) {
	if d.Stream != nil {
		if err := d.Stream.Close(); err != nil {
			slog.Debug("cache: close unused stream", "title", d.Title, "err", err)
		}
	}
}
