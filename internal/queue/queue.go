// Package queue implements the per-tenant FIFO playback queue.
//
// A [Queue] holds [Entry] values in arrival order. Entries either carry a
// resolved [media.Descriptor] or, for playlist items that are resolved lazily,
// a pending [Request]. All operations are linearizable.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/MrWong99/cadenza/pkg/media"
)

// ErrQueueEmpty is returned by [Queue.Dequeue] on an empty queue.
var ErrQueueEmpty = errors.New("queue: empty")

// ErrNoEntry is returned when a position or ID does not name an entry.
var ErrNoEntry = errors.New("queue: no such entry")

// minTitleScore is the Jaro-Winkler similarity a title must reach to match a
// search in [Queue.FindByTitle].
const minTitleScore = 0.85

// Request marks an entry whose item has not been resolved yet.
type Request struct {
	// Query is what the resolver is handed when the entry reaches the front.
	Query string

	// Title is the display title known from the playlist probe.
	Title string
}

// Entry is one item in the queue.
type Entry struct {
	ID          uuid.UUID
	Item        media.Descriptor
	Request     *Request
	RequestedBy string
	AddedAt     time.Time
}

// NewEntry returns an entry for a resolved item.
func NewEntry(d media.Descriptor, requestedBy string) Entry {
	return Entry{ID: uuid.New(), Item: d, RequestedBy: requestedBy, AddedAt: time.Now()}
}

// NewPending returns an entry that still has to be resolved.
func NewPending(query, title, requestedBy string) Entry {
	return Entry{
		ID:          uuid.New(),
		Item:        media.Descriptor{Title: title},
		Request:     &Request{Query: query, Title: title},
		RequestedBy: requestedBy,
		AddedAt:     time.Now(),
	}
}

// Pending reports whether e still needs resolution.
func (e Entry) Pending() bool { return e.Request != nil }

// Title returns the best known display title.
func (e Entry) Title() string {
	if e.Item.Title != "" {
		return e.Item.Title
	}
	if e.Request != nil {
		if e.Request.Title != "" {
			return e.Request.Title
		}
		return e.Request.Query
	}
	return ""
}

// Queue is a FIFO of entries. The zero value is not usable; call [New].
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	ready   chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Ready returns a channel that receives a value after entries were added to
// an empty or non-empty queue. Notifications coalesce; consumers must drain
// the queue with [Queue.Dequeue] until [ErrQueueEmpty].
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Enqueue appends entries in order. Entries without an ID receive one.
func (q *Queue) Enqueue(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.AddedAt.IsZero() {
			e.AddedAt = time.Now()
		}
		q.entries = append(q.entries, e)
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the head of the queue.
func (q *Queue) Dequeue() (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, ErrQueueEmpty
	}
	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return e, nil
}

// RemoveAt removes the entry at zero-based position i.
func (q *Queue) RemoveAt(i int) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.entries) {
		return Entry{}, fmt.Errorf("queue: position %d of %d: %w", i+1, len(q.entries), ErrNoEntry)
	}
	e := q.entries[i]
	q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
	return e, nil
}

// Remove removes the entry with the given ID.
func (q *Queue) Remove(id uuid.UUID) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return Entry{}, fmt.Errorf("queue: entry %s: %w", id, ErrNoEntry)
	}
	e := q.entries[i]
	q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
	return e, nil
}

// Replace swaps the item of the entry with the given ID in place and returns
// the previous entry. The entry keeps its position and ID and is no longer
// pending.
func (q *Queue) Replace(id uuid.UUID, d media.Descriptor) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return Entry{}, fmt.Errorf("queue: entry %s: %w", id, ErrNoEntry)
	}
	old := q.entries[i]
	q.entries[i].Item = d
	q.entries[i].Request = nil
	return old, nil
}

// Clear removes all entries and returns them so that callers can release
// live streams they hold.
func (q *Queue) Clear() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

// Snapshot returns a copy of the entries in queue order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// FindByTitle returns the position of the entry whose title best matches
// title, or -1. Exact case-insensitive matches win; otherwise the closest
// Jaro-Winkler match above a fixed threshold is chosen.
func (q *Queue) FindByTitle(title string) int {
	want := strings.ToLower(strings.TrimSpace(title))
	if want == "" {
		return -1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	best, bestScore := -1, 0.0
	for i, e := range q.entries {
		got := strings.ToLower(e.Title())
		if got == want {
			return i
		}
		if score := matchr.JaroWinkler(want, got, false); score >= minTitleScore && score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func (q *Queue) indexOf(id uuid.UUID) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}
