// Package media defines the value types shared by every stage of the playback
// pipeline: the [Descriptor] that identifies one playable item and the
// [Collection] that groups descriptors into a single track or a playlist.
//
// Descriptors are plain values. A descriptor handed out by the cache is a
// read-only view of an admitted entry; callers never mutate or delete the file
// it points at.
package media

import (
	"io"
	"path/filepath"
	"strings"
	"time"
)

// Descriptor describes one playable media item.
//
// At most one of Path and Stream is set. A descriptor with a Path is backed by
// a file owned by the cache. A descriptor with a Stream carries transient bytes
// that have not been cached yet. A descriptor with neither is metadata only, as
// returned by a source probe.
type Descriptor struct {
	// Title is the per-tenant cache key. It is also used to derive the on-disk
	// file name after filesystem-illegal characters are normalised.
	Title string

	// Format is the container or codec tag (e.g. "webm", "m4a", "mp3"). It
	// selects the file extension and is passed to the transcoder.
	Format string

	// Duration is advisory. Zero means unknown.
	Duration time.Duration

	// Path is the absolute path of the cached media file.
	Path string

	// Stream is a live byte stream for content that is not cached yet. The
	// receiver of a descriptor with a Stream is responsible for closing it.
	Stream io.ReadCloser

	// SourceURL is the canonical upstream reference the item was fetched from.
	SourceURL string

	// Size is the media size in bytes. For uncached items it is the upstream
	// estimate and may be zero.
	Size int64
}

// Cached reports whether d is backed by a file on disk.
func (d Descriptor) Cached() bool { return d.Path != "" }

// Live reports whether d carries a transient byte stream.
func (d Descriptor) Live() bool { return d.Path == "" && d.Stream != nil }

// Ext returns the file extension for d, including the leading dot. It falls
// back to the extension of Path and finally to ".bin".
func (d Descriptor) Ext() string {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d.Format), "."))
	if f != "" && !strings.ContainsAny(f, `/\ `) {
		return "." + f
	}
	if ext := filepath.Ext(d.Path); ext != "" {
		return ext
	}
	return ".bin"
}

// WithoutStream returns a copy of d with the stream detached.
func (d Descriptor) WithoutStream() Descriptor {
	d.Stream = nil
	return d
}

// Collection is either a single descriptor or an ordered playlist.
//
// Collection is a pure value type. It owns nothing beyond its descriptors; any
// Stream inside an item remains the responsibility of whoever consumes it.
type Collection struct {
	// Items holds the descriptors in playback order.
	Items []Descriptor

	// PlaylistName is empty for a single item.
	PlaylistName string

	// PlaylistIndex is the position within the upstream playlist of the first
	// item in Items. It is zero for a single item.
	PlaylistIndex int
}

// Single wraps d in a one-item collection.
func Single(d Descriptor) Collection {
	return Collection{Items: []Descriptor{d}}
}

// IsPlaylist reports whether c was produced from a playlist reference.
func (c Collection) IsPlaylist() bool { return c.PlaylistName != "" }

// Len returns the number of items in c.
func (c Collection) Len() int { return len(c.Items) }

// First returns the first item of c and false when c is empty.
func (c Collection) First() (Descriptor, bool) {
	if len(c.Items) == 0 {
		return Descriptor{}, false
	}
	return c.Items[0], true
}

// Reshape returns a collection with the same playlist shape as c holding items.
func (c Collection) Reshape(items []Descriptor) Collection {
	return Collection{Items: items, PlaylistName: c.PlaylistName, PlaylistIndex: c.PlaylistIndex}
}

// CloseStreams closes every live stream held by c's items. It is used when a
// collection is abandoned before its streams are consumed.
func (c Collection) CloseStreams() {
	for _, it := range c.Items {
		if it.Stream != nil {
			_ = it.Stream.Close()
		}
	}
}
