package media

import "errors"

// Errors shared by the acquisition, cache and resolution stages. Components
// wrap them with context; callers test with [errors.Is].
var (
	// ErrNotFound is returned when a cache entry is missing or its files were
	// removed from disk behind the cache's back.
	ErrNotFound = errors.New("media: not found")

	// ErrUnavailable is returned when the upstream has nothing playable for a
	// reference it recognises (removed, private, DRM, region-locked).
	ErrUnavailable = errors.New("media: unavailable")

	// ErrUnsupportedReference is returned when no source claims a reference.
	ErrUnsupportedReference = errors.New("media: unsupported reference")

	// ErrDownloadFailed is returned for transient network or process failures
	// while fetching from an upstream.
	ErrDownloadFailed = errors.New("media: download failed")

	// ErrCacheWriteFailed is returned when persisting an item to disk fails.
	ErrCacheWriteFailed = errors.New("media: cache write failed")
)
