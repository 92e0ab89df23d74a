// Package settings persists per-guild preferences: the default resolve mode,
// the DJ role that may run destructive commands and the channel that receives
// playback announcements.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/cadenza/internal/resolve"
)

// ErrInvalid is returned by [Settings.Validate].
var ErrInvalid = errors.New("settings: invalid")

// Settings holds the stored preferences of one guild. Zero fields mean
// "use the process default".
type Settings struct {
	GuildID           string
	Mode              string
	DJRoleID          string
	AnnounceChannelID string
}

// Validate checks that s names a guild and a known resolve mode.
func (s Settings) Validate() error {
	if s.GuildID == "" {
		return fmt.Errorf("%w: empty guild id", ErrInvalid)
	}
	if s.Mode != "" {
		if _, err := resolve.ParseMode(s.Mode); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// ResolveMode returns the stored mode, or fallback when none is stored.
func (s Settings) ResolveMode(fallback resolve.Mode) resolve.Mode {
	if s.Mode == "" {
		return fallback
	}
	m, err := resolve.ParseMode(s.Mode)
	if err != nil {
		return fallback
	}
	return m
}

// Store reads and writes guild settings. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the settings of guildID. A guild without stored settings
	// yields Settings{GuildID: guildID} and a nil error.
	Get(ctx context.Context, guildID string) (Settings, error)

	// Put validates and stores s, replacing any previous value.
	Put(ctx context.Context, s Settings) error

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}

// MemStore is an in-process [Store]. It is used when no database is
// configured and in tests.
type MemStore struct {
	mu sync.RWMutex
	m  map[string]Settings
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]Settings)}
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, guildID string) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.m[guildID]; ok {
		return v, nil
	}
	return Settings{GuildID: guildID}, nil
}

// Put implements [Store].
func (s *MemStore) Put(_ context.Context, v Settings) error {
	if err := v.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.m[v.GuildID] = v
	s.mu.Unlock()
	return nil
}

// Ping implements [Store]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }
