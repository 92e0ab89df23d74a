package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/settings"
	"github.com/MrWong99/cadenza/internal/transcode"
	"github.com/MrWong99/cadenza/pkg/audio"
)

// ErrManagerClosed is returned by [SessionManager.GetOrCreate] after Close.
var ErrManagerClosed = errors.New("app: session manager closed")

// SessionManagerConfig holds the dependencies shared by every guild session.
type SessionManagerConfig struct {
	Platform audio.Platform
	Resolver *resolve.Resolver
	Settings settings.Store
	Notifier Notifier
	Metrics  *observe.Metrics
	Tunables *Tunables

	// Cache is the template for each guild's store. Dir is the shared root.
	Cache cache.Config

	// ClearOnStartup empties every guild cache under Cache.Dir once, when
	// the manager is created.
	ClearOnStartup bool

	Transcode        transcode.Config
	Bitrate          int
	ReconnectBackoff time.Duration
}

// SessionManager is the tenant registry: it creates one [GuildSession] per
// guild on first use and owns them until they are removed.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg      SessionManagerConfig
	maxBytes atomic.Int64

	mu       sync.Mutex
	sessions map[string]*GuildSession
	closed   bool
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Tunables == nil {
		cfg.Tunables = NewTunables(resolve.Consistent, 0)
	}
	sm := &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*GuildSession),
	}
	sm.maxBytes.Store(cfg.Cache.MaxBytes)
	if cfg.ClearOnStartup {
		sm.clearCaches()
	}
	return sm
}

// clearCaches empties the cache of every guild directory under the cache
// root, including guilds that never get a session in this process.
func (sm *SessionManager) clearCaches() {
	root := sm.cfg.Cache.Dir
	des, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("app: clear caches on startup", "dir", root, "err", err)
		}
		return
	}
	for _, de := range des {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		store, err := cache.Open(de.Name(), sm.cfg.Cache, cache.WithMetrics(sm.cfg.Metrics))
		if err != nil {
			slog.Warn("app: clear cache on startup", "guild_id", de.Name(), "err", err)
			continue
		}
		n, err := store.Clear()
		if err != nil {
			slog.Warn("app: clear cache on startup", "guild_id", de.Name(), "err", err)
		}
		slog.Info("cache cleared on startup", "guild_id", de.Name(), "removed", n)
	}
}

// Tunables returns the hot-reloadable settings shared by all sessions.
func (sm *SessionManager) Tunables() *Tunables { return sm.cfg.Tunables }

// Get returns the session of guildID if one exists.
func (sm *SessionManager) Get(guildID string) (*GuildSession, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[guildID]
	return s, ok
}

// GetOrCreate returns the session of guildID, creating it and opening the
// guild's cache on first use. A cache that cannot be opened fails only this
// guild.
func (sm *SessionManager) GetOrCreate(guildID string) (*GuildSession, error) {
	if guildID == "" {
		return nil, errors.New("app: empty guild id")
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := sm.sessions[guildID]; ok {
		return s, nil
	}

	cc := sm.cfg.Cache
	cc.MaxBytes = sm.maxBytes.Load()
	store, err := cache.Open(guildID, cc, cache.WithMetrics(sm.cfg.Metrics))
	if err != nil {
		return nil, fmt.Errorf("app: open cache for guild %s: %w", guildID, err)
	}
	s := NewGuildSession(GuildConfig{
		GuildID:          guildID,
		Platform:         sm.cfg.Platform,
		Resolver:         sm.cfg.Resolver,
		Store:            store,
		Transcoder:       transcode.New(sm.cfg.Transcode, transcode.WithMetrics(sm.cfg.Metrics)),
		Settings:         sm.cfg.Settings,
		Notifier:         sm.cfg.Notifier,
		Metrics:          sm.cfg.Metrics,
		Tunables:         sm.cfg.Tunables,
		Bitrate:          sm.cfg.Bitrate,
		ReconnectBackoff: sm.cfg.ReconnectBackoff,
	})
	sm.sessions[guildID] = s
	slog.Info("guild session created", "guild_id", guildID, "cache_dir", store.Dir())
	return s, nil
}

// Remove closes and forgets the session of guildID. The guild's cache stays
// on disk.
func (sm *SessionManager) Remove(guildID string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[guildID]
	delete(sm.sessions, guildID)
	sm.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// List returns the guild IDs with a session, sorted.
func (sm *SessionManager) List() []string {
	sm.mu.Lock()
	out := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		out = append(out, id)
	}
	sm.mu.Unlock()
	slices.Sort(out)
	return out
}

// SetCacheBudget changes the size budget of every current and future guild
// cache.
func (sm *SessionManager) SetCacheBudget(n int64) {
	sm.maxBytes.Store(n)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, s := range sm.sessions {
		s.Cache().SetMaxBytes(n)
	}
}

// Close closes every session in parallel. Later GetOrCreate calls fail.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	sm.closed = true
	sessions := sm.sessions
	sm.sessions = make(map[string]*GuildSession)
	sm.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(s.Close)
	}
	return g.Wait()
}

// NowPlaying returns the current track of guildID, if it has a session that
// is playing.
func (sm *SessionManager) NowPlaying(guildID string) (NowPlaying, bool) {
	s, ok := sm.Get(guildID)
	if !ok {
		return NowPlaying{}, false
	}
	return s.NowPlaying()
}
