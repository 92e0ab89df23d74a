// Package session keeps a guild's voice connection alive.
//
// A [Reconnector] owns the connection to one voice channel. When the
// transport reports that the bot itself was dropped ([audio.EventDropped]),
// it reconnects with exponential backoff and hands the new connection to the
// player through the OnReconnect callback.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/audio"
)

const (
	defaultMaxRetries = 10
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrStopped is returned by [Reconnector.Connect] after [Reconnector.Stop].
var ErrStopped = errors.New("session: reconnector stopped")

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	Platform  audio.Platform
	GuildID   string
	ChannelID string

	// MaxRetries bounds the attempts of one reconnection cycle. Default: 10.
	MaxRetries int

	// Backoff is the delay after the first failed attempt. It doubles per
	// attempt up to MaxBackoff. Defaults: 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnReconnect receives every replacement connection. May be nil.
	OnReconnect func(audio.Connection)

	// OnGiveUp is called when a cycle exhausts MaxRetries. May be nil.
	OnGiveUp func(error)

	// OnParticipant receives every non-drop participant event. May be nil.
	OnParticipant func(audio.Event)
}

// Reconnector watches one voice connection and replaces it when it drops.
// All methods are safe for concurrent use.
type Reconnector struct {
	cfg ReconnectorConfig

	mu      sync.Mutex
	conn    audio.Connection
	stopped bool

	dropped  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewReconnector returns a Reconnector for cfg with defaults applied.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		cfg:     cfg,
		dropped: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ChannelID returns the voice channel this reconnector serves.
func (r *Reconnector) ChannelID() string { return r.cfg.ChannelID }

// Connect performs the initial connection.
func (r *Reconnector) Connect(ctx context.Context) (audio.Connection, error) {
	conn, err := r.cfg.Platform.Connect(ctx, r.cfg.GuildID, r.cfg.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("session: connect %s/%s: %w", r.cfg.GuildID, r.cfg.ChannelID, err)
	}
	if !r.adopt(conn) {
		_ = conn.Disconnect()
		return nil, ErrStopped
	}
	return conn, nil
}

// adopt installs conn as the current connection and subscribes to its
// events. It reports false when the reconnector is already stopped.
func (r *Reconnector) adopt(conn audio.Connection) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	old := r.conn
	r.conn = conn
	r.mu.Unlock()

	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type == audio.EventDropped {
			r.NotifyDisconnect()
			return
		}
		if r.cfg.OnParticipant != nil {
			r.cfg.OnParticipant(ev)
		}
	})
	if old != nil && old != conn {
		_ = old.Disconnect()
	}
	return true
}

// Monitor starts the background loop that reacts to drops. It returns when
// ctx is cancelled or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-r.dropped:
				r.reconnect(ctx)
			}
		}
	}()
}

// NotifyDisconnect schedules a reconnection cycle. Repeated calls before the
// cycle starts coalesce.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.dropped <- struct{}{}:
	default:
	}
}

// Connection returns the current connection, or nil before Connect and
// after Stop.
func (r *Reconnector) Connection() audio.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Stop ends monitoring and disconnects. Safe to call more than once.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.stopped = true
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

func (r *Reconnector) reconnect(ctx context.Context) {
	log := observe.Logger(observe.WithGuild(ctx, r.cfg.GuildID)).With("channel_id", r.cfg.ChannelID)
	wait := r.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if r.halted(ctx) {
			return
		}
		conn, err := r.cfg.Platform.Connect(ctx, r.cfg.GuildID, r.cfg.ChannelID)
		if err == nil {
			if !r.adopt(conn) {
				_ = conn.Disconnect()
				return
			}
			log.Info("voice reconnected", "attempt", attempt)
			if r.cfg.OnReconnect != nil {
				r.cfg.OnReconnect(conn)
			}
			return
		}
		lastErr = err
		log.Warn("voice reconnect failed", "attempt", attempt, "backoff", wait, "err", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-r.done:
			t.Stop()
			return
		case <-t.C:
		}
		wait = min(wait*2, r.cfg.MaxBackoff)
	}

	log.Error("voice reconnect gave up", "max_retries", r.cfg.MaxRetries, "err", lastErr)
	if r.cfg.OnGiveUp != nil {
		r.cfg.OnGiveUp(fmt.Errorf("session: reconnect after %d attempts: %w", r.cfg.MaxRetries, lastErr))
	}
}

func (r *Reconnector) halted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.done:
		return true
	default:
		return false
	}
}
