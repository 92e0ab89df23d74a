package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/settings"
)

// noticeBuffer bounds the notices waiting to be posted.
const noticeBuffer = 64

// NowPlayingSource looks up the current track of a guild.
// [*app.SessionManager] implements it.
type NowPlayingSource interface {
	NowPlaying(guildID string) (app.NowPlaying, bool)
}

// AnnouncerConfig holds the dependencies of an [Announcer].
type AnnouncerConfig struct {
	Sender   MessageSender
	Settings settings.Store // may be nil

	// PanelInterval is the refresh interval of now-playing panels.
	PanelInterval time.Duration
}

// Announcer posts playback notices to Discord. It implements [app.Notifier]:
// notices are queued by the player and posted from [Announcer.Run], so a
// slow Discord API never holds up playback.
//
// A guild's notices go to its stored announce channel, or else to the
// channel where /play was last used.
type Announcer struct {
	cfg     AnnouncerConfig
	notices chan app.Notice

	mu       sync.Mutex
	source   NowPlayingSource
	settings settings.Store
	channels map[string]string // guild → last command channel
	panels   map[string]*Panel // guild → panel of the current track
}

var _ app.Notifier = (*Announcer)(nil)

// NewAnnouncer creates an Announcer. Call [Announcer.Attach] before Run.
func NewAnnouncer(cfg AnnouncerConfig) *Announcer {
	return &Announcer{
		cfg:      cfg,
		settings: cfg.Settings,
		notices:  make(chan app.Notice, noticeBuffer),
		channels: make(map[string]string),
		panels:   make(map[string]*Panel),
	}
}

// Attach sets the lookup used by now-playing panels.
func (a *Announcer) Attach(src NowPlayingSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.source = src
}

// UseSettings replaces the store consulted for announce channels.
func (a *Announcer) UseSettings(store settings.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = store
}

// RememberChannel records the text channel a guild last used for commands.
func (a *Announcer) RememberChannel(guildID, channelID string) {
	if guildID == "" || channelID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels[guildID] = channelID
}

// Notify implements [app.Notifier]. It never blocks; notices that do not fit
// the buffer are dropped.
func (a *Announcer) Notify(_ context.Context, n app.Notice) {
	select {
	case a.notices <- n:
	default:
		slog.Warn("announcer: notice dropped", "guild_id", n.GuildID, "kind", n.Kind)
	}
}

// Run posts queued notices until ctx is cancelled, then finalises every open
// panel.
func (a *Announcer) Run(ctx context.Context) error {
	defer a.stopPanels()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-a.notices:
			a.handle(ctx, n)
		}
	}
}

func (a *Announcer) handle(ctx context.Context, n app.Notice) {
	channel := a.channelFor(ctx, n.GuildID)
	if channel == "" {
		slog.Debug("announcer: no channel for guild", "guild_id", n.GuildID, "kind", n.Kind)
		return
	}

	switch n.Kind {
	case app.NoticeTrackStarted:
		a.startPanel(ctx, n, channel)
	case app.NoticeTrackFailed:
		slog.Info("announcer: track failed", "guild_id", n.GuildID, "title", n.Entry.Title(), "err", n.Err)
		a.send(channel, fmt.Sprintf("Playback of **%s** failed, moving on.", n.Entry.Title()))
	case app.NoticeIdleLeft:
		a.stopPanel(n.GuildID)
		a.send(channel, "Left the voice channel because nothing was playing.")
	case app.NoticeVoiceLost:
		a.stopPanel(n.GuildID)
		a.send(channel, "Lost the voice connection. Use /play to bring me back.")
	}
}

// channelFor returns the stored announce channel of guildID, falling back to
// the last command channel.
func (a *Announcer) channelFor(ctx context.Context, guildID string) string {
	a.mu.Lock()
	store := a.settings
	a.mu.Unlock()
	if store != nil {
		s, err := store.Get(ctx, guildID)
		if err != nil {
			slog.Warn("announcer: load guild settings", "guild_id", guildID, "err", err)
		} else if s.AnnounceChannelID != "" {
			return s.AnnounceChannelID
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels[guildID]
}

func (a *Announcer) startPanel(ctx context.Context, n app.Notice, channel string) {
	a.mu.Lock()
	src := a.source
	prev := a.panels[n.GuildID]
	a.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	if src == nil {
		a.send(channel, fmt.Sprintf("Now playing **%s**.", n.Entry.Title()))
		return
	}

	p := NewPanel(PanelConfig{
		Sender:    a.cfg.Sender,
		ChannelID: channel,
		Interval:  a.cfg.PanelInterval,
		Entry:     app.NowPlaying{Entry: n.Entry, Started: time.Now()},
		GetData:   func() (app.NowPlaying, bool) { return src.NowPlaying(n.GuildID) },
	})
	a.mu.Lock()
	a.panels[n.GuildID] = p
	a.mu.Unlock()
	p.Start(ctx)
}

func (a *Announcer) stopPanel(guildID string) {
	a.mu.Lock()
	p := a.panels[guildID]
	delete(a.panels, guildID)
	a.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (a *Announcer) stopPanels() {
	a.mu.Lock()
	panels := a.panels
	a.panels = make(map[string]*Panel)
	a.mu.Unlock()
	for _, p := range panels {
		p.Stop()
	}
}

func (a *Announcer) send(channel, content string) {
	if _, err := a.cfg.Sender.ChannelMessageSend(channel, content); err != nil {
		slog.Warn("announcer: failed to send message", "channel", channel, "err", err)
	}
}
