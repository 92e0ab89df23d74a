package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/MrWong99/cadenza/internal/app"
)

// MessageSender is the part of *discordgo.Session used to post and edit
// channel messages.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ MessageSender = (*discordgo.Session)(nil)

// Custom IDs of the panel buttons.
const (
	ButtonSkip   = "np:skip"
	ButtonPause  = "np:pause"
	ButtonResume = "np:resume"
)

// embedColorGreen is the embed sidebar color while a track plays.
const embedColorGreen = 0x2ECC71

// embedColorOrange is the embed sidebar color while a track is paused.
const embedColorOrange = 0xE67E22

// embedColorGrey is the embed sidebar color once the track is over.
const embedColorGrey = 0x95A5A6

// defaultInterval is the default panel update interval.
const defaultInterval = 10 * time.Second

// progressCells is the width of the progress bar.
const progressCells = 20

// Panel renders and periodically updates the now-playing embed of one track.
// The message is created on Start, edited in place every interval and
// finalised when the track is no longer current or Stop is called.
//
// Thread-safe for concurrent use.
type Panel struct {
	mu        sync.Mutex
	sender    MessageSender
	channelID string
	messageID string // created on first update
	interval  time.Duration
	entryID   uuid.UUID
	getData   func() (app.NowPlaying, bool)
	last      app.NowPlaying
	done      chan struct{}
	stopOnce  sync.Once
}

// PanelConfig holds dependencies for creating a Panel.
type PanelConfig struct {
	Sender    MessageSender
	ChannelID string
	Interval  time.Duration // Default: 10 seconds

	// Entry is the track the panel follows.
	Entry app.NowPlaying

	// GetData returns the guild's current track.
	GetData func() (app.NowPlaying, bool)
}

// NewPanel creates a Panel.
func NewPanel(cfg PanelConfig) *Panel {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Panel{
		sender:    cfg.Sender,
		channelID: cfg.ChannelID,
		interval:  interval,
		entryID:   cfg.Entry.Entry.ID,
		getData:   cfg.GetData,
		last:      cfg.Entry,
		done:      make(chan struct{}),
	}
}

// Start begins the periodic update loop in a background goroutine.
func (p *Panel) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop halts the update loop and edits the message into its final form.
func (p *Panel) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.postFinalEmbed()
	})
}

// Done is closed once the panel has stopped.
func (p *Panel) Done() <-chan struct{} { return p.done }

// loop runs the periodic embed update until the track changes, Stop is
// called or ctx is cancelled.
func (p *Panel) loop(ctx context.Context) {
	// Post immediately on start.
	if !p.update() {
		p.Stop()
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			p.Stop()
			return
		case <-ticker.C:
			if !p.update() {
				p.Stop()
				return
			}
		}
	}
}

// update refreshes the embed from the current track. It reports false once
// the followed track is no longer current.
func (p *Panel) update() bool {
	np, ok := p.getData()
	if !ok || np.Entry.ID != p.entryID {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = np

	select {
	case <-p.done:
		return false
	default:
	}

	embed := NowPlayingEmbed(np)
	if p.messageID == "" {
		msg, err := p.sender.ChannelMessageSendComplex(p.channelID, &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: panelButtons(np.Paused),
		})
		if err != nil {
			slog.Warn("panel: failed to create embed message", "channel", p.channelID, "err", err)
			return true
		}
		p.messageID = msg.ID
		slog.Debug("panel: created embed message", "message_id", msg.ID, "channel", p.channelID)
		return true
	}

	edit := discordgo.NewMessageEdit(p.channelID, p.messageID).SetEmbed(embed)
	components := panelButtons(np.Paused)
	edit.Components = &components
	if _, err := p.sender.ChannelMessageEditComplex(edit); err != nil {
		slog.Warn("panel: failed to edit embed message", "message_id", p.messageID, "err", err)
	}
	return true
}

// postFinalEmbed edits the message into its finished form without buttons.
func (p *Panel) postFinalEmbed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.messageID == "" {
		return
	}
	edit := discordgo.NewMessageEdit(p.channelID, p.messageID).SetEmbed(finishedEmbed(p.last))
	edit.Components = &[]discordgo.MessageComponent{}
	if _, err := p.sender.ChannelMessageEditComplex(edit); err != nil {
		slog.Warn("panel: failed to post final embed", "message_id", p.messageID, "err", err)
	}
}

// NowPlayingEmbed renders the current track.
func NowPlayingEmbed(np app.NowPlaying) *discordgo.MessageEmbed {
	e := np.Entry
	color, footer := embedColorGreen, "Playing"
	if np.Paused {
		color, footer = embedColorOrange, "Paused"
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Position", Value: progress(np.Elapsed, e.Item.Duration), Inline: false},
	}
	if e.RequestedBy != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Requested by", Value: fmt.Sprintf("<@%s>", e.RequestedBy), Inline: true,
		})
	}
	if e.Item.Path != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Source", Value: "cache", Inline: true})
	} else {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Source", Value: "live", Inline: true})
	}

	return &discordgo.MessageEmbed{
		Title:     e.Title(),
		URL:       e.Item.SourceURL,
		Color:     color,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: footer},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// finishedEmbed creates the final embed of a track that is no longer playing.
func finishedEmbed(np app.NowPlaying) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       np.Entry.Title(),
		URL:         np.Entry.Item.SourceURL,
		Description: fmt.Sprintf("Played %s.", FormatClock(np.Elapsed)),
		Color:       embedColorGrey,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Finished"},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func panelButtons(paused bool) []discordgo.MessageComponent {
	toggle := discordgo.Button{Label: "Pause", Style: discordgo.SecondaryButton, CustomID: ButtonPause}
	if paused {
		toggle = discordgo.Button{Label: "Resume", Style: discordgo.SuccessButton, CustomID: ButtonResume}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			toggle,
			discordgo.Button{Label: "Skip", Style: discordgo.PrimaryButton, CustomID: ButtonSkip},
		}},
	}
}

// progress renders "`──●──` 1:02 / 3:30". Tracks of unknown length show the
// elapsed time only.
func progress(elapsed, total time.Duration) string {
	if total <= 0 {
		return FormatClock(elapsed)
	}
	pos := min(int(int64(progressCells)*int64(elapsed)/int64(total)), progressCells-1)
	var b strings.Builder
	b.WriteString("`")
	for i := range progressCells {
		if i == pos {
			b.WriteString("●")
		} else {
			b.WriteString("─")
		}
	}
	b.WriteString("` ")
	b.WriteString(FormatClock(elapsed))
	b.WriteString(" / ")
	b.WriteString(FormatClock(total))
	return b.String()
}

// FormatClock formats a duration as "m:ss" or "h:mm:ss".
func FormatClock(d time.Duration) string {
	d = max(d, 0).Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
