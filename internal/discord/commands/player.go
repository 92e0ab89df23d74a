package commands

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/discord"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/pkg/media"
)

// PlayerCommands handles /play, /skip, /pause, /resume, /stop, /nowplaying
// and the buttons of the now-playing panel.
type PlayerCommands struct {
	deps Deps
}

// NewPlayerCommands creates a PlayerCommands.
func NewPlayerCommands(deps Deps) *PlayerCommands {
	deps.defaults()
	return &PlayerCommands{deps: deps}
}

// Register registers the playback commands and panel buttons with the router.
func (pc *PlayerCommands) Register(router *discord.CommandRouter) {
	for _, def := range pc.Definitions() {
		switch def.Name {
		case "play":
			router.RegisterCommand("play", def, pc.handlePlay)
		case "skip":
			router.RegisterCommand("skip", def, pc.handleSkip)
		case "pause":
			router.RegisterCommand("pause", def, pc.handlePause)
		case "resume":
			router.RegisterCommand("resume", def, pc.handleResume)
		case "stop":
			router.RegisterCommand("stop", def, pc.handleStop)
		case "nowplaying":
			router.RegisterCommand("nowplaying", def, pc.handleNowPlaying)
		}
	}
	router.RegisterComponent(discord.ButtonSkip, pc.handleSkip)
	router.RegisterComponent(discord.ButtonPause, pc.handlePause)
	router.RegisterComponent(discord.ButtonResume, pc.handleResume)
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (pc *PlayerCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "play",
			Description: "Play a link or search result in your voice channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "query",
					Description: "A link, playlist or search terms",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "mode",
					Description: "Wait for the download or start streaming right away",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "consistent", Value: resolve.Consistent.String()},
						{Name: "fast", Value: resolve.Fast.String()},
					},
				},
			},
		},
		{Name: "skip", Description: "Skip the current track"},
		{Name: "pause", Description: "Pause playback"},
		{Name: "resume", Description: "Resume playback"},
		{Name: "stop", Description: "Stop playback, clear the queue and leave voice"},
		{Name: "nowplaying", Description: "Show the current track"},
	}
}

// handlePlay handles /play.
func (pc *PlayerCommands) handlePlay(r discord.Responder, i *discordgo.InteractionCreate) {
	query := strings.TrimSpace(stringOption(i, "query"))
	if query == "" {
		discord.RespondEphemeral(r, i, "Tell me what to play.")
		return
	}
	var mode *resolve.Mode
	if m := stringOption(i, "mode"); m != "" {
		parsed, err := resolve.ParseMode(m)
		if err != nil {
			discord.RespondEphemeral(r, i, fmt.Sprintf("Unknown mode %q.", m))
			return
		}
		mode = &parsed
	}

	sess, ok := pc.deps.sessionOrCreate(r, i)
	if !ok {
		return
	}
	userID := interactionUserID(i)
	channel := pc.deps.Voice(i.GuildID, userID)
	if channel == "" && sess.ChannelID() == "" {
		discord.RespondEphemeral(r, i, "Join a voice channel first.")
		return
	}
	if pc.deps.Announcer != nil {
		pc.deps.Announcer.RememberChannel(i.GuildID, i.ChannelID)
	}

	// Resolution may download for minutes.
	discord.DeferReply(r, i, false)

	ctx, cancel := guildContext(i, pc.deps.PlayTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		skipped []string
	)
	res, err := sess.Play(ctx, app.PlayRequest{
		Query:       query,
		ChannelID:   channel,
		RequestedBy: userID,
		Mode:        mode,
		Callbacks: resolve.Callbacks{
			OnLargeDownload: func(d media.Descriptor, size int64) {
				discord.FollowUp(r, i, fmt.Sprintf("Downloading **%s** (%s), this may take a while.",
					d.Title, humanize.IBytes(uint64(size))))
			},
			OnUnavailable: func(d media.Descriptor, err error) {
				observe.Logger(ctx).Info("playlist item unavailable", "title", d.Title, "err", err)
				mu.Lock()
				skipped = append(skipped, d.Title)
				mu.Unlock()
			},
		},
	})
	if err != nil {
		discord.FollowUpError(r, i, err)
		return
	}

	mu.Lock()
	defer mu.Unlock()
	discord.FollowUp(r, i, playSummary(res, skipped))
}

// playSummary describes what /play queued.
func playSummary(res app.PlayResult, skipped []string) string {
	var b strings.Builder
	switch {
	case res.Playlist != "" || len(res.Entries) > 1:
		name := res.Playlist
		if name == "" {
			name = "the playlist"
		} else {
			name = "**" + name + "**"
		}
		fmt.Fprintf(&b, "Queued %d tracks from %s.", len(res.Entries), name)
	case len(res.Entries) == 1:
		e := res.Entries[0]
		title := "**" + e.Title() + "**"
		if d := e.Item.Duration; d > 0 {
			title += " (" + discord.FormatClock(d) + ")"
		}
		if res.Position == 0 {
			fmt.Fprintf(&b, "Now playing %s.", title)
		} else {
			fmt.Fprintf(&b, "Queued %s at position %d.", title, res.Position)
		}
		if e.Item.Path == "" && e.Item.Stream != nil {
			b.WriteString(" Streaming while it downloads.")
		}
	}
	if n := len(skipped); n > 0 {
		fmt.Fprintf(&b, " Skipped %d unavailable %s.", n, plural(n, "track", "tracks"))
	}
	return b.String()
}

// handleSkip handles /skip and the panel's skip button.
func (pc *PlayerCommands) handleSkip(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := pc.deps.session(r, i)
	if !ok {
		return
	}
	e, err := sess.Skip()
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Skipped **%s**.", e.Title()))
}

// handlePause handles /pause and the panel's pause button.
func (pc *PlayerCommands) handlePause(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := pc.deps.session(r, i)
	if !ok {
		return
	}
	if err := sess.Pause(); err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEphemeral(r, i, "Paused.")
}

// handleResume handles /resume and the panel's resume button.
func (pc *PlayerCommands) handleResume(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := pc.deps.session(r, i)
	if !ok {
		return
	}
	if err := sess.Resume(); err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEphemeral(r, i, "Resumed.")
}

// handleStop handles /stop.
func (pc *PlayerCommands) handleStop(r discord.Responder, i *discordgo.InteractionCreate) {
	if !pc.deps.requireDJ(r, i) {
		return
	}
	sess, ok := pc.deps.session(r, i)
	if !ok {
		return
	}
	n := sess.Stop()
	discord.Respond(r, i, fmt.Sprintf("Stopped. Cleared %d queued %s.", n, plural(n, "track", "tracks")))
}

// handleNowPlaying handles /nowplaying.
func (pc *PlayerCommands) handleNowPlaying(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := pc.deps.session(r, i)
	if !ok {
		return
	}
	np, ok := sess.NowPlaying()
	if !ok {
		discord.RespondError(r, i, app.ErrNothingPlaying)
		return
	}
	discord.RespondEmbed(r, i, discord.NowPlayingEmbed(np))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
