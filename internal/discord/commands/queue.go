package commands

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/internal/discord"
	"github.com/MrWong99/cadenza/internal/queue"
)

const (
	// queuePageSize is the number of entries shown per /queue page.
	queuePageSize = 10

	// maxChoices is Discord's limit on autocomplete choices.
	maxChoices = 25
)

// QueueCommands handles /queue, /remove and /clear.
type QueueCommands struct {
	deps Deps
}

// NewQueueCommands creates a QueueCommands.
func NewQueueCommands(deps Deps) *QueueCommands {
	deps.defaults()
	return &QueueCommands{deps: deps}
}

// Register registers the queue commands with the router.
func (qc *QueueCommands) Register(router *discord.CommandRouter) {
	defs := qc.Definitions()
	router.RegisterCommand("queue", defs[0], qc.handleQueue)
	router.RegisterCommand("remove", defs[1], func(r discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(r, i, "Please use a subcommand: `/remove position` or `/remove title`.")
	})
	router.RegisterHandler("remove/position", qc.handleRemovePosition)
	router.RegisterHandler("remove/title", qc.handleRemoveTitle)
	router.RegisterAutocomplete("remove/title", qc.handleTitleAutocomplete)
	router.RegisterCommand("clear", defs[2], qc.handleClear)
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (qc *QueueCommands) Definitions() []*discordgo.ApplicationCommand {
	minPos := 1.0
	return []*discordgo.ApplicationCommand{
		{
			Name:        "queue",
			Description: "Show the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "page",
					Description: "Page to show",
					MinValue:    &minPos,
				},
			},
		},
		{
			Name:        "remove",
			Description: "Remove a track from the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "position",
					Description: "Remove the track at a queue position",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "position",
							Description: "Position as shown by /queue",
							Required:    true,
							MinValue:    &minPos,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "title",
					Description: "Remove the track whose title matches best",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:         discordgo.ApplicationCommandOptionString,
							Name:         "title",
							Description:  "Track title",
							Required:     true,
							Autocomplete: true,
						},
					},
				},
			},
		},
		{Name: "clear", Description: "Remove every queued track"},
	}
}

// handleQueue handles /queue.
func (qc *QueueCommands) handleQueue(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := qc.deps.sessionOrCreate(r, i)
	if !ok {
		return
	}
	np, playing := sess.NowPlaying()
	entries := sess.Queue()
	if !playing && len(entries) == 0 {
		discord.RespondEphemeral(r, i, "The queue is empty.")
		return
	}

	pages := max((len(entries)+queuePageSize-1)/queuePageSize, 1)
	page := min(max(intOption(i, "page", 1), 1), pages)

	var b strings.Builder
	if playing {
		fmt.Fprintf(&b, "**Now playing:** %s\n\n", np.Entry.Title())
	}
	start := (page - 1) * queuePageSize
	for n, e := range entries[start:min(start+queuePageSize, len(entries))] {
		b.WriteString(queueLine(start+n+1, e))
		b.WriteByte('\n')
	}
	if len(entries) == 0 {
		b.WriteString("Nothing queued after this track.")
	}

	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Queue (%d)", len(entries)),
		Description: b.String(),
		Color:       0x3498DB,
		Footer:      &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Page %d/%d", page, pages)},
	})
}

func queueLine(pos int, e queue.Entry) string {
	line := fmt.Sprintf("`%d.` %s", pos, e.Title())
	if d := e.Item.Duration; d > 0 {
		line += " (" + discord.FormatClock(d) + ")"
	}
	if e.Pending() {
		line += " *(not fetched yet)*"
	}
	if e.RequestedBy != "" {
		line += fmt.Sprintf(" <@%s>", e.RequestedBy)
	}
	return line
}

// handleRemovePosition handles /remove position.
func (qc *QueueCommands) handleRemovePosition(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := qc.deps.session(r, i)
	if !ok {
		return
	}
	e, err := sess.Remove(intOption(i, "position", 0))
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Removed **%s**.", e.Title()))
}

// handleRemoveTitle handles /remove title.
func (qc *QueueCommands) handleRemoveTitle(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := qc.deps.session(r, i)
	if !ok {
		return
	}
	e, err := sess.RemoveTitle(stringOption(i, "title"))
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Removed **%s**.", e.Title()))
}

// handleTitleAutocomplete suggests queued titles containing the typed text.
func (qc *QueueCommands) handleTitleAutocomplete(r discord.Responder, i *discordgo.InteractionCreate) {
	var partial string
	if opt := focusedOption(i); opt != nil {
		s, _ := opt.Value.(string)
		partial = strings.ToLower(s)
	}
	sess, ok := qc.deps.Sessions.Get(i.GuildID)
	if !ok {
		discord.RespondChoices(r, i, nil)
		return
	}

	var choices []*discordgo.ApplicationCommandOptionChoice
	seen := make(map[string]bool)
	for _, e := range sess.Queue() {
		title := e.Title()
		if seen[title] || !strings.Contains(strings.ToLower(title), partial) {
			continue
		}
		seen[title] = true
		// Choice names are limited to 100 characters.
		name := title
		if len([]rune(name)) > 100 {
			name = string([]rune(name)[:100])
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: title})
		if len(choices) == maxChoices {
			break
		}
	}
	discord.RespondChoices(r, i, choices)
}

// handleClear handles /clear.
func (qc *QueueCommands) handleClear(r discord.Responder, i *discordgo.InteractionCreate) {
	if !qc.deps.requireDJ(r, i) {
		return
	}
	sess, ok := qc.deps.session(r, i)
	if !ok {
		return
	}
	n := sess.Clear()
	discord.Respond(r, i, fmt.Sprintf("Cleared %d %s.", n, plural(n, "track", "tracks")))
}
