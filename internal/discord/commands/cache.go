package commands

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/MrWong99/cadenza/internal/discord"
)

// cacheListLimit caps the titles shown by /cache list.
const cacheListLimit = 20

// CacheCommands handles the /cache command group.
type CacheCommands struct {
	deps Deps
}

// NewCacheCommands creates a CacheCommands.
func NewCacheCommands(deps Deps) *CacheCommands {
	deps.defaults()
	return &CacheCommands{deps: deps}
}

// Register registers the /cache command group with the router.
func (cc *CacheCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("cache", cc.Definition(), func(r discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(r, i, "Please use a subcommand: `/cache info`, `/cache list`, `/cache prune` or `/cache clear`.")
	})
	router.RegisterHandler("cache/info", cc.handleInfo)
	router.RegisterHandler("cache/list", cc.handleList)
	router.RegisterHandler("cache/prune", cc.handlePrune)
	router.RegisterHandler("cache/clear", cc.handleClear)
}

// Definition returns the ApplicationCommand definition for Discord.
func (cc *CacheCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "cache",
		Description: "Inspect and maintain this server's track cache",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "info",
				Description: "Show cache usage",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List cached titles",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "prune",
				Description: "Evict the least recently played tracks down to the low watermark",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "clear",
				Description: "Delete every cached track that is not in use",
			},
		},
	}
}

// handleInfo handles /cache info.
func (cc *CacheCommands) handleInfo(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := cc.deps.sessionOrCreate(r, i)
	if !ok {
		return
	}
	st, err := sess.Cache().Stats()
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}

	budget := "unlimited"
	if st.MaxBytes > 0 {
		budget = fmt.Sprintf("%s (%.0f%% used)", humanize.IBytes(uint64(st.MaxBytes)),
			100*float64(st.Bytes)/float64(st.MaxBytes))
	}
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title: "Cache",
		Color: 0x3498DB,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tracks", Value: humanize.Comma(int64(st.Entries)), Inline: true},
			{Name: "Size", Value: humanize.IBytes(uint64(max(st.Bytes, 0))), Inline: true},
			{Name: "Budget", Value: budget, Inline: true},
			{Name: "Downloading", Value: humanize.Comma(int64(st.InFlight)), Inline: true},
		},
	})
}

// handleList handles /cache list.
func (cc *CacheCommands) handleList(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, ok := cc.deps.sessionOrCreate(r, i)
	if !ok {
		return
	}
	titles := sess.Cache().Titles()
	if len(titles) == 0 {
		discord.RespondEphemeral(r, i, "The cache is empty.")
		return
	}
	var b strings.Builder
	for _, t := range titles[:min(len(titles), cacheListLimit)] {
		b.WriteString("• ")
		b.WriteString(t)
		b.WriteByte('\n')
	}
	if extra := len(titles) - cacheListLimit; extra > 0 {
		fmt.Fprintf(&b, "…and %d more.", extra)
	}
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Cached tracks (%d)", len(titles)),
		Description: b.String(),
		Color:       0x3498DB,
	})
}

// handlePrune handles /cache prune.
func (cc *CacheCommands) handlePrune(r discord.Responder, i *discordgo.InteractionCreate) {
	if !cc.deps.requireDJ(r, i) {
		return
	}
	sess, ok := cc.deps.sessionOrCreate(r, i)
	if !ok {
		return
	}
	n, err := sess.Cache().Prune(true)
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEphemeral(r, i, fmt.Sprintf("Evicted %d %s.", n, plural(n, "track", "tracks")))
}

// handleClear handles /cache clear.
func (cc *CacheCommands) handleClear(r discord.Responder, i *discordgo.InteractionCreate) {
	if !cc.deps.requireDJ(r, i) {
		return
	}
	sess, ok := cc.deps.sessionOrCreate(r, i)
	if !ok {
		return
	}
	n, err := sess.Cache().Clear()
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEphemeral(r, i, fmt.Sprintf("Deleted %d cached %s.", n, plural(n, "track", "tracks")))
}
