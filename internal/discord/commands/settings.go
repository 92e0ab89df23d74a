package commands

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/internal/discord"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/settings"
)

// modeDefault resets the guild mode to the process default.
const modeDefault = "default"

// SettingsCommands handles the /settings command group.
type SettingsCommands struct {
	deps Deps
}

// NewSettingsCommands creates a SettingsCommands.
func NewSettingsCommands(deps Deps) *SettingsCommands {
	deps.defaults()
	return &SettingsCommands{deps: deps}
}

// Register registers the /settings command group with the router.
func (sc *SettingsCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("settings", sc.Definition(), func(r discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(r, i, "Please use a subcommand: `/settings show`, `/settings mode`, `/settings djrole` or `/settings announce`.")
	})
	router.RegisterHandler("settings/show", sc.handleShow)
	router.RegisterHandler("settings/mode", sc.handleMode)
	router.RegisterHandler("settings/djrole", sc.handleDJRole)
	router.RegisterHandler("settings/announce", sc.handleAnnounce)
}

// Definition returns the ApplicationCommand definition for Discord.
func (sc *SettingsCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "settings",
		Description: "Configure the bot for this server",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "show",
				Description: "Show the current settings",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "mode",
				Description: "Set the default playback mode",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "mode",
						Description: "consistent waits for downloads, fast streams right away",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "consistent", Value: resolve.Consistent.String()},
							{Name: "fast", Value: resolve.Fast.String()},
							{Name: "server default", Value: modeDefault},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "djrole",
				Description: "Set the role allowed to stop, clear and maintain the cache",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        "role",
						Description: "Leave empty to allow everyone",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "announce",
				Description: "Set the channel for now-playing messages",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "channel",
						Description:  "Leave empty to answer where /play was used",
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
					},
				},
			},
		},
	}
}

// handleShow handles /settings show.
func (sc *SettingsCommands) handleShow(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "This command only works in a server.")
		return
	}
	ctx, cancel := guildContext(i, sc.deps.Timeout)
	defer cancel()
	s, err := sc.deps.Settings.Get(ctx, i.GuildID)
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}

	mode := s.Mode
	if mode == "" {
		mode = fmt.Sprintf("server default (%s)", sc.deps.Sessions.Tunables().DefaultMode())
	}
	role, channel := "everyone", "where /play was used"
	if s.DJRoleID != "" {
		role = fmt.Sprintf("<@&%s>", s.DJRoleID)
	}
	if s.AnnounceChannelID != "" {
		channel = fmt.Sprintf("<#%s>", s.AnnounceChannelID)
	}
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title: "Settings",
		Color: 0x3498DB,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Mode", Value: mode, Inline: true},
			{Name: "DJ role", Value: role, Inline: true},
			{Name: "Announcements", Value: channel, Inline: true},
		},
	})
}

// handleMode handles /settings mode.
func (sc *SettingsCommands) handleMode(r discord.Responder, i *discordgo.InteractionCreate) {
	mode := stringOption(i, "mode")
	if mode == modeDefault {
		mode = ""
	}
	sc.update(r, i, func(s *settings.Settings) { s.Mode = mode }, func() string {
		if mode == "" {
			return "Playback mode reset to the server default."
		}
		return fmt.Sprintf("Playback mode set to **%s**.", mode)
	})
}

// handleDJRole handles /settings djrole.
func (sc *SettingsCommands) handleDJRole(r discord.Responder, i *discordgo.InteractionCreate) {
	role := stringOption(i, "role")
	sc.update(r, i, func(s *settings.Settings) { s.DJRoleID = role }, func() string {
		if role == "" {
			return "Everyone may now stop and clear playback."
		}
		return fmt.Sprintf("DJ role set to <@&%s>.", role)
	})
}

// handleAnnounce handles /settings announce.
func (sc *SettingsCommands) handleAnnounce(r discord.Responder, i *discordgo.InteractionCreate) {
	channel := stringOption(i, "channel")
	sc.update(r, i, func(s *settings.Settings) { s.AnnounceChannelID = channel }, func() string {
		if channel == "" {
			return "Now-playing messages go to the channel where /play was used."
		}
		return fmt.Sprintf("Now-playing messages go to <#%s>.", channel)
	})
}

// update applies change to the stored settings of the interaction's guild
// and answers with done() on success.
func (sc *SettingsCommands) update(r discord.Responder, i *discordgo.InteractionCreate, change func(*settings.Settings), done func() string) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "This command only works in a server.")
		return
	}
	if !sc.deps.requireDJ(r, i) {
		return
	}
	ctx, cancel := guildContext(i, sc.deps.Timeout)
	defer cancel()

	s, err := sc.deps.Settings.Get(ctx, i.GuildID)
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	change(&s)
	if err := sc.deps.Settings.Put(ctx, s); err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEphemeral(r, i, done())
}
