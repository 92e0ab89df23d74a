// Package commands implements the cadenza slash commands: playback control,
// the queue, cache maintenance and guild settings.
package commands

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/discord"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/settings"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultPlayTimeout = 10 * time.Minute
)

// VoiceLocator returns the voice channel of userID in guildID, or "".
type VoiceLocator func(guildID, userID string) string

// Deps holds what the command groups share.
type Deps struct {
	Sessions *app.SessionManager
	Settings settings.Store
	Perms    *discord.PermissionChecker
	Voice    VoiceLocator

	// Announcer learns the channel of each /play. May be nil.
	Announcer *discord.Announcer

	// Timeout bounds ordinary commands. Default: 30s.
	Timeout time.Duration

	// PlayTimeout bounds /play, which may download. Default: 10m.
	PlayTimeout time.Duration
}

func (d *Deps) defaults() {
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.PlayTimeout <= 0 {
		d.PlayTimeout = defaultPlayTimeout
	}
	if d.Voice == nil {
		d.Voice = func(string, string) string { return "" }
	}
	if d.Settings == nil {
		d.Settings = settings.NewMemStore()
	}
	if d.Perms == nil {
		d.Perms = discord.NewPermissionChecker("", d.Settings)
	}
}

// RegisterAll registers every command group with router.
func RegisterAll(router *discord.CommandRouter, deps Deps) {
	deps.defaults()
	NewPlayerCommands(deps).Register(router)
	NewQueueCommands(deps).Register(router)
	NewCacheCommands(deps).Register(router)
	NewSettingsCommands(deps).Register(router)
}

// guildContext returns a context tagged with the interaction's guild.
func guildContext(i *discordgo.InteractionCreate, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := observe.WithGuild(context.Background(), i.GuildID)
	return context.WithTimeout(ctx, timeout)
}

// session returns the guild's session without creating one.
func (d *Deps) session(r discord.Responder, i *discordgo.InteractionCreate) (*app.GuildSession, bool) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "This command only works in a server.")
		return nil, false
	}
	s, ok := d.Sessions.Get(i.GuildID)
	if !ok {
		discord.RespondError(r, i, app.ErrNothingPlaying)
		return nil, false
	}
	return s, true
}

// sessionOrCreate returns the guild's session, creating it on first use.
func (d *Deps) sessionOrCreate(r discord.Responder, i *discordgo.InteractionCreate) (*app.GuildSession, bool) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "This command only works in a server.")
		return nil, false
	}
	s, err := d.Sessions.GetOrCreate(i.GuildID)
	if err != nil {
		discord.RespondError(r, i, err)
		return nil, false
	}
	return s, true
}

// requireDJ answers and returns false when the author lacks the DJ role.
func (d *Deps) requireDJ(r discord.Responder, i *discordgo.InteractionCreate) bool {
	ctx, cancel := guildContext(i, d.Timeout)
	defer cancel()
	if d.Perms.IsDJ(ctx, i) {
		return true
	}
	discord.RespondEphemeral(r, i, "You need the DJ role for that.")
	return false
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// options returns the options of the invoked subcommand, or of the command
// itself when it has none.
func options(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Options[0].Options
	}
	return data.Options
}

func findOption(i *discordgo.InteractionCreate, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, opt := range options(i) {
		if opt.Name == name {
			return opt
		}
	}
	return nil
}

// stringOption returns a string, user, role or channel option as its raw
// value, or "".
func stringOption(i *discordgo.InteractionCreate, name string) string {
	opt := findOption(i, name)
	if opt == nil {
		return ""
	}
	s, _ := opt.Value.(string)
	return s
}

// intOption returns an integer option, or def when it is absent.
func intOption(i *discordgo.InteractionCreate, name string, def int) int {
	opt := findOption(i, name)
	if opt == nil {
		return def
	}
	switch v := opt.Value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// focusedOption returns the option being typed in an autocomplete
// interaction.
func focusedOption(i *discordgo.InteractionCreate) *discordgo.ApplicationCommandInteractionDataOption {
	for _, opt := range options(i) {
		if opt.Focused {
			return opt
		}
	}
	return nil
}
