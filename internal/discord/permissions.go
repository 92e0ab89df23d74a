package discord

import (
	"context"
	"log/slog"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/internal/settings"
)

// PermissionChecker decides whether an interaction author may run
// destructive commands (stop, clear, cache maintenance, settings).
type PermissionChecker struct {
	djRoleID string
	settings settings.Store
}

// NewPermissionChecker creates a PermissionChecker. djRoleID is the fallback
// role for guilds without a stored DJ role; store may be nil.
func NewPermissionChecker(djRoleID string, store settings.Store) *PermissionChecker {
	return &PermissionChecker{djRoleID: djRoleID, settings: store}
}

// IsDJ reports whether the interaction author holds the guild's DJ role.
// Members with the Manage Server permission always pass. When no role is
// configured for the guild, everyone passes. Interactions without a Member
// (direct messages) never pass.
func (p *PermissionChecker) IsDJ(ctx context.Context, i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&(discordgo.PermissionManageGuild|discordgo.PermissionAdministrator) != 0 {
		return true
	}
	role := p.roleFor(ctx, i.GuildID)
	if role == "" {
		return true
	}
	return slices.Contains(i.Member.Roles, role)
}

func (p *PermissionChecker) roleFor(ctx context.Context, guildID string) string {
	if p.settings == nil || guildID == "" {
		return p.djRoleID
	}
	s, err := p.settings.Get(ctx, guildID)
	if err != nil {
		slog.Warn("discord: load guild settings", "guild_id", guildID, "err", err)
		return p.djRoleID
	}
	if s.DJRoleID != "" {
		return s.DJRoleID
	}
	return p.djRoleID
}
