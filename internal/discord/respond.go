package discord

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/queue"
	"github.com/MrWong99/cadenza/internal/settings"
	"github.com/MrWong99/cadenza/pkg/media"
	"github.com/MrWong99/cadenza/pkg/source"
)

// Responder is the part of *discordgo.Session used to answer interactions.
type Responder interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Responder = (*discordgo.Session)(nil)

// RespondEphemeral sends an ephemeral text response to an interaction.
func RespondEphemeral(r Responder, i *discordgo.InteractionCreate, content string) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Warn("discord: failed to send ephemeral response", "err", err)
	}
}

// Respond sends a text response that the whole channel can see.
func Respond(r Responder, i *discordgo.InteractionCreate, content string) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
	if err != nil {
		slog.Warn("discord: failed to send response", "err", err)
	}
}

// RespondEmbed sends an ephemeral embed response to an interaction.
func RespondEmbed(r Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Warn("discord: failed to send embed response", "err", err)
	}
}

// RespondError answers with the user-facing message for err. The full error
// is logged.
func RespondError(r Responder, i *discordgo.InteractionCreate, err error) {
	slog.Info("discord: command failed", "guild_id", i.GuildID, "err", err)
	RespondEphemeral(r, i, UserMessage(err))
}

// DeferReply sends a deferred response (for long-running commands). The
// follow-ups are visible to the channel unless ephemeral is set.
func DeferReply(r Responder, i *discordgo.InteractionCreate, ephemeral bool) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	})
	if err != nil {
		slog.Warn("discord: failed to defer reply", "err", err)
	}
}

// FollowUp sends a follow-up message after a deferred response.
func FollowUp(r Responder, i *discordgo.InteractionCreate, content string) {
	_, err := r.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
	})
	if err != nil {
		slog.Warn("discord: failed to send follow-up", "err", err)
	}
}

// FollowUpError sends the user-facing message for err as an ephemeral
// follow-up.
func FollowUpError(r Responder, i *discordgo.InteractionCreate, err error) {
	slog.Info("discord: command failed", "guild_id", i.GuildID, "err", err)
	_, ferr := r.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: UserMessage(err),
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if ferr != nil {
		slog.Warn("discord: failed to send error follow-up", "err", ferr)
	}
}

// FollowUpEmbed sends an embed follow-up message after a deferred response.
func FollowUpEmbed(r Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	_, err := r.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	})
	if err != nil {
		slog.Warn("discord: failed to send embed follow-up", "err", err)
	}
}

// UserMessage maps an error to the message shown in Discord. Each error kind
// of the pipeline gets its own wording; unknown errors get a generic one.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, media.ErrUnsupportedReference):
		return "I don't know how to play that. Try a link from a supported site or a search term."
	case errors.Is(err, source.ErrNoResults):
		return "The search returned no results."
	case errors.Is(err, media.ErrUnavailable):
		return "That track is unavailable. It may be private, removed or region locked."
	case errors.Is(err, media.ErrDownloadFailed):
		return "The download failed. Please try again in a moment."
	case errors.Is(err, media.ErrCacheWriteFailed):
		return "The track could not be stored on disk."
	case errors.Is(err, media.ErrNotFound):
		return "That item is no longer in the cache."
	case errors.Is(err, app.ErrNotConnected):
		return "I'm not in a voice channel. Join one and use /play."
	case errors.Is(err, app.ErrNothingPlaying):
		return "Nothing is playing."
	case errors.Is(err, app.ErrClosed), errors.Is(err, app.ErrManagerClosed):
		return "The player is shutting down."
	case errors.Is(err, queue.ErrNoEntry):
		return "There is no such entry in the queue."
	case errors.Is(err, queue.ErrQueueEmpty):
		return "The queue is empty."
	case errors.Is(err, settings.ErrInvalid):
		return "Those settings are not valid."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long. Please try again."
	default:
		return "Something went wrong."
	}
}
