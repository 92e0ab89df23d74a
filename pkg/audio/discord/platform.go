// Package discord provides an [audio.Platform] backed by Discord voice
// channels through bwmarrin/discordgo. It encodes the player's PCM frames to
// Opus and paces them on the voice connection's send channel.
//
// The platform shares the bot's *discordgo.Session and serves every guild
// the bot is in; each [Platform.Connect] joins one channel of one guild.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	bitrate int
}

// New creates a Platform on session. bitrate is the initial encoder bitrate
// in bits per second; zero keeps the encoder default.
func New(session *discordgo.Session, bitrate int) *Platform {
	return &Platform{session: session, bitrate: bitrate}
}

// Connect joins channelID in guildID and returns an active [audio.Connection].
// The bot joins deafened since it never receives audio.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	conn, err := newConnection(vc, p.session, guildID, p.bitrate)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}
