// Package audio defines the voice transport the player streams into.
//
// The two abstractions are:
//
//   - [Platform] joins a voice channel of a guild and returns a [Connection].
//   - [Connection] accepts 20 ms PCM frames, encodes and sends them, and
//     reports participant changes on the channel.
//
// Implementations live in adapter packages such as audio/discord. The
// interfaces are narrow so that the player can be tested against
// audio/mock.
package audio

import (
	"context"
)

// Output format expected by every [Connection].
const (
	SampleRate = 48000
	Channels   = 2

	// FrameBytes is one 20 ms frame: 960 samples per channel, two channels,
	// two bytes per sample.
	FrameBytes = 960 * Channels * 2
)

// EventType classifies events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave

	// EventDropped is emitted when the bot itself was disconnected from the
	// channel by the platform or a moderator.
	EventDropped
)

// String returns the name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventDropped:
		return "DROPPED"
	default:
		return "UNKNOWN"
	}
}

// Event describes a change on a voice channel.
type Event struct {
	Type EventType

	// UserID is the platform identifier of the participant. For EventDropped
	// it is the bot's own ID.
	UserID string

	// Username is the display name, if known.
	Username string
}

// Connection is an active session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ChannelID returns the voice channel the connection is on.
	ChannelID() string

	// OutputStream returns the channel frames are written to. Frames must be
	// 48 kHz stereo s16le; Data may have any length, it is re-framed
	// internally. Sends block while the transport is busy, which is how
	// playback is paced. The channel is never closed by the connection;
	// after Disconnect writes are discarded.
	OutputStream() chan<- AudioFrame

	// SetBitrate sets the encoder bitrate in bits per second.
	SetBitrate(bps int) error

	// OnParticipantChange registers cb for participant events, replacing any
	// previous callback. cb runs on its own goroutine.
	OnParticipantChange(cb func(Event))

	// Disconnect leaves the channel. It is safe to call more than once;
	// later calls return nil.
	Disconnect() error
}

// Platform connects to voice channels.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID. ctx bounds the join only.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
