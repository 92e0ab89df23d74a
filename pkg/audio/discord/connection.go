package discord

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

const (
	// outputChannelBuffer holds a few frames so that the player and the send
	// loop do not run in lockstep.
	outputChannelBuffer = 8

	// speakingHold is how long the connection keeps signalling speaking
	// after the last frame.
	speakingHold = 250 * time.Millisecond
)

// Connection wraps a discordgo.VoiceConnection and adapts it to
// [audio.Connection]. It encodes outgoing PCM frames to Opus and sends them
// on vc.OpusSend, blocking when Discord is not ready for more.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string

	output chan audio.AudioFrame

	bitrate atomic.Int32 // pending change, 0 when none

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC tears down the voice connection. Overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts its send loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, bitrate int) (*Connection, error) {
	enc, err := newOpusEncoder(bitrate)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		output:       make(chan audio.AudioFrame, outputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	go c.sendLoop(enc)
	return c, nil
}

// ChannelID returns the voice channel ID.
func (c *Connection) ChannelID() string { return c.vc.ChannelID }

// OutputStream returns the write-only channel for PCM output.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// SetBitrate changes the Opus bitrate. It takes effect on the next frame.
func (c *Connection) SetBitrate(bps int) error {
	if err := validBitrate(bps); err != nil {
		return err
	}
	c.bitrate.Store(int32(bps))
	return nil
}

// OnParticipantChange registers cb as the callback for participant events.
// Only one callback may be registered; later calls replace it.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the voice channel and stops the send loop. It is safe to
// call more than once; later calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		// Release a writer blocked on the output channel.
		go func() {
			for {
				select {
				case <-c.output:
				case <-time.After(time.Second):
					return
				}
			}
		}()
	})
	return err
}

// sendLoop reads PCM frames from the output channel, cuts them into exact
// Opus frames, encodes them and hands them to Discord.
func (c *Connection) sendLoop(enc *opusEncoder) {
	const opusFrameBytes = audio.FrameBytes

	speaking := false
	hold := time.NewTimer(speakingHold)
	hold.Stop()
	defer hold.Stop()

	var buf []byte
	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case <-hold.C:
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
		case frame := <-c.output:
			if bps := c.bitrate.Swap(0); bps > 0 {
				enc.setBitrate(int(bps))
			}
			if frame.SampleRate != 0 && (frame.SampleRate != opusSampleRate || frame.Channels != opusChannels) {
				slog.Warn("discord: dropping frame in unsupported format",
					"sample_rate", frame.SampleRate, "channels", frame.Channels)
				continue
			}
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			hold.Reset(speakingHold)

			buf = append(buf, frame.Data...)
			for len(buf) >= opusFrameBytes {
				opus, err := enc.encode(buf[:opusFrameBytes])
				buf = buf[opusFrameBytes:]
				if err != nil {
					slog.Warn("discord: opus encode error", "error", err)
					continue
				}
				select {
				case c.vc.OpusSend <- opus:
				case <-c.done:
					return
				}
			}
			if len(buf) == 0 {
				buf = nil
			}
		}
	}
}

// handleVoiceStateUpdate turns VoiceStateUpdate events for this guild into
// participant events, and detects the bot being removed from the channel.
func (c *Connection) handleVoiceStateUpdate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || c.closing.Load() {
		return
	}
	channelID := c.vc.ChannelID

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	if s != nil && s.State != nil && s.State.User != nil && vsu.UserID == s.State.User.ID {
		if vsu.ChannelID == "" {
			c.emitEvent(audio.Event{Type: audio.EventDropped, UserID: vsu.UserID, Username: username})
		}
		return
	}

	switch {
	case vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID:
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
	case vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID):
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// emitEvent invokes the registered callback on its own goroutine.
func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
