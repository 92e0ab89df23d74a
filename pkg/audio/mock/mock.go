// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on them, and expose fields that control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection("voice-1")
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "guild-1", "voice-1")
//	frames := conn.Frames() // everything the player sent
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadenza/pkg/audio"
)

// Connection is a mock [audio.Connection]. Frames written to its output
// stream are collected and can be read with [Connection.Frames].
type Connection struct {
	mu sync.Mutex

	// Channel is returned by ChannelID.
	Channel string

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// BitrateError is returned by SetBitrate.
	BitrateError error

	// Gate, when non-nil, makes the collector wait for a value on it before
	// accepting each frame, to simulate a slow transport.
	Gate chan struct{}

	output    chan audio.AudioFrame
	frames    []audio.AudioFrame
	bytes     int
	bitrates  []int
	callbacks []func(audio.Event)

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	received chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewConnection returns a collecting Connection on channel.
func NewConnection(channel string) *Connection {
	return NewGatedConnection(channel, nil)
}

// NewGatedConnection returns a collecting Connection whose collector takes
// one value from gate before accepting each frame. Closing gate ungates it.
func NewGatedConnection(channel string, gate chan struct{}) *Connection {
	c := &Connection{
		Channel:  channel,
		Gate:     gate,
		output:   make(chan audio.AudioFrame),
		received: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go c.collect()
	return c
}

func (c *Connection) collect() {
	for {
		c.mu.Lock()
		gate := c.Gate
		c.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-c.stop:
				return
			}
		}
		select {
		case f := <-c.output:
			c.mu.Lock()
			c.frames = append(c.frames, f)
			c.bytes += len(f.Data)
			c.mu.Unlock()
			select {
			case c.received <- struct{}{}:
			default:
			}
		case <-c.stop:
			return
		}
	}
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Channel
}

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// SetBitrate implements [audio.Connection].
func (c *Connection) SetBitrate(bps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bitrates = append(c.bitrates, bps)
	return c.BitrateError
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Disconnect implements [audio.Connection]. It stops collecting frames;
// later writes to the output stream block.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.CallCountDisconnect++
	err := c.DisconnectError
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })
	return err
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// EmitEvent calls the most recently registered callback with ev.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	var cb func(audio.Event)
	if n := len(c.callbacks); n > 0 {
		cb = c.callbacks[n-1]
	}
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Frames returns a copy of the frames received so far.
func (c *Connection) Frames() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.AudioFrame(nil), c.frames...)
}

// Bytes returns the total PCM bytes received.
func (c *Connection) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Bitrates returns the values passed to SetBitrate.
func (c *Connection) Bitrates() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.bitrates...)
}

// Received signals, coalesced, that a frame arrived.
func (c *Connection) Received() <-chan struct{} { return c.received }

// ConnectCall records the arguments of one [Platform.Connect] call.
type ConnectCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect. When nil, a new collecting
	// Connection is created per call.
	ConnectResult audio.Connection

	// ConnectError is returned by Connect.
	ConnectError error

	// Gate is handed to every Connection created by Connect. See
	// [NewGatedConnection].
	Gate chan struct{}

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	conns []*Connection
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	if p.ConnectResult != nil {
		return p.ConnectResult, nil
	}
	c := NewGatedConnection(channelID, p.Gate)
	p.conns = append(p.conns, c)
	return c, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Connections returns the connections created by Connect, oldest first.
func (p *Platform) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Connection(nil), p.conns...)
}
