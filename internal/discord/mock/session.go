// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
// It is safe for concurrent use.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// LastContent returns the text of the most recent follow-up, or of the most
// recent response when there is none.
func (m *InteractionResponder) LastContent() string {
	if f := m.LastFollowUp(); f != nil {
		return f.Content
	}
	if r := m.LastResponse(); r != nil && r.Data != nil {
		return r.Data.Content
	}
	return ""
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.FollowUps = nil
	m.Err = nil
}

// Message is one message recorded by [MessageSender].
type Message struct {
	ID        string
	ChannelID string
	Content   string
	Embeds    []*discordgo.MessageEmbed
}

// MessageSender records channel messages and edits.
// It is safe for concurrent use.
type MessageSender struct {
	mu    sync.Mutex
	sent  []Message
	edits []*discordgo.MessageEdit

	// Err is returned by every call when non-nil.
	Err error
}

// ChannelMessageSend records a text message.
func (m *MessageSender) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return m.record(Message{ChannelID: channelID, Content: content})
}

// ChannelMessageSendComplex records a message with embeds.
func (m *MessageSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return m.record(Message{ChannelID: channelID, Content: data.Content, Embeds: data.Embeds})
}

// ChannelMessageEditComplex records an edit.
func (m *MessageSender) ChannelMessageEditComplex(e *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.edits = append(m.edits, e)
	return &discordgo.Message{ID: e.ID, ChannelID: e.Channel}, nil
}

func (m *MessageSender) record(msg Message) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	msg.ID = fmt.Sprintf("msg-%d", len(m.sent)+1)
	m.sent = append(m.sent, msg)
	return &discordgo.Message{ID: msg.ID, ChannelID: msg.ChannelID, Content: msg.Content}, nil
}

// Sent returns a copy of the recorded messages.
func (m *MessageSender) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Edits returns a copy of the recorded edits.
func (m *MessageSender) Edits() []*discordgo.MessageEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.MessageEdit(nil), m.edits...)
}
