// ABOUTME: Canonical message envelopes passed between adapters, queue, and agent runtime
// ABOUTME: ConversationEnvelope is the inbound unit of work, ReplyEnvelope the turn output

package envelope

import (
	"time"

	"github.com/google/uuid"
)

// ConversationEnvelope is one inbound unit of work. Adapters and the job
// scheduler create envelopes; the conversation queue consumes each exactly
// once. Envelopes are immutable after construction.
type ConversationEnvelope struct {
	ID              string
	Channel         string
	ConversationKey string
	// ChatID is the platform chat the turn's output goes to. When empty,
	// adapters derive it from ConversationKey.
	ChatID     string
	SenderID   string
	ThreadID   string
	Text       string
	ReceivedAt time.Time
	Metadata   map[string]string
}

// ReplyEnvelope is the output of one agent turn, handed to either the
// channel registry or the draft workflow.
type ReplyEnvelope struct {
	InReplyTo       string
	Channel         string
	ConversationKey string
	// ChatID is the explicit delivery chat; empty means derive from
	// ConversationKey. Scheduled jobs with isolated sessions need this,
	// since their conversation key carries no chat.
	ChatID      string
	ThreadID    string
	Text        string
	ResumeToken string
}

// Key builds the default conversation key for a channel/chat pair.
func Key(channel, chatID string) string {
	return channel + ":" + chatID
}

// NewInbound creates an envelope with a fresh ID and the default
// conversation key. ReceivedAt is set to the current time.
func NewInbound(channel, chatID, senderID, text string) *ConversationEnvelope {
	return &ConversationEnvelope{
		ID:              uuid.New().String(),
		Channel:         channel,
		ConversationKey: Key(channel, chatID),
		ChatID:          chatID,
		SenderID:        senderID,
		Text:            text,
		ReceivedAt:      time.Now(),
	}
}

// ChatID extracts the chat identifier from a conversation key of the form
// "channel:chatID". Returns the full key if it has no channel prefix.
func ChatID(conversationKey string) string {
	for i := 0; i < len(conversationKey); i++ {
		if conversationKey[i] == ':' {
			return conversationKey[i+1:]
		}
	}
	return conversationKey
}
