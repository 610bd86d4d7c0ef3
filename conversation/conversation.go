// Package conversation defines the conversation record. The session state
// blob is owned by the downstream provider integration; this core only
// touches the last-activity timestamp on successful task completion.
package conversation

import (
	"context"
	"encoding/json"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/id"
)

// Conversation is a chat session. SessionState is opaque to the
// coordination core.
type Conversation struct {
	steward.Entity

	ID           id.ConversationID `json:"id"`
	Title        string            `json:"title,omitempty"`
	SessionState json.RawMessage   `json:"session_state,omitempty"`
}

// Store defines the persistence contract for conversations.
type Store interface {
	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, c *Conversation) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, convID id.ConversationID) (*Conversation, error)

	// TouchConversation bumps the conversation's last-activity timestamp.
	TouchConversation(ctx context.Context, convID id.ConversationID) error
}
