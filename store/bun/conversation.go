package bunstore

import (
	"context"
	"fmt"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/conversation"
	"github.com/omnigate/steward/id"
)

// CreateConversation persists a new conversation.
func (s *Store) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	_, err := s.db.NewInsert().Model(toConversationModel(c)).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("steward/bun: create conversation %s: already exists", c.ID)
		}
		return fmt.Errorf("steward/bun: create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, conversationID id.ConversationID) (*conversation.Conversation, error) {
	m := new(conversationModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", conversationID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, steward.ErrConversationNotFound
		}
		return nil, fmt.Errorf("steward/bun: get conversation: %w", err)
	}
	return fromConversationModel(m)
}

// TouchConversation bumps the conversation's last-activity timestamp.
func (s *Store) TouchConversation(ctx context.Context, conversationID id.ConversationID) error {
	res, err := s.db.NewUpdate().Model((*conversationModel)(nil)).
		Set("updated_at = NOW()").
		Where("id = ?", conversationID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("steward/bun: touch conversation: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return steward.ErrConversationNotFound
	}
	return nil
}
