package bunstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/node"
	"github.com/omnigate/steward/route"
)

// GetRoute retrieves the sticky binding for (conversation, slot).
func (s *Store) GetRoute(ctx context.Context, conversationID id.ConversationID, slotID int) (*route.Route, error) {
	m := new(routeModel)
	err := s.db.NewSelect().Model(m).
		Where("conversation_id = ?", conversationID.String()).
		Where("slot_id = ?", slotID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, steward.ErrRouteNotFound
		}
		return nil, fmt.Errorf("steward/bun: get route: %w", err)
	}

	convID, err := id.ParseConversationID(m.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("steward/bun: parse route conversation id %q: %w", m.ConversationID, err)
	}
	return &route.Route{
		ConversationID: convID,
		SlotID:         m.SlotID,
		NodeURL:        m.NodeURL,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

// ReserveAndBind reserves the node and upserts the sticky route in one
// transaction. The reservation is a conditional UPDATE guarded on the
// node still being HEALTHY and fully idle; zero rows affected means the
// node lost the race (ErrNodeBusy) or does not exist (ErrNodeNotFound).
func (s *Store) ReserveAndBind(ctx context.Context, nodeURL string, conversationID id.ConversationID, slotID int) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, execErr := tx.NewUpdate().Model((*nodeModel)(nil)).
			Set("dispatched_count = 1").
			Set("updated_at = NOW()").
			Where("url = ?", nodeURL).
			Where("status = ?", string(node.StatusHealthy)).
			Where("dispatched_count = 0").
			Where("current_count = 0").
			Exec(ctx)
		if execErr != nil {
			return execErr
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			exists, selErr := tx.NewSelect().Model((*nodeModel)(nil)).
				Where("url = ?", nodeURL).
				Exists(ctx)
			if selErr != nil {
				return selErr
			}
			if !exists {
				return steward.ErrNodeNotFound
			}
			return steward.ErrNodeBusy
		}

		if conversationID.IsNil() {
			return nil
		}

		m := &routeModel{
			ConversationID: conversationID.String(),
			SlotID:         slotID,
			NodeURL:        nodeURL,
		}
		_, execErr = tx.NewInsert().Model(m).
			On("CONFLICT (conversation_id, slot_id) DO UPDATE").
			Set("node_url = EXCLUDED.node_url").
			Set("updated_at = NOW()").
			Exec(ctx)
		return execErr
	})
	if err != nil {
		if errors.Is(err, steward.ErrNodeBusy) || errors.Is(err, steward.ErrNodeNotFound) {
			return err
		}
		return fmt.Errorf("steward/bun: reserve and bind %s: %w", nodeURL, err)
	}
	return nil
}
