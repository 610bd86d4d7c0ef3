package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/node"
)

// RegisterNode adds a node to the registry.
func (s *Store) RegisterNode(ctx context.Context, n *node.Node) error {
	m := toNodeModel(n)
	if m.Status == "" {
		m.Status = string(node.StatusHealthy)
	}
	if m.LastHeartbeat.IsZero() {
		m.LastHeartbeat = time.Now().UTC()
	}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return steward.ErrNodeAlreadyExists
		}
		return fmt.Errorf("steward/bun: register node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by URL.
func (s *Store) GetNode(ctx context.Context, url string) (*node.Node, error) {
	m := new(nodeModel)
	err := s.db.NewSelect().Model(m).
		Where("url = ?", url).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, steward.ErrNodeNotFound
		}
		return nil, fmt.Errorf("steward/bun: get node: %w", err)
	}
	return fromNodeModel(m), nil
}

// HeartbeatNode records a heartbeat and restores HEALTHY status.
func (s *Store) HeartbeatNode(ctx context.Context, url string) error {
	res, err := s.db.NewUpdate().Model((*nodeModel)(nil)).
		Set("last_heartbeat = ?", time.Now().UTC()).
		Set("status = ?", string(node.StatusHealthy)).
		Set("updated_at = NOW()").
		Where("url = ?", url).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("steward/bun: heartbeat node: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return steward.ErrNodeNotFound
	}
	return nil
}

// ListIdleHealthy returns fully idle HEALTHY nodes heartbeated within
// the given window.
func (s *Store) ListIdleHealthy(ctx context.Context, within time.Duration) ([]*node.Node, error) {
	cutoff := time.Now().UTC().Add(-within)

	var models []nodeModel
	err := s.db.NewSelect().Model(&models).
		Where("status = ?", string(node.StatusHealthy)).
		Where("last_heartbeat > ?", cutoff).
		Where("dispatched_count = 0").
		Where("current_count = 0").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("steward/bun: list idle healthy: %w", err)
	}

	nodes := make([]*node.Node, 0, len(models))
	for i := range models {
		nodes = append(nodes, fromNodeModel(&models[i]))
	}
	return nodes, nil
}

// MarkStaleOffline circuit-breaks silent nodes in one atomic bulk
// conditional update, zeroing both counters so held reservations are
// released. Returns the number of nodes transitioned.
func (s *Store) MarkStaleOffline(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	res, err := s.db.NewUpdate().Model((*nodeModel)(nil)).
		Set("status = ?", string(node.StatusOffline)).
		Set("dispatched_count = 0").
		Set("current_count = 0").
		Set("updated_at = NOW()").
		Where("last_heartbeat < ?", cutoff).
		Where("status != ?", string(node.StatusOffline)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("steward/bun: mark stale offline: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// ReleaseNode zeroes a node's counters.
func (s *Store) ReleaseNode(ctx context.Context, url string) error {
	res, err := s.db.NewUpdate().Model((*nodeModel)(nil)).
		Set("dispatched_count = 0").
		Set("current_count = 0").
		Set("updated_at = NOW()").
		Where("url = ?", url).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("steward/bun: release node: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return steward.ErrNodeNotFound
	}
	return nil
}
