package node

import (
	"context"
	"time"
)

// Store defines the persistence contract for compute nodes.
//
// MarkStaleOffline is the coordination-critical operation: it must be a
// single conditional statement so it stays correct when the monitor,
// routers, and consumers run concurrently against the same store.
type Store interface {
	// RegisterNode adds a node to the registry in HEALTHY state.
	RegisterNode(ctx context.Context, n *Node) error

	// GetNode retrieves a node by URL.
	GetNode(ctx context.Context, url string) (*Node, error)

	// HeartbeatNode records a heartbeat: last-heartbeat is set to now and
	// the node returns to HEALTHY if it had been circuit-broken.
	HeartbeatNode(ctx context.Context, url string) error

	// ListIdleHealthy returns nodes that are HEALTHY, heartbeated within
	// the given window, and fully idle (both counters zero).
	ListIdleHealthy(ctx context.Context, within time.Duration) ([]*Node, error)

	// MarkStaleOffline transitions every node whose last heartbeat is
	// older than threshold, and whose status is not already OFFLINE, to
	// OFFLINE with both counters zeroed. One atomic bulk conditional
	// update. Returns the number of nodes transitioned.
	MarkStaleOffline(ctx context.Context, threshold time.Duration) (int64, error)

	// ReleaseNode zeroes a node's dispatched and current counters,
	// returning its capacity to the idle pool after a task finishes.
	ReleaseNode(ctx context.Context, url string) error
}
