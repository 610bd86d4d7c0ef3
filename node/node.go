// Package node defines the compute node registry: the entity, its store
// contract, and the health monitor that circuit-breaks silent nodes.
package node

import (
	"time"

	"github.com/omnigate/steward"
)

// Status represents the liveness state of a compute node.
type Status string

const (
	// StatusHealthy means the node is heartbeating and may accept work.
	StatusHealthy Status = "HEALTHY"
	// StatusOffline means the node missed its heartbeat window and holds
	// no reservations. OFFLINE implies both counters are zero.
	StatusOffline Status = "OFFLINE"
)

// Node represents one stateless compute node in the fleet. Its URL is its
// identity; registration assigns it and it never changes.
type Node struct {
	steward.Entity

	URL             string    `json:"url"`
	Status          Status    `json:"status"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	DispatchedCount int       `json:"dispatched_count"`
	CurrentCount    int       `json:"current_count"`
}

// Idle reports whether the node holds no reservation and runs no task.
// Dispatch is strictly exclusive: a node accepts work only when fully idle.
func (n *Node) Idle() bool {
	return n.DispatchedCount == 0 && n.CurrentCount == 0
}
