// Package store defines the aggregate persistence interface. Each
// subsystem (node, task, conversation, router) defines its own store
// interface; the composite Store composes them all. Backends: Postgres
// via Bun, and Memory for tests and development.
package store

import (
	"context"

	"github.com/omnigate/steward/conversation"
	"github.com/omnigate/steward/node"
	"github.com/omnigate/steward/router"
	"github.com/omnigate/steward/task"
)

// Store is the aggregate persistence interface. A single backend
// implements all subsystem stores; the store is the sole arbiter of
// cross-process truth, so every coordination decision it exposes is a
// conditional write.
type Store interface {
	node.Store
	task.Store
	conversation.Store
	router.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
