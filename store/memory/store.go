// Package memory is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/conversation"
	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/node"
	"github.com/omnigate/steward/route"
	"github.com/omnigate/steward/router"
	"github.com/omnigate/steward/task"
)

// Ensure Store implements every subsystem interface at compile time.
// We can't import store here (import cycle), so we verify each one.
var (
	_ node.Store         = (*Store)(nil)
	_ task.Store         = (*Store)(nil)
	_ conversation.Store = (*Store)(nil)
	_ router.Store       = (*Store)(nil)
)

type routeKey struct {
	conversationID string
	slotID         int
}

// Store is the in-memory backend.
type Store struct {
	mu     sync.RWMutex
	closed bool

	nodes         map[string]*node.Node
	tasks         map[string]*task.Task
	conversations map[string]*conversation.Conversation
	routes        map[routeKey]*route.Route
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		nodes:         make(map[string]*node.Node),
		tasks:         make(map[string]*task.Task),
		conversations: make(map[string]*conversation.Conversation),
		routes:        make(map[routeKey]*route.Route),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping succeeds until the store is closed.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return steward.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Idempotent.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Node store
// ──────────────────────────────────────────────────

// RegisterNode adds a node to the registry in HEALTHY state.
func (m *Store) RegisterNode(_ context.Context, n *node.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[n.URL]; exists {
		return steward.ErrNodeAlreadyExists
	}
	cp := *n
	if cp.Status == "" {
		cp.Status = node.StatusHealthy
	}
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = time.Now().UTC()
	}
	m.nodes[n.URL] = &cp
	return nil
}

// GetNode retrieves a node by URL.
func (m *Store) GetNode(_ context.Context, url string) (*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[url]
	if !ok {
		return nil, steward.ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

// HeartbeatNode records a heartbeat and restores HEALTHY status.
func (m *Store) HeartbeatNode(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[url]
	if !ok {
		return steward.ErrNodeNotFound
	}
	n.LastHeartbeat = time.Now().UTC()
	n.Status = node.StatusHealthy
	n.Touch()
	return nil
}

// ListIdleHealthy returns fully idle HEALTHY nodes heartbeated within
// the given window.
func (m *Store) ListIdleHealthy(_ context.Context, within time.Duration) ([]*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-within)
	var out []*node.Node
	for _, n := range m.nodes {
		if n.Status != node.StatusHealthy {
			continue
		}
		if !n.LastHeartbeat.After(cutoff) {
			continue
		}
		if !n.Idle() {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

// MarkStaleOffline transitions silent nodes to OFFLINE with counters
// zeroed, in one pass under the store lock.
func (m *Store) MarkStaleOffline(_ context.Context, threshold time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var count int64
	for _, n := range m.nodes {
		if n.Status == node.StatusOffline {
			continue
		}
		if !n.LastHeartbeat.Before(cutoff) {
			continue
		}
		n.Status = node.StatusOffline
		n.DispatchedCount = 0
		n.CurrentCount = 0
		n.Touch()
		count++
	}
	return count, nil
}

// ReleaseNode zeroes a node's counters.
func (m *Store) ReleaseNode(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[url]
	if !ok {
		return steward.ErrNodeNotFound
	}
	n.DispatchedCount = 0
	n.CurrentCount = 0
	n.Touch()
	return nil
}

// ──────────────────────────────────────────────────
// Router store
// ──────────────────────────────────────────────────

// GetRoute retrieves the sticky binding for (conversation, slot).
func (m *Store) GetRoute(_ context.Context, conversationID id.ConversationID, slotID int) (*route.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rt, ok := m.routes[routeKey{conversationID.String(), slotID}]
	if !ok {
		return nil, steward.ErrRouteNotFound
	}
	cp := *rt
	return &cp, nil
}

// ReserveAndBind reserves the node conditional on it being HEALTHY and
// idle, and upserts the sticky route, atomically under the store lock.
func (m *Store) ReserveAndBind(_ context.Context, nodeURL string, conversationID id.ConversationID, slotID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeURL]
	if !ok {
		return steward.ErrNodeNotFound
	}
	if n.Status != node.StatusHealthy || !n.Idle() {
		return steward.ErrNodeBusy
	}
	n.DispatchedCount = 1
	n.Touch()

	if !conversationID.IsNil() {
		m.routes[routeKey{conversationID.String(), slotID}] = &route.Route{
			ConversationID: conversationID,
			SlotID:         slotID,
			NodeURL:        nodeURL,
			UpdatedAt:      time.Now().UTC(),
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Task store
// ──────────────────────────────────────────────────

// CreateTask persists a new task, defaulting to PENDING.
func (m *Store) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return steward.ErrTaskAlreadyExists
	}
	cp := *t
	if cp.Status == "" {
		cp.Status = task.StatusPending
	}
	m.tasks[key] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, steward.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// ClaimTask performs the conditional PENDING→PROCESSING transition.
// A missing or already-claimed task is not an error, just a lost claim.
func (m *Store) ClaimTask(_ context.Context, taskID id.TaskID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok || t.Status != task.StatusPending {
		return false, nil
	}
	t.Status = task.StatusProcessing
	t.Touch()
	return true, nil
}

// ResetStuckTask performs the recovery-only PROCESSING→PENDING reversal.
func (m *Store) ResetStuckTask(_ context.Context, taskID id.TaskID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok || t.Status != task.StatusProcessing {
		return false, nil
	}
	t.Status = task.StatusPending
	t.Touch()
	return true, nil
}

// MarkTaskFailed records FAILED with the error text.
func (m *Store) MarkTaskFailed(_ context.Context, taskID id.TaskID, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return steward.ErrTaskNotFound
	}
	t.Status = task.StatusFailed
	t.ErrorText = errText
	t.Touch()
	return nil
}

// MarkTaskSucceeded records SUCCESS and touches the conversation's
// last-activity timestamp in the same critical section.
func (m *Store) MarkTaskSucceeded(_ context.Context, taskID id.TaskID, resultText string, costTime float64, conversationID id.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return steward.ErrTaskNotFound
	}
	t.Status = task.StatusSuccess
	t.ResultText = resultText
	t.CostTime = costTime
	t.Touch()

	if !conversationID.IsNil() {
		if c, ok := m.conversations[conversationID.String()]; ok {
			c.Touch()
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Conversation store
// ──────────────────────────────────────────────────

// CreateConversation persists a new conversation.
func (m *Store) CreateConversation(_ context.Context, c *conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.conversations[c.ID.String()] = &cp
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *Store) GetConversation(_ context.Context, convID id.ConversationID) (*conversation.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[convID.String()]
	if !ok {
		return nil, steward.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

// TouchConversation bumps the conversation's last-activity timestamp.
func (m *Store) TouchConversation(_ context.Context, convID id.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[convID.String()]
	if !ok {
		return steward.ErrConversationNotFound
	}
	c.Touch()
	return nil
}

// ──────────────────────────────────────────────────
// Test helpers
// ──────────────────────────────────────────────────

// SetNode overwrites a node record directly. Test hook for staging
// heartbeat and counter states.
func (m *Store) SetNode(n *node.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nodes[n.URL] = &cp
}
