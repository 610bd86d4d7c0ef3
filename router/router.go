// Package router selects the target node for each dispatch: session-sticky
// when the bound node is still viable, uniformly random otherwise, and
// NoCapacity when no node is idle and healthy.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/node"
	"github.com/omnigate/steward/observability"
	"github.com/omnigate/steward/route"
)

// Store is the persistence the router needs. ReserveAndBind is the
// critical contract: node reservation and the sticky-route write commit
// in one transaction or not at all, so there is never an observable
// window where one exists without the other.
type Store interface {
	// ListIdleHealthy returns nodes that are HEALTHY, heartbeated within
	// the given window, and fully idle.
	ListIdleHealthy(ctx context.Context, within time.Duration) ([]*node.Node, error)

	// GetRoute retrieves the sticky binding for (conversation, slot).
	// Returns steward.ErrRouteNotFound when no binding exists.
	GetRoute(ctx context.Context, conversationID id.ConversationID, slotID int) (*route.Route, error)

	// ReserveAndBind atomically reserves the node (conditional on it
	// still being HEALTHY and idle) and upserts the sticky route when
	// conversationID is set. Returns steward.ErrNodeBusy when the node
	// lost its idleness since the candidate set was computed.
	ReserveAndBind(ctx context.Context, nodeURL string, conversationID id.ConversationID, slotID int) error
}

// Router chooses a target node per request.
type Router struct {
	store    Store
	liveness time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithLivenessWindow sets how recent a node's heartbeat must be for the
// node to count as alive. Defaults to the 30s heartbeat timeout.
func WithLivenessWindow(d time.Duration) Option {
	return func(r *Router) { r.liveness = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router over the given store.
func New(store Store, opts ...Option) *Router {
	r := &Router{
		store:    store,
		liveness: 30 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route reserves an idle healthy node for (conversation, slot) and
// persists the sticky binding. It returns the node URL and whether the
// binding moved to a different node than before, so the caller knows
// provider-side context must be rebuilt.
//
// steward.ErrNoCapacity is an expected outcome the caller must handle,
// never a crash. A first-time binding reports changed=false.
func (r *Router) Route(ctx context.Context, conversationID id.ConversationID, slotID int) (nodeURL string, changed bool, err error) {
	candidates, err := r.store.ListIdleHealthy(ctx, r.liveness)
	if err != nil {
		return "", false, fmt.Errorf("steward/router: list idle nodes: %w", err)
	}
	if len(candidates) == 0 {
		return "", false, steward.ErrNoCapacity
	}

	var prev *route.Route
	if !conversationID.IsNil() {
		prev, err = r.store.GetRoute(ctx, conversationID, slotID)
		if err != nil && !errors.Is(err, steward.ErrRouteNotFound) {
			return "", false, fmt.Errorf("steward/router: get route: %w", err)
		}
	}

	// Reservation may lose the race for a node that was idle when the
	// candidate set was computed. Drop the loser and try the next.
	for len(candidates) > 0 {
		target, sticky := pick(candidates, prev)

		err = r.store.ReserveAndBind(ctx, target, conversationID, slotID)
		if errors.Is(err, steward.ErrNodeBusy) {
			candidates = without(candidates, target)
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("steward/router: reserve %s: %w", target, err)
		}

		changed = prev != nil && prev.NodeURL != target
		if sticky {
			r.metrics.RouteReused(ctx)
			r.logger.Debug("sticky route reused",
				slog.String("conversation_id", conversationID.String()),
				slog.Int("slot_id", slotID),
				slog.String("node_url", target),
			)
		} else {
			if changed {
				r.metrics.RouteRebound(ctx)
			}
			r.logger.Info("node assigned",
				slog.String("conversation_id", conversationID.String()),
				slog.Int("slot_id", slotID),
				slog.String("node_url", target),
				slog.Bool("changed", changed),
			)
		}
		return target, changed, nil
	}

	return "", false, steward.ErrNoCapacity
}

// pick prefers the previously bound node while it remains in the idle
// healthy set, otherwise chooses uniformly at random. Load weighting is
// moot under strict one-task-per-node exclusivity.
func pick(candidates []*node.Node, prev *route.Route) (url string, sticky bool) {
	if prev != nil {
		for _, n := range candidates {
			if n.URL == prev.NodeURL {
				return n.URL, true
			}
		}
	}
	return candidates[rand.IntN(len(candidates))].URL, false
}

func without(nodes []*node.Node, url string) []*node.Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n.URL != url {
			out = append(out, n)
		}
	}
	return out
}
