package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/node"
	"github.com/omnigate/steward/router"
	"github.com/omnigate/steward/store/memory"
)

func healthyNode(url string) *node.Node {
	return &node.Node{
		URL:           url,
		Status:        node.StatusHealthy,
		LastHeartbeat: time.Now(),
	}
}

func TestRouteNoCapacity(t *testing.T) {
	r := router.New(memory.New())
	_, _, err := r.Route(context.Background(), id.NewConversationID(), 0)
	if !errors.Is(err, steward.ErrNoCapacity) {
		t.Fatalf("Route on empty registry: err = %v, want ErrNoCapacity", err)
	}
}

func TestRouteFirstBindingNotChanged(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetNode(healthyNode("http://n1:8000"))

	r := router.New(st)
	convID := id.NewConversationID()

	url, changed, err := r.Route(ctx, convID, 0)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if url != "http://n1:8000" {
		t.Errorf("routed to %q, want http://n1:8000", url)
	}
	if changed {
		t.Error("first binding reported changed=true, want false")
	}

	n, err := st.GetNode(ctx, url)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.Idle() {
		t.Error("routed node still idle, reservation not taken")
	}

	rt, err := st.GetRoute(ctx, convID, 0)
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	if rt.NodeURL != url {
		t.Errorf("persisted route node = %q, want %q", rt.NodeURL, url)
	}
}

func TestRouteStickyReuse(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetNode(healthyNode("http://n1:8000"))
	st.SetNode(healthyNode("http://n2:8000"))

	r := router.New(st)
	convID := id.NewConversationID()

	first, _, err := r.Route(ctx, convID, 0)
	if err != nil {
		t.Fatalf("first Route: %v", err)
	}

	// The bound node finishes and goes idle again; the next dispatch for
	// the same conversation must land on it.
	if err := st.ReleaseNode(ctx, first); err != nil {
		t.Fatalf("ReleaseNode: %v", err)
	}

	for range 10 {
		second, changed, err := r.Route(ctx, convID, 0)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if second != first {
			t.Fatalf("sticky route moved from %q to %q with bound node idle", first, second)
		}
		if changed {
			t.Fatal("sticky reuse reported changed=true")
		}
		if err := st.ReleaseNode(ctx, second); err != nil {
			t.Fatalf("ReleaseNode: %v", err)
		}
	}
}

func TestRouteRebindsWhenBoundNodeDown(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetNode(healthyNode("http://n1:8000"))
	st.SetNode(healthyNode("http://n2:8000"))

	r := router.New(st)
	convID := id.NewConversationID()

	first, _, err := r.Route(ctx, convID, 0)
	if err != nil {
		t.Fatalf("first Route: %v", err)
	}

	// Bound node goes dark. It stays reserved and eventually OFFLINE, so
	// the candidate set only contains the other node.
	second, changed, err := r.Route(ctx, convID, 0)
	if err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if second == first {
		t.Fatalf("rebound to the busy node %q", second)
	}
	if !changed {
		t.Error("rebinding to a different node reported changed=false")
	}

	rt, err := st.GetRoute(ctx, convID, 0)
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	if rt.NodeURL != second {
		t.Errorf("route not updated: bound to %q, want %q", rt.NodeURL, second)
	}
}

func TestRouteWithoutConversationSkipsBinding(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetNode(healthyNode("http://n1:8000"))

	r := router.New(st)
	url, changed, err := r.Route(ctx, id.Nil, 0)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if url == "" || changed {
		t.Errorf("Route = (%q, %v), want node URL and changed=false", url, changed)
	}
}

// Full failover scenario: the bound node's heartbeat lapses past the
// threshold, a health sweep circuit-breaks it, and the next dispatch for
// the conversation rebinds to the surviving node.
func TestRouteFailoverAfterHealthSweep(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetNode(healthyNode("http://x:8000"))

	r := router.New(st)
	convID := id.NewConversationID()

	first, _, err := r.Route(ctx, convID, 0)
	if err != nil {
		t.Fatalf("first Route: %v", err)
	}
	if first != "http://x:8000" {
		t.Fatalf("routed to %q", first)
	}

	// X goes silent for 31s against a 30s threshold.
	st.SetNode(&node.Node{
		URL:             "http://x:8000",
		Status:          node.StatusHealthy,
		LastHeartbeat:   time.Now().Add(-31 * time.Second),
		DispatchedCount: 1,
	})
	st.SetNode(healthyNode("http://y:8000"))

	mon := node.NewMonitor(st, node.WithThreshold(30*time.Second))
	swept, err := mon.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d nodes, want 1", swept)
	}

	second, changed, err := r.Route(ctx, convID, 0)
	if err != nil {
		t.Fatalf("Route after sweep: %v", err)
	}
	if second != "http://y:8000" {
		t.Errorf("rerouted to %q, want the surviving node", second)
	}
	if !changed {
		t.Error("failover rebinding reported changed=false")
	}

	rt, err := st.GetRoute(ctx, convID, 0)
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	if rt.NodeURL != "http://y:8000" {
		t.Errorf("route row = %q, not updated to the new node", rt.NodeURL)
	}
}

// raceStore simulates another dispatcher winning the reservation for the
// first candidate between the list and the reserve.
type raceStore struct {
	router.Store
	stolen  string
	tries   int
	reserve func(ctx context.Context, nodeURL string, convID id.ConversationID, slotID int) error
}

func (s *raceStore) ReserveAndBind(ctx context.Context, nodeURL string, convID id.ConversationID, slotID int) error {
	s.tries++
	if nodeURL == s.stolen {
		return steward.ErrNodeBusy
	}
	return s.reserve(ctx, nodeURL, convID, slotID)
}

func TestRouteRetriesAfterLostReservation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetNode(healthyNode("http://n1:8000"))
	st.SetNode(healthyNode("http://n2:8000"))

	rs := &raceStore{Store: st, stolen: "http://n1:8000", reserve: st.ReserveAndBind}
	r := router.New(rs)

	url, _, err := r.Route(ctx, id.NewConversationID(), 0)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if url != "http://n2:8000" {
		t.Errorf("routed to %q, want the surviving candidate http://n2:8000", url)
	}
}

func TestRouteAllReservationsLost(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetNode(healthyNode("http://n1:8000"))

	rs := &raceStore{Store: st, stolen: "http://n1:8000", reserve: st.ReserveAndBind}
	r := router.New(rs)

	_, _, err := r.Route(ctx, id.NewConversationID(), 0)
	if !errors.Is(err, steward.ErrNoCapacity) {
		t.Fatalf("Route with every candidate stolen: err = %v, want ErrNoCapacity", err)
	}
}
