// Package observability provides OpenTelemetry counters for the
// coordination events worth alerting on: terminal task outcomes,
// dead-lettered messages, recovery replays, and node circuit-breaks.
//
// All methods are safe on a nil *Metrics, so components can hold the
// pointer unconditionally and callers opt in.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/omnigate/steward"

// Metrics records system-wide coordination counters.
type Metrics struct {
	tasksSucceeded  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	claimsLost      metric.Int64Counter
	deadLettered    metric.Int64Counter
	recovered       metric.Int64Counter
	staleDiscarded  metric.Int64Counter
	nodesOffline    metric.Int64Counter
	routesReused    metric.Int64Counter
	routesReboundTo metric.Int64Counter
}

// New creates Metrics on the given MeterProvider. Pass nil to use the
// global provider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.tasksSucceeded, err = meter.Int64Counter("steward.task.succeeded"); err != nil {
		return nil, err
	}
	if m.tasksFailed, err = meter.Int64Counter("steward.task.failed"); err != nil {
		return nil, err
	}
	if m.claimsLost, err = meter.Int64Counter("steward.task.claim_lost"); err != nil {
		return nil, err
	}
	if m.deadLettered, err = meter.Int64Counter("steward.message.dead_lettered"); err != nil {
		return nil, err
	}
	if m.recovered, err = meter.Int64Counter("steward.message.recovered"); err != nil {
		return nil, err
	}
	if m.staleDiscarded, err = meter.Int64Counter("steward.message.stale_discarded"); err != nil {
		return nil, err
	}
	if m.nodesOffline, err = meter.Int64Counter("steward.node.marked_offline"); err != nil {
		return nil, err
	}
	if m.routesReused, err = meter.Int64Counter("steward.route.reused"); err != nil {
		return nil, err
	}
	if m.routesReboundTo, err = meter.Int64Counter("steward.route.rebound"); err != nil {
		return nil, err
	}
	return m, nil
}

// TaskSucceeded counts a task committed as SUCCESS.
func (m *Metrics) TaskSucceeded(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksSucceeded.Add(ctx, 1)
}

// TaskFailed counts a task committed as FAILED, tagged by cause.
func (m *Metrics) TaskFailed(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// ClaimLost counts a delivery skipped because another execution owns the task.
func (m *Metrics) ClaimLost(ctx context.Context) {
	if m == nil {
		return
	}
	m.claimsLost.Add(ctx, 1)
}

// DeadLettered counts a message quarantined to the dead-letter stream.
func (m *Metrics) DeadLettered(ctx context.Context) {
	if m == nil {
		return
	}
	m.deadLettered.Add(ctx, 1)
}

// Recovered counts a pending-entry replayed at startup.
func (m *Metrics) Recovered(ctx context.Context) {
	if m == nil {
		return
	}
	m.recovered.Add(ctx, 1)
}

// StaleDiscarded counts a recovered message dropped for exceeding the
// staleness bound.
func (m *Metrics) StaleDiscarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.staleDiscarded.Add(ctx, 1)
}

// NodesMarkedOffline counts nodes circuit-broken by a health sweep.
func (m *Metrics) NodesMarkedOffline(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.nodesOffline.Add(ctx, n)
}

// RouteReused counts a sticky route served from its existing binding.
func (m *Metrics) RouteReused(ctx context.Context) {
	if m == nil {
		return
	}
	m.routesReused.Add(ctx, 1)
}

// RouteRebound counts a sticky route moved to a different node.
func (m *Metrics) RouteRebound(ctx context.Context) {
	if m == nil {
		return
	}
	m.routesReboundTo.Add(ctx, 1)
}
