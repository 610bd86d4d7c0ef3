package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/omnigate/steward/observability"
)

// Monitor is the node health circuit breaker. It sweeps the registry on a
// fixed interval and forces silent nodes OFFLINE, zeroing their counters
// so any reservation the router believes is held gets released.
//
// The monitor shares the store with active routing and claim traffic,
// which is why the sweep is one atomic bulk statement rather than
// read-then-write.
type Monitor struct {
	store     Store
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets how often the monitor sweeps. May be shorter than the
// heartbeat threshold.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithThreshold sets how long a node may go without a heartbeat before it
// is marked OFFLINE.
func WithThreshold(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.threshold = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mx *observability.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mx }
}

// NewMonitor creates a health monitor over the given store.
func NewMonitor(store Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:     store,
		interval:  20 * time.Second,
		threshold: 30 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps on the configured interval until ctx is cancelled. A store
// error aborts the current sweep only; the monitor logs it and keeps
// going. Run only returns on context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started",
		slog.Duration("interval", m.interval),
		slog.Duration("threshold", m.threshold),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("health sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs a single health pass and returns how many nodes it
// transitioned to OFFLINE.
func (m *Monitor) Sweep(ctx context.Context) (int64, error) {
	count, err := m.store.MarkStaleOffline(ctx, m.threshold)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Warn("marked stale nodes offline", slog.Int64("count", count))
		m.metrics.NodesMarkedOffline(ctx, count)
	}
	return count, nil
}
