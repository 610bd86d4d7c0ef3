// Package engine wires the Steward subsystems together: store, stream,
// provider, router, health monitor, consumer, and dead-letter service.
//
// This package exists to sit above all subsystem packages: the root
// steward package defines Entity and the shared errors (imported by
// node, task, etc.) and so cannot import those packages back. The engine
// composes them and exposes Start/Stop plus the Dispatch submission path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/backoff"
	"github.com/omnigate/steward/consumer"
	"github.com/omnigate/steward/dlq"
	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/node"
	"github.com/omnigate/steward/observability"
	"github.com/omnigate/steward/provider"
	"github.com/omnigate/steward/queue"
	"github.com/omnigate/steward/router"
	"github.com/omnigate/steward/store"
	"github.com/omnigate/steward/task"
)

// Engine runs the coordination layer: a health monitor sweeping the node
// registry and a stream consumer executing tasks, over a shared store
// that arbitrates all cross-process state.
type Engine struct {
	cfg      steward.Config
	store    store.Store
	stream   queue.Stream
	provider provider.Client

	streamKey    string
	group        string
	consumerName string
	refusal      []string
	bo           backoff.Strategy
	logger       *slog.Logger
	metrics      *observability.Metrics

	router    *router.Router
	finalizer *task.Finalizer
	dlq       *dlq.Service
	monitor   *node.Monitor
	consumer  *consumer.Consumer

	mu     sync.Mutex
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the durable store backend. Required.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithStream sets the task stream backend. Required.
func WithStream(s queue.Stream) Option {
	return func(e *Engine) { e.stream = s }
}

// WithProvider sets the downstream AI provider client. Required.
func WithProvider(c provider.Client) Option {
	return func(e *Engine) { e.provider = c }
}

// WithConfig overrides the coordination tunables.
func WithConfig(cfg steward.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithStreamKey overrides the main task stream key.
func WithStreamKey(key string) Option {
	return func(e *Engine) { e.streamKey = key }
}

// WithGroup overrides the consumer group name.
func WithGroup(group string) Option {
	return func(e *Engine) { e.group = group }
}

// WithConsumerName sets this engine's consumer name. Must be stable
// across restarts of the same worker for pending-entry replay to work.
func WithConsumerName(name string) Option {
	return func(e *Engine) { e.consumerName = name }
}

// WithRefusalKeywords sets the phrases that force a provider response to
// FAILED when any occurs as a substring.
func WithRefusalKeywords(keywords []string) Option {
	return func(e *Engine) { e.refusal = keywords }
}

// WithBackoff sets the consumer loop's delay strategy after transient
// errors.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithLogger sets a custom logger shared by all subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder shared by all subsystems.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine from the given options. Store, stream, and
// provider are required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       steward.DefaultConfig(),
		streamKey: consumer.DefaultStream,
		group:     consumer.DefaultGroup,
		bo:        backoff.DefaultStrategy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		return nil, steward.ErrNoStore
	}
	if e.stream == nil {
		return nil, steward.ErrNoStream
	}
	if e.provider == nil {
		return nil, steward.ErrNoProvider
	}

	e.router = router.New(e.store,
		router.WithLivenessWindow(e.cfg.HeartbeatTimeout),
		router.WithLogger(e.logger),
		router.WithMetrics(e.metrics),
	)
	e.finalizer = task.NewFinalizer(e.store,
		task.WithRefusalKeywords(e.refusal),
		task.WithLogger(e.logger),
		task.WithMetrics(e.metrics),
	)
	e.dlq = dlq.NewService(e.stream,
		dlq.WithMaxLen(e.cfg.DLQMaxLen),
		dlq.WithLogger(e.logger),
		dlq.WithMetrics(e.metrics),
	)
	e.monitor = node.NewMonitor(e.store,
		node.WithInterval(e.cfg.ScanInterval),
		node.WithThreshold(e.cfg.HeartbeatTimeout),
		node.WithLogger(e.logger),
		node.WithMetrics(e.metrics),
	)

	consumerOpts := []consumer.Option{
		consumer.WithStreamKey(e.streamKey),
		consumer.WithGroup(e.group),
		consumer.WithBlockTimeout(e.cfg.BlockTimeout),
		consumer.WithStaleAfter(e.cfg.StaleAfter),
		consumer.WithBackoff(e.bo),
		consumer.WithLogger(e.logger),
		consumer.WithMetrics(e.metrics),
	}
	if e.consumerName != "" {
		consumerOpts = append(consumerOpts, consumer.WithName(e.consumerName))
	}
	e.consumer = consumer.New(e.stream, e.store, e.finalizer, e.dlq, e.provider, consumerOpts...)

	return e, nil
}

// Router returns the routing component for use by a request gateway.
func (e *Engine) Router() *router.Router { return e.router }

// Store returns the configured store.
func (e *Engine) Store() store.Store { return e.store }

// Start launches the health monitor and the stream consumer. It returns
// immediately; both loops run until Stop or ctx cancellation. Calling
// Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return e.monitor.Run(gctx) })
	g.Go(func() error { return e.consumer.Run(gctx) })

	e.cancel = cancel
	e.eg = g

	e.logger.Info("engine started",
		slog.String("stream", e.streamKey),
		slog.String("group", e.group),
		slog.String("consumer", e.consumer.Name()),
	)
	return nil
}

// Stop cancels the running loops and waits for them to drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, g := e.cancel, e.eg
	e.cancel, e.eg = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.logger.Info("engine stopped")
	return nil
}

// Dispatch is the submission path: it routes the conversation to a node,
// persists the task as PENDING, and enqueues the payload. The returned
// node URL is where the gateway should expect the work to land; changed
// reports that the sticky binding moved, so any provider-side
// conversation context must be rebuilt.
//
// steward.ErrNoCapacity means no node is currently idle and healthy; the
// caller decides whether to retry or report.
func (e *Engine) Dispatch(ctx context.Context, t *task.Task) (nodeURL string, changed bool, err error) {
	if t.ID.IsNil() {
		t.ID = id.NewTaskID()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}

	nodeURL, changed, err = e.router.Route(ctx, t.ConversationID, 0)
	if err != nil {
		return "", false, err
	}

	// From here on the node reservation is held. Every failure must hand
	// it back, or a live heartbeating node stays non-idle forever: the
	// monitor only frees nodes whose heartbeats lapse.
	if err := e.store.CreateTask(ctx, t); err != nil {
		e.release(ctx, nodeURL)
		return "", false, fmt.Errorf("steward/engine: create task: %w", err)
	}

	values, err := queue.EncodePayload(&queue.TaskPayload{
		TaskID:         t.ID,
		ConversationID: t.ConversationID,
		Prompt:         t.Prompt,
		Model:          t.Model,
	})
	if err != nil {
		e.abandonTask(ctx, t.ID, "enqueue failed: "+err.Error())
		e.release(ctx, nodeURL)
		return "", false, fmt.Errorf("steward/engine: encode payload: %w", err)
	}
	if _, err := e.stream.Add(ctx, e.streamKey, values, 0); err != nil {
		// The PENDING row exists but no message will ever arrive for it;
		// fail it so the caller sees an outcome instead of waiting forever.
		e.abandonTask(ctx, t.ID, "enqueue failed: "+err.Error())
		e.release(ctx, nodeURL)
		return "", false, fmt.Errorf("steward/engine: enqueue task %s: %w", t.ID, err)
	}

	e.logger.Info("task dispatched",
		slog.String("task_id", t.ID.String()),
		slog.String("node_url", nodeURL),
		slog.Bool("route_changed", changed),
	)
	return nodeURL, changed, nil
}

// release returns a reservation taken by Route when the dispatch cannot
// proceed. Best-effort: a release failure is logged, and the node stays
// reserved until its operator-visible state is corrected.
func (e *Engine) release(ctx context.Context, nodeURL string) {
	if err := e.store.ReleaseNode(ctx, nodeURL); err != nil {
		e.logger.Error("failed to release node after dispatch error",
			slog.String("node_url", nodeURL),
			slog.String("error", err.Error()),
		)
	}
}

// abandonTask fails a PENDING task that will never receive a message.
func (e *Engine) abandonTask(ctx context.Context, taskID id.TaskID, reason string) {
	if err := e.store.MarkTaskFailed(ctx, taskID, reason); err != nil {
		e.logger.Error("failed to fail abandoned task",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
	}
}
