// Package consumer runs the stream consumption loop: blocking group reads,
// store-level claim arbitration, provider calls, and the ack policy that
// decides which failures are retried and which are final.
//
// Acknowledgement follows the error taxonomy, not the task outcome:
//
//   - provider unreachable: task FAILED, message NOT acked (retriable)
//   - provider rejected:    task FAILED, message acked
//   - internal bug:         task FAILED, message acked
//   - unparseable message:  dead-lettered, message acked
//   - claim lost:           nothing written, message acked
//   - success or refusal:   terminal state committed, message acked
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/omnigate/steward/backoff"
	"github.com/omnigate/steward/dlq"
	"github.com/omnigate/steward/observability"
	"github.com/omnigate/steward/provider"
	"github.com/omnigate/steward/queue"
	"github.com/omnigate/steward/task"
)

// Defaults for the consumption loop.
const (
	DefaultStream       = "steward_tasks"
	DefaultGroup        = "steward_workers"
	DefaultBatchSize    = 10
	DefaultBlockTimeout = 5 * time.Second
	DefaultStaleAfter   = 60 * time.Second
)

// Consumer is one named member of the consumer group.
type Consumer struct {
	stream    queue.Stream
	tasks     task.Store
	finalizer *task.Finalizer
	dlq       *dlq.Service
	provider  provider.Client

	streamKey    string
	group        string
	name         string
	batchSize    int64
	blockTimeout time.Duration
	staleAfter   time.Duration

	backoff backoff.Strategy
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithStreamKey sets the main task stream key.
func WithStreamKey(key string) Option {
	return func(c *Consumer) { c.streamKey = key }
}

// WithGroup sets the consumer group name.
func WithGroup(group string) Option {
	return func(c *Consumer) { c.group = group }
}

// WithName sets this consumer's name within the group. The name must be
// stable across restarts of the same worker, or its pending entries
// cannot be replayed. Defaults to hostname-pid.
func WithName(name string) Option {
	return func(c *Consumer) { c.name = name }
}

// WithBatchSize sets how many messages a single read may deliver.
func WithBatchSize(n int64) Option {
	return func(c *Consumer) { c.batchSize = n }
}

// WithBlockTimeout bounds a single blocking read.
func WithBlockTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.blockTimeout = d }
}

// WithStaleAfter bounds how old a recovered message may be before it is
// discarded instead of reprocessed.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Consumer) { c.staleAfter = d }
}

// WithBackoff sets the delay strategy applied after transient loop errors.
func WithBackoff(s backoff.Strategy) Option {
	return func(c *Consumer) { c.backoff = s }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// New creates a Consumer over the given collaborators.
func New(stream queue.Stream, tasks task.Store, finalizer *task.Finalizer, dlqSvc *dlq.Service, providerClient provider.Client, opts ...Option) *Consumer {
	c := &Consumer{
		stream:       stream,
		tasks:        tasks,
		finalizer:    finalizer,
		dlq:          dlqSvc,
		provider:     providerClient,
		streamKey:    DefaultStream,
		group:        DefaultGroup,
		batchSize:    DefaultBatchSize,
		blockTimeout: DefaultBlockTimeout,
		staleAfter:   DefaultStaleAfter,
		backoff:      backoff.DefaultStrategy(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = defaultName()
	}
	return c
}

// Name returns this consumer's name within the group.
func (c *Consumer) Name() string { return c.name }

// Run ensures the group exists, replays this consumer's pending entries,
// then consumes new messages until ctx is cancelled. Transient
// infrastructure errors back off and retry; Run returns only on ctx
// cancellation or when the group cannot be established.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.stream.EnsureGroup(ctx, c.streamKey, c.group); err != nil {
		return fmt.Errorf("steward/consumer: ensure group: %w", err)
	}

	if err := c.Recover(ctx); err != nil {
		// Recovery is best-effort: unacked entries stay pending and will
		// be replayed on the next start.
		c.logger.Error("pending replay failed", slog.String("error", err.Error()))
	}

	c.logger.Info("consumer started",
		slog.String("stream", c.streamKey),
		slog.String("group", c.group),
		slog.String("consumer", c.name),
	)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := c.stream.ReadNew(ctx, c.streamKey, c.group, c.name, c.batchSize, c.blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			delay := c.backoff.Delay(attempt)
			c.logger.Error("stream read failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		attempt = 0

		for _, msg := range msgs {
			if err := c.process(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("message processing failed",
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// process handles one delivery end to end. A returned error means the
// message was neither completed nor acked and will be redelivered.
func (c *Consumer) process(ctx context.Context, msg queue.Message) error {
	payload, err := queue.DecodePayload(msg)
	if err != nil {
		return c.quarantine(ctx, msg, err)
	}

	claimed, err := c.tasks.ClaimTask(ctx, payload.TaskID)
	if err != nil {
		return fmt.Errorf("claim %s: %w", payload.TaskID, err)
	}
	if !claimed {
		// Another execution owns or already finished this task. The only
		// correct write is none at all.
		c.metrics.ClaimLost(ctx)
		c.logger.Info("claim lost, skipping",
			slog.String("task_id", payload.TaskID.String()),
			slog.String("message_id", msg.ID),
		)
		return c.ack(ctx, msg.ID)
	}

	start := time.Now()
	text, err := c.provider.Complete(ctx, &provider.Request{
		Model:          payload.Model,
		ConversationID: payload.ConversationID,
		Prompt:         payload.Prompt,
	})
	costTime := time.Since(start).Seconds()

	if err != nil {
		return c.handleProviderError(ctx, msg, payload, err)
	}

	if _, err := c.finalizer.ProcessResult(ctx, payload.TaskID, text, costTime, payload.ConversationID); err != nil {
		return fmt.Errorf("finalize %s: %w", payload.TaskID, err)
	}
	return c.ack(ctx, msg.ID)
}

// handleProviderError applies the ack policy to a failed provider call.
func (c *Consumer) handleProviderError(ctx context.Context, msg queue.Message, payload *queue.TaskPayload, callErr error) error {
	var unavailable *provider.UnavailableError
	if errors.As(callErr, &unavailable) {
		// The provider never reached a verdict. Record the failure for
		// the waiting client, but leave the message pending so a later
		// run can retry once the provider is back.
		if err := c.tasks.MarkTaskFailed(ctx, payload.TaskID, "Service Unreachable: "+unavailable.Error()); err != nil {
			c.logger.Error("mark unreachable task failed",
				slog.String("task_id", payload.TaskID.String()),
				slog.String("error", err.Error()),
			)
		}
		c.metrics.TaskFailed(ctx, "provider_unavailable")
		c.logger.Warn("provider unreachable, message left pending",
			slog.String("task_id", payload.TaskID.String()),
			slog.String("message_id", msg.ID),
		)
		return nil
	}

	var rejected *provider.RejectedError
	if errors.As(callErr, &rejected) {
		if err := c.tasks.MarkTaskFailed(ctx, payload.TaskID, fmt.Sprintf("Provider error %d: %s", rejected.Status, rejected.Body)); err != nil {
			return fmt.Errorf("mark rejected task failed: %w", err)
		}
		c.metrics.TaskFailed(ctx, "provider_rejected")
		return c.ack(ctx, msg.ID)
	}

	// Anything else is a bug in this process. Retrying reproduces it, so
	// fail the task and retire the message.
	if err := c.tasks.MarkTaskFailed(ctx, payload.TaskID, "Internal error: "+callErr.Error()); err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	c.metrics.TaskFailed(ctx, "internal")
	c.logger.Error("internal error processing task",
		slog.String("task_id", payload.TaskID.String()),
		slog.String("error", callErr.Error()),
	)
	return c.ack(ctx, msg.ID)
}

// quarantine dead-letters an unparseable message and retires it. The ack
// happens only after the dead-letter write succeeds.
func (c *Consumer) quarantine(ctx context.Context, msg queue.Message, cause error) error {
	if err := c.dlq.Quarantine(ctx, msg, cause, c.name); err != nil {
		return err
	}
	return c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, msgID string) error {
	if err := c.stream.Ack(ctx, c.streamKey, c.group, msgID); err != nil {
		return fmt.Errorf("ack %s: %w", msgID, err)
	}
	return nil
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "steward"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// sleep waits for d or ctx cancellation; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
