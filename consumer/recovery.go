package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/omnigate/steward/queue"
)

// Recover replays this consumer's pending entries: messages delivered to
// it before a crash but never acknowledged. For each entry it
//
//   - discards messages older than the staleness bound (acked, never
//     processed; a late chat answer is worse than none),
//   - dead-letters unparseable messages,
//   - heals tasks stuck in PROCESSING by the crash back to PENDING so the
//     normal claim can re-arbitrate them,
//   - then processes the message through the standard path, where the
//     claim skips anything that already reached a terminal state.
func (c *Consumer) Recover(ctx context.Context) error {
	// Entries that stay pending on purpose (provider unreachable) must
	// not be replayed again within the same pass, or the loop never ends.
	seen := make(map[string]bool)

	count := c.batchSize
	for {
		msgs, err := c.stream.ReadPending(ctx, c.streamKey, c.group, c.name, count)
		if err != nil {
			return fmt.Errorf("steward/consumer: read pending: %w", err)
		}

		fresh := msgs[:0]
		for _, msg := range msgs {
			if !seen[msg.ID] {
				seen[msg.ID] = true
				fresh = append(fresh, msg)
			}
		}
		if len(fresh) == 0 {
			// Pending reads always start at the head of the backlog, so a
			// full window of already-replayed entries can still hide more
			// behind it. Widen the window until the read comes up short.
			if int64(len(msgs)) < count {
				return nil
			}
			count *= 2
			continue
		}

		c.logger.Warn("replaying pending entries",
			slog.Int("count", len(fresh)),
			slog.String("consumer", c.name),
		)

		for _, msg := range fresh {
			if err := c.recoverOne(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("pending entry replay failed",
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (c *Consumer) recoverOne(ctx context.Context, msg queue.Message) error {
	age, err := msg.Age(time.Now())
	if err == nil && age > c.staleAfter {
		c.metrics.StaleDiscarded(ctx)
		c.logger.Warn("discarding stale pending entry",
			slog.String("message_id", msg.ID),
			slog.Duration("age", age),
		)
		return c.ack(ctx, msg.ID)
	}

	payload, decodeErr := queue.DecodePayload(msg)
	if decodeErr != nil {
		return c.quarantine(ctx, msg, decodeErr)
	}

	// A task still PROCESSING here was orphaned by the crash: no live
	// execution owns it. Reset it so the claim below can win.
	healed, err := c.tasks.ResetStuckTask(ctx, payload.TaskID)
	if err != nil {
		return fmt.Errorf("reset stuck task %s: %w", payload.TaskID, err)
	}
	if healed {
		c.logger.Info("healed orphaned task",
			slog.String("task_id", payload.TaskID.String()),
		)
	}

	c.metrics.Recovered(ctx)
	return c.process(ctx, msg)
}
