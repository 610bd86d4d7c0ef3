package queue

import (
	"context"
	"time"
)

// Stream is the durable queue contract. Delivery is at-least-once: a
// message is retired from a consumer's pending-entries list only by
// explicit Ack. Redelivery across consumers is possible after a crash,
// so the store-level claim, not the stream, is the single-execution
// arbiter.
type Stream interface {
	// EnsureGroup idempotently creates the consumer group on the stream,
	// creating the stream if needed. An already-existing group is not an
	// error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Add appends an entry and returns its broker-assigned ID. When
	// maxLen > 0 the stream is capped and oldest entries are trimmed on
	// overflow.
	Add(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error)

	// ReadNew blocks up to block for entries never delivered to any
	// consumer in the group, delivers up to count of them to the named
	// consumer, and records them in its pending-entries list. A nil
	// slice with nil error means the block timeout elapsed.
	ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// ReadPending returns entries previously delivered to this consumer
	// but never acknowledged: the crash-recovery backlog. It does not
	// block.
	ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error)

	// Ack retires entries from the consumer group's pending state.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}
