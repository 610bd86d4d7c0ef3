// Package redis implements queue.Stream on Redis Streams. Consumer groups
// map to XGROUP, delivery to XREADGROUP, the pending-entries list to the
// group PEL read from "0", and acknowledgement to XACK.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisqueue.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/omnigate/steward/queue"
)

// Compile-time interface check.
var _ queue.Stream = (*Stream)(nil)

// Option configures the Stream.
type Option func(*Stream)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// Stream implements queue.Stream backed by Redis Streams.
type Stream struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a Redis-backed stream. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Stream {
	s := &Stream{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Stream) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// EnsureGroup creates the consumer group, creating the stream if needed.
// A BUSYGROUP response means the group already exists and is not an error.
func (s *Stream) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("steward/redis: ensure group %q on %q: %w", group, stream, err)
	}
	return nil
}

// Add appends an entry via XADD. A positive maxLen caps the stream with
// approximate trimming, which is what a bounded dead-letter stream wants.
func (s *Stream) Add(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	args := &goredis.XAddArgs{
		Stream: stream,
		Values: toAny(values),
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	msgID, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("steward/redis: add to %q: %w", stream, err)
	}
	return msgID, nil
}

// ReadNew delivers never-seen entries (">") to the named consumer,
// blocking up to block. A timeout returns (nil, nil).
func (s *Stream) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil // block timeout, nothing new
		}
		return nil, fmt.Errorf("steward/redis: read new from %q: %w", stream, err)
	}
	return flatten(res), nil
}

// ReadPending replays this consumer's pending-entries list by reading the
// group from "0": entries delivered to this identity but never acked.
func (s *Stream) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("steward/redis: read pending from %q: %w", stream, err)
	}
	return flatten(res), nil
}

// Ack retires entries from the group's pending state via XACK.
func (s *Stream) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("steward/redis: ack on %q: %w", stream, err)
	}
	return nil
}

// Message is re-exported for the flatten helper signature.
type Message = queue.Message

func flatten(streams []goredis.XStream) []Message {
	var out []Message
	for _, st := range streams {
		for _, xm := range st.Messages {
			out = append(out, Message{
				ID:     xm.ID,
				Values: toStrings(xm.Values),
			})
		}
	}
	return out
}

func toAny(values map[string]string) map[string]any {
	m := make(map[string]any, len(values))
	for k, v := range values {
		m[k] = v
	}
	return m
}

func toStrings(values map[string]any) map[string]string {
	m := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			m[k] = s
		case []byte:
			m[k] = string(s)
		default:
			m[k] = fmt.Sprint(v)
		}
	}
	return m
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
