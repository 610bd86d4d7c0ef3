// Package dlq quarantines unprocessable messages. A message that cannot
// be parsed, or carries no task identity, is copied verbatim onto a
// bounded dead-letter stream and acknowledged off the main stream, so a
// single poison message can never stall consumption.
//
// An [Entry] captures:
//   - OriginalID: the message's ID on the main stream
//   - Error: why it could not be processed
//   - SourceWorker: which consumer quarantined it
//   - FailedAt: epoch seconds of quarantine
//   - RawPayload: the original payload, best-effort decoded
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/observability"
	"github.com/omnigate/steward/queue"
)

// DefaultStream is the dead-letter stream key.
const DefaultStream = "sys_dead_letters"

// DefaultMaxLen caps the dead-letter stream; oldest entries are trimmed
// on overflow.
const DefaultMaxLen int64 = 10000

// Entry is one quarantined message, preserved for diagnosis.
type Entry struct {
	ID           id.DLQID  `json:"id"`
	OriginalID   string    `json:"original_id"`
	Error        string    `json:"error"`
	SourceWorker string    `json:"source_worker"`
	FailedAt     time.Time `json:"failed_at"`
	RawPayload   string    `json:"raw_payload"`
}

// Service writes dead-letter entries onto a bounded stream.
type Service struct {
	stream    queue.Stream
	streamKey string
	maxLen    int64
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithStreamKey overrides the dead-letter stream key.
func WithStreamKey(key string) Option {
	return func(s *Service) { s.streamKey = key }
}

// WithMaxLen overrides the dead-letter stream cap.
func WithMaxLen(n int64) Option {
	return func(s *Service) { s.maxLen = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a dead-letter service over the given stream.
func NewService(stream queue.Stream, opts ...Option) *Service {
	s := &Service{
		stream:    stream,
		streamKey: DefaultStream,
		maxLen:    DefaultMaxLen,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StreamKey returns the dead-letter stream key.
func (s *Service) StreamKey() string { return s.streamKey }

// Quarantine copies the poison message onto the dead-letter stream. The
// caller still acknowledges it off the main stream; quarantine and ack
// are deliberately separate so a dead-letter write failure never loses
// the original pending entry.
func (s *Service) Quarantine(ctx context.Context, msg queue.Message, cause error, source string) error {
	entry := &Entry{
		ID:           id.NewDLQID(),
		OriginalID:   msg.ID,
		Error:        cause.Error(),
		SourceWorker: source,
		FailedAt:     time.Now().UTC(),
		RawPayload:   queue.RawPayload(msg),
	}

	if _, err := s.stream.Add(ctx, s.streamKey, encodeEntry(entry), s.maxLen); err != nil {
		return fmt.Errorf("steward/dlq: quarantine %s: %w", msg.ID, err)
	}

	s.metrics.DeadLettered(ctx)
	s.logger.Warn("message dead-lettered",
		slog.String("original_id", entry.OriginalID),
		slog.String("source", source),
		slog.String("error", entry.Error),
	)
	return nil
}

func encodeEntry(e *Entry) map[string]string {
	return map[string]string{
		"id":            e.ID.String(),
		"original_id":   e.OriginalID,
		"error":         e.Error,
		"source_worker": e.SourceWorker,
		"failed_at":     strconv.FormatInt(e.FailedAt.Unix(), 10),
		"raw_payload":   e.RawPayload,
	}
}

// DecodeEntry reads an Entry back out of a dead-letter stream message.
func DecodeEntry(msg queue.Message) (*Entry, error) {
	entryID, err := id.ParseDLQID(msg.Values["id"])
	if err != nil {
		return nil, fmt.Errorf("steward/dlq: decode entry %s: %w", msg.ID, err)
	}
	secs, err := strconv.ParseInt(msg.Values["failed_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("steward/dlq: decode entry %s: %w", msg.ID, err)
	}
	return &Entry{
		ID:           entryID,
		OriginalID:   msg.Values["original_id"],
		Error:        msg.Values["error"],
		SourceWorker: msg.Values["source_worker"],
		FailedAt:     time.Unix(secs, 0).UTC(),
		RawPayload:   msg.Values["raw_payload"],
	}, nil
}
