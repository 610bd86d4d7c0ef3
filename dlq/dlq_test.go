package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omnigate/steward/dlq"
	"github.com/omnigate/steward/queue"
	"github.com/omnigate/steward/queue/memory"
)

func TestQuarantinePreservesMessage(t *testing.T) {
	ctx := context.Background()
	stream := memory.New()
	svc := dlq.NewService(stream)

	msg := queue.Message{
		ID:     "1700000000000-0",
		Values: map[string]string{queue.PayloadKey: `{"broken`},
	}
	if err := svc.Quarantine(ctx, msg, errors.New("decode payload: unexpected end of JSON input"), "worker-1"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	entries := stream.Range(dlq.DefaultStream, 10)
	if len(entries) != 1 {
		t.Fatalf("dead-letter stream holds %d entries, want 1", len(entries))
	}

	entry, err := dlq.DecodeEntry(entries[0])
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if entry.OriginalID != msg.ID {
		t.Errorf("original id = %q, want %q", entry.OriginalID, msg.ID)
	}
	if entry.SourceWorker != "worker-1" {
		t.Errorf("source worker = %q, want worker-1", entry.SourceWorker)
	}
	if entry.RawPayload != msg.Values[queue.PayloadKey] {
		t.Errorf("raw payload = %q, want the original bytes", entry.RawPayload)
	}
	if entry.Error == "" {
		t.Error("entry carries no error description")
	}
	if time.Since(entry.FailedAt) > time.Minute {
		t.Errorf("failed_at = %v, want recent", entry.FailedAt)
	}
}

func TestQuarantineEmptyPayloadRecordsNone(t *testing.T) {
	ctx := context.Background()
	stream := memory.New()
	svc := dlq.NewService(stream)

	msg := queue.Message{ID: "1700000000000-1", Values: map[string]string{}}
	if err := svc.Quarantine(ctx, msg, queue.ErrMissingPayload, "worker-1"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	entries := stream.Range(dlq.DefaultStream, 10)
	if len(entries) != 1 {
		t.Fatalf("dead-letter stream holds %d entries, want 1", len(entries))
	}
	entry, err := dlq.DecodeEntry(entries[0])
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if entry.RawPayload != "None" {
		t.Errorf("raw payload = %q, want None for an absent payload", entry.RawPayload)
	}
}

func TestQuarantineRespectsMaxLen(t *testing.T) {
	ctx := context.Background()
	stream := memory.New()
	svc := dlq.NewService(stream, dlq.WithMaxLen(2))

	for i := range 5 {
		msg := queue.Message{ID: "1700000000000-" + string(rune('0'+i)), Values: nil}
		if err := svc.Quarantine(ctx, msg, errors.New("bad"), "worker-1"); err != nil {
			t.Fatalf("Quarantine: %v", err)
		}
	}
	if got := stream.Len(dlq.DefaultStream); got != 2 {
		t.Errorf("dead-letter stream length = %d, want capped at 2", got)
	}
}
