// Package queue defines the durable stream abstraction the consumer runs
// against: an ordered, append-only log with consumer groups, per-message
// acknowledgement, and a pending-entries list per consumer.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/omnigate/steward/id"
)

// PayloadKey is the single well-known field carrying the task payload.
const PayloadKey = "payload"

// Message is one stream entry. IDs are "millis-seq" strings assigned by
// the broker in append order; the millisecond component is the message's
// own timestamp and the basis for staleness checks.
type Message struct {
	ID     string
	Values map[string]string
}

// Timestamp extracts the broker-assigned time from the message ID.
func (m Message) Timestamp() (time.Time, error) {
	millis, _, ok := strings.Cut(m.ID, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("steward/queue: malformed message id %q", m.ID)
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("steward/queue: malformed message id %q: %w", m.ID, err)
	}
	return time.UnixMilli(ms), nil
}

// Age returns how old the message is relative to now, derived from its ID.
func (m Message) Age(now time.Time) (time.Duration, error) {
	ts, err := m.Timestamp()
	if err != nil {
		return 0, err
	}
	return now.Sub(ts), nil
}

// TaskPayload is the serialized work record carried on the main stream.
type TaskPayload struct {
	TaskID         id.TaskID         `json:"task_id"`
	ConversationID id.ConversationID `json:"conversation_id,omitempty"`
	Prompt         string            `json:"prompt"`
	Model          string            `json:"model,omitempty"`
}

// ErrMissingPayload marks a message with no payload field.
var ErrMissingPayload = errors.New("steward/queue: message has no payload")

// ErrMissingTaskID marks a payload that parses but carries no task identity.
var ErrMissingTaskID = errors.New("steward/queue: payload has no task id")

// EncodePayload serializes a TaskPayload into stream field values.
func EncodePayload(p *TaskPayload) (map[string]string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("steward/queue: encode payload: %w", err)
	}
	return map[string]string{PayloadKey: string(raw)}, nil
}

// DecodePayload extracts and validates the TaskPayload from a message.
// Any error here means the message can never be processed and must be
// dead-lettered, not retried.
func DecodePayload(m Message) (*TaskPayload, error) {
	raw, ok := m.Values[PayloadKey]
	if !ok || raw == "" {
		return nil, ErrMissingPayload
	}
	var p TaskPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("steward/queue: decode payload: %w", err)
	}
	if p.TaskID.IsNil() {
		return nil, ErrMissingTaskID
	}
	return &p, nil
}

// RawPayload returns the payload field as a best-effort string for
// dead-letter preservation. Returns "None" when absent, mirroring the
// dead-letter entry contract.
func RawPayload(m Message) string {
	raw, ok := m.Values[PayloadKey]
	if !ok || raw == "" {
		return "None"
	}
	return raw
}
