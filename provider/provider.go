// Package provider defines the downstream AI provider boundary: a
// fallible request/response contract with a bounded timeout, and the
// error taxonomy the consumer's ack policy is built on.
package provider

import (
	"context"
	"fmt"

	"github.com/omnigate/steward/id"
)

// Request is one chat-completion call. The conversation ID is passed
// through so the provider can reuse any per-conversation context it
// caches at the serving node.
type Request struct {
	Model          string
	ConversationID id.ConversationID
	Prompt         string
}

// Client is the downstream provider contract. A success yields the single
// response text; failures carry either UnavailableError (transport never
// reached a verdict, so a retry may succeed) or RejectedError (the
// provider answered with a non-success; a retry reproduces the rejection).
type Client interface {
	Complete(ctx context.Context, req *Request) (string, error)
}

// UnavailableError means the provider could not be reached: connection
// refused, DNS failure, timeout. The triggering message should stay
// unacknowledged for retry.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedError means the provider answered with a non-success status.
// The body is opaque; the task fails and the message is acknowledged.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected request: status %d", e.Status)
}
