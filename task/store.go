package task

import (
	"context"

	"github.com/omnigate/steward/id"
)

// Store defines the persistence contract for tasks.
//
// ClaimTask is the sole idempotency primitive in the system: however many
// times the queue redelivers a message, at most one delivery wins the
// claim and performs real work.
type Store interface {
	// CreateTask persists a new task in PENDING state.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// ClaimTask attempts the atomic PENDING→PROCESSING transition:
	// one conditional update, success iff exactly one row was affected.
	// Returns false when the task is already PROCESSING or terminal.
	ClaimTask(ctx context.Context, taskID id.TaskID) (bool, error)

	// ResetStuckTask performs the recovery-only PROCESSING→PENDING
	// reversal, healing a claim left incomplete by a crash so the normal
	// claim path can re-win it. Returns true if a row transitioned.
	ResetStuckTask(ctx context.Context, taskID id.TaskID) (bool, error)

	// MarkTaskFailed unconditionally records FAILED with the error text.
	// Used for infrastructure failures, downstream errors, and policy
	// rejections alike.
	MarkTaskFailed(ctx context.Context, taskID id.TaskID, errText string) error

	// MarkTaskSucceeded records SUCCESS with the result and cost time.
	// When conversationID is set, the conversation's last-activity
	// timestamp is touched in the same transaction.
	MarkTaskSucceeded(ctx context.Context, taskID id.TaskID, resultText string, costTime float64, conversationID id.ConversationID) error
}
