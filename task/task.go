// Package task defines the unit of work, its state machine, and the
// finalizer that audits computed results before committing terminal state.
package task

import (
	"github.com/omnigate/steward"
	"github.com/omnigate/steward/id"
)

// Status represents the lifecycle state of a task.
//
// Legal transitions: PENDING→PROCESSING (claim), PROCESSING→SUCCESS,
// PROCESSING→FAILED, and the single sanctioned reversal
// PROCESSING→PENDING performed only by crash recovery.
type Status string

const (
	// StatusPending means the task awaits a claim.
	StatusPending Status = "PENDING"
	// StatusProcessing means exactly one execution owns the task.
	StatusProcessing Status = "PROCESSING"
	// StatusSuccess is terminal: the result passed the policy audit.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed is terminal: infrastructure failure, downstream error,
	// or policy rejection.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether the status is SUCCESS or FAILED.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Task represents one chat-completion request flowing through the system.
// The submission path creates it in PENDING; claim and the finalizer
// mutate it; nothing in this core deletes it.
type Task struct {
	steward.Entity

	ID             id.TaskID         `json:"id"`
	ConversationID id.ConversationID `json:"conversation_id,omitempty"`
	Status         Status            `json:"status"`
	Prompt         string            `json:"prompt"`
	Model          string            `json:"model,omitempty"`
	ResultText     string            `json:"result_text,omitempty"`
	ErrorText      string            `json:"error_text,omitempty"`
	// CostTime is the downstream call duration in seconds.
	CostTime float64 `json:"cost_time,omitempty"`
}
