package bunstore

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/task"
)

// CreateTask persists a new task, defaulting to PENDING.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	m := toTaskModel(t)
	if m.Status == "" {
		m.Status = string(task.StatusPending)
	}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return steward.ErrTaskAlreadyExists
		}
		return fmt.Errorf("steward/bun: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	m := new(taskModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", taskID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, steward.ErrTaskNotFound
		}
		return nil, fmt.Errorf("steward/bun: get task: %w", err)
	}
	return fromTaskModel(m)
}

// ClaimTask performs the atomic PENDING→PROCESSING transition: a single
// conditional UPDATE, success iff exactly one row was affected. This is
// the cross-process mutex for task ownership.
func (s *Store) ClaimTask(ctx context.Context, taskID id.TaskID) (bool, error) {
	res, err := s.db.NewUpdate().Model((*taskModel)(nil)).
		Set("status = ?", string(task.StatusProcessing)).
		Set("updated_at = NOW()").
		Where("id = ?", taskID.String()).
		Where("status = ?", string(task.StatusPending)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("steward/bun: claim task: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows == 1, nil
}

// ResetStuckTask performs the recovery-only PROCESSING→PENDING reversal.
func (s *Store) ResetStuckTask(ctx context.Context, taskID id.TaskID) (bool, error) {
	res, err := s.db.NewUpdate().Model((*taskModel)(nil)).
		Set("status = ?", string(task.StatusPending)).
		Set("updated_at = NOW()").
		Where("id = ?", taskID.String()).
		Where("status = ?", string(task.StatusProcessing)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("steward/bun: reset stuck task: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows == 1, nil
}

// MarkTaskFailed records FAILED with the error text.
func (s *Store) MarkTaskFailed(ctx context.Context, taskID id.TaskID, errText string) error {
	res, err := s.db.NewUpdate().Model((*taskModel)(nil)).
		Set("status = ?", string(task.StatusFailed)).
		Set("error_text = ?", errText).
		Set("updated_at = NOW()").
		Where("id = ?", taskID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("steward/bun: mark task failed: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return steward.ErrTaskNotFound
	}
	return nil
}

// MarkTaskSucceeded records SUCCESS with result and cost time, touching
// the conversation's last-activity timestamp in the same transaction.
func (s *Store) MarkTaskSucceeded(ctx context.Context, taskID id.TaskID, resultText string, costTime float64, conversationID id.ConversationID) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, execErr := tx.NewUpdate().Model((*taskModel)(nil)).
			Set("status = ?", string(task.StatusSuccess)).
			Set("result_text = ?", resultText).
			Set("cost_time = ?", costTime).
			Set("updated_at = NOW()").
			Where("id = ?", taskID.String()).
			Exec(ctx)
		if execErr != nil {
			return execErr
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			return steward.ErrTaskNotFound
		}

		if !conversationID.IsNil() {
			// A missing conversation is tolerated; the task result is
			// the record of truth.
			_, execErr = tx.NewUpdate().Model((*conversationModel)(nil)).
				Set("updated_at = NOW()").
				Where("id = ?", conversationID.String()).
				Exec(ctx)
			if execErr != nil {
				return execErr
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("steward/bun: mark task succeeded: %w", err)
	}
	return nil
}
