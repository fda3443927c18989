package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
)

type sendTaskRepository struct {
	BaseRepository
}

func NewSendTaskRepository(base BaseRepository) repository.SendTaskRepository {
	return &sendTaskRepository{base}
}

const sendTaskColumns = `
	id, domain, signature, payload, status, error_message, retry_count,
	retry_at, deliver_at, processed_at, created_at, updated_at
`

func (r *sendTaskRepository) Create(ctx context.Context, task *model.SendTask) (bool, error) {
	if task == nil {
		return false, fmt.Errorf("task cannot be nil")
	}
	if task.Payload == nil {
		return false, fmt.Errorf("task payload cannot be nil")
	}

	task.ID = uuid.New()
	task.Status = model.SendTaskPending
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt

	// The partial unique index on signature (status = 'pending') keeps an
	// identical deferred send from being queued twice.
	query := `
		INSERT INTO send_tasks (` + sendTaskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signature) WHERE status = 'pending' DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.Domain,
		task.Signature,
		task.Payload,
		task.Status,
		task.ErrorMessage,
		task.RetryCount,
		task.RetryAt,
		task.DeliverAt,
		task.ProcessedAt,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create send task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return rows > 0, nil
}

func (r *sendTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.SendTask, error) {
	query := `SELECT ` + sendTaskColumns + ` FROM send_tasks WHERE id = $1`

	var task model.SendTask
	if err := r.db.GetContext(ctx, &task, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("send task %s not found", id)
		}
		return nil, fmt.Errorf("failed to get send task: %w", err)
	}
	return &task, nil
}

func (r *sendTaskRepository) GetDueWithLock(ctx context.Context, limit int) ([]*model.SendTask, error) {
	query := `
		SELECT ` + sendTaskColumns + `
		FROM send_tasks
		WHERE status = 'pending'
		AND (deliver_at IS NULL OR deliver_at <= NOW())
		AND (retry_at IS NULL OR retry_at <= NOW())
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`

	var tasks []*model.SendTask
	if err := r.db.SelectContext(ctx, &tasks, query, limit); err != nil {
		return nil, fmt.Errorf("failed to get due send tasks: %w", err)
	}
	return tasks, nil
}

func (r *sendTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SendTaskStatus, errorMessage *string, retryAt *time.Time) error {
	query := `
		UPDATE send_tasks
		SET status = $1,
			error_message = $2,
			retry_at = $3,
			retry_count = CASE WHEN $3::timestamptz IS NOT NULL THEN retry_count + 1 ELSE retry_count END,
			processed_at = CASE WHEN $1 = 'processed' THEN NOW() ELSE processed_at END,
			updated_at = NOW()
		WHERE id = $4
	`

	if _, err := r.db.ExecContext(ctx, query, status, errorMessage, retryAt, id); err != nil {
		return fmt.Errorf("failed to update send task status: %w", err)
	}
	return nil
}

func (r *sendTaskRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE send_tasks
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel send task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read cancel result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("send task %s is not pending", id)
	}
	return nil
}

func (r *sendTaskRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	// Consumed tasks lost their parameters and must stay terminal.
	query := `
		UPDATE send_tasks
		SET status = 'pending', error_message = NULL, retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to requeue send task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read requeue result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("send task %s is not requeueable", id)
	}
	return nil
}
