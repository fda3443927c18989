package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
)

type submissionRepository struct {
	BaseRepository
}

func NewSubmissionRepository(base BaseRepository) repository.SubmissionRepository {
	return &submissionRepository{base}
}

func (r *submissionRepository) Create(ctx context.Context, submission *model.Submission) error {
	if submission == nil {
		return fmt.Errorf("submission cannot be nil")
	}

	submission.ID = uuid.New()
	submission.CreatedAt = time.Now()
	submission.UpdatedAt = submission.CreatedAt

	query := `
		INSERT INTO submissions (id, source, reference, message_id, recipient, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		submission.ID,
		submission.Source,
		submission.Reference,
		submission.MessageID,
		submission.Recipient,
		submission.CreatedAt,
		submission.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	query := `
		SELECT id, source, reference, message_id, recipient, created_at, updated_at
		FROM submissions
		WHERE id = $1
	`

	var submission model.Submission
	if err := r.db.GetContext(ctx, &submission, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("submission %s not found", id)
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return &submission, nil
}

func (r *submissionRepository) SetMessageID(ctx context.Context, id uuid.UUID, messageID string) error {
	query := `
		UPDATE submissions
		SET message_id = $1, updated_at = $2
		WHERE id = $3
	`

	if _, err := r.db.ExecContext(ctx, query, messageID, time.Now(), id); err != nil {
		return fmt.Errorf("failed to set submission message id: %w", err)
	}
	return nil
}

func (r *submissionRepository) DeleteByMessageIDs(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	query := `DELETE FROM submissions WHERE message_id = ANY($1)`

	if _, err := r.db.ExecContext(ctx, query, pq.Array(messageIDs)); err != nil {
		return fmt.Errorf("failed to delete submissions: %w", err)
	}
	return nil
}
