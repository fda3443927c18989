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

type eventRepository struct {
	BaseRepository
}

func NewEventRepository(base BaseRepository) repository.EventRepository {
	return &eventRepository{base}
}

const eventColumns = `
	id, remote_id, message_id, event_type, severity, event_timestamp,
	event_date, recipient, reason, status_message, status_description,
	smtp_code, attempt_no, session_seconds, mx_host, storage_url,
	resolved, created_at
`

func (r *eventRepository) Create(ctx context.Context, event *model.Event) (bool, error) {
	if event == nil {
		return false, fmt.Errorf("event cannot be nil")
	}

	event.ID = uuid.New()
	event.CreatedAt = time.Now()
	event.EventDate = event.OccurredAt().Truncate(24 * time.Hour)

	// The unique index on (message_id, event_timestamp, recipient, event_type)
	// makes re-ingesting a known event a no-op, whether it arrives via
	// webhook push or poller pull.
	query := `
		INSERT INTO delivery_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (message_id, event_timestamp, recipient, event_type) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.RemoteID,
		event.MessageID,
		event.Type,
		event.Severity,
		event.Timestamp,
		event.EventDate,
		event.Recipient,
		event.Reason,
		event.StatusMessage,
		event.StatusDescription,
		event.SMTPCode,
		event.AttemptNo,
		event.SessionSeconds,
		event.MXHost,
		event.StorageURL,
		event.Resolved,
		event.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create delivery event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return rows > 0, nil
}

func (r *eventRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM delivery_events WHERE id = $1`

	var event model.Event
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("delivery event %s not found", id)
		}
		return nil, fmt.Errorf("failed to get delivery event: %w", err)
	}
	return &event, nil
}

func (r *eventRepository) List(ctx context.Context, filter repository.EventFilter) ([]*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM delivery_events WHERE 1=1`
	args := []interface{}{}

	if filter.MessageID != "" {
		args = append(args, filter.MessageID)
		query += fmt.Sprintf(" AND message_id = $%d", len(args))
	}
	if filter.Recipient != "" {
		args = append(args, filter.Recipient)
		query += fmt.Sprintf(" AND recipient = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}

	query += " ORDER BY event_timestamp ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	var events []*model.Event
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list delivery events: %w", err)
	}
	return events, nil
}

func (r *eventRepository) UnresolvedFailures(ctx context.Context, since time.Time) ([]*model.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM delivery_events
		WHERE event_type = $1
		AND resolved = FALSE
		AND message_id <> ''
		AND event_date >= $2
		ORDER BY event_timestamp ASC
	`

	var events []*model.Event
	err := r.db.SelectContext(ctx, &events, query, model.EventFailed, since)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved failures: %w", err)
	}
	return events, nil
}

func (r *eventRepository) FailureCount(ctx context.Context, messageID, recipient string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM delivery_events
		WHERE message_id = $1 AND recipient = $2 AND event_type = $3
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, messageID, recipient, model.EventFailed); err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

func (r *eventRepository) MarkResolved(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE delivery_events SET resolved = TRUE WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark event resolved: %w", err)
	}
	return nil
}

func (r *eventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]repository.DeletedEvent, error) {
	query := `
		DELETE FROM delivery_events
		WHERE event_date < $1
		RETURNING id, message_id
	`

	rows, err := r.db.QueryxContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired events: %w", err)
	}
	defer rows.Close()

	var deleted []repository.DeletedEvent
	for rows.Next() {
		var d repository.DeletedEvent
		if err := rows.StructScan(&d); err != nil {
			return deleted, fmt.Errorf("failed to scan deleted event: %w", err)
		}
		deleted = append(deleted, d)
	}
	return deleted, rows.Err()
}
