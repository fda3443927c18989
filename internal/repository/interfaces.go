package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mailgate/internal/model"
)

// EventFilter narrows ops-API event queries.
type EventFilter struct {
	MessageID string
	Recipient string
	Type      model.EventType
	Limit     int
}

// EventRepository owns delivery-event rows. Rows are append-only; the only
// update ever applied is MarkResolved.
type EventRepository interface {
	// Create inserts the event unless a row with the same
	// (message id, timestamp, recipient, event type) already exists.
	// Returns whether a row was written.
	Create(ctx context.Context, event *model.Event) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Event, error)
	List(ctx context.Context, filter EventFilter) ([]*model.Event, error)
	// UnresolvedFailures returns failed, unresolved events with a non-empty
	// message id dated on or after since, oldest first.
	UnresolvedFailures(ctx context.Context, since time.Time) ([]*model.Event, error)
	// FailureCount counts failed events recorded for a (message, recipient)
	// pair.
	FailureCount(ctx context.Context, messageID, recipient string) (int, error)
	MarkResolved(ctx context.Context, id uuid.UUID) error
	// DeleteOlderThan removes events dated before cutoff and returns what
	// was removed so cached MIME blobs and correlated submissions can be
	// cleaned up.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]DeletedEvent, error)
}

// DeletedEvent identifies a truncated event row.
type DeletedEvent struct {
	ID        uuid.UUID `db:"id"`
	MessageID string    `db:"message_id"`
}

type SubmissionRepository interface {
	Create(ctx context.Context, submission *model.Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error)
	// SetMessageID records the provider-assigned message id after a
	// successful send.
	SetMessageID(ctx context.Context, id uuid.UUID, messageID string) error
	DeleteByMessageIDs(ctx context.Context, messageIDs []string) error
}

type SendTaskRepository interface {
	// Create persists a deferred send; a task with the same signature that
	// is still pending is not duplicated. Returns whether a row was written.
	Create(ctx context.Context, task *model.SendTask) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.SendTask, error)
	// GetDueWithLock claims up to limit due pending tasks with
	// FOR UPDATE SKIP LOCKED semantics.
	GetDueWithLock(ctx context.Context, limit int) ([]*model.SendTask, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.SendTaskStatus, errorMessage *string, retryAt *time.Time) error
	// Cancel flips a still-pending task to cancelled before dequeue.
	Cancel(ctx context.Context, id uuid.UUID) error
	// Requeue puts a failed task back in the queue. Consumed tasks are not
	// resurrected.
	Requeue(ctx context.Context, id uuid.UUID) error
}
