package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventAccepted     EventType = "accepted"
	EventRejected     EventType = "rejected"
	EventDelivered    EventType = "delivered"
	EventFailed       EventType = "failed"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventUnsubscribed EventType = "unsubscribed"
	EventComplained   EventType = "complained"
	EventStored       EventType = "stored"
)

type Severity string

const (
	// Severity is only meaningful for failed events.
	SeverityPermanent Severity = "permanent"
	SeverityTemporary Severity = "temporary"
)

// Event is one delivery-lifecycle occurrence reported by the provider for a
// (message, recipient) pair. Rows are append-only: the only mutation ever
// applied is flipping Resolved once a failure is confirmed delivered.
//
// RemoteID is unique only within a calendar day per the provider contract,
// so the practical dedup key is (message id, timestamp, recipient, event type),
// enforced as a unique constraint by the store.
type Event struct {
	ID       uuid.UUID `db:"id" json:"id"`
	RemoteID string    `db:"remote_id" json:"remote_id"`
	// MessageID is stored without the provider's angle-bracket delimiters.
	MessageID string    `db:"message_id" json:"message_id"`
	Type      EventType `db:"event_type" json:"event_type"`
	Severity  Severity  `db:"severity" json:"severity,omitempty"`
	// Timestamp keeps the provider's fractional-second precision.
	Timestamp float64 `db:"event_timestamp" json:"timestamp"`
	// EventDate is the UTC calendar date derived from Timestamp, used for
	// retention-window queries.
	EventDate time.Time `db:"event_date" json:"event_date"`
	Recipient string    `db:"recipient" json:"recipient"`
	Reason    string    `db:"reason" json:"reason,omitempty"`

	// Delivery-status sub-record.
	StatusMessage     string  `db:"status_message" json:"status_message,omitempty"`
	StatusDescription string  `db:"status_description" json:"status_description,omitempty"`
	SMTPCode          int     `db:"smtp_code" json:"smtp_code,omitempty"`
	AttemptNo         int     `db:"attempt_no" json:"attempt_no,omitempty"`
	SessionSeconds    float64 `db:"session_seconds" json:"session_seconds,omitempty"`
	MXHost            string  `db:"mx_host" json:"mx_host,omitempty"`

	// StorageURL points at the raw MIME for the message; the provider keeps
	// it for 3 days from the event time.
	StorageURL string `db:"storage_url" json:"storage_url,omitempty"`

	// Resolved marks a failed event that has since been confirmed
	// delivered, preventing duplicate resubmission.
	Resolved  bool      `db:"resolved" json:"resolved"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// OccurredAt converts the provider timestamp to UTC time.
func (e *Event) OccurredAt() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// IsFailure reports whether the event represents an undelivered message.
func (e *Event) IsFailure() bool {
	return e.Type == EventFailed || e.Type == EventRejected
}
