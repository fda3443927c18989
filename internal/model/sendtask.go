package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SendTaskStatus string

const (
	SendTaskPending   SendTaskStatus = "pending"
	SendTaskProcessed SendTaskStatus = "processed"
	SendTaskFailed    SendTaskStatus = "failed"
	SendTaskCancelled SendTaskStatus = "cancelled"
	// SendTaskConsumed marks a task whose parameters were already cleared;
	// requeueing it is pointless and it must be skipped, not resurrected.
	SendTaskConsumed SendTaskStatus = "consumed"
)

// SendTask is a deferred send persisted for the worker. Payload holds the
// full send-API parameter map with attachment content base64-encoded so it
// survives serialization.
type SendTask struct {
	ID     uuid.UUID `db:"id" json:"id"`
	Domain string    `db:"domain" json:"domain"`
	// Signature is the dedup key: SHA-256 of (domain, canonical payload).
	Signature    string          `db:"signature" json:"signature"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       SendTaskStatus  `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	RetryAt      *time.Time      `db:"retry_at" json:"retry_at,omitempty"`
	// DeliverAt delays dequeue for future-dated sends.
	DeliverAt   *time.Time `db:"deliver_at" json:"deliver_at,omitempty"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
