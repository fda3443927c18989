package model

import (
	"time"

	"github.com/google/uuid"
)

// Submission correlates a business-level trigger (form submission,
// notification) with the message id the provider assigned, so external
// systems can ask "did my notification get delivered". The reconciliation
// core addresses events by message id + recipient and does not depend on it.
type Submission struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Source    string    `db:"source" json:"source"`
	Reference string    `db:"reference" json:"reference"`
	// MessageID is filled in after a successful send API response, stripped
	// of angle brackets.
	MessageID string    `db:"message_id" json:"message_id,omitempty"`
	Recipient string    `db:"recipient" json:"recipient"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
