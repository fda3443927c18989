package mailgun

import (
	"encoding/json"

	"github.com/jwalitptl/mailgate/internal/model"
)

// ProviderEvent is the provider's wire representation of one delivery
// event, shared by the webhook payload ("event-data") and the event-search
// API's page items.
type ProviderEvent struct {
	ID        string  `json:"id"`
	Event     string  `json:"event"`
	Timestamp float64 `json:"timestamp"`
	Recipient string  `json:"recipient"`
	Severity  string  `json:"severity"`
	Reason    string  `json:"reason"`
	Message   struct {
		Headers struct {
			MessageID string `json:"message-id"`
		} `json:"headers"`
	} `json:"message"`
	DeliveryStatus struct {
		Message        string  `json:"message"`
		Description    string  `json:"description"`
		Code           int     `json:"code"`
		AttemptNo      int     `json:"attempt-no"`
		SessionSeconds float64 `json:"session-seconds"`
		MXHost         string  `json:"mx-host"`
	} `json:"delivery-status"`
	Storage struct {
		URL string `json:"url"`
		Key string `json:"key"`
	} `json:"storage"`
	UserVariables map[string]interface{} `json:"user-variables"`
	Tags          []string               `json:"tags"`
}

// ParseEvent decodes a raw provider event object.
func ParseEvent(raw json.RawMessage) (*ProviderEvent, error) {
	var ev ProviderEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// UserVariable returns the named user variable as a string, or "" if absent
// or not a string.
func (e *ProviderEvent) UserVariable(name string) string {
	if e.UserVariables == nil {
		return ""
	}
	if v, ok := e.UserVariables[name].(string); ok {
		return v
	}
	return ""
}

// ToModel converts the wire event to a store row. The message id loses its
// angle-bracket delimiters here, once, so every local comparison works on
// the cleaned form.
func (e *ProviderEvent) ToModel() *model.Event {
	return &model.Event{
		RemoteID:          e.ID,
		MessageID:         CleanMessageID(e.Message.Headers.MessageID),
		Type:              model.EventType(e.Event),
		Severity:          model.Severity(e.Severity),
		Timestamp:         e.Timestamp,
		Recipient:         e.Recipient,
		Reason:            e.Reason,
		StatusMessage:     e.DeliveryStatus.Message,
		StatusDescription: e.DeliveryStatus.Description,
		SMTPCode:          e.DeliveryStatus.Code,
		AttemptNo:         e.DeliveryStatus.AttemptNo,
		SessionSeconds:    e.DeliveryStatus.SessionSeconds,
		MXHost:            e.DeliveryStatus.MXHost,
		StorageURL:        e.Storage.URL,
	}
}
