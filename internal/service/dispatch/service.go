package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/internal/mailgun"
	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
	"github.com/jwalitptl/mailgate/pkg/logger"
	"github.com/jwalitptl/mailgate/pkg/messaging"
	"github.com/jwalitptl/mailgate/pkg/metrics"
)

// WakeChannel is the broker channel the dispatcher pokes after queueing a
// deferred send so the worker picks it up ahead of its poll tick.
const WakeChannel = "send-tasks"

// Internal tracing headers must never reach the provider.
var internalHeaderPrefixes = []string{
	"X-Request-",
	"X-Trace-",
	"X-Internal-",
	"X-Forwarded-",
}

// Sender is the provider send capability the dispatcher and the deferred
// worker share.
type Sender interface {
	Send(ctx context.Context, params map[string][]string, attachments []mailgun.Attachment) (string, error)
}

// Message is an outbound mail before parameter normalization.
type Message struct {
	From               string
	To                 []string
	Cc                 []string
	Bcc                []string
	Subject            string
	Text               string
	HTML               string
	AMPHTML            string
	Attachments        []mailgun.Attachment
	Tags               []string
	Headers            map[string]string // sent as h:*
	Variables          map[string]string // sent as v:*
	TemplateControls   map[string]string // sent as t:*
	Options            map[string]string // sent as o:*
	RecipientVariables string            // JSON string
	DeliverAt          *time.Time
	// SubmissionID links the send back to its business-level trigger.
	SubmissionID *uuid.UUID
}

// ImmediateResult is a synchronous send outcome.
type ImmediateResult struct {
	MessageID string `json:"message_id"`
}

// DeferredResult is a queued send outcome.
type DeferredResult struct {
	TaskID uuid.UUID `json:"task_id"`
	// Queued is false when an identical pending task already existed.
	Queued bool `json:"queued"`
}

// Result is a tagged union: exactly one of Immediate or Deferred is set.
type Result struct {
	Immediate *ImmediateResult `json:"immediate,omitempty"`
	Deferred  *DeferredResult  `json:"deferred,omitempty"`
}

// EncodedAttachment is an attachment with base64-encoded content, safe to
// persist in a task payload.
type EncodedAttachment struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mimetype"`
	FileContent string `json:"fileContent"`
}

// TaskPayload is the persisted deferred-send state.
type TaskPayload struct {
	Params       map[string][]string `json:"parameters"`
	Attachments  []EncodedAttachment `json:"attachments,omitempty"`
	SubmissionID *uuid.UUID          `json:"submission_id,omitempty"`
}

// Decode restores provider attachments from their serialized form.
func (p *TaskPayload) DecodeAttachments() ([]mailgun.Attachment, error) {
	attachments := make([]mailgun.Attachment, 0, len(p.Attachments))
	for _, att := range p.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.FileContent)
		if err != nil {
			return nil, fmt.Errorf("failed to decode attachment %s: %w", att.Filename, err)
		}
		attachments = append(attachments, mailgun.Attachment{
			Filename:    att.Filename,
			MimeType:    att.MimeType,
			FileContent: content,
		})
	}
	return attachments, nil
}

type Service struct {
	cfg         config.DispatchConfig
	mailgunCfg  config.MailgunConfig
	webhookCfg  config.WebhookConfig
	sender      Sender
	tasks       repository.SendTaskRepository
	submissions repository.SubmissionRepository
	broker      messaging.Broker
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

func NewService(
	cfg config.DispatchConfig,
	mailgunCfg config.MailgunConfig,
	webhookCfg config.WebhookConfig,
	sender Sender,
	tasks repository.SendTaskRepository,
	submissions repository.SubmissionRepository,
	broker messaging.Broker,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		cfg:         cfg,
		mailgunCfg:  mailgunCfg,
		webhookCfg:  webhookCfg,
		sender:      sender,
		tasks:       tasks,
		submissions: submissions,
		broker:      broker,
		logger:      log,
		metrics:     m,
	}
}

// Dispatch normalizes the message into provider parameters and either sends
// it synchronously or hands it to the deferred task queue, per policy.
func (s *Service) Dispatch(ctx context.Context, msg *Message) (*Result, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if msg.From == "" {
		return nil, fmt.Errorf("message has no sender")
	}

	params := s.BuildParams(msg)

	if s.shouldDefer(msg) {
		return s.enqueue(ctx, msg, params)
	}
	return s.sendNow(ctx, msg, params)
}

// BuildParams maps the message onto the provider's parameter schema.
func (s *Service) BuildParams(msg *Message) map[string][]string {
	params := map[string][]string{
		"from": {msg.From},
	}

	to := msg.To
	// The provider rejects To-less sends when Cc/Bcc are present; fall back
	// to the configured default recipient.
	if len(to) == 0 && (len(msg.Cc) > 0 || len(msg.Bcc) > 0) && s.cfg.DefaultRecipient != "" {
		to = []string{s.cfg.DefaultRecipient}
	}
	if len(to) > 0 {
		params["to"] = to
	}
	if len(msg.Cc) > 0 {
		params["cc"] = msg.Cc
	}
	if len(msg.Bcc) > 0 {
		params["bcc"] = msg.Bcc
	}
	if msg.Subject != "" {
		params["subject"] = []string{msg.Subject}
	}
	if msg.Text != "" {
		params["text"] = []string{msg.Text}
	}
	if msg.HTML != "" {
		params["html"] = []string{msg.HTML}
	}
	if msg.AMPHTML != "" {
		params["amp-html"] = []string{msg.AMPHTML}
	}
	if msg.RecipientVariables != "" {
		params["recipient-variables"] = []string{msg.RecipientVariables}
	}

	for key, v := range msg.Options {
		params["o:"+key] = append(params["o:"+key], v)
	}
	for _, tag := range msg.Tags {
		params["o:tag"] = append(params["o:tag"], tag)
	}
	if msg.DeliverAt != nil {
		params["o:deliverytime"] = []string{msg.DeliverAt.UTC().Format(time.RFC1123Z)}
	}
	if s.mailgunCfg.TestMode {
		params["o:testmode"] = []string{"yes"}
	}

	for key, v := range msg.Headers {
		if isInternalHeader(key) {
			continue
		}
		params["h:"+key] = append(params["h:"+key], v)
	}
	for key, v := range msg.Variables {
		params["v:"+key] = append(params["v:"+key], v)
	}
	for key, v := range msg.TemplateControls {
		params["t:"+key] = append(params["t:"+key], v)
	}

	// Stamp the webhook filter secret so callbacks for this message can be
	// authenticated against it.
	if s.webhookCfg.FilterVariable != "" {
		params["v:webhook-filter-variable"] = []string{s.webhookCfg.FilterVariable}
	}

	return params
}

func isInternalHeader(name string) bool {
	for _, prefix := range internalHeaderPrefixes {
		if len(name) >= len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}

func (s *Service) shouldDefer(msg *Message) bool {
	switch s.cfg.Mode {
	case config.DispatchAlways:
		return true
	case config.DispatchNever:
		return false
	default:
		return len(msg.Attachments) > 0
	}
}

func (s *Service) sendNow(ctx context.Context, msg *Message, params map[string][]string) (*Result, error) {
	messageID, err := s.sender.Send(ctx, params, msg.Attachments)
	if err != nil {
		return nil, fmt.Errorf("direct send failed: %w", err)
	}

	if s.metrics != nil {
		s.metrics.DispatchTotal.WithLabelValues("sync").Inc()
	}

	if msg.SubmissionID != nil {
		if err := s.submissions.SetMessageID(ctx, *msg.SubmissionID, messageID); err != nil {
			s.logger.Error(err, "failed to record submission message id",
				"submission_id", msg.SubmissionID.String(),
				"message_id", messageID)
		}
	}

	return &Result{Immediate: &ImmediateResult{MessageID: messageID}}, nil
}

func (s *Service) enqueue(ctx context.Context, msg *Message, params map[string][]string) (*Result, error) {
	payload := TaskPayload{
		Params:       params,
		SubmissionID: msg.SubmissionID,
	}
	for _, att := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, EncodedAttachment{
			Filename:    att.Filename,
			MimeType:    att.MimeType,
			FileContent: base64.StdEncoding.EncodeToString(att.FileContent),
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize task payload: %w", err)
	}

	task := &model.SendTask{
		Domain:    s.mailgunCfg.Domain,
		Signature: taskSignature(s.mailgunCfg.Domain, raw),
		Payload:   raw,
		DeliverAt: msg.DeliverAt,
	}

	queued, err := s.tasks.Create(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to queue deferred send: %w", err)
	}

	if s.metrics != nil {
		s.metrics.DispatchTotal.WithLabelValues("deferred").Inc()
	}

	if queued && s.broker != nil {
		if err := s.broker.Publish(ctx, WakeChannel, task.ID.String()); err != nil {
			// The worker's poll tick will pick the task up regardless.
			s.logger.Warn("failed to publish send-task wake-up", "task_id", task.ID.String())
		}
	}

	return &Result{Deferred: &DeferredResult{TaskID: task.ID, Queued: queued}}, nil
}

// taskSignature is the dedup key for a deferred send.
func taskSignature(domain string, payload []byte) string {
	sum := sha256.Sum256(append([]byte(domain+"\x00"), payload...))
	return hex.EncodeToString(sum[:])
}
