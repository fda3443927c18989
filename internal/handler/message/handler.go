package message

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/mailgate/internal/handler"
	"github.com/jwalitptl/mailgate/internal/mailgun"
	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
	"github.com/jwalitptl/mailgate/internal/service/dispatch"
	"github.com/jwalitptl/mailgate/internal/service/resubmit"
	apperrors "github.com/jwalitptl/mailgate/pkg/errors"
)

// BounceAPI is the provider suppression capability exposed to ops tooling.
type BounceAPI interface {
	AddBounce(ctx context.Context, address, code, errorText string, createdAt time.Time) error
	RemoveBounce(ctx context.Context, address string) error
}

type Handler struct {
	dispatcher  *dispatch.Service
	resubmitter *resubmit.Service
	events      repository.EventRepository
	submissions repository.SubmissionRepository
	tasks       repository.SendTaskRepository
	bounces     BounceAPI
}

func NewHandler(
	dispatcher *dispatch.Service,
	resubmitter *resubmit.Service,
	events repository.EventRepository,
	submissions repository.SubmissionRepository,
	tasks repository.SendTaskRepository,
	bounces BounceAPI,
) *Handler {
	return &Handler{
		dispatcher:  dispatcher,
		resubmitter: resubmitter,
		events:      events,
		submissions: submissions,
		tasks:       tasks,
		bounces:     bounces,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	messages := r.Group("/messages")
	{
		messages.POST("", h.SendMessage)
	}

	events := r.Group("/events")
	{
		events.GET("", h.ListEvents)
		events.POST("/:id/resubmit", h.ResubmitEvent)
	}

	submissions := r.Group("/submissions")
	{
		submissions.POST("", h.CreateSubmission)
		submissions.GET("/:id/events", h.ListSubmissionEvents)
	}

	tasks := r.Group("/tasks")
	{
		tasks.POST("/:id/requeue", h.RequeueTask)
		tasks.POST("/:id/cancel", h.CancelTask)
	}

	bounces := r.Group("/suppressions/bounces")
	{
		bounces.POST("", h.AddBounce)
		bounces.DELETE("/:address", h.RemoveBounce)
	}
}

type attachmentRequest struct {
	Filename string `json:"filename" binding:"required"`
	MimeType string `json:"mimetype" binding:"required"`
	// Content is base64-encoded.
	Content string `json:"content" binding:"required"`
}

type sendMessageRequest struct {
	From               string              `json:"from" binding:"required"`
	To                 []string            `json:"to"`
	Cc                 []string            `json:"cc"`
	Bcc                []string            `json:"bcc"`
	Subject            string              `json:"subject"`
	Text               string              `json:"text"`
	HTML               string              `json:"html"`
	AMPHTML            string              `json:"amp_html"`
	Tags               []string            `json:"tags"`
	Headers            map[string]string   `json:"headers"`
	Variables          map[string]string   `json:"variables"`
	TemplateControls   map[string]string   `json:"template_controls"`
	Options            map[string]string   `json:"options"`
	RecipientVariables string              `json:"recipient_variables"`
	DeliverAt          *time.Time          `json:"deliver_at"`
	SubmissionID       *uuid.UUID          `json:"submission_id"`
	Attachments        []attachmentRequest `json:"attachments"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	msg := &dispatch.Message{
		From:               req.From,
		To:                 req.To,
		Cc:                 req.Cc,
		Bcc:                req.Bcc,
		Subject:            req.Subject,
		Text:               req.Text,
		HTML:               req.HTML,
		AMPHTML:            req.AMPHTML,
		Tags:               req.Tags,
		Headers:            req.Headers,
		Variables:          req.Variables,
		TemplateControls:   req.TemplateControls,
		Options:            req.Options,
		RecipientVariables: req.RecipientVariables,
		DeliverAt:          req.DeliverAt,
		SubmissionID:       req.SubmissionID,
	}

	for _, att := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("attachment content is not valid base64"))
			return
		}
		msg.Attachments = append(msg.Attachments, mailgun.Attachment{
			Filename:    att.Filename,
			MimeType:    att.MimeType,
			FileContent: content,
		})
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusBadGateway, handler.NewErrorResponse("send failed"))
		return
	}

	status := http.StatusOK
	if result.Deferred != nil {
		status = http.StatusAccepted
	}
	c.JSON(status, handler.NewSuccessResponse(result))
}

func (h *Handler) ListEvents(c *gin.Context) {
	filter := repository.EventFilter{
		MessageID: c.Query("message_id"),
		Recipient: c.Query("recipient"),
		Type:      model.EventType(c.Query("type")),
	}

	events, err := h.events.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("failed to list events"))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(events))
}

type resubmitRequest struct {
	// AllowRedeliver skips the already-delivered check.
	AllowRedeliver bool `json:"allow_redeliver"`
}

// ResubmitEvent is the manual path: it calls Resubmit directly and so
// bypasses the automated failure-count ceiling.
func (h *Handler) ResubmitEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid event ID"))
		return
	}

	var req resubmitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
			return
		}
	}

	event, err := h.events.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, handler.NewErrorResponse("event not found"))
		return
	}

	messageID, err := h.resubmitter.Resubmit(c.Request.Context(), event, req.AllowRedeliver)
	if err != nil {
		c.JSON(resubmitStatus(err), handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"message_id": messageID}))
}

func resubmitStatus(err error) int {
	switch {
	case apperrors.HasCode(err, apperrors.ErrResubmitNoRecipient),
		apperrors.HasCode(err, apperrors.ErrResubmitNoContent):
		return http.StatusUnprocessableEntity
	case apperrors.HasCode(err, apperrors.ErrResubmitAlreadyDelivered),
		apperrors.HasCode(err, apperrors.ErrResubmitTooManyFailures):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

type createSubmissionRequest struct {
	Source    string `json:"source" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	Recipient string `json:"recipient" binding:"required,email"`
	// MessageID correlates a submission to a message sent outside this API.
	// Must be the cleaned form, without angle brackets.
	MessageID string `json:"message_id" binding:"omitempty,msgid"`
}

func (h *Handler) CreateSubmission(c *gin.Context) {
	var req createSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	submission := &model.Submission{
		Source:    req.Source,
		Reference: req.Reference,
		Recipient: req.Recipient,
		MessageID: req.MessageID,
	}

	if err := h.submissions.Create(c.Request.Context(), submission); err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("failed to create submission"))
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(submission))
}

// ListSubmissionEvents answers "did my notification get delivered": it
// joins the submission's provider message id to its event history.
func (h *Handler) ListSubmissionEvents(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid submission ID"))
		return
	}

	submission, err := h.submissions.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, handler.NewErrorResponse("submission not found"))
		return
	}

	if submission.MessageID == "" {
		c.JSON(http.StatusOK, handler.NewSuccessResponse([]*model.Event{}))
		return
	}

	events, err := h.events.List(c.Request.Context(), repository.EventFilter{
		MessageID: submission.MessageID,
		Recipient: submission.Recipient,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("failed to list events"))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(events))
}

func (h *Handler) RequeueTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid task ID"))
		return
	}

	if err := h.tasks.Requeue(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"requeued": true}))
}

func (h *Handler) CancelTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid task ID"))
		return
	}

	if err := h.tasks.Cancel(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"cancelled": true}))
}

type addBounceRequest struct {
	Address   string     `json:"address" binding:"required,email"`
	Code      string     `json:"code"`
	Error     string     `json:"error"`
	CreatedAt *time.Time `json:"created_at"`
}

func (h *Handler) AddBounce(c *gin.Context) {
	var req addBounceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	createdAt := time.Time{}
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}

	if err := h.bounces.AddBounce(c.Request.Context(), req.Address, req.Code, req.Error, createdAt); err != nil {
		c.JSON(http.StatusBadGateway, handler.NewErrorResponse("failed to add bounce"))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"address": req.Address}))
}

func (h *Handler) RemoveBounce(c *gin.Context) {
	address := c.Param("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("address is required"))
		return
	}

	if err := h.bounces.RemoveBounce(c.Request.Context(), address); err != nil {
		c.JSON(http.StatusBadGateway, handler.NewErrorResponse("failed to remove bounce"))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"address": address}))
}
