package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/internal/mailgun"
	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
	"github.com/jwalitptl/mailgate/internal/signing"
	apperrors "github.com/jwalitptl/mailgate/pkg/errors"
	"github.com/jwalitptl/mailgate/pkg/logger"
	"github.com/jwalitptl/mailgate/pkg/metrics"
)

// filterVariableKey is the user-variable the sender embeds in outbound
// messages so callbacks can be matched against the configured shared secret.
const filterVariableKey = "webhook-filter-variable"

// Hooks are optional callbacks invoked synchronously around event
// persistence.
type Hooks struct {
	BeforePersist func(event *model.Event)
	AfterPersist  func(event *model.Event, inserted bool)
}

type payload struct {
	Signature *signing.Signature `json:"signature"`
	EventData json.RawMessage    `json:"event-data"`
}

// Handler ingests provider delivery callbacks. Each terminal outcome maps
// to a distinct status code because the provider's retry behavior keys off
// it: 503 retryable, 400 possibly-transient client fault, 406 permanent
// rejection (stop retrying this callback), 200 accepted.
type Handler struct {
	cfg      config.WebhookConfig
	verifier *signing.Verifier
	events   repository.EventRepository
	hooks    Hooks
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewHandler(cfg config.WebhookConfig, verifier *signing.Verifier, events repository.EventRepository, hooks Hooks, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		cfg:      cfg,
		verifier: verifier,
		events:   events,
		hooks:    hooks,
		logger:   log,
		metrics:  m,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.Any("/webhooks/mailgun", h.Receive)
}

func (h *Handler) Receive(c *gin.Context) {
	start := time.Now()
	defer func() {
		if h.metrics != nil {
			h.metrics.WebhookLatency.Observe(time.Since(start).Seconds())
		}
	}()

	if !h.cfg.Enabled {
		h.respond(c, http.StatusServiceUnavailable)
		return
	}

	if c.Request.Method != http.MethodPost {
		h.respond(c, http.StatusMethodNotAllowed)
		return
	}

	contentType := c.ContentType()
	if !strings.EqualFold(contentType, "application/json") {
		h.respond(c, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respond(c, http.StatusBadRequest)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.Signature == nil || len(p.EventData) == 0 {
		h.respond(c, http.StatusBadRequest)
		return
	}

	event, err := mailgun.ParseEvent(p.EventData)
	if err != nil {
		h.respond(c, http.StatusBadRequest)
		return
	}

	if !h.filterVariableMatches(event) {
		h.logger.ZL.Info().
			Str("recipient", event.Recipient).
			Msg("webhook rejected: filter variable mismatch")
		h.respond(c, http.StatusBadRequest)
		return
	}

	valid, err := h.verifier.Verify(*p.Signature)
	if err != nil {
		// Missing signing key is a local misconfiguration, not a bad
		// callback; fail loudly instead of telling the provider to stop.
		h.logger.Error(err, "webhook verification unavailable")
		h.respond(c, http.StatusInternalServerError)
		return
	}
	if !valid {
		h.logger.ZL.Info().
			Str("recipient", event.Recipient).
			Msg("webhook rejected: invalid signature")
		h.respond(c, http.StatusNotAcceptable)
		return
	}

	row := event.ToModel()
	if h.hooks.BeforePersist != nil {
		h.hooks.BeforePersist(row)
	}

	inserted, err := h.events.Create(c.Request.Context(), row)
	if err != nil {
		h.logger.Error(apperrors.Unavailable("event persist failed", err), "failed to persist webhook event",
			"message_id", row.MessageID,
			"event_type", string(row.Type))
		h.respond(c, http.StatusServiceUnavailable)
		return
	}

	if h.metrics != nil {
		if inserted {
			h.metrics.EventsPersisted.Inc()
		} else {
			h.metrics.EventsDuplicate.Inc()
		}
	}

	if h.hooks.AfterPersist != nil {
		h.hooks.AfterPersist(row, inserted)
	}

	h.respond(c, http.StatusOK)
}

// filterVariableMatches accepts the current configured value or the
// previous one, so the secret can be rotated without dropping callbacks for
// in-flight messages.
func (h *Handler) filterVariableMatches(event *mailgun.ProviderEvent) bool {
	if h.cfg.FilterVariable == "" {
		return true
	}

	got := event.UserVariable(filterVariableKey)
	if got == h.cfg.FilterVariable {
		return true
	}
	if h.cfg.PreviousFilterVariable != "" && got == h.cfg.PreviousFilterVariable {
		return true
	}
	return false
}

// The response body never carries internal error detail; the provider only
// sees the status code and a success flag.
func (h *Handler) respond(c *gin.Context, status int) {
	if h.metrics != nil {
		h.metrics.WebhookRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	}
	c.JSON(status, gin.H{"success": status == http.StatusOK})
}
