package resubmit

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/internal/mimecache"
	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
	apperrors "github.com/jwalitptl/mailgate/pkg/errors"
	"github.com/jwalitptl/mailgate/pkg/logger"
	"github.com/jwalitptl/mailgate/pkg/metrics"
)

// Provider is the slice of the provider API the resubmitter needs.
type Provider interface {
	HasDelivered(ctx context.Context, messageID, recipient string) (bool, error)
	FetchStored(ctx context.Context, storageURL string) ([]byte, error)
	SendMIME(ctx context.Context, recipient string, mimeContent []byte, options map[string]string) (string, error)
}

// Service re-attempts delivery of a failed message's raw content to the one
// recipient that failed. Automated runs enforce a failure-count ceiling;
// manual (administrator) resubmits bypass it.
type Service struct {
	cfg      config.ResubmitConfig
	provider Provider
	events   repository.EventRepository
	cache    *mimecache.Cache
	// delivered memoizes delivered-checks so a reconciliation batch does
	// not poll the provider twice for the same pair.
	delivered *gocache.Cache
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func NewService(
	cfg config.ResubmitConfig,
	provider Provider,
	events repository.EventRepository,
	cache *mimecache.Cache,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		cfg:       cfg,
		provider:  provider,
		events:    events,
		cache:     cache,
		delivered: gocache.New(10*time.Minute, 30*time.Minute),
		logger:    log,
		metrics:   m,
	}
}

// CheckDelivered reports whether the provider now knows the message as
// delivered to the recipient. Results are memoized briefly; a message that
// was delivered once stays delivered.
func (s *Service) CheckDelivered(ctx context.Context, messageID, recipient string) (bool, error) {
	key := messageID + "|" + recipient
	if v, ok := s.delivered.Get(key); ok {
		return v.(bool), nil
	}

	delivered, err := s.provider.HasDelivered(ctx, messageID, recipient)
	if err != nil {
		return false, err
	}

	s.delivered.Set(key, delivered, gocache.DefaultExpiration)
	return delivered, nil
}

// Resubmit resends the message's raw MIME to the event's recipient.
// Returns the cleaned message id of the resubmission. Unless allowRedeliver
// is set, it first re-checks the provider for a delivered event, since the
// message may already have been resubmitted through the provider console.
func (s *Service) Resubmit(ctx context.Context, event *model.Event, allowRedeliver bool) (string, error) {
	if event.Recipient == "" {
		s.refused("no_recipient")
		return "", apperrors.Resubmit(apperrors.ErrResubmitNoRecipient, "event has no recipient, cannot resubmit")
	}

	if !allowRedeliver {
		delivered, err := s.CheckDelivered(ctx, event.MessageID, event.Recipient)
		if err != nil {
			return "", fmt.Errorf("delivered check failed: %w", err)
		}
		if delivered {
			s.refused("already_delivered")
			return "", apperrors.Resubmit(apperrors.ErrResubmitAlreadyDelivered, "message already delivered, nothing to do")
		}
	}

	content, err := s.fetchContent(ctx, event)
	if err != nil {
		s.refused("no_content")
		return "", err
	}

	// The dedicated tag lets later polls tell resubmissions apart from
	// original sends.
	options := map[string]string{}
	if s.cfg.Tag != "" {
		options["o:tag"] = s.cfg.Tag
	}

	messageID, err := s.provider.SendMIME(ctx, event.Recipient, content, options)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ResubmitAttempts.WithLabelValues("error").Inc()
		}
		return "", fmt.Errorf("raw MIME resend failed: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ResubmitAttempts.WithLabelValues("success").Inc()
	}
	s.logger.Info("message resubmitted",
		"original_message_id", event.MessageID,
		"new_message_id", messageID,
		"recipient", event.Recipient)

	return messageID, nil
}

// AutomatedResubmit is the scheduled-path entry point: it enforces the
// per-(message, recipient) failure ceiling before touching the network and
// caches MIME content for failures trending toward permanent.
func (s *Service) AutomatedResubmit(ctx context.Context, event *model.Event) (string, error) {
	count, err := s.events.FailureCount(ctx, event.MessageID, event.Recipient)
	if err != nil {
		return "", fmt.Errorf("failed to count failures: %w", err)
	}
	if s.cfg.MaxFailures > 0 && count >= s.cfg.MaxFailures {
		s.refused("too_many_failures")
		return "", apperrors.Resubmit(apperrors.ErrResubmitTooManyFailures,
			fmt.Sprintf("%d failures for %s reached the automated ceiling", count, event.Recipient))
	}

	if err := s.StoreIfRequired(ctx, event, count); err != nil {
		// Caching is opportunistic; the resubmit itself can still proceed
		// while the provider's storage window is open.
		s.logger.Warn("failed to cache MIME content",
			"message_id", event.MessageID,
			"recipient", event.Recipient)
	}

	return s.Resubmit(ctx, event, false)
}

// StoreIfRequired downloads and caches the raw MIME once a pair has failed
// enough times, so content survives the provider's 3-day storage window.
// Transient failures below the threshold are not worth the storage.
func (s *Service) StoreIfRequired(ctx context.Context, event *model.Event, failureCount int) error {
	if !s.cfg.CacheEnabled || s.cache == nil {
		return nil
	}
	if failureCount < s.cfg.CacheThreshold {
		return nil
	}
	if s.cache.Has(event.ID) {
		return nil
	}

	content, err := s.provider.FetchStored(ctx, event.StorageURL)
	if err != nil {
		return fmt.Errorf("failed to fetch content for caching: %w", err)
	}
	return s.cache.Store(event.ID, content)
}

// fetchContent tries the provider's time-limited storage first, then the
// local cache.
func (s *Service) fetchContent(ctx context.Context, event *model.Event) ([]byte, error) {
	if event.StorageURL != "" {
		content, err := s.provider.FetchStored(ctx, event.StorageURL)
		if err == nil {
			return content, nil
		}
		s.logger.Debug("stored content unavailable, trying local cache",
			"message_id", event.MessageID)
	}

	if s.cache != nil {
		if content, err := s.cache.Get(event.ID); err == nil {
			return content, nil
		}
	}

	return nil, apperrors.Resubmit(apperrors.ErrResubmitNoContent, "no content available, cannot resubmit")
}

func (s *Service) refused(reason string) {
	if s.metrics != nil {
		s.metrics.ResubmitRefused.WithLabelValues(reason).Inc()
	}
}
