package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/internal/mimecache"
	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
	"github.com/jwalitptl/mailgate/internal/service/resubmit"
	apperrors "github.com/jwalitptl/mailgate/pkg/errors"
	"github.com/jwalitptl/mailgate/pkg/logger"
	"github.com/jwalitptl/mailgate/pkg/metrics"
)

// Service closes the loop between locally-known failures and the provider's
// event stream: a daily run scans unresolved failures still inside the
// provider's retention window, marks the ones that turned out delivered,
// and hands the rest to the automated resubmitter. A separate sweep
// truncates expired local history.
//
// Duplicate concurrent runs are tolerated: resolve-if-delivered and
// delete-if-older-than are idempotent.
type Service struct {
	cfg         config.ReconcileConfig
	events      repository.EventRepository
	submissions repository.SubmissionRepository
	resubmitter *resubmit.Service
	cache       *mimecache.Cache
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

func NewService(
	cfg config.ReconcileConfig,
	events repository.EventRepository,
	submissions repository.SubmissionRepository,
	resubmitter *resubmit.Service,
	cache *mimecache.Cache,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		cfg:         cfg,
		events:      events,
		submissions: submissions,
		resubmitter: resubmitter,
		cache:       cache,
		logger:      log,
		metrics:     m,
	}
}

// Start runs the daily reconciliation at the configured time of day and the
// truncation sweep on its interval, until the context is cancelled. Each
// daily run reschedules the next one after completion.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("starting delivery reconciliation job", "run_at", s.cfg.RunAt)

	sweepInterval := s.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 24 * time.Hour
	}
	sweeper := time.NewTicker(sweepInterval)
	defer sweeper.Stop()

	timer := time.NewTimer(s.untilNextRun(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down delivery reconciliation job")
			return
		case <-timer.C:
			if err := s.Run(ctx); err != nil {
				s.logger.Error(err, "reconciliation run failed")
			}
			timer.Reset(s.untilNextRun(time.Now()))
		case <-sweeper.C:
			if err := s.Truncate(ctx); err != nil {
				s.logger.Error(err, "retention truncation failed")
			}
		}
	}
}

func (s *Service) untilNextRun(now time.Time) time.Duration {
	runAt, err := time.Parse("15:04", s.cfg.RunAt)
	if err != nil {
		// A bad run_at value should not silence the job entirely.
		s.logger.Warn("invalid reconcile run_at, defaulting to 24h cadence", "run_at", s.cfg.RunAt)
		return 24 * time.Hour
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), runAt.Hour(), runAt.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// Run performs one reconciliation pass. One event's failure never aborts
// the batch; errors are logged per event and the scan continues oldest
// first.
func (s *Service) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ReconcileLatency.Observe(time.Since(start).Seconds())
		}
	}()

	retentionDays := s.cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -retentionDays)

	failures, err := s.events.UnresolvedFailures(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to scan unresolved failures: %w", err)
	}

	s.logger.Info("reconciliation scan", "unresolved_failures", len(failures))

	for _, event := range failures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.reconcileEvent(ctx, event); err != nil {
			if s.metrics != nil {
				s.metrics.ReconcileErrors.Inc()
			}
			s.logger.Error(err, "failed to reconcile event",
				"event_id", event.ID.String(),
				"message_id", event.MessageID,
				"recipient", event.Recipient)
		}
	}

	return nil
}

func (s *Service) reconcileEvent(ctx context.Context, event *model.Event) error {
	delivered, err := s.resubmitter.CheckDelivered(ctx, event.MessageID, event.Recipient)
	if err != nil {
		return fmt.Errorf("delivered check: %w", err)
	}

	if delivered {
		if err := s.events.MarkResolved(ctx, event.ID); err != nil {
			return fmt.Errorf("mark resolved: %w", err)
		}
		if s.metrics != nil {
			s.metrics.ReconcileResolved.Inc()
		}
		// Best effort; the truncation sweep removes leftovers.
		if s.cache != nil {
			if err := s.cache.Remove(event.ID); err != nil {
				s.logger.Warn("failed to remove cached MIME", "event_id", event.ID.String())
			}
		}
		return nil
	}

	_, err = s.resubmitter.AutomatedResubmit(ctx, event)
	if err != nil {
		// Policy refusals are expected outcomes, not batch errors.
		if apperrors.HasCode(err, apperrors.ErrResubmitTooManyFailures) ||
			apperrors.HasCode(err, apperrors.ErrResubmitAlreadyDelivered) ||
			apperrors.HasCode(err, apperrors.ErrResubmitNoRecipient) ||
			apperrors.HasCode(err, apperrors.ErrResubmitNoContent) {
			s.logger.Debug("automated resubmit refused",
				"event_id", event.ID.String(),
				"reason", err.Error())
			return nil
		}
		return fmt.Errorf("automated resubmit: %w", err)
	}

	return nil
}

// Truncate deletes events older than the configured retention period,
// cleaning cached MIME blobs first and cascading to correlated submissions.
func (s *Service) Truncate(ctx context.Context) error {
	days := s.cfg.TruncateAfterDays
	if days <= 0 {
		days = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	// Blobs go first so none outlives the row that references it.
	if s.cache != nil {
		if _, err := s.cache.RemoveOlderThan(cutoff); err != nil {
			s.logger.Warn("failed to sweep cached MIME blobs")
		}
	}

	deleted, err := s.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to truncate events: %w", err)
	}
	if len(deleted) == 0 {
		return nil
	}

	messageIDs := make([]string, 0, len(deleted))
	for _, d := range deleted {
		if s.cache != nil {
			if err := s.cache.Remove(d.ID); err != nil {
				s.logger.Warn("failed to remove cached MIME during truncation", "event_id", d.ID.String())
			}
		}
		if d.MessageID != "" {
			messageIDs = append(messageIDs, d.MessageID)
		}
	}

	if err := s.submissions.DeleteByMessageIDs(ctx, messageIDs); err != nil {
		return fmt.Errorf("failed to truncate submissions: %w", err)
	}

	s.logger.Info("retention truncation complete", "events_deleted", len(deleted))
	return nil
}
