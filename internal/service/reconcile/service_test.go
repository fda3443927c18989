package reconcile

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/internal/mimecache"
	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
	"github.com/jwalitptl/mailgate/internal/service/resubmit"
	"github.com/jwalitptl/mailgate/pkg/logger"
)

type fakeProvider struct {
	deliveredByMessage map[string]bool
	deliveredErr       map[string]error
	sentRecipients     []string
}

func (f *fakeProvider) HasDelivered(ctx context.Context, messageID, recipient string) (bool, error) {
	if err, ok := f.deliveredErr[messageID]; ok {
		return false, err
	}
	return f.deliveredByMessage[messageID], nil
}

func (f *fakeProvider) FetchStored(ctx context.Context, storageURL string) ([]byte, error) {
	return []byte("raw mime"), nil
}

func (f *fakeProvider) SendMIME(ctx context.Context, recipient string, mimeContent []byte, options map[string]string) (string, error) {
	f.sentRecipients = append(f.sentRecipients, recipient)
	return "resent@mg.example.com", nil
}

type fakeEventRepo struct {
	failures     []*model.Event
	sinceSeen    time.Time
	resolved     []uuid.UUID
	failureCount map[string]int
	deleted      []repository.DeletedEvent
	deleteSeen   time.Time
}

func (f *fakeEventRepo) Create(ctx context.Context, event *model.Event) (bool, error) {
	return false, errors.New("not implemented")
}
func (f *fakeEventRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeEventRepo) List(ctx context.Context, filter repository.EventFilter) ([]*model.Event, error) {
	return nil, nil
}
func (f *fakeEventRepo) UnresolvedFailures(ctx context.Context, since time.Time) ([]*model.Event, error) {
	f.sinceSeen = since
	var out []*model.Event
	for _, e := range f.failures {
		if !e.EventDate.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeEventRepo) FailureCount(ctx context.Context, messageID, recipient string) (int, error) {
	return f.failureCount[messageID], nil
}
func (f *fakeEventRepo) MarkResolved(ctx context.Context, id uuid.UUID) error {
	f.resolved = append(f.resolved, id)
	return nil
}
func (f *fakeEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]repository.DeletedEvent, error) {
	f.deleteSeen = cutoff
	return f.deleted, nil
}

type fakeSubmissionRepo struct {
	deletedMessageIDs []string
}

func (f *fakeSubmissionRepo) Create(ctx context.Context, submission *model.Submission) error {
	return nil
}
func (f *fakeSubmissionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeSubmissionRepo) SetMessageID(ctx context.Context, id uuid.UUID, messageID string) error {
	return nil
}
func (f *fakeSubmissionRepo) DeleteByMessageIDs(ctx context.Context, messageIDs []string) error {
	f.deletedMessageIDs = append(f.deletedMessageIDs, messageIDs...)
	return nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
}

func failure(messageID string, age time.Duration) *model.Event {
	return &model.Event{
		ID:         uuid.New(),
		MessageID:  messageID,
		Type:       model.EventFailed,
		Recipient:  "rcpt@example.com",
		StorageURL: "https://storage.example.com/" + messageID,
		EventDate:  time.Now().UTC().Add(-age).Truncate(24 * time.Hour),
	}
}

func newTestService(t *testing.T, provider *fakeProvider, events *fakeEventRepo, subs *fakeSubmissionRepo, cache *mimecache.Cache) *Service {
	t.Helper()
	resubmitter := resubmit.NewService(config.ResubmitConfig{
		Tag:         "resubmit",
		MaxFailures: 5,
	}, provider, events, cache, testLogger(), nil)

	return NewService(config.ReconcileConfig{
		RunAt:             "03:00",
		RetentionDays:     30,
		TruncateAfterDays: 90,
	}, events, subs, resubmitter, cache, testLogger(), nil)
}

func TestRunResolvesDeliveredFailures(t *testing.T) {
	delivered := failure("delivered-msg", 24*time.Hour)
	provider := &fakeProvider{deliveredByMessage: map[string]bool{"delivered-msg": true}}
	events := &fakeEventRepo{failures: []*model.Event{delivered}}

	svc := newTestService(t, provider, events, &fakeSubmissionRepo{}, nil)
	require.NoError(t, svc.Run(context.Background()))

	assert.Equal(t, []uuid.UUID{delivered.ID}, events.resolved)
	assert.Empty(t, provider.sentRecipients)
}

func TestRunResubmitsUndeliveredFailures(t *testing.T) {
	undelivered := failure("lost-msg", 24*time.Hour)
	provider := &fakeProvider{deliveredByMessage: map[string]bool{}}
	events := &fakeEventRepo{failures: []*model.Event{undelivered}}

	svc := newTestService(t, provider, events, &fakeSubmissionRepo{}, nil)
	require.NoError(t, svc.Run(context.Background()))

	assert.Empty(t, events.resolved)
	assert.Equal(t, []string{"rcpt@example.com"}, provider.sentRecipients)
}

func TestRunScanWindowExcludesExpiredFailures(t *testing.T) {
	recent := failure("recent-msg", 24*time.Hour)
	expired := failure("expired-msg", 31*24*time.Hour)
	provider := &fakeProvider{deliveredByMessage: map[string]bool{}}
	events := &fakeEventRepo{failures: []*model.Event{expired, recent}}

	svc := newTestService(t, provider, events, &fakeSubmissionRepo{}, nil)
	require.NoError(t, svc.Run(context.Background()))

	// The expired failure never reaches the provider; its stored content is
	// gone anyway.
	assert.Equal(t, []string{"rcpt@example.com"}, provider.sentRecipients)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), events.sinceSeen, time.Minute)
}

func TestRunToleratesPerEventErrors(t *testing.T) {
	broken := failure("broken-msg", 24*time.Hour)
	healthy := failure("healthy-msg", 24*time.Hour)
	provider := &fakeProvider{
		deliveredByMessage: map[string]bool{},
		deliveredErr:       map[string]error{"broken-msg": errors.New("provider timeout")},
	}
	events := &fakeEventRepo{failures: []*model.Event{broken, healthy}}

	svc := newTestService(t, provider, events, &fakeSubmissionRepo{}, nil)
	require.NoError(t, svc.Run(context.Background()))

	// The broken event is logged and skipped; the healthy one still proceeds.
	assert.Equal(t, []string{"rcpt@example.com"}, provider.sentRecipients)
}

func TestRunCeilingRefusalIsNotAnError(t *testing.T) {
	capped := failure("capped-msg", 24*time.Hour)
	provider := &fakeProvider{deliveredByMessage: map[string]bool{}}
	events := &fakeEventRepo{
		failures:     []*model.Event{capped},
		failureCount: map[string]int{"capped-msg": 5},
	}

	svc := newTestService(t, provider, events, &fakeSubmissionRepo{}, nil)
	require.NoError(t, svc.Run(context.Background()))
	assert.Empty(t, provider.sentRecipients)
}

func TestRunRemovesCachedBlobOnResolve(t *testing.T) {
	cache, err := mimecache.New(t.TempDir())
	require.NoError(t, err)

	delivered := failure("delivered-msg", 24*time.Hour)
	require.NoError(t, cache.Store(delivered.ID, []byte("cached mime")))

	provider := &fakeProvider{deliveredByMessage: map[string]bool{"delivered-msg": true}}
	events := &fakeEventRepo{failures: []*model.Event{delivered}}

	svc := newTestService(t, provider, events, &fakeSubmissionRepo{}, cache)
	require.NoError(t, svc.Run(context.Background()))

	assert.False(t, cache.Has(delivered.ID))
}

func TestTruncateCascades(t *testing.T) {
	cache, err := mimecache.New(t.TempDir())
	require.NoError(t, err)

	expiredID := uuid.New()
	require.NoError(t, cache.Store(expiredID, []byte("stale mime")))

	events := &fakeEventRepo{
		deleted: []repository.DeletedEvent{
			{ID: expiredID, MessageID: "old-msg@mg.example.com"},
			{ID: uuid.New(), MessageID: ""},
		},
	}
	subs := &fakeSubmissionRepo{}
	provider := &fakeProvider{}

	svc := newTestService(t, provider, events, subs, cache)
	require.NoError(t, svc.Truncate(context.Background()))

	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -90), events.deleteSeen, time.Minute)
	assert.False(t, cache.Has(expiredID))
	assert.Equal(t, []string{"old-msg@mg.example.com"}, subs.deletedMessageIDs)
}

func TestTruncateNothingToDelete(t *testing.T) {
	events := &fakeEventRepo{}
	subs := &fakeSubmissionRepo{}

	svc := newTestService(t, &fakeProvider{}, events, subs, nil)
	require.NoError(t, svc.Truncate(context.Background()))
	assert.Empty(t, subs.deletedMessageIDs)
}

func TestUntilNextRun(t *testing.T) {
	svc := newTestService(t, &fakeProvider{}, &fakeEventRepo{}, &fakeSubmissionRepo{}, nil)

	now := time.Date(2024, 9, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Hour, svc.untilNextRun(now))

	// Past today's slot: tomorrow.
	later := time.Date(2024, 9, 1, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, 23*time.Hour, svc.untilNextRun(later))
}

func TestUntilNextRunBadValueDefaults(t *testing.T) {
	svc := newTestService(t, &fakeProvider{}, &fakeEventRepo{}, &fakeSubmissionRepo{}, nil)
	svc.cfg.RunAt = "not-a-time"

	assert.Equal(t, 24*time.Hour, svc.untilNextRun(time.Now()))
}
