package resubmit

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
	apperrors "github.com/jwalitptl/mailgate/pkg/errors"
	"github.com/jwalitptl/mailgate/pkg/logger"
)

type fakeProvider struct {
	delivered      bool
	deliveredCalls int
	storedContent  []byte
	storedErr      error
	fetchCalls     int
	sentMIME       [][]byte
	sentOptions    []map[string]string
	sentRecipients []string
	sendErr        error
}

func (f *fakeProvider) HasDelivered(ctx context.Context, messageID, recipient string) (bool, error) {
	f.deliveredCalls++
	return f.delivered, nil
}

func (f *fakeProvider) FetchStored(ctx context.Context, storageURL string) ([]byte, error) {
	f.fetchCalls++
	if f.storedErr != nil {
		return nil, f.storedErr
	}
	return f.storedContent, nil
}

func (f *fakeProvider) SendMIME(ctx context.Context, recipient string, mimeContent []byte, options map[string]string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentMIME = append(f.sentMIME, mimeContent)
	f.sentOptions = append(f.sentOptions, options)
	f.sentRecipients = append(f.sentRecipients, recipient)
	return "resent@mg.example.com", nil
}

type fakeEventRepo struct {
	failureCount int
	countErr     error
	countCalls   int
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
	return nil, nil
}
func (f *fakeEventRepo) FailureCount(ctx context.Context, messageID, recipient string) (int, error) {
	f.countCalls++
	return f.failureCount, f.countErr
}
func (f *fakeEventRepo) MarkResolved(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]repository.DeletedEvent, error) {
	return nil, nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
}

func defaultConfig() config.ResubmitConfig {
	return config.ResubmitConfig{
		Tag:            "resubmit",
		MaxFailures:    5,
		CacheThreshold: 2,
	}
}

func failedEvent() *model.Event {
	return &model.Event{
		ID:         uuid.New(),
		MessageID:  "failed-msg@mg.example.com",
		Type:       model.EventFailed,
		Recipient:  "rcpt@example.com",
		StorageURL: "https://storage.example.com/messages/abc",
	}
}

func newTestService(t *testing.T, cfg config.ResubmitConfig, provider *fakeProvider, repo *fakeEventRepo, cache *mimecache.Cache) *Service {
	t.Helper()
	return NewService(cfg, provider, repo, cache, testLogger(), nil)
}

func TestResubmitSendsStoredContent(t *testing.T) {
	provider := &fakeProvider{storedContent: []byte("raw mime")}
	svc := newTestService(t, defaultConfig(), provider, &fakeEventRepo{}, nil)

	id, err := svc.Resubmit(context.Background(), failedEvent(), false)
	require.NoError(t, err)

	assert.Equal(t, "resent@mg.example.com", id)
	require.Len(t, provider.sentMIME, 1)
	assert.Equal(t, []byte("raw mime"), provider.sentMIME[0])
	assert.Equal(t, "rcpt@example.com", provider.sentRecipients[0])
	assert.Equal(t, "resubmit", provider.sentOptions[0]["o:tag"])
}

func TestResubmitRefusesWithoutRecipient(t *testing.T) {
	provider := &fakeProvider{storedContent: []byte("raw mime")}
	svc := newTestService(t, defaultConfig(), provider, &fakeEventRepo{}, nil)

	event := failedEvent()
	event.Recipient = ""

	_, err := svc.Resubmit(context.Background(), event, false)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrResubmitNoRecipient))
	assert.Empty(t, provider.sentMIME)
}

func TestResubmitRefusesWhenAlreadyDelivered(t *testing.T) {
	provider := &fakeProvider{delivered: true, storedContent: []byte("raw mime")}
	svc := newTestService(t, defaultConfig(), provider, &fakeEventRepo{}, nil)

	_, err := svc.Resubmit(context.Background(), failedEvent(), false)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrResubmitAlreadyDelivered))
	assert.Empty(t, provider.sentMIME)
}

func TestResubmitAllowRedeliverSkipsDeliveredCheck(t *testing.T) {
	provider := &fakeProvider{delivered: true, storedContent: []byte("raw mime")}
	svc := newTestService(t, defaultConfig(), provider, &fakeEventRepo{}, nil)

	_, err := svc.Resubmit(context.Background(), failedEvent(), true)
	require.NoError(t, err)
	assert.Zero(t, provider.deliveredCalls)
	assert.Len(t, provider.sentMIME, 1)
}

func TestResubmitFallsBackToLocalCache(t *testing.T) {
	cache, err := mimecache.New(t.TempDir())
	require.NoError(t, err)

	event := failedEvent()
	require.NoError(t, cache.Store(event.ID, []byte("cached mime")))

	provider := &fakeProvider{storedErr: errors.New("storage expired")}
	svc := newTestService(t, defaultConfig(), provider, &fakeEventRepo{}, cache)

	_, err = svc.Resubmit(context.Background(), event, false)
	require.NoError(t, err)
	require.Len(t, provider.sentMIME, 1)
	assert.Equal(t, []byte("cached mime"), provider.sentMIME[0])
}

func TestResubmitRefusesWithoutContent(t *testing.T) {
	provider := &fakeProvider{storedErr: errors.New("storage expired")}
	svc := newTestService(t, defaultConfig(), provider, &fakeEventRepo{}, nil)

	_, err := svc.Resubmit(context.Background(), failedEvent(), false)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrResubmitNoContent))
}

func TestCheckDeliveredMemoizes(t *testing.T) {
	provider := &fakeProvider{delivered: true}
	svc := newTestService(t, defaultConfig(), provider, &fakeEventRepo{}, nil)

	for i := 0; i < 3; i++ {
		delivered, err := svc.CheckDelivered(context.Background(), "m@x", "r@x")
		require.NoError(t, err)
		assert.True(t, delivered)
	}
	assert.Equal(t, 1, provider.deliveredCalls)
}

func TestAutomatedResubmitEnforcesCeiling(t *testing.T) {
	provider := &fakeProvider{storedContent: []byte("raw mime")}
	repo := &fakeEventRepo{failureCount: 5}
	svc := newTestService(t, defaultConfig(), provider, repo, nil)

	_, err := svc.AutomatedResubmit(context.Background(), failedEvent())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrResubmitTooManyFailures))

	// The ceiling must refuse before any provider traffic.
	assert.Zero(t, provider.deliveredCalls)
	assert.Zero(t, provider.fetchCalls)
	assert.Empty(t, provider.sentMIME)
}

func TestAutomatedResubmitBelowCeilingProceeds(t *testing.T) {
	provider := &fakeProvider{storedContent: []byte("raw mime")}
	repo := &fakeEventRepo{failureCount: 4}
	svc := newTestService(t, defaultConfig(), provider, repo, nil)

	id, err := svc.AutomatedResubmit(context.Background(), failedEvent())
	require.NoError(t, err)
	assert.Equal(t, "resent@mg.example.com", id)
}

func TestAutomatedResubmitCachesAtThreshold(t *testing.T) {
	cache, err := mimecache.New(t.TempDir())
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.CacheEnabled = true

	provider := &fakeProvider{storedContent: []byte("raw mime")}
	repo := &fakeEventRepo{failureCount: 2}
	svc := newTestService(t, cfg, provider, repo, cache)

	event := failedEvent()
	_, err = svc.AutomatedResubmit(context.Background(), event)
	require.NoError(t, err)

	cached, err := cache.Get(event.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw mime"), cached)
}

func TestStoreIfRequiredBelowThresholdSkips(t *testing.T) {
	cache, err := mimecache.New(t.TempDir())
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.CacheEnabled = true

	provider := &fakeProvider{storedContent: []byte("raw mime")}
	svc := newTestService(t, cfg, provider, &fakeEventRepo{}, cache)

	event := failedEvent()
	require.NoError(t, svc.StoreIfRequired(context.Background(), event, 1))
	assert.Zero(t, provider.fetchCalls)
	assert.False(t, cache.Has(event.ID))
}
