package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"voxscore/internal/poller"
	"voxscore/internal/queue"
	"voxscore/pkg/apperr"
	"voxscore/pkg/cache"
	"voxscore/pkg/model"
	"voxscore/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPoller struct {
	mock.Mock
}

func (m *MockPoller) PollUntilTerminal(ctx context.Context, sessionID string, opts poller.Options) (poller.Outcome, error) {
	args := m.Called(ctx, sessionID, opts)
	return args.Get(0).(poller.Outcome), args.Error(1)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchAndNormalize(ctx context.Context, sessionID string, observed model.SessionStatus) (*model.AnalysisResult, error) {
	args := m.Called(ctx, sessionID, observed)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AnalysisResult), args.Error(1)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveAnalysis(ctx context.Context, result *model.AnalysisResult, meta model.JSONB) error {
	args := m.Called(ctx, result, meta)
	return args.Error(0)
}

type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) PutResult(ctx context.Context, result *model.AnalysisResult) (string, error) {
	args := m.Called(ctx, result)
	return args.String(0), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Completed(ctx context.Context, result *model.AnalysisResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockNotifier) Failed(ctx context.Context, sessionID string, err error) error {
	args := m.Called(ctx, sessionID, err)
	return args.Error(0)
}

type fixture struct {
	poller   *MockPoller
	fetcher  *MockFetcher
	store    *MockStore
	archive  *MockArchive
	notifier *MockNotifier
	cache    *cache.MemoryCache
	tracker  *Tracker
}

func newFixture() *fixture {
	f := &fixture{
		poller:   new(MockPoller),
		fetcher:  new(MockFetcher),
		store:    new(MockStore),
		archive:  new(MockArchive),
		notifier: new(MockNotifier),
		cache:    cache.NewMemoryCache(time.Hour),
	}
	f.tracker = NewTracker(f.poller, f.fetcher, f.store, f.cache, f.archive, f.notifier, Config{
		Retry: &resilience.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
		},
	})
	return f
}

func taskBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(queue.TrackingTask{
		SessionID: "s1",
		UserID:    "u1",
		Language:  "en",
		FileName:  "answer.wav",
	})
	require.NoError(t, err)
	return body
}

func completed() poller.Outcome {
	return poller.Outcome{Status: &model.ProcessingStatus{Status: model.StatusCompleted}, Attempts: 3}
}

func TestHandleTask_Completed(t *testing.T) {
	f := newFixture()
	result := &model.AnalysisResult{SessionID: "s1", OverallLevel: model.LevelB2, OverallScore: 66}

	f.poller.On("PollUntilTerminal", mock.Anything, "s1", mock.Anything).Return(completed(), nil)
	f.fetcher.On("FetchAndNormalize", mock.Anything, "s1", model.StatusCompleted).Return(result, nil)
	f.store.On("SaveAnalysis", mock.Anything, result, mock.MatchedBy(func(meta model.JSONB) bool {
		return meta["language"] == "en" && meta["poll_count"] == 3
	})).Return(nil)
	f.archive.On("PutResult", mock.Anything, result).Return("results/s1.json", nil)
	f.notifier.On("Completed", mock.Anything, result).Return(nil)

	err := f.tracker.HandleTask(context.Background(), taskBody(t))
	require.NoError(t, err)

	assert.Equal(t, "u1", result.UserID)

	var cached model.AnalysisResult
	require.NoError(t, f.cache.Get(context.Background(), cache.ResultCacheKey("s1"), &cached))
	assert.Equal(t, model.LevelB2, cached.OverallLevel)
	require.NoError(t, f.cache.Get(context.Background(), cache.LatestCacheKey("u1"), &cached))
	assert.Equal(t, "s1", cached.SessionID)

	f.store.AssertExpectations(t)
	f.archive.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func TestHandleTask_SaveRetried(t *testing.T) {
	f := newFixture()
	result := &model.AnalysisResult{SessionID: "s1", UserID: "u1", OverallLevel: model.LevelA2}

	f.poller.On("PollUntilTerminal", mock.Anything, "s1", mock.Anything).Return(completed(), nil)
	f.fetcher.On("FetchAndNormalize", mock.Anything, "s1", model.StatusCompleted).Return(result, nil)
	f.store.On("SaveAnalysis", mock.Anything, result, mock.Anything).Return(errors.New("conn reset")).Once()
	f.store.On("SaveAnalysis", mock.Anything, result, mock.Anything).Return(nil).Once()
	f.archive.On("PutResult", mock.Anything, result).Return("", errors.New("s3 down"))
	f.notifier.On("Completed", mock.Anything, result).Return(errors.New("telegram down"))

	require.NoError(t, f.tracker.HandleTask(context.Background(), taskBody(t)))
	f.store.AssertNumberOfCalls(t, "SaveAnalysis", 2)
}

func TestHandleTask_SaveExhaustedRequeues(t *testing.T) {
	f := newFixture()
	result := &model.AnalysisResult{SessionID: "s1", UserID: "u1"}

	f.poller.On("PollUntilTerminal", mock.Anything, "s1", mock.Anything).Return(completed(), nil)
	f.fetcher.On("FetchAndNormalize", mock.Anything, "s1", model.StatusCompleted).Return(result, nil)
	f.store.On("SaveAnalysis", mock.Anything, result, mock.Anything).Return(errors.New("db down"))

	err := f.tracker.HandleTask(context.Background(), taskBody(t))
	require.Error(t, err)
	assert.False(t, queue.IsRejected(err))
	f.store.AssertNumberOfCalls(t, "SaveAnalysis", 3)
	f.notifier.AssertNotCalled(t, "Completed", mock.Anything, mock.Anything)
}

func TestHandleTask_AnnouncedFailures(t *testing.T) {
	tests := []struct {
		name    string
		outcome poller.Outcome
		pollErr error
		kind    apperr.Kind
	}{
		{
			name:    "backend failed",
			outcome: poller.Outcome{Status: &model.ProcessingStatus{Status: model.StatusFailed, Error: "no speech"}},
			kind:    apperr.KindProcessingFailed,
		},
		{
			name:    "session not found",
			pollErr: apperr.HTTP(apperr.KindSessionNotFound, 404, ""),
			kind:    apperr.KindSessionNotFound,
		},
		{
			name:    "timeout",
			pollErr: apperr.Timeout(30, nil),
			kind:    apperr.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.poller.On("PollUntilTerminal", mock.Anything, "s1", mock.Anything).Return(tt.outcome, tt.pollErr)
			f.notifier.On("Failed", mock.Anything, "s1", mock.MatchedBy(func(err error) bool {
				return apperr.Is(err, tt.kind)
			})).Return(nil)

			require.NoError(t, f.tracker.HandleTask(context.Background(), taskBody(t)))
			f.notifier.AssertExpectations(t)
			f.fetcher.AssertNotCalled(t, "FetchAndNormalize", mock.Anything, mock.Anything, mock.Anything)
			f.store.AssertNotCalled(t, "SaveAnalysis", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandleTask_TransientFetchRequeues(t *testing.T) {
	f := newFixture()
	f.poller.On("PollUntilTerminal", mock.Anything, "s1", mock.Anything).Return(completed(), nil)
	f.fetcher.On("FetchAndNormalize", mock.Anything, "s1", model.StatusCompleted).
		Return(nil, apperr.Wrap(apperr.KindNetwork, errors.New("dial tcp"), ""))

	err := f.tracker.HandleTask(context.Background(), taskBody(t))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNetwork))
	f.notifier.AssertNotCalled(t, "Failed", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleTask_UnusableResultAnnounced(t *testing.T) {
	f := newFixture()
	f.poller.On("PollUntilTerminal", mock.Anything, "s1", mock.Anything).Return(completed(), nil)
	f.fetcher.On("FetchAndNormalize", mock.Anything, "s1", model.StatusCompleted).
		Return(nil, apperr.Wrap(apperr.KindServer, errors.New("no analysis"), "unusable"))
	f.notifier.On("Failed", mock.Anything, "s1", mock.Anything).Return(nil)

	require.NoError(t, f.tracker.HandleTask(context.Background(), taskBody(t)))
	f.notifier.AssertExpectations(t)
}

func TestHandleTask_MalformedRejected(t *testing.T) {
	f := newFixture()

	err := f.tracker.HandleTask(context.Background(), []byte(`{"user_id":"u1"}`))
	require.Error(t, err)
	assert.True(t, queue.IsRejected(err))

	err = f.tracker.HandleTask(context.Background(), []byte(`not json`))
	assert.True(t, queue.IsRejected(err))
	f.poller.AssertNotCalled(t, "PollUntilTerminal", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleTask_AlreadyPollingAcked(t *testing.T) {
	f := newFixture()
	f.poller.On("PollUntilTerminal", mock.Anything, "s1", mock.Anything).Return(poller.Outcome{}, poller.ErrAlreadyPolling)

	assert.NoError(t, f.tracker.HandleTask(context.Background(), taskBody(t)))
}

func TestHandleTask_CancelledRequeues(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.poller.On("PollUntilTerminal", mock.Anything, "s1", mock.Anything).Return(poller.Outcome{Cancelled: true}, nil)

	err := f.tracker.HandleTask(ctx, taskBody(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, queue.IsRejected(err))
}
