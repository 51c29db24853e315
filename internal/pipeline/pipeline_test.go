package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voxscore/internal/poller"
	"voxscore/pkg/apperr"
	"voxscore/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, payload *model.AudioPayload, userID, language string) (string, error) {
	args := m.Called(ctx, payload, userID, language)
	return args.String(0), args.Error(1)
}

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
	r, _ := args.Get(0).(*model.AnalysisResult)
	return r, args.Error(1)
}

type sourceFunc func(ctx context.Context) (*model.AudioPayload, error)

func (f sourceFunc) Acquire(ctx context.Context) (*model.AudioPayload, error) {
	return f(ctx)
}

type stateLog struct {
	mu     sync.Mutex
	states []State
	last   Snapshot
}

func (l *stateLog) listen(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 || l.states[len(l.states)-1] != s.State {
		l.states = append(l.states, s.State)
	}
	l.last = s
}

func payload() *model.AudioPayload {
	return &model.AudioPayload{Name: "a.wav", MIMEType: "audio/wav", Data: []byte{1, 2, 3}}
}

func completed() poller.Outcome {
	return poller.Outcome{Status: &model.ProcessingStatus{Status: model.StatusCompleted}, Attempts: 2}
}

func TestSubmit_HappyPath(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	up.On("Upload", mock.Anything, mock.Anything, "u1", "en").Return("sess-1", nil)
	pl.On("PollUntilTerminal", mock.Anything, "sess-1", mock.Anything).Return(completed(), nil)
	fe.On("FetchAndNormalize", mock.Anything, "sess-1", model.StatusCompleted).
		Return(&model.AnalysisResult{SessionID: "sess-1", OverallLevel: model.LevelB2}, nil)

	var issued string
	s := New(up, pl, fe, Config{UserID: "u1", Language: "en", OnSessionIssued: func(id string) { issued = id }})
	log := &stateLog{}
	s.Subscribe(log.listen)

	report, err := s.Submit(context.Background(), payload())

	require.NoError(t, err)
	assert.Equal(t, "sess-1", report.SessionID)
	assert.Equal(t, "u1", report.Result.UserID)
	assert.Equal(t, "sess-1", issued)
	assert.Equal(t, []State{StateUploading, StatePolling, StateNormalizing, StateDone}, log.states)
	assert.Equal(t, StateDone, s.Snapshot().State)
	assert.Nil(t, s.Snapshot().Err)

	_, err = s.Submit(context.Background(), payload())
	assert.ErrorIs(t, err, ErrSessionSpent)
	_, err = s.Resume(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrSessionSpent)
	up.AssertNumberOfCalls(t, "Upload", 1)
}

func TestSubmit_UploadFailure(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", apperr.New(apperr.KindNetwork, "connection refused"))

	s := New(up, pl, fe, Config{})
	_, err := s.Submit(context.Background(), payload())

	assert.True(t, apperr.Is(err, apperr.KindNetwork))
	snap := s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Err)
	assert.True(t, snap.Err.Retryable)
	assert.Equal(t, model.StepError, snap.Steps[0].Status)
	pl.AssertNotCalled(t, "PollUntilTerminal", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_ProcessingFailed(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("s", nil)
	pl.On("PollUntilTerminal", mock.Anything, "s", mock.Anything).Return(poller.Outcome{
		Status: &model.ProcessingStatus{Status: model.StatusFailed, Error: "no speech detected"},
	}, nil)

	s := New(up, pl, fe, Config{})
	_, err := s.Submit(context.Background(), payload())

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindProcessingFailed, e.Kind)
	assert.Equal(t, "no speech detected", s.Snapshot().Err.Message)
	fe.AssertNotCalled(t, "FetchAndNormalize", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_SessionNotFound(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("s", nil)
	pl.On("PollUntilTerminal", mock.Anything, "s", mock.Anything).
		Return(poller.Outcome{}, apperr.New(apperr.KindSessionNotFound, "gone"))

	s := New(up, pl, fe, Config{})
	_, err := s.Submit(context.Background(), payload())

	assert.True(t, apperr.Is(err, apperr.KindSessionNotFound))
	assert.False(t, s.Snapshot().Err.Retryable)
	assert.Equal(t, "Session lost", s.Snapshot().Err.Label)
}

func TestSubmit_CancelledWhilePolling(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("s", nil)
	pl.On("PollUntilTerminal", mock.Anything, "s", mock.Anything).Return(poller.Outcome{Cancelled: true}, nil)

	s := New(up, pl, fe, Config{})
	report, err := s.Submit(context.Background(), payload())

	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, "s", report.SessionID)
	assert.Equal(t, StateIdle, s.Snapshot().State)
	assert.Nil(t, s.Snapshot().Err)
}

func TestSubmit_CancelledDuringUpload(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	ctx, cancel := context.WithCancel(context.Background())
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return("", context.Canceled)

	s := New(up, pl, fe, Config{})
	report, err := s.Submit(ctx, payload())

	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, StateIdle, s.Snapshot().State)
}

func TestResume_SkipsUpload(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	pl.On("PollUntilTerminal", mock.Anything, "old", mock.Anything).Return(completed(), nil)
	fe.On("FetchAndNormalize", mock.Anything, "old", model.StatusCompleted).Return(&model.AnalysisResult{SessionID: "old"}, nil)

	s := New(up, pl, fe, Config{})
	report, err := s.Resume(context.Background(), "old")

	require.NoError(t, err)
	assert.Equal(t, "old", report.Result.SessionID)
	assert.Equal(t, model.StepCompleted, s.Snapshot().Steps[0].Status)
	up.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	_, err = New(up, pl, fe, Config{}).Resume(context.Background(), "")
	assert.Error(t, err)
}

func TestCapture_ValidationLeavesSessionIdle(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	s := New(up, pl, fe, Config{})

	bad := sourceFunc(func(context.Context) (*model.AudioPayload, error) {
		return nil, apperr.Validation(apperr.ReasonBadFormat, "notes.txt")
	})

	_, err := s.Run(context.Background(), bad)

	assert.True(t, apperr.Is(err, apperr.KindValidation))
	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	require.NotNil(t, snap.Err)
	assert.Equal(t, "Unsupported file format", snap.Err.Label)
	up.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", apperr.HTTP(apperr.KindUpload, 400, "bad"))
	_, err = s.Submit(context.Background(), payload())
	assert.True(t, apperr.Is(err, apperr.KindUpload))
}

func TestCapture_Cancelled(t *testing.T) {
	s := New(new(MockUploader), new(MockPoller), new(MockFetcher), Config{})
	ctx, cancel := context.WithCancel(context.Background())

	src := sourceFunc(func(ctx context.Context) (*model.AudioPayload, error) {
		cancel()
		return nil, ctx.Err()
	})

	report, err := s.Run(ctx, src)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, StateIdle, s.Snapshot().State)
}

func TestSubmit_BusyDuringRun(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	entered := make(chan struct{})
	release := make(chan struct{})
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return("", errors.New("boom"))

	s := New(up, pl, fe, Config{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Submit(context.Background(), payload())
	}()

	<-entered
	_, err := s.Submit(context.Background(), payload())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	<-done
	assert.Equal(t, StateFailed, s.Snapshot().State)
	assert.Equal(t, "Unexpected error", s.Snapshot().Err.Label)
}

func TestSubmit_StatusUpdatesReachListeners(t *testing.T) {
	up, pl, fe := new(MockUploader), new(MockPoller), new(MockFetcher)
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("s", nil)

	var hookCalls int
	pl.On("PollUntilTerminal", mock.Anything, "s", mock.Anything).
		Run(func(args mock.Arguments) {
			opts := args.Get(2).(poller.Options)
			p := 50.0
			opts.OnStatus(1, &model.ProcessingStatus{Status: model.StatusProcessing, Progress: &p, CurrentStep: "grammar check"})
		}).
		Return(poller.Outcome{}, apperr.Timeout(1, nil))

	s := New(up, pl, fe, Config{Poll: poller.Options{
		Interval:    time.Millisecond,
		MaxAttempts: 1,
		OnStatus:    func(int, *model.ProcessingStatus) { hookCalls++ },
	}})
	log := &stateLog{}
	s.Subscribe(log.listen)

	_, err := s.Submit(context.Background(), payload())

	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Equal(t, 1, hookCalls)
	snap := s.Snapshot()
	assert.Equal(t, "grammar check", snap.Status.CurrentStep)
	assert.Equal(t, model.StepCompleted, snap.Steps[1].Status)
	assert.Equal(t, model.StepError, snap.Steps[2].Status)
	assert.True(t, snap.Err.Retryable)
}

func TestStepTracker(t *testing.T) {
	now := time.Unix(0, 0)
	tr := newStepTracker(func() time.Time { return now })

	tr.uploadStarted()
	now = now.Add(2 * time.Second)
	tr.uploadDone()
	assert.Equal(t, model.StepCompleted, tr.steps[0].Status)
	assert.Equal(t, 2*time.Second, tr.steps[0].Duration)

	p := 45.0
	tr.observe(&model.ProcessingStatus{Status: model.StatusProcessing, Progress: &p})
	// 45% sits in the third backend step
	assert.Equal(t, model.StepCompleted, tr.steps[1].Status)
	assert.Equal(t, model.StepCompleted, tr.steps[2].Status)
	assert.Equal(t, model.StepProcessing, tr.steps[3].Status)
	assert.InDelta(t, 25.0, tr.steps[3].Progress, 0.001)
	assert.Equal(t, model.StepPending, tr.steps[4].Status)

	tr.observe(&model.ProcessingStatus{Status: model.StatusProcessing, CurrentStep: "Generating recommendations"})
	assert.Equal(t, model.StepProcessing, tr.steps[5].Status)
	assert.Equal(t, model.StepCompleted, tr.steps[4].Status)

	tr.observe(&model.ProcessingStatus{Status: model.StatusCompleted})
	for _, s := range tr.snapshot() {
		assert.Equal(t, model.StepCompleted, s.Status, s.Name)
	}
}

func TestStepTracker_OutOfRangeProgress(t *testing.T) {
	tests := []struct {
		name     string
		progress float64
		step     string
		current  int
	}{
		{"negative", -50, "", 1},
		{"far negative with unknown label", -1e9, "warming up", 1},
		{"over a hundred", 250, "", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newStepTracker(time.Now)
			tr.skipUpload()

			p := tt.progress
			require.NotPanics(t, func() {
				tr.observe(&model.ProcessingStatus{Status: model.StatusProcessing, Progress: &p, CurrentStep: tt.step})
			})

			assert.Equal(t, model.StepProcessing, tr.steps[tt.current].Status)
			for _, s := range tr.snapshot() {
				assert.GreaterOrEqual(t, s.Progress, 0.0, s.Name)
				assert.LessOrEqual(t, s.Progress, 100.0, s.Name)
			}
		})
	}
}
