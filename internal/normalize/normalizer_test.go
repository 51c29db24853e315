package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"voxscore/internal/analysis"
	"voxscore/pkg/apperr"
	"voxscore/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Results(ctx context.Context, sessionID string) (json.RawMessage, error) {
	args := m.Called(ctx, sessionID)
	doc, _ := args.Get(0).(json.RawMessage)
	return doc, args.Error(1)
}

func (m *MockBackend) Status(ctx context.Context, sessionID string) (*model.ProcessingStatus, error) {
	args := m.Called(ctx, sessionID)
	st, _ := args.Get(0).(*model.ProcessingStatus)
	return st, args.Error(1)
}

func (m *MockBackend) Latest(ctx context.Context, userID string) (json.RawMessage, error) {
	args := m.Called(ctx, userID)
	doc, _ := args.Get(0).(json.RawMessage)
	return doc, args.Error(1)
}

func TestNormalize_ScoresMapDefaultsMissing(t *testing.T) {
	doc := json.RawMessage(`{
		"scores": {"grammar": 80, "vocabulary": 70, "fluency": 60},
		"transcription": {"text": "I like to travel a lot", "duration": 12.5},
		"recommendations": ["Practice linking words"]
	}`)

	r, err := Normalize(doc, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, "sess-1", r.SessionID)
	require.Len(t, r.ComponentScores, 5)
	assert.Equal(t, 0.0, r.ComponentScores[model.ComponentPronunciation].Score)
	assert.Equal(t, 0.0, r.ComponentScores[model.ComponentDiscourse].Score)
	assert.Equal(t, model.LevelA1, r.ComponentScores[model.ComponentDiscourse].Level)
	assert.Equal(t, model.LevelC1, r.ComponentScores[model.ComponentGrammar].Level)

	// (80+70+60+0+0)/5 = 42
	assert.InDelta(t, 42.0, r.OverallScore, 1e-9)
	assert.Equal(t, model.LevelA1, r.OverallLevel)
	require.NotNil(t, r.TOEFLScore)
	assert.Equal(t, 50, *r.TOEFLScore)
	require.NotNil(t, r.TOEFLSections)

	assert.Equal(t, 6, r.Transcription.WordCount)
	assert.Equal(t, 12.5, r.Transcription.DurationSeconds)
	assert.Equal(t, []string{"Practice linking words"}, r.Recommendations)
}

func TestNormalize_ComponentObjects(t *testing.T) {
	doc := json.RawMessage(`{
		"session_id": "from-doc",
		"overall_level": "b2",
		"overall_score": 68,
		"toefl_score": 81.6,
		"component_scores": {
			"Grammar": {"score": 120, "level": "C2", "confidence": 1.4},
			"vocabulary": {"score": -5, "confidence": -1},
			"fluency": {"score": 66, "level": "??", "confidence": 0.7},
			"pronunciation": "58.5",
			"discourse": 71
		},
		"transcription": "hello world",
		"completed_at": "2026-01-02T03:04:05Z"
	}`)

	r, err := Normalize(doc, "ignored")
	require.NoError(t, err)

	assert.Equal(t, "from-doc", r.SessionID)
	assert.Equal(t, model.LevelB2, r.OverallLevel)
	assert.Equal(t, 68.0, r.OverallScore)
	assert.Equal(t, 82, *r.TOEFLScore)

	g := r.ComponentScores[model.ComponentGrammar]
	assert.Equal(t, 100.0, g.Score)
	assert.Equal(t, 1.0, g.Confidence)
	assert.Equal(t, model.LevelC2, g.Level)

	v := r.ComponentScores[model.ComponentVocabulary]
	assert.Equal(t, 0.0, v.Score)
	assert.Equal(t, 0.0, v.Confidence)

	assert.Equal(t, model.LevelB2, r.ComponentScores[model.ComponentFluency].Level)
	assert.Equal(t, 58.5, r.ComponentScores[model.ComponentPronunciation].Score)
	assert.Equal(t, 71.0, r.ComponentScores[model.ComponentDiscourse].Score)

	assert.Equal(t, "hello world", r.Transcription.Text)
	assert.Equal(t, 2, r.Transcription.WordCount)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), r.CompletedAt)
	assert.NotNil(t, r.Recommendations)
}

func TestNormalize_NestedStatusPayload(t *testing.T) {
	doc := json.RawMessage(`{
		"status": "completed",
		"progress": 100,
		"results": {"analysis": {"scores": {"grammar": 90, "vocabulary": 90, "fluency": 90, "pronunciation": 90, "discourse": 90}}}
	}`)

	r, err := Normalize(doc, "s")
	require.NoError(t, err)

	assert.Equal(t, model.LevelC2, r.OverallLevel)
	assert.Equal(t, 108, *r.TOEFLScore)
	assert.Equal(t, 27, r.TOEFLSections.Speaking)
}

func TestNormalize_NoData(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"status":"completed","progress":100}`), "s")
	assert.ErrorIs(t, err, ErrNoAnalysis)

	_, err = Normalize(json.RawMessage(`[1,2]`), "s")
	assert.Error(t, err)

	_, err = Normalize(json.RawMessage(`{"scores":{"grammar":"high"}}`), "s")
	assert.Error(t, err)
}

func TestFetchAndNormalize_RequiresCompleted(t *testing.T) {
	backend := new(MockBackend)
	n := NewNormalizer(backend)

	for _, st := range []model.SessionStatus{model.StatusPending, model.StatusProcessing, model.StatusFailed} {
		_, err := n.FetchAndNormalize(context.Background(), "s", st)
		assert.ErrorIs(t, err, ErrNotCompleted)
	}
	backend.AssertNotCalled(t, "Results", mock.Anything, mock.Anything)
}

func TestFetchAndNormalize_ResultsEndpoint(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Results", mock.Anything, "s").Return(json.RawMessage(`{"overall_score": 77}`), nil)

	n := NewNormalizer(backend)
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	r, err := n.FetchAndNormalize(context.Background(), "s", model.StatusCompleted)
	require.NoError(t, err)

	assert.Equal(t, model.LevelC1, r.OverallLevel)
	assert.Equal(t, fixed, r.CompletedAt)
	backend.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestFetchAndNormalize_FallsBackToStatus(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Results", mock.Anything, "s").Return(nil, analysis.ErrResultsUnavailable)
	backend.On("Status", mock.Anything, "s").Return(&model.ProcessingStatus{
		Status: model.StatusCompleted,
		Raw:    json.RawMessage(`{"status":"completed","analysis":{"overall_level":"B1","scores":{"grammar":56}}}`),
	}, nil)

	r, err := NewNormalizer(backend).FetchAndNormalize(context.Background(), "s", model.StatusCompleted)
	require.NoError(t, err)

	assert.Equal(t, model.LevelB1, r.OverallLevel)
	assert.Equal(t, 56.0, r.ComponentScores[model.ComponentGrammar].Score)
	backend.AssertExpectations(t)
}

func TestFetchAndNormalize_RealFailureDoesNotFallBack(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Results", mock.Anything, "s").Return(nil, apperr.HTTP(apperr.KindServer, 403, "forbidden"))

	_, err := NewNormalizer(backend).FetchAndNormalize(context.Background(), "s", model.StatusCompleted)

	assert.True(t, apperr.Is(err, apperr.KindServer))
	backend.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestFetchAndNormalize_FallbackWithoutData(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Results", mock.Anything, "s").Return(nil, analysis.ErrResultsUnavailable)
	backend.On("Status", mock.Anything, "s").Return(&model.ProcessingStatus{
		Status: model.StatusCompleted,
		Raw:    json.RawMessage(`{"status":"completed"}`),
	}, nil)

	_, err := NewNormalizer(backend).FetchAndNormalize(context.Background(), "s", model.StatusCompleted)

	assert.True(t, apperr.Is(err, apperr.KindServer))
	assert.True(t, errors.Is(err, ErrNoAnalysis))
}

func TestLatest(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Latest", mock.Anything, "none").Return(nil, nil)
	backend.On("Latest", mock.Anything, "u1").Return(json.RawMessage(`{"session_id":"x","overall_score":50}`), nil)

	n := NewNormalizer(backend)

	r, err := n.Latest(context.Background(), "none")
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = n.Latest(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "x", r.SessionID)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, model.LevelA2, r.OverallLevel)
}
