package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voxscore/internal/analysis"
	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"go.uber.org/zap"
)

// ErrNotCompleted guards against normalizing a session that has not
// reached the completed status
var ErrNotCompleted = errors.New("session has not completed")

// Backend is the part of the analysis client the normalizer reads from
type Backend interface {
	Results(ctx context.Context, sessionID string) (json.RawMessage, error)
	Status(ctx context.Context, sessionID string) (*model.ProcessingStatus, error)
	Latest(ctx context.Context, userID string) (json.RawMessage, error)
}

type Normalizer struct {
	backend Backend
	now     func() time.Time
}

func NewNormalizer(backend Backend) *Normalizer {
	return &Normalizer{backend: backend, now: time.Now}
}

// FetchAndNormalize reads the results of a completed session. The results
// endpoint is tried first; when the deployment has none, the analysis
// embedded in the status payload is used instead.
func (n *Normalizer) FetchAndNormalize(ctx context.Context, sessionID string, observed model.SessionStatus) (*model.AnalysisResult, error) {
	if observed != model.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %q", ErrNotCompleted, sessionID, observed)
	}

	log := logger.With(zap.String("session_id", sessionID))

	doc, err := n.backend.Results(ctx, sessionID)
	source := "results"
	if errors.Is(err, analysis.ErrResultsUnavailable) {
		log.Debug("Falling back to status payload")
		st, serr := n.backend.Status(ctx, sessionID)
		if serr != nil {
			return nil, fmt.Errorf("failed to re-read status: %w", serr)
		}
		if st.Status != model.StatusCompleted {
			return nil, fmt.Errorf("%w: status went back to %q", ErrNotCompleted, st.Status)
		}
		doc, err, source = st.Raw, nil, "status"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch results: %w", err)
	}

	result, err := Normalize(doc, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServer, err, "completed session has unusable analysis data")
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = n.now().UTC()
	}

	log.Info("Analysis normalized",
		zap.String("source", source),
		zap.String("overall_level", string(result.OverallLevel)),
		zap.Float64("overall_score", result.OverallScore))
	return result, nil
}

// Latest returns the most recent analysis of a user, or nil when there is none
func (n *Normalizer) Latest(ctx context.Context, userID string) (*model.AnalysisResult, error) {
	doc, err := n.backend.Latest(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest analysis: %w", err)
	}
	if doc == nil {
		return nil, nil
	}

	result, err := Normalize(doc, "")
	if errors.Is(err, ErrNoAnalysis) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServer, err, "latest analysis is unusable")
	}
	if result.UserID == "" {
		result.UserID = userID
	}
	return result, nil
}
