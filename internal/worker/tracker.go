package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voxscore/internal/notify"
	"voxscore/internal/poller"
	"voxscore/internal/queue"
	"voxscore/pkg/apperr"
	"voxscore/pkg/cache"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"
	"voxscore/pkg/resilience"

	"go.uber.org/zap"
)

type StatusPoller interface {
	PollUntilTerminal(ctx context.Context, sessionID string, opts poller.Options) (poller.Outcome, error)
}

type ResultFetcher interface {
	FetchAndNormalize(ctx context.Context, sessionID string, observed model.SessionStatus) (*model.AnalysisResult, error)
}

type ResultStore interface {
	SaveAnalysis(ctx context.Context, result *model.AnalysisResult, meta model.JSONB) error
}

type ResultArchive interface {
	PutResult(ctx context.Context, result *model.AnalysisResult) (string, error)
}

type Config struct {
	Poll      poller.Options
	Retry     *resilience.RetryConfig
	ResultTTL time.Duration
}

// Tracker follows uploaded sessions to completion and stores their results
type Tracker struct {
	poller   StatusPoller
	fetcher  ResultFetcher
	store    ResultStore
	cache    cache.Cache
	archive  ResultArchive
	notifier notify.Notifier
	cfg      Config
}

// NewTracker creates a tracker. A nil archive skips result archiving and a
// nil notifier drops announcements.
func NewTracker(
	statusPoller StatusPoller,
	fetcher ResultFetcher,
	store ResultStore,
	resultCache cache.Cache,
	archive ResultArchive,
	notifier notify.Notifier,
	cfg Config,
) *Tracker {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &Tracker{
		poller:   statusPoller,
		fetcher:  fetcher,
		store:    store,
		cache:    resultCache,
		archive:  archive,
		notifier: notifier,
		cfg:      cfg,
	}
}

// HandleTask processes one tracking message. A malformed body is rejected,
// infrastructure failures are returned for redelivery and analysis failures
// are announced and acknowledged.
func (t *Tracker) HandleTask(ctx context.Context, body []byte) error {
	task, err := queue.DecodeTrackingTask(body)
	if err != nil {
		return queue.Reject(err)
	}

	log := logger.With(
		zap.String("session_id", task.SessionID),
		zap.String("user_id", task.UserID))
	log.Info("Tracking analysis session")

	outcome, err := t.poller.PollUntilTerminal(ctx, task.SessionID, t.cfg.Poll)
	switch {
	case errors.Is(err, poller.ErrAlreadyPolling):
		log.Info("Session already tracked by another handler")
		return nil
	case err != nil:
		return t.finishWithError(ctx, task, err)
	case outcome.Cancelled:
		return fmt.Errorf("tracking %s interrupted: %w", task.SessionID, context.Cause(ctx))
	}

	if outcome.Status.Status == model.StatusFailed {
		return t.finishWithError(ctx, task, apperr.ProcessingFailed(outcome.Status))
	}

	result, err := t.fetcher.FetchAndNormalize(ctx, task.SessionID, outcome.Status.Status)
	if err != nil {
		return t.finishWithError(ctx, task, err)
	}
	if result.UserID == "" {
		result.UserID = task.UserID
	}

	meta := model.JSONB{
		"language":     task.Language,
		"file_name":    task.FileName,
		"archive_key":  task.ArchiveKey,
		"submitted_at": task.SubmittedAt,
		"poll_count":   outcome.Attempts,
	}
	err = resilience.RetryWithExponentialBackoff(ctx, t.cfg.Retry, func() error {
		return t.store.SaveAnalysis(ctx, result, meta)
	})
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}

	t.cacheResult(ctx, result)

	if t.archive != nil {
		if key, err := t.archive.PutResult(ctx, result); err != nil {
			log.Error("Failed to archive result", zap.Error(err))
		} else {
			log.Debug("Result archived", zap.String("key", key))
		}
	}

	if err := t.notifier.Completed(ctx, result); err != nil {
		log.Error("Failed to send completion notice", zap.Error(err))
	}

	log.Info("Analysis stored",
		zap.String("overall_level", string(result.OverallLevel)),
		zap.Int("attempts", outcome.Attempts))
	return nil
}

func (t *Tracker) cacheResult(ctx context.Context, result *model.AnalysisResult) {
	if t.cache == nil {
		return
	}
	if err := t.cache.SetWithTTL(ctx, cache.ResultCacheKey(result.SessionID), result, t.cfg.ResultTTL); err != nil {
		logger.Error("Failed to cache result", zap.Error(err))
	}
	if result.UserID == "" {
		return
	}
	if err := t.cache.SetWithTTL(ctx, cache.LatestCacheKey(result.UserID), result, t.cfg.ResultTTL); err != nil {
		logger.Error("Failed to cache latest result", zap.Error(err))
	}
}

// finishWithError requeues transient failures and announces the rest
func (t *Tracker) finishWithError(ctx context.Context, task *queue.TrackingTask, err error) error {
	if ctx.Err() != nil || apperr.IsTransient(err) {
		return fmt.Errorf("tracking %s: %w", task.SessionID, err)
	}

	logger.Warn("Analysis finished without result",
		zap.String("session_id", task.SessionID),
		zap.String("kind", string(apperr.KindOf(err))),
		zap.Error(err))

	if nerr := t.notifier.Failed(ctx, task.SessionID, err); nerr != nil {
		logger.Error("Failed to send failure notice", zap.Error(nerr))
	}
	return nil
}
