package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voxscore/internal/analysis"
	"voxscore/internal/queue"
	"voxscore/internal/storage"
	"voxscore/pkg/apperr"
	"voxscore/pkg/cache"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxMemory = 32 << 20

var errTooManyUploads = errors.New("hourly upload limit reached")

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// forwardToken passes the caller's bearer token on to every backend call
// made while serving the request
func forwardToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			r = r.WithContext(analysis.WithToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

// UploadHandler validates the file before anything reaches the backend,
// forwards it and starts tracking the issued session.
func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Rules.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Rules.MaxBytes+maxMemory)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, apperr.Validation(apperr.ReasonTooLarge, "request body exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, apperr.Validation(apperr.ReasonBadFormat, "failed to parse form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.Validation(apperr.ReasonEmpty, "file is required"))
		return
	}
	defer file.Close()

	if err := s.cfg.Rules.Validate(header.Filename, header.Size); err != nil {
		writeError(w, err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("failed to read upload: %w", err))
		return
	}
	payload, err := s.cfg.Rules.Load(header.Filename, data)
	if err != nil {
		writeError(w, err)
		return
	}

	userID := r.FormValue("user_id")
	language := r.FormValue("language")

	if err := s.countUpload(r, userID); err != nil {
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:     err.Error(),
			Label:     "Too many uploads",
			Retryable: true,
		})
		return
	}

	ctx := r.Context()
	sessionID, err := s.deps.Backend.Upload(ctx, payload, userID, language)
	if err != nil {
		writeError(w, err)
		return
	}

	log := logger.With(zap.String("session_id", sessionID), zap.String("user_id", userID))

	var archiveKey string
	if s.deps.Archive != nil {
		if archiveKey, err = s.deps.Archive.PutAudio(ctx, sessionID, payload); err != nil {
			log.Error("Failed to archive audio", zap.Error(err))
		}
	}

	if s.deps.Publisher != nil {
		task := &queue.TrackingTask{
			SessionID:   sessionID,
			UserID:      userID,
			Language:    language,
			FileName:    payload.Name,
			ArchiveKey:  archiveKey,
			SubmittedAt: s.now().UTC(),
		}
		if err := s.deps.Publisher.PublishTracking(ctx, task); err != nil {
			log.Error("Failed to publish tracking task", zap.Error(err))
		}
	}

	log.Info("Upload accepted", zap.Int64("bytes", payload.Size()))
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

// countUpload enforces the per-user hourly upload budget when the cache
// supports counters
func (s *Server) countUpload(r *http.Request, userID string) error {
	counter, ok := s.deps.Cache.(cache.Counter)
	if !ok || s.cfg.UploadsPerHour <= 0 {
		return nil
	}
	if userID == "" {
		userID = "anonymous"
	}

	key := cache.UploadCountKey(userID, s.now().Truncate(time.Hour))
	n, err := counter.Increment(r.Context(), key)
	if err != nil {
		logger.Warn("Upload counter unavailable", zap.Error(err))
		return nil
	}
	if n == 1 {
		if err := counter.Expire(r.Context(), key, time.Hour); err != nil {
			logger.Warn("Failed to expire upload counter", zap.Error(err))
		}
	}
	if n > s.cfg.UploadsPerHour {
		return errTooManyUploads
	}
	return nil
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	status, err := s.deps.Backend.Status(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if status.SessionID == "" {
		status.SessionID = sessionID
	}
	writeJSON(w, http.StatusOK, status)
}

// ResultsHandler serves the normalized result of a completed session. The
// cache and the local store are tried before the backend.
func (s *Server) ResultsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	ctx := r.Context()
	key := cache.ResultCacheKey(sessionID)

	var cached model.AnalysisResult
	if s.readCached(ctx, key, &cached) {
		writeJSON(w, http.StatusOK, &cached)
		return
	}

	if s.deps.Store != nil {
		stored, err := s.deps.Store.GetAnalysis(ctx, sessionID)
		switch {
		case err == nil:
			s.fillCache(ctx, key, stored)
			writeJSON(w, http.StatusOK, stored)
			return
		case !errors.Is(err, storage.ErrAnalysisNotFound):
			logger.Warn("Local result unavailable", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	status, err := s.deps.Backend.Status(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	switch status.Status {
	case model.StatusCompleted:
	case model.StatusFailed:
		writeError(w, apperr.ProcessingFailed(status))
		return
	default:
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "analysis is not completed yet",
			"status": status,
		})
		return
	}

	result, err := s.deps.Fetcher.FetchAndNormalize(ctx, sessionID, status.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	s.fillCache(ctx, key, result)
	writeJSON(w, http.StatusOK, result)
}

// readCached reports whether key held a usable value. Entries that no
// longer decode are evicted.
func (s *Server) readCached(ctx context.Context, key string, dest interface{}) bool {
	if s.deps.Cache == nil {
		return false
	}
	err := s.deps.Cache.Get(ctx, key, dest)
	switch {
	case err == nil:
		return true
	case errors.Is(err, cache.ErrCorrupt):
		logger.Warn("Evicting unreadable cache entry", zap.String("key", key), zap.Error(err))
		if err := s.deps.Cache.Delete(ctx, key); err != nil {
			logger.Warn("Failed to evict cache entry", zap.String("key", key), zap.Error(err))
		}
	case !errors.Is(err, cache.ErrNotFound):
		logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
	}
	return false
}

func (s *Server) fillCache(ctx context.Context, key string, value interface{}) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.SetWithTTL(ctx, key, value, s.cfg.ResultTTL); err != nil {
		logger.Warn("Failed to cache result", zap.String("key", key), zap.Error(err))
	}
}

// HistoryHandler always answers with a list. The local store is consulted
// only when the backend has nothing.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history := s.deps.Backend.History(r.Context(), userID, limit)
	if len(history) == 0 && s.deps.Store != nil {
		local, err := s.deps.Store.ListHistory(r.Context(), userID, limit)
		if err != nil {
			logger.Warn("Local history unavailable", zap.Error(err))
		} else if len(local) > 0 {
			history = local
		}
	}
	if history == nil {
		history = []model.AnalysisSummary{}
	}
	writeJSON(w, http.StatusOK, history)
}

// LatestHandler answers {"analysis": null} when nothing is known for the user
func (s *Server) LatestHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	ctx := r.Context()
	key := cache.LatestCacheKey(userID)

	var cached model.AnalysisResult
	if s.readCached(ctx, key, &cached) {
		writeJSON(w, http.StatusOK, map[string]*model.AnalysisResult{"analysis": &cached})
		return
	}

	result, err := s.deps.Fetcher.Latest(ctx, userID)
	if err != nil {
		logger.Warn("Latest analysis unavailable", zap.String("user_id", userID), zap.Error(err))
		result = nil
	}
	if result == nil && s.deps.Store != nil {
		if local, err := s.deps.Store.LatestAnalysis(ctx, userID); err != nil {
			logger.Warn("Local latest analysis unavailable", zap.Error(err))
		} else {
			result = local
		}
	}
	if result != nil {
		s.fillCache(ctx, key, result)
	}

	writeJSON(w, http.StatusOK, map[string]*model.AnalysisResult{"analysis": result})
}
