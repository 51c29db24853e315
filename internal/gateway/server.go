package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"voxscore/internal/capture"
	"voxscore/internal/poller"
	"voxscore/internal/queue"
	"voxscore/pkg/apperr"
	"voxscore/pkg/cache"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"
	"voxscore/pkg/resilience"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Backend is the remote analysis service as seen by the gateway
type Backend interface {
	Upload(ctx context.Context, payload *model.AudioPayload, userID, language string) (string, error)
	Status(ctx context.Context, sessionID string) (*model.ProcessingStatus, error)
	History(ctx context.Context, userID string, limit int) []model.AnalysisSummary
}

type ResultFetcher interface {
	FetchAndNormalize(ctx context.Context, sessionID string, observed model.SessionStatus) (*model.AnalysisResult, error)
	Latest(ctx context.Context, userID string) (*model.AnalysisResult, error)
}

// HistoryStore is the local copy of finished analyses kept by the worker
type HistoryStore interface {
	GetAnalysis(ctx context.Context, sessionID string) (*model.AnalysisResult, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]model.AnalysisSummary, error)
	LatestAnalysis(ctx context.Context, userID string) (*model.AnalysisResult, error)
}

type AudioArchive interface {
	PutAudio(ctx context.Context, sessionID string, payload *model.AudioPayload) (string, error)
}

type Config struct {
	Rules          capture.FileRules
	Poll           poller.Options
	RateLimit      int
	RateInterval   time.Duration
	UploadsPerHour int64
	ResultTTL      time.Duration
	HistoryLimit   int
}

// Deps holds the collaborators of a Server. Store, Cache, Archive and
// Publisher are optional.
type Deps struct {
	Backend   Backend
	Fetcher   ResultFetcher
	Store     HistoryStore
	Cache     cache.Cache
	Archive   AudioArchive
	Publisher queue.Publisher
}

// Server exposes the analysis pipeline over HTTP and websockets
type Server struct {
	deps    Deps
	cfg     Config
	limiter *resilience.RateLimiter
	hub     *statusHub
	now     func() time.Time
}

func NewServer(deps Deps, cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Server{
		deps:    deps,
		cfg:     cfg,
		limiter: resilience.NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		hub:     newStatusHub(poller.New(deps.Backend), deps.Fetcher, cfg.Poll),
		now:     time.Now,
	}
}

// Router returns the gateway routes
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger, forwardToken)

	api := router.PathPrefix("/api/audio").Subrouter()
	api.Handle("/upload", s.rateLimited(http.HandlerFunc(s.UploadHandler))).Methods(http.MethodPost)
	api.HandleFunc("/status/{id}", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/results/{id}", s.ResultsHandler).Methods(http.MethodGet)
	api.HandleFunc("/history/{userId}", s.HistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/latest/{userId}", s.LatestHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws/status/{id}", s.WebSocketHandler)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r)

		logger.Debug("Request handled",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:     resilience.ErrTooManyRequests.Error(),
				Label:     "Too many requests",
				Retryable: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error     string `json:"error"`
	Label     string `json:"label"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	p := apperr.Present(err)
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: p.Message, Label: p.Label, Retryable: p.Retryable})
}
