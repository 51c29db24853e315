package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voxscore/internal/capture"
	"voxscore/internal/poller"
	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"go.uber.org/zap"
)

type State string

const (
	StateIdle        State = "idle"
	StateCapturing   State = "capturing"
	StateUploading   State = "uploading"
	StatePolling     State = "polling"
	StateNormalizing State = "normalizing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

var (
	// ErrSessionSpent is returned when a finished session is run again
	ErrSessionSpent = errors.New("analysis session already finished")
	// ErrBusy is returned when a stage is requested outside the idle state
	ErrBusy = errors.New("analysis session is busy")
)

type Uploader interface {
	Upload(ctx context.Context, payload *model.AudioPayload, userID, language string) (string, error)
}

type StatusPoller interface {
	PollUntilTerminal(ctx context.Context, sessionID string, opts poller.Options) (poller.Outcome, error)
}

type ResultFetcher interface {
	FetchAndNormalize(ctx context.Context, sessionID string, observed model.SessionStatus) (*model.AnalysisResult, error)
}

// Snapshot is the observable state of a session after every change
type Snapshot struct {
	State     State                   `json:"state"`
	SessionID string                  `json:"session_id,omitempty"`
	Status    *model.ProcessingStatus `json:"status,omitempty"`
	Steps     []model.ProcessingStep  `json:"steps"`
	Err       *apperr.Presentation    `json:"error,omitempty"`
	Result    *model.AnalysisResult   `json:"result,omitempty"`
}

type Listener func(Snapshot)

type Config struct {
	UserID   string
	Language string
	Poll     poller.Options
	// OnSessionIssued runs once the backend has issued a session id
	OnSessionIssued func(sessionID string)
}

// Report is what a finished or cancelled run produced
type Report struct {
	SessionID string
	Result    *model.AnalysisResult
	Cancelled bool
}

// Session drives one analysis lifecycle: capture, upload, poll, normalize.
// Once it is done or failed it cannot run again.
type Session struct {
	uploader Uploader
	poller   StatusPoller
	fetcher  ResultFetcher
	cfg      Config
	now      func() time.Time

	mu        sync.Mutex
	state     State
	sessionID string
	status    *model.ProcessingStatus
	steps     *stepTracker
	errP      *apperr.Presentation
	result    *model.AnalysisResult
	listeners []Listener
}

func New(uploader Uploader, statusPoller StatusPoller, fetcher ResultFetcher, cfg Config) *Session {
	if cfg.Poll.Interval <= 0 || cfg.Poll.MaxAttempts <= 0 {
		def := poller.DefaultOptions()
		if cfg.Poll.Interval <= 0 {
			cfg.Poll.Interval = def.Interval
		}
		if cfg.Poll.MaxAttempts <= 0 {
			cfg.Poll.MaxAttempts = def.MaxAttempts
		}
	}
	s := &Session{
		uploader: uploader,
		poller:   statusPoller,
		fetcher:  fetcher,
		cfg:      cfg,
		now:      time.Now,
		state:    StateIdle,
	}
	s.steps = newStepTracker(s.clock)
	return s
}

func (s *Session) clock() time.Time {
	return s.now()
}

// Subscribe registers a listener for every state change
func (s *Session) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Snapshot returns the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:     s.state,
		SessionID: s.sessionID,
		Status:    s.status,
		Steps:     s.steps.snapshot(),
		Err:       s.errP,
		Result:    s.result,
	}
}

// update applies fn under the lock and notifies listeners outside it
func (s *Session) update(fn func()) {
	s.mu.Lock()
	fn()
	snap := s.snapshotLocked()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

// enter moves from idle to next, refusing spent or busy sessions
func (s *Session) enter(next State) error {
	s.mu.Lock()
	switch s.state {
	case StateDone, StateFailed:
		s.mu.Unlock()
		return ErrSessionSpent
	case StateIdle:
	default:
		s.mu.Unlock()
		return ErrBusy
	}
	s.mu.Unlock()

	s.update(func() {
		s.state = next
		s.errP = nil
	})
	return nil
}

func (s *Session) cancelled() (Report, error) {
	s.update(func() { s.state = StateIdle })
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	logger.Info("Analysis cancelled", zap.String("session_id", id))
	return Report{SessionID: id, Cancelled: true}, nil
}

func (s *Session) fail(err error) error {
	p := apperr.Present(err)
	s.update(func() {
		s.state = StateFailed
		s.errP = &p
		s.steps.fail(p.Message)
	})
	logger.Warn("Analysis failed",
		zap.String("session_id", s.Snapshot().SessionID),
		zap.String("label", p.Label),
		zap.Error(err))
	return err
}

// Capture acquires audio from src. A capture failure is shown on the
// snapshot but leaves the session idle, since no session id was spent.
func (s *Session) Capture(ctx context.Context, src capture.Source) (*model.AudioPayload, error) {
	if err := s.enter(StateCapturing); err != nil {
		return nil, err
	}

	payload, err := src.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.update(func() { s.state = StateIdle })
			return nil, ctx.Err()
		}
		p := apperr.Present(err)
		s.update(func() {
			s.state = StateIdle
			s.errP = &p
		})
		return nil, err
	}

	s.update(func() { s.state = StateIdle })
	return payload, nil
}

// Run captures from src and submits the payload
func (s *Session) Run(ctx context.Context, src capture.Source) (Report, error) {
	payload, err := s.Capture(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return Report{Cancelled: true}, nil
		}
		return Report{}, err
	}
	return s.Submit(ctx, payload)
}

// Submit uploads payload and follows the issued session to its result
func (s *Session) Submit(ctx context.Context, payload *model.AudioPayload) (Report, error) {
	if err := s.enter(StateUploading); err != nil {
		return Report{}, err
	}
	s.update(func() {
		s.steps = newStepTracker(s.clock)
		s.status = nil
		s.steps.uploadStarted()
	})

	sessionID, err := s.uploader.Upload(ctx, payload, s.cfg.UserID, s.cfg.Language)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled()
		}
		return Report{}, s.fail(err)
	}

	if s.cfg.OnSessionIssued != nil {
		s.cfg.OnSessionIssued(sessionID)
	}
	s.update(func() {
		s.sessionID = sessionID
		s.steps.uploadDone()
		s.state = StatePolling
	})

	return s.follow(ctx, sessionID)
}

// Resume follows a session uploaded earlier, starting at polling
func (s *Session) Resume(ctx context.Context, sessionID string) (Report, error) {
	if sessionID == "" {
		return Report{}, fmt.Errorf("failed to resume: empty session id")
	}
	if err := s.enter(StatePolling); err != nil {
		return Report{}, err
	}
	s.update(func() {
		s.sessionID = sessionID
		s.status = nil
		s.steps = newStepTracker(s.clock)
		s.steps.skipUpload()
	})
	return s.follow(ctx, sessionID)
}

func (s *Session) follow(ctx context.Context, sessionID string) (Report, error) {
	opts := s.cfg.Poll
	userHook := opts.OnStatus
	opts.OnStatus = func(attempt int, st *model.ProcessingStatus) {
		s.update(func() {
			s.status = st
			s.steps.observe(st)
		})
		if userHook != nil {
			userHook(attempt, st)
		}
	}

	outcome, err := s.poller.PollUntilTerminal(ctx, sessionID, opts)
	if outcome.Cancelled {
		return s.cancelled()
	}
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled()
		}
		return Report{SessionID: sessionID}, s.fail(err)
	}

	if outcome.Status.Status == model.StatusFailed {
		return Report{SessionID: sessionID}, s.fail(apperr.ProcessingFailed(outcome.Status))
	}

	s.update(func() { s.state = StateNormalizing })

	result, err := s.fetcher.FetchAndNormalize(ctx, sessionID, outcome.Status.Status)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled()
		}
		return Report{SessionID: sessionID}, s.fail(err)
	}
	if result.UserID == "" {
		result.UserID = s.cfg.UserID
	}

	s.update(func() {
		s.result = result
		s.state = StateDone
	})
	logger.Info("Analysis complete",
		zap.String("session_id", sessionID),
		zap.String("overall_level", string(result.OverallLevel)))

	return Report{SessionID: sessionID, Result: result}, nil
}
