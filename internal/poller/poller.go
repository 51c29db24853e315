package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"go.uber.org/zap"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 30
)

// ErrAlreadyPolling is returned when a session is already being polled
var ErrAlreadyPolling = errors.New("session is already being polled")

// StatusSource reads the remote status of a session
type StatusSource interface {
	Status(ctx context.Context, sessionID string) (*model.ProcessingStatus, error)
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func timerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// OnStatus is called after every successful status read
	OnStatus func(attempt int, status *model.ProcessingStatus)
	// OnError is called after every transient failure
	OnError func(attempt int, err error)
}

func DefaultOptions() Options {
	return Options{Interval: DefaultInterval, MaxAttempts: DefaultMaxAttempts}
}

// Outcome is the result of a poll that did not fail
type Outcome struct {
	Status    *model.ProcessingStatus
	Attempts  int
	Cancelled bool
}

// Poller polls session status until it becomes terminal. Polls for one
// session never overlap.
type Poller struct {
	source StatusSource
	sleep  Sleeper

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(source StatusSource) *Poller {
	return &Poller{
		source:   source,
		sleep:    timerSleep,
		inflight: make(map[string]struct{}),
	}
}

// WithSleeper replaces the timer used between attempts
func (p *Poller) WithSleeper(s Sleeper) *Poller {
	p.sleep = s
	return p
}

func (p *Poller) acquire(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[sessionID]; busy {
		return false
	}
	p.inflight[sessionID] = struct{}{}
	return true
}

func (p *Poller) release(sessionID string) {
	p.mu.Lock()
	delete(p.inflight, sessionID)
	p.mu.Unlock()
}

// PollUntilTerminal reads the status up to MaxAttempts times, sleeping
// Interval between reads. A terminal status, including failed, is returned
// as is. An unknown session fails at once with SessionNotFound. Transient
// errors use the same budget. When the budget runs out a Timeout error
// carries the last status seen. Cancelling ctx returns a Cancelled outcome
// and no error.
func (p *Poller) PollUntilTerminal(ctx context.Context, sessionID string, opts Options) (Outcome, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	if !p.acquire(sessionID) {
		return Outcome{}, ErrAlreadyPolling
	}
	defer p.release(sessionID)

	log := logger.With(zap.String("session_id", sessionID))

	var last *model.ProcessingStatus
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			log.Info("Polling cancelled", zap.Int("attempt", attempt))
			return Outcome{Status: last, Attempts: attempt - 1, Cancelled: true}, nil
		}

		status, err := p.source.Status(ctx, sessionID)
		switch {
		case err != nil && ctx.Err() != nil:
			log.Info("Polling cancelled", zap.Int("attempt", attempt))
			return Outcome{Status: last, Attempts: attempt, Cancelled: true}, nil

		case apperr.Is(err, apperr.KindSessionNotFound):
			log.Warn("Session not found", zap.Int("attempt", attempt))
			return Outcome{Status: last, Attempts: attempt}, err

		case err != nil && !apperr.IsTransient(err):
			return Outcome{Status: last, Attempts: attempt}, err

		case err != nil:
			log.Debug("Transient status failure", zap.Int("attempt", attempt), zap.Error(err))
			if opts.OnError != nil {
				opts.OnError(attempt, err)
			}

		default:
			last = status
			if opts.OnStatus != nil {
				opts.OnStatus(attempt, status)
			}
			if status.Status.IsTerminal() {
				log.Info("Session reached terminal status",
					zap.String("status", string(status.Status)),
					zap.Int("attempts", attempt))
				return Outcome{Status: status, Attempts: attempt}, nil
			}
		}

		if attempt == opts.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, opts.Interval); err != nil {
			log.Info("Polling cancelled", zap.Int("attempt", attempt))
			return Outcome{Status: last, Attempts: attempt, Cancelled: true}, nil
		}
	}

	log.Warn("Polling gave up", zap.Int("attempts", opts.MaxAttempts))
	return Outcome{Status: last, Attempts: opts.MaxAttempts}, apperr.Timeout(opts.MaxAttempts, last)
}
