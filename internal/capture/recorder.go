package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("recorder already started")
	ErrNotRecording   = errors.New("recorder is not recording")
	ErrRecorderClosed = errors.New("recorder closed")
)

type recorderState int

const (
	stateIdle recorderState = iota
	stateRecording
	statePaused
	// stopping accepts the chunks still in flight while the reader drains
	stateStopping
	stateStopped
)

// RecorderConfig controls buffering and limits of a Recorder
type RecorderConfig struct {
	Format       Format
	ChunkBytes   int
	MaxDuration  time.Duration
	TickInterval time.Duration

	// OnLevel receives the level of every buffered chunk
	OnLevel func(level float64)
	// OnTick receives the elapsed recording time once per tick
	OnTick func(elapsed time.Duration)
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Format:       DefaultFormat,
		ChunkBytes:   4096,
		MaxDuration:  900 * time.Second,
		TickInterval: time.Second,
	}
}

// Recording is the outcome of a stopped recorder
type Recording struct {
	Payload      *model.AudioPayload
	LimitReached bool
}

// Recorder buffers a capture stream into one WAV payload. The device is held
// from Start until Stop, Close or the max-duration guard fires.
type Recorder struct {
	backend Backend
	cfg     RecorderConfig

	mu           sync.Mutex
	state        recorderState
	stream       io.ReadCloser
	chunks       [][]byte
	size         int
	elapsed      time.Duration
	level        float64
	limitReached bool

	limitCh   chan struct{}
	stopTick  chan struct{}
	readers   sync.WaitGroup
	finalOnce sync.Once
	result    *Recording
	finalErr  error
}

func NewRecorder(backend Backend, cfg RecorderConfig) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.Format.SampleRate == 0 {
		cfg.Format = def.Format
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = def.ChunkBytes
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	return &Recorder{
		backend:  backend,
		cfg:      cfg,
		limitCh:  make(chan struct{}),
		stopTick: make(chan struct{}),
	}
}

// Start acquires the device and begins buffering
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateStopping, stateStopped:
		return ErrRecorderClosed
	case stateRecording, statePaused:
		return ErrAlreadyStarted
	}

	stream, err := r.backend.Open(ctx, r.cfg.Format)
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return err
		}
		return apperr.Wrap(apperr.KindPermissionDenied, err, "microphone access failed")
	}

	r.stream = stream
	r.state = stateRecording

	r.readers.Add(1)
	go r.readLoop(stream)
	go r.tickLoop()

	logger.Info("Recording started",
		zap.Stringer("format", r.cfg.Format),
		zap.Duration("max_duration", r.cfg.MaxDuration))
	return nil
}

// Pause suspends buffering and the duration tick. No-op unless recording.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateRecording {
		r.state = statePaused
	}
}

// Resume continues a paused recording. No-op unless paused.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == statePaused {
		r.state = stateRecording
	}
}

// Paused reports whether the recorder is paused
func (r *Recorder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == statePaused
}

// Elapsed returns the ticked recording time, excluding pauses
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// Level returns the latest amplitude in 0.0-1.0. The second value is false
// when the stream format has no level signal.
func (r *Recorder) Level() (float64, bool) {
	if r.cfg.Format.BitDepth != 16 {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level, true
}

// LimitReached is closed when the max-duration guard stops the recording
func (r *Recorder) LimitReached() <-chan struct{} {
	return r.limitCh
}

// Stop releases the device and returns the buffered audio. Calling Stop
// after the guard fired returns the same recording.
func (r *Recorder) Stop() (*Recording, error) {
	r.mu.Lock()
	idle := r.state == stateIdle
	r.mu.Unlock()
	if idle {
		return nil, ErrNotRecording
	}

	r.finalOnce.Do(func() {
		r.result, r.finalErr = r.finalize(true)
	})
	return r.result, r.finalErr
}

// Close releases the device and discards any buffered audio
func (r *Recorder) Close() error {
	r.finalOnce.Do(func() {
		_, _ = r.finalize(false)
		r.finalErr = ErrRecorderClosed
	})
	return nil
}

func (r *Recorder) readLoop(stream io.Reader) {
	defer r.readers.Done()

	buf := make([]byte, r.cfg.ChunkBytes)
	for {
		n, err := io.ReadFull(stream, buf)
		if n > 0 {
			r.appendChunk(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debug("Capture stream ended", zap.Error(err))
			}
			return
		}
	}
}

func (r *Recorder) appendChunk(data []byte) {
	r.mu.Lock()
	if r.state != stateRecording && r.state != stateStopping {
		r.mu.Unlock()
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk)

	var level float64
	if r.cfg.Format.BitDepth == 16 {
		level = chunkLevel(chunk)
		r.level = level
	}
	onLevel := r.cfg.OnLevel
	r.mu.Unlock()

	if onLevel != nil {
		onLevel(level)
	}
}

func (r *Recorder) tickLoop() {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopTick:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.state != stateRecording {
			r.mu.Unlock()
			continue
		}
		r.elapsed += r.cfg.TickInterval
		elapsed := r.elapsed
		hit := r.cfg.MaxDuration > 0 && elapsed >= r.cfg.MaxDuration
		if hit {
			r.limitReached = true
		}
		onTick := r.cfg.OnTick
		r.mu.Unlock()

		if onTick != nil {
			onTick(elapsed)
		}
		if hit {
			logger.Info("Recording limit reached", zap.Duration("max_duration", r.cfg.MaxDuration))
			r.finalOnce.Do(func() {
				r.result, r.finalErr = r.finalize(true)
			})
			close(r.limitCh)
			return
		}
	}
}

// finalize runs exactly once. It waits for the reader but not for the
// ticker, which may be the caller.
func (r *Recorder) finalize(keep bool) (*Recording, error) {
	r.mu.Lock()
	prev := r.state
	if prev == stateRecording && keep {
		r.state = stateStopping
	} else {
		r.state = stateStopped
	}
	stream := r.stream
	r.mu.Unlock()

	if prev == stateIdle {
		return nil, ErrNotRecording
	}

	close(r.stopTick)
	if err := stream.Close(); err != nil {
		logger.Warn("Failed to release capture device", zap.Error(err))
	}
	r.readers.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateStopped

	raw := make([]byte, 0, r.size)
	for _, c := range r.chunks {
		raw = append(raw, c...)
	}
	r.chunks = nil

	if !keep {
		return nil, nil
	}

	if len(raw) == 0 {
		return nil, apperr.Validation(apperr.ReasonEmpty, "recording captured no audio")
	}

	data, err := EncodeWAV(raw, r.cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize recording: %w", err)
	}

	payload := &model.AudioPayload{
		Name:     fmt.Sprintf("recording-%s.wav", uuid.New().String()),
		MIMEType: "audio/wav",
		Data:     data,
		Duration: PCMDuration(len(raw), r.cfg.Format),
	}

	logger.Info("Recording stopped",
		zap.String("name", payload.Name),
		zap.Duration("duration", payload.Duration),
		zap.Int64("bytes", payload.Size()),
		zap.Bool("limit_reached", r.limitReached))

	return &Recording{Payload: payload, LimitReached: r.limitReached}, nil
}

// TimedRecording is a Source that records for a fixed length, or until the
// max-duration guard fires
type TimedRecording struct {
	Recorder *Recorder
	Length   time.Duration
}

func (t *TimedRecording) Acquire(ctx context.Context) (*model.AudioPayload, error) {
	if err := t.Recorder.Start(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.Length)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = t.Recorder.Close()
		return nil, ctx.Err()
	case <-timer.C:
	case <-t.Recorder.LimitReached():
	}

	rec, err := t.Recorder.Stop()
	if err != nil {
		return nil, err
	}
	return rec.Payload, nil
}
