package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voxscore/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu     sync.Mutex
	stream io.ReadCloser
	err    error
	opened int
	closed bool
}

func (b *fakeBackend) Open(ctx context.Context, format Format) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.opened++
	return &trackedStream{ReadCloser: b.stream, onClose: func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	}}, nil
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type trackedStream struct {
	io.ReadCloser
	onClose func()
}

func (s *trackedStream) Close() error {
	s.onClose()
	return s.ReadCloser.Close()
}

func silence(d time.Duration, f Format) []byte {
	return make([]byte, int(d.Seconds()*float64(f.BytesPerSecond())))
}

func tone(n int, amplitude int16) []byte {
	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(amplitude))
	}
	return raw
}

func (r *Recorder) bufferedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func TestRecorder_ThreeSecondsOfSilence(t *testing.T) {
	backend := &fakeBackend{stream: io.NopCloser(bytes.NewReader(silence(3*time.Second, DefaultFormat)))}
	rec := NewRecorder(backend, DefaultRecorderConfig())

	require.NoError(t, rec.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.bufferedBytes() == 96000 }, time.Second, 5*time.Millisecond)

	out, err := rec.Stop()
	require.NoError(t, err)

	assert.False(t, out.LimitReached)
	assert.Equal(t, "audio/wav", out.Payload.MIMEType)
	assert.True(t, strings.HasPrefix(out.Payload.Name, "recording-"))
	assert.True(t, strings.HasSuffix(out.Payload.Name, ".wav"))
	assert.InDelta(t, 3.0, out.Payload.Duration.Seconds(), 0.01)
	assert.True(t, backend.isClosed())

	probed, err := ProbeDuration(out.Payload.Data)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, probed.Seconds(), 0.01)
}

func TestRecorder_PermissionDenied(t *testing.T) {
	rec := NewRecorder(&fakeBackend{err: errors.New("user declined")}, DefaultRecorderConfig())

	err := rec.Start(context.Background())

	assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))
}

func TestRecorder_MaxDurationGuard(t *testing.T) {
	pr, pw := io.Pipe()
	backend := &fakeBackend{stream: pr}
	cfg := DefaultRecorderConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MaxDuration = 30 * time.Millisecond

	rec := NewRecorder(backend, cfg)
	require.NoError(t, rec.Start(context.Background()))

	go func() {
		_, _ = pw.Write(silence(time.Second, DefaultFormat))
	}()

	select {
	case <-rec.LimitReached():
	case <-time.After(2 * time.Second):
		t.Fatal("limit guard did not fire")
	}

	assert.True(t, backend.isClosed())

	out, err := rec.Stop()
	if err != nil {
		// the guard may fire before any chunk was buffered
		assert.True(t, apperr.Is(err, apperr.KindValidation))
		return
	}
	assert.True(t, out.LimitReached)

	again, err := rec.Stop()
	require.NoError(t, err)
	assert.Same(t, out, again)
}

func TestRecorder_PauseDiscardsAudio(t *testing.T) {
	pr, pw := io.Pipe()
	cfg := DefaultRecorderConfig()
	rec := NewRecorder(&fakeBackend{stream: pr}, cfg)
	require.NoError(t, rec.Start(context.Background()))

	_, err := pw.Write(make([]byte, cfg.ChunkBytes))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.bufferedBytes() == cfg.ChunkBytes }, time.Second, time.Millisecond)

	rec.Pause()
	rec.Pause()
	assert.True(t, rec.Paused())

	_, err = pw.Write(make([]byte, cfg.ChunkBytes))
	require.NoError(t, err)
	// an empty write returns once the reader asked for the next chunk
	_, err = pw.Write(nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.ChunkBytes, rec.bufferedBytes())

	rec.Resume()
	rec.Resume()
	assert.False(t, rec.Paused())

	_, err = pw.Write(tone(cfg.ChunkBytes/2, 16384))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.Eventually(t, func() bool { return rec.bufferedBytes() == 2*cfg.ChunkBytes }, time.Second, time.Millisecond)

	level, ok := rec.Level()
	assert.True(t, ok)
	assert.InDelta(t, 0.5, level, 0.001)

	out, err := rec.Stop()
	require.NoError(t, err)
	assert.Equal(t, PCMDuration(2*cfg.ChunkBytes, cfg.Format), out.Payload.Duration)
}

func TestRecorder_WrongStateCalls(t *testing.T) {
	rec := NewRecorder(&fakeBackend{stream: io.NopCloser(bytes.NewReader(nil))}, DefaultRecorderConfig())

	rec.Pause()
	rec.Resume()
	_, err := rec.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)

	require.NoError(t, rec.Start(context.Background()))
	assert.ErrorIs(t, rec.Start(context.Background()), ErrAlreadyStarted)

	_, err = rec.Stop()
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.ErrorIs(t, rec.Start(context.Background()), ErrRecorderClosed)
}

func TestRecorder_CloseReleasesDevice(t *testing.T) {
	pr, _ := io.Pipe()
	backend := &fakeBackend{stream: pr}
	rec := NewRecorder(backend, DefaultRecorderConfig())
	require.NoError(t, rec.Start(context.Background()))

	require.NoError(t, rec.Close())
	assert.True(t, backend.isClosed())

	_, err := rec.Stop()
	assert.ErrorIs(t, err, ErrRecorderClosed)
}

func TestRecorder_LevelUnsupported(t *testing.T) {
	cfg := DefaultRecorderConfig()
	cfg.Format.BitDepth = 24
	rec := NewRecorder(&fakeBackend{}, cfg)

	_, ok := rec.Level()
	assert.False(t, ok)
}

func TestTimedRecording_Cancel(t *testing.T) {
	pr, _ := io.Pipe()
	backend := &fakeBackend{stream: pr}
	src := &TimedRecording{Recorder: NewRecorder(backend, DefaultRecorderConfig()), Length: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := src.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, backend.isClosed())
}

func TestExecBackend_MissingCommand(t *testing.T) {
	b := NewExecBackend("voxscore-no-such-recorder", "")

	_, err := b.Open(context.Background(), DefaultFormat)

	assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))
}

func TestExecBackend_SingleStream(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping process test")
	}
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	b := NewExecBackend("sleep", "")

	// sleep rejects the recorder flags, but the process still starts
	s, err := b.Open(context.Background(), DefaultFormat)
	require.NoError(t, err)

	_, err = b.Open(context.Background(), DefaultFormat)
	assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))

	require.NoError(t, s.Close())

	s, err = b.Open(context.Background(), DefaultFormat)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		rms  float64
		peak float64
		want Quality
	}{
		{"very quiet", -50, -20, QualityVeryQuiet},
		{"good", -15, -1, QualityGood},
		{"clipping wins over quiet", -60, -0.05, QualityClipping},
		{"clipping wins over loud", -3, -0.05, QualityClipping},
		{"quiet", -30, -10, QualityQuiet},
		{"quiet boundary", -40, -10, QualityQuiet},
		{"good boundary", -25, -10, QualityGood},
		{"loud", -7, -0.5, QualityLoud},
		{"peak at threshold", -15, -0.1, QualityGood},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.rms, tt.peak))
		})
	}
}

func TestMeasureLevels(t *testing.T) {
	rms, peak := MeasureLevels([]int{16384, -16384, 16384, -16384}, 16)
	assert.InDelta(t, -6.02, rms, 0.01)
	assert.InDelta(t, -6.02, peak, 0.01)

	rms, peak = MeasureLevels([]int{0, 0, 0}, 16)
	assert.Equal(t, SilenceDB, rms)
	assert.Equal(t, SilenceDB, peak)

	rms, peak = MeasureLevels(nil, 16)
	assert.Equal(t, SilenceDB, rms)
	assert.Equal(t, SilenceDB, peak)
}

func TestAnalyzeQuality(t *testing.T) {
	quiet, err := EncodeWAV(silence(time.Second, DefaultFormat), DefaultFormat)
	require.NoError(t, err)

	report, err := AnalyzeQuality(quiet)
	require.NoError(t, err)
	assert.Equal(t, QualityVeryQuiet, report.Quality)

	loud, err := EncodeWAV(tone(16000, 16384), DefaultFormat)
	require.NoError(t, err)

	report, err = AnalyzeQuality(loud)
	require.NoError(t, err)
	assert.Equal(t, QualityLoud, report.Quality)

	_, err = AnalyzeQuality([]byte("ID3 not a wav"))
	assert.Error(t, err)
}

func testRules() FileRules {
	return FileRules{
		AllowedExtensions: []string{".wav", ".mp3"},
		MaxBytes:          1 << 20,
		MaxDuration:       2 * time.Second,
	}
}

func TestFileRules_Validate(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		size   int64
		reason apperr.Reason
	}{
		{"bad format", "notes.txt", 10, apperr.ReasonBadFormat},
		{"no extension", "recording", 10, apperr.ReasonBadFormat},
		{"too large", "talk.wav", 2 << 20, apperr.ReasonTooLarge},
		{"empty", "talk.mp3", 0, apperr.ReasonEmpty},
		{"upper case ok", "TALK.WAV", 100, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testRules().Validate(tt.file, tt.size)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.KindValidation, e.Kind)
			assert.Equal(t, tt.reason, e.Reason)
		})
	}
}

func TestFileRules_Load(t *testing.T) {
	short, err := EncodeWAV(silence(time.Second, DefaultFormat), DefaultFormat)
	require.NoError(t, err)

	p, err := testRules().Load("dir/short.wav", short)
	require.NoError(t, err)
	assert.Equal(t, "short.wav", p.Name)
	assert.Equal(t, "audio/wav", p.MIMEType)
	assert.InDelta(t, 1.0, p.Duration.Seconds(), 0.01)

	long, err := EncodeWAV(silence(3*time.Second, DefaultFormat), DefaultFormat)
	require.NoError(t, err)

	_, err = testRules().Load("long.wav", long)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ReasonTooLong, e.Reason)

	// undecodable audio keeps flowing without a duration
	p, err = testRules().Load("talk.mp3", []byte("ID3\x04 fake mp3 frames"))
	require.NoError(t, err)
	assert.False(t, p.DurationKnown())
	assert.Equal(t, "audio/mpeg", p.MIMEType)
}

func TestFileInput_Acquire(t *testing.T) {
	dir := t.TempDir()
	data, err := EncodeWAV(silence(time.Second, DefaultFormat), DefaultFormat)
	require.NoError(t, err)

	path := filepath.Join(dir, "answer.wav")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	p, err := (&FileInput{Path: path, Rules: testRules()}).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), p.Size())

	bad := filepath.Join(dir, "answer.txt")
	require.NoError(t, os.WriteFile(bad, data, 0o644))

	_, err = (&FileInput{Path: bad, Rules: testRules()}).Acquire(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestMemFile_Seek(t *testing.T) {
	m := &memFile{}
	_, _ = m.Write([]byte("abcdef"))
	_, err := m.Seek(2, io.SeekStart)
	require.NoError(t, err)
	_, _ = m.Write([]byte("XY"))
	assert.Equal(t, "abXYef", string(m.Bytes()))

	pos, err := m.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	_, err = m.Seek(-10, io.SeekCurrent)
	assert.Error(t, err)
}
