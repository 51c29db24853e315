package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"

	"go.uber.org/zap"
)

// ExecBackend streams raw little-endian PCM from an external recorder
// process. The default command is ALSA's arecord; any program accepting the
// same flags and writing PCM to stdout works. Only one stream may be live.
type ExecBackend struct {
	Command string
	Device  string

	mu     sync.Mutex
	active bool
}

func NewExecBackend(command, device string) *ExecBackend {
	if command == "" {
		command = "arecord"
	}
	return &ExecBackend{Command: command, Device: device}
}

func (b *ExecBackend) Open(ctx context.Context, format Format) (io.ReadCloser, error) {
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d: only 16-bit capture is available", format.BitDepth)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active {
		return nil, apperr.New(apperr.KindPermissionDenied, "device busy: another recording is in progress")
	}

	path, err := exec.LookPath(b.Command)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPermissionDenied, err, "no audio capture command available")
	}

	args := []string{
		"-q",
		"-t", "raw",
		"-f", "S16_LE",
		"-r", strconv.Itoa(format.SampleRate),
		"-c", strconv.Itoa(format.Channels),
	}
	if b.Device != "" {
		args = append(args, "-D", b.Device)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach capture output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.KindPermissionDenied, err, "failed to open capture device")
	}

	logger.Debug("Capture device opened",
		zap.String("command", b.Command),
		zap.String("device", b.Device),
		zap.Stringer("format", format))

	b.active = true
	return &execStream{ReadCloser: stdout, cmd: cmd, release: b.release}, nil
}

func (b *ExecBackend) release() {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()
}

type execStream struct {
	io.ReadCloser
	cmd     *exec.Cmd
	release func()
	once    sync.Once
}

func (s *execStream) Close() error {
	var err error
	s.once.Do(func() {
		defer s.release()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		werr := s.cmd.Wait()
		var exitErr *exec.ExitError
		if werr != nil && !errors.As(werr, &exitErr) {
			err = werr
		}
	})
	return err
}
