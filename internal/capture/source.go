package capture

import (
	"context"
	"fmt"
	"io"

	"voxscore/pkg/model"
)

// Source produces one audio payload ready for upload
type Source interface {
	Acquire(ctx context.Context) (*model.AudioPayload, error)
}

// Format describes a raw PCM stream
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is 16 kHz mono 16-bit linear PCM
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// BytesPerSecond returns the raw data rate of f
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitDepth / 8)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// Backend grants access to a capture device. Open fails with a
// PermissionDenied error when the device cannot be obtained.
type Backend interface {
	Open(ctx context.Context, format Format) (io.ReadCloser, error)
}
