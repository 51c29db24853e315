package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"go.uber.org/zap"
)

var mimeTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".webm": "audio/webm",
	".flac": "audio/flac",
}

// MIMEType returns the audio MIME type for a file name
func MIMEType(name string) string {
	if t, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return "application/octet-stream"
}

// FileRules are the limits a selected file must satisfy before upload
type FileRules struct {
	AllowedExtensions []string
	MaxBytes          int64
	MaxDuration       time.Duration
}

// Validate checks the name and size only. It never reads file contents.
func (r FileRules) Validate(name string, size int64) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !r.allowed(ext) {
		return apperr.Validation(apperr.ReasonBadFormat,
			"%q is not a supported audio format (allowed: %s)", ext, strings.Join(r.AllowedExtensions, ", "))
	}
	if size <= 0 {
		return apperr.Validation(apperr.ReasonEmpty, "%s is empty", name)
	}
	if r.MaxBytes > 0 && size > r.MaxBytes {
		return apperr.Validation(apperr.ReasonTooLarge,
			"%s is %d bytes, the limit is %d", name, size, r.MaxBytes)
	}
	return nil
}

func (r FileRules) allowed(ext string) bool {
	if ext == "" {
		return false
	}
	for _, a := range r.AllowedExtensions {
		if strings.EqualFold(strings.TrimSpace(a), ext) {
			return true
		}
	}
	return false
}

// Load validates data and builds a payload from it. The duration is probed
// best-effort: a failed probe leaves it unknown.
func (r FileRules) Load(name string, data []byte) (*model.AudioPayload, error) {
	if err := r.Validate(name, int64(len(data))); err != nil {
		return nil, err
	}

	payload := &model.AudioPayload{
		Name:     filepath.Base(name),
		MIMEType: MIMEType(name),
		Data:     data,
	}

	if d, err := ProbeDuration(data); err != nil {
		logger.Debug("Duration probe failed", zap.String("file", payload.Name), zap.Error(err))
	} else {
		payload.Duration = d
	}

	if r.MaxDuration > 0 && payload.Duration > r.MaxDuration {
		return nil, apperr.Validation(apperr.ReasonTooLong,
			"%s is %s long, the limit is %s", payload.Name, payload.Duration.Round(time.Second), r.MaxDuration)
	}
	return payload, nil
}

// FileInput is a Source reading a local audio file
type FileInput struct {
	Path  string
	Rules FileRules
}

func (f *FileInput) Acquire(ctx context.Context) (*model.AudioPayload, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", f.Path, err)
	}
	if info.IsDir() {
		return nil, apperr.Validation(apperr.ReasonBadFormat, "%s is a directory", f.Path)
	}
	if err := f.Rules.Validate(info.Name(), info.Size()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	return f.Rules.Load(info.Name(), data)
}
