package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TrackingTask asks the worker to follow an uploaded session to completion
type TrackingTask struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Language    string    `json:"language,omitempty"`
	FileName    string    `json:"file_name,omitempty"`
	ArchiveKey  string    `json:"archive_key,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate rejects tasks the worker cannot act on
func (t *TrackingTask) Validate() error {
	if t.SessionID == "" {
		return errors.New("tracking task has no session id")
	}
	return nil
}

// DecodeTrackingTask parses and validates a message body
func DecodeTrackingTask(body []byte) (*TrackingTask, error) {
	var task TrackingTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}

// rejected marks a handler error that must not be redelivered
type rejected struct {
	err error
}

func (r *rejected) Error() string { return r.err.Error() }
func (r *rejected) Unwrap() error { return r.err }

// Reject wraps err so the message is dropped instead of requeued
func Reject(err error) error {
	return &rejected{err: err}
}

// IsRejected reports whether err was produced by Reject
func IsRejected(err error) bool {
	var r *rejected
	return errors.As(err, &r)
}
