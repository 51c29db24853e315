package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"voxscore/pkg/model"
)

// Kind classifies a pipeline failure independently of its concrete cause
type Kind string

const (
	KindPermissionDenied Kind = "PermissionDenied"
	KindValidation       Kind = "ValidationError"
	KindNetwork          Kind = "NetworkError"
	KindUpload           Kind = "UploadError"
	KindSessionNotFound  Kind = "SessionNotFound"
	KindTimeout          Kind = "Timeout"
	KindProcessingFailed Kind = "ProcessingFailed"
	KindServer           Kind = "ServerError"
)

// Reason refines a validation failure
type Reason string

const (
	ReasonBadFormat Reason = "bad-format"
	ReasonTooLarge  Reason = "too-large"
	ReasonTooLong   Reason = "too-long"
	ReasonEmpty     Reason = "empty"
)

// Error is the typed error passed between pipeline stages
type Error struct {
	Kind       Kind
	Reason     Reason
	Message    string
	StatusCode int
	LastStatus *model.ProcessingStatus
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += "(" + string(e.Reason) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around cause
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Validation creates a validation error with a sub-reason
func Validation(reason Reason, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Timeout creates a poll timeout carrying the last observed status
func Timeout(attempts int, last *model.ProcessingStatus) *Error {
	return &Error{
		Kind:       KindTimeout,
		Message:    fmt.Sprintf("analysis did not finish after %d status checks", attempts),
		LastStatus: last,
	}
}

// ProcessingFailed creates an error for a backend-reported failure
func ProcessingFailed(status *model.ProcessingStatus) *Error {
	reason := "analysis failed"
	if status != nil && status.Error != "" {
		reason = status.Error
	}
	return &Error{Kind: KindProcessingFailed, Message: reason, LastStatus: status}
}

// HTTP creates an error for a non-2xx backend response
func HTTP(kind Kind, statusCode int, reason string) *Error {
	if reason == "" {
		reason = http.StatusText(statusCode)
	}
	return &Error{Kind: kind, Message: reason, StatusCode: statusCode}
}

// As extracts the typed error from err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or an empty Kind for untyped errors
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether retrying the same request may succeed
func IsTransient(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindServer:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}
