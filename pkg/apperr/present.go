package apperr

import (
	"net/http"
)

// Presentation is what an error surface shows for a fatal pipeline error
type Presentation struct {
	Kind      Kind   `json:"kind"`
	Label     string `json:"label"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Present maps any error to a label, a readable message and a retry affordance.
// Untyped errors are shown as unexpected and retryable.
func Present(err error) Presentation {
	e, ok := As(err)
	if !ok {
		msg := "something went wrong"
		if err != nil {
			msg = err.Error()
		}
		return Presentation{Label: "Unexpected error", Message: msg, Retryable: true}
	}

	p := Presentation{Kind: e.Kind, Message: e.Message}
	switch e.Kind {
	case KindPermissionDenied:
		p.Label = "Microphone unavailable"
		p.Retryable = true
		if p.Message == "" {
			p.Message = "allow microphone access and try again"
		}
	case KindValidation:
		p.Label = validationLabel(e.Reason)
	case KindNetwork:
		p.Label = "Connection problem"
		p.Retryable = true
		if p.Message == "" {
			p.Message = "the analysis service could not be reached"
		}
	case KindUpload:
		p.Label = "Upload rejected"
		p.Retryable = e.StatusCode == 0 || e.StatusCode >= 500
	case KindSessionNotFound:
		p.Label = "Session lost"
		p.Message = "the analysis service no longer knows this session; start a new analysis"
	case KindTimeout:
		p.Label = "Analysis is taking too long"
		p.Retryable = true
		if e.LastStatus != nil && e.LastStatus.CurrentStep != "" {
			p.Message += " (last step: " + e.LastStatus.CurrentStep + ")"
		}
	case KindProcessingFailed:
		p.Label = "Analysis failed"
		p.Retryable = true
	case KindServer:
		p.Label = "Service error"
		p.Retryable = IsTransient(e)
	default:
		p.Label = "Unexpected error"
		p.Retryable = true
	}
	if p.Message == "" {
		p.Message = e.Error()
	}
	return p
}

func validationLabel(reason Reason) string {
	switch reason {
	case ReasonBadFormat:
		return "Unsupported file format"
	case ReasonTooLarge:
		return "File too large"
	case ReasonTooLong:
		return "Recording too long"
	case ReasonEmpty:
		return "Empty audio"
	}
	return "Invalid audio"
}

// HTTPStatus maps an error to the status code a gateway should answer with
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindValidation:
		if e.Reason == ReasonTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case KindNetwork:
		return http.StatusBadGateway
	case KindUpload, KindServer:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProcessingFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
