package analysis

import (
	"time"
)

type uploadResponse struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (e errorResponse) reason() string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	}
	return e.Detail
}

type statusResponse struct {
	SessionID   string   `json:"session_id"`
	Status      string   `json:"status"`
	Progress    *float64 `json:"progress"`
	CurrentStep string   `json:"current_step"`
	Error       string   `json:"error"`
}

type historyEntry struct {
	SessionID    string    `json:"session_id"`
	OverallLevel string    `json:"overall_level"`
	OverallScore float64   `json:"overall_score"`
	TOEFLScore   *int      `json:"toefl_score"`
	CreatedAt    time.Time `json:"created_at"`
}

// history responses are either a bare list or wrapped in an object
type historyEnvelope struct {
	History  []historyEntry `json:"history"`
	Analyses []historyEntry `json:"analyses"`
	Items    []historyEntry `json:"items"`
}
