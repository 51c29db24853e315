package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// SessionStatus is the remote job state reported by the analysis backend
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// IsTerminal returns true once no further transitions are expected
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known control values
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// JSONB represents a JSONB field for PostgreSQL
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// AudioPayload is a locally available audio buffer ready for upload
type AudioPayload struct {
	Name     string        `json:"name"`
	MIMEType string        `json:"mime_type"`
	Data     []byte        `json:"-"`
	Duration time.Duration `json:"duration"` // zero when unknown
}

// Size returns the payload size in bytes
func (p *AudioPayload) Size() int64 {
	if p == nil {
		return 0
	}
	return int64(len(p.Data))
}

// DurationKnown returns true if a duration estimate is available
func (p *AudioPayload) DurationKnown() bool {
	return p != nil && p.Duration > 0
}

// ProcessingStatus is a snapshot of the remote job as seen by the client
type ProcessingStatus struct {
	SessionID   string          `json:"session_id,omitempty"`
	Status      SessionStatus   `json:"status"`
	Progress    *float64        `json:"progress,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	Error       string          `json:"error,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// ProgressValue returns the reported progress clamped to 0-100, or 0
func (s *ProcessingStatus) ProgressValue() float64 {
	if s == nil || s.Progress == nil {
		return 0
	}
	return ClampProgress(*s.Progress)
}

// ClampProgress bounds a backend progress value to 0-100. NaN becomes 0.
func ClampProgress(p float64) float64 {
	switch {
	case p != p, p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// CEFRLevel is a proficiency band from A1 to C2
type CEFRLevel string

const (
	LevelA1 CEFRLevel = "A1"
	LevelA2 CEFRLevel = "A2"
	LevelB1 CEFRLevel = "B1"
	LevelB2 CEFRLevel = "B2"
	LevelC1 CEFRLevel = "C1"
	LevelC2 CEFRLevel = "C2"
)

// Valid reports whether l is one of the six bands
func (l CEFRLevel) Valid() bool {
	switch l {
	case LevelA1, LevelA2, LevelB1, LevelB2, LevelC1, LevelC2:
		return true
	}
	return false
}

// Component names a scored dimension of speech
type Component string

const (
	ComponentGrammar       Component = "grammar"
	ComponentVocabulary    Component = "vocabulary"
	ComponentFluency       Component = "fluency"
	ComponentPronunciation Component = "pronunciation"
	ComponentDiscourse     Component = "discourse"
)

// Components lists every scored component in display order
var Components = []Component{
	ComponentGrammar,
	ComponentVocabulary,
	ComponentFluency,
	ComponentPronunciation,
	ComponentDiscourse,
}

// ComponentScore holds one component's score, band and confidence
type ComponentScore struct {
	Score      float64   `json:"score"`
	Level      CEFRLevel `json:"level"`
	Confidence float64   `json:"confidence"`
}

// Transcription is the recognized text of a recording
type Transcription struct {
	Text            string  `json:"text"`
	WordCount       int     `json:"word_count"`
	DurationSeconds float64 `json:"duration"`
}

// TOEFLSections are the four 0-30 section scores and their 0-120 total
type TOEFLSections struct {
	Reading   int `json:"reading"`
	Listening int `json:"listening"`
	Speaking  int `json:"speaking"`
	Writing   int `json:"writing"`
	Total     int `json:"total"`
}

// AnalysisResult is the normalized outcome of one completed analysis
type AnalysisResult struct {
	SessionID       string                       `json:"session_id"`
	UserID          string                       `json:"user_id,omitempty"`
	OverallLevel    CEFRLevel                    `json:"overall_level"`
	OverallScore    float64                      `json:"overall_score"`
	TOEFLScore      *int                         `json:"toefl_score,omitempty"`
	TOEFLSections   *TOEFLSections               `json:"toefl_section_scores,omitempty"`
	ComponentScores map[Component]ComponentScore `json:"component_scores,omitempty"`
	Transcription   Transcription                `json:"transcription"`
	Recommendations []string                     `json:"recommendations"`
	CompletedAt     time.Time                    `json:"completed_at"`
}

// AnalysisSummary is a compact history entry used for charts
type AnalysisSummary struct {
	SessionID    string    `json:"session_id"`
	OverallLevel CEFRLevel `json:"overall_level"`
	OverallScore float64   `json:"overall_score"`
	TOEFLScore   *int      `json:"toefl_score,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary returns the history entry for r
func (r *AnalysisResult) Summary() AnalysisSummary {
	return AnalysisSummary{
		SessionID:    r.SessionID,
		OverallLevel: r.OverallLevel,
		OverallScore: r.OverallScore,
		TOEFLScore:   r.TOEFLScore,
		CreatedAt:    r.CompletedAt,
	}
}

// StepStatus is the state of a client-side progress step
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

// ProcessingStep is a named phase of the visible progress display.
// It mirrors backend sub-stages for feedback only and never gates correctness.
type ProcessingStep struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Progress float64       `json:"progress"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
