package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voxscore/pkg/model"
)

// ErrNoAnalysis means a document carries no analysis data at all
var ErrNoAnalysis = errors.New("document has no analysis data")

// keys under which deployments nest the analysis object
var nestingKeys = []string{"analysis", "results", "result"}

type rawComponent struct {
	Score      *float64 `json:"score"`
	Level      string   `json:"level"`
	Confidence *float64 `json:"confidence"`
}

type rawTranscription struct {
	Text      string   `json:"text"`
	WordCount *int     `json:"word_count"`
	Duration  *float64 `json:"duration"`
}

type rawAnalysis struct {
	SessionID       string                     `json:"session_id"`
	UserID          string                     `json:"user_id"`
	OverallLevel    string                     `json:"overall_level"`
	CEFRLevel       string                     `json:"cefr_level"`
	OverallScore    *float64                   `json:"overall_score"`
	TOEFLScore      *float64                   `json:"toefl_score"`
	Scores          map[string]json.RawMessage `json:"scores"`
	ComponentScores map[string]json.RawMessage `json:"component_scores"`
	Confidence      map[string]float64         `json:"confidence"`
	Transcription   json.RawMessage            `json:"transcription"`
	Transcript      string                     `json:"transcript"`
	Duration        *float64                   `json:"duration"`
	Recommendations []string                   `json:"recommendations"`
	CompletedAt     *time.Time                 `json:"completed_at"`
}

func (r *rawAnalysis) hasData() bool {
	return len(r.Scores) > 0 ||
		len(r.ComponentScores) > 0 ||
		r.OverallScore != nil ||
		r.OverallLevel != "" ||
		r.CEFRLevel != "" ||
		len(r.Transcription) > 0 ||
		r.Transcript != ""
}

// unwrap descends into nested analysis objects
func unwrap(doc json.RawMessage) json.RawMessage {
	for depth := 0; depth < 4; depth++ {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(doc, &fields); err != nil {
			return doc
		}
		next := json.RawMessage(nil)
		for _, k := range nestingKeys {
			if v, ok := fields[k]; ok && bytes.HasPrefix(bytes.TrimSpace(v), []byte("{")) {
				next = v
				break
			}
		}
		if next == nil {
			return doc
		}
		doc = next
	}
	return doc
}

// parseComponent accepts a bare number, a numeric string or an object
func parseComponent(v json.RawMessage) (rawComponent, error) {
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return rawComponent{Score: &n}, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return rawComponent{}, fmt.Errorf("score %q is not a number", s)
		}
		return rawComponent{Score: &n}, nil
	}
	var c rawComponent
	if err := json.Unmarshal(v, &c); err != nil {
		return rawComponent{}, fmt.Errorf("failed to decode component: %w", err)
	}
	return c, nil
}

func parseTranscription(r *rawAnalysis) (model.Transcription, error) {
	var t rawTranscription
	if len(r.Transcription) > 0 && string(r.Transcription) != "null" {
		var text string
		if err := json.Unmarshal(r.Transcription, &text); err == nil {
			t.Text = text
		} else if err := json.Unmarshal(r.Transcription, &t); err != nil {
			return model.Transcription{}, fmt.Errorf("failed to decode transcription: %w", err)
		}
	}
	if t.Text == "" {
		t.Text = r.Transcript
	}
	if t.Duration == nil {
		t.Duration = r.Duration
	}

	out := model.Transcription{Text: t.Text}
	if t.WordCount != nil {
		out.WordCount = *t.WordCount
	} else {
		out.WordCount = len(strings.Fields(t.Text))
	}
	if t.Duration != nil {
		out.DurationSeconds = *t.Duration
	}
	return out, nil
}

// Normalize converts a backend analysis document into an AnalysisResult.
// All five components are always present: a component the backend left
// out scores 0. sessionID is used when the document carries none.
func Normalize(doc json.RawMessage, sessionID string) (*model.AnalysisResult, error) {
	var raw rawAnalysis
	if err := json.Unmarshal(unwrap(doc), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	if !raw.hasData() {
		return nil, ErrNoAnalysis
	}

	merged := make(map[string]json.RawMessage, len(raw.Scores)+len(raw.ComponentScores))
	for k, v := range raw.Scores {
		merged[strings.ToLower(k)] = v
	}
	for k, v := range raw.ComponentScores {
		merged[strings.ToLower(k)] = v
	}

	components := make(map[model.Component]model.ComponentScore, len(model.Components))
	plain := make(map[model.Component]float64, len(model.Components))
	var sum float64
	for _, name := range model.Components {
		var c rawComponent
		if v, ok := merged[string(name)]; ok {
			parsed, err := parseComponent(v)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s score: %w", name, err)
			}
			c = parsed
		}

		var score float64
		if c.Score != nil {
			score = clamp(*c.Score, 0, 100)
		}
		level := model.CEFRLevel(strings.ToUpper(c.Level))
		if !level.Valid() {
			level = CEFRFromScore(score)
		}
		var confidence float64
		switch {
		case c.Confidence != nil:
			confidence = clamp(*c.Confidence, 0, 1)
		case raw.Confidence != nil:
			confidence = clamp(raw.Confidence[string(name)], 0, 1)
		}

		components[name] = model.ComponentScore{Score: score, Level: level, Confidence: confidence}
		plain[name] = score
		sum += score
	}

	overall := sum / float64(len(model.Components))
	if raw.OverallScore != nil {
		overall = clamp(*raw.OverallScore, 0, 100)
	}

	level := model.CEFRLevel(strings.ToUpper(raw.OverallLevel))
	if !level.Valid() {
		level = model.CEFRLevel(strings.ToUpper(raw.CEFRLevel))
	}
	if !level.Valid() {
		level = CEFRFromScore(overall)
	}

	toefl := TOEFLFromScore(overall)
	if raw.TOEFLScore != nil {
		toefl = clampInt(round(*raw.TOEFLScore), 0, 120)
	}
	sections := TOEFLSectionsFromScores(plain)

	transcription, err := parseTranscription(&raw)
	if err != nil {
		return nil, err
	}

	recommendations := raw.Recommendations
	if recommendations == nil {
		recommendations = []string{}
	}

	result := &model.AnalysisResult{
		SessionID:       raw.SessionID,
		UserID:          raw.UserID,
		OverallLevel:    level,
		OverallScore:    overall,
		TOEFLScore:      &toefl,
		TOEFLSections:   &sections,
		ComponentScores: components,
		Transcription:   transcription,
		Recommendations: recommendations,
	}
	if result.SessionID == "" {
		result.SessionID = sessionID
	}
	if raw.CompletedAt != nil {
		result.CompletedAt = raw.CompletedAt.UTC()
	}
	return result, nil
}
