package pipeline

import (
	"strings"
	"time"

	"voxscore/pkg/model"
)

const (
	StepUpload      = "Uploading Audio"
	StepRecognition = "Speech Recognition"
	StepGrammar     = "Grammar Analysis"
	StepVocabulary  = "Vocabulary Assessment"
	StepFluency     = "Fluency & Pronunciation"
	StepReport      = "Generating Report"
)

// backend steps follow the upload step and share the progress range evenly
var backendSteps = []string{StepRecognition, StepGrammar, StepVocabulary, StepFluency, StepReport}

var stepKeywords = []struct {
	step     string
	keywords []string
}{
	{StepRecognition, []string{"recogn", "transcri", "speech"}},
	{StepGrammar, []string{"grammar"}},
	{StepVocabulary, []string{"vocab", "lexic"}},
	{StepFluency, []string{"fluency", "pronunc"}},
	{StepReport, []string{"report", "recommend", "final", "scor"}},
}

// stepTracker keeps the visible progress steps. It only mirrors what the
// backend reports and never decides anything.
type stepTracker struct {
	steps   []model.ProcessingStep
	started []time.Time
	now     func() time.Time
}

func newStepTracker(now func() time.Time) *stepTracker {
	names := append([]string{StepUpload}, backendSteps...)
	t := &stepTracker{
		steps:   make([]model.ProcessingStep, len(names)),
		started: make([]time.Time, len(names)),
		now:     now,
	}
	for i, n := range names {
		t.steps[i] = model.ProcessingStep{Name: n, Status: model.StepPending}
	}
	return t
}

func (t *stepTracker) snapshot() []model.ProcessingStep {
	out := make([]model.ProcessingStep, len(t.steps))
	copy(out, t.steps)
	return out
}

func (t *stepTracker) begin(i int) {
	s := &t.steps[i]
	if s.Status == model.StepPending {
		s.Status = model.StepProcessing
		t.started[i] = t.now()
	}
}

func (t *stepTracker) complete(i int) {
	t.begin(i)
	s := &t.steps[i]
	if s.Status == model.StepProcessing {
		s.Status = model.StepCompleted
		s.Progress = 100
		s.Duration = t.now().Sub(t.started[i])
	}
}

func (t *stepTracker) uploadStarted() {
	t.begin(0)
}

func (t *stepTracker) uploadDone() {
	t.complete(0)
}

// skipUpload marks the upload as done for resumed sessions
func (t *stepTracker) skipUpload() {
	t.steps[0].Status = model.StepCompleted
	t.steps[0].Progress = 100
}

func matchStep(label string) int {
	l := strings.ToLower(label)
	if l == "" {
		return -1
	}
	for i, sk := range stepKeywords {
		for _, k := range sk.keywords {
			if strings.Contains(l, k) {
				return i
			}
		}
	}
	return -1
}

// observe advances the backend steps from a status report
func (t *stepTracker) observe(st *model.ProcessingStatus) {
	if st == nil {
		return
	}
	if st.Status == model.StatusCompleted {
		for i := range backendSteps {
			t.complete(i + 1)
		}
		return
	}

	current := matchStep(st.CurrentStep)
	progress := st.ProgressValue()
	share := 100.0 / float64(len(backendSteps))
	if current < 0 {
		current = int(progress / share)
	}
	if current < 0 {
		current = 0
	}
	if current >= len(backendSteps) {
		current = len(backendSteps) - 1
	}

	for i := 0; i < current; i++ {
		t.complete(i + 1)
	}
	t.begin(current + 1)

	within := (progress - float64(current)*share) / share * 100
	if within < 0 {
		within = 0
	}
	if within > 100 {
		within = 100
	}
	if within > t.steps[current+1].Progress {
		t.steps[current+1].Progress = within
	}
}

// fail marks the step in progress as failed
func (t *stepTracker) fail(reason string) {
	for i := range t.steps {
		if t.steps[i].Status == model.StepProcessing {
			t.steps[i].Status = model.StepError
			t.steps[i].Error = reason
			t.steps[i].Duration = t.now().Sub(t.started[i])
			return
		}
	}
}
