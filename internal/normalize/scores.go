package normalize

import (
	"math"

	"voxscore/pkg/model"
)

// round half up, matching the scoring tables
func round(x float64) int {
	return int(math.Floor(x + 0.5))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// CEFRFromScore maps a 0-100 score to its CEFR band. Band lower bounds
// are inclusive.
func CEFRFromScore(score float64) model.CEFRLevel {
	switch {
	case score >= 85:
		return model.LevelC2
	case score >= 75:
		return model.LevelC1
	case score >= 65:
		return model.LevelB2
	case score >= 55:
		return model.LevelB1
	case score >= 45:
		return model.LevelA2
	}
	return model.LevelA1
}

// TOEFLFromScore scales a 0-100 composite to the 0-120 TOEFL iBT range
func TOEFLFromScore(score float64) int {
	return clampInt(round(score*120/100), 0, 120)
}

func sectionScore(parts ...float64) int {
	var sum float64
	for _, p := range parts {
		sum += p
	}
	return clampInt(round(sum/float64(len(parts))*30/100), 0, 30)
}

// TOEFLSectionsFromScores derives the four 0-30 section scores from the
// component scores. Missing components count as 0.
func TOEFLSectionsFromScores(scores map[model.Component]float64) model.TOEFLSections {
	g := scores[model.ComponentGrammar]
	v := scores[model.ComponentVocabulary]
	f := scores[model.ComponentFluency]
	p := scores[model.ComponentPronunciation]
	d := scores[model.ComponentDiscourse]

	s := model.TOEFLSections{
		Reading:   sectionScore(v, g),
		Listening: sectionScore(v, d),
		Speaking:  sectionScore(f, p, d),
		Writing:   sectionScore(g, v, d),
	}
	s.Total = clampInt(s.Reading+s.Listening+s.Speaking+s.Writing, 0, 120)
	return s
}
