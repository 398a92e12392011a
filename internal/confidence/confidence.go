// Package confidence folds per-stage confidence signals into a single score
// and quality label.
package confidence

import (
	"math"
	"strings"

	"github.com/medclare/medclare/internal/findings"
)

// Stage keys a pipeline run can report.
type Stage string

const (
	StageOCR         Stage = "ocr"
	StageExtract     Stage = "extract"
	StageRetrieve    Stage = "retrieve"
	StageExplain     Stage = "explain"
	StageGuardrail   Stage = "guardrail"
	StagePersonalize Stage = "personalize"
)

// Stages lists stage keys in pipeline order.
var Stages = []Stage{StageOCR, StageExtract, StageRetrieve, StageExplain, StageGuardrail, StagePersonalize}

// QualityLabel is the banded reading of an overall score.
type QualityLabel string

const (
	QualityHigh     QualityLabel = "high"
	QualityModerate QualityLabel = "moderate"
	QualityLow      QualityLabel = "low"
)

const (
	highThreshold     = 0.8
	moderateThreshold = 0.6

	defaultEvidenceRelevance = 0.4
)

// Scores is the persisted confidence summary of a run.
type Scores struct {
	Stages       map[Stage]float64  `json:"stages"`
	Overall      float64            `json:"overall"`
	QualityLabel QualityLabel       `json:"quality_label"`
	PerFinding   map[string]float64 `json:"per_finding,omitempty"`
}

// Aggregate computes the unweighted mean of the stages present in the map.
// Stages that did not run must be absent rather than zero. Values are
// clamped to [0,1] and the result is rounded to three places; the label is
// taken from the rounded figure. An empty map yields 0 and QualityLow.
func Aggregate(stages map[Stage]float64) Scores {
	out := Scores{Stages: make(map[Stage]float64, len(stages))}
	var sum float64
	for k, v := range stages {
		v = clamp(v)
		out.Stages[k] = round3(v)
		sum += v
	}
	if len(stages) > 0 {
		out.Overall = round3(sum / float64(len(stages)))
	}
	out.QualityLabel = Label(out.Overall)
	return out
}

// Label maps an overall score onto its quality band.
func Label(overall float64) QualityLabel {
	switch {
	case overall >= highThreshold:
		return QualityHigh
	case overall >= moderateThreshold:
		return QualityModerate
	default:
		return QualityLow
	}
}

// GuardrailScore converts flag counts into a stage confidence. Critical flags
// should be counted as warnings.
func GuardrailScore(warnings, infos int) float64 {
	return math.Max(0.3, 1.0-0.15*float64(warnings)-0.05*float64(infos))
}

// Evidence is the part of a retrieved passage per-finding scoring needs.
type Evidence struct {
	Content   string
	Relevance float64
}

// PerFinding scores each finding as 0.3*ocr + 0.3*finding confidence +
// 0.4*best relevance among evidence that mentions the finding by name.
func PerFinding(ocr float64, fs []findings.Finding, ev []Evidence) map[string]float64 {
	if len(fs) == 0 {
		return nil
	}
	ocr = clamp(ocr)
	out := make(map[string]float64, len(fs))
	for _, f := range fs {
		name := strings.ToLower(f.TestName)
		best := -1.0
		for _, e := range ev {
			if strings.Contains(strings.ToLower(e.Content), name) && e.Relevance > best {
				best = e.Relevance
			}
		}
		if best < 0 {
			best = defaultEvidenceRelevance
		}
		out[f.TestName] = round3(0.3*ocr + 0.3*clamp(f.Confidence) + 0.4*clamp(best))
	}
	return out
}

// Mean averages vs, returning def when vs is empty.
func Mean(vs []float64, def float64) float64 {
	if len(vs) == 0 {
		return def
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
