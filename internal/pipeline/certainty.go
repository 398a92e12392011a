package pipeline

import (
	"math"
	"strings"

	"github.com/medclare/medclare/internal/confidence"
	"github.com/medclare/medclare/internal/domain/report"
)

const establishedThreshold = 0.60

var hedgingWords = []string{"may", "could", "might", "suggest", "possibly", "potentially", "likely"}

// TagCertainty marks each section established or inferred from a weighted
// composite of severity, per-finding confidence, citations, hedging and the
// retrieval score.
func TagCertainty(sections []report.Section, scores confidence.Scores) {
	retrieval, ok := scores.Stages[confidence.StageRetrieve]
	if !ok {
		retrieval = 0.5
	}
	for i := range sections {
		if certaintyComposite(sections[i], scores.PerFinding, retrieval) >= establishedThreshold {
			sections[i].CertaintyLevel = report.CertaintyEstablished
		} else {
			sections[i].CertaintyLevel = report.CertaintyInferred
		}
	}
}

func certaintyComposite(s report.Section, perFinding map[string]float64, retrieval float64) float64 {
	severity := 0.5
	if s.Severity == report.SeverityNormal {
		severity = 1.0
	}

	var covered []float64
	for _, name := range s.FindingsCovered {
		if v, ok := perFinding[name]; ok {
			covered = append(covered, v)
		}
	}
	findingScore := confidence.Mean(covered, 0.5)

	citation := 0.3
	if report.CitationMarkers(s.Content) > 0 {
		citation = 0.8
	}

	lower := strings.ToLower(s.Content)
	hedges := 0
	for _, w := range hedgingWords {
		if strings.Contains(lower, w) {
			hedges++
		}
	}
	hedging := math.Max(0.2, 1.0-0.15*float64(hedges))

	return 0.15*severity + 0.25*findingScore + 0.25*citation + 0.15*hedging + 0.20*retrieval
}
