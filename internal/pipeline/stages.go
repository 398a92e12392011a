// Package pipeline drives a report from its uploaded document to a scored,
// guarded and personalized explanation.
package pipeline

import (
	"context"

	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/evidence"
	"github.com/medclare/medclare/internal/findings"
)

// Stage names used in traces, events, spans and metrics.
const (
	StageOCR         = "ocr"
	StageClassify    = "classify"
	StageExtract     = "extract"
	StageRetrieve    = "retrieve"
	StageExplain     = "explain"
	StageGuardrail   = "guardrail"
	StagePersonalize = "personalize"
	StageCommit      = "commit"
)

// Document is the stored upload handed to OCR.
type Document struct {
	Data        []byte
	ContentType string
	FileName    string
}

// OCR turns a document into text with a confidence in [0,1].
type OCR interface {
	Read(ctx context.Context, doc Document) (text string, confidence float64, err error)
}

// Classifier decides whether a document is a lab report or a prescription.
type Classifier interface {
	Classify(ctx context.Context, text string) (report.Type, error)
}

// Extraction holds the raw rows an extractor found. Only the slice matching
// the document type is filled.
type Extraction struct {
	Findings    []findings.Raw
	Medications []findings.RawMedication
	// Source names the extractor that produced the rows ("llm" or "pattern").
	Source string
}

// Empty reports whether nothing was extracted.
func (e Extraction) Empty() bool {
	return len(e.Findings) == 0 && len(e.Medications) == 0
}

// Extractor pulls raw rows out of document text.
type Extractor interface {
	Extract(ctx context.Context, text string, t report.Type) (Extraction, error)
}

// ExplainInput is everything an explainer may use.
type ExplainInput struct {
	Type         report.Type
	Findings     []findings.Finding
	Medications  []findings.Medication
	Evidence     []evidence.Evidence
	Citations    []report.Citation
	OCRText      string
	Level        report.PersonalizationLevel
	Lang         string
	AnxietyLevel string
}

// Explanation is the structured output of an explainer before guardrails
// and personalization.
type Explanation struct {
	Summary            string           `json:"summary"`
	Sections           []report.Section `json:"sections"`
	RecommendedActions []string         `json:"recommended_actions"`
	Disclaimer         string           `json:"disclaimer"`

	Model      string  `json:"-"`
	Confidence float64 `json:"-"`
}

// Explainer writes the grounded explanation.
type Explainer interface {
	Explain(ctx context.Context, in ExplainInput) (*Explanation, error)
}
