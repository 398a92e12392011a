package pipeline

import (
	"context"

	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/findings"
	"github.com/medclare/medclare/internal/platform/llm"
)

// Extraction sources.
const (
	SourceLLM     = "llm"
	SourcePattern = "pattern"
)

const labExtractionPrompt = `You extract laboratory test results from OCR text.
Return a JSON object {"findings": [...]} where each item has:
test_name, value, unit, reference_range, category, confidence (0-1).
Extract ONLY laboratory results. Copy values and ranges exactly as printed.`

const prescriptionExtractionPrompt = `You extract medications from OCR text of a prescription.
Ignore headers, clinic names and administrative details.
Return a JSON object {"medications": [...]} where each item has:
name (e.g. Augmentin), dosage (e.g. 625mg), frequency (e.g. 1-0-1 or twice daily),
duration (e.g. 5 days), instructions (e.g. after meals).`

// PatternExtractor runs the catalog and generic row patterns.
type PatternExtractor struct{}

func (PatternExtractor) Extract(_ context.Context, text string, t report.Type) (Extraction, error) {
	return patternExtract(text, t), nil
}

func patternExtract(text string, t report.Type) Extraction {
	if t == report.TypePrescription {
		return Extraction{Medications: findings.ExtractMedicationRows(text), Source: SourcePattern}
	}
	return Extraction{Findings: findings.ExtractLabRows(text), Source: SourcePattern}
}

// LLMExtractor asks the model for rows and falls back to the pattern
// extractor when the model is off, fails, or finds nothing.
type LLMExtractor struct {
	client *llm.Client
}

func NewLLMExtractor(client *llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client}
}

func (e *LLMExtractor) Extract(ctx context.Context, text string, t report.Type) (Extraction, error) {
	if !e.client.Enabled() {
		return patternExtract(text, t), nil
	}
	var out Extraction
	var err error
	if t == report.TypePrescription {
		var resp struct {
			Medications []findings.RawMedication `json:"medications"`
		}
		err = e.client.CompleteInto(ctx, prescriptionExtractionPrompt, text, &resp)
		out.Medications = resp.Medications
	} else {
		var resp struct {
			Findings []findings.Raw `json:"findings"`
		}
		err = e.client.CompleteInto(ctx, labExtractionPrompt, text, &resp)
		out.Findings = resp.Findings
	}
	if err != nil && ctx.Err() != nil {
		return Extraction{}, ctx.Err()
	}
	if err != nil || out.Empty() {
		return patternExtract(text, t), nil
	}
	out.Source = SourceLLM
	return out, nil
}
