package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/llm"
)

// OCR confidences.
const (
	TextDocumentConfidence = 0.99
	VisionOCRConfidence    = 0.95
)

const transcribeInstruction = "Transcribe all text from this medical report exactly as it appears. " +
	"Maintain the tables, test names, values, units, and reference ranges. " +
	"Do not add any interpretations or summaries. Output only the transcribed text."

// DocumentReader reads plain-text uploads directly and sends images and PDFs
// to the vision model.
type DocumentReader struct {
	client *llm.Client
}

func NewDocumentReader(client *llm.Client) *DocumentReader {
	return &DocumentReader{client: client}
}

func (r *DocumentReader) Read(ctx context.Context, doc Document) (string, float64, error) {
	if len(doc.Data) == 0 {
		return "", 0, apperr.StageFailure(StageOCR, "document is empty", nil)
	}
	if strings.HasPrefix(doc.ContentType, "text/") {
		if !utf8.Valid(doc.Data) {
			return "", 0, apperr.StageFailure(StageOCR, "text document is not valid UTF-8", nil)
		}
		text := strings.TrimSpace(string(doc.Data))
		if text == "" {
			return "", 0, apperr.StageFailure(StageOCR, "document has no text", nil)
		}
		return text, TextDocumentConfidence, nil
	}

	if !r.client.Enabled() {
		return "", 0, apperr.StageFailure(StageOCR, "no OCR backend configured for "+doc.ContentType, llm.ErrNotConfigured)
	}
	text, err := r.client.ReadImage(ctx, transcribeInstruction, doc.ContentType, doc.Data)
	if err != nil {
		return "", 0, apperr.StageFailure(StageOCR, "vision transcription failed", err)
	}
	text = strings.TrimSpace(llm.StripCodeFence(text))
	if text == "" {
		return "", 0, apperr.StageFailure(StageOCR, "document unreadable", nil)
	}
	return text, VisionOCRConfidence, nil
}
