package pipeline

import (
	"context"
	"regexp"
	"strings"

	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/platform/llm"
)

const classifyPromptLimit = 2000

const classifySystemPrompt = `You classify medical documents. Answer with exactly one word:
"lab_report" if the text contains laboratory test names with numerical results and reference ranges,
"prescription" if it contains medication names with dosages (e.g. mg, ml) and frequencies (e.g. 1-0-1).`

var (
	doseUnitRe  = regexp.MustCompile(`(?i)\d+(?:\.\d+)?\s*(?:mg|mcg|ml|iu)(?:[\s,;)]|$)`)
	freqNotesRe = regexp.MustCompile(`(?i)\b(?:\d-\d-\d|od|bd|bid|tds|tid|qid|once daily|twice daily|thrice daily)\b`)
	doseFormRe  = regexp.MustCompile(`(?i)\b(?:tab|tablet|cap|capsule|syp|syrup|inj)\b\.?`)
)

// HeuristicClassifier looks for prescription markers. Two of dosage units,
// frequency notation and dose-form tokens make a prescription; anything
// else is a lab report.
type HeuristicClassifier struct{}

func (HeuristicClassifier) Classify(_ context.Context, text string) (report.Type, error) {
	return classifyByKeywords(text), nil
}

func classifyByKeywords(text string) report.Type {
	signals := 0
	for _, re := range []*regexp.Regexp{doseUnitRe, freqNotesRe, doseFormRe} {
		if re.MatchString(text) {
			signals++
		}
	}
	if signals >= 2 {
		return report.TypePrescription
	}
	return report.TypeLabReport
}

// LLMClassifier asks the model and falls back to the keyword heuristic when
// the model is unavailable or answers with something unexpected.
type LLMClassifier struct {
	client *llm.Client
}

func NewLLMClassifier(client *llm.Client) *LLMClassifier {
	return &LLMClassifier{client: client}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (report.Type, error) {
	if !c.client.Enabled() {
		return classifyByKeywords(text), nil
	}
	snippet := text
	if len(snippet) > classifyPromptLimit {
		snippet = snippet[:classifyPromptLimit]
	}
	answer, err := c.client.CompleteText(ctx, classifySystemPrompt, snippet)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return classifyByKeywords(text), nil
	}
	answer = strings.ToLower(answer)
	switch {
	case strings.Contains(answer, string(report.TypePrescription)):
		return report.TypePrescription, nil
	case strings.Contains(answer, string(report.TypeLabReport)):
		return report.TypeLabReport, nil
	}
	return classifyByKeywords(text), nil
}
