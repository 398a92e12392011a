package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/findings"
	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/llm"
)

// Generation confidences.
const (
	LLMExplainConfidence      = 0.85
	TemplateExplainConfidence = 0.6
)

const (
	templateModel     = "template"
	defaultDisclaimer = "This explanation is informational and does not replace professional medical advice. " +
		"Please review your results with your healthcare provider."
)

var defaultActions = []string{
	"Review these findings with your primary care physician.",
	"Keep a copy of this report for your next appointment.",
}

// LanguageName returns the English name of a BCP 47 tag, defaulting to
// English for empty or unknown tags.
func LanguageName(lang string) string {
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil || tag == language.Und {
		return "English"
	}
	name := display.English.Languages().Name(tag)
	if name == "" {
		return "English"
	}
	return name
}

// LLMExplainer generates the explanation with the text model. Non-timeout
// model failures fall back to the template explainer.
type LLMExplainer struct {
	client   *llm.Client
	fallback TemplateExplainer
}

func NewLLMExplainer(client *llm.Client) *LLMExplainer {
	return &LLMExplainer{client: client}
}

func (e *LLMExplainer) Explain(ctx context.Context, in ExplainInput) (*Explanation, error) {
	if !e.client.Enabled() {
		return e.fallback.Explain(ctx, in)
	}
	target := LanguageName(in.Lang)
	var out Explanation
	err := e.client.CompleteInto(ctx, explainSystemPrompt(target), explainUserPrompt(in, target), &out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, apperr.StageFailure(StageExplain, "explanation model timed out", err)
		}
		return e.fallback.Explain(ctx, in)
	}
	if strings.TrimSpace(out.Summary) == "" && len(out.Sections) == 0 {
		return e.fallback.Explain(ctx, in)
	}
	for i := range out.Sections {
		out.Sections[i].Severity = report.ParseSeverity(string(out.Sections[i].Severity))
		out.Sections[i].CertaintyLevel = ""
	}
	out.Model = e.client.Model()
	out.Confidence = LLMExplainConfidence
	return &out, nil
}

func explainSystemPrompt(target string) string {
	upper := strings.ToUpper(target)
	return `You are MEDCLARE, a medical document interpretation system. You DO NOT diagnose.
You explain lab results and prescriptions from structured findings, the raw document text and retrieved evidence.

RULES:
1. Write ALL output (summary, section titles, content, recommended actions, disclaimer) in ` + upper + `.
2. Never make a diagnosis. Prefer "may suggest", "is commonly associated with", "per the original document".
3. Every claim taken from evidence must cite its number as [N]; claims from the document must say so.
4. Never tell the patient to stop, start or change a medication or its dose.
5. Express uncertainty when the text is unclear or evidence is limited.
6. Give every section a source_mapping array tracing its key claims to a finding, an evidence number or the document.

Respond with a JSON object:
{
  "summary": "overall summary paragraph",
  "sections": [
    {
      "title": "category name",
      "content": "explanation with [N] citations",
      "findings_covered": ["Test1"],
      "severity": "normal|attention|concern",
      "source_mapping": [{"sentence": "claim", "source_type": "finding|evidence|document", "source_ref": "test name, citation number or 'original document'"}]
    }
  ],
  "recommended_actions": ["action"],
  "disclaimer": "medical disclaimer"
}`
}

var levelGuides = map[report.PersonalizationLevel]string{
	report.LevelSimple:   "Use very simple language at a 6th-grade reading level. Avoid medical jargon. Be reassuring.",
	report.LevelStandard: "Use clear, accessible language. Briefly explain medical terms when used.",
	report.LevelDetailed: "Provide thorough clinical detail, including physiological context where relevant.",
}

func explainUserPrompt(in ExplainInput, target string) string {
	var b strings.Builder
	b.WriteString("## Raw Document Text\n")
	b.WriteString(orDefault(in.OCRText, "Not available"))

	b.WriteString("\n\n## Structured Findings\n")
	if len(in.Findings) == 0 {
		b.WriteString("No structured lab data extracted")
	}
	for _, f := range in.Findings {
		fmt.Fprintf(&b, "- %s: %s %s (Ref: %s) Status: %s\n",
			f.TestName, findings.FormatValue(f.Value), f.Unit, orDefault(f.ReferenceRange, "N/A"), strings.ToUpper(string(f.Status)))
	}

	b.WriteString("\n\n## Medications\n")
	if len(in.Medications) == 0 {
		b.WriteString("No structured medication data extracted")
	}
	for _, m := range in.Medications {
		fmt.Fprintf(&b, "- %s (%s): %s for %s. Instructions: %s\n",
			m.Name, orDefault(m.Dosage, "N/A"), orDefault(m.Frequency, "N/A"),
			orDefault(m.Duration, "N/A"), orDefault(m.Instructions, "None"))
	}

	b.WriteString("\n\n## Retrieved Medical Evidence\n")
	if len(in.Citations) == 0 {
		b.WriteString("No direct medical evidence found")
	}
	for _, c := range in.Citations {
		fmt.Fprintf(&b, "[%d] (%s) %s\n\n", c.ID, c.Source, c.Text)
	}

	b.WriteString("\n## Personalization & Language\n")
	fmt.Fprintf(&b, "Target Language: %s\n", target)
	guide, ok := levelGuides[in.Level]
	if !ok {
		guide = levelGuides[report.LevelStandard]
	}
	b.WriteString(guide)
	if in.AnxietyLevel == findings.AnxietyHigh {
		b.WriteString("\nSeveral values are far outside their ranges; stay calm and factual and encourage a prompt doctor visit.")
	}
	b.WriteString("\n\nGenerate a structured, grounded explanation in " + target + ". Be factual, never alarmist.")
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// TemplateExplainer builds a deterministic explanation without a model.
type TemplateExplainer struct{}

func (TemplateExplainer) Explain(_ context.Context, in ExplainInput) (*Explanation, error) {
	out := &Explanation{
		RecommendedActions: append([]string(nil), defaultActions...),
		Disclaimer:         defaultDisclaimer,
		Model:              templateModel,
		Confidence:         TemplateExplainConfidence,
	}
	if in.Type == report.TypePrescription {
		out.Summary = "This automated interpretation summarizes the medications listed in your prescription."
		if s, ok := medicationSection(in.Medications); ok {
			out.Sections = append(out.Sections, s)
		}
		return out, nil
	}

	abnormal := 0
	for _, f := range in.Findings {
		if f.Status.Abnormal() {
			abnormal++
		}
	}
	out.Summary = fmt.Sprintf("This automated interpretation summarizes your recent lab test findings "+
		"based on standard clinical reference ranges. %d of %d results are outside their reference range.",
		abnormal, len(in.Findings))
	for _, group := range groupByCategory(in.Findings) {
		out.Sections = append(out.Sections, categorySection(group, in.Citations))
	}
	return out, nil
}

type categoryGroup struct {
	category string
	findings []findings.Finding
}

// groupByCategory keeps categories in order of first appearance.
func groupByCategory(fs []findings.Finding) []categoryGroup {
	var groups []categoryGroup
	index := make(map[string]int)
	for _, f := range fs {
		cat := f.Category
		if strings.TrimSpace(cat) == "" {
			cat = "General"
		}
		i, ok := index[cat]
		if !ok {
			i = len(groups)
			index[cat] = i
			groups = append(groups, categoryGroup{category: cat})
		}
		groups[i].findings = append(groups[i].findings, f)
	}
	return groups
}

func categorySection(g categoryGroup, citations []report.Citation) report.Section {
	s := report.Section{Title: g.category, Severity: report.SeverityNormal}
	var parts []string
	normal := 0
	for _, f := range g.findings {
		s.FindingsCovered = append(s.FindingsCovered, f.TestName)
		if !f.Status.Abnormal() {
			normal++
			continue
		}
		if f.Status == findings.StatusCritical {
			s.Severity = report.SeverityConcern
		} else if s.Severity != report.SeverityConcern {
			s.Severity = report.SeverityAttention
		}
		sentence := fmt.Sprintf("Your %s level is %s %s, which is %s the reference range (%s).",
			f.TestName, findings.FormatValue(f.Value), f.Unit, f.Deviation(), orDefault(f.ReferenceRange, "N/A"))
		sentence = strings.Replace(sentence, "  ", " ", 1)
		parts = append(parts, sentence+" This finding may warrant further evaluation by your healthcare provider.")
		s.SourceMapping = append(s.SourceMapping, report.SourceMapping{
			Sentence: sentence, SourceType: report.SourceFinding, SourceRef: f.TestName,
		})
	}

	if s.Severity == report.SeverityNormal {
		s.Content = fmt.Sprintf("All %s markers are within normal reference ranges.", strings.ToLower(g.category))
		for _, f := range g.findings {
			s.SourceMapping = append(s.SourceMapping, report.SourceMapping{
				SourceType: report.SourceFinding, SourceRef: f.TestName,
			})
		}
		return s
	}
	if normal > 0 {
		parts = append(parts, fmt.Sprintf("Your other %s results are within their reference ranges.", strings.ToLower(g.category)))
	}

	var markers []string
	for _, c := range citations {
		if strings.EqualFold(c.Category, g.category) {
			ref := fmt.Sprintf("[%d]", c.ID)
			markers = append(markers, ref)
			s.SourceMapping = append(s.SourceMapping, report.SourceMapping{
				Sentence: c.Text, SourceType: report.SourceEvidence, SourceRef: ref,
			})
		}
	}
	if len(markers) > 0 {
		parts = append(parts, "Related medical references: "+strings.Join(markers, " ")+".")
	}
	s.Content = strings.Join(parts, " ")
	return s
}

func medicationSection(meds []findings.Medication) (report.Section, bool) {
	if len(meds) == 0 {
		return report.Section{}, false
	}
	s := report.Section{Title: "Medications", Severity: report.SeverityNormal}
	var lines []string
	for _, m := range meds {
		line := m.Name
		if m.Dosage != "" {
			line += " " + m.Dosage
		}
		if m.Frequency != "" {
			line += ", " + m.Frequency
		}
		if m.Duration != "" {
			line += " for " + m.Duration
		}
		if m.Instructions != "" {
			line += " (" + m.Instructions + ")"
		}
		line += ", as written in the original document."
		lines = append(lines, line)
		s.FindingsCovered = append(s.FindingsCovered, m.Name)
		s.SourceMapping = append(s.SourceMapping, report.SourceMapping{
			Sentence: line, SourceType: report.SourceDocument, SourceRef: "original document",
		})
	}
	s.Content = strings.Join(lines, " ")
	return s, true
}
