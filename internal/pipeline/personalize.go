package pipeline

import (
	"sort"
	"strings"

	"github.com/medclare/medclare/internal/domain/report"
)

// PersonalizeConfidence is the stage score of the deterministic rewrite.
const PersonalizeConfidence = 1.0

type levelTemplate struct {
	prefix  string
	closing string
	tone    string
}

var levelTemplates = map[report.PersonalizationLevel]levelTemplate{
	report.LevelSimple: {
		prefix: "Here's what your test results mean in simple terms:\n\n",
		closing: "\n\nRemember: these are just numbers, and your doctor knows your full health picture. " +
			"Many of these can be improved with simple lifestyle changes.",
		tone: "warm",
	},
	report.LevelStandard: {
		prefix:  "## Your Results Interpretation\n\n",
		closing: "\n\nPlease consult your healthcare provider for a comprehensive evaluation and personalized recommendations.",
		tone:    "professional",
	},
	report.LevelDetailed: {
		prefix: "## Detailed Analysis\n\n",
		closing: "\n\nThis analysis is based on established medical literature and clinical guidelines. " +
			"Interpretation should be contextualized within the patient's clinical presentation and history.",
		tone: "clinical",
	},
}

// jargon maps medical terms to plain wording for the simple level.
var jargon = map[string]string{
	"hyperuricemia":    "high uric acid levels",
	"hyperlipidemia":   "high cholesterol",
	"dyslipidemia":     "imbalanced cholesterol levels",
	"hypothyroidism":   "underactive thyroid",
	"hyperthyroidism":  "overactive thyroid",
	"leukocytosis":     "high white blood cell count",
	"anemia":           "low red blood cell or hemoglobin levels",
	"hepatocellular":   "liver cell",
	"atherosclerosis":  "plaque buildup in arteries",
	"pathophysiology":  "how the condition develops",
	"microvascular":    "small blood vessel",
	"megaloblastic":    "a type of",
	"subclinical":      "mild or early-stage",
	"pharmacological":  "medication-based",
	"etiology":         "cause",
	"prognosis":        "outlook",
	"comorbidity":      "related condition",
	"hyperglycemia":    "high blood sugar",
	"hypoglycemia":     "low blood sugar",
	"thrombocytopenia": "low platelet count",
}

var simplifier = newSimplifier()

// newSimplifier replaces longer terms first so "hyperthyroidism" is never
// split by a shorter match.
func newSimplifier() *strings.Replacer {
	terms := make([]string, 0, len(jargon))
	for t := range jargon {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})
	pairs := make([]string, 0, len(terms)*4)
	for _, t := range terms {
		plain := jargon[t]
		pairs = append(pairs, t, plain, capitalize(t), capitalize(plain))
	}
	return strings.NewReplacer(pairs...)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Simplify replaces medical jargon with plain wording.
func Simplify(text string) string { return simplifier.Replace(text) }

// Personalized is the patient-facing rendering of an explanation.
type Personalized struct {
	Text     string
	Sections []report.Section
	Tone     string
}

// Personalize renders the explanation text for a level and, at the simple
// level, rewrites jargon in the text and in every section.
func Personalize(e *Explanation, level report.PersonalizationLevel) Personalized {
	tpl, ok := levelTemplates[level]
	if !ok {
		level = report.LevelStandard
		tpl = levelTemplates[level]
	}
	body := composeText(e)
	sections := make([]report.Section, len(e.Sections))
	copy(sections, e.Sections)
	if level == report.LevelSimple {
		body = Simplify(body)
		for i := range sections {
			sections[i].Content = Simplify(sections[i].Content)
		}
	}
	return Personalized{
		Text:     tpl.prefix + body + tpl.closing,
		Sections: sections,
		Tone:     tpl.tone,
	}
}

func composeText(e *Explanation) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(e.Summary))
	if len(e.RecommendedActions) > 0 {
		b.WriteString("\n\nRecommended actions:")
		for _, a := range e.RecommendedActions {
			b.WriteString("\n- " + strings.TrimSpace(a))
		}
	}
	if d := strings.TrimSpace(e.Disclaimer); d != "" {
		b.WriteString("\n\n" + d)
	}
	return b.String()
}
