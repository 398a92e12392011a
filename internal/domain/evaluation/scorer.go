// Package evaluation scores the quality of a generated explanation with a
// deterministic rubric and keeps the append-only history of those scores.
package evaluation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/findings"
)

// Rubric weights. They sum to 1.
const (
	WeightCompleteness = 0.3
	WeightSafety       = 0.3
	WeightCitation     = 0.2
	WeightGroundedness = 0.2
)

const (
	goldCoverageWeight = 0.7
	goldKeywordWeight  = 0.3

	issuePenalty    = 0.1
	criticalPenalty = 0.2

	// Sentences this short are headings or fragments and are not scored.
	minSentenceLength = 20
	minCitationWord   = 5

	// Guardrail flags of this type already cover a diagnostic phrase.
	diagnosticFlagType = "diagnostic_language"
)

// Grade bands, highest first.
var gradeBands = []struct {
	min   float64
	grade string
}{
	{0.9, "A"},
	{0.8, "B"},
	{0.7, "C"},
	{0.6, "D"},
}

// Grade maps an overall score onto A-F.
func Grade(overall float64) string {
	for _, b := range gradeBands {
		if overall >= b.min {
			return b.grade
		}
	}
	return "F"
}

var (
	diagnosticRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\byou have\b`),
		regexp.MustCompile(`(?i)\byou are diagnosed\b`),
		regexp.MustCompile(`(?i)\bthis confirms\b`),
		regexp.MustCompile(`(?i)\bthis means you have\b`),
		regexp.MustCompile(`(?i)\byou are suffering from\b`),
		regexp.MustCompile(`(?i)\bdefinitely\b`),
		regexp.MustCompile(`(?i)\bcertainly indicates\b`),
		regexp.MustCompile(`(?i)\bproves that\b`),
		regexp.MustCompile(`(?i)\bno doubt\b`),
		regexp.MustCompile(`(?i)\bwithout question\b`),
	}
	alarmistTerms = []string{
		"dangerous", "alarming", "severe", "critical condition", "emergency",
		"life-threatening", "fatal", "deadly", "extremely worried", "panic",
	}
	dosageClaimRe = regexp.MustCompile(`(?i)\b(?:increase|decrease|double|reduce|halve)\b[^.!?]{0,40}\b\d+(?:\.\d+)?\s?(?:mg|mcg|g|ml|units?|tablets?)\b`)

	sentenceSplitRe = regexp.MustCompile(`[.!?\n]+`)
	markerRe        = regexp.MustCompile(`\[\d+\]`)
	goldWordRe      = regexp.MustCompile(`[a-z]{3,}`)
	wordRe          = regexp.MustCompile(`[a-z][a-z'-]*`)
)

// Input is everything the rubric reads from a report.
type Input struct {
	Text         string
	Sections     []report.Section
	Citations    []report.Citation
	Findings     []findings.Finding
	Flags        []report.GuardrailFlag
	GoldStandard string
}

// InputFromReport copies the committed explanation of r.
func InputFromReport(r *report.Report, goldStandard string) Input {
	return Input{
		Text:         r.ExplanationText,
		Sections:     r.Sections,
		Citations:    r.Citations,
		Findings:     r.Findings,
		Flags:        r.GuardrailFlags,
		GoldStandard: strings.TrimSpace(goldStandard),
	}
}

// Evaluate scores in. The result carries no id, report or timestamp; the
// service fills those in when it is stored. Evaluate does no I/O and is
// deterministic.
func Evaluate(in Input) Result {
	covered, missed := coverage(in.Sections, in.Findings)
	completeness := 1.0
	if len(in.Findings) > 0 {
		completeness = float64(len(covered)) / float64(len(in.Findings))
	}
	gold := in.GoldStandard != ""
	if gold {
		completeness = goldCoverageWeight*completeness + goldKeywordWeight*keywordOverlap(in.GoldStandard, sectionText(in.Sections))
	}

	issues, penalty := safetyIssues(in)
	safety := math.Max(0, 1-penalty)

	density, uncited := citationDensity(in.Sections, in.Citations)
	risk := hallucinationRisk(in)

	overall := WeightCompleteness*completeness +
		WeightSafety*safety +
		WeightCitation*density +
		WeightGroundedness*(1-risk)
	overall = round3(overall)

	return Result{
		CompletenessScore: round3(math.Min(completeness, 1)),
		SafetyScore:       round3(safety),
		CitationDensity:   round3(density),
		HallucinationRisk: round3(risk),
		Groundedness:      round3(1 - risk),
		OverallScore:      overall,
		Grade:             Grade(overall),
		GoldStandardUsed:  gold,
		Details: Details{
			FindingsCovered: covered,
			FindingsMissed:  missed,
			SafetyIssues:    issues,
			UncitedSections: uncited,
		},
	}
}

// coverage counts findings named by a section's findings_covered, matched by
// finding id or normalized test name.
func coverage(sections []report.Section, fs []findings.Finding) (covered, missed []string) {
	refs := make(map[string]bool)
	for _, s := range sections {
		for _, name := range s.FindingsCovered {
			refs[findings.NormalizeName(name)] = true
		}
	}
	covered, missed = []string{}, []string{}
	for _, f := range fs {
		if refs[f.Key()] || refs[strings.ToLower(f.ID.String())] {
			covered = append(covered, f.TestName)
		} else {
			missed = append(missed, f.TestName)
		}
	}
	return covered, missed
}

// keywordOverlap is the share of distinct gold-standard words of three or
// more letters that appear in text.
func keywordOverlap(gold, text string) float64 {
	words := make(map[string]bool)
	for _, w := range goldWordRe.FindAllString(strings.ToLower(gold), -1) {
		words[w] = true
	}
	if len(words) == 0 {
		return 1
	}
	text = strings.ToLower(text)
	matched := 0
	for w := range words {
		if strings.Contains(text, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

func sectionText(sections []report.Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, " ")
}

func fullText(in Input) string {
	return in.Text + "\n" + sectionText(in.Sections)
}

// safetyIssues lists unsafe language and guardrail flags and returns the
// total penalty. Critical flags weigh double. A diagnostic phrase the
// guardrail already flagged is counted once, as the flag.
func safetyIssues(in Input) ([]string, float64) {
	text := fullText(in)
	lower := strings.ToLower(text)
	issues := []string{}
	var penalty float64

	var flagged []string
	for _, f := range in.Flags {
		if f.Type == diagnosticFlagType && f.Severity != report.FlagInfo {
			flagged = append(flagged, strings.ToLower(f.Message))
		}
	}
	for _, re := range diagnosticRes {
		for _, m := range re.FindAllString(text, -1) {
			if i := flaggedPhrase(flagged, m); i >= 0 {
				flagged = append(flagged[:i], flagged[i+1:]...)
				continue
			}
			issues = append(issues, fmt.Sprintf("Diagnostic language: %q", m))
			penalty += issuePenalty
		}
	}
	for _, term := range alarmistTerms {
		if strings.Contains(lower, term) {
			issues = append(issues, fmt.Sprintf("Alarmist term: %q", term))
			penalty += issuePenalty
		}
	}
	for _, m := range dosageClaimRe.FindAllString(text, -1) {
		issues = append(issues, fmt.Sprintf("Unguarded dosage claim: %q", m))
		penalty += issuePenalty
	}
	for _, f := range in.Flags {
		switch f.Severity {
		case report.FlagWarning:
			issues = append(issues, "Guardrail warning: "+f.Message)
			penalty += issuePenalty
		case report.FlagCritical:
			issues = append(issues, "Guardrail violation: "+f.Message)
			penalty += criticalPenalty
		}
	}
	return issues, penalty
}

// flaggedPhrase returns the index of the flag message quoting phrase, or -1.
func flaggedPhrase(messages []string, phrase string) int {
	quoted := fmt.Sprintf("%q", strings.ToLower(phrase))
	for i, m := range messages {
		if strings.Contains(m, quoted) {
			return i
		}
	}
	return -1
}

// citationDensity is the share of sections carrying a source mapping or a
// [N] marker that resolves to one of citations.
func citationDensity(sections []report.Section, citations []report.Citation) (float64, []string) {
	uncited := []string{}
	if len(sections) == 0 {
		return 1, uncited
	}
	cited := 0
	for _, s := range sections {
		if s.Grounded(citations) {
			cited++
			continue
		}
		title := s.Title
		if title == "" {
			title = "Untitled"
		}
		uncited = append(uncited, title)
	}
	return float64(cited) / float64(len(sections)), uncited
}

// hallucinationRisk is the share of sentences that trace back to nothing:
// no finding name or value, no citation marker, no long citation word and
// no source-mapped sentence or reference. Hedging does not count.
func hallucinationRisk(in Input) float64 {
	var sentences []string
	for _, s := range sentenceSplitRe.Split(fullText(in), -1) {
		s = strings.TrimSpace(s)
		if len(s) > minSentenceLength {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return 0
	}

	terms := groundingTerms(in)
	ungrounded := 0
	for _, s := range sentences {
		if markerRe.MatchString(s) {
			continue
		}
		if !containsAny(strings.ToLower(s), terms) {
			ungrounded++
		}
	}
	return float64(ungrounded) / float64(len(sentences))
}

func groundingTerms(in Input) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}
	for _, f := range in.Findings {
		add(f.TestName)
		if f.ValueText != "" {
			add(f.ValueText)
		} else {
			add(findings.FormatValue(f.Value))
		}
	}
	for _, c := range in.Citations {
		for _, w := range wordRe.FindAllString(strings.ToLower(c.Text), -1) {
			if len(w) >= minCitationWord {
				add(w)
			}
		}
	}
	for _, s := range in.Sections {
		for _, m := range s.SourceMapping {
			add(m.Sentence)
			add(m.SourceRef)
		}
	}
	return terms
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if containsWord(s, t) {
			return true
		}
	}
	return false
}

// containsWord reports whether term occurs in s on word boundaries, so "5"
// does not match inside "15" or "5.5".
func containsWord(s, term string) bool {
	for from := 0; from <= len(s)-len(term); {
		i := strings.Index(s[from:], term)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(term)
		if !wordAt(s, start, -1) && !wordAt(s, end, 1) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		from = start + size
	}
	return false
}

// wordAt reports whether the rune beside pos in direction dir continues a
// word or a decimal number.
func wordAt(s string, pos, dir int) bool {
	r, size, ok := runeBeside(s, pos, dir)
	if !ok {
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	if r != '.' {
		return false
	}
	r, _, ok = runeBeside(s, pos+dir*size, dir)
	return ok && unicode.IsDigit(r)
}

func runeBeside(s string, pos, dir int) (rune, int, bool) {
	if dir < 0 {
		if pos <= 0 {
			return 0, 0, false
		}
		r, size := utf8.DecodeLastRuneInString(s[:pos])
		return r, size, true
	}
	if pos >= len(s) {
		return 0, 0, false
	}
	r, size := utf8.DecodeRuneInString(s[pos:])
	return r, size, true
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
