package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/medclare/medclare/internal/confidence"
	"github.com/medclare/medclare/internal/domain/report"
)

// Guardrail flag types.
const (
	FlagDiagnosticLanguage     = "diagnostic_language"
	FlagAlarmistLanguage       = "alarmist_language"
	FlagUncitedAbnormalSection = "uncited_abnormal_section"
	FlagMissingDisclaimer      = "missing_disclaimer"
	FlagMedicationDirective    = "medication_directive"
	FlagFindingRejected        = "finding_rejected"
)

var (
	diagnosticRe = regexp.MustCompile(`(?i)\b(?:you have|you are diagnosed|you've been diagnosed|you suffer from|this confirms|confirms that you|definitely|certainly indicates|diagnosis is)\b`)
	alarmistRe   = regexp.MustCompile(`(?i)\b(?:dangerous|fatal|deadly|life[- ]threatening|emergency|alarming|catastrophic|severe damage)\b`)
	directiveRe  = regexp.MustCompile(`(?i)\b(?:stop taking|discontinue|double (?:the |your )?dose|increase (?:the |your )?dose|decrease (?:the |your )?dose|skip (?:the |your )?(?:dose|medication)|no need to (?:see|consult|visit) (?:a |your )?(?:doctor|physician)|don'?t need to (?:see|consult|visit) (?:a |your )?(?:doctor|physician))\b`)
)

// GuardrailResult is the outcome of a guardrail check.
type GuardrailResult struct {
	Flags      []report.GuardrailFlag
	Confidence float64
}

// Passed reports whether no warning or critical flag was raised.
func (g GuardrailResult) Passed() bool {
	for _, f := range g.Flags {
		if f.Severity != report.FlagInfo {
			return false
		}
	}
	return true
}

// CheckGuardrails scans the explanation for unsafe or ungrounded content.
// Flags are advisory except medication_directive, which is critical. extra
// flags (for example rejected rows) count toward the score. A [N] marker only
// grounds a section when N is one of citations.
func CheckGuardrails(e *Explanation, citations []report.Citation, extra []report.GuardrailFlag) GuardrailResult {
	var flags []report.GuardrailFlag
	scan := func(text, section string) {
		if m := directiveRe.FindString(text); m != "" {
			flags = append(flags, report.GuardrailFlag{
				Type:     FlagMedicationDirective,
				Severity: report.FlagCritical,
				Message:  fmt.Sprintf("medication directive %q must come from a clinician", m),
				Section:  section,
			})
		}
		if m := diagnosticRe.FindString(text); m != "" {
			flags = append(flags, report.GuardrailFlag{
				Type:     FlagDiagnosticLanguage,
				Severity: report.FlagWarning,
				Message:  fmt.Sprintf("diagnostic phrasing %q", m),
				Section:  section,
			})
		}
		if m := alarmistRe.FindString(text); m != "" {
			flags = append(flags, report.GuardrailFlag{
				Type:     FlagAlarmistLanguage,
				Severity: report.FlagInfo,
				Message:  fmt.Sprintf("alarmist wording %q", m),
				Section:  section,
			})
		}
	}

	scan(e.Summary, "")
	for _, s := range e.Sections {
		scan(s.Content, s.Title)
		if s.Severity != report.SeverityNormal && !s.Grounded(citations) {
			flags = append(flags, report.GuardrailFlag{
				Type:     FlagUncitedAbnormalSection,
				Severity: report.FlagInfo,
				Message:  "abnormal section has no citation or source mapping",
				Section:  s.Title,
			})
		}
	}
	scan(strings.Join(e.RecommendedActions, "\n"), "recommended_actions")
	scan(e.Disclaimer, "disclaimer")
	if strings.TrimSpace(e.Disclaimer) == "" {
		flags = append(flags, report.GuardrailFlag{
			Type:     FlagMissingDisclaimer,
			Severity: report.FlagInfo,
			Message:  "explanation has no medical disclaimer",
		})
	}
	flags = append(flags, extra...)

	var warnings, infos int
	for _, f := range flags {
		switch f.Severity {
		case report.FlagWarning, report.FlagCritical:
			warnings++
		default:
			infos++
		}
	}
	return GuardrailResult{Flags: flags, Confidence: confidence.GuardrailScore(warnings, infos)}
}

// RejectedRowFlags turns normalizer rejections into info flags.
func RejectedRowFlags(errs []error) []report.GuardrailFlag {
	out := make([]report.GuardrailFlag, 0, len(errs))
	for _, err := range errs {
		out = append(out, report.GuardrailFlag{
			Type:     FlagFindingRejected,
			Severity: report.FlagInfo,
			Message:  err.Error(),
		})
	}
	return out
}
