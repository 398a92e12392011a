package findings

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/medclare/medclare/internal/platform/apperr"
)

const defaultCategory = "General"

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// NormalizeName folds case and collapses whitespace so that "Hemoglobin",
// " hemoglobin " and "HEMOGLOBIN" group together.
func NormalizeName(s string) string {
	// Casers carry state and are not shared between goroutines.
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// DisplayName returns the canonical catalog name for s, or s in title case
// when the test is not catalogued.
func DisplayName(s string) string {
	if e, ok := Lookup(s); ok {
		return e.Name
	}
	collapsed := strings.Join(strings.Fields(s), " ")
	if collapsed == strings.ToUpper(collapsed) {
		// acronyms such as "CRP" stay as written
		return collapsed
	}
	return cases.Title(language.English).String(collapsed)
}

// ParseValue extracts the first number from a printed value such as
// "1,250", "< 5.0" or "11.2 g/dL".
func ParseValue(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Normalize validates a raw row and produces a classified Finding. Any status
// carried by the row is ignored; status is always derived from value and
// range.
func Normalize(raw Raw) (Finding, error) {
	name := strings.TrimSpace(raw.TestName)
	if name == "" {
		return Finding{}, apperr.Validation("normalize finding", "test name is required")
	}
	valueText := trimText(raw.Value)
	value, ok := ParseValue(valueText)
	if !ok {
		return Finding{}, apperr.Validation("normalize finding",
			fmt.Sprintf("%s: value %q is not numeric", name, valueText))
	}

	entry, catalogued := Lookup(name)
	ref := trimText(raw.ReferenceRange)
	rng, ok := ParseRange(ref)
	if !ok && catalogued {
		ref = entry.Reference
		rng, _ = ParseRange(ref)
	}

	unit := trimText(raw.Unit)
	if unit == "" && catalogued {
		unit = entry.Unit
	}
	category := strings.TrimSpace(raw.Category)
	if category == "" {
		category = defaultCategory
		if catalogued {
			category = entry.Category
		}
	}
	conf := raw.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}

	return Finding{
		ID:             uuid.New(),
		TestName:       DisplayName(name),
		Value:          value,
		ValueText:      valueText,
		Unit:           unit,
		ReferenceRange: ref,
		Range:          rng,
		Status:         Classify(value, rng),
		Category:       category,
		Confidence:     conf,
	}, nil
}

// NormalizeAll normalizes every row. Rejected rows are returned as errors
// alongside the accepted findings; duplicate parameters keep the first row.
func NormalizeAll(raws []Raw) ([]Finding, []error) {
	out := make([]Finding, 0, len(raws))
	var rejected []error
	seen := make(map[string]bool, len(raws))
	for _, r := range raws {
		f, err := Normalize(r)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		if seen[f.Key()] {
			continue
		}
		seen[f.Key()] = true
		out = append(out, f)
	}
	return out, rejected
}

// NormalizeMedication validates a prescription line.
func NormalizeMedication(raw RawMedication) (Medication, error) {
	name := strings.Join(strings.Fields(raw.Name), " ")
	if name == "" {
		return Medication{}, apperr.Validation("normalize medication", "medication name is required")
	}
	return Medication{
		ID:           uuid.New(),
		Name:         name,
		Dosage:       trimText(raw.Dosage),
		Frequency:    trimText(raw.Frequency),
		Duration:     trimText(raw.Duration),
		Instructions: trimText(raw.Instructions),
	}, nil
}

// NormalizeMedications is NormalizeAll for prescription lines.
func NormalizeMedications(raws []RawMedication) ([]Medication, []error) {
	out := make([]Medication, 0, len(raws))
	var rejected []error
	for _, r := range raws {
		m, err := NormalizeMedication(r)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		out = append(out, m)
	}
	return out, rejected
}

// Anxiety levels.
const (
	AnxietyLow      = "low"
	AnxietyModerate = "moderate"
	AnxietyHigh     = "high"
)

// AnxietyLevel estimates how alarming a set of findings may feel to a
// patient, which the explainer uses to pick its tone.
func AnxietyLevel(fs []Finding) string {
	var critical, abnormal int
	for _, f := range fs {
		switch f.Status {
		case StatusCritical:
			critical++
		case StatusHigh, StatusLow:
			abnormal++
		}
	}
	switch {
	case critical >= 2:
		return AnxietyHigh
	case critical >= 1 || abnormal >= 5:
		return AnxietyModerate
	default:
		return AnxietyLow
	}
}

// CountByStatus tallies findings per status.
func CountByStatus(fs []Finding) map[Status]int {
	out := make(map[Status]int, 4)
	for _, f := range fs {
		out[f.Status]++
	}
	return out
}
