package findings

import (
	"regexp"
	"strings"
	"sync"
)

// Confidence assigned to rows found by the pattern extractors.
const (
	CatalogMatchConfidence = 0.85
	GenericMatchConfidence = 0.6
)

var (
	aliasPatternsOnce sync.Once
	aliasPatterns     []aliasPattern

	lineRangeRe = regexp.MustCompile(`(?:[<>≤≥]=?\s*\d+(?:\.\d+)?)|(?:\d+(?:\.\d+)?\s*(?:-|–|—|to)\s*\d+(?:\.\d+)?)`)
	genericRe   = regexp.MustCompile(`([A-Za-z][A-Za-z\s\.]{2,30}?)\s*[:\.\-\|]+\s*(\d+(?:\.\d+)?)\s*([A-Za-z/%]+)?\s*(?:[\(\[]?\s*(\d+(?:\.\d+)?\s*[-–]\s*\d+(?:\.\d+)?)\s*[\)\]]?)?`)

	medLineRe  = regexp.MustCompile(`(?i)^\s*(?:\d+[\.\)]\s*)?(?:(?:tab|tablet|cap|capsule|syp|syrup|inj)\.?\s+)?([a-z][a-z0-9\-]+(?:\s+[a-z][a-z\-]+)?)\s+(\d+(?:\.\d+)?\s*(?:mg|mcg|g|ml|iu|units?))\b(.*)$`)
	freqRe     = regexp.MustCompile(`(?i)\b(\d-\d-\d|(?:once|twice|thrice)\s+(?:a\s+)?daily|od|bd|bid|tds|tid|qid|hs|sos)\b`)
	durationRe = regexp.MustCompile(`(?i)\b(?:for\s+)?(\d+\s*(?:days?|weeks?|months?))\b`)
	instrRe    = regexp.MustCompile(`(?i)\b((?:before|after|with)\s+(?:meals?|food|breakfast|lunch|dinner)|at\s+bedtime|empty\s+stomach)\b`)
)

type aliasPattern struct {
	re    *regexp.Regexp
	entry *CatalogEntry
}

func loadAliasPatterns() {
	aliasPatternsOnce.Do(func() {
		loadCatalog()
		aliasPatterns = make([]aliasPattern, 0, len(catalogAliases))
		for _, a := range catalogAliases {
			// alias, optional separator, then the first number on the line
			re := regexp.MustCompile(`(?i)(?:^|[^a-z0-9])` + regexp.QuoteMeta(a.alias) +
				`(?:[^a-z0-9]|$)[^\d\n]{0,15}?(\d+(?:\.\d+)?)`)
			aliasPatterns = append(aliasPatterns, aliasPattern{re: re, entry: a.entry})
		}
	})
}

// ExtractLabRows pulls lab rows out of free text without a model. Catalogued
// tests are matched first, at most one per line; when nothing matches, a
// generic "name: value unit (low-high)" pattern is tried.
func ExtractLabRows(text string) []Raw {
	loadAliasPatterns()
	lines := strings.Split(text, "\n")

	var rows []Raw
	seen := make(map[*CatalogEntry]bool)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, p := range aliasPatterns {
			loc := p.re.FindStringSubmatchIndex(line)
			if loc == nil {
				continue
			}
			if seen[p.entry] {
				break
			}
			seen[p.entry] = true
			value := line[loc[2]:loc[3]]
			ref := p.entry.Reference
			if m := lineRangeRe.FindString(line[loc[3]:]); m != "" {
				if _, ok := ParseRange(m); ok {
					ref = m
				}
			}
			rows = append(rows, Raw{
				TestName:       p.entry.Name,
				Value:          Text(value),
				Unit:           Text(p.entry.Unit),
				ReferenceRange: Text(ref),
				Category:       p.entry.Category,
				Confidence:     CatalogMatchConfidence,
			})
			break
		}
	}
	if len(rows) > 0 {
		return rows
	}

	for _, line := range lines {
		for _, m := range genericRe.FindAllStringSubmatch(line, -1) {
			rows = append(rows, Raw{
				TestName:       strings.TrimSpace(m[1]),
				Value:          Text(m[2]),
				Unit:           Text(m[3]),
				ReferenceRange: Text(m[4]),
				Category:       defaultCategory,
				Confidence:     GenericMatchConfidence,
			})
		}
	}
	return rows
}

// ExtractMedicationRows pulls prescription lines of the form
// "Tab Augmentin 625mg 1-0-1 for 5 days after meals".
func ExtractMedicationRows(text string) []RawMedication {
	var rows []RawMedication
	for _, line := range strings.Split(text, "\n") {
		m := medLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		rest := m[3]
		row := RawMedication{
			Name:   DisplayName(m[1]),
			Dosage: Text(strings.ReplaceAll(m[2], " ", "")),
		}
		if f := freqRe.FindStringSubmatch(rest); f != nil {
			row.Frequency = Text(f[1])
		}
		if d := durationRe.FindStringSubmatch(rest); d != nil {
			row.Duration = Text(d[1])
		}
		if i := instrRe.FindStringSubmatch(rest); i != nil {
			row.Instructions = Text(i[1])
		}
		rows = append(rows, row)
	}
	return rows
}
