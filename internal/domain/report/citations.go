package report

import (
	"regexp"
	"strconv"
)

var citationMarkerRe = regexp.MustCompile(`\[(\d+)\]`)

// CitationMarkers counts [N] markers in text.
func CitationMarkers(text string) int {
	return len(citationMarkerRe.FindAllStringIndex(text, -1))
}

// CitedIDs returns the distinct citation numbers referenced in text, in order
// of first appearance.
func CitedIDs(text string) []int {
	var ids []int
	seen := make(map[int]bool)
	for _, m := range citationMarkerRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		ids = append(ids, n)
	}
	return ids
}
