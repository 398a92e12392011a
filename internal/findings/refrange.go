package findings

import (
	"regexp"
	"strconv"
	"strings"
)

// Critical bounds, as multiples of the violated reference bound.
const (
	CriticalHighMultiplier = 1.5
	CriticalLowMultiplier  = 0.7
)

var (
	upperOnlyRe = regexp.MustCompile(`^(?:<|≤|<=)\s*(\d+(?:\.\d+)?)`)
	lowerOnlyRe = regexp.MustCompile(`^(?:>|≥|>=)\s*(\d+(?:\.\d+)?)`)
	intervalRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:-|–|—|to)\s*(\d+(?:\.\d+)?)`)
)

// ParseRange parses reference strings such as "70-100", "70 to 100", "<200"
// and ">40". The boolean is false when nothing usable was found.
func ParseRange(s string) (Range, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, false
	}
	if m := upperOnlyRe.FindStringSubmatch(s); m != nil {
		hi, _ := strconv.ParseFloat(m[1], 64)
		return Range{High: &hi}, true
	}
	if m := lowerOnlyRe.FindStringSubmatch(s); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		return Range{Low: &lo}, true
	}
	if m := intervalRe.FindStringSubmatch(s); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if lo > hi {
			lo, hi = hi, lo
		}
		return Range{Low: &lo, High: &hi}, true
	}
	return Range{}, false
}

// Classify derives a status from a value and its reference range. A value
// with no known range is normal.
func Classify(value float64, r Range) Status {
	if r.Low != nil && value < *r.Low {
		if value < *r.Low*CriticalLowMultiplier {
			return StatusCritical
		}
		return StatusLow
	}
	if r.High != nil && value > *r.High {
		if value > *r.High*CriticalHighMultiplier {
			return StatusCritical
		}
		return StatusHigh
	}
	return StatusNormal
}
