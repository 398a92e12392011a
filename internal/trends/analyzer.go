// Package trends computes how lab parameters move across a patient's report
// history.
package trends

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medclare/medclare/internal/findings"
)

// NoiseThreshold is the change, in percent, below which a parameter is
// considered stable.
const NoiseThreshold = 5.0

const notEnoughHistory = "Not enough historical reports for trend analysis. Upload more reports to see trends."

type Direction string

const (
	Rising  Direction = "rising"
	Falling Direction = "falling"
	Stable  Direction = "stable"
)

// Polarity is the clinical desirability of a movement.
type Polarity string

const (
	Favorable     Polarity = "favorable"
	Unfavorable   Polarity = "unfavorable"
	Informational Polarity = "informational"
)

// ReportFindings is one report in a patient's history.
type ReportFindings struct {
	ReportID  uuid.UUID
	CreatedAt time.Time
	Findings  []findings.Finding
}

// Point is one historical value of a parameter.
type Point struct {
	ReportID  uuid.UUID       `json:"report_id"`
	Date      time.Time       `json:"date"`
	Value     float64         `json:"value"`
	Unit      string          `json:"unit,omitempty"`
	Status    findings.Status `json:"status"`
	IsCurrent bool            `json:"is_current"`
}

// Stats describes the spread of a parameter across all points.
type Stats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Range   float64 `json:"range"`
	Average float64 `json:"average"`
	Count   int     `json:"measurement_count"`
}

// Trend is the movement of one parameter between its last two points.
type Trend struct {
	Parameter      string          `json:"parameter"`
	Direction      Direction       `json:"direction"`
	Polarity       Polarity        `json:"polarity"`
	ChangePercent  float64         `json:"change_percent"`
	CurrentValue   float64         `json:"current_value"`
	PreviousValue  float64         `json:"previous_value"`
	Unit           string          `json:"unit,omitempty"`
	CurrentStatus  findings.Status `json:"current_status"`
	PreviousStatus findings.Status `json:"previous_status"`
	ReferenceRange string          `json:"reference_range,omitempty"`
	Range          findings.Range  `json:"-"`
	Stats          Stats           `json:"stats"`
	DataPoints     []Point         `json:"data_points"`
}

// Analysis is the trend summary for a patient.
type Analysis struct {
	HasHistory     bool    `json:"has_history"`
	ReportCount    int     `json:"report_count"`
	Trends         []Trend `json:"trends"`
	Summary        string  `json:"summary"`
	ImprovingCount int     `json:"improving_count"`
	WorseningCount int     `json:"worsening_count"`
	StableCount    int     `json:"stable_count"`
}

type series struct {
	name   string
	points []Point
	last   findings.Finding
	prev   findings.Finding
}

// Analyze groups findings by normalized parameter name across reports and
// computes a trend for every parameter seen in at least two reports. current
// marks which report's points are flagged IsCurrent.
func Analyze(reports []ReportFindings, current uuid.UUID) Analysis {
	ordered := make([]ReportFindings, len(reports))
	copy(ordered, reports)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	bySeries := make(map[string]*series)
	var keys []string
	for _, r := range ordered {
		inReport := make(map[string]bool)
		for _, f := range r.Findings {
			key := f.Key()
			if key == "" || inReport[key] {
				continue
			}
			inReport[key] = true
			s, ok := bySeries[key]
			if !ok {
				s = &series{}
				bySeries[key] = s
				keys = append(keys, key)
			}
			s.prev = s.last
			s.last = f
			s.name = f.TestName
			s.points = append(s.points, Point{
				ReportID:  r.ReportID,
				Date:      r.CreatedAt,
				Value:     f.Value,
				Unit:      f.Unit,
				Status:    f.Status,
				IsCurrent: r.ReportID == current,
			})
		}
	}

	out := Analysis{ReportCount: len(ordered), Trends: []Trend{}}
	for _, k := range keys {
		s := bySeries[k]
		if len(s.points) < 2 {
			continue
		}
		out.Trends = append(out.Trends, buildTrend(s))
	}
	if len(out.Trends) == 0 {
		out.Summary = notEnoughHistory
		return out
	}
	out.HasHistory = true

	sort.SliceStable(out.Trends, func(i, j int) bool {
		a, b := math.Abs(out.Trends[i].ChangePercent), math.Abs(out.Trends[j].ChangePercent)
		if a != b {
			return a > b
		}
		return out.Trends[i].Parameter < out.Trends[j].Parameter
	})

	for _, t := range out.Trends {
		switch {
		case t.Direction == Stable:
			out.StableCount++
		case t.Polarity == Favorable:
			out.ImprovingCount++
		case t.Polarity == Unfavorable:
			out.WorseningCount++
		}
	}
	out.Summary = summarize(out.ImprovingCount, out.WorseningCount, out.StableCount)
	return out
}

func buildTrend(s *series) Trend {
	cur, prev := s.last, s.prev
	change := ChangePercent(prev.Value, cur.Value)
	dir := Classify(change)

	return Trend{
		Parameter:      s.name,
		Direction:      dir,
		Polarity:       polarity(dir, prev, cur),
		ChangePercent:  math.Round(change*10) / 10,
		CurrentValue:   cur.Value,
		PreviousValue:  prev.Value,
		Unit:           cur.Unit,
		CurrentStatus:  cur.Status,
		PreviousStatus: prev.Status,
		ReferenceRange: cur.ReferenceRange,
		Range:          cur.Range,
		Stats:          stats(s.points),
		DataPoints:     s.points,
	}
}

// ChangePercent is the relative change from previous to current. A zero
// previous value yields 0.
func ChangePercent(previous, current float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / math.Abs(previous) * 100
}

// Classify maps a change percentage onto a direction.
func Classify(change float64) Direction {
	switch {
	case change > NoiseThreshold:
		return Rising
	case change < -NoiseThreshold:
		return Falling
	default:
		return Stable
	}
}

// polarity judges a movement against the side of the range the value is on.
// When the current value is back within range, the side it came from decides:
// rising out of low or falling out of high is favorable.
func polarity(dir Direction, prev, cur findings.Finding) Polarity {
	if dir == Stable {
		return Informational
	}
	side := cur.Deviation()
	if side == findings.Within {
		switch prev.Deviation() {
		case findings.Below:
			if dir == Rising {
				return Favorable
			}
		case findings.Above:
			if dir == Falling {
				return Favorable
			}
		}
		return Informational
	}
	toward := Falling
	if side == findings.Below {
		toward = Rising
	}
	if dir == toward {
		return Favorable
	}
	return Unfavorable
}

func stats(points []Point) Stats {
	st := Stats{Min: points[0].Value, Max: points[0].Value, Count: len(points)}
	var sum float64
	for _, p := range points {
		st.Min = math.Min(st.Min, p.Value)
		st.Max = math.Max(st.Max, p.Value)
		sum += p.Value
	}
	st.Average = round2(sum / float64(len(points)))
	st.Range = round2(st.Max - st.Min)
	st.Min = round2(st.Min)
	st.Max = round2(st.Max)
	return st
}

func summarize(improving, worsening, stable int) string {
	var parts []string
	if improving > 0 {
		parts = append(parts, fmt.Sprintf("%d parameter(s) improving", improving))
	}
	if worsening > 0 {
		parts = append(parts, fmt.Sprintf("%d parameter(s) need attention", worsening))
	}
	if stable > 0 {
		parts = append(parts, fmt.Sprintf("%d parameter(s) stable", stable))
	}
	if len(parts) == 0 {
		return "No significant trends detected."
	}
	return strings.Join(parts, ". ")
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Find returns the trend for a parameter, matched by normalized name.
func (a Analysis) Find(parameter string) (Trend, bool) {
	key := findings.NormalizeName(parameter)
	for _, t := range a.Trends {
		if findings.NormalizeName(t.Parameter) == key {
			return t, true
		}
	}
	return Trend{}, false
}
