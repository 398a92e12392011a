// Package findings turns raw extracted lab rows and prescription lines into
// typed, status-classified records.
package findings

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Status is the deterministic classification of a value against its range.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusHigh     Status = "high"
	StatusLow      Status = "low"
	StatusCritical Status = "critical"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNormal, StatusHigh, StatusLow, StatusCritical:
		return true
	}
	return false
}

// Abnormal reports whether the status warrants evidence retrieval.
func (s Status) Abnormal() bool {
	return s == StatusHigh || s == StatusLow || s == StatusCritical
}

// Deviation is the side of the reference range a value sits on.
type Deviation int

const (
	Within Deviation = iota
	Above
	Below
)

func (d Deviation) String() string {
	switch d {
	case Above:
		return "above"
	case Below:
		return "below"
	default:
		return "within"
	}
}

// Range holds parsed reference bounds. Either side may be open.
type Range struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
}

func (r Range) Known() bool { return r.Low != nil || r.High != nil }

// Finding is a single normalized lab result.
type Finding struct {
	ID             uuid.UUID `json:"id"`
	TestName       string    `json:"test_name"`
	Value          float64   `json:"value"`
	ValueText      string    `json:"value_text,omitempty"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	Range          Range     `json:"range"`
	Status         Status    `json:"status"`
	Category       string    `json:"category"`
	Confidence     float64   `json:"confidence"`
}

// Key is the normalized parameter name used for grouping and matching.
func (f Finding) Key() string { return NormalizeName(f.TestName) }

// Deviation resolves which side of the range the value lies on. Critical
// values take their side from the bounds.
func (f Finding) Deviation() Deviation {
	switch f.Status {
	case StatusHigh:
		return Above
	case StatusLow:
		return Below
	case StatusCritical:
		if f.Range.High != nil && f.Value > *f.Range.High {
			return Above
		}
		if f.Range.Low != nil && f.Value < *f.Range.Low {
			return Below
		}
	}
	return Within
}

// Medication is a single normalized prescription line.
type Medication struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Dosage       string    `json:"dosage,omitempty"`
	Frequency    string    `json:"frequency,omitempty"`
	Duration     string    `json:"duration,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
}

// Text is a JSON string that also accepts bare numbers, since extraction
// models return values like 11.2 and "11.2" interchangeably.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

// Raw is an unvalidated lab row as produced by an extractor.
type Raw struct {
	TestName       string  `json:"test_name"`
	Value          Text    `json:"value"`
	Unit           Text    `json:"unit"`
	ReferenceRange Text    `json:"reference_range"`
	Category       string  `json:"category"`
	Confidence     float64 `json:"confidence"`
}

// RawMedication is an unvalidated prescription line.
type RawMedication struct {
	Name         string `json:"name"`
	Dosage       Text   `json:"dosage"`
	Frequency    Text   `json:"frequency"`
	Duration     Text   `json:"duration"`
	Instructions Text   `json:"instructions"`
}

// FormatValue prints a value without trailing zeros.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func trimText(t Text) string { return strings.TrimSpace(string(t)) }
