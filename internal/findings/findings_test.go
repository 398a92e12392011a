package findings

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medclare/medclare/internal/platform/apperr"
)

func f64(v float64) *float64 { return &v }

func TestParseRange(t *testing.T) {
	tests := []struct {
		in        string
		low, high *float64
		ok        bool
	}{
		{"70-100", f64(70), f64(100), true},
		{"70 to 100", f64(70), f64(100), true},
		{"12.0 – 17.5", f64(12), f64(17.5), true},
		{"100-70", f64(70), f64(100), true},
		{"<200", nil, f64(200), true},
		{"≤ 5.6", nil, f64(5.6), true},
		{">40", f64(40), nil, true},
		{"≥40", f64(40), nil, true},
		{"N/A", nil, nil, false},
		{"", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, ok := ParseRange(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.low, r.Low)
			assert.Equal(t, tt.high, r.High)
		})
	}
}

func TestClassify(t *testing.T) {
	both := Range{Low: f64(12), High: f64(17.5)}
	upper := Range{High: f64(200)}
	lower := Range{Low: f64(40)}

	tests := []struct {
		name  string
		value float64
		r     Range
		want  Status
	}{
		{"within", 15, both, StatusNormal},
		{"at low bound", 12, both, StatusNormal},
		{"below", 10, both, StatusLow},
		{"far below", 8, both, StatusCritical},
		{"above", 18, both, StatusHigh},
		{"far above", 27, both, StatusCritical},
		{"upper only high", 250, upper, StatusHigh},
		{"upper only critical", 310, upper, StatusCritical},
		{"upper only low value", 1, upper, StatusNormal},
		{"lower only low", 35, lower, StatusLow},
		{"lower only critical", 20, lower, StatusCritical},
		{"no range", 9999, Range{}, StatusNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.value, tt.r))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "hemoglobin", NormalizeName("  HEMOGLOBIN "))
	assert.Equal(t, "total cholesterol", NormalizeName("Total\t Cholesterol"))
	assert.Equal(t, NormalizeName("Free T4"), NormalizeName("free   t4"))
}

func TestNormalize_UsesCatalogFallback(t *testing.T) {
	f, err := Normalize(Raw{TestName: "hgb", Value: "10.0"})
	require.NoError(t, err)

	assert.Equal(t, "Hemoglobin", f.TestName)
	assert.Equal(t, "g/dL", f.Unit)
	assert.Equal(t, "12.0-17.5", f.ReferenceRange)
	assert.Equal(t, "Hematology", f.Category)
	assert.Equal(t, StatusLow, f.Status)
	assert.Equal(t, Below, f.Deviation())
}

func TestNormalize_IgnoresSuppliedRangeOnlyWhenUnparseable(t *testing.T) {
	f, err := Normalize(Raw{TestName: "Glucose", Value: "126", ReferenceRange: "70 to 110", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, "70 to 110", f.ReferenceRange)
	assert.Equal(t, StatusHigh, f.Status)
	assert.Equal(t, 0.9, f.Confidence)
}

func TestNormalize_Rejects(t *testing.T) {
	_, err := Normalize(Raw{TestName: "Glucose", Value: "pending"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = Normalize(Raw{Value: "5"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestNormalizeAll_KeepsFirstDuplicate(t *testing.T) {
	fs, rejected := NormalizeAll([]Raw{
		{TestName: "Hemoglobin", Value: "13"},
		{TestName: "HEMOGLOBIN", Value: "9"},
		{TestName: "WBC", Value: "n/a"},
	})
	require.Len(t, fs, 1)
	assert.Equal(t, 13.0, fs[0].Value)
	assert.Len(t, rejected, 1)
}

func TestRaw_UnmarshalAcceptsNumbers(t *testing.T) {
	var r Raw
	err := json.Unmarshal([]byte(`{"test_name":"Glucose","value":126.5,"unit":null,"reference_range":"70-100"}`), &r)
	require.NoError(t, err)
	assert.Equal(t, Text("126.5"), r.Value)
	assert.Equal(t, Text(""), r.Unit)
}

func TestExtractLabRows_Catalog(t *testing.T) {
	text := "Hemoglobin: 10.5 g/dL (12.0-17.5)\nFree T3 3.1 pg/mL\n\nGlucose 95 mg/dL\nHemoglobin 11"
	rows := ExtractLabRows(text)
	require.Len(t, rows, 3)

	assert.Equal(t, "Hemoglobin", rows[0].TestName)
	assert.Equal(t, Text("10.5"), rows[0].Value)
	assert.Equal(t, Text("12.0-17.5"), rows[0].ReferenceRange)
	assert.Equal(t, CatalogMatchConfidence, rows[0].Confidence)

	assert.Equal(t, "Free T3", rows[1].TestName)
	assert.Equal(t, Text("3.1"), rows[1].Value)

	assert.Equal(t, "Glucose", rows[2].TestName)
	assert.Equal(t, Text("70-100"), rows[2].ReferenceRange)
}

func TestExtractLabRows_GenericFallback(t *testing.T) {
	rows := ExtractLabRows("CRP: 12.5 mg/L (0-5)")
	require.Len(t, rows, 1)
	assert.Equal(t, "CRP", rows[0].TestName)
	assert.Equal(t, Text("mg/L"), rows[0].Unit)
	assert.Equal(t, Text("0-5"), rows[0].ReferenceRange)
	assert.Equal(t, GenericMatchConfidence, rows[0].Confidence)

	f, err := Normalize(rows[0])
	require.NoError(t, err)
	assert.Equal(t, StatusCritical, f.Status)
	assert.Equal(t, Above, f.Deviation())
}

func TestExtractMedicationRows(t *testing.T) {
	rows := ExtractMedicationRows("Dr. Rao Clinic\n1. Tab Augmentin 625 mg 1-0-1 for 5 days after meals\n")
	require.Len(t, rows, 1)
	m, err := NormalizeMedication(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "Augmentin", m.Name)
	assert.Equal(t, "625mg", m.Dosage)
	assert.Equal(t, "1-0-1", m.Frequency)
	assert.Equal(t, "5 days", m.Duration)
	assert.Equal(t, "after meals", m.Instructions)
}

func TestAnxietyLevel(t *testing.T) {
	mk := func(statuses ...Status) []Finding {
		out := make([]Finding, len(statuses))
		for i, s := range statuses {
			out[i] = Finding{Status: s}
		}
		return out
	}
	assert.Equal(t, AnxietyLow, AnxietyLevel(mk(StatusNormal, StatusHigh)))
	assert.Equal(t, AnxietyModerate, AnxietyLevel(mk(StatusCritical)))
	assert.Equal(t, AnxietyModerate, AnxietyLevel(mk(StatusHigh, StatusLow, StatusHigh, StatusLow, StatusHigh)))
	assert.Equal(t, AnxietyHigh, AnxietyLevel(mk(StatusCritical, StatusCritical)))
}
