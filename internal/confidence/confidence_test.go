package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medclare/medclare/internal/findings"
)

func TestAggregate_MeanOfPresentStages(t *testing.T) {
	s := Aggregate(map[Stage]float64{
		StageOCR:     0.9,
		StageExtract: 0.85,
		StageExplain: 0.6,
	})
	assert.InDelta(t, 0.783, s.Overall, 1e-9)
	assert.Equal(t, QualityModerate, s.QualityLabel)
	assert.Len(t, s.Stages, 3)
	_, ran := s.Stages[StageRetrieve]
	assert.False(t, ran)
}

func TestAggregate_AbsentStageIsNotZeroFilled(t *testing.T) {
	present := map[Stage]float64{StageOCR: 0.9, StageExtract: 0.9}
	withZero := map[Stage]float64{StageOCR: 0.9, StageExtract: 0.9, StageRetrieve: 0}

	assert.Equal(t, 0.9, Aggregate(present).Overall)
	assert.Less(t, Aggregate(withZero).Overall, Aggregate(present).Overall)
}

func TestAggregate_ClampsAndBounds(t *testing.T) {
	s := Aggregate(map[Stage]float64{StageOCR: 1.7, StageExtract: -0.2})
	assert.Equal(t, 1.0, s.Stages[StageOCR])
	assert.Equal(t, 0.0, s.Stages[StageExtract])
	assert.Equal(t, 0.5, s.Overall)

	empty := Aggregate(nil)
	assert.Equal(t, 0.0, empty.Overall)
	assert.Equal(t, QualityLow, empty.QualityLabel)
}

func TestLabel(t *testing.T) {
	tests := []struct {
		overall float64
		want    QualityLabel
	}{
		{1, QualityHigh},
		{0.8, QualityHigh},
		{0.7999, QualityModerate},
		{0.6, QualityModerate},
		{0.59, QualityLow},
		{0, QualityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Label(tt.overall), "overall %v", tt.overall)
	}
}

func TestAggregate_LabelUsesRoundedOverall(t *testing.T) {
	// mean is 0.79975, which rounds to 0.8
	s := Aggregate(map[Stage]float64{StageOCR: 0.7995, StageExtract: 0.8})
	assert.Equal(t, 0.8, s.Overall)
	assert.Equal(t, QualityHigh, s.QualityLabel)
}

func TestGuardrailScore(t *testing.T) {
	assert.Equal(t, 1.0, GuardrailScore(0, 0))
	assert.InDelta(t, 0.8, GuardrailScore(1, 1), 1e-9)
	assert.Equal(t, 0.3, GuardrailScore(10, 0))
}

func TestPerFinding(t *testing.T) {
	fs := []findings.Finding{
		{TestName: "Hemoglobin", Confidence: 0.9},
		{TestName: "TSH", Confidence: 0.5},
	}
	ev := []Evidence{
		{Content: "Low hemoglobin is often linked to iron deficiency.", Relevance: 0.9},
		{Content: "Hemoglobin carries oxygen.", Relevance: 0.75},
	}
	got := PerFinding(0.8, fs, ev)

	assert.InDelta(t, 0.3*0.8+0.3*0.9+0.4*0.9, got["Hemoglobin"], 1e-9)
	assert.InDelta(t, 0.3*0.8+0.3*0.5+0.4*0.4, got["TSH"], 1e-9)
	assert.Nil(t, PerFinding(0.8, nil, ev))
}
