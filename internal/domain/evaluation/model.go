package evaluation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Details enumerates what kept a result from being perfect. All three lists
// empty is the no-issues state.
type Details struct {
	FindingsCovered []string `json:"findings_covered"`
	FindingsMissed  []string `json:"findings_missed"`
	SafetyIssues    []string `json:"safety_issues"`
	UncitedSections []string `json:"uncited_sections"`
}

// NoIssues reports whether nothing was missed, flagged or left uncited.
func (d Details) NoIssues() bool {
	return len(d.FindingsMissed) == 0 && len(d.SafetyIssues) == 0 && len(d.UncitedSections) == 0
}

// Result is one immutable run of the scorer against a report.
type Result struct {
	ID                uuid.UUID `json:"id"`
	ReportID          uuid.UUID `json:"report_id"`
	CompletenessScore float64   `json:"completeness_score"`
	SafetyScore       float64   `json:"safety_score"`
	CitationDensity   float64   `json:"citation_density"`
	HallucinationRisk float64   `json:"hallucination_risk"`
	Groundedness      float64   `json:"groundedness"`
	OverallScore      float64   `json:"overall_score"`
	Grade             string    `json:"grade"`
	Details           Details   `json:"details"`
	GoldStandardUsed  bool      `json:"gold_standard_used"`
	EvaluatedBy       string    `json:"evaluated_by,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Repository is append-only: results are never updated or removed except
// by cascading a report delete in the database.
type Repository interface {
	Create(ctx context.Context, r *Result) error
	// ListByReport returns a report's results, newest first.
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]*Result, error)
	// ListRecent returns results across reports, newest first.
	ListRecent(ctx context.Context, limit, offset int) ([]*Result, int, error)
}
