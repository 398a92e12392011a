package evaluation

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/telemetry"
)

// DefaultBenchmarkLimit is the benchmark page size when none is given.
const DefaultBenchmarkLimit = 50

type Service struct {
	reports *report.Service
	repo    Repository
	metrics *telemetry.Provider
	logger  zerolog.Logger
}

type Option func(*Service)

func WithMetrics(m *telemetry.Provider) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(reports *report.Service, repo Repository, opts ...Option) *Service {
	s := &Service{reports: reports, repo: repo, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scores the committed explanation of a report and appends the result.
// Only explained or edited reports can be scored.
func (s *Service) Run(ctx context.Context, reportID uuid.UUID, goldStandard, actor string) (*Result, error) {
	r, err := s.reports.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !r.Status.HasExplanation() {
		return nil, apperr.InvalidTransition("evaluate", fmt.Sprintf("report is %s, expected explained or edited", r.Status))
	}

	res := Evaluate(InputFromReport(r, goldStandard))
	res.ReportID = r.ID
	res.EvaluatedBy = actor
	if err := s.repo.Create(ctx, &res); err != nil {
		return nil, err
	}
	s.metrics.Evaluation(res.Grade)
	s.logger.Info().Str("report_id", r.ID.String()).Str("grade", res.Grade).
		Float64("overall", res.OverallScore).Bool("gold_standard", res.GoldStandardUsed).
		Int("safety_issues", len(res.Details.SafetyIssues)).Msg("report evaluated")
	return &res, nil
}

// ForReport returns a report's evaluation history, newest first.
func (s *Service) ForReport(ctx context.Context, reportID uuid.UUID) ([]*Result, error) {
	if _, err := s.reports.Get(ctx, reportID); err != nil {
		return nil, err
	}
	return s.repo.ListByReport(ctx, reportID)
}

// Benchmark pages through results across all reports, newest first.
func (s *Service) Benchmark(ctx context.Context, limit, offset int) ([]*Result, int, error) {
	if limit <= 0 {
		limit = DefaultBenchmarkLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListRecent(ctx, limit, offset)
}

// Summary averages a set of results.
type Summary struct {
	Count             int            `json:"count"`
	Completeness      float64        `json:"avg_completeness"`
	Safety            float64        `json:"avg_safety"`
	CitationDensity   float64        `json:"avg_citation_density"`
	HallucinationRisk float64        `json:"avg_hallucination_risk"`
	Overall           float64        `json:"avg_overall"`
	Grades            map[string]int `json:"grades"`
}

func Summarize(results []*Result) Summary {
	sum := Summary{Grades: make(map[string]int)}
	for _, r := range results {
		sum.Count++
		sum.Completeness += r.CompletenessScore
		sum.Safety += r.SafetyScore
		sum.CitationDensity += r.CitationDensity
		sum.HallucinationRisk += r.HallucinationRisk
		sum.Overall += r.OverallScore
		sum.Grades[r.Grade]++
	}
	if sum.Count == 0 {
		return sum
	}
	n := float64(sum.Count)
	sum.Completeness = round3(sum.Completeness / n)
	sum.Safety = round3(sum.Safety / n)
	sum.CitationDensity = round3(sum.CitationDensity / n)
	sum.HallucinationRisk = round3(sum.HallucinationRisk / n)
	sum.Overall = round3(sum.Overall / n)
	return sum
}

// SortedGrades returns the grades present in s in A-F order.
func (s Summary) SortedGrades() []string {
	out := make([]string, 0, len(s.Grades))
	for g := range s.Grades {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
