package evaluation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medclare/medclare/internal/platform/db"
)

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) Repository { return &resultRepoPG{pool: pool} }

func (r *resultRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const resultCols = `id, report_id, completeness_score, safety_score, citation_density,
	hallucination_risk, overall_score, grade, details, gold_standard_used, evaluated_by, created_at`

func (r *resultRepoPG) scanResult(row pgx.Row) (*Result, error) {
	var res Result
	err := row.Scan(&res.ID, &res.ReportID, &res.CompletenessScore, &res.SafetyScore, &res.CitationDensity,
		&res.HallucinationRisk, &res.OverallScore, &res.Grade, &res.Details, &res.GoldStandardUsed,
		&res.EvaluatedBy, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	res.Groundedness = round3(1 - res.HallucinationRisk)
	return &res, nil
}

func (r *resultRepoPG) Create(ctx context.Context, res *Result) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO evaluation_results (id, report_id, completeness_score, safety_score, citation_density,
			hallucination_risk, overall_score, grade, details, gold_standard_used, evaluated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at`,
		res.ID, res.ReportID, res.CompletenessScore, res.SafetyScore, res.CitationDensity,
		res.HallucinationRisk, res.OverallScore, res.Grade, res.Details, res.GoldStandardUsed, res.EvaluatedBy,
	).Scan(&res.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert evaluation result: %w", err)
	}
	return nil
}

func (r *resultRepoPG) query(ctx context.Context, query string, args ...any) ([]*Result, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Result
	for rows.Next() {
		res, err := r.scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

func (r *resultRepoPG) ListByReport(ctx context.Context, reportID uuid.UUID) ([]*Result, error) {
	return r.query(ctx, `SELECT `+resultCols+` FROM evaluation_results
		WHERE report_id = $1 ORDER BY created_at DESC, id`, reportID)
}

func (r *resultRepoPG) ListRecent(ctx context.Context, limit, offset int) ([]*Result, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM evaluation_results`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+resultCols+` FROM evaluation_results
		ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
