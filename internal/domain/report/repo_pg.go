package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medclare/medclare/internal/findings"
	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/db"
)

// NewPGStore wires the Postgres repositories onto one pool.
func NewPGStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Reports:  NewReportRepoPG(pool),
		Versions: NewVersionRepoPG(pool),
		Audit:    NewAuditRepoPG(pool),
		Tx:       pgTxRunner{pool: pool},
	}
}

type pgTxRunner struct{ pool *pgxpool.Pool }

func (t pgTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, t.pool, fn)
}

// =========== Report Repository ===========

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewReportRepoPG(pool *pgxpool.Pool) Repository { return &reportRepoPG{pool: pool} }

func (r *reportRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const reportCols = `id, patient_id, title, report_type, status, lang, personalization_level,
	file_key, file_name, content_type, ocr_text,
	explanation_text, explanation_withheld, sections, citations, confidence_scores,
	guardrail_flags, reasoning_trace, anxiety_level,
	verification_status, doctor_notes, verified_at, verified_by, review_requested, patient_note,
	is_deleted, created_at, updated_at`

func (r *reportRepoPG) scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	err := row.Scan(&rep.ID, &rep.PatientID, &rep.Title, &rep.ReportType, &rep.Status, &rep.Lang, &rep.PersonalizationLevel,
		&rep.FileKey, &rep.FileName, &rep.ContentType, &rep.OCRText,
		&rep.ExplanationText, &rep.ExplanationWithheld, &rep.Sections, &rep.Citations, &rep.ConfidenceScores,
		&rep.GuardrailFlags, &rep.ReasoningTrace, &rep.AnxietyLevel,
		&rep.VerificationStatus, &rep.DoctorNotes, &rep.VerifiedAt, &rep.VerifiedBy, &rep.ReviewRequested, &rep.PatientNote,
		&rep.IsDeleted, &rep.CreatedAt, &rep.UpdatedAt)
	return &rep, err
}

func notFound(err error, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("report", id.String())
	}
	return err
}

// jsonSafe replaces nil slices so JSONB columns store [] rather than null.
func jsonSafe(rep *Report) ([]Section, []Citation, []GuardrailFlag) {
	sections, citations, flags := rep.Sections, rep.Citations, rep.GuardrailFlags
	if sections == nil {
		sections = []Section{}
	}
	if citations == nil {
		citations = []Citation{}
	}
	if flags == nil {
		flags = []GuardrailFlag{}
	}
	return sections, citations, flags
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	sections, citations, flags := jsonSafe(rep)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reports (id, patient_id, title, report_type, status, lang, personalization_level,
			file_key, file_name, content_type, ocr_text,
			explanation_text, explanation_withheld, sections, citations, confidence_scores,
			guardrail_flags, reasoning_trace, anxiety_level, verification_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING created_at, updated_at`,
		rep.ID, rep.PatientID, rep.Title, rep.ReportType, rep.Status, rep.Lang, rep.PersonalizationLevel,
		rep.FileKey, rep.FileName, rep.ContentType, rep.OCRText,
		rep.ExplanationText, rep.ExplanationWithheld, sections, citations, rep.ConfidenceScores,
		flags, rep.ReasoningTrace, rep.AnxietyLevel, rep.VerificationStatus,
	).Scan(&rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("create report", fmt.Sprintf("report %s already exists", rep.ID))
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return r.replaceChildren(ctx, rep)
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return r.get(ctx, `SELECT `+reportCols+` FROM reports WHERE id = $1`, id)
}

func (r *reportRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Report, error) {
	return r.get(ctx, `SELECT `+reportCols+` FROM reports WHERE id = $1 FOR UPDATE`, id)
}

func (r *reportRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Report, error) {
	rep, err := r.scanReport(r.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, id)
	}
	if err := r.loadChildren(ctx, []*Report{rep}); err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *reportRepoPG) Update(ctx context.Context, rep *Report) error {
	sections, citations, flags := jsonSafe(rep)
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE reports SET title=$2, report_type=$3, status=$4, lang=$5, personalization_level=$6,
			ocr_text=$7, explanation_text=$8, explanation_withheld=$9, sections=$10, citations=$11,
			confidence_scores=$12, guardrail_flags=$13, reasoning_trace=$14, anxiety_level=$15,
			verification_status=$16, doctor_notes=$17, verified_at=$18, verified_by=$19,
			review_requested=$20, patient_note=$21, is_deleted=$22, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		rep.ID, rep.Title, rep.ReportType, rep.Status, rep.Lang, rep.PersonalizationLevel,
		rep.OCRText, rep.ExplanationText, rep.ExplanationWithheld, sections, citations,
		rep.ConfidenceScores, flags, rep.ReasoningTrace, rep.AnxietyLevel,
		rep.VerificationStatus, rep.DoctorNotes, rep.VerifiedAt, rep.VerifiedBy,
		rep.ReviewRequested, rep.PatientNote, rep.IsDeleted,
	).Scan(&rep.UpdatedAt)
	if err != nil {
		return notFound(err, rep.ID)
	}
	return r.replaceChildren(ctx, rep)
}

func (r *reportRepoPG) replaceChildren(ctx context.Context, rep *Report) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM report_findings WHERE report_id = $1`, rep.ID); err != nil {
		return fmt.Errorf("clear findings: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM report_medications WHERE report_id = $1`, rep.ID); err != nil {
		return fmt.Errorf("clear medications: %w", err)
	}
	for i := range rep.Findings {
		f := &rep.Findings[i]
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		_, err := q.Exec(ctx, `
			INSERT INTO report_findings (id, report_id, position, test_name, value, value_text, unit,
				reference_range, range_low, range_high, status, category, confidence)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			f.ID, rep.ID, i, f.TestName, f.Value, f.ValueText, f.Unit,
			f.ReferenceRange, f.Range.Low, f.Range.High, f.Status, f.Category, f.Confidence)
		if err != nil {
			return fmt.Errorf("insert finding %s: %w", f.TestName, err)
		}
	}
	for i := range rep.Medications {
		m := &rep.Medications[i]
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		_, err := q.Exec(ctx, `
			INSERT INTO report_medications (id, report_id, position, name, dosage, frequency, duration, instructions)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			m.ID, rep.ID, i, m.Name, m.Dosage, m.Frequency, m.Duration, m.Instructions)
		if err != nil {
			return fmt.Errorf("insert medication %s: %w", m.Name, err)
		}
	}
	return nil
}

func (r *reportRepoPG) loadChildren(ctx context.Context, reps []*Report) error {
	if len(reps) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Report, len(reps))
	ids := make([]uuid.UUID, 0, len(reps))
	for _, rep := range reps {
		byID[rep.ID] = rep
		ids = append(ids, rep.ID)
		rep.Findings = []findings.Finding{}
		rep.Medications = []findings.Medication{}
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT report_id, id, test_name, value, value_text, unit, reference_range,
			range_low, range_high, status, category, confidence
		FROM report_findings WHERE report_id = ANY($1) ORDER BY report_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load findings: %w", err)
	}
	for rows.Next() {
		var reportID uuid.UUID
		var f findings.Finding
		if err := rows.Scan(&reportID, &f.ID, &f.TestName, &f.Value, &f.ValueText, &f.Unit, &f.ReferenceRange,
			&f.Range.Low, &f.Range.High, &f.Status, &f.Category, &f.Confidence); err != nil {
			rows.Close()
			return err
		}
		byID[reportID].Findings = append(byID[reportID].Findings, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.conn(ctx).Query(ctx, `
		SELECT report_id, id, name, dosage, frequency, duration, instructions
		FROM report_medications WHERE report_id = ANY($1) ORDER BY report_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load medications: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reportID uuid.UUID
		var m findings.Medication
		if err := rows.Scan(&reportID, &m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.Duration, &m.Instructions); err != nil {
			return err
		}
		byID[reportID].Medications = append(byID[reportID].Medications, m)
	}
	return rows.Err()
}

func (r *reportRepoPG) list(ctx context.Context, where string, args []any, order string, limit, offset int) ([]*Report, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reports WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM reports WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`, reportCols, where, order, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	var items []*Report
	for rows.Next() {
		rep, err := r.scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, rep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.loadChildren(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *reportRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Report, int, error) {
	return r.list(ctx, `patient_id = $1 AND NOT is_deleted`, []any{patientID}, `created_at DESC`, limit, offset)
}

func (r *reportRepoPG) ListReviewRequested(ctx context.Context, patientID string, limit, offset int) ([]*Report, int, error) {
	if patientID == "" {
		return r.list(ctx, `review_requested AND NOT is_deleted`, nil, `updated_at DESC`, limit, offset)
	}
	return r.list(ctx, `review_requested AND NOT is_deleted AND patient_id = $1`, []any{patientID}, `updated_at DESC`, limit, offset)
}

func (r *reportRepoPG) History(ctx context.Context, patientID string) ([]*Report, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM reports
		WHERE patient_id = $1 AND NOT is_deleted ORDER BY created_at ASC`, patientID)
	if err != nil {
		return nil, err
	}
	var items []*Report
	for rows.Next() {
		rep, err := r.scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, rep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// =========== Version Repository ===========

type versionRepoPG struct{ pool *pgxpool.Pool }

func NewVersionRepoPG(pool *pgxpool.Pool) VersionRepository { return &versionRepoPG{pool: pool} }

func (r *versionRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const versionCols = `id, report_id, version, edit_type, text, author, created_at`

func (r *versionRepoPG) scanVersion(row pgx.Row) (*ExplanationVersion, error) {
	var v ExplanationVersion
	err := row.Scan(&v.ID, &v.ReportID, &v.Version, &v.EditType, &v.Text, &v.Author, &v.CreatedAt)
	return &v, err
}

// Append assigns max(version)+1 in the same statement as the insert. Two
// writers racing on a stale maximum collide on the (report_id, version) key.
func (r *versionRepoPG) Append(ctx context.Context, reportID uuid.UUID, text string, editType EditType, author string) (*ExplanationVersion, error) {
	v, err := r.scanVersion(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO explanation_versions (id, report_id, version, edit_type, text, author)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5
		FROM explanation_versions WHERE report_id = $2
		RETURNING `+versionCols,
		uuid.New(), reportID, editType, text, author))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.Conflict("append version", fmt.Sprintf("concurrent version write for report %s", reportID))
		}
		return nil, fmt.Errorf("append version: %w", err)
	}
	return v, nil
}

func (r *versionRepoPG) List(ctx context.Context, reportID uuid.UUID) ([]*ExplanationVersion, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+versionCols+` FROM explanation_versions
		WHERE report_id = $1 ORDER BY version ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ExplanationVersion
	for rows.Next() {
		v, err := r.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *versionRepoPG) Count(ctx context.Context, reportID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM explanation_versions WHERE report_id = $1`, reportID).Scan(&n)
	return n, err
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository { return &auditRepoPG{pool: pool} }

func (r *auditRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func (r *auditRepoPG) Record(ctx context.Context, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_log (id, report_id, action, actor, details)
		VALUES ($1,$2,$3,$4,$5) RETURNING created_at`,
		e.ID, e.ReportID, e.Action, e.Actor, e.Details).Scan(&e.CreatedAt)
}

func (r *auditRepoPG) List(ctx context.Context, reportID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, report_id, action, actor, details, created_at
		FROM audit_log WHERE report_id = $1 ORDER BY created_at ASC, id`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ReportID, &e.Action, &e.Actor, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
