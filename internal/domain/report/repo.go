package report

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Report) error
	// GetByID returns the report including soft-deleted ones.
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	// GetForUpdate is GetByID that also locks the row for the surrounding
	// transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Report, error)
	// Update writes every report column and replaces findings and medications.
	Update(ctx context.Context, r *Report) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Report, int, error)
	// ListReviewRequested lists reports awaiting review. An empty patientID
	// lists across patients.
	ListReviewRequested(ctx context.Context, patientID string, limit, offset int) ([]*Report, int, error)
	// History returns a patient's non-deleted reports with findings, oldest first.
	History(ctx context.Context, patientID string) ([]*Report, error)
}

type VersionRepository interface {
	// Append stores text as the next version of the report's explanation.
	Append(ctx context.Context, reportID uuid.UUID, text string, editType EditType, author string) (*ExplanationVersion, error)
	List(ctx context.Context, reportID uuid.UUID) ([]*ExplanationVersion, error)
	Count(ctx context.Context, reportID uuid.UUID) (int, error)
}

type AuditRepository interface {
	Record(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, reportID uuid.UUID) ([]*AuditEntry, error)
}

// TxRunner runs fn in a transaction carried by the context passed to it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles the repositories that share one transaction scope.
type Store struct {
	Reports  Repository
	Versions VersionRepository
	Audit    AuditRepository
	Tx       TxRunner
}
