package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medclare/medclare/internal/findings"
	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/auth"
	"github.com/medclare/medclare/internal/platform/blobstore"
	"github.com/medclare/medclare/internal/platform/telemetry"
	"github.com/medclare/medclare/internal/platform/websocket"
	"github.com/medclare/medclare/internal/trends"
)

// Event types published on a report's topic by this package.
const (
	EventVerified = "report.verified"
	EventEdited   = "report.edited"
)

const defaultTitle = "Medical Report"

type Service struct {
	store   *Store
	blobs   blobstore.BlobStore
	events  websocket.EventPublisher
	metrics *telemetry.Provider
	logger  zerolog.Logger
	locks   *keyedMutex
	now     func() time.Time
}

type Option func(*Service)

func WithEvents(p websocket.EventPublisher) Option { return func(s *Service) { s.events = p } }

func WithMetrics(m *telemetry.Provider) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store *Store, blobs blobstore.BlobStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		blobs:  blobs,
		logger: zerolog.Nop(),
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) Blobs() blobstore.BlobStore { return s.blobs }

// -- Upload --

type UploadInput struct {
	FileName  string
	Title     string
	PatientID string
	Content   io.Reader
}

// Upload stores the document and creates a report in the uploaded state.
// Doctors may upload on behalf of a patient; everyone else uploads for
// themselves.
func (s *Service) Upload(ctx context.Context, p auth.Principal, in UploadInput) (*Report, error) {
	contentType, err := blobstore.ContentTypeFor(in.FileName)
	if err != nil {
		return nil, apperr.Validation("upload", err.Error())
	}
	owner := p.ID
	if in.PatientID != "" && in.PatientID != p.ID {
		if !p.IsDoctor() {
			return nil, apperr.Validation("upload", "only doctors may upload for another patient")
		}
		owner = in.PatientID
	}
	if owner == "" {
		return nil, apperr.Validation("upload", "patient id is required")
	}

	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    in.FileName,
		ContentType: contentType,
		OwnerID:     owner,
	}, in.Content)
	if err != nil {
		if errors.Is(err, blobstore.ErrFileTooLarge) || errors.Is(err, blobstore.ErrInvalidContentType) {
			return nil, apperr.Validation("upload", err.Error())
		}
		return nil, fmt.Errorf("store upload: %w", err)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultTitle
	}
	r := &Report{
		ID:                   uuid.New(),
		PatientID:            owner,
		Title:                title,
		ReportType:           TypeLabReport,
		Status:               StatusUploaded,
		Lang:                 "en",
		PersonalizationLevel: LevelStandard,
		FileKey:              meta.ID,
		FileName:             meta.FileName,
		ContentType:          meta.ContentType,
		VerificationStatus:   VerificationNone,
	}
	if err := s.store.Reports.Create(ctx, r); err != nil {
		if delErr := s.blobs.Delete(ctx, meta.ID); delErr != nil {
			s.logger.Warn().Err(delErr).Str("blob_id", meta.ID).Msg("orphaned upload blob")
		}
		return nil, err
	}
	s.logger.Info().Str("report_id", r.ID.String()).Str("patient_id", owner).
		Str("content_type", contentType).Int64("size", meta.Size).Msg("report uploaded")
	return r, nil
}

// Document returns the stored file behind a report.
func (s *Service) Document(ctx context.Context, r *Report) ([]byte, *blobstore.BlobMetadata, error) {
	data, meta, err := blobstore.ReadAll(ctx, s.blobs, r.FileKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return nil, nil, apperr.NotFound("document", r.FileKey)
		}
		return nil, nil, err
	}
	return data, meta, nil
}

// -- Reads --

// Get returns a report unless it is soft-deleted.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	r, err := s.store.Reports.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.IsDeleted {
		return nil, apperr.NotFound("report", id.String())
	}
	return r, nil
}

// List returns the caller's reports for a patient and review-requested
// reports for a doctor, optionally narrowed to one patient.
func (s *Service) List(ctx context.Context, p auth.Principal, patientID string, limit, offset int) ([]*Report, int, error) {
	if p.IsDoctor() {
		return s.store.Reports.ListReviewRequested(ctx, patientID, limit, offset)
	}
	return s.store.Reports.ListByPatient(ctx, p.ID, limit, offset)
}

func (s *Service) Versions(ctx context.Context, id uuid.UUID) ([]*ExplanationVersion, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Versions.List(ctx, id)
}

func (s *Service) Audit(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	if _, err := s.store.Reports.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Audit.List(ctx, id)
}

// -- Transactions --

// Transact loads the report under the per-report lock and a row lock, lets fn
// change it, and writes it back in the same transaction. fn may use ctx to
// append versions or audit entries atomically with the report write.
func (s *Service) Transact(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, r *Report) error) (*Report, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	var out *Report
	err := s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.Reports.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.IsDeleted {
			return apperr.NotFound("report", id.String())
		}
		if err := fn(ctx, r); err != nil {
			return err
		}
		if err := s.store.Reports.Update(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordAudit appends an audit entry, joining the caller's transaction when
// ctx carries one.
func (s *Service) RecordAudit(ctx context.Context, reportID uuid.UUID, action, actor string, details map[string]any) error {
	return s.store.Audit.Record(ctx, &AuditEntry{ReportID: reportID, Action: action, Actor: actor, Details: details})
}

// -- Verification --

func (s *Service) Verify(ctx context.Context, id uuid.UUID, action VerifyAction, notes, actor string) (*Report, error) {
	r, err := s.Transact(ctx, id, func(ctx context.Context, r *Report) error {
		next, err := ValidateVerify(r, action)
		if err != nil {
			return err
		}
		now := s.now()
		r.VerificationStatus = next
		r.DoctorNotes = notes
		r.VerifiedBy = actor
		if next == VerificationApproved {
			r.VerifiedAt = &now
		} else {
			r.VerifiedAt = nil
		}
		auditAction := ActionVerificationApprove
		if action == ActionReject {
			auditAction = ActionVerificationReject
		}
		return s.RecordAudit(ctx, r.ID, auditAction, actor, map[string]any{"notes": notes})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Verification(string(action))
	s.publish(ctx, r.ID, EventVerified, map[string]any{
		"verification_status": r.VerificationStatus,
	})
	s.logger.Info().Str("report_id", id.String()).Str("action", string(action)).Str("actor", actor).Msg("report verified")
	return r, nil
}

// Edit replaces the explanation with a doctor's text as a new version. Any
// prior approval is cleared since the content changed.
func (s *Service) Edit(ctx context.Context, id uuid.UUID, text, notes, actor string) (*Report, *ExplanationVersion, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, apperr.Validation("edit", "explanation_text is required")
	}
	var version *ExplanationVersion
	r, err := s.Transact(ctx, id, func(ctx context.Context, r *Report) error {
		if err := ValidateEdit(r); err != nil {
			return err
		}
		if err := ValidateStatusTransition(r.Status, StatusEdited); err != nil {
			return err
		}
		v, err := s.store.Versions.Append(ctx, r.ID, text, EditDoctor, actor)
		if err != nil {
			return err
		}
		version = v
		r.ExplanationText = text
		r.ExplanationWithheld = false
		r.Status = StatusEdited
		r.ClearVerification()
		r.DoctorNotes = notes
		return s.RecordAudit(ctx, r.ID, ActionExplanationEdit, actor, map[string]any{
			"version": v.Version,
			"notes":   notes,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.Verification("edit")
	s.publish(ctx, r.ID, EventEdited, map[string]any{"version": version.Version})
	s.logger.Info().Str("report_id", id.String()).Int("version", version.Version).Str("actor", actor).Msg("explanation edited")
	return r, version, nil
}

// RequestReview flags the report for a doctor. A second request overwrites
// the note.
func (s *Service) RequestReview(ctx context.Context, id uuid.UUID, note, actor string) (*Report, error) {
	return s.Transact(ctx, id, func(ctx context.Context, r *Report) error {
		r.ReviewRequested = true
		r.PatientNote = note
		return s.RecordAudit(ctx, r.ID, ActionReviewRequested, actor, map[string]any{"note": note})
	})
}

// -- Soft delete --

func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor string) error {
	_, err := s.Transact(ctx, id, func(ctx context.Context, r *Report) error {
		r.IsDeleted = true
		return s.RecordAudit(ctx, r.ID, ActionReportDeleted, actor, nil)
	})
	return err
}

// Restore undoes a soft delete.
func (s *Service) Restore(ctx context.Context, id uuid.UUID, actor string) (*Report, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	var out *Report
	err := s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.Reports.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !r.IsDeleted {
			return apperr.InvalidTransition("restore", "report is not deleted")
		}
		r.IsDeleted = false
		if err := s.store.Reports.Update(ctx, r); err != nil {
			return err
		}
		out = r
		return s.RecordAudit(ctx, r.ID, ActionReportRestored, actor, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// -- Trends --

// Trends analyzes the owning patient's report history with id as the current
// report.
func (s *Service) Trends(ctx context.Context, id uuid.UUID) (trends.Analysis, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return trends.Analysis{}, err
	}
	history, err := s.store.Reports.History(ctx, r.PatientID)
	if err != nil {
		return trends.Analysis{}, fmt.Errorf("load history: %w", err)
	}
	series := make([]trends.ReportFindings, 0, len(history))
	for _, h := range history {
		if len(h.Findings) == 0 {
			continue
		}
		series = append(series, trends.ReportFindings{
			ReportID:  h.ID,
			CreatedAt: h.CreatedAt,
			Findings:  append([]findings.Finding(nil), h.Findings...),
		})
	}
	return trends.Analyze(series, r.ID), nil
}

// TrendChart renders the history of one parameter as an HTML chart.
func (s *Service) TrendChart(ctx context.Context, id uuid.UUID, parameter string) ([]byte, error) {
	if strings.TrimSpace(parameter) == "" {
		return nil, apperr.Validation("trend chart", "parameter is required")
	}
	analysis, err := s.Trends(ctx, id)
	if err != nil {
		return nil, err
	}
	t, ok := analysis.Find(parameter)
	if !ok {
		return nil, apperr.NotFound("trend", parameter)
	}
	return trends.RenderChart(t)
}

func (s *Service) publish(ctx context.Context, id uuid.UUID, eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("encode event")
		return
	}
	ev := websocket.Event{
		Type:     eventType,
		Topic:    websocket.ReportTopic(id.String()),
		ReportID: id.String(),
		Data:     raw,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
