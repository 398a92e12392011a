//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/findings"
	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/blobstore"
	"github.com/medclare/medclare/internal/platform/db"
)

func ptr(v float64) *float64 { return &v }

func seedReport(t *testing.T, ctx context.Context, store *report.Store, patientID string) *report.Report {
	t.Helper()
	r := &report.Report{
		PatientID:            patientID,
		Title:                "CBC",
		ReportType:           report.TypeLabReport,
		Status:               report.StatusExplained,
		Lang:                 "en",
		PersonalizationLevel: report.LevelStandard,
		ExplanationText:      "Your hemoglobin is slightly low [1].",
		Sections: []report.Section{{
			Title:           "Blood count",
			Content:         "Your hemoglobin is slightly low [1].",
			Severity:        report.SeverityAttention,
			FindingsCovered: []string{"Hemoglobin"},
		}},
		Citations: []report.Citation{{ID: 1, Text: "Low hemoglobin can point to anemia."}},
		Findings: []findings.Finding{
			{ID: uuid.New(), TestName: "Hemoglobin", Value: 10.5, Unit: "g/dL", ReferenceRange: "12-16",
				Range: findings.Range{Low: ptr(12), High: ptr(16)}, Status: findings.StatusLow, Category: "Hematology", Confidence: 0.9},
			{ID: uuid.New(), TestName: "WBC", Value: 7, Unit: "10^3/uL", Status: findings.StatusNormal, Category: "Hematology", Confidence: 0.9},
		},
		VerificationStatus: report.VerificationNone,
	}
	require.NoError(t, store.Reports.Create(ctx, r))
	return r
}

func TestMigrations_AllApplied(t *testing.T) {
	ctx := context.Background()
	m, err := db.OpenMigrator(ctx, globalDB.ConnStr)
	require.NoError(t, err)
	defer m.Close()

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, s := range statuses {
		assert.True(t, s.Applied, "migration %d %s pending", s.Version, s.Name)
	}
}

func TestReportRepo_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := report.NewPGStore(globalDB.Pool)
	r := seedReport(t, ctx, store, "p-"+uuid.NewString())

	got, err := store.Reports.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.PatientID, got.PatientID)
	assert.Equal(t, report.StatusExplained, got.Status)
	assert.Equal(t, r.ExplanationText, got.ExplanationText)
	require.Len(t, got.Findings, 2)
	assert.ElementsMatch(t, []string{"Hemoglobin", "WBC"}, []string{got.Findings[0].TestName, got.Findings[1].TestName})
	require.Len(t, got.Sections, 1)
	assert.Equal(t, []string{"Hemoglobin"}, got.Sections[0].FindingsCovered)
	require.Len(t, got.Citations, 1)
	assert.Equal(t, 1, got.Citations[0].ID)
	assert.False(t, got.CreatedAt.IsZero())

	got.Status = report.StatusEdited
	got.Findings = got.Findings[:1]
	require.NoError(t, store.Reports.Update(ctx, got))

	again, err := store.Reports.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusEdited, again.Status)
	assert.Len(t, again.Findings, 1)
}

func TestReportRepo_GetUnknown(t *testing.T) {
	store := report.NewPGStore(globalDB.Pool)
	_, err := store.Reports.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReportRepo_ListByPatientAndHistory(t *testing.T) {
	ctx := context.Background()
	store := report.NewPGStore(globalDB.Pool)
	patient := "p-" + uuid.NewString()
	first := seedReport(t, ctx, store, patient)
	second := seedReport(t, ctx, store, patient)
	seedReport(t, ctx, store, "p-"+uuid.NewString())

	items, total, err := store.Reports.ListByPatient(ctx, patient, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 2)

	history, err := store.Reports.History(ctx, patient)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
	assert.Len(t, history[0].Findings, 2)
}

func TestReportService_ConcurrentEditsAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	store := report.NewPGStore(globalDB.Pool)
	r := seedReport(t, ctx, store, "p-"+uuid.NewString())

	// Two services share the database but not their in-process locks, as
	// two replicas would.
	replicas := []*report.Service{
		report.NewService(report.NewPGStore(globalDB.Pool), blobstore.NewInMemoryBlobStore(0)),
		report.NewService(report.NewPGStore(globalDB.Pool), blobstore.NewInMemoryBlobStore(0)),
	}

	const edits = 10
	var wg sync.WaitGroup
	errs := make(chan error, edits)
	for i := 0; i < edits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := replicas[i%2].Edit(ctx, r.ID, fmt.Sprintf("Edited explanation %d.", i), "", "d1")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := replicas[0].Versions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, versions, edits)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
		assert.Equal(t, report.EditDoctor, v.EditType)
	}

	audit, err := replicas[0].Audit(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, audit, edits)

	final, err := replicas[1].Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusEdited, final.Status)
	assert.Equal(t, versions[edits-1].Text, final.ExplanationText)
}

func TestReportService_VerifyPersists(t *testing.T) {
	ctx := context.Background()
	svc := report.NewService(report.NewPGStore(globalDB.Pool), blobstore.NewInMemoryBlobStore(0))
	r := seedReport(t, ctx, svc.Store(), "p-"+uuid.NewString())

	_, err := svc.Verify(ctx, r.ID, report.ActionApprove, "looks right", "d1")
	require.NoError(t, err)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, report.VerificationApproved, got.VerificationStatus)
	assert.Equal(t, "d1", got.VerifiedBy)
	require.NotNil(t, got.VerifiedAt)

	audit, err := svc.Audit(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, report.ActionVerificationApprove, audit[0].Action)
	assert.Equal(t, "looks right", audit[0].Details["notes"])
}
