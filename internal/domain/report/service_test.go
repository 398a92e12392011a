package report

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medclare/medclare/internal/findings"
	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/auth"
	"github.com/medclare/medclare/internal/platform/blobstore"
	"github.com/medclare/medclare/internal/platform/websocket"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recordedEvents) Publish(_ context.Context, ev websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordedEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recordedEvents) {
	t.Helper()
	events := &recordedEvents{}
	svc := NewService(NewMemoryStore(), blobstore.NewInMemoryBlobStore(0), WithEvents(events))
	return svc, events
}

// seedExplained stores an explained report with an original version.
func seedExplained(t *testing.T, svc *Service, patient string) *Report {
	t.Helper()
	ctx := context.Background()
	r := &Report{
		PatientID:            patient,
		Title:                "CBC",
		ReportType:           TypeLabReport,
		Status:               StatusExplained,
		Lang:                 "en",
		PersonalizationLevel: LevelStandard,
		ExplanationText:      "Your hemoglobin is low [1].",
		VerificationStatus:   VerificationNone,
	}
	require.NoError(t, svc.Store().Reports.Create(ctx, r))
	_, err := svc.Store().Versions.Append(ctx, r.ID, r.ExplanationText, EditOriginal, "")
	require.NoError(t, err)
	return r
}

func TestService_Upload(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	patient := auth.Principal{ID: "p1", Roles: []string{auth.RolePatient}}

	r, err := svc.Upload(ctx, patient, UploadInput{FileName: "cbc.txt", Content: strings.NewReader("Hemoglobin 10.2 g/dL")})
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, r.Status)
	assert.Equal(t, "p1", r.PatientID)
	assert.Equal(t, defaultTitle, r.Title)
	assert.Equal(t, "text/plain", r.ContentType)
	assert.Equal(t, VerificationNone, r.VerificationStatus)

	data, meta, err := svc.Document(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "Hemoglobin 10.2 g/dL", string(data))
	assert.NotEmpty(t, meta.Hash)

	_, err = svc.Upload(ctx, patient, UploadInput{FileName: "virus.exe", Content: strings.NewReader("x")})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Upload(ctx, patient, UploadInput{FileName: "a.pdf", PatientID: "p2", Content: strings.NewReader("x")})
	assert.ErrorIs(t, err, apperr.ErrValidation, "patients cannot upload for others")

	doctor := auth.Principal{ID: "d1", Roles: []string{auth.RoleDoctor}}
	r2, err := svc.Upload(ctx, doctor, UploadInput{FileName: "scan.png", Title: "Lipids", PatientID: "p2", Content: strings.NewReader("img")})
	require.NoError(t, err)
	assert.Equal(t, "p2", r2.PatientID)
	assert.Equal(t, "Lipids", r2.Title)
}

func TestService_ApproveThenEditResetsVerification(t *testing.T) {
	svc, events := newTestService(t)
	ctx := context.Background()
	r := seedExplained(t, svc, "p1")

	approved, err := svc.Verify(ctx, r.ID, ActionApprove, "looks right", "d1")
	require.NoError(t, err)
	assert.Equal(t, VerificationApproved, approved.VerificationStatus)
	require.NotNil(t, approved.VerifiedAt)
	assert.Equal(t, "looks right", approved.DoctorNotes)

	edited, v, err := svc.Edit(ctx, r.ID, "Your hemoglobin is mildly low [1].", "softened", "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusEdited, edited.Status)
	assert.Equal(t, VerificationNone, edited.VerificationStatus)
	assert.Nil(t, edited.VerifiedAt)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, EditDoctor, v.EditType)

	versions, err := svc.Versions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, edited.ExplanationText, versions[len(versions)-1].Text)

	audit, err := svc.Audit(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, ActionVerificationApprove, audit[0].Action)
	assert.Equal(t, ActionExplanationEdit, audit[1].Action)

	assert.Equal(t, []string{EventVerified, EventEdited}, events.types())
}

func TestService_VerifyApprovedTwiceFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := seedExplained(t, svc, "p1")

	_, err := svc.Verify(ctx, r.ID, ActionApprove, "", "d1")
	require.NoError(t, err)
	_, err = svc.Verify(ctx, r.ID, ActionReject, "", "d1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	stored, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationApproved, stored.VerificationStatus)
}

func TestService_RejectKeepsContent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := seedExplained(t, svc, "p1")

	rejected, err := svc.Verify(ctx, r.ID, ActionReject, "too vague", "d1")
	require.NoError(t, err)
	assert.Equal(t, VerificationRejected, rejected.VerificationStatus)
	assert.Equal(t, r.ExplanationText, rejected.ExplanationText)
	assert.Nil(t, rejected.VerifiedAt)
}

func TestService_VerifyRequiresExplanation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := &Report{PatientID: "p1", Status: StatusProcessing, VerificationStatus: VerificationNone}
	require.NoError(t, svc.Store().Reports.Create(ctx, r))

	_, err := svc.Verify(ctx, r.ID, ActionApprove, "", "d1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, _, err = svc.Edit(ctx, r.ID, "text", "", "d1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	versions, err := svc.Versions(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, versions, "a rejected edit must not append a version")
}

func TestService_EditRequiresText(t *testing.T) {
	svc, _ := newTestService(t)
	r := seedExplained(t, svc, "p1")
	_, _, err := svc.Edit(context.Background(), r.ID, "   ", "", "d1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestService_ConcurrentEditsProduceGaplessVersions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := seedExplained(t, svc, "p1")

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := svc.Edit(ctx, r.ID, "revision "+uuid.NewString(), "", "d1")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	versions, err := svc.Versions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, versions, writers+1)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
	}
	stored, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, versions[len(versions)-1].Text, stored.ExplanationText)
}

func TestService_RequestReviewOverwritesNote(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := seedExplained(t, svc, "p1")

	_, err := svc.Verify(ctx, r.ID, ActionReject, "", "d1")
	require.NoError(t, err)

	_, err = svc.RequestReview(ctx, r.ID, "first", "p1")
	require.NoError(t, err)
	out, err := svc.RequestReview(ctx, r.ID, "second", "p1")
	require.NoError(t, err)

	assert.True(t, out.ReviewRequested)
	assert.Equal(t, "second", out.PatientNote)
	assert.Equal(t, VerificationRejected, out.VerificationStatus, "review requests leave verification alone")
}

func TestService_ListForPatientAndDoctor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := seedExplained(t, svc, "p1")
	seedExplained(t, svc, "p1")
	c := seedExplained(t, svc, "p2")

	_, err := svc.RequestReview(ctx, a.ID, "please check", "p1")
	require.NoError(t, err)
	_, err = svc.RequestReview(ctx, c.ID, "me too", "p2")
	require.NoError(t, err)

	patient := auth.Principal{ID: "p1", Roles: []string{auth.RolePatient}}
	items, total, err := svc.List(ctx, patient, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 2)

	doctor := auth.Principal{ID: "d1", Roles: []string{auth.RoleDoctor}}
	_, total, err = svc.List(ctx, doctor, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	items, total, err = svc.List(ctx, doctor, "p2", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, c.ID, items[0].ID)
}

func TestService_DeleteAndRestore(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := seedExplained(t, svc, "p1")

	require.NoError(t, svc.Delete(ctx, r.ID, "p1"))
	_, err := svc.Get(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	items, total, err := svc.List(ctx, auth.Principal{ID: "p1", Roles: []string{auth.RolePatient}}, "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)

	restored, err := svc.Restore(ctx, r.ID, "p1")
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)

	_, err = svc.Restore(ctx, r.ID, "p1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	audit, err := svc.Audit(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, ActionReportDeleted, audit[0].Action)
	assert.Equal(t, ActionReportRestored, audit[1].Action)
}

func TestService_TransactRollsBackOnError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := seedExplained(t, svc, "p1")

	boom := errors.New("boom")
	_, err := svc.Transact(ctx, r.ID, func(ctx context.Context, rep *Report) error {
		rep.ExplanationText = "half written"
		if _, err := svc.Store().Versions.Append(ctx, rep.ID, rep.ExplanationText, EditRegenerated, ""); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ExplanationText, stored.ExplanationText)
	n, err := svc.Store().Versions.Count(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func hgb(t *testing.T, value string) findings.Finding {
	t.Helper()
	f, err := findings.Normalize(findings.Raw{
		TestName:       "Hemoglobin",
		Value:          findings.Text(value),
		Unit:           "g/dL",
		ReferenceRange: "12-16",
	})
	require.NoError(t, err)
	return f
}

func TestService_TrendsAndChart(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mem := svc.Store().Tx.(*MemoryStore)

	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mem.now = func() time.Time { return day }
	first := &Report{PatientID: "p1", Status: StatusExplained, Findings: []findings.Finding{hgb(t, "10.0")}}
	require.NoError(t, svc.Store().Reports.Create(ctx, first))

	mem.now = func() time.Time { return day.AddDate(0, 1, 0) }
	second := &Report{PatientID: "p1", Status: StatusExplained, Findings: []findings.Finding{hgb(t, "12.0")}}
	require.NoError(t, svc.Store().Reports.Create(ctx, second))

	analysis, err := svc.Trends(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, analysis.HasHistory)
	require.Len(t, analysis.Trends, 1)
	tr := analysis.Trends[0]
	assert.InDelta(t, 20.0, tr.ChangePercent, 0.001)
	assert.Equal(t, "rising", string(tr.Direction))
	assert.Equal(t, 1, analysis.ImprovingCount)

	page, err := svc.TrendChart(ctx, second.ID, "hemoglobin")
	require.NoError(t, err)
	assert.Contains(t, string(page), "Hemoglobin")

	_, err = svc.TrendChart(ctx, second.ID, "Glucose")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.TrendChart(ctx, second.ID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSubscriptionAuthorizer(t *testing.T) {
	svc, _ := newTestService(t)
	r := seedExplained(t, svc, "p1")
	authz := NewSubscriptionAuthorizer(svc)
	topic := websocket.ReportTopic(r.ID.String())

	owner := auth.WithUser(context.Background(), "p1", []string{auth.RolePatient})
	other := auth.WithUser(context.Background(), "p2", []string{auth.RolePatient})
	doctor := auth.WithUser(context.Background(), "d1", []string{auth.RoleDoctor})

	assert.True(t, authz.CanSubscribe(owner, topic))
	assert.False(t, authz.CanSubscribe(other, topic))
	assert.True(t, authz.CanSubscribe(doctor, topic))
	assert.False(t, authz.CanSubscribe(doctor, "report:not-a-uuid"))
	assert.False(t, authz.CanSubscribe(doctor, websocket.ReportTopic(uuid.NewString())))
}
