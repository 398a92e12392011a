package report

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/pkg/pagination"
)

// MemoryStore keeps reports, versions and audit entries in process memory.
// InTx serializes writers and restores a snapshot when fn fails, so a failed
// transaction leaves no partial writes behind.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	reports  map[uuid.UUID]*Report
	versions map[uuid.UUID][]*ExplanationVersion
	audit    map[uuid.UUID][]*AuditEntry

	now func() time.Time
}

type memTxKey struct{}

// NewMemoryStore returns a Store backed by a single MemoryStore.
func NewMemoryStore() *Store {
	m := newMemoryBackend()
	return &Store{
		Reports:  memReports{m},
		Versions: memVersions{m},
		Audit:    memAudit{m},
		Tx:       m,
	}
}

func newMemoryBackend() *MemoryStore {
	return &MemoryStore{
		reports:  make(map[uuid.UUID]*Report),
		versions: make(map[uuid.UUID][]*ExplanationVersion),
		audit:    make(map[uuid.UUID][]*AuditEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memTxKey{}).(*MemoryStore)
	return owner == m
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.mu.Lock()
		m.reports, m.versions, m.audit = snap.reports, snap.versions, snap.audit
		m.mu.Unlock()
		return err
	}
	return nil
}

type memSnapshot struct {
	reports  map[uuid.UUID]*Report
	versions map[uuid.UUID][]*ExplanationVersion
	audit    map[uuid.UUID][]*AuditEntry
}

func (m *MemoryStore) snapshot() memSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := memSnapshot{
		reports:  make(map[uuid.UUID]*Report, len(m.reports)),
		versions: make(map[uuid.UUID][]*ExplanationVersion, len(m.versions)),
		audit:    make(map[uuid.UUID][]*AuditEntry, len(m.audit)),
	}
	for k, v := range m.reports {
		s.reports[k] = v.Clone()
	}
	// versions and audit entries are immutable once stored
	for k, v := range m.versions {
		s.versions[k] = append([]*ExplanationVersion(nil), v...)
	}
	for k, v := range m.audit {
		s.audit[k] = append([]*AuditEntry(nil), v...)
	}
	return s
}

// write runs fn under the data lock. Outside a transaction it also takes the
// writer lock so it cannot be undone by a concurrent rollback.
func (m *MemoryStore) write(ctx context.Context, fn func() error) error {
	if !m.inTx(ctx) {
		m.txMu.Lock()
		defer m.txMu.Unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// =========== Reports ===========

type memReports struct{ m *MemoryStore }

func (r memReports) Create(ctx context.Context, rep *Report) error {
	return r.m.write(ctx, func() error {
		if rep.ID == uuid.Nil {
			rep.ID = uuid.New()
		}
		if _, ok := r.m.reports[rep.ID]; ok {
			return apperr.Conflict("create report", fmt.Sprintf("report %s already exists", rep.ID))
		}
		now := r.m.now()
		rep.CreatedAt, rep.UpdatedAt = now, now
		assignChildIDs(rep)
		r.m.reports[rep.ID] = rep.Clone()
		return nil
	})
}

func assignChildIDs(rep *Report) {
	for i := range rep.Findings {
		if rep.Findings[i].ID == uuid.Nil {
			rep.Findings[i].ID = uuid.New()
		}
	}
	for i := range rep.Medications {
		if rep.Medications[i].ID == uuid.Nil {
			rep.Medications[i].ID = uuid.New()
		}
	}
}

func (r memReports) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	rep, ok := r.m.reports[id]
	if !ok {
		return nil, apperr.NotFound("report", id.String())
	}
	return rep.Clone(), nil
}

func (r memReports) GetForUpdate(ctx context.Context, id uuid.UUID) (*Report, error) {
	return r.GetByID(ctx, id)
}

func (r memReports) Update(ctx context.Context, rep *Report) error {
	return r.m.write(ctx, func() error {
		stored, ok := r.m.reports[rep.ID]
		if !ok {
			return apperr.NotFound("report", rep.ID.String())
		}
		rep.CreatedAt = stored.CreatedAt
		rep.UpdatedAt = r.m.now()
		assignChildIDs(rep)
		r.m.reports[rep.ID] = rep.Clone()
		return nil
	})
}

func (r memReports) filter(keep func(*Report) bool, less func(a, b *Report) bool) []*Report {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Report
	for _, rep := range r.m.reports {
		if keep(rep) {
			out = append(out, rep.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func newestFirst(a, b *Report) bool { return a.CreatedAt.After(b.CreatedAt) }

func (r memReports) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Report, int, error) {
	all := r.filter(func(rep *Report) bool {
		return rep.PatientID == patientID && !rep.IsDeleted
	}, newestFirst)
	return pagination.Slice(all, limit, offset), len(all), nil
}

func (r memReports) ListReviewRequested(_ context.Context, patientID string, limit, offset int) ([]*Report, int, error) {
	all := r.filter(func(rep *Report) bool {
		return rep.ReviewRequested && !rep.IsDeleted && (patientID == "" || rep.PatientID == patientID)
	}, func(a, b *Report) bool { return a.UpdatedAt.After(b.UpdatedAt) })
	return pagination.Slice(all, limit, offset), len(all), nil
}

func (r memReports) History(_ context.Context, patientID string) ([]*Report, error) {
	return r.filter(func(rep *Report) bool {
		return rep.PatientID == patientID && !rep.IsDeleted
	}, func(a, b *Report) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

// =========== Versions ===========

type memVersions struct{ m *MemoryStore }

func (r memVersions) Append(ctx context.Context, reportID uuid.UUID, text string, editType EditType, author string) (*ExplanationVersion, error) {
	var v *ExplanationVersion
	err := r.m.write(ctx, func() error {
		existing := r.m.versions[reportID]
		next := 1
		if n := len(existing); n > 0 {
			next = existing[n-1].Version + 1
		}
		v = &ExplanationVersion{
			ID:        uuid.New(),
			ReportID:  reportID,
			Version:   next,
			EditType:  editType,
			Text:      text,
			Author:    author,
			CreatedAt: r.m.now(),
		}
		r.m.versions[reportID] = append(existing, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v
	return &cp, nil
}

func (r memVersions) List(_ context.Context, reportID uuid.UUID) ([]*ExplanationVersion, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*ExplanationVersion, 0, len(r.m.versions[reportID]))
	for _, v := range r.m.versions[reportID] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (r memVersions) Count(_ context.Context, reportID uuid.UUID) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return len(r.m.versions[reportID]), nil
}

// =========== Audit ===========

type memAudit struct{ m *MemoryStore }

func (r memAudit) Record(ctx context.Context, e *AuditEntry) error {
	return r.m.write(ctx, func() error {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = r.m.now()
		cp := *e
		r.m.audit[e.ReportID] = append(r.m.audit[e.ReportID], &cp)
		return nil
	})
}

func (r memAudit) List(_ context.Context, reportID uuid.UUID) ([]*AuditEntry, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*AuditEntry, 0, len(r.m.audit[reportID]))
	for _, e := range r.m.audit[reportID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
