package evaluation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memRepo struct {
	mu      sync.RWMutex
	results []*Result
	now     func() time.Time
}

// NewMemoryRepository keeps results in process memory.
func NewMemoryRepository() Repository {
	return &memRepo{now: func() time.Time { return time.Now().UTC() }}
}

func (m *memRepo) Create(_ context.Context, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	cp := *r
	m.results = append(m.results, &cp)
	return nil
}

// newestFirst orders by created_at descending, later inserts first on ties.
func (m *memRepo) newestFirst(keep func(*Result) bool) []*Result {
	var out []*Result
	for i := len(m.results) - 1; i >= 0; i-- {
		if keep(m.results[i]) {
			cp := *m.results[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memRepo) ListByReport(_ context.Context, reportID uuid.UUID) ([]*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newestFirst(func(r *Result) bool { return r.ReportID == reportID }), nil
}

func (m *memRepo) ListRecent(_ context.Context, limit, offset int) ([]*Result, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.newestFirst(func(*Result) bool { return true })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
