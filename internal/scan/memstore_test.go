package scan

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sells-group/rankgrid/internal/model"
	"github.com/sells-group/rankgrid/internal/store"
)

// memStore is an in-memory store.Store with the same semantics as the SQL
// implementations, including the monotonic scan-status guard and the atomic
// point counter.
type memStore struct {
	mu sync.Mutex

	areas      map[string]*model.ServiceArea
	categories map[string]*model.Category
	keywords   map[string][]model.Keyword
	businesses map[string]*model.Business
	scans      map[string]*model.Scan
	points     map[string]*model.ScanPoint
	rankings   []model.ScanRanking
	snapshots  []model.ReviewSnapshot
	schedules  map[string]*model.ScanSchedule
}

func newMemStore() *memStore {
	return &memStore{
		areas:      make(map[string]*model.ServiceArea),
		categories: make(map[string]*model.Category),
		keywords:   make(map[string][]model.Keyword),
		businesses: make(map[string]*model.Business),
		scans:      make(map[string]*model.Scan),
		points:     make(map[string]*model.ScanPoint),
		schedules:  make(map[string]*model.ScanSchedule),
	}
}

func (m *memStore) seedArea(id string) *model.ServiceArea {
	a := &model.ServiceArea{
		ID: id, Name: "Boynton Beach", State: "FL",
		CenterLat: 26.46, CenterLng: -80.07, RadiusMiles: 5, IsActive: true,
	}
	m.areas[id] = a
	return a
}

func (m *memStore) seedCategory(id, name string) *model.Category {
	c := &model.Category{ID: id, Name: name, Slug: strings.ToLower(name), IsActive: true}
	m.categories[id] = c
	return c
}

func (m *memStore) GetServiceArea(_ context.Context, id string) (*model.ServiceArea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.areas[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListActiveServiceAreas(_ context.Context) ([]model.ServiceArea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ServiceArea
	for _, a := range m.areas {
		if a.IsActive {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) GetCategory(_ context.Context, id string) (*model.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.categories[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListActiveCategories(_ context.Context) ([]model.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Category
	for _, c := range m.categories {
		if c.IsActive {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) ListActiveKeywords(_ context.Context, categoryID string) ([]model.Keyword, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Keyword(nil), m.keywords[categoryID]...), nil
}

func (m *memStore) GetBusinessByPlaceID(_ context.Context, placeID string) (*model.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.businesses {
		if b.GooglePlaceID != nil && *b.GooglePlaceID == placeID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListBusinessesByPhone(_ context.Context, phone string) ([]model.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Business
	for _, b := range m.businesses {
		if b.Phone == phone {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memStore) ListBusinessesByNormalizedName(_ context.Context, name string) ([]model.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Business
	for _, b := range m.businesses {
		if b.NormalizedName == name {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memStore) GetBusinessByDomainCity(_ context.Context, domain, city string) (*model.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.businesses {
		if b.NormalizedDomain == domain && strings.EqualFold(b.City, city) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) CreateBusiness(_ context.Context, b *model.Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.businesses[b.ID] = &cp
	return nil
}

func (m *memStore) UpdateBusinessMatch(_ context.Context, b *model.Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.businesses[b.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := *b
	cp.FirstSeenAt = existing.FirstSeenAt
	m.businesses[b.ID] = &cp
	return nil
}

func (m *memStore) CreateScan(_ context.Context, sc *model.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sc
	cp.CreatedAt = time.Now()
	m.scans[sc.ID] = &cp
	return nil
}

func (m *memStore) CreateScanPoints(_ context.Context, points []model.ScanPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		cp := p
		m.points[p.ID] = &cp
	}
	return nil
}

func (m *memStore) GetScan(_ context.Context, id string) (*model.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc, ok := m.scans[id]; ok {
		cp := *sc
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListScansByStatus(_ context.Context, statuses ...model.ScanStatus) ([]model.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Scan
	for _, sc := range m.scans {
		for _, st := range statuses {
			if sc.Status == st {
				out = append(out, *sc)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListUnfinishedScans(_ context.Context, ids []string) ([]model.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Scan
	for _, id := range ids {
		if sc, ok := m.scans[id]; ok && !sc.Status.IsTerminal() {
			out = append(out, *sc)
		}
	}
	return out, nil
}

func (m *memStore) ListPendingPoints(_ context.Context, scanID string) ([]model.ScanPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScanPoint
	for _, p := range m.points {
		if p.ScanID == scanID && (p.Status == model.PointPending || p.Status == model.PointRunning) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) UpdateScanStatus(_ context.Context, id string, status model.ScanStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scans[id]
	if !ok || sc.Status.IsTerminal() {
		return nil
	}
	now := time.Now()
	sc.Status = status
	sc.ErrorMessage = errorMessage
	if status == model.ScanRunning && sc.StartedAt == nil {
		sc.StartedAt = &now
	}
	if status.IsTerminal() {
		sc.CompletedAt = &now
	}
	return nil
}

func (m *memStore) CompletePoint(_ context.Context, pointID, scanID string, status model.PointStatus) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scans[scanID]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	p, ok := m.points[pointID]
	if !ok || (p.Status != model.PointPending && p.Status != model.PointRunning) {
		// Duplicate delivery: the point is already terminal, the counter
		// stands.
		return sc.PointsCompleted, sc.PointsTotal, nil
	}
	p.Status = status
	sc.PointsCompleted++
	return sc.PointsCompleted, sc.PointsTotal, nil
}

func (m *memStore) FinalizeScans(_ context.Context, ids []string, status model.ScanStatus, errorMessage string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for _, id := range ids {
		sc, ok := m.scans[id]
		if !ok || sc.Status.IsTerminal() {
			continue
		}
		sc.Status = status
		sc.ErrorMessage = errorMessage
		sc.CompletedAt = &now
		n++
	}
	return n, nil
}

func (m *memStore) CreateRankings(_ context.Context, rankings []model.ScanRanking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rankings = append(m.rankings, rankings...)
	return nil
}

func (m *memStore) CreateReviewSnapshot(_ context.Context, snap *model.ReviewSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *snap)
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, id string) (*model.ScanSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sch, ok := m.schedules[id]; ok {
		cp := *sch
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListActiveSchedules(_ context.Context) ([]model.ScanSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScanSchedule
	for _, sch := range m.schedules {
		if sch.IsActive {
			out = append(out, *sch)
		}
	}
	return out, nil
}

func (m *memStore) UpdateScheduleRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sch, ok := m.schedules[id]; ok {
		lr := lastRun
		sch.LastRunAt = &lr
		sch.NextRunAt = nextRun
	}
	return nil
}

func (m *memStore) UpdateScheduleNextRun(_ context.Context, id string, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sch, ok := m.schedules[id]; ok {
		nr := nextRun
		sch.NextRunAt = &nr
	}
	return nil
}

func (m *memStore) CountScansByStatus(_ context.Context, since time.Time) (map[model.ScanStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.ScanStatus]int)
	for _, sc := range m.scans {
		if !sc.CreatedAt.Before(since) {
			out[sc.Status]++
		}
	}
	return out, nil
}

func (m *memStore) Close() {}

func (m *memStore) scanStatus(id string) model.ScanStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc, ok := m.scans[id]; ok {
		return sc.Status
	}
	return ""
}

func (m *memStore) rankingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rankings)
}

func (m *memStore) snapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}
