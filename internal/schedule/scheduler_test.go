package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rankgrid/internal/model"
	"github.com/sells-group/rankgrid/internal/scan"
	"github.com/sells-group/rankgrid/internal/store"
)

type fakeScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*model.ScanSchedule
}

func newFakeScheduleStore(schedules ...model.ScanSchedule) *fakeScheduleStore {
	f := &fakeScheduleStore{schedules: make(map[string]*model.ScanSchedule)}
	for i := range schedules {
		sch := schedules[i]
		f.schedules[sch.ID] = &sch
	}
	return f
}

func (f *fakeScheduleStore) ListActiveSchedules(_ context.Context) ([]model.ScanSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ScanSchedule
	for _, sch := range f.schedules {
		if sch.IsActive {
			out = append(out, *sch)
		}
	}
	return out, nil
}

func (f *fakeScheduleStore) GetSchedule(_ context.Context, id string) (*model.ScanSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sch, ok := f.schedules[id]; ok {
		cp := *sch
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeScheduleStore) UpdateScheduleRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sch, ok := f.schedules[id]; ok {
		lr := lastRun
		sch.LastRunAt = &lr
		sch.NextRunAt = nextRun
	}
	return nil
}

func (f *fakeScheduleStore) UpdateScheduleNextRun(_ context.Context, id string, nextRun time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sch, ok := f.schedules[id]; ok {
		nr := nextRun
		sch.NextRunAt = &nr
	}
	return nil
}

func (f *fakeScheduleStore) get(id string) model.ScanSchedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.schedules[id]
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []scan.FullScanRequest
	err      error
}

func (f *fakeRunner) CreateFullScan(_ context.Context, req scan.FullScanRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return []string{"scan1"}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func weeklySchedule(id string) model.ScanSchedule {
	return model.ScanSchedule{
		ID:             id,
		Name:           "weekly full scan",
		CronExpression: "0 3 * * 1",
		ServiceAreaIDs: []string{"area1"},
		CategoryIDs:    []string{"cat1"},
		EngineIDs:      []string{"google_search"},
		GridSize:       7,
		IsActive:       true,
	}
}

func TestStart_RegistersActiveSchedules(t *testing.T) {
	fs := newFakeScheduleStore(weeklySchedule("sched1"), weeklySchedule("sched2"))
	s := New(fs, &fakeRunner{})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 2, s.EntryCount())
	assert.NotNil(t, fs.get("sched1").NextRunAt)
}

func TestStart_SkipsInvalidCron(t *testing.T) {
	bad := weeklySchedule("bad")
	bad.CronExpression = "not a cron"
	fs := newFakeScheduleStore(weeklySchedule("good"), bad)
	s := New(fs, &fakeRunner{})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 1, s.EntryCount())
	assert.Nil(t, fs.get("bad").NextRunAt)
}

func TestFire_RunsFullScanAndAdvancesMarkers(t *testing.T) {
	fs := newFakeScheduleStore(weeklySchedule("sched1"))
	runner := &fakeRunner{}
	s := New(fs, runner)
	now := time.Date(2026, 3, 9, 3, 0, 0, 0, time.UTC) // a Monday
	s.nowFunc = func() time.Time { return now }

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.fire("sched1")

	require.Equal(t, 1, runner.calls())
	req := runner.requests[0]
	assert.Equal(t, []string{"area1"}, req.ServiceAreaIDs)
	assert.Equal(t, []string{"google_search"}, req.EngineIDs)
	assert.Equal(t, 7, req.GridSize)

	sch := fs.get("sched1")
	require.NotNil(t, sch.LastRunAt)
	assert.Equal(t, now, *sch.LastRunAt)
	require.NotNil(t, sch.NextRunAt)
	assert.True(t, sch.NextRunAt.After(now))
}

func TestFire_SkipsDeactivatedSchedule(t *testing.T) {
	fs := newFakeScheduleStore(weeklySchedule("sched1"))
	runner := &fakeRunner{}
	s := New(fs, runner)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	fs.mu.Lock()
	fs.schedules["sched1"].IsActive = false
	fs.mu.Unlock()

	s.fire("sched1")
	assert.Zero(t, runner.calls())
}

func TestFire_RunnerErrorLeavesMarkers(t *testing.T) {
	fs := newFakeScheduleStore(weeklySchedule("sched1"))
	runner := &fakeRunner{err: assert.AnError}
	s := New(fs, runner)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.fire("sched1")
	assert.Nil(t, fs.get("sched1").LastRunAt)
}

func TestReloadSchedule(t *testing.T) {
	fs := newFakeScheduleStore(weeklySchedule("sched1"))
	s := New(fs, &fakeRunner{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Equal(t, 1, s.EntryCount())

	// Deactivation drops the entry.
	fs.mu.Lock()
	fs.schedules["sched1"].IsActive = false
	fs.mu.Unlock()
	require.NoError(t, s.ReloadSchedule(context.Background(), "sched1"))
	assert.Zero(t, s.EntryCount())

	// Reactivation brings it back.
	fs.mu.Lock()
	fs.schedules["sched1"].IsActive = true
	fs.schedules["sched1"].CronExpression = "30 4 * * *"
	fs.mu.Unlock()
	require.NoError(t, s.ReloadSchedule(context.Background(), "sched1"))
	assert.Equal(t, 1, s.EntryCount())
}

func TestReloadSchedule_DeletedRowDropsEntry(t *testing.T) {
	fs := newFakeScheduleStore(weeklySchedule("sched1"))
	s := New(fs, &fakeRunner{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Equal(t, 1, s.EntryCount())

	fs.mu.Lock()
	delete(fs.schedules, "sched1")
	fs.mu.Unlock()

	require.NoError(t, s.ReloadSchedule(context.Background(), "sched1"))
	assert.Zero(t, s.EntryCount())
}

func TestReloadAll_PicksUpNewSchedules(t *testing.T) {
	fs := newFakeScheduleStore(weeklySchedule("sched1"))
	s := New(fs, &fakeRunner{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	fs.mu.Lock()
	sch := weeklySchedule("sched2")
	fs.schedules["sched2"] = &sch
	fs.mu.Unlock()

	require.NoError(t, s.ReloadAll(context.Background()))
	assert.Equal(t, 2, s.EntryCount())
}
