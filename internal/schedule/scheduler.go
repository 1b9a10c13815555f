// Package schedule triggers recurring full scans from cron expressions
// stored alongside the scan data.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rankgrid/internal/model"
	"github.com/sells-group/rankgrid/internal/scan"
	"github.com/sells-group/rankgrid/internal/store"
)

// Store is the slice of the store the scheduler needs.
type Store interface {
	ListActiveSchedules(ctx context.Context) ([]model.ScanSchedule, error)
	GetSchedule(ctx context.Context, id string) (*model.ScanSchedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
	UpdateScheduleNextRun(ctx context.Context, id string, nextRun time.Time) error
}

// FullScanRunner starts a full scan; satisfied by the orchestrator.
type FullScanRunner interface {
	CreateFullScan(ctx context.Context, req scan.FullScanRequest) ([]string, error)
}

// Scheduler owns one cron runner and keeps its entries in sync with the
// scan_schedules table.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	specs   map[string]cron.Schedule

	store   Store
	runner  FullScanRunner
	log     *zap.Logger
	nowFunc func() time.Time
}

// New builds a scheduler using standard 5-field cron expressions.
func New(st Store, runner FullScanRunner) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]cron.Schedule),
		store:   st,
		runner:  runner,
		log:     zap.L().With(zap.String("component", "scheduler")),
		nowFunc: time.Now,
	}
}

// Start loads every active schedule, registers its cron entry, and starts
// the runner. Schedules with invalid expressions are logged and skipped so
// one bad row cannot take down the rest.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return eris.Wrap(err, "scheduler: load schedules")
	}

	registered := 0
	for _, sch := range schedules {
		if err := s.register(ctx, sch); err != nil {
			s.log.Error("skipping schedule with invalid cron expression",
				zap.String("schedule_id", sch.ID),
				zap.String("cron", sch.CronExpression),
				zap.Error(err))
			continue
		}
		registered++
	}

	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("schedules", registered))
	return nil
}

// Stop halts the cron runner and waits for any in-flight firing to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// EntryCount reports how many schedules are registered.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) register(ctx context.Context, sch model.ScanSchedule) error {
	spec, err := cron.ParseStandard(sch.CronExpression)
	if err != nil {
		return eris.Wrapf(err, "scheduler: parse %q", sch.CronExpression)
	}

	scheduleID := sch.ID
	entryID := s.cron.Schedule(spec, cron.FuncJob(func() { s.fire(scheduleID) }))

	s.mu.Lock()
	s.entries[scheduleID] = entryID
	s.specs[scheduleID] = spec
	s.mu.Unlock()

	next := spec.Next(s.nowFunc())
	if err := s.store.UpdateScheduleNextRun(ctx, scheduleID, next); err != nil {
		s.log.Warn("next run update failed", zap.String("schedule_id", scheduleID), zap.Error(err))
	}

	s.log.Info("schedule registered",
		zap.String("schedule_id", scheduleID),
		zap.String("name", sch.Name),
		zap.String("cron", sch.CronExpression),
		zap.Time("next_run", next))
	return nil
}

// fire runs one schedule: re-read the row (it may have been deactivated
// since registration), start the full scan, and advance the run markers.
func (s *Scheduler) fire(scheduleID string) {
	ctx := context.Background()

	sch, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.log.Error("schedule fetch failed", zap.String("schedule_id", scheduleID), zap.Error(err))
		return
	}
	if !sch.IsActive {
		s.log.Info("skipping deactivated schedule", zap.String("schedule_id", scheduleID))
		return
	}

	scanIDs, err := s.runner.CreateFullScan(ctx, scan.FullScanRequest{
		ServiceAreaIDs: sch.ServiceAreaIDs,
		CategoryIDs:    sch.CategoryIDs,
		EngineIDs:      sch.EngineIDs,
		GridSize:       sch.GridSize,
	})
	if err != nil {
		s.log.Error("scheduled full scan failed",
			zap.String("schedule_id", scheduleID),
			zap.String("name", sch.Name),
			zap.Error(err))
		return
	}

	now := s.nowFunc()
	var next *time.Time
	s.mu.Lock()
	if spec, ok := s.specs[scheduleID]; ok {
		n := spec.Next(now)
		next = &n
	}
	s.mu.Unlock()

	if err := s.store.UpdateScheduleRun(ctx, scheduleID, now, next); err != nil {
		s.log.Warn("run marker update failed", zap.String("schedule_id", scheduleID), zap.Error(err))
	}

	s.log.Info("schedule fired",
		zap.String("schedule_id", scheduleID),
		zap.String("name", sch.Name),
		zap.Int("scans", len(scanIDs)))
}

// ReloadSchedule drops and re-registers one schedule, picking up cron or
// target changes. A deactivated or deleted schedule is simply dropped.
func (s *Scheduler) ReloadSchedule(ctx context.Context, scheduleID string) error {
	s.remove(scheduleID)

	sch, err := s.store.GetSchedule(ctx, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("schedule deleted", zap.String("schedule_id", scheduleID))
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "scheduler: reload fetch")
	}
	if !sch.IsActive {
		s.log.Info("schedule deactivated", zap.String("schedule_id", scheduleID))
		return nil
	}
	return s.register(ctx, *sch)
}

// ReloadAll rebuilds every entry from the store.
func (s *Scheduler) ReloadAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.remove(id)
	}

	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return eris.Wrap(err, "scheduler: reload all")
	}
	for _, sch := range schedules {
		if err := s.register(ctx, sch); err != nil {
			s.log.Error("skipping schedule with invalid cron expression",
				zap.String("schedule_id", sch.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) remove(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
		delete(s.specs, scheduleID)
	}
}
