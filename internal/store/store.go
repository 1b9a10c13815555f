// Package store persists service areas, businesses, scans, and schedules.
// The primary implementation targets Postgres via pgx; a SQLite
// implementation backs single-host deployments.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rankgrid/internal/model"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = eris.New("store: not found")

// Store is the persistence contract shared by the Postgres and SQLite
// backends.
type Store interface {
	// Service areas.
	GetServiceArea(ctx context.Context, id string) (*model.ServiceArea, error)
	ListActiveServiceAreas(ctx context.Context) ([]model.ServiceArea, error)

	// Categories and keywords.
	GetCategory(ctx context.Context, id string) (*model.Category, error)
	ListActiveCategories(ctx context.Context) ([]model.Category, error)
	ListActiveKeywords(ctx context.Context, categoryID string) ([]model.Keyword, error)

	// Business lookups used by the match cascade.
	GetBusinessByPlaceID(ctx context.Context, placeID string) (*model.Business, error)
	ListBusinessesByPhone(ctx context.Context, phone string) ([]model.Business, error)
	ListBusinessesByNormalizedName(ctx context.Context, name string) ([]model.Business, error)
	GetBusinessByDomainCity(ctx context.Context, domain, city string) (*model.Business, error)
	CreateBusiness(ctx context.Context, b *model.Business) error
	UpdateBusinessMatch(ctx context.Context, b *model.Business) error

	// Scans.
	CreateScan(ctx context.Context, s *model.Scan) error
	CreateScanPoints(ctx context.Context, points []model.ScanPoint) error
	GetScan(ctx context.Context, id string) (*model.Scan, error)
	ListScansByStatus(ctx context.Context, statuses ...model.ScanStatus) ([]model.Scan, error)

	// ListUnfinishedScans returns the subset of ids still in a non-terminal
	// state, in one query. Batch monitors poll through it.
	ListUnfinishedScans(ctx context.Context, ids []string) ([]model.Scan, error)

	ListPendingPoints(ctx context.Context, scanID string) ([]model.ScanPoint, error)
	UpdateScanStatus(ctx context.Context, id string, status model.ScanStatus, errorMessage string) error

	// CompletePoint marks one point terminal and atomically bumps the
	// parent scan's completion counter, returning (completed, total).
	CompletePoint(ctx context.Context, pointID, scanID string, status model.PointStatus) (int, int, error)

	// FinalizeScans moves every listed scan to a terminal status, but only
	// rows still in a non-terminal state. Returns the number updated.
	FinalizeScans(ctx context.Context, ids []string, status model.ScanStatus, errorMessage string) (int64, error)

	// Rankings and review history.
	CreateRankings(ctx context.Context, rankings []model.ScanRanking) error
	CreateReviewSnapshot(ctx context.Context, snap *model.ReviewSnapshot) error

	// Schedules.
	GetSchedule(ctx context.Context, id string) (*model.ScanSchedule, error)
	ListActiveSchedules(ctx context.Context) ([]model.ScanSchedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
	UpdateScheduleNextRun(ctx context.Context, id string, nextRun time.Time) error

	// Monitoring.
	CountScansByStatus(ctx context.Context, since time.Time) (map[model.ScanStatus]int, error)

	Close()
}
