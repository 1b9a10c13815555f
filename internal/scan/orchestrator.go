package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rankgrid/internal/engine"
	"github.com/sells-group/rankgrid/internal/grid"
	"github.com/sells-group/rankgrid/internal/match"
	"github.com/sells-group/rankgrid/internal/metrics"
	"github.com/sells-group/rankgrid/internal/model"
	"github.com/sells-group/rankgrid/internal/resilience"
	"github.com/sells-group/rankgrid/internal/store"
)

const (
	defaultGridSize = 7

	scanMonitorInterval = 5 * time.Second
	scanMonitorTimeout  = 30 * time.Minute

	batchMonitorInterval = 15 * time.Second
	batchMonitorTimeout  = 6 * time.Hour

	fullScanConcurrency = 4
)

// Orchestrator creates scan records, expands them into per-point tasks,
// submits tasks to the queue, and finalizes scan status.
type Orchestrator struct {
	store    store.Store
	registry *engine.Registry
	matcher  *match.Matcher
	queue    *Queue
	log      *zap.Logger

	nowFunc         func() time.Time
	monitorInterval time.Duration
	monitorTimeout  time.Duration
	batchInterval   time.Duration
	batchTimeout    time.Duration
	retryCfg        resilience.RetryConfig
}

// OrchestratorOption adjusts monitoring cadence, mainly for tests.
type OrchestratorOption func(*Orchestrator)

// WithMonitorCadence overrides single-scan monitor timing.
func WithMonitorCadence(interval, timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.monitorInterval = interval
		o.monitorTimeout = timeout
	}
}

// WithBatchCadence overrides full-scan batch monitor timing.
func WithBatchCadence(interval, timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.batchInterval = interval
		o.batchTimeout = timeout
	}
}

// WithStoreRetry overrides the retry settings applied to store writes on the
// task path.
func WithStoreRetry(cfg resilience.RetryConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.retryCfg = cfg }
}

// NewOrchestrator wires the orchestrator. The caller attaches HandleTask as
// the queue handler.
func NewOrchestrator(st store.Store, reg *engine.Registry, m *match.Matcher, q *Queue, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:           st,
		registry:        reg,
		matcher:         m,
		queue:           q,
		log:             zap.L().With(zap.String("component", "orchestrator")),
		nowFunc:         time.Now,
		monitorInterval: scanMonitorInterval,
		monitorTimeout:  scanMonitorTimeout,
		batchInterval:   batchMonitorInterval,
		batchTimeout:    batchMonitorTimeout,
		retryCfg:        resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetQueue attaches the queue after construction, breaking the
// queue-handler/orchestrator construction cycle.
func (o *Orchestrator) SetQueue(q *Queue) { o.queue = q }

// CreateScanRequest describes one (area, category, keyword, engine) scan.
type CreateScanRequest struct {
	ServiceAreaID string  `json:"service_area_id"`
	CategoryID    string  `json:"category_id"`
	Keyword       string  `json:"keyword"`
	EngineID      string  `json:"engine_id"`
	GridSize      int     `json:"grid_size"`
	RadiusMiles   float64 `json:"radius_miles,omitempty"` // 0 -> area radius
	Priority      int     `json:"priority"`

	// monitor controls whether a per-scan watchdog runs; full scans use the
	// batch monitor instead.
	monitor bool
}

// CreateScan validates the request, persists the scan and its grid, enqueues
// one task per point, and moves the scan to running.
func (o *Orchestrator) CreateScan(ctx context.Context, req CreateScanRequest) (*model.Scan, error) {
	req.monitor = true
	return o.createScan(ctx, req)
}

func (o *Orchestrator) createScan(ctx context.Context, req CreateScanRequest) (*model.Scan, error) {
	if req.Keyword == "" {
		return nil, eris.New("orchestrator: keyword is required")
	}
	if req.GridSize == 0 {
		req.GridSize = defaultGridSize
	}
	if !grid.IsValidSize(req.GridSize) {
		return nil, eris.Errorf("orchestrator: invalid grid size %d", req.GridSize)
	}
	if !o.registry.Has(req.EngineID) {
		return nil, eris.Errorf("orchestrator: unknown engine %q", req.EngineID)
	}

	area, err := o.store.GetServiceArea(ctx, req.ServiceAreaID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load service area")
	}
	if _, err := o.store.GetCategory(ctx, req.CategoryID); err != nil {
		return nil, eris.Wrap(err, "orchestrator: load category")
	}

	radius := req.RadiusMiles
	if radius == 0 {
		radius = area.RadiusMiles
	}

	points, err := grid.Generate(area.CenterLat, area.CenterLng, radius, req.GridSize)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: generate grid")
	}

	sc := &model.Scan{
		ID:            uuid.NewString(),
		ServiceAreaID: area.ID,
		CategoryID:    req.CategoryID,
		Keyword:       req.Keyword,
		EngineID:      req.EngineID,
		GridSize:      req.GridSize,
		RadiusMiles:   radius,
		Status:        model.ScanPending,
		PointsTotal:   len(points),
	}
	if err := o.store.CreateScan(ctx, sc); err != nil {
		return nil, err
	}

	scanPoints := make([]model.ScanPoint, 0, len(points))
	for _, p := range points {
		scanPoints = append(scanPoints, model.ScanPoint{
			ID:      uuid.NewString(),
			ScanID:  sc.ID,
			GridRow: p.Row,
			GridCol: p.Col,
			Lat:     p.Lat,
			Lng:     p.Lng,
			Status:  model.PointPending,
		})
	}
	if err := o.store.CreateScanPoints(ctx, scanPoints); err != nil {
		return nil, err
	}

	if err := o.store.UpdateScanStatus(ctx, sc.ID, model.ScanQueued, ""); err != nil {
		return nil, err
	}
	sc.Status = model.ScanQueued

	tasks := make([]Task, 0, len(scanPoints))
	for _, p := range scanPoints {
		tasks = append(tasks, Task{
			ScanID:     sc.ID,
			PointID:    p.ID,
			EngineID:   req.EngineID,
			CategoryID: req.CategoryID,
			Query:      req.Keyword,
			Point:      engine.Point{Lat: p.Lat, Lng: p.Lng},
			City:       area.Name,
			State:      area.State,
			Priority:   req.Priority,
		})
	}
	o.queue.EnqueueBatch(tasks)

	if err := o.store.UpdateScanStatus(ctx, sc.ID, model.ScanRunning, ""); err != nil {
		return nil, err
	}
	sc.Status = model.ScanRunning

	o.log.Info("scan created",
		zap.String("scan_id", sc.ID),
		zap.String("engine_id", sc.EngineID),
		zap.String("keyword", sc.Keyword),
		zap.Int("points", sc.PointsTotal))

	if req.monitor {
		go o.monitorScan(sc.ID)
	}
	return sc, nil
}

// FullScanRequest expands into scans for every combination of area, category
// keyword, and engine. Empty slices mean "all active".
type FullScanRequest struct {
	ServiceAreaIDs []string `json:"service_area_ids"`
	CategoryIDs    []string `json:"category_ids"`
	EngineIDs      []string `json:"engine_ids"`
	GridSize       int      `json:"grid_size"`
}

// CreateFullScan expands the request and creates every scan. A batch monitor
// finalizes stragglers; individual scans skip their own watchdog.
func (o *Orchestrator) CreateFullScan(ctx context.Context, req FullScanRequest) ([]string, error) {
	areaIDs := req.ServiceAreaIDs
	if len(areaIDs) == 0 {
		areas, err := o.store.ListActiveServiceAreas(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range areas {
			areaIDs = append(areaIDs, a.ID)
		}
	}

	categoryIDs := req.CategoryIDs
	if len(categoryIDs) == 0 {
		cats, err := o.store.ListActiveCategories(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range cats {
			categoryIDs = append(categoryIDs, c.ID)
		}
	}

	engineIDs := req.EngineIDs
	if len(engineIDs) == 0 {
		engineIDs = o.registry.IDs()
	}

	gridSize := req.GridSize
	if gridSize == 0 {
		gridSize = defaultGridSize
	}

	// Keyword expansion per category; a category with no active keywords
	// scans under its own name.
	type combo struct {
		areaID, categoryID, keyword, engineID string
		priority                              int
	}
	var combos []combo
	for _, catID := range categoryIDs {
		keywords, err := o.store.ListActiveKeywords(ctx, catID)
		if err != nil {
			return nil, err
		}
		if len(keywords) == 0 {
			cat, err := o.store.GetCategory(ctx, catID)
			if err != nil {
				return nil, eris.Wrap(err, "orchestrator: load category for keyword fallback")
			}
			keywords = []model.Keyword{{CategoryID: catID, Text: cat.Name}}
		}
		for _, areaID := range areaIDs {
			for _, kw := range keywords {
				for _, engineID := range engineIDs {
					combos = append(combos, combo{
						areaID: areaID, categoryID: catID,
						keyword: kw.Text, engineID: engineID,
						priority: kw.Priority,
					})
				}
			}
		}
	}

	var (
		g, gctx = errgroup.WithContext(ctx)
		results = make([]string, len(combos))
	)
	g.SetLimit(fullScanConcurrency)
	for i, c := range combos {
		g.Go(func() error {
			sc, err := o.createScan(gctx, CreateScanRequest{
				ServiceAreaID: c.areaID,
				CategoryID:    c.categoryID,
				Keyword:       c.keyword,
				EngineID:      c.engineID,
				GridSize:      gridSize,
				Priority:      c.priority,
			})
			if err != nil {
				return err
			}
			results[i] = sc.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Combos that made it through are already queued; they still get a
		// batch monitor so nothing runs unwatched.
		created := make([]string, 0, len(results))
		for _, id := range results {
			if id != "" {
				created = append(created, id)
			}
		}
		if len(created) > 0 {
			o.log.Warn("full scan expansion failed part way",
				zap.Int("scans_created", len(created)), zap.Error(err))
			go o.monitorBatch(created)
		}
		return nil, eris.Wrap(err, "orchestrator: full scan expansion")
	}

	o.log.Info("full scan created", zap.Int("scans", len(results)))
	go o.monitorBatch(results)
	return results, nil
}

// CancelScan removes queued work and moves the scan to cancelled. In-flight
// points finish but cannot resurrect the scan.
func (o *Orchestrator) CancelScan(ctx context.Context, scanID string) error {
	removed := o.queue.RemoveScan(scanID)
	n, err := o.store.FinalizeScans(ctx, []string{scanID}, model.ScanCancelled, "cancelled by operator")
	if err != nil {
		return err
	}
	if n == 0 {
		return eris.Errorf("orchestrator: scan %s is not cancellable", scanID)
	}
	o.log.Info("scan cancelled", zap.String("scan_id", scanID), zap.Int("tasks_removed", removed))
	return nil
}

// HandleTask is the queue handler: search, resolve businesses, persist
// rankings and review snapshots, then complete the point. A failed search
// still completes the point (as failed) so the scan counter always reaches
// the total.
func (o *Orchestrator) HandleTask(ctx context.Context, task Task) error {
	eng, err := o.registry.Get(task.EngineID)
	if err != nil || eng.Status() == engine.StatusDisabled {
		return o.completePoint(ctx, task, model.PointFailed)
	}

	res, err := eng.Search(ctx, task.Query, task.Point, task.City, task.State)
	if err != nil {
		o.log.Warn("search failed",
			zap.String("engine_id", task.EngineID),
			zap.String("scan_id", task.ScanID),
			zap.Error(err))
		return o.completePoint(ctx, task, model.PointFailed)
	}

	if err := o.persistResults(ctx, task, res); err != nil {
		o.log.Error("persist results failed",
			zap.String("scan_id", task.ScanID),
			zap.String("point_id", task.PointID),
			zap.Error(err))
		return o.completePoint(ctx, task, model.PointFailed)
	}

	return o.completePoint(ctx, task, model.PointCompleted)
}

func (o *Orchestrator) persistResults(ctx context.Context, task Task, res *engine.SearchResult) error {
	var categoryID *string
	if task.CategoryID != "" {
		categoryID = &task.CategoryID
	}

	rankings := make([]model.ScanRanking, 0, len(res.Businesses))
	for _, parsed := range res.Businesses {
		matched, err := o.matcher.Resolve(ctx, parsed, task.EngineID, categoryID)
		if err != nil {
			return eris.Wrap(err, "orchestrator: resolve business")
		}

		rankings = append(rankings, model.ScanRanking{
			ID:           uuid.NewString(),
			ScanPointID:  task.PointID,
			BusinessID:   matched.BusinessID,
			RankPosition: parsed.RankPosition,
			ResultType:   parsed.ResultType,
			Snippet:      parsed.Snippet,
		})

		// Review history needs both halves of the observation.
		if parsed.Rating != nil && parsed.ReviewCount != nil {
			snap := &model.ReviewSnapshot{
				ID:          uuid.NewString(),
				BusinessID:  matched.BusinessID,
				Source:      model.ReviewSourceForEngine(task.EngineID),
				Rating:      *parsed.Rating,
				ReviewCount: *parsed.ReviewCount,
			}
			if err := o.retryWrite(ctx, "create_review_snapshot", func(ctx context.Context) error {
				return o.store.CreateReviewSnapshot(ctx, snap)
			}); err != nil {
				return eris.Wrap(err, "orchestrator: review snapshot")
			}
		}
	}

	if len(rankings) > 0 {
		if err := o.retryWrite(ctx, "create_rankings", func(ctx context.Context) error {
			return o.store.CreateRankings(ctx, rankings)
		}); err != nil {
			return eris.Wrap(err, "orchestrator: create rankings")
		}
	}
	return nil
}

// retryWrite runs a store write with backoff on transient errors. A lost
// write here would strand the scan counter, so the task path absorbs brief
// database blips instead of failing the point.
func (o *Orchestrator) retryWrite(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := o.retryCfg
	cfg.OnRetry = resilience.LogRetries("orchestrator", op)
	return resilience.Do(ctx, cfg, fn)
}

// completePoint marks the point terminal and finalizes the scan when the
// counter reaches the total.
func (o *Orchestrator) completePoint(ctx context.Context, task Task, status model.PointStatus) error {
	cfg := o.retryCfg
	cfg.OnRetry = resilience.LogRetries("orchestrator", "complete_point")
	counts, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([2]int, error) {
		completed, total, err := o.store.CompletePoint(ctx, task.PointID, task.ScanID, status)
		return [2]int{completed, total}, err
	})
	completed, total := counts[0], counts[1]
	if err != nil {
		return eris.Wrap(err, "orchestrator: complete point")
	}
	metrics.PointsProcessed.WithLabelValues(string(status)).Inc()
	if completed >= total {
		if err := o.store.UpdateScanStatus(ctx, task.ScanID, model.ScanCompleted, ""); err != nil {
			return eris.Wrap(err, "orchestrator: finalize scan")
		}
		metrics.ScansFinalized.WithLabelValues(string(model.ScanCompleted)).Inc()
		o.log.Info("scan completed", zap.String("scan_id", task.ScanID), zap.Int("points", total))
	}
	return nil
}

// monitorScan is the per-scan watchdog: it finalizes a scan whose counter
// filled without the inline finalize landing, fails a scan whose engine queue
// drained while the counter is still short, and fails a scan that outlives
// the timeout.
func (o *Orchestrator) monitorScan(scanID string) {
	ctx := context.Background()
	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.monitorTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			sc, err := o.store.GetScan(ctx, scanID)
			if err != nil {
				o.log.Warn("monitor fetch failed", zap.String("scan_id", scanID), zap.Error(err))
				continue
			}
			if sc.Status.IsTerminal() {
				return
			}
			if sc.PointsCompleted >= sc.PointsTotal {
				if err := o.store.UpdateScanStatus(ctx, scanID, model.ScanCompleted, ""); err != nil {
					o.log.Warn("monitor finalize failed", zap.String("scan_id", scanID), zap.Error(err))
				}
				return
			}
			if o.queueDrained(sc.EngineID) {
				if o.finalizeDrained(ctx, sc) {
					return
				}
			}
		case <-deadline.C:
			o.queue.RemoveScan(scanID)
			if _, err := o.store.FinalizeScans(ctx, []string{scanID}, model.ScanFailed, "scan timed out"); err != nil {
				o.log.Error("monitor timeout finalize failed", zap.String("scan_id", scanID), zap.Error(err))
			}
			o.log.Warn("scan timed out", zap.String("scan_id", scanID))
			return
		}
	}
}

// queueDrained reports whether the engine has nothing queued, no active
// worker, and no pause-retry pending. In that state the scan's counter can
// no longer advance.
func (o *Orchestrator) queueDrained(engineID string) bool {
	return o.queue.QueueDepth(engineID) == 0 &&
		!o.queue.WorkerRunning(engineID) &&
		!o.queue.HasRetryTimer(engineID)
}

// finalizeDrained re-reads a scan whose queue drained and moves it to its
// terminal state. The re-read closes the race with a counter update that
// landed after the monitor's snapshot. Returns true when the scan is
// terminal afterwards.
func (o *Orchestrator) finalizeDrained(ctx context.Context, stale *model.Scan) bool {
	sc, err := o.store.GetScan(ctx, stale.ID)
	if err != nil {
		o.log.Warn("monitor fetch failed", zap.String("scan_id", stale.ID), zap.Error(err))
		return false
	}
	if sc.Status.IsTerminal() {
		return true
	}
	if sc.PointsCompleted >= sc.PointsTotal {
		if err := o.store.UpdateScanStatus(ctx, sc.ID, model.ScanCompleted, ""); err != nil {
			o.log.Warn("monitor finalize failed", zap.String("scan_id", sc.ID), zap.Error(err))
			return false
		}
		metrics.ScansFinalized.WithLabelValues(string(model.ScanCompleted)).Inc()
		return true
	}

	msg := fmt.Sprintf("only %d/%d points completed", sc.PointsCompleted, sc.PointsTotal)
	if _, err := o.store.FinalizeScans(ctx, []string{sc.ID}, model.ScanFailed, msg); err != nil {
		o.log.Error("drained finalize failed", zap.String("scan_id", sc.ID), zap.Error(err))
		return false
	}
	metrics.ScansFinalized.WithLabelValues(string(model.ScanFailed)).Inc()
	o.log.Warn("scan failed with drained queue",
		zap.String("scan_id", sc.ID),
		zap.Int("points_completed", sc.PointsCompleted),
		zap.Int("points_total", sc.PointsTotal))
	return true
}

// monitorBatch watches a full-scan batch with one store query per tick,
// finalizing filled scans in bulk, failing scans whose engine queue drained
// short, and failing whatever is still non-terminal at the deadline.
func (o *Orchestrator) monitorBatch(scanIDs []string) {
	ctx := context.Background()
	ticker := time.NewTicker(o.batchInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.batchTimeout)
	defer deadline.Stop()

	remaining := make(map[string]bool, len(scanIDs))
	for _, id := range scanIDs {
		remaining[id] = true
	}

	for {
		select {
		case <-ticker.C:
			ids := make([]string, 0, len(remaining))
			for id := range remaining {
				ids = append(ids, id)
			}
			scans, err := o.store.ListUnfinishedScans(ctx, ids)
			if err != nil {
				o.log.Warn("batch monitor fetch failed", zap.Error(err))
				continue
			}

			// Anything the query did not return reached a terminal state.
			unfinished := make(map[string]bool, len(scans))
			for _, sc := range scans {
				unfinished[sc.ID] = true
			}
			for id := range remaining {
				if !unfinished[id] {
					delete(remaining, id)
				}
			}

			var filled []string
			for _, sc := range scans {
				switch {
				case sc.PointsCompleted >= sc.PointsTotal:
					filled = append(filled, sc.ID)
				case o.queueDrained(sc.EngineID):
					if o.finalizeDrained(ctx, &sc) {
						delete(remaining, sc.ID)
					}
				}
			}
			if len(filled) > 0 {
				if _, err := o.store.FinalizeScans(ctx, filled, model.ScanCompleted, ""); err != nil {
					o.log.Warn("batch finalize failed", zap.Error(err))
				} else {
					for _, id := range filled {
						delete(remaining, id)
					}
				}
			}

			if len(remaining) == 0 {
				o.log.Info("full scan batch finished", zap.Int("scans", len(scanIDs)))
				return
			}
		case <-deadline.C:
			ids := make([]string, 0, len(remaining))
			for id := range remaining {
				ids = append(ids, id)
			}
			n, err := o.store.FinalizeScans(ctx, ids, model.ScanFailed, "full scan batch timed out")
			if err != nil {
				o.log.Error("batch timeout finalize failed", zap.Error(err))
			}
			o.log.Warn("full scan batch timed out", zap.Int64("failed", n))
			return
		}
	}
}

// RecoverOrphanedScans re-enqueues pending points of scans left queued or
// running by a previous process. Scans whose points all finished are
// finalized instead.
func (o *Orchestrator) RecoverOrphanedScans(ctx context.Context) (int, error) {
	orphans, err := o.store.ListScansByStatus(ctx, model.ScanQueued, model.ScanRunning)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list orphans")
	}

	recovered := 0
	var requeued []string
	for _, sc := range orphans {
		points, err := o.store.ListPendingPoints(ctx, sc.ID)
		if err != nil {
			return recovered, eris.Wrap(err, "orchestrator: list pending points")
		}

		if len(points) == 0 {
			if err := o.store.UpdateScanStatus(ctx, sc.ID, model.ScanCompleted, ""); err != nil {
				return recovered, err
			}
			recovered++
			continue
		}

		area, err := o.store.GetServiceArea(ctx, sc.ServiceAreaID)
		if err != nil {
			return recovered, eris.Wrap(err, "orchestrator: load area for recovery")
		}

		tasks := make([]Task, 0, len(points))
		for _, p := range points {
			tasks = append(tasks, Task{
				ScanID:     sc.ID,
				PointID:    p.ID,
				EngineID:   sc.EngineID,
				CategoryID: sc.CategoryID,
				Query:      sc.Keyword,
				Point:      engine.Point{Lat: p.Lat, Lng: p.Lng},
				City:       area.Name,
				State:      area.State,
			})
		}
		o.queue.EnqueueBatch(tasks)
		if sc.Status != model.ScanRunning {
			if err := o.store.UpdateScanStatus(ctx, sc.ID, model.ScanRunning, ""); err != nil {
				return recovered, err
			}
		}
		requeued = append(requeued, sc.ID)

		o.log.Info("recovered orphaned scan",
			zap.String("scan_id", sc.ID),
			zap.Int("pending_points", len(points)))
		recovered++
	}

	// One shared monitor over the whole recovered set keeps startup to a
	// single polling loop.
	if len(requeued) > 0 {
		go o.monitorBatch(requeued)
	}
	return recovered, nil
}
