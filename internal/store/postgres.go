package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rankgrid/internal/db"
	"github.com/sells-group/rankgrid/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the primary Store implementation, backed by a pgx pool.
type PostgresStore struct {
	pool db.Pool
	log  *zap.Logger
}

// NewPostgres wraps an existing pool. Callers own pool lifecycle until Close.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		log:  zap.L().With(zap.String("component", "store")),
	}
}

// Migrate applies the embedded schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return eris.Wrap(err, "store: apply schema")
	}
	s.log.Info("schema applied")
	return nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return eris.Wrap(err, op)
}

// ---- service areas ----

const serviceAreaCols = `id, name, state, center_lat, center_lng, radius_miles, is_active, created_at`

func scanServiceArea(row pgx.Row) (*model.ServiceArea, error) {
	var a model.ServiceArea
	err := row.Scan(&a.ID, &a.Name, &a.State, &a.CenterLat, &a.CenterLng, &a.RadiusMiles, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetServiceArea(ctx context.Context, id string) (*model.ServiceArea, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+serviceAreaCols+` FROM service_areas WHERE id = $1`, id)
	a, err := scanServiceArea(row)
	if err != nil {
		return nil, notFound(err, "store: get service area")
	}
	return a, nil
}

func (s *PostgresStore) ListActiveServiceAreas(ctx context.Context) ([]model.ServiceArea, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+serviceAreaCols+` FROM service_areas WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list service areas")
	}
	defer rows.Close()

	var out []model.ServiceArea
	for rows.Next() {
		a, err := scanServiceArea(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan service area")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "store: list service areas")
}

// ---- categories and keywords ----

func (s *PostgresStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	var c model.Category
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, slug, parent_id, is_active FROM categories WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Slug, &c.ParentID, &c.IsActive)
	if err != nil {
		return nil, notFound(err, "store: get category")
	}
	return &c, nil
}

func (s *PostgresStore) ListActiveCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, slug, parent_id, is_active FROM categories WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list categories")
	}
	defer rows.Close()

	var out []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.ParentID, &c.IsActive); err != nil {
			return nil, eris.Wrap(err, "store: scan category")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "store: list categories")
}

func (s *PostgresStore) ListActiveKeywords(ctx context.Context, categoryID string) ([]model.Keyword, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, category_id, text, priority, is_active
		 FROM keywords WHERE category_id = $1 AND is_active
		 ORDER BY priority DESC, text`, categoryID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list keywords")
	}
	defer rows.Close()

	var out []model.Keyword
	for rows.Next() {
		var k model.Keyword
		if err := rows.Scan(&k.ID, &k.CategoryID, &k.Text, &k.Priority, &k.IsActive); err != nil {
			return nil, eris.Wrap(err, "store: scan keyword")
		}
		out = append(out, k)
	}
	return out, eris.Wrap(rows.Err(), "store: list keywords")
}

// ---- businesses ----

const businessCols = `id, name, normalized_name, address, city, state, zip, phone, website,
	normalized_domain, lat, lng, category_id, google_place_id, bing_listing_id,
	google_rating, google_review_count, bing_rating, bing_review_count,
	visibility_score, is_claimed, is_client, first_seen_at, last_seen_at, created_at, updated_at`

func scanBusiness(row pgx.Row) (*model.Business, error) {
	var b model.Business
	err := row.Scan(
		&b.ID, &b.Name, &b.NormalizedName, &b.Address, &b.City, &b.State, &b.Zip,
		&b.Phone, &b.Website, &b.NormalizedDomain, &b.Lat, &b.Lng, &b.CategoryID,
		&b.GooglePlaceID, &b.BingListingID,
		&b.GoogleRating, &b.GoogleReviewCount, &b.BingRating, &b.BingReviewCount,
		&b.VisibilityScore, &b.IsClaimed, &b.IsClient,
		&b.FirstSeenAt, &b.LastSeenAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) queryBusinesses(ctx context.Context, op, query string, args ...any) ([]model.Business, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rows.Close()

	var out []model.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, eris.Wrap(err, op)
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), op)
}

func (s *PostgresStore) GetBusinessByPlaceID(ctx context.Context, placeID string) (*model.Business, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+businessCols+` FROM businesses WHERE google_place_id = $1`, placeID)
	b, err := scanBusiness(row)
	if err != nil {
		return nil, notFound(err, "store: get business by place id")
	}
	return b, nil
}

func (s *PostgresStore) ListBusinessesByPhone(ctx context.Context, phone string) ([]model.Business, error) {
	return s.queryBusinesses(ctx, "store: list businesses by phone",
		`SELECT `+businessCols+` FROM businesses WHERE phone = $1 ORDER BY first_seen_at`, phone)
}

func (s *PostgresStore) ListBusinessesByNormalizedName(ctx context.Context, name string) ([]model.Business, error) {
	return s.queryBusinesses(ctx, "store: list businesses by name",
		`SELECT `+businessCols+` FROM businesses WHERE normalized_name = $1 ORDER BY first_seen_at`, name)
}

func (s *PostgresStore) GetBusinessByDomainCity(ctx context.Context, domain, city string) (*model.Business, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+businessCols+` FROM businesses
		 WHERE normalized_domain = $1 AND LOWER(city) = LOWER($2)
		 ORDER BY first_seen_at LIMIT 1`, domain, city)
	b, err := scanBusiness(row)
	if err != nil {
		return nil, notFound(err, "store: get business by domain and city")
	}
	return b, nil
}

func (s *PostgresStore) CreateBusiness(ctx context.Context, b *model.Business) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO businesses (id, name, normalized_name, address, city, state, zip,
			phone, website, normalized_domain, lat, lng, category_id,
			google_place_id, bing_listing_id,
			google_rating, google_review_count, bing_rating, bing_review_count,
			is_claimed, is_client, first_seen_at, last_seen_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		b.ID, b.Name, b.NormalizedName, b.Address, b.City, b.State, b.Zip,
		b.Phone, b.Website, b.NormalizedDomain, b.Lat, b.Lng, b.CategoryID,
		b.GooglePlaceID, b.BingListingID,
		b.GoogleRating, b.GoogleReviewCount, b.BingRating, b.BingReviewCount,
		b.IsClaimed, b.IsClient, b.FirstSeenAt, b.LastSeenAt)
	return eris.Wrap(err, "store: create business")
}

// UpdateBusinessMatch writes the fields the match cascade merges. FirstSeenAt
// is deliberately not touched.
func (s *PostgresStore) UpdateBusinessMatch(ctx context.Context, b *model.Business) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE businesses SET
			phone = $2, website = $3, normalized_domain = $4, lat = $5, lng = $6,
			google_place_id = $7, bing_listing_id = $8,
			google_rating = $9, google_review_count = $10,
			bing_rating = $11, bing_review_count = $12,
			last_seen_at = $13, updated_at = now()
		 WHERE id = $1`,
		b.ID, b.Phone, b.Website, b.NormalizedDomain, b.Lat, b.Lng,
		b.GooglePlaceID, b.BingListingID,
		b.GoogleRating, b.GoogleReviewCount, b.BingRating, b.BingReviewCount,
		b.LastSeenAt)
	return eris.Wrap(err, "store: update business match")
}

// ---- scans ----

const scanCols = `id, service_area_id, category_id, keyword, engine_id, grid_size,
	radius_miles, status, points_total, points_completed, error_message,
	scheduled_at, started_at, completed_at, created_at`

func scanScan(row pgx.Row) (*model.Scan, error) {
	var sc model.Scan
	err := row.Scan(&sc.ID, &sc.ServiceAreaID, &sc.CategoryID, &sc.Keyword, &sc.EngineID,
		&sc.GridSize, &sc.RadiusMiles, &sc.Status, &sc.PointsTotal, &sc.PointsCompleted,
		&sc.ErrorMessage, &sc.ScheduledAt, &sc.StartedAt, &sc.CompletedAt, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) CreateScan(ctx context.Context, sc *model.Scan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scans (id, service_area_id, category_id, keyword, engine_id,
			grid_size, radius_miles, status, points_total, scheduled_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sc.ID, sc.ServiceAreaID, sc.CategoryID, sc.Keyword, sc.EngineID,
		sc.GridSize, sc.RadiusMiles, string(sc.Status), sc.PointsTotal, sc.ScheduledAt)
	return eris.Wrap(err, "store: create scan")
}

// CreateScanPoints bulk-inserts the grid via COPY. A 9x9 grid is 81 rows.
func (s *PostgresStore) CreateScanPoints(ctx context.Context, points []model.ScanPoint) error {
	rows := make([][]any, 0, len(points))
	for _, p := range points {
		rows = append(rows, []any{p.ID, p.ScanID, p.GridRow, p.GridCol, p.Lat, p.Lng, string(p.Status)})
	}
	_, err := db.CopyRows(ctx, s.pool, "scan_points",
		[]string{"id", "scan_id", "grid_row", "grid_col", "lat", "lng", "status"}, rows)
	return eris.Wrap(err, "store: create scan points")
}

func (s *PostgresStore) GetScan(ctx context.Context, id string) (*model.Scan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scanCols+` FROM scans WHERE id = $1`, id)
	sc, err := scanScan(row)
	if err != nil {
		return nil, notFound(err, "store: get scan")
	}
	return sc, nil
}

func (s *PostgresStore) ListScansByStatus(ctx context.Context, statuses ...model.ScanStatus) ([]model.Scan, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+scanCols+` FROM scans WHERE status = ANY($1) ORDER BY created_at`, vals)
	if err != nil {
		return nil, eris.Wrap(err, "store: list scans by status")
	}
	defer rows.Close()

	var out []model.Scan
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan row")
		}
		out = append(out, *sc)
	}
	return out, eris.Wrap(rows.Err(), "store: list scans by status")
}

func (s *PostgresStore) ListUnfinishedScans(ctx context.Context, ids []string) ([]model.Scan, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+scanCols+` FROM scans
		 WHERE id = ANY($1) AND status NOT IN ('completed','failed','cancelled')
		 ORDER BY created_at`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "store: list unfinished scans")
	}
	defer rows.Close()

	var out []model.Scan
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan row")
		}
		out = append(out, *sc)
	}
	return out, eris.Wrap(rows.Err(), "store: list unfinished scans")
}

func (s *PostgresStore) ListPendingPoints(ctx context.Context, scanID string) ([]model.ScanPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scan_id, grid_row, grid_col, lat, lng, status
		 FROM scan_points WHERE scan_id = $1 AND status IN ('pending','running')
		 ORDER BY grid_row, grid_col`, scanID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list pending points")
	}
	defer rows.Close()

	var out []model.ScanPoint
	for rows.Next() {
		var p model.ScanPoint
		if err := rows.Scan(&p.ID, &p.ScanID, &p.GridRow, &p.GridCol, &p.Lat, &p.Lng, &p.Status); err != nil {
			return nil, eris.Wrap(err, "store: scan point row")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "store: list pending points")
}

// UpdateScanStatus moves a scan forward. Terminal rows never change; the
// WHERE clause enforces it so concurrent finalizers cannot regress a scan.
func (s *PostgresStore) UpdateScanStatus(ctx context.Context, id string, status model.ScanStatus, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $2, error_message = $3,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN now() ELSE completed_at END
		 WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')`,
		id, string(status), errorMessage)
	if err != nil {
		return eris.Wrap(err, "store: update scan status")
	}
	if tag.RowsAffected() == 0 {
		s.log.Debug("scan status update skipped", zap.String("scan_id", id), zap.String("status", string(status)))
	}
	return nil
}

// CompletePoint marks a point terminal and bumps the parent counter in one
// transaction. The increment is a single SQL statement so concurrent workers
// never lose updates.
func (s *PostgresStore) CompletePoint(ctx context.Context, pointID, scanID string, status model.PointStatus) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, eris.Wrap(err, "store: complete point begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The status guard makes duplicate deliveries no-ops; only the first
	// terminal transition bumps the counter.
	tag, err := tx.Exec(ctx,
		`UPDATE scan_points SET status = $2
		 WHERE id = $1 AND status IN ('pending','running')`, pointID, string(status))
	if err != nil {
		return 0, 0, eris.Wrap(err, "store: update point status")
	}

	var completed, total int
	if tag.RowsAffected() == 0 {
		err = tx.QueryRow(ctx,
			`SELECT points_completed, points_total FROM scans WHERE id = $1`, scanID).
			Scan(&completed, &total)
		if err != nil {
			return 0, 0, eris.Wrap(err, "store: read scan counter")
		}
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE scans SET points_completed = points_completed + 1
			 WHERE id = $1 RETURNING points_completed, points_total`, scanID).
			Scan(&completed, &total)
		if err != nil {
			return 0, 0, eris.Wrap(err, "store: increment scan counter")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, eris.Wrap(err, "store: complete point commit")
	}
	return completed, total, nil
}

func (s *PostgresStore) FinalizeScans(ctx context.Context, ids []string, status model.ScanStatus, errorMessage string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $2, error_message = $3, completed_at = now()
		 WHERE id = ANY($1) AND status IN ('pending','queued','running')`,
		ids, string(status), errorMessage)
	if err != nil {
		return 0, eris.Wrap(err, "store: finalize scans")
	}
	return tag.RowsAffected(), nil
}

// ---- rankings and review history ----

func (s *PostgresStore) CreateRankings(ctx context.Context, rankings []model.ScanRanking) error {
	rows := make([][]any, 0, len(rankings))
	for _, r := range rankings {
		rows = append(rows, []any{r.ID, r.ScanPointID, r.BusinessID, r.RankPosition, string(r.ResultType), r.Snippet})
	}
	_, err := db.CopyRows(ctx, s.pool, "scan_rankings",
		[]string{"id", "scan_point_id", "business_id", "rank_position", "result_type", "snippet"}, rows)
	return eris.Wrap(err, "store: create rankings")
}

func (s *PostgresStore) CreateReviewSnapshot(ctx context.Context, snap *model.ReviewSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO review_snapshots (id, business_id, source, rating, review_count)
		 VALUES ($1,$2,$3,$4,$5)`,
		snap.ID, snap.BusinessID, string(snap.Source), snap.Rating, snap.ReviewCount)
	return eris.Wrap(err, "store: create review snapshot")
}

// ---- schedules ----

const scheduleCols = `id, name, cron_expression, service_area_ids, category_ids,
	engine_ids, grid_size, is_active, last_run_at, next_run_at`

func scanSchedule(row pgx.Row) (*model.ScanSchedule, error) {
	var sch model.ScanSchedule
	err := row.Scan(&sch.ID, &sch.Name, &sch.CronExpression,
		&sch.ServiceAreaIDs, &sch.CategoryIDs, &sch.EngineIDs,
		&sch.GridSize, &sch.IsActive, &sch.LastRunAt, &sch.NextRunAt)
	if err != nil {
		return nil, err
	}
	return &sch, nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*model.ScanSchedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleCols+` FROM scan_schedules WHERE id = $1`, id)
	sch, err := scanSchedule(row)
	if err != nil {
		return nil, notFound(err, "store: get schedule")
	}
	return sch, nil
}

func (s *PostgresStore) ListActiveSchedules(ctx context.Context) ([]model.ScanSchedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleCols+` FROM scan_schedules WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list schedules")
	}
	defer rows.Close()

	var out []model.ScanSchedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan schedule")
		}
		out = append(out, *sch)
	}
	return out, eris.Wrap(rows.Err(), "store: list schedules")
}

func (s *PostgresStore) UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scan_schedules SET last_run_at = $2, next_run_at = $3 WHERE id = $1`,
		id, lastRun, nextRun)
	return eris.Wrap(err, "store: update schedule run")
}

func (s *PostgresStore) UpdateScheduleNextRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scan_schedules SET next_run_at = $2 WHERE id = $1`, id, nextRun)
	return eris.Wrap(err, "store: update schedule next run")
}

// ---- monitoring ----

func (s *PostgresStore) CountScansByStatus(ctx context.Context, since time.Time) (map[model.ScanStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM scans WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "store: count scans by status")
	}
	defer rows.Close()

	out := make(map[model.ScanStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "store: scan count row")
		}
		out[model.ScanStatus(st)] = n
	}
	return out, eris.Wrap(rows.Err(), "store: count scans by status")
}
