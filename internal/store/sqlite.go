package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/rankgrid/internal/model"
)

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// SQLiteStore backs single-host deployments where running Postgres is
// overkill. Same contract, file-on-disk durability.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) a SQLite database at path and applies
// the schema. Foreign keys are enforced per connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: open sqlite")
	}
	// SQLite permits one writer; a second writer connection would only
	// collect busy errors.
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.Exec(sqliteSchemaSQL); err != nil {
		_ = sdb.Close()
		return nil, eris.Wrap(err, "store: apply sqlite schema")
	}

	return &SQLiteStore{
		db:  sdb,
		log: zap.L().With(zap.String("component", "store.sqlite")),
	}, nil
}

func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		s.log.Warn("close failed", zap.Error(err))
	}
}

func sqliteNotFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return eris.Wrap(err, op)
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeIDs(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

type rowScanner interface{ Scan(dest ...any) error }

// ---- service areas ----

func scanServiceAreaSQL(row rowScanner) (*model.ServiceArea, error) {
	var a model.ServiceArea
	err := row.Scan(&a.ID, &a.Name, &a.State, &a.CenterLat, &a.CenterLng, &a.RadiusMiles, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) GetServiceArea(ctx context.Context, id string) (*model.ServiceArea, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serviceAreaCols+` FROM service_areas WHERE id = ?`, id)
	a, err := scanServiceAreaSQL(row)
	if err != nil {
		return nil, sqliteNotFound(err, "store: get service area")
	}
	return a, nil
}

func (s *SQLiteStore) ListActiveServiceAreas(ctx context.Context) ([]model.ServiceArea, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceAreaCols+` FROM service_areas WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list service areas")
	}
	defer func() { _ = rows.Close() }()

	var out []model.ServiceArea
	for rows.Next() {
		a, err := scanServiceAreaSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan service area")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "store: list service areas")
}

// ---- categories and keywords ----

func (s *SQLiteStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	var c model.Category
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, parent_id, is_active FROM categories WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Slug, &c.ParentID, &c.IsActive)
	if err != nil {
		return nil, sqliteNotFound(err, "store: get category")
	}
	return &c, nil
}

func (s *SQLiteStore) ListActiveCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, slug, parent_id, is_active FROM categories WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list categories")
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) ListActiveKeywords(ctx context.Context, categoryID string) ([]model.Keyword, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category_id, text, priority, is_active
		 FROM keywords WHERE category_id = ? AND is_active = 1
		 ORDER BY priority DESC, text`, categoryID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list keywords")
	}
	defer func() { _ = rows.Close() }()

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

func scanBusinessSQL(row rowScanner) (*model.Business, error) {
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

func (s *SQLiteStore) queryBusinesses(ctx context.Context, op, query string, args ...any) ([]model.Business, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Business
	for rows.Next() {
		b, err := scanBusinessSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, op)
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), op)
}

func (s *SQLiteStore) GetBusinessByPlaceID(ctx context.Context, placeID string) (*model.Business, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+businessCols+` FROM businesses WHERE google_place_id = ?`, placeID)
	b, err := scanBusinessSQL(row)
	if err != nil {
		return nil, sqliteNotFound(err, "store: get business by place id")
	}
	return b, nil
}

func (s *SQLiteStore) ListBusinessesByPhone(ctx context.Context, phone string) ([]model.Business, error) {
	return s.queryBusinesses(ctx, "store: list businesses by phone",
		`SELECT `+businessCols+` FROM businesses WHERE phone = ? ORDER BY first_seen_at`, phone)
}

func (s *SQLiteStore) ListBusinessesByNormalizedName(ctx context.Context, name string) ([]model.Business, error) {
	return s.queryBusinesses(ctx, "store: list businesses by name",
		`SELECT `+businessCols+` FROM businesses WHERE normalized_name = ? ORDER BY first_seen_at`, name)
}

func (s *SQLiteStore) GetBusinessByDomainCity(ctx context.Context, domain, city string) (*model.Business, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+businessCols+` FROM businesses
		 WHERE normalized_domain = ? AND LOWER(city) = LOWER(?)
		 ORDER BY first_seen_at LIMIT 1`, domain, city)
	b, err := scanBusinessSQL(row)
	if err != nil {
		return nil, sqliteNotFound(err, "store: get business by domain and city")
	}
	return b, nil
}

func (s *SQLiteStore) CreateBusiness(ctx context.Context, b *model.Business) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO businesses (id, name, normalized_name, address, city, state, zip,
			phone, website, normalized_domain, lat, lng, category_id,
			google_place_id, bing_listing_id,
			google_rating, google_review_count, bing_rating, bing_review_count,
			is_claimed, is_client, first_seen_at, last_seen_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Name, b.NormalizedName, b.Address, b.City, b.State, b.Zip,
		b.Phone, b.Website, b.NormalizedDomain, b.Lat, b.Lng, b.CategoryID,
		b.GooglePlaceID, b.BingListingID,
		b.GoogleRating, b.GoogleReviewCount, b.BingRating, b.BingReviewCount,
		b.IsClaimed, b.IsClient, b.FirstSeenAt, b.LastSeenAt)
	return eris.Wrap(err, "store: create business")
}

func (s *SQLiteStore) UpdateBusinessMatch(ctx context.Context, b *model.Business) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE businesses SET
			phone = ?, website = ?, normalized_domain = ?, lat = ?, lng = ?,
			google_place_id = ?, bing_listing_id = ?,
			google_rating = ?, google_review_count = ?,
			bing_rating = ?, bing_review_count = ?,
			last_seen_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		b.Phone, b.Website, b.NormalizedDomain, b.Lat, b.Lng,
		b.GooglePlaceID, b.BingListingID,
		b.GoogleRating, b.GoogleReviewCount, b.BingRating, b.BingReviewCount,
		b.LastSeenAt, b.ID)
	return eris.Wrap(err, "store: update business match")
}

// ---- scans ----

func scanScanSQL(row rowScanner) (*model.Scan, error) {
	var sc model.Scan
	err := row.Scan(&sc.ID, &sc.ServiceAreaID, &sc.CategoryID, &sc.Keyword, &sc.EngineID,
		&sc.GridSize, &sc.RadiusMiles, &sc.Status, &sc.PointsTotal, &sc.PointsCompleted,
		&sc.ErrorMessage, &sc.ScheduledAt, &sc.StartedAt, &sc.CompletedAt, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *SQLiteStore) CreateScan(ctx context.Context, sc *model.Scan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (id, service_area_id, category_id, keyword, engine_id,
			grid_size, radius_miles, status, points_total, scheduled_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.ServiceAreaID, sc.CategoryID, sc.Keyword, sc.EngineID,
		sc.GridSize, sc.RadiusMiles, string(sc.Status), sc.PointsTotal, sc.ScheduledAt)
	return eris.Wrap(err, "store: create scan")
}

func (s *SQLiteStore) CreateScanPoints(ctx context.Context, points []model.ScanPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: create scan points begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO scan_points (id, scan_id, grid_row, grid_col, lat, lng, status)
		 VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return eris.Wrap(err, "store: prepare scan point insert")
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.ID, p.ScanID, p.GridRow, p.GridCol, p.Lat, p.Lng, string(p.Status)); err != nil {
			return eris.Wrap(err, "store: insert scan point")
		}
	}
	return eris.Wrap(tx.Commit(), "store: create scan points commit")
}

func (s *SQLiteStore) GetScan(ctx context.Context, id string) (*model.Scan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanCols+` FROM scans WHERE id = ?`, id)
	sc, err := scanScanSQL(row)
	if err != nil {
		return nil, sqliteNotFound(err, "store: get scan")
	}
	return sc, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLiteStore) ListScansByStatus(ctx context.Context, statuses ...model.ScanStatus) ([]model.Scan, error) {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scanCols+` FROM scans WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list scans by status")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Scan
	for rows.Next() {
		sc, err := scanScanSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan row")
		}
		out = append(out, *sc)
	}
	return out, eris.Wrap(rows.Err(), "store: list scans by status")
}

func (s *SQLiteStore) ListUnfinishedScans(ctx context.Context, ids []string) ([]model.Scan, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scanCols+` FROM scans
		 WHERE id IN (`+placeholders(len(ids))+`) AND status NOT IN ('completed','failed','cancelled')
		 ORDER BY created_at`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list unfinished scans")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Scan
	for rows.Next() {
		sc, err := scanScanSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan row")
		}
		out = append(out, *sc)
	}
	return out, eris.Wrap(rows.Err(), "store: list unfinished scans")
}

func (s *SQLiteStore) ListPendingPoints(ctx context.Context, scanID string) ([]model.ScanPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scan_id, grid_row, grid_col, lat, lng, status
		 FROM scan_points WHERE scan_id = ? AND status IN ('pending','running')
		 ORDER BY grid_row, grid_col`, scanID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list pending points")
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) UpdateScanStatus(ctx context.Context, id string, status model.ScanStatus, errorMessage string) error {
	now := time.Now().UTC()
	var startedAt, completedAt any
	if status == model.ScanRunning {
		startedAt = now
	}
	if status.IsTerminal() {
		completedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, error_message = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND status NOT IN ('completed','failed','cancelled')`,
		string(status), errorMessage, startedAt, completedAt, id)
	return eris.Wrap(err, "store: update scan status")
}

func (s *SQLiteStore) CompletePoint(ctx context.Context, pointID, scanID string, status model.PointStatus) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, eris.Wrap(err, "store: complete point begin")
	}
	defer func() { _ = tx.Rollback() }()

	// The status guard makes duplicate deliveries no-ops; only the first
	// terminal transition bumps the counter.
	res, err := tx.ExecContext(ctx,
		`UPDATE scan_points SET status = ?
		 WHERE id = ? AND status IN ('pending','running')`, string(status), pointID)
	if err != nil {
		return 0, 0, eris.Wrap(err, "store: update point status")
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return 0, 0, eris.Wrap(err, "store: update point status")
	}

	var completed, total int
	if changed == 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT points_completed, points_total FROM scans WHERE id = ?`, scanID).
			Scan(&completed, &total)
		if err != nil {
			return 0, 0, eris.Wrap(err, "store: read scan counter")
		}
	} else {
		err = tx.QueryRowContext(ctx,
			`UPDATE scans SET points_completed = points_completed + 1
			 WHERE id = ? RETURNING points_completed, points_total`, scanID).
			Scan(&completed, &total)
		if err != nil {
			return 0, 0, eris.Wrap(err, "store: increment scan counter")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, eris.Wrap(err, "store: complete point commit")
	}
	return completed, total, nil
}

func (s *SQLiteStore) FinalizeScans(ctx context.Context, ids []string, status model.ScanStatus, errorMessage string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(status), errorMessage, time.Now().UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, error_message = ?, completed_at = ?
		 WHERE id IN (`+placeholders(len(ids))+`) AND status IN ('pending','queued','running')`,
		args...)
	if err != nil {
		return 0, eris.Wrap(err, "store: finalize scans")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "store: finalize scans")
}

// ---- rankings and review history ----

func (s *SQLiteStore) CreateRankings(ctx context.Context, rankings []model.ScanRanking) error {
	if len(rankings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: create rankings begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO scan_rankings (id, scan_point_id, business_id, rank_position, result_type, snippet)
		 VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return eris.Wrap(err, "store: prepare ranking insert")
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rankings {
		if _, err := stmt.ExecContext(ctx, r.ID, r.ScanPointID, r.BusinessID,
			r.RankPosition, string(r.ResultType), r.Snippet); err != nil {
			return eris.Wrap(err, "store: insert ranking")
		}
	}
	return eris.Wrap(tx.Commit(), "store: create rankings commit")
}

func (s *SQLiteStore) CreateReviewSnapshot(ctx context.Context, snap *model.ReviewSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_snapshots (id, business_id, source, rating, review_count)
		 VALUES (?,?,?,?,?)`,
		snap.ID, snap.BusinessID, string(snap.Source), snap.Rating, snap.ReviewCount)
	return eris.Wrap(err, "store: create review snapshot")
}

// ---- schedules ----

func scanScheduleSQL(row rowScanner) (*model.ScanSchedule, error) {
	var sch model.ScanSchedule
	var areaIDs, categoryIDs, engineIDs string
	err := row.Scan(&sch.ID, &sch.Name, &sch.CronExpression,
		&areaIDs, &categoryIDs, &engineIDs,
		&sch.GridSize, &sch.IsActive, &sch.LastRunAt, &sch.NextRunAt)
	if err != nil {
		return nil, err
	}
	sch.ServiceAreaIDs = decodeIDs(areaIDs)
	sch.CategoryIDs = decodeIDs(categoryIDs)
	sch.EngineIDs = decodeIDs(engineIDs)
	return &sch, nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*model.ScanSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM scan_schedules WHERE id = ?`, id)
	sch, err := scanScheduleSQL(row)
	if err != nil {
		return nil, sqliteNotFound(err, "store: get schedule")
	}
	return sch, nil
}

func (s *SQLiteStore) ListActiveSchedules(ctx context.Context) ([]model.ScanSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM scan_schedules WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list schedules")
	}
	defer func() { _ = rows.Close() }()

	var out []model.ScanSchedule
	for rows.Next() {
		sch, err := scanScheduleSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan schedule")
		}
		out = append(out, *sch)
	}
	return out, eris.Wrap(rows.Err(), "store: list schedules")
}

func (s *SQLiteStore) UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scan_schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		lastRun, nextRun, id)
	return eris.Wrap(err, "store: update schedule run")
}

func (s *SQLiteStore) UpdateScheduleNextRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scan_schedules SET next_run_at = ? WHERE id = ?`, nextRun, id)
	return eris.Wrap(err, "store: update schedule next run")
}

// ---- monitoring ----

func (s *SQLiteStore) CountScansByStatus(ctx context.Context, since time.Time) (map[model.ScanStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM scans WHERE created_at >= ? GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "store: count scans by status")
	}
	defer func() { _ = rows.Close() }()

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
