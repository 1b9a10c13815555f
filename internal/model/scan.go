package model

import "time"

// Scan is one (area, category, keyword, engine) grid scan. It exclusively
// owns its ScanPoints; deleting a scan cascades to points and rankings.
type Scan struct {
	ID            string     `json:"id"`
	ServiceAreaID string     `json:"service_area_id"`
	CategoryID    string     `json:"category_id"`
	Keyword       string     `json:"keyword"`
	EngineID      string     `json:"engine_id"`
	GridSize      int        `json:"grid_size"`
	RadiusMiles   float64    `json:"radius_miles"`
	Status        ScanStatus `json:"status"`

	PointsTotal     int    `json:"points_total"`
	PointsCompleted int    `json:"points_completed"`
	ErrorMessage    string `json:"error_message,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ScanPoint is one grid coordinate within a scan. (grid_row, grid_col) is
// unique per scan; row 0 is the north edge and col 0 the west edge.
type ScanPoint struct {
	ID      string      `json:"id"`
	ScanID  string      `json:"scan_id"`
	GridRow int         `json:"grid_row"`
	GridCol int         `json:"grid_col"`
	Lat     float64     `json:"lat"`
	Lng     float64     `json:"lng"`
	Status  PointStatus `json:"status"`
}

// ScanRanking records one business at one rank position at one grid point.
type ScanRanking struct {
	ID           string     `json:"id"`
	ScanPointID  string     `json:"scan_point_id"`
	BusinessID   string     `json:"business_id"`
	RankPosition int        `json:"rank_position"` // >= 1
	ResultType   ResultType `json:"result_type"`
	Snippet      string     `json:"snippet,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ReviewSnapshot is an append-only observation of a business's rating and
// review count on one provider.
type ReviewSnapshot struct {
	ID          string       `json:"id"`
	BusinessID  string       `json:"business_id"`
	Source      ReviewSource `json:"source"`
	Rating      float64      `json:"rating"`
	ReviewCount int          `json:"review_count"`
	CapturedAt  time.Time    `json:"captured_at"`
}
