// Package model defines the persistent entities of the rank scanning engine
// and the normalization rules used for business entity resolution.
package model

import "time"

// ServiceArea is a geographic territory scanned on a grid. The center is
// immutable while any scan referencing the area is in flight.
type ServiceArea struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	CenterLat   float64   `json:"center_lat"`
	CenterLng   float64   `json:"center_lng"`
	RadiusMiles float64   `json:"radius_miles"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Category is a node in the self-referential business category tree.
type Category struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Slug     string  `json:"slug"`
	ParentID *string `json:"parent_id,omitempty"`
	IsActive bool    `json:"is_active"`
}

// Keyword is a search phrase owned by a category. (category_id, text) is
// unique.
type Keyword struct {
	ID         string `json:"id"`
	CategoryID string `json:"category_id"`
	Text       string `json:"text"`
	Priority   int    `json:"priority"`
	IsActive   bool   `json:"is_active"`
}

// ScanSchedule is a recurring full-scan definition evaluated by the
// scheduler. NextRunAt is computed from the cron expression when the job is
// registered and after each firing.
type ScanSchedule struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	ServiceAreaIDs []string   `json:"service_area_ids"`
	CategoryIDs    []string   `json:"category_ids"`
	EngineIDs      []string   `json:"engine_ids"`
	GridSize       int        `json:"grid_size"`
	IsActive       bool       `json:"is_active"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
}
