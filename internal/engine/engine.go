// Package engine defines the search engine contract, the shared throttle and
// block discipline every engine inherits, and the concrete engine
// implementations.
package engine

import (
	"context"
	"time"

	"github.com/sells-group/rankgrid/internal/model"
)

// Point is one geographic coordinate a query is issued from.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Status is the derived health of an engine. It is computed on read, never
// stored raw.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusThrottled Status = "throttled"
	StatusBlocked   Status = "blocked"
	StatusDisabled  Status = "disabled"
)

// ParsedBusiness is one business listing extracted from a search response.
type ParsedBusiness struct {
	Name          string           `json:"name"`
	Address       string           `json:"address,omitempty"`
	City          string           `json:"city,omitempty"`
	State         string           `json:"state,omitempty"`
	Phone         string           `json:"phone,omitempty"`
	Website       string           `json:"website,omitempty"`
	Lat           *float64         `json:"lat,omitempty"`
	Lng           *float64         `json:"lng,omitempty"`
	Rating        *float64         `json:"rating,omitempty"`
	ReviewCount   *int             `json:"review_count,omitempty"`
	GooglePlaceID string           `json:"google_place_id,omitempty"`
	BingListingID string           `json:"bing_listing_id,omitempty"`
	ResultType    model.ResultType `json:"result_type"`
	RankPosition  int              `json:"rank_position"` // >= 1 within its list
	Snippet       string           `json:"snippet,omitempty"`
}

// OrganicResult is one non-business web result.
type OrganicResult struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet,omitempty"`
	Position int    `json:"position"`
}

// Metadata carries per-search diagnostics.
type Metadata struct {
	CaptchaDetected bool   `json:"captcha_detected"`
	ResponseTimeMs  int64  `json:"response_time_ms"`
	ParserVersion   string `json:"parser_version,omitempty"`
	ProxyUsed       string `json:"proxy_used,omitempty"`
}

// SearchResult is the common output contract every engine produces.
type SearchResult struct {
	EngineID       string           `json:"engine_id"`
	Query          string           `json:"query"`
	Location       Point            `json:"location"`
	Timestamp      time.Time        `json:"timestamp"`
	Businesses     []ParsedBusiness `json:"businesses"`
	OrganicResults []OrganicResult  `json:"organic_results,omitempty"`
	Metadata       Metadata         `json:"metadata"`
}

// Engine is the capability every concrete search engine satisfies. City and
// state are optional location hints ("" when unknown).
type Engine interface {
	ID() string
	Config() Config

	// Search issues one query at one grid point. A CAPTCHA response is not
	// an error: it returns an empty result with Metadata.CaptchaDetected set.
	Search(ctx context.Context, query string, point Point, city, state string) (*SearchResult, error)

	// Status derives the engine's current health.
	Status() Status

	// CanMakeRequest reports whether the engine is healthy right now.
	CanMakeRequest() bool

	// RequestsToday returns the current daily counter, used for
	// reputation-group budgeting.
	RequestsToday() int

	// ClearBlock resets block state, error streak, and the CAPTCHA window.
	ClearBlock()
}
