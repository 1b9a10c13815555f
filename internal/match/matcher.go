// Package match performs entity resolution over parsed search listings,
// deduplicating businesses seen across engines and grid points.
package match

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rankgrid/internal/engine"
	"github.com/sells-group/rankgrid/internal/metrics"
	"github.com/sells-group/rankgrid/internal/model"
	"github.com/sells-group/rankgrid/internal/store"
)

// proximityMiles is the coordinate distance under which two same-named
// listings are considered the same storefront (about 50 meters).
const proximityMiles = 0.031

// maxNameEditDistance bounds how far two normalized names may drift and
// still corroborate a shared phone number.
const maxNameEditDistance = 3

// BusinessStore is the slice of the store the matcher needs.
type BusinessStore interface {
	GetBusinessByPlaceID(ctx context.Context, placeID string) (*model.Business, error)
	ListBusinessesByPhone(ctx context.Context, phone string) ([]model.Business, error)
	ListBusinessesByNormalizedName(ctx context.Context, name string) ([]model.Business, error)
	GetBusinessByDomainCity(ctx context.Context, domain, city string) (*model.Business, error)
	CreateBusiness(ctx context.Context, b *model.Business) error
	UpdateBusinessMatch(ctx context.Context, b *model.Business) error
}

// Result reports how a parsed listing resolved.
type Result struct {
	BusinessID string `json:"business_id"`
	Confidence int    `json:"confidence"` // 0-100
	MatchType  string `json:"match_type"`
	CreatedNew bool   `json:"created_new"`
}

// Matcher resolves parsed listings against the business table. Safe for
// concurrent use; all state lives in the store.
type Matcher struct {
	store   BusinessStore
	log     *zap.Logger
	nowFunc func() time.Time
}

// New builds a Matcher over the given store.
func New(st BusinessStore) *Matcher {
	return &Matcher{
		store:   st,
		log:     zap.L().With(zap.String("component", "matcher")),
		nowFunc: time.Now,
	}
}

// Resolve runs the match cascade for one parsed listing. The first tier that
// hits wins; a hit merges fields and advances last_seen_at, a miss on every
// tier creates a new business.
func (m *Matcher) Resolve(ctx context.Context, parsed engine.ParsedBusiness, engineID string, categoryID *string) (*Result, error) {
	normName := model.NormalizeBusinessName(parsed.Name)
	normPhone := model.NormalizePhone(parsed.Phone)
	normDomain := model.NormalizeDomain(parsed.Website)

	// Tier 1: place id equality.
	if parsed.GooglePlaceID != "" {
		b, err := m.store.GetBusinessByPlaceID(ctx, parsed.GooglePlaceID)
		switch {
		case err == nil:
			return m.merge(ctx, b, parsed, engineID, 100, "place_id")
		case !errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrap(err, "match: place id lookup")
		}
	}

	// Phone candidates serve tiers 2 and 3.5.
	var phoneMatches []model.Business
	if normPhone != "" {
		var err error
		phoneMatches, err = m.store.ListBusinessesByPhone(ctx, normPhone)
		if err != nil {
			return nil, eris.Wrap(err, "match: phone lookup")
		}
	}

	// Tier 2: normalized phone equality. A shared phone across differing
	// coordinates is a stronger duplicate signal than coincident names, but
	// only when the phone pins down a single business. Multiple candidates
	// (a shared tracking number, a franchise line) fall through to the
	// name-based tiers.
	if len(phoneMatches) == 1 {
		return m.merge(ctx, &phoneMatches[0], parsed, engineID, 90, "phone")
	}

	// Tier 3: same normalized name within storefront distance.
	if normName != "" && parsed.Lat != nil && parsed.Lng != nil {
		candidates, err := m.store.ListBusinessesByNormalizedName(ctx, normName)
		if err != nil {
			return nil, eris.Wrap(err, "match: name lookup")
		}
		for i := range candidates {
			c := &candidates[i]
			if c.Lat == nil || c.Lng == nil {
				continue
			}
			if model.HaversineMiles(*parsed.Lat, *parsed.Lng, *c.Lat, *c.Lng) < proximityMiles {
				return m.merge(ctx, c, parsed, engineID, 95, "name_proximity")
			}
		}
	}

	// Tier 3.5: shared phone disambiguated by a near-identical name.
	for i := range phoneMatches {
		c := &phoneMatches[i]
		if levenshtein.Distance(normName, c.NormalizedName, nil) <= maxNameEditDistance {
			return m.merge(ctx, c, parsed, engineID, 85, "phone_name_similarity")
		}
	}

	// Tier 4: same website domain in the same city.
	if normDomain != "" && parsed.City != "" {
		b, err := m.store.GetBusinessByDomainCity(ctx, normDomain, parsed.City)
		switch {
		case err == nil:
			return m.merge(ctx, b, parsed, engineID, 80, "domain_city")
		case !errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrap(err, "match: domain lookup")
		}
	}

	// Tier 5: nothing matched; create.
	return m.create(ctx, parsed, engineID, categoryID, normName, normPhone, normDomain)
}

func isBingEngine(engineID string) bool {
	return strings.HasPrefix(engineID, "bing")
}

// merge folds the parsed listing into an existing business and persists the
// result. Phone updates are trusted only from non-Bing engines; identifiers
// and coordinates fill in only when previously unknown.
func (m *Matcher) merge(ctx context.Context, b *model.Business, parsed engine.ParsedBusiness, engineID string, confidence int, matchType string) (*Result, error) {
	b.LastSeenAt = m.nowFunc().UTC()

	if p := model.NormalizePhone(parsed.Phone); p != "" && !isBingEngine(engineID) {
		b.Phone = p
	}
	if b.Website == "" && parsed.Website != "" {
		b.Website = parsed.Website
		b.NormalizedDomain = model.NormalizeDomain(parsed.Website)
	}
	if b.GooglePlaceID == nil && parsed.GooglePlaceID != "" {
		id := parsed.GooglePlaceID
		b.GooglePlaceID = &id
	}
	if b.BingListingID == nil && parsed.BingListingID != "" {
		id := parsed.BingListingID
		b.BingListingID = &id
	}
	if b.Lat == nil && parsed.Lat != nil {
		b.Lat, b.Lng = parsed.Lat, parsed.Lng
	}

	if isBingEngine(engineID) {
		if parsed.Rating != nil {
			b.BingRating = parsed.Rating
		}
		if parsed.ReviewCount != nil {
			b.BingReviewCount = parsed.ReviewCount
		}
	} else {
		if parsed.Rating != nil {
			b.GoogleRating = parsed.Rating
		}
		if parsed.ReviewCount != nil {
			b.GoogleReviewCount = parsed.ReviewCount
		}
	}

	if err := m.store.UpdateBusinessMatch(ctx, b); err != nil {
		return nil, eris.Wrap(err, "match: merge update")
	}

	m.log.Debug("matched business",
		zap.String("business_id", b.ID),
		zap.String("match_type", matchType),
		zap.Int("confidence", confidence))

	return &Result{BusinessID: b.ID, Confidence: confidence, MatchType: matchType}, nil
}

func (m *Matcher) create(ctx context.Context, parsed engine.ParsedBusiness, engineID string, categoryID *string, normName, normPhone, normDomain string) (*Result, error) {
	now := m.nowFunc().UTC()
	b := &model.Business{
		ID:               uuid.NewString(),
		Name:             parsed.Name,
		NormalizedName:   normName,
		Address:          parsed.Address,
		City:             parsed.City,
		State:            parsed.State,
		Phone:            normPhone,
		Website:          parsed.Website,
		NormalizedDomain: normDomain,
		Lat:              parsed.Lat,
		Lng:              parsed.Lng,
		CategoryID:       categoryID,
		FirstSeenAt:      now,
		LastSeenAt:       now,
	}
	if parsed.GooglePlaceID != "" {
		id := parsed.GooglePlaceID
		b.GooglePlaceID = &id
	}
	if parsed.BingListingID != "" {
		id := parsed.BingListingID
		b.BingListingID = &id
	}
	if isBingEngine(engineID) {
		b.BingRating = parsed.Rating
		b.BingReviewCount = parsed.ReviewCount
	} else {
		b.GoogleRating = parsed.Rating
		b.GoogleReviewCount = parsed.ReviewCount
	}

	if err := m.store.CreateBusiness(ctx, b); err != nil {
		return nil, eris.Wrap(err, "match: create business")
	}

	metrics.BusinessesCreated.Inc()
	m.log.Debug("created business",
		zap.String("business_id", b.ID),
		zap.String("name", b.Name),
		zap.String("engine_id", engineID))

	return &Result{BusinessID: b.ID, MatchType: "new", CreatedNew: true}, nil
}
