package engine

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sells-group/rankgrid/internal/model"
	"github.com/sells-group/rankgrid/internal/stealth"
)

const googleReferer = "google.com"

// GoogleEngine covers the three Google surfaces: classic SERP (local pack),
// the local finder (tbm=lcl), and the maps SPA. They share the "google"
// reputation group and the same fetch discipline; only URL shape, parser,
// and result type differ.
type GoogleEngine struct {
	*Base
	baseURL    string
	resultType model.ResultType
	parserVer  string
}

// GoogleOption adjusts a Google engine, mainly for tests.
type GoogleOption func(*GoogleEngine)

// WithGoogleBaseURL points the engine at a different host.
func WithGoogleBaseURL(u string) GoogleOption {
	return func(g *GoogleEngine) { g.baseURL = u }
}

// NewGoogleSearch builds the classic SERP engine (engine id google_search).
func NewGoogleSearch(cfg Config, proxies *stealth.ProxyRotator, opts ...GoogleOption) *GoogleEngine {
	return newGoogle(cfg, proxies, model.ResultLocalPack, googleSERPParserVersion, opts)
}

// NewGoogleLocalFinder builds the local finder engine (tbm=lcl, 20+ results).
func NewGoogleLocalFinder(cfg Config, proxies *stealth.ProxyRotator, opts ...GoogleOption) *GoogleEngine {
	return newGoogle(cfg, proxies, model.ResultLocalFinder, googleLocalParserVersion, opts)
}

// NewGoogleMaps builds the maps engine. Direct HTTP against the maps SPA
// shell is unreliable; an empty parse is a clean empty result, so scans over
// this engine terminate with zero rankings rather than hang.
func NewGoogleMaps(cfg Config, proxies *stealth.ProxyRotator, opts ...GoogleOption) *GoogleEngine {
	return newGoogle(cfg, proxies, model.ResultMaps, googleMapsParserVersion, opts)
}

func newGoogle(cfg Config, proxies *stealth.ProxyRotator, rt model.ResultType, parserVer string, opts []GoogleOption) *GoogleEngine {
	g := &GoogleEngine{
		Base:       NewBase(cfg, proxies),
		baseURL:    "https://www.google.com",
		resultType: rt,
		parserVer:  parserVer,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ID returns the configured engine id.
func (g *GoogleEngine) ID() string { return g.cfg.EngineID }

// Search issues one disciplined SERP fetch from the given grid point.
func (g *GoogleEngine) Search(ctx context.Context, query string, point Point, city, state string) (*SearchResult, error) {
	res, err := g.Fetch(ctx, g.searchURL(query, point, city, state), googleReferer)
	if err != nil {
		return nil, err
	}

	out := &SearchResult{
		EngineID:  g.cfg.EngineID,
		Query:     query,
		Location:  point,
		Timestamp: g.nowFunc(),
		Metadata: Metadata{
			ResponseTimeMs: res.elapsed.Milliseconds(),
			ParserVersion:  g.parserVer,
			ProxyUsed:      res.proxyHost,
		},
	}

	if res.captcha {
		out.Metadata.CaptchaDetected = true
		return out, nil
	}

	out.Businesses = parseGoogleLocal(res.body, g.resultType)
	if g.resultType == model.ResultLocalPack {
		out.OrganicResults = parseGoogleOrganic(res.body)
	}
	return out, nil
}

func (g *GoogleEngine) searchURL(query string, point Point, city, state string) string {
	switch g.resultType {
	case model.ResultMaps:
		return fmt.Sprintf("%s/maps/search/%s/@%f,%f,14z?hl=en",
			g.baseURL, url.PathEscape(query), point.Lat, point.Lng)
	default:
		q := url.Values{}
		q.Set("q", query)
		q.Set("num", "20")
		q.Set("hl", "en")
		q.Set("gl", "us")
		if g.resultType == model.ResultLocalFinder {
			q.Set("tbm", "lcl")
		}
		if city != "" || state != "" {
			q.Set("uule", stealth.EncodeUULE(stealth.CanonicalLocation(city, state)))
		}
		return g.baseURL + "/search?" + q.Encode()
	}
}
