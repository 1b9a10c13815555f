package engine

import (
	"context"
	"net/url"

	"github.com/sells-group/rankgrid/internal/stealth"
)

// DuckDuckGoEngine scrapes the HTML-only DuckDuckGo SERP. No local pack
// exists there; it contributes organic visibility signals only. DuckDuckGo
// sends no Referer.
type DuckDuckGoEngine struct {
	*Base
	baseURL string
}

// DDGOption adjusts the engine, mainly for tests.
type DDGOption func(*DuckDuckGoEngine)

// WithDDGBaseURL points the engine at a different host.
func WithDDGBaseURL(u string) DDGOption {
	return func(d *DuckDuckGoEngine) { d.baseURL = u }
}

// NewDuckDuckGo builds the duckduckgo engine.
func NewDuckDuckGo(cfg Config, proxies *stealth.ProxyRotator, opts ...DDGOption) *DuckDuckGoEngine {
	d := &DuckDuckGoEngine{
		Base:    NewBase(cfg, proxies),
		baseURL: "https://html.duckduckgo.com",
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ID returns the configured engine id.
func (d *DuckDuckGoEngine) ID() string { return d.cfg.EngineID }

// Search fetches the HTML SERP for the query near the given city.
func (d *DuckDuckGoEngine) Search(ctx context.Context, query string, point Point, city, state string) (*SearchResult, error) {
	q := query
	if city != "" {
		q += " " + city
	}
	if state != "" {
		q += " " + state
	}

	params := url.Values{}
	params.Set("q", q)

	res, err := d.Fetch(ctx, d.baseURL+"/html/?"+params.Encode(), "")
	if err != nil {
		return nil, err
	}

	out := &SearchResult{
		EngineID:  d.cfg.EngineID,
		Query:     query,
		Location:  point,
		Timestamp: d.nowFunc(),
		Metadata: Metadata{
			ResponseTimeMs: res.elapsed.Milliseconds(),
			ParserVersion:  duckduckgoParserVersion,
			ProxyUsed:      res.proxyHost,
		},
	}

	if res.captcha {
		out.Metadata.CaptchaDetected = true
		return out, nil
	}

	out.OrganicResults = parseDuckDuckGo(res.body)
	return out, nil
}
