package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/rankgrid/internal/model"
	"github.com/sells-group/rankgrid/internal/resilience"
)

// BingAPIEngine queries the Bing Local Business Search API. A legitimate
// keyed API: no fingerprint games, just a QPS limiter plus the shared
// counters so the daily quota is still budgeted.
type BingAPIEngine struct {
	*Base
	apiKey  string
	baseURL string
	limiter *rate.Limiter
	client  *http.Client
}

// BingOption adjusts the engine, mainly for tests.
type BingOption func(*BingAPIEngine)

// WithBingBaseURL points the engine at a different host.
func WithBingBaseURL(u string) BingOption {
	return func(b *BingAPIEngine) { b.baseURL = u }
}

// NewBingAPI builds the bing_api engine. A missing key disables the engine
// rather than failing construction.
func NewBingAPI(cfg Config, apiKey string, opts ...BingOption) *BingAPIEngine {
	e := &BingAPIEngine{
		Base:    NewBase(cfg, nil),
		apiKey:  apiKey,
		baseURL: "https://api.bing.microsoft.com",
		limiter: rate.NewLimiter(rate.Limit(3), 1), // API tier allows 3 QPS
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	if apiKey == "" && cfg.RequiresAPIKey {
		e.Disable()
	}
	return e
}

// ID returns the configured engine id.
func (b *BingAPIEngine) ID() string { return b.cfg.EngineID }

type bingPlace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Telephone string `json:"telephone"`
	Address   struct {
		StreetAddress   string `json:"streetAddress"`
		AddressLocality string `json:"addressLocality"`
		AddressRegion   string `json:"addressRegion"`
		PostalCode      string `json:"postalCode"`
	} `json:"address"`
	Geo struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"geo"`
}

type bingResponse struct {
	Places struct {
		Value []bingPlace `json:"value"`
	} `json:"places"`
	WebPages struct {
		Value []struct {
			Name    string `json:"name"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
}

// Search queries local businesses near the grid point.
func (b *BingAPIEngine) Search(ctx context.Context, query string, point Point, city, state string) (*SearchResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "bing_api: rate wait")
	}

	q := query
	if city != "" {
		q += " near " + city
		if state != "" {
			q += ", " + state
		}
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("mkt", "en-US")
	params.Set("count", "20")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.baseURL+"/v7.0/localbusinesses/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "bing_api: create request")
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		b.RecordError()
		return nil, resilience.NewTransientError(eris.Wrap(err, "bing_api: fetch"), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		b.RecordError()
		return nil, resilience.NewTransientError(eris.Wrap(err, "bing_api: read body"), 0)
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		b.RecordError()
		return nil, resilience.NewTransientError(
			eris.Errorf("bing_api: status %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		b.RecordError()
		return nil, eris.Errorf("bing_api: status %d", resp.StatusCode)
	}

	var parsed bingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		b.RecordError()
		return nil, eris.Wrap(err, "bing_api: decode response")
	}

	b.RecordSuccess()

	out := &SearchResult{
		EngineID:  b.cfg.EngineID,
		Query:     query,
		Location:  point,
		Timestamp: b.nowFunc(),
		Metadata: Metadata{
			ResponseTimeMs: elapsed.Milliseconds(),
			ParserVersion:  bingAPIParserVersion,
		},
	}

	for i, p := range parsed.Places.Value {
		if p.Name == "" {
			continue
		}
		biz := ParsedBusiness{
			Name:          p.Name,
			Address:       p.Address.StreetAddress,
			City:          p.Address.AddressLocality,
			State:         p.Address.AddressRegion,
			Phone:         p.Telephone,
			Website:       p.URL,
			Lat:           p.Geo.Latitude,
			Lng:           p.Geo.Longitude,
			BingListingID: strings.TrimPrefix(p.ID, "https://api.bing.microsoft.com/api/v7/#Places."),
			ResultType:    model.ResultLocalPack,
			RankPosition:  i + 1,
		}
		out.Businesses = append(out.Businesses, biz)
	}

	for i, w := range parsed.WebPages.Value {
		out.OrganicResults = append(out.OrganicResults, OrganicResult{
			Title:    w.Name,
			URL:      w.URL,
			Snippet:  w.Snippet,
			Position: i + 1,
		})
	}

	return out, nil
}
