package engine

import (
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rankgrid/internal/metrics"
	"github.com/sells-group/rankgrid/internal/resilience"
	"github.com/sells-group/rankgrid/internal/stealth"
)

// maxBackoffDelay caps the error-streak multiplier on the inter-request
// delay.
const maxBackoffDelay = 5 * time.Minute

// captchaWindow is the sliding window for graduated block durations.
const captchaWindow = 24 * time.Hour

// captchaMarkers are the case-insensitive body substrings treated as a
// CAPTCHA/interstitial response.
var captchaMarkers = []string{
	"unusual traffic",
	"captcha",
	"our systems have detected",
	"sorry/index",
	"recaptcha",
}

// Base carries the per-engine mutable state and the shared pre/post-request
// discipline. Concrete engines embed it. All state is owned by the engine's
// single queue worker; the mutex covers status reads from other components.
type Base struct {
	cfg      Config
	profiles *stealth.ProfilePool
	jar      *stealth.CookieJar
	proxies  *stealth.ProxyRotator
	client   *http.Client

	mu            sync.Mutex
	disabled      bool
	requestsHour  int
	requestsToday int
	hourStart     time.Time
	dayStart      time.Time // UTC midnight
	lastRequestAt time.Time
	blockedUntil  time.Time
	errorStreak   int
	captchaEvents []time.Time

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewBase builds the shared engine core. proxies may be nil (direct
// connections).
func NewBase(cfg Config, proxies *stealth.ProxyRotator) *Base {
	now := time.Now().UTC()
	return &Base{
		cfg:      cfg,
		profiles: stealth.NewProfilePool(),
		jar:      stealth.NewCookieJar(),
		proxies:  proxies,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		hourStart: now.Truncate(time.Hour),
		dayStart:  now.Truncate(24 * time.Hour),
		nowFunc:   func() time.Time { return time.Now().UTC() },
		sleepFunc: stealth.Sleep,
	}
}

// Config returns the engine's immutable configuration.
func (b *Base) Config() Config { return b.cfg }

// Disable takes the engine out of rotation (missing API key, operator
// choice).
func (b *Base) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = true
}

// Status derives the engine's health. Read order: disabled, blocked,
// throttled, healthy. A lapsed block transitions back silently.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Base) statusLocked() Status {
	if b.disabled {
		return StatusDisabled
	}

	now := b.nowFunc()
	if now.Before(b.blockedUntil) {
		return StatusBlocked
	}

	b.refreshBucketsLocked(now)
	if (b.cfg.Throttle.MaxPerHour > 0 && b.requestsHour >= b.cfg.Throttle.MaxPerHour) ||
		(b.cfg.Throttle.MaxPerDay > 0 && b.requestsToday >= b.cfg.Throttle.MaxPerDay) {
		return StatusThrottled
	}

	return StatusHealthy
}

// CanMakeRequest reports whether a request may be issued right now.
func (b *Base) CanMakeRequest() bool {
	return b.Status() == StatusHealthy
}

// RequestsToday returns the daily counter after bucket refresh.
func (b *Base) RequestsToday() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshBucketsLocked(b.nowFunc())
	return b.requestsToday
}

// ClearBlock is the manual operator reset: block, error streak, and CAPTCHA
// window all cleared.
func (b *Base) ClearBlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockedUntil = time.Time{}
	b.errorStreak = 0
	b.captchaEvents = nil
	metrics.EngineBlocked.WithLabelValues(b.cfg.EngineID).Set(0)
}

// refreshBucketsLocked resets the hourly counter at each elapsed hour and
// the daily counter at UTC midnight.
func (b *Base) refreshBucketsLocked(now time.Time) {
	if hour := now.Truncate(time.Hour); hour.After(b.hourStart) {
		b.hourStart = hour
		b.requestsHour = 0
	}
	if day := now.Truncate(24 * time.Hour); day.After(b.dayStart) {
		b.dayStart = day
		b.requestsToday = 0
	}
}

// WaitForThrottle sleeps out the inter-request delay: uniform base plus
// triangular jitter, doubled per error-streak step (capped), then smeared by
// a random factor in [0.7, 1.3] to defeat periodicity detection.
func (b *Base) WaitForThrottle(ctx context.Context) error {
	t := b.cfg.Throttle
	delay := stealth.HumanDelay(
		time.Duration(t.MinDelayMs)*time.Millisecond,
		time.Duration(t.MaxDelayMs)*time.Millisecond,
		time.Duration(t.JitterMs)*time.Millisecond,
	)

	b.mu.Lock()
	streak := b.errorStreak
	b.mu.Unlock()

	if t.BackoffOnError && streak > 0 {
		delay <<= uint(streak)
		if delay > maxBackoffDelay {
			delay = maxBackoffDelay
		}
	}

	delay = time.Duration(float64(delay) * (0.7 + rand.Float64()*0.6))

	return b.sleepFunc(ctx, delay)
}

// fetchResult is the outcome of one disciplined HTTP exchange.
type fetchResult struct {
	body      []byte
	status    int
	captcha   bool
	proxyHost string
	elapsed   time.Duration
}

// Fetch performs one GET with the full stealth discipline: throttle wait,
// fingerprint headers, cookie replay, proxy selection, CAPTCHA detection,
// counter and streak accounting.
func (b *Base) Fetch(ctx context.Context, rawURL, referer string) (*fetchResult, error) {
	if err := b.WaitForThrottle(ctx); err != nil {
		return nil, eris.Wrapf(err, "%s: throttle wait", b.cfg.EngineID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", b.cfg.EngineID)
	}

	b.setHeaders(req, referer)

	client := b.client
	var proxy *url.URL
	if b.proxies != nil {
		if proxy = b.proxies.Next(); proxy != nil {
			client = &http.Client{
				Timeout:   b.client.Timeout,
				Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
			}
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if proxy != nil {
			b.proxies.MarkFailed(proxy)
		}
		b.RecordError()
		return nil, resilience.NewTransientError(
			eris.Wrapf(err, "%s: fetch", b.cfg.EngineID), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		b.RecordError()
		return nil, resilience.NewTransientError(
			eris.Wrapf(err, "%s: read body", b.cfg.EngineID), 0)
	}

	if req.URL.Hostname() != "" {
		b.jar.StoreResponse(req.URL.Hostname(), resp)
	}

	res := &fetchResult{
		body:    body,
		status:  resp.StatusCode,
		elapsed: elapsed,
	}
	if proxy != nil {
		res.proxyHost = proxy.Host
	}

	if DetectCaptcha(body) || (resp.StatusCode == http.StatusTooManyRequests && b.cfg.ReputationGroup == "google") {
		res.captcha = true
		b.RecordCaptcha()
		return res, nil
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		b.RecordError()
		return nil, resilience.NewTransientError(
			eris.Errorf("%s: status %d", b.cfg.EngineID, resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		b.RecordError()
		return nil, eris.Errorf("%s: status %d", b.cfg.EngineID, resp.StatusCode)
	}

	b.RecordSuccess()
	metrics.SearchDuration.WithLabelValues(b.cfg.EngineID).Observe(elapsed.Seconds())
	return res, nil
}

// setHeaders applies the current fingerprint, cookies, and referer.
func (b *Base) setHeaders(req *http.Request, referer string) {
	p := b.profiles.Current()

	req.Header.Set("User-Agent", p.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	if p.SecCHUA != "" {
		req.Header.Set("Sec-CH-UA", p.SecCHUA)
		req.Header.Set("Sec-CH-UA-Platform", p.SecCHUAPlatform)
		req.Header.Set("Sec-CH-UA-Mobile", p.SecCHUAMobile)
	}

	if referer != "" {
		req.Header.Set("Referer", "https://"+referer+"/")
		req.Header.Set("Sec-Fetch-Site", "same-origin")
	} else {
		req.Header.Set("Sec-Fetch-Site", "none")
	}
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")

	if cookie := b.jar.Header(req.URL.Hostname()); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
}

// DetectCaptcha reports whether a response body carries a CAPTCHA or
// interstitial marker.
func DetectCaptcha(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, m := range captchaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// RecordSuccess applies the post-response bookkeeping for a clean exchange.
func (b *Base) RecordSuccess() {
	b.mu.Lock()
	now := b.nowFunc()
	b.refreshBucketsLocked(now)
	b.requestsHour++
	b.requestsToday++
	b.lastRequestAt = now
	b.errorStreak = 0
	b.mu.Unlock()

	b.profiles.RecordSuccess()
	metrics.EngineRequests.WithLabelValues(b.cfg.EngineID, "success").Inc()
}

// RecordError bumps the error streak.
func (b *Base) RecordError() {
	b.mu.Lock()
	b.errorStreak++
	b.mu.Unlock()
	metrics.EngineRequests.WithLabelValues(b.cfg.EngineID, "error").Inc()
}

// RecordCaptcha applies the graduated block policy: 1st event in the 24h
// window blocks 15 minutes, 2nd 2 hours, 3rd or later 24 hours, all capped
// by the configured pause ceiling. The fingerprint rotates on every event.
func (b *Base) RecordCaptcha() {
	b.mu.Lock()

	now := b.nowFunc()
	kept := b.captchaEvents[:0]
	for _, t := range b.captchaEvents {
		if now.Sub(t) < captchaWindow {
			kept = append(kept, t)
		}
	}
	b.captchaEvents = append(kept, now)

	var block time.Duration
	switch len(b.captchaEvents) {
	case 1:
		block = 15 * time.Minute
	case 2:
		block = 2 * time.Hour
	default:
		block = 24 * time.Hour
	}

	if ceiling := time.Duration(b.cfg.Throttle.PauseOnCaptchaHours) * time.Hour; ceiling > 0 && block > ceiling {
		block = ceiling
	}

	b.blockedUntil = now.Add(block)
	events := len(b.captchaEvents)
	b.mu.Unlock()

	b.profiles.Rotate()
	b.jar.Clear()
	metrics.EngineRequests.WithLabelValues(b.cfg.EngineID, "captcha").Inc()
	metrics.CaptchaEvents.WithLabelValues(b.cfg.EngineID).Inc()
	metrics.EngineBlocked.WithLabelValues(b.cfg.EngineID).Set(1)

	zap.L().Warn("engine blocked on captcha",
		zap.String("engine", b.cfg.EngineID),
		zap.Int("events_24h", events),
		zap.Duration("block", block),
	)
}

// BlockedUntil returns the current block deadline (zero when unblocked).
func (b *Base) BlockedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockedUntil
}
