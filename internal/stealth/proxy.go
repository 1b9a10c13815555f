package stealth

import (
	"bufio"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// failureCooldown is how long a failed proxy sits out of rotation.
const failureCooldown = 30 * time.Minute

// ProxyRotator hands out proxies round-robin, skipping entries in a failure
// cooldown. Shared by all engines; the only cross-engine mutable state
// besides the queue.
type ProxyRotator struct {
	mu       sync.Mutex
	proxies  []*url.URL
	next     int
	cooldown map[string]time.Time
	nowFunc  func() time.Time
}

// NewProxyRotator creates a rotator over the given proxy URLs. HTTP and
// HTTPS proxies only; SOCKS entries are rejected.
func NewProxyRotator(rawURLs []string) (*ProxyRotator, error) {
	r := &ProxyRotator{
		cooldown: make(map[string]time.Time),
		nowFunc:  time.Now,
	}
	for _, raw := range rawURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "proxy: parse %q", raw)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, eris.Errorf("proxy: unsupported scheme %q (http/https only)", u.Scheme)
		}
		r.proxies = append(r.proxies, u)
	}
	return r, nil
}

// LoadProxies builds a rotator from the PROXY_LIST (comma-separated) or
// PROXY_FILE (one per line, # comments) configuration. An empty result is a
// valid rotator that always returns nil.
func LoadProxies(list, file string) (*ProxyRotator, error) {
	var raw []string

	if list != "" {
		raw = strings.Split(list, ",")
	} else if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, eris.Wrapf(err, "proxy: open %s", file)
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			raw = append(raw, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, eris.Wrapf(err, "proxy: read %s", file)
		}
	}

	r, err := NewProxyRotator(raw)
	if err != nil {
		return nil, err
	}
	if len(r.proxies) > 0 {
		zap.L().Info("loaded proxies", zap.Int("count", len(r.proxies)))
	}
	return r, nil
}

// Next returns the next healthy proxy, or nil when none are available
// (direct connection).
func (r *ProxyRotator) Next() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.proxies) == 0 {
		return nil
	}

	now := r.nowFunc()
	for i := 0; i < len(r.proxies); i++ {
		u := r.proxies[r.next]
		r.next = (r.next + 1) % len(r.proxies)

		until, cooling := r.cooldown[u.String()]
		if cooling && now.Before(until) {
			continue
		}
		delete(r.cooldown, u.String())
		return u
	}
	return nil
}

// MarkFailed puts a proxy into the failure cooldown. Any engine may report a
// failure.
func (r *ProxyRotator) MarkFailed(u *url.URL) {
	if u == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown[u.String()] = r.nowFunc().Add(failureCooldown)
	zap.L().Warn("proxy cooling down",
		zap.String("proxy", u.Host),
		zap.Duration("cooldown", failureCooldown),
	)
}

// Count returns the number of configured proxies.
func (r *ProxyRotator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}
