package stealth

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

type storedCookie struct {
	name    string
	value   string
	expires time.Time // zero means session cookie, kept until process exit
}

// CookieJar stores response cookies per domain and replays them on the next
// request to the same domain. Expired entries are pruned on read.
type CookieJar struct {
	mu      sync.Mutex
	domains map[string][]storedCookie
	nowFunc func() time.Time
}

// NewCookieJar creates an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{
		domains: make(map[string][]storedCookie),
		nowFunc: time.Now,
	}
}

// StoreResponse records the Set-Cookie entries of a response under the given
// domain. Max-Age takes precedence over Expires, matching browser behavior.
func (j *CookieJar) StoreResponse(domain string, resp *http.Response) {
	if resp == nil {
		return
	}
	j.Store(domain, resp.Cookies())
}

// Store records parsed cookies under a domain.
func (j *CookieJar) Store(domain string, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.nowFunc()
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}

		var expires time.Time
		switch {
		case c.MaxAge > 0:
			expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case c.MaxAge < 0:
			// Immediate deletion.
			j.removeLocked(domain, c.Name)
			continue
		case !c.Expires.IsZero():
			expires = c.Expires
		}

		j.removeLocked(domain, c.Name)
		j.domains[domain] = append(j.domains[domain], storedCookie{
			name:    c.Name,
			value:   c.Value,
			expires: expires,
		})
	}
}

// Header returns the Cookie header value for a request domain, matching
// stored domains by suffix containment ("www.google.com" picks up cookies
// stored under "google.com"). Returns "" when nothing matches.
func (j *CookieJar) Header(requestDomain string) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.nowFunc()
	var parts []string
	for domain, cookies := range j.domains {
		if !domainMatches(requestDomain, domain) {
			continue
		}

		kept := cookies[:0]
		for _, c := range cookies {
			if !c.expires.IsZero() && !c.expires.After(now) {
				continue
			}
			kept = append(kept, c)
			parts = append(parts, c.name+"="+c.value)
		}
		j.domains[domain] = kept
	}

	return strings.Join(parts, "; ")
}

// Clear drops all cookies. Called when a fingerprint rotation should start a
// clean session.
func (j *CookieJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.domains = make(map[string][]storedCookie)
}

func (j *CookieJar) removeLocked(domain, name string) {
	cookies := j.domains[domain]
	for i, c := range cookies {
		if c.name == name {
			j.domains[domain] = append(cookies[:i], cookies[i+1:]...)
			return
		}
	}
}

func domainMatches(requestDomain, storedDomain string) bool {
	if requestDomain == storedDomain {
		return true
	}
	return strings.HasSuffix(requestDomain, "."+storedDomain)
}
