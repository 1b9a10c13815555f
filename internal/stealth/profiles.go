// Package stealth holds the request-shaping helpers the engines share:
// browser fingerprint rotation, a cookie jar, proxy rotation, UULE location
// encoding, and human-pattern delays.
package stealth

import (
	"math/rand/v2"
	"sync"
)

// Profile is one internally-consistent browser fingerprint. Firefox profiles
// carry no client-hint headers because Firefox does not send them.
type Profile struct {
	Name            string
	UserAgent       string
	SecCHUA         string
	SecCHUAPlatform string
	SecCHUAMobile   string
}

// profiles mixes Chrome, Firefox and Edge across Windows, macOS and Linux.
var profiles = []Profile{
	{
		Name:            "chrome_win",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		SecCHUA:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecCHUAPlatform: `"Windows"`,
		SecCHUAMobile:   "?0",
	},
	{
		Name:            "chrome_mac",
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		SecCHUA:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecCHUAPlatform: `"macOS"`,
		SecCHUAMobile:   "?0",
	},
	{
		Name:            "chrome_linux",
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		SecCHUA:         `"Chromium";v="130", "Google Chrome";v="130", "Not?A_Brand";v="99"`,
		SecCHUAPlatform: `"Linux"`,
		SecCHUAMobile:   "?0",
	},
	{
		Name:      "firefox_win",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	},
	{
		Name:      "firefox_mac",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:133.0) Gecko/20100101 Firefox/133.0",
	},
	{
		Name:      "firefox_linux",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:132.0) Gecko/20100101 Firefox/132.0",
	},
	{
		Name:            "edge_win",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
		SecCHUA:         `"Microsoft Edge";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecCHUAPlatform: `"Windows"`,
		SecCHUAMobile:   "?0",
	},
	{
		Name:            "edge_mac",
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
		SecCHUA:         `"Microsoft Edge";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecCHUAPlatform: `"macOS"`,
		SecCHUAMobile:   "?0",
	},
	{
		Name:            "chrome_win_old",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
		SecCHUA:         `"Google Chrome";v="129", "Chromium";v="129", "Not=A?Brand";v="8"`,
		SecCHUAPlatform: `"Windows"`,
		SecCHUAMobile:   "?0",
	},
}

// rotateEvery is how many successful requests a profile serves before the
// pool moves to a fresh one.
const rotateEvery = 20

// ProfilePool hands out a current fingerprint and rotates it on schedule or
// on demand (CAPTCHA events force a rotation).
type ProfilePool struct {
	mu        sync.Mutex
	current   int
	successes int
}

// NewProfilePool creates a pool starting at a random profile.
func NewProfilePool() *ProfilePool {
	return &ProfilePool{current: rand.IntN(len(profiles))}
}

// Current returns the active fingerprint.
func (p *ProfilePool) Current() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return profiles[p.current]
}

// Rotate switches to a different profile than the current one.
func (p *ProfilePool) Rotate() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateLocked()
}

func (p *ProfilePool) rotateLocked() Profile {
	next := rand.IntN(len(profiles) - 1)
	if next >= p.current {
		next++
	}
	p.current = next
	p.successes = 0
	return profiles[p.current]
}

// RecordSuccess bumps the session counter and rotates the profile after
// every rotateEvery successful requests.
func (p *ProfilePool) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
	if p.successes >= rotateEvery {
		p.rotateLocked()
	}
}

// ProfileCount returns the pool size. Exposed for tests.
func ProfileCount() int { return len(profiles) }
