package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeBusinessName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"legal suffix", "Joe's Pizza, LLC", "joes pizza"},
		{"stacked suffixes", "Acme Corp LLC", "acme"},
		{"inc with period", "Smith & Sons, Inc.", "smith sons"},
		{"diacritics", "Café Olé LLC", "cafe ole"},
		{"whitespace collapse", "  Big   Dog  Plumbing ", "big dog plumbing"},
		{"suffix only is kept", "LLC", "llc"},
		{"plain", "pete's", "petes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeBusinessName(tt.in))
		})
	}
}

func TestNormalizeBusinessName_Idempotent(t *testing.T) {
	inputs := []string{
		"Joe's Pizza, LLC", "Café Olé", "ACME Corp", "", "a b  c", "Ltd Co Inc",
	}
	for _, in := range inputs {
		once := NormalizeBusinessName(in)
		assert.Equal(t, once, NormalizeBusinessName(once), "input %q", in)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 123-4567", "+15551234567"},
		{"5551234567", "+15551234567"},
		{"(561) 555-1234", "+15615551234"},
		{"1-561-555-1234", "+15615551234"},
		{"123", ""},
		{"", ""},
		{"+44 20 7946 0958", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://WWW.Example.COM/path", "example.com"},
		{"http://example.com:8080/x?y=z", "example.com"},
		{"example.com", "example.com"},
		{"www.joespizza.net", "joespizza.net"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDomain(tt.in), "input %q", tt.in)
	}
}

func TestReviewSourceForEngine(t *testing.T) {
	assert.Equal(t, SourceBing, ReviewSourceForEngine("bing_api"))
	assert.Equal(t, SourceBing, ReviewSourceForEngine("bing_local"))
	assert.Equal(t, SourceGoogle, ReviewSourceForEngine("google_search"))
	assert.Equal(t, SourceGoogle, ReviewSourceForEngine("duckduckgo"))
}

func TestScanStatus_IsTerminal(t *testing.T) {
	assert.False(t, ScanQueued.IsTerminal())
	assert.False(t, ScanRunning.IsTerminal())
	assert.True(t, ScanCompleted.IsTerminal())
	assert.True(t, ScanFailed.IsTerminal())
	assert.True(t, ScanCancelled.IsTerminal())
}

func TestHaversineMiles(t *testing.T) {
	// Zero distance.
	assert.InDelta(t, 0, HaversineMiles(26.4615, -80.0728, 26.4615, -80.0728), 1e-9)

	// One degree of latitude is roughly 69 miles.
	d := HaversineMiles(26.0, -80.0, 27.0, -80.0)
	assert.InDelta(t, 69.1, d, 0.3)

	// 50 meters is about 0.031 miles; nearby points sit under the matcher
	// threshold.
	close := HaversineMiles(26.4615, -80.0728, 26.46154, -80.0728)
	assert.Less(t, close, 0.031)
}
