package model

import (
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Business is a deduplicated local business. Rows are created by the matcher
// on first sighting; FirstSeenAt never changes after creation.
type Business struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	NormalizedName string `json:"normalized_name"`

	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`

	Phone            string   `json:"phone,omitempty"` // +1XXXXXXXXXX or empty
	Website          string   `json:"website,omitempty"`
	NormalizedDomain string   `json:"normalized_domain,omitempty"`
	Lat              *float64 `json:"lat,omitempty"`
	Lng              *float64 `json:"lng,omitempty"`

	CategoryID    *string `json:"category_id,omitempty"`
	GooglePlaceID *string `json:"google_place_id,omitempty"` // unique when set
	BingListingID *string `json:"bing_listing_id,omitempty"`

	GoogleRating      *float64 `json:"google_rating,omitempty"`
	GoogleReviewCount *int     `json:"google_review_count,omitempty"`
	BingRating        *float64 `json:"bing_rating,omitempty"`
	BingReviewCount   *int     `json:"bing_review_count,omitempty"`

	VisibilityScore *float64 `json:"visibility_score,omitempty"`
	IsClaimed       bool     `json:"is_claimed"`
	IsClient        bool     `json:"is_client"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// legalSuffixes are trailing corporate designators stripped during name
// normalization. Checked as whole tokens, repeatedly, so "X Corp LLC"
// reduces to "x".
var legalSuffixes = map[string]bool{
	"llc": true, "inc": true, "corp": true, "ltd": true, "co": true,
	"llp": true, "lp": true, "pllc": true, "pc": true, "pa": true,
	"plc": true, "company": true, "incorporated": true,
	"corporation": true, "limited": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9 ]+`)
var multiSpace = regexp.MustCompile(`\s+`)

// foldDiacritics strips combining marks so "Café Olé" matches "Cafe Ole".
var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeBusinessName reduces a business name to its canonical matching
// form: lowercase, diacritics folded, legal suffixes stripped,
// non-alphanumerics removed, whitespace collapsed. Idempotent.
func NormalizeBusinessName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if folded, _, err := transform.String(foldDiacritics, s); err == nil {
		s = folded
	}
	s = nonAlnum.ReplaceAllString(s, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	tokens := strings.Fields(s)
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

var digitsOnly = regexp.MustCompile(`\D`)

// NormalizePhone reduces a phone number to +1 followed by ten digits.
// Ten-digit US numbers get the +1 prefix; eleven digits with a leading 1 are
// accepted as already-prefixed. Anything else normalizes to "".
func NormalizePhone(phone string) string {
	digits := digitsOnly.ReplaceAllString(phone, "")
	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	default:
		return ""
	}
}

// NormalizeDomain extracts the bare registrable host from a website URL:
// lowercase, scheme and path dropped, leading "www." removed.
func NormalizeDomain(website string) string {
	s := strings.TrimSpace(strings.ToLower(website))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := u.Hostname()
	host = strings.TrimPrefix(host, "www.")
	return host
}
