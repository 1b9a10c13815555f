package engine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/rankgrid/internal/model"
)

// Parser versions stamped into result metadata so stored rankings can be
// traced back to the extraction logic that produced them.
const (
	googleLocalParserVersion = "google_local_v2"
	googleSERPParserVersion  = "google_serp_v2"
	duckduckgoParserVersion  = "ddg_html_v1"
	bingAPIParserVersion     = "bing_api_v1"
	googleMapsParserVersion  = "google_maps_v1"
)

var (
	cidRe       = regexp.MustCompile(`data-cid="([^"]+)"`)
	localNameRe = regexp.MustCompile(`(?s)<div class="dbg0pd"[^>]*><span class="OSrXXb"[^>]*>(.*?)</span>`)
	ratingRe    = regexp.MustCompile(`<span class="yi40Hd[^"]*"[^>]*>(\d(?:\.\d)?)</span>`)
	reviewsRe   = regexp.MustCompile(`<span class="RDApEe[^"]*"[^>]*>\((\d[\d,]*)\)</span>`)
	phoneRe     = regexp.MustCompile(`\(\d{3}\) \d{3}-\d{4}`)
	websiteRe   = regexp.MustCompile(`<a[^>]+href="(https?://[^"]+)"[^>]*>\s*(?:<[^>]+>\s*)*Website`)
	organicRe   = regexp.MustCompile(`(?s)<a href="(https?://[^"]+)"[^>]*>\s*<h3[^>]*>(.*?)</h3>`)
	ddgResultRe = regexp.MustCompile(`(?s)<a rel="nofollow" class="result__a" href="([^"]+)">(.*?)</a>`)
	tagRe       = regexp.MustCompile(`<[^>]+>`)
)

// parseGoogleLocal extracts local-pack/local-finder listings from a Google
// SERP body. Rank positions follow document order.
func parseGoogleLocal(body []byte, resultType model.ResultType) []ParsedBusiness {
	html := string(body)

	cids := cidRe.FindAllStringSubmatchIndex(html, -1)
	if len(cids) == 0 {
		return nil
	}

	var out []ParsedBusiness
	for i, loc := range cids {
		start := loc[0]
		end := len(html)
		if i+1 < len(cids) {
			end = cids[i+1][0]
		}
		block := html[start:end]

		name := firstGroup(localNameRe, block)
		if name == "" {
			continue
		}

		b := ParsedBusiness{
			Name:          stripTags(name),
			GooglePlaceID: html[loc[2]:loc[3]],
			ResultType:    resultType,
			RankPosition:  len(out) + 1,
			Phone:         phoneRe.FindString(block),
			Website:       firstGroup(websiteRe, block),
		}

		if r := firstGroup(ratingRe, block); r != "" {
			if v, err := strconv.ParseFloat(r, 64); err == nil {
				b.Rating = &v
			}
		}
		if rc := firstGroup(reviewsRe, block); rc != "" {
			if v, err := strconv.Atoi(strings.ReplaceAll(rc, ",", "")); err == nil {
				b.ReviewCount = &v
			}
		}

		out = append(out, b)
	}
	return out
}

// parseGoogleOrganic extracts the blue-link results from a SERP body.
func parseGoogleOrganic(body []byte) []OrganicResult {
	var out []OrganicResult
	for _, m := range organicRe.FindAllStringSubmatch(string(body), -1) {
		u := m[1]
		if strings.Contains(u, "google.com") {
			continue
		}
		out = append(out, OrganicResult{
			Title:    stripTags(m[2]),
			URL:      u,
			Position: len(out) + 1,
		})
	}
	return out
}

// parseDuckDuckGo extracts results from the html.duckduckgo.com lite SERP.
func parseDuckDuckGo(body []byte) []OrganicResult {
	var out []OrganicResult
	for _, m := range ddgResultRe.FindAllStringSubmatch(string(body), -1) {
		out = append(out, OrganicResult{
			Title:    stripTags(m[2]),
			URL:      m[1],
			Position: len(out) + 1,
		})
	}
	return out
}

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func stripTags(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	r := strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ")
	return strings.TrimSpace(r.Replace(s))
}
