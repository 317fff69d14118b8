// Package scoring ranks raw search results by how likely each is to be the
// target product's own page.
package scoring

import (
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/FranksOps/pinpoint/internal/serp"
)

// Weights holds the additive scoring terms. The values are hand tuned.
type Weights struct {
	Blacklisted float64 `mapstructure:"blacklisted" json:"blacklisted"`
	BrandDomain float64 `mapstructure:"brand_domain" json:"brand_domain"`
	ProductPath float64 `mapstructure:"product_path" json:"product_path"`
	TokenInText float64 `mapstructure:"token_in_text" json:"token_in_text"`
	TokenInURL  float64 `mapstructure:"token_in_url" json:"token_in_url"`
	HTTPS       float64 `mapstructure:"https" json:"https"`
	LengthBase  float64 `mapstructure:"length_base" json:"length_base"`
}

// DefaultWeights are the production weights.
var DefaultWeights = Weights{
	Blacklisted: -10,
	BrandDomain: 8,
	ProductPath: 4,
	TokenInText: 1,
	TokenInURL:  1,
	HTTPS:       1,
	LengthBase:  3,
}

// DefaultBlacklist holds domain substrings that never host a manufacturer's
// product page: horizontal marketplaces, social networks and search engines.
var DefaultBlacklist = []string{
	"amazon.", "ebay.", "walmart.", "aliexpress.", "alibaba.", "etsy.", "temu.",
	"facebook.", "instagram.", "pinterest.", "youtube.", "tiktok.", "twitter.",
	"reddit.", "linkedin.", "quora.", "wikipedia.",
	"google.", "bing.", "duckduckgo.", "yahoo.",
}

// DefaultProductPathMarkers are path fragments typical of product pages.
var DefaultProductPathMarkers = []string{"/product/", "/products/", "/shop/", "/item/"}

// refineWindow is how many top-ranked candidates the brand refinement inspects.
const refineWindow = 12

// Candidate is a scored search result.
type Candidate struct {
	URL    string  `json:"url"`
	Text   string  `json:"text,omitempty"`
	Domain string  `json:"domain"`
	Path   string  `json:"path"`
	Score  float64 `json:"score"`
}

// Scorer scores candidates against injected weights and lists.
type Scorer struct {
	Weights            Weights
	Blacklist          []string
	ProductPathMarkers []string
}

// New returns a Scorer over the default weights and lists.
func New() *Scorer {
	return &Scorer{
		Weights:            DefaultWeights,
		Blacklist:          DefaultBlacklist,
		ProductPathMarkers: DefaultProductPathMarkers,
	}
}

// Domain returns the lowercase host of rawURL without a leading "www.".
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Blacklisted reports whether domain contains a blacklisted substring.
func (s *Scorer) Blacklisted(domain string) bool {
	for _, b := range s.Blacklist {
		if b != "" && strings.Contains(domain, b) {
			return true
		}
	}
	return false
}

// ProductLike reports whether path contains a product path marker.
func (s *Scorer) ProductLike(path string) bool {
	for _, m := range s.ProductPathMarkers {
		if strings.Contains(path, m) {
			return true
		}
	}
	return false
}

// Score computes the additive score of one result. brandToken and tokens
// must already be lowercase.
func (s *Scorer) Score(rawURL, text, brandToken string, tokens []string) Candidate {
	c := Candidate{URL: rawURL, Text: text}
	u, err := url.Parse(rawURL)
	if err == nil {
		c.Domain = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		c.Path = strings.ToLower(u.Path)
	}

	if s.Blacklisted(c.Domain) {
		c.Score = s.Weights.Blacklisted
		return c
	}

	w := s.Weights
	if brandToken != "" && strings.Contains(c.Domain, brandToken) {
		c.Score += w.BrandDomain
	}
	if s.ProductLike(c.Path) {
		c.Score += w.ProductPath
	}

	lowerText := strings.ToLower(text)
	lowerURL := strings.ToLower(rawURL)
	for _, t := range tokens {
		if len(t) < 2 {
			continue
		}
		if strings.Contains(lowerText, t) {
			c.Score += w.TokenInText
		}
		if strings.Contains(lowerURL, t) {
			c.Score += w.TokenInURL
		}
	}

	if err == nil && u.Scheme == "https" {
		c.Score += w.HTTPS
	}

	c.Score += math.Max(0, w.LengthBase-math.Log10(math.Max(10, float64(len(rawURL)))))
	return c
}

// Rank scores results, drops duplicate URLs and hard-excluded candidates, and
// sorts by score descending with shorter URLs first on ties.
func (s *Scorer) Rank(results []serp.Result, brandToken string, tokens []string) []Candidate {
	seen := make(map[string]struct{}, len(results))
	ranked := make([]Candidate, 0, len(results))
	for _, r := range results {
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		c := s.Score(r.URL, r.Text, brandToken, tokens)
		if c.Score <= s.Weights.Blacklisted {
			continue
		}
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return len(ranked[i].URL) < len(ranked[j].URL)
	})
	return ranked
}

// Prefer picks the brand-domain candidate among the top ranked ones: the
// first with a product-like path, else the one with the shortest path, ties
// going to the higher score. ok is false when no brand-domain candidate exists.
func (s *Scorer) Prefer(ranked []Candidate, brandToken string) (Candidate, bool) {
	if brandToken == "" {
		return Candidate{}, false
	}
	window := ranked
	if len(window) > refineWindow {
		window = window[:refineWindow]
	}

	var brand []Candidate
	for _, c := range window {
		if strings.Contains(c.Domain, brandToken) {
			brand = append(brand, c)
		}
	}
	if len(brand) == 0 {
		return Candidate{}, false
	}
	for _, c := range brand {
		if s.ProductLike(c.Path) {
			return c, true
		}
	}
	best := brand[0]
	for _, c := range brand[1:] {
		if len(c.Path) < len(best.Path) || (len(c.Path) == len(best.Path) && c.Score > best.Score) {
			best = c
		}
	}
	return best, true
}

// Shortlist returns up to n candidates to validate: the preferred
// brand-domain candidate first, then the rest in rank order.
func (s *Scorer) Shortlist(ranked []Candidate, brandToken string, n int) []Candidate {
	out := make([]Candidate, 0, n)
	seen := make(map[string]struct{})
	add := func(c Candidate) {
		if len(out) >= n {
			return
		}
		if _, ok := seen[c.URL]; ok {
			return
		}
		seen[c.URL] = struct{}{}
		out = append(out, c)
	}
	if p, ok := s.Prefer(ranked, brandToken); ok {
		add(p)
	}
	for _, c := range ranked {
		add(c)
	}
	return out
}
