// Package domains derives the hostnames worth probing directly for a brand.
// Everything here is pure string generation; no network calls are made.
package domains

import (
	"strings"

	"github.com/FranksOps/pinpoint/internal/query"
	"golang.org/x/text/language"
)

// DefaultTLDs is the unbiased TLD priority list.
var DefaultTLDs = []string{".com", ".ca", ".co.uk", ".com.au", ".de", ".fr", ".net", ".co"}

// DefaultLocaleTLDs maps an ISO 3166 region to the TLDs promoted for it.
var DefaultLocaleTLDs = map[string][]string{
	"CA": {".ca"},
	"GB": {".co.uk", ".uk"},
	"AU": {".com.au"},
	"NZ": {".co.nz"},
	"DE": {".de"},
	"FR": {".fr"},
	"IE": {".ie"},
	"US": {".com", ".us"},
}

// DefaultRetailers lists health retailers whose product pages are acceptable
// when the manufacturer does not sell directly.
var DefaultRetailers = map[string][]string{
	"":   {"iherb.com", "vitacost.com"},
	"CA": {"well.ca", "shoppersdrugmart.ca", "londondrugs.com", "iherb.com"},
	"US": {"iherb.com", "vitacost.com", "cvs.com", "walgreens.com"},
	"GB": {"hollandandbarrett.com", "boots.com", "iherb.com"},
	"AU": {"chemistwarehouse.com.au", "priceline.com.au", "iherb.com"},
}

// Resolver builds ordered host lists from a brand and locale.
type Resolver struct {
	TLDs       []string
	LocaleTLDs map[string][]string
	Retailers  map[string][]string
}

// Default returns a Resolver over the static lists above.
func Default() *Resolver {
	return &Resolver{
		TLDs:       DefaultTLDs,
		LocaleTLDs: DefaultLocaleTLDs,
		Retailers:  DefaultRetailers,
	}
}

// Country extracts the upper-case region code from a locale such as "en-CA",
// "fr_CA" or "CA". A bare two-letter code is a region only when upper-case;
// "ca" is Catalan. It returns "" when no region can be determined.
func Country(locale string) string {
	locale = strings.TrimSpace(strings.ReplaceAll(locale, "_", "-"))
	if locale == "" {
		return ""
	}
	if len(locale) == 2 && locale == strings.ToUpper(locale) {
		if r, err := language.ParseRegion(locale); err == nil {
			return r.String()
		}
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return ""
	}
	r, conf := tag.Region()
	if conf < language.High {
		return ""
	}
	return r.String()
}

// Language returns the lower-case base language of locale, or "" if unknown.
func Language(locale string) string {
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

var apostrophes = strings.NewReplacer("'", "", "’", "")

// Cores returns the concatenated and hyphenated shapes of brand, deduplicated.
func Cores(brand string) []string {
	words := query.Tokens(apostrophes.Replace(query.Fold(brand)))
	if len(words) == 0 {
		return nil
	}
	joined := query.BrandToken(brand)
	hyphenated := strings.Join(words, "-")
	if joined == hyphenated {
		return []string{joined}
	}
	return []string{joined, hyphenated}
}

// TLDOrder returns the resolver's TLD list with locale-matching TLDs first.
func (r *Resolver) TLDOrder(locale string) []string {
	biased := r.LocaleTLDs[Country(locale)]
	ordered := make([]string, 0, len(biased)+len(r.TLDs))
	seen := make(map[string]struct{})
	for _, list := range [][]string{biased, r.TLDs} {
		for _, tld := range list {
			if _, ok := seen[tld]; ok {
				continue
			}
			seen[tld] = struct{}{}
			ordered = append(ordered, tld)
		}
	}
	return ordered
}

// Hosts returns candidate hostnames for brand, most preferred first. Hosts
// are emitted TLD-major so that every locale-biased host precedes the
// unbiased list.
func (r *Resolver) Hosts(brand, locale string) []string {
	cores := Cores(brand)
	if len(cores) == 0 {
		return nil
	}
	var hosts []string
	seen := make(map[string]struct{})
	add := func(h string) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	for _, tld := range r.TLDOrder(locale) {
		for _, core := range cores {
			add("www." + core + tld)
			add(core + tld)
		}
	}
	return hosts
}

// RetailersFor returns the known retailer domains for locale, falling back to
// the region-agnostic list.
func (r *Resolver) RetailersFor(locale string) []string {
	if list, ok := r.Retailers[Country(locale)]; ok {
		return list
	}
	return r.Retailers[""]
}
