// Package query turns structured product attributes into search keywords,
// scoring tokens and URL slugs.
package query

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrNoQuery is returned when none of the searchable fields carry a value.
// It is terminal: callers must not retry.
var ErrNoQuery = errors.New("no_query")

// Product describes the product a caller is looking for. Every field is
// optional, but at least one of Brand, Name or Ingredient must be set for a
// resolution attempt to be meaningful.
type Product struct {
	Brand      string  `json:"brand"`
	Name       string  `json:"product"`
	Ingredient string  `json:"ingredient"`
	Amount     float64 `json:"amount"`
	Unit       string  `json:"unit"`
	Locale     string  `json:"locale"`
}

// Dose joins Amount and Unit into one token such as "500 mg".
func (p Product) Dose() string {
	if p.Amount <= 0 {
		return strings.TrimSpace(p.Unit)
	}
	amount := strconv.FormatFloat(p.Amount, 'f', -1, 64)
	return strings.TrimSpace(amount + " " + strings.TrimSpace(p.Unit))
}

// Keywords builds the whitespace-normalised search string for p.
func Keywords(p Product) (string, error) {
	if strings.TrimSpace(p.Brand) == "" && strings.TrimSpace(p.Name) == "" && strings.TrimSpace(p.Ingredient) == "" {
		return "", ErrNoQuery
	}
	return Join(p.Brand, p.Name, p.Ingredient, p.Dose()), nil
}

// Join concatenates the non-empty parts with single spaces.
func Join(parts ...string) string {
	var fields []string
	for _, part := range parts {
		fields = append(fields, strings.Fields(part)...)
	}
	return strings.Join(fields, " ")
}

// Tokens splits s into lowercase alphanumeric tokens.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// BrandToken reduces a brand to its lowercase alphanumeric form.
func BrandToken(brand string) string {
	return strings.Join(Tokens(Fold(brand)), "")
}

var (
	vitaminD = regexp.MustCompile(`\bvit(?:amin)?\s*d(?:\s?(3))?\b`)
	nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
)

// Slug returns a URL-path-safe form of s suitable for guessing product paths
// such as /products/<slug>. Slug(Slug(s)) == Slug(s).
func Slug(s string) string {
	s = Fold(strings.ToLower(s))
	s = strings.Join(strings.Fields(nonAlnum.ReplaceAllString(s, " ")), " ")
	s = vitaminD.ReplaceAllString(s, "vitamin d$1")
	return strings.ReplaceAll(s, " ", "-")
}

// Fold strips accents and diacritics so "Émile" becomes "Emile".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// isMn reports nonspacing marks (accents, diacritics).
func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}
