// Package page extracts product evidence from fetched HTML and classifies
// pages as product pages, search result pages or neither.
package page

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Signal is the verdict of Classify.
type Signal int

const (
	SignalUnknown Signal = iota
	SignalProduct
	SignalSearchResults
)

func (s Signal) String() string {
	switch s {
	case SignalProduct:
		return "product"
	case SignalSearchResults:
		return "search_results"
	default:
		return "unknown"
	}
}

// Product is one schema.org Product object found in JSON-LD.
type Product struct {
	Name  string
	Brand string
}

// Document is a parsed HTML page.
type Document struct {
	URL *url.URL
	doc *goquery.Document
}

// Parse reads body as HTML. pageURL is the URL the body was served from and
// anchors relative links.
func Parse(pageURL string, body []byte) (*Document, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return &Document{URL: u, doc: doc}, nil
}

// Title returns the whitespace-collapsed <title> text.
func (d *Document) Title() string {
	return collapse(d.doc.Find("title").First().Text())
}

// Canonical returns the absolute canonical URL, or the page URL when none
// is declared.
func (d *Document) Canonical() string {
	href, ok := d.doc.Find(`link[rel="canonical"]`).First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return d.URL.String()
	}
	ref, err := url.Parse(href)
	if err != nil {
		return d.URL.String()
	}
	return d.URL.ResolveReference(ref).String()
}

// Meta returns the content of a <meta property=...> or <meta name=...> tag.
func (d *Document) Meta(key string) string {
	sel := d.doc.Find(`meta[property="` + key + `"], meta[name="` + key + `"]`).First()
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v)
}

// ReviewAnchor returns the fragment id of the reviews section: "reviews" when
// such an element exists, else the first id containing "review".
func (d *Document) ReviewAnchor() string {
	if d.doc.Find("#reviews").Length() > 0 {
		return "reviews"
	}
	var anchor string
	d.doc.Find("[id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		id, _ := s.Attr("id")
		if strings.Contains(strings.ToLower(id), "review") {
			anchor = id
			return false
		}
		return true
	})
	return anchor
}

// Products walks every JSON-LD block and returns the Product objects found,
// including those nested in arrays and @graph containers. Malformed blocks
// are skipped.
func (d *Document) Products() []Product {
	var out []Product
	d.doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &v); err != nil {
			return
		}
		walk(v, &out)
	})
	return out
}

func walk(v any, out *[]Product) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			walk(item, out)
		}
	case map[string]any:
		if isProduct(t["@type"]) {
			*out = append(*out, Product{
				Name:  collapse(str(t["name"])),
				Brand: collapse(brandName(t["brand"])),
			})
		}
		if g, ok := t["@graph"]; ok {
			walk(g, out)
		}
		if m, ok := t["mainEntity"]; ok {
			walk(m, out)
		}
	}
}

func isProduct(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, "Product") || strings.HasSuffix(t, "/Product")
	case []any:
		for _, x := range t {
			if isProduct(x) {
				return true
			}
		}
	}
	return false
}

func brandName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return str(t["name"])
	case []any:
		if len(t) > 0 {
			return brandName(t[0])
		}
	}
	return ""
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var cartText = regexp.MustCompile(`(?i)\b(add to (cart|bag|basket)|ajouter au panier|buy now|in den warenkorb)\b`)

// HasAddToCart reports an e-commerce purchase affordance: a cart form, a
// button or link labelled like add-to-cart, or the common platform hooks.
func (d *Document) HasAddToCart() bool {
	if d.doc.Find(`form[action*="/cart/add"], [name="add-to-cart"], [data-add-to-cart], .add-to-cart, #add-to-cart, button.single_add_to_cart_button`).Length() > 0 {
		return true
	}
	found := false
	d.doc.Find(`button, input[type="submit"], a`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		label := s.Text()
		if v, ok := s.Attr("value"); ok {
			label += " " + v
		}
		if cartText.MatchString(label) {
			found = true
			return false
		}
		return true
	})
	return found
}

var searchTitle = regexp.MustCompile(`(?i)(search results|results for|résultats de recherche|suchergebnisse)`)

// LooksLikeSearch reports search-result markers in the URL or page.
func (d *Document) LooksLikeSearch() bool {
	if SearchURL(d.URL) {
		return true
	}
	if searchTitle.MatchString(d.Title()) {
		return true
	}
	return d.doc.Find(`.search-results, #search-results, [data-search-results], .searchResults`).Length() > 0
}

// SearchURL reports whether u is shaped like an on-site search.
func SearchURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if strings.Contains(p, "/search") || strings.Contains(p, "catalogsearch") {
		return true
	}
	q := u.Query()
	return q.Has("q") || q.Has("s")
}

// Classify consolidates the product and search checks into one verdict.
// Product evidence wins over search evidence: a search that redirects
// straight to a product page is a product.
func (d *Document) Classify() Signal {
	if len(d.Products()) > 0 || strings.EqualFold(d.Meta("og:type"), "product") || d.HasAddToCart() {
		return SignalProduct
	}
	if d.LooksLikeSearch() {
		return SignalSearchResults
	}
	return SignalUnknown
}

// Links returns the absolute http(s) links on the page that stay on the
// page's host, without fragments, deduplicated in document order.
func (d *Document) Links() []string {
	var links []string
	seen := make(map[string]struct{})
	d.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := d.URL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !strings.EqualFold(abs.Hostname(), d.URL.Hostname()) {
			return
		}
		abs.Fragment = ""
		key := abs.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		links = append(links, key)
	})
	return links
}

// Classify parses body and classifies it in one step. Unparsable input is
// SignalUnknown.
func Classify(pageURL string, body []byte) Signal {
	d, err := Parse(pageURL, body)
	if err != nil {
		return SignalUnknown
	}
	return d.Classify()
}
