package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/FranksOps/pinpoint/internal/domains"
	"github.com/FranksOps/pinpoint/internal/page"
	"github.com/FranksOps/pinpoint/internal/query"
	"github.com/FranksOps/pinpoint/internal/scraper"
	"github.com/FranksOps/pinpoint/internal/validate"
	"github.com/FranksOps/pinpoint/pkg/useragent"
)

// ProbePaths are tried on every host, %s being the product slug.
var ProbePaths = []string{
	"/products/%s",
	"/product/%s",
	"/collections/%s",
	"/shop/%s",
}

// SearchShapes are common storefront search URLs, %s being the escaped
// query: generic, Shopify, Magento and WooCommerce.
var SearchShapes = []string{
	"/search?q=%s",
	"/search?type=product&q=%s",
	"/catalogsearch/result/?q=%s",
	"/?s=%s&post_type=product",
}

// AmazonTLDs maps a region to its Amazon storefront. Others use ".com".
var AmazonTLDs = map[string]string{
	"CA": ".ca",
	"GB": ".co.uk",
	"AU": ".com.au",
	"DE": ".de",
	"FR": ".fr",
	"IE": ".ie",
	"JP": ".co.jp",
	"MX": ".com.mx",
	"IN": ".in",
}

// FallbackURL builds the never-validated last-resort link for source.
func FallbackURL(source Source, keywords, locale string) string {
	if source == SourceAmazonSearch {
		tld, ok := AmazonTLDs[domains.Country(locale)]
		if !ok {
			tld = ".com"
		}
		return "https://www.amazon" + tld + "/s?k=" + url.QueryEscape(keywords)
	}
	return "https://duckduckgo.com/?q=" + url.QueryEscape(keywords)
}

// productTerm is the part of the query that names the product itself.
func (r *run) productTerm() string {
	if name := strings.TrimSpace(r.q.Name); name != "" {
		return name
	}
	return strings.TrimSpace(r.q.Ingredient)
}

func (r *run) slug() string {
	return query.Slug(r.productTerm())
}

// probePaths expands ProbePaths, adding /<lang>-<country>/products/ and
// /<country>/products/ when the locale carries them.
func (r *run) probePaths(slug string) []string {
	paths := make([]string, 0, len(ProbePaths)+2)
	for _, p := range ProbePaths {
		paths = append(paths, fmt.Sprintf(p, slug))
	}
	country := strings.ToLower(domains.Country(r.q.Locale))
	if country == "" {
		return paths
	}
	if lang := domains.Language(r.q.Locale); lang != "" {
		paths = append(paths, "/"+lang+"-"+country+"/products/"+slug)
	}
	return append(paths, "/"+country+"/products/"+slug)
}

// fetch GETs u and reports the page signal. answered is true when the host
// produced any HTTP response.
func (r *run) fetch(ctx context.Context, u string) (res *scraper.Result, signal page.Signal, answered bool, err error) {
	if r.config.RespectRobots {
		allowed, aerr := r.robots.Allowed(ctx, u, useragent.Descriptive)
		if aerr == nil && !allowed {
			r.logger.Debug("robots.txt disallows probe", "url", u)
			return nil, page.SignalUnknown, false, ctx.Err()
		}
	}
	res, err = r.fetcher.Fetch(ctx, u, scraper.WithTimeout(r.config.ProbeTimeout))
	if err != nil {
		return nil, page.SignalUnknown, false, err
	}
	answered = res.StatusCode > 0
	if !res.OK() {
		return res, page.SignalUnknown, answered, nil
	}
	return res, page.Classify(finalURL(res), res.Body), answered, nil
}

func finalURL(res *scraper.Result) string {
	if res.FinalURL != "" {
		return res.FinalURL
	}
	return res.URL
}

func (r *run) directProbe(ctx context.Context) (Outcome, error) {
	slug := r.slug()
	if slug == "" {
		return Unresolved{Reason: ReasonNotFound}, nil
	}
	paths := r.probePaths(slug)

	for _, host := range r.hosts {
		origin := "https://" + host
		answered := false
		for _, path := range paths {
			res, signal, ok, err := r.fetch(ctx, origin+path)
			if err != nil {
				return nil, err
			}
			answered = answered || ok
			if signal == page.SignalProduct {
				return Resolved{URL: finalURL(res), Source: SourceManufacturer}, nil
			}
		}
		if !answered || r.config.SitemapURLs <= 0 {
			continue
		}
		o, err := r.probeSitemaps(ctx, origin, slug)
		if err != nil || o != nil {
			return o, err
		}
	}
	return Unresolved{Reason: ReasonNotFound}, nil
}

// probeSitemaps probes sitemap entries whose URL contains slug. Sitemaps
// come from robots.txt, else /sitemap.xml.
func (r *run) probeSitemaps(ctx context.Context, origin, slug string) (Outcome, error) {
	maps := r.robots.Sitemaps(ctx, origin)
	if len(maps) == 0 {
		maps = []string{origin + "/sitemap.xml"}
	}
	match := func(loc string) bool {
		return strings.Contains(strings.ToLower(loc), slug)
	}

	budget := r.config.SitemapURLs
	for _, sm := range maps {
		if budget <= 0 {
			break
		}
		urls, err := r.sitemaps.Find(ctx, sm, match, budget)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			r.logger.Debug("sitemap unavailable", "url", sm, "err", err)
		}
		budget -= len(urls)
		for _, u := range urls {
			res, signal, _, err := r.fetch(ctx, u)
			if err != nil {
				return nil, err
			}
			if signal == page.SignalProduct {
				return Resolved{URL: finalURL(res), Source: SourceManufacturer}, nil
			}
		}
	}
	return nil, nil
}

func (r *run) siteSearch(ctx context.Context) (Outcome, error) {
	term := query.Join(r.productTerm(), r.q.Dose())
	if term == "" {
		term = r.keywords
	}
	escaped := url.QueryEscape(term)
	slug := r.slug()

	for _, host := range r.hosts {
		var fallback string
		for _, shape := range SearchShapes {
			u := "https://" + host + fmt.Sprintf(shape, escaped)
			res, signal, _, err := r.fetch(ctx, u)
			if err != nil {
				return nil, err
			}
			if !res.OK() {
				continue
			}
			if signal == page.SignalProduct {
				return Resolved{URL: finalURL(res), Source: SourceManufacturerSearch}, nil
			}
			if o, err := r.followResult(ctx, res, slug); err != nil || o != nil {
				return o, err
			}
			if fallback == "" {
				fallback = u
			}
		}
		if fallback != "" {
			return Resolved{URL: fallback, Source: SourceManufacturerSearch}, nil
		}
	}
	return Unresolved{Reason: ReasonNotFound}, nil
}

// followResult opens the first same-host link on a search page whose URL
// contains slug and resolves when it is a product page.
func (r *run) followResult(ctx context.Context, res *scraper.Result, slug string) (Outcome, error) {
	if slug == "" {
		return nil, nil
	}
	doc, err := page.Parse(finalURL(res), res.Body)
	if err != nil {
		return nil, nil
	}
	for _, link := range doc.Links() {
		if !strings.Contains(strings.ToLower(link), slug) || page.SearchURL(parseURL(link)) {
			continue
		}
		linked, signal, _, err := r.fetch(ctx, link)
		if err != nil {
			return nil, err
		}
		if signal == page.SignalProduct {
			return Resolved{URL: finalURL(linked), Source: SourceManufacturerSearch}, nil
		}
		return nil, nil
	}
	return nil, nil
}

func parseURL(raw string) *url.URL {
	u, _ := url.Parse(raw)
	return u
}

func (r *run) webSearch(ctx context.Context) (Outcome, error) {
	results := r.search.Search(ctx, r.keywords)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	brand := query.BrandToken(r.q.Brand)
	ranked := r.scorer.Rank(results, brand, query.Tokens(r.keywords))
	r.report.Top = ranked[:min(len(ranked), r.config.TopN)]
	if len(ranked) == 0 {
		return Unresolved{Reason: ReasonNoResults}, nil
	}

	target := validate.Target{Brand: r.q.Brand, Product: r.productTerm(), Variant: r.q.Dose()}
	for _, c := range r.scorer.Shortlist(ranked, brand, r.config.Shortlist) {
		res, err := r.validator.Validate(ctx, target, c.URL)
		if errors.Is(err, validate.ErrRejected) {
			r.logger.Debug("candidate rejected", "url", c.URL, "score", c.Score, "err", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		return Resolved{URL: res.CanonicalURL, Source: SourceSearchEngine, ReviewURL: res.ReviewURL}, nil
	}
	return Unresolved{Reason: ReasonNoMatch}, nil
}
