package serp

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/FranksOps/pinpoint/internal/metrics"
	"github.com/FranksOps/pinpoint/internal/scraper"
	"github.com/PuerkitoBio/goquery"
)

// DefaultEndpoint is the JavaScript-free DuckDuckGo results page.
const DefaultEndpoint = "https://html.duckduckgo.com/html/"

// DefaultSelectors are tried in order; the first that matches any anchor
// wins. Later entries cover older and lite layouts.
var DefaultSelectors = []string{
	"a.result__a",
	"a.result-link",
	".result h2 a",
	`a[href*="uddg="]`,
}

// DuckDuckGo scrapes the DuckDuckGo HTML endpoint.
type DuckDuckGo struct {
	fetcher   scraper.Getter
	endpoint  string
	selectors []string
	logger    *slog.Logger
}

// DuckDuckGoOption configures a DuckDuckGo provider.
type DuckDuckGoOption func(*DuckDuckGo)

// WithEndpoint points the provider at another results URL, e.g. a test server.
func WithEndpoint(endpoint string) DuckDuckGoOption {
	return func(d *DuckDuckGo) { d.endpoint = endpoint }
}

// WithSelectors replaces the anchor selector list.
func WithSelectors(selectors []string) DuckDuckGoOption {
	return func(d *DuckDuckGo) { d.selectors = selectors }
}

// NewDuckDuckGo creates a provider that fetches through fetcher.
func NewDuckDuckGo(fetcher scraper.Getter, logger *slog.Logger, opts ...DuckDuckGoOption) *DuckDuckGo {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DuckDuckGo{
		fetcher:   fetcher,
		endpoint:  DefaultEndpoint,
		selectors: DefaultSelectors,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ Provider = (*DuckDuckGo)(nil)

// Search issues exactly one request for query.
func (d *DuckDuckGo) Search(ctx context.Context, query string) []Result {
	target := d.endpoint + "?q=" + url.QueryEscape(query)

	res, err := d.fetcher.Fetch(ctx, target,
		scraper.WithHeader("Cache-Control", "no-cache"),
		scraper.WithHeader("Pragma", "no-cache"),
	)
	switch {
	case err != nil:
		d.logger.Warn("search cancelled", "query", query, "err", err)
		metrics.RecordSearch("duckduckgo", "error")
		return nil
	case res.Error != "":
		d.logger.Warn("search request failed", "query", query, "err", res.Error)
		metrics.RecordSearch("duckduckgo", "error")
		return nil
	case res.Blocked != "":
		d.logger.Warn("search engine challenged the request", "query", query, "vendor", res.Blocked)
		metrics.RecordSearch("duckduckgo", "blocked")
		return nil
	case !res.OK():
		d.logger.Warn("search returned non-success status", "query", query, "status", res.StatusCode)
		metrics.RecordSearch("duckduckgo", "error")
		return nil
	}

	results := d.parse(res.Body)
	if len(results) == 0 {
		metrics.RecordSearch("duckduckgo", "empty")
	} else {
		metrics.RecordSearch("duckduckgo", "ok")
	}
	d.logger.Debug("search complete", "query", query, "results", len(results))
	return results
}

func (d *DuckDuckGo) parse(body []byte) []Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	for _, sel := range d.selectors {
		anchors := doc.Find(sel)
		if anchors.Length() == 0 {
			continue
		}
		var results []Result
		anchors.Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok || strings.TrimSpace(href) == "" {
				return
			}
			results = append(results, Result{
				URL:  Unwrap(href),
				Text: strings.Join(strings.Fields(s.Text()), " "),
			})
		})
		if len(results) > 0 {
			return results
		}
	}
	return nil
}

// Unwrap exposes the destination of a search engine redirect link. It
// understands DuckDuckGo's uddg= parameter and the /url?q= form, completes
// protocol-relative hrefs, and returns href unchanged when nothing decodes.
func Unwrap(href string) string {
	href = strings.TrimSpace(href)
	abs := href
	if strings.HasPrefix(abs, "//") {
		abs = "https:" + abs
	}

	u, err := url.Parse(abs)
	if err != nil {
		return href
	}
	q := u.Query()
	if dest := q.Get("uddg"); dest != "" && looksAbsolute(dest) {
		return dest
	}
	if strings.HasSuffix(u.Path, "/url") || u.Path == "url" {
		for _, key := range []string{"q", "url"} {
			if dest := q.Get(key); dest != "" && looksAbsolute(dest) {
				return dest
			}
		}
	}
	return abs
}

func looksAbsolute(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
