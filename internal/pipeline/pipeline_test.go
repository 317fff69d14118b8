package pipeline

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"

	"github.com/FranksOps/pinpoint/internal/query"
	"github.com/FranksOps/pinpoint/internal/scraper"
	"github.com/FranksOps/pinpoint/internal/serp"
)

// fakeWeb serves fixed bodies by exact URL and 404 for everything else.
type fakeWeb struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (f *fakeWeb) Fetch(ctx context.Context, u string, _ ...scraper.Option) (*scraper.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, u)
	body, ok := f.pages[u]
	f.mu.Unlock()

	res := &scraper.Result{URL: u, FinalURL: u}
	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res, err
	}
	if !ok {
		res.StatusCode = http.StatusNotFound
		return res, nil
	}
	res.StatusCode = http.StatusOK
	res.Body = []byte(body)
	return res, nil
}

func (f *fakeWeb) fetched(u string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.calls, u)
}

type fakeSearch struct {
	results []serp.Result
	calls   int
}

func (s *fakeSearch) Search(_ context.Context, _ string) []serp.Result {
	s.calls++
	return s.results
}

const (
	jsonLDPage = `<html><head><title>Jamieson</title>
<script type="application/ld+json">{"@type":"Product","name":"Vitamin D3 1000 IU","brand":{"@type":"Brand","name":"Jamieson"}}</script>
</head><body></body></html>`
	cartPage   = `<html><body><h1>Vitamin D3</h1><button>Add to cart</button></body></html>`
	plainPage  = `<html><head><title>About</title></head><body>Hello</body></html>`
	searchPage = `<html><head><title>Search results</title></head><body><a href="/about">About</a></body></html>`
)

var jamiesonD3 = query.Product{Brand: "Jamieson", Name: "Vitamin D3", Amount: 1000, Unit: "IU", Locale: "en-CA"}

func TestPlan_Next(t *testing.T) {
	tests := []struct {
		plan Plan
		from State
		want State
	}{
		{Interactive, Done, WebSearch},
		{Interactive, WebSearch, MarketplaceFallback},
		{Interactive, MarketplaceFallback, Done},
		{Discovery, Done, DirectProbe},
		{Discovery, DirectProbe, SiteSearch},
		{Discovery, SiteSearch, MarketplaceFallback},
		{Discovery, WebSearch, Done},
		{Plan{}, Done, Done},
	}
	for _, tt := range tests {
		if got := tt.plan.next(tt.from); got != tt.want {
			t.Errorf("%s.next(%s): expected %s, got %s", tt.plan.Name, tt.from, tt.want, got)
		}
	}
}

func TestRun_NoQuery(t *testing.T) {
	web := &fakeWeb{}
	search := &fakeSearch{}
	p := New(web, search, nil)

	for _, plan := range []Plan{Interactive, Discovery} {
		report, err := p.Run(context.Background(), plan, query.Product{Amount: 500, Unit: "mg", Locale: "en-CA"})
		if !errors.Is(err, query.ErrNoQuery) {
			t.Fatalf("%s: expected ErrNoQuery, got %v", plan.Name, err)
		}
		if report != nil {
			t.Errorf("%s: expected no report, got %+v", plan.Name, report)
		}
	}
	if len(web.calls) != 0 || search.calls != 0 {
		t.Errorf("expected no network calls, got %d fetches and %d searches", len(web.calls), search.calls)
	}
}

func TestResolve_BrandPageWins(t *testing.T) {
	const brandURL = "https://jamieson.ca/products/vitamin-d3-1000iu"
	const amazonURL = "https://www.amazon.com/Jamieson-Vitamin-D3-1000-IU/dp/B00"
	web := &fakeWeb{pages: map[string]string{
		brandURL:  jsonLDPage,
		amazonURL: jsonLDPage,
	}}
	search := &fakeSearch{results: []serp.Result{
		{URL: amazonURL, Text: "Jamieson Vitamin D3 1000 IU"},
		{URL: "https://www.healthblog.example/best-vitamin-d", Text: "Best vitamin D"},
		{URL: brandURL, Text: "Vitamin D3 1000 IU | Jamieson"},
	}}

	report, err := New(web, search, nil).Resolve(context.Background(), jamiesonD3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Resolved{URL: brandURL, Source: SourceSearchEngine}
	if report.Outcome != want {
		t.Errorf("expected %+v, got %+v", want, report.Outcome)
	}
	if report.Fallback {
		t.Error("validated result must not be flagged as fallback")
	}
	if web.fetched(amazonURL) {
		t.Error("blacklisted candidate must never be fetched")
	}
	if len(report.Top) != 2 || report.Top[0].URL != brandURL {
		t.Errorf("unexpected top candidates %+v", report.Top)
	}
	if report.Query != "Jamieson Vitamin D3 1000 IU" {
		t.Errorf("unexpected query %q", report.Query)
	}
}

func TestResolve_FallsBackToSearchLink(t *testing.T) {
	tests := []struct {
		name    string
		results []serp.Result
		reason  string
	}{
		{name: "no results", reason: ReasonNoResults},
		{
			name:    "nothing validates",
			results: []serp.Result{{URL: "https://www.healthblog.example/best-vitamin-d", Text: "Best vitamin D"}},
			reason:  ReasonNoMatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&fakeWeb{}, &fakeSearch{results: tt.results}, nil)
			report, err := p.Resolve(context.Background(), jamiesonD3)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := Resolved{URL: "https://duckduckgo.com/?q=Jamieson+Vitamin+D3+1000+IU", Source: SourceSearchEngine}
			if report.Outcome != want {
				t.Errorf("expected %+v, got %+v", want, report.Outcome)
			}
			if !report.Fallback {
				t.Error("expected fallback flag")
			}
			if len(report.Trace) != 2 || report.Trace[0].State != WebSearch || report.Trace[0].Reason != tt.reason {
				t.Errorf("unexpected trace %+v", report.Trace)
			}
		})
	}
}

func TestDiscover_DirectProbeLocalePath(t *testing.T) {
	const hit = "https://www.jamieson.ca/en-ca/products/vitamin-d3"
	web := &fakeWeb{pages: map[string]string{hit: `<meta property="og:type" content="product"><title>D3</title>`}}

	report, err := New(web, &fakeSearch{}, nil).Discover(context.Background(), jamiesonD3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := (Resolved{URL: hit, Source: SourceManufacturer}); report.Outcome != want {
		t.Errorf("expected %+v, got %+v", want, report.Outcome)
	}
	wantCalls := []string{
		"https://www.jamieson.ca/products/vitamin-d3",
		"https://www.jamieson.ca/product/vitamin-d3",
		"https://www.jamieson.ca/collections/vitamin-d3",
		"https://www.jamieson.ca/shop/vitamin-d3",
		hit,
	}
	if !slices.Equal(web.calls, wantCalls) {
		t.Errorf("expected probe order %v, got %v", wantCalls, web.calls)
	}
}

func TestDiscover_SitemapSupplement(t *testing.T) {
	const hit = "https://www.jamieson.ca/en/vitamin-d3-1000-iu.html"
	web := &fakeWeb{pages: map[string]string{
		"https://www.jamieson.ca/robots.txt": "User-agent: *\nAllow: /\nSitemap: https://www.jamieson.ca/sm.xml\n",
		"https://www.jamieson.ca/sm.xml": `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>https://www.jamieson.ca/en/omega-3.html</loc></url>
<url><loc>https://www.jamieson.ca/en/vitamin-d3-1000-iu.html</loc></url>
</urlset>`,
		hit: cartPage,
	}}

	report, err := New(web, &fakeSearch{}, nil).Discover(context.Background(), jamiesonD3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := (Resolved{URL: hit, Source: SourceManufacturer}); report.Outcome != want {
		t.Errorf("expected %+v, got %+v", want, report.Outcome)
	}
	if web.fetched("https://www.jamieson.ca/en/omega-3.html") {
		t.Error("sitemap entries without the slug must not be probed")
	}
}

func TestDiscover_SiteSearch(t *testing.T) {
	const searchURL = "https://www.jamieson.ca/search?q=Vitamin+D3+1000+IU"

	t.Run("follows product link", func(t *testing.T) {
		web := &fakeWeb{pages: map[string]string{
			searchURL: `<title>Search results</title><a href="/about">About</a><a href="/products/vitamin-d3-softgels">D3</a>`,
			"https://www.jamieson.ca/products/vitamin-d3-softgels": jsonLDPage,
		}}
		report, err := New(web, &fakeSearch{}, nil).Discover(context.Background(), jamiesonD3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := Resolved{URL: "https://www.jamieson.ca/products/vitamin-d3-softgels", Source: SourceManufacturerSearch}
		if report.Outcome != want {
			t.Errorf("expected %+v, got %+v", want, report.Outcome)
		}
	})

	t.Run("search page is better than nothing", func(t *testing.T) {
		web := &fakeWeb{pages: map[string]string{searchURL: searchPage}}
		report, err := New(web, &fakeSearch{}, nil).Discover(context.Background(), jamiesonD3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := (Resolved{URL: searchURL, Source: SourceManufacturerSearch}); report.Outcome != want {
			t.Errorf("expected %+v, got %+v", want, report.Outcome)
		}
		if report.Fallback {
			t.Error("site search result is not the fallback link")
		}
	})
}

func TestDiscover_MarketplaceFallback(t *testing.T) {
	web := &fakeWeb{pages: map[string]string{"https://www.jamieson.ca/about": plainPage}}
	report, err := New(web, &fakeSearch{}, nil).Discover(context.Background(), jamiesonD3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Resolved{URL: "https://www.amazon.ca/s?k=Jamieson+Vitamin+D3+1000+IU", Source: SourceAmazonSearch}
	if report.Outcome != want {
		t.Errorf("expected %+v, got %+v", want, report.Outcome)
	}
	states := make([]State, 0, len(report.Trace))
	for _, s := range report.Trace {
		states = append(states, s.State)
	}
	if !slices.Equal(states, []State{DirectProbe, SiteSearch, MarketplaceFallback}) || !report.Fallback {
		t.Errorf("unexpected trace %+v", report.Trace)
	}
}

func TestDiscover_SkipsProbesWithoutHosts(t *testing.T) {
	web := &fakeWeb{}
	report, err := New(web, &fakeSearch{}, nil).Discover(context.Background(), query.Product{Ingredient: "Magnesium"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(web.calls) != 0 {
		t.Errorf("expected no fetches, got %v", web.calls)
	}
	if len(report.Trace) != 3 || report.Trace[0].Result != "skipped" || report.Trace[1].Result != "skipped" {
		t.Errorf("expected probe states skipped, got %+v", report.Trace)
	}
	if want := (Resolved{URL: "https://www.amazon.com/s?k=Magnesium", Source: SourceAmazonSearch}); report.Outcome != want {
		t.Errorf("expected %+v, got %+v", want, report.Outcome)
	}
}

func TestDiscover_RespectRobots(t *testing.T) {
	web := &fakeWeb{pages: map[string]string{
		"https://www.jamieson.ca/robots.txt":          "User-agent: *\nDisallow: /products/\n",
		"https://www.jamieson.ca/products/vitamin-d3": cartPage,
		"https://www.jamieson.ca/shop/vitamin-d3":     cartPage,
	}}
	p := New(web, &fakeSearch{}, nil, WithConfig(Config{RespectRobots: true}))
	report, err := p.Discover(context.Background(), jamiesonD3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := (Resolved{URL: "https://www.jamieson.ca/shop/vitamin-d3", Source: SourceManufacturer}); report.Outcome != want {
		t.Errorf("expected %+v, got %+v", want, report.Outcome)
	}
	if web.fetched("https://www.jamieson.ca/products/vitamin-d3") {
		t.Error("disallowed path was fetched")
	}
}

func TestRun_Unresolved(t *testing.T) {
	plan := Plan{Name: "search-only", States: []State{WebSearch}}
	report, err := New(&fakeWeb{}, &fakeSearch{}, nil).Run(context.Background(), plan, jamiesonD3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := (Unresolved{Reason: ReasonNoResults}); report.Outcome != want {
		t.Errorf("expected %+v, got %+v", want, report.Outcome)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&fakeWeb{}, &fakeSearch{}, nil).Discover(ctx, jamiesonD3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFallbackURL(t *testing.T) {
	tests := []struct {
		source Source
		locale string
		want   string
	}{
		{SourceAmazonSearch, "en-GB", "https://www.amazon.co.uk/s?k=fish+oil"},
		{SourceAmazonSearch, "fr_CA", "https://www.amazon.ca/s?k=fish+oil"},
		{SourceAmazonSearch, "", "https://www.amazon.com/s?k=fish+oil"},
		{SourceSearchEngine, "en-CA", "https://duckduckgo.com/?q=fish+oil"},
	}
	for _, tt := range tests {
		if got := FallbackURL(tt.source, "fish oil", tt.locale); got != tt.want {
			t.Errorf("FallbackURL(%s, %q): expected %s, got %s", tt.source, tt.locale, tt.want, got)
		}
	}
}
