package validate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/pinpoint/internal/fingerprint"
	"github.com/FranksOps/pinpoint/internal/scraper"
	"github.com/FranksOps/pinpoint/pkg/useragent"
)

func productPage(name, brand, extra string) string {
	return fmt.Sprintf(`<html><head><title>Shop</title>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"Product","name":%q,"brand":{"@type":"Brand","name":%q}}</script>
</head><body>%s</body></html>`, name, brand, extra)
}

func newValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	f, err := scraper.NewFetcher(scraper.FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return New(f, nil, opts...)
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != useragent.Descriptive {
			t.Errorf("expected descriptive user agent, got %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestValidate_AcceptsMatchingMarkup(t *testing.T) {
	ts := serve(t, http.StatusOK, productPage("Vitamin D3 1000 IU", "Jamieson", `<div id="reviews"></div>`))
	defer ts.Close()

	v := newValidator(t)
	res, err := v.Validate(context.Background(), Target{Brand: "Jamieson", Product: "Vitamin D3"}, ts.URL+"/products/d3?ref=search")
	if err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	if res.ProductSimilarity < 0.55 || res.BrandSimilarity != 1 {
		t.Errorf("unexpected similarities %+v", res)
	}
	if res.CanonicalURL != ts.URL+"/products/d3?ref=search" {
		t.Errorf("expected fetched url as canonical, got %s", res.CanonicalURL)
	}
	if res.ReviewURL != ts.URL+"/products/d3?ref=search#reviews" {
		t.Errorf("unexpected review url %s", res.ReviewURL)
	}
}

func TestValidate_RejectsUnrelatedBrand(t *testing.T) {
	ts := serve(t, http.StatusOK, productPage("Vitamin D3 1000 IU", "Nature Made", ""))
	defer ts.Close()

	v := newValidator(t)
	_, err := v.Validate(context.Background(), Target{Brand: "Jamieson", Product: "Vitamin D3"}, ts.URL+"/p")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), "brand similarity") {
		t.Errorf("expected brand gate to reject, got %v", err)
	}
}

func TestValidate_RejectsUnrelatedProduct(t *testing.T) {
	ts := serve(t, http.StatusOK, productPage("Magnesium Bisglycinate 200 mg", "Jamieson", ""))
	defer ts.Close()

	_, err := newValidator(t).Validate(context.Background(), Target{Brand: "Jamieson", Product: "Vitamin D3"}, ts.URL)
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "product similarity") {
		t.Fatalf("expected product gate to reject, got %v", err)
	}
}

func TestValidate_TitleFallback(t *testing.T) {
	body := `<html><head><title>Vitamin D3 1000 IU</title>
<link rel="canonical" href="https://brand.example/products/d3"></head></html>`
	ts := serve(t, http.StatusOK, body)
	defer ts.Close()

	// No markup brand and the test host cannot contain the brand, so only an
	// empty target brand passes the brand gate.
	res, err := newValidator(t).Validate(context.Background(), Target{Product: "Vitamin D3", Variant: "1000 IU"}, ts.URL)
	if err != nil {
		t.Fatalf("expected acceptance via title, got %v", err)
	}
	if res.ProductSimilarity != 1 {
		t.Errorf("expected exact title match, got %v", res.ProductSimilarity)
	}
	if res.CanonicalURL != "https://brand.example/products/d3" {
		t.Errorf("expected declared canonical, got %s", res.CanonicalURL)
	}
	if res.ReviewURL != "" {
		t.Errorf("expected no review url, got %s", res.ReviewURL)
	}
}

func TestValidate_Failures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(productPage("Vitamin D3", "Jamieson", "")))
	}))
	defer slow.Close()
	missing := serve(t, http.StatusNotFound, "not found")
	defer missing.Close()
	walled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer walled.Close()

	v := newValidator(t, WithTimeout(20*time.Millisecond))
	target := Target{Brand: "Jamieson", Product: "Vitamin D3"}

	for name, u := range map[string]string{
		"timeout":   slow.URL,
		"status":    missing.URL,
		"bot wall":  walled.URL,
		"transport": "http://127.0.0.1:1/",
	} {
		if _, err := v.Validate(context.Background(), target, u); !errors.Is(err, ErrRejected) {
			t.Errorf("%s: expected rejection, got %v", name, err)
		}
	}
}

func TestValidate_CancelledContext(t *testing.T) {
	ts := serve(t, http.StatusOK, productPage("Vitamin D3", "Jamieson", ""))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newValidator(t).Validate(ctx, Target{Brand: "Jamieson", Product: "Vitamin D3"}, ts.URL)
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestDomainHasBrand(t *testing.T) {
	for host, want := range map[string]bool{
		"https://www.natures-way.com/x": true,
		"https://naturesway.ca/":        true,
		"https://iherb.com/natures-way": false,
	} {
		u, _ := url.Parse(host)
		if got := domainHasBrand(u, "Nature's Way"); got != want {
			t.Errorf("domainHasBrand(%s): expected %v, got %v", host, want, got)
		}
	}
}
