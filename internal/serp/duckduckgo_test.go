package serp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/pinpoint/internal/fingerprint"
	"github.com/FranksOps/pinpoint/internal/scraper"
)

const ddgPage = `<html><body>
<div class="result">
  <h2 class="result__title">
    <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.amazon.com%2Fdp%2FB000&amp;rut=x">Jamieson Vitamin D3 on Amazon</a>
  </h2>
</div>
<div class="result">
  <h2 class="result__title">
    <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.jamieson.ca%2Fproducts%2Fvitamin-d3-1000iu&amp;rut=y">Vitamin D3 1000 IU |  Jamieson</a>
  </h2>
</div>
<div class="result">
  <h2 class="result__title">
    <a class="result__a" href="https://example.org/plain">Plain   link</a>
  </h2>
</div>
</body></html>`

func newServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Header.Get("Cache-Control") != "no-cache" || r.Header.Get("Pragma") != "no-cache" {
			t.Errorf("expected caching to be disabled, got %v", r.Header)
		}
		if r.URL.Query().Get("q") != "jamieson vitamin d3 1000 IU" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func newProvider(t *testing.T, endpoint string) *DuckDuckGo {
	t.Helper()
	f, err := scraper.NewFetcher(scraper.FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewDuckDuckGo(f, nil, WithEndpoint(endpoint))
}

func TestDuckDuckGo_Search(t *testing.T) {
	var hits atomic.Int32
	ts := newServer(t, http.StatusOK, ddgPage, &hits)
	defer ts.Close()

	got := newProvider(t, ts.URL+"/html/").Search(context.Background(), "jamieson vitamin d3 1000 IU")

	want := []Result{
		{URL: "https://www.amazon.com/dp/B000", Text: "Jamieson Vitamin D3 on Amazon"},
		{URL: "https://www.jamieson.ca/products/vitamin-d3-1000iu", Text: "Vitamin D3 1000 IU | Jamieson"},
		{URL: "https://example.org/plain", Text: "Plain link"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected exactly one request, got %d", hits.Load())
	}
}

func TestDuckDuckGo_NonSuccessIsEmpty(t *testing.T) {
	ts := newServer(t, http.StatusServiceUnavailable, ddgPage, nil)
	defer ts.Close()

	if got := newProvider(t, ts.URL).Search(context.Background(), "jamieson vitamin d3 1000 IU"); len(got) != 0 {
		t.Errorf("expected no results on 503, got %v", got)
	}
}

func TestDuckDuckGo_UnreachableIsEmpty(t *testing.T) {
	p := newProvider(t, "http://127.0.0.1:1/html/")
	if got := p.Search(context.Background(), "anything"); len(got) != 0 {
		t.Errorf("expected no results, got %v", got)
	}
}

func TestDuckDuckGo_AnomalyPageIsEmpty(t *testing.T) {
	ts := newServer(t, http.StatusAccepted, `<div class="anomaly-modal__title">Unfortunately, bots use DuckDuckGo too.</div>`, nil)
	defer ts.Close()

	if got := newProvider(t, ts.URL).Search(context.Background(), "jamieson vitamin d3 1000 IU"); len(got) != 0 {
		t.Errorf("expected bot wall to yield no results, got %v", got)
	}
}

func TestDuckDuckGo_SelectorFallback(t *testing.T) {
	page := `<table><tr><td><a class="result-link" href="https://lite.example/a">Lite A</a></td></tr></table>
<p><a href="/html/?q=next">Next page</a></p>`
	ts := newServer(t, http.StatusOK, page, nil)
	defer ts.Close()

	got := newProvider(t, ts.URL).Search(context.Background(), "jamieson vitamin d3 1000 IU")
	if len(got) != 1 || got[0].URL != "https://lite.example/a" {
		t.Errorf("expected lite layout anchor, got %v", got)
	}
}

func TestDuckDuckGo_NoStructure(t *testing.T) {
	ts := newServer(t, http.StatusOK, "<html><body><p>nothing here</p></body></html>", nil)
	defer ts.Close()

	if got := newProvider(t, ts.URL).Search(context.Background(), "jamieson vitamin d3 1000 IU"); got != nil {
		t.Errorf("expected nil for page without anchors, got %v", got)
	}
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fbrand.com%2Fp%3Fid%3D1&rut=z", "https://brand.com/p?id=1"},
		{"https://duckduckgo.com/l/?uddg=https%3A%2F%2Fbrand.com%2F", "https://brand.com/"},
		{"/url?q=https://brand.com/x&sa=U", "https://brand.com/x"},
		{"//cdn.example/page", "https://cdn.example/page"},
		{"https://brand.com/plain", "https://brand.com/plain"},
		{"/l/?uddg=not-a-url", "/l/?uddg=not-a-url"},
		{"%zz", "%zz"},
	}
	for _, tt := range tests {
		if got := Unwrap(tt.in); got != tt.want {
			t.Errorf("Unwrap(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestProviderFunc(t *testing.T) {
	var p Provider = ProviderFunc(func(_ context.Context, q string) []Result {
		return []Result{{URL: "https://x/" + strings.ReplaceAll(q, " ", "-")}}
	})
	if got := p.Search(context.Background(), "a b"); got[0].URL != "https://x/a-b" {
		t.Errorf("unexpected %v", got)
	}
}
