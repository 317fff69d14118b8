package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/FranksOps/pinpoint/internal/pipeline"
	"github.com/FranksOps/pinpoint/internal/query"
	"github.com/FranksOps/pinpoint/internal/scoring"
	"github.com/FranksOps/pinpoint/internal/storage"
)

type fakeResolver struct {
	report *pipeline.Report
	err    error
	calls  int
	last   query.Product
}

func (f *fakeResolver) run(q query.Product) (*pipeline.Report, error) {
	f.calls++
	f.last = q
	if _, err := query.Keywords(q); err != nil {
		return nil, err
	}
	return f.report, f.err
}

func (f *fakeResolver) Resolve(_ context.Context, q query.Product) (*pipeline.Report, error) {
	return f.run(q)
}

func (f *fakeResolver) Discover(_ context.Context, q query.Product) (*pipeline.Report, error) {
	return f.run(q)
}

type memStore struct {
	mu      sync.Mutex
	records []*storage.Resolution
}

func (m *memStore) Save(_ context.Context, r *storage.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memStore) Query(context.Context, storage.Filter) ([]*storage.Resolution, error) {
	return m.records, nil
}

func (m *memStore) Close() error { return nil }

func top(n int) []scoring.Candidate {
	var out []scoring.Candidate
	for i := range n {
		out = append(out, scoring.Candidate{URL: "https://shop.example/p/" + string(rune('a'+i)), Score: float64(10 - i)})
	}
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHandleResolve(t *testing.T) {
	resolved := &pipeline.Report{
		Query:   "Jamieson Vitamin D3 1000 IU",
		Outcome: pipeline.Resolved{URL: "https://www.jamieson.ca/products/vitamin-d3", Source: pipeline.SourceSearchEngine},
		Top:     top(7),
	}
	fallback := &pipeline.Report{
		Query:    "Acme Zinc",
		Outcome:  pipeline.Resolved{URL: "https://duckduckgo.com/?q=Acme+Zinc", Source: pipeline.SourceSearchEngine},
		Fallback: true,
	}

	tests := []struct {
		name       string
		target     string
		report     *pipeline.Report
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name:       "resolved",
			target:     "/api/resolve?brand=Jamieson&product=Vitamin+D3&amount=1000&unit=IU",
			report:     resolved,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["url"] != "https://www.jamieson.ca/products/vitamin-d3" || body["source"] != "search-engine" {
					t.Errorf("unexpected body %v", body)
				}
				if body["query"] != "Jamieson Vitamin D3 1000 IU" {
					t.Errorf("unexpected query %v", body["query"])
				}
				top, _ := body["debugTop5"].([]any)
				if len(top) != 5 {
					t.Fatalf("expected 5 debug candidates, got %d", len(top))
				}
				first := top[0].(map[string]any)
				if first["url"] != "https://shop.example/p/a" || first["score"] != 10.0 {
					t.Errorf("unexpected first candidate %v", first)
				}
			},
		},
		{
			name:       "no query",
			target:     "/api/resolve?unit=mg",
			report:     resolved,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				url, present := body["url"]
				if !present || url != nil {
					t.Errorf("expected explicit null url, got %v", body)
				}
				if body["error"] != "no_query" {
					t.Errorf("expected no_query, got %v", body["error"])
				}
			},
		},
		{
			name:       "fallback link",
			target:     "/api/resolve?brand=Acme&product=Zinc",
			report:     fallback,
			wantStatus: http.StatusNotFound,
			check: func(t *testing.T, body map[string]any) {
				if body["url"] != "https://duckduckgo.com/?q=Acme+Zinc" || body["fallback"] != true {
					t.Errorf("unexpected body %v", body)
				}
				if body["source"] != "search-engine" {
					t.Errorf("unexpected source %v", body["source"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{report: tt.report}
			srv := NewServer(Config{}, resolver, nil)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("unexpected content type %q", ct)
			}
			tt.check(t, decode(t, rec))
		})
	}
}

func TestHandleResolve_ParsesParams(t *testing.T) {
	resolver := &fakeResolver{report: &pipeline.Report{Outcome: pipeline.Unresolved{Reason: pipeline.ReasonNoResults}}}
	srv := NewServer(Config{}, resolver, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/resolve?ingredient=Magnesium&amount=2,5&unit=mg&locale=en-CA", nil))

	want := query.Product{Ingredient: "Magnesium", Amount: 2.5, Unit: "mg", Locale: "en-CA"}
	if resolver.last != want {
		t.Errorf("expected %+v, got %+v", want, resolver.last)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unresolved outcome, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/resolve?brand=Jamieson&product=Vitamin+D3&amount=1,000&unit=IU", nil))
	if resolver.last.Amount != 1000 {
		t.Errorf("expected grouped amount read as 1000, got %v", resolver.last.Amount)
	}

	resolver.last = query.Product{}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/discover",
		strings.NewReader(`{"brand":"Jamieson","product":"Vitamin D3","amount":"1,000","unit":"IU"}`)))
	if resolver.last.Amount != 1000 {
		t.Errorf("expected grouped body amount read as 1000, got %v", resolver.last.Amount)
	}
}

func TestHandleDiscover(t *testing.T) {
	report := &pipeline.Report{
		Query:   "Jamieson Vitamin D3",
		Outcome: pipeline.Resolved{URL: "https://www.jamieson.ca/products/vitamin-d3", Source: pipeline.SourceManufacturer},
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   DiscoverResponse
		wantCalls  int
	}{
		{
			name:       "resolved",
			body:       `{"brand":"Jamieson","product":"Vitamin D3","amount":"1000","unit":"IU","locale":"en-CA"}`,
			wantStatus: http.StatusOK,
			wantBody:   DiscoverResponse{OK: true, URL: "https://www.jamieson.ca/products/vitamin-d3", Source: "manufacturer"},
			wantCalls:  1,
		},
		{
			name:       "numeric amount",
			body:       `{"brand":"Jamieson","amount":1000}`,
			wantStatus: http.StatusOK,
			wantBody:   DiscoverResponse{OK: true, URL: "https://www.jamieson.ca/products/vitamin-d3", Source: "manufacturer"},
			wantCalls:  1,
		},
		{
			name:       "malformed",
			body:       `{"brand":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   DiscoverResponse{Error: "bad_request"},
		},
		{
			name:       "empty",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   DiscoverResponse{Error: "bad_request"},
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{report: report}
			srv := NewServer(Config{}, resolver, nil)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/discover", strings.NewReader(tt.body))
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var got DiscoverResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if got != tt.wantBody {
				t.Errorf("expected %+v, got %+v", tt.wantBody, got)
			}
			if resolver.calls != tt.wantCalls {
				t.Errorf("expected %d resolver calls, got %d", tt.wantCalls, resolver.calls)
			}
		})
	}
}

func TestServer_Audit(t *testing.T) {
	store := &memStore{}
	resolver := &fakeResolver{report: &pipeline.Report{
		Query:   "Acme Zinc",
		Outcome: pipeline.Resolved{URL: "https://acme.example/zinc", Source: pipeline.SourceSearchEngine},
	}}
	srv := NewServer(Config{}, resolver, nil, WithStore(store))

	for _, target := range []string{"/api/resolve?brand=Acme&product=Zinc", "/api/resolve"} {
		srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	if len(store.records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(store.records))
	}
	ok, bad := store.records[0], store.records[1]
	if ok.Entry != "interactive" || ok.Status != storage.StatusResolved || ok.URL != "https://acme.example/zinc" || ok.Query != "Acme Zinc" {
		t.Errorf("unexpected record %+v", ok)
	}
	if bad.Status != storage.StatusInvalid || bad.Reason != "no_query" {
		t.Errorf("unexpected record %+v", bad)
	}
	if ok.ID == "" || ok.ID == bad.ID {
		t.Error("expected distinct record ids")
	}
}

func TestServer_Routes(t *testing.T) {
	srv := NewServer(Config{CORSOrigin: "*"}, &fakeResolver{}, nil)

	tests := []struct {
		method, target string
		want           int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/api/resolve", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/discover", http.StatusMethodNotAllowed},
		{http.MethodOptions, "/api/discover", http.StatusNoContent},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.target, tt.want, rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s %s: missing CORS header", tt.method, tt.target)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := map[string]float64{
		"500":        500,
		" 2.5":       2.5,
		"2,5":        2.5,
		"1,000":      1000,
		"1000":       1000,
		"12,500,000": 12500000,
		"1,000.5":    1000.5,
		"1,5000":     1.5,
		"":           0,
		"abc":        0,
		"-1":         0,
		"NaN":        0,
	}
	for in, want := range tests {
		if got := parseAmount(in); got != want {
			t.Errorf("parseAmount(%q) = %v, want %v", in, got, want)
		}
	}
}
