// Package api serves the interactive and discovery resolution endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/pinpoint/internal/metrics"
	"github.com/FranksOps/pinpoint/internal/pipeline"
	"github.com/FranksOps/pinpoint/internal/query"
	"github.com/FranksOps/pinpoint/internal/storage"
)

const maxBodyBytes = 64 << 10

// Error codes returned in JSON bodies.
const (
	errNoQuery    = "no_query"
	errBadRequest = "bad_request"
	errNotFound   = "not_found"
	errTimeout    = "timeout"
)

// Resolver runs the two resolution plans.
type Resolver interface {
	Resolve(ctx context.Context, q query.Product) (*pipeline.Report, error)
	Discover(ctx context.Context, q query.Product) (*pipeline.Report, error)
}

var _ Resolver = (*pipeline.Pipeline)(nil)

// Config contains server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RequestTimeout bounds one resolution.
	RequestTimeout time.Duration
	// CORSOrigin is echoed in Access-Control-Allow-Origin when set.
	CORSOrigin string
}

// Server is the HTTP front end.
type Server struct {
	resolver Resolver
	store    storage.Backend
	config   Config
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithStore records one audit entry per resolution request.
func WithStore(b storage.Backend) Option {
	return func(s *Server) { s.store = b }
}

// NewServer creates a server over resolver.
func NewServer(cfg Config, resolver Resolver, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 45 * time.Second
	}
	s := &Server{
		resolver: resolver,
		config:   cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /api/resolve", s.handleResolve)
	s.mux.HandleFunc("POST /api/discover", s.handleDiscover)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.middleware(s.mux)
}

// Start listens until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting api server", "addr", s.config.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.config.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Skip health checks and scrapes to reduce noise.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// Candidate is one debugTop5 entry.
type Candidate struct {
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// ResolveResponse is the body of GET /api/resolve. URL is null only when
// no query could be built.
type ResolveResponse struct {
	URL       *string     `json:"url"`
	Source    string      `json:"source,omitempty"`
	ReviewURL string      `json:"reviewUrl,omitempty"`
	Query     string      `json:"query,omitempty"`
	Fallback  bool        `json:"fallback,omitempty"`
	DebugTop5 []Candidate `json:"debugTop5,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	q := query.Product{
		Brand:      v.Get("brand"),
		Name:       v.Get("product"),
		Ingredient: v.Get("ingredient"),
		Amount:     parseAmount(v.Get("amount")),
		Unit:       v.Get("unit"),
		Locale:     v.Get("locale"),
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	report, err := s.resolver.Resolve(ctx, q)
	s.audit(r.Context(), pipeline.Interactive.Name, q, report, err, time.Since(start))

	switch {
	case errors.Is(err, query.ErrNoQuery):
		respondJSON(w, http.StatusBadRequest, ResolveResponse{Error: errNoQuery})
		return
	case err != nil:
		s.logger.Warn("resolve aborted", "err", err)
		respondJSON(w, http.StatusGatewayTimeout, ResolveResponse{Error: errTimeout})
		return
	}

	resp := ResolveResponse{Query: report.Query, DebugTop5: topN(report, 5)}
	res, ok := report.Outcome.(pipeline.Resolved)
	if !ok {
		resp.Error = errNotFound
		respondJSON(w, http.StatusNotFound, resp)
		return
	}
	resp.URL = &res.URL
	resp.Source = string(res.Source)
	resp.ReviewURL = res.ReviewURL
	if report.Fallback {
		resp.Fallback = true
		respondJSON(w, http.StatusNotFound, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// DiscoverRequest is the body of POST /api/discover.
type DiscoverRequest struct {
	Brand      string `json:"brand"`
	Product    string `json:"product"`
	Ingredient string `json:"ingredient"`
	Amount     Amount `json:"amount"`
	Unit       string `json:"unit"`
	Locale     string `json:"locale"`
}

// DiscoverResponse is the body of POST /api/discover.
type DiscoverResponse struct {
	OK       bool   `json:"ok"`
	URL      string `json:"url,omitempty"`
	Source   string `json:"source,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req DiscoverRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.logger.Debug("malformed discover body", "err", err)
		respondJSON(w, http.StatusBadRequest, DiscoverResponse{Error: errBadRequest})
		return
	}
	q := query.Product{
		Brand:      req.Brand,
		Name:       req.Product,
		Ingredient: req.Ingredient,
		Amount:     float64(req.Amount),
		Unit:       req.Unit,
		Locale:     req.Locale,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	report, err := s.resolver.Discover(ctx, q)
	s.audit(r.Context(), pipeline.Discovery.Name, q, report, err, time.Since(start))

	switch {
	case errors.Is(err, query.ErrNoQuery):
		respondJSON(w, http.StatusBadRequest, DiscoverResponse{Error: errBadRequest})
		return
	case err != nil:
		s.logger.Warn("discover aborted", "err", err)
		respondJSON(w, http.StatusGatewayTimeout, DiscoverResponse{Error: errTimeout})
		return
	}

	res, ok := report.Outcome.(pipeline.Resolved)
	if !ok {
		respondJSON(w, http.StatusNotFound, DiscoverResponse{Error: errNotFound})
		return
	}
	respondJSON(w, http.StatusOK, DiscoverResponse{
		OK:       true,
		URL:      res.URL,
		Source:   string(res.Source),
		Fallback: report.Fallback,
	})
}

// audit saves one record when a store is configured. Failures are logged.
func (s *Server) audit(ctx context.Context, entry string, q query.Product, report *pipeline.Report, err error, d time.Duration) {
	if s.store == nil {
		return
	}
	rec := storage.NewResolution(entry)
	rec.Brand = q.Brand
	rec.Product = q.Name
	rec.Duration = d

	switch {
	case errors.Is(err, query.ErrNoQuery):
		rec.Status, rec.Reason = storage.StatusInvalid, errNoQuery
	case err != nil:
		rec.Status, rec.Reason = storage.StatusUnresolved, err.Error()
	}
	if report != nil {
		rec.Query = report.Query
		switch o := report.Outcome.(type) {
		case pipeline.Resolved:
			rec.Status, rec.URL, rec.Source = storage.StatusResolved, o.URL, string(o.Source)
			if report.Fallback {
				rec.Reason = "fallback"
			}
		case pipeline.Unresolved:
			rec.Status, rec.Reason = storage.StatusUnresolved, o.Reason
		}
	}

	if err := s.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("audit save failed", "id", rec.ID, "err", err)
	}
}

func topN(report *pipeline.Report, n int) []Candidate {
	out := make([]Candidate, 0, n)
	for _, c := range report.Top {
		if len(out) == n {
			break
		}
		out = append(out, Candidate{URL: c.URL, Score: c.Score})
	}
	return out
}

// Amount accepts a JSON number, a numeric string, or null.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(parseAmount(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// thousandsRe matches amounts written with comma digit grouping, "1,000".
var thousandsRe = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)

// parseAmount reads a dose amount, treating anything unparsable as absent.
// Commas group thousands when followed by exactly three digits and are
// decimal separators otherwise.
func parseAmount(s string) float64 {
	s = strings.TrimSpace(s)
	if thousandsRe.MatchString(s) {
		s = strings.ReplaceAll(s, ",", "")
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
