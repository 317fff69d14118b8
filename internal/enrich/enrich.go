// Package enrich fills in canonical product URLs across a catalogue by
// searching, filtering and validating candidates row by row.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/FranksOps/pinpoint/internal/dataset"
	"github.com/FranksOps/pinpoint/internal/domains"
	"github.com/FranksOps/pinpoint/internal/metrics"
	"github.com/FranksOps/pinpoint/internal/query"
	"github.com/FranksOps/pinpoint/internal/scoring"
	"github.com/FranksOps/pinpoint/internal/serp"
	"github.com/FranksOps/pinpoint/internal/storage"
	"github.com/FranksOps/pinpoint/internal/validate"
	"github.com/FranksOps/pinpoint/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

// Row statuses, also used as the audit notes.
const (
	StatusEnriched = "enriched"
	StatusNoMatch  = "no_match"
	StatusError    = "error"
)

// Validator is the acceptance check applied to each candidate.
type Validator interface {
	Validate(ctx context.Context, target validate.Target, candidateURL string) (*validate.Result, error)
}

var _ Validator = (*validate.Validator)(nil)

// Options tunes a run.
type Options struct {
	Concurrency   int           `mapstructure:"concurrency"`
	OnlyMissing   bool          `mapstructure:"only_missing"`
	Limit         int           `mapstructure:"limit"`
	SearchDelay   time.Duration `mapstructure:"search_delay"`
	MaxCandidates int           `mapstructure:"max_candidates"`
	RowTimeout    time.Duration `mapstructure:"row_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	// Locale biases brand hosts and retailers, e.g. "en-CA".
	Locale string `mapstructure:"locale"`
}

// DefaultOptions fill zero fields. MaxRetries is taken as given.
var DefaultOptions = Options{
	Concurrency:   5,
	SearchDelay:   750 * time.Millisecond,
	MaxCandidates: 10,
	RowTimeout:    2 * time.Minute,
	MaxRetries:    1,
}

// Stats summarises a run.
type Stats struct {
	Rows      int           `json:"rows"`
	Processed int           `json:"processed"`
	Enriched  int           `json:"enriched"`
	NoMatch   int           `json:"no_match"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Runner enriches dataset rows.
type Runner struct {
	search    serp.Provider
	validator Validator
	domains   *domains.Resolver
	scorer    *scoring.Scorer
	store     storage.Backend
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithDomains replaces domains.Default().
func WithDomains(d *domains.Resolver) Option {
	return func(r *Runner) { r.domains = d }
}

// WithScorer replaces the scorer whose blacklist drops marketplaces.
func WithScorer(s *scoring.Scorer) Option {
	return func(r *Runner) { r.scorer = s }
}

// WithStore records one audit entry per processed row.
func WithStore(b storage.Backend) Option {
	return func(r *Runner) { r.store = b }
}

// WithClock replaces time.Now for last_verified_utc.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner.
func New(search serp.Provider, validator Validator, opts Options, logger *slog.Logger, options ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOptions.Concurrency
	}
	if opts.SearchDelay == 0 {
		opts.SearchDelay = DefaultOptions.SearchDelay
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultOptions.MaxCandidates
	}
	if opts.RowTimeout <= 0 {
		opts.RowTimeout = DefaultOptions.RowTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	r := &Runner{
		search:    search,
		validator: validator,
		domains:   domains.Default(),
		scorer:    scoring.New(),
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Targets returns the indexes of the rows a run will process.
func (r *Runner) Targets(t *dataset.Table) []int {
	var idx []int
	for i, row := range t.Rows {
		if r.opts.OnlyMissing && row.Get(dataset.ColCanonicalURL) != "" {
			continue
		}
		idx = append(idx, i)
		if r.opts.Limit > 0 && len(idx) == r.opts.Limit {
			break
		}
	}
	return idx
}

type rowResult struct {
	row    *dataset.Row
	status string
}

// Run enriches the target rows of t in place. Other rows are untouched.
// Row failures are recorded in the row's notes; the returned error is only
// ctx's, in which case unstarted rows are left as they were.
func (r *Runner) Run(ctx context.Context, t *dataset.Table) (Stats, error) {
	start := time.Now()
	targets := r.Targets(t)
	results := make([]rowResult, len(targets))

	r.logger.Info("enrichment started", "rows", len(t.Rows), "targets", len(targets), "concurrency", r.opts.Concurrency)

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for k, idx := range targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := t.Rows[idx].Clone()
			results[k] = rowResult{row: row, status: r.process(ctx, idx, row)}
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		r.logger.Warn("enrichment interrupted", "err", err)
	}

	stats := Stats{Rows: len(t.Rows)}
	for k, idx := range targets {
		res := results[k]
		if res.row == nil {
			continue
		}
		t.Rows[idx] = res.row
		stats.Processed++
		switch res.status {
		case StatusEnriched:
			stats.Enriched++
		case StatusNoMatch:
			stats.NoMatch++
		default:
			stats.Errors++
		}
	}
	stats.Duration = time.Since(start)

	r.logger.Info("enrichment finished",
		"processed", stats.Processed,
		"enriched", stats.Enriched,
		"no_match", stats.NoMatch,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)
	if err == nil {
		err = ctx.Err()
	}
	return stats, err
}

// process enriches one row and returns its status. It never panics.
func (r *Runner) process(ctx context.Context, idx int, row *dataset.Row) (status string) {
	start := time.Now()
	rec := storage.NewResolution("enrich")
	rec.Brand = row.Get(dataset.ColBrand)
	rec.Product = row.Get(dataset.ColProductName)
	rec.Query = query.Join(rec.Brand, rec.Product)

	defer func() {
		if p := recover(); p != nil {
			row.AddNote(fmt.Sprintf("error: panic: %v", p))
			status = StatusError
			rec.Reason = fmt.Sprint(p)
		}
		metrics.RecordRow(status)
		rec.Status = status
		rec.Duration = time.Since(start)
		r.record(ctx, rec)
	}()

	var (
		res *validate.Result
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = r.attempt(ctx, row)
		if err == nil || !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil || attempt >= r.opts.MaxRetries {
			break
		}
		r.logger.Warn("row timed out, retrying", "row", idx, "attempt", attempt+1)
	}

	switch {
	case err != nil:
		r.logger.Error("row failed", "row", idx, "err", err)
		row.AddNote("error: " + err.Error())
		rec.Reason = err.Error()
		return StatusError
	case res == nil:
		r.logger.Debug("row unmatched", "row", idx, "query", rec.Query)
		row.AddNote(StatusNoMatch)
		rec.Reason = StatusNoMatch
		return StatusNoMatch
	}

	row.Set(dataset.ColCanonicalURL, res.CanonicalURL)
	if res.ReviewURL != "" {
		row.Set(dataset.ColReviewURL1, res.ReviewURL)
	}
	row.Set(dataset.ColLastVerified, r.now().UTC().Format(time.RFC3339))
	row.AddNote(StatusEnriched)
	rec.URL = res.CanonicalURL
	rec.Source = "search-engine"
	r.logger.Debug("row enriched", "row", idx, "url", res.CanonicalURL)
	return StatusEnriched
}

func (r *Runner) record(ctx context.Context, rec *storage.Resolution) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("audit record not saved", "err", err)
	}
}

func (r *Runner) attempt(ctx context.Context, row *dataset.Row) (*validate.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RowTimeout)
	defer cancel()
	return r.resolve(ctx, row)
}

// resolve searches and validates candidates for row. A nil result with a
// nil error means every candidate was rejected.
func (r *Runner) resolve(ctx context.Context, row *dataset.Row) (*validate.Result, error) {
	brand := row.Get(dataset.ColBrand)
	product := row.Get(dataset.ColProductName)
	if _, err := query.Keywords(query.Product{Brand: brand, Name: product}); err != nil {
		return nil, err
	}

	preferred := r.PreferredDomains(row)
	var results []serp.Result
	for i, q := range Queries(row) {
		if i > 0 {
			if err := ratelimit.Sleep(ctx, r.opts.SearchDelay); err != nil {
				return nil, err
			}
		}
		results = append(results, r.search.Search(ctx, q)...)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	candidates := r.Candidates(results, preferred)
	target := validate.Target{Brand: brand, Product: product, Variant: row.Get(dataset.ColVariant)}
	for _, c := range candidates {
		res, err := r.validator.Validate(ctx, target, c)
		if errors.Is(err, validate.ErrRejected) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, nil
}

// Queries returns the search strings for row: each variant restricted to
// the brand domain when one is known, then each variant unrestricted.
func Queries(row *dataset.Row) []string {
	brand := row.Get(dataset.ColBrand)
	product := row.Get(dataset.ColProductName)
	variant := row.Get(dataset.ColVariant)

	var variants []string
	for _, v := range []string{
		query.Join(brand, product, variant, row.Get(dataset.ColSize)),
		query.Join(brand, product),
		query.Join(product, variant, row.Get(dataset.ColForm)),
	} {
		if v != "" && !slices.Contains(variants, v) {
			variants = append(variants, v)
		}
	}

	var out []string
	if site := normalizeDomain(row.Get(dataset.ColBrandDomain)); site != "" {
		for _, v := range variants {
			out = append(out, v+" site:"+site)
		}
	}
	return append(out, variants...)
}

var prioritySplit = regexp.MustCompile(`[;|,]`)

// PreferredDomains lists domains in preference order: the row's brand
// domain, its source_priority entries, derived brand hosts, then known
// retailers.
func (r *Runner) PreferredDomains(row *dataset.Row) []string {
	var out []string
	add := func(d string) {
		if d = normalizeDomain(d); d != "" && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	add(row.Get(dataset.ColBrandDomain))
	for _, d := range prioritySplit.Split(row.Get(dataset.ColSourcePriority), -1) {
		add(d)
	}
	for _, h := range r.domains.Hosts(row.Get(dataset.ColBrand), r.opts.Locale) {
		add(h)
	}
	for _, d := range r.domains.RetailersFor(r.opts.Locale) {
		add(d)
	}
	return out
}

// normalizeDomain reduces "https://www.Brand.com/x" to "brand.com".
func normalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			s = u.Hostname()
		}
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "www.")
}

var irrelevantPath = regexp.MustCompile(`(?i)/(cart|checkout|login|signin|sign-in|register|account|my-account|policy|policies|privacy|privacy-policy|terms|terms-of-service|blog|blogs|news|careers|jobs|contact|contact-us|faq|faqs|search)(/|\.|$)`)

// Irrelevant reports URLs that are never product pages.
func Irrelevant(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return true
	}
	return irrelevantPath.MatchString(u.Path)
}

// Candidates drops irrelevant and blacklisted URLs, dedupes, and orders by
// preferred-domain weight, keeping search order within a weight. The list
// is capped at MaxCandidates.
func (r *Runner) Candidates(results []serp.Result, preferred []string) []string {
	type weighted struct {
		url    string
		weight int
	}
	var list []weighted
	seen := make(map[string]struct{})
	for _, res := range results {
		if _, ok := seen[res.URL]; ok || Irrelevant(res.URL) {
			continue
		}
		seen[res.URL] = struct{}{}
		domain := scoring.Domain(res.URL)
		if r.scorer.Blacklisted(domain) {
			continue
		}
		list = append(list, weighted{url: res.URL, weight: weight(domain, preferred)})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].weight > list[j].weight })

	out := make([]string, 0, min(len(list), r.opts.MaxCandidates))
	for _, w := range list {
		if len(out) == r.opts.MaxCandidates {
			break
		}
		out = append(out, w.url)
	}
	return out
}

// weight is len(preferred)-i for the first preferred domain i that domain
// equals or is a subdomain of, 0 otherwise.
func weight(domain string, preferred []string) int {
	for i, p := range preferred {
		if domain == p || strings.HasSuffix(domain, "."+p) {
			return len(preferred) - i
		}
	}
	return 0
}
