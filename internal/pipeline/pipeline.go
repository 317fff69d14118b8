// Package pipeline resolves a product query to a single URL by walking an
// explicit state machine: direct manufacturer probes, on-site search, web
// search with validation, and a marketplace fallback link.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FranksOps/pinpoint/internal/domains"
	"github.com/FranksOps/pinpoint/internal/metrics"
	"github.com/FranksOps/pinpoint/internal/query"
	"github.com/FranksOps/pinpoint/internal/scoring"
	"github.com/FranksOps/pinpoint/internal/scraper"
	"github.com/FranksOps/pinpoint/internal/serp"
	"github.com/FranksOps/pinpoint/internal/validate"
)

// State names one step of a Plan.
type State int

const (
	Done State = iota
	DirectProbe
	SiteSearch
	WebSearch
	MarketplaceFallback
)

func (s State) String() string {
	switch s {
	case DirectProbe:
		return "direct_probe"
	case SiteSearch:
		return "site_search"
	case WebSearch:
		return "web_search"
	case MarketplaceFallback:
		return "marketplace_fallback"
	default:
		return "done"
	}
}

// MarshalText renders the state name in JSON traces.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source tags where a resolved URL came from.
type Source string

const (
	SourceManufacturer       Source = "manufacturer"
	SourceManufacturerSearch Source = "manufacturer-search"
	SourceAmazonSearch       Source = "amazon-search"
	SourceSearchEngine       Source = "search-engine"
)

// Unresolved reasons.
const (
	ReasonNoHosts   = "no_hosts"
	ReasonNotFound  = "not_found"
	ReasonNoResults = "no_results"
	ReasonNoMatch   = "no_match"
)

// Outcome is either Resolved or Unresolved.
type Outcome interface {
	isOutcome()
}

// Resolved is a terminal outcome.
type Resolved struct {
	URL       string `json:"url"`
	Source    Source `json:"source"`
	ReviewURL string `json:"review_url,omitempty"`
}

// Unresolved means a state found nothing; the plan moves on.
type Unresolved struct {
	Reason string `json:"reason"`
}

func (Resolved) isOutcome()   {}
func (Unresolved) isOutcome() {}

// Plan is an ordered list of states. Fallback tags the link built by
// MarketplaceFallback.
type Plan struct {
	Name     string
	States   []State
	Fallback Source
}

var (
	// Interactive is the single-lookup flow: web search, then a generic
	// search-engine link.
	Interactive = Plan{
		Name:     "interactive",
		States:   []State{WebSearch, MarketplaceFallback},
		Fallback: SourceSearchEngine,
	}
	// Discovery is the manufacturer-first flow used for catalogue work.
	Discovery = Plan{
		Name:     "discovery",
		States:   []State{DirectProbe, SiteSearch, MarketplaceFallback},
		Fallback: SourceAmazonSearch,
	}
)

// next returns the state after s, or Done. Done as input yields the first
// state.
func (p Plan) next(s State) State {
	if s == Done {
		if len(p.States) == 0 {
			return Done
		}
		return p.States[0]
	}
	for i, st := range p.States {
		if st == s && i+1 < len(p.States) {
			return p.States[i+1]
		}
	}
	return Done
}

// Step is one entry of a run trace.
type Step struct {
	State    State         `json:"state"`
	Result   string        `json:"result"`
	Reason   string        `json:"reason,omitempty"`
	URL      string        `json:"url,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is everything a run produced.
type Report struct {
	Outcome Outcome `json:"outcome"`
	Query   string  `json:"query"`
	// Fallback is set when the outcome is the unvalidated fallback link.
	Fallback bool                `json:"fallback"`
	Trace    []Step              `json:"trace"`
	Top      []scoring.Candidate `json:"top,omitempty"`
}

// Config tunes the states.
type Config struct {
	MaxProbeHosts int           `mapstructure:"max_hosts"`
	ProbeTimeout  time.Duration `mapstructure:"timeout"`
	SitemapURLs   int           `mapstructure:"sitemap_urls"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Shortlist     int           `mapstructure:"shortlist"`
	TopN          int           `mapstructure:"top"`
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{
	MaxProbeHosts: 6,
	ProbeTimeout:  5 * time.Second,
	SitemapURLs:   3,
	Shortlist:     5,
	TopN:          5,
}

// Pipeline runs plans against shared collaborators. It is safe for
// concurrent use.
type Pipeline struct {
	fetcher   scraper.Getter
	search    serp.Provider
	validator *validate.Validator
	scorer    *scoring.Scorer
	domains   *domains.Resolver
	robots    *scraper.Robots
	sitemaps  *scraper.Sitemaps
	config    Config
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithValidator replaces the validator built over the pipeline's fetcher.
func WithValidator(v *validate.Validator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// WithScorer replaces scoring.New().
func WithScorer(s *scoring.Scorer) Option {
	return func(p *Pipeline) { p.scorer = s }
}

// WithDomains replaces domains.Default().
func WithDomains(r *domains.Resolver) Option {
	return func(p *Pipeline) { p.domains = r }
}

// WithConfig overrides DefaultConfig. Zero fields keep their defaults.
func WithConfig(c Config) Option {
	return func(p *Pipeline) {
		if c.MaxProbeHosts > 0 {
			p.config.MaxProbeHosts = c.MaxProbeHosts
		}
		if c.ProbeTimeout > 0 {
			p.config.ProbeTimeout = c.ProbeTimeout
		}
		if c.SitemapURLs != 0 {
			p.config.SitemapURLs = c.SitemapURLs
		}
		if c.Shortlist > 0 {
			p.config.Shortlist = c.Shortlist
		}
		if c.TopN > 0 {
			p.config.TopN = c.TopN
		}
		p.config.RespectRobots = c.RespectRobots
	}
}

// New creates a Pipeline that fetches pages through fetcher and queries
// search.
func New(fetcher scraper.Getter, search serp.Provider, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		fetcher:  fetcher,
		search:   search,
		scorer:   scoring.New(),
		domains:  domains.Default(),
		robots:   scraper.NewRobots(fetcher, logger),
		sitemaps: scraper.NewSitemaps(fetcher, logger),
		config:   DefaultConfig,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.validator == nil {
		p.validator = validate.New(fetcher, logger)
	}
	return p
}

// Resolve runs the Interactive plan.
func (p *Pipeline) Resolve(ctx context.Context, q query.Product) (*Report, error) {
	return p.Run(ctx, Interactive, q)
}

// Discover runs the Discovery plan.
func (p *Pipeline) Discover(ctx context.Context, q query.Product) (*Report, error) {
	return p.Run(ctx, Discovery, q)
}

// Run walks plan for q. It fails with query.ErrNoQuery before any network
// call when q has nothing to search for, and with ctx's error when ctx ends
// mid-run; the partial report is returned alongside the latter.
func (p *Pipeline) Run(ctx context.Context, plan Plan, q query.Product) (*Report, error) {
	keywords, err := query.Keywords(q)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	r := &run{
		Pipeline: p,
		plan:     plan,
		q:        q,
		keywords: keywords,
		hosts:    p.hosts(q),
		report:   &Report{Query: keywords},
	}

	var last Outcome = Unresolved{Reason: ReasonNoResults}
	for state := plan.next(Done); state != Done; state = plan.next(state) {
		stepStart := time.Now()
		outcome, skipped, err := r.step(ctx, state)
		if err != nil {
			return r.report, err
		}
		step := Step{State: state, Duration: time.Since(stepStart)}
		switch o := outcome.(type) {
		case Resolved:
			step.Result, step.URL = "resolved", o.URL
		case Unresolved:
			step.Result, step.Reason = "miss", o.Reason
			if skipped {
				step.Result = "skipped"
			}
		}
		r.report.Trace = append(r.report.Trace, step)
		p.logger.Debug("pipeline step", "plan", plan.Name, "state", state.String(), "result", step.Result, "reason", step.Reason, "url", step.URL)

		last = outcome
		if res, ok := outcome.(Resolved); ok {
			r.report.Fallback = state == MarketplaceFallback
			r.finish(res, start)
			return r.report, nil
		}
	}

	r.report.Outcome = last
	metrics.RecordResolution(plan.Name, "", "unresolved", time.Since(start))
	return r.report, nil
}

func (p *Pipeline) hosts(q query.Product) []string {
	hosts := p.domains.Hosts(q.Brand, q.Locale)
	if len(hosts) > p.config.MaxProbeHosts {
		hosts = hosts[:p.config.MaxProbeHosts]
	}
	return hosts
}

type run struct {
	*Pipeline
	plan     Plan
	q        query.Product
	keywords string
	hosts    []string
	report   *Report
}

func (r *run) finish(res Resolved, start time.Time) {
	r.report.Outcome = res
	outcome := "resolved"
	if r.report.Fallback {
		outcome = "fallback"
	}
	metrics.RecordResolution(r.plan.Name, string(res.Source), outcome, time.Since(start))
	r.logger.Info("resolved", "plan", r.plan.Name, "query", r.keywords, "url", res.URL, "source", res.Source)
}

var errUnknownState = errors.New("unknown pipeline state")

// step executes one state. skipped reports a state that had nothing to do.
func (r *run) step(ctx context.Context, s State) (Outcome, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	switch s {
	case DirectProbe, SiteSearch:
		if len(r.hosts) == 0 {
			return Unresolved{Reason: ReasonNoHosts}, true, nil
		}
		if s == DirectProbe {
			o, err := r.directProbe(ctx)
			return o, false, err
		}
		o, err := r.siteSearch(ctx)
		return o, false, err
	case WebSearch:
		o, err := r.webSearch(ctx)
		return o, false, err
	case MarketplaceFallback:
		return Resolved{URL: FallbackURL(r.plan.Fallback, r.keywords, r.q.Locale), Source: r.plan.Fallback}, false, nil
	}
	return nil, false, fmt.Errorf("%w: %d", errUnknownState, s)
}
