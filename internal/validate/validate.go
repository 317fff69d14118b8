// Package validate decides whether a fetched candidate page really is the
// product being looked for.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/FranksOps/pinpoint/internal/analyzer"
	"github.com/FranksOps/pinpoint/internal/page"
	"github.com/FranksOps/pinpoint/internal/query"
	"github.com/FranksOps/pinpoint/internal/scraper"
	"github.com/FranksOps/pinpoint/pkg/useragent"
)

// ErrRejected wraps every reason a candidate is turned down.
var ErrRejected = errors.New("candidate rejected")

// DefaultTimeout bounds one candidate fetch.
const DefaultTimeout = 3500 * time.Millisecond

// Thresholds are the acceptance gates. Product and Brand are independent:
// both must pass.
type Thresholds struct {
	Product float64 `mapstructure:"product" json:"product"`
	Brand   float64 `mapstructure:"brand" json:"brand"`
	// MarkupFloor is the markup product similarity below which the page
	// title is tried instead.
	MarkupFloor float64 `mapstructure:"markup_floor" json:"markup_floor"`
	// DomainBrand is the flat brand similarity awarded when the host
	// contains the brand.
	DomainBrand float64 `mapstructure:"domain_brand" json:"domain_brand"`
}

// DefaultThresholds are the production gates.
var DefaultThresholds = Thresholds{
	Product:     0.55,
	Brand:       0.5,
	MarkupFloor: 0.5,
	DomainBrand: 0.6,
}

// Target is what a page must match.
type Target struct {
	Brand   string
	Product string
	Variant string
}

// Name is the product string pages are compared against.
func (t Target) Name() string {
	return query.Join(t.Product, t.Variant)
}

// Result describes an accepted page.
type Result struct {
	CanonicalURL      string  `json:"canonical_url"`
	ReviewURL         string  `json:"review_url,omitempty"`
	ProductSimilarity float64 `json:"product_similarity"`
	BrandSimilarity   float64 `json:"brand_similarity"`
}

// Validator fetches candidates and applies the thresholds.
type Validator struct {
	fetcher    scraper.Getter
	thresholds Thresholds
	timeout    time.Duration
	userAgent  string
	logger     *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(th Thresholds) Option {
	return func(v *Validator) { v.thresholds = th }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithUserAgent overrides the descriptive user agent.
func WithUserAgent(ua string) Option {
	return func(v *Validator) {
		if ua != "" {
			v.userAgent = ua
		}
	}
}

// New creates a Validator fetching through fetcher.
func New(fetcher scraper.Getter, logger *slog.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		fetcher:    fetcher,
		thresholds: DefaultThresholds,
		timeout:    DefaultTimeout,
		userAgent:  useragent.Descriptive,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Validate fetches candidateURL and accepts it only when both the product and
// the brand similarity clear their thresholds. Rejections wrap ErrRejected;
// any other error means ctx is done.
func (v *Validator) Validate(ctx context.Context, target Target, candidateURL string) (*Result, error) {
	res, err := v.fetcher.Fetch(ctx, candidateURL,
		scraper.WithTimeout(v.timeout),
		scraper.WithUserAgent(v.userAgent),
	)
	if err != nil {
		return nil, err
	}
	switch {
	case res.Error != "":
		return nil, reject("fetch: %s", res.Error)
	case res.Blocked != "":
		return nil, reject("bot wall: %s", res.Blocked)
	case !res.OK():
		return nil, reject("status %d", res.StatusCode)
	}

	fetched := res.FinalURL
	if fetched == "" {
		fetched = candidateURL
	}
	doc, err := page.Parse(fetched, res.Body)
	if err != nil {
		return nil, reject("parse: %v", err)
	}

	name := target.Name()
	var productSim, brandSim float64
	for _, p := range doc.Products() {
		if p.Name != "" {
			productSim = max(productSim, analyzer.Similarity(p.Name, name))
		}
		if p.Brand != "" && target.Brand != "" {
			brandSim = max(brandSim, analyzer.Similarity(p.Brand, target.Brand))
		}
	}

	th := v.thresholds
	if productSim < th.MarkupFloor {
		if title := doc.Title(); title != "" {
			productSim = max(productSim, analyzer.Similarity(title, name))
		}
	}

	switch {
	case target.Brand == "":
		brandSim = 1
	case brandSim < th.Brand && domainHasBrand(doc.URL, target.Brand):
		brandSim = max(brandSim, th.DomainBrand)
	}

	v.logger.Debug("candidate scored",
		"url", candidateURL,
		"signal", doc.Classify().String(),
		"product_similarity", productSim,
		"brand_similarity", brandSim,
	)

	if productSim < th.Product {
		return nil, reject("product similarity %.2f below %.2f", productSim, th.Product)
	}
	if brandSim < th.Brand {
		return nil, reject("brand similarity %.2f below %.2f", brandSim, th.Brand)
	}

	out := &Result{
		CanonicalURL:      doc.Canonical(),
		ProductSimilarity: productSim,
		BrandSimilarity:   brandSim,
	}
	if anchor := doc.ReviewAnchor(); anchor != "" {
		out.ReviewURL = withFragment(out.CanonicalURL, anchor)
	}
	return out, nil
}

func domainHasBrand(u *url.URL, brand string) bool {
	token := query.BrandToken(brand)
	if u == nil || token == "" {
		return false
	}
	host := strings.Join(query.Tokens(u.Hostname()), "")
	return strings.Contains(host, token)
}

func withFragment(raw, fragment string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw + "#" + fragment
	}
	u.Fragment = fragment
	return u.String()
}
