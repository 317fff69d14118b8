package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/pinpoint/internal/bypass"
	"github.com/FranksOps/pinpoint/internal/fingerprint"
	"github.com/FranksOps/pinpoint/internal/metrics"
	"github.com/FranksOps/pinpoint/pkg/httpclient"
	"github.com/FranksOps/pinpoint/pkg/proxy"
	"github.com/FranksOps/pinpoint/pkg/ratelimit"
	"github.com/FranksOps/pinpoint/pkg/useragent"
	"github.com/google/uuid"
)

type contextKey string

const proxyKey contextKey = "proxy_url"

// DefaultMaxBodyBytes caps how much of a response body is kept.
const DefaultMaxBodyBytes = 4 << 20

// Result is one fetch. Transport failures are recorded in Error rather than
// returned, so callers can treat every outcome uniformly.
type Result struct {
	ID         string
	URL        string
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	// Blocked names the bot-wall vendor when the response is a challenge page.
	Blocked string
	Error   string
}

// OK reports a 2xx response that is neither an error nor a bot wall.
func (r *Result) OK() bool {
	return r != nil && r.Error == "" && r.Blocked == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// FetchConfig configures a Fetcher.
type FetchConfig struct {
	Timeout time.Duration
	// MaxRedirects defaults to 10. Negative disables following.
	MaxRedirects int
	UseCookieJar bool
	ProxyPool    *proxy.Pool
	UAPool       *useragent.Pool
	Fingerprint  fingerprint.Profile
	Limiter      *ratelimit.PerHost
	MaxBodyBytes int64
	Detectors    []bypass.Detector
	Logger       *slog.Logger
}

// Fetcher performs single GETs with rotation of user agents and proxies.
// One Fetcher is shared by every component so connection pools are reused.
type Fetcher struct {
	config FetchConfig
	client *httpclient.Client
	logger *slog.Logger
}

// NewFetcher builds a Fetcher. Zero values in cfg get defaults.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 10
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileGo
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Detectors == nil {
		cfg.Detectors = bypass.DefaultDetectors()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// The proxy is chosen per request and carried in the context, so one
	// transport can serve every rotation.
	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if u, ok := req.Context().Value(proxyKey).(*url.URL); ok {
			return u, nil
		}
		return http.ProxyFromEnvironment(req)
	}

	transport, err := fingerprint.Transport(fingerprint.Options{Profile: cfg.Fingerprint, Proxy: proxyFunc})
	if err != nil {
		return nil, fmt.Errorf("setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &Fetcher{config: cfg, client: client, logger: cfg.Logger}, nil
}

type request struct {
	header  http.Header
	timeout time.Duration
}

// Option adjusts a single Fetch call.
type Option func(*request)

// WithUserAgent pins the User-Agent instead of rotating from the pool.
func WithUserAgent(ua string) Option {
	return func(r *request) { r.header.Set("User-Agent", ua) }
}

// WithHeader sets an extra request header.
func WithHeader(key, value string) Option {
	return func(r *request) { r.header.Set(key, value) }
}

// WithTimeout bounds this call below the client timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *request) { r.timeout = d }
}

// Fetch GETs targetURL. The returned error is non-nil only when ctx itself
// is done; every other failure lands in Result.Error.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, opts ...Option) (*Result, error) {
	start := time.Now()
	parent := ctx
	result := &Result{ID: uuid.NewString(), URL: targetURL}

	req := &request{header: useragent.BrowserHeaders(f.config.UAPool.Next(), "")}
	for _, opt := range opts {
		opt(req)
	}

	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		result.Error = fmt.Sprintf("invalid url %q", targetURL)
		return result, nil
	}

	if err := f.config.Limiter.Wait(ctx, u.Hostname()); err != nil {
		result.Error = fmt.Sprintf("rate limiter: %v", err)
		return result, parent.Err()
	}

	if req.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.timeout)
		defer cancel()
	}

	var activeProxy *url.URL
	if f.config.ProxyPool != nil {
		if activeProxy = f.config.ProxyPool.Next(); activeProxy != nil {
			ctx = context.WithValue(ctx, proxyKey, activeProxy)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		result.Error = fmt.Sprintf("create request: %v", err)
		return result, nil
	}
	httpReq.Header = req.header

	defer func() {
		result.Duration = time.Since(start)
		metrics.RecordFetch(u.Hostname(), result.StatusCode, result.Error, result.Blocked, result.Duration)
	}()

	resp, err := f.client.Do(ctx, httpReq)
	if err != nil {
		if activeProxy != nil {
			_ = f.config.ProxyPool.MarkFailure(activeProxy)
			metrics.ProxyFailures.WithLabelValues(activeProxy.Redacted()).Inc()
		}
		result.Error = fmt.Sprintf("request failed: %v", err)
		f.logger.Debug("fetch failed", "url", targetURL, "err", err)
		return result, parent.Err()
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.config.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	if err != nil {
		result.Error = fmt.Sprintf("read body: %v", err)
	}

	result.StatusCode = resp.StatusCode
	result.Header = resp.Header
	result.Body = body
	result.FinalURL = resp.Request.URL.String()
	result.Blocked = bypass.Detect(bypass.Page{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, f.config.Detectors)
	if result.Blocked != "" {
		f.logger.Warn("bot wall detected", "url", targetURL, "vendor", result.Blocked, "status", resp.StatusCode)
	}

	return result, nil
}
