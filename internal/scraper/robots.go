package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// Getter is the fetch surface the scraper helpers and their callers need.
// *Fetcher implements it; tests substitute fakes.
type Getter interface {
	Fetch(ctx context.Context, targetURL string, opts ...Option) (*Result, error)
}

var _ Getter = (*Fetcher)(nil)

// Robots fetches and caches robots.txt per origin.
type Robots struct {
	fetcher Getter
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobots creates a robots.txt reader.
func NewRobots(fetcher Getter, logger *slog.Logger) *Robots {
	if logger == nil {
		logger = slog.Default()
	}
	return &Robots{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// Allowed reports whether userAgent may fetch targetURL. A missing or
// unreadable robots.txt allows everything.
func (r *Robots) Allowed(ctx context.Context, targetURL, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("invalid url: %w", err)
	}
	data := r.load(ctx, origin(u))
	if data == nil {
		return true, nil
	}
	return data.TestAgent(u.EscapedPath(), userAgent), nil
}

// Sitemaps returns the Sitemap: entries of the origin's robots.txt.
func (r *Robots) Sitemaps(ctx context.Context, originURL string) []string {
	u, err := url.Parse(originURL)
	if err != nil || u.Host == "" {
		return nil
	}
	data := r.load(ctx, origin(u))
	if data == nil {
		return nil
	}
	return data.Sitemaps
}

func (r *Robots) load(ctx context.Context, base string) *robotstxt.RobotsData {
	r.mu.RLock()
	data, ok := r.cache[base]
	r.mu.RUnlock()
	if ok {
		return data
	}

	v, _, _ := r.group.Do(base, func() (any, error) {
		data := r.fetch(ctx, base)
		if ctx.Err() == nil {
			r.mu.Lock()
			r.cache[base] = data
			r.mu.Unlock()
		}
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (r *Robots) fetch(ctx context.Context, base string) *robotstxt.RobotsData {
	res, err := r.fetcher.Fetch(ctx, base+"/robots.txt")
	if err != nil || res.Error != "" {
		r.logger.Debug("robots.txt unavailable, allowing all", "origin", base, "fetch_error", res.Error)
		return nil
	}
	if res.StatusCode >= 400 || res.Blocked != "" {
		return nil
	}
	data, err := robotstxt.FromBytes(res.Body)
	if err != nil {
		r.logger.Debug("robots.txt unparsable", "origin", base, "err", err)
		return nil
	}
	return data
}
