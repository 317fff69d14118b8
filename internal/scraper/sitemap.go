package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	sitemap "github.com/oxffaa/gopher-parse-sitemap"
)

// maxSitemapDepth bounds recursion through sitemap indexes.
const maxSitemapDepth = 2

var errEnough = errors.New("enough urls")

// Sitemaps reads sitemap XML and sitemap indexes.
type Sitemaps struct {
	fetcher Getter
	logger  *slog.Logger
}

// NewSitemaps creates a sitemap reader.
func NewSitemaps(fetcher Getter, logger *slog.Logger) *Sitemaps {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sitemaps{fetcher: fetcher, logger: logger}
}

// Find returns up to limit page URLs from sitemapURL, following nested
// indexes, for which match returns true. A nil match accepts every URL and a
// non-positive limit means no cap.
func (s *Sitemaps) Find(ctx context.Context, sitemapURL string, match func(string) bool, limit int) ([]string, error) {
	if match == nil {
		match = func(string) bool { return true }
	}
	var found []string
	err := s.walk(ctx, sitemapURL, 0, func(loc string) error {
		if !match(loc) {
			return nil
		}
		found = append(found, loc)
		if limit > 0 && len(found) >= limit {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return found, err
	}
	return found, nil
}

func (s *Sitemaps) walk(ctx context.Context, sitemapURL string, depth int, visit func(string) error) error {
	s.logger.Debug("fetching sitemap", "url", sitemapURL, "depth", depth)

	res, err := s.fetcher.Fetch(ctx, sitemapURL)
	if err != nil {
		return err
	}
	if res.Error != "" {
		return fmt.Errorf("fetch sitemap: %s", res.Error)
	}
	if !res.OK() {
		return fmt.Errorf("fetch sitemap: status %d", res.StatusCode)
	}

	var pages int
	err = sitemap.Parse(bytes.NewReader(res.Body), func(e sitemap.Entry) error {
		pages++
		return visit(e.GetLocation())
	})
	if errors.Is(err, errEnough) {
		return err
	}
	if err == nil && pages > 0 {
		return nil
	}

	var nested []string
	indexErr := sitemap.ParseIndex(bytes.NewReader(res.Body), func(e sitemap.IndexEntry) error {
		nested = append(nested, e.GetLocation())
		return nil
	})
	if indexErr != nil || len(nested) == 0 {
		if err == nil {
			return nil
		}
		return fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
	}
	if depth >= maxSitemapDepth {
		return nil
	}

	for _, loc := range nested {
		if err := s.walk(ctx, loc, depth+1, visit); err != nil {
			if errors.Is(err, errEnough) || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("nested sitemap failed", "url", loc, "err", err)
		}
	}
	return nil
}
