package main

import (
	"context"
	"fmt"

	"github.com/FranksOps/pinpoint/internal/config"
	"github.com/FranksOps/pinpoint/internal/fingerprint"
	"github.com/FranksOps/pinpoint/internal/pipeline"
	"github.com/FranksOps/pinpoint/internal/scraper"
	"github.com/FranksOps/pinpoint/internal/serp"
	"github.com/FranksOps/pinpoint/internal/storage"
	"github.com/FranksOps/pinpoint/internal/storage/csvbackend"
	"github.com/FranksOps/pinpoint/internal/storage/jsonbackend"
	"github.com/FranksOps/pinpoint/internal/storage/postgres"
	"github.com/FranksOps/pinpoint/internal/storage/sqlite"
	"github.com/FranksOps/pinpoint/internal/validate"
	"github.com/FranksOps/pinpoint/pkg/proxy"
	"github.com/FranksOps/pinpoint/pkg/ratelimit"
	"github.com/FranksOps/pinpoint/pkg/useragent"
)

// components are the shared collaborators built from one config.
type components struct {
	fetcher   *scraper.Fetcher
	limiter   *ratelimit.PerHost
	search    serp.Provider
	validator *validate.Validator
	pipeline  *pipeline.Pipeline
}

func (c *components) Close() {
	c.limiter.Stop()
}

func (a *app) build() (*components, error) {
	h := a.cfg.HTTP

	profile, err := fingerprint.ParseProfile(h.Fingerprint)
	if err != nil {
		return nil, err
	}

	var proxies *proxy.Pool
	if len(h.Proxies) > 0 || h.ProxyFile != "" {
		proxies = proxy.NewPool(proxy.Config{})
		if err := proxies.Add(h.Proxies...); err != nil {
			return nil, fmt.Errorf("proxies: %w", err)
		}
		if h.ProxyFile != "" {
			if err := proxies.LoadFile(h.ProxyFile); err != nil {
				return nil, err
			}
		}
		a.logger.Info("proxy rotation enabled", "proxies", proxies.Len())
	}

	limiter := ratelimit.NewPerHost(h.RPS, h.Jitter, nil)
	fetcher, err := scraper.NewFetcher(scraper.FetchConfig{
		Timeout:      h.Timeout,
		MaxRedirects: h.MaxRedirects,
		UseCookieJar: h.CookieJar,
		ProxyPool:    proxies,
		UAPool:       useragent.NewPool(h.UserAgents),
		Fingerprint:  profile,
		Limiter:      limiter,
		Logger:       a.logger,
	})
	if err != nil {
		limiter.Stop()
		return nil, err
	}

	var ddgOpts []serp.DuckDuckGoOption
	if a.cfg.Search.Endpoint != "" {
		ddgOpts = append(ddgOpts, serp.WithEndpoint(a.cfg.Search.Endpoint))
	}
	if len(a.cfg.Search.Selectors) > 0 {
		ddgOpts = append(ddgOpts, serp.WithSelectors(a.cfg.Search.Selectors))
	}
	search := serp.NewDuckDuckGo(fetcher, a.logger, ddgOpts...)

	validator := validate.New(fetcher, a.logger,
		validate.WithThresholds(a.cfg.Validate.Thresholds),
		validate.WithTimeout(a.cfg.Validate.Timeout),
	)

	p := pipeline.New(fetcher, search, a.logger,
		pipeline.WithValidator(validator),
		pipeline.WithScorer(a.cfg.Scorer()),
		pipeline.WithDomains(a.cfg.Resolver()),
		pipeline.WithConfig(a.cfg.Pipeline),
	)

	return &components{
		fetcher:   fetcher,
		limiter:   limiter,
		search:    search,
		validator: validator,
		pipeline:  p,
	}, nil
}

// openStore returns the configured audit backend, or nil when disabled.
func (a *app) openStore(ctx context.Context) (storage.Backend, error) {
	s := a.cfg.Storage
	var (
		b   storage.Backend
		err error
	)
	switch s.Backend {
	case "", config.BackendNone:
		return nil, nil
	case config.BackendCSV:
		b, err = csvbackend.New(s.DSN)
	case config.BackendJSON:
		b, err = jsonbackend.New(s.DSN)
	case config.BackendSQLite:
		b, err = sqlite.New(s.DSN)
	case config.BackendPostgres:
		b, err = postgres.New(ctx, s.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.Backend, err)
	}
	a.logger.Debug("audit log opened", "backend", s.Backend)
	return b, nil
}
