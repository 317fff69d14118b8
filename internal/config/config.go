// Package config loads pinpoint settings from defaults, an optional YAML
// file, PINPOINT_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/FranksOps/pinpoint/internal/domains"
	"github.com/FranksOps/pinpoint/internal/enrich"
	"github.com/FranksOps/pinpoint/internal/fingerprint"
	"github.com/FranksOps/pinpoint/internal/pipeline"
	"github.com/FranksOps/pinpoint/internal/scoring"
	"github.com/FranksOps/pinpoint/internal/serp"
	"github.com/FranksOps/pinpoint/internal/validate"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PINPOINT_SERVER_ADDR.
const EnvPrefix = "PINPOINT"

// Storage backends.
const (
	BackendNone     = "none"
	BackendCSV      = "csv"
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// HTTP configures the shared fetcher.
type HTTP struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	CookieJar    bool          `mapstructure:"cookie_jar"`
	UserAgents   []string      `mapstructure:"user_agents"`
	Fingerprint  string        `mapstructure:"fingerprint"`
	Proxies      []string      `mapstructure:"proxies"`
	ProxyFile    string        `mapstructure:"proxy_file"`
	// RPS is the per-host request rate. 0 disables pacing.
	RPS    float64 `mapstructure:"rps"`
	Jitter float64 `mapstructure:"jitter"`
}

// Search configures the search retriever.
type Search struct {
	Endpoint  string   `mapstructure:"endpoint"`
	Selectors []string `mapstructure:"selectors"`
}

// Scoring configures candidate ranking.
type Scoring struct {
	Weights            scoring.Weights `mapstructure:"weights"`
	Blacklist          []string        `mapstructure:"blacklist"`
	ProductPathMarkers []string        `mapstructure:"product_path_markers"`
}

// Validate configures the page validator.
type Validate struct {
	Thresholds validate.Thresholds `mapstructure:"thresholds"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// Domains configures host derivation. Region keys are case-insensitive.
type Domains struct {
	TLDs       []string            `mapstructure:"tlds"`
	LocaleTLDs map[string][]string `mapstructure:"locale_tlds"`
	Retailers  map[string][]string `mapstructure:"retailers"`
}

// Storage selects the resolution audit log.
type Storage struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

// Server configures the HTTP API.
type Server struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORSOrigin     string        `mapstructure:"cors_origin"`
}

// Log configures the process logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full settings tree.
type Config struct {
	HTTP     HTTP            `mapstructure:"http"`
	Search   Search          `mapstructure:"search"`
	Scoring  Scoring         `mapstructure:"scoring"`
	Validate Validate        `mapstructure:"validate"`
	Pipeline pipeline.Config `mapstructure:"pipeline"`
	Domains  Domains         `mapstructure:"domains"`
	Enrich   enrich.Options  `mapstructure:"enrich"`
	Storage  Storage         `mapstructure:"storage"`
	Server   Server          `mapstructure:"server"`
	Log      Log             `mapstructure:"log"`
	// MetricsPort serves /metrics during batch runs. 0 disables it.
	MetricsPort int `mapstructure:"metrics_port"`
}

// New returns a viper instance carrying every default and the environment
// binding. Commands bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("http.cookie_jar", false)
	v.SetDefault("http.user_agents", []string{})
	v.SetDefault("http.fingerprint", string(fingerprint.ProfileChrome))
	v.SetDefault("http.proxies", []string{})
	v.SetDefault("http.proxy_file", "")
	v.SetDefault("http.rps", 2.0)
	v.SetDefault("http.jitter", 0.2)

	v.SetDefault("search.endpoint", serp.DefaultEndpoint)
	v.SetDefault("search.selectors", serp.DefaultSelectors)

	w := scoring.DefaultWeights
	v.SetDefault("scoring.weights.blacklisted", w.Blacklisted)
	v.SetDefault("scoring.weights.brand_domain", w.BrandDomain)
	v.SetDefault("scoring.weights.product_path", w.ProductPath)
	v.SetDefault("scoring.weights.token_in_text", w.TokenInText)
	v.SetDefault("scoring.weights.token_in_url", w.TokenInURL)
	v.SetDefault("scoring.weights.https", w.HTTPS)
	v.SetDefault("scoring.weights.length_base", w.LengthBase)
	v.SetDefault("scoring.blacklist", scoring.DefaultBlacklist)
	v.SetDefault("scoring.product_path_markers", scoring.DefaultProductPathMarkers)

	th := validate.DefaultThresholds
	v.SetDefault("validate.thresholds.product", th.Product)
	v.SetDefault("validate.thresholds.brand", th.Brand)
	v.SetDefault("validate.thresholds.markup_floor", th.MarkupFloor)
	v.SetDefault("validate.thresholds.domain_brand", th.DomainBrand)
	v.SetDefault("validate.timeout", validate.DefaultTimeout)

	pc := pipeline.DefaultConfig
	v.SetDefault("pipeline.max_hosts", pc.MaxProbeHosts)
	v.SetDefault("pipeline.timeout", pc.ProbeTimeout)
	v.SetDefault("pipeline.sitemap_urls", pc.SitemapURLs)
	v.SetDefault("pipeline.respect_robots", pc.RespectRobots)
	v.SetDefault("pipeline.shortlist", pc.Shortlist)
	v.SetDefault("pipeline.top", pc.TopN)

	// Region maps default in Resolver; viper would fold their keys.
	v.SetDefault("domains.tlds", domains.DefaultTLDs)

	eo := enrich.DefaultOptions
	v.SetDefault("enrich.concurrency", eo.Concurrency)
	v.SetDefault("enrich.only_missing", false)
	v.SetDefault("enrich.limit", 0)
	v.SetDefault("enrich.search_delay", eo.SearchDelay)
	v.SetDefault("enrich.max_candidates", eo.MaxCandidates)
	v.SetDefault("enrich.row_timeout", eo.RowTimeout)
	v.SetDefault("enrich.max_retries", eo.MaxRetries)
	v.SetDefault("enrich.locale", "")

	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.dsn", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 45*time.Second)
	v.SetDefault("server.cors_origin", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics_port", 0)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes v. An explicit path must
// exist; otherwise pinpoint.yaml is looked up in the working directory and
// silently skipped when absent.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pinpoint")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Check rejects settings no component can run with.
func (c *Config) Check() error {
	if _, err := fingerprint.ParseProfile(c.HTTP.Fingerprint); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "", BackendNone:
	case BackendCSV, BackendJSON, BackendSQLite, BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage backend %q needs storage.dsn", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Enrich.Concurrency < 1 {
		return fmt.Errorf("enrich.concurrency must be at least 1, got %d", c.Enrich.Concurrency)
	}
	return nil
}

// Scorer builds the candidate scorer.
func (c *Config) Scorer() *scoring.Scorer {
	s := scoring.New()
	s.Weights = c.Scoring.Weights
	if c.Scoring.Blacklist != nil {
		s.Blacklist = c.Scoring.Blacklist
	}
	if len(c.Scoring.ProductPathMarkers) > 0 {
		s.ProductPathMarkers = c.Scoring.ProductPathMarkers
	}
	return s
}

// Resolver builds the domain resolver. Configured region maps replace the
// defaults; viper lower-cases map keys, so regions are upper-cased here.
func (c *Config) Resolver() *domains.Resolver {
	r := domains.Default()
	if len(c.Domains.TLDs) > 0 {
		r.TLDs = c.Domains.TLDs
	}
	if len(c.Domains.LocaleTLDs) > 0 {
		r.LocaleTLDs = upperKeys(c.Domains.LocaleTLDs)
	}
	if len(c.Domains.Retailers) > 0 {
		r.Retailers = upperKeys(c.Domains.Retailers)
	}
	return r
}

func upperKeys(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// NewLogger returns a text or JSON slog logger writing to w.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
