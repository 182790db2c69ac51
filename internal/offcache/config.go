package offcache

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Network   NetworkConfig   `yaml:"network"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Rules []Rule `yaml:"rules"`
	// DefaultStrategy applies to requests no rule matches.
	DefaultStrategy string `yaml:"defaultStrategy"`

	defaultKind StrategyKind
	originURL   *url.URL
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Origin is the site the proxy fronts; it is also the scope whose
	// responses count as same-origin. It carries no path.
	Origin          string        `yaml:"origin"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type CacheConfig struct {
	// Version names the current generation. Changing it invalidates every
	// previously cached entry on the next activation.
	Version  string   `yaml:"version"`
	Manifest []string `yaml:"manifest"`
	// Shell is served to HTML navigations that fail with nothing cached.
	Shell string `yaml:"shell"`
	// Sitemaps extend the manifest at install time.
	Sitemaps     []string      `yaml:"sitemaps"`
	InstallRetry string        `yaml:"installRetry"`
	Storage      StorageConfig `yaml:"storage"`

	installRetryDur time.Duration
}

type StorageConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	MaxEntrySize string `yaml:"maxEntrySize"`

	maxEntryBytes int64
}

type NetworkConfig struct {
	// Timeout bounds each network fetch. Zero leaves fetches unbounded.
	Timeout  time.Duration `yaml:"timeout"`
	DNSCache bool          `yaml:"dnsCache"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	logStatsEveryDur time.Duration
}

type TelemetryConfig struct {
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		Endpoint   string  `yaml:"endpoint"`
		SampleRate float64 `yaml:"sampleRate"`
	} `yaml:"tracing"`
}

type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	Strategy string `yaml:"strategy"`

	// compiled
	matchers []pathMatcher
	kind     StrategyKind
}

// envOverrides are applied on top of the file; build pipelines use them to
// stamp the generation version without editing the config.
type envOverrides struct {
	Addr          string `env:"OFFCACHE_ADDR"`
	Origin        string `env:"OFFCACHE_ORIGIN"`
	Version       string `env:"OFFCACHE_CACHE_VERSION"`
	StorageDriver string `env:"OFFCACHE_STORAGE_DRIVER"`
	StoragePath   string `env:"OFFCACHE_STORAGE_PATH"`
}

// DefaultManifest is the invitation's static asset set.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/favicon.svg",
	"/lh/1.jpeg",
	"/lh/2.jpeg",
	"/lh/3.jpeg",
	"/lh/4.jpeg",
	"/lh/5.jpeg",
	"/lh/heart.svg",
	"/lh/song.mp3",
	"/vite.svg",
}

// DefaultRules sends media to cache-first and the page shell, scripts and
// styles to network-first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Match:    "Ext(jpg,jpeg,png,gif,svg,webp,mp3,mp4,woff,woff2,ttf,eot) | PathRegexp((?i)/lh/)",
			Priority: 10,
			Strategy: string(CacheFirst),
		},
		{
			Match:    "Ext(js,css,html) | Path(/) | PathSuffix(/index.html)",
			Priority: 20,
			Strategy: string(NetworkFirst),
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		if val, ok := os.LookupEnv(string(match[2 : len(match)-1])); ok {
			return []byte(val)
		}
		return match
	})
}

// Option adjusts a loaded config before it is normalized.
type Option func(*Config)

// WithCacheVersion overrides cache.version and OFFCACHE_CACHE_VERSION.
// An empty version leaves the loaded value alone.
func WithCacheVersion(v string) Option {
	return func(cfg *Config) {
		if v != "" {
			cfg.Cache.Version = v
		}
	}
}

func LoadConfig(path string, opts ...Option) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(b), &cfg); err != nil {
		return Config{}, err
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	ov.apply(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (ov envOverrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Addr, ov.Addr)
	set(&cfg.Server.Origin, ov.Origin)
	set(&cfg.Cache.Version, ov.Version)
	set(&cfg.Cache.Storage.Driver, ov.StorageDriver)
	set(&cfg.Cache.Storage.Path, ov.StoragePath)
}

// Normalize fills defaults, validates and compiles rules. It is idempotent.
func (cfg *Config) Normalize() error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin: want an absolute http(s) URL, got %q", cfg.Server.Origin)
	}
	// Manifest paths and request keys are rooted at the host.
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("server.origin: want scheme and host only, got %q", cfg.Server.Origin)
	}
	cfg.originURL = u

	cfg.Cache.Version = strings.TrimSpace(cfg.Cache.Version)
	if cfg.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if cfg.Cache.Manifest == nil {
		cfg.Cache.Manifest = append([]string(nil), DefaultManifest...)
	}
	for i, p := range cfg.Cache.Manifest {
		if !strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
			return fmt.Errorf("cache.manifest[%d]: %q is not an absolute path", i, p)
		}
	}
	if cfg.Cache.Shell == "" {
		cfg.Cache.Shell = "/index.html"
	}
	if cfg.Cache.InstallRetry == "" {
		cfg.Cache.InstallRetry = "30s"
	}
	if cfg.Cache.installRetryDur, err = time.ParseDuration(cfg.Cache.InstallRetry); err != nil {
		return fmt.Errorf("cache.installRetry: %w", err)
	}
	if s := cfg.Cache.Storage.MaxEntrySize; s != "" {
		if cfg.Cache.Storage.maxEntryBytes, err = parseBytes(s); err != nil {
			return fmt.Errorf("cache.storage.maxEntrySize: %w", err)
		}
	}

	if cfg.Logging.LogStatsEvery != "" {
		if cfg.Logging.logStatsEveryDur, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}

	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.kind, err = parseStrategy(r.Strategy); err != nil {
			return fmt.Errorf("rules[%d].strategy: %w", i, err)
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = string(CacheFirst)
	}
	if cfg.defaultKind, err = parseStrategy(cfg.DefaultStrategy); err != nil {
		return fmt.Errorf("defaultStrategy: %w", err)
	}
	return nil
}

// InstallRetry is how long to wait before retrying a failed install.
func (cfg Config) InstallRetry() time.Duration { return cfg.Cache.installRetryDur }

// StatsEvery is the stats log interval; zero disables it.
func (cfg Config) StatsEvery() time.Duration { return cfg.Logging.logStatsEveryDur }

// MaxEntryBytes is the per-entry storage quota; zero means unlimited.
func (cfg Config) MaxEntryBytes() int64 { return cfg.Cache.Storage.maxEntryBytes }

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// Kind is the compiled strategy of the rule.
func (r *Rule) Kind() StrategyKind { return r.kind }
