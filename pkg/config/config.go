// Package config loads the storefront cache service configuration from the
// environment and an optional rate-limit rules file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/ratelimit"
)

// ErrCacheRequired is returned by Validate when caching is mandatory but the
// selected backend lacks credentials.
var ErrCacheRequired = errors.New("cache is required but not configured")

// Config holds the process configuration.
type Config struct {
	Port int

	// UpstreamURL is the storefront backend proxied behind the cache and
	// rate limiter. Empty serves only the operational endpoints.
	UpstreamURL string

	// AdminToken is the bearer token for /admin/cache. Empty disables the
	// admin endpoints.
	AdminToken string

	Cache     CacheConfig
	Store     StoreConfig
	Log       LogConfig
	RateLimit RateLimitConfig
}

// CacheConfig controls the cache service.
type CacheConfig struct {
	// Backend is "persistent", "http" or empty for auto-selection.
	Backend string

	// TTL is the default entry lifetime.
	TTL time.Duration

	Prefix string

	// Required makes missing backend credentials fatal. Otherwise the
	// service starts with caching and rate limiting disabled.
	Required bool
}

// StoreConfig holds backend connection settings.
type StoreConfig struct {
	URL            string
	Password       string
	DB             int
	RESTURL        string
	RESTToken      string
	Timeout        time.Duration
	ConnectRetries int
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string
	Pretty bool
}

// RateLimitConfig controls the request limiter.
type RateLimitConfig struct {
	Enabled bool

	// Rolling re-applies the window on every request instead of keeping a
	// fixed window from the first request.
	Rolling bool

	// RulesFile is an optional YAML file replacing the built-in rules.
	RulesFile string

	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
}

// defaults are applied before reading the environment.
var defaults = map[string]any{
	"PORT":                   8080,
	"UPSTREAM_URL":           "",
	"ADMIN_TOKEN":            "",
	"CACHE_BACKEND":          "",
	"CACHE_TTL":              3600,
	"CACHE_PREFIX":           cache.DefaultPrefix,
	"CACHE_REQUIRED":         false,
	"STORE_URL":              "",
	"STORE_PASSWORD":         "",
	"STORE_DB":               0,
	"STORE_REST_URL":         "",
	"STORE_REST_TOKEN":       "",
	"STORE_TIMEOUT":          cache.DefaultStoreTimeout.String(),
	"STORE_CONNECT_RETRIES":  cache.DefaultConnectRetries,
	"LOG_LEVEL":              string(logging.LevelInfo),
	"LOG_PRETTY":             false,
	"RATE_LIMIT_ENABLED":     true,
	"RATE_LIMIT_ROLLING":     false,
	"RATE_LIMIT_RULES_FILE":  "",
	"RATE_LIMIT_TRUST_PROXY": false,
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return FromViper(NewViper())
}

// NewViper returns a viper instance bound to the environment with defaults.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		UpstreamURL: strings.TrimRight(v.GetString("UPSTREAM_URL"), "/"),
		AdminToken:  strings.TrimSpace(v.GetString("ADMIN_TOKEN")),
		Cache: CacheConfig{
			Backend:  strings.ToLower(strings.TrimSpace(v.GetString("CACHE_BACKEND"))),
			TTL:      time.Duration(v.GetInt("CACHE_TTL")) * time.Second,
			Prefix:   v.GetString("CACHE_PREFIX"),
			Required: v.GetBool("CACHE_REQUIRED"),
		},
		Store: StoreConfig{
			URL:            v.GetString("STORE_URL"),
			Password:       v.GetString("STORE_PASSWORD"),
			DB:             v.GetInt("STORE_DB"),
			RESTURL:        v.GetString("STORE_REST_URL"),
			RESTToken:      v.GetString("STORE_REST_TOKEN"),
			Timeout:        v.GetDuration("STORE_TIMEOUT"),
			ConnectRetries: v.GetInt("STORE_CONNECT_RETRIES"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Pretty: v.GetBool("LOG_PRETTY"),
		},
		RateLimit: RateLimitConfig{
			Enabled:    v.GetBool("RATE_LIMIT_ENABLED"),
			Rolling:    v.GetBool("RATE_LIMIT_ROLLING"),
			RulesFile:  v.GetString("RATE_LIMIT_RULES_FILE"),
			TrustProxy: v.GetBool("RATE_LIMIT_TRUST_PROXY"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid UPSTREAM_URL %q", c.UpstreamURL)
		}
	}
	switch c.Cache.Backend {
	case "", cache.BackendPersistent, cache.BackendHTTP:
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q: want %q or %q", c.Cache.Backend, cache.BackendPersistent, cache.BackendHTTP)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("invalid CACHE_TTL %s: must be positive", c.Cache.TTL)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("invalid STORE_TIMEOUT %s: must be positive", c.Store.Timeout)
	}
	if _, err := logging.ParseLevel(logging.LogLevel(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if c.Store.ConnectRetries < 0 {
		return fmt.Errorf("invalid STORE_CONNECT_RETRIES %d", c.Store.ConnectRetries)
	}
	return nil
}

// StoreConfig returns the driver configuration for cache.NewStore.
func (c *Config) StoreConfig() cache.StoreConfig {
	return cache.StoreConfig{
		Backend: c.Cache.Backend,
		Redis: cache.RedisConfig{
			URL:            c.Store.URL,
			Password:       c.Store.Password,
			DB:             c.Store.DB,
			Timeout:        c.Store.Timeout,
			ConnectRetries: c.Store.ConnectRetries,
		},
		REST: cache.RESTConfig{
			URL:     c.Store.RESTURL,
			Token:   c.Store.RESTToken,
			Timeout: c.Store.Timeout,
		},
	}
}

// CacheConfigured reports whether the selected backend has the settings it
// needs to be used.
func (c *Config) CacheConfigured() bool {
	switch c.StoreConfig().ResolveBackend() {
	case cache.BackendHTTP:
		return c.Store.RESTURL != "" && c.Store.RESTToken != ""
	default:
		return c.Store.URL != ""
	}
}

// CheckCache returns ErrCacheRequired when caching is mandatory but the
// backend is not configured. A nil result with CacheConfigured false means
// the caller must run without cache and say so.
func (c *Config) CheckCache() error {
	if c.Cache.Required && !c.CacheConfigured() {
		return fmt.Errorf("%w: backend %q", ErrCacheRequired, c.StoreConfig().ResolveBackend())
	}
	return nil
}

// LoggingConfig returns the logger setup.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// rulesFile is the YAML layout of RATE_LIMIT_RULES_FILE.
type rulesFile struct {
	Default *ratelimit.Rule  `mapstructure:"default"`
	Rules   []ratelimit.Rule `mapstructure:"rules"`
}

// Policy returns the rate-limit policy: the rules file when configured,
// otherwise the built-in table.
func (c *Config) Policy() (*ratelimit.Policy, error) {
	if c.RateLimit.RulesFile == "" {
		return ratelimit.DefaultPolicy(), nil
	}
	return LoadPolicy(c.RateLimit.RulesFile)
}

// LoadPolicy reads a rules file. A file without a default rule keeps the
// built-in default.
//
// Example:
//
//	default:
//	  name: default
//	  window: 15m
//	  max_requests: 100
//	rules:
//	  - name: auth-login
//	    pattern: /auth/login
//	    methods: [POST]
//	    window: 15m
//	    max_requests: 5
func LoadPolicy(path string) (*ratelimit.Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rate limit rules %s: %w", path, err)
	}

	var file rulesFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode rate limit rules %s: %w", path, err)
	}
	if len(file.Rules) == 0 && file.Default == nil {
		return nil, fmt.Errorf("rate limit rules %s: no rules defined", path)
	}

	fallback := ratelimit.DefaultRule()
	if file.Default != nil {
		fallback = *file.Default
		if fallback.Name == "" {
			fallback.Name = "default"
		}
	}

	policy, err := ratelimit.NewPolicy(file.Rules, fallback)
	if err != nil {
		return nil, fmt.Errorf("rate limit rules %s: %w", path, err)
	}
	return policy, nil
}
