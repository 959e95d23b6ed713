// Package config loads competitor-scout settings from YAML, .env files and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/database"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/pipeline"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/ratelimit"
)

const (
	defaultServiceName     = "competitor-scout"
	defaultServicePort     = 8095
	defaultServerTimeout   = 30 * time.Second
	defaultDatabasePort    = 5432
	defaultRedisAddress    = "localhost:6379"
	defaultRedisPrefix     = "competitor-scout:traffic:"
	defaultDiscoveryURL    = "https://api.apify.com"
	defaultDiscoveryActor  = "curious_coder/facebook-ads-library-scraper"
	defaultDiscoveryMemory = 1024
	defaultLookupURL       = "https://data.similarweb.com/api/v1/data"
	defaultProfileURL      = "https://www.similarweb.com/website/"
	defaultRequestTimeout  = 30 * time.Second
	defaultEventBuffer     = 100
	defaultBlacklistPath   = "config/blacklisted_domains.csv"
	defaultMetricsPath     = "/metrics"
)

// Config is the root configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   logger.Config   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServiceConfig describes the HTTP service.
type ServiceConfig struct {
	Name         string        `env:"SERVICE_NAME"    yaml:"name"`
	Version      string        `env:"SERVICE_VERSION" yaml:"version"`
	Host         string        `env:"SERVER_HOST"     yaml:"host"`
	Port         int           `env:"SERVER_PORT"     yaml:"port"`
	Debug        bool          `env:"APP_DEBUG"       yaml:"debug"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	// WriteTimeout zero keeps event streams open; set it only behind a proxy that re-establishes them.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `env:"CORS_ORIGINS"    yaml:"cors_origins"`
}

// Address returns host:port.
func (c ServiceConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL settings. A disabled database keeps
// results in memory for the life of the process.
type DatabaseConfig struct {
	Enabled  bool   `env:"DB_ENABLED"  yaml:"enabled"`
	Host     string `env:"DB_HOST"     yaml:"host"`
	Port     int    `env:"DB_PORT"     yaml:"port"`
	User     string `env:"DB_USER"     yaml:"user"`
	Password string `env:"DB_PASSWORD" yaml:"password"` //nolint:gosec // G117: DB connection config
	DBName   string `env:"DB_NAME"     yaml:"dbname"`
	SSLMode  string `env:"DB_SSLMODE"  yaml:"sslmode"`
}

// Connection converts to the database package settings.
func (c DatabaseConfig) Connection() database.Config {
	return database.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		DBName:   c.DBName,
		SSLMode:  c.SSLMode,
	}
}

// RedisConfig holds the traffic cache backend. A disabled Redis falls back
// to an in-process cache.
type RedisConfig struct {
	Enabled   bool   `env:"REDIS_ENABLED"  yaml:"enabled"`
	Address   string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password  string `env:"REDIS_PASSWORD" yaml:"password"` //nolint:gosec // G117: Redis connection config
	DB        int    `env:"REDIS_DB"       yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ProvidersConfig groups the outbound data providers.
type ProvidersConfig struct {
	AdDiscovery AdDiscoveryConfig `yaml:"ad_discovery"`
	Traffic     TrafficConfig     `yaml:"traffic"`
}

// AdDiscoveryConfig configures the scraping job provider used by Stage 1.
type AdDiscoveryConfig struct {
	BaseURL        string        `env:"APIFY_BASE_URL" yaml:"base_url"`
	Token          string        `env:"APIFY_TOKEN"    yaml:"token"` //nolint:gosec // G117: provider credential
	Actor          string        `env:"APIFY_ACTOR"    yaml:"actor"`
	MemoryMB       int           `yaml:"memory_mb"`
	ProxyGroups    []string      `yaml:"proxy_groups"`
	PageSize       int           `yaml:"page_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TrafficConfig configures the Stage 2 traffic sources.
type TrafficConfig struct {
	LookupURL      string                `env:"TRAFFIC_LOOKUP_URL"    yaml:"lookup_url"`
	ProxyURL       string                `env:"TRAFFIC_PROXY_URL"     yaml:"proxy_url"`
	ProxyAPIKey    string                `env:"TRAFFIC_PROXY_API_KEY" yaml:"proxy_api_key"` //nolint:gosec // G117: provider credential
	ProfileURL     string                `env:"TRAFFIC_PROFILE_URL"   yaml:"profile_url"`
	RequestTimeout time.Duration         `yaml:"request_timeout"`
	Breaker        circuitbreaker.Config `yaml:"breaker"`
}

// PipelineConfig holds run defaults and orchestrator settings. Pointer
// fields tell an explicit zero or false apart from "unset".
type PipelineConfig struct {
	MaxAds              int    `env:"MAX_ADS"                yaml:"max_ads"`
	CountryCode         string `env:"COUNTRY_CODE"           yaml:"country_code"`
	PollIntervalSeconds int    `env:"POLL_INTERVAL_SECONDS"  yaml:"poll_interval_seconds"`
	Concurrency         int    `env:"CONCURRENCY"            yaml:"concurrency"`
	ApifyTimeoutSeconds int    `env:"APIFY_TIMEOUT_SECONDS"  yaml:"apify_timeout_seconds"`
	MinAdSpendUSD       int    `env:"MIN_AD_SPEND_USD"       yaml:"min_ad_spend_usd"`
	MaxDomainsPerMinute int    `env:"MAX_DOMAINS_PER_MINUTE" yaml:"max_domains_per_minute"`
	DomainBatchSize     int    `env:"DOMAIN_BATCH_SIZE"      yaml:"domain_batch_size"`
	RetryAttempts       *int   `env:"RETRY_ATTEMPTS"         yaml:"retry_attempts"`
	CacheTTLDays        int    `env:"CACHE_TTL_DAYS"         yaml:"cache_ttl_days"`
	HTMLFallbackEnabled *bool  `env:"HTML_FALLBACK_ENABLED"  yaml:"html_fallback_enabled"`
	DryRunMode          bool   `env:"DRY_RUN_MODE"           yaml:"dry_run_mode"`

	RateLimitScope  string `env:"RATE_LIMIT_SCOPE" yaml:"rate_limit_scope"`
	DuplicatePolicy string `env:"DUPLICATE_POLICY" yaml:"duplicate_policy"`
	EventBuffer     int    `yaml:"event_buffer"`
	BlacklistPath   string `env:"BLACKLIST_PATH"   yaml:"blacklist_path"`
	HistoryLimit    int    `yaml:"history_limit"`
	LogHistoryLimit int    `yaml:"log_history_limit"`
}

// RunDefaults returns the RunConfig applied to unset request fields.
func (c PipelineConfig) RunDefaults() domain.RunConfig {
	rc := domain.RunConfig{
		MaxAds:              c.MaxAds,
		CountryCode:         c.CountryCode,
		PollIntervalSeconds: c.PollIntervalSeconds,
		Concurrency:         c.Concurrency,
		ApifyTimeoutSeconds: c.ApifyTimeoutSeconds,
		MinAdSpendUSD:       c.MinAdSpendUSD,
		MaxDomainsPerMinute: c.MaxDomainsPerMinute,
		DomainBatchSize:     c.DomainBatchSize,
		CacheTTLDays:        c.CacheTTLDays,
		DryRunMode:          c.DryRunMode,
	}
	if c.RetryAttempts != nil {
		rc.RetryAttempts = *c.RetryAttempts
	}
	if c.HTMLFallbackEnabled != nil {
		rc.HTMLFallbackEnabled = *c.HTMLFallbackEnabled
	}
	return rc
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads path, applies defaults and environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path, setDefaults)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, fmt.Errorf("invalid config: %w", validateErr)
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if err := ValidatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if c.Database.Enabled {
		if err := ValidateRequired("database.host", c.Database.Host); err != nil {
			return err
		}
		if err := ValidatePort("database.port", c.Database.Port); err != nil {
			return err
		}
		if err := ValidateRequired("database.user", c.Database.User); err != nil {
			return err
		}
		if err := ValidateRequired("database.dbname", c.Database.DBName); err != nil {
			return err
		}
	}
	if c.Redis.Enabled {
		if err := ValidateRequired("redis.address", c.Redis.Address); err != nil {
			return err
		}
	}
	if err := ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := ValidateRequired("providers.ad_discovery.base_url", c.Providers.AdDiscovery.BaseURL); err != nil {
		return err
	}
	if err := ValidateRequired("providers.traffic.lookup_url", c.Providers.Traffic.LookupURL); err != nil {
		return err
	}
	if _, err := ratelimit.ParseScope(c.Pipeline.RateLimitScope); err != nil {
		return &ValidationError{Field: "pipeline.rate_limit_scope", Message: err.Error()}
	}
	if _, err := pipeline.ParseDuplicatePolicy(c.Pipeline.DuplicatePolicy); err != nil {
		return &ValidationError{Field: "pipeline.duplicate_policy", Message: err.Error()}
	}
	if err := c.Pipeline.RunDefaults().Validate(); err != nil {
		return &ValidationError{Field: "pipeline", Message: err.Error()}
	}
	return nil
}

func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setDatabaseDefaults(&cfg.Database)
	setRedisDefaults(&cfg.Redis)
	cfg.Logging.SetDefaults()
	setProviderDefaults(&cfg.Providers)
	setPipelineDefaults(&cfg.Pipeline)
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
}

func setServiceDefaults(s *ServiceConfig) {
	if s.Name == "" {
		s.Name = defaultServiceName
	}
	if s.Version == "" {
		s.Version = "dev"
	}
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = defaultServicePort
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = defaultServerTimeout
	}
	if len(s.CORSOrigins) == 0 {
		s.CORSOrigins = []string{"http://localhost:3000"}
	}
}

func setDatabaseDefaults(d *DatabaseConfig) {
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.Port == 0 {
		d.Port = defaultDatabasePort
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}
}

func setRedisDefaults(r *RedisConfig) {
	if r.Address == "" {
		r.Address = defaultRedisAddress
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = defaultRedisPrefix
	}
}

func setProviderDefaults(p *ProvidersConfig) {
	ad := &p.AdDiscovery
	if ad.BaseURL == "" {
		ad.BaseURL = defaultDiscoveryURL
	}
	if ad.Actor == "" {
		ad.Actor = defaultDiscoveryActor
	}
	if ad.MemoryMB == 0 {
		ad.MemoryMB = defaultDiscoveryMemory
	}
	if ad.RequestTimeout == 0 {
		ad.RequestTimeout = defaultRequestTimeout
	}

	tr := &p.Traffic
	if tr.LookupURL == "" {
		tr.LookupURL = defaultLookupURL
	}
	if tr.ProfileURL == "" {
		tr.ProfileURL = defaultProfileURL
	}
	if tr.RequestTimeout == 0 {
		tr.RequestTimeout = defaultRequestTimeout
	}
	if tr.Breaker.FailureThreshold == 0 {
		tr.Breaker.FailureThreshold = circuitbreaker.DefaultFailureThreshold
	}
	if tr.Breaker.SuccessThreshold == 0 {
		tr.Breaker.SuccessThreshold = circuitbreaker.DefaultSuccessThreshold
	}
	if tr.Breaker.OpenTimeout == 0 {
		tr.Breaker.OpenTimeout = circuitbreaker.DefaultOpenTimeout
	}
}

func setPipelineDefaults(p *PipelineConfig) {
	d := domain.DefaultRunConfig()
	if p.MaxAds == 0 {
		p.MaxAds = d.MaxAds
	}
	if p.CountryCode == "" {
		p.CountryCode = d.CountryCode
	}
	p.CountryCode = strings.ToUpper(strings.TrimSpace(p.CountryCode))
	if p.PollIntervalSeconds == 0 {
		p.PollIntervalSeconds = d.PollIntervalSeconds
	}
	if p.Concurrency == 0 {
		p.Concurrency = d.Concurrency
	}
	if p.ApifyTimeoutSeconds == 0 {
		p.ApifyTimeoutSeconds = d.ApifyTimeoutSeconds
	}
	if p.MaxDomainsPerMinute == 0 {
		p.MaxDomainsPerMinute = d.MaxDomainsPerMinute
	}
	if p.DomainBatchSize == 0 {
		p.DomainBatchSize = d.DomainBatchSize
	}
	if p.RetryAttempts == nil {
		p.RetryAttempts = &d.RetryAttempts
	}
	if p.CacheTTLDays == 0 {
		p.CacheTTLDays = d.CacheTTLDays
	}
	if p.HTMLFallbackEnabled == nil {
		p.HTMLFallbackEnabled = &d.HTMLFallbackEnabled
	}
	if p.RateLimitScope == "" {
		p.RateLimitScope = string(ratelimit.ScopeRun)
	}
	if p.DuplicatePolicy == "" {
		p.DuplicatePolicy = string(pipeline.DuplicateReject)
	}
	if p.EventBuffer == 0 {
		p.EventBuffer = defaultEventBuffer
	}
	if p.BlacklistPath == "" {
		p.BlacklistPath = defaultBlacklistPath
	}
	if p.HistoryLimit == 0 {
		p.HistoryLimit = pipeline.DefaultHistoryLimit
	}
	if p.LogHistoryLimit == 0 {
		p.LogHistoryLimit = pipeline.DefaultLogHistoryLimit
	}
}
