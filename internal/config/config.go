package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the send/verify engine.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	IMAP     IMAPConfig     `yaml:"imap"`
	Campaign CampaignConfig `yaml:"campaign"`
	Warmup   WarmupConfig   `yaml:"warmup"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection settings used for distributed
// counters and progress publication. Optional: empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ProxyConfig controls proxy enforcement and probing.
type ProxyConfig struct {
	LeakPrevention   bool     `yaml:"leak_prevention"`
	FallbackDisabled bool     `yaml:"fallback_disabled"`
	ProbeURLs        []string `yaml:"probe_urls"`
	ProbeTimeoutSecs int      `yaml:"probe_timeout_seconds"`
	ProbeCacheTTL    int      `yaml:"probe_cache_ttl_seconds"`
	ProbeConcurrency int      `yaml:"probe_concurrency"`
	FailureThreshold int      `yaml:"failure_threshold"`
	BlacklistZones   []string `yaml:"blacklist_zones"`
}

// ProbeTimeout returns the probe timeout as a duration.
func (c ProxyConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSecs) * time.Second
}

// CacheTTL returns the probe cache TTL as a duration.
func (c ProxyConfig) CacheTTL() time.Duration {
	return time.Duration(c.ProbeCacheTTL) * time.Second
}

// SMTPConfig controls outbound SMTP behavior.
type SMTPConfig struct {
	ProxyForce          bool     `yaml:"proxy_force"`
	RateLimitPerHour    int      `yaml:"rate_limit_per_hour"`
	PerAccountPerMinute int      `yaml:"per_account_per_minute"`
	PerDomainPerMinute  int      `yaml:"per_domain_per_minute"`
	MaxRetries          int      `yaml:"max_retries"`
	DefaultTimeoutSecs  int      `yaml:"default_timeout_seconds"`
	CheckTimeoutSecs    int      `yaml:"check_timeout_seconds"`
	HeloHost            string   `yaml:"helo_host"`
	DisableTLS          bool     `yaml:"disable_tls"` // plaintext relays only
	FallbackHosts       []string `yaml:"fallback_hosts"`
	CustomMessageID     bool     `yaml:"custom_message_id"`
	UnsubscribeHeader   bool     `yaml:"unsubscribe_header"`
	TrackingPixelURL    string   `yaml:"tracking_pixel_url"`
	SpamScoreThreshold  float64  `yaml:"spam_score_threshold"`
}

// DefaultTimeout returns the per-operation SMTP timeout.
func (c SMTPConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSecs) * time.Second
}

// CheckTimeout returns the credential-check timeout.
func (c SMTPConfig) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutSecs) * time.Second
}

// IMAPConfig controls mailbox probing.
type IMAPConfig struct {
	ProxyForce          bool   `yaml:"proxy_force"`
	PathPrefixDefault   string `yaml:"path_prefix_default"`
	CreateSystemFolders bool   `yaml:"create_system_folders"`
	RawTimeoutSecs      int    `yaml:"raw_timeout_seconds"`
	RawRetries          int    `yaml:"raw_retries"`
	FetchLimit          int    `yaml:"fetch_limit"`
}

// RawTimeout returns the raw-dump operation timeout.
func (c IMAPConfig) RawTimeout() time.Duration {
	return time.Duration(c.RawTimeoutSecs) * time.Second
}

// CampaignConfig holds orchestrator defaults.
type CampaignConfig struct {
	DefaultBatchSize   int  `yaml:"default_batch_size"`
	DefaultThreads     int  `yaml:"default_threads"`
	MaxThreads         int  `yaml:"max_threads"`
	DefaultRetryLimit  int  `yaml:"default_retry_limit"`
	BackoffBaseMillis  int  `yaml:"backoff_base_millis"`
	BackoffCapSecs     int  `yaml:"backoff_cap_seconds"`
	HardStopOnExhaust  bool `yaml:"hard_stop_on_exhaust"`
	ProgressIntervalMS int  `yaml:"progress_interval_millis"`
	StuckAfterSecs     int  `yaml:"stuck_after_seconds"`
}

// WarmupConfig holds the warm-up ramp settings.
type WarmupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ResetTimezone string `yaml:"reset_timezone"`
}

// MetricsConfig controls the Prometheus registry exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied and no file loaded.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if len(c.Proxy.ProbeURLs) == 0 {
		c.Proxy.ProbeURLs = []string{
			"https://api.ipify.org?format=json",
			"https://ifconfig.me/ip",
		}
	}
	if c.Proxy.ProbeTimeoutSecs == 0 {
		c.Proxy.ProbeTimeoutSecs = 10
	}
	if c.Proxy.ProbeCacheTTL == 0 {
		c.Proxy.ProbeCacheTTL = 3600
	}
	if c.Proxy.ProbeConcurrency == 0 {
		c.Proxy.ProbeConcurrency = 10
	}
	if c.Proxy.FailureThreshold == 0 {
		c.Proxy.FailureThreshold = 3
	}
	if c.SMTP.RateLimitPerHour == 0 {
		c.SMTP.RateLimitPerHour = 300
	}
	if c.SMTP.PerAccountPerMinute == 0 {
		c.SMTP.PerAccountPerMinute = c.SMTP.RateLimitPerHour / 60
		if c.SMTP.PerAccountPerMinute == 0 {
			c.SMTP.PerAccountPerMinute = 1
		}
	}
	if c.SMTP.PerDomainPerMinute == 0 {
		c.SMTP.PerDomainPerMinute = c.SMTP.PerAccountPerMinute * 2
	}
	if c.SMTP.MaxRetries == 0 {
		c.SMTP.MaxRetries = 3
	}
	if c.SMTP.DefaultTimeoutSecs == 0 {
		c.SMTP.DefaultTimeoutSecs = 30
	}
	if c.SMTP.CheckTimeoutSecs == 0 {
		c.SMTP.CheckTimeoutSecs = 15
	}
	if c.SMTP.HeloHost == "" {
		c.SMTP.HeloHost = "localhost"
	}
	if c.SMTP.SpamScoreThreshold == 0 {
		c.SMTP.SpamScoreThreshold = 5.0
	}
	if c.IMAP.RawTimeoutSecs == 0 {
		c.IMAP.RawTimeoutSecs = 60
	}
	if c.IMAP.RawRetries == 0 {
		c.IMAP.RawRetries = 2
	}
	if c.IMAP.FetchLimit == 0 {
		c.IMAP.FetchLimit = 50
	}
	if c.Campaign.DefaultBatchSize == 0 {
		c.Campaign.DefaultBatchSize = 100
	}
	if c.Campaign.DefaultThreads == 0 {
		c.Campaign.DefaultThreads = 5
	}
	if c.Campaign.MaxThreads == 0 {
		c.Campaign.MaxThreads = 20
	}
	if c.Campaign.DefaultRetryLimit == 0 {
		c.Campaign.DefaultRetryLimit = 3
	}
	if c.Campaign.BackoffBaseMillis == 0 {
		c.Campaign.BackoffBaseMillis = 1000
	}
	if c.Campaign.BackoffCapSecs == 0 {
		c.Campaign.BackoffCapSecs = 60
	}
	if c.Campaign.ProgressIntervalMS == 0 {
		c.Campaign.ProgressIntervalMS = 2000
	}
	if c.Campaign.StuckAfterSecs == 0 {
		// Well past the progress save cadence, so a live run is never swept.
		c.Campaign.StuckAfterSecs = 600
	}
	if c.Warmup.ResetTimezone == "" {
		c.Warmup.ResetTimezone = "UTC"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
// If path is empty, defaults are used as the base.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v, ok := envBool("PROXY_IP_LEAK_PREVENTION"); ok {
		cfg.Proxy.LeakPrevention = v
	}
	if v, ok := envBool("PROXY_FALLBACK_DISABLED"); ok {
		cfg.Proxy.FallbackDisabled = v
	}
	if v, ok := envBool("SMTP_PROXY_FORCE"); ok {
		cfg.SMTP.ProxyForce = v
	}
	if v, ok := envBool("IMAP_PROXY_FORCE"); ok {
		cfg.IMAP.ProxyForce = v
	}
	if v, ok := envInt("SMTP_RATE_LIMIT_PER_HOUR"); ok {
		cfg.SMTP.RateLimitPerHour = v
		cfg.SMTP.PerAccountPerMinute = v / 60
		if cfg.SMTP.PerAccountPerMinute == 0 {
			cfg.SMTP.PerAccountPerMinute = 1
		}
	}
	if v, ok := envInt("SMTP_MAX_RETRIES"); ok {
		cfg.SMTP.MaxRetries = v
	}
	if v, ok := envInt("SMTP_DEFAULT_TIMEOUT"); ok {
		cfg.SMTP.DefaultTimeoutSecs = v
	}
	if v, ok := envInt("SMTP_CHECK_TIMEOUT"); ok {
		cfg.SMTP.CheckTimeoutSecs = v
	}
	if v := os.Getenv("IMAP_PATH_PREFIX_DEFAULT"); v != "" {
		cfg.IMAP.PathPrefixDefault = v
	}
	if v, ok := envBool("IMAP_CREATE_SYSTEM_FOLDERS"); ok {
		cfg.IMAP.CreateSystemFolders = v
	}
	if v, ok := envInt("IMAP_RAW_TIMEOUT"); ok {
		cfg.IMAP.RawTimeoutSecs = v
	}
	if v, ok := envInt("IMAP_RAW_RETRIES"); ok {
		cfg.IMAP.RawRetries = v
	}
	if v, ok := envBool("REQUIRE_UNSUBSCRIBE_HEADER"); ok {
		cfg.SMTP.UnsubscribeHeader = v
	}
	if v, ok := envBool("CUSTOM_MESSAGE_ID"); ok {
		cfg.SMTP.CustomMessageID = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.SMTP.PerAccountPerMinute < 0 || c.SMTP.PerDomainPerMinute < 0 {
		return fmt.Errorf("negative rate limit")
	}
	if c.Campaign.MaxThreads < 1 || c.Campaign.MaxThreads > 20 {
		return fmt.Errorf("max_threads must be within 1-20, got %d", c.Campaign.MaxThreads)
	}
	if c.Campaign.DefaultThreads > c.Campaign.MaxThreads {
		return fmt.Errorf("default_threads %d exceeds max_threads %d",
			c.Campaign.DefaultThreads, c.Campaign.MaxThreads)
	}
	return nil
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
