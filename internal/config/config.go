package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/storm-data-cache/internal/freshness"
	"github.com/couchcryptid/storm-data-cache/internal/source"
)

// DefaultUserAgent identifies the service to the NCEI and SPC file servers.
const DefaultUserAgent = "storm-data-cache/1.0"

// Config holds all service settings, populated from environment variables and
// an optional TOML file.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ConfigFile      string

	// Freshness policy.
	AuthoritativeLagDays int
	HistoricalTTL        time.Duration
	PreviousYearTTL      time.Duration
	CurrentYearTTL       time.Duration
	PreliminaryTTL       time.Duration
	LiveAlertTTL         time.Duration

	// Cache store.
	CacheDir     string
	CacheHotSize int

	// Upstream fetching.
	FetchTimeout      time.Duration
	FetchMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	UpstreamRateLimit float64
	UserAgent         string

	NCEIBaseURL string
	SPCBaseURL  string
	NWSBaseURL  string
	// NWSUserAgent is the contact string api.weather.gov requires.
	NWSUserAgent      string
	LiveAlertsEnabled bool

	// NCEILastResort maps a year to a details file known to exist. Only
	// settable from the TOML file.
	NCEILastResort map[int]string

	// Request handling.
	ResolveWorkers int
	ResolveTimeout time.Duration

	// Scheduler.
	WarmupOnStartup   bool
	WarmupYears       []int
	SchedulerInterval time.Duration
	EvictionInterval  time.Duration
	EvictionThreshold time.Duration

	// Segment publishing.
	KafkaEnabled   bool
	KafkaBrokers   []string
	KafkaSinkTopic string
}

// Load reads configuration from environment variables, applying defaults where unset.
// When CONFIG_FILE names a TOML file it supplies the NCEI last-resort table
// and, unless SCHEDULER_WARMUP_YEARS is set, the warmup years.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	p := &envParser{}
	thisYear := time.Now().UTC().Year()

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		ConfigFile:      os.Getenv("CONFIG_FILE"),

		AuthoritativeLagDays: p.positiveInt("AUTHORITATIVE_LAG_DAYS", 90),
		HistoricalTTL:        days(p.positiveInt("CACHE_TTL_HISTORICAL_DAYS", 30)),
		PreviousYearTTL:      days(p.positiveInt("CACHE_TTL_PREVIOUS_YEAR_DAYS", 7)),
		CurrentYearTTL:       time.Duration(p.positiveInt("CACHE_TTL_CURRENT_YEAR_HOURS", 24)) * time.Hour,
		PreliminaryTTL:       p.duration("PRELIMINARY_TTL", 24*time.Hour),
		LiveAlertTTL:         p.duration("LIVE_ALERT_TTL", time.Hour),

		CacheDir:     sharedcfg.EnvOrDefault("CACHE_DIR", "/tmp/reports/storm_cache"),
		CacheHotSize: p.nonNegativeInt("CACHE_HOT_SIZE", 64),

		FetchTimeout:      p.duration("FETCH_TIMEOUT", 30*time.Second),
		FetchMaxAttempts:  p.positiveInt("FETCH_MAX_ATTEMPTS", 3),
		RetryBaseDelay:    p.duration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:     p.duration("RETRY_MAX_DELAY", 8*time.Second),
		UpstreamRateLimit: p.positiveFloat("UPSTREAM_RATE_LIMIT", 5*0.8),
		UserAgent:         sharedcfg.EnvOrDefault("USER_AGENT", DefaultUserAgent),

		NCEIBaseURL:  sharedcfg.EnvOrDefault("NCEI_BASE_URL", "https://www.ncei.noaa.gov/pub/data/swdi/stormevents/csvfiles"),
		SPCBaseURL:   sharedcfg.EnvOrDefault("SPC_BASE_URL", "https://www.spc.noaa.gov/climo/reports"),
		NWSBaseURL:   sharedcfg.EnvOrDefault("NWS_BASE_URL", "https://api.weather.gov"),
		NWSUserAgent: os.Getenv("NWS_USER_AGENT"),

		ResolveWorkers: p.positiveInt("RESOLVE_WORKERS", 4),
		ResolveTimeout: p.duration("RESOLVE_TIMEOUT", 20*time.Second),

		WarmupOnStartup:   p.boolean("SCHEDULER_WARMUP_ON_STARTUP", false),
		WarmupYears:       p.years("SCHEDULER_WARMUP_YEARS", []int{thisYear - 2, thisYear - 1}),
		SchedulerInterval: p.duration("SCHEDULER_INTERVAL", 24*time.Hour),
		EvictionInterval:  p.duration("EVICTION_INTERVAL", 7*24*time.Hour),
		EvictionThreshold: days(p.positiveInt("EVICTION_THRESHOLD_DAYS", 60)),

		KafkaEnabled:   p.boolean("KAFKA_ENABLED", false),
		KafkaBrokers:   sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic: sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "reconciled-weather-events"),
	}
	cfg.LiveAlertsEnabled = p.boolean("LIVE_ALERTS_ENABLED", cfg.NWSUserAgent != "")

	if p.err != nil {
		return nil, p.err
	}

	if cfg.ConfigFile != "" {
		fc, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		if err := fc.apply(cfg, os.Getenv("SCHEDULER_WARMUP_YEARS") != ""); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LiveAlertsEnabled && strings.TrimSpace(c.NWSUserAgent) == "" {
		return errors.New("LIVE_ALERTS_ENABLED is true but NWS_USER_AGENT is not set")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New("RETRY_MAX_DELAY must not be less than RETRY_BASE_DELAY")
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if c.KafkaSinkTopic == "" {
			return errors.New("KAFKA_SINK_TOPIC is required when KAFKA_ENABLED is true")
		}
	}
	if c.CacheDir == "" {
		return errors.New("CACHE_DIR is required")
	}
	return c.Freshness().Validate()
}

// Freshness returns the freshness policy settings.
func (c *Config) Freshness() freshness.Config {
	return freshness.Config{
		AuthoritativeLagDays: c.AuthoritativeLagDays,
		HistoricalTTL:        c.HistoricalTTL,
		PreviousYearTTL:      c.PreviousYearTTL,
		CurrentYearTTL:       c.CurrentYearTTL,
		PreliminaryTTL:       c.PreliminaryTTL,
		LiveAlertTTL:         c.LiveAlertTTL,
	}
}

// Retry returns the retry and throttle settings shared by every provider.
func (c *Config) Retry() source.RetryConfig {
	return source.RetryConfig{
		MaxAttempts:    c.FetchMaxAttempts,
		BaseDelay:      c.RetryBaseDelay,
		MaxDelay:       c.RetryMaxDelay,
		AttemptTimeout: c.FetchTimeout,
		RateLimit:      c.UpstreamRateLimit,
		Burst:          1,
	}
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// envParser reads typed variables and keeps the first failure.
type envParser struct {
	err error
}

func (p *envParser) fail(key, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %q", key, value)
	}
}

func (p *envParser) positiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.fail(key, v)
		return def
	}
	return n
}

func (p *envParser) nonNegativeInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.fail(key, v)
		return def
	}
	return n
}

func (p *envParser) positiveFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		p.fail(key, v)
		return def
	}
	return f
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(key, v)
		return def
	}
	return d
}

func (p *envParser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v)
		return def
	}
	return b
}

func (p *envParser) years(key string, def []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil || y < 1950 || y > 9999 {
			p.fail(key, v)
			return def
		}
		out = append(out, y)
	}
	return out
}
