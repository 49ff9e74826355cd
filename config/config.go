// Package config loads service configuration from YAML and environment
// variables. Environment variables use the SENTINEL_ prefix with underscores,
// e.g. SENTINEL_REDIS_ADDR overrides redis.addr.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the sentinel service.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`

	Redis struct {
		Addr     string `mapstructure:"addr" validate:"required"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size" validate:"gte=1"`
	} `mapstructure:"redis"`

	RateLimit struct {
		// FailOpen selects the policy when the counter store is unreachable.
		// Security-sensitive call sites must leave this false (deny);
		// best-effort telemetry call sites may set it true (allow).
		FailOpen bool `mapstructure:"fail_open"`
		// FallbackBurst is the burst size of the in-memory fallback limiter
		// used by fail-open call sites while the store is down.
		FallbackBurst int `mapstructure:"fallback_burst" validate:"gte=1"`
	} `mapstructure:"rate_limit"`

	Detectors struct {
		Timeout time.Duration `mapstructure:"timeout"` // per-detector budget

		BruteForce struct {
			Threshold int           `mapstructure:"threshold" validate:"gte=1"`
			Window    time.Duration `mapstructure:"window"`
		} `mapstructure:"brute_force"`

		RateLimitAbuse struct {
			Threshold int           `mapstructure:"threshold" validate:"gte=1"`
			Window    time.Duration `mapstructure:"window"`
		} `mapstructure:"rate_limit_abuse"`

		SuspiciousIP struct {
			ReputationURL   string        `mapstructure:"reputation_url"`
			APIKey          string        `mapstructure:"api_key"`
			CacheTTL        time.Duration `mapstructure:"cache_ttl"`
			CacheSize       int           `mapstructure:"cache_size" validate:"gte=1"`
			HighThreshold   float64       `mapstructure:"high_threshold" validate:"gte=0,lte=1"`
			MediumThreshold float64       `mapstructure:"medium_threshold" validate:"gte=0,lte=1"`
			Denylist        []string      `mapstructure:"denylist"`
		} `mapstructure:"suspicious_ip"`

		ML struct {
			MinSamples      int           `mapstructure:"min_samples" validate:"gte=1"`
			MaxSamples      int           `mapstructure:"max_samples" validate:"gte=1"`
			RetrainInterval time.Duration `mapstructure:"retrain_interval"`
			Contamination   float64       `mapstructure:"contamination" validate:"gt=0,lt=1"`
		} `mapstructure:"ml"`
	} `mapstructure:"detectors"`

	Responder struct {
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		SweepInterval     time.Duration `mapstructure:"sweep_interval"`
		MaxConcurrent     int           `mapstructure:"max_concurrent" validate:"gte=1"`
		DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
		DefaultMaxRetries int           `mapstructure:"default_max_retries" validate:"gte=0"`
		PlaybookDir       string        `mapstructure:"playbook_dir"`
	} `mapstructure:"responder"`

	Notify struct {
		Email struct {
			Enabled     bool     `mapstructure:"enabled"`
			SMTPHost    string   `mapstructure:"smtp_host"`
			SMTPPort    int      `mapstructure:"smtp_port"`
			Username    string   `mapstructure:"username"`
			Password    string   `mapstructure:"password"`
			FromAddress string   `mapstructure:"from_address"`
			ToAddresses []string `mapstructure:"to_addresses"`
		} `mapstructure:"email"`
		Webhook struct {
			Enabled bool              `mapstructure:"enabled"`
			URL     string            `mapstructure:"url"`
			Method  string            `mapstructure:"method"`
			Headers map[string]string `mapstructure:"headers"`
		} `mapstructure:"webhook"`
		Pager struct {
			Enabled bool   `mapstructure:"enabled"`
			URL     string `mapstructure:"url"`
			APIKey  string `mapstructure:"api_key"`
		} `mapstructure:"pager"`
	} `mapstructure:"notify"`

	API struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port" validate:"gte=1,lte=65535"`
		RateLimit struct {
			Limit  int           `mapstructure:"limit" validate:"gte=1"`
			Window time.Duration `mapstructure:"window"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("sqlite_path", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("rate_limit.fail_open", false)
	v.SetDefault("rate_limit.fallback_burst", 10)
	v.SetDefault("detectors.timeout", time.Second)
	v.SetDefault("detectors.brute_force.threshold", 5)
	v.SetDefault("detectors.brute_force.window", 5*time.Minute)
	v.SetDefault("detectors.rate_limit_abuse.threshold", 10)
	v.SetDefault("detectors.rate_limit_abuse.window", time.Hour)
	v.SetDefault("detectors.suspicious_ip.cache_ttl", time.Hour)
	v.SetDefault("detectors.suspicious_ip.cache_size", 4096)
	v.SetDefault("detectors.suspicious_ip.high_threshold", 0.9)
	v.SetDefault("detectors.suspicious_ip.medium_threshold", 0.7)
	v.SetDefault("detectors.ml.min_samples", 50)
	v.SetDefault("detectors.ml.max_samples", 1000)
	v.SetDefault("detectors.ml.retrain_interval", time.Hour)
	v.SetDefault("detectors.ml.contamination", 0.1)
	v.SetDefault("responder.poll_interval", 5*time.Second)
	v.SetDefault("responder.sweep_interval", 60*time.Second)
	v.SetDefault("responder.max_concurrent", 10)
	v.SetDefault("responder.default_timeout", 30*time.Second)
	v.SetDefault("responder.default_max_retries", 3)
	v.SetDefault("responder.playbook_dir", "")
	v.SetDefault("notify.webhook.method", "POST")
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.rate_limit.limit", 100)
	v.SetDefault("api.rate_limit.window", time.Minute)
}

// Load reads configuration from the given file (optional) plus environment
// overrides, applies defaults, and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SQLitePath == "" {
		cfg.SQLitePath = cfg.DataDir + "/sentinel.db"
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate covers constraints the tag-based validator cannot express.
func (c *Config) validate() error {
	if c.Detectors.Timeout <= 0 {
		return fmt.Errorf("detectors.timeout must be positive")
	}
	if c.Detectors.BruteForce.Window <= 0 {
		return fmt.Errorf("detectors.brute_force.window must be positive")
	}
	if c.Detectors.RateLimitAbuse.Window <= 0 {
		return fmt.Errorf("detectors.rate_limit_abuse.window must be positive")
	}
	if c.Detectors.ML.MinSamples > c.Detectors.ML.MaxSamples {
		return fmt.Errorf("detectors.ml.min_samples cannot exceed max_samples")
	}
	if c.Detectors.SuspiciousIP.MediumThreshold > c.Detectors.SuspiciousIP.HighThreshold {
		return fmt.Errorf("detectors.suspicious_ip.medium_threshold cannot exceed high_threshold")
	}
	if c.Responder.PollInterval <= 0 || c.Responder.SweepInterval <= 0 {
		return fmt.Errorf("responder intervals must be positive")
	}
	return nil
}
