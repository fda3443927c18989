package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Mailgun   MailgunConfig   `mapstructure:"mailgun"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Resubmit  ResubmitConfig  `mapstructure:"resubmit"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Ops       OpsConfig       `mapstructure:"ops"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type MailgunConfig struct {
	APIBase  string        `mapstructure:"api_base"`
	APIKey   string        `mapstructure:"api_key"`
	Domain   string        `mapstructure:"domain"`
	Timeout  time.Duration `mapstructure:"timeout"`
	TestMode bool          `mapstructure:"testmode"`
	// PageLimit is the per-page item count for event searches.
	PageLimit int `mapstructure:"page_limit"`
	// MaxPages bounds pagination as a safety valve against a faulty API
	// that never returns an empty page.
	MaxPages int `mapstructure:"max_pages"`
}

type WebhookConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	SigningKey string `mapstructure:"signing_key"`
	// FilterVariable is a shared secret embedded in the callback payload's
	// user variables. PreviousFilterVariable is still accepted to allow
	// zero-downtime rotation.
	FilterVariable         string `mapstructure:"filter_variable"`
	PreviousFilterVariable string `mapstructure:"previous_filter_variable"`
}

type DispatchMode string

const (
	DispatchAlways          DispatchMode = "always"
	DispatchNever           DispatchMode = "never"
	DispatchWhenAttachments DispatchMode = "when-attachments"
)

type DispatchConfig struct {
	// Mode decides when sends are deferred to the task queue.
	Mode             DispatchMode `mapstructure:"mode"`
	DefaultRecipient string       `mapstructure:"default_recipient"`
}

type ResubmitConfig struct {
	// Tag marks resubmitted messages so later polls can tell them apart
	// from original sends.
	Tag string `mapstructure:"tag"`
	// MaxFailures is the automated-resubmit ceiling per (message, recipient).
	MaxFailures int `mapstructure:"max_failures"`
	// CacheEnabled turns on local MIME caching for repeat failures.
	CacheEnabled bool   `mapstructure:"cache_enabled"`
	CacheDir     string `mapstructure:"cache_dir"`
	// CacheThreshold is the failure count at which content is cached locally.
	CacheThreshold int `mapstructure:"cache_threshold"`
}

type ReconcileConfig struct {
	// RunAt is the local time of day ("15:04") the daily run fires.
	RunAt string `mapstructure:"run_at"`
	// RetentionDays bounds the scan to failures the provider can still
	// report on (provider retains events 3 to 30 days by plan).
	RetentionDays int `mapstructure:"retention_days"`
	// TruncateAfterDays is the local event retention period.
	TruncateAfterDays int           `mapstructure:"truncate_after_days"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

type WorkerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

type OpsConfig struct {
	// AuthToken protects the operations API. Empty disables those routes.
	AuthToken         string  `mapstructure:"auth_token"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&config)

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("mailgun.api_base", "https://api.mailgun.net/v3")
	viper.SetDefault("mailgun.timeout", 30*time.Second)
	viper.SetDefault("mailgun.page_limit", 300)
	viper.SetDefault("mailgun.max_pages", 50)
	viper.SetDefault("webhook.enabled", true)
	viper.SetDefault("dispatch.mode", string(DispatchWhenAttachments))
	viper.SetDefault("resubmit.tag", "resubmit")
	viper.SetDefault("resubmit.max_failures", 5)
	viper.SetDefault("resubmit.cache_threshold", 2)
	viper.SetDefault("reconcile.run_at", "03:00")
	viper.SetDefault("reconcile.retention_days", 30)
	viper.SetDefault("reconcile.truncate_after_days", 90)
	viper.SetDefault("reconcile.sweep_interval", 24*time.Hour)
	viper.SetDefault("worker.batch_size", 50)
	viper.SetDefault("worker.poll_interval", 10*time.Second)
	viper.SetDefault("worker.max_retries", 3)
	viper.SetDefault("worker.retry_delay", 5*time.Second)
	viper.SetDefault("ops.requests_per_second", 50.0)
	viper.SetDefault("ops.burst", 100)
}

// Secrets come from the environment in deployed setups, never the yaml file.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DB_HOST"); v != "" {
		config.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		config.Database.Port, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		config.Database.Password = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		config.Redis.URL = v
	}
	if v := os.Getenv("MAILGUN_API_KEY"); v != "" {
		config.Mailgun.APIKey = v
	}
	if v := os.Getenv("MAILGUN_DOMAIN"); v != "" {
		config.Mailgun.Domain = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_KEY"); v != "" {
		config.Webhook.SigningKey = v
	}
	if v := os.Getenv("OPS_AUTH_TOKEN"); v != "" {
		config.Ops.AuthToken = v
	}
}
