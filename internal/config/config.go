package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	// User is the default owning user for CLI task commands.
	User        string            `yaml:"user" mapstructure:"user"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	OpenLibrary OpenLibraryConfig `yaml:"openlibrary" mapstructure:"openlibrary"`
	GoogleBooks GoogleBooksConfig `yaml:"googlebooks" mapstructure:"googlebooks"`
	Budget      BudgetConfig      `yaml:"budget" mapstructure:"budget"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment" mapstructure:"enrichment"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// OpenLibraryConfig holds Open Library API settings. Open Library needs no key.
type OpenLibraryConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	CoversBaseURL string  `yaml:"covers_base_url" mapstructure:"covers_base_url"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// GoogleBooksConfig holds Google Books API settings.
type GoogleBooksConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// BudgetConfig holds daily request quotas per provider.
type BudgetConfig struct {
	OpenLibrary ProviderBudget `yaml:"openlibrary" mapstructure:"openlibrary"`
	GoogleBooks ProviderBudget `yaml:"googlebooks" mapstructure:"googlebooks"`
}

// ProviderBudget is a pair of daily request limits. Zero disables a limit.
type ProviderBudget struct {
	GlobalDaily  int `yaml:"global_daily" mapstructure:"global_daily"`
	PerUserDaily int `yaml:"per_user_daily" mapstructure:"per_user_daily"`
}

// EnrichmentConfig configures task lifecycle timing.
type EnrichmentConfig struct {
	MaxAttempts         int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	StaleAfterMins      int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	SkipCooldownHours   int    `yaml:"skip_cooldown_hours" mapstructure:"skip_cooldown_hours"`
	BudgetCooldownHours int    `yaml:"budget_cooldown_hours" mapstructure:"budget_cooldown_hours"`
	PolicyPath          string `yaml:"policy_path" mapstructure:"policy_path"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	DefaultLimit       int `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit           int `yaml:"max_limit" mapstructure:"max_limit"`
	WorkerIntervalSecs int `yaml:"worker_interval_secs" mapstructure:"worker_interval_secs"`
}

// RetryConfig configures transport retries inside provider clients.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures health alerts for the enrichment queue.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ReviewBacklogThreshold int     `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
	BudgetWarnRatio        float64 `yaml:"budget_warn_ratio" mapstructure:"budget_warn_ratio"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("user", "")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("openlibrary.enabled", true)
	v.SetDefault("openlibrary.base_url", "https://openlibrary.org")
	v.SetDefault("openlibrary.covers_base_url", "https://covers.openlibrary.org")
	v.SetDefault("openlibrary.rate_per_sec", 1.0)
	v.SetDefault("openlibrary.timeout_secs", 15)
	v.SetDefault("googlebooks.enabled", false)
	v.SetDefault("googlebooks.base_url", "https://www.googleapis.com/books/v1")
	v.SetDefault("googlebooks.rate_per_sec", 5.0)
	v.SetDefault("googlebooks.timeout_secs", 15)
	v.SetDefault("budget.openlibrary.global_daily", 5000)
	v.SetDefault("budget.openlibrary.per_user_daily", 500)
	v.SetDefault("budget.googlebooks.global_daily", 1000)
	v.SetDefault("budget.googlebooks.per_user_daily", 100)
	v.SetDefault("enrichment.max_attempts", 3)
	v.SetDefault("enrichment.stale_after_mins", 10)
	v.SetDefault("enrichment.skip_cooldown_hours", 24)
	v.SetDefault("enrichment.budget_cooldown_hours", 12)
	v.SetDefault("batch.default_limit", 25)
	v.SetDefault("batch.max_limit", 100)
	v.SetDefault("batch.worker_interval_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.review_backlog_threshold", 200)
	v.SetDefault("monitoring.budget_warn_ratio", 0.9)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command depends on are present.
// Mode is one of "serve", "process", "enqueue", "tasks" or "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch mode {
	case "serve", "process":
		if !c.OpenLibrary.Enabled && !c.GoogleBooks.Enabled {
			problems = append(problems, "at least one provider must be enabled")
		}
		if c.GoogleBooks.Enabled && c.GoogleBooks.Key == "" {
			problems = append(problems, "googlebooks.key is required when googlebooks is enabled")
		}
		if c.Enrichment.MaxAttempts < 1 {
			problems = append(problems, "enrichment.max_attempts must be at least 1")
		}
		if c.Batch.MaxLimit < 1 {
			problems = append(problems, "batch.max_limit must be at least 1")
		}
		if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			problems = append(problems, "monitoring.webhook_url is required when monitoring is enabled")
		}
	}

	if mode == "serve" && (c.Server.Port < 1 || c.Server.Port > 65535) {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
