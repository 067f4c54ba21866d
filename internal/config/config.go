package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Lookup     LookupConfig     `yaml:"lookup" mapstructure:"lookup"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LookupConfig holds Market Lookup Oracle client settings.
type LookupConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	HostRPS     float64 `yaml:"host_rps" mapstructure:"host_rps"`
	HostBurst   int     `yaml:"host_burst" mapstructure:"host_burst"`
	Retries     int     `yaml:"retries" mapstructure:"retries"`
}

// AnthropicConfig holds Anthropic API settings for the recommendation oracle.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PipelineConfig configures aggregation and progress reporting.
type PipelineConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	ProgressFlushEvery  int     `yaml:"progress_flush_every" mapstructure:"progress_flush_every"`
}

// CatalogConfig holds defaults applied to imported catalog rows that omit
// a tax rate or currency.
type CatalogConfig struct {
	DefaultTaxRate  float64 `yaml:"default_tax_rate" mapstructure:"default_tax_rate"`
	DefaultCurrency string  `yaml:"default_currency" mapstructure:"default_currency"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Lookup    LookupPricing           `yaml:"lookup" mapstructure:"lookup"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// LookupPricing holds Market Lookup Oracle pricing.
type LookupPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background health checker and its
// webhook alerts. An empty webhook URL disables alert delivery.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
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
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pricewatch.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("lookup.base_url", "https://api.pricesearch.dev/v1")
	v.SetDefault("lookup.timeout_secs", 300)
	v.SetDefault("lookup.concurrency", 20)
	v.SetDefault("lookup.host_rps", 1.0)
	v.SetDefault("lookup.host_burst", 2)
	v.SetDefault("lookup.retries", 2)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("pipeline.confidence_threshold", 0.6)
	v.SetDefault("pipeline.progress_flush_every", 5)
	v.SetDefault("catalog.default_tax_rate", 0.19)
	v.SetDefault("catalog.default_currency", "COP")
	v.SetDefault("pricing.lookup.per_query", 0.005)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that the configuration can support the given mode.
// Modes: "run" (ingestion pipeline), "serve" (HTTP service), "review"
// (recommendation accept/reject), "catalog" and "runs" (store-only
// commands).
func (c *Config) Validate(mode string) error {
	var problems []string

	need := func(value, name string) {
		if value == "" {
			problems = append(problems, name+" is required")
		}
	}

	checkStore := func() {
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
		need(c.Store.DatabaseURL, "store.database_url")
	}

	checkPipeline := func() {
		need(c.Lookup.Key, "lookup.key")
		need(c.Anthropic.Key, "anthropic.key")
		if c.Lookup.Concurrency < 1 || c.Lookup.Concurrency > 100 {
			problems = append(problems, "lookup.concurrency must be between 1 and 100")
		}
		if c.Lookup.TimeoutSecs <= 0 {
			problems = append(problems, "lookup.timeout_secs must be > 0")
		}
		if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
			problems = append(problems, "pipeline.confidence_threshold must be between 0 and 1")
		}
		if c.Pipeline.ProgressFlushEvery < 1 {
			problems = append(problems, "pipeline.progress_flush_every must be >= 1")
		}
		if c.Catalog.DefaultTaxRate < 0 || c.Catalog.DefaultTaxRate >= 1 {
			problems = append(problems, "catalog.default_tax_rate must be in [0, 1)")
		}
	}

	switch mode {
	case "run":
		checkStore()
		checkPipeline()
	case "serve":
		checkStore()
		checkPipeline()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "review", "catalog", "runs":
		checkStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
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
