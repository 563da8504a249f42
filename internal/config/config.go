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
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Waterfall  WaterfallConfig  `yaml:"waterfall" mapstructure:"waterfall"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CatalogConfig selects where the provider catalog comes from.
type CatalogConfig struct {
	// Source is "file" (YAML list under providers:), "xlsx" or "notion".
	Source string `yaml:"source" mapstructure:"source"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// NotionConfig holds Notion API credentials and the catalog database ID.
type NotionConfig struct {
	Token     string `yaml:"token" mapstructure:"token"`
	CatalogDB string `yaml:"catalog_db" mapstructure:"catalog_db"`
}

// AnthropicConfig holds Anthropic API settings for the Claude adapter.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	HaikuModel string `yaml:"haiku_model" mapstructure:"haiku_model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key      string  `yaml:"key" mapstructure:"key"`
	BaseURL  string  `yaml:"base_url" mapstructure:"base_url"`
	Model    string  `yaml:"model" mapstructure:"model"`
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// WaterfallConfig points at the waterfall tuning file.
type WaterfallConfig struct {
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
}

// BudgetConfig caps global spend across requests.
type BudgetConfig struct {
	GlobalDailyUSD   float64 `yaml:"global_daily_usd" mapstructure:"global_daily_usd"`
	GlobalMonthlyUSD float64 `yaml:"global_monthly_usd" mapstructure:"global_monthly_usd"`
}

// HealthConfig tunes the probe loop.
type HealthConfig struct {
	ProbeIntervalSecs int `yaml:"probe_interval_secs" mapstructure:"probe_interval_secs"`
	ProbeTimeoutSecs  int `yaml:"probe_timeout_secs" mapstructure:"probe_timeout_secs"`
}

// CacheConfig tunes idempotency result TTLs.
type CacheConfig struct {
	ConfidenceMetTTLHours int `yaml:"confidence_met_ttl_hours" mapstructure:"confidence_met_ttl_hours"`
	FallbackTTLHours      int `yaml:"fallback_ttl_hours" mapstructure:"fallback_ttl_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "enrich.db")
	v.SetDefault("catalog.source", "file")
	v.SetDefault("catalog.path", "providers.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.per_query", 0.005)
	v.SetDefault("budget.global_daily_usd", 0)
	v.SetDefault("budget.global_monthly_usd", 0)
	v.SetDefault("health.probe_interval_secs", 300)
	v.SetDefault("health.probe_timeout_secs", 10)
	v.SetDefault("cache.confidence_met_ttl_hours", 24)
	v.SetDefault("cache.fallback_ttl_hours", 1)

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
