package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/geoinsight/internal/cost"
	"github.com/sells-group/geoinsight/internal/provider"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  ProviderConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     ProviderConfig   `yaml:"openai" mapstructure:"openai"`
	Perplexity ProviderConfig   `yaml:"perplexity" mapstructure:"perplexity"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer" mapstructure:"analyzer"`
	Extractor  ExtractorConfig  `yaml:"extractor" mapstructure:"extractor"`
	Aggregator AggregatorConfig `yaml:"aggregator" mapstructure:"aggregator"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProviderConfig holds one LLM provider's credentials and guard settings.
type ProviderConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`

	Concurrency  int64   `yaml:"concurrency" mapstructure:"concurrency"`
	RPS          float64 `yaml:"rps" mapstructure:"rps"`
	Burst        int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CacheTTLMins int     `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`

	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`

	// Fallback names the provider to route a query to when this one fails.
	Fallback string `yaml:"fallback" mapstructure:"fallback"`
}

// GuardConfig converts the provider section into guard settings.
func (p ProviderConfig) GuardConfig() provider.GuardConfig {
	cfg := provider.DefaultGuardConfig()
	if p.Concurrency > 0 {
		cfg.Concurrency = p.Concurrency
	}
	if p.RPS > 0 {
		cfg.RPS = p.RPS
	}
	if p.Burst > 0 {
		cfg.Burst = p.Burst
	}
	if p.TimeoutSecs > 0 {
		cfg.Timeout = time.Duration(p.TimeoutSecs) * time.Second
	}
	if p.CacheTTLMins > 0 {
		cfg.CacheTTL = time.Duration(p.CacheTTLMins) * time.Minute
	}
	if p.FailureThreshold > 0 {
		cfg.Breaker.FailureThreshold = p.FailureThreshold
	}
	if p.CooldownSecs > 0 {
		cfg.Breaker.Cooldown = time.Duration(p.CooldownSecs) * time.Second
	}
	if p.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = p.MaxAttempts
	}
	return cfg
}

// AnalyzerConfig configures the response analysis stage.
type AnalyzerConfig struct {
	Strategy    string `yaml:"strategy" mapstructure:"strategy"`
	Model       string `yaml:"model" mapstructure:"model"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// ExtractorConfig configures batching and insight extraction.
type ExtractorConfig struct {
	Model     string `yaml:"model" mapstructure:"model"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// AggregatorConfig configures the aggregation layers.
type AggregatorConfig struct {
	Model string `yaml:"model" mapstructure:"model"`
}

// PipelineConfig bounds the pipeline's own LLM usage across stages.
type PipelineConfig struct {
	MaxConcurrentLLMCalls int `yaml:"max_concurrent_llm_calls" mapstructure:"max_concurrent_llm_calls"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	Enabled               bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DegradedRateThreshold float64 `yaml:"degraded_rate_threshold" mapstructure:"degraded_rate_threshold"`
	CostThresholdUSD      float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GEOINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "geoinsight.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.fallback", "openai")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.fallback", "anthropic")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.fallback", "openai")
	v.SetDefault("analyzer.strategy", "llm")
	v.SetDefault("analyzer.model", "claude-haiku-4-5-20251001")
	v.SetDefault("analyzer.concurrency", 8)
	v.SetDefault("extractor.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("extractor.batch_size", 8)
	v.SetDefault("aggregator.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("pipeline.max_concurrent_llm_calls", 10)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.degraded_rate_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

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
	if len(cfg.Pricing.Anthropic) == 0 && len(cfg.Pricing.OpenAI) == 0 && len(cfg.Pricing.Perplexity) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

// Validate checks the configuration required for the given mode ("run" or
// "serve"). It accumulates every problem rather than stopping at the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "run":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Anthropic.Key == "" && c.OpenAI.Key == "" && c.Perplexity.Key == "" {
			problems = append(problems, "at least one provider key is required")
		}
		if c.Analyzer.Strategy != "llm" && c.Analyzer.Strategy != "heuristic" {
			problems = append(problems, "analyzer.strategy must be llm or heuristic")
		}
	case "serve":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Extractor.BatchSize < 1 || c.Extractor.BatchSize > 50 {
		problems = append(problems, "extractor.batch_size must be between 1 and 50")
	}
	if c.Pipeline.MaxConcurrentLLMCalls < 1 || c.Pipeline.MaxConcurrentLLMCalls > 100 {
		problems = append(problems, "pipeline.max_concurrent_llm_calls must be between 1 and 100")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
