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
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Source       SourceConfig       `yaml:"source" mapstructure:"source"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Matcher      MatcherConfig      `yaml:"matcher" mapstructure:"matcher"`
	Engine       EngineConfig       `yaml:"engine" mapstructure:"engine"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Assembler    AssemblerConfig    `yaml:"assembler" mapstructure:"assembler"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend for placeholder configs,
// cached values and task snapshots.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SourceConfig configures the default report data source.
type SourceConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	QueryTimeoutMs int    `yaml:"query_timeout_ms" mapstructure:"query_timeout_ms"`
}

// AnthropicConfig holds Anthropic API settings for the AI-assisted matcher.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutMs int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// MatcherConfig configures field matching behavior. The blend weights are
// deliberately tunable: schema similarity and AI confidence are combined as
// schema_weight*s + ai_weight*a, renormalized when the AI leg is skipped.
type MatcherConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MaxSuggestions      int     `yaml:"max_suggestions" mapstructure:"max_suggestions"`
	SchemaWeight        float64 `yaml:"schema_weight" mapstructure:"schema_weight"`
	AIWeight            float64 `yaml:"ai_weight" mapstructure:"ai_weight"`
	DegradedFactor      float64 `yaml:"degraded_factor" mapstructure:"degraded_factor"`
	UseAI               bool    `yaml:"use_ai" mapstructure:"use_ai"`
}

// EngineConfig configures query execution and caching.
type EngineConfig struct {
	DefaultTTLHours  int `yaml:"default_ttl_hours" mapstructure:"default_ttl_hours"`
	HotCacheCapacity int `yaml:"hot_cache_capacity" mapstructure:"hot_cache_capacity"`
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries"`
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	HistoryLimit     int `yaml:"history_limit" mapstructure:"history_limit"`
}

// OrchestratorConfig configures the resolution worker pool.
type OrchestratorConfig struct {
	MaxWorkers    int `yaml:"max_workers" mapstructure:"max_workers"`
	StepTimeoutMs int `yaml:"step_timeout_ms" mapstructure:"step_timeout_ms"`
}

// AssemblerConfig configures report output.
type AssemblerConfig struct {
	FailureMarker string `yaml:"failure_marker" mapstructure:"failure_marker"`
	ExportXLSX    bool   `yaml:"export_xlsx" mapstructure:"export_xlsx"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CacheHitRateFloor    float64 `yaml:"cache_hit_rate_floor" mapstructure:"cache_hit_rate_floor"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "quill.db")
	v.SetDefault("source.driver", "sqlite")
	v.SetDefault("source.query_timeout_ms", 30000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout_ms", 20000)
	v.SetDefault("anthropic.rate_limit", 2.0)
	v.SetDefault("anthropic.rate_burst", 4)
	v.SetDefault("matcher.confidence_threshold", 0.5)
	v.SetDefault("matcher.max_suggestions", 5)
	v.SetDefault("matcher.schema_weight", 0.55)
	v.SetDefault("matcher.ai_weight", 0.45)
	v.SetDefault("matcher.degraded_factor", 0.85)
	v.SetDefault("matcher.use_ai", true)
	v.SetDefault("engine.default_ttl_hours", 24)
	v.SetDefault("engine.hot_cache_capacity", 1024)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.breaker_threshold", 5)
	v.SetDefault("engine.history_limit", 20)
	v.SetDefault("orchestrator.max_workers", 5)
	v.SetDefault("orchestrator.step_timeout_ms", 60000)
	v.SetDefault("assembler.failure_marker", "[unresolved: %s]")
	v.SetDefault("assembler.export_xlsx", false)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.cache_hit_rate_floor", 0.0)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

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
