package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Finnhub    FinnhubConfig    `mapstructure:"finnhub"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LLMConfig contains LLM gateway settings
type LLMConfig struct {
	Endpoint    string  `mapstructure:"endpoint"` // OpenAI-compatible chat completions URL
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"` // default model for analysis calls
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Timeout     int     `mapstructure:"timeout"` // milliseconds
}

// CollectorConfig contains market data collector settings
type CollectorConfig struct {
	Timeout       int  `mapstructure:"timeout"`         // overall budget, seconds
	Phase1Timeout int  `mapstructure:"phase1_timeout"`  // price/kline/fundamentals, seconds
	MacroTimeout  int  `mapstructure:"macro_timeout"`   // seconds
	NewsTimeout   int  `mapstructure:"news_timeout"`    // seconds
	LegTimeout    int  `mapstructure:"leg_timeout"`     // per-fetch sub-timeout, seconds
	MacroCacheTTL int  `mapstructure:"macro_cache_ttl"` // seconds, default 6h
	IncludeMacro  bool `mapstructure:"include_macro"`
	IncludeNews   bool `mapstructure:"include_news"`
	IncludeEvents bool `mapstructure:"include_events"`
}

// FinnhubConfig contains Finnhub API settings
type FinnhubConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// PolymarketConfig contains Polymarket Gamma API settings
type PolymarketConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	MarketCacheTTL   int    `mapstructure:"market_cache_ttl"`   // seconds, raw market lists
	AnalysisCacheTTL int    `mapstructure:"analysis_cache_ttl"` // seconds, AI analyses
}

// BacktestConfig contains backtest execution limits
type BacktestConfig struct {
	MaxWallClock  int     `mapstructure:"max_wall_clock"` // seconds, whole run
	ScriptTimeout int     `mapstructure:"script_timeout"` // seconds, indicator evaluation
	MinCapital    float64 `mapstructure:"min_capital"`    // below this the run is liquidated
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUANTDESK")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "QuantDesk")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "quantdesk")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// LLM defaults
	v.SetDefault("llm.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.timeout", 120000)

	// Collector defaults
	v.SetDefault("collector.timeout", 30)
	v.SetDefault("collector.phase1_timeout", 15)
	v.SetDefault("collector.macro_timeout", 10)
	v.SetDefault("collector.news_timeout", 8)
	v.SetDefault("collector.leg_timeout", 3)
	v.SetDefault("collector.macro_cache_ttl", 21600)
	v.SetDefault("collector.include_macro", true)
	v.SetDefault("collector.include_news", true)
	v.SetDefault("collector.include_events", true)

	// Finnhub defaults
	v.SetDefault("finnhub.base_url", "https://finnhub.io/api/v1")

	// Polymarket defaults
	v.SetDefault("polymarket.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.market_cache_ttl", 300)
	v.SetDefault("polymarket.analysis_cache_ttl", 1800)

	// Backtest defaults
	v.SetDefault("backtest.max_wall_clock", 60)
	v.SetDefault("backtest.script_timeout", 15)
	v.SetDefault("backtest.min_capital", 1.0)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures
func (c *Config) Validate() error {
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive")
	}
	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is required")
	}
	if c.Collector.Timeout <= 0 {
		return fmt.Errorf("collector.timeout must be positive")
	}
	if c.Backtest.MaxWallClock <= 0 || c.Backtest.ScriptTimeout <= 0 {
		return fmt.Errorf("backtest time budgets must be positive")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.PoolSize,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// OverallTimeout returns the collector budget as time.Duration
func (c *CollectorConfig) OverallTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// MacroTTL returns the macro composite cache TTL
func (c *CollectorConfig) MacroTTL() time.Duration {
	return time.Duration(c.MacroCacheTTL) * time.Second
}
