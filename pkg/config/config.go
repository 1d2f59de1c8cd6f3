// Package config 提供 TOML 配置加载与环境变量覆盖（前缀 APP_，层级用 _ 连接）
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 订单执行服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	Engine     EngineConfig     `mapstructure:"engine"`
	Router     RouterConfig     `mapstructure:"router"`
	Fragmenter FragmenterConfig `mapstructure:"fragmenter"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Venues     []VenueConfig    `mapstructure:"venues"`
}

// HTTPConfig 运维查询接口
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig Redis 配置，关闭时历史订单只保存在内存
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// HistoryTTL 已终结订单在 Redis 中的保留时间
	HistoryTTL time.Duration `mapstructure:"history_ttl"`
}

// KafkaConfig Kafka 配置，关闭时生命周期事件只在进程内分发
type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
	MaxRetries int      `mapstructure:"max_retries"`
	// RetryBackoff 毫秒
	RetryBackoff int `mapstructure:"retry_backoff"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig HTTP 接口限流
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	QPS     int  `mapstructure:"qps"`
	Burst   int  `mapstructure:"burst"`
	// Exempt 不限流的路由模板，如健康检查与指标抓取
	Exempt []string `mapstructure:"exempt"`
	// Routes 按路由模板覆盖默认配额
	Routes map[string]RouteLimit `mapstructure:"routes"`
}

// RouteLimit 单条路由的配额
type RouteLimit struct {
	QPS   int `mapstructure:"qps"`
	Burst int `mapstructure:"burst"`
}

// EngineConfig 执行引擎参数
type EngineConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	DefaultOrderTimeout time.Duration `mapstructure:"default_order_timeout"`
	MaxLifetime         time.Duration `mapstructure:"max_lifetime"`
	CancelWait          time.Duration `mapstructure:"cancel_wait"`
	MaxSlippage         float64       `mapstructure:"max_slippage"`
	MinQuantity         float64       `mapstructure:"min_quantity"`
	MaxQuantity         float64       `mapstructure:"max_quantity"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryInitial        time.Duration `mapstructure:"retry_initial"`
	RetryMax            time.Duration `mapstructure:"retry_max"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	BalanceInterval     time.Duration `mapstructure:"balance_interval"`
	AnalyticsAlpha      float64       `mapstructure:"analytics_alpha"`
	ArchiveTerminal     bool          `mapstructure:"archive_terminal"`
}

// RouterConfig 路由参数
type RouterConfig struct {
	DefaultStrategy   string        `mapstructure:"default_strategy"`
	ImpactThreshold   float64       `mapstructure:"impact_threshold"`
	ImpactTopN        int           `mapstructure:"impact_top_n"`
	BookDepth         int           `mapstructure:"book_depth"`
	QuantityPrecision int32         `mapstructure:"quantity_precision"`
	FeeCacheTTL       time.Duration `mapstructure:"fee_cache_ttl"`
}

// FragmenterConfig 拆单参数
type FragmenterConfig struct {
	MaxFragmentSize     float64                  `mapstructure:"max_fragment_size"`
	BaseDelay           time.Duration            `mapstructure:"base_delay"`
	StyleDelays         map[string]time.Duration `mapstructure:"style_delays"`
	JitterRatio         float64                  `mapstructure:"jitter_ratio"`
	IcebergVisibleRatio float64                  `mapstructure:"iceberg_visible_ratio"`
	VWAPMinFragmentSize float64                  `mapstructure:"vwap_min_fragment_size"`
	VWAPBuckets         int                      `mapstructure:"vwap_buckets"`
}

// GatewayConfig 场所调用保护：限流与熔断
type GatewayConfig struct {
	RateLimit        int           `mapstructure:"rate_limit"`
	RateBurst        int           `mapstructure:"rate_burst"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	BreakerInterval  time.Duration `mapstructure:"breaker_interval"`
	BreakerHalfOpens uint32        `mapstructure:"breaker_half_opens"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// RiskConfig 事前风控限额
type RiskConfig struct {
	Enabled           bool               `mapstructure:"enabled"`
	MaxOrderQuantity  map[string]float64 `mapstructure:"max_order_quantity"`
	MaxOrderNotional  float64            `mapstructure:"max_order_notional"`
	RestrictedSymbols []string           `mapstructure:"restricted_symbols"`
	CheckBalance      bool               `mapstructure:"check_balance"`
}

// VenueConfig 模拟场所
type VenueConfig struct {
	ID         string   `mapstructure:"id"`
	Symbols    []string `mapstructure:"symbols"`
	StartPrice float64  `mapstructure:"start_price"`
	Spread     float64  `mapstructure:"spread"`
	Volatility float64  `mapstructure:"volatility"`
	Liquidity  float64  `mapstructure:"liquidity"`
	MakerFee   float64  `mapstructure:"maker_fee"`
	TakerFee   float64  `mapstructure:"taker_fee"`
	Seed       uint64   `mapstructure:"seed"`
	// Balances 资产 -> 初始可用余额
	Balances map[string]float64 `mapstructure:"balances"`
}

// Load 从 TOML 文件加载配置，缺失项取默认值，支持环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default 仅使用默认值的配置，测试与本地启动使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if c.Engine.MaxQuantity > 0 && c.Engine.MinQuantity > c.Engine.MaxQuantity {
		return fmt.Errorf("engine.min_quantity %v exceeds engine.max_quantity %v", c.Engine.MinQuantity, c.Engine.MaxQuantity)
	}
	if c.Engine.MaxSlippage < 0 {
		return fmt.Errorf("engine.max_slippage must not be negative")
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.Engine.AnalyticsAlpha <= 0 || c.Engine.AnalyticsAlpha > 1 {
		return fmt.Errorf("engine.analytics_alpha must be within (0, 1]")
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, venue := range c.Venues {
		if venue.ID == "" {
			return fmt.Errorf("venue id is required")
		}
		if seen[venue.ID] {
			return fmt.Errorf("duplicate venue id %s", venue.ID)
		}
		seen[venue.ID] = true
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "orderexecution")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.history_ttl", "168h")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "order-lifecycle")
	v.SetDefault("kafka.dlq_topic", "order-lifecycle-dlq")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/orderexecution.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.qps", 50)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("rate_limit.exempt", []string{"/healthz", "/metrics"})

	v.SetDefault("engine.poll_interval", "1s")
	v.SetDefault("engine.default_order_timeout", "1h")
	v.SetDefault("engine.max_lifetime", "24h")
	v.SetDefault("engine.cancel_wait", "5s")
	v.SetDefault("engine.max_slippage", 0.01)
	v.SetDefault("engine.min_quantity", 0)
	v.SetDefault("engine.max_quantity", 0)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.retry_initial", "200ms")
	v.SetDefault("engine.retry_max", "5s")
	v.SetDefault("engine.health_interval", "30s")
	v.SetDefault("engine.balance_interval", "1m")
	v.SetDefault("engine.analytics_alpha", 0.2)
	v.SetDefault("engine.archive_terminal", true)

	v.SetDefault("router.default_strategy", "BEST_EXECUTION")
	v.SetDefault("router.impact_threshold", 0)
	v.SetDefault("router.impact_top_n", 3)
	v.SetDefault("router.book_depth", 20)
	v.SetDefault("router.quantity_precision", 8)
	v.SetDefault("router.fee_cache_ttl", "10m")

	v.SetDefault("fragmenter.max_fragment_size", 0)
	v.SetDefault("fragmenter.base_delay", "500ms")
	v.SetDefault("fragmenter.jitter_ratio", 0.2)
	v.SetDefault("fragmenter.iceberg_visible_ratio", 0.1)
	v.SetDefault("fragmenter.vwap_min_fragment_size", 0)
	v.SetDefault("fragmenter.vwap_buckets", 24)

	v.SetDefault("gateway.rate_limit", 20)
	v.SetDefault("gateway.rate_burst", 40)
	v.SetDefault("gateway.breaker_failures", 5)
	v.SetDefault("gateway.breaker_timeout", "30s")
	v.SetDefault("gateway.breaker_interval", "1m")
	v.SetDefault("gateway.breaker_half_opens", 1)
	v.SetDefault("gateway.call_timeout", "10s")

	v.SetDefault("risk.enabled", true)
	v.SetDefault("risk.check_balance", false)
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
