package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	base "github.com/sharex/sharex/libs/config"
	"github.com/sharex/sharex/services/trading/internal/engine"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode, d.MaxConns)
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	TradesExecuted    string
	PricesUpdated     string
	OrdersUpdated     string
	InstrumentsStatus string
	DeadLetter        string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	App            base.AppConfig
	DB             DBConfig
	GRPC           GRPCConfig
	Kafka          KafkaConfig
	Redis          RedisConfig
	RateLimit      RateLimitConfig
	JWTSecret      string
	Trading        engine.Config
	ExpiryInterval time.Duration
	EventBuffer    int
}

func Load() (*Config, error) {
	path := envString("CONFIG", "")

	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v, err := base.NewViper()
	if err != nil {
		return nil, err
	}
	defaults := engine.DefaultConfig()
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "trading-service")
	v.SetDefault("kafka.topics.trades_executed", "trades.executed")
	v.SetDefault("kafka.topics.prices_updated", "prices.updated")
	v.SetDefault("kafka.topics.orders_updated", "orders.updated")
	v.SetDefault("kafka.topics.instruments_status", "instruments.status")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rate_limit.limit", 20)
	v.SetDefault("rate_limit.window", "1s")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("trading.fee_rate", defaults.Fees.Rate.String())
	v.SetDefault("trading.currency_places", defaults.Fees.Places)
	v.SetDefault("trading.platform_account_id", defaults.PlatformAccountID.String())
	v.SetDefault("trading.min_quantity", defaults.MinQuantity)
	v.SetDefault("trading.max_quantity", defaults.MaxQuantity)
	v.SetDefault("trading.default_expiry", defaults.DefaultExpiry.String())
	v.SetDefault("trading.max_price_deviation", defaults.MaxPriceDeviation.String())
	v.SetDefault("trading.retry_attempts", defaults.RetryAttempts)
	v.SetDefault("trading.retry_base_delay", defaults.RetryBaseDelay.String())
	v.SetDefault("trading.expiry_batch", defaults.ExpiryBatch)
	v.SetDefault("trading.expiry_interval", "1m")
	v.SetDefault("events.buffer", 1024)
	if err := base.ReadFile(v, path); err != nil {
		return nil, err
	}

	feeRate, err := decimal.NewFromString(v.GetString("trading.fee_rate"))
	if err != nil {
		return nil, fmt.Errorf("trading.fee_rate: %w", err)
	}
	deviation, err := decimal.NewFromString(v.GetString("trading.max_price_deviation"))
	if err != nil {
		return nil, fmt.Errorf("trading.max_price_deviation: %w", err)
	}
	platformID, err := uuid.Parse(v.GetString("trading.platform_account_id"))
	if err != nil {
		return nil, fmt.Errorf("trading.platform_account_id: %w", err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "sharex")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "sharex")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "sharex")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
			MaxConns: envInt("DB_MAX_CONNS", 20),
		},
		GRPC: GRPCConfig{
			Host: envString("GRPC_HOST", "0.0.0.0"),
			Port: envInt("GRPC_PORT", 9090),
		},
		Kafka: KafkaConfig{
			Enabled:       v.GetBool("kafka.enabled"),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				TradesExecuted:    envString("KAFKA_TRADES_TOPIC", v.GetString("kafka.topics.trades_executed")),
				PricesUpdated:     envString("KAFKA_PRICES_TOPIC", v.GetString("kafka.topics.prices_updated")),
				OrdersUpdated:     envString("KAFKA_ORDERS_TOPIC", v.GetString("kafka.topics.orders_updated")),
				InstrumentsStatus: envString("KAFKA_INSTRUMENTS_TOPIC", v.GetString("kafka.topics.instruments_status")),
				DeadLetter:        envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		RateLimit: RateLimitConfig{
			Limit:  v.GetInt("rate_limit.limit"),
			Window: v.GetDuration("rate_limit.window"),
		},
		JWTSecret: envString("JWT_SECRET", v.GetString("jwt_secret")),
		Trading: engine.Config{
			Fees:              engine.FeeSchedule{Rate: feeRate, Places: int32(v.GetInt("trading.currency_places"))},
			PlatformAccountID: platformID,
			MinQuantity:       v.GetInt64("trading.min_quantity"),
			MaxQuantity:       v.GetInt64("trading.max_quantity"),
			DefaultExpiry:     v.GetDuration("trading.default_expiry"),
			MaxPriceDeviation: deviation,
			RetryAttempts:     v.GetInt("trading.retry_attempts"),
			RetryBaseDelay:    v.GetDuration("trading.retry_base_delay"),
			ExpiryBatch:       v.GetInt("trading.expiry_batch"),
		},
		ExpiryInterval: envDuration("EXPIRY_INTERVAL", v.GetDuration("trading.expiry_interval")),
		EventBuffer:    v.GetInt("events.buffer"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("SHAREX_GRPC_PORT must be positive")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret required")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		t := c.Kafka.Topics
		if t.TradesExecuted == "" || t.PricesUpdated == "" || t.OrdersUpdated == "" || t.InstrumentsStatus == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	tr := c.Trading
	if tr.Fees.Rate.IsNegative() || tr.Fees.Rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.fee_rate must be in [0, 1)")
	}
	if tr.Fees.Places < 0 {
		return fmt.Errorf("trading.currency_places must be non-negative")
	}
	if tr.MinQuantity <= 0 || tr.MaxQuantity < tr.MinQuantity {
		return fmt.Errorf("trading quantity bounds invalid: min=%d max=%d", tr.MinQuantity, tr.MaxQuantity)
	}
	if tr.RetryAttempts <= 0 {
		return fmt.Errorf("trading.retry_attempts must be positive")
	}
	if tr.MaxPriceDeviation.IsNegative() {
		return fmt.Errorf("trading.max_price_deviation must be non-negative")
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("trading.expiry_interval must be positive")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("events.buffer must be positive")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit limit and window must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(base.EnvPrefix + "_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(envString(key, "")); err == nil {
		return n
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(envString(key, "")); err == nil {
		return d
	}
	return def
}

func envCSV(key string, def []string) []string {
	raw := envString(key, "")
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
