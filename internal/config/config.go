package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Logger    LoggerConfig
	Database  DatabaseConfig
	Inventory InventoryConfig
	Realtime  RealtimeConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
}

type ServerConfig struct {
	AppEnv          string        `env:"APP_ENV" envDefault:"production"`
	Port            string        `env:"SERVER_PORT" envDefault:"8080"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type LoggerConfig struct {
	Level             string `env:"LOGGER_LEVEL" envDefault:"info"`
	Encoding          string `env:"LOGGER_ENCODING" envDefault:"json"`
	DisableCaller     bool   `env:"LOGGER_DISABLE_CALLER" envDefault:"false"`
	DisableStacktrace bool   `env:"LOGGER_DISABLE_STACKTRACE" envDefault:"true"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL,required,notEmpty"`
	MaxConns        int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"DATABASE_MIN_CONNS" envDefault:"1"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	// LockTimeout bounds how long a transaction waits for an inventory row lock.
	LockTimeout time.Duration `env:"DATABASE_LOCK_TIMEOUT" envDefault:"5s"`
}

// InventoryConfig holds the defaults applied to records created on first receipt.
type InventoryConfig struct {
	DefaultReorderPoint    int64 `env:"INVENTORY_DEFAULT_REORDER_POINT" envDefault:"10"`
	DefaultReorderQuantity int64 `env:"INVENTORY_DEFAULT_REORDER_QUANTITY" envDefault:"50"`
	DefaultMinStockLevel   int64 `env:"INVENTORY_DEFAULT_MIN_STOCK_LEVEL" envDefault:"5"`
}

type RealtimeConfig struct {
	BusBuffer       int `env:"REALTIME_BUS_BUFFER" envDefault:"1024"`
	ConnectionQueue int `env:"REALTIME_CONNECTION_QUEUE" envDefault:"64"`
}

type RedisConfig struct {
	Enabled  bool          `env:"REDIS_ENABLED" envDefault:"false"`
	Addr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TTL      time.Duration `env:"REDIS_ANALYTICS_TTL" envDefault:"1m"`
}

type KafkaConfig struct {
	Enabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC_ORDERS" envDefault:"orders.events"`
	GroupID string   `env:"KAFKA_GROUP_INVENTORY" envDefault:"inventory-ledger"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse builds a Config from the current environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Database.LockTimeout < time.Millisecond {
		return nil, fmt.Errorf("DATABASE_LOCK_TIMEOUT must be at least 1ms, got %s", cfg.Database.LockTimeout)
	}
	if cfg.Server.AppEnv == "development" {
		cfg.Logger.Encoding = "console"
		if cfg.Logger.Level == "info" {
			cfg.Logger.Level = "debug"
		}
	}
	return &cfg, nil
}
