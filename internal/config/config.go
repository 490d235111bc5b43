// Package config loads service configuration from config.yaml, the
// environment (BIDENGINE_ prefix) and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite or memory
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the snapshot cache sink.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig configures the event stream sink.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
}

// AuctionConfig tunes the per-auction sequencers.
type AuctionConfig struct {
	QueueTimeout        time.Duration `mapstructure:"queue_timeout"`
	MailboxSize         int           `mapstructure:"mailbox_size"`
	ExtensionWindow     time.Duration `mapstructure:"extension_window"`
	ExpiryCheckInterval time.Duration `mapstructure:"expiry_check_interval"`
}

// PublisherConfig tunes event delivery retries.
type PublisherConfig struct {
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// APIConfig holds HTTP handler behaviour.
type APIConfig struct {
	RetryAttempts int `mapstructure:"retry_attempts"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TelemetryConfig struct {
	Tracing bool `mapstructure:"tracing"`
	Metrics bool `mapstructure:"metrics"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auction   AuctionConfig   `mapstructure:"auction"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

var defaults = map[string]interface{}{
	"server.port":             8080,
	"server.read_timeout":     15 * time.Second,
	"server.write_timeout":    15 * time.Second,
	"server.shutdown_timeout": 30 * time.Second,
	"server.allowed_origins":  []string{"*"},

	"database.driver":            "memory",
	"database.dsn":               "",
	"database.max_open_conns":    25,
	"database.max_idle_conns":    10,
	"database.conn_max_lifetime": 5 * time.Minute,

	"redis.enabled":  false,
	"redis.address":  "localhost:6379",
	"redis.password": "",
	"redis.db":       0,
	"redis.prefix":   "auction",
	"redis.ttl":      24 * time.Hour,

	"kafka.enabled":       false,
	"kafka.brokers":       []string{"localhost:9092"},
	"kafka.topic":         "auction-events",
	"kafka.write_timeout": 5 * time.Second,
	"kafka.required_acks": -1,
	"kafka.compression":   "snappy",

	"auction.queue_timeout":         2 * time.Second,
	"auction.mailbox_size":          256,
	"auction.extension_window":      2 * time.Minute,
	"auction.expiry_check_interval": time.Second,

	"publisher.retry_base":   100 * time.Millisecond,
	"publisher.retry_max":    10 * time.Second,
	"publisher.sink_timeout": 5 * time.Second,

	"api.retry_attempts": 2,

	"log.level": "info",

	"telemetry.tracing": false,
	"telemetry.metrics": false,
}

// LoadConfig reads config.yaml from the working directory, ./config or
// /etc/bidengine when present, then applies BIDENGINE_* overrides.
func LoadConfig() (*Config, error) {
	return load(viper.New(), true)
}

func load(v *viper.Viper, readFile bool) (*Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/bidengine")
	v.SetEnvPrefix("BIDENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if readFile {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// comma separated lists from the environment arrive as one element
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Auction.QueueTimeout <= 0 {
		errs = append(errs, errors.New("auction.queue_timeout must be positive"))
	}
	if c.Auction.MailboxSize <= 0 {
		errs = append(errs, errors.New("auction.mailbox_size must be positive"))
	}
	if c.Auction.ExtensionWindow < 0 {
		errs = append(errs, errors.New("auction.extension_window must not be negative"))
	}
	if c.Auction.ExpiryCheckInterval <= 0 {
		errs = append(errs, errors.New("auction.expiry_check_interval must be positive"))
	}
	if c.Publisher.RetryBase <= 0 || c.Publisher.RetryMax < c.Publisher.RetryBase {
		errs = append(errs, errors.New("publisher.retry_base must be positive and not exceed retry_max"))
	}
	if c.API.RetryAttempts < 0 {
		errs = append(errs, errors.New("api.retry_attempts must not be negative"))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required when redis is enabled"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	return errors.Join(errs...)
}
