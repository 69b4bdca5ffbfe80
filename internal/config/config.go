package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Store      StoreConfig      `mapstructure:"store"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	AdminKey string `mapstructure:"admin_key"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // mysql | sqlite | memory
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type ClickHouseConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	DatabaseConfig `mapstructure:",squash"`
	EventNames     []string       `mapstructure:"event_names"` // empty = all registered names
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
	MarkerTTL   time.Duration `mapstructure:"marker_ttl"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	EventNames   []string      `mapstructure:"event_names"`
}

type OutboxConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	Workers         int           `mapstructure:"workers"`
	Lease           time.Duration `mapstructure:"lease"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type WebhookConfig struct {
	Name       string        `mapstructure:"name"`
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	EventNames []string      `mapstructure:"event_names"`
	TimeoutMs  int           `mapstructure:"timeout_ms"`
	Secret     string        `mapstructure:"secret"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies
// env overrides (OUTBOX_*, nested keys joined by "_", e.g. OUTBOX_OUTBOX_BATCH_SIZE).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	v.SetEnvPrefix("OUTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the dispatcher cannot run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "mysql", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store driver %q", c.Store.Driver)
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be positive, got %s", c.Outbox.PollInterval)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize)
	}
	if c.Outbox.MaxRetries <= 0 {
		return fmt.Errorf("outbox.max_retries must be positive, got %d", c.Outbox.MaxRetries)
	}
	if c.Outbox.Lease < 0 || c.Outbox.RetryBackoff < 0 {
		return fmt.Errorf("outbox.lease and outbox.retry_backoff must not be negative")
	}
	for _, w := range c.Webhooks {
		if w.Enabled && strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("webhook %q enabled without url", w.Name)
		}
	}
	return nil
}
