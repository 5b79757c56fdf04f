package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	base "github.com/AfshinJalili/collateral/libs/config"
	"github.com/AfshinJalili/collateral/libs/kafka"
	"github.com/AfshinJalili/collateral/services/vault/internal/events"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/AfshinJalili/collateral/services/vault/internal/monitor"
	"github.com/AfshinJalili/collateral/services/vault/internal/tracker"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	LedgerModeMemory = "memory"
	LedgerModeGRPC   = "grpc"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (c DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (c GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type KafkaTopics struct {
	LedgerEvents   string `mapstructure:"ledger_events"`
	BalanceUpdated string `mapstructure:"balance_updated"`
	DLQ            string `mapstructure:"dlq"`
}

type KafkaConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	Brokers       []string    `mapstructure:"brokers"`
	ConsumerGroup string      `mapstructure:"consumer_group"`
	ClientID      string      `mapstructure:"client_id"`
	Retries       int         `mapstructure:"retries"`
	Topics        KafkaTopics `mapstructure:"topics"`
}

// LedgerConfig selects the ledger the vault service talks to. In memory mode
// the service embeds a reference ledger; in grpc mode it dials a ledger node.
// Store applies to whichever process hosts the ledger.
type LedgerConfig struct {
	Mode            string        `mapstructure:"mode"`
	Addr            string        `mapstructure:"addr"`
	Store           string        `mapstructure:"store"`
	WithdrawalDelay time.Duration `mapstructure:"withdrawal_delay"`
}

type TrackerConfig struct {
	LowBalanceThreshold uint64 `mapstructure:"low_balance_threshold"`
	HighLockedRatio     string `mapstructure:"high_locked_ratio"`
}

type MonitorConfig struct {
	MetricsInterval  time.Duration `mapstructure:"metrics_interval"`
	SecurityInterval time.Duration `mapstructure:"security_interval"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// RateLimitConfig caps requests per caller key on the collateral endpoints.
// Windows live in Redis when redis is enabled.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Config struct {
	App       base.AppConfig  `mapstructure:"-"`
	DB        DBConfig        `mapstructure:"db"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// Load reads the file named by VAULT_CONFIG (config.yaml by default) and
// VAULT_* environment overrides.
func Load() (*Config, error) {
	v, err := base.NewViper(os.Getenv("VAULT_CONFIG"))
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.App = *appCfg
	cfg.Kafka.Brokers = splitCSV(v.GetStringSlice("kafka.brokers"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "vault")
	v.SetDefault("db.user", "vault")
	v.SetDefault("db.password", "vault")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9091)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", tracker.DefaultMirrorKey)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "vault-reconciler")
	v.SetDefault("kafka.retries", 5)
	v.SetDefault("kafka.topics.ledger_events", events.DefaultLedgerTopic)
	v.SetDefault("kafka.topics.balance_updated", events.DefaultBalanceTopic)
	v.SetDefault("kafka.topics.dlq", "vault.dlq")

	v.SetDefault("ledger.mode", LedgerModeMemory)
	v.SetDefault("ledger.addr", "localhost:9091")
	v.SetDefault("ledger.store", StoreMemory)
	v.SetDefault("ledger.withdrawal_delay", ledger.WithdrawalDelay.String())

	v.SetDefault("tracker.low_balance_threshold", tracker.DefaultLowBalanceThreshold)
	v.SetDefault("tracker.high_locked_ratio", tracker.DefaultHighLockedRatio.String())

	v.SetDefault("monitor.metrics_interval", monitor.DefaultMetricsInterval.String())
	v.SetDefault("monitor.security_interval", monitor.DefaultSecurityInterval.String())

	v.SetDefault("reconcile.interval", "5m")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 600)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("auth.jwt_secret", "")
}

func (c *Config) validate() error {
	switch c.Ledger.Mode {
	case LedgerModeMemory:
	case LedgerModeGRPC:
		if c.Ledger.Addr == "" {
			return fmt.Errorf("ledger.addr required in grpc mode")
		}
	default:
		return fmt.Errorf("ledger.mode must be %q or %q, got %q", LedgerModeMemory, LedgerModeGRPC, c.Ledger.Mode)
	}
	if c.Ledger.Store != StoreMemory && c.Ledger.Store != StorePostgres {
		return fmt.Errorf("ledger.store must be %q or %q, got %q", StoreMemory, StorePostgres, c.Ledger.Store)
	}
	if c.Ledger.WithdrawalDelay < 0 {
		return fmt.Errorf("ledger.withdrawal_delay must be non-negative")
	}
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("grpc.port must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.LedgerEvents == "" || c.Kafka.Topics.BalanceUpdated == "" {
			return fmt.Errorf("kafka topics required")
		}
		if c.Kafka.Retries < 0 {
			return fmt.Errorf("kafka.retries must be non-negative")
		}
	}
	if _, err := c.Thresholds(); err != nil {
		return err
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window < time.Millisecond) {
		return fmt.Errorf("rate_limit needs a positive limit and a window of at least 1ms")
	}
	return nil
}

// Thresholds converts the tracker section into alert thresholds.
func (c *Config) Thresholds() (tracker.Thresholds, error) {
	ratio, err := decimal.NewFromString(c.Tracker.HighLockedRatio)
	if err != nil {
		return tracker.Thresholds{}, fmt.Errorf("tracker.high_locked_ratio: %w", err)
	}
	if ratio.IsNegative() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return tracker.Thresholds{}, fmt.Errorf("tracker.high_locked_ratio must be within [0, 1]")
	}
	return tracker.Thresholds{LowBalance: c.Tracker.LowBalanceThreshold, HighLockedRatio: ratio}, nil
}

// Producer returns the publishing settings. The client id falls back to the
// service name so brokers can tell the vault service and ledger node apart.
func (c *Config) Producer() kafka.ProducerConfig {
	clientID := c.Kafka.ClientID
	if clientID == "" {
		clientID = c.App.ServiceName
	}
	return kafka.ProducerConfig{Brokers: c.Kafka.Brokers, ClientID: clientID, Retries: c.Kafka.Retries}
}

func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{MetricsInterval: c.Monitor.MetricsInterval, SecurityInterval: c.Monitor.SecurityInterval}
}

// splitCSV accepts brokers given either as a list or as one comma-separated value.
func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
