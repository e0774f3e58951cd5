package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Leeelics/Folio/libs/config"
	"github.com/Leeelics/Folio/services/ledger/internal/position"
	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type DBConfig struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	SSLMode     string
	MaxConns    int
	LockTimeout time.Duration
}

// DSN renders the pgx connection string.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	if c.MaxConns > 0 {
		u.RawQuery += "&pool_max_conns=" + strconv.Itoa(c.MaxConns)
	}
	return u.String()
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	Transactions string
	Cash         string
	Rates        string
	DeadLetter   string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ClientID      string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type FXConfig struct {
	CacheTTL        time.Duration
	HistoryWindow   time.Duration
	ProviderTimeout time.Duration
	Providers       []string
}

type QuotesConfig struct {
	Enabled  bool
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
	Prefix   string
}

type LedgerConfig struct {
	Storage        string
	OversellPolicy position.Policy
}

type TraceConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type Config struct {
	App    base.AppConfig
	DB     DBConfig
	GRPC   GRPCConfig
	Kafka  KafkaConfig
	Redis  RedisConfig
	FX     FXConfig
	Quotes QuotesConfig
	Ledger LedgerConfig
	Trace  TraceConfig
}

// Load reads .env, then config.yaml (or FOLIO_CONFIG), then the plain
// environment overrides below, and validates the result.
func Load() (*Config, error) {
	if err := base.LoadDotEnv(); err != nil {
		return nil, err
	}
	v, err := base.NewViper(base.ConfigPath())
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

	policy, err := position.ParsePolicy(strings.ToLower(envString("LEDGER_OVERSELL_POLICY", v.GetString("ledger.oversell_policy"))))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:        envString("POSTGRES_HOST", v.GetString("db.host")),
			Port:        envInt("POSTGRES_PORT", v.GetInt("db.port")),
			Name:        envString("POSTGRES_DB", v.GetString("db.name")),
			User:        envString("POSTGRES_USER", v.GetString("db.user")),
			Password:    envString("POSTGRES_PASSWORD", v.GetString("db.password")),
			SSLMode:     envString("POSTGRES_SSLMODE", v.GetString("db.sslmode")),
			MaxConns:    v.GetInt("db.max_conns"),
			LockTimeout: envDuration("LEDGER_LOCK_TIMEOUT", v.GetDuration("db.lock_timeout")),
		},
		GRPC: GRPCConfig{
			Host: envString("FOLIO_GRPC_HOST", v.GetString("grpc.host")),
			Port: envInt("FOLIO_GRPC_PORT", v.GetInt("grpc.port")),
		},
		Kafka: KafkaConfig{
			Enabled:       v.GetBool("kafka.enabled"),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ClientID:      v.GetString("kafka.client_id"),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Transactions: v.GetString("kafka.topics.transactions"),
				Cash:         v.GetString("kafka.topics.cash"),
				Rates:        envString("KAFKA_RATES_TOPIC", v.GetString("kafka.topics.rates")),
				DeadLetter:   v.GetString("kafka.topics.dead_letter"),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       v.GetInt("redis.db"),
		},
		FX: FXConfig{
			CacheTTL:        v.GetDuration("fx.cache_ttl"),
			HistoryWindow:   v.GetDuration("fx.history_window"),
			ProviderTimeout: v.GetDuration("fx.provider_timeout"),
			Providers:       envCSV("FX_PROVIDERS", v.GetStringSlice("fx.providers")),
		},
		Quotes: QuotesConfig{
			Enabled:  v.GetBool("quotes.enabled"),
			BaseURL:  v.GetString("quotes.base_url"),
			Timeout:  v.GetDuration("quotes.timeout"),
			CacheTTL: v.GetDuration("quotes.cache_ttl"),
			Prefix:   v.GetString("quotes.prefix"),
		},
		Ledger: LedgerConfig{
			Storage:        strings.ToLower(envString("LEDGER_STORAGE", v.GetString("ledger.storage"))),
			OversellPolicy: policy,
		},
		Trace: TraceConfig{
			Endpoint:    envString("OTEL_EXPORTER_OTLP_ENDPOINT", v.GetString("trace.endpoint")),
			Insecure:    v.GetBool("trace.insecure"),
			SampleRatio: v.GetFloat64("trace.sample_ratio"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Ledger.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("ledger.storage must be %s or %s, got %q", StorageMemory, StoragePostgres, c.Ledger.Storage)
	}
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("FOLIO_GRPC_PORT must be positive")
	}
	if c.Ledger.Storage == StoragePostgres && c.DB.Port <= 0 {
		return fmt.Errorf("POSTGRES_PORT must be positive")
	}
	if c.DB.LockTimeout <= 0 {
		return fmt.Errorf("db.lock_timeout must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Transactions == "" || c.Kafka.Topics.Cash == "" {
			return fmt.Errorf("kafka ledger topics required")
		}
	}
	if c.Quotes.Enabled && c.Quotes.Timeout <= 0 {
		return fmt.Errorf("quotes.timeout must be positive")
	}
	if c.Trace.SampleRatio < 0 || c.Trace.SampleRatio > 1 {
		return fmt.Errorf("trace.sample_ratio must be within [0, 1]")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "folio")
	v.SetDefault("db.user", "folio")
	v.SetDefault("db.password", "folio")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.lock_timeout", "5s")
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9091)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "folio-ledger")
	v.SetDefault("kafka.consumer_group", "folio-ledger")
	v.SetDefault("kafka.topics.transactions", "ledger.transactions")
	v.SetDefault("kafka.topics.cash", "ledger.cash")
	v.SetDefault("kafka.topics.rates", "fx.rates")
	v.SetDefault("kafka.topics.dead_letter", "ledger.dead_letter")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("fx.cache_ttl", "1h")
	v.SetDefault("fx.history_window", "24h")
	v.SetDefault("fx.provider_timeout", "5s")
	v.SetDefault("fx.providers", []string{"yahoo", "coingecko", "exchangerate-api"})
	v.SetDefault("quotes.enabled", false)
	v.SetDefault("quotes.timeout", "10s")
	v.SetDefault("quotes.cache_ttl", "1m")
	v.SetDefault("quotes.prefix", "quote")
	v.SetDefault("ledger.storage", StoragePostgres)
	v.SetDefault("ledger.oversell_policy", "strict")
	v.SetDefault("trace.insecure", true)
	v.SetDefault("trace.sample_ratio", 1.0)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
