package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Pearl      PearlConfig      `mapstructure:"pearl"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Version  string `mapstructure:"version"`
	Timezone string `mapstructure:"timezone"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthQuery     string        `mapstructure:"health_query"`
}

// DSN builds the connection string. An explicit URL (or the DATABASE_URL
// environment variable bound to it) takes precedence over the discrete
// fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	EventTopic     string        `mapstructure:"event_topic"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
	Enabled        bool          `mapstructure:"enabled"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	ServiceName       string        `mapstructure:"service_name"`
	SampleRatio       float64       `mapstructure:"sample_ratio"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	MetricsPort       int           `mapstructure:"metrics_port"`
	TracingEnabled    bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CollectorProtocol string        `mapstructure:"collector_protocol"`
}

type DispatcherConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	ConcurrencyCap int           `mapstructure:"concurrency_cap"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	PollBackoff    time.Duration `mapstructure:"poll_backoff"`
	StaleWindow    time.Duration `mapstructure:"stale_window"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	LockKeyPrefix  string        `mapstructure:"lock_key_prefix"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

type PearlConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AccountID      string        `mapstructure:"account_id"`
	SecretKey      string        `mapstructure:"secret_key"`
	CampaignName   string        `mapstructure:"campaign_name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CallLogPath    string        `mapstructure:"call_log_path"`
	CallLogMaxMB   int           `mapstructure:"call_log_max_mb"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// bindLegacyEnv honors the unprefixed variables the deployment environment
// already exports. DATABASE_URL wins over the discrete DB_* fields.
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"postgres.url":        "DATABASE_URL",
		"postgres.host":       "DB_HOST",
		"postgres.port":       "DB_PORT",
		"postgres.user":       "DB_USER",
		"postgres.password":   "DB_PASSWORD",
		"postgres.database":   "DB_DATABASE",
		"pearl.account_id":    "PEARL_ACCOUNT_ID",
		"pearl.secret_key":    "PEARL_SECRET_KEY",
		"pearl.base_url":      "PEARL_API_URL",
		"pearl.campaign_name": "PEARL_OUTBOUND_CAMPAIGN",
	}
	for key, env := range legacy {
		if val, ok := os.LookupEnv(env); ok && val != "" {
			v.Set(key, val)
		}
	}
}
