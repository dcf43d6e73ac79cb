// Package config provides configuration management for sagaflow.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
//
// Component sections reuse the tuning structs of the packages they configure,
// so a new knob needs only a mapstructure tag and a default here.
//
// Import Path: sagaflow.io/sagaflow/internal/config
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sagaflow.io/sagaflow/internal/gate"
	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/projection"
	"sagaflow.io/sagaflow/internal/relay"
	"sagaflow.io/sagaflow/internal/saga"
)

// CollaboratorMock is the collaborator URL that selects the in-process mock.
const CollaboratorMock = "mock"

// Saga execution modes.
const (
	SagaModeSync      = "sync"
	SagaModeAsync     = "async"
	SagaModeScheduled = "scheduled"
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Log           LogConfig           `mapstructure:"log"`
	River         RiverConfig         `mapstructure:"river"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Gate          GateConfig          `mapstructure:"gate"`
	Saga          SagaConfig          `mapstructure:"saga"`
	Projector     projection.Config   `mapstructure:"projector"`
	Snapshot      SnapshotConfig      `mapstructure:"snapshot"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// CORS
	AllowedOrigins        []string `mapstructure:"allowed_origins"`
	AllowCredentials      bool     `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool     `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// The event store and River share one pool. With Enabled=false the service
// runs on the in-memory event store and River is not started.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig contains read model store settings. With Enabled=false read
// models and checkpoints live in memory.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Prefix namespaces every key written by the read model store.
	Prefix string `mapstructure:"prefix"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	SagaWorkers                 int           `mapstructure:"saga_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	SagaPoolSize   int `mapstructure:"saga_pool_size"`
	RemotePoolSize int `mapstructure:"remote_pool_size"`
}

// GateConfig holds the remote call policy and the breaker applied to every
// collaborator.
type GateConfig struct {
	gate.Config `mapstructure:",squash"`
	Breaker     gate.BreakerConfig `mapstructure:"breaker"`
}

// SagaConfig tunes the coordinator and how new sagas are driven.
type SagaConfig struct {
	saga.Config `mapstructure:",squash"`
	// Mode is sync, async, or scheduled. Scheduled requires the database.
	Mode string `mapstructure:"mode"`
}

// SnapshotConfig controls aggregate snapshots.
type SnapshotConfig struct {
	// Every snapshots inline after this many events since the last snapshot.
	// Zero disables inline snapshots.
	Every int64 `mapstructure:"every"`
	// MinEvents is the gap the periodic snapshot job requires.
	MinEvents int64         `mapstructure:"min_events"`
	Interval  time.Duration `mapstructure:"interval"`
}

// CollaboratorsConfig points at the remote services.
type CollaboratorsConfig struct {
	Inventory CollaboratorConfig `mapstructure:"inventory"`
	Payment   CollaboratorConfig `mapstructure:"payment"`
}

// CollaboratorConfig addresses one collaborator. URL "mock" selects the
// in-process mock.
type CollaboratorConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IsMock reports whether the in-process mock should serve this collaborator.
func (c CollaboratorConfig) IsMock() bool {
	return c.URL == "" || strings.EqualFold(c.URL, CollaboratorMock)
}

// KafkaConfig enables the committed-event relay.
type KafkaConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	relay.KafkaConfig `mapstructure:",squash"`
	Relay             relay.Config `mapstructure:"relay"`
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix (DATABASE_URL, SERVER_PORT, etc.).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/sagaflow")

	// Maps nested config: gate.breaker.cooldown → GATE_BREAKER_COOLDOWN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if !logger.ValidFormat(c.Log.Format) {
		return fmt.Errorf("log.format must be json or console; got %q", c.Log.Format)
	}
	if c.Gate.AttemptTimeout <= 0 {
		return fmt.Errorf("gate.attempt_timeout must be positive")
	}
	if err := c.Gate.Retry.Validate(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	if err := c.Gate.Breaker.Validate(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	if c.Saga.MaxConflictRetries < 0 {
		return fmt.Errorf("saga.max_conflict_retries must not be negative")
	}
	if c.Saga.RecoveryInterval <= 0 || c.Snapshot.Interval <= 0 {
		return fmt.Errorf("saga.recovery_interval and snapshot.interval must be positive")
	}
	switch c.Saga.Mode {
	case SagaModeSync, SagaModeAsync:
	case SagaModeScheduled:
		if !c.Database.Enabled {
			return fmt.Errorf("saga.mode %q requires database.enabled", c.Saga.Mode)
		}
	default:
		return fmt.Errorf("saga.mode must be one of sync, async, scheduled; got %q", c.Saga.Mode)
	}
	if c.Snapshot.Every < 0 {
		return fmt.Errorf("snapshot.every must not be negative")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must not be empty when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic must not be empty when kafka is enabled")
		}
	}
	return nil
}

// setDefaults registers every key. AutomaticEnv only reaches Unmarshal for
// keys viper already knows, so an env-only setting still needs a default.
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sagaflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "sagaflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.prefix", "sagaflow")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.saga_workers", 20)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pools
	v.SetDefault("worker.saga_pool_size", 64)
	v.SetDefault("worker.remote_pool_size", 128)

	// Gate
	g := gate.DefaultConfig()
	b := gate.DefaultBreakerConfig()
	v.SetDefault("gate.attempt_timeout", g.AttemptTimeout)
	v.SetDefault("gate.retry.max_attempts", g.Retry.MaxAttempts)
	v.SetDefault("gate.retry.initial_interval", g.Retry.InitialInterval)
	v.SetDefault("gate.retry.max_interval", g.Retry.MaxInterval)
	v.SetDefault("gate.retry.multiplier", g.Retry.Multiplier)
	v.SetDefault("gate.retry.randomization_factor", g.Retry.RandomizationFactor)
	v.SetDefault("gate.retry.max_elapsed", "10s")
	v.SetDefault("gate.breaker.window_size", b.WindowSize)
	v.SetDefault("gate.breaker.failure_threshold", b.FailureThreshold)
	v.SetDefault("gate.breaker.minimum_calls", b.MinimumCalls)
	v.SetDefault("gate.breaker.cooldown", b.Cooldown)

	// Saga
	s := saga.DefaultConfig()
	v.SetDefault("saga.max_conflict_retries", s.MaxConflictRetries)
	v.SetDefault("saga.recovery_concurrency", s.RecoveryConcurrency)
	v.SetDefault("saga.recovery_interval", s.RecoveryInterval)
	v.SetDefault("saga.mode", SagaModeSync)

	// Projector
	p := projection.DefaultConfig()
	v.SetDefault("projector.poll_interval", p.PollInterval)
	v.SetDefault("projector.batch_size", p.BatchSize)

	// Snapshots
	v.SetDefault("snapshot.every", 100)
	v.SetDefault("snapshot.min_events", 50)
	v.SetDefault("snapshot.interval", "1h")

	// Collaborators
	v.SetDefault("collaborators.inventory.url", CollaboratorMock)
	v.SetDefault("collaborators.inventory.timeout", "5s")
	v.SetDefault("collaborators.payment.url", CollaboratorMock)
	v.SetDefault("collaborators.payment.timeout", "5s")

	// Kafka relay
	r := relay.DefaultConfig()
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "sagaflow.events")
	v.SetDefault("kafka.client_id", "sagaflow")
	v.SetDefault("kafka.write_timeout", "5s")
	v.SetDefault("kafka.relay.poll_interval", r.PollInterval)
	v.SetDefault("kafka.relay.batch_size", r.BatchSize)
}
