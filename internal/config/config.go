// Package config loads the runtime configuration of the harvest binaries.
// Values come from defaults, an optional YAML file and HARVEST_* environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HARVEST_KAFKA_GROUP_ID.
const EnvPrefix = "HARVEST"

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Buckets   BucketConfig    `mapstructure:"buckets"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Health    HealthConfig    `mapstructure:"health"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	ID       string `mapstructure:"id"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// PostgresConfig configures the shared database.
type PostgresConfig struct {
	URL            string `mapstructure:"url" validate:"required"`
	MigrationsPath string `mapstructure:"migrations_path"`
	MaxConns       int32  `mapstructure:"max_conns" validate:"gte=0"`
}

// KafkaConfig configures the event bus.
type KafkaConfig struct {
	Brokers             []string `mapstructure:"brokers" validate:"min=1,dive,required"`
	SubmissionTopic     string   `mapstructure:"submission_topic" validate:"required"`
	KillTopic           string   `mapstructure:"kill_topic" validate:"required"`
	NotificationTopic   string   `mapstructure:"notification_topic" validate:"required"`
	PipelineTopicPrefix string   `mapstructure:"pipeline_topic_prefix" validate:"required"`
	DeadLetterTopic     string   `mapstructure:"dead_letter_topic"`
	GroupID             string   `mapstructure:"group_id" validate:"required"`
	ClientID            string   `mapstructure:"client_id"`
	MaxRedeliveries     int      `mapstructure:"max_redeliveries" validate:"gte=0"`
}

// RedisConfig selects Redis as the kill flag backend when enabled.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address" validate:"required_if=Enabled true"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
}

// RetryConfig is the fixed-delay retry policy used around storage calls.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	Delay       time.Duration `mapstructure:"delay" validate:"gte=0"`
}

// BucketConfig bounds notification buckets.
type BucketConfig struct {
	Ceiling int64 `mapstructure:"ceiling" validate:"gte=1"`
}

// CacheConfig sizes the definition and kill flag caches.
type CacheConfig struct {
	DefinitionSize int           `mapstructure:"definition_size" validate:"gte=0"`
	DefinitionTTL  time.Duration `mapstructure:"definition_ttl" validate:"gte=0"`
	KillFlagSize   int           `mapstructure:"kill_flag_size" validate:"gte=0"`
	KillFlagTTL    time.Duration `mapstructure:"kill_flag_ttl" validate:"gte=0"`
}

// PipelineConfig points the worker at its topology.
type PipelineConfig struct {
	TopologyFile string `mapstructure:"topology_file"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
	MaxBytes          int64         `mapstructure:"max_bytes" validate:"gte=0"`
}

// HealthConfig sets the health check listener.
type HealthConfig struct {
	Address string `mapstructure:"address" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load builds a Config for service. path may be empty, in which case only
// defaults and the environment are used.
func Load(service, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, service)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindConventionalEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct constraints of c.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func setDefaults(v *viper.Viper, service string) {
	v.SetDefault("service.name", service)
	v.SetDefault("service.id", "")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.migrations_path", "db/migrations")
	v.SetDefault("postgres.max_conns", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.submission_topic", "harvest.tasks.submitted")
	v.SetDefault("kafka.kill_topic", "harvest.tasks.kill")
	v.SetDefault("kafka.notification_topic", "harvest.notifications")
	v.SetDefault("kafka.pipeline_topic_prefix", "harvest.pipeline.")
	v.SetDefault("kafka.dead_letter_topic", "")
	v.SetDefault("kafka.group_id", "harvest-"+service)
	v.SetDefault("kafka.client_id", "")
	v.SetDefault("kafka.max_redeliveries", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.probability", 0.05)

	v.SetDefault("retry.max_attempts", 8)
	v.SetDefault("retry.delay", 5*time.Second)

	v.SetDefault("buckets.ceiling", 10000)

	v.SetDefault("cache.definition_size", 1024)
	v.SetDefault("cache.definition_ttl", time.Hour)
	v.SetDefault("cache.kill_flag_size", 4096)
	v.SetDefault("cache.kill_flag_ttl", 5*time.Second)

	v.SetDefault("pipeline.topology_file", "")

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.requests_per_second", 10.0)
	v.SetDefault("fetch.burst", 5)
	v.SetDefault("fetch.max_bytes", 16<<20)

	v.SetDefault("health.address", ":8080")
}

// bindConventionalEnv lets the deployment variables shared with other
// services stand in for their HARVEST_* counterparts.
func bindConventionalEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"postgres.url":       {"HARVEST_POSTGRES_URL", "DATABASE_URL"},
		"kafka.brokers":      {"HARVEST_KAFKA_BROKERS", "KAFKA_BROKERS"},
		"kafka.group_id":     {"HARVEST_KAFKA_GROUP_ID", "KAFKA_GROUP_ID"},
		"kafka.client_id":    {"HARVEST_KAFKA_CLIENT_ID", "KAFKA_CLIENT_ID"},
		"service.id":         {"HARVEST_SERVICE_ID", "POD_NAME"},
		"telemetry.endpoint": {"HARVEST_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}
