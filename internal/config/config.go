package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Automation     AutomationConfig     `mapstructure:"automation"`
	Collaborators  CollaboratorsConfig  `mapstructure:"collaborators"`
	Channels       ChannelsConfig       `mapstructure:"channels"`
	Management     ManagementConfig     `mapstructure:"management"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers           []string    `mapstructure:"brokers"`
	GroupID           string      `mapstructure:"group_id"`
	InputTopic        string      `mapstructure:"input_topic"`
	OutputTopic       string      `mapstructure:"output_topic"`
	ConfigUpdateTopic string      `mapstructure:"config_update_topic"`
	DLQTopic          string      `mapstructure:"dlq_topic"`
	Retry             RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AutomationConfig drives the sweep and the property configuration cache.
type AutomationConfig struct {
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize      int           `mapstructure:"sweep_batch_size"`
	ConfigReloadSeconds int           `mapstructure:"config_reload_seconds"`
	JobMaxAttempts      int           `mapstructure:"job_max_attempts"`
	FollowUpTrigger     string        `mapstructure:"follow_up_trigger"`
}

type CollaboratorsConfig struct {
	Booking  CollaboratorConfig `mapstructure:"booking"`
	Guest    CollaboratorConfig `mapstructure:"guest"`
	Tasks    CollaboratorConfig `mapstructure:"tasks"`
	Staff    CollaboratorConfig `mapstructure:"staff"`
	Property CollaboratorConfig `mapstructure:"property"`
}

type CollaboratorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChannelsConfig maps channel types to relay topics consumed by transport workers.
type ChannelsConfig struct {
	RelayTopics    map[string]string `mapstructure:"relay_topics"`
	WebhookTimeout time.Duration     `mapstructure:"webhook_timeout"`
	Retry          RetryConfig       `mapstructure:"retry"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// Load is the entry point used by the service binaries.
func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
