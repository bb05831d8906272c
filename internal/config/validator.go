package config

import (
	"errors"
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// problems collects every violation instead of stopping at the first one.
type problems []error

func (p *problems) require(ok bool, field, format string, args ...interface{}) {
	if !ok {
		*p = append(*p, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
}

func (p *problems) port(port int, field string) {
	p.require(port >= 1 && port <= 65535, field, "port must be between 1 and 65535, got %d", port)
}

var (
	sslModes       = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	relayChannels  = []string{"email", "sms", "whatsapp", "push"}
	brokerTypes    = []string{"kafka"}
	mongoSchemes   = []string{"mongodb://", "mongodb+srv://"}
	collabSchemes  = []string{"http://", "https://"}
	requiredCollab = []string{"booking", "guest", "tasks", "staff"}
)

func oneOf(v string, options []string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func hasPrefix(v string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

// ValidateStatic checks what can be checked without reaching any backend.
func ValidateStatic(cfg *Config) error {
	var p problems

	p.port(cfg.Server.Port, "server.port")
	p.require(cfg.Server.ReadTimeoutSeconds > 0, "server.read_timeout_seconds", "read timeout must be positive")
	p.require(cfg.Server.WriteTimeoutSeconds > 0, "server.write_timeout_seconds", "write timeout must be positive")

	p.validateBroker(cfg.Broker)
	p.validateDatabase(cfg.Database)

	a := cfg.Automation
	p.require(a.SweepInterval > 0, "automation.sweep_interval", "sweep interval must be positive")
	p.require(a.SweepBatchSize > 0, "automation.sweep_batch_size", "sweep batch size must be positive")
	p.require(a.ConfigReloadSeconds >= 0, "automation.config_reload_seconds", "config reload interval must be non-negative")

	collaborators := map[string]CollaboratorConfig{
		"booking":  cfg.Collaborators.Booking,
		"guest":    cfg.Collaborators.Guest,
		"tasks":    cfg.Collaborators.Tasks,
		"staff":    cfg.Collaborators.Staff,
		"property": cfg.Collaborators.Property,
	}
	for name, c := range collaborators {
		field := "collaborators." + name + ".base_url"
		if c.BaseURL == "" {
			p.require(!oneOf(name, requiredCollab), field, "base URL is required")
			continue
		}
		p.require(hasPrefix(c.BaseURL, collabSchemes), field, "base URL must be http(s), got %s", c.BaseURL)
	}

	p.validateRetry(cfg.Channels.Retry, "channels.retry")
	for channel, topic := range cfg.Channels.RelayTopics {
		field := "channels.relay_topics." + channel
		p.require(oneOf(strings.ToLower(channel), relayChannels), field, "relay topics are supported for %s", strings.Join(relayChannels, ", "))
		p.require(topic != "", field, "topic cannot be empty")
	}

	if len(p) > 0 {
		return errors.Join(p...)
	}
	return nil
}

func (p *problems) validateBroker(cfg BrokerConfig) {
	if !oneOf(cfg.Type, brokerTypes) {
		p.require(false, "broker.type", "unknown broker type %q (supported: %s)", cfg.Type, strings.Join(brokerTypes, ", "))
		return
	}

	k := cfg.Kafka
	p.require(len(k.Brokers) > 0, "broker.kafka.brokers", "at least one Kafka broker is required")
	p.require(k.GroupID != "", "broker.kafka.group_id", "Kafka consumer group ID is required")
	p.validateRetry(k.Retry, "broker.kafka.retry")
	p.require(k.Retry.Multiplier > 0, "broker.kafka.retry.multiplier", "multiplier must be positive")
}

func (p *problems) validateRetry(r RetryConfig, prefix string) {
	p.require(r.MaxAttempts >= 0, prefix+".max_attempts", "max_attempts must be non-negative")
	p.require(r.InitialInterval >= 0, prefix+".initial_interval", "initial_interval must be non-negative")
	p.require(r.MaxInterval >= 0, prefix+".max_interval", "max_interval must be non-negative")
	p.require(r.MaxInterval == 0 || r.MaxInterval >= r.InitialInterval, prefix+".max_interval",
		"max_interval must be greater than or equal to initial_interval")
}

func (p *problems) validateDatabase(cfg DatabaseConfig) {
	pg := cfg.Postgres
	p.require(pg.Host != "", "database.postgres.host", "PostgreSQL host is required")
	p.port(pg.Port, "database.postgres.port")
	p.require(pg.User != "", "database.postgres.user", "PostgreSQL user is required")
	p.require(pg.DBName != "", "database.postgres.dbname", "PostgreSQL database name is required")
	p.require(pg.SSLMode == "" || oneOf(strings.ToLower(pg.SSLMode), sslModes), "database.postgres.sslmode",
		"invalid SSL mode %s (valid: %s)", pg.SSLMode, strings.Join(sslModes, ", "))

	r := cfg.Redis
	p.require(r.Host != "", "database.redis.host", "Redis host is required")
	p.port(r.Port, "database.redis.port")
	p.require(r.TTLSeconds >= 0, "database.redis.ttl_seconds", "TTL must be non-negative")

	m := cfg.MongoDB
	p.require(hasPrefix(m.URI, mongoSchemes), "database.mongodb.uri", "MongoDB URI must start with mongodb:// or mongodb+srv://")
	p.require(m.Database != "", "database.mongodb.database", "MongoDB database name is required")
}
