package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"concierge/internal/constants"
)

// LoadConfig reads configFile, overlays environment variables named after the key path
// (broker.kafka.brokers -> BROKER_KAFKA_BROKERS) and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range configKeys(reflect.TypeOf(Config{}), "") {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	normalize(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// configKeys lists the dotted mapstructure path of every scalar and slice field under t.
// Map fields are skipped: their keys are not known up front.
func configKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		switch {
		case f.Type.Kind() == reflect.Struct && f.Type.PkgPath() == t.PkgPath():
			keys = append(keys, configKeys(f.Type, key)...)
		case f.Type.Kind() == reflect.Map:
		default:
			keys = append(keys, key)
		}
	}
	return keys
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.kafka.input_topic", constants.DefaultInputTopic)
	v.SetDefault("broker.kafka.output_topic", constants.DefaultOutputTopic)
	v.SetDefault("automation.sweep_interval", constants.DefaultSweepInterval)
	v.SetDefault("automation.sweep_batch_size", constants.DefaultSweepBatchSize)
	v.SetDefault("automation.job_max_attempts", constants.DefaultJobMaxAttempts)
	v.SetDefault("automation.follow_up_trigger", constants.DefaultFollowUpTrigger)
	v.SetDefault("channels.webhook_timeout", constants.DefaultHTTPTimeout)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func normalize(cfg *Config) {
	brokers := cfg.Broker.Kafka.Brokers[:0]
	for _, b := range cfg.Broker.Kafka.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.Broker.Kafka.Brokers = brokers

	for _, c := range []*CollaboratorConfig{
		&cfg.Collaborators.Booking,
		&cfg.Collaborators.Guest,
		&cfg.Collaborators.Tasks,
		&cfg.Collaborators.Staff,
		&cfg.Collaborators.Property,
	} {
		if c.Timeout <= 0 {
			c.Timeout = constants.DefaultHTTPTimeout
		}
	}
}
