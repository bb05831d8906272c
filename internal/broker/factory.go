package broker

import (
	"errors"
	"fmt"

	"concierge/internal/config"
	"concierge/internal/logger"
)

type driver struct {
	producer func(config.BrokerConfig, logger.Logger) Producer
	consumer func(config.BrokerConfig, logger.Logger) Consumer
}

var drivers = map[string]driver{
	"kafka": {
		producer: func(cfg config.BrokerConfig, log logger.Logger) Producer { return NewKafkaProducer(cfg.Kafka, log) },
		consumer: func(cfg config.BrokerConfig, log logger.Logger) Consumer { return NewKafkaConsumer(cfg.Kafka, log) },
	},
}

var errNoBrokers = errors.New("no broker addresses configured")

func lookup(cfg config.BrokerConfig) (driver, error) {
	d, ok := drivers[cfg.Type]
	if !ok {
		return driver{}, fmt.Errorf("unknown broker type: %q", cfg.Type)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return driver{}, errNoBrokers
	}
	return d, nil
}

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	d, err := lookup(cfg)
	if err != nil {
		return nil, err
	}
	return d.producer(cfg, log), nil
}

// NewConsumer returns a consumer that tags its log entries and metrics with serviceName.
func NewConsumer(cfg config.BrokerConfig, log logger.Logger, serviceName string) (Consumer, error) {
	d, err := lookup(cfg)
	if err != nil {
		return nil, err
	}
	c := d.consumer(cfg, log)
	c.SetServiceName(serviceName)
	return c, nil
}
