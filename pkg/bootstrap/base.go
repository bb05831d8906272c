package bootstrap

import (
	"context"
	"fmt"

	"concierge/internal/broker"
	"concierge/internal/config"
	"concierge/internal/logger"
	"concierge/pkg/logging"
)

// Base carries what every service process needs: config, logger and broker clients.
// ConfigConsumer is nil when no config update topic is configured.
type Base struct {
	Config         *config.Config
	Logger         logger.Logger
	Producer       broker.Producer
	Consumer       broker.Consumer
	ConfigConsumer broker.Consumer

	serviceName string
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

func (b *Base) InitBroker(serviceName string) error {
	b.serviceName = serviceName

	producer, err := broker.NewProducer(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	b.Producer = producer

	consumer, err := broker.NewConsumer(b.Config.Broker, b.Logger, serviceName)
	if err != nil {
		b.ShutdownBroker()
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	b.Consumer = consumer

	if b.Config.Broker.Kafka.ConfigUpdateTopic == "" {
		return nil
	}

	configConsumer, err := broker.NewConsumer(b.Config.Broker, b.Logger, serviceName)
	if err != nil {
		b.Logger.WarnwCtx(b.context(), "Failed to create config event consumer, event-driven reload disabled",
			"error", err,
		)
		return nil
	}
	b.ConfigConsumer = configConsumer

	return nil
}

func (b *Base) context() context.Context {
	return logging.WithServiceName(context.Background(), b.serviceName)
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	for name, closer := range map[string]interface{ Close() error }{
		"producer":        b.Producer,
		"consumer":        b.Consumer,
		"config consumer": b.ConfigConsumer,
	} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close error: %w", name, err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	ctx = logging.WithServiceName(ctx, b.serviceName)
	b.Logger.InfowCtx(ctx, "Shutting down application")

	var errs []error

	errs = append(errs, b.ShutdownBroker()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
