package configstore

import (
	"context"

	"concierge/internal/broker"
	"concierge/internal/constants"
	"concierge/pkg/models"
)

// ConfigEventProducer tells every instance that a property document changed.
type ConfigEventProducer struct {
	producer broker.Producer
	topic    string
}

func NewConfigEventProducer(producer broker.Producer, topic string) *ConfigEventProducer {
	return &ConfigEventProducer{
		producer: producer,
		topic:    topic,
	}
}

func (p *ConfigEventProducer) PublishConfigUpdate(ctx context.Context, propertyID string, version int, action, changedBy string) error {
	if p.producer == nil || p.topic == "" {
		return nil
	}

	event := models.NewConfigUpdateEvent(propertyID, version, action, changedBy)

	envelope, err := models.NewMessageEnvelopeBuilder().
		WithSource(constants.ServiceName).
		WithEventType(event.EventType).
		WithPayloadFrom(event).
		WithAttribute(broker.PartitionKeyAttribute, propertyID).
		Build()
	if err != nil {
		return err
	}

	return p.producer.Publish(ctx, p.topic, *envelope)
}
