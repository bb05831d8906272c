package broker

import (
	"context"

	"concierge/pkg/models"
)

// PartitionKeyAttribute names the metadata attribute used as the Kafka message key.
const PartitionKeyAttribute = "partition_key"

// Producer publishes envelopes. Implementations are safe for concurrent use.
type Producer interface {
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
	Close() error
}

// HandlerFunc processes one envelope. Returning an error marked fatal skips retries.
type HandlerFunc func(ctx context.Context, msg models.MessageEnvelope) error

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}
