package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"concierge/internal/config"
	"concierge/internal/constants"
	"concierge/internal/logger"
	"concierge/pkg/errors"
	"concierge/pkg/logging"
	"concierge/pkg/metrics"
	"concierge/pkg/models"
	"concierge/pkg/retry"
	"concierge/pkg/tracing"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{writer: w, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	if msg.Metadata.TraceID == "" {
		msg.Metadata.TraceID = logging.GetTraceID(ctx)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(partitionKey(msg)),
		Value:   body,
		Headers: tracing.InjectTraceContext(ctx, nil),
		Time:    start,
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(msg.Source, topic)
	metrics.ObserveKafkaWriteDuration(msg.Source, topic, time.Since(start))
	metrics.ObserveKafkaMessageSize(msg.Source, topic, "out", len(body))
	return nil
}

// partitionKey keeps every message about one booking on one partition.
func partitionKey(msg models.MessageEnvelope) string {
	if key, ok := msg.Metadata.Attributes[PartitionKeyAttribute].(string); ok && key != "" {
		return key
	}
	return msg.ID
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads one topic with a consumer group. Each message is retried per the
// configured policy; what still fails goes to the DLQ when one is configured, and is committed either way.
type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	reader      messageReader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
	newReader   func(topic string) messageReader
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}
	consumer.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Consume blocks until ctx ends.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
	)

	reader := c.newReader(topic)
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				time.Sleep(time.Second)
				continue
			}

			c.handle(ctx, topic, m, handler)

			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				c.logger.ErrorwCtx(consumeCtx, "Failed to commit message",
					"error", err,
					"topic", topic,
					"offset", m.Offset,
				)
			}
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

// handle runs handler for one fetched message. The caller commits afterwards regardless of the outcome.
func (c *KafkaConsumer) handle(ctx context.Context, topic string, m kafka.Message, handler HandlerFunc) {
	metrics.IncKafkaMessagesRead(c.serviceName, topic)
	metrics.ObserveKafkaMessageSize(c.serviceName, topic, "in", len(m.Value))

	var envelope models.MessageEnvelope
	if err := json.Unmarshal(m.Value, &envelope); err != nil {
		c.logger.ErrorwCtx(logging.WithServiceName(ctx, c.serviceName), "Failed to unmarshal message",
			"error", err,
			"topic", topic,
			"offset", m.Offset,
		)
		return
	}

	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, topic, m.Headers)
	defer span.End()

	if envelope.Metadata.TraceID != "" {
		msgCtx = logging.WithTraceID(msgCtx, envelope.Metadata.TraceID)
	}
	msgCtx = logging.WithMessageID(msgCtx, envelope.ID)
	msgCtx = logging.WithServiceName(msgCtx, c.serviceName)

	err := c.processMessageWithRetry(msgCtx, envelope, handler, topic)
	if err == nil {
		return
	}
	tracing.RecordError(span, err)

	reason := "max_retries_exceeded"
	if retry.IsFatal(err) {
		reason = "fatal"
	}
	c.logger.ErrorwCtx(msgCtx, "Failed to process message",
		"error", err,
		"topic", topic,
		"reason", reason,
	)

	if c.dlqProducer == nil {
		c.logger.WarnwCtx(msgCtx, "No DLQ configured, dropping message", "topic", topic)
		return
	}
	if dlqErr := c.sendToDLQ(msgCtx, envelope, err, topic, reason); dlqErr != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to send message to DLQ",
			"error", dlqErr,
			"topic", topic,
		)
	}
}

func (c *KafkaConsumer) Close() error {
	var err error
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader != nil {
		err = reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, envelope models.MessageEnvelope, handler HandlerFunc, topic string) error {
	policy := retry.DefaultPolicy().Merge(c.cfg.Retry)

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		return handler(ctx, envelope)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, envelope models.MessageEnvelope, originalErr error, sourceTopic, reason string) error {
	if envelope.Metadata.Attributes == nil {
		envelope.Metadata.Attributes = make(map[string]interface{})
	}
	envelope.Metadata.Attributes["dlq_reason"] = originalErr.Error()
	envelope.Metadata.Attributes["dlq_source_topic"] = sourceTopic
	envelope.Metadata.Attributes["dlq_timestamp"] = time.Now().UTC()

	if err := c.dlqProducer.Publish(ctx, c.cfg.DLQTopic, envelope); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.DLQMessagesTotal.WithLabelValues(c.serviceName, sourceTopic, reason).Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", reason,
	)

	return nil
}
