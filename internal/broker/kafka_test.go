package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/config"
	"concierge/internal/logger"
	"concierge/pkg/logging"
	"concierge/pkg/models"
	"concierge/pkg/retry"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type capturedPublish struct {
	topic string
	msg   models.MessageEnvelope
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []capturedPublish
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, capturedPublish{topic: topic, msg: msg})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func testConsumer(dlq *fakeProducer) *KafkaConsumer {
	c := NewKafkaConsumer(config.KafkaConfig{
		DLQTopic: "booking_events_dlq",
		Retry: config.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      1,
		},
	}, logger.NopLogger())
	c.SetServiceName("automation-service")
	c.dlqProducer = dlq
	return c
}

func kafkaMessage(t *testing.T, offset int64, id string) kafka.Message {
	t.Helper()
	body, err := json.Marshal(models.MessageEnvelope{
		ID:        id,
		EventType: models.EventTypePaymentFailed,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"booking_id": "bk-1"},
	})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: body}
}

func TestKafkaConsumer_Handle(t *testing.T) {
	tests := []struct {
		name      string
		value     []byte
		err       error
		wantCalls int
		wantDLQ   string
	}{
		{name: "success", wantCalls: 1},
		{name: "transient error is retried", err: errors.New("booking service down"), wantCalls: 2, wantDLQ: "max_retries_exceeded"},
		{name: "fatal error is not retried", err: retry.NewFatalError(errors.New("bad payload")), wantCalls: 1, wantDLQ: "fatal"},
		{name: "undecodable message is dropped", value: []byte("{"), wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dlq := &fakeProducer{}
			c := testConsumer(dlq)

			m := kafkaMessage(t, 1, "msg-1")
			if tt.value != nil {
				m.Value = tt.value
			}

			calls := 0
			c.handle(context.Background(), "booking_events", m, func(ctx context.Context, msg models.MessageEnvelope) error {
				calls++
				assert.Equal(t, "msg-1", logging.GetMessageID(ctx))
				return tt.err
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantDLQ == "" {
				assert.Empty(t, dlq.sent)
				return
			}
			require.Len(t, dlq.sent, 1)
			assert.Equal(t, "booking_events_dlq", dlq.sent[0].topic)
			assert.Equal(t, "booking_events", dlq.sent[0].msg.Metadata.Attributes["dlq_source_topic"])
			assert.Equal(t, tt.err.Error(), dlq.sent[0].msg.Metadata.Attributes["dlq_reason"])
		})
	}
}

func TestKafkaConsumer_HandleRecoversPanic(t *testing.T) {
	dlq := &fakeProducer{}
	c := testConsumer(dlq)

	c.handle(context.Background(), "booking_events", kafkaMessage(t, 1, "msg-1"), func(ctx context.Context, msg models.MessageEnvelope) error {
		panic("nil template")
	})

	require.Len(t, dlq.sent, 1)
	assert.Equal(t, "booking_events", dlq.sent[0].msg.Metadata.Attributes["dlq_source_topic"])
}

func TestKafkaConsumer_ConsumeCommitsEveryMessage(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{kafkaMessage(t, 10, "a"), kafkaMessage(t, 11, "b")}}
	c := testConsumer(&fakeProducer{})
	c.newReader = func(topic string) messageReader { return reader }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, "booking_events", func(ctx context.Context, msg models.MessageEnvelope) error {
			if msg.ID == "b" {
				return retry.NewFatalError(errors.New("invalid"))
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, c.Close())
	assert.Equal(t, []int64{10, 11}, reader.commits())
}

func TestKafkaProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, logger: logger.NopLogger()}

	env, err := models.NewMessageEnvelopeBuilder().
		WithSource("automation-service").
		WithEventType(models.EventTypeDecisionMade).
		WithPayloadFrom(map[string]string{"booking_id": "bk-7"}).
		WithAttribute(PartitionKeyAttribute, "bk-7").
		Build()
	require.NoError(t, err)

	ctx := logging.WithTraceID(context.Background(), "req-1")
	require.NoError(t, p.Publish(ctx, "automation_decisions", *env))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "automation_decisions", w.msgs[0].Topic)
	assert.Equal(t, "bk-7", string(w.msgs[0].Key))

	var written models.MessageEnvelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &written))
	assert.Equal(t, "req-1", written.Metadata.TraceID)
}

func TestPartitionKey_FallsBackToID(t *testing.T) {
	assert.Equal(t, "m-1", partitionKey(models.MessageEnvelope{ID: "m-1"}))
}
