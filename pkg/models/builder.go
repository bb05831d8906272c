package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageEnvelopeBuilder struct {
	envelope *MessageEnvelope
	err      error
}

func NewMessageEnvelopeBuilder() *MessageEnvelopeBuilder {
	return &MessageEnvelopeBuilder{
		envelope: &MessageEnvelope{
			Payload:  make(map[string]interface{}),
			Metadata: Metadata{},
		},
	}
}

func (b *MessageEnvelopeBuilder) WithID(id string) *MessageEnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *MessageEnvelopeBuilder) WithSource(source string) *MessageEnvelopeBuilder {
	b.envelope.Source = source
	return b
}

func (b *MessageEnvelopeBuilder) WithEventType(eventType string) *MessageEnvelopeBuilder {
	b.envelope.EventType = eventType
	return b
}

func (b *MessageEnvelopeBuilder) WithTimestamp(timestamp time.Time) *MessageEnvelopeBuilder {
	b.envelope.Timestamp = timestamp
	return b
}

func (b *MessageEnvelopeBuilder) WithPayload(payload map[string]interface{}) *MessageEnvelopeBuilder {
	b.envelope.Payload = payload
	return b
}

// WithPayloadFrom converts any JSON-encodable value into the payload map.
func (b *MessageEnvelopeBuilder) WithPayloadFrom(v interface{}) *MessageEnvelopeBuilder {
	raw, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("failed to marshal payload: %w", err)
		return b
	}
	payload := make(map[string]interface{})
	if err := json.Unmarshal(raw, &payload); err != nil {
		b.err = fmt.Errorf("payload must encode to a JSON object: %w", err)
		return b
	}
	b.envelope.Payload = payload
	return b
}

func (b *MessageEnvelopeBuilder) WithAttribute(key string, value interface{}) *MessageEnvelopeBuilder {
	if b.envelope.Metadata.Attributes == nil {
		b.envelope.Metadata.Attributes = make(map[string]interface{})
	}
	b.envelope.Metadata.Attributes[key] = value
	return b
}

func (b *MessageEnvelopeBuilder) WithTraceID(traceID string) *MessageEnvelopeBuilder {
	b.envelope.Metadata.TraceID = traceID
	return b
}

func (b *MessageEnvelopeBuilder) Build() (*MessageEnvelope, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.envelope.ID == "" {
		b.envelope.ID = uuid.New().String()
	}
	if b.envelope.Timestamp.IsZero() {
		b.envelope.Timestamp = time.Now()
	}
	return b.envelope, nil
}

// DecodePayload unmarshals the payload map into v.
func (msg *MessageEnvelope) DecodePayload(v interface{}) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
