package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"concierge/internal/broker"
	"concierge/internal/config"
	"concierge/internal/constants"
	"concierge/internal/rules"
	"concierge/pkg/circuitbreaker"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/models"
)

// Sender delivers one payload and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, p Payload) (string, error)
}

// HeaderMessageID is read from webhook responses when the receiver assigns its own id.
const HeaderMessageID = "X-Message-Id"

// WebhookSender calls the URL configured on a webhook channel.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	return &WebhookSender{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *WebhookSender) Send(ctx context.Context, p Payload) (string, error) {
	wp, ok := p.(WebhookPayload)
	if !ok {
		return "", fmt.Errorf("webhook sender cannot send %s payload", p.Channel())
	}

	body, err := json.Marshal(wp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, wp.Method, wp.URL, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.ErrDelivery.WithCause(err).AsFatal()
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wp.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", apperrors.ErrDelivery.WithCause(fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		deliveryErr := apperrors.ErrDelivery.WithDetail("message", fmt.Sprintf("webhook returned status: %d", resp.StatusCode))
		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return "", deliveryErr.AsFatal()
		}
		return "", deliveryErr
	}

	if id := resp.Header.Get(HeaderMessageID); id != "" {
		return id, nil
	}

	var ack struct {
		ID        string `json:"id"`
		MessageID string `json:"message_id"`
	}
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && len(raw) > 0 {
		if json.Unmarshal(raw, &ack) == nil {
			if ack.MessageID != "" {
				return ack.MessageID, nil
			}
			if ack.ID != "" {
				return ack.ID, nil
			}
		}
	}
	return uuid.NewString(), nil
}

// RelaySender hands channel payloads to transport workers over Kafka, one topic per channel.
type RelaySender struct {
	producer broker.Producer
	topics   map[rules.ChannelType]string
	source   string
}

func NewRelaySender(producer broker.Producer, topics map[string]string) *RelaySender {
	typed := make(map[rules.ChannelType]string, len(topics))
	for ch, topic := range topics {
		typed[rules.ChannelType(ch)] = topic
	}
	return &RelaySender{producer: producer, topics: typed, source: "automation-service"}
}

// Channels lists the channel types this relay has a topic for.
func (s *RelaySender) Channels() []rules.ChannelType {
	out := make([]rules.ChannelType, 0, len(s.topics))
	for ch := range s.topics {
		out = append(out, ch)
	}
	return out
}

func (s *RelaySender) Send(ctx context.Context, p Payload) (string, error) {
	topic, ok := s.topics[p.Channel()]
	if !ok {
		return "", apperrors.ErrConfiguration.
			WithDetail("message", "no relay topic for channel").
			WithDetail("channel", string(p.Channel()))
	}

	msg, err := models.NewMessageEnvelopeBuilder().
		WithSource(s.source).
		WithEventType(models.EventTypeChannelNotification).
		WithPayloadFrom(p).
		WithAttribute("channel", string(p.Channel())).
		Build()
	if err != nil {
		return "", apperrors.ErrDelivery.WithCause(err).AsFatal()
	}

	if err := s.producer.Publish(ctx, topic, *msg); err != nil {
		return "", apperrors.ErrDelivery.WithCause(err)
	}
	return msg.ID, nil
}

type CircuitBreakerSender struct {
	sender Sender
	cb     *circuitbreaker.Breaker
}

func NewCircuitBreakerSender(sender Sender, cb *circuitbreaker.Breaker) *CircuitBreakerSender {
	return &CircuitBreakerSender{sender: sender, cb: cb}
}

func (s *CircuitBreakerSender) Send(ctx context.Context, p Payload) (string, error) {
	return circuitbreaker.Do(ctx, s.cb, func() (string, error) {
		return s.sender.Send(ctx, p)
	})
}

// WrapWithCircuitBreaker returns sender unchanged when breakers are disabled.
func WrapWithCircuitBreaker(sender Sender, name string, cfg config.CircuitBreakerConfig) Sender {
	cb := circuitbreaker.New(name, cfg)
	if cb == nil {
		return sender
	}
	return NewCircuitBreakerSender(sender, cb)
}
