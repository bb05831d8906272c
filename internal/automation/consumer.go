package automation

import (
	"context"
	"fmt"

	"concierge/internal/logger"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/logging"
	"concierge/pkg/models"
	"concierge/pkg/retry"
)

// EventConsumer routes booking and payment envelopes from the input topic to the Service.
type EventConsumer struct {
	service *Service
	logger  logger.Logger
}

func NewEventConsumer(service *Service, log logger.Logger) *EventConsumer {
	return &EventConsumer{service: service, logger: log}
}

// HandleMessage satisfies broker.HandlerFunc. Malformed envelopes are marked fatal so the
// consumer sends them to the DLQ without retrying.
func (c *EventConsumer) HandleMessage(ctx context.Context, msg models.MessageEnvelope) error {
	if err := models.ValidateMessageEnvelope(&msg); err != nil {
		c.logger.WarnwCtx(ctx, "Invalid envelope", "id", msg.ID, "error", err)
		return retry.NewFatalError(err)
	}

	switch msg.EventType {
	case models.EventTypePaymentFailed, models.EventTypePaymentSucceeded, models.EventTypeBookingCreated:
	default:
		c.logger.DebugwCtx(ctx, "Ignoring event", "id", msg.ID, "event_type", msg.EventType)
		return nil
	}

	ev, err := eventFromEnvelope(msg)
	if err != nil {
		c.logger.WarnwCtx(ctx, "Failed to decode event", "id", msg.ID, "error", err)
		return retry.NewFatalError(err)
	}
	ctx = logging.WithBooking(ctx, ev.BookingID, ev.PropertyID)

	switch ev.Kind {
	case rules.EventPaymentFailed:
		_, err = c.service.HandlePaymentFailure(ctx, ev)
	case rules.EventPaymentSucceeded:
		err = c.service.HandlePaymentSucceeded(ctx, ev)
	case rules.EventBookingCreated:
		_, err = c.service.HandleBookingConfirmation(ctx, ev)
	}

	if apperrors.IsValidation(err) || apperrors.IsConfiguration(err) {
		return retry.NewFatalError(err)
	}
	return err
}

func eventFromEnvelope(msg models.MessageEnvelope) (rules.Event, error) {
	var ev rules.Event
	if err := msg.DecodePayload(&ev); err != nil {
		return rules.Event{}, fmt.Errorf("failed to decode %s payload: %w", msg.EventType, err)
	}

	ev.Kind = rules.EventKind(msg.EventType)
	if ev.ID == "" {
		ev.ID = msg.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = msg.Timestamp
	}
	return ev, nil
}
