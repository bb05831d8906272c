package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// bookingEventTypes must carry the booking they are about.
var bookingEventTypes = map[string]bool{
	EventTypePaymentFailed:    true,
	EventTypePaymentSucceeded: true,
	EventTypeBookingCreated:   true,
}

// ValidateMessageEnvelope checks the envelope fields every consumer relies on.
// Booking events must also name a booking_id in the payload.
func ValidateMessageEnvelope(msg *MessageEnvelope) error {
	if msg == nil {
		return &ValidationError{Field: "envelope", Message: "message envelope cannot be nil"}
	}

	checks := []struct {
		failed bool
		field  string
		msg    string
	}{
		{msg.ID == "", "id", "message ID is required"},
		{msg.EventType == "", "event_type", "event type is required"},
		{msg.Timestamp.IsZero(), "timestamp", "message timestamp is required"},
		{msg.Payload == nil, "payload", "message payload cannot be nil"},
	}
	for _, c := range checks {
		if c.failed {
			return &ValidationError{Field: c.field, Message: c.msg}
		}
	}

	if bookingEventTypes[msg.EventType] {
		if id, _ := msg.Payload["booking_id"].(string); id == "" {
			return &ValidationError{
				Field:   "payload.booking_id",
				Message: fmt.Sprintf("%s events must name a booking", msg.EventType),
			}
		}
	}

	return nil
}
