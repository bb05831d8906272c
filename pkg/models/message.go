package models

import "time"

type MessageEnvelope struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`  // Business data
	Metadata  Metadata               `json:"metadata"` // Routing and tracing info
}

type Metadata struct {
	TraceID    string                 `json:"trace_id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Booking event types carried on the input topic.
const (
	EventTypePaymentFailed    = "payment_failed"
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypeBookingCreated   = "booking_created"
)

// Event types written by the automation service.
const (
	EventTypeDecisionMade        = "automation_decision"
	EventTypeChannelNotification = "channel_notification"
)
