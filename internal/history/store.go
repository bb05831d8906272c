package history

import (
	"context"
	"time"

	"concierge/internal/decision"
	"concierge/internal/notification"
	"concierge/internal/rules"
)

// DecisionRecord is a decision together with the event that produced it.
type DecisionRecord struct {
	Decision decision.Decision `json:"decision"`
	Event    rules.Event       `json:"event"`
}

// Store is the append-only log of decisions and notification results.
// Decisions are written once; afterwards only their action statuses change.
type Store interface {
	AppendDecision(ctx context.Context, d decision.Decision, e rules.Event) error
	UpdateActions(ctx context.Context, decisionID string, actions []decision.ActionRecord) error
	AppendNotifications(ctx context.Context, results []notification.Result) error
	// RecordDeliveryEvent applies a provider receipt to the result with messageID.
	RecordDeliveryEvent(ctx context.Context, messageID string, event notification.DeliveryEvent, at time.Time) (notification.Result, error)

	Decisions(ctx context.Context, bookingID string) ([]DecisionRecord, error)
	Notifications(ctx context.Context, bookingID string) ([]notification.Result, error)
	// LastFailureEvent returns the event behind the booking's latest payment-failure decision.
	LastFailureEvent(ctx context.Context, bookingID string) (rules.Event, bool, error)

	DecisionsBetween(ctx context.Context, from, to time.Time) ([]decision.Decision, error)
	NotificationsBetween(ctx context.Context, from, to time.Time) ([]notification.Result, error)
}
