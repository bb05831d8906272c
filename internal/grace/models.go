package grace

import (
	"context"
	"time"
)

// GracePeriod holds a booking instead of cancelling it until Deadline.
// Expired records are kept until the booking is resolved so grace is granted once per failure episode.
type GracePeriod struct {
	BookingID  string    `json:"booking_id"`
	PropertyID string    `json:"property_id"`
	DecisionID string    `json:"decision_id"`
	GrantedAt  time.Time `json:"granted_at"`
	Deadline   time.Time `json:"deadline"`
	Expired    bool      `json:"expired"`
	// Closed marks a cancelled booking. Only payment success clears it.
	Closed bool `json:"closed,omitempty"`
}

// ActiveAt reports whether the hold is still running at now.
func (g GracePeriod) ActiveAt(now time.Time) bool {
	return !g.Expired && now.Before(g.Deadline)
}

type Store interface {
	// Create stores g unless the booking already has a record. It reports whether g was stored.
	Create(ctx context.Context, g GracePeriod) (bool, error)
	Get(ctx context.Context, bookingID string) (GracePeriod, bool, error)
	// MarkExpired flags the record and removes it from the due index.
	MarkExpired(ctx context.Context, bookingID string) error
	// Close flags the booking's record as expired and closed, storing g when none exists.
	Close(ctx context.Context, g GracePeriod) error
	Delete(ctx context.Context, bookingID string) error
	// Due lists unexpired records whose deadline is not after now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]GracePeriod, error)
	CountPending(ctx context.Context) (int, error)
}
