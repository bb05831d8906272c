package rules

import (
	"math"
	"time"

	apperrors "concierge/pkg/errors"
)

const (
	FieldPaymentStatus = "payment_status"
	FieldPaymentMethod = "payment_method"
	FieldBookingValue  = "booking_value"
	FieldCurrency      = "currency"
	FieldRetryCount    = "retry_count"
	FieldFailureReason = "failure_reason"
	FieldFailureCode   = "failure_code"
	FieldGuestType     = "guest_type"
	FieldLoyaltyTier   = "loyalty_tier"
	FieldGuestLanguage = "guest_language"
	FieldLeadTime      = "lead_time"
	FieldStayLength    = "stay_length"
	FieldBookingType   = "booking_type"
	FieldRoomType      = "room_type"
)

const (
	BookingTypeLastMinute   = "last_minute"
	BookingTypeExtendedStay = "extended_stay"
	BookingTypeHighValue    = "high_value"
	BookingTypeStandard     = "standard"

	highValueAmount = 5000
)

// fieldFunc resolves a named field; ok=false means the field is null for this event.
type fieldFunc func(e Event) (interface{}, bool)

var fieldRegistry = map[string]fieldFunc{
	FieldPaymentStatus: stringField(func(e Event) string { return e.Payment.Status }),
	FieldPaymentMethod: stringField(func(e Event) string { return e.Payment.Method }),
	FieldCurrency:      stringField(func(e Event) string { return e.Booking.Currency }),
	FieldFailureReason: stringField(func(e Event) string { return e.Payment.FailureReason }),
	FieldFailureCode:   stringField(func(e Event) string { return e.Payment.FailureCode }),
	FieldGuestType:     stringField(func(e Event) string { return e.Guest.Type }),
	FieldLoyaltyTier:   stringField(func(e Event) string { return e.Guest.LoyaltyTier }),
	FieldGuestLanguage: stringField(func(e Event) string { return e.Guest.Language }),
	FieldRoomType:      stringField(func(e Event) string { return e.Booking.RoomType }),
	FieldBookingValue: func(e Event) (interface{}, bool) {
		return e.Booking.Amount, true
	},
	FieldRetryCount: func(e Event) (interface{}, bool) {
		return float64(e.Payment.RetryCount), true
	},
	FieldLeadTime: func(e Event) (interface{}, bool) {
		days, ok := leadTimeDays(e)
		return float64(days), ok
	},
	FieldStayLength: func(e Event) (interface{}, bool) {
		nights, ok := stayNights(e)
		return float64(nights), ok
	},
	FieldBookingType: func(e Event) (interface{}, bool) {
		return bookingType(e), true
	},
}

func stringField(get func(Event) string) fieldFunc {
	return func(e Event) (interface{}, bool) {
		v := get(e)
		return v, v != ""
	}
}

// KnownField reports whether name is in the closed field set.
func KnownField(name string) bool {
	_, ok := fieldRegistry[name]
	return ok
}

// FieldValue resolves a field. Unknown or unset fields resolve to (nil, false).
func FieldValue(name string, e Event) (interface{}, bool) {
	f, ok := fieldRegistry[name]
	if !ok {
		return nil, false
	}
	v, ok := f(e)
	if !ok {
		return nil, false
	}
	return v, true
}

// FieldMap returns every resolvable field, keyed by name.
func FieldMap(e Event) map[string]interface{} {
	out := make(map[string]interface{}, len(fieldRegistry))
	for name, f := range fieldRegistry {
		if v, ok := f(e); ok {
			out[name] = v
		}
	}
	return out
}

// leadTimeDays counts whole days from the event timestamp until check-in, rounded up.
func leadTimeDays(e Event) (int, bool) {
	if e.Booking.CheckIn.IsZero() || e.Timestamp.IsZero() {
		return 0, false
	}
	hours := e.Booking.CheckIn.Sub(e.Timestamp).Hours()
	return int(math.Ceil(hours / 24)), true
}

func stayNights(e Event) (int, bool) {
	if e.Booking.CheckIn.IsZero() || e.Booking.CheckOut.IsZero() {
		return 0, false
	}
	return int(math.Round(e.Booking.CheckOut.Sub(e.Booking.CheckIn).Hours() / 24)), true
}

func bookingType(e Event) string {
	if lead, ok := leadTimeDays(e); ok && lead <= 1 {
		return BookingTypeLastMinute
	}
	if nights, ok := stayNights(e); ok && nights >= 7 {
		return BookingTypeExtendedStay
	}
	if e.Booking.Amount >= highValueAmount {
		return BookingTypeHighValue
	}
	return BookingTypeStandard
}

// Validate rejects events missing the identifiers the pipeline keys on.
func (e Event) Validate() error {
	missing := func(field string) error {
		return apperrors.ErrValidation.WithDetail("message", field+" is required").WithDetail("field", field)
	}

	if e.BookingID == "" {
		return missing("booking_id")
	}
	if e.PropertyID == "" {
		return missing("property_id")
	}

	switch e.Kind {
	case EventPaymentFailed:
		if e.GuestID == "" {
			return missing("guest_id")
		}
		if e.Booking.Amount < 0 {
			return apperrors.ErrValidation.WithDetail("message", "amount must be non-negative").WithDetail("field", "amount")
		}
	case EventBookingCreated:
		if e.GuestID == "" {
			return missing("guest_id")
		}
		if e.Booking.CheckIn.IsZero() {
			return missing("check_in")
		}
	case EventPaymentSucceeded:
	default:
		return apperrors.ErrValidation.WithDetail("message", "unknown event kind "+string(e.Kind)).WithDetail("field", "kind")
	}

	if e.Timestamp.IsZero() {
		return missing("timestamp")
	}
	return nil
}

// WithTimestamp returns a copy of e stamped at t.
func (e Event) WithTimestamp(t time.Time) Event {
	e.Timestamp = t
	return e
}
