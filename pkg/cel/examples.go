package cel

// PredicateExamples are trigger predicates accepted by the automation rule editor.
var PredicateExamples = map[string]string{
	"card_declined":      `payment.method == "card" && payment.failure_code == "card_declined"`,
	"high_value":         `booking.amount >= 5000.0`,
	"first_attempt":      `payment.retry_count == 0`,
	"vip_guest":          `guest.loyalty_tier in ["gold", "platinum"]`,
	"last_minute":        `fields.booking_type == "last_minute"`,
	"reason_contains":    `payment.failure_reason.contains("timeout")`,
	"has_loyalty_tier":   `has(guest.loyalty_tier) && guest.loyalty_tier != ""`,
	"long_stay_discount": `fields.stay_length >= 7 && booking.currency == "EUR"`,
}
