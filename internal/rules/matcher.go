package rules

import (
	"context"
	"sort"
	"strings"

	"concierge/internal/logger"
	"concierge/pkg/cel"
)

type triggerDef struct {
	kind      EventKind
	predicate func(Event) bool
}

var builtinTriggers = map[string]triggerDef{
	"payment_failed":     {kind: EventPaymentFailed},
	"payment_timeout":    {kind: EventPaymentFailed, predicate: reasonContains("timeout")},
	"payment_declined":   {kind: EventPaymentFailed, predicate: reasonContains("declin")},
	"insufficient_funds": {kind: EventPaymentFailed, predicate: reasonContains("insufficient")},
	"booking_created":    {kind: EventBookingCreated},
	"booking_confirmed":  {kind: EventBookingCreated},
}

func reasonContains(s string) func(Event) bool {
	return func(e Event) bool {
		return strings.Contains(strings.ToLower(e.Payment.FailureReason), s)
	}
}

// KnownTrigger reports whether name maps to an event kind.
func KnownTrigger(name string) bool {
	_, ok := builtinTriggers[name]
	return ok
}

// Matcher finds the rules that fire for an event.
type Matcher struct {
	cel    *cel.Evaluator
	logger logger.Logger
}

// NewMatcher builds a Matcher. eval may be nil, in which case triggers carrying a CEL expression never match.
func NewMatcher(eval *cel.Evaluator, log logger.Logger) *Matcher {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Matcher{cel: eval, logger: log}
}

// MatchTrigger is true when any trigger of r names the event kind and its predicates hold.
func (m *Matcher) MatchTrigger(ctx context.Context, r Rule, e Event) bool {
	for _, t := range r.Triggers {
		if m.triggerMatches(ctx, r, t, e) {
			return true
		}
	}
	return false
}

func (m *Matcher) triggerMatches(ctx context.Context, r Rule, t Trigger, e Event) bool {
	def, ok := builtinTriggers[t.Event]
	if !ok {
		def = triggerDef{kind: EventKind(t.Event)}
	}
	if def.kind != e.Kind {
		return false
	}
	if def.predicate != nil && !def.predicate(e) {
		return false
	}
	if t.Expression == "" {
		return true
	}
	if m.cel == nil {
		return false
	}

	matched, err := m.cel.EvaluatePredicate(ctx, t.Expression, Activation(e))
	if err != nil {
		m.logger.WarnwCtx(ctx, "Trigger expression failed, treating as no match",
			"rule_id", r.ID,
			"expression", t.Expression,
			"error", err,
		)
		return false
	}
	return matched
}

// Fires reports whether r is active, triggered by e, and all its conditions hold.
func (m *Matcher) Fires(ctx context.Context, r Rule, e Event) bool {
	return r.Active && m.MatchTrigger(ctx, r, e) && Evaluate(r.Conditions, e)
}

// Applicable returns the firing rules ordered by priority, then condition weight, then id.
func (m *Matcher) Applicable(ctx context.Context, rules []Rule, e Event) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if m.Fires(ctx, r, e) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if wi, wj := out[i].weight(), out[j].weight(); wi != wj {
			return wi > wj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ExemptionMatch is the first exemption that matched, with the rule carrying it.
type ExemptionMatch struct {
	Rule      Rule
	Exemption Exemption
}

// FindExemption walks rules in the given order and returns the first exemption whose conditions hold.
func FindExemption(rules []Rule, e Event) (ExemptionMatch, bool) {
	for _, r := range rules {
		for _, ex := range r.Exemptions {
			if Evaluate(ex.Conditions, e) {
				return ExemptionMatch{Rule: r, Exemption: ex}, true
			}
		}
	}
	return ExemptionMatch{}, false
}

// Activation exposes the event to CEL predicates.
func Activation(e Event) cel.Activation {
	return cel.Activation{
		Kind:   string(e.Kind),
		Fields: FieldMap(e),
		Guest: map[string]interface{}{
			"id":           e.GuestID,
			"name":         e.Guest.Name,
			"language":     e.Guest.Language,
			"type":         e.Guest.Type,
			"loyalty_tier": e.Guest.LoyaltyTier,
		},
		Booking: map[string]interface{}{
			"id":                  e.BookingID,
			"property_id":         e.PropertyID,
			"confirmation_number": e.Booking.ConfirmationNumber,
			"room_type":           e.Booking.RoomType,
			"amount":              e.Booking.Amount,
			"currency":            e.Booking.Currency,
		},
		Payment: map[string]interface{}{
			"status":         e.Payment.Status,
			"method":         e.Payment.Method,
			"failure_reason": e.Payment.FailureReason,
			"failure_code":   e.Payment.FailureCode,
			"retry_count":    int64(e.Payment.RetryCount),
		},
	}
}
