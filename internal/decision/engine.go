package decision

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"concierge/internal/grace"
	"concierge/internal/rules"
)

// State is what the engine knows about the booking beyond the event itself.
type State struct {
	// Grace is the booking's grace record, active or expired; nil when none was granted.
	Grace *grace.GracePeriod
	// RetriesExhausted forces the cascade past the retry step, as after a grace expiry.
	RetriesExhausted bool
}

type Input struct {
	Event  rules.Event
	Config rules.Configuration
	// Rules are the applicable rules in priority order.
	Rules []rules.Rule
	State State
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) {
		e.newID = gen
	}
}

// Engine turns a failure event into a Decision. It performs no I/O.
type Engine struct {
	now   func() time.Time
	newID func() string
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide runs the cascade: exemption, closed booking, default policy, grace, active grace, retry, cancel or escalate.
func (e *Engine) Decide(in Input) Decision {
	now := e.now().UTC()
	d := Decision{
		ID:         e.newID(),
		BookingID:  in.Event.BookingID,
		PropertyID: in.Event.PropertyID,
		EventID:    in.Event.ID,
		DecidedBy:  DecidedBySystem,
		DecidedAt:  now,
		Actions:    []ActionRecord{},
	}

	if m, ok := rules.FindExemption(in.Rules, in.Event); ok {
		d.Kind = KindExempt
		d.RuleID = m.Rule.ID
		d.ExemptionID = m.Exemption.ID
		d.Reason = exemptionReason(m.Exemption)
		if m.Exemption.RequiresApproval {
			d.DecidedBy = DecidedByStaff
		}
		return d
	}

	cfg := in.Config
	g := in.State.Grace

	if g != nil && g.Closed {
		return closedNoop(d)
	}

	if len(in.Rules) == 0 {
		return e.defaultPolicy(d, in, now)
	}
	d.RuleID = in.Rules[0].ID

	if cfg.Grace.Enabled && g == nil {
		tier := in.Event.Guest.LoyaltyTier
		return grantGrace(d, cfg.GraceFor(tier), now, graceReason(tier))
	}

	if g != nil && g.ActiveAt(now) {
		return holdNoop(d, g)
	}

	retry := in.Event.Payment.RetryCount
	if cfg.Retry.Enabled && !in.State.RetriesExhausted && retry < cfg.Retry.MaxRetries {
		delay := cfg.RetryDelay(retry)
		next := now.Add(delay)
		d.Kind = KindRetry
		d.NextReview = &next
		d.Reason = fmt.Sprintf("payment retry %d of %d scheduled in %s", retry+1, cfg.Retry.MaxRetries, delay)
		d.Actions = append(d.Actions,
			pending(rules.ActionRetryPayment, map[string]string{
				ParamRetryCount: strconv.Itoa(retry + 1),
				ParamDelay:      delay.String(),
			}),
		)
		return d
	}

	rule := in.Rules[0]
	d.Offers = offers(cfg, rule, in.Event)

	if cfg.Escalation.Enabled && in.Event.Booking.Amount >= cfg.Escalation.AmountThreshold {
		d.Kind = KindEscalate
		d.Reason = fmt.Sprintf("amount %.2f at or above escalation threshold %.2f",
			in.Event.Booking.Amount, cfg.Escalation.AmountThreshold)
		d.Actions = append(d.Actions,
			pending(rules.ActionNotifyStaff, map[string]string{
				ParamMessage:  fmt.Sprintf("Booking %s needs review: %s", in.Event.BookingID, failureReason(in.Event)),
				ParamTemplate: TemplateEscalated,
			}),
			pending(rules.ActionCreateTask, map[string]string{
				ParamTitle:    "Resolve failed payment for booking " + in.Event.BookingID,
				ParamPriority: cfg.Escalation.TaskPriority,
				ParamAssignee: cfg.Escalation.Assignee,
			}),
		)
		return d
	}

	d.Kind = KindCancel
	d.Reason = failureReason(in.Event)
	for _, a := range rule.Actions {
		d.Actions = append(d.Actions, pending(a.Type, cancelParams(a, d.Reason)))
	}
	return d
}

func (e *Engine) defaultPolicy(d Decision, in Input, now time.Time) Decision {
	cfg := in.Config
	g := in.State.Grace

	if cfg.Grace.Enabled && g == nil {
		return grantGrace(d, cfg.Grace.Default.Std(), now, "no applicable rule; default grace granted")
	}
	if g != nil && g.ActiveAt(now) {
		return holdNoop(d, g)
	}

	d.Kind = KindCancel
	d.Reason = "no applicable rule; " + failureReason(in.Event)
	d.Actions = append(d.Actions,
		pending(rules.ActionNotifyGuest, map[string]string{ParamTemplate: TemplateBookingCancelled}),
		pending(rules.ActionCancelBooking, map[string]string{ParamReason: failureReason(in.Event)}),
	)
	return d
}

func grantGrace(d Decision, dur time.Duration, now time.Time, reason string) Decision {
	deadline := now.Add(dur)
	d.Kind = KindHold
	d.Reason = reason
	d.GraceGranted = rules.Duration(dur)
	d.GraceDeadline = &deadline
	d.NextReview = &deadline
	d.Actions = append(d.Actions,
		pending(rules.ActionNotifyGuest, map[string]string{ParamTemplate: TemplateGraceGranted}),
		pending(rules.ActionHoldRoom, map[string]string{ParamUntil: deadline.Format(time.RFC3339)}),
	)
	return d
}

// holdNoop answers a repeated failure inside a running grace window. The guest was already notified.
func holdNoop(d Decision, g *grace.GracePeriod) Decision {
	deadline := g.Deadline
	d.Kind = KindHold
	d.Reason = "grace period active until " + deadline.UTC().Format(time.RFC3339)
	d.GraceDeadline = &deadline
	d.NextReview = &deadline
	return d
}

// closedNoop answers a repeated failure for a booking that was already cancelled.
func closedNoop(d Decision) Decision {
	d.Kind = KindCancel
	d.Reason = "booking already cancelled"
	return d
}

func offers(cfg rules.Configuration, rule rules.Rule, e rules.Event) []Offer {
	var out []Offer
	amount := e.Booking.Amount
	if cfg.Offers.PaymentPlanThreshold > 0 && amount > cfg.Offers.PaymentPlanThreshold {
		n := cfg.Offers.PaymentPlanInstallments
		if n < 2 {
			n = 2
		}
		out = append(out, Offer{
			Type:              OfferPaymentPlan,
			Installments:      n,
			InstallmentAmount: roundCents(amount / float64(n)),
			Description:       fmt.Sprintf("Pay %.2f %s in %d installments", amount, e.Booking.Currency, n),
		})
	}
	if rule.AllowDateChange {
		out = append(out, Offer{
			Type:        OfferDateChange,
			Description: "Move the stay to other dates",
		})
	}
	return out
}

func cancelParams(a rules.Action, reason string) map[string]string {
	params := make(map[string]string, len(a.Params)+1)
	for k, v := range a.Params {
		params[k] = v
	}
	switch a.Type {
	case rules.ActionCancelBooking:
		if params[ParamReason] == "" {
			params[ParamReason] = reason
		}
	case rules.ActionNotifyGuest:
		if params[ParamTemplate] == "" {
			params[ParamTemplate] = TemplateBookingCancelled
		}
	}
	return params
}

func pending(t rules.ActionType, params map[string]string) ActionRecord {
	return ActionRecord{Type: t, Params: params, Status: ActionPending}
}

func failureReason(e rules.Event) string {
	if r := strings.TrimSpace(e.Payment.FailureReason); r != "" {
		return r
	}
	return "payment failed"
}

func graceReason(tier string) string {
	if tier == "" {
		return "grace period granted"
	}
	return "grace period granted for loyalty tier " + tier
}

func exemptionReason(ex rules.Exemption) string {
	if ex.Reason != "" {
		return ex.Reason
	}
	if ex.Name != "" {
		return "exempt: " + ex.Name
	}
	return "exempt: " + ex.ID
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
