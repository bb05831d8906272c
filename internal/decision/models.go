package decision

import (
	"time"

	"concierge/internal/rules"
)

type Kind string

const (
	KindHold     Kind = "hold"
	KindRetry    Kind = "retry"
	KindCancel   Kind = "cancel"
	KindEscalate Kind = "escalate"
	KindExempt   Kind = "exempt"
)

const (
	DecidedBySystem = "system"
	DecidedByStaff  = "staff"
)

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// Params understood by the action handlers.
const (
	ParamTemplate   = "template"
	ParamReason     = "reason"
	ParamUntil      = "until"
	ParamRetryCount = "retry_count"
	ParamDelay      = "delay"
	ParamMessage    = "message"
	ParamTitle      = "title"
	ParamPriority   = "priority"
	ParamAssignee   = "assignee"
	ParamAmount     = "amount"
)

// Notification template triggers used by decision actions.
const (
	TemplateGraceGranted     = "payment_grace"
	TemplateRetryScheduled   = "payment_retry"
	TemplateBookingCancelled = "booking_cancelled"
	TemplateEscalated        = "payment_escalated"
)

// ActionRecord is one action of a decision and its execution state.
type ActionRecord struct {
	Type        rules.ActionType  `json:"type"`
	Params      map[string]string `json:"params,omitempty"`
	Status      ActionStatus      `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

type OfferType string

const (
	OfferPaymentPlan OfferType = "payment_plan"
	OfferDateChange  OfferType = "date_change"
)

type Offer struct {
	Type              OfferType `json:"type"`
	Installments      int       `json:"installments,omitempty"`
	InstallmentAmount float64   `json:"installment_amount,omitempty"`
	Description       string    `json:"description"`
}

// Decision is the outcome of evaluating one event. It is appended to history once;
// only the action statuses change afterwards.
type Decision struct {
	ID            string         `json:"id"`
	BookingID     string         `json:"booking_id"`
	PropertyID    string         `json:"property_id"`
	EventID       string         `json:"event_id,omitempty"`
	Kind          Kind           `json:"kind"`
	Reason        string         `json:"reason"`
	RuleID        string         `json:"rule_id,omitempty"`
	ExemptionID   string         `json:"exemption_id,omitempty"`
	GraceGranted  rules.Duration `json:"grace_granted,omitempty"`
	GraceDeadline *time.Time     `json:"grace_deadline,omitempty"`
	Actions       []ActionRecord `json:"actions"`
	Offers        []Offer        `json:"offers,omitempty"`
	NextReview    *time.Time     `json:"next_review,omitempty"`
	DecidedBy     string         `json:"decided_by"`
	DecidedAt     time.Time      `json:"decided_at"`
}

// Terminal reports whether the decision ends the failure episode.
func (d Decision) Terminal() bool {
	return d.Kind == KindCancel || d.Kind == KindExempt || d.Kind == KindEscalate
}

// Failed lists the actions that did not complete.
func (d Decision) Failed() []ActionRecord {
	var out []ActionRecord
	for _, a := range d.Actions {
		if a.Status == ActionFailed {
			out = append(out, a)
		}
	}
	return out
}
