package executor

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"concierge/internal/decision"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
)

// Target is what every action operates on.
type Target struct {
	Decision decision.Decision
	Event    rules.Event
}

// Handlers performs the side effect of each action variant.
// Adding a variant means adding a method here, so every implementation must handle it.
type Handlers interface {
	CancelBooking(ctx context.Context, t Target, a CancelBooking) error
	HoldRoom(ctx context.Context, t Target, a HoldRoom) error
	NotifyGuest(ctx context.Context, t Target, a NotifyGuest) error
	NotifyStaff(ctx context.Context, t Target, a NotifyStaff) error
	CreateTask(ctx context.Context, t Target, a CreateTask) error
	ApplyPenalty(ctx context.Context, t Target, a ApplyPenalty) error
	RetryPayment(ctx context.Context, t Target, a RetryPayment) error
}

// Action is one decoded decision action. The set of implementations is closed to this package.
type Action interface {
	Type() rules.ActionType
	run(ctx context.Context, h Handlers, t Target) error
}

type CancelBooking struct {
	Reason string
}

type HoldRoom struct {
	Until  time.Time
	Reason string
}

type NotifyGuest struct {
	Template string
}

type NotifyStaff struct {
	Message  string
	Template string
}

type CreateTask struct {
	Title    string
	Priority string
	Assignee string
}

type ApplyPenalty struct {
	Amount float64
	Reason string
}

type RetryPayment struct {
	RetryCount int
	Delay      time.Duration
}

func (CancelBooking) Type() rules.ActionType { return rules.ActionCancelBooking }
func (HoldRoom) Type() rules.ActionType      { return rules.ActionHoldRoom }
func (NotifyGuest) Type() rules.ActionType   { return rules.ActionNotifyGuest }
func (NotifyStaff) Type() rules.ActionType   { return rules.ActionNotifyStaff }
func (CreateTask) Type() rules.ActionType    { return rules.ActionCreateTask }
func (ApplyPenalty) Type() rules.ActionType  { return rules.ActionApplyPenalty }
func (RetryPayment) Type() rules.ActionType  { return rules.ActionRetryPayment }

func (a CancelBooking) run(ctx context.Context, h Handlers, t Target) error {
	return h.CancelBooking(ctx, t, a)
}

func (a HoldRoom) run(ctx context.Context, h Handlers, t Target) error {
	return h.HoldRoom(ctx, t, a)
}

func (a NotifyGuest) run(ctx context.Context, h Handlers, t Target) error {
	return h.NotifyGuest(ctx, t, a)
}

func (a NotifyStaff) run(ctx context.Context, h Handlers, t Target) error {
	return h.NotifyStaff(ctx, t, a)
}

func (a CreateTask) run(ctx context.Context, h Handlers, t Target) error {
	return h.CreateTask(ctx, t, a)
}

func (a ApplyPenalty) run(ctx context.Context, h Handlers, t Target) error {
	return h.ApplyPenalty(ctx, t, a)
}

func (a RetryPayment) run(ctx context.Context, h Handlers, t Target) error {
	return h.RetryPayment(ctx, t, a)
}

// ErrUnknownAction marks a record whose type has no variant.
var ErrUnknownAction = apperrors.NewError("UNKNOWN_ACTION", "unknown action type", http.StatusBadRequest)

// Decode turns a stored action record into its variant.
func Decode(rec decision.ActionRecord) (Action, error) {
	p := rec.Params
	switch rec.Type {
	case rules.ActionCancelBooking:
		return CancelBooking{Reason: p[decision.ParamReason]}, nil
	case rules.ActionHoldRoom:
		a := HoldRoom{Reason: p[decision.ParamReason]}
		if raw := p[decision.ParamUntil]; raw != "" {
			until, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, fmt.Errorf("hold_room: invalid until %q: %w", raw, err)
			}
			a.Until = until
		}
		return a, nil
	case rules.ActionNotifyGuest:
		return NotifyGuest{Template: p[decision.ParamTemplate]}, nil
	case rules.ActionNotifyStaff:
		return NotifyStaff{Message: p[decision.ParamMessage], Template: p[decision.ParamTemplate]}, nil
	case rules.ActionCreateTask:
		return CreateTask{
			Title:    p[decision.ParamTitle],
			Priority: p[decision.ParamPriority],
			Assignee: p[decision.ParamAssignee],
		}, nil
	case rules.ActionApplyPenalty:
		a := ApplyPenalty{Reason: p[decision.ParamReason]}
		if raw := p[decision.ParamAmount]; raw != "" {
			amount, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("apply_penalty: invalid amount %q: %w", raw, err)
			}
			a.Amount = amount
		}
		return a, nil
	case rules.ActionRetryPayment:
		a := RetryPayment{}
		if raw := p[decision.ParamRetryCount]; raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("retry_payment: invalid retry_count %q: %w", raw, err)
			}
			a.RetryCount = n
		}
		if raw := p[decision.ParamDelay]; raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("retry_payment: invalid delay %q: %w", raw, err)
			}
			a.Delay = d
		}
		return a, nil
	}
	return nil, ErrUnknownAction.WithDetail("type", string(rec.Type))
}
