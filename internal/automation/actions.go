package automation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"concierge/internal/clients"
	"concierge/internal/decision"
	"concierge/internal/executor"
	"concierge/internal/notification"
	"concierge/internal/scheduler"
	apperrors "concierge/pkg/errors"
)

// actionHandlers carries out decision actions against the collaborators.
type actionHandlers struct {
	svc *Service
}

var _ executor.Handlers = (*actionHandlers)(nil)

func (h *actionHandlers) CancelBooking(ctx context.Context, t executor.Target, a executor.CancelBooking) error {
	reason := a.Reason
	if reason == "" {
		reason = t.Decision.Reason
	}
	return h.svc.deps.Bookings.Cancel(ctx, t.Event.BookingID, reason)
}

func (h *actionHandlers) HoldRoom(ctx context.Context, t executor.Target, a executor.HoldRoom) error {
	until := a.Until
	if until.IsZero() && t.Decision.GraceDeadline != nil {
		until = *t.Decision.GraceDeadline
	}
	if until.IsZero() {
		return apperrors.ErrAction.WithDetail("message", "hold_room needs a deadline")
	}
	reason := a.Reason
	if reason == "" {
		reason = t.Decision.Reason
	}
	return h.svc.deps.Bookings.Hold(ctx, t.Event.BookingID, until, reason)
}

// NotifyGuest fails only when no channel delivered the message.
func (h *actionHandlers) NotifyGuest(ctx context.Context, t executor.Target, a executor.NotifyGuest) error {
	cfg, err := h.svc.deps.Configs.Active(ctx, t.Event.PropertyID)
	if err != nil {
		return err
	}

	results, err := h.svc.notify(ctx, notification.Request{
		Trigger:    a.Template,
		Event:      t.Event,
		Config:     cfg,
		DecisionID: t.Decision.ID,
		Extra:      decisionVariables(t.Decision),
	})
	if err != nil {
		return err
	}

	var errs []string
	for _, r := range results {
		if r.Success {
			return nil
		}
		errs = append(errs, fmt.Sprintf("%s: %s", r.Channel, r.Error))
	}
	return apperrors.ErrDelivery.
		WithDetail("message", "no channel delivered the notification").
		WithDetail("channels", strings.Join(errs, "; "))
}

func (h *actionHandlers) NotifyStaff(ctx context.Context, t executor.Target, a executor.NotifyStaff) error {
	cfg, err := h.svc.deps.Configs.Active(ctx, t.Event.PropertyID)
	if err != nil {
		return err
	}
	msg := a.Message
	if msg == "" {
		msg = fmt.Sprintf("Booking %s: %s", t.Event.BookingID, t.Decision.Reason)
	}
	return h.svc.deps.Staff.NotifyStaff(ctx, clients.StaffNotification{
		PropertyID: t.Event.PropertyID,
		BookingID:  t.Event.BookingID,
		Channel:    cfg.Notification.StaffChannel,
		Severity:   severity(t.Decision.Kind),
		Message:    msg,
	})
}

func (h *actionHandlers) CreateTask(ctx context.Context, t executor.Target, a executor.CreateTask) error {
	title := a.Title
	if title == "" {
		title = "Follow up on booking " + t.Event.BookingID
	}
	id, err := h.svc.deps.Tasks.CreateTask(ctx, clients.Task{
		Title:       title,
		Description: t.Decision.Reason,
		BookingID:   t.Event.BookingID,
		PropertyID:  t.Event.PropertyID,
		Priority:    a.Priority,
		Assignee:    a.Assignee,
	})
	if err != nil {
		return err
	}
	h.svc.logger.InfowCtx(ctx, "Task created", "task_id", id, "decision_id", t.Decision.ID)
	return nil
}

func (h *actionHandlers) ApplyPenalty(ctx context.Context, t executor.Target, a executor.ApplyPenalty) error {
	if a.Amount <= 0 {
		return apperrors.ErrAction.WithDetail("message", "apply_penalty needs a positive amount")
	}
	reason := a.Reason
	if reason == "" {
		reason = t.Decision.Reason
	}
	return h.svc.deps.Bookings.ApplyPenalty(ctx, t.Event.BookingID, a.Amount, reason)
}

// RetryPayment schedules the payment re-check; the sweep runs it once the delay has passed.
func (h *actionHandlers) RetryPayment(ctx context.Context, t executor.Target, a executor.RetryPayment) error {
	due := t.Decision.DecidedAt.Add(a.Delay)
	if t.Decision.NextReview != nil {
		due = *t.Decision.NextReview
	}

	job, err := h.svc.newJob(scheduler.JobRetryPayment, t.Event, t.Decision.ID, due, map[string]string{
		scheduler.PayloadRetryCount: strconv.Itoa(a.RetryCount),
	})
	if err != nil {
		return err
	}
	job.ID = t.Decision.ID + ":retry"
	return h.svc.schedule(ctx, job)
}

func decisionVariables(d decision.Decision) map[string]string {
	vars := map[string]string{
		VarDecisionReason: d.Reason,
	}
	if d.GraceDeadline != nil {
		vars[VarGraceDeadline] = d.GraceDeadline.Format(time.RFC1123)
	}
	for _, o := range d.Offers {
		if o.Type == decision.OfferPaymentPlan {
			vars[VarPaymentPlan] = o.Description
		}
	}
	return vars
}

func severity(k decision.Kind) string {
	if k == decision.KindEscalate {
		return "high"
	}
	return "normal"
}
