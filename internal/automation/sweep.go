package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"concierge/internal/clients"
	"concierge/internal/grace"
	"concierge/internal/notification"
	"concierge/internal/rules"
	"concierge/internal/scheduler"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/logging"
	"concierge/pkg/tracing"
)

var _ scheduler.Handler = (*Service)(nil)

// ExpireGrace handles a grace period whose deadline passed. A settled payment resolves the booking;
// otherwise the failure goes back through the engine with retries exhausted.
func (s *Service) ExpireGrace(ctx context.Context, due grace.GracePeriod) (string, error) {
	unlock := s.locks.Lock(due.BookingID)
	defer unlock()

	ctx = logging.WithBooking(ctx, due.BookingID, due.PropertyID)
	ctx, span := tracing.StartBookingSpan(ctx, "automation.grace_expired", due.BookingID, due.PropertyID)
	defer span.End()

	now := s.now().UTC()

	// a payment success may have won the race since the sweep listed this record
	g, found, err := s.deps.Graces.Get(ctx, due.BookingID)
	if err != nil {
		return "", err
	}
	if !found || g.Expired || now.Before(g.Deadline) {
		return scheduler.OutcomeSkipped, nil
	}

	settled, err := s.paymentSettled(ctx, g.BookingID)
	if err != nil {
		return "", err
	}
	if settled {
		if err := s.resolve(ctx, g.BookingID); err != nil {
			return "", err
		}
		s.logger.InfowCtx(ctx, "Payment settled during grace period")
		return scheduler.OutcomeResolved, nil
	}

	ev, found, err := s.deps.History.LastFailureEvent(ctx, g.BookingID)
	if err != nil {
		return "", err
	}
	if !found {
		ev = rules.Event{
			ID:         g.DecisionID,
			Kind:       rules.EventPaymentFailed,
			BookingID:  g.BookingID,
			PropertyID: g.PropertyID,
		}
	}
	ev.Timestamp = now

	s.logger.InfowCtx(ctx, "Grace period expired unpaid", "deadline", g.Deadline)
	// the record stays due until the re-entry is decided, so a failed attempt is picked up by the next sweep
	if _, err := s.processFailure(ctx, ev, true); err != nil {
		return "", tracing.RecordError(span, err)
	}
	if err := s.deps.Graces.MarkExpired(ctx, g.BookingID); err != nil && !apperrors.IsNotFound(err) {
		return "", tracing.RecordError(span, fmt.Errorf("failed to expire grace period: %w", err))
	}
	return scheduler.OutcomeReentered, nil
}

// RunJob executes one due job under the booking lock.
func (s *Service) RunJob(ctx context.Context, job scheduler.Job) (string, error) {
	unlock := s.locks.Lock(job.BookingID)
	defer unlock()

	ctx = logging.WithBooking(ctx, job.BookingID, job.PropertyID)
	ctx, span := tracing.StartBookingSpan(ctx, "automation.job."+string(job.Kind), job.BookingID, job.PropertyID)
	defer span.End()

	ev, err := jobEvent(job)
	if err != nil {
		return "", err
	}

	switch job.Kind {
	case scheduler.JobFollowUp:
		return s.runFollowUp(ctx, job, ev)
	case scheduler.JobRetryPayment:
		return s.runRetry(ctx, job, ev)
	case scheduler.JobEscalation:
		return s.runEscalation(ctx, job, ev)
	}

	s.logger.WarnwCtx(ctx, "Skipping job of unknown kind", "job_id", job.ID, "kind", job.Kind)
	return scheduler.OutcomeSkipped, nil
}

func (s *Service) runFollowUp(ctx context.Context, job scheduler.Job, ev rules.Event) (string, error) {
	cfg, err := s.deps.Configs.Active(ctx, job.PropertyID)
	if err != nil {
		return "", err
	}
	trigger := job.Payload[scheduler.PayloadTrigger]
	if trigger == "" {
		trigger = s.deps.FollowUpTrigger
	}

	results, err := s.notify(ctx, notification.Request{Trigger: trigger, Event: ev, Config: cfg})
	if err != nil {
		return "", err
	}
	for _, r := range results {
		if r.Success {
			return scheduler.OutcomeDone, nil
		}
	}
	return "", fmt.Errorf("follow-up %s was not delivered on any channel", trigger)
}

// runRetry re-checks the payment. Unpaid, it asks for another charge attempt and, if that does not
// settle it, feeds a new failure with the higher retry count to the engine.
func (s *Service) runRetry(ctx context.Context, job scheduler.Job, ev rules.Event) (string, error) {
	settled, err := s.paymentSettled(ctx, job.BookingID)
	if err != nil {
		return "", err
	}
	if settled {
		if err := s.resolve(ctx, job.BookingID); err != nil {
			return "", err
		}
		return scheduler.OutcomeResolved, nil
	}

	attempt := ev.Payment.RetryCount + 1
	if raw := job.Payload[scheduler.PayloadRetryCount]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "", fmt.Errorf("invalid retry count %q: %w", raw, err)
		}
		attempt = n
	}

	if err := s.deps.Bookings.RetryPayment(ctx, job.BookingID, attempt); err != nil {
		return "", err
	}
	settled, err = s.paymentSettled(ctx, job.BookingID)
	if err != nil {
		return "", err
	}
	if settled {
		if err := s.resolve(ctx, job.BookingID); err != nil {
			return "", err
		}
		return scheduler.OutcomeResolved, nil
	}

	ev.ID = job.ID
	ev.Kind = rules.EventPaymentFailed
	ev.Payment.RetryCount = attempt
	ev.Timestamp = s.now().UTC()
	if _, err := s.processFailure(ctx, ev, false); err != nil {
		return "", err
	}
	return scheduler.OutcomeReentered, nil
}

func (s *Service) runEscalation(ctx context.Context, job scheduler.Job, ev rules.Event) (string, error) {
	settled, err := s.paymentSettled(ctx, job.BookingID)
	if err != nil {
		return "", err
	}
	if settled {
		if err := s.resolve(ctx, job.BookingID); err != nil {
			return "", err
		}
		return scheduler.OutcomeResolved, nil
	}

	msg := fmt.Sprintf("Booking %s is still unpaid after escalation", job.BookingID)
	if reason := job.Payload[scheduler.PayloadMessage]; reason != "" {
		msg += ": " + reason
	}
	err = s.deps.Staff.NotifyStaff(ctx, clients.StaffNotification{
		PropertyID: job.PropertyID,
		BookingID:  job.BookingID,
		Severity:   "high",
		Message:    msg,
	})
	if err != nil {
		return "", err
	}
	return scheduler.OutcomeDone, nil
}

func (s *Service) paymentSettled(ctx context.Context, bookingID string) (bool, error) {
	status, err := s.deps.Bookings.PaymentStatus(ctx, bookingID)
	if err != nil {
		return false, fmt.Errorf("failed to check payment status: %w", err)
	}
	return status.Settled(), nil
}

func jobEvent(job scheduler.Job) (rules.Event, error) {
	ev := rules.Event{BookingID: job.BookingID, PropertyID: job.PropertyID}
	raw := job.Payload[scheduler.PayloadEvent]
	if raw == "" {
		return ev, nil
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return rules.Event{}, fmt.Errorf("failed to decode job event: %w", err)
	}
	return ev, nil
}
