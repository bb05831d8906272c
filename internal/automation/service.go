package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"concierge/internal/broker"
	"concierge/internal/clients"
	"concierge/internal/constants"
	"concierge/internal/decision"
	"concierge/internal/executor"
	"concierge/internal/grace"
	"concierge/internal/history"
	"concierge/internal/logger"
	"concierge/internal/notification"
	"concierge/internal/rules"
	"concierge/internal/scheduler"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/logging"
	"concierge/pkg/metrics"
	"concierge/pkg/models"
	"concierge/pkg/tracing"
)

// TriggerBookingConfirmation is the template trigger sent when a booking is created.
const TriggerBookingConfirmation = "booking_confirmation"

// Extra template variables set by the service.
const (
	VarGraceDeadline  = "grace_deadline"
	VarDecisionReason = "decision_reason"
	VarPaymentPlan    = "payment_plan"
)

type ConfigProvider interface {
	Active(ctx context.Context, propertyID string) (rules.Configuration, error)
}

// Dependencies are the collaborators of the Service. Guests, Properties and Producer are optional.
type Dependencies struct {
	Configs    ConfigProvider
	Matcher    *rules.Matcher
	Engine     *decision.Engine
	Graces     grace.Store
	Jobs       scheduler.Store
	History    history.Store
	Dispatcher *notification.Dispatcher
	Ledger     executor.Ledger

	Bookings   clients.BookingService
	Guests     clients.GuestService
	Tasks      clients.TaskService
	Staff      clients.StaffNotifier
	Properties clients.PropertyDirectory

	Producer      broker.Producer
	DecisionTopic string

	FollowUpTrigger string
	Logger          logger.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		s.newID = gen
	}
}

// Service turns booking and payment events into decisions, executes them and keeps history.
// Work for one booking is serialized, so a payment success never races a sweep re-entry.
type Service struct {
	deps     Dependencies
	executor *executor.Executor
	locks    *bookingLocks
	logger   logger.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(deps Dependencies, opts ...Option) *Service {
	s := &Service{
		deps:   deps,
		locks:  newBookingLocks(),
		logger: deps.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	if s.logger == nil {
		s.logger = logger.NopLogger()
	}
	if s.deps.FollowUpTrigger == "" {
		s.deps.FollowUpTrigger = constants.DefaultFollowUpTrigger
	}
	for _, opt := range opts {
		opt(s)
	}

	execOpts := []executor.Option{executor.WithClock(s.now)}
	if deps.Ledger != nil {
		execOpts = append(execOpts, executor.WithLedger(deps.Ledger))
	}
	s.executor = executor.New(&actionHandlers{svc: s}, s.logger, execOpts...)
	return s
}

// HandlePaymentFailure decides what to do about a failed payment and carries it out.
func (s *Service) HandlePaymentFailure(ctx context.Context, ev rules.Event) (decision.Decision, error) {
	if ev.Kind == "" {
		ev.Kind = rules.EventPaymentFailed
	}
	if ev.Kind != rules.EventPaymentFailed {
		return decision.Decision{}, apperrors.ErrValidation.WithDetail("message", "expected a payment_failed event")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	if err := ev.Validate(); err != nil {
		metrics.IncEvent(string(ev.Kind), "invalid")
		return decision.Decision{}, err
	}

	unlock := s.locks.Lock(ev.BookingID)
	defer unlock()

	ctx, span := tracing.StartBookingSpan(ctx, "automation.payment_failed", ev.BookingID, ev.PropertyID)
	defer span.End()

	d, err := s.processFailure(ctx, ev, false)
	if err != nil {
		metrics.IncEvent(string(ev.Kind), "error")
		return decision.Decision{}, tracing.RecordError(span, err)
	}
	span.SetAttributes(tracing.AttrOutcome.String(string(d.Kind)))
	metrics.IncEvent(string(ev.Kind), "success")
	return d, nil
}

// HandlePaymentSucceeded resolves the booking: its grace record and pending jobs are dropped.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, ev rules.Event) error {
	if ev.Kind == "" {
		ev.Kind = rules.EventPaymentSucceeded
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	if err := ev.Validate(); err != nil {
		metrics.IncEvent(string(rules.EventPaymentSucceeded), "invalid")
		return err
	}

	unlock := s.locks.Lock(ev.BookingID)
	defer unlock()

	ctx = logging.WithBooking(ctx, ev.BookingID, ev.PropertyID)
	ctx, span := tracing.StartBookingSpan(ctx, "automation.payment_succeeded", ev.BookingID, ev.PropertyID)
	defer span.End()

	if err := s.resolve(ctx, ev.BookingID); err != nil {
		metrics.IncEvent(string(ev.Kind), "error")
		return tracing.RecordError(span, err)
	}

	s.logger.InfowCtx(ctx, "Payment succeeded, booking resolved")
	metrics.IncEvent(string(ev.Kind), "success")
	return nil
}

// HandleBookingConfirmation sends the confirmation message and schedules the configured follow-ups.
func (s *Service) HandleBookingConfirmation(ctx context.Context, ev rules.Event) ([]notification.Result, error) {
	if ev.Kind == "" {
		ev.Kind = rules.EventBookingCreated
	}
	if ev.Kind != rules.EventBookingCreated {
		return nil, apperrors.ErrValidation.WithDetail("message", "expected a booking_created event")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	if err := ev.Validate(); err != nil {
		metrics.IncEvent(string(ev.Kind), "invalid")
		return nil, err
	}

	unlock := s.locks.Lock(ev.BookingID)
	defer unlock()

	ctx = logging.WithBooking(ctx, ev.BookingID, ev.PropertyID)
	cfg, err := s.deps.Configs.Active(ctx, ev.PropertyID)
	if err != nil {
		metrics.IncEvent(string(ev.Kind), "error")
		return nil, err
	}

	results, err := s.notify(ctx, notification.Request{
		Trigger: TriggerBookingConfirmation,
		Event:   ev,
		Config:  cfg,
	})
	if err != nil {
		metrics.IncEvent(string(ev.Kind), "error")
		return nil, err
	}

	if err := s.scheduleFollowUps(ctx, cfg, ev); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to schedule follow-ups", "error", err)
	}

	metrics.IncEvent(string(ev.Kind), "success")
	return results, nil
}

// processFailure runs one failure through the engine. The caller holds the booking lock.
func (s *Service) processFailure(ctx context.Context, ev rules.Event, retriesExhausted bool) (decision.Decision, error) {
	start := s.now()
	ctx = logging.WithBooking(ctx, ev.BookingID, ev.PropertyID)

	cfg, err := s.deps.Configs.Active(ctx, ev.PropertyID)
	if err != nil {
		return decision.Decision{}, err
	}

	ev = s.withLoyaltyTier(ctx, ev)
	applicable := s.deps.Matcher.Applicable(ctx, cfg.Rules, ev)

	d, err := s.decide(ctx, ev, cfg, applicable, retriesExhausted)
	if err != nil {
		return decision.Decision{}, err
	}

	if err := s.deps.History.AppendDecision(ctx, d, ev); err != nil {
		return decision.Decision{}, fmt.Errorf("failed to record decision: %w", err)
	}

	executed := s.executor.Execute(ctx, d, ev)
	if len(executed.Actions) > 0 {
		if err := s.deps.History.UpdateActions(ctx, executed.ID, executed.Actions); err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to record action outcomes", "decision_id", executed.ID, "error", err)
		}
	}

	s.afterDecision(ctx, executed, ev)

	metrics.IncDecision(string(executed.Kind), executed.DecidedBy)
	metrics.ObserveDecisionDuration(string(executed.Kind), s.now().Sub(start))
	s.logger.InfowCtx(ctx, "Payment failure decided",
		"decision_id", executed.ID,
		"kind", executed.Kind,
		"reason", executed.Reason,
		"rule_id", executed.RuleID,
		"failed_actions", len(executed.Failed()),
	)

	s.publishDecision(ctx, executed)
	return executed, nil
}

// decide asks the engine and records a granted grace period. If another instance granted one first,
// the decision is taken again against that record.
func (s *Service) decide(ctx context.Context, ev rules.Event, cfg rules.Configuration, applicable []rules.Rule, retriesExhausted bool) (decision.Decision, error) {
	for attempt := 0; attempt < 2; attempt++ {
		state := decision.State{RetriesExhausted: retriesExhausted}
		g, found, err := s.deps.Graces.Get(ctx, ev.BookingID)
		if err != nil {
			return decision.Decision{}, fmt.Errorf("failed to read grace period: %w", err)
		}
		if found {
			state.Grace = &g
		}

		d := s.deps.Engine.Decide(decision.Input{Event: ev, Config: cfg, Rules: applicable, State: state})
		if found || d.GraceDeadline == nil {
			return d, nil
		}

		created, err := s.deps.Graces.Create(ctx, grace.GracePeriod{
			BookingID:  ev.BookingID,
			PropertyID: ev.PropertyID,
			DecisionID: d.ID,
			GrantedAt:  d.DecidedAt,
			Deadline:   *d.GraceDeadline,
		})
		if err != nil {
			return decision.Decision{}, fmt.Errorf("failed to record grace period: %w", err)
		}
		if created {
			return d, nil
		}
	}
	return decision.Decision{}, apperrors.ErrConflict.
		WithDetail("message", "grace period changed concurrently").
		WithDetail("booking_id", ev.BookingID)
}

func (s *Service) afterDecision(ctx context.Context, d decision.Decision, ev rules.Event) {
	switch d.Kind {
	case decision.KindCancel:
		if cancelFailed(d) {
			s.logger.WarnwCtx(ctx, "Booking cancellation failed, leaving it open", "decision_id", d.ID)
			return
		}
		if err := s.closeBooking(ctx, d); err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to close cancelled booking", "error", err)
		}
	case decision.KindEscalate:
		job, err := s.newJob(scheduler.JobEscalation, ev, d.ID, d.DecidedAt.Add(constants.EscalationReminderDelay), map[string]string{
			scheduler.PayloadMessage: d.Reason,
		})
		if err == nil {
			err = s.schedule(ctx, job)
		}
		if err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to schedule escalation reminder", "error", err)
		}
	}
}

// closeBooking leaves a terminal marker for a cancelled booking and drops its pending jobs.
// Later failures for it decide to an action-less cancel until a payment success resolves it.
func (s *Service) closeBooking(ctx context.Context, d decision.Decision) error {
	err := s.deps.Graces.Close(ctx, grace.GracePeriod{
		BookingID:  d.BookingID,
		PropertyID: d.PropertyID,
		DecisionID: d.ID,
		GrantedAt:  d.DecidedAt,
		Deadline:   d.DecidedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to close grace period: %w", err)
	}
	return s.cancelJobs(ctx, d.BookingID)
}

func cancelFailed(d decision.Decision) bool {
	for _, a := range d.Failed() {
		if a.Type == rules.ActionCancelBooking {
			return true
		}
	}
	return false
}

// resolve ends the failure episode of a booking. The caller holds the booking lock.
func (s *Service) resolve(ctx context.Context, bookingID string) error {
	if err := s.deps.Graces.Delete(ctx, bookingID); err != nil {
		return fmt.Errorf("failed to delete grace period: %w", err)
	}
	return s.cancelJobs(ctx, bookingID)
}

func (s *Service) cancelJobs(ctx context.Context, bookingID string) error {
	n, err := s.deps.Jobs.CancelPending(ctx, bookingID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cancel pending jobs: %w", err)
	}
	if n > 0 {
		s.logger.InfowCtx(ctx, "Cancelled pending jobs", "count", n)
	}
	return nil
}

func (s *Service) withLoyaltyTier(ctx context.Context, ev rules.Event) rules.Event {
	if ev.Guest.LoyaltyTier != "" || s.deps.Guests == nil || ev.GuestID == "" {
		return ev
	}
	tier, err := s.deps.Guests.LoyaltyTier(ctx, ev.GuestID)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to look up loyalty tier, using default grace", "guest_id", ev.GuestID, "error", err)
		return ev
	}
	ev.Guest.LoyaltyTier = tier
	return ev
}

// notify dispatches req and records every channel result.
func (s *Service) notify(ctx context.Context, req notification.Request) ([]notification.Result, error) {
	req.Property = s.property(ctx, req.Event)

	results, err := s.deps.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.deps.History.AppendNotifications(ctx, results); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to record notification results", "error", err)
	}
	return results, nil
}

func (s *Service) property(ctx context.Context, ev rules.Event) notification.Property {
	p := notification.Property{ID: ev.PropertyID, Name: ev.Booking.PropertyName}
	if s.deps.Properties == nil {
		return p
	}
	info, err := s.deps.Properties.Property(ctx, ev.PropertyID)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to load property details", "error", err)
		return p
	}
	return notification.Property{
		ID:           ev.PropertyID,
		Name:         info.Name,
		Address:      info.Address,
		Phone:        info.Phone,
		Email:        info.Email,
		Website:      info.Website,
		CheckInTime:  info.CheckInTime,
		CheckOutTime: info.CheckOutTime,
	}
}

// scheduleFollowUps turns the delayed booking_created triggers of the firing rules into jobs.
func (s *Service) scheduleFollowUps(ctx context.Context, cfg rules.Configuration, ev rules.Event) error {
	now := s.now().UTC()
	for _, r := range s.deps.Matcher.Applicable(ctx, cfg.Rules, ev) {
		for i, t := range r.Triggers {
			if t.Event != string(rules.EventBookingCreated) || (t.Delay <= 0 && t.Repeat == nil) {
				continue
			}
			trigger := t.Template
			if trigger == "" {
				trigger = s.deps.FollowUpTrigger
			}

			due := []time.Time{now.Add(t.Delay.Std())}
			if t.Repeat != nil {
				for k := 1; k <= t.Repeat.Count; k++ {
					due = append(due, due[0].Add(time.Duration(k)*t.Repeat.Interval.Std()))
				}
			}

			for k, at := range due {
				job, err := s.newJob(scheduler.JobFollowUp, ev, "", at, map[string]string{
					scheduler.PayloadTrigger: trigger,
					scheduler.PayloadRuleID:  r.ID,
				})
				if err != nil {
					return err
				}
				job.ID = fmt.Sprintf("%s:%s:%d:%d", ev.BookingID, r.ID, i, k)
				if err := s.schedule(ctx, job); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Service) newJob(kind scheduler.JobKind, ev rules.Event, decisionID string, due time.Time, payload map[string]string) (scheduler.Job, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return scheduler.Job{}, fmt.Errorf("failed to encode job event: %w", err)
	}
	if payload == nil {
		payload = make(map[string]string)
	}
	payload[scheduler.PayloadEvent] = string(raw)

	return scheduler.Job{
		ID:         s.newID(),
		Kind:       kind,
		BookingID:  ev.BookingID,
		PropertyID: ev.PropertyID,
		DecisionID: decisionID,
		DueAt:      due,
		Payload:    payload,
		Status:     scheduler.StatusPending,
	}, nil
}

// schedule stores job; a job that already exists was scheduled by an earlier run.
func (s *Service) schedule(ctx context.Context, job scheduler.Job) error {
	err := s.deps.Jobs.Schedule(ctx, job)
	if apperrors.IsConflict(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.DebugwCtx(ctx, "Job scheduled", "job_id", job.ID, "kind", job.Kind, "due_at", job.DueAt)
	return nil
}

func (s *Service) publishDecision(ctx context.Context, d decision.Decision) {
	if s.deps.Producer == nil || s.deps.DecisionTopic == "" {
		return
	}

	envelope, err := models.NewMessageEnvelopeBuilder().
		WithID(d.ID).
		WithSource(constants.ServiceName).
		WithEventType(models.EventTypeDecisionMade).
		WithTimestamp(d.DecidedAt).
		WithPayloadFrom(d).
		WithAttribute(broker.PartitionKeyAttribute, d.BookingID).
		WithTraceID(logging.GetTraceID(ctx)).
		Build()
	if err == nil {
		err = s.deps.Producer.Publish(ctx, s.deps.DecisionTopic, *envelope)
	}
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to publish decision", "decision_id", d.ID, "error", err)
	}
}

// Decisions returns the decision history of a booking.
func (s *Service) Decisions(ctx context.Context, bookingID string) ([]history.DecisionRecord, error) {
	return s.deps.History.Decisions(ctx, bookingID)
}

func (s *Service) Notifications(ctx context.Context, bookingID string) ([]notification.Result, error) {
	return s.deps.History.Notifications(ctx, bookingID)
}

// RecordDeliveryEvent applies a channel receipt to the stored result.
func (s *Service) RecordDeliveryEvent(ctx context.Context, messageID string, event notification.DeliveryEvent, at time.Time) (notification.Result, error) {
	if !notification.KnownDeliveryEvent(event) {
		return notification.Result{}, apperrors.ErrValidation.
			WithDetail("message", "unknown delivery event "+string(event)).
			WithDetail("field", "event")
	}
	if at.IsZero() {
		at = s.now().UTC()
	}
	return s.deps.History.RecordDeliveryEvent(ctx, messageID, event, at)
}
