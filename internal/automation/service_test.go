package automation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/clients"
	"concierge/internal/decision"
	"concierge/internal/grace"
	"concierge/internal/history"
	"concierge/internal/logger"
	"concierge/internal/notification"
	"concierge/internal/rules"
	"concierge/internal/scheduler"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/models"
	"concierge/pkg/retry"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBookings struct {
	mu        sync.Mutex
	status    map[string]clients.PaymentStatus
	cancelled []string
	held      map[string]time.Time
	penalties map[string]float64
	retries   []int
	// settleOnRetry marks the payment paid when a retry is requested.
	settleOnRetry bool
}

func newFakeBookings() *fakeBookings {
	return &fakeBookings{
		status:    map[string]clients.PaymentStatus{},
		held:      map[string]time.Time{},
		penalties: map[string]float64{},
	}
}

func (f *fakeBookings) Cancel(ctx context.Context, bookingID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, bookingID)
	return nil
}

func (f *fakeBookings) Hold(ctx context.Context, bookingID string, until time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[bookingID] = until
	return nil
}

func (f *fakeBookings) PaymentStatus(ctx context.Context, bookingID string) (clients.PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.status[bookingID]; ok {
		return s, nil
	}
	return clients.PaymentFailed, nil
}

func (f *fakeBookings) ApplyPenalty(ctx context.Context, bookingID string, amount float64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.penalties[bookingID] = amount
	return nil
}

func (f *fakeBookings) RetryPayment(ctx context.Context, bookingID string, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, attempt)
	if f.settleOnRetry {
		f.status[bookingID] = clients.PaymentPaid
	}
	return nil
}

func (f *fakeBookings) setStatus(bookingID string, s clients.PaymentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[bookingID] = s
}

func (f *fakeBookings) cancelledBookings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeStaff struct {
	mu   sync.Mutex
	sent []clients.StaffNotification
}

func (f *fakeStaff) NotifyStaff(ctx context.Context, n clients.StaffNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeStaff) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks []clients.Task
}

func (f *fakeTasks) CreateTask(ctx context.Context, task clients.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return fmt.Sprintf("task-%d", len(f.tasks)), nil
}

type fakeGuests struct {
	tiers map[string]string
}

func (f *fakeGuests) LoyaltyTier(ctx context.Context, guestID string) (string, error) {
	return f.tiers[guestID], nil
}

type recordingSender struct {
	mu       sync.Mutex
	subjects []string
}

func (s *recordingSender) Send(ctx context.Context, p notification.Payload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := p.(notification.EmailPayload)
	if !ok {
		return "", fmt.Errorf("unexpected payload %T", p)
	}
	s.subjects = append(s.subjects, email.Subject)
	return fmt.Sprintf("email-%d", len(s.subjects)), nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subjects...)
}

type staticConfigs struct {
	mu      sync.Mutex
	configs map[string]rules.Configuration
	// err is returned by Active while set.
	err error
}

func (c *staticConfigs) Active(ctx context.Context, propertyID string) (rules.Configuration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return rules.Configuration{}, c.err
	}
	if cfg, ok := c.configs[propertyID]; ok {
		return cfg, nil
	}
	return rules.DefaultConfiguration(propertyID), nil
}

func (c *staticConfigs) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *staticConfigs) Get(ctx context.Context, propertyID string) (rules.Configuration, error) {
	return c.Active(ctx, propertyID)
}

func (c *staticConfigs) Put(ctx context.Context, cfg rules.Configuration, changedBy string) (rules.Configuration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.Version++
	c.configs[cfg.PropertyID] = cfg
	return cfg, nil
}

type capturingProducer struct {
	mu       sync.Mutex
	messages []models.MessageEnvelope
}

func (p *capturingProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *capturingProducer) Close() error { return nil }

func testConfiguration() rules.Configuration {
	cfg := rules.DefaultConfiguration("prop-1")
	cfg.Retry.Enabled = false
	cfg.Escalation = rules.EscalationSettings{Enabled: true, AmountThreshold: 5000, TaskPriority: "high"}
	cfg.Channels = []rules.Channel{
		{Type: rules.ChannelEmail, Enabled: true, Priority: 10, Settings: rules.ChannelSettings{From: "frontdesk@lumiere.example"}},
	}
	cfg.Templates = []rules.Template{
		{ID: "t-grace", Trigger: decision.TemplateGraceGranted, Language: "en", Subject: "Payment grace for {{booking_id}}", Text: "Pay by {{grace_deadline}}"},
		{ID: "t-cancel", Trigger: decision.TemplateBookingCancelled, Language: "en", Subject: "Booking cancelled", Text: "{{decision_reason}}"},
		{ID: "t-confirm", Trigger: TriggerBookingConfirmation, Language: "en", Subject: "See you soon", Text: "Confirmed"},
		{ID: "t-pre", Trigger: "pre_arrival", Language: "en", Subject: "Your stay is near", Text: "Pre-arrival"},
	}
	cfg.Rules = []rules.Rule{
		{
			ID:       "r-failed",
			Name:     "Cancel unpaid bookings",
			Priority: 10,
			Active:   true,
			Triggers: []rules.Trigger{{Event: "payment_failed"}},
			Actions: []rules.Action{
				{Type: rules.ActionNotifyGuest},
				{Type: rules.ActionCancelBooking},
			},
			Exemptions: []rules.Exemption{
				{
					ID:         "vip",
					Name:       "VIP guests",
					Conditions: []rules.Condition{{Field: rules.FieldGuestType, Operator: rules.OpEquals, Value: "vip"}},
				},
			},
		},
		{
			ID:       "r-followup",
			Name:     "Pre-arrival follow-up",
			Priority: 1,
			Active:   true,
			Triggers: []rules.Trigger{{
				Event:    "booking_created",
				Delay:    rules.Duration(48 * time.Hour),
				Template: "pre_arrival",
				Repeat:   &rules.Repeat{Interval: rules.Duration(24 * time.Hour), Count: 1},
			}},
		},
	}
	return cfg
}

type harness struct {
	clock    *testClock
	service  *Service
	sweeper  *scheduler.Sweeper
	graces   *grace.MemoryStore
	jobs     *scheduler.MemoryStore
	history  *history.MemoryStore
	bookings *fakeBookings
	staff    *fakeStaff
	tasks    *fakeTasks
	sender   *recordingSender
	producer *capturingProducer
	configs  *staticConfigs
}

func newHarness(t *testing.T, cfg rules.Configuration) *harness {
	t.Helper()
	h := &harness{
		clock:    &testClock{now: t0},
		graces:   grace.NewMemoryStore(),
		jobs:     scheduler.NewMemoryStore(),
		history:  history.NewMemoryStore(),
		bookings: newFakeBookings(),
		staff:    &fakeStaff{},
		tasks:    &fakeTasks{},
		sender:   &recordingSender{},
		producer: &capturingProducer{},
		configs:  &staticConfigs{configs: map[string]rules.Configuration{cfg.PropertyID: cfg}},
	}

	log := logger.NopLogger()
	dispatcher := notification.NewDispatcher(
		map[rules.ChannelType]notification.Sender{rules.ChannelEmail: h.sender},
		log,
		notification.WithClock(h.clock.Now),
		notification.WithRetryPolicy(retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}),
	)

	h.service = NewService(Dependencies{
		Configs:       h.configs,
		Matcher:       rules.NewMatcher(nil, log),
		Engine:        decision.NewEngine(decision.WithClock(h.clock.Now)),
		Graces:        h.graces,
		Jobs:          h.jobs,
		History:       h.history,
		Dispatcher:    dispatcher,
		Bookings:      h.bookings,
		Guests:        &fakeGuests{tiers: map[string]string{"g-gold": "gold"}},
		Tasks:         h.tasks,
		Staff:         h.staff,
		Producer:      h.producer,
		DecisionTopic: "automation_decisions",
		Logger:        log,
	}, WithClock(h.clock.Now))

	h.sweeper = scheduler.NewSweeper(h.graces, h.jobs, h.service, log,
		scheduler.WithClock(h.clock.Now),
		scheduler.WithInterval(time.Minute),
		scheduler.WithBatchSize(50),
		scheduler.WithMaxAttempts(3),
	)
	return h
}

func failure(bookingID string, amount float64) rules.Event {
	return rules.Event{
		ID:         "evt-" + bookingID,
		Kind:       rules.EventPaymentFailed,
		BookingID:  bookingID,
		GuestID:    "g-1",
		PropertyID: "prop-1",
		Guest:      rules.Guest{Name: "Ada Lovelace", Email: "ada@example.com", Language: "en"},
		Booking: rules.Booking{
			ConfirmationNumber: "CNF-" + bookingID,
			CheckIn:            t0.Add(14 * 24 * time.Hour),
			CheckOut:           t0.Add(16 * 24 * time.Hour),
			Amount:             amount,
			Currency:           "EUR",
		},
		Payment: rules.Payment{Status: "failed", FailureReason: "card declined"},
	}
}

func kinds(records []history.DecisionRecord) []decision.Kind {
	out := make([]decision.Kind, 0, len(records))
	for _, r := range records {
		out = append(out, r.Decision.Kind)
	}
	return out
}

func TestService_FailureHeldThenCancelledAfterGrace(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	d, err := h.service.HandlePaymentFailure(ctx, failure("bk-1", 200))
	require.NoError(t, err)
	assert.Equal(t, decision.KindHold, d.Kind)
	require.NotNil(t, d.GraceDeadline)
	assert.Equal(t, t0.Add(24*time.Hour), *d.GraceDeadline)
	assert.Empty(t, d.Failed())
	assert.Equal(t, t0.Add(24*time.Hour), h.bookings.held["bk-1"])
	assert.Equal(t, []string{"Payment grace for bk-1"}, h.sender.sent())

	g, found, err := h.graces.Get(ctx, "bk-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, d.ID, g.DecisionID)

	// the grace window has not closed yet
	h.clock.Advance(23 * time.Hour)
	require.NoError(t, h.sweeper.Sweep(ctx))
	assert.Empty(t, h.bookings.cancelledBookings())

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.sweeper.Sweep(ctx))
	assert.Equal(t, []string{"bk-1"}, h.bookings.cancelledBookings())

	records, err := h.service.Decisions(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, []decision.Kind{decision.KindHold, decision.KindCancel}, kinds(records))
	for _, a := range records[1].Decision.Actions {
		assert.Equal(t, decision.ActionCompleted, a.Status, a.Type)
	}

	g, found, err = h.graces.Get(ctx, "bk-1")
	require.NoError(t, err)
	require.True(t, found, "cancellation leaves a terminal marker")
	assert.True(t, g.Closed)

	notifications, err := h.service.Notifications(ctx, "bk-1")
	require.NoError(t, err)
	assert.Len(t, notifications, 2)
	assert.Len(t, h.producer.messages, 2)
	assert.Equal(t, models.EventTypeDecisionMade, h.producer.messages[1].EventType)
}

func TestService_ExpiryRetriedAfterFailedReentry(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	_, err := h.service.HandlePaymentFailure(ctx, failure("bk-1", 200))
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	h.configs.setErr(apperrors.ErrConfiguration.WithDetail("message", "automation disabled"))
	require.NoError(t, h.sweeper.Sweep(ctx))

	g, found, err := h.graces.Get(ctx, "bk-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, g.Expired, "a failed re-entry keeps the grace period due")
	due, err := h.graces.Due(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Empty(t, h.bookings.cancelledBookings())

	h.configs.setErr(nil)
	h.clock.Advance(time.Minute)
	require.NoError(t, h.sweeper.Sweep(ctx))

	assert.Equal(t, []string{"bk-1"}, h.bookings.cancelledBookings())
	records, err := h.service.Decisions(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, []decision.Kind{decision.KindHold, decision.KindCancel}, kinds(records))

	due, err = h.graces.Due(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestService_FailureAfterCancellationIsNotHeldAgain(t *testing.T) {
	for name, graceOn := range map[string]bool{"grace": true, "no grace": false} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfiguration()
			cfg.Grace.Enabled = graceOn
			h := newHarness(t, cfg)
			ctx := context.Background()

			_, err := h.service.HandlePaymentFailure(ctx, failure("bk-1", 200))
			require.NoError(t, err)
			if graceOn {
				h.clock.Advance(25 * time.Hour)
				require.NoError(t, h.sweeper.Sweep(ctx))
			}
			require.Equal(t, []string{"bk-1"}, h.bookings.cancelledBookings())
			sent := h.sender.sent()

			// the gateway redelivers the failure after the booking is gone
			h.clock.Advance(time.Hour)
			d, err := h.service.HandlePaymentFailure(ctx, failure("bk-1", 200))
			require.NoError(t, err)
			assert.Equal(t, decision.KindCancel, d.Kind)
			assert.Empty(t, d.Actions)
			assert.Nil(t, d.GraceDeadline)

			assert.Equal(t, sent, h.sender.sent(), "no new guest message")
			assert.Equal(t, []string{"bk-1"}, h.bookings.cancelledBookings())
			due, err := h.graces.Due(ctx, h.clock.Now().Add(72*time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, due, "no new grace period")

			// payment success clears the marker
			require.NoError(t, h.service.HandlePaymentSucceeded(ctx, rules.Event{
				ID:         "evt-paid",
				BookingID:  "bk-1",
				PropertyID: "prop-1",
			}))
			_, found, err := h.graces.Get(ctx, "bk-1")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestService_HighValueEscalatesWithReminder(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	_, err := h.service.HandlePaymentFailure(ctx, failure("bk-2", 8000))
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	require.NoError(t, h.sweeper.Sweep(ctx))

	records, err := h.service.Decisions(ctx, "bk-2")
	require.NoError(t, err)
	require.Equal(t, []decision.Kind{decision.KindHold, decision.KindEscalate}, kinds(records))
	escalated := records[1].Decision
	assert.Empty(t, escalated.Failed())
	require.Len(t, escalated.Offers, 1)
	assert.Equal(t, decision.OfferPaymentPlan, escalated.Offers[0].Type)

	assert.Empty(t, h.bookings.cancelledBookings(), "escalation replaces cancellation")
	assert.Equal(t, 1, h.staff.count())
	require.Len(t, h.tasks.tasks, 1)
	assert.Equal(t, "high", h.tasks.tasks[0].Priority)

	pending, err := h.jobs.Pending(ctx, "bk-2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, scheduler.JobEscalation, pending[0].Kind)

	h.clock.Advance(25 * time.Hour)
	require.NoError(t, h.sweeper.Sweep(ctx))
	assert.Equal(t, 2, h.staff.count(), "reminder sent while still unpaid")
	assert.Equal(t, "high", h.staff.sent[1].Severity)
}

func TestService_PaymentSuccessWinsOverExpiry(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	_, err := h.service.HandlePaymentFailure(ctx, failure("bk-3", 200))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.service.HandlePaymentSucceeded(ctx, rules.Event{BookingID: "bk-3", PropertyID: "prop-1"}))

	h.clock.Advance(48 * time.Hour)
	require.NoError(t, h.sweeper.Sweep(ctx))

	assert.Empty(t, h.bookings.cancelledBookings())
	records, err := h.service.Decisions(ctx, "bk-3")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestService_SettledDuringGraceIsResolvedBySweep(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	_, err := h.service.HandlePaymentFailure(ctx, failure("bk-4", 200))
	require.NoError(t, err)

	// the success event was lost but the booking service knows
	h.bookings.setStatus("bk-4", clients.PaymentPaid)
	h.clock.Advance(25 * time.Hour)
	require.NoError(t, h.sweeper.Sweep(ctx))

	assert.Empty(t, h.bookings.cancelledBookings())
	_, found, err := h.graces.Get(ctx, "bk-4")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_RepeatedFailureInsideGraceIsHeldWithoutActions(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	first, err := h.service.HandlePaymentFailure(ctx, failure("bk-5", 200))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	second, err := h.service.HandlePaymentFailure(ctx, failure("bk-5", 200))
	require.NoError(t, err)

	assert.Equal(t, decision.KindHold, second.Kind)
	assert.Empty(t, second.Actions)
	assert.Equal(t, *first.GraceDeadline, *second.GraceDeadline)
	assert.Len(t, h.sender.sent(), 1, "guest is not notified twice")
}

func TestService_ExemptGuest(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	ev := failure("bk-6", 200)
	ev.Guest.Type = "vip"
	d, err := h.service.HandlePaymentFailure(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, decision.KindExempt, d.Kind)
	assert.Equal(t, "vip", d.ExemptionID)
	assert.Empty(t, d.Actions)
	_, found, err := h.graces.Get(ctx, "bk-6")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_LoyaltyTierLooksUpGuest(t *testing.T) {
	cfg := testConfiguration()
	cfg.Grace.ByTier = map[string]rules.Duration{"gold": rules.Duration(72 * time.Hour)}
	h := newHarness(t, cfg)

	ev := failure("bk-7", 200)
	ev.GuestID = "g-gold"
	d, err := h.service.HandlePaymentFailure(context.Background(), ev)
	require.NoError(t, err)

	require.NotNil(t, d.GraceDeadline)
	assert.Equal(t, t0.Add(72*time.Hour), *d.GraceDeadline)
}

func TestService_RetryJobReentersEngine(t *testing.T) {
	cfg := testConfiguration()
	cfg.Grace.Enabled = false
	cfg.Retry.Enabled = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	d, err := h.service.HandlePaymentFailure(ctx, failure("bk-8", 200))
	require.NoError(t, err)
	require.Equal(t, decision.KindRetry, d.Kind)
	require.NotNil(t, d.NextReview)
	assert.Equal(t, t0.Add(time.Hour), *d.NextReview)

	pending, err := h.jobs.Pending(ctx, "bk-8")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID+":retry", pending[0].ID)

	h.clock.Advance(61 * time.Minute)
	require.NoError(t, h.sweeper.Sweep(ctx))

	assert.Equal(t, []int{1}, h.bookings.retries)
	records, err := h.service.Decisions(ctx, "bk-8")
	require.NoError(t, err)
	require.Equal(t, []decision.Kind{decision.KindRetry, decision.KindRetry}, kinds(records))
	assert.Contains(t, records[1].Decision.Reason, "retry 2 of 3")
}

func TestService_RetryJobSettlesPayment(t *testing.T) {
	cfg := testConfiguration()
	cfg.Grace.Enabled = false
	cfg.Retry.Enabled = true
	h := newHarness(t, cfg)
	h.bookings.settleOnRetry = true
	ctx := context.Background()

	_, err := h.service.HandlePaymentFailure(ctx, failure("bk-9", 200))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.sweeper.Sweep(ctx))

	records, err := h.service.Decisions(ctx, "bk-9")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	pending, err := h.jobs.Pending(ctx, "bk-9")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestService_BookingConfirmationSchedulesFollowUps(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	ev := failure("bk-10", 300)
	ev.Kind = rules.EventBookingCreated
	ev.Payment = rules.Payment{}

	results, err := h.service.HandleBookingConfirmation(ctx, ev)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, []string{"See you soon"}, h.sender.sent())

	pending, err := h.jobs.Pending(ctx, "bk-10")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, t0.Add(48*time.Hour), pending[0].DueAt)
	assert.Equal(t, t0.Add(72*time.Hour), pending[1].DueAt)

	// a redelivered event does not duplicate the jobs
	_, err = h.service.HandleBookingConfirmation(ctx, ev)
	require.NoError(t, err)
	pending, err = h.jobs.Pending(ctx, "bk-10")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	h.clock.Advance(49 * time.Hour)
	require.NoError(t, h.sweeper.Sweep(ctx))
	assert.Equal(t, []string{"See you soon", "See you soon", "Your stay is near"}, h.sender.sent())
}

func TestService_RejectsInvalidEvents(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	ev := failure("bk-11", 200)
	ev.GuestID = ""
	_, err := h.service.HandlePaymentFailure(ctx, ev)
	require.Error(t, err)

	ev = failure("bk-11", 200)
	ev.Kind = rules.EventBookingCreated
	_, err = h.service.HandlePaymentFailure(ctx, ev)
	require.Error(t, err)

	records, err := h.service.Decisions(ctx, "bk-11")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestService_RecordDeliveryEvent(t *testing.T) {
	h := newHarness(t, testConfiguration())
	ctx := context.Background()

	_, err := h.service.HandlePaymentFailure(ctx, failure("bk-12", 200))
	require.NoError(t, err)

	_, err = h.service.RecordDeliveryEvent(ctx, "email-1", "bounced", time.Time{})
	require.Error(t, err)

	res, err := h.service.RecordDeliveryEvent(ctx, "email-1", notification.DeliveryDelivered, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, res.DeliveredAt)
	assert.Equal(t, t0, *res.DeliveredAt)
}
