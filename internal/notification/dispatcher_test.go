package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/logger"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/retry"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []Payload
	failures int
	err      error
}

func (f *fakeSender) Send(ctx context.Context, p Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if f.failures > 0 {
		f.failures--
		return "", f.err
	}
	if f.err != nil && f.failures < 0 {
		return "", f.err
	}
	return "msg-" + string(p.Channel()), nil
}

func (f *fakeSender) sent() []Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Payload(nil), f.payloads...)
}

var sentAt = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func fastPolicy() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 1}
}

func newDispatcher(senders map[rules.ChannelType]Sender, opts ...DispatcherOption) *Dispatcher {
	opts = append([]DispatcherOption{
		WithRetryPolicy(fastPolicy()),
		WithClock(func() time.Time { return sentAt }),
	}, opts...)
	return NewDispatcher(senders, logger.NopLogger(), opts...)
}

func confirmationEvent() rules.Event {
	return rules.Event{
		ID:         "evt-9",
		Kind:       rules.EventBookingCreated,
		BookingID:  "bk-42",
		GuestID:    "g-42",
		PropertyID: "prop-1",
		Guest: rules.Guest{
			Name:        "Marie Curie",
			Email:       "marie@example.com",
			Phone:       "+33123456789",
			Language:    "fr",
			LoyaltyTier: "platinum",
			DeviceToken: "device-1",
		},
		Booking: rules.Booking{
			ConfirmationNumber: "CNF-2026",
			PropertyName:       "Hotel Lumiere",
			RoomType:           "deluxe",
			RoomNumber:         "512",
			CheckIn:            time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC),
			CheckOut:           time.Date(2026, 8, 4, 11, 0, 0, 0, time.UTC),
			Amount:             840,
			Currency:           "EUR",
			Amenities:          []string{"spa", "breakfast"},
		},
	}
}

func confirmationConfig() rules.Configuration {
	cfg := rules.DefaultConfiguration("prop-1")
	cfg.Templates = []rules.Template{
		{
			ID:       "confirm-en",
			Trigger:  "booking_confirmed",
			Language: "en",
			Subject:  "Your booking {{confirmation_number}}",
			Text:     "Dear {{guest_name}}, booking {{confirmation_number}} is confirmed. Bonus: {{loyalty_bonus}}",
		},
		{ID: "confirm-de", Trigger: "booking_confirmed", Language: "de", Text: "Hallo"},
	}
	cfg.Channels = []rules.Channel{
		{Type: rules.ChannelSMS, Enabled: true, Priority: 5},
		{Type: rules.ChannelEmail, Enabled: true, Priority: 10},
		{Type: rules.ChannelPush, Enabled: false, Priority: 20},
		{Type: rules.ChannelWhatsApp, Enabled: true, Priority: 1, MaxAttempts: 3},
	}
	return cfg
}

func TestDispatch_ScenarioC_FallbackTemplateAndTokens(t *testing.T) {
	email := &fakeSender{}
	d := newDispatcher(map[rules.ChannelType]Sender{
		rules.ChannelEmail:    email,
		rules.ChannelSMS:      &fakeSender{},
		rules.ChannelWhatsApp: &fakeSender{},
	})

	results, err := d.Dispatch(context.Background(), Request{
		Trigger: "booking_confirmed",
		Event:   confirmationEvent(),
		Config:  confirmationConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	sent := email.sent()
	require.Len(t, sent, 1)
	p := sent[0].(EmailPayload)
	assert.Equal(t, "marie@example.com", p.To)
	assert.Equal(t, "Your booking CNF-2026", p.Subject)
	assert.Equal(t, "Dear Marie Curie, booking CNF-2026 is confirmed. Bonus: {{loyalty_bonus}}", p.Text)
	assert.Equal(t, "confirm-en", results[0].TemplateID)
}

func TestDispatch_FanOutIsolatesFailures(t *testing.T) {
	sms := &fakeSender{failures: -1, err: apperrors.ErrDelivery.AsFatal()}
	whatsapp := &fakeSender{failures: 2, err: errors.New("gateway busy")}
	d := newDispatcher(map[rules.ChannelType]Sender{
		rules.ChannelEmail:    &fakeSender{},
		rules.ChannelSMS:      sms,
		rules.ChannelWhatsApp: whatsapp,
	}, WithIDGenerator(func() string { return "res" }))

	results, err := d.Dispatch(context.Background(), Request{
		Trigger:    "booking_confirmed",
		Event:      confirmationEvent(),
		Config:     confirmationConfig(),
		DecisionID: "dec-1",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, rules.ChannelEmail, results[0].Channel)
	assert.Equal(t, rules.ChannelSMS, results[1].Channel)
	assert.Equal(t, rules.ChannelWhatsApp, results[2].Channel)

	assert.True(t, results[0].Success)
	assert.Equal(t, "msg-email", results[0].MessageID)
	assert.True(t, results[0].SentAt.Equal(sentAt))
	assert.Equal(t, "dec-1", results[0].DecisionID)

	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "DELIVERY_ERROR")
	assert.Len(t, sms.sent(), 1, "channels without MaxAttempts are tried once")

	assert.True(t, results[2].Success)
	assert.Equal(t, 2, results[2].RetryCount)
	assert.Len(t, whatsapp.sent(), 3)
}

func TestDispatch_MissingRecipient(t *testing.T) {
	cfg := confirmationConfig()
	cfg.Channels = []rules.Channel{
		{Type: rules.ChannelEmail, Enabled: true, Priority: 2},
		{Type: rules.ChannelPush, Enabled: true, Priority: 1},
	}
	ev := confirmationEvent()
	ev.Guest.Email = ""

	push := &fakeSender{}
	d := newDispatcher(map[rules.ChannelType]Sender{rules.ChannelEmail: &fakeSender{}, rules.ChannelPush: push})
	results, err := d.Dispatch(context.Background(), Request{Trigger: "booking_confirmed", Event: ev, Config: cfg})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "recipient is missing")
	assert.Equal(t, rules.ChannelPush, results[1].Channel)
}

func TestDispatch_MissingSenderIsConfigurationError(t *testing.T) {
	cfg := confirmationConfig()
	cfg.Channels = []rules.Channel{
		{Type: rules.ChannelEmail, Enabled: true, Priority: 2},
		{Type: rules.ChannelPush, Enabled: true, Priority: 1},
	}

	email := &fakeSender{}
	d := newDispatcher(map[rules.ChannelType]Sender{rules.ChannelEmail: email})
	results, err := d.Dispatch(context.Background(), Request{Trigger: "booking_confirmed", Event: confirmationEvent(), Config: cfg})

	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
	assert.False(t, apperrors.IsDelivery(err))
	assert.Contains(t, err.Error(), "no sender configured for channel push")
	assert.Nil(t, results)
	assert.Empty(t, email.sent(), "nothing is sent when a channel cannot be served")
}

func TestDispatch_ConfigurationErrors(t *testing.T) {
	d := newDispatcher(map[rules.ChannelType]Sender{
		rules.ChannelSMS:   &fakeSender{},
		rules.ChannelEmail: &fakeSender{},
	})

	cfg := confirmationConfig()
	cfg.Channels = nil
	_, err := d.Dispatch(context.Background(), Request{Trigger: "booking_confirmed", Event: confirmationEvent(), Config: cfg})
	assert.True(t, apperrors.IsConfiguration(err))

	_, err = d.Dispatch(context.Background(), Request{Trigger: "pre_arrival", Event: confirmationEvent(), Config: confirmationConfig()})
	assert.True(t, apperrors.IsConfiguration(err))
	assert.NotContains(t, err.Error(), "no sender configured")
}

func TestVariables_PersonalizationFlags(t *testing.T) {
	d := newDispatcher(nil)
	cfg := confirmationConfig()
	req := Request{Event: confirmationEvent(), Config: cfg, Property: Property{Name: "Lumiere Group"}}

	vars := d.Variables(context.Background(), req)
	assert.Equal(t, "Marie Curie", vars[VarGuestName])
	assert.Equal(t, "Marie", vars[VarGuestFirstName])
	assert.Equal(t, "2026-08-01", vars[VarCheckIn])
	assert.Equal(t, "3", vars[VarNights])
	assert.Equal(t, "840.00", vars[VarAmount])
	assert.Equal(t, "Hotel Lumiere", vars[VarPropertyName])
	assert.Equal(t, "512", vars[VarRoomNumber])
	assert.Equal(t, "spa, breakfast", vars[VarAmenities])

	req.Config.Notification.Personalization = rules.Personalization{}
	vars = d.Variables(context.Background(), req)
	assert.Equal(t, map[string]string{VarBookingID: "bk-42"}, vars)

	req.Extra = map[string]string{"grace_deadline": "2026-07-02"}
	vars = d.Variables(context.Background(), req)
	assert.Equal(t, "2026-07-02", vars["grace_deadline"])
}

func TestVariables_CustomFields(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "loyalty:g-42", "500 points", 0).Err())
	require.NoError(t, client.HSet(context.Background(), "property:prop-1", "wifi", "Lumiere-Guest").Err())

	d := newDispatcher(nil, WithExternalLookup(NewRedisLookup(client)))
	cfg := confirmationConfig()
	cfg.Notification.Personalization.CustomFields = []rules.CustomField{
		{Name: "tier", Source: rules.SourceGuest, Path: "loyalty_tier"},
		{Name: "hotel_phone", Source: rules.SourceProperty, Path: "phone", Fallback: "reception"},
		{Name: "room", Source: rules.SourceBooking, Path: "room_number"},
		{Name: "loyalty_bonus", Source: rules.SourceExternal, Path: "loyalty:{guest_id}"},
		{Name: "wifi", Source: rules.SourceExternal, Path: "property:{property_id}#wifi"},
		{Name: "parking", Source: rules.SourceExternal, Path: "parking:{booking_id}", Fallback: "ask at desk"},
		{Name: "mystery", Source: rules.SourceGuest, Path: "shoe_size"},
	}

	vars := d.Variables(context.Background(), Request{Event: confirmationEvent(), Config: cfg})

	assert.Equal(t, "platinum", vars["tier"])
	assert.Equal(t, "reception", vars["hotel_phone"])
	assert.Equal(t, "512", vars["room"])
	assert.Equal(t, "500 points", vars["loyalty_bonus"])
	assert.Equal(t, "Lumiere-Guest", vars["wifi"])
	assert.Equal(t, "ask at desk", vars["parking"])
	_, ok := vars["mystery"]
	assert.False(t, ok)

	assert.True(t, KnownFieldPath(rules.SourceProperty, "check_in_time"))
	assert.False(t, KnownFieldPath(rules.SourceGuest, "shoe_size"))
}

func TestResultApply(t *testing.T) {
	r := Result{}
	at := sentAt.Add(time.Minute)

	r.Apply(DeliveryClicked, at)
	require.NotNil(t, r.DeliveredAt)
	require.NotNil(t, r.OpenedAt)
	require.NotNil(t, r.ClickedAt)

	r.Apply(DeliveryDelivered, at.Add(time.Hour))
	assert.True(t, r.DeliveredAt.Equal(at))
	assert.True(t, KnownDeliveryEvent(DeliveryOpened))
	assert.False(t, KnownDeliveryEvent("bounced"))
}
