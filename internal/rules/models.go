package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type EventKind string

const (
	EventPaymentFailed    EventKind = "payment_failed"
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventBookingCreated   EventKind = "booking_created"
)

type Guest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Language    string `json:"language"`
	Type        string `json:"type"`
	LoyaltyTier string `json:"loyalty_tier"`
	DeviceToken string `json:"device_token"`
}

type Booking struct {
	ConfirmationNumber string    `json:"confirmation_number"`
	PropertyName       string    `json:"property_name"`
	RoomType           string    `json:"room_type"`
	RoomNumber         string    `json:"room_number"`
	CheckIn            time.Time `json:"check_in"`
	CheckOut           time.Time `json:"check_out"`
	Amount             float64   `json:"amount"`
	Currency           string    `json:"currency"`
	Amenities          []string  `json:"amenities"`
}

type Payment struct {
	Status        string `json:"status"`
	Method        string `json:"method"`
	FailureReason string `json:"failure_reason"`
	FailureCode   string `json:"failure_code"`
	RetryCount    int    `json:"retry_count"`
}

// Event is an immutable snapshot built per invocation from an upstream payload.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	BookingID  string    `json:"booking_id"`
	GuestID    string    `json:"guest_id"`
	PropertyID string    `json:"property_id"`
	Guest      Guest     `json:"guest"`
	Booking    Booking   `json:"booking"`
	Payment    Payment   `json:"payment"`
	Timestamp  time.Time `json:"timestamp"`
}

// Duration is a time.Duration that reads and writes "24h" style strings in JSON.
// BSON stores it as int64 nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		// bare numbers are seconds
		*d = Duration(time.Duration(v * float64(time.Second)))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

type Condition struct {
	Field    string      `json:"field" bson:"field"`
	Operator Operator    `json:"operator" bson:"operator"`
	Value    interface{} `json:"value" bson:"value"`
	Weight   float64     `json:"weight,omitempty" bson:"weight,omitempty"`
}

type Repeat struct {
	Interval Duration `json:"interval" bson:"interval"`
	Count    int      `json:"count" bson:"count"`
}

type Trigger struct {
	Event string   `json:"event" bson:"event"`
	Delay Duration `json:"delay,omitempty" bson:"delay,omitempty"`
	// Repeat schedules further follow-ups after Delay.
	Repeat *Repeat `json:"repeat,omitempty" bson:"repeat,omitempty"`
	// Expression is an optional CEL predicate over the event.
	Expression string `json:"expression,omitempty" bson:"expression,omitempty"`
	// Template names the template trigger used for delayed follow-ups.
	Template string `json:"template,omitempty" bson:"template,omitempty"`
}

type ActionType string

const (
	ActionCancelBooking ActionType = "cancel_booking"
	ActionHoldRoom      ActionType = "hold_room"
	ActionNotifyGuest   ActionType = "notify_guest"
	ActionNotifyStaff   ActionType = "notify_staff"
	ActionCreateTask    ActionType = "create_task"
	ActionApplyPenalty  ActionType = "apply_penalty"
	ActionRetryPayment  ActionType = "retry_payment"
)

var KnownActionTypes = map[ActionType]bool{
	ActionCancelBooking: true,
	ActionHoldRoom:      true,
	ActionNotifyGuest:   true,
	ActionNotifyStaff:   true,
	ActionCreateTask:    true,
	ActionApplyPenalty:  true,
	ActionRetryPayment:  true,
}

type Action struct {
	Type   ActionType        `json:"type" bson:"type"`
	Params map[string]string `json:"params,omitempty" bson:"params,omitempty"`
}

type Exemption struct {
	ID               string      `json:"id" bson:"id"`
	Name             string      `json:"name" bson:"name"`
	Conditions       []Condition `json:"conditions" bson:"conditions"`
	RequiresApproval bool        `json:"requires_approval" bson:"requires_approval"`
	Reason           string      `json:"reason,omitempty" bson:"reason,omitempty"`
}

type Rule struct {
	ID              string      `json:"id" bson:"id"`
	Name            string      `json:"name" bson:"name"`
	Priority        int         `json:"priority" bson:"priority"`
	Active          bool        `json:"active" bson:"active"`
	Conditions      []Condition `json:"conditions" bson:"conditions"`
	Triggers        []Trigger   `json:"triggers" bson:"triggers"`
	Actions         []Action    `json:"actions" bson:"actions"`
	Exemptions      []Exemption `json:"exemptions,omitempty" bson:"exemptions,omitempty"`
	AllowDateChange bool        `json:"allow_date_change,omitempty" bson:"allow_date_change,omitempty"`
}

func (r Rule) weight() float64 {
	var w float64
	for _, c := range r.Conditions {
		w += c.Weight
	}
	return w
}

type GraceSettings struct {
	Enabled bool                `json:"enabled" bson:"enabled"`
	Default Duration            `json:"default" bson:"default"`
	ByTier  map[string]Duration `json:"by_tier,omitempty" bson:"by_tier,omitempty"`
}

type RetrySettings struct {
	Enabled         bool       `json:"enabled" bson:"enabled"`
	MaxRetries      int        `json:"max_retries" bson:"max_retries"`
	Intervals       []Duration `json:"intervals,omitempty" bson:"intervals,omitempty"`
	DefaultInterval Duration   `json:"default_interval" bson:"default_interval"`
}

type EscalationSettings struct {
	Enabled         bool    `json:"enabled" bson:"enabled"`
	AmountThreshold float64 `json:"amount_threshold" bson:"amount_threshold"`
	Assignee        string  `json:"assignee,omitempty" bson:"assignee,omitempty"`
	TaskPriority    string  `json:"task_priority,omitempty" bson:"task_priority,omitempty"`
}

type OfferSettings struct {
	PaymentPlanThreshold    float64 `json:"payment_plan_threshold" bson:"payment_plan_threshold"`
	PaymentPlanInstallments int     `json:"payment_plan_installments" bson:"payment_plan_installments"`
}

type CustomField struct {
	Name     string `json:"name" bson:"name"`
	Source   string `json:"source" bson:"source"`
	Path     string `json:"path" bson:"path"`
	Fallback string `json:"fallback,omitempty" bson:"fallback,omitempty"`
}

type Personalization struct {
	GuestName      bool          `json:"guest_name" bson:"guest_name"`
	BookingDetails bool          `json:"booking_details" bson:"booking_details"`
	RoomDetails    bool          `json:"room_details" bson:"room_details"`
	Amenities      bool          `json:"amenities" bson:"amenities"`
	CustomFields   []CustomField `json:"custom_fields,omitempty" bson:"custom_fields,omitempty"`
}

type NotificationSettings struct {
	Personalization Personalization `json:"personalization" bson:"personalization"`
	// StaffChannel is where notify_staff alerts are routed by the staff service.
	StaffChannel string `json:"staff_channel,omitempty" bson:"staff_channel,omitempty"`
}

type Template struct {
	ID        string   `json:"id" bson:"id"`
	Trigger   string   `json:"trigger" bson:"trigger"`
	Language  string   `json:"language" bson:"language"`
	Subject   string   `json:"subject" bson:"subject"`
	HTML      string   `json:"html,omitempty" bson:"html,omitempty"`
	Text      string   `json:"text" bson:"text"`
	Variables []string `json:"variables,omitempty" bson:"variables,omitempty"`
}

type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSMS      ChannelType = "sms"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelPush     ChannelType = "push"
	ChannelWebhook  ChannelType = "webhook"
)

type AuthType string

const (
	AuthNone   AuthType = ""
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
)

type WebhookAuth struct {
	Type       AuthType `json:"type" bson:"type"`
	Token      string   `json:"token,omitempty" bson:"token,omitempty"`
	Username   string   `json:"username,omitempty" bson:"username,omitempty"`
	Password   string   `json:"password,omitempty" bson:"password,omitempty"`
	HeaderName string   `json:"header_name,omitempty" bson:"header_name,omitempty"`
	APIKey     string   `json:"api_key,omitempty" bson:"api_key,omitempty"`
}

type ChannelSettings struct {
	From     string            `json:"from,omitempty" bson:"from,omitempty"`
	ReplyTo  string            `json:"reply_to,omitempty" bson:"reply_to,omitempty"`
	SenderID string            `json:"sender_id,omitempty" bson:"sender_id,omitempty"`
	URL      string            `json:"url,omitempty" bson:"url,omitempty"`
	Method   string            `json:"method,omitempty" bson:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Auth     WebhookAuth       `json:"auth,omitempty" bson:"auth,omitempty"`
}

type Channel struct {
	Type        ChannelType     `json:"type" bson:"type"`
	Enabled     bool            `json:"enabled" bson:"enabled"`
	Priority    int             `json:"priority" bson:"priority"`
	MaxAttempts int             `json:"max_attempts,omitempty" bson:"max_attempts,omitempty"`
	Settings    ChannelSettings `json:"settings" bson:"settings"`
}

// Configuration is the per-property automation document.
type Configuration struct {
	PropertyID   string               `json:"property_id" bson:"property_id"`
	Enabled      bool                 `json:"enabled" bson:"enabled"`
	Rules        []Rule               `json:"rules" bson:"rules"`
	Grace        GraceSettings        `json:"grace" bson:"grace"`
	Retry        RetrySettings        `json:"retry" bson:"retry"`
	Escalation   EscalationSettings   `json:"escalation" bson:"escalation"`
	Offers       OfferSettings        `json:"offers" bson:"offers"`
	Notification NotificationSettings `json:"notification" bson:"notification"`
	Templates    []Template           `json:"templates" bson:"templates"`
	Channels     []Channel            `json:"channels" bson:"channels"`
	Version      int                  `json:"version" bson:"version"`
	UpdatedAt    time.Time            `json:"updated_at" bson:"updated_at"`
}

// GraceFor returns the tier grace duration, falling back to the default.
func (c *Configuration) GraceFor(tier string) time.Duration {
	if d, ok := c.Grace.ByTier[tier]; ok && d > 0 {
		return d.Std()
	}
	return c.Grace.Default.Std()
}

// RetryDelay indexes the interval table by retry count.
func (c *Configuration) RetryDelay(retryCount int) time.Duration {
	if retryCount >= 0 && retryCount < len(c.Retry.Intervals) {
		return c.Retry.Intervals[retryCount].Std()
	}
	return c.Retry.DefaultInterval.Std()
}

// EnabledChannels returns enabled channels by descending priority.
func (c *Configuration) EnabledChannels() []Channel {
	out := make([]Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

func (c *Configuration) Channel(t ChannelType) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Type == t {
			return ch, true
		}
	}
	return Channel{}, false
}

// DefaultConfiguration mirrors the usual dunning defaults: 24h grace, retries after 1h, 24h and 72h.
func DefaultConfiguration(propertyID string) Configuration {
	return Configuration{
		PropertyID: propertyID,
		Enabled:    true,
		Grace: GraceSettings{
			Enabled: true,
			Default: Duration(24 * time.Hour),
		},
		Retry: RetrySettings{
			Enabled:    true,
			MaxRetries: 3,
			Intervals: []Duration{
				Duration(time.Hour),
				Duration(24 * time.Hour),
				Duration(72 * time.Hour),
			},
			DefaultInterval: Duration(24 * time.Hour),
		},
		Offers: OfferSettings{
			PaymentPlanThreshold:    1000,
			PaymentPlanInstallments: 3,
		},
		Notification: NotificationSettings{
			Personalization: Personalization{
				GuestName:      true,
				BookingDetails: true,
				RoomDetails:    true,
				Amenities:      true,
			},
		},
	}
}
