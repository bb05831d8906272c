package notification

import (
	"time"

	"concierge/internal/rules"
)

// Property is the hotel data available to templates.
type Property struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	Website      string `json:"website"`
	CheckInTime  string `json:"check_in_time"`
	CheckOutTime string `json:"check_out_time"`
}

type Request struct {
	Trigger    string
	Event      rules.Event
	Config     rules.Configuration
	DecisionID string
	Property   Property
	// Extra variables, e.g. a grace deadline; they override personalized values.
	Extra map[string]string
}

// Message is a rendered template.
type Message struct {
	TemplateID string
	Language   string
	Subject    string
	HTML       string
	Text       string
	Variables  map[string]string
}

type DeliveryEvent string

const (
	DeliveryDelivered DeliveryEvent = "delivered"
	DeliveryOpened    DeliveryEvent = "opened"
	DeliveryClicked   DeliveryEvent = "clicked"
)

func KnownDeliveryEvent(e DeliveryEvent) bool {
	switch e {
	case DeliveryDelivered, DeliveryOpened, DeliveryClicked:
		return true
	}
	return false
}

// Result is the outcome of one channel send.
type Result struct {
	ID          string            `json:"id"`
	BookingID   string            `json:"booking_id"`
	PropertyID  string            `json:"property_id"`
	DecisionID  string            `json:"decision_id,omitempty"`
	Trigger     string            `json:"trigger"`
	Channel     rules.ChannelType `json:"channel"`
	TemplateID  string            `json:"template_id,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	SentAt      time.Time         `json:"sent_at"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time        `json:"opened_at,omitempty"`
	ClickedAt   *time.Time        `json:"clicked_at,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
}

// Apply records a receipt. Opening or clicking implies delivery. The first timestamp of each kind is kept.
func (r *Result) Apply(event DeliveryEvent, at time.Time) {
	set := func(p **time.Time) {
		if *p == nil {
			t := at
			*p = &t
		}
	}
	switch event {
	case DeliveryDelivered:
		set(&r.DeliveredAt)
	case DeliveryOpened:
		set(&r.DeliveredAt)
		set(&r.OpenedAt)
	case DeliveryClicked:
		set(&r.DeliveredAt)
		set(&r.OpenedAt)
		set(&r.ClickedAt)
	}
}
