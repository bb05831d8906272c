package notification

import (
	"encoding/base64"
	"net/http"

	"concierge/internal/constants"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
)

// Payload is the channel-shaped body handed to a Sender.
type Payload interface {
	Channel() rules.ChannelType
}

type EmailPayload struct {
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	From    string `json:"from,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text"`
}

type SMSPayload struct {
	To       string `json:"to"`
	SenderID string `json:"sender_id,omitempty"`
	Body     string `json:"body"`
}

type WhatsAppPayload struct {
	To       string `json:"to"`
	Language string `json:"language,omitempty"`
	Body     string `json:"body"`
}

type PushPayload struct {
	DeviceToken string            `json:"device_token"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}

type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    WebhookBody       `json:"body"`
}

type WebhookBody struct {
	Trigger    string            `json:"trigger"`
	BookingID  string            `json:"booking_id"`
	GuestID    string            `json:"guest_id,omitempty"`
	PropertyID string            `json:"property_id"`
	DecisionID string            `json:"decision_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Text       string            `json:"text"`
	Variables  map[string]string `json:"variables,omitempty"`
}

func (EmailPayload) Channel() rules.ChannelType    { return rules.ChannelEmail }
func (SMSPayload) Channel() rules.ChannelType      { return rules.ChannelSMS }
func (WhatsAppPayload) Channel() rules.ChannelType { return rules.ChannelWhatsApp }
func (PushPayload) Channel() rules.ChannelType     { return rules.ChannelPush }
func (WebhookPayload) Channel() rules.ChannelType  { return rules.ChannelWebhook }

func missingRecipient(ch rules.ChannelType, field string) error {
	return apperrors.ErrDelivery.
		WithDetail("message", "recipient is missing").
		WithDetail("channel", string(ch)).
		WithDetail("field", field).
		AsFatal()
}

// BuildPayload shapes msg for ch.
func BuildPayload(ch rules.Channel, msg Message, req Request) (Payload, error) {
	guest := req.Event.Guest
	switch ch.Type {
	case rules.ChannelEmail:
		if guest.Email == "" {
			return nil, missingRecipient(ch.Type, "guest.email")
		}
		return EmailPayload{
			To:      guest.Email,
			ToName:  guest.Name,
			From:    ch.Settings.From,
			ReplyTo: ch.Settings.ReplyTo,
			Subject: msg.Subject,
			HTML:    msg.HTML,
			Text:    msg.Text,
		}, nil
	case rules.ChannelSMS:
		if guest.Phone == "" {
			return nil, missingRecipient(ch.Type, "guest.phone")
		}
		return SMSPayload{To: guest.Phone, SenderID: ch.Settings.SenderID, Body: msg.Text}, nil
	case rules.ChannelWhatsApp:
		if guest.Phone == "" {
			return nil, missingRecipient(ch.Type, "guest.phone")
		}
		return WhatsAppPayload{To: guest.Phone, Language: msg.Language, Body: msg.Text}, nil
	case rules.ChannelPush:
		if guest.DeviceToken == "" {
			return nil, missingRecipient(ch.Type, "guest.device_token")
		}
		return PushPayload{
			DeviceToken: guest.DeviceToken,
			Title:       msg.Subject,
			Body:        msg.Text,
			Data: map[string]string{
				"booking_id": req.Event.BookingID,
				"trigger":    req.Trigger,
			},
		}, nil
	case rules.ChannelWebhook:
		method := ch.Settings.Method
		if method == "" {
			method = http.MethodPost
		}
		headers := make(map[string]string, len(ch.Settings.Headers)+1)
		for k, v := range ch.Settings.Headers {
			headers[k] = v
		}
		applyAuth(headers, ch.Settings.Auth)
		return WebhookPayload{
			URL:     ch.Settings.URL,
			Method:  method,
			Headers: headers,
			Body: WebhookBody{
				Trigger:    req.Trigger,
				BookingID:  req.Event.BookingID,
				GuestID:    req.Event.GuestID,
				PropertyID: req.Event.PropertyID,
				DecisionID: req.DecisionID,
				Subject:    msg.Subject,
				Text:       msg.Text,
				Variables:  msg.Variables,
			},
		}, nil
	}
	return nil, apperrors.ErrConfiguration.
		WithDetail("message", "unsupported channel type").
		WithDetail("channel", string(ch.Type))
}

func applyAuth(headers map[string]string, auth rules.WebhookAuth) {
	switch auth.Type {
	case rules.AuthBearer:
		headers["Authorization"] = "Bearer " + auth.Token
	case rules.AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		headers["Authorization"] = "Basic " + creds
	case rules.AuthAPIKey:
		name := auth.HeaderName
		if name == "" {
			name = constants.HeaderAPIKey
		}
		headers[name] = auth.APIKey
	}
}
