package clients

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"concierge/internal/config"
)

type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "paid"
	PaymentPending  PaymentStatus = "pending"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Settled reports whether nothing is owed any more.
func (s PaymentStatus) Settled() bool {
	switch PaymentStatus(strings.ToLower(string(s))) {
	case PaymentPaid, "succeeded", "captured":
		return true
	}
	return false
}

type BookingService interface {
	Cancel(ctx context.Context, bookingID, reason string) error
	Hold(ctx context.Context, bookingID string, until time.Time, reason string) error
	PaymentStatus(ctx context.Context, bookingID string) (PaymentStatus, error)
	ApplyPenalty(ctx context.Context, bookingID string, amount float64, reason string) error
	RetryPayment(ctx context.Context, bookingID string, attempt int) error
}

type GuestService interface {
	LoyaltyTier(ctx context.Context, guestID string) (string, error)
}

type Task struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	BookingID   string     `json:"booking_id"`
	PropertyID  string     `json:"property_id"`
	Priority    string     `json:"priority,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

type TaskService interface {
	CreateTask(ctx context.Context, task Task) (string, error)
}

type StaffNotification struct {
	PropertyID string `json:"property_id"`
	BookingID  string `json:"booking_id"`
	Channel    string `json:"channel,omitempty"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

type StaffNotifier interface {
	NotifyStaff(ctx context.Context, n StaffNotification) error
}

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

type PropertyDirectory interface {
	Property(ctx context.Context, propertyID string) (Property, error)
}

type BookingClient struct {
	rest *restClient
}

func NewBookingClient(cfg config.CollaboratorConfig, cb config.CircuitBreakerConfig) *BookingClient {
	return &BookingClient{rest: newRESTClient("booking-service", cfg, cb)}
}

func bookingPath(bookingID, suffix string) string {
	return "/bookings/" + url.PathEscape(bookingID) + suffix
}

func (c *BookingClient) Cancel(ctx context.Context, bookingID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.rest.do(ctx, http.MethodPost, bookingPath(bookingID, "/cancel"), body, nil)
}

func (c *BookingClient) Hold(ctx context.Context, bookingID string, until time.Time, reason string) error {
	body := map[string]interface{}{"until": until.UTC(), "reason": reason}
	return c.rest.do(ctx, http.MethodPost, bookingPath(bookingID, "/hold"), body, nil)
}

func (c *BookingClient) PaymentStatus(ctx context.Context, bookingID string) (PaymentStatus, error) {
	var out struct {
		Status PaymentStatus `json:"status"`
	}
	if err := c.rest.do(ctx, http.MethodGet, bookingPath(bookingID, "/payment"), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *BookingClient) ApplyPenalty(ctx context.Context, bookingID string, amount float64, reason string) error {
	body := map[string]interface{}{"amount": amount, "reason": reason}
	return c.rest.do(ctx, http.MethodPost, bookingPath(bookingID, "/penalties"), body, nil)
}

func (c *BookingClient) RetryPayment(ctx context.Context, bookingID string, attempt int) error {
	body := map[string]interface{}{"attempt": attempt}
	return c.rest.do(ctx, http.MethodPost, bookingPath(bookingID, "/payment/retry"), body, nil)
}

type GuestClient struct {
	rest *restClient
}

func NewGuestClient(cfg config.CollaboratorConfig, cb config.CircuitBreakerConfig) *GuestClient {
	return &GuestClient{rest: newRESTClient("guest-service", cfg, cb)}
}

func (c *GuestClient) LoyaltyTier(ctx context.Context, guestID string) (string, error) {
	var out struct {
		LoyaltyTier string `json:"loyalty_tier"`
	}
	if err := c.rest.do(ctx, http.MethodGet, "/guests/"+url.PathEscape(guestID), nil, &out); err != nil {
		return "", err
	}
	return out.LoyaltyTier, nil
}

type TaskClient struct {
	rest *restClient
}

func NewTaskClient(cfg config.CollaboratorConfig, cb config.CircuitBreakerConfig) *TaskClient {
	return &TaskClient{rest: newRESTClient("task-service", cfg, cb)}
}

func (c *TaskClient) CreateTask(ctx context.Context, task Task) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.rest.do(ctx, http.MethodPost, "/tasks", task, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

type StaffClient struct {
	rest *restClient
}

func NewStaffClient(cfg config.CollaboratorConfig, cb config.CircuitBreakerConfig) *StaffClient {
	return &StaffClient{rest: newRESTClient("staff-service", cfg, cb)}
}

func (c *StaffClient) NotifyStaff(ctx context.Context, n StaffNotification) error {
	return c.rest.do(ctx, http.MethodPost, "/notifications", n, nil)
}

type PropertyClient struct {
	rest *restClient
}

func NewPropertyClient(cfg config.CollaboratorConfig, cb config.CircuitBreakerConfig) *PropertyClient {
	return &PropertyClient{rest: newRESTClient("property-service", cfg, cb)}
}

func (c *PropertyClient) Property(ctx context.Context, propertyID string) (Property, error) {
	var out Property
	if err := c.rest.do(ctx, http.MethodGet, "/properties/"+url.PathEscape(propertyID), nil, &out); err != nil {
		return Property{}, err
	}
	return out, nil
}
