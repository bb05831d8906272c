package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/config"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/logging"
)

type recorded struct {
	method string
	path   string
	apiKey string
	trace  string
	body   map[string]interface{}
}

func newServer(t *testing.T, status int, response string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.EscapedPath()
		rec.apiKey = r.Header.Get("X-API-Key")
		rec.trace = r.Header.Get("X-Trace-Id")
		if r.ContentLength > 0 {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rec.body))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func collaborator(url string) config.CollaboratorConfig {
	return config.CollaboratorConfig{BaseURL: url + "/", APIKey: "secret", Timeout: time.Second}
}

func TestBookingClient(t *testing.T) {
	ctx := logging.WithTraceID(context.Background(), "trace-1")

	t.Run("cancel", func(t *testing.T) {
		srv, rec := newServer(t, http.StatusNoContent, "")
		c := NewBookingClient(collaborator(srv.URL), config.CircuitBreakerConfig{})

		require.NoError(t, c.Cancel(ctx, "bk/1", "card declined"))
		assert.Equal(t, http.MethodPost, rec.method)
		assert.Equal(t, "/bookings/bk%2F1/cancel", rec.path)
		assert.Equal(t, "secret", rec.apiKey)
		assert.Equal(t, "trace-1", rec.trace)
		assert.Equal(t, "card declined", rec.body["reason"])
	})

	t.Run("hold", func(t *testing.T) {
		srv, rec := newServer(t, http.StatusOK, `{}`)
		c := NewBookingClient(collaborator(srv.URL), config.CircuitBreakerConfig{})

		until := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
		require.NoError(t, c.Hold(ctx, "bk-1", until, "grace"))
		assert.Equal(t, "/bookings/bk-1/hold", rec.path)
		assert.Equal(t, "2026-05-02T09:00:00Z", rec.body["until"])
	})

	t.Run("payment status", func(t *testing.T) {
		srv, rec := newServer(t, http.StatusOK, `{"status":"paid"}`)
		c := NewBookingClient(collaborator(srv.URL), config.CircuitBreakerConfig{})

		status, err := c.PaymentStatus(ctx, "bk-1")
		require.NoError(t, err)
		assert.Equal(t, PaymentPaid, status)
		assert.True(t, status.Settled())
		assert.Equal(t, http.MethodGet, rec.method)
		assert.Equal(t, "/bookings/bk-1/payment", rec.path)
	})

	t.Run("penalty and retry", func(t *testing.T) {
		srv, rec := newServer(t, http.StatusAccepted, "")
		c := NewBookingClient(collaborator(srv.URL), config.CircuitBreakerConfig{})

		require.NoError(t, c.ApplyPenalty(ctx, "bk-1", 25, "late payment"))
		assert.Equal(t, "/bookings/bk-1/penalties", rec.path)
		assert.Equal(t, 25.0, rec.body["amount"])

		require.NoError(t, c.RetryPayment(ctx, "bk-1", 2))
		assert.Equal(t, "/bookings/bk-1/payment/retry", rec.path)
		assert.Equal(t, 2.0, rec.body["attempt"])
	})
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, apperrors.IsNotFound},
		{http.StatusConflict, apperrors.IsConflict},
		{http.StatusUnprocessableEntity, apperrors.IsValidation},
	}
	for _, tt := range tests {
		srv, _ := newServer(t, tt.status, "nope")
		c := NewGuestClient(collaborator(srv.URL), config.CircuitBreakerConfig{})
		_, err := c.LoyaltyTier(context.Background(), "g-1")
		require.Error(t, err)
		assert.True(t, tt.check(err), "status %d: %v", tt.status, err)
	}

	srv, _ := newServer(t, http.StatusServiceUnavailable, "")
	c := NewGuestClient(collaborator(srv.URL), config.CircuitBreakerConfig{})
	_, err := c.LoyaltyTier(context.Background(), "g-1")
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.ToHTTPStatus(err))
}

func TestGuestTaskStaffPropertyClients(t *testing.T) {
	ctx := context.Background()

	srv, _ := newServer(t, http.StatusOK, `{"loyalty_tier":"gold"}`)
	tier, err := NewGuestClient(collaborator(srv.URL), config.CircuitBreakerConfig{}).LoyaltyTier(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, "gold", tier)

	srv, rec := newServer(t, http.StatusCreated, `{"id":"task-9"}`)
	id, err := NewTaskClient(collaborator(srv.URL), config.CircuitBreakerConfig{}).CreateTask(ctx, Task{
		Title:     "Call guest",
		BookingID: "bk-1",
		Priority:  "high",
	})
	require.NoError(t, err)
	assert.Equal(t, "task-9", id)
	assert.Equal(t, "/tasks", rec.path)
	assert.Equal(t, "Call guest", rec.body["title"])

	srv, rec = newServer(t, http.StatusAccepted, "")
	err = NewStaffClient(collaborator(srv.URL), config.CircuitBreakerConfig{}).NotifyStaff(ctx, StaffNotification{
		BookingID: "bk-1",
		Severity:  "high",
		Message:   "review",
	})
	require.NoError(t, err)
	assert.Equal(t, "/notifications", rec.path)
	assert.Equal(t, "review", rec.body["message"])

	srv, _ = newServer(t, http.StatusOK, `{"id":"prop-1","name":"Hotel Lumiere","phone":"+331"}`)
	p, err := NewPropertyClient(collaborator(srv.URL), config.CircuitBreakerConfig{}).Property(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, "Hotel Lumiere", p.Name)
}

func TestBookingClient_CircuitBreaker(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewBookingClient(collaborator(srv.URL), config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})

	for i := 0; i < 3; i++ {
		_, err := c.PaymentStatus(context.Background(), "bk-1")
		require.Error(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestPaymentStatusSettled(t *testing.T) {
	assert.True(t, PaymentStatus("PAID").Settled())
	assert.True(t, PaymentStatus("succeeded").Settled())
	assert.False(t, PaymentPending.Settled())
	assert.False(t, PaymentFailed.Settled())
	assert.False(t, PaymentStatus("").Settled())
}
