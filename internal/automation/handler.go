package automation

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"concierge/internal/history"
	"concierge/internal/logger"
	"concierge/internal/notification"
	"concierge/internal/rules"
	"concierge/pkg/cel"
	"concierge/pkg/errors"
)

const defaultReportWindow = 30 * 24 * time.Hour

// ConfigManager reads and writes property configuration documents.
type ConfigManager interface {
	Get(ctx context.Context, propertyID string) (rules.Configuration, error)
	Put(ctx context.Context, cfg rules.Configuration, changedBy string) (rules.Configuration, error)
}

type ReportBuilder interface {
	Report(ctx context.Context, from, to time.Time) (history.Report, error)
}

type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
	service *Service
	configs ConfigManager
	reports ReportBuilder
}

func NewHandler(service *Service, configs ConfigManager, reports ReportBuilder, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		service:     service,
		configs:     configs,
		reports:     reports,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		events := v1.Group("/events")
		{
			events.POST("/payment-failed", h.PaymentFailed)
			events.POST("/payment-succeeded", h.PaymentSucceeded)
			events.POST("/booking-confirmed", h.BookingConfirmed)
		}

		properties := v1.Group("/properties")
		{
			properties.GET("/:id/config", h.GetConfig)
			properties.PUT("/:id/config", h.PutConfig)
		}

		bookings := v1.Group("/bookings")
		{
			bookings.GET("/:id/decisions", h.BookingDecisions)
			bookings.GET("/:id/notifications", h.BookingNotifications)
		}

		v1.POST("/notifications/:message_id/events", h.DeliveryEvent)
		v1.GET("/analytics", h.Analytics)
		v1.GET("/rules/predicate-examples", h.PredicateExamples)
	}
}

func bindEvent(c *gin.Context, kind rules.EventKind) (rules.Event, bool) {
	var ev rules.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return rules.Event{}, false
	}
	if ev.Kind == "" {
		ev.Kind = kind
	}
	return ev, true
}

// PaymentFailed godoc
// @Summary      Handle a failed payment
// @Description  Decide hold, retry, cancel, escalate or exempt for the booking and execute the decision
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        event  body      rules.Event  true  "Payment failure event"
// @Success      200    {object}  decision.Decision
// @Failure      400    {object}  map[string]interface{}
// @Failure      422    {object}  map[string]interface{}
// @Failure      500    {object}  map[string]interface{}
// @Router       /events/payment-failed [post]
func (h *Handler) PaymentFailed(c *gin.Context) {
	ev, ok := bindEvent(c, rules.EventPaymentFailed)
	if !ok {
		return
	}

	d, err := h.service.HandlePaymentFailure(c.Request.Context(), ev)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// PaymentSucceeded godoc
// @Summary      Handle a settled payment
// @Description  Drop the booking's grace period and pending jobs
// @Tags         events
// @Accept       json
// @Param        event  body  rules.Event  true  "Payment success event"
// @Success      204    "No Content"
// @Failure      400    {object}  map[string]interface{}
// @Failure      500    {object}  map[string]interface{}
// @Router       /events/payment-succeeded [post]
func (h *Handler) PaymentSucceeded(c *gin.Context) {
	ev, ok := bindEvent(c, rules.EventPaymentSucceeded)
	if !ok {
		return
	}

	if err := h.service.HandlePaymentSucceeded(c.Request.Context(), ev); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BookingConfirmed godoc
// @Summary      Send a booking confirmation
// @Description  Dispatch the confirmation on every enabled channel and schedule follow-ups
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        event  body      rules.Event  true  "Booking created event"
// @Success      200    {array}   notification.Result
// @Failure      400    {object}  map[string]interface{}
// @Failure      422    {object}  map[string]interface{}
// @Router       /events/booking-confirmed [post]
func (h *Handler) BookingConfirmed(c *gin.Context) {
	ev, ok := bindEvent(c, rules.EventBookingCreated)
	if !ok {
		return
	}

	results, err := h.service.HandleBookingConfirmation(c.Request.Context(), ev)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// GetConfig godoc
// @Summary      Get a property's automation configuration
// @Tags         properties
// @Produce      json
// @Param        id   path      string  true  "Property ID"
// @Success      200  {object}  rules.Configuration
// @Failure      404  {object}  map[string]interface{}
// @Router       /properties/{id}/config [get]
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.configs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// PutConfig godoc
// @Summary      Replace a property's automation configuration
// @Description  Validates the document, stores it and tells every instance to reload it
// @Tags         properties
// @Accept       json
// @Produce      json
// @Param        id      path      string               true   "Property ID"
// @Param        config  body      rules.Configuration  true   "Configuration document"
// @Param        X-Changed-By  header  string  false  "Author of the change"
// @Success      200     {object}  rules.Configuration
// @Failure      400     {object}  map[string]interface{}
// @Failure      409     {object}  map[string]interface{}
// @Router       /properties/{id}/config [put]
func (h *Handler) PutConfig(c *gin.Context) {
	var cfg rules.Configuration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}
	cfg.PropertyID = c.Param("id")

	changedBy := c.GetHeader("X-Changed-By")
	if changedBy == "" {
		changedBy = "api"
	}

	saved, err := h.configs.Put(c.Request.Context(), cfg, changedBy)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// BookingDecisions godoc
// @Summary      Decision history of a booking
// @Tags         bookings
// @Produce      json
// @Param        id   path     string  true  "Booking ID"
// @Success      200  {array}  history.DecisionRecord
// @Router       /bookings/{id}/decisions [get]
func (h *Handler) BookingDecisions(c *gin.Context) {
	records, err := h.service.Decisions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if records == nil {
		records = []history.DecisionRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// BookingNotifications godoc
// @Summary      Notification results of a booking
// @Tags         bookings
// @Produce      json
// @Param        id   path     string  true  "Booking ID"
// @Success      200  {array}  notification.Result
// @Router       /bookings/{id}/notifications [get]
func (h *Handler) BookingNotifications(c *gin.Context) {
	results, err := h.service.Notifications(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if results == nil {
		results = []notification.Result{}
	}
	c.JSON(http.StatusOK, results)
}

type deliveryEventRequest struct {
	Event notification.DeliveryEvent `json:"event" binding:"required"`
	At    time.Time                  `json:"at"`
}

// DeliveryEvent godoc
// @Summary      Record a delivery receipt
// @Description  Marks a sent message as delivered, opened or clicked
// @Tags         notifications
// @Accept       json
// @Produce      json
// @Param        message_id  path      string                true  "Channel message ID"
// @Param        receipt     body      deliveryEventRequest  true  "Receipt"
// @Success      200         {object}  notification.Result
// @Failure      400         {object}  map[string]interface{}
// @Failure      404         {object}  map[string]interface{}
// @Router       /notifications/{message_id}/events [post]
func (h *Handler) DeliveryEvent(c *gin.Context) {
	var req deliveryEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	result, err := h.service.RecordDeliveryEvent(c.Request.Context(), c.Param("message_id"), req.Event, req.At)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Analytics godoc
// @Summary      Cancellation and channel statistics
// @Description  Aggregates decisions and notifications in [from, to). Defaults to the last 30 days.
// @Tags         analytics
// @Produce      json
// @Param        from  query     string  false  "RFC3339 start"
// @Param        to    query     string  false  "RFC3339 end"
// @Success      200   {object}  history.Report
// @Failure      400   {object}  map[string]interface{}
// @Router       /analytics [get]
func (h *Handler) Analytics(c *gin.Context) {
	to := h.service.now().UTC()
	from := to.Add(-defaultReportWindow)

	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.HandleError(c, errors.ErrValidation.WithDetail("field", "to").WithCause(err))
			return
		}
		to = t
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.HandleError(c, errors.ErrValidation.WithDetail("field", "from").WithCause(err))
			return
		}
		from = t
	}

	report, err := h.reports.Report(c.Request.Context(), from, to)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// PredicateExamples lists sample CEL trigger expressions for rule authors.
// @Summary      List CEL trigger predicate examples
// @Tags         rules
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /rules/predicate-examples [get]
func (h *Handler) PredicateExamples(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"examples": cel.PredicateExamples})
}
