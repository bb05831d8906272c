package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound   = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrInternal   = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrConflict   = NewError("CONFLICT", "resource conflict", http.StatusConflict)
	// ErrServiceUnavailable is returned when a booking, guest, task or staff collaborator cannot be reached.
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)

	// ErrConfiguration aborts an event: missing or disabled property config, missing channel or template.
	ErrConfiguration = NewError("CONFIGURATION_ERROR", "configuration error", http.StatusUnprocessableEntity)
	// ErrDelivery is scoped to a single channel send.
	ErrDelivery = NewError("DELIVERY_ERROR", "notification delivery failed", http.StatusBadGateway)
	// ErrAction is scoped to a single action of a decision.
	ErrAction = NewError("ACTION_ERROR", "action failed", http.StatusBadGateway)
)

// permanentCodes are never worth retrying unless marked otherwise.
var permanentCodes = map[string]bool{
	ErrValidation.Code:    true,
	ErrNotFound.Code:      true,
	ErrConfiguration.Code: true,
}

type fatalMarker interface {
	error
	IsFatal() bool
}

type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]interface{}
	Cause   error
	fatal   *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	return !e.IsFatal()
}

// IsFatal honours AsFatal first, then a fatal cause, then the error code.
func (e *Error) IsFatal() bool {
	if e.fatal != nil {
		return *e.fatal
	}

	if e.Cause != nil {
		var marker fatalMarker
		if errors.As(e.Cause, &marker) {
			return marker.IsFatal()
		}
	}

	return permanentCodes[e.Code]
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	err.Details = details
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	fatal := true
	err.fatal = &fatal
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound.Code)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrValidation.Code)
}

func IsConflict(err error) bool {
	return hasCode(err, ErrConflict.Code)
}

func IsConfiguration(err error) bool {
	return hasCode(err, ErrConfiguration.Code)
}

func IsDelivery(err error) bool {
	return hasCode(err, ErrDelivery.Code)
}

func IsAction(err error) bool {
	return hasCode(err, ErrAction.Code)
}

func hasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
