package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "concierge/pkg/errors"
	"concierge/pkg/logging"
)

// HeaderRequestID is echoed back on every response.
const HeaderRequestID = "X-Request-ID"

type requestLogger interface {
	InfowCtx(ctx context.Context, msg string, keysAndValues ...interface{})
	ErrorwCtx(ctx context.Context, msg string, keysAndValues ...interface{})
}

// LoggerMiddleware logs one line per request. Booking and property ids from the route are
// attached to the request context so handler logs carry them too.
func LoggerMiddleware(logger requestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		if id := c.Param("id"); id != "" {
			ctx := c.Request.Context()
			if strings.HasPrefix(c.FullPath(), "/api/v1/properties/") {
				ctx = logging.WithBooking(ctx, "", id)
			} else {
				ctx = logging.WithBooking(ctx, id, "")
			}
			c.Request = c.Request.WithContext(ctx)
		}

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		statusCode := c.Writer.Status()
		logFields := []interface{}{
			"status", statusCode,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logFields = append(logFields, "error", errorMessage)
		}

		if statusCode >= 500 {
			logger.ErrorwCtx(c.Request.Context(), "HTTP Request", logFields...)
		} else {
			logger.InfowCtx(c.Request.Context(), "HTTP Request", logFields...)
		}
	}
}

// RecoveryMiddleware turns a handler panic into a 500 with the standard error body.
func RecoveryMiddleware(logger requestLogger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err := apperrors.RecoverPanic(recovered)
		logger.ErrorwCtx(c.Request.Context(), "Panic recovered",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(apperrors.ToHTTPStatus(err), gin.H{
			"error":      "internal server error",
			"error_code": apperrors.ErrInternal.Code,
		})
	})
}

// RequestIDMiddleware reuses the caller's X-Request-ID or assigns one, and uses it as the trace id in logs.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(logging.WithTraceID(c.Request.Context(), requestID))
		c.Next()
	}
}
