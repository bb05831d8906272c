package logging

import (
	"context"
)

const (
	TraceIDKey     = "trace_id"
	MessageIDKey   = "message_id"
	ServiceNameKey = "service_name"
	BookingIDKey   = "booking_id"
	PropertyIDKey  = "property_id"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

// WithBooking tags every log line written under ctx with the booking and property.
func WithBooking(ctx context.Context, bookingID, propertyID string) context.Context {
	ctx = context.WithValue(ctx, BookingIDKey, bookingID)
	return context.WithValue(ctx, PropertyIDKey, propertyID)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetMessageID(ctx context.Context) string {
	return stringValue(ctx, MessageIDKey)
}

func GetServiceName(ctx context.Context) string {
	return stringValue(ctx, ServiceNameKey)
}

func GetBookingID(ctx context.Context) string {
	return stringValue(ctx, BookingIDKey)
}

func GetPropertyID(ctx context.Context) string {
	return stringValue(ctx, PropertyIDKey)
}

func stringValue(ctx context.Context, key string) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	for _, key := range []string{TraceIDKey, MessageIDKey, ServiceNameKey, BookingIDKey, PropertyIDKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}

	return fields
}
