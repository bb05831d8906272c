package config_handler

import (
	"context"

	"concierge/internal/logger"
	"concierge/pkg/models"
)

// ConfigReloader drops cached property configuration so the next event reads the stored document.
type ConfigReloader interface {
	Invalidate(propertyID string)
	ReloadAll(ctx context.Context) error
}

type Handler struct {
	expectedEventType   string
	expectedServiceType string
	reloader            ConfigReloader
	logger              logger.Logger
}

func NewHandler(expectedEventType, expectedServiceType string, reloader ConfigReloader, log logger.Logger) *Handler {
	return &Handler{
		expectedEventType:   expectedEventType,
		expectedServiceType: expectedServiceType,
		reloader:            reloader,
		logger:              log,
	}
}

func (h *Handler) HandleConfigUpdateEvent(ctx context.Context, envelope models.MessageEnvelope) error {
	eventType := envelope.EventType
	if eventType == "" {
		if v, ok := envelope.Payload["event_type"].(string); ok {
			eventType = v
		} else {
			h.logger.WarnwCtx(ctx, "Config event missing event_type", "id", envelope.ID)
			return nil
		}
	}

	if eventType != h.expectedEventType {
		return nil
	}

	var event models.ConfigUpdateEvent
	if err := envelope.DecodePayload(&event); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to decode config event", "error", err, "id", envelope.ID)
		return err
	}

	if event.ServiceType != h.expectedServiceType {
		return nil
	}

	h.logger.InfowCtx(ctx, "Received config update event",
		"action", event.Action,
		"property_id", event.PropertyID,
		"version", event.Version,
	)

	if event.FullReload() {
		if err := h.reloader.ReloadAll(ctx); err != nil {
			h.logger.ErrorwCtx(ctx, "Failed to reload configurations after config update", "error", err)
			return err
		}
		return nil
	}

	h.reloader.Invalidate(event.PropertyID)
	return nil
}
