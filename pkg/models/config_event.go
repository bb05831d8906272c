package models

import "time"

const (
	EventTypePropertyConfigUpdated = "property_config_updated"
	ServiceTypeAutomation          = "automation"
)

// Config update actions.
const (
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionReload = "reload"
)

// ConfigUpdateEvent announces a change to a property's automation configuration
// so that every replica drops its cached copy.
type ConfigUpdateEvent struct {
	EventType   string    `json:"event_type"`
	ServiceType string    `json:"service_type"`
	PropertyID  string    `json:"property_id,omitempty"`
	Version     int       `json:"version,omitempty"`
	Action      string    `json:"action"`
	Timestamp   time.Time `json:"timestamp"`
	ChangedBy   string    `json:"changed_by,omitempty"`
}

func NewConfigUpdateEvent(propertyID string, version int, action, changedBy string) ConfigUpdateEvent {
	return ConfigUpdateEvent{
		EventType:   EventTypePropertyConfigUpdated,
		ServiceType: ServiceTypeAutomation,
		PropertyID:  propertyID,
		Version:     version,
		Action:      action,
		Timestamp:   time.Now().UTC(),
		ChangedBy:   changedBy,
	}
}

// FullReload reports whether receivers should reload every property rather than one.
func (e ConfigUpdateEvent) FullReload() bool {
	return e.Action == ActionReload || e.PropertyID == ""
}
