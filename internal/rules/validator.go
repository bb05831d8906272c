package rules

import (
	"fmt"

	"concierge/pkg/cel"
	apperrors "concierge/pkg/errors"
)

var knownChannelTypes = map[ChannelType]bool{
	ChannelEmail:    true,
	ChannelSMS:      true,
	ChannelWhatsApp: true,
	ChannelPush:     true,
	ChannelWebhook:  true,
}

var knownAuthTypes = map[AuthType]bool{
	AuthNone:   true,
	AuthBearer: true,
	AuthBasic:  true,
	AuthAPIKey: true,
}

func invalid(field, format string, args ...interface{}) error {
	return apperrors.ErrValidation.
		WithDetail("message", fmt.Sprintf(format, args...)).
		WithDetail("field", field)
}

// ValidateConfiguration checks a property document before it is stored. eval may be nil to skip CEL checks.
func ValidateConfiguration(cfg Configuration, eval *cel.Evaluator) error {
	if cfg.PropertyID == "" {
		return invalid("property_id", "property_id is required")
	}

	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			return invalid(path+".id", "rule id is required")
		}
		if seen[r.ID] {
			return invalid(path+".id", "duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true

		if err := validateRule(path, r, eval); err != nil {
			return err
		}
	}

	if cfg.Grace.Enabled && cfg.Grace.Default <= 0 {
		return invalid("grace.default", "default grace must be positive when grace is enabled")
	}
	for tier, d := range cfg.Grace.ByTier {
		if d <= 0 {
			return invalid("grace.by_tier."+tier, "tier grace must be positive")
		}
	}

	if cfg.Retry.MaxRetries < 0 {
		return invalid("retry.max_retries", "max_retries must be non-negative")
	}
	if cfg.Retry.Enabled && cfg.Retry.DefaultInterval <= 0 && len(cfg.Retry.Intervals) == 0 {
		return invalid("retry.default_interval", "retry needs intervals or a default interval")
	}
	for i, d := range cfg.Retry.Intervals {
		if d <= 0 {
			return invalid(fmt.Sprintf("retry.intervals[%d]", i), "interval must be positive")
		}
	}

	if cfg.Escalation.Enabled && cfg.Escalation.AmountThreshold <= 0 {
		return invalid("escalation.amount_threshold", "amount threshold must be positive when escalation is enabled")
	}

	for i, f := range cfg.Notification.Personalization.CustomFields {
		path := fmt.Sprintf("notification.personalization.custom_fields[%d]", i)
		if f.Name == "" {
			return invalid(path+".name", "custom field name is required")
		}
		if !KnownFieldSource(f.Source) {
			return invalid(path+".source", "unknown source %s", f.Source)
		}
	}

	for i, t := range cfg.Templates {
		path := fmt.Sprintf("templates[%d]", i)
		if t.Trigger == "" {
			return invalid(path+".trigger", "template trigger is required")
		}
		if t.Language == "" {
			return invalid(path+".language", "template language is required")
		}
		if t.Text == "" && t.HTML == "" {
			return invalid(path+".text", "template needs a text or html body")
		}
	}

	for i, ch := range cfg.Channels {
		if err := validateChannel(fmt.Sprintf("channels[%d]", i), ch); err != nil {
			return err
		}
	}

	return nil
}

func validateRule(path string, r Rule, eval *cel.Evaluator) error {
	if r.Name == "" {
		return invalid(path+".name", "rule name is required")
	}
	if len(r.Triggers) == 0 {
		return invalid(path+".triggers", "at least one trigger is required")
	}
	for j, t := range r.Triggers {
		tpath := fmt.Sprintf("%s.triggers[%d]", path, j)
		if !KnownTrigger(t.Event) {
			return invalid(tpath+".event", "unknown trigger event %s", t.Event)
		}
		if t.Delay < 0 {
			return invalid(tpath+".delay", "delay must be non-negative")
		}
		if t.Repeat != nil && (t.Repeat.Count < 0 || (t.Repeat.Count > 0 && t.Repeat.Interval <= 0)) {
			return invalid(tpath+".repeat", "repeat needs a positive interval")
		}
		if t.Expression != "" && eval != nil {
			if err := eval.ValidatePredicate(t.Expression); err != nil {
				return invalid(tpath+".expression", "%v", err)
			}
		}
	}

	if err := validateConditions(path+".conditions", r.Conditions); err != nil {
		return err
	}

	for j, a := range r.Actions {
		if !KnownActionTypes[a.Type] {
			return invalid(fmt.Sprintf("%s.actions[%d].type", path, j), "unknown action type %s", a.Type)
		}
	}

	for j, ex := range r.Exemptions {
		epath := fmt.Sprintf("%s.exemptions[%d]", path, j)
		if len(ex.Conditions) == 0 {
			return invalid(epath+".conditions", "an exemption needs at least one condition")
		}
		if err := validateConditions(epath+".conditions", ex.Conditions); err != nil {
			return err
		}
	}

	return nil
}

func validateConditions(path string, conditions []Condition) error {
	for i, c := range conditions {
		cpath := fmt.Sprintf("%s[%d]", path, i)
		if !KnownField(c.Field) {
			return invalid(cpath+".field", "unknown field %s", c.Field)
		}
		if !KnownOperators[c.Operator] {
			return invalid(cpath+".operator", "unknown operator %s", c.Operator)
		}
		if c.Operator == OpIn || c.Operator == OpNotIn {
			if _, ok := toSlice(c.Value); !ok {
				return invalid(cpath+".value", "%s needs a list value", c.Operator)
			}
		}
	}
	return nil
}

func validateChannel(path string, ch Channel) error {
	if !knownChannelTypes[ch.Type] {
		return invalid(path+".type", "unknown channel type %s", ch.Type)
	}
	if ch.MaxAttempts < 0 {
		return invalid(path+".max_attempts", "max_attempts must be non-negative")
	}
	if ch.Type != ChannelWebhook {
		return nil
	}

	if ch.Settings.URL == "" {
		return invalid(path+".settings.url", "webhook url is required")
	}
	auth := ch.Settings.Auth
	if !knownAuthTypes[auth.Type] {
		return invalid(path+".settings.auth.type", "unknown auth type %s", auth.Type)
	}
	switch auth.Type {
	case AuthBearer:
		if auth.Token == "" {
			return invalid(path+".settings.auth.token", "bearer auth needs a token")
		}
	case AuthBasic:
		if auth.Username == "" {
			return invalid(path+".settings.auth.username", "basic auth needs a username")
		}
	case AuthAPIKey:
		if auth.APIKey == "" {
			return invalid(path+".settings.auth.api_key", "api key auth needs a key")
		}
	}
	return nil
}

// Custom field sources understood by the notification variable resolver.
const (
	SourceGuest    = "guest"
	SourceBooking  = "booking"
	SourceProperty = "property"
	SourceExternal = "external"
)

func KnownFieldSource(s string) bool {
	switch s {
	case SourceGuest, SourceBooking, SourceProperty, SourceExternal:
		return true
	}
	return false
}
