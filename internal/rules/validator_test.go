package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/pkg/cel"
	apperrors "concierge/pkg/errors"
)

func validConfig() Configuration {
	cfg := DefaultConfiguration("prop-1")
	cfg.Rules = []Rule{{
		ID:       "r-1",
		Name:     "Card failures",
		Active:   true,
		Triggers: []Trigger{{Event: "payment_failed", Expression: `payment.method == "card"`}},
		Conditions: []Condition{
			{Field: FieldLoyaltyTier, Operator: OpIn, Value: []interface{}{"gold"}},
		},
		Actions: []Action{{Type: ActionCancelBooking}},
	}}
	cfg.Templates = []Template{{ID: "t-1", Trigger: "payment_failed", Language: "en", Text: "Hi {{guest_name}}"}}
	cfg.Channels = []Channel{
		{Type: ChannelEmail, Enabled: true, Priority: 1},
		{Type: ChannelWebhook, Enabled: true, Settings: ChannelSettings{
			URL:  "https://hooks.example.com/pms",
			Auth: WebhookAuth{Type: AuthBearer, Token: "s3cret"},
		}},
	}
	return cfg
}

func TestValidateConfiguration(t *testing.T) {
	eval, err := cel.NewEvaluator()
	require.NoError(t, err)

	require.NoError(t, ValidateConfiguration(validConfig(), eval))

	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"missing property", func(c *Configuration) { c.PropertyID = "" }},
		{"duplicate rule", func(c *Configuration) { c.Rules = append(c.Rules, c.Rules[0]) }},
		{"unknown field", func(c *Configuration) { c.Rules[0].Conditions[0].Field = "shoe_size" }},
		{"unknown operator", func(c *Configuration) { c.Rules[0].Conditions[0].Operator = "like" }},
		{"in without list", func(c *Configuration) { c.Rules[0].Conditions[0].Value = "gold" }},
		{"unknown trigger", func(c *Configuration) { c.Rules[0].Triggers[0].Event = "room_cleaned" }},
		{"bad cel", func(c *Configuration) { c.Rules[0].Triggers[0].Expression = `payment.method` }},
		{"unknown action", func(c *Configuration) { c.Rules[0].Actions[0].Type = "send_fax" }},
		{"empty exemption", func(c *Configuration) { c.Rules[0].Exemptions = []Exemption{{ID: "x"}} }},
		{"zero grace", func(c *Configuration) { c.Grace.Default = 0 }},
		{"negative interval", func(c *Configuration) { c.Retry.Intervals[1] = Duration(-time.Hour) }},
		{"escalation without threshold", func(c *Configuration) { c.Escalation.Enabled = true }},
		{"template without language", func(c *Configuration) { c.Templates[0].Language = "" }},
		{"webhook without url", func(c *Configuration) { c.Channels[1].Settings.URL = "" }},
		{"bearer without token", func(c *Configuration) { c.Channels[1].Settings.Auth.Token = "" }},
		{"unknown channel", func(c *Configuration) { c.Channels[0].Type = "fax" }},
		{"unknown custom source", func(c *Configuration) {
			c.Notification.Personalization.CustomFields = []CustomField{{Name: "x", Source: "crm"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := ValidateConfiguration(cfg, eval)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestConfigurationHelpers(t *testing.T) {
	cfg := validConfig()
	cfg.Grace.ByTier = map[string]Duration{"gold": Duration(48 * time.Hour)}

	assert.Equal(t, 48*time.Hour, cfg.GraceFor("gold"))
	assert.Equal(t, 24*time.Hour, cfg.GraceFor("bronze"))

	assert.Equal(t, time.Hour, cfg.RetryDelay(0))
	assert.Equal(t, 72*time.Hour, cfg.RetryDelay(2))
	assert.Equal(t, 24*time.Hour, cfg.RetryDelay(7))

	cfg.Channels = append(cfg.Channels, Channel{Type: ChannelSMS, Enabled: true, Priority: 5}, Channel{Type: ChannelPush, Priority: 9})
	enabled := cfg.EnabledChannels()
	require.Len(t, enabled, 3)
	assert.Equal(t, ChannelSMS, enabled[0].Type)
	assert.Equal(t, ChannelEmail, enabled[1].Type)
	assert.Equal(t, ChannelWebhook, enabled[2].Type)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"90m"`)))
	assert.Equal(t, 90*time.Minute, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`3600`)))
	assert.Equal(t, time.Hour, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))

	b, err := Duration(36 * time.Hour).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"36h0m0s"`, string(b))
}
