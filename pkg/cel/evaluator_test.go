package cel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "valid simple expression",
			expr:      `payment.method == "card"`,
			wantError: false,
		},
		{
			name:      "valid numeric comparison",
			expr:      `booking.amount > 100.0`,
			wantError: false,
		},
		{
			name:      "invalid expression",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `undefinedVar == "test"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePredicate(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	assert.NoError(t, eval.ValidatePredicate(`kind == "payment_failed"`))
	assert.Error(t, eval.ValidatePredicate(`kind`))

	for name, expr := range PredicateExamples {
		assert.NoError(t, eval.ValidatePredicate(expr), name)
	}
}

func TestEvaluatePredicate(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	act := Activation{
		Kind:   "payment_failed",
		Fields: map[string]interface{}{"booking_type": "last_minute", "stay_length": int64(2)},
		Guest:  map[string]interface{}{"loyalty_tier": "gold"},
		Booking: map[string]interface{}{
			"amount":   6200.0,
			"currency": "EUR",
		},
		Payment: map[string]interface{}{
			"method":         "card",
			"failure_code":   "card_declined",
			"failure_reason": "gateway timeout",
			"retry_count":    int64(0),
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"card declined", PredicateExamples["card_declined"], true},
		{"high value", PredicateExamples["high_value"], true},
		{"first attempt", PredicateExamples["first_attempt"], true},
		{"vip guest", PredicateExamples["vip_guest"], true},
		{"last minute", PredicateExamples["last_minute"], true},
		{"reason contains", PredicateExamples["reason_contains"], true},
		{"long stay", PredicateExamples["long_stay_discount"], false},
		{"kind mismatch", `kind == "booking_created"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluatePredicate(context.Background(), tt.expr, act)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluatePredicate_Errors(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	_, err = eval.EvaluatePredicate(context.Background(), `booking.amount`, Activation{})
	assert.Error(t, err)

	_, err = eval.EvaluatePredicate(context.Background(), `booking.amount > 1.0`, Activation{})
	assert.Error(t, err, "missing key is an evaluation error")
}
