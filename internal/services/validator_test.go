package services

import (
	"errors"
	"testing"

	"github.com/taskup/backend/internal/models"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidateWebhook_Stripe_Valid(t *testing.T) {
	v := newTestValidator(t)

	body := `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":500,"currency":"nok","metadata":{"order_id":"x"}}}}`
	if err := v.ValidateWebhook(models.ProviderStripe, []byte(body)); err != nil {
		t.Fatalf("expected valid stripe event, got: %v", err)
	}
}

func TestValidateWebhook_Stripe_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name string
		body string
	}{
		{name: "missing data", body: `{"id":"evt_1","type":"payment_intent.succeeded"}`},
		{name: "id without evt_ prefix", body: `{"id":"1","type":"x","data":{"object":{"id":"pi"}}}`},
		{name: "negative amount", body: `{"id":"evt_1","type":"x","data":{"object":{"id":"pi","amount":-5}}}`},
		{name: "non-string metadata", body: `{"id":"evt_1","type":"x","data":{"object":{"id":"pi","metadata":{"order_id":7}}}}`},
		{name: "not JSON", body: `{"id":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateWebhook(models.ProviderStripe, []byte(tc.body))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got: %v", err)
			}
		})
	}
}

func TestValidateWebhook_Vipps(t *testing.T) {
	v := newTestValidator(t)

	ok := `{"reference":"o1","pspReference":"p","name":"CAPTURED","amount":{"currency":"NOK","value":100},"success":true}`
	if err := v.ValidateWebhook(models.ProviderVipps, []byte(ok)); err != nil {
		t.Fatalf("expected valid vipps event, got: %v", err)
	}

	for _, bad := range []string{
		`{"reference":"o1","name":"captured"}`,
		`{"name":"CAPTURED"}`,
		`{"reference":"o1","name":"CAPTURED","amount":{"currency":"NOK"}}`,
	} {
		if err := v.ValidateWebhook(models.ProviderVipps, []byte(bad)); !errors.Is(err, ErrValidation) {
			t.Errorf("body %s: expected ErrValidation, got %v", bad, err)
		}
	}
}

func TestValidateWebhook_UnknownProvider(t *testing.T) {
	v := newTestValidator(t)
	if err := v.ValidateWebhook(models.Provider("paypal"), []byte(`{}`)); err == nil {
		t.Fatal("expected error for provider without schema")
	}
}
