package services

import (
	"context"
	"errors"
	"testing"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

func newPayoutService(h *harness) *PayoutService {
	st := h.store
	return NewPayoutService(st, st.Payouts(), st.Accounts(), st.Anomalies(), st.Outbox(), h.registry, h.keys, discardLogger())
}

func TestCreatePayout_Idempotent(t *testing.T) {
	h := newHarness(t)
	svc := newPayoutService(h)
	ctx := context.Background()
	req := CreatePayoutRequest{UserID: h.taskerID, Provider: models.ProviderStripe, AmountMinor: 45000, Currency: "NOK", IdempotencyKey: "po-1"}

	first, err := svc.CreatePayout(ctx, req)
	if err != nil {
		t.Fatalf("CreatePayout: %v", err)
	}
	if first.State != models.PayoutPending || first.ProviderReference == nil {
		t.Fatalf("expected pending payout with reference, got %+v", first)
	}
	second, err := svc.CreatePayout(ctx, req)
	if err != nil {
		t.Fatalf("second CreatePayout: %v", err)
	}
	if first.ID != second.ID || h.fake.Effects("payout") != 1 {
		t.Fatal("expected the retry to return the first payout")
	}

	req.AmountMinor = 1
	if _, err := svc.CreatePayout(ctx, req); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestCreatePayout_RequiresPayoutCapability(t *testing.T) {
	h := newHarness(t)
	svc := newPayoutService(h)
	ctx := context.Background()
	if err := h.store.Accounts().UpdateCapabilities(ctx, models.ProviderStripe, "acct_tasker", true, false, ""); err != nil {
		t.Fatalf("UpdateCapabilities: %v", err)
	}

	_, err := svc.CreatePayout(ctx, CreatePayoutRequest{UserID: h.taskerID, Provider: models.ProviderStripe, AmountMinor: 100, Currency: "NOK", IdempotencyKey: "po-2"})
	if !errors.Is(err, provider.ErrAccountNotChargeable) {
		t.Fatalf("expected ErrAccountNotChargeable, got %v", err)
	}
	if len(h.fake.Calls("payout")) != 0 {
		t.Fatal("no payout may be attempted for a restricted account")
	}
}

func TestPayoutWebhooks(t *testing.T) {
	h := newHarness(t)
	d := newDispatcher(h)
	svc := d.Payouts.(*PayoutService)
	ctx := context.Background()

	p, err := svc.CreatePayout(ctx, CreatePayoutRequest{UserID: h.taskerID, Provider: models.ProviderStripe, AmountMinor: 100, Currency: "NOK", IdempotencyKey: "po-3"})
	if err != nil {
		t.Fatalf("CreatePayout: %v", err)
	}

	out := deliver(t, d, provider.Event{ID: "evt_po", Type: provider.EventPayoutFailed, PayoutReference: *p.ProviderReference, FailureReason: "account_closed"})
	if out != OutcomeApplied {
		t.Fatalf("expected applied, got %s", out)
	}
	got := h.store.Payout(p.ID)
	if got.State != models.PayoutFailed || got.FailureReason == nil || *got.FailureReason != "account_closed" {
		t.Fatalf("expected failed payout with reason, got %+v", got)
	}
	if h.notified(models.NotifyPayoutFailed) != 1 {
		t.Fatal("expected payout_failed notification")
	}
	if !h.hasAnomaly(models.AnomalyPayoutFailed) {
		t.Fatal("expected payout_failed anomaly")
	}

	out = deliver(t, d, provider.Event{ID: "evt_po_unknown", Type: provider.EventPayoutPaid, PayoutReference: "po_missing"})
	if out != OutcomeIgnored {
		t.Fatalf("expected ignored for unknown payout, got %s", out)
	}
}
