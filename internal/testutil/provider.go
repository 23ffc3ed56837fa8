package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

// SignatureHeader carries the shared secret in FakeProvider webhooks.
const SignatureHeader = "X-Fake-Signature"

// FakeProvider is a scripted provider.Adapter. Mutating calls are idempotent
// per key like the real providers; errors set with Fail are returned until
// cleared.
type FakeProvider struct {
	mu sync.Mutex

	name     models.Provider
	errs     map[string]error
	calls    map[string][]string
	results  map[string]string
	seq      int
	Payments map[string]provider.PaymentStatus
	Xfers    map[string]provider.TransferStatus
}

func NewFakeProvider(name models.Provider) *FakeProvider {
	return &FakeProvider{
		name:     name,
		errs:     make(map[string]error),
		calls:    make(map[string][]string),
		results:  make(map[string]string),
		Payments: make(map[string]provider.PaymentStatus),
		Xfers:    make(map[string]provider.TransferStatus),
	}
}

// Fail makes op return err. A nil err clears it.
func (f *FakeProvider) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Calls returns the idempotency keys op was called with, in order.
func (f *FakeProvider) Calls(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[op]...)
}

// Effects counts distinct keys op succeeded with.
func (f *FakeProvider) Effects(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.results {
		if len(k) > len(op) && k[:len(op)+1] == op+"|" {
			n++
		}
	}
	return n
}

func (f *FakeProvider) call(op, key, prefix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op] = append(f.calls[op], key)
	if err := f.errs[op]; err != nil {
		return "", err
	}
	rk := op + "|" + key
	if ref, ok := f.results[rk]; ok {
		return ref, nil
	}
	f.seq++
	ref := fmt.Sprintf("%s_%d", prefix, f.seq)
	f.results[rk] = ref
	return ref, nil
}

func (f *FakeProvider) Name() models.Provider { return f.name }

func (f *FakeProvider) CreateHold(_ context.Context, req provider.HoldRequest) (*provider.Hold, error) {
	ref, err := f.call("hold", req.IdempotencyKey, "pi")
	if err != nil {
		return nil, err
	}
	return &provider.Hold{Reference: ref, ClientSecret: ref + "_secret"}, nil
}

func (f *FakeProvider) CaptureHold(_ context.Context, _ string, _ int64, _, key string) error {
	_, err := f.call("capture", key, "cap")
	return err
}

func (f *FakeProvider) CancelHold(_ context.Context, _ string, key string) error {
	_, err := f.call("cancel", key, "cnl")
	return err
}

func (f *FakeProvider) PaymentStatus(_ context.Context, ref string) (provider.PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["payment_status"] = append(f.calls["payment_status"], ref)
	if err := f.errs["payment_status"]; err != nil {
		return "", err
	}
	if s, ok := f.Payments[ref]; ok {
		return s, nil
	}
	return provider.PaymentStatusPending, nil
}

func (f *FakeProvider) CreateTransfer(_ context.Context, req provider.TransferRequest) (string, error) {
	return f.call("transfer", req.IdempotencyKey, "tr")
}

func (f *FakeProvider) TransferStatus(_ context.Context, ref string) (provider.TransferStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["transfer_status"] = append(f.calls["transfer_status"], ref)
	if err := f.errs["transfer_status"]; err != nil {
		return "", err
	}
	if s, ok := f.Xfers[ref]; ok {
		return s, nil
	}
	return provider.TransferStatusPending, nil
}

func (f *FakeProvider) CreateRefund(_ context.Context, req provider.RefundRequest) (string, error) {
	return f.call("refund", req.IdempotencyKey, "re")
}

func (f *FakeProvider) ReverseTransfer(_ context.Context, _ string, _ int64, key string) (string, error) {
	return f.call("reverse", key, "trr")
}

func (f *FakeProvider) CreatePayout(_ context.Context, req provider.PayoutRequest) (string, error) {
	return f.call("payout", req.IdempotencyKey, "po")
}

func (f *FakeProvider) CreateConnectAccount(_ context.Context, req provider.AccountRequest) (string, error) {
	return f.call("account", req.IdempotencyKey, "acct")
}

// AccountLink records the account id instead of a key; links carry none.
func (f *FakeProvider) AccountLink(_ context.Context, req provider.AccountLinkRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["account_link"] = append(f.calls["account_link"], req.AccountID)
	if err := f.errs["account_link"]; err != nil {
		return "", err
	}
	return "https://connect.test/onboard/" + req.AccountID, nil
}

// VerifyWebhook accepts a JSON-encoded provider.Event whose SignatureHeader
// equals the secret.
func (f *FakeProvider) VerifyWebhook(req provider.WebhookRequest, secret string) (*provider.Event, error) {
	if req.Header.Get(SignatureHeader) != secret {
		return nil, provider.ErrSignatureInvalid
	}
	var ev provider.Event
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", provider.ErrMalformedEvent)
	}
	ev.Provider = f.name
	return &ev, nil
}

// Webhook builds a signed delivery for ev.
func Webhook(ev provider.Event, secret string) provider.WebhookRequest {
	body, _ := json.Marshal(ev)
	req := provider.WebhookRequest{Body: body, Header: make(map[string][]string), Host: "api.test", Path: "/webhooks/fake"}
	req.Header.Set(SignatureHeader, secret)
	return req
}
