package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskup/backend/internal/models"
)

// RetryPolicy bounds how often a transient provider failure is retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// WithRetry wraps an adapter so that calls failing with ErrProviderTimeout or
// ErrProviderUnavailable are retried with exponential backoff. The request,
// and with it the idempotency key, is reused unchanged on every attempt.
// limiter may be nil.
func WithRetry(next Adapter, policy RetryPolicy, limiter *rate.Limiter, logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, policy: policy, limiter: limiter, logger: logger, sleep: sleepCtx}
}

type retrying struct {
	next    Adapter
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *retrying) delay(attempt int) time.Duration {
	d := r.policy.BaseDelay
	for i := 0; i < attempt && d < r.policy.MaxDelay; i++ {
		d *= 2
	}
	if r.policy.MaxDelay > 0 && d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	return d
}

func (r *retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s %s: %w: %v", r.next.Name(), op, ErrProviderTimeout, err)
			}
		}
		err := fn(ctx)
		if err == nil || !Retryable(err) || attempt >= r.policy.MaxRetries {
			return err
		}
		d := r.delay(attempt)
		r.logger.Warn("provider call failed, retrying",
			"provider", r.next.Name(), "op", op, "attempt", attempt+1, "backoff", d, "error", err)
		if serr := r.sleep(ctx, d); serr != nil {
			return err
		}
	}
}

func (r *retrying) Name() models.Provider { return r.next.Name() }

func (r *retrying) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	var h *Hold
	err := r.do(ctx, "create_hold", func(ctx context.Context) error {
		var err error
		h, err = r.next.CreateHold(ctx, req)
		return err
	})
	return h, err
}

func (r *retrying) CaptureHold(ctx context.Context, reference string, amountMinor int64, currency, key string) error {
	return r.do(ctx, "capture_hold", func(ctx context.Context) error {
		return r.next.CaptureHold(ctx, reference, amountMinor, currency, key)
	})
}

func (r *retrying) CancelHold(ctx context.Context, reference, key string) error {
	return r.do(ctx, "cancel_hold", func(ctx context.Context) error {
		return r.next.CancelHold(ctx, reference, key)
	})
}

func (r *retrying) PaymentStatus(ctx context.Context, reference string) (PaymentStatus, error) {
	var st PaymentStatus
	err := r.do(ctx, "payment_status", func(ctx context.Context) error {
		var err error
		st, err = r.next.PaymentStatus(ctx, reference)
		return err
	})
	return st, err
}

func (r *retrying) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	var ref string
	err := r.do(ctx, "create_transfer", func(ctx context.Context) error {
		var err error
		ref, err = r.next.CreateTransfer(ctx, req)
		return err
	})
	return ref, err
}

func (r *retrying) TransferStatus(ctx context.Context, reference string) (TransferStatus, error) {
	var st TransferStatus
	err := r.do(ctx, "transfer_status", func(ctx context.Context) error {
		var err error
		st, err = r.next.TransferStatus(ctx, reference)
		return err
	})
	return st, err
}

func (r *retrying) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	var ref string
	err := r.do(ctx, "create_refund", func(ctx context.Context) error {
		var err error
		ref, err = r.next.CreateRefund(ctx, req)
		return err
	})
	return ref, err
}

func (r *retrying) ReverseTransfer(ctx context.Context, transferRef string, amountMinor int64, key string) (string, error) {
	var ref string
	err := r.do(ctx, "reverse_transfer", func(ctx context.Context) error {
		var err error
		ref, err = r.next.ReverseTransfer(ctx, transferRef, amountMinor, key)
		return err
	})
	return ref, err
}

func (r *retrying) CreatePayout(ctx context.Context, req PayoutRequest) (string, error) {
	var ref string
	err := r.do(ctx, "create_payout", func(ctx context.Context) error {
		var err error
		ref, err = r.next.CreatePayout(ctx, req)
		return err
	})
	return ref, err
}

func (r *retrying) CreateConnectAccount(ctx context.Context, req AccountRequest) (string, error) {
	var id string
	err := r.do(ctx, "create_connect_account", func(ctx context.Context) error {
		var err error
		id, err = r.next.CreateConnectAccount(ctx, req)
		return err
	})
	return id, err
}

func (r *retrying) AccountLink(ctx context.Context, req AccountLinkRequest) (string, error) {
	var link string
	err := r.do(ctx, "account_link", func(ctx context.Context) error {
		var err error
		link, err = r.next.AccountLink(ctx, req)
		return err
	})
	return link, err
}

// VerifyWebhook is local computation and is never retried.
func (r *retrying) VerifyWebhook(req WebhookRequest, secret string) (*Event, error) {
	return r.next.VerifyWebhook(req, secret)
}
