package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/idempotency"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

// Outcome is what the dispatcher did with one delivery. Every outcome is
// acknowledged to the provider; only errors returned alongside it are not.
type Outcome string

const (
	OutcomeApplied           Outcome = models.OutcomeApplied
	OutcomeAlreadyApplied    Outcome = models.OutcomeAlreadyApplied
	OutcomeIgnored           Outcome = models.OutcomeIgnored
	OutcomeInvalidTransition Outcome = models.OutcomeInvalidTransition
	OutcomeRejected          Outcome = models.OutcomeRejected
	OutcomeDuplicate         Outcome = "duplicate"
)

// Applier is the single transition entry point shared with the scheduler.
type Applier interface {
	Apply(ctx context.Context, orderID uuid.UUID, cmd Command) (models.OrderState, error)
}

// PayoutEventHandler receives payout webhooks.
type PayoutEventHandler interface {
	ApplyPayoutEvent(ctx context.Context, ev *provider.Event) error
}

type DispatcherOrderRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetByProviderReference(ctx context.Context, p models.Provider, ref string) (*models.Order, error)
	GetByTransferReference(ctx context.Context, ref string) (*models.Order, error)
}

// WebhookDispatcher runs verify, validate, dedupe, map and apply for every
// inbound provider delivery.
type WebhookDispatcher struct {
	Providers *provider.Registry
	Validator *Validator
	Events    *idempotency.Ledger
	Escrow    Applier
	Orders    DispatcherOrderRepo
	Accounts  AccountStore
	Payouts   PayoutEventHandler
	Anomalies AnomalyStore
	Logger    *slog.Logger
}

var commandFor = map[provider.EventType]CommandKind{
	provider.EventPaymentAuthorized: CmdPaymentAuthorized,
	provider.EventPaymentSucceeded:  CmdPaymentSucceeded,
	provider.EventPaymentFailed:     CmdPaymentFailed,
	provider.EventPaymentCanceled:   CmdPaymentCanceled,
	provider.EventChargeRefunded:    CmdRefunded,
	provider.EventTransferCreated:   CmdTransferCreated,
	provider.EventTransferPaid:      CmdTransferPaid,
	provider.EventTransferFailed:    CmdTransferFailed,
	provider.EventTransferReversed:  CmdTransferReversed,
}

// Handle processes one delivery. A returned error means the provider should
// be told to retry: ErrSignatureInvalid and ErrMalformedEvent are permanent
// rejections, anything else is transient and the event claim is released.
func (d *WebhookDispatcher) Handle(ctx context.Context, p models.Provider, req provider.WebhookRequest) (Outcome, error) {
	adapter, err := d.Providers.Get(p)
	if err != nil {
		return OutcomeRejected, err
	}
	ev, err := adapter.VerifyWebhook(req, d.Providers.Secret(p))
	if err != nil {
		if errors.Is(err, provider.ErrSignatureInvalid) {
			d.Logger.Warn("webhook signature rejected", "provider", p, "security", true, "error", err)
		} else {
			d.Logger.Warn("webhook rejected", "provider", p, "error", err)
		}
		return OutcomeRejected, err
	}
	if d.Validator != nil {
		if err := d.Validator.ValidateWebhook(p, req.Body); err != nil {
			d.Logger.Warn("webhook failed schema validation", "provider", p, "event_id", ev.ID, "error", err)
			return OutcomeRejected, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
		}
	}

	log := d.Logger.With("provider", p, "event_id", ev.ID, "event_type", ev.RawType)
	isNew, err := d.Events.RecordIfNew(ctx, p, ev.ID, ev.RawType)
	if err != nil {
		return "", err
	}
	if !isNew {
		log.Info("duplicate webhook delivery")
		return OutcomeDuplicate, nil
	}

	outcome, detail, err := d.route(ctx, ev)
	if err != nil {
		log.Error("webhook processing failed, releasing claim for redelivery", "error", err)
		if ferr := d.Events.Forget(context.WithoutCancel(ctx), p, ev.ID); ferr != nil {
			log.Error("failed to release webhook claim", "error", ferr)
		}
		return "", err
	}
	if err := d.Events.MarkOutcome(context.WithoutCancel(ctx), p, ev.ID, string(outcome), detail); err != nil {
		log.Error("failed to record webhook outcome", "outcome", outcome, "error", err)
	}
	log.Info("webhook handled", "outcome", outcome)
	return outcome, nil
}

func (d *WebhookDispatcher) route(ctx context.Context, ev *provider.Event) (Outcome, string, error) {
	switch ev.Type {
	case provider.EventAccountUpdated:
		return d.accountUpdated(ctx, ev)
	case provider.EventPayoutPaid, provider.EventPayoutFailed:
		if err := d.Payouts.ApplyPayoutEvent(ctx, ev); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				d.anomaly(ctx, ev, nil, models.AnomalyUnknownReference, "no payout for "+ev.PayoutReference)
				return OutcomeIgnored, "unknown payout", nil
			}
			return "", "", err
		}
		return OutcomeApplied, "", nil
	}

	kind, ok := commandFor[ev.Type]
	if !ok {
		return OutcomeIgnored, "unhandled event type", nil
	}
	o, err := d.findOrder(ctx, ev)
	if errors.Is(err, models.ErrNotFound) {
		d.anomaly(ctx, ev, nil, models.AnomalyUnknownReference, "no order matches event")
		return OutcomeIgnored, "unknown order", nil
	}
	if err != nil {
		return "", "", err
	}

	cmd := Command{
		Kind:              kind,
		PaymentReference:  ev.PaymentReference,
		TransferReference: ev.TransferReference,
		AmountMinor:       ev.AmountMinor,
		Reason:            ev.FailureReason,
		Source:            "webhook:" + string(ev.Provider) + ":" + ev.ID,
	}
	_, err = d.Escrow.Apply(ctx, o.ID, cmd)
	var te *TransitionError
	switch {
	case err == nil:
		return OutcomeApplied, "", nil
	case errors.Is(err, ErrAlreadyApplied):
		return OutcomeAlreadyApplied, "", nil
	case errors.As(err, &te):
		d.anomaly(ctx, ev, &o.ID, models.AnomalyInvalidTransition, te.Error())
		return OutcomeInvalidTransition, te.Error(), nil
	case errors.Is(err, ErrAmountMismatch):
		return OutcomeInvalidTransition, err.Error(), nil
	default:
		return "", "", err
	}
}

// findOrder routes by the order id the platform attached as metadata first,
// and by provider reference second.
func (d *WebhookDispatcher) findOrder(ctx context.Context, ev *provider.Event) (*models.Order, error) {
	if id, err := uuid.Parse(ev.OrderID); err == nil {
		o, err := d.Orders.GetByID(ctx, id)
		if err == nil && o.Provider == ev.Provider {
			return o, nil
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	if ev.TransferReference != "" {
		return d.Orders.GetByTransferReference(ctx, ev.TransferReference)
	}
	if ev.PaymentReference != "" {
		return d.Orders.GetByProviderReference(ctx, ev.Provider, ev.PaymentReference)
	}
	return nil, models.ErrNotFound
}

func (d *WebhookDispatcher) accountUpdated(ctx context.Context, ev *provider.Event) (Outcome, string, error) {
	err := d.Accounts.UpdateCapabilities(ctx, ev.Provider, ev.AccountID, ev.ChargesEnabled, ev.PayoutsEnabled, ev.AccountStatus)
	if errors.Is(err, models.ErrNotFound) {
		d.Logger.Info("capability update for unknown account", "provider", ev.Provider, "account_id", ev.AccountID)
		return OutcomeIgnored, "unknown account", nil
	}
	if err != nil {
		return "", "", err
	}
	return OutcomeApplied, "", nil
}

func (d *WebhookDispatcher) anomaly(ctx context.Context, ev *provider.Event, orderID *uuid.UUID, kind, detail string) {
	p := ev.Provider
	eventID := ev.ID
	recordAnomaly(ctx, d.Anomalies, d.Logger, &models.Anomaly{
		ID:        uuid.New(),
		Kind:      kind,
		OrderID:   orderID,
		Provider:  &p,
		EventID:   &eventID,
		Detail:    fmt.Sprintf("%s: %s", ev.RawType, detail),
		CreatedAt: time.Now().UTC(),
	})
}
