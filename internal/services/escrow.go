package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskup/backend/internal/idempotency"
	"github.com/taskup/backend/internal/ledger"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

// CommandKind names an input to the escrow state machine. Webhook events and
// scheduler or API commands map onto the same set.
type CommandKind string

const (
	CmdPaymentAuthorized CommandKind = "payment_authorized"
	CmdPaymentSucceeded  CommandKind = "payment_succeeded"
	CmdPaymentFailed     CommandKind = "payment_failed"
	CmdPaymentCanceled   CommandKind = "payment_canceled"
	CmdExpire            CommandKind = "expire"
	CmdLockOffer         CommandKind = "lock_offer"
	CmdRelease           CommandKind = "release"
	CmdTransferCreated   CommandKind = "transfer_created"
	CmdTransferPaid      CommandKind = "transfer_paid"
	CmdTransferFailed    CommandKind = "transfer_failed"
	CmdRefund            CommandKind = "refund"
	CmdRefunded          CommandKind = "refunded"
	CmdReverse           CommandKind = "reverse"
	CmdTransferReversed  CommandKind = "transfer_reversed"
)

// Command is one input to Apply. AmountMinor, when non-zero, is the amount
// the provider reported and is checked against the order.
type Command struct {
	Kind              CommandKind
	PaymentReference  string
	TransferReference string
	AmountMinor       int64
	AutoComplete      bool
	Reason            string
	Source            string
}

// EscrowDeps are the collaborators of the escrow machine.
type EscrowDeps struct {
	DB        TxBeginner
	Orders    OrderStore
	Transfers TransferStore
	Accounts  AccountStore
	Tasks     TaskStore
	Offers    OfferStore
	Wallet    WalletStore
	Anomalies AnomalyStore
	Outbox    Outbox
	Ledger    ledger.Service
	Providers *provider.Registry
	Keys      *idempotency.Ledger
	Fees      FeePolicy
	Logger    *slog.Logger
}

// EscrowMachine owns Order.state and every escrow ledger write. All callers,
// webhook or scheduler, go through Apply.
type EscrowMachine struct {
	EscrowDeps
	locks *orderLocks
	now   func() time.Time
}

func NewEscrowMachine(d EscrowDeps) *EscrowMachine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &EscrowMachine{EscrowDeps: d, locks: newOrderLocks(), now: time.Now}
}

// Apply runs cmd against the order under the per-order lock and returns the
// resulting state. On error the returned state is the unchanged current state.
func (m *EscrowMachine) Apply(ctx context.Context, orderID uuid.UUID, cmd Command) (models.OrderState, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	if cmd.Kind == CmdReverse {
		return m.reverse(ctx, orderID, cmd)
	}
	return m.withOrder(ctx, orderID, func(tx pgx.Tx, o *models.Order) (models.OrderState, error) {
		return m.transition(ctx, tx, o, cmd)
	})
}

// withOrder locks the order row for the duration of fn and commits only when
// fn succeeds.
func (m *EscrowMachine) withOrder(ctx context.Context, orderID uuid.UUID, fn func(tx pgx.Tx, o *models.Order) (models.OrderState, error)) (models.OrderState, error) {
	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	o, err := m.Orders.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return "", fmt.Errorf("load order %s: %w", orderID, err)
	}
	from := o.State
	to, err := fn(tx, o)
	if err != nil {
		return from, err
	}
	if err := tx.Commit(ctx); err != nil {
		return from, err
	}
	if to != from {
		m.Logger.Info("escrow transition", "order_id", orderID, "from", from, "to", to)
	}
	return to, nil
}

func (m *EscrowMachine) transition(ctx context.Context, tx pgx.Tx, o *models.Order, cmd Command) (models.OrderState, error) {
	switch o.State {
	case models.OrderPending:
		switch cmd.Kind {
		case CmdPaymentAuthorized:
			return m.capture(ctx, tx, o, cmd)
		case CmdPaymentSucceeded:
			return m.hold(ctx, tx, o, cmd)
		case CmdPaymentFailed:
			return m.setState(ctx, tx, o, models.OrderFailed)
		case CmdPaymentCanceled:
			return m.cancel(ctx, tx, o, false)
		case CmdExpire:
			return m.cancel(ctx, tx, o, true)
		}
	case models.OrderHeld:
		switch cmd.Kind {
		case CmdPaymentAuthorized, CmdPaymentSucceeded:
			return o.State, ErrAlreadyApplied
		case CmdLockOffer:
			return m.lockOffer(ctx, tx, o)
		case CmdRelease:
			return m.release(ctx, tx, o, cmd)
		case CmdRefund:
			return m.refund(ctx, tx, o, cmd)
		}
	case models.OrderReleasing:
		switch cmd.Kind {
		case CmdPaymentSucceeded, CmdRelease:
			return o.State, ErrAlreadyApplied
		case CmdTransferCreated:
			return m.transferCreated(ctx, tx, o, cmd)
		case CmdTransferPaid:
			return m.transferPaid(ctx, tx, o)
		case CmdTransferFailed:
			return m.transferFailed(ctx, tx, o, cmd)
		}
	case models.OrderReleased:
		switch cmd.Kind {
		case CmdPaymentSucceeded, CmdRelease, CmdTransferCreated, CmdTransferPaid:
			return o.State, ErrAlreadyApplied
		}
	case models.OrderRefunding:
		switch cmd.Kind {
		case CmdPaymentSucceeded, CmdRefund:
			return o.State, ErrAlreadyApplied
		case CmdRefunded:
			return m.refunded(ctx, tx, o, cmd)
		}
	case models.OrderReversing:
		switch cmd.Kind {
		case CmdTransferReversed:
			return o.State, ErrAlreadyApplied
		case CmdRefunded:
			return m.refunded(ctx, tx, o, cmd)
		}
	case models.OrderRefunded, models.OrderReversed:
		switch cmd.Kind {
		case CmdRefund, CmdRefunded, CmdTransferReversed:
			return o.State, ErrAlreadyApplied
		}
	case models.OrderFailed:
		if cmd.Kind == CmdPaymentFailed {
			return o.State, ErrAlreadyApplied
		}
	case models.OrderCanceled:
		if cmd.Kind == CmdPaymentCanceled || cmd.Kind == CmdExpire {
			return o.State, ErrAlreadyApplied
		}
	}
	return o.State, &TransitionError{OrderID: o.ID, From: o.State, Command: cmd.Kind}
}

func (m *EscrowMachine) setState(ctx context.Context, tx pgx.Tx, o *models.Order, to models.OrderState) (models.OrderState, error) {
	o.State = to
	o.UpdatedAt = m.now().UTC()
	if err := m.Orders.UpdateTx(ctx, tx, o); err != nil {
		return "", err
	}
	return to, nil
}

func (m *EscrowMachine) adopt(o *models.Order, ref string) {
	if o.ProviderReference == nil && ref != "" {
		o.ProviderReference = &ref
	}
}

// capture completes a reserve/capture style payment. The order stays PENDING
// until the provider confirms the capture.
func (m *EscrowMachine) capture(ctx context.Context, tx pgx.Tx, o *models.Order, cmd Command) (models.OrderState, error) {
	m.adopt(o, cmd.PaymentReference)
	adapter, err := m.Providers.Get(o.Provider)
	if err != nil {
		return o.State, err
	}
	_, err = m.Keys.Do(ctx, "capture:"+o.ID.String(), "capture", func(ctx context.Context) (string, error) {
		return "", adapter.CaptureHold(ctx, o.Reference(), o.AmountMinor, o.Currency, "capture-"+o.ID.String())
	})
	if err != nil {
		return o.State, fmt.Errorf("capture order %s: %w", o.ID, err)
	}
	return m.setState(ctx, tx, o, models.OrderPending)
}

func (m *EscrowMachine) hold(ctx context.Context, tx pgx.Tx, o *models.Order, cmd Command) (models.OrderState, error) {
	if cmd.AmountMinor != 0 && cmd.AmountMinor != o.AmountMinor {
		m.anomaly(ctx, o, models.AnomalyAmountMismatch,
			fmt.Sprintf("payment succeeded with %d, order is %d", cmd.AmountMinor, o.AmountMinor))
		return o.State, ErrAmountMismatch
	}
	m.adopt(o, cmd.PaymentReference)
	if err := m.Ledger.Append(ctx, tx, o.ID, models.LedgerHold, o.AmountMinor); err != nil {
		return o.State, err
	}
	st, err := m.setState(ctx, tx, o, models.OrderHeld)
	if err != nil {
		return o.State, err
	}

	now := m.now().UTC()
	task, err := m.Tasks.GetByIDForUpdate(ctx, tx, o.TaskID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		m.Logger.Warn("held order has no task", "order_id", o.ID, "task_id", o.TaskID)
	case err != nil:
		return models.OrderPending, err
	default:
		task.PaymentLockedAt = &now
		task.UpdatedAt = now
		if err := m.Tasks.UpdateTx(ctx, tx, task); err != nil {
			return models.OrderPending, err
		}
		if _, err := m.Offers.LockAcceptedTx(ctx, tx, task.ID, now); err != nil {
			return models.OrderPending, err
		}
	}

	if err := m.notify(ctx, tx, models.NotifyPaymentConfirmed, o.PayerID, o, nil); err != nil {
		return models.OrderPending, err
	}
	return st, nil
}

// cancel moves a PENDING order to CANCELED and reopens its task. When the
// cancel originates here rather than at the provider, the provider-side hold
// is canceled first so a late payment cannot land on a canceled order.
func (m *EscrowMachine) cancel(ctx context.Context, tx pgx.Tx, o *models.Order, cancelAtProvider bool) (models.OrderState, error) {
	if cancelAtProvider && o.Reference() != "" {
		adapter, err := m.Providers.Get(o.Provider)
		if err != nil {
			return o.State, err
		}
		_, err = m.Keys.Do(ctx, "cancel:"+o.ID.String(), "cancel", func(ctx context.Context) (string, error) {
			return "", adapter.CancelHold(ctx, o.Reference(), "cancel-"+o.ID.String())
		})
		if err != nil {
			return o.State, fmt.Errorf("cancel hold for order %s: %w", o.ID, err)
		}
	}
	st, err := m.setState(ctx, tx, o, models.OrderCanceled)
	if err != nil {
		return o.State, err
	}
	task, err := m.Tasks.GetByIDForUpdate(ctx, tx, o.TaskID)
	if errors.Is(err, models.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return models.OrderPending, err
	}
	if task.Status == models.TaskStatusAssigned || task.Status == models.TaskStatusOpen {
		task.Status = models.TaskStatusOpen
		task.AssignedTo = nil
		task.PaymentLockedAt = nil
		task.UpdatedAt = m.now().UTC()
		if err := m.Tasks.UpdateTx(ctx, tx, task); err != nil {
			return models.OrderPending, err
		}
	}
	return st, nil
}

func (m *EscrowMachine) lockOffer(ctx context.Context, tx pgx.Tx, o *models.Order) (models.OrderState, error) {
	locked, err := m.Offers.LockAcceptedTx(ctx, tx, o.TaskID, m.now().UTC())
	if err != nil {
		return o.State, err
	}
	if !locked {
		return o.State, ErrAlreadyApplied
	}
	return o.State, nil
}

// release computes and freezes the fee split, creates the transfer and
// completes the task. Any failure before the provider accepts the transfer
// leaves the order HELD.
func (m *EscrowMachine) release(ctx context.Context, tx pgx.Tx, o *models.Order, cmd Command) (models.OrderState, error) {
	task, err := m.Tasks.GetByIDForUpdate(ctx, tx, o.TaskID)
	if err != nil {
		return o.State, fmt.Errorf("load task %s: %w", o.TaskID, err)
	}
	if cmd.AutoComplete && task.Status == models.TaskStatusDisputed {
		return o.State, &TransitionError{OrderID: o.ID, From: o.State, Command: cmd.Kind}
	}
	if task.AssignedTo == nil {
		m.anomaly(ctx, o, models.AnomalyNoAssignee, "release requested for a task without an assigned tasker")
		return o.State, ErrNoAssignee
	}
	acct, err := m.Accounts.GetForUser(ctx, *task.AssignedTo, o.Provider)
	if errors.Is(err, models.ErrNotFound) || (err == nil && !acct.PayoutsEnabled) {
		m.anomaly(ctx, o, models.AnomalyAccountNotChargeable,
			fmt.Sprintf("tasker %s has no payout-enabled %s account", task.AssignedTo, o.Provider))
		return o.State, provider.ErrAccountNotChargeable
	}
	if err != nil {
		return o.State, err
	}

	fee, amount := m.Fees.Split(o.AmountMinor)
	adapter, err := m.Providers.Get(o.Provider)
	if err != nil {
		return o.State, err
	}
	ref, err := m.Keys.Do(ctx, "transfer:"+o.ID.String(), "transfer", func(ctx context.Context) (string, error) {
		return adapter.CreateTransfer(ctx, provider.TransferRequest{
			ConnectAccountID: acct.AccountID,
			AmountMinor:      amount,
			PlatformFeeMinor: fee,
			Currency:         o.Currency,
			OrderID:          o.ID.String(),
			PaymentReference: o.Reference(),
			IdempotencyKey:   "transfer-" + o.ID.String(),
		})
	})
	if err != nil {
		if errors.Is(err, provider.ErrAccountNotChargeable) {
			m.anomaly(ctx, o, models.AnomalyAccountNotChargeable, err.Error())
		}
		return o.State, fmt.Errorf("create transfer for order %s: %w", o.ID, err)
	}

	now := m.now().UTC()
	if err := m.Transfers.CreateTx(ctx, tx, &models.Transfer{
		ID:                uuid.New(),
		OrderID:           o.ID,
		ConnectAccountID:  acct.AccountID,
		AmountMinor:       amount,
		PlatformFeeMinor:  fee,
		FeeRate:           m.Fees.FeeRate.String(),
		State:             models.TransferPending,
		ProviderReference: &ref,
		CreatedAt:         now,
		UpdatedAt:         now,
	}); err != nil {
		return o.State, err
	}
	st, err := m.setState(ctx, tx, o, models.OrderReleasing)
	if err != nil {
		return models.OrderHeld, err
	}

	task.Status = models.TaskStatusCompleted
	task.AutoCompleted = cmd.AutoComplete
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := m.Tasks.UpdateTx(ctx, tx, task); err != nil {
		return models.OrderHeld, err
	}

	if cmd.AutoComplete {
		if cashback := m.Fees.Cashback(amount); cashback > 0 {
			if _, err := m.Wallet.CreditTx(ctx, tx, &models.WalletEntry{
				ID:          uuid.New(),
				UserID:      o.PayerID,
				OrderID:     o.ID,
				Kind:        models.WalletCashback,
				AmountMinor: cashback,
				CreatedAt:   now,
			}); err != nil {
				return models.OrderHeld, err
			}
		}
	}
	return st, nil
}

func (m *EscrowMachine) transferCreated(ctx context.Context, tx pgx.Tx, o *models.Order, cmd Command) (models.OrderState, error) {
	tr, err := m.Transfers.GetByOrderTx(ctx, tx, o.ID)
	if err != nil {
		return o.State, err
	}
	if tr.ProviderReference != nil || cmd.TransferReference == "" {
		return o.State, ErrAlreadyApplied
	}
	tr.ProviderReference = &cmd.TransferReference
	tr.UpdatedAt = m.now().UTC()
	if err := m.Transfers.UpdateTx(ctx, tx, tr); err != nil {
		return o.State, err
	}
	return o.State, nil
}

func (m *EscrowMachine) transferPaid(ctx context.Context, tx pgx.Tx, o *models.Order) (models.OrderState, error) {
	tr, err := m.Transfers.GetByOrderTx(ctx, tx, o.ID)
	if err != nil {
		return o.State, err
	}
	if tr.AmountMinor > 0 {
		if err := m.Ledger.Append(ctx, tx, o.ID, models.LedgerRelease, tr.AmountMinor); err != nil {
			return o.State, err
		}
	}
	if tr.PlatformFeeMinor > 0 {
		if err := m.Ledger.Append(ctx, tx, o.ID, models.LedgerFee, tr.PlatformFeeMinor); err != nil {
			return o.State, err
		}
	}
	tr.State = models.TransferPaid
	tr.UpdatedAt = m.now().UTC()
	if err := m.Transfers.UpdateTx(ctx, tx, tr); err != nil {
		return o.State, err
	}
	st, err := m.setState(ctx, tx, o, models.OrderReleased)
	if err != nil {
		return models.OrderReleasing, err
	}
	task, err := m.Tasks.GetByIDForUpdate(ctx, tx, o.TaskID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.OrderReleasing, err
	}
	if task != nil && task.AssignedTo != nil {
		extra := map[string]any{"transfer_amount_minor": tr.AmountMinor, "platform_fee_minor": tr.PlatformFeeMinor}
		if err := m.notify(ctx, tx, models.NotifyTransferPaid, *task.AssignedTo, o, extra); err != nil {
			return models.OrderReleasing, err
		}
	}
	return st, nil
}

// transferFailed keeps the order RELEASING: the funds are neither with the
// tasker nor back in escrow, and only an operator can decide which way to go.
func (m *EscrowMachine) transferFailed(ctx context.Context, tx pgx.Tx, o *models.Order, cmd Command) (models.OrderState, error) {
	tr, err := m.Transfers.GetByOrderTx(ctx, tx, o.ID)
	if err != nil {
		return o.State, err
	}
	if tr.State == models.TransferFailed {
		return o.State, ErrAlreadyApplied
	}
	tr.State = models.TransferFailed
	tr.UpdatedAt = m.now().UTC()
	if err := m.Transfers.UpdateTx(ctx, tx, tr); err != nil {
		return o.State, err
	}
	m.anomaly(ctx, o, models.AnomalyTransferFailed, "transfer failed: "+cmd.Reason)
	return o.State, nil
}

// refund is the payer-favorable exit from HELD.
func (m *EscrowMachine) refund(ctx context.Context, tx pgx.Tx, o *models.Order, cmd Command) (models.OrderState, error) {
	if err := m.issueRefund(ctx, o, cmd.Reason); err != nil {
		return o.State, err
	}
	st, err := m.setState(ctx, tx, o, models.OrderRefunding)
	if err != nil {
		return models.OrderHeld, err
	}
	m.Logger.Info("refund issued", "order_id", o.ID, "task_id", o.TaskID, "reason", cmd.Reason, "source", cmd.Source)

	task, err := m.Tasks.GetByIDForUpdate(ctx, tx, o.TaskID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.OrderHeld, err
	}
	if task != nil {
		task.Status = models.TaskStatusCancelled
		task.UpdatedAt = m.now().UTC()
		if err := m.Tasks.UpdateTx(ctx, tx, task); err != nil {
			return models.OrderHeld, err
		}
	}
	return st, nil
}

func (m *EscrowMachine) issueRefund(ctx context.Context, o *models.Order, reason string) error {
	adapter, err := m.Providers.Get(o.Provider)
	if err != nil {
		return err
	}
	_, err = m.Keys.Do(ctx, "refund:"+o.ID.String(), "refund", func(ctx context.Context) (string, error) {
		return adapter.CreateRefund(ctx, provider.RefundRequest{
			PaymentReference: o.Reference(),
			AmountMinor:      o.AmountMinor,
			Currency:         o.Currency,
			Reason:           reason,
			IdempotencyKey:   "refund-" + o.ID.String(),
		})
	})
	if err != nil {
		return fmt.Errorf("refund order %s: %w", o.ID, err)
	}
	return nil
}

func (m *EscrowMachine) refunded(ctx context.Context, tx pgx.Tx, o *models.Order, cmd Command) (models.OrderState, error) {
	if cmd.AmountMinor != 0 && cmd.AmountMinor < o.AmountMinor {
		m.anomaly(ctx, o, models.AnomalyAmountMismatch,
			fmt.Sprintf("refund of %d reported, order is %d", cmd.AmountMinor, o.AmountMinor))
		return o.State, ErrAmountMismatch
	}
	if err := m.Ledger.Append(ctx, tx, o.ID, models.LedgerRefund, o.AmountMinor); err != nil {
		return o.State, err
	}
	from := o.State
	to := models.OrderRefunded
	if from == models.OrderReversing {
		to = models.OrderReversed
	}
	st, err := m.setState(ctx, tx, o, to)
	if err != nil {
		return from, err
	}
	if err := m.notify(ctx, tx, models.NotifyRefundIssued, o.PayerID, o, nil); err != nil {
		return from, err
	}
	return st, nil
}

// reverse refunds a RELEASED order. The transfer is clawed back first and
// committed as REVERSING before the payer refund is attempted, so a payer is
// never refunded while the tasker still holds the funds. A failed refund
// leaves the order REVERSING; issuing the command again retries the refund only.
func (m *EscrowMachine) reverse(ctx context.Context, orderID uuid.UUID, cmd Command) (models.OrderState, error) {
	st, err := m.withOrder(ctx, orderID, func(tx pgx.Tx, o *models.Order) (models.OrderState, error) {
		switch o.State {
		case models.OrderReleased:
			return m.reverseTransfer(ctx, tx, o)
		case models.OrderReversing:
			return o.State, nil
		case models.OrderReversed, models.OrderRefunded:
			return o.State, ErrAlreadyApplied
		}
		return o.State, &TransitionError{OrderID: o.ID, From: o.State, Command: cmd.Kind}
	})
	if err != nil {
		return st, err
	}
	return m.withOrder(ctx, orderID, func(tx pgx.Tx, o *models.Order) (models.OrderState, error) {
		if o.State != models.OrderReversing {
			return o.State, ErrAlreadyApplied
		}
		if err := m.issueRefund(ctx, o, cmd.Reason); err != nil {
			m.anomaly(ctx, o, models.AnomalyRefundAfterReleaseFailed, err.Error())
			return o.State, err
		}
		return o.State, nil
	})
}

func (m *EscrowMachine) reverseTransfer(ctx context.Context, tx pgx.Tx, o *models.Order) (models.OrderState, error) {
	tr, err := m.Transfers.GetByOrderTx(ctx, tx, o.ID)
	if err != nil {
		return o.State, err
	}
	adapter, err := m.Providers.Get(o.Provider)
	if err != nil {
		return o.State, err
	}
	rev, err := m.Keys.Do(ctx, "reverse:"+o.ID.String(), "reverse", func(ctx context.Context) (string, error) {
		var ref string
		if tr.ProviderReference != nil {
			ref = *tr.ProviderReference
		}
		return adapter.ReverseTransfer(ctx, ref, tr.AmountMinor, "reverse-"+o.ID.String())
	})
	if err != nil {
		if errors.Is(err, provider.ErrInsufficientConnectedBalance) {
			m.anomaly(ctx, o, models.AnomalyInsufficientConnectedBalance, err.Error())
		} else {
			m.anomaly(ctx, o, models.AnomalyRefundAfterReleaseFailed, "transfer reversal failed: "+err.Error())
		}
		return o.State, fmt.Errorf("reverse transfer for order %s: %w", o.ID, err)
	}

	if err := m.Ledger.Append(ctx, tx, o.ID, models.LedgerReversal, tr.AmountMinor); err != nil {
		return o.State, err
	}
	if tr.PlatformFeeMinor > 0 {
		if err := m.Ledger.Append(ctx, tx, o.ID, models.LedgerReversal, tr.PlatformFeeMinor); err != nil {
			return o.State, err
		}
	}
	tr.State = models.TransferReversed
	tr.ReversalReference = &rev
	tr.UpdatedAt = m.now().UTC()
	if err := m.Transfers.UpdateTx(ctx, tx, tr); err != nil {
		return o.State, err
	}
	return m.setState(ctx, tx, o, models.OrderReversing)
}

// anomaly persists an operator-visible record outside the transition's
// transaction. A failure to persist is logged, never swallowed silently.
func (m *EscrowMachine) anomaly(ctx context.Context, o *models.Order, kind, detail string) {
	recordAnomaly(ctx, m.Anomalies, m.Logger, &models.Anomaly{
		ID:        uuid.New(),
		Kind:      kind,
		OrderID:   &o.ID,
		Provider:  &o.Provider,
		Detail:    detail,
		CreatedAt: m.now().UTC(),
	})
}

func recordAnomaly(ctx context.Context, store AnomalyStore, logger *slog.Logger, a *models.Anomaly) {
	logger.Warn("anomaly", "kind", a.Kind, "order_id", a.OrderID, "event_id", a.EventID, "detail", a.Detail)
	if err := store.Create(context.WithoutCancel(ctx), a); err != nil {
		logger.Error("failed to persist anomaly", "kind", a.Kind, "order_id", a.OrderID, "error", err)
	}
}

func (m *EscrowMachine) notify(ctx context.Context, tx pgx.Tx, kind string, recipient uuid.UUID, o *models.Order, extra map[string]any) error {
	payload := map[string]any{
		"order_id":     o.ID,
		"task_id":      o.TaskID,
		"amount_minor": o.AmountMinor,
		"currency":     o.Currency,
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.Outbox.EnqueueTx(ctx, tx, models.Notification{Kind: kind, Recipient: recipient, Payload: raw})
}
