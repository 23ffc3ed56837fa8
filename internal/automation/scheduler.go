// Package automation holds the periodic sweeps that move orders forward
// without a provider event: auto-completion, unpaid expiry, offer locking
// and reconciliation. Every change goes through the escrow machine, so two
// overlapping runs of the same sweep cannot double-apply.
package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
	"github.com/taskup/backend/internal/services"
)

type OrderReader interface {
	CurrentForTask(ctx context.Context, taskID uuid.UUID) (*models.Order, error)
	ListByState(ctx context.Context, state models.OrderState, updatedBefore time.Time, after models.Cursor, limit int) ([]*models.Order, error)
	ListHeldWithUnlockedOffer(ctx context.Context, after models.Cursor, limit int) ([]*models.Order, error)
}

type TaskReader interface {
	ListAutoCompletable(ctx context.Context, lockedBefore time.Time, after models.Cursor, limit int) ([]*models.Task, error)
}

type TransferReader interface {
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.Transfer, error)
}

type Config struct {
	GracePeriod    time.Duration
	UnpaidExpiry   time.Duration
	ReconcileAfter time.Duration
	BatchSize      int
}

// SweepResult counts what one sweep did. Skipped orders were already past
// the step or not eligible; Failed orders are retried on the next tick.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Scheduler struct {
	escrow    services.Applier
	orders    OrderReader
	tasks     TaskReader
	transfers TransferReader
	providers *provider.Registry
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewScheduler(escrow services.Applier, orders OrderReader, tasks TaskReader, transfers TransferReader,
	providers *provider.Registry, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		escrow: escrow, orders: orders, tasks: tasks, transfers: transfers,
		providers: providers, cfg: cfg, logger: logger.With("component", "scheduler"), now: time.Now,
	}
}

// AutoComplete releases funds for assigned tasks whose grace period has run
// out since payment was locked. Disputed tasks are rejected by the machine.
func (s *Scheduler) AutoComplete(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	before := s.now().Add(-s.cfg.GracePeriod)
	var after models.Cursor
	for {
		tasks, err := s.tasks.ListAutoCompletable(ctx, before, after, s.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		for _, t := range tasks {
			res.Scanned++
			o, err := s.orders.CurrentForTask(ctx, t.ID)
			if err != nil {
				s.logger.Error("auto-complete: load order", "task_id", t.ID, "error", err)
				res.Failed++
				continue
			}
			if o.State != models.OrderHeld {
				res.Skipped++
				continue
			}
			s.apply(ctx, &res, o.ID, services.Command{Kind: services.CmdRelease, AutoComplete: true, Source: "scheduler:auto_complete"})
		}
		if len(tasks) < s.cfg.BatchSize {
			break
		}
		last := tasks[len(tasks)-1]
		after = models.Cursor{At: *last.PaymentLockedAt, ID: last.ID}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	s.logger.Info("auto-complete sweep", "scanned", res.Scanned, "applied", res.Applied, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// ExpireUnpaid cancels orders left PENDING past the unpaid timeout. A hold
// the provider will no longer cancel is left for its succeeded webhook.
func (s *Scheduler) ExpireUnpaid(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	before := s.now().Add(-s.cfg.UnpaidExpiry)
	err := s.eachOrder(ctx, func(after models.Cursor) ([]*models.Order, error) {
		return s.orders.ListByState(ctx, models.OrderPending, before, after, s.cfg.BatchSize)
	}, func(o *models.Order) {
		res.Scanned++
		s.apply(ctx, &res, o.ID, services.Command{Kind: services.CmdExpire, Source: "scheduler:expire_unpaid"})
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("unpaid expiry sweep", "scanned", res.Scanned, "applied", res.Applied, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// LockPaidOffers locks accepted offers of HELD orders that missed the lock at
// hold time, e.g. because the offer was accepted after payment.
func (s *Scheduler) LockPaidOffers(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := s.eachOrder(ctx, func(after models.Cursor) ([]*models.Order, error) {
		return s.orders.ListHeldWithUnlockedOffer(ctx, after, s.cfg.BatchSize)
	}, func(o *models.Order) {
		res.Scanned++
		s.apply(ctx, &res, o.ID, services.Command{Kind: services.CmdLockOffer, Source: "scheduler:lock_offers"})
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("offer lock sweep", "scanned", res.Scanned, "applied", res.Applied, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// Reconcile re-derives state for orders stuck waiting on a webhook: PENDING
// orders with a provider reference and RELEASING orders. The provider's
// answer is fed to the machine as the command the missing webhook would
// have produced.
func (s *Scheduler) Reconcile(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	before := s.now().Add(-s.cfg.ReconcileAfter)

	err := s.eachOrder(ctx, func(after models.Cursor) ([]*models.Order, error) {
		return s.orders.ListByState(ctx, models.OrderPending, before, after, s.cfg.BatchSize)
	}, func(o *models.Order) {
		if o.Reference() == "" {
			return
		}
		res.Scanned++
		s.reconcilePayment(ctx, &res, o)
	})
	if err != nil {
		return res, err
	}

	err = s.eachOrder(ctx, func(after models.Cursor) ([]*models.Order, error) {
		return s.orders.ListByState(ctx, models.OrderReleasing, before, after, s.cfg.BatchSize)
	}, func(o *models.Order) {
		res.Scanned++
		s.reconcileTransfer(ctx, &res, o)
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("reconcile sweep", "scanned", res.Scanned, "applied", res.Applied, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// eachOrder walks every page list returns, so orders that stay eligible
// after a skip or failure never hide the ones behind them.
func (s *Scheduler) eachOrder(ctx context.Context, list func(after models.Cursor) ([]*models.Order, error), fn func(o *models.Order)) error {
	var after models.Cursor
	for {
		page, err := list(after)
		if err != nil {
			return err
		}
		for _, o := range page {
			fn(o)
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
		after = models.OrderCursor(page[len(page)-1])
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

var paymentCommands = map[provider.PaymentStatus]services.CommandKind{
	provider.PaymentStatusAuthorized: services.CmdPaymentAuthorized,
	provider.PaymentStatusSucceeded:  services.CmdPaymentSucceeded,
	provider.PaymentStatusFailed:     services.CmdPaymentFailed,
	provider.PaymentStatusCanceled:   services.CmdPaymentCanceled,
}

func (s *Scheduler) reconcilePayment(ctx context.Context, res *SweepResult, o *models.Order) {
	adapter, err := s.providers.Get(o.Provider)
	if err != nil {
		s.logger.Error("reconcile: no adapter", "order_id", o.ID, "provider", o.Provider)
		res.Failed++
		return
	}
	status, err := adapter.PaymentStatus(ctx, o.Reference())
	if err != nil {
		s.logger.Warn("reconcile: payment status", "order_id", o.ID, "error", err)
		res.Failed++
		return
	}
	kind, ok := paymentCommands[status]
	if !ok {
		res.Skipped++
		return
	}
	s.apply(ctx, res, o.ID, services.Command{Kind: kind, PaymentReference: o.Reference(), Source: "scheduler:reconcile"})
}

func (s *Scheduler) reconcileTransfer(ctx context.Context, res *SweepResult, o *models.Order) {
	tr, err := s.transfers.GetByOrder(ctx, o.ID)
	if err != nil || tr.ProviderReference == nil {
		s.logger.Warn("reconcile: releasing order without transfer reference", "order_id", o.ID, "error", err)
		res.Failed++
		return
	}
	adapter, err := s.providers.Get(o.Provider)
	if err != nil {
		res.Failed++
		return
	}
	status, err := adapter.TransferStatus(ctx, *tr.ProviderReference)
	if err != nil {
		s.logger.Warn("reconcile: transfer status", "order_id", o.ID, "error", err)
		res.Failed++
		return
	}
	var kind services.CommandKind
	switch status {
	case provider.TransferStatusPaid:
		kind = services.CmdTransferPaid
	case provider.TransferStatusFailed:
		kind = services.CmdTransferFailed
	default:
		res.Skipped++
		return
	}
	s.apply(ctx, res, o.ID, services.Command{Kind: kind, TransferReference: *tr.ProviderReference, Source: "scheduler:reconcile"})
}

// CancelByTasker refunds a HELD order because the tasker withdrew. It is
// payer-favorable and never runs on a timer.
func (s *Scheduler) CancelByTasker(ctx context.Context, orderID uuid.UUID, reason string) (models.OrderState, error) {
	s.logger.Info("tasker cancellation", "order_id", orderID, "reason", reason)
	return s.escrow.Apply(ctx, orderID, services.Command{Kind: services.CmdRefund, Reason: reason, Source: "tasker"})
}

func (s *Scheduler) apply(ctx context.Context, res *SweepResult, orderID uuid.UUID, cmd services.Command) {
	_, err := s.escrow.Apply(ctx, orderID, cmd)
	switch {
	case err == nil:
		res.Applied++
	case errors.Is(err, services.ErrAlreadyApplied),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, provider.ErrHoldNotCancelable):
		s.logger.Debug("sweep skipped order", "order_id", orderID, "command", cmd.Kind, "reason", err)
		res.Skipped++
	default:
		s.logger.Error("sweep failed on order", "order_id", orderID, "command", cmd.Kind, "error", err)
		res.Failed++
	}
}
