package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskup/backend/internal/idempotency"
	"github.com/taskup/backend/internal/ledger"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
	"github.com/taskup/backend/internal/testutil"
)

// ---------------------------------------------------------------------------
// Test harness: in-memory store, one scripted provider, a task with an
// accepted offer and a tasker with a payout-enabled account.
// ---------------------------------------------------------------------------

const testSecret = "whsec_test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store    *testutil.Store
	fake     *testutil.FakeProvider
	registry *provider.Registry
	keys     *idempotency.Ledger
	m        *EscrowMachine

	taskID   uuid.UUID
	offerID  uuid.UUID
	payerID  uuid.UUID
	taskerID uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := testutil.NewStore()
	fake := testutil.NewFakeProvider(models.ProviderStripe)
	reg := provider.NewRegistry()
	reg.Register(fake, testSecret)
	keys := idempotency.New(st.Idempotency(), idempotency.Options{}, discardLogger())

	h := &harness{
		store:    st,
		fake:     fake,
		registry: reg,
		keys:     keys,
		taskID:   uuid.New(),
		offerID:  uuid.New(),
		payerID:  uuid.New(),
		taskerID: uuid.New(),
	}
	h.m = NewEscrowMachine(EscrowDeps{
		DB:        st,
		Orders:    st.Orders(),
		Transfers: st.Transfers(),
		Accounts:  st.Accounts(),
		Tasks:     st.Tasks(),
		Offers:    st.Offers(),
		Wallet:    st.Wallet(),
		Anomalies: st.Anomalies(),
		Outbox:    st.Outbox(),
		Ledger:    ledger.NewService(st.Ledger()),
		Providers: reg,
		Keys:      keys,
		Fees: FeePolicy{
			FeeRate:      decimal.RequireFromString("0.10"),
			CashbackRate: decimal.RequireFromString("0.02"),
		},
		Logger: discardLogger(),
	})

	now := time.Now().UTC()
	st.PutTask(&models.Task{
		ID:         h.taskID,
		ClientID:   h.payerID,
		AssignedTo: &h.taskerID,
		Status:     models.TaskStatusAssigned,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	st.PutOffer(&models.Offer{
		ID:        h.offerID,
		TaskID:    h.taskID,
		TaskerID:  h.taskerID,
		Status:    models.OfferStatusAccepted,
		CreatedAt: now,
	})
	st.PutAccount(&models.ConnectAccount{
		AccountID:      "acct_tasker",
		Provider:       models.ProviderStripe,
		UserID:         h.taskerID,
		ChargesEnabled: true,
		PayoutsEnabled: true,
		Status:         "enabled",
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	return h
}

func (h *harness) createOrder(t *testing.T, amount int64) *models.Order {
	t.Helper()
	o, err := h.m.CreateOrder(context.Background(), CreateOrderRequest{
		TaskID:         h.taskID,
		PayerID:        h.payerID,
		Provider:       models.ProviderStripe,
		AmountMinor:    amount,
		Currency:       "nok",
		IdempotencyKey: "create-" + uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func (h *harness) apply(t *testing.T, o *models.Order, cmd Command) models.OrderState {
	t.Helper()
	st, err := h.m.Apply(context.Background(), o.ID, cmd)
	if err != nil {
		t.Fatalf("Apply(%s): %v", cmd.Kind, err)
	}
	return st
}

// heldOrder returns an order that has reached HELD.
func (h *harness) heldOrder(t *testing.T, amount int64) *models.Order {
	t.Helper()
	o := h.createOrder(t, amount)
	h.apply(t, o, Command{Kind: CmdPaymentSucceeded, PaymentReference: o.Reference(), AmountMinor: amount})
	return o
}

// releasedOrder returns an order whose transfer has been paid.
func (h *harness) releasedOrder(t *testing.T, amount int64) *models.Order {
	t.Helper()
	o := h.heldOrder(t, amount)
	if _, err := h.m.Complete(context.Background(), o.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	h.apply(t, o, Command{Kind: CmdTransferPaid})
	return o
}

func (h *harness) state(o *models.Order) models.OrderState {
	return h.store.Order(o.ID).State
}

func (h *harness) escrowed(t *testing.T, o *models.Order) int64 {
	t.Helper()
	return ledger.Summarize(h.store.LedgerEntries(o.ID)).Escrowed()
}

func (h *harness) hasAnomaly(kind string) bool {
	for _, k := range h.store.AnomalyKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (h *harness) notified(kind string) int {
	n := 0
	for _, x := range h.store.Notifications() {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestEscrow_HoldReleasePaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.createOrder(t, 50000)
	if o.State != models.OrderPending {
		t.Fatalf("expected PENDING, got %s", o.State)
	}
	if o.Reference() == "" || o.ClientSecret == nil {
		t.Fatalf("expected provider reference and client secret, got %+v", o)
	}
	if o.Currency != "NOK" {
		t.Fatalf("expected currency normalized to NOK, got %s", o.Currency)
	}

	st := h.apply(t, o, Command{Kind: CmdPaymentSucceeded, PaymentReference: o.Reference(), AmountMinor: 50000})
	if st != models.OrderHeld {
		t.Fatalf("expected HELD, got %s", st)
	}
	if got := h.escrowed(t, o); got != 50000 {
		t.Fatalf("expected 50000 escrowed, got %d", got)
	}
	task := h.store.Task(h.taskID)
	if task.PaymentLockedAt == nil {
		t.Fatal("expected payment_locked_at set on hold")
	}
	if !h.store.Offer(h.offerID).Locked {
		t.Fatal("expected accepted offer locked on hold")
	}
	if h.notified(models.NotifyPaymentConfirmed) != 1 {
		t.Fatal("expected one payment_confirmed notification")
	}

	st, err := h.m.Complete(ctx, o.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if st != models.OrderReleasing {
		t.Fatalf("expected RELEASING, got %s", st)
	}
	tr := h.store.Transfer(o.ID)
	if tr == nil {
		t.Fatal("expected transfer row")
	}
	if tr.AmountMinor != 45000 || tr.PlatformFeeMinor != 5000 {
		t.Fatalf("expected 45000/5000 split, got %d/%d", tr.AmountMinor, tr.PlatformFeeMinor)
	}
	if tr.FeeRate != "0.1" {
		t.Fatalf("expected frozen fee rate 0.1, got %q", tr.FeeRate)
	}
	if tr.ConnectAccountID != "acct_tasker" {
		t.Fatalf("expected transfer to acct_tasker, got %s", tr.ConnectAccountID)
	}
	task = h.store.Task(h.taskID)
	if task.Status != models.TaskStatusCompleted || task.AutoCompleted {
		t.Fatalf("expected manually completed task, got %s auto=%v", task.Status, task.AutoCompleted)
	}
	if got := h.escrowed(t, o); got != 50000 {
		t.Fatalf("funds must stay escrowed until the transfer is paid, got %d", got)
	}

	st = h.apply(t, o, Command{Kind: CmdTransferPaid, TransferReference: *tr.ProviderReference})
	if st != models.OrderReleased {
		t.Fatalf("expected RELEASED, got %s", st)
	}
	if got := h.escrowed(t, o); got != 0 {
		t.Fatalf("expected nothing escrowed after release, got %d", got)
	}
	if h.store.Transfer(o.ID).State != models.TransferPaid {
		t.Fatal("expected transfer marked paid")
	}
	if h.notified(models.NotifyTransferPaid) != 1 {
		t.Fatal("expected one transfer_paid notification")
	}
	if len(h.store.WalletEntries(h.payerID)) != 0 {
		t.Fatal("a manual completion earns no cashback")
	}
}

func TestEscrow_FeeTruncation(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 50001)

	if _, err := h.m.Complete(context.Background(), o.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	tr := h.store.Transfer(o.ID)
	if tr.PlatformFeeMinor != 5000 || tr.AmountMinor != 45001 {
		t.Fatalf("expected fee 5000 transfer 45001, got %d/%d", tr.PlatformFeeMinor, tr.AmountMinor)
	}
	if tr.PlatformFeeMinor+tr.AmountMinor != o.AmountMinor {
		t.Fatal("fee plus transfer must equal the held amount")
	}
}

func TestEscrow_CaptureKeepsPending(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, 1000)

	st := h.apply(t, o, Command{Kind: CmdPaymentAuthorized, PaymentReference: o.Reference()})
	if st != models.OrderPending {
		t.Fatalf("expected PENDING after capture, got %s", st)
	}
	h.apply(t, o, Command{Kind: CmdPaymentAuthorized, PaymentReference: o.Reference()})
	if calls := h.fake.Calls("capture"); len(calls) != 1 {
		t.Fatalf("expected a single capture call, got %d", len(calls))
	}
}

// ---------------------------------------------------------------------------
// Duplicates, ordering and concurrency
// ---------------------------------------------------------------------------

func TestEscrow_DuplicateSucceeded(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 2000)

	_, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdPaymentSucceeded, AmountMinor: 2000})
	if !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	if n := len(h.store.LedgerEntries(o.ID)); n != 1 {
		t.Fatalf("expected a single hold entry, got %d entries", n)
	}
}

func TestEscrow_TransferPaidBeforeHold(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, 2000)

	st, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdTransferPaid})
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatal("TransitionError must match ErrInvalidTransition")
	}
	if st != models.OrderPending || h.state(o) != models.OrderPending {
		t.Fatalf("order must stay PENDING, got %s", h.state(o))
	}
}

func TestEscrow_FailedIsTerminal(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, 2000)

	h.apply(t, o, Command{Kind: CmdPaymentFailed, Reason: "card_declined"})
	_, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdPaymentSucceeded, AmountMinor: 2000})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after FAILED, got %v", err)
	}
	if _, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdPaymentFailed}); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected repeated failure to be already applied, got %v", err)
	}
	if h.state(o) != models.OrderFailed {
		t.Fatalf("expected FAILED, got %s", h.state(o))
	}
}

func TestEscrow_AmountMismatch(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, 2000)

	_, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdPaymentSucceeded, AmountMinor: 1999})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if h.state(o) != models.OrderPending {
		t.Fatalf("expected PENDING, got %s", h.state(o))
	}
	if !h.hasAnomaly(models.AnomalyAmountMismatch) {
		t.Fatal("expected amount_mismatch anomaly")
	}
}

func TestEscrow_ConcurrentDelivery(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, 3000)

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		dupes   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdPaymentSucceeded, AmountMinor: 3000})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, ErrAlreadyApplied):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 1 || dupes != workers-1 {
		t.Fatalf("expected 1 applied and %d duplicates, got %d/%d", workers-1, applied, dupes)
	}
	if n := len(h.store.LedgerEntries(o.ID)); n != 1 {
		t.Fatalf("expected one hold entry, got %d", n)
	}
}

func TestEscrow_DoubleRelease(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 10000)
	ctx := context.Background()

	if _, err := h.m.Complete(ctx, o.ID); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if _, err := h.m.Complete(ctx, o.ID); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected second release to be already applied, got %v", err)
	}
	h.apply(t, o, Command{Kind: CmdTransferPaid})
	if _, err := h.m.Complete(ctx, o.ID); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected release after RELEASED to be already applied, got %v", err)
	}
	if n := h.fake.Effects("transfer"); n != 1 {
		t.Fatalf("expected one provider transfer, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Release failures
// ---------------------------------------------------------------------------

func TestEscrow_ReleaseProviderFailureLeavesHeld(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 10000)
	ctx := context.Background()

	h.fake.Fail("transfer", provider.ErrProviderUnavailable)
	st, err := h.m.Complete(ctx, o.ID)
	if !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if st != models.OrderHeld || h.state(o) != models.OrderHeld {
		t.Fatalf("expected HELD after failed release, got %s", h.state(o))
	}
	if h.store.Transfer(o.ID) != nil {
		t.Fatal("no transfer row may exist after a failed release")
	}
	if h.store.Task(h.taskID).Status != models.TaskStatusAssigned {
		t.Fatal("task must stay assigned after a failed release")
	}

	h.fake.Fail("transfer", nil)
	if _, err := h.m.Complete(ctx, o.ID); err != nil {
		t.Fatalf("retry Complete: %v", err)
	}
	calls := h.fake.Calls("transfer")
	if len(calls) != 2 || calls[0] != calls[1] {
		t.Fatalf("expected both attempts to share one idempotency key, got %v", calls)
	}
}

func TestEscrow_ReleaseWithoutPayoutAccount(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 10000)
	if err := h.store.Accounts().UpdateCapabilities(context.Background(), models.ProviderStripe, "acct_tasker", true, false, "restricted"); err != nil {
		t.Fatalf("UpdateCapabilities: %v", err)
	}

	_, err := h.m.Complete(context.Background(), o.ID)
	if !errors.Is(err, provider.ErrAccountNotChargeable) {
		t.Fatalf("expected ErrAccountNotChargeable, got %v", err)
	}
	if h.state(o) != models.OrderHeld {
		t.Fatalf("expected HELD, got %s", h.state(o))
	}
	if !h.hasAnomaly(models.AnomalyAccountNotChargeable) {
		t.Fatal("expected account_not_chargeable anomaly")
	}
	if len(h.fake.Calls("transfer")) != 0 {
		t.Fatal("no transfer may be attempted for a restricted account")
	}
}

func TestEscrow_RepeatedReleaseKeepsOneOpenAnomaly(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 10000)
	if err := h.store.Accounts().UpdateCapabilities(context.Background(), models.ProviderStripe, "acct_tasker", true, false, "restricted"); err != nil {
		t.Fatalf("UpdateCapabilities: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.m.Complete(context.Background(), o.ID); !errors.Is(err, provider.ErrAccountNotChargeable) {
			t.Fatalf("attempt %d: expected ErrAccountNotChargeable, got %v", i, err)
		}
	}

	n := 0
	for _, k := range h.store.AnomalyKinds() {
		if k == models.AnomalyAccountNotChargeable {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one open anomaly for the stuck order, got %d", n)
	}
}

func TestEscrow_ReleaseWithoutAssignee(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 10000)
	task := h.store.Task(h.taskID)
	task.AssignedTo = nil
	h.store.PutTask(task)

	if _, err := h.m.Complete(context.Background(), o.ID); !errors.Is(err, ErrNoAssignee) {
		t.Fatalf("expected ErrNoAssignee, got %v", err)
	}
	if !h.hasAnomaly(models.AnomalyNoAssignee) {
		t.Fatal("expected no_assignee anomaly")
	}
}

func TestEscrow_TransferFailedStaysReleasing(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 10000)
	if _, err := h.m.Complete(context.Background(), o.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	st := h.apply(t, o, Command{Kind: CmdTransferFailed, Reason: "account_closed"})
	if st != models.OrderReleasing {
		t.Fatalf("expected RELEASING, got %s", st)
	}
	if h.store.Transfer(o.ID).State != models.TransferFailed {
		t.Fatal("expected transfer marked failed")
	}
	if !h.hasAnomaly(models.AnomalyTransferFailed) {
		t.Fatal("expected transfer_failed anomaly")
	}
	if _, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdTransferFailed}); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected duplicate failure to be already applied, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Auto-complete
// ---------------------------------------------------------------------------

func TestEscrow_AutoCompleteCreditsCashback(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 50000)

	st := h.apply(t, o, Command{Kind: CmdRelease, AutoComplete: true, Source: "scheduler"})
	if st != models.OrderReleasing {
		t.Fatalf("expected RELEASING, got %s", st)
	}
	task := h.store.Task(h.taskID)
	if !task.AutoCompleted || task.Status != models.TaskStatusCompleted {
		t.Fatalf("expected auto-completed task, got %s auto=%v", task.Status, task.AutoCompleted)
	}
	entries := h.store.WalletEntries(h.payerID)
	if len(entries) != 1 {
		t.Fatalf("expected one cashback entry, got %d", len(entries))
	}
	// 2% of the 45000 transfer, not of the gross.
	if entries[0].AmountMinor != 900 || entries[0].Kind != models.WalletCashback {
		t.Fatalf("expected 900 cashback, got %+v", entries[0])
	}
}

func TestEscrow_AutoCompleteSkipsDisputed(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 50000)
	task := h.store.Task(h.taskID)
	task.Status = models.TaskStatusDisputed
	h.store.PutTask(task)

	_, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdRelease, AutoComplete: true})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected disputed task to block auto-complete, got %v", err)
	}
	if h.state(o) != models.OrderHeld {
		t.Fatalf("expected HELD, got %s", h.state(o))
	}
}

// ---------------------------------------------------------------------------
// Cancel and refund
// ---------------------------------------------------------------------------

func TestEscrow_ExpireCancelsHoldAndReopensTask(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, 2000)

	st := h.apply(t, o, Command{Kind: CmdExpire, Source: "scheduler"})
	if st != models.OrderCanceled {
		t.Fatalf("expected CANCELED, got %s", st)
	}
	if len(h.fake.Calls("cancel")) != 1 {
		t.Fatal("expected the provider hold canceled")
	}
	task := h.store.Task(h.taskID)
	if task.Status != models.TaskStatusOpen || task.AssignedTo != nil {
		t.Fatalf("expected reopened task, got %s assigned=%v", task.Status, task.AssignedTo)
	}
}

func TestEscrow_ProviderCancelDoesNotCallProvider(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, 2000)

	h.apply(t, o, Command{Kind: CmdPaymentCanceled})
	if len(h.fake.Calls("cancel")) != 0 {
		t.Fatal("a provider-originated cancel must not be echoed back")
	}
}

func TestEscrow_RefundFromHeld(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 20000)

	st := h.apply(t, o, Command{Kind: CmdRefund, Reason: "tasker_cancelled"})
	if st != models.OrderRefunding {
		t.Fatalf("expected REFUNDING, got %s", st)
	}
	if h.store.Task(h.taskID).Status != models.TaskStatusCancelled {
		t.Fatal("expected task cancelled")
	}
	if got := h.escrowed(t, o); got != 20000 {
		t.Fatalf("funds stay escrowed until the refund is confirmed, got %d", got)
	}

	st = h.apply(t, o, Command{Kind: CmdRefunded, AmountMinor: 20000})
	if st != models.OrderRefunded {
		t.Fatalf("expected REFUNDED, got %s", st)
	}
	if got := h.escrowed(t, o); got != 0 {
		t.Fatalf("expected nothing escrowed, got %d", got)
	}
	if h.notified(models.NotifyRefundIssued) != 1 {
		t.Fatal("expected refund_issued notification")
	}
	if _, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdRefunded}); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected duplicate refund to be already applied, got %v", err)
	}
}

func TestEscrow_PartialRefundIsAnomaly(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 20000)
	h.apply(t, o, Command{Kind: CmdRefund})

	_, err := h.m.Apply(context.Background(), o.ID, Command{Kind: CmdRefunded, AmountMinor: 100})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if h.state(o) != models.OrderRefunding {
		t.Fatalf("expected REFUNDING, got %s", h.state(o))
	}
	if !h.hasAnomaly(models.AnomalyAmountMismatch) {
		t.Fatal("expected amount_mismatch anomaly")
	}
}

func TestEscrow_RefundAfterRelease(t *testing.T) {
	h := newHarness(t)
	o := h.releasedOrder(t, 50000)

	st, err := h.m.RefundAfterRelease(context.Background(), o.ID, "work not done")
	if err != nil {
		t.Fatalf("RefundAfterRelease: %v", err)
	}
	if st != models.OrderReversing {
		t.Fatalf("expected REVERSING until the refund is confirmed, got %s", st)
	}
	if h.store.Transfer(o.ID).State != models.TransferReversed {
		t.Fatal("expected transfer reversed")
	}
	if len(h.fake.Calls("refund")) != 1 {
		t.Fatal("expected payer refund issued after reversal")
	}

	st = h.apply(t, o, Command{Kind: CmdRefunded, AmountMinor: 50000})
	if st != models.OrderReversed {
		t.Fatalf("expected REVERSED, got %s", st)
	}
	if got := h.escrowed(t, o); got != 0 {
		t.Fatalf("expected balanced ledger, got %d escrowed", got)
	}
}

func TestEscrow_RefundAfterRelease_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	o := h.releasedOrder(t, 50000)

	h.fake.Fail("reverse", fmt.Errorf("%w: balance 0", provider.ErrInsufficientConnectedBalance))
	_, err := h.m.RefundAfterRelease(context.Background(), o.ID, "work not done")
	if !errors.Is(err, provider.ErrInsufficientConnectedBalance) {
		t.Fatalf("expected ErrInsufficientConnectedBalance, got %v", err)
	}
	if h.state(o) != models.OrderReleased {
		t.Fatalf("expected RELEASED, got %s", h.state(o))
	}
	if len(h.fake.Calls("refund")) != 0 {
		t.Fatal("payer must not be refunded while the tasker still holds the funds")
	}
	if !h.hasAnomaly(models.AnomalyInsufficientConnectedBalance) {
		t.Fatal("expected insufficient_connected_balance anomaly")
	}
}

func TestEscrow_RefundAfterRelease_ResumesAfterRefundFailure(t *testing.T) {
	h := newHarness(t)
	o := h.releasedOrder(t, 50000)
	ctx := context.Background()

	h.fake.Fail("refund", provider.ErrProviderTimeout)
	st, err := h.m.RefundAfterRelease(ctx, o.ID, "work not done")
	if !errors.Is(err, provider.ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
	if st != models.OrderReversing || h.state(o) != models.OrderReversing {
		t.Fatalf("expected REVERSING after refund failure, got %s", h.state(o))
	}
	if !h.hasAnomaly(models.AnomalyRefundAfterReleaseFailed) {
		t.Fatal("expected refund_after_release_failed anomaly")
	}

	h.fake.Fail("refund", nil)
	if _, err := h.m.RefundAfterRelease(ctx, o.ID, "work not done"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n := len(h.fake.Calls("reverse")); n != 1 {
		t.Fatalf("the transfer must be reversed once, got %d calls", n)
	}
	refunds := h.fake.Calls("refund")
	if len(refunds) != 2 || refunds[0] != refunds[1] {
		t.Fatalf("expected refund retried with the same key, got %v", refunds)
	}
}

func TestEscrow_RefundAfterReleaseRejectsHeld(t *testing.T) {
	h := newHarness(t)
	o := h.heldOrder(t, 1000)

	if _, err := h.m.RefundAfterRelease(context.Background(), o.ID, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// CreateOrder
// ---------------------------------------------------------------------------

func TestCreateOrder_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := CreateOrderRequest{
		TaskID: h.taskID, PayerID: h.payerID, Provider: models.ProviderStripe,
		AmountMinor: 7000, Currency: "NOK", IdempotencyKey: "k-1",
	}

	first, err := h.m.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	second, err := h.m.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("second CreateOrder: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same order, got %s and %s", first.ID, second.ID)
	}
	if h.store.OrderCount() != 1 || h.fake.Effects("hold") != 1 {
		t.Fatalf("expected one order and one hold, got %d/%d", h.store.OrderCount(), h.fake.Effects("hold"))
	}

	req.AmountMinor = 7001
	if _, err := h.m.CreateOrder(ctx, req); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestCreateOrder_HoldFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := CreateOrderRequest{
		TaskID: h.taskID, PayerID: h.payerID, Provider: models.ProviderStripe,
		AmountMinor: 7000, Currency: "NOK", IdempotencyKey: "k-2",
	}

	h.fake.Fail("hold", provider.ErrProviderUnavailable)
	if _, err := h.m.CreateOrder(ctx, req); !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if h.store.OrderCount() != 0 {
		t.Fatal("a failed hold must not leave an order behind")
	}

	h.fake.Fail("hold", nil)
	o, err := h.m.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("retry CreateOrder: %v", err)
	}
	calls := h.fake.Calls("hold")
	if len(calls) != 2 || calls[0] != calls[1] || calls[0] != "taskup-"+o.ID.String() {
		t.Fatalf("expected both holds keyed on the order id, got %v", calls)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	h := newHarness(t)
	base := CreateOrderRequest{
		TaskID: h.taskID, PayerID: h.payerID, Provider: models.ProviderStripe,
		AmountMinor: 100, Currency: "NOK", IdempotencyKey: "k",
	}
	cases := map[string]func(r *CreateOrderRequest){
		"zero amount":  func(r *CreateOrderRequest) { r.AmountMinor = 0 },
		"bad currency": func(r *CreateOrderRequest) { r.Currency = "NO" },
		"no key":       func(r *CreateOrderRequest) { r.IdempotencyKey = "" },
		"no task":      func(r *CreateOrderRequest) { r.TaskID = uuid.Nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			if _, err := h.m.CreateOrder(context.Background(), req); !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}

	base.Provider = "paypal"
	if _, err := h.m.CreateOrder(context.Background(), base); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
