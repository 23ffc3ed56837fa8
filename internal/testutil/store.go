package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskup/backend/internal/models"
)

// Store is an in-memory database. Its views implement the repository
// interfaces the services consume.
type Store struct {
	mu sync.Mutex

	orders        map[uuid.UUID]*models.Order
	ledger        []models.LedgerEntry
	transfers     map[uuid.UUID]*models.Transfer
	accounts      map[string]*models.ConnectAccount
	tasks         map[uuid.UUID]*models.Task
	offers        map[uuid.UUID]*models.Offer
	wallet        map[string]*models.WalletEntry
	anomalies     []*models.Anomaly
	payouts       map[uuid.UUID]*models.Payout
	events        map[string]*models.WebhookEventRecord
	keys          map[string]*models.IdempotencyRecord
	notifications []models.Notification

	// Rollbacks counts transactions rolled back with pending writes or not.
	Rollbacks int
}

func NewStore() *Store {
	return &Store{
		orders:    make(map[uuid.UUID]*models.Order),
		transfers: make(map[uuid.UUID]*models.Transfer),
		accounts:  make(map[string]*models.ConnectAccount),
		tasks:     make(map[uuid.UUID]*models.Task),
		offers:    make(map[uuid.UUID]*models.Offer),
		wallet:    make(map[string]*models.WalletEntry),
		payouts:   make(map[uuid.UUID]*models.Payout),
		events:    make(map[string]*models.WebhookEventRecord),
		keys:      make(map[string]*models.IdempotencyRecord),
	}
}

// Begin makes Store a TxBeginner.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{store: s}, nil
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

// ---------------------------------------------------------------------------
// seeding and inspection
// ---------------------------------------------------------------------------

func (s *Store) PutTask(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

func (s *Store) PutOffer(o *models.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.offers[o.ID] = &cp
}

func (s *Store) PutAccount(a *models.ConnectAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.AccountID] = &cp
}

func (s *Store) PutOrder(o *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
}

func (s *Store) PutTransfer(t *models.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.transfers[t.OrderID] = &cp
}

func (s *Store) PutLedgerEntry(e models.LedgerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, e)
}

func (s *Store) Task(id uuid.UUID) *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		cp := *t
		return &cp
	}
	return nil
}

func (s *Store) Offer(id uuid.UUID) *models.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.offers[id]; ok {
		cp := *o
		return &cp
	}
	return nil
}

func (s *Store) Order(id uuid.UUID) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		cp := *o
		return &cp
	}
	return nil
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) Transfer(orderID uuid.UUID) *models.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[orderID]; ok {
		cp := *t
		return &cp
	}
	return nil
}

func (s *Store) LedgerEntries(orderID uuid.UUID) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) WalletEntries(userID uuid.UUID) []models.WalletEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WalletEntry
	for _, e := range s.wallet {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out
}

func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.notifications...)
}

func (s *Store) AnomalyKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.anomalies {
		out = append(out, a.Kind)
	}
	return out
}

func (s *Store) Account(accountID string) *models.ConnectAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[accountID]; ok {
		cp := *a
		return &cp
	}
	return nil
}

func (s *Store) Payout(id uuid.UUID) *models.Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payouts[id]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (s *Store) Event(p models.Provider, eventID string) *models.WebhookEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.events[eventKey(p, eventID)]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type Orders struct{ s *Store }

func (s *Store) Orders() *Orders { return &Orders{s} }

func (r *Orders) CreateTx(_ context.Context, tx pgx.Tx, o *models.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.orders {
		if existing.IdempotencyKey == o.IdempotencyKey {
			return uniqueViolation("orders_idempotency_key_key")
		}
	}
	if _, ok := r.s.orders[o.ID]; ok {
		return uniqueViolation("orders_pkey")
	}
	putUndo(r.s, tx, r.s.orders, o.ID)
	cp := *o
	r.s.orders[o.ID] = &cp
	return nil
}

func (r *Orders) get(match func(*models.Order) bool) (*models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.orders {
		if match(o) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *Orders) GetByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	return r.get(func(o *models.Order) bool { return o.ID == id })
}

func (r *Orders) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *Orders) GetByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	return r.get(func(o *models.Order) bool { return o.IdempotencyKey == key })
}

func (r *Orders) GetByProviderReference(_ context.Context, p models.Provider, ref string) (*models.Order, error) {
	return r.get(func(o *models.Order) bool { return o.Provider == p && o.Reference() == ref })
}

func (r *Orders) GetByTransferReference(ctx context.Context, ref string) (*models.Order, error) {
	r.s.mu.Lock()
	var orderID uuid.UUID
	for _, t := range r.s.transfers {
		if t.ProviderReference != nil && *t.ProviderReference == ref {
			orderID = t.OrderID
		}
	}
	r.s.mu.Unlock()
	if orderID == uuid.Nil {
		return nil, models.ErrNotFound
	}
	return r.GetByID(ctx, orderID)
}

func (r *Orders) CurrentForTask(_ context.Context, taskID uuid.UUID) (*models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Order
	for _, o := range r.s.orders {
		if o.TaskID == taskID {
			list = append(list, o)
		}
	}
	if len(list) == 0 {
		return nil, models.ErrNotFound
	}
	dead := func(o *models.Order) bool { return o.State == models.OrderFailed || o.State == models.OrderCanceled }
	sort.Slice(list, func(i, j int) bool {
		if dead(list[i]) != dead(list[j]) {
			return !dead(list[i])
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	cp := *list[0]
	return &cp, nil
}

func (r *Orders) UpdateTx(_ context.Context, tx pgx.Tx, o *models.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[o.ID]; !ok {
		return models.ErrNotFound
	}
	putUndo(r.s, tx, r.s.orders, o.ID)
	cp := *o
	r.s.orders[o.ID] = &cp
	return nil
}

func (r *Orders) ListByState(_ context.Context, state models.OrderState, updatedBefore time.Time, after models.Cursor, limit int) ([]*models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Order
	for _, o := range r.s.orders {
		if o.State == state && o.UpdatedAt.Before(updatedBefore) && after.Precedes(o.UpdatedAt, o.ID) {
			cp := *o
			list = append(list, &cp)
		}
	}
	return pageOrders(list, limit), nil
}

func (r *Orders) ListHeldWithUnlockedOffer(_ context.Context, after models.Cursor, limit int) ([]*models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Order
	for _, o := range r.s.orders {
		if o.State != models.OrderHeld || !after.Precedes(o.UpdatedAt, o.ID) {
			continue
		}
		for _, f := range r.s.offers {
			if f.TaskID == o.TaskID && f.Status == models.OfferStatusAccepted && !f.Locked {
				cp := *o
				list = append(list, &cp)
				break
			}
		}
	}
	return pageOrders(list, limit), nil
}

// pageOrders sorts by (updated_at, id) and cuts the page.
func pageOrders(list []*models.Order, limit int) []*models.Order {
	sort.Slice(list, func(i, j int) bool {
		return models.OrderCursor(list[i]).Precedes(list[j].UpdatedAt, list[j].ID)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

type Ledger struct{ s *Store }

func (s *Store) Ledger() *Ledger { return &Ledger{s} }

func (r *Ledger) AppendTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := len(r.s.ledger)
	r.s.onRollback(tx, func() { r.s.ledger = r.s.ledger[:n] })
	r.s.ledger = append(r.s.ledger, *e)
	return nil
}

func (r *Ledger) ListByOrderTx(_ context.Context, _ pgx.Tx, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	return r.s.LedgerEntries(orderID), nil
}

// ---------------------------------------------------------------------------
// Transfers
// ---------------------------------------------------------------------------

type Transfers struct{ s *Store }

func (s *Store) Transfers() *Transfers { return &Transfers{s} }

func (r *Transfers) CreateTx(_ context.Context, tx pgx.Tx, t *models.Transfer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.transfers[t.OrderID]; ok {
		return uniqueViolation("transfers_order_id_key")
	}
	putUndo(r.s, tx, r.s.transfers, t.OrderID)
	cp := *t
	r.s.transfers[t.OrderID] = &cp
	return nil
}

func (r *Transfers) GetByOrderTx(_ context.Context, _ pgx.Tx, orderID uuid.UUID) (*models.Transfer, error) {
	if t := r.s.Transfer(orderID); t != nil {
		return t, nil
	}
	return nil, models.ErrNotFound
}

func (r *Transfers) GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.Transfer, error) {
	return r.GetByOrderTx(ctx, nil, orderID)
}

func (r *Transfers) UpdateTx(_ context.Context, tx pgx.Tx, t *models.Transfer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	putUndo(r.s, tx, r.s.transfers, t.OrderID)
	cp := *t
	r.s.transfers[t.OrderID] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type Accounts struct{ s *Store }

func (s *Store) Accounts() *Accounts { return &Accounts{s} }

func (r *Accounts) GetForUser(_ context.Context, userID uuid.UUID, p models.Provider) (*models.ConnectAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.UserID == userID && a.Provider == p {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *Accounts) Create(_ context.Context, a *models.ConnectAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[a.AccountID]; ok {
		return uniqueViolation("connect_accounts_pkey")
	}
	for _, x := range r.s.accounts {
		if x.UserID == a.UserID && x.Provider == a.Provider {
			return uniqueViolation("connect_accounts_user_id_provider_key")
		}
	}
	cp := *a
	r.s.accounts[a.AccountID] = &cp
	return nil
}

func (r *Accounts) UpdateCapabilities(_ context.Context, p models.Provider, accountID string, charges, payouts bool, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[accountID]
	if !ok || a.Provider != p {
		return models.ErrNotFound
	}
	a.ChargesEnabled = charges
	a.PayoutsEnabled = payouts
	if status != "" {
		a.Status = status
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// ---------------------------------------------------------------------------
// Tasks and offers
// ---------------------------------------------------------------------------

type Tasks struct{ s *Store }

func (s *Store) Tasks() *Tasks { return &Tasks{s} }

func (r *Tasks) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Task, error) {
	if t := r.s.Task(id); t != nil {
		return t, nil
	}
	return nil, models.ErrNotFound
}

func (r *Tasks) UpdateTx(_ context.Context, tx pgx.Tx, t *models.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	putUndo(r.s, tx, r.s.tasks, t.ID)
	cp := *t
	r.s.tasks[t.ID] = &cp
	return nil
}

func (r *Tasks) ListAutoCompletable(_ context.Context, lockedBefore time.Time, after models.Cursor, limit int) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Task
	for _, t := range r.s.tasks {
		if t.Status == models.TaskStatusAssigned && t.PaymentLockedAt != nil && t.PaymentLockedAt.Before(lockedBefore) &&
			after.Precedes(*t.PaymentLockedAt, t.ID) {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return models.Cursor{At: *list[i].PaymentLockedAt, ID: list[i].ID}.Precedes(*list[j].PaymentLockedAt, list[j].ID)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

type Offers struct{ s *Store }

func (s *Store) Offers() *Offers { return &Offers{s} }

func (r *Offers) LockAcceptedTx(_ context.Context, tx pgx.Tx, taskID uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, f := range r.s.offers {
		if f.TaskID == taskID && f.Status == models.OfferStatusAccepted && !f.Locked {
			putUndo(r.s, tx, r.s.offers, id)
			cp := *f
			cp.Locked = true
			cp.LockedAt = &at
			r.s.offers[id] = &cp
			return true, nil
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Wallet, anomalies, outbox
// ---------------------------------------------------------------------------

type Wallet struct{ s *Store }

func (s *Store) Wallet() *Wallet { return &Wallet{s} }

func (r *Wallet) CreditTx(_ context.Context, tx pgx.Tx, e *models.WalletEntry) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := e.OrderID.String() + "/" + e.Kind
	if _, ok := r.s.wallet[k]; ok {
		return false, nil
	}
	putUndo(r.s, tx, r.s.wallet, k)
	cp := *e
	r.s.wallet[k] = &cp
	return true, nil
}

type Anomalies struct{ s *Store }

func (s *Store) Anomalies() *Anomalies { return &Anomalies{s} }

func (r *Anomalies) Create(_ context.Context, a *models.Anomaly) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.OrderID != nil && a.EventID == nil {
		for _, open := range r.s.anomalies {
			if open.ResolvedAt == nil && open.EventID == nil && open.Kind == a.Kind &&
				open.OrderID != nil && *open.OrderID == *a.OrderID {
				return nil
			}
		}
	}
	cp := *a
	r.s.anomalies = append(r.s.anomalies, &cp)
	return nil
}

func (r *Anomalies) List(_ context.Context, includeResolved bool, limit int) ([]*models.Anomaly, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Anomaly
	for _, a := range r.s.anomalies {
		if includeResolved || a.ResolvedAt == nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Anomalies) Resolve(_ context.Context, id uuid.UUID, by, resolution string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.anomalies {
		if a.ID == id && a.ResolvedAt == nil {
			a.ResolvedAt = &at
			a.ResolvedBy = &by
			a.Resolution = &resolution
			return nil
		}
	}
	return models.ErrNotFound
}

type Outbox struct{ s *Store }

func (s *Store) Outbox() *Outbox { return &Outbox{s} }

func (r *Outbox) EnqueueTx(_ context.Context, tx pgx.Tx, n models.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := len(r.s.notifications)
	r.s.onRollback(tx, func() { r.s.notifications = r.s.notifications[:k] })
	r.s.notifications = append(r.s.notifications, n)
	return nil
}

// ---------------------------------------------------------------------------
// Payouts
// ---------------------------------------------------------------------------

type Payouts struct{ s *Store }

func (s *Store) Payouts() *Payouts { return &Payouts{s} }

func (r *Payouts) CreateTx(_ context.Context, tx pgx.Tx, p *models.Payout) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.payouts {
		if existing.IdempotencyKey == p.IdempotencyKey {
			return uniqueViolation("payouts_idempotency_key_key")
		}
	}
	putUndo(r.s, tx, r.s.payouts, p.ID)
	cp := *p
	r.s.payouts[p.ID] = &cp
	return nil
}

func (r *Payouts) GetByIdempotencyKey(_ context.Context, key string) (*models.Payout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.payouts {
		if p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *Payouts) GetByReferenceForUpdate(_ context.Context, _ pgx.Tx, prov models.Provider, ref string) (*models.Payout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.payouts {
		if p.Provider == prov && p.ProviderReference != nil && *p.ProviderReference == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *Payouts) UpdateTx(_ context.Context, tx pgx.Tx, p *models.Payout) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	putUndo(r.s, tx, r.s.payouts, p.ID)
	cp := *p
	r.s.payouts[p.ID] = &cp
	return nil
}
