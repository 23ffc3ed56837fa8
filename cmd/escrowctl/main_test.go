package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/execution"
	"github.com/taskup/backend/internal/models"
)

func TestSweepName(t *testing.T) {
	assert.Equal(t, execution.SweepAutoComplete, sweepName("auto-complete"))
	assert.Equal(t, execution.SweepExpireUnpaid, sweepName("Expire-Unpaid"))
	assert.Equal(t, execution.SweepLockOffers, sweepName("lock_offers"))
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("ESCROW_OPERATOR_JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--role", "service", "--subject", "7b0c7c1e-6b43-4f3e-9d2a-0d8f2f7f1a11"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	p, err := auth.NewService("cli-secret").ValidateToken(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, auth.RoleService, p.Role)
	assert.Equal(t, "7b0c7c1e-6b43-4f3e-9d2a-0d8f2f7f1a11", p.Subject.String())
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("ESCROW_OPERATOR_JWT_SECRET", "")

	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}

func TestLedgerView(t *testing.T) {
	task := &models.Task{ID: uuid.New()}
	failed := &models.Order{ID: uuid.New(), TaskID: task.ID}
	released := &models.Order{ID: uuid.New(), TaskID: task.ID}
	entries := map[uuid.UUID][]models.LedgerEntry{
		released.ID: {
			{OrderID: released.ID, Kind: models.LedgerHold, AmountMinor: 50000},
			{OrderID: released.ID, Kind: models.LedgerRelease, AmountMinor: 45000},
			{OrderID: released.ID, Kind: models.LedgerFee, AmountMinor: 5000},
		},
	}
	list := func(_ context.Context, id uuid.UUID) ([]models.LedgerEntry, error) {
		return entries[id], nil
	}

	view, err := ledgerView(context.Background(), task, []*models.Order{failed, released}, list)
	require.NoError(t, err)
	require.Len(t, view.Orders, 2)
	assert.Empty(t, view.Orders[0].Entries)
	assert.Zero(t, view.Orders[0].Escrowed)
	assert.Equal(t, int64(50000), view.Orders[1].Balance.Hold)
	assert.Equal(t, int64(45000), view.Orders[1].Balance.Release)
	assert.Zero(t, view.Orders[1].Escrowed)
}

func TestLedgerView_ListError(t *testing.T) {
	boom := errors.New("boom")
	list := func(context.Context, uuid.UUID) ([]models.LedgerEntry, error) { return nil, boom }
	_, err := ledgerView(context.Background(), &models.Task{}, []*models.Order{{ID: uuid.New()}}, list)
	assert.ErrorIs(t, err, boom)
}
