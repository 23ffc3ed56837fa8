package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/models"
)

// ChatUnlocked reports whether messaging is permitted for an order state.
func ChatUnlocked(state models.OrderState) bool {
	switch state {
	case models.OrderHeld, models.OrderReleasing, models.OrderReleased:
		return true
	}
	return false
}

type ChatGateOrderRepo interface {
	CurrentForTask(ctx context.Context, taskID uuid.UUID) (*models.Order, error)
}

// ChatGate evaluates ChatUnlocked against the task's current order on every
// call. Nothing is cached.
type ChatGate struct {
	Orders ChatGateOrderRepo
}

func NewChatGate(orders ChatGateOrderRepo) *ChatGate {
	return &ChatGate{Orders: orders}
}

func (g *ChatGate) IsUnlocked(ctx context.Context, taskID uuid.UUID) (bool, error) {
	o, err := g.Orders.CurrentForTask(ctx, taskID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ChatUnlocked(o.State), nil
}
