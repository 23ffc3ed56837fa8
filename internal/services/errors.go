package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskup/backend/internal/models"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid escrow transition")
	// ErrAlreadyApplied means the order already reflects the command.
	ErrAlreadyApplied      = errors.New("escrow transition already applied")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrAmountMismatch      = errors.New("event amount does not match order")
	ErrNoAssignee          = errors.New("task has no assigned tasker")
	ErrInvalidOrder        = errors.New("invalid order request")
)

// TransitionError reports a command that does not belong in the order's state.
type TransitionError struct {
	OrderID uuid.UUID
	From    models.OrderState
	Command CommandKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: %s not allowed in state %s", e.OrderID, e.Command, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
