package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status and offer status enums of the task-management collaborator.
const (
	TaskStatusOpen      = "open"
	TaskStatusAssigned  = "assigned"
	TaskStatusCompleted = "completed"
	TaskStatusCancelled = "cancelled"
	TaskStatusDisputed  = "disputed"
	TaskStatusExpired   = "expired"

	OfferStatusPending  = "pending"
	OfferStatusAccepted = "accepted"
	OfferStatusRejected = "rejected"
)

// Task is owned by the task-posting flow; this core reads and writes only the
// payment-related fields.
type Task struct {
	ID              uuid.UUID  `json:"id"`
	ClientID        uuid.UUID  `json:"client_id"`
	AssignedTo      *uuid.UUID `json:"assigned_to,omitempty"`
	Status          string     `json:"status"`
	PaymentLockedAt *time.Time `json:"payment_locked_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	AutoCompleted   bool       `json:"auto_completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Offer is a tasker's bid on a task. Once Locked, no other offer for the
// same task may be accepted.
type Offer struct {
	ID        uuid.UUID  `json:"id"`
	TaskID    uuid.UUID  `json:"task_id"`
	TaskerID  uuid.UUID  `json:"tasker_id"`
	Status    string     `json:"status"`
	Locked    bool       `json:"locked"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
