package models

import "time"

// Webhook event outcomes recorded in the idempotency ledger.
const (
	OutcomeProcessing        = "processing"
	OutcomeApplied           = "applied"
	OutcomeAlreadyApplied    = "already_applied"
	OutcomeIgnored           = "ignored"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomeRejected          = "rejected"
)

// WebhookEventRecord is the durable dedup row for one provider event, unique
// on (Provider, EventID).
type WebhookEventRecord struct {
	Provider   Provider  `json:"provider"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// IdempotencyRecord guards one outbound provider-mutating call.
type IdempotencyRecord struct {
	Key         string     `json:"key"`
	Scope       string     `json:"scope"`
	Result      string     `json:"result,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// Completed reports whether the guarded call finished and its result is cached.
func (r *IdempotencyRecord) Completed() bool {
	return r.CompletedAt != nil
}
