package models

import "time"

// Webhook event processing states. A dead_letter row is parked for manual
// intervention after retries are exhausted; it is never silently dropped.
const (
	WebhookEventPending    = "pending"
	WebhookEventProcessed  = "processed"
	WebhookEventSkipped    = "skipped"
	WebhookEventDeadLetter = "dead_letter"
)

// WebhookEvent stores each signature-verified provider event with its raw
// payload. The Stripe event id is unique, which makes replayed deliveries a
// safe no-op, and the row doubles as the retry/dead-letter bookkeeping for the
// async worker.
type WebhookEvent struct {
	ID uint `gorm:"primaryKey" json:"id"`

	StripeEventID string `gorm:"type:varchar(191);not null;uniqueIndex" json:"stripe_event_id"`
	EventType     string `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload       []byte `gorm:"type:bytea;not null" json:"-"`
	// EventCreatedAt is the provider-assigned creation time of the event,
	// used for the ordering guard instead of arrival order.
	EventCreatedAt time.Time `gorm:"not null" json:"event_created_at"`

	Status      string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
