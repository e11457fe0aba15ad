package models

import "time"

// Notification types emitted by billing state transitions.
const (
	NotificationSubscriptionExpiring  = "subscription_expiring"
	NotificationSubscriptionExpired   = "subscription_expired"
	NotificationSubscriptionActivated = "subscription_activated"
	NotificationSubscriptionCanceled  = "subscription_canceled"
	NotificationSubscriptionRenewed   = "subscription_renewed"
	NotificationPaymentFailed         = "payment_failed"
	NotificationTrialEnding           = "trial_ending"
)

// Notification is the persisted record of a user-facing billing message. It
// serves in-app display and, for the expiration sweeper, the trailing-window
// dedup check that prevents duplicate expiring emails.
type Notification struct {
	ID             uint  `gorm:"primaryKey" json:"id"`
	UserID         uint  `gorm:"not null;index:idx_notifications_user_type,priority:1" json:"user_id"`
	SubscriptionID *uint `gorm:"index" json:"subscription_id,omitempty"`

	Type   string `gorm:"type:varchar(64);not null;index:idx_notifications_user_type,priority:2" json:"type"`
	Reason string `gorm:"type:varchar(255)" json:"reason,omitempty"`

	SentAt    time.Time `gorm:"not null;index" json:"sent_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
