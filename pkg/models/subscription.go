package models

import "time"

// Subscription statuses mirror the provider's lifecycle plus a locally-owned
// terminal "expired" state applied by the expiration sweeper when the
// provider's terminating event was lost or delayed.
const (
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusExpired    = "expired"
)

// Subscription is one row per Stripe subscription object ever created for a
// user. Rows are never deleted, only status-transitioned, so invoice linkage
// and billing history survive cancellation.
type Subscription struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"not null;index" json:"user_id"`

	StripeSubscriptionID string `gorm:"type:varchar(191);not null;uniqueIndex" json:"stripe_subscription_id"`
	StripeCustomerID     string `gorm:"type:varchar(191);not null;index" json:"stripe_customer_id"`
	StripePriceID        string `gorm:"type:varchar(191);not null" json:"stripe_price_id"`

	Status             string     `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"index" json:"current_period_end,omitempty"`
	TrialStart         *time.Time `json:"trial_start,omitempty"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`

	// Scheduled downgrade applied by the hourly plan-change job.
	ScheduledPlanChangePriceID *string    `gorm:"type:varchar(191)" json:"scheduled_plan_change_price_id,omitempty"`
	ScheduledPlanChangeAt      *time.Time `json:"scheduled_plan_change_at,omitempty"`

	// LastEventAt is the provider-side timestamp of the newest event applied
	// to this row. Events older than this watermark are skipped, so delivery
	// order cannot regress status or period fields.
	LastEventAt *time.Time `json:"last_event_at,omitempty"`

	Items []SubscriptionItem `gorm:"constraint:OnDelete:CASCADE" json:"items,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscriptionItem is one billed line item within a subscription.
type SubscriptionItem struct {
	ID             uint `gorm:"primaryKey" json:"id"`
	SubscriptionID uint `gorm:"not null;index" json:"subscription_id"`

	StripeItemID  string `gorm:"type:varchar(191);not null;uniqueIndex" json:"stripe_item_id"`
	StripePriceID string `gorm:"type:varchar(191);not null" json:"stripe_price_id"`
	Quantity      int64  `gorm:"not null;default:1" json:"quantity"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the subscription grants access right now.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}

// IsTerminal reports whether the subscription reached a terminal state.
// Terminal rows never transition again; a new provider subscription gets a
// brand-new row.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled || s.Status == SubscriptionStatusExpired
}

// OnTrial reports whether the subscription is inside its trial window.
func (s *Subscription) OnTrial(now time.Time) bool {
	return s.Status == SubscriptionStatusTrialing && s.TrialEnd != nil && s.TrialEnd.After(now)
}

// OnGracePeriod reports whether the subscription was asked to cancel at period
// end but the already-paid period has not elapsed yet.
func (s *Subscription) OnGracePeriod(now time.Time) bool {
	return s.CancelAtPeriodEnd && s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.After(now)
}

// GracePeriodEnd returns when access ends for a pending cancellation, or nil.
func (s *Subscription) GracePeriodEnd() *time.Time {
	if s.CancelAtPeriodEnd && s.CurrentPeriodEnd != nil {
		return s.CurrentPeriodEnd
	}
	return nil
}

// HasExpired reports whether the subscription no longer grants access.
func (s *Subscription) HasExpired(now time.Time) bool {
	if s.Status == SubscriptionStatusCanceled || s.Status == SubscriptionStatusExpired {
		return true
	}
	return s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.After(now)
}
