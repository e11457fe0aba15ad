package models

import "time"

// User is the account owning subscriptions, invoices and usage records.
// Authentication lives in the main application; this service only needs the
// identity and the Stripe customer linkage.
type User struct {
	ID               uint    `gorm:"primaryKey" json:"id"`
	Name             string  `gorm:"type:varchar(255);not null" json:"name"`
	Email            string  `gorm:"type:varchar(255);not null;uniqueIndex" json:"email"`
	StripeCustomerID *string `gorm:"type:varchar(191);uniqueIndex" json:"stripe_customer_id,omitempty"`

	Subscriptions []Subscription `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Invoices      []Invoice      `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
