package models

import "time"

// Invoice statuses as received from the provider. payment_failed is recorded
// locally when an invoice.payment_failed event arrives.
const (
	InvoiceStatusPaid          = "paid"
	InvoiceStatusOpen          = "open"
	InvoiceStatusVoid          = "void"
	InvoiceStatusDraft         = "draft"
	InvoiceStatusPaymentFailed = "payment_failed"
)

// Invoice is one row per Stripe invoice event received. The Stripe invoice id
// is the idempotency key: replays update the row instead of duplicating it.
type Invoice struct {
	ID             uint  `gorm:"primaryKey" json:"id"`
	UserID         uint  `gorm:"not null;index" json:"user_id"`
	SubscriptionID *uint `gorm:"index" json:"subscription_id,omitempty"`

	StripeInvoiceID  string `gorm:"type:varchar(191);not null;uniqueIndex" json:"stripe_invoice_id"`
	AmountPaid       int64  `gorm:"not null;default:0" json:"amount_paid"`
	Currency         string `gorm:"type:varchar(8);not null" json:"currency"`
	Status           string `gorm:"type:varchar(32);not null;index" json:"status"`
	InvoicePDF       string `gorm:"type:text" json:"invoice_pdf,omitempty"`
	HostedInvoiceURL string `gorm:"type:text" json:"hosted_invoice_url,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
