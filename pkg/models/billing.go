package models

// CheckoutRequest represents a request to create a checkout session
type CheckoutRequest struct {
	Plan string `json:"plan" validate:"required,oneof=premium plus academy"`
}

// CheckoutResponse represents a checkout session response
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// CustomerPortalRequest represents a request to open the billing portal
type CustomerPortalRequest struct {
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

// CustomerPortalResponse represents a customer portal session response
type CustomerPortalResponse struct {
	URL string `json:"url"`
}

// SubscriptionInfo represents the current subscription for API responses
type SubscriptionInfo struct {
	ID                 uint   `json:"id"`
	Plan               string `json:"plan"`
	Status             string `json:"status"`
	CurrentPeriodStart string `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   string `json:"current_period_end,omitempty"`
	TrialEnd           string `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	OnGracePeriod      bool   `json:"on_grace_period"`
	GracePeriodEnd     string `json:"grace_period_end,omitempty"`
}

// InvoiceInfo represents an invoice for API responses
type InvoiceInfo struct {
	ID               uint   `json:"id"`
	AmountPaid       int64  `json:"amount_paid"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	HostedInvoiceURL string `json:"hosted_invoice_url,omitempty"`
	InvoicePDF       string `json:"invoice_pdf,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// PricingPlan represents a plan with display details
type PricingPlan struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Price        float64  `json:"price"`
	Currency     string   `json:"currency"`
	Interval     string   `json:"interval"`
	ContactSales bool     `json:"contact_sales,omitempty"`
	Features     []string `json:"features"`
}

// PricingResponse represents pricing information for all plans
type PricingResponse struct {
	Plans []PricingPlan `json:"plans"`
}

// FeatureUsage represents usage statistics for one feature
type FeatureUsage struct {
	Feature    string  `json:"feature"`
	Usage      int64   `json:"usage"`
	Limit      int64   `json:"limit"`
	Unlimited  bool    `json:"unlimited"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// UsageResponse represents per-feature usage for the current day
type UsageResponse struct {
	Features          []FeatureUsage `json:"features"`
	ApproachingLimits []string       `json:"approaching_limits,omitempty"`
}

// ErrorResponse represents a generic API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
