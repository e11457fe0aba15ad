package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	apierrors "github.com/examly/billing/pkg/api/errors"
	"github.com/examly/billing/pkg/billing"
	"github.com/examly/billing/pkg/middleware"
	"github.com/examly/billing/pkg/models"
	"github.com/examly/billing/pkg/plans"
	"github.com/examly/billing/pkg/subscriptions"
)

// BillingHandler handles billing endpoints
type BillingHandler struct {
	billingService *billing.Service
	store          *subscriptions.Store
	catalog        *plans.Catalog
	validator      *validator.Validate
	frontendURL    string
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(billingService *billing.Service, store *subscriptions.Store, catalog *plans.Catalog, frontendURL string) *BillingHandler {
	return &BillingHandler{
		billingService: billingService,
		store:          store,
		catalog:        catalog,
		validator:      validator.New(),
		frontendURL:    frontendURL,
	}
}

// validateReturnURL validates and sanitizes a return URL to prevent open
// redirect attacks. Anything outside the configured frontend host falls back
// to the frontend URL itself.
func (h *BillingHandler) validateReturnURL(returnURL string) string {
	if returnURL == "" {
		return h.frontendURL
	}

	parsed, err := url.Parse(returnURL)
	if err != nil {
		return h.frontendURL
	}

	// Only allow http and https schemes (prevents javascript:, data:, etc.)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return h.frontendURL
	}

	// Reject URLs with userinfo (prevents phishing: https://attacker@legitimate.com)
	if parsed.User != nil && parsed.User.String() != "" {
		return h.frontendURL
	}

	front, err := url.Parse(h.frontendURL)
	if err != nil || parsed.Host != front.Host {
		return h.frontendURL
	}

	return returnURL
}

// CreateCheckout handles POST /billing/checkout
func (h *BillingHandler) CreateCheckout(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	var req models.CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return apierrors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	session, err := h.billingService.CreateCheckoutSession(c.Request().Context(), userID, req.Plan)
	if err != nil {
		if errors.Is(err, billing.ErrContactSales) {
			return apierrors.BadRequestError(c, "This plan is available through our sales team. Please contact sales@examly.io.")
		}
		if errors.Is(err, plans.ErrPlanNotFound) {
			return apierrors.ValidationError(c, err)
		}
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, session)
}

// CreatePortalSession handles POST /billing/portal
func (h *BillingHandler) CreatePortalSession(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	returnURL := h.validateReturnURL(c.QueryParam("return_url"))

	portal, err := h.billingService.CreateCustomerPortalSession(c.Request().Context(), userID, returnURL)
	if err != nil {
		if errors.Is(err, billing.ErrNoCustomer) {
			return apierrors.BadRequestError(c, "No billing profile yet. Subscribe to a plan first.")
		}
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, portal)
}

// CancelSubscription handles POST /billing/cancel. The subscription keeps
// granting access until period end.
func (h *BillingHandler) CancelSubscription(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	sub, err := h.billingService.CancelAtPeriodEnd(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrNoSubscription) {
			return apierrors.NotFoundError(c, "subscription")
		}
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, h.subscriptionInfo(sub))
}

// ResumeSubscription handles POST /billing/resume for subscriptions still on
// their grace period.
func (h *BillingHandler) ResumeSubscription(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	sub, err := h.billingService.ResumeSubscription(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrNoSubscription) {
			return apierrors.NotFoundError(c, "subscription")
		}
		if errors.Is(err, billing.ErrNotOnGracePeriod) {
			return apierrors.ConflictError(c, "Subscription is not pending cancellation.")
		}
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, h.subscriptionInfo(sub))
}

// GetSubscription handles GET /billing/subscription
func (h *BillingHandler) GetSubscription(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	sub, err := h.store.CurrentFor(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			return c.JSON(http.StatusOK, models.SubscriptionInfo{
				Plan:   plans.PlanFree,
				Status: "none",
			})
		}
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusOK, h.subscriptionInfo(sub))
}

// GetInvoices handles GET /billing/invoices
func (h *BillingHandler) GetInvoices(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	invoices, err := h.store.InvoicesFor(c.Request().Context(), userID)
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}

	infos := make([]models.InvoiceInfo, 0, len(invoices))
	for _, inv := range invoices {
		infos = append(infos, models.InvoiceInfo{
			ID:               inv.ID,
			AmountPaid:       inv.AmountPaid,
			Currency:         inv.Currency,
			Status:           inv.Status,
			HostedInvoiceURL: inv.HostedInvoiceURL,
			InvoicePDF:       inv.InvoicePDF,
			CreatedAt:        inv.CreatedAt.Format(time.RFC3339),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"invoices": infos,
	})
}

// GetPricing handles GET /billing/pricing
func (h *BillingHandler) GetPricing(c echo.Context) error {
	return c.JSON(http.StatusOK, h.billingService.GetPricing())
}

func (h *BillingHandler) subscriptionInfo(sub *models.Subscription) models.SubscriptionInfo {
	now := time.Now()

	planKey := plans.PlanFree
	if d, err := h.catalog.Resolve(sub.StripePriceID); err == nil {
		planKey = d.Key
	} else if sub.IsActive() {
		planKey = plans.PlanAcademy
	}

	info := models.SubscriptionInfo{
		ID:                sub.ID,
		Plan:              planKey,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		OnGracePeriod:     sub.OnGracePeriod(now),
	}
	if sub.CurrentPeriodStart != nil {
		info.CurrentPeriodStart = sub.CurrentPeriodStart.Format(time.RFC3339)
	}
	if sub.CurrentPeriodEnd != nil {
		info.CurrentPeriodEnd = sub.CurrentPeriodEnd.Format(time.RFC3339)
	}
	if sub.TrialEnd != nil {
		info.TrialEnd = sub.TrialEnd.Format(time.RFC3339)
	}
	if end := sub.GracePeriodEnd(); end != nil {
		info.GracePeriodEnd = end.Format(time.RFC3339)
	}
	return info
}
