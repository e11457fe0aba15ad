package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	billingportalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	stripesubscription "github.com/stripe/stripe-go/v76/subscription"

	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/models"
	"github.com/examly/billing/pkg/plans"
	"github.com/examly/billing/pkg/subscriptions"
)

var (
	// ErrContactSales is returned for plans sold through sales, not checkout.
	ErrContactSales = errors.New("plan requires contacting sales")
	// ErrNoCustomer is returned when a billing operation needs a provider
	// customer the user does not have yet.
	ErrNoCustomer = errors.New("user has no billing customer")
	// ErrNoSubscription is returned when an operation needs a live
	// subscription and the user has none.
	ErrNoSubscription = errors.New("no active subscription")
	// ErrNotOnGracePeriod is returned when resuming a subscription that is
	// not pending cancellation.
	ErrNotOnGracePeriod = errors.New("subscription is not pending cancellation")
)

// StripeConfig holds Stripe configuration
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// WebhookTolerance bounds the age of a signed webhook payload.
	WebhookTolerance time.Duration
	SuccessURL       string
	CancelURL        string
	BaseURL          string
}

// Service handles Stripe billing operations: checkout, the customer portal,
// cancel/resume at period end and plan changes. Webhook event processing
// lives in the Reconciler.
type Service struct {
	store   *subscriptions.Store
	catalog *plans.Catalog
	config  *StripeConfig
	log     logger.Logger
}

// NewService creates a new billing service
func NewService(store *subscriptions.Store, catalog *plans.Catalog, config *StripeConfig, log logger.Logger) *Service {
	stripe.Key = config.SecretKey
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:   store,
		catalog: catalog,
		config:  config,
		log:     log,
	}
}

// CreateCheckoutSession creates a Stripe checkout session for a paid plan.
// First-time subscribers get the plan's trial; users who subscribed before
// are charged immediately.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID uint, planKey string) (*models.CheckoutResponse, error) {
	plan, err := s.catalog.ByKey(planKey)
	if err != nil {
		return nil, err
	}
	if plan.ContactSales {
		return nil, fmt.Errorf("plan %s: %w", planKey, ErrContactSales)
	}
	if plan.StripePriceID == "" {
		return nil, fmt.Errorf("plan %s has no configured price", planKey)
	}

	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.config.SuccessURL),
		CancelURL:  stripe.String(s.config.CancelURL),
		Metadata: map[string]string{
			"user_id": fmt.Sprintf("%d", userID),
			"plan":    planKey,
		},
	}

	if plan.TrialDays > 0 {
		subscribed, err := s.store.HasEverSubscribed(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !subscribed {
			params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
				TrialPeriodDays: stripe.Int64(int64(plan.TrialDays)),
			}
		}
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.log.Info("checkout session created",
		"user_id", userID, "plan", planKey, "session_id", sess.ID)

	return &models.CheckoutResponse{
		SessionID: sess.ID,
		URL:       sess.URL,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// ensureCustomer returns the user's Stripe customer id, creating the customer
// on first use.
func (s *Service) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(user.Name),
		Metadata: map[string]string{
			"user_id": fmt.Sprintf("%d", user.ID),
		},
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}

	if err := s.store.SaveCustomerID(ctx, user.ID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreateCustomerPortalSession creates a Stripe customer portal session
func (s *Service) CreateCustomerPortalSession(ctx context.Context, userID uint, returnURL string) (*models.CustomerPortalResponse, error) {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return nil, ErrNoCustomer
	}

	if returnURL == "" {
		returnURL = s.config.BaseURL
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(*user.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := billingportalsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create portal session: %w", err)
	}

	return &models.CustomerPortalResponse{URL: sess.URL}, nil
}

// CancelAtPeriodEnd flags the user's subscription to lapse at period end.
// Access continues through the grace period; the expiration sweeper (or the
// provider's deleted event) finishes the job.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := s.currentLive(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	if _, err := stripesubscription.Update(sub.StripeSubscriptionID, params); err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if err := s.store.SetCancelFlag(ctx, sub.ID, true); err != nil {
		return nil, err
	}
	sub.CancelAtPeriodEnd = true

	s.log.Info("subscription flagged to cancel at period end",
		"user_id", userID, "stripe_subscription_id", sub.StripeSubscriptionID)
	return sub, nil
}

// ResumeSubscription clears a pending cancellation while the subscription is
// still on its grace period.
func (s *Service) ResumeSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := s.currentLive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.OnGracePeriod(time.Now()) {
		return nil, ErrNotOnGracePeriod
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	if _, err := stripesubscription.Update(sub.StripeSubscriptionID, params); err != nil {
		return nil, fmt.Errorf("failed to resume subscription: %w", err)
	}

	if err := s.store.SetCancelFlag(ctx, sub.ID, false); err != nil {
		return nil, err
	}
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil

	s.log.Info("subscription resumed",
		"user_id", userID, "stripe_subscription_id", sub.StripeSubscriptionID)
	return sub, nil
}

// SchedulePlanChange validates the target plan and records a plan change to
// be applied at the given time by the scheduled-changes job. Downgrades are
// typically scheduled for period end so the paid period is not cut short.
func (s *Service) SchedulePlanChange(ctx context.Context, userID uint, planKey string, at time.Time) error {
	plan, err := s.catalog.ByKey(planKey)
	if err != nil {
		return err
	}
	if plan.ContactSales {
		return fmt.Errorf("plan %s: %w", planKey, ErrContactSales)
	}

	sub, err := s.currentLive(ctx, userID)
	if err != nil {
		return err
	}
	if sub.StripePriceID == plan.StripePriceID {
		return fmt.Errorf("subscription already on plan %s", planKey)
	}
	return s.store.ScheduleChange(ctx, sub.ID, plan.StripePriceID, at)
}

// ApplyPlanChange swaps the subscription's price at the provider. The local
// record is left to the resulting customer.subscription.updated event, so
// the watermark ordering is preserved.
func (s *Service) ApplyPlanChange(ctx context.Context, sub *models.Subscription, newPriceID string) error {
	current, err := stripesubscription.Get(sub.StripeSubscriptionID, nil)
	if err != nil {
		return fmt.Errorf("failed to retrieve subscription: %w", err)
	}
	if len(current.Items.Data) == 0 {
		return fmt.Errorf("subscription %s has no items", sub.StripeSubscriptionID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior: stripe.String("none"),
	}
	if _, err := stripesubscription.Update(sub.StripeSubscriptionID, params); err != nil {
		return fmt.Errorf("failed to apply plan change: %w", err)
	}

	s.log.Info("plan change applied",
		"stripe_subscription_id", sub.StripeSubscriptionID, "new_price_id", newPriceID)
	return nil
}

// FetchProviderState retrieves the current provider-side subscription state,
// normalized for the store. Used by the daily reconciliation sync.
func (s *Service) FetchProviderState(ctx context.Context, stripeSubscriptionID string) (subscriptions.ProviderState, error) {
	sub, err := stripesubscription.Get(stripeSubscriptionID, nil)
	if err != nil {
		return subscriptions.ProviderState{}, fmt.Errorf("failed to retrieve subscription %s: %w", stripeSubscriptionID, err)
	}
	return normalizeSubscription(sub, time.Now()), nil
}

// currentLive returns the user's active or trialing subscription.
func (s *Service) currentLive(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := s.store.CurrentFor(ctx, userID)
	if errors.Is(err, subscriptions.ErrNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}
	if !sub.IsActive() {
		return nil, ErrNoSubscription
	}
	return sub, nil
}

// GetPricing returns pricing information for all plans
func (s *Service) GetPricing() *models.PricingResponse {
	resp := &models.PricingResponse{}
	for _, d := range s.catalog.All() {
		resp.Plans = append(resp.Plans, models.PricingPlan{
			Key:          d.Key,
			Name:         d.Name,
			Description:  d.Description,
			Price:        d.Price,
			Currency:     d.Currency,
			Interval:     d.Interval,
			ContactSales: d.ContactSales,
			Features:     d.Features,
		})
	}
	return resp
}

// normalizeSubscription converts a typed Stripe subscription into the
// provider state the store applies. eventAt carries the provider event
// timestamp for the ordering watermark.
func normalizeSubscription(sub *stripe.Subscription, eventAt time.Time) subscriptions.ProviderState {
	state := subscriptions.ProviderState{
		SubscriptionID:    sub.ID,
		Status:            mapSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		EventAt:           eventAt,
	}
	if sub.Customer != nil {
		state.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodStart > 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0)
		state.CurrentPeriodStart = &t
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0)
		state.CurrentPeriodEnd = &t
	}
	if sub.TrialStart > 0 {
		t := time.Unix(sub.TrialStart, 0)
		state.TrialStart = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0)
		state.TrialEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0)
		state.CanceledAt = &t
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			pi := subscriptions.ProviderItem{
				ItemID:   item.ID,
				Quantity: item.Quantity,
			}
			if item.Price != nil {
				pi.PriceID = item.Price.ID
			}
			state.Items = append(state.Items, pi)
		}
		if len(state.Items) > 0 {
			state.PriceID = state.Items[0].PriceID
		}
	}
	return state
}

// mapSubscriptionStatus maps a provider status onto the local lifecycle.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionStatusCanceled
	default:
		return models.SubscriptionStatusIncomplete
	}
}
