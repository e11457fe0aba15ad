package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/examly/billing/pkg/models"
)

// CurrentFor returns the user's current subscription: the most recent active
// or trialing record, otherwise the most recent record of any status, or
// ErrNotFound when the user never subscribed.
func (s *Store) CurrentFor(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription

	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []string{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusTrialing,
		}).
		Order("created_at DESC").
		First(&sub).Error
	if err == nil {
		return &sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query current subscription: %w", err)
	}

	err = s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current subscription: %w", err)
	}
	return &sub, nil
}

// GetByStripeID loads a subscription by provider id.
func (s *Store) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// HasEverSubscribed reports whether the user already had a paid subscription;
// used to grant the trial only once.
func (s *Store) HasEverSubscribed(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return count > 0, nil
}

// ExpiringSoon selects subscriptions that will lapse at period end within the
// expiring window: still granting access, flagged to cancel, period end in
// (now, now+window].
func (s *Store) ExpiringSoon(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusTrialing,
		}).
		Where("cancel_at_period_end = ?", true).
		Where("current_period_end > ? AND current_period_end <= ?", now, now.Add(ExpiringWindow)).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	return subs, nil
}

// PastPeriodEnd selects subscriptions whose paid period elapsed without a
// terminating provider event: candidates for the defensive expired
// transition.
func (s *Store) PastPeriodEnd(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusTrialing,
			models.SubscriptionStatusPastDue,
		}).
		Where("current_period_end IS NOT NULL AND current_period_end < ?", now).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired subscriptions: %w", err)
	}
	return subs, nil
}

// PastDue selects subscriptions awaiting payment recovery.
func (s *Store) PastDue(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SubscriptionStatusPastDue).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query past_due subscriptions: %w", err)
	}
	return subs, nil
}

// ForSync selects non-terminal subscriptions not updated within the skip
// window, for the daily provider reconciliation job.
func (s *Store) ForSync(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			models.SubscriptionStatusIncomplete,
			models.SubscriptionStatusTrialing,
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
		}).
		Where("updated_at < ?", now.Add(-SyncSkipWindow)).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions for sync: %w", err)
	}
	return subs, nil
}

// DueScheduledChanges selects active subscriptions whose scheduled plan
// change date has arrived.
func (s *Store) DueScheduledChanges(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SubscriptionStatusActive).
		Where("scheduled_plan_change_price_id IS NOT NULL").
		Where("scheduled_plan_change_at IS NOT NULL AND scheduled_plan_change_at <= ?", now).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled plan changes: %w", err)
	}
	return subs, nil
}

// ScheduleChange records a pending plan change applied by the hourly job.
func (s *Store) ScheduleChange(ctx context.Context, subscriptionID uint, priceID string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]any{
			"scheduled_plan_change_price_id": priceID,
			"scheduled_plan_change_at":       at,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to schedule plan change: %w", err)
	}
	return nil
}

// ClearScheduledChange removes a processed (or abandoned) plan change.
func (s *Store) ClearScheduledChange(ctx context.Context, subscriptionID uint) error {
	err := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]any{
			"scheduled_plan_change_price_id": nil,
			"scheduled_plan_change_at":       nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to clear scheduled plan change: %w", err)
	}
	return nil
}

// SetCancelFlag records a user-initiated cancel (or resume) locally so the
// API reflects it before the provider webhook round-trips.
func (s *Store) SetCancelFlag(ctx context.Context, subscriptionID uint, cancel bool) error {
	updates := map[string]any{"cancel_at_period_end": cancel}
	if cancel {
		updates["canceled_at"] = time.Now()
	} else {
		updates["canceled_at"] = nil
	}
	err := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	return nil
}

// Items loads the line items of a subscription.
func (s *Store) Items(ctx context.Context, subscriptionID uint) ([]models.SubscriptionItem, error) {
	var items []models.SubscriptionItem
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription items: %w", err)
	}
	return items, nil
}

// UserByCustomerID resolves a local user from a provider customer id.
func (s *Store) UserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("stripe_customer_id = ?", customerID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("customer %s: %w", customerID, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return &user, nil
}

// UserByID loads a user.
func (s *Store) UserByID(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// SaveCustomerID stores a newly created provider customer id on the user.
func (s *Store) SaveCustomerID(ctx context.Context, userID uint, customerID string) error {
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("stripe_customer_id", customerID).Error
	if err != nil {
		return fmt.Errorf("failed to save customer id: %w", err)
	}
	return nil
}

// ProviderInvoice is the normalized invoice state from a provider event.
type ProviderInvoice struct {
	InvoiceID        string
	CustomerID       string
	SubscriptionID   string
	AmountPaid       int64
	Currency         string
	Status           string
	InvoicePDF       string
	HostedInvoiceURL string
}

// UpsertInvoice records an invoice event keyed on the provider invoice id:
// replays correct status but never create a second row.
func (s *Store) UpsertInvoice(ctx context.Context, inv ProviderInvoice) (*models.Invoice, error) {
	user, err := s.UserByCustomerID(ctx, inv.CustomerID)
	if err != nil {
		return nil, err
	}

	var subscriptionID *uint
	if inv.SubscriptionID != "" {
		if sub, err := s.GetByStripeID(ctx, inv.SubscriptionID); err == nil {
			subscriptionID = &sub.ID
		}
	}

	record := models.Invoice{
		UserID:           user.ID,
		SubscriptionID:   subscriptionID,
		StripeInvoiceID:  inv.InvoiceID,
		AmountPaid:       inv.AmountPaid,
		Currency:         inv.Currency,
		Status:           inv.Status,
		InvoicePDF:       inv.InvoicePDF,
		HostedInvoiceURL: inv.HostedInvoiceURL,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stripe_invoice_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"amount_paid", "status", "invoice_pdf", "hosted_invoice_url",
		}),
	}).Create(&record).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert invoice %s: %w", inv.InvoiceID, err)
	}
	return &record, nil
}

// InvoicesFor lists a user's invoices, newest first.
func (s *Store) InvoicesFor(ctx context.Context, userID uint) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return invoices, nil
}
