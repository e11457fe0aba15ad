package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/models"
)

// Time-based eligibility windows. Every "how close to expiry" decision in the
// service goes through these constants so they are defined exactly once.
const (
	// ExpiringWindow is how far ahead the sweeper looks for subscriptions
	// that will lapse at period end.
	ExpiringWindow = 3 * 24 * time.Hour

	// NotificationDedupWindow is the trailing window in which a repeated
	// expiring/payment-failed notification is suppressed.
	NotificationDedupWindow = 24 * time.Hour

	// SyncSkipWindow skips provider sync for rows updated this recently.
	SyncSkipWindow = 5 * time.Minute
)

var (
	// ErrNotFound is returned when no subscription matches.
	ErrNotFound = errors.New("subscription not found")
	// ErrUserNotFound is returned when an event references a customer with no
	// local user. The user may appear moments later via another event, so
	// callers treat this as retryable.
	ErrUserNotFound = errors.New("user not found for customer")
	// ErrStaleEvent is returned when an event is older than the state already
	// applied. The event must be acknowledged without side effects.
	ErrStaleEvent = errors.New("event older than applied state")
	// ErrInvalidTransition is returned for a status change the lifecycle does
	// not allow. Not retryable.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// allowedTransitions encodes the subscription lifecycle. Terminal states
// (canceled, expired) have no outgoing edges; a new provider subscription
// always gets a brand-new record.
var allowedTransitions = map[string][]string{
	models.SubscriptionStatusIncomplete: {
		models.SubscriptionStatusTrialing,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusCanceled,
	},
	models.SubscriptionStatusTrialing: {
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCanceled,
		models.SubscriptionStatusExpired,
	},
	models.SubscriptionStatusActive: {
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCanceled,
		models.SubscriptionStatusExpired,
	},
	models.SubscriptionStatusPastDue: {
		models.SubscriptionStatusActive,
		models.SubscriptionStatusCanceled,
		models.SubscriptionStatusExpired,
	},
}

// canTransition reports whether from -> to is a legal lifecycle edge.
// Re-applying the current status is always legal (idempotent updates).
func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProviderItem is a normalized subscription line item from a provider event.
type ProviderItem struct {
	ItemID   string
	PriceID  string
	Quantity int64
}

// ProviderState is the normalized subscription state carried by a provider
// event. It is extracted once at the boundary from the typed Stripe payload;
// no loosely-typed maps reach the store.
type ProviderState struct {
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	Items              []ProviderItem

	// EventAt is the provider-assigned event timestamp used for the ordering
	// guard. Arrival order is never trusted.
	EventAt time.Time
}

// Store is the durable subscription record store. All mutation goes through
// row-locked transactions so the webhook reconciler and the expiration
// sweeper cannot race a stale transition over a newer one.
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// NewStore creates a subscription store.
func NewStore(db *gorm.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for read-only composition (handlers).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// lockForUpdate applies a row-level update lock. SQLite (used in tests) does
// not support FOR UPDATE; its single-writer model makes the lock a no-op.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// UpsertFromProvider applies a provider subscription state idempotently,
// keyed on the provider subscription id. Older events never overwrite fields
// set by newer ones (ErrStaleEvent), and terminal records never transition
// again. Creating a record supersedes any prior non-terminal record of the
// same user, so at most one subscription per user is active, trialing or
// past_due at any instant.
func (s *Store) UpsertFromProvider(ctx context.Context, state ProviderState) (*models.Subscription, error) {
	var result *models.Subscription

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Where("stripe_customer_id = ?", state.CustomerID).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("customer %s: %w", state.CustomerID, ErrUserNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to look up user: %w", err)
		}

		var sub models.Subscription
		err = lockForUpdate(tx).
			Where("stripe_subscription_id = ?", state.SubscriptionID).
			First(&sub).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created, cerr := s.createFromProvider(tx, &user, state)
			if cerr != nil {
				return cerr
			}
			result = created
			return nil
		case err != nil:
			return fmt.Errorf("failed to load subscription: %w", err)
		}

		updated, uerr := s.applyProviderState(tx, &sub, state)
		if uerr != nil {
			return uerr
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) createFromProvider(tx *gorm.DB, user *models.User, state ProviderState) (*models.Subscription, error) {
	// Close out any prior non-terminal record: the provider has opened a new
	// subscription for this user and it becomes the single current one.
	superseded := tx.Model(&models.Subscription{}).
		Where("user_id = ? AND status IN ?", user.ID, []string{
			models.SubscriptionStatusIncomplete,
			models.SubscriptionStatusTrialing,
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
		}).
		Updates(map[string]any{
			"status":      models.SubscriptionStatusCanceled,
			"canceled_at": time.Now(),
		})
	if superseded.Error != nil {
		return nil, fmt.Errorf("failed to supersede prior subscriptions: %w", superseded.Error)
	}
	if superseded.RowsAffected > 0 {
		s.log.Info("superseded prior subscriptions",
			"user_id", user.ID, "count", superseded.RowsAffected,
			"stripe_subscription_id", state.SubscriptionID)
	}

	eventAt := state.EventAt
	sub := models.Subscription{
		UserID:               user.ID,
		StripeSubscriptionID: state.SubscriptionID,
		StripeCustomerID:     state.CustomerID,
		StripePriceID:        state.PriceID,
		Status:               state.Status,
		CurrentPeriodStart:   state.CurrentPeriodStart,
		CurrentPeriodEnd:     state.CurrentPeriodEnd,
		TrialStart:           state.TrialStart,
		TrialEnd:             state.TrialEnd,
		CancelAtPeriodEnd:    state.CancelAtPeriodEnd,
		CanceledAt:           state.CanceledAt,
		LastEventAt:          &eventAt,
	}
	if err := tx.Create(&sub).Error; err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	for _, item := range state.Items {
		if err := s.upsertItem(tx, sub.ID, item); err != nil {
			return nil, err
		}
	}

	s.log.Info("subscription created from provider event",
		"subscription_id", sub.ID,
		"stripe_subscription_id", sub.StripeSubscriptionID,
		"user_id", user.ID, "status", sub.Status)
	return &sub, nil
}

func (s *Store) applyProviderState(tx *gorm.DB, sub *models.Subscription, state ProviderState) (*models.Subscription, error) {
	if sub.LastEventAt != nil && state.EventAt.Before(*sub.LastEventAt) {
		return sub, fmt.Errorf("subscription %s: %w", sub.StripeSubscriptionID, ErrStaleEvent)
	}
	if sub.IsTerminal() && sub.Status != state.Status {
		// Terminal rows never move; a replayed terminal event is a no-op.
		return sub, fmt.Errorf("subscription %s is %s: %w", sub.StripeSubscriptionID, sub.Status, ErrStaleEvent)
	}
	if !canTransition(sub.Status, state.Status) {
		return nil, fmt.Errorf("subscription %s: %s -> %s: %w",
			sub.StripeSubscriptionID, sub.Status, state.Status, ErrInvalidTransition)
	}

	eventAt := state.EventAt
	sub.StripePriceID = state.PriceID
	sub.Status = state.Status
	sub.CurrentPeriodStart = state.CurrentPeriodStart
	sub.CurrentPeriodEnd = state.CurrentPeriodEnd
	sub.TrialStart = state.TrialStart
	sub.TrialEnd = state.TrialEnd
	sub.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	sub.CanceledAt = state.CanceledAt
	sub.LastEventAt = &eventAt

	if err := tx.Save(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	for _, item := range state.Items {
		if err := s.upsertItem(tx, sub.ID, item); err != nil {
			return nil, err
		}
	}

	s.log.Info("subscription updated from provider event",
		"subscription_id", sub.ID,
		"stripe_subscription_id", sub.StripeSubscriptionID,
		"status", sub.Status)
	return sub, nil
}

func (s *Store) upsertItem(tx *gorm.DB, subscriptionID uint, item ProviderItem) error {
	record := models.SubscriptionItem{
		SubscriptionID: subscriptionID,
		StripeItemID:   item.ItemID,
		StripePriceID:  item.PriceID,
		Quantity:       item.Quantity,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"stripe_price_id", "quantity"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to upsert subscription item %s: %w", item.ItemID, err)
	}
	return nil
}

// TransitionStatus moves a subscription to a new status under a row lock,
// honoring the event-timestamp watermark. Used for invoice-driven transitions
// (payment failure/recovery) where the event does not carry full state.
func (s *Store) TransitionStatus(ctx context.Context, stripeSubscriptionID, toStatus string, eventAt time.Time) (*models.Subscription, error) {
	var result *models.Subscription

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		err := lockForUpdate(tx).
			Where("stripe_subscription_id = ?", stripeSubscriptionID).
			First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("subscription %s: %w", stripeSubscriptionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}

		if sub.LastEventAt != nil && eventAt.Before(*sub.LastEventAt) {
			return fmt.Errorf("subscription %s: %w", stripeSubscriptionID, ErrStaleEvent)
		}
		if sub.Status == toStatus {
			result = &sub
			return nil
		}
		if sub.IsTerminal() {
			// Terminal rows never move; a late invoice event for a canceled or
			// expired subscription is acknowledged like any other stale event.
			return fmt.Errorf("subscription %s is %s: %w",
				stripeSubscriptionID, sub.Status, ErrStaleEvent)
		}
		if !canTransition(sub.Status, toStatus) {
			return fmt.Errorf("subscription %s: %s -> %s: %w",
				stripeSubscriptionID, sub.Status, toStatus, ErrInvalidTransition)
		}

		sub.Status = toStatus
		sub.LastEventAt = &eventAt
		if toStatus == models.SubscriptionStatusCanceled && sub.CanceledAt == nil {
			now := time.Now()
			sub.CanceledAt = &now
		}
		if err := tx.Save(&sub).Error; err != nil {
			return fmt.Errorf("failed to transition subscription: %w", err)
		}

		s.log.Info("subscription status transitioned",
			"stripe_subscription_id", stripeSubscriptionID, "to", toStatus)
		result = &sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkExpired applies the sweeper's defensive local transition: the row is
// re-checked under lock so a concurrent webhook that already advanced the
// period (or canceled the subscription) wins the race. Returns false when the
// row no longer qualifies.
func (s *Store) MarkExpired(ctx context.Context, subscriptionID uint, now time.Time) (bool, error) {
	transitioned := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		err := lockForUpdate(tx).First(&sub, subscriptionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("subscription %d: %w", subscriptionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}

		if sub.IsTerminal() {
			return nil
		}
		if sub.CurrentPeriodEnd == nil || sub.CurrentPeriodEnd.After(now) {
			// A webhook renewed the period while the sweep was selecting.
			return nil
		}
		if !canTransition(sub.Status, models.SubscriptionStatusExpired) {
			return nil
		}

		sub.Status = models.SubscriptionStatusExpired
		if err := tx.Save(&sub).Error; err != nil {
			return fmt.Errorf("failed to expire subscription: %w", err)
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}
