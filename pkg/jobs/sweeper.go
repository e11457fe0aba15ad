package jobs

import (
	"context"
	"time"

	"github.com/examly/billing/pkg/billing"
	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/metrics"
	"github.com/examly/billing/pkg/models"
	"github.com/examly/billing/pkg/notifications"
	"github.com/examly/billing/pkg/subscriptions"
)

// Provider is the subset of billing operations the jobs need.
type Provider interface {
	FetchProviderState(ctx context.Context, stripeSubscriptionID string) (subscriptions.ProviderState, error)
	ApplyPlanChange(ctx context.Context, sub *models.Subscription, newPriceID string) error
}

// Sweeper runs the periodic billing maintenance passes: warning users about
// subscriptions that will lapse, expiring subscriptions whose period elapsed
// without a provider event, reconciling drifted records against the provider
// and applying due plan changes. A failure on one record never stops the
// pass; each record is handled in isolation.
type Sweeper struct {
	store    *subscriptions.Store
	provider Provider
	notifier billing.Notifier
	usage    billing.UsageInvalidator
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(store *subscriptions.Store, provider Provider, notifier billing.Notifier, usage billing.UsageInvalidator, m *metrics.Metrics, log logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Default()
	}
	return &Sweeper{
		store:    store,
		provider: provider,
		notifier: notifier,
		usage:    usage,
		metrics:  m,
		log:      log,
	}
}

// SweepExpirations runs the two expiration passes. The expiring warning is
// deduplicated over a trailing day so the hourly schedule sends it at most
// once per day; the expired notice goes out exactly once, tied to the status
// transition itself.
func (s *Sweeper) SweepExpirations(ctx context.Context, now time.Time) (warned, expired int, err error) {
	expiring, err := s.store.ExpiringSoon(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	for i := range expiring {
		sub := &expiring[i]
		if sub.CurrentPeriodEnd == nil {
			continue
		}
		sent, derr := s.notifier.RecentlySent(ctx, sub.UserID,
			models.NotificationSubscriptionExpiring, subscriptions.NotificationDedupWindow)
		if derr != nil {
			s.log.Error("expiring sweep: dedup check failed", "subscription_id", sub.ID, "error", derr)
			continue
		}
		if sent {
			continue
		}
		if s.notify(ctx, sub, notifications.Message{
			Type: models.NotificationSubscriptionExpiring,
			Date: *sub.CurrentPeriodEnd,
		}) {
			warned++
		}
	}

	lapsed, err := s.store.PastPeriodEnd(ctx, now)
	if err != nil {
		return warned, 0, err
	}
	for i := range lapsed {
		sub := &lapsed[i]
		transitioned, terr := s.store.MarkExpired(ctx, sub.ID, now)
		if terr != nil {
			s.log.Error("expiration sweep: transition failed", "subscription_id", sub.ID, "error", terr)
			continue
		}
		if !transitioned {
			// A webhook renewed or terminated the subscription first.
			continue
		}
		expired++
		if s.metrics != nil {
			s.metrics.SubscriptionTransitionsTotal.WithLabelValues(models.SubscriptionStatusExpired).Inc()
		}
		if s.usage != nil {
			s.usage.ClearCache(ctx, sub.UserID)
		}
		s.notify(ctx, sub, notifications.Message{
			Type: models.NotificationSubscriptionExpired,
		})
	}

	s.log.Info("expiration sweep finished", "warned", warned, "expired", expired)
	return warned, expired, nil
}

// NotifyFailedPayments reminds past_due users to fix their payment method,
// at most once per dedup window.
func (s *Sweeper) NotifyFailedPayments(ctx context.Context) (notified int, err error) {
	pastDue, err := s.store.PastDue(ctx)
	if err != nil {
		return 0, err
	}
	for i := range pastDue {
		sub := &pastDue[i]
		sent, derr := s.notifier.RecentlySent(ctx, sub.UserID,
			models.NotificationPaymentFailed, subscriptions.NotificationDedupWindow)
		if derr != nil {
			s.log.Error("payment reminder: dedup check failed", "subscription_id", sub.ID, "error", derr)
			continue
		}
		if sent {
			continue
		}
		if s.notify(ctx, sub, notifications.Message{
			Type:   models.NotificationPaymentFailed,
			Reason: "payment recovery reminder",
		}) {
			notified++
		}
	}

	s.log.Info("failed payment reminders finished", "notified", notified)
	return notified, nil
}

// SyncWithProvider pulls authoritative state for every non-terminal
// subscription and applies it through the normal reconciliation path. Catches
// records drifted by missed webhooks.
func (s *Sweeper) SyncWithProvider(ctx context.Context, now time.Time) (synced int, err error) {
	candidates, err := s.store.ForSync(ctx, now)
	if err != nil {
		return 0, err
	}
	for i := range candidates {
		sub := &candidates[i]
		state, ferr := s.provider.FetchProviderState(ctx, sub.StripeSubscriptionID)
		if ferr != nil {
			s.log.Error("provider sync: fetch failed",
				"stripe_subscription_id", sub.StripeSubscriptionID, "error", ferr)
			continue
		}
		if _, uerr := s.store.UpsertFromProvider(ctx, state); uerr != nil {
			s.log.Error("provider sync: apply failed",
				"stripe_subscription_id", sub.StripeSubscriptionID, "error", uerr)
			continue
		}
		synced++
	}

	s.log.Info("provider sync finished", "candidates", len(candidates), "synced", synced)
	return synced, nil
}

// ProcessScheduledChanges applies plan changes whose scheduled time arrived.
// The local record is updated by the provider's subscription.updated event;
// only the pending-change marker is cleared here.
func (s *Sweeper) ProcessScheduledChanges(ctx context.Context, now time.Time) (applied int, err error) {
	due, err := s.store.DueScheduledChanges(ctx, now)
	if err != nil {
		return 0, err
	}
	for i := range due {
		sub := &due[i]
		if sub.ScheduledPlanChangePriceID == nil {
			continue
		}
		if aerr := s.provider.ApplyPlanChange(ctx, sub, *sub.ScheduledPlanChangePriceID); aerr != nil {
			s.log.Error("scheduled plan change failed",
				"subscription_id", sub.ID, "error", aerr)
			continue
		}
		if cerr := s.store.ClearScheduledChange(ctx, sub.ID); cerr != nil {
			s.log.Error("failed to clear scheduled change", "subscription_id", sub.ID, "error", cerr)
			continue
		}
		if s.usage != nil {
			s.usage.ClearCache(ctx, sub.UserID)
		}
		applied++
	}

	s.log.Info("scheduled plan changes finished", "due", len(due), "applied", applied)
	return applied, nil
}

// notify loads the user and dispatches, reporting success.
func (s *Sweeper) notify(ctx context.Context, sub *models.Subscription, msg notifications.Message) bool {
	user, err := s.store.UserByID(ctx, sub.UserID)
	if err != nil {
		s.log.Error("failed to load user for notification", "user_id", sub.UserID, "error", err)
		return false
	}
	if err := s.notifier.Notify(ctx, user, sub, msg); err != nil {
		s.log.Error("failed to dispatch notification",
			"type", msg.Type, "user_id", sub.UserID, "error", err)
		return false
	}
	return true
}
