package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/metrics"
	"github.com/examly/billing/pkg/models"
	"github.com/examly/billing/pkg/notifications"
	"github.com/examly/billing/pkg/plans"
	"github.com/examly/billing/pkg/subscriptions"
)

// ErrBadPayload marks an event whose payload cannot be decoded. Retrying
// cannot fix it.
var ErrBadPayload = errors.New("malformed event payload")

// Notifier dispatches user-facing billing notifications.
type Notifier interface {
	Notify(ctx context.Context, user *models.User, sub *models.Subscription, msg notifications.Message) error
	RecentlySent(ctx context.Context, userID uint, notificationType string, window time.Duration) (bool, error)
}

// UsageInvalidator drops cached usage counters after a plan change.
type UsageInvalidator interface {
	ClearCache(ctx context.Context, userID uint)
}

// Reconciler applies verified provider events to the local subscription
// state. Events arrive at-least-once and in no guaranteed order; the store's
// event-timestamp watermark makes replays and reordering harmless, so the
// reconciler treats stale events as successfully handled.
type Reconciler struct {
	store    *subscriptions.Store
	catalog  *plans.Catalog
	notifier Notifier
	usage    UsageInvalidator
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store *subscriptions.Store, catalog *plans.Catalog, notifier Notifier, usage UsageInvalidator, m *metrics.Metrics, log logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{
		store:    store,
		catalog:  catalog,
		notifier: notifier,
		usage:    usage,
		metrics:  m,
		log:      log,
	}
}

// Retryable reports whether reprocessing the event could succeed. Malformed
// payloads and lifecycle violations are permanent; everything else (missing
// user rows, database trouble) can resolve on a later attempt.
func Retryable(err error) bool {
	if errors.Is(err, ErrBadPayload) {
		return false
	}
	if errors.Is(err, subscriptions.ErrInvalidTransition) {
		return false
	}
	return true
}

// Process applies one event. A nil return means the event is settled: applied,
// recognized as stale, or of a type this service does not track.
func (r *Reconciler) Process(ctx context.Context, event stripe.Event) error {
	var err error
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		err = r.handleSubscriptionEvent(ctx, event)
	case "customer.subscription.deleted":
		err = r.handleSubscriptionDeleted(ctx, event)
	case "customer.subscription.trial_will_end":
		err = r.handleTrialWillEnd(ctx, event)
	case "invoice.payment_succeeded", "invoice.paid":
		err = r.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		err = r.handleInvoicePaymentFailed(ctx, event)
	case "checkout.session.completed":
		// Subscription state arrives via the subscription events; checkout
		// completion is only logged.
		r.log.Info("checkout completed", "event_id", event.ID)
	default:
		r.log.Debug("ignoring event type", "type", event.Type, "event_id", event.ID)
		r.count(event, "ignored")
		return nil
	}

	switch {
	case err == nil:
		r.count(event, "processed")
	case errors.Is(err, subscriptions.ErrStaleEvent):
		r.log.Info("stale event acknowledged", "event_id", event.ID, "type", event.Type)
		r.count(event, "stale")
		return nil
	default:
		r.count(event, "failed")
	}
	return err
}

func (r *Reconciler) count(event stripe.Event, result string) {
	if r.metrics != nil {
		r.metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), result).Inc()
	}
}

func (r *Reconciler) handleSubscriptionEvent(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("subscription event %s: %v: %w", event.ID, err, ErrBadPayload)
	}

	state := normalizeSubscription(&sub, time.Unix(event.Created, 0))

	// Prior status drives the notification decision; the upsert itself is
	// watermark-guarded, so a racing read here at worst skips an email.
	prevStatus := ""
	if prev, err := r.store.GetByStripeID(ctx, state.SubscriptionID); err == nil {
		prevStatus = prev.Status
	}

	record, err := r.store.UpsertFromProvider(ctx, state)
	if err != nil {
		return err
	}

	if prevStatus != record.Status || prevStatus == "" {
		r.countTransition(record.Status)
	}
	if r.usage != nil && (prevStatus != record.Status) {
		r.usage.ClearCache(ctx, record.UserID)
	}

	if record.Status == models.SubscriptionStatusActive &&
		prevStatus != models.SubscriptionStatusActive &&
		prevStatus != models.SubscriptionStatusPastDue {
		r.notify(ctx, record, notifications.Message{
			Type:     models.NotificationSubscriptionActivated,
			PlanName: r.planName(record.StripePriceID),
		})
	}
	return nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("subscription deleted event %s: %v: %w", event.ID, err, ErrBadPayload)
	}

	state := normalizeSubscription(&sub, time.Unix(event.Created, 0))
	state.Status = models.SubscriptionStatusCanceled
	if state.CanceledAt == nil {
		now := time.Unix(event.Created, 0)
		state.CanceledAt = &now
	}

	record, err := r.store.UpsertFromProvider(ctx, state)
	if err != nil {
		return err
	}

	r.countTransition(record.Status)
	if r.usage != nil {
		r.usage.ClearCache(ctx, record.UserID)
	}
	r.notify(ctx, record, notifications.Message{
		Type: models.NotificationSubscriptionCanceled,
	})
	return nil
}

func (r *Reconciler) handleTrialWillEnd(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("trial_will_end event %s: %v: %w", event.ID, err, ErrBadPayload)
	}

	record, err := r.store.GetByStripeID(ctx, sub.ID)
	if errors.Is(err, subscriptions.ErrNotFound) {
		r.log.Warn("trial_will_end for unknown subscription", "stripe_subscription_id", sub.ID)
		return nil
	}
	if err != nil {
		return err
	}

	msg := notifications.Message{
		Type:     models.NotificationTrialEnding,
		PlanName: r.planName(record.StripePriceID),
	}
	if record.TrialEnd != nil {
		msg.Date = *record.TrialEnd
	} else if sub.TrialEnd > 0 {
		msg.Date = time.Unix(sub.TrialEnd, 0)
	}
	r.notifyDeduped(ctx, record, msg)
	return nil
}

func (r *Reconciler) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	invoice, err := unmarshalInvoice(event)
	if err != nil {
		return err
	}

	if _, err := r.store.UpsertInvoice(ctx, providerInvoice(invoice, models.InvoiceStatusPaid)); err != nil {
		return err
	}

	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return nil
	}

	record, err := r.store.TransitionStatus(ctx,
		invoice.Subscription.ID, models.SubscriptionStatusActive, time.Unix(event.Created, 0))
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			// The subscription event may still be in flight; the invoice row
			// is recorded and the transition will come with it.
			r.log.Warn("paid invoice for unknown subscription",
				"stripe_subscription_id", invoice.Subscription.ID)
			return nil
		}
		return err
	}
	r.countTransition(record.Status)

	if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCycle {
		msg := notifications.Message{
			Type:     models.NotificationSubscriptionRenewed,
			PlanName: r.planName(record.StripePriceID),
		}
		if record.CurrentPeriodEnd != nil {
			msg.Date = *record.CurrentPeriodEnd
		}
		r.notify(ctx, record, msg)
	}
	return nil
}

func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	invoice, err := unmarshalInvoice(event)
	if err != nil {
		return err
	}

	if _, err := r.store.UpsertInvoice(ctx, providerInvoice(invoice, models.InvoiceStatusPaymentFailed)); err != nil {
		return err
	}

	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		r.log.Warn("failed invoice without subscription", "stripe_invoice_id", invoice.ID)
		return nil
	}

	record, err := r.store.TransitionStatus(ctx,
		invoice.Subscription.ID, models.SubscriptionStatusPastDue, time.Unix(event.Created, 0))
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			r.log.Warn("failed invoice for unknown subscription",
				"stripe_subscription_id", invoice.Subscription.ID)
			return nil
		}
		return err
	}
	r.countTransition(record.Status)

	r.notifyDeduped(ctx, record, notifications.Message{
		Type:   models.NotificationPaymentFailed,
		Reason: fmt.Sprintf("invoice %s", invoice.ID),
	})
	return nil
}

func unmarshalInvoice(event stripe.Event) (*stripe.Invoice, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("invoice event %s: %v: %w", event.ID, err, ErrBadPayload)
	}
	return &invoice, nil
}

func providerInvoice(invoice *stripe.Invoice, status string) subscriptions.ProviderInvoice {
	pi := subscriptions.ProviderInvoice{
		InvoiceID:        invoice.ID,
		AmountPaid:       invoice.AmountPaid,
		Currency:         string(invoice.Currency),
		Status:           status,
		InvoicePDF:       invoice.InvoicePDF,
		HostedInvoiceURL: invoice.HostedInvoiceURL,
	}
	if invoice.Customer != nil {
		pi.CustomerID = invoice.Customer.ID
	}
	if invoice.Subscription != nil {
		pi.SubscriptionID = invoice.Subscription.ID
	}
	return pi
}

// notify sends a notification, logging failures. Notification trouble never
// fails event processing; the state change already landed.
func (r *Reconciler) notify(ctx context.Context, sub *models.Subscription, msg notifications.Message) {
	if r.notifier == nil {
		return
	}
	user, err := r.store.UserByID(ctx, sub.UserID)
	if err != nil {
		r.log.Error("failed to load user for notification", "user_id", sub.UserID, "error", err)
		return
	}
	if err := r.notifier.Notify(ctx, user, sub, msg); err != nil {
		r.log.Error("failed to dispatch notification",
			"type", msg.Type, "user_id", sub.UserID, "error", err)
	}
}

// notifyDeduped suppresses a repeat of the same notification type within the
// dedup window. Payment retries and event replays would otherwise spam.
func (r *Reconciler) notifyDeduped(ctx context.Context, sub *models.Subscription, msg notifications.Message) {
	if r.notifier == nil {
		return
	}
	sent, err := r.notifier.RecentlySent(ctx, sub.UserID, msg.Type, subscriptions.NotificationDedupWindow)
	if err != nil {
		r.log.Error("failed to check notification dedup", "user_id", sub.UserID, "error", err)
		return
	}
	if sent {
		return
	}
	r.notify(ctx, sub, msg)
}

func (r *Reconciler) countTransition(to string) {
	if r.metrics != nil {
		r.metrics.SubscriptionTransitionsTotal.WithLabelValues(to).Inc()
	}
}

func (r *Reconciler) planName(priceID string) string {
	if d, err := r.catalog.Resolve(priceID); err == nil {
		return d.Name
	}
	return "Examly"
}
