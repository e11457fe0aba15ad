package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/examly/billing/pkg/models"
	"github.com/examly/billing/pkg/notifications"
	"github.com/examly/billing/pkg/subscriptions"
)

type fakeNotifier struct {
	msgs []notifications.Message
}

func (f *fakeNotifier) Notify(ctx context.Context, user *models.User, sub *models.Subscription, msg notifications.Message) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeNotifier) RecentlySent(ctx context.Context, userID uint, notificationType string, window time.Duration) (bool, error) {
	for _, m := range f.msgs {
		if m.Type == notificationType {
			return true, nil
		}
	}
	return false, nil
}

type fakeInvalidator struct {
	cleared []uint
}

func (f *fakeInvalidator) ClearCache(ctx context.Context, userID uint) {
	f.cleared = append(f.cleared, userID)
}

type fakeProvider struct {
	states        map[string]subscriptions.ProviderState
	fetchCalls    int
	fetchErr      error
	planChanges   []string
	planChangeErr error
}

func (f *fakeProvider) FetchProviderState(ctx context.Context, stripeSubscriptionID string) (subscriptions.ProviderState, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return subscriptions.ProviderState{}, f.fetchErr
	}
	state, ok := f.states[stripeSubscriptionID]
	if !ok {
		return subscriptions.ProviderState{}, errors.New("no such subscription")
	}
	return state, nil
}

func (f *fakeProvider) ApplyPlanChange(ctx context.Context, sub *models.Subscription, newPriceID string) error {
	if f.planChangeErr != nil {
		return f.planChangeErr
	}
	f.planChanges = append(f.planChanges, sub.StripeSubscriptionID+":"+newPriceID)
	return nil
}

func newTestSweeper(t *testing.T) (*Sweeper, *subscriptions.Store, *gorm.DB, *fakeNotifier, *fakeInvalidator, *fakeProvider) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", gofakeit.UUID())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Subscription{},
		&models.SubscriptionItem{},
	))

	store := subscriptions.NewStore(db, nil)
	notifier := &fakeNotifier{}
	invalidator := &fakeInvalidator{}
	provider := &fakeProvider{states: map[string]subscriptions.ProviderState{}}
	sweeper := NewSweeper(store, provider, notifier, invalidator, nil, nil)
	return sweeper, store, db, notifier, invalidator, provider
}

func sweeperUser(t *testing.T, db *gorm.DB, customerID string) *models.User {
	t.Helper()
	user := &models.User{Name: gofakeit.Name(), Email: gofakeit.Email(), StripeCustomerID: &customerID}
	require.NoError(t, db.Create(user).Error)
	return user
}

func activeSubscription(t *testing.T, store *subscriptions.Store, customerID, subID string, periodEnd time.Time, cancelAtPeriodEnd bool) *models.Subscription {
	t.Helper()

	eventAt := periodEnd.Add(-30 * 24 * time.Hour)
	sub, err := store.UpsertFromProvider(context.Background(), subscriptions.ProviderState{
		SubscriptionID:    subID,
		CustomerID:        customerID,
		PriceID:           "price_premium",
		Status:            models.SubscriptionStatusActive,
		CurrentPeriodEnd:  &periodEnd,
		CancelAtPeriodEnd: cancelAtPeriodEnd,
		EventAt:           eventAt,
	})
	require.NoError(t, err)
	return sub
}

func TestSweepExpirations_WarnsOncePerDay(t *testing.T) {
	sweeper, store, db, notifier, _, _ := newTestSweeper(t)
	sweeperUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)

	// Canceling at period end, inside the warning window.
	activeSubscription(t, store, "cus_1", "sub_1", now.Add(subscriptions.ExpiringWindow-time.Hour), true)

	warned, expired, err := sweeper.SweepExpirations(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, warned)
	assert.Equal(t, 0, expired)
	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, models.NotificationSubscriptionExpiring, notifier.msgs[0].Type)
	assert.False(t, notifier.msgs[0].Date.IsZero())

	// The next hourly run stays quiet.
	warned, _, err = sweeper.SweepExpirations(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, warned)
	assert.Len(t, notifier.msgs, 1)
}

func TestSweepExpirations_ExpiresLapsed(t *testing.T) {
	sweeper, store, db, notifier, invalidator, _ := newTestSweeper(t)
	user := sweeperUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)

	activeSubscription(t, store, "cus_1", "sub_1", now.Add(-time.Hour), false)

	warned, expired, err := sweeper.SweepExpirations(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, warned)
	assert.Equal(t, 1, expired)

	sub, err := store.GetByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, sub.Status)

	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, models.NotificationSubscriptionExpired, notifier.msgs[0].Type)
	assert.Equal(t, []uint{user.ID}, invalidator.cleared)

	// Expired is terminal; the next pass finds nothing.
	_, expired, err = sweeper.SweepExpirations(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	assert.Len(t, notifier.msgs, 1)
}

func TestNotifyFailedPayments_DedupsReminders(t *testing.T) {
	sweeper, store, db, notifier, _, _ := newTestSweeper(t)
	sweeperUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)
	ctx := context.Background()

	activeSubscription(t, store, "cus_1", "sub_1", now.Add(20*24*time.Hour), false)
	_, err := store.TransitionStatus(ctx, "sub_1", models.SubscriptionStatusPastDue, now)
	require.NoError(t, err)

	notified, err := sweeper.NotifyFailedPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, models.NotificationPaymentFailed, notifier.msgs[0].Type)

	notified, err = sweeper.NotifyFailedPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, notified)
}

func TestSyncWithProvider_RepairsDrift(t *testing.T) {
	sweeper, store, db, _, _, provider := newTestSweeper(t)
	sweeperUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)
	ctx := context.Background()

	activeSubscription(t, store, "cus_1", "sub_1", now.Add(20*24*time.Hour), false)

	// Provider says the subscription was canceled; the webhook never arrived.
	canceledAt := now
	provider.states["sub_1"] = subscriptions.ProviderState{
		SubscriptionID: "sub_1",
		CustomerID:     "cus_1",
		PriceID:        "price_premium",
		Status:         models.SubscriptionStatusCanceled,
		CanceledAt:     &canceledAt,
		EventAt:        now,
	}

	// The sync job skips rows touched within the last few minutes; run as a
	// later scheduled pass would.
	synced, err := sweeper.SyncWithProvider(ctx, now.Add(subscriptions.SyncSkipWindow+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, synced)

	sub, err := store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestSyncWithProvider_SkipsRecentlyUpdatedRows(t *testing.T) {
	sweeper, store, db, _, _, provider := newTestSweeper(t)
	sweeperUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)

	activeSubscription(t, store, "cus_1", "sub_1", now.Add(20*24*time.Hour), false)

	// A row written moments ago is already fresh; no provider round trip.
	synced, err := sweeper.SyncWithProvider(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, synced)
	assert.Equal(t, 0, provider.fetchCalls)
}

func TestSyncWithProvider_FetchFailureIsIsolated(t *testing.T) {
	sweeper, store, db, _, _, provider := newTestSweeper(t)
	sweeperUser(t, db, "cus_1")
	sweeperUser(t, db, "cus_2")
	now := time.Now().Truncate(time.Second)
	ctx := context.Background()

	// sub_1 has no provider-side state, so its fetch fails; sub_2 must still
	// sync in the same pass.
	activeSubscription(t, store, "cus_1", "sub_1", now.Add(20*24*time.Hour), false)
	activeSubscription(t, store, "cus_2", "sub_2", now.Add(20*24*time.Hour), false)
	canceledAt := now
	provider.states["sub_2"] = subscriptions.ProviderState{
		SubscriptionID: "sub_2",
		CustomerID:     "cus_2",
		PriceID:        "price_premium",
		Status:         models.SubscriptionStatusCanceled,
		CanceledAt:     &canceledAt,
		EventAt:        now,
	}

	synced, err := sweeper.SyncWithProvider(ctx, now.Add(subscriptions.SyncSkipWindow+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.Equal(t, 2, provider.fetchCalls)

	sub, err := store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)

	sub, err = store.GetByStripeID(ctx, "sub_2")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestProcessScheduledChanges(t *testing.T) {
	sweeper, store, db, _, invalidator, provider := newTestSweeper(t)
	sweeperUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)
	ctx := context.Background()

	sub := activeSubscription(t, store, "cus_1", "sub_1", now.Add(20*24*time.Hour), false)
	require.NoError(t, store.ScheduleChange(ctx, sub.ID, "price_plus", now.Add(-time.Minute)))

	applied, err := sweeper.ProcessScheduledChanges(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []string{"sub_1:price_plus"}, provider.planChanges)
	assert.NotEmpty(t, invalidator.cleared)

	// The marker is cleared; a second pass applies nothing.
	applied, err = sweeper.ProcessScheduledChanges(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

func TestProcessScheduledChanges_ProviderFailureKeepsMarker(t *testing.T) {
	sweeper, store, db, _, _, provider := newTestSweeper(t)
	sweeperUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)
	ctx := context.Background()

	sub := activeSubscription(t, store, "cus_1", "sub_1", now.Add(20*24*time.Hour), false)
	require.NoError(t, store.ScheduleChange(ctx, sub.ID, "price_plus", now.Add(-time.Minute)))
	provider.planChangeErr = errors.New("stripe 500")

	applied, err := sweeper.ProcessScheduledChanges(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	// Still due on the next run once the provider recovers.
	due, err := store.DueScheduledChanges(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
