package subscriptions

import (
	"context"
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
)

func newTestDB(t *testing.T) *gorm.DB {
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
		&models.Invoice{},
		&models.UsageRecord{},
		&models.Notification{},
		&models.WebhookEvent{},
	))
	return db
}

func createTestUser(t *testing.T, db *gorm.DB, customerID string) *models.User {
	t.Helper()

	user := &models.User{
		Name:  gofakeit.Name(),
		Email: gofakeit.Email(),
	}
	if customerID != "" {
		user.StripeCustomerID = &customerID
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func providerState(customerID, subID, status string, eventAt time.Time) ProviderState {
	periodStart := eventAt
	periodEnd := eventAt.Add(30 * 24 * time.Hour)
	return ProviderState{
		SubscriptionID:     subID,
		CustomerID:         customerID,
		PriceID:            "price_premium",
		Status:             status,
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
		EventAt:            eventAt,
		Items: []ProviderItem{
			{ItemID: "si_" + subID, PriceID: "price_premium", Quantity: 1},
		},
	}
}

func TestUpsertFromProvider_CreatesSubscription(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	user := createTestUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)

	sub, err := store.UpsertFromProvider(ctx, providerState("cus_1", "sub_1", models.SubscriptionStatusActive, now))
	require.NoError(t, err)

	assert.Equal(t, user.ID, sub.UserID)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.LastEventAt)
	assert.WithinDuration(t, now, *sub.LastEventAt, time.Second)

	items, err := store.Items(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "price_premium", items[0].StripePriceID)
}

func TestUpsertFromProvider_UnknownCustomer(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)

	_, err := store.UpsertFromProvider(context.Background(),
		providerState("cus_missing", "sub_1", models.SubscriptionStatusActive, time.Now()))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpsertFromProvider_ReplayIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)
	state := providerState("cus_1", "sub_1", models.SubscriptionStatusActive, now)

	first, err := store.UpsertFromProvider(ctx, state)
	require.NoError(t, err)

	// Exact replay of the same event lands on the same row with no change.
	second, err := store.UpsertFromProvider(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.Subscription{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestUpsertFromProvider_StaleEventRejected(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	base := time.Now().Truncate(time.Second)

	// E2 (newer) arrives first.
	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, base.Add(time.Minute)))
	require.NoError(t, err)

	// E1 (older) arrives second and must not regress anything.
	older := providerState("cus_1", "sub_1", models.SubscriptionStatusPastDue, base)
	_, err = store.UpsertFromProvider(ctx, older)
	assert.ErrorIs(t, err, ErrStaleEvent)

	sub, err := store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestUpsertFromProvider_TerminalNeverMoves(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	base := time.Now().Truncate(time.Second)

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusCanceled, base))
	require.NoError(t, err)

	// A newer event cannot resurrect a terminal record.
	_, err = store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, base.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrStaleEvent)

	sub, err := store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestUpsertFromProvider_InvalidTransition(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	base := time.Now().Truncate(time.Second)

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, base))
	require.NoError(t, err)

	// active -> trialing is not a lifecycle edge.
	_, err = store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusTrialing, base.Add(time.Minute)))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpsertFromProvider_SupersedesPriorSubscription(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	base := time.Now().Truncate(time.Second)

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_old", models.SubscriptionStatusActive, base))
	require.NoError(t, err)

	// A brand-new provider subscription closes out the old record.
	fresh, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_new", models.SubscriptionStatusActive, base.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, fresh.Status)

	old, err := store.GetByStripeID(ctx, "sub_old")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, old.Status)
	assert.NotNil(t, old.CanceledAt)
}

func TestTransitionStatus_PastDueAndRecovery(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	base := time.Now().Truncate(time.Second)

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, base))
	require.NoError(t, err)

	sub, err := store.TransitionStatus(ctx, "sub_1", models.SubscriptionStatusPastDue, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)

	// Payment recovery moves back to active.
	sub, err = store.TransitionStatus(ctx, "sub_1", models.SubscriptionStatusActive, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestTransitionStatus_StaleWatermark(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	base := time.Now().Truncate(time.Second)

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, base))
	require.NoError(t, err)

	_, err = store.TransitionStatus(ctx, "sub_1", models.SubscriptionStatusPastDue, base.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrStaleEvent)
}

func TestTransitionStatus_TerminalAcknowledgedAsStale(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	base := time.Now().Truncate(time.Second)

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusCanceled, base))
	require.NoError(t, err)

	// A late invoice event must settle as stale, not as a lifecycle
	// violation, so the caller never treats it as a permanent failure.
	_, err = store.TransitionStatus(ctx, "sub_1", models.SubscriptionStatusActive, base.Add(time.Hour))
	assert.ErrorIs(t, err, ErrStaleEvent)
	assert.NotErrorIs(t, err, ErrInvalidTransition)

	sub, err := store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestMarkExpired_TransitionsLapsedSubscription(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	past := time.Now().Add(-40 * 24 * time.Hour)

	sub, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, past))
	require.NoError(t, err)

	transitioned, err := store.MarkExpired(ctx, sub.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, transitioned)

	got, err := store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, got.Status)
}

func TestMarkExpired_SkipsRenewedSubscription(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	now := time.Now()

	// Period end is in the future: a webhook renewed it after selection.
	sub, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, now))
	require.NoError(t, err)

	transitioned, err := store.MarkExpired(ctx, sub.ID, now)
	require.NoError(t, err)
	assert.False(t, transitioned)

	got, err := store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
}

func TestMarkExpired_SkipsTerminal(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	past := time.Now().Add(-40 * 24 * time.Hour)

	sub, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusCanceled, past))
	require.NoError(t, err)

	transitioned, err := store.MarkExpired(ctx, sub.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, transitioned)
}

func TestCanTransition_SameStatusAllowed(t *testing.T) {
	assert.True(t, canTransition(models.SubscriptionStatusActive, models.SubscriptionStatusActive))
	assert.True(t, canTransition(models.SubscriptionStatusCanceled, models.SubscriptionStatusCanceled))
	assert.False(t, canTransition(models.SubscriptionStatusExpired, models.SubscriptionStatusActive))
	assert.True(t, canTransition(models.SubscriptionStatusTrialing, models.SubscriptionStatusActive))
	assert.False(t, canTransition(models.SubscriptionStatusActive, models.SubscriptionStatusIncomplete))
}
