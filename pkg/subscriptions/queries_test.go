package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examly/billing/pkg/models"
)

func TestCurrentFor_PrefersLiveSubscription(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	user := createTestUser(t, db, "cus_1")
	base := time.Now().Truncate(time.Second)

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_old", models.SubscriptionStatusCanceled, base.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_live", models.SubscriptionStatusActive, base))
	require.NoError(t, err)

	sub, err := store.CurrentFor(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "sub_live", sub.StripeSubscriptionID)
}

func TestCurrentFor_FallsBackToLatestTerminal(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	user := createTestUser(t, db, "cus_1")

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_old", models.SubscriptionStatusCanceled, time.Now()))
	require.NoError(t, err)

	sub, err := store.CurrentFor(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestCurrentFor_NeverSubscribed(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)

	user := createTestUser(t, db, "cus_1")

	_, err := store.CurrentFor(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasEverSubscribed(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	user := createTestUser(t, db, "cus_1")

	subscribed, err := store.HasEverSubscribed(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, subscribed)

	_, err = store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusCanceled, time.Now()))
	require.NoError(t, err)

	subscribed, err = store.HasEverSubscribed(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, subscribed)
}

func TestExpiringSoon_WindowBoundaries(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)

	inWindow := now.Add(ExpiringWindow - time.Hour)
	outOfWindow := now.Add(ExpiringWindow + time.Hour)

	mk := func(subID string, end time.Time, cancelAtPeriodEnd bool) {
		state := providerState("cus_1", subID, models.SubscriptionStatusActive, now)
		state.CurrentPeriodEnd = &end
		state.CancelAtPeriodEnd = cancelAtPeriodEnd
		_, err := store.UpsertFromProvider(ctx, state)
		require.NoError(t, err)
		// Each create supersedes the prior one; restore the status directly so
		// all three rows stay active for the window query.
		require.NoError(t, db.Model(&models.Subscription{}).
			Where("status = ?", models.SubscriptionStatusCanceled).
			Updates(map[string]any{"status": models.SubscriptionStatusActive, "canceled_at": nil}).Error)
	}

	mk("sub_in", inWindow, true)
	mk("sub_out", outOfWindow, true)
	mk("sub_not_canceling", inWindow, false)

	expiring, err := store.ExpiringSoon(ctx, now)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "sub_in", expiring[0].StripeSubscriptionID)
}

func TestPastPeriodEnd_SelectsLapsedOnly(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)

	lapsed := providerState("cus_1", "sub_lapsed", models.SubscriptionStatusActive, now.Add(-40*24*time.Hour))
	_, err := store.UpsertFromProvider(ctx, lapsed)
	require.NoError(t, err)

	candidates, err := store.PastPeriodEnd(ctx, now)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "sub_lapsed", candidates[0].StripeSubscriptionID)

	// Nothing qualifies before the period elapses.
	candidates, err = store.PastPeriodEnd(ctx, now.Add(-39*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDueScheduledChanges(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")
	now := time.Now().Truncate(time.Second)

	sub, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, now))
	require.NoError(t, err)

	due, err := store.DueScheduledChanges(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, store.ScheduleChange(ctx, sub.ID, "price_plus", now.Add(-time.Minute)))

	due, err = store.DueScheduledChanges(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "price_plus", *due[0].ScheduledPlanChangePriceID)

	require.NoError(t, store.ClearScheduledChange(ctx, sub.ID))

	due, err = store.DueScheduledChanges(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestUpsertInvoice_ReplayUpdatesInPlace(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	user := createTestUser(t, db, "cus_1")

	_, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, time.Now()))
	require.NoError(t, err)

	inv := ProviderInvoice{
		InvoiceID:      "in_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		AmountPaid:     999,
		Currency:       "eur",
		Status:         models.InvoiceStatusOpen,
	}
	_, err = store.UpsertInvoice(ctx, inv)
	require.NoError(t, err)

	// Replay with the final status updates the same row.
	inv.Status = models.InvoiceStatusPaid
	_, err = store.UpsertInvoice(ctx, inv)
	require.NoError(t, err)

	invoices, err := store.InvoicesFor(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, models.InvoiceStatusPaid, invoices[0].Status)
	assert.EqualValues(t, 999, invoices[0].AmountPaid)
	require.NotNil(t, invoices[0].SubscriptionID)
}

func TestSetCancelFlag(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	createTestUser(t, db, "cus_1")

	sub, err := store.UpsertFromProvider(ctx,
		providerState("cus_1", "sub_1", models.SubscriptionStatusActive, time.Now()))
	require.NoError(t, err)

	require.NoError(t, store.SetCancelFlag(ctx, sub.ID, true))
	got, err := store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.NotNil(t, got.CanceledAt)
	assert.True(t, got.OnGracePeriod(time.Now()))

	require.NoError(t, store.SetCancelFlag(ctx, sub.ID, false))
	got, err = store.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, got.CancelAtPeriodEnd)
	assert.Nil(t, got.CanceledAt)
}
