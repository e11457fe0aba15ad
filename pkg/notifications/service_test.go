package notifications

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

type fakeEmailSender struct {
	sent []sentEmail
	fail bool
}

type sentEmail struct {
	to      string
	subject string
}

func (f *fakeEmailSender) SendRawEmail(toEmail, toName, subject, htmlBody, plainTextBody string) error {
	if f.fail {
		return fmt.Errorf("smtp unavailable")
	}
	f.sent = append(f.sent, sentEmail{to: toEmail, subject: subject})
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeEmailSender, *gorm.DB) {
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

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Subscription{}, &models.Notification{}))

	sender := &fakeEmailSender{}
	svc := NewService(db, sender, nil, nil, "https://app.examly.io")
	return svc, sender, db
}

func testUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{Name: "Maria", Email: gofakeit.Email()}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestNotify_PersistsRowAndSendsEmail(t *testing.T) {
	svc, sender, db := newTestService(t)
	user := testUser(t, db)

	err := svc.Notify(context.Background(), user, nil, Message{
		Type:     models.NotificationSubscriptionActivated,
		PlanName: "Premium",
	})
	require.NoError(t, err)

	var row models.Notification
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, user.ID, row.UserID)
	assert.Equal(t, models.NotificationSubscriptionActivated, row.Type)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, user.Email, sender.sent[0].to)
	assert.Contains(t, sender.sent[0].subject, "activated")
}

func TestNotify_EmailFailureStillRecords(t *testing.T) {
	svc, sender, db := newTestService(t)
	sender.fail = true
	user := testUser(t, db)

	err := svc.Notify(context.Background(), user, nil, Message{
		Type: models.NotificationPaymentFailed,
	})
	require.NoError(t, err)

	// The row is the dedup record; a down email provider must not spam the
	// user on the next sweep.
	var count int64
	require.NoError(t, db.Model(&models.Notification{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestNotify_LinksSubscription(t *testing.T) {
	svc, _, db := newTestService(t)
	user := testUser(t, db)

	sub := &models.Subscription{
		UserID:               user.ID,
		StripeSubscriptionID: "sub_1",
		StripeCustomerID:     "cus_1",
		StripePriceID:        "price_premium",
		Status:               models.SubscriptionStatusActive,
	}
	require.NoError(t, db.Create(sub).Error)

	err := svc.Notify(context.Background(), user, sub, Message{
		Type: models.NotificationSubscriptionCanceled,
	})
	require.NoError(t, err)

	var row models.Notification
	require.NoError(t, db.First(&row).Error)
	require.NotNil(t, row.SubscriptionID)
	assert.Equal(t, sub.ID, *row.SubscriptionID)
}

func TestRecentlySent_WindowBoundaries(t *testing.T) {
	svc, _, db := newTestService(t)
	user := testUser(t, db)
	ctx := context.Background()

	now := time.Now()
	svc.SetClock(func() time.Time { return now })

	sent, err := svc.RecentlySent(ctx, user.ID, models.NotificationSubscriptionExpiring, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, svc.Notify(ctx, user, nil, Message{
		Type: models.NotificationSubscriptionExpiring,
		Date: now.Add(48 * time.Hour),
	}))

	sent, err = svc.RecentlySent(ctx, user.ID, models.NotificationSubscriptionExpiring, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, sent)

	// A different type is not deduplicated by this one.
	sent, err = svc.RecentlySent(ctx, user.ID, models.NotificationPaymentFailed, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, sent)

	// Outside the window the notification no longer counts.
	svc.SetClock(func() time.Time { return now.Add(25 * time.Hour) })
	sent, err = svc.RecentlySent(ctx, user.ID, models.NotificationSubscriptionExpiring, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestNotify_UnknownTypeRecordsWithoutEmail(t *testing.T) {
	svc, sender, db := newTestService(t)
	user := testUser(t, db)

	err := svc.Notify(context.Background(), user, nil, Message{Type: "something_new"})
	require.NoError(t, err)

	assert.Empty(t, sender.sent)

	var count int64
	require.NoError(t, db.Model(&models.Notification{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
