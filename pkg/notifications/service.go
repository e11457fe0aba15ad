package notifications

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/metrics"
	"github.com/examly/billing/pkg/models"
)

// EmailSender delivers a rendered email. Satisfied by email.Service.
type EmailSender interface {
	SendRawEmail(toEmail, toName, subject, htmlBody, plainTextBody string) error
}

// Message carries the template context for a notification.
type Message struct {
	Type     string
	Reason   string
	PlanName string
	// Date is the period end, trial end or next billing date, depending on
	// the notification type. Zero when the type has no date.
	Date time.Time
}

// Service dispatches billing notifications: it persists a notification row
// and then sends the matching email. The row is written first so the dedup
// window holds even when the email provider is down.
type Service struct {
	db      *gorm.DB
	email   EmailSender
	metrics *metrics.Metrics
	log     logger.Logger
	baseURL string

	now func() time.Time
}

// NewService creates a notification service.
func NewService(db *gorm.DB, email EmailSender, m *metrics.Metrics, log logger.Logger, baseURL string) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		db:      db,
		email:   email,
		metrics: m,
		log:     log,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Notify records and sends a billing notification to the user. The email is
// best effort: a delivery failure is logged but the notification row stays,
// so callers and the sweeper see the message as sent.
func (s *Service) Notify(ctx context.Context, user *models.User, sub *models.Subscription, msg Message) error {
	record := models.Notification{
		UserID: user.ID,
		Type:   msg.Type,
		Reason: msg.Reason,
		SentAt: s.now(),
	}
	if sub != nil {
		record.SubscriptionID = &sub.ID
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}

	subject, html, plainText, ok := s.render(user.Name, msg)
	if !ok {
		s.log.Warn("no email template for notification type", "type", msg.Type)
		return nil
	}

	if err := s.email.SendRawEmail(user.Email, user.Name, subject, html, plainText); err != nil {
		s.log.Error("failed to send notification email",
			"type", msg.Type, "user_id", user.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.NotificationsSentTotal.WithLabelValues(msg.Type).Inc()
	}
	return nil
}

// RecentlySent reports whether a notification of this type went to the user
// within the window. Used by the expiration sweeper to send the expiring
// warning at most once per day.
func (s *Service) RecentlySent(ctx context.Context, userID uint, notificationType string, window time.Duration) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND type = ?", userID, notificationType).
		Where("sent_at > ?", s.now().Add(-window)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check recent notifications: %w", err)
	}
	return count > 0, nil
}

func (s *Service) render(userName string, msg Message) (subject, html, plainText string, ok bool) {
	const dateLayout = "January 2, 2006"

	switch msg.Type {
	case models.NotificationSubscriptionActivated:
		subject, html, plainText = buildSubscriptionActivatedEmail(userName, msg.PlanName, s.baseURL)
	case models.NotificationSubscriptionCanceled:
		subject, html, plainText = buildSubscriptionCanceledEmail(userName, s.baseURL)
	case models.NotificationSubscriptionRenewed:
		subject, html, plainText = buildSubscriptionRenewedEmail(userName, msg.PlanName, msg.Date.Format(dateLayout), s.baseURL)
	case models.NotificationPaymentFailed:
		subject, html, plainText = buildPaymentFailedEmail(userName, s.baseURL)
	case models.NotificationSubscriptionExpiring:
		subject, html, plainText = buildSubscriptionExpiringEmail(userName, msg.Date.Format(dateLayout), s.baseURL)
	case models.NotificationSubscriptionExpired:
		subject, html, plainText = buildSubscriptionExpiredEmail(userName, s.baseURL)
	case models.NotificationTrialEnding:
		subject, html, plainText = buildTrialEndingEmail(userName, msg.Date.Format(dateLayout), s.baseURL)
	default:
		return "", "", "", false
	}
	return subject, html, plainText, true
}
