package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/examly/billing/pkg/cache"
	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/models"
	"github.com/examly/billing/pkg/plans"
	"github.com/examly/billing/pkg/subscriptions"
)

// counterTTL keeps a day bucket around long enough to survive timezone skew
// between the client and Redis before it ages out.
const counterTTL = 48 * time.Hour

// SubscriptionSource resolves the current subscription for a user.
type SubscriptionSource interface {
	CurrentFor(ctx context.Context, userID uint) (*models.Subscription, error)
}

// Service gates feature access for free-tier users with per-day counters.
// Redis holds the hot counter (atomic INCR); every increment is mirrored into
// usage_records with a single conflict-update statement so the durable count
// never loses updates either.
type Service struct {
	db      *gorm.DB
	cache   *cache.Client
	catalog *plans.Catalog
	subs    SubscriptionSource
	log     logger.Logger

	now func() time.Time
}

// NewService creates a usage service.
func NewService(db *gorm.DB, cacheClient *cache.Client, catalog *plans.Catalog, subs SubscriptionSource, log logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		db:      db,
		cache:   cacheClient,
		catalog: catalog,
		subs:    subs,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) day() string {
	return s.now().UTC().Format("2006-01-02")
}

func counterKey(userID uint, feature, day string) string {
	return fmt.Sprintf("usage:%d:%s:%s", userID, feature, day)
}

// planKeyFor resolves the plan governing a user's limits. Users with an
// active or trialing subscription get their paid plan; everyone else is on
// the free plan. An unresolvable price id (e.g. a manually granted academy
// subscription) still counts as a paid plan with no gates.
func (s *Service) planKeyFor(ctx context.Context, userID uint) (string, error) {
	sub, err := s.subs.CurrentFor(ctx, userID)
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			return plans.PlanFree, nil
		}
		return "", err
	}
	if !sub.IsActive() {
		return plans.PlanFree, nil
	}
	if d, err := s.catalog.Resolve(sub.StripePriceID); err == nil {
		return d.Key, nil
	}
	return plans.PlanAcademy, nil
}

// CanUse reports whether the user may use the feature right now: paid plans
// are unlimited, free users must be under today's limit.
func (s *Service) CanUse(ctx context.Context, userID uint, feature string) (bool, error) {
	planKey, err := s.planKeyFor(ctx, userID)
	if err != nil {
		return false, err
	}

	limit, unlimited := s.catalog.FeatureLimit(planKey, feature)
	if unlimited {
		return true, nil
	}
	if limit <= 0 {
		return false, nil
	}

	current, err := s.CurrentUsage(ctx, userID, feature)
	if err != nil {
		return false, err
	}
	return current < limit, nil
}

// Increment adds to today's counter for (user, feature). Paid users are not
// tracked. The Redis INCR and the usage_records upsert are each atomic at
// their storage layer; a failed durable write is returned to the caller while
// the Redis counter stays authoritative for the day.
func (s *Service) Increment(ctx context.Context, userID uint, feature string) error {
	return s.IncrementBy(ctx, userID, feature, 1)
}

// IncrementBy adds amount to today's counter for (user, feature).
func (s *Service) IncrementBy(ctx context.Context, userID uint, feature string, amount int64) error {
	planKey, err := s.planKeyFor(ctx, userID)
	if err != nil {
		return err
	}
	if _, unlimited := s.catalog.FeatureLimit(planKey, feature); unlimited {
		return nil
	}

	day := s.day()
	if _, err := s.cache.IncrBy(ctx, counterKey(userID, feature, day), amount, counterTTL); err != nil {
		// Redis down: the durable row below still counts the use.
		s.log.Warn("usage counter cache increment failed",
			"user_id", userID, "feature", feature, "error", err)
	}

	record := models.UsageRecord{
		UserID:  userID,
		Feature: feature,
		Day:     day,
		Count:   amount,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"}, {Name: "feature"}, {Name: "day"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"count": gorm.Expr("count + ?", amount),
		}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// CurrentUsage returns today's count for (user, feature). The cache can trail
// the durable row after a Redis outage (IncrementBy keeps counting durably
// when the cache write fails), so the larger of the two counts wins.
func (s *Service) CurrentUsage(ctx context.Context, userID uint, feature string) (int64, error) {
	day := s.day()

	var cached int64
	if count, err := s.cache.GetInt64(ctx, counterKey(userID, feature, day)); err == nil {
		cached = count
	}

	var record models.UsageRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND feature = ? AND day = ?", userID, feature, day).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cached, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage record: %w", err)
	}
	return max(cached, record.Count), nil
}

// Limit returns the free-tier daily limit for a feature.
func (s *Service) Limit(feature string) (int64, bool) {
	return s.catalog.FeatureLimit(plans.PlanFree, feature)
}

// Stats returns today's per-feature usage for the user, with the features
// whose usage crosses the approaching-limit threshold (80%) listed
// separately.
func (s *Service) Stats(ctx context.Context, userID uint) (*models.UsageResponse, error) {
	planKey, err := s.planKeyFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := &models.UsageResponse{}
	for _, feature := range s.catalog.Features() {
		limit, unlimited := s.catalog.FeatureLimit(planKey, feature)

		current, err := s.CurrentUsage(ctx, userID, feature)
		if err != nil {
			return nil, err
		}

		fu := models.FeatureUsage{
			Feature:   feature,
			Usage:     current,
			Limit:     limit,
			Unlimited: unlimited,
		}
		if !unlimited && limit > 0 {
			fu.Remaining = max(0, limit-current)
			fu.Percentage = float64(current) / float64(limit) * 100
			if fu.Percentage >= 80 {
				resp.ApproachingLimits = append(resp.ApproachingLimits, feature)
			}
		}
		resp.Features = append(resp.Features, fu)
	}
	return resp, nil
}

// ClearCache drops today's cached counters for a user so new subscription
// limits take effect immediately after a plan change.
func (s *Service) ClearCache(ctx context.Context, userID uint) {
	day := s.day()
	keys := make([]string, 0, len(s.catalog.Features()))
	for _, feature := range s.catalog.Features() {
		keys = append(keys, counterKey(userID, feature, day))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn("failed to clear usage cache", "user_id", userID, "error", err)
	}
}
