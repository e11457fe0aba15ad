package plans

import (
	"errors"
	"fmt"
)

// Plan keys
const (
	PlanFree    = "free"
	PlanPremium = "premium"
	PlanPlus    = "plus"
	PlanAcademy = "academy"
)

// Gated features
const (
	FeatureChatMessages = "chat_messages"
	FeatureFileUploads  = "file_uploads"
	FeatureAPICalls     = "api_calls"
)

// Unlimited marks a feature with no numeric limit on a plan.
const Unlimited int64 = -1

// ErrPlanNotFound is returned when a price id or plan key resolves to nothing.
var ErrPlanNotFound = errors.New("plan not found")

// Descriptor describes a plan: display data, Stripe price linkage and
// per-feature limits. Descriptors are immutable after catalog construction;
// price ids change only via deployment-time configuration.
type Descriptor struct {
	Key           string
	Name          string
	Description   string
	Price         float64
	Currency      string
	Interval      string
	StripePriceID string
	ContactSales  bool
	Features      []string
	// FeatureLimits holds the per-day numeric limit per feature.
	// Unlimited (-1) means no gate; absent features default to 0 (disabled).
	FeatureLimits map[string]int64
	TrialDays     int
}

// Catalog is the read-only plan configuration.
type Catalog struct {
	plans   map[string]*Descriptor
	byPrice map[string]*Descriptor
}

// Config carries the deployment-time Stripe price ids and trial length.
type Config struct {
	PricePremium string
	PricePlus    string
	PriceAcademy string
	TrialDays    int
}

// NewCatalog builds the static plan catalog.
func NewCatalog(cfg Config) *Catalog {
	trialDays := cfg.TrialDays
	if trialDays <= 0 {
		trialDays = 14
	}

	descriptors := []*Descriptor{
		{
			Key:         PlanFree,
			Name:        "Free",
			Description: "Get started with basic features",
			Price:       0,
			Currency:    "EUR",
			Features: []string{
				"3 messages per day",
				"Community support",
			},
			FeatureLimits: map[string]int64{
				FeatureChatMessages: 3,
				FeatureFileUploads:  0,
				FeatureAPICalls:     100,
			},
		},
		{
			Key:           PlanPremium,
			Name:          "Premium",
			Description:   "Perfect for individuals and small teams",
			Price:         9.99,
			Currency:      "EUR",
			Interval:      "month",
			StripePriceID: cfg.PricePremium,
			Features: []string{
				"200 messages per month",
				"Upload files",
				"Access to exams",
				"Priority technical support",
			},
			FeatureLimits: map[string]int64{
				FeatureChatMessages: Unlimited,
				FeatureFileUploads:  Unlimited,
				FeatureAPICalls:     Unlimited,
			},
			TrialDays: trialDays,
		},
		{
			Key:           PlanPlus,
			Name:          "Plus",
			Description:   "For growing teams and businesses",
			Price:         14.99,
			Currency:      "EUR",
			Interval:      "month",
			StripePriceID: cfg.PricePlus,
			Features: []string{
				"Unlimited messages",
				"Upload files",
				"Access to exams",
				"Priority technical support",
			},
			FeatureLimits: map[string]int64{
				FeatureChatMessages: Unlimited,
				FeatureFileUploads:  Unlimited,
				FeatureAPICalls:     Unlimited,
			},
			TrialDays: trialDays,
		},
		{
			Key:           PlanAcademy,
			Name:          "Academy",
			Description:   "For institutions and large organizations",
			Currency:      "EUR",
			Interval:      "month",
			StripePriceID: cfg.PriceAcademy,
			ContactSales:  true,
			Features: []string{
				"Unlimited messages",
				"Upload files",
				"Access to exams",
				"Priority technical support",
				"Advanced analytics",
			},
			FeatureLimits: map[string]int64{
				FeatureChatMessages: Unlimited,
				FeatureFileUploads:  Unlimited,
				FeatureAPICalls:     Unlimited,
			},
		},
	}

	c := &Catalog{
		plans:   make(map[string]*Descriptor, len(descriptors)),
		byPrice: make(map[string]*Descriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		c.plans[d.Key] = d
		if d.StripePriceID != "" {
			c.byPrice[d.StripePriceID] = d
		}
	}
	return c
}

// Resolve maps a Stripe price id to its plan descriptor.
func (c *Catalog) Resolve(stripePriceID string) (*Descriptor, error) {
	d, ok := c.byPrice[stripePriceID]
	if !ok {
		return nil, fmt.Errorf("price %q: %w", stripePriceID, ErrPlanNotFound)
	}
	return d, nil
}

// ByKey returns the descriptor for a plan key.
func (c *Catalog) ByKey(key string) (*Descriptor, error) {
	d, ok := c.plans[key]
	if !ok {
		return nil, fmt.Errorf("plan %q: %w", key, ErrPlanNotFound)
	}
	return d, nil
}

// FeatureLimit returns the numeric per-day limit for a feature on a plan.
// unlimited is true when the plan places no gate on the feature.
func (c *Catalog) FeatureLimit(planKey, feature string) (limit int64, unlimited bool) {
	d, ok := c.plans[planKey]
	if !ok {
		return 0, false
	}
	l, ok := d.FeatureLimits[feature]
	if !ok {
		return 0, false
	}
	if l == Unlimited {
		return 0, true
	}
	return l, false
}

// Features lists every gated feature key.
func (c *Catalog) Features() []string {
	return []string{FeatureChatMessages, FeatureFileUploads, FeatureAPICalls}
}

// PaidPlans lists the purchasable plan descriptors in display order.
func (c *Catalog) PaidPlans() []*Descriptor {
	return []*Descriptor{c.plans[PlanPremium], c.plans[PlanPlus], c.plans[PlanAcademy]}
}

// All lists every descriptor in display order, free plan first.
func (c *Catalog) All() []*Descriptor {
	return append([]*Descriptor{c.plans[PlanFree]}, c.PaidPlans()...)
}
