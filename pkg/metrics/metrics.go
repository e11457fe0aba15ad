package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	WebhookEventsTotal           *prometheus.CounterVec
	WebhookDeadLetterTotal       prometheus.Counter
	SubscriptionTransitionsTotal *prometheus.CounterVec
	NotificationsSentTotal       *prometheus.CounterVec
	UsageIncrementsTotal         *prometheus.CounterVec
	UsageDeniedTotal             *prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		WebhookEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Webhook events received, labeled by type and processing result",
			},
			[]string{"type", "result"},
		),
		WebhookDeadLetterTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_webhook_dead_letter_total",
				Help: "Webhook events parked after exhausting retries",
			},
		),
		SubscriptionTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_subscription_transitions_total",
				Help: "Subscription status transitions, labeled by target status",
			},
			[]string{"to"},
		),
		NotificationsSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_notifications_sent_total",
				Help: "User-facing billing notifications dispatched",
			},
			[]string{"type"},
		),
		UsageIncrementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_usage_increments_total",
				Help: "Feature usage increments",
			},
			[]string{"feature"},
		),
		UsageDeniedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_usage_denied_total",
				Help: "Feature uses denied by the free-tier gate",
			},
			[]string{"feature"},
		),
	}
}

// Middleware returns an Echo middleware that records HTTP metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}

			labels := []string{c.Request().Method, path, strconv.Itoa(status)}
			m.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
			m.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
