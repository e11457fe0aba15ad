package handlers

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	apierrors "github.com/examly/billing/pkg/api/errors"
	"github.com/examly/billing/pkg/metrics"
	"github.com/examly/billing/pkg/middleware"
	"github.com/examly/billing/pkg/models"
	"github.com/examly/billing/pkg/usage"
)

// UsageHandler handles usage tracking endpoints
type UsageHandler struct {
	usageService *usage.Service
	features     []string
	metrics      *metrics.Metrics
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(usageService *usage.Service, features []string, m *metrics.Metrics) *UsageHandler {
	return &UsageHandler{
		usageService: usageService,
		features:     features,
		metrics:      m,
	}
}

// GetUsage handles GET /billing/usage
func (h *UsageHandler) GetUsage(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	stats, err := h.usageService.Stats(c.Request().Context(), userID)
	if err != nil {
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, stats)
}

// RecordUse handles POST /billing/usage/:feature. It gates the use against
// the plan limit and, when allowed, counts it. Internal services call this
// before serving a gated feature.
func (h *UsageHandler) RecordUse(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	feature := c.Param("feature")
	if !slices.Contains(h.features, feature) {
		return apierrors.BadRequestError(c, "Unknown feature.")
	}

	ctx := c.Request().Context()

	allowed, err := h.usageService.CanUse(ctx, userID, feature)
	if err != nil {
		return apierrors.InternalError(c, err)
	}
	if !allowed {
		if h.metrics != nil {
			h.metrics.UsageDeniedTotal.WithLabelValues(feature).Inc()
		}
		return c.JSON(http.StatusForbidden, models.ErrorResponse{
			Error:   "limit_reached",
			Message: "Daily limit reached. Upgrade your plan for unlimited access.",
		})
	}

	if err := h.usageService.Increment(ctx, userID, feature); err != nil {
		return apierrors.InternalError(c, err)
	}
	if h.metrics != nil {
		h.metrics.UsageIncrementsTotal.WithLabelValues(feature).Inc()
	}

	current, err := h.usageService.CurrentUsage(ctx, userID, feature)
	if err != nil {
		return apierrors.InternalError(c, err)
	}

	resp := map[string]interface{}{
		"allowed": true,
		"usage":   current,
	}
	if limit, unlimited := h.usageService.Limit(feature); !unlimited {
		resp["limit"] = limit
	}
	return c.JSON(http.StatusOK, resp)
}
