package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stripe/stripe-go/v76/webhook"

	apierrors "github.com/examly/billing/pkg/api/errors"
	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/models"
	webhookworker "github.com/examly/billing/pkg/webhook"
)

// WebhookHandler receives provider webhook deliveries. It verifies the
// signature, records the event and acknowledges immediately; reconciliation
// runs asynchronously in the worker.
type WebhookHandler struct {
	worker    *webhookworker.Worker
	secret    string
	tolerance time.Duration
	log       logger.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(worker *webhookworker.Worker, secret string, tolerance time.Duration, log logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Default()
	}
	return &WebhookHandler{
		worker:    worker,
		secret:    secret,
		tolerance: tolerance,
		log:       log,
	}
}

// HandleStripe handles POST /webhook/stripe. A bad signature is rejected with
// 400 and never recorded or retried; everything past the signature check is
// answered 200 so the provider stops redelivering.
func (h *WebhookHandler) HandleStripe(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_body",
			Message: "Failed to read request body",
		})
	}

	signature := c.Request().Header.Get("Stripe-Signature")
	if signature == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "missing_signature",
		})
	}

	// Accounts pin their own Stripe API version; a mismatch with the SDK's
	// pinned version is not a signature failure and must not drop the event.
	event, err := webhook.ConstructEventWithOptions(body, signature, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.log.Warn("webhook signature verification failed",
			"remote_ip", c.RealIP(), "error", err)
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "invalid_signature",
		})
	}

	record, created, err := h.worker.Record(c.Request().Context(), event)
	if err != nil {
		// Not recorded yet; a 500 makes the provider redeliver.
		return apierrors.InternalError(c, err)
	}
	if created {
		h.worker.Enqueue(record.ID)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"received": true,
	})
}
