package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/osvaldoandrade/historia/internal/middleware"
	"github.com/osvaldoandrade/historia/internal/services"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

type polarWebhookController struct{ svc services.BillingService }

func NewPolarWebhookController(svc services.BillingService) *polarWebhookController {
	return &polarWebhookController{svc}
}

// Handle answers in plain text, as the billing provider expects.
func (h *polarWebhookController) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.String(http.StatusBadRequest, "Webhook validation failed")
		return
	}
	err = h.svc.HandlePolarWebhook(c.Request.Context(), c.Request.Header, body)
	switch {
	case err == nil:
		c.String(http.StatusOK, "OK")
	case errors.Is(err, services.ErrWebhookSecretMissing):
		c.String(http.StatusInternalServerError, "Webhook secret not configured")
	case errors.Is(err, services.ErrInvalidSignature):
		c.String(http.StatusForbidden, "Invalid signature")
	case errors.Is(err, services.ErrMalformedEvent):
		c.String(http.StatusBadRequest, "Webhook validation failed")
	default:
		middleware.RequestLogger(c).Error("polar webhook failed", "err", err)
		c.String(http.StatusInternalServerError, "Database update failed")
	}
}
