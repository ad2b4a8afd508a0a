package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/MacJediWizard/dentalnotes/internal/billing"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxWebhookBytes matches the payload cap Stripe documents for events.
const maxWebhookBytes = 64 << 10

// WebhookProcessor applies verified billing events.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) (*billing.Outcome, error)
}

// WebhooksHandler receives Stripe webhook deliveries.
type WebhooksHandler struct {
	processor WebhookProcessor
	logger    zerolog.Logger
}

// NewWebhooksHandler creates a new WebhooksHandler.
func NewWebhooksHandler(processor WebhookProcessor, logger zerolog.Logger) *WebhooksHandler {
	return &WebhooksHandler{
		processor: processor,
		logger:    logger.With().Str("component", "webhooks_handler").Logger(),
	}
}

// RegisterPublicRoutes registers the webhook receivers. They authenticate
// through the Stripe signature, not a bearer token.
func (h *WebhooksHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.POST("/webhook", h.Stripe)
	r.POST("/api/v1/webhooks/stripe", h.Stripe)
}

// Stripe verifies and applies one Stripe event.
// POST /api/v1/webhooks/stripe
func (h *WebhooksHandler) Stripe(c *gin.Context) {
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing Stripe signature"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(payload) > maxWebhookBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	outcome, err := h.processor.Process(c.Request.Context(), payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNotConfigured):
			h.logger.Error().Msg("stripe webhook received but no signing secret is configured")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhooks are not configured"})
		case errors.Is(err, billing.ErrInvalidSignature):
			h.logger.Warn().Str("client_ip", c.ClientIP()).Msg("rejected stripe webhook with bad signature")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		case errors.Is(err, billing.ErrInvalidPayload):
			h.logger.Warn().Err(err).Msg("rejected malformed stripe event")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		default:
			h.logger.Error().Err(err).Msg("failed to apply stripe event")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"event":  outcome.Type,
		"result": outcome.Result,
	})
}
