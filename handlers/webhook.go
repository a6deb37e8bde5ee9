package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/middleware"
	"github.com/kasugatakuya/band-store/models"
	"github.com/kasugatakuya/band-store/reconcile"
)

// HandleStripeWebhook is the asynchronous reconciliation trigger. The channel
// is unauthenticated; trust comes from the signature over the raw body. Stripe
// retries on any non-2xx, which the reconciler's idempotency makes harmless.
func (h *CheckoutHandler) HandleStripeWebhook(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "HandleStripeWebhook")
	defer span.End()

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	sess, err := h.provider.VerifyWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("Webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook verification failed"})
		return
	}
	if sess == nil {
		// Event type we do not act on.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	span.SetAttributes(attribute.String("checkout.session_id", sess.ID))

	order, created, err := h.reconciler.Reconcile(ctx, sess)
	if err != nil {
		if errors.Is(err, reconcile.ErrNotPaid) {
			// Completed event for an async payment still settling; the
			// paid event will follow.
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		span.RecordError(err)
		middleware.RecordReconciliation("webhook", "error")
		if errors.Is(err, models.ErrInvalidMetadata) {
			// Foreign or corrupted session; retrying will not fix it.
			h.logger.Error("Webhook session has unusable metadata",
				zap.String("session_id", sess.ID), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required metadata"})
			return
		}
		// Transient store failure: non-2xx so Stripe redelivers.
		h.logger.Error("Webhook reconciliation failed", zap.String("session_id", sess.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error creating order"})
		return
	}

	if created {
		middleware.RecordReconciliation("webhook", "created")
		h.publishOrderCreated(ctx, order)
		h.logger.Info("Order created from webhook",
			zap.Int("order_id", order.ID),
			zap.String("session_id", sess.ID),
		)
	} else {
		middleware.RecordReconciliation("webhook", "duplicate")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
