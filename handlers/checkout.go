package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/kafka"
	"github.com/kasugatakuya/band-store/middleware"
	"github.com/kasugatakuya/band-store/models"
	"github.com/kasugatakuya/band-store/payment"
	"github.com/kasugatakuya/band-store/reconcile"
)

// PaymentProvider is the processor surface the handlers depend on. The Stripe
// gateway implements it; tests substitute a fake.
type PaymentProvider interface {
	CreateSession(ctx context.Context, in payment.SessionInput) (*models.CheckoutSession, error)
	GetSession(ctx context.Context, id string) (*models.CheckoutSession, error)
	VerifyWebhook(payload []byte, sigHeader string) (*models.CheckoutSession, error)
}

type CheckoutHandler struct {
	db         *sql.DB
	provider   PaymentProvider
	reconciler *reconcile.Reconciler
	producer   sarama.SyncProducer
	topic      string
	logger     *zap.Logger
}

func NewCheckoutHandler(
	db *sql.DB,
	provider PaymentProvider,
	reconciler *reconcile.Reconciler,
	producer sarama.SyncProducer,
	topic string,
	logger *zap.Logger,
) *CheckoutHandler {
	return &CheckoutHandler{
		db:         db,
		provider:   provider,
		reconciler: reconciler,
		producer:   producer,
		topic:      topic,
		logger:     logger,
	}
}

// CreateCheckoutSession resolves the requested items against the catalog,
// freezes name and unit price, and opens a hosted checkout session carrying
// the whole order intent in its metadata. No local row is written; an
// abandoned session leaves the cart untouched.
func (h *CheckoutHandler) CreateCheckoutSession(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "CreateCheckoutSession")
	defer span.End()

	userID := c.GetInt(middleware.ContextUserID)
	span.SetAttributes(attribute.Int("user_id", userID))

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	err := h.db.QueryRowContext(ctx,
		`SELECT id, name, email, zip_code, prefecture, city, address_line1, address_line2, phone
		 FROM users WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Name, &user.Email, &user.ZipCode, &user.Prefecture,
		&user.City, &user.AddressLine1, &user.AddressLine2, &user.Phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to fetch user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	lineItems := make([]payment.LineItem, 0, len(req.Items))
	checkoutItems := make([]models.CheckoutItem, 0, len(req.Items))
	for _, it := range req.Items {
		var product models.Product
		err := h.db.QueryRowContext(ctx,
			"SELECT id, name, description, price, image FROM products WHERE id = $1",
			it.ProductID,
		).Scan(&product.ID, &product.Name, &product.Description, &product.Price, &product.Image)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// One unknown product aborts the whole session.
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Product %d not found", it.ProductID)})
				return
			}
			span.RecordError(err)
			h.logger.Error("Failed to fetch product", zap.Int("product_id", it.ProductID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		lineItems = append(lineItems, payment.LineItem{
			Name:        product.Name,
			Description: product.Description,
			ImageURL:    product.Image,
			UnitAmount:  product.Price,
			Quantity:    int64(it.Quantity),
		})
		checkoutItems = append(checkoutItems, models.CheckoutItem{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  it.Quantity,
			UnitPrice: product.Price,
		})
	}

	md := &models.CheckoutMetadata{
		UserID: userID,
		Items:  checkoutItems,
		ShippingAddress: models.ShippingAddress{
			Name:         user.Name,
			ZipCode:      user.ZipCode,
			Prefecture:   user.Prefecture,
			City:         user.City,
			AddressLine1: user.AddressLine1,
			AddressLine2: user.AddressLine2,
			Phone:        user.Phone,
		},
	}
	metadata, err := md.Encode()
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to encode checkout metadata", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	sess, err := h.provider.CreateSession(ctx, payment.SessionInput{
		CustomerEmail: user.Email,
		Metadata:      metadata,
		LineItems:     lineItems,
	})
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create checkout session", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider error"})
		return
	}

	span.SetAttributes(attribute.String("checkout.session_id", sess.ID))
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "url": sess.URL})
}

// CheckoutSuccess is the synchronous reconciliation trigger: the customer's
// browser lands here after paying. It races the webhook for the same session
// and must treat "already reconciled" as success.
func (h *CheckoutHandler) CheckoutSuccess(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "CheckoutSuccess")
	defer span.End()

	userID := c.GetInt(middleware.ContextUserID)

	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	span.SetAttributes(attribute.String("checkout.session_id", sessionID))

	sess, err := h.provider.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to retrieve checkout session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "Checkout session not found"})
		return
	}

	if !sess.Paid() {
		c.JSON(http.StatusOK, gin.H{"payment_status": sess.PaymentStatus})
		return
	}

	// The session must belong to the authenticated caller. The webhook
	// has no user context and trusts the processor's signature instead.
	if mdUser, err := strconv.Atoi(sess.Metadata[models.MetadataKeyUserID]); err != nil || mdUser != userID {
		middleware.RecordReconciliation("success_page", "error")
		c.JSON(http.StatusForbidden, gin.H{"error": "Checkout session belongs to a different user"})
		return
	}

	order, created, err := h.reconciler.Reconcile(ctx, sess)
	if err != nil {
		span.RecordError(err)
		middleware.RecordReconciliation("success_page", "error")
		if errors.Is(err, models.ErrInvalidMetadata) {
			h.logger.Error("Corrupt session metadata on success page",
				zap.String("session_id", sessionID), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid checkout session"})
			return
		}
		h.logger.Error("Reconciliation failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if created {
		middleware.RecordReconciliation("success_page", "created")
		h.publishOrderCreated(ctx, order)
	} else {
		// The webhook got here first. That is still a success for the
		// customer; never surface it as an error.
		middleware.RecordReconciliation("success_page", "duplicate")
	}

	c.JSON(http.StatusOK, gin.H{"payment_status": models.PaymentStatusPaid, "order": order})
}

func (h *CheckoutHandler) publishOrderCreated(ctx context.Context, order *models.Order) {
	event := models.OrderEvent{
		OrderID:   order.ID,
		Reference: order.Reference,
		UserID:    order.UserID,
		Total:     order.Total,
		Status:    order.Status,
		EventType: "order_created",
	}
	if err := kafka.PublishOrderEvent(ctx, h.producer, h.topic, event, h.logger); err != nil {
		// The order is committed; a lost event is not worth failing over.
		h.logger.Error("Failed to publish order_created event", zap.Error(err))
	}
}
