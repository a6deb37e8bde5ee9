package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/kafka"
	"github.com/kasugatakuya/band-store/middleware"
	"github.com/kasugatakuya/band-store/models"
)

type OrderHandler struct {
	db       *sql.DB
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewOrderHandler(db *sql.DB, producer sarama.SyncProducer, topic string, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		db:       db,
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

const orderColumns = "id, reference, user_id, total, status, stripe_payment_id, shipping_address, created_at, updated_at"

func scanOrder(row interface{ Scan(...any) error }, o *models.Order) error {
	var addrJSON []byte
	if err := row.Scan(&o.ID, &o.Reference, &o.UserID, &o.Total, &o.Status,
		&o.StripePaymentID, &addrJSON, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return err
	}
	return json.Unmarshal(addrJSON, &o.ShippingAddress)
}

func (h *OrderHandler) loadItems(ctx context.Context, order *models.Order) error {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, order_id, product_id, product_name, quantity, price, created_at
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		order.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	order.Items = []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName,
			&item.Quantity, &item.Price, &item.CreatedAt); err != nil {
			return err
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

// ListOrders returns the caller's order history, newest first. Items are the
// frozen snapshots taken at reconciliation, so history stays displayable after
// catalog edits or deletions.
func (h *OrderHandler) ListOrders(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "ListOrders")
	defer span.End()

	userID := c.GetInt(middleware.ContextUserID)

	rows, err := h.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var o models.Order
		if err := scanOrder(rows, &o); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order", zap.Error(err))
			continue
		}
		orders = append(orders, o)
	}

	for i := range orders {
		if err := h.loadItems(ctx, &orders[i]); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to load order items", zap.Int("order_id", orders[i].ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, orders)
}

// AdminListOrders returns every order with the customer's email for the
// back-office listing.
func (h *OrderHandler) AdminListOrders(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "AdminListOrders")
	defer span.End()

	rows, err := h.db.QueryContext(ctx,
		`SELECT o.id, o.reference, o.user_id, o.total, o.status, o.stripe_payment_id,
		        o.shipping_address, o.created_at, o.updated_at, u.email
		 FROM orders o
		 JOIN users u ON o.user_id = u.id
		 ORDER BY o.created_at DESC`,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	type adminOrder struct {
		models.Order
		CustomerEmail string `json:"customer_email"`
	}

	orders := []adminOrder{}
	for rows.Next() {
		var (
			o        adminOrder
			addrJSON []byte
		)
		if err := rows.Scan(&o.ID, &o.Reference, &o.UserID, &o.Total, &o.Status,
			&o.StripePaymentID, &addrJSON, &o.CreatedAt, &o.UpdatedAt, &o.CustomerEmail); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order", zap.Error(err))
			continue
		}
		if err := json.Unmarshal(addrJSON, &o.ShippingAddress); err != nil {
			h.logger.Error("Failed to decode shipping address", zap.Int("order_id", o.ID), zap.Error(err))
			continue
		}
		orders = append(orders, o)
	}

	for i := range orders {
		if err := h.loadItems(ctx, &orders[i].Order); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to load order items", zap.Int("order_id", orders[i].ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
	}

	c.JSON(http.StatusOK, orders)
}

// UpdateOrderStatus sets an order's state. Admin-only; any known state is
// accepted at any time, there is no transition table.
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "UpdateOrderStatus")
	defer span.End()

	orderID, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !models.ValidOrderStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order status"})
		return
	}

	var order models.Order
	err := scanOrder(h.db.QueryRowContext(ctx,
		`UPDATE orders SET status = $1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2
		 RETURNING `+orderColumns,
		req.Status, orderID,
	), &order)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to update order status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := h.loadItems(ctx, &order); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load order items", zap.Int("order_id", order.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	event := models.OrderEvent{
		OrderID:   order.ID,
		Reference: order.Reference,
		UserID:    order.UserID,
		Total:     order.Total,
		Status:    order.Status,
		EventType: "order_status_changed",
	}
	if err := kafka.PublishOrderEvent(ctx, h.producer, h.topic, event, h.logger); err != nil {
		h.logger.Error("Failed to publish order_status_changed event", zap.Error(err))
	}

	h.logger.Info("Order status updated",
		zap.Int("order_id", order.ID),
		zap.String("status", string(order.Status)),
	)
	c.JSON(http.StatusOK, order)
}
