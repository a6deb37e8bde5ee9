package models

import "time"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// ValidOrderStatus reports whether s is one of the known order states. Any
// admin may set any state; there is no transition table.
func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

type ShippingAddress struct {
	Name         string `json:"name"`
	ZipCode      string `json:"zipCode"`
	Prefecture   string `json:"prefecture"`
	City         string `json:"city"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// Order is immutable after creation except for its status. StripePaymentID is
// the external payment reference and carries a unique constraint: at most one
// order ever exists per completed payment.
type Order struct {
	ID              int             `json:"id"`
	Reference       string          `json:"reference"`
	UserID          int             `json:"user_id"`
	Items           []OrderItem     `json:"items"`
	Total           int64           `json:"total"`
	Status          OrderStatus     `json:"status"`
	StripePaymentID string          `json:"stripe_payment_id"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderItem freezes name and unit price as paid. ProductID is a plain value,
// not a foreign key, so historic orders survive product deletion.
type OrderItem struct {
	ID          int       `json:"id"`
	OrderID     int       `json:"order_id"`
	ProductID   int       `json:"product_id"`
	ProductName string    `json:"product_name"`
	Quantity    int       `json:"quantity"`
	Price       int64     `json:"price"`
	CreatedAt   time.Time `json:"created_at"`
}

type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status" binding:"required"`
}

type OrderEvent struct {
	OrderID   int         `json:"order_id"`
	Reference string      `json:"reference"`
	UserID    int         `json:"user_id"`
	Total     int64       `json:"total"`
	Status    OrderStatus `json:"status"`
	EventType string      `json:"event_type"` // order_created, order_status_changed
}
