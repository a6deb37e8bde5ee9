package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Payment status values reported by the processor for a checkout session.
const (
	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

// CheckoutSession is the processor-agnostic view of a hosted checkout session.
// Metadata is the payload we embedded at session creation, echoed back
// verbatim; it is the sole carrier of order-creation intent, so no local row
// exists before payment completes.
type CheckoutSession struct {
	ID            string
	URL           string
	PaymentStatus string
	// PaymentID is the processor's payment reference, the idempotency key
	// for reconciliation.
	PaymentID     string
	AmountTotal   int64
	CustomerEmail string
	Metadata      map[string]string
}

func (s *CheckoutSession) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid
}

// Metadata keys round-tripped through the payment processor.
const (
	MetadataVersion         = "1"
	MetadataKeyVersion      = "metadataVersion"
	MetadataKeyUserID       = "userId"
	MetadataKeyOrderItems   = "orderItems"
	MetadataKeyShippingAddr = "shippingAddress"
)

// ErrInvalidMetadata marks a session whose embedded payload is missing or
// unparseable. Such a session is foreign or corrupted and must never produce
// a partial order.
var ErrInvalidMetadata = errors.New("invalid checkout session metadata")

// CheckoutItem is one line of the order intent. Name and UnitPrice are frozen
// at session creation; reconciliation reuses them verbatim instead of
// re-reading the live product, so a price edit between checkout and payment
// cannot change what the customer is charged for.
type CheckoutItem struct {
	ProductID int    `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type CheckoutMetadata struct {
	UserID          int
	Items           []CheckoutItem
	ShippingAddress ShippingAddress
}

// EncodeMetadata serializes the order intent into the opaque string map the
// processor stores on the session.
func (m *CheckoutMetadata) Encode() (map[string]string, error) {
	items, err := json.Marshal(m.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal order items: %w", err)
	}
	addr, err := json.Marshal(m.ShippingAddress)
	if err != nil {
		return nil, fmt.Errorf("marshal shipping address: %w", err)
	}
	return map[string]string{
		MetadataKeyVersion:      MetadataVersion,
		MetadataKeyUserID:       strconv.Itoa(m.UserID),
		MetadataKeyOrderItems:   string(items),
		MetadataKeyShippingAddr: string(addr),
	}, nil
}

// ParseCheckoutMetadata validates and decodes the payload echoed back by the
// processor. Every failure wraps ErrInvalidMetadata.
func ParseCheckoutMetadata(md map[string]string) (*CheckoutMetadata, error) {
	if md == nil {
		return nil, fmt.Errorf("%w: no metadata", ErrInvalidMetadata)
	}
	if v := md[MetadataKeyVersion]; v != MetadataVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidMetadata, v)
	}

	userID, err := strconv.Atoi(md[MetadataKeyUserID])
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: bad userId %q", ErrInvalidMetadata, md[MetadataKeyUserID])
	}

	rawItems, ok := md[MetadataKeyOrderItems]
	if !ok || rawItems == "" {
		return nil, fmt.Errorf("%w: missing orderItems", ErrInvalidMetadata)
	}
	var items []CheckoutItem
	if err := json.Unmarshal([]byte(rawItems), &items); err != nil {
		return nil, fmt.Errorf("%w: orderItems: %v", ErrInvalidMetadata, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty orderItems", ErrInvalidMetadata)
	}
	for _, it := range items {
		if it.ProductID <= 0 || it.Quantity <= 0 || it.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: bad order item %+v", ErrInvalidMetadata, it)
		}
	}

	rawAddr, ok := md[MetadataKeyShippingAddr]
	if !ok || rawAddr == "" {
		return nil, fmt.Errorf("%w: missing shippingAddress", ErrInvalidMetadata)
	}
	var addr ShippingAddress
	if err := json.Unmarshal([]byte(rawAddr), &addr); err != nil {
		return nil, fmt.Errorf("%w: shippingAddress: %v", ErrInvalidMetadata, err)
	}

	return &CheckoutMetadata{
		UserID:          userID,
		Items:           items,
		ShippingAddress: addr,
	}, nil
}

type CheckoutItemRequest struct {
	ProductID int `json:"product_id" binding:"required"`
	Quantity  int `json:"quantity" binding:"required,gt=0"`
}

type CheckoutRequest struct {
	Items []CheckoutItemRequest `json:"items" binding:"required,min=1,dive"`
}
