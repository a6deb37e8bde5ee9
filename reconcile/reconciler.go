// Package reconcile converts a completed checkout session into a durable
// order exactly once. Two independent callers race to do this for every
// payment: the Stripe webhook and the success-page load. No lock coordinates
// them; correctness comes from doing the lookup and the insert in one
// transaction, with the unique index on orders.stripe_payment_id as the final
// backstop when both pass the not-found check.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/models"
)

// ErrNotPaid means the session's payment has not completed; nothing is
// written and the caller decides how to report it.
var ErrNotPaid = errors.New("checkout session is not paid")

const uniqueViolation = "23505"

type Reconciler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewReconciler(db *sql.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// Reconcile materializes the order for a completed session. It returns the
// order and whether this call created it; created=false is the idempotent
// no-op path taken by whichever trigger loses the race, and by Stripe's
// webhook redeliveries.
//
// The whole write runs in one transaction: order row, item snapshots, cart
// clearing. Any failure rolls back everything, so a retry starts from scratch.
func (r *Reconciler) Reconcile(ctx context.Context, sess *models.CheckoutSession) (*models.Order, bool, error) {
	ctx, span := otel.Tracer("band-store").Start(ctx, "Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.session_id", sess.ID))

	if !sess.Paid() {
		return nil, false, ErrNotPaid
	}
	if sess.PaymentID == "" {
		return nil, false, fmt.Errorf("%w: session has no payment reference", models.ErrInvalidMetadata)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotency check, inside the same transaction as the insert.
	existing, err := r.orderByPaymentID(ctx, tx, sess.PaymentID)
	if err == nil {
		span.SetAttributes(attribute.Bool("order.created", false))
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup order by payment id: %w", err)
	}

	md, err := models.ParseCheckoutMetadata(sess.Metadata)
	if err != nil {
		// Foreign or corrupted session. Never create a partial order.
		r.logger.Error("Unusable checkout session metadata",
			zap.String("session_id", sess.ID), zap.Error(err))
		return nil, false, err
	}

	addrJSON, err := json.Marshal(md.ShippingAddress)
	if err != nil {
		return nil, false, fmt.Errorf("marshal shipping address: %w", err)
	}

	order := &models.Order{
		Reference:       uuid.NewString(),
		UserID:          md.UserID,
		Total:           sess.AmountTotal, // authoritative paid amount, never recomputed
		Status:          models.OrderStatusPending,
		StripePaymentID: sess.PaymentID,
		ShippingAddress: md.ShippingAddress,
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (reference, user_id, total, status, stripe_payment_id, shipping_address)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		order.Reference, order.UserID, order.Total, order.Status, order.StripePaymentID, addrJSON,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// The other trigger won the race between our lookup and our
			// insert. Treat the constraint violation as "already done".
			tx.Rollback()
			winner, lookupErr := r.orderByPaymentID(ctx, r.db, sess.PaymentID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("fetch concurrently created order: %w", lookupErr)
			}
			span.SetAttributes(attribute.Bool("order.created", false))
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	// Item snapshots come verbatim from the metadata frozen at session
	// creation. No live product read: deleting or repricing a product
	// between checkout and payment cannot alter what was paid for.
	for _, it := range md.Items {
		item := models.OrderItem{
			OrderID:     order.ID,
			ProductID:   it.ProductID,
			ProductName: it.Name,
			Quantity:    it.Quantity,
			Price:       it.UnitPrice,
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, product_id, product_name, quantity, price)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at`,
			item.OrderID, item.ProductID, item.ProductName, item.Quantity, item.Price,
		).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("insert order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM cart_items USING carts
		 WHERE cart_items.cart_id = carts.id AND carts.user_id = $1`,
		md.UserID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("clear cart: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit reconcile transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("order.created", true), attribute.Int("order.id", order.ID))
	r.logger.Info("Order reconciled",
		zap.Int("order_id", order.ID),
		zap.String("reference", order.Reference),
		zap.Int("user_id", order.UserID),
		zap.Int64("total", order.Total),
		zap.String("stripe_payment_id", order.StripePaymentID),
	)
	return order, true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Reconciler) orderByPaymentID(ctx context.Context, q querier, paymentID string) (*models.Order, error) {
	var (
		order    models.Order
		addrJSON []byte
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, reference, user_id, total, status, stripe_payment_id, shipping_address, created_at, updated_at
		 FROM orders WHERE stripe_payment_id = $1`,
		paymentID,
	).Scan(&order.ID, &order.Reference, &order.UserID, &order.Total, &order.Status,
		&order.StripePaymentID, &addrJSON, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(addrJSON, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, product_name, quantity, price, created_at
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		order.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName,
			&item.Quantity, &item.Price, &item.CreatedAt); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	return &order, rows.Err()
}
