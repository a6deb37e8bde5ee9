package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/kasugatakuya/band-store/models"
)

const (
	selectOrderQuery = `SELECT id, reference, user_id, total, status, stripe_payment_id, shipping_address, created_at, updated_at
			 FROM orders WHERE stripe_payment_id = $1`
	selectItemsQuery = `SELECT id, order_id, product_id, product_name, quantity, price, created_at
			 FROM order_items WHERE order_id = $1 ORDER BY id`
	insertOrderQuery = `INSERT INTO orders (reference, user_id, total, status, stripe_payment_id, shipping_address)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id, created_at, updated_at`
	insertItemQuery = `INSERT INTO order_items (order_id, product_id, product_name, quantity, price)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id, created_at`
	clearCartQuery = `DELETE FROM cart_items USING carts
			 WHERE cart_items.cart_id = carts.id AND carts.user_id = $1`
)

func setupReconcilerTest(t *testing.T) (*Reconciler, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	return NewReconciler(db, logger), mock, func() { db.Close() }
}

func paidSession(t *testing.T) *models.CheckoutSession {
	t.Helper()

	md := models.CheckoutMetadata{
		UserID: 7,
		Items: []models.CheckoutItem{
			{ProductID: 3, Name: "Tour 2026 T-Shirt", Quantity: 2, UnitPrice: 3500},
			{ProductID: 5, Name: "Live Album CD", Quantity: 1, UnitPrice: 2800},
		},
		ShippingAddress: models.ShippingAddress{
			Name:         "Yamada Hanako",
			ZipCode:      "150-0001",
			Prefecture:   "Tokyo",
			City:         "Shibuya",
			AddressLine1: "1-2-3 Jingumae",
		},
	}
	encoded, err := md.Encode()
	if err != nil {
		t.Fatalf("Failed to encode metadata: %v", err)
	}

	return &models.CheckoutSession{
		ID:            "cs_test_123",
		PaymentStatus: models.PaymentStatusPaid,
		PaymentID:     "pi_test_abc",
		AmountTotal:   9800,
		Metadata:      encoded,
	}
}

func orderRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "reference", "user_id", "total", "status", "stripe_payment_id",
		"shipping_address", "created_at", "updated_at",
	}).AddRow(42, "ref-existing", 7, 9800, models.OrderStatusPending, "pi_test_abc",
		[]byte(`{"name":"Yamada Hanako","zipCode":"150-0001","prefecture":"Tokyo","city":"Shibuya","addressLine1":"1-2-3 Jingumae"}`),
		time.Now(), time.Now())
}

func itemRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "order_id", "product_id", "product_name", "quantity", "price", "created_at",
	}).AddRow(1, 42, 3, "Tour 2026 T-Shirt", 2, 3500, time.Now()).
		AddRow(2, 42, 5, "Live Album CD", 1, 2800, time.Now())
}

func TestReconcile_NotPaid(t *testing.T) {
	r, mock, cleanup := setupReconcilerTest(t)
	defer cleanup()

	sess := paidSession(t)
	sess.PaymentStatus = "unpaid"

	_, created, err := r.Reconcile(context.Background(), sess)
	if !errors.Is(err, ErrNotPaid) {
		t.Errorf("Expected ErrNotPaid, got %v", err)
	}
	if created {
		t.Error("Expected created=false for unpaid session")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestReconcile_MissingPaymentReference(t *testing.T) {
	r, mock, cleanup := setupReconcilerTest(t)
	defer cleanup()

	sess := paidSession(t)
	sess.PaymentID = ""

	_, _, err := r.Reconcile(context.Background(), sess)
	if !errors.Is(err, models.ErrInvalidMetadata) {
		t.Errorf("Expected ErrInvalidMetadata, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestReconcile_ExistingOrderReturnedWithoutInsert(t *testing.T) {
	r, mock, cleanup := setupReconcilerTest(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectOrderQuery)).
		WithArgs("pi_test_abc").
		WillReturnRows(orderRows())
	mock.ExpectQuery(regexp.QuoteMeta(selectItemsQuery)).
		WithArgs(42).
		WillReturnRows(itemRows())
	mock.ExpectRollback()

	order, created, err := r.Reconcile(context.Background(), paidSession(t))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if created {
		t.Error("Expected created=false when the order already exists")
	}
	if order.ID != 42 {
		t.Errorf("Expected existing order 42, got %d", order.ID)
	}
	if len(order.Items) != 2 {
		t.Errorf("Expected 2 items, got %d", len(order.Items))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestReconcile_CreatesOrderFromMetadata(t *testing.T) {
	r, mock, cleanup := setupReconcilerTest(t)
	defer cleanup()

	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectOrderQuery)).
		WithArgs("pi_test_abc").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(insertOrderQuery)).
		WithArgs(sqlmock.AnyArg(), 7, 9800, string(models.OrderStatusPending), "pi_test_abc", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(insertItemQuery)).
		WithArgs(42, 3, "Tour 2026 T-Shirt", 2, 3500).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
	mock.ExpectQuery(regexp.QuoteMeta(insertItemQuery)).
		WithArgs(42, 5, "Live Album CD", 1, 2800).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, now))
	mock.ExpectExec(regexp.QuoteMeta(clearCartQuery)).
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	order, created, err := r.Reconcile(context.Background(), paidSession(t))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !created {
		t.Error("Expected created=true on first reconciliation")
	}
	if order.Total != 9800 {
		t.Errorf("Expected total 9800 from the session, got %d", order.Total)
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected status PENDING, got %s", order.Status)
	}
	if len(order.Items) != 2 {
		t.Fatalf("Expected 2 item snapshots, got %d", len(order.Items))
	}
	if order.Items[0].Price != 3500 || order.Items[0].ProductName != "Tour 2026 T-Shirt" {
		t.Errorf("Item snapshot does not match frozen metadata: %+v", order.Items[0])
	}
	if order.Reference == "" {
		t.Error("Expected a generated order reference")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestReconcile_UniqueViolationReturnsWinner(t *testing.T) {
	r, mock, cleanup := setupReconcilerTest(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectOrderQuery)).
		WithArgs("pi_test_abc").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(insertOrderQuery)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "orders_stripe_payment_id_key"})
	mock.ExpectRollback()
	// Winner fetched outside the aborted transaction.
	mock.ExpectQuery(regexp.QuoteMeta(selectOrderQuery)).
		WithArgs("pi_test_abc").
		WillReturnRows(orderRows())
	mock.ExpectQuery(regexp.QuoteMeta(selectItemsQuery)).
		WithArgs(42).
		WillReturnRows(itemRows())

	order, created, err := r.Reconcile(context.Background(), paidSession(t))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if created {
		t.Error("Expected created=false when losing the insert race")
	}
	if order.ID != 42 {
		t.Errorf("Expected the winner's order 42, got %d", order.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestReconcile_ItemInsertFailureRollsBackEverything(t *testing.T) {
	r, mock, cleanup := setupReconcilerTest(t)
	defer cleanup()

	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectOrderQuery)).
		WithArgs("pi_test_abc").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(insertOrderQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(insertItemQuery)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, created, err := r.Reconcile(context.Background(), paidSession(t))
	if err == nil {
		t.Fatal("Expected an error when an item insert fails")
	}
	if created {
		t.Error("Expected created=false on rollback")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestReconcile_ForeignSessionMetadataRejected(t *testing.T) {
	r, mock, cleanup := setupReconcilerTest(t)
	defer cleanup()

	sess := paidSession(t)
	sess.Metadata = map[string]string{"someOtherKey": "value"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectOrderQuery)).
		WithArgs("pi_test_abc").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := r.Reconcile(context.Background(), sess)
	if !errors.Is(err, models.ErrInvalidMetadata) {
		t.Errorf("Expected ErrInvalidMetadata, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
