package handlers

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/middleware"
	"github.com/kasugatakuya/band-store/models"
)

type CartHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCartHandler(db *sql.DB, logger *zap.Logger) *CartHandler {
	return &CartHandler{db: db, logger: logger}
}

func (h *CartHandler) GetCart(c *gin.Context) {
	userID := c.GetInt(middleware.ContextUserID)

	var cart models.Cart
	err := h.db.QueryRowContext(c.Request.Context(),
		"SELECT id, user_id, created_at FROM carts WHERE user_id = $1", userID,
	).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			// No cart yet; it is created lazily on first add.
			c.JSON(http.StatusOK, models.Cart{UserID: userID, Items: []models.CartItem{}})
			return
		}
		h.logger.Error("Failed to fetch cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	rows, err := h.db.QueryContext(c.Request.Context(),
		`SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, ci.created_at,
		        p.id, p.name, p.description, p.price, p.image, p.type, p.stock, p.featured, p.created_at, p.updated_at
		 FROM cart_items ci
		 JOIN products p ON ci.product_id = p.id
		 WHERE ci.cart_id = $1
		 ORDER BY ci.id`,
		cart.ID,
	)
	if err != nil {
		h.logger.Error("Failed to fetch cart items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	cart.Items = []models.CartItem{}
	for rows.Next() {
		var (
			item    models.CartItem
			product models.Product
		)
		if err := rows.Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity, &item.CreatedAt,
			&product.ID, &product.Name, &product.Description, &product.Price, &product.Image,
			&product.Type, &product.Stock, &product.Featured, &product.CreatedAt, &product.UpdatedAt); err != nil {
			h.logger.Error("Failed to scan cart item", zap.Error(err))
			continue
		}
		item.Product = &product
		cart.Items = append(cart.Items, item)
	}

	c.JSON(http.StatusOK, cart)
}

func (h *CartHandler) AddToCart(c *gin.Context) {
	userID := c.GetInt(middleware.ContextUserID)

	var req models.AddToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var product models.Product
	err := h.db.QueryRowContext(c.Request.Context(),
		"SELECT id, name, price, stock FROM products WHERE id = $1", req.ProductID,
	).Scan(&product.ID, &product.Name, &product.Price, &product.Stock)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		h.logger.Error("Failed to fetch product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if req.Quantity > product.Stock {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Quantity exceeds available stock"})
		return
	}

	// Find-or-create the cart. The unique constraint on carts.user_id
	// resolves the first-add race; DO NOTHING plus the follow-up select
	// handles the loser.
	if _, err := h.db.ExecContext(c.Request.Context(),
		"INSERT INTO carts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING", userID); err != nil {
		h.logger.Error("Failed to create cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	var cartID int
	if err := h.db.QueryRowContext(c.Request.Context(),
		"SELECT id FROM carts WHERE user_id = $1", userID).Scan(&cartID); err != nil {
		h.logger.Error("Failed to fetch cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// Adding a product already in the cart increments quantity instead of
	// duplicating the row.
	var item models.CartItem
	err = h.db.QueryRowContext(c.Request.Context(),
		`INSERT INTO cart_items (cart_id, product_id, quantity)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (cart_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		 RETURNING id, cart_id, product_id, quantity, created_at`,
		cartID, req.ProductID, req.Quantity,
	).Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity, &item.CreatedAt)
	if err != nil {
		h.logger.Error("Failed to add to cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Added to cart",
		zap.Int("user_id", userID),
		zap.Int("product_id", req.ProductID),
		zap.Int("quantity", item.Quantity),
	)
	c.JSON(http.StatusOK, item)
}

func (h *CartHandler) RemoveCartItem(c *gin.Context) {
	userID := c.GetInt(middleware.ContextUserID)

	itemID, ok := parseID(c.Param("itemId"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid item ID"})
		return
	}

	// Ownership enforced in the delete itself.
	result, err := h.db.ExecContext(c.Request.Context(),
		`DELETE FROM cart_items USING carts
		 WHERE cart_items.id = $1 AND cart_items.cart_id = carts.id AND carts.user_id = $2`,
		itemID, userID,
	)
	if err != nil {
		h.logger.Error("Failed to remove cart item", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cart item not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CartHandler) CartCount(c *gin.Context) {
	userID := c.GetInt(middleware.ContextUserID)

	var count int
	err := h.db.QueryRowContext(c.Request.Context(),
		`SELECT COALESCE(SUM(ci.quantity), 0)
		 FROM cart_items ci
		 JOIN carts ct ON ci.cart_id = ct.id
		 WHERE ct.user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		h.logger.Error("Failed to count cart items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}
