package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/cache"
	"github.com/kasugatakuya/band-store/models"
)

const productColumns = "id, name, description, price, image, type, stock, featured, created_at, updated_at"

type ProductHandler struct {
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

func NewProductHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		db:          db,
		redisClient: redisClient,
		logger:      logger,
	}
}

func scanProduct(row interface{ Scan(...any) error }, p *models.Product) error {
	return row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Image, &p.Type,
		&p.Stock, &p.Featured, &p.CreatedAt, &p.UpdatedAt)
}

func (h *ProductHandler) GetProducts(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "GetProducts")
	defer span.End()

	query := "SELECT " + productColumns + " FROM products ORDER BY created_at DESC"
	args := []any{}
	if c.Query("featured") == "true" {
		query = "SELECT " + productColumns + " FROM products WHERE featured = TRUE ORDER BY created_at DESC"
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := scanProduct(rows, &p); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan product", zap.Error(err))
			continue
		}
		products = append(products, p)
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	c.JSON(http.StatusOK, products)
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	// Try to get from cache first
	if h.redisClient != nil {
		if cachedData, err := cache.GetProduct(ctx, h.redisClient, id); err == nil {
			var product models.Product
			if err := json.Unmarshal(cachedData, &product); err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				c.JSON(http.StatusOK, product)
				return
			}
		}
		span.SetAttributes(attribute.Bool("cache.hit", false))
	}

	var product models.Product
	err := scanProduct(h.db.QueryRowContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1", id), &product)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to fetch product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.redisClient != nil {
		// Cache the product for 5 minutes
		cache.SetProduct(ctx, h.redisClient, id, product, 5*time.Minute)
	}

	c.JSON(http.StatusOK, product)
}

func (h *ProductHandler) CreateProduct(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "CreateProduct")
	defer span.End()

	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var product models.Product
	err := scanProduct(h.db.QueryRowContext(ctx,
		`INSERT INTO products (name, description, price, image, type, stock, featured)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+productColumns,
		req.Name, req.Description, req.Price, req.Image, req.Type, req.Stock, req.Featured,
	), &product)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("product.id", product.ID))
	h.logger.Info("Product created", zap.Int("product_id", product.ID))
	c.JSON(http.StatusCreated, product)
}

func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "UpdateProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	var req models.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var product models.Product
	err := scanProduct(h.db.QueryRowContext(ctx,
		`UPDATE products
		 SET name = $1, description = $2, price = $3, image = $4, type = $5,
		     stock = $6, featured = $7, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $8
		 RETURNING `+productColumns,
		req.Name, req.Description, req.Price, req.Image, req.Type, req.Stock, req.Featured, id,
	), &product)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to update product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.redisClient != nil {
		// Invalidate cache
		cache.DeleteProduct(ctx, h.redisClient, id)
	}

	h.logger.Info("Product updated", zap.String("product_id", id))
	c.JSON(http.StatusOK, product)
}

func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "DeleteProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	result, err := h.db.ExecContext(ctx, "DELETE FROM products WHERE id = $1", id)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to delete product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}

	if h.redisClient != nil {
		cache.DeleteProduct(ctx, h.redisClient, id)
	}

	h.logger.Info("Product deleted", zap.String("product_id", id))
	c.JSON(http.StatusOK, gin.H{"message": "Product deleted successfully"})
}

// parseID converts a path parameter to an int id.
func parseID(raw string) (int, bool) {
	id, err := strconv.Atoi(raw)
	return id, err == nil && id > 0
}
