package handlers

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/middleware"
	"github.com/kasugatakuya/band-store/models"
)

type ProfileHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewProfileHandler(db *sql.DB, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{db: db, logger: logger}
}

const profileColumns = "id, email, name, role, zip_code, prefecture, city, address_line1, address_line2, phone, created_at"

func scanProfile(row interface{ Scan(...any) error }, u *models.User) error {
	return row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.ZipCode, &u.Prefecture,
		&u.City, &u.AddressLine1, &u.AddressLine2, &u.Phone, &u.CreatedAt)
}

func (h *ProfileHandler) GetProfile(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "GetProfile")
	defer span.End()

	userID := c.GetInt(middleware.ContextUserID)

	var user models.User
	err := scanProfile(h.db.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM users WHERE id = $1", userID,
	), &user)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to fetch profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, user)
}

// UpdateProfile stores name and shipping address. The address saved here is
// what checkout snapshots into the payment session.
func (h *ProfileHandler) UpdateProfile(c *gin.Context) {
	ctx, span := otel.Tracer("band-store").Start(c.Request.Context(), "UpdateProfile")
	defer span.End()

	userID := c.GetInt(middleware.ContextUserID)

	var req models.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	err := scanProfile(h.db.QueryRowContext(ctx,
		`UPDATE users SET name = $1, zip_code = $2, prefecture = $3, city = $4,
		        address_line1 = $5, address_line2 = $6, phone = $7
		 WHERE id = $8
		 RETURNING `+profileColumns,
		req.Name, req.ZipCode, req.Prefecture, req.City,
		req.AddressLine1, req.AddressLine2, req.Phone, userID,
	), &user)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to update profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Profile updated", zap.Int("user_id", userID))
	c.JSON(http.StatusOK, user)
}
