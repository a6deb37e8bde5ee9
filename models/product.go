package models

import "time"

type ProductType string

const (
	ProductTypeCD       ProductType = "CD"
	ProductTypeClothing ProductType = "CLOTHING"
	ProductTypeGoods    ProductType = "GOODS"
)

// Product prices are integer yen. JPY has no sub-unit, so the amount sent to
// Stripe is the price itself; no float math anywhere in the money path.
type Product struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Price       int64       `json:"price"`
	Image       string      `json:"image"`
	Type        ProductType `json:"type"`
	Stock       int         `json:"stock"`
	Featured    bool        `json:"featured"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type CreateProductRequest struct {
	Name        string      `json:"name" binding:"required"`
	Description string      `json:"description"`
	Price       int64       `json:"price" binding:"required,gt=0"`
	Image       string      `json:"image"`
	Type        ProductType `json:"type" binding:"required,oneof=CD CLOTHING GOODS"`
	Stock       int         `json:"stock" binding:"gte=0"`
	Featured    bool        `json:"featured"`
}

type UpdateProductRequest struct {
	Name        string      `json:"name" binding:"required"`
	Description string      `json:"description"`
	Price       int64       `json:"price" binding:"required,gt=0"`
	Image       string      `json:"image"`
	Type        ProductType `json:"type" binding:"required,oneof=CD CLOTHING GOODS"`
	Stock       int         `json:"stock" binding:"gte=0"`
	Featured    bool        `json:"featured"`
}
