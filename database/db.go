package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/config"
)

func InitDB(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createSchema(db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established")
	return db, nil
}

func createSchema(db *sql.DB) error {
	// The unique index on orders.stripe_payment_id is load-bearing: it is the
	// backstop that keeps the webhook and the success page from both inserting
	// an order for the same payment. order_items.product_id carries no foreign
	// key; items are frozen snapshots that must outlive product deletion.
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(20) NOT NULL DEFAULT 'USER',
		zip_code VARCHAR(20) NOT NULL DEFAULT '',
		prefecture VARCHAR(100) NOT NULL DEFAULT '',
		city VARCHAR(255) NOT NULL DEFAULT '',
		address_line1 VARCHAR(255) NOT NULL DEFAULT '',
		address_line2 VARCHAR(255) NOT NULL DEFAULT '',
		phone VARCHAR(50) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS products (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price BIGINT NOT NULL CHECK (price >= 0),
		image TEXT NOT NULL DEFAULT '',
		type VARCHAR(20) NOT NULL DEFAULT 'GOODS',
		stock INT NOT NULL DEFAULT 0 CHECK (stock >= 0),
		featured BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS carts (
		id SERIAL PRIMARY KEY,
		user_id INT UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cart_items (
		id SERIAL PRIMARY KEY,
		cart_id INT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
		product_id INT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		quantity INT NOT NULL CHECK (quantity > 0),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (cart_id, product_id)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		reference VARCHAR(64) UNIQUE NOT NULL,
		user_id INT NOT NULL REFERENCES users(id),
		total BIGINT NOT NULL CHECK (total >= 0),
		status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
		stripe_payment_id TEXT UNIQUE NOT NULL,
		shipping_address JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS order_items (
		id SERIAL PRIMARY KEY,
		order_id INT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id INT NOT NULL,
		product_name VARCHAR(255) NOT NULL,
		quantity INT NOT NULL CHECK (quantity > 0),
		price BIGINT NOT NULL CHECK (price >= 0),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
