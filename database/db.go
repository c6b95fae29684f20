package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "checkoutdb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Create order/payment tables if they don't exist
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		order_number VARCHAR(64) NOT NULL UNIQUE,
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		payment_status VARCHAR(50) NOT NULL DEFAULT 'pending',
		subtotal DECIMAL(10, 2) NOT NULL DEFAULT 0,
		tax_amount DECIMAL(10, 2) NOT NULL DEFAULT 0,
		shipping_amount DECIMAL(10, 2) NOT NULL DEFAULT 0,
		discount_amount DECIMAL(10, 2) NOT NULL DEFAULT 0,
		total_amount DECIMAL(10, 2) NOT NULL CHECK (total_amount >= 0),
		currency VARCHAR(3) NOT NULL DEFAULT 'INR',
		shipping_address TEXT,
		billing_address TEXT,
		notes TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS order_items (
		id SERIAL PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id TEXT NOT NULL,
		product_name VARCHAR(255) NOT NULL,
		product_sku VARCHAR(100) NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		unit_price DECIMAL(10, 2) NOT NULL CHECK (unit_price >= 0),
		total_price DECIMAL(10, 2) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS payments (
		id SERIAL PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		user_id TEXT NOT NULL,
		amount DECIMAL(10, 2) NOT NULL,
		currency VARCHAR(3) NOT NULL DEFAULT 'INR',
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		gateway_order_id VARCHAR(255),
		gateway_payment_id VARCHAR(255),
		gateway_signature VARCHAR(255),
		payment_method VARCHAR(50),
		gateway_response TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- At most one pending payment per order; concurrent initiate calls race on
	-- this index instead of on application-level checks.
	CREATE UNIQUE INDEX IF NOT EXISTS payments_one_pending_per_order
		ON payments (order_id) WHERE status = 'pending';

	CREATE INDEX IF NOT EXISTS payments_gateway_order_id_idx
		ON payments (gateway_order_id);

	CREATE INDEX IF NOT EXISTS orders_user_id_idx
		ON orders (user_id, created_at DESC);
	`

	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
