package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_orders (
			order_id UUID PRIMARY KEY,
			payer_address VARCHAR(42) NOT NULL,
			recipient_vpa VARCHAR(255) NOT NULL,
			recipient_name VARCHAR(255) NOT NULL DEFAULT '',
			fiat_amount DECIMAL(38,18) NOT NULL,
			currency VARCHAR(10) NOT NULL,
			token_amount DECIMAL(78,0),
			custody_address VARCHAR(42) NOT NULL,
			status VARCHAR(30) NOT NULL,
			error_kind VARCHAR(40),
			error_reason TEXT,
			deposit_tx_hash VARCHAR(66),
			deposit_block BIGINT,
			deposit_log_index INTEGER,
			deposit_amount DECIMAL(78,0),
			provider_ref VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_orders_status ON payment_orders (status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_orders_payer ON payment_orders (payer_address)`,
		`CREATE TABLE IF NOT EXISTS payment_event_outbox (
			id SERIAL PRIMARY KEY,
			order_id UUID NOT NULL,
			event_type VARCHAR(40) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			payload JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_event_outbox_status ON payment_event_outbox (status, id)`,
		`CREATE TABLE IF NOT EXISTS scanner_state (
			id INTEGER PRIMARY KEY DEFAULT 1,
			next_block BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT NOW(),
			CONSTRAINT single_row CHECK (id = 1)
		)`,
		`CREATE TABLE IF NOT EXISTS reconciliation_entries (
			order_id UUID PRIMARY KEY,
			state VARCHAR(30) NOT NULL,
			deposit_tx_hash VARCHAR(66),
			deposit_amount DECIMAL(78,0),
			fiat_amount DECIMAL(38,18),
			currency VARCHAR(10),
			recipient_vpa VARCHAR(255),
			provider_ref VARCHAR(255),
			error_reason TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliation_entries_state ON reconciliation_entries (state, updated_at DESC)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	// Initialize scanner state if not exists
	_, err := db.Exec(`
		INSERT INTO scanner_state (id, next_block)
		VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING
	`)

	return err
}
