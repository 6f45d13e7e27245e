package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"upibridge/internal/model"
)

type OrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOrderRepository(db *sql.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

func (r *OrderRepository) CreateOrder(order model.PaymentOrder) error {
	_, err := r.db.Exec(`
		INSERT INTO payment_orders (order_id, payer_address, recipient_vpa, recipient_name, fiat_amount, currency, token_amount, custody_address, status, error_kind, error_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`, order.OrderID, order.PayerAddress, order.RecipientVPA, order.RecipientName, order.FiatAmount, order.Currency,
		nullIfEmpty(order.TokenAmount), order.CustodyAddress, order.Status, order.ErrorKind, order.ErrorReason, order.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	r.logger.Info("Created order",
		zap.String("order_id", order.OrderID),
		zap.String("status", order.Status),
		zap.String("payer_address", order.PayerAddress),
		zap.String("recipient_vpa", order.RecipientVPA))
	return nil
}

func (r *OrderRepository) UpdateOrderStatus(orderID, status string) error {
	_, err := r.db.Exec(`
		UPDATE payment_orders SET status = $1, updated_at = NOW() WHERE order_id = $2
	`, status, orderID)

	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	r.logger.Info("Updated order status",
		zap.String("order_id", orderID),
		zap.String("status", status))
	return nil
}

func (r *OrderRepository) MarkOrderFailed(orderID, errorKind, reason string) error {
	_, err := r.db.Exec(`
		UPDATE payment_orders
		SET status = $1, error_kind = $2, error_reason = $3, updated_at = NOW()
		WHERE order_id = $4
	`, model.StatusFailed, errorKind, reason, orderID)

	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}

	r.logger.Info("Marked order failed",
		zap.String("order_id", orderID),
		zap.String("error_kind", errorKind))
	return nil
}

func (r *OrderRepository) RecordDepositMatch(orderID, txHash string, blockNumber uint64, logIndex uint, amount string) error {
	_, err := r.db.Exec(`
		UPDATE payment_orders
		SET status = $1, deposit_tx_hash = $2, deposit_block = $3, deposit_log_index = $4, deposit_amount = $5, updated_at = NOW()
		WHERE order_id = $6
	`, model.StatusDepositConfirmed, txHash, blockNumber, logIndex, amount, orderID)

	if err != nil {
		return fmt.Errorf("failed to record deposit match: %w", err)
	}

	r.logger.Info("Recorded deposit match",
		zap.String("order_id", orderID),
		zap.String("tx_hash", txHash),
		zap.Uint64("block_number", blockNumber),
		zap.String("amount", amount))
	return nil
}

func (r *OrderRepository) RecordPayout(orderID, providerRef string) error {
	_, err := r.db.Exec(`
		UPDATE payment_orders
		SET status = $1, provider_ref = $2, updated_at = NOW()
		WHERE order_id = $3
	`, model.StatusCompleted, providerRef, orderID)

	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}

	r.logger.Info("Recorded payout",
		zap.String("order_id", orderID),
		zap.String("provider_ref", providerRef))
	return nil
}

func (r *OrderRepository) GetOrderByID(orderID string) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := r.db.QueryRow(`
		SELECT order_id, payer_address, recipient_vpa, recipient_name, fiat_amount, currency, COALESCE(token_amount, 0), custody_address, status, error_kind, error_reason, deposit_tx_hash, deposit_block, deposit_log_index, deposit_amount, provider_ref, created_at, updated_at
		FROM payment_orders
		WHERE order_id = $1
	`, orderID).Scan(&order.OrderID, &order.PayerAddress, &order.RecipientVPA, &order.RecipientName, &order.FiatAmount,
		&order.Currency, &order.TokenAmount, &order.CustodyAddress, &order.Status, &order.ErrorKind, &order.ErrorReason,
		&order.DepositTxHash, &order.DepositBlock, &order.DepositLogIndex, &order.DepositAmount, &order.ProviderRef,
		&order.CreatedAt, &order.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &order, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
