package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Reconciliation states materialized from the payment event stream.
const (
	ReconStatePayoutPending = "payout_pending"
	ReconStateSettled       = "settled"
	ReconStateManualReview  = "manual_review"
)

// ReconciliationEntry tracks a confirmed deposit until its payout is settled
// or escalated for manual review.
type ReconciliationEntry struct {
	OrderID       string
	State         string
	DepositTxHash string
	DepositAmount string
	FiatAmount    string
	Currency      string
	RecipientVPA  string
	ProviderRef   string
	ErrorReason   string
}

type ReconciliationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewReconciliationRepository(db *sql.DB, logger *zap.Logger) *ReconciliationRepository {
	return &ReconciliationRepository{db: db, logger: logger}
}

func (r *ReconciliationRepository) UpsertEntry(entry ReconciliationEntry) error {
	_, err := r.db.Exec(`
		INSERT INTO reconciliation_entries (order_id, state, deposit_tx_hash, deposit_amount, fiat_amount, currency, recipient_vpa, provider_ref, error_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (order_id) DO UPDATE SET
			state = EXCLUDED.state,
			deposit_tx_hash = COALESCE(NULLIF(EXCLUDED.deposit_tx_hash, ''), reconciliation_entries.deposit_tx_hash),
			deposit_amount = COALESCE(EXCLUDED.deposit_amount, reconciliation_entries.deposit_amount),
			provider_ref = COALESCE(NULLIF(EXCLUDED.provider_ref, ''), reconciliation_entries.provider_ref),
			error_reason = COALESCE(NULLIF(EXCLUDED.error_reason, ''), reconciliation_entries.error_reason),
			updated_at = NOW()
	`, entry.OrderID, entry.State, entry.DepositTxHash, nullIfEmpty(entry.DepositAmount), nullIfEmpty(entry.FiatAmount),
		entry.Currency, entry.RecipientVPA, entry.ProviderRef, entry.ErrorReason)

	if err != nil {
		return fmt.Errorf("failed to upsert reconciliation entry: %w", err)
	}

	r.logger.Info("Upserted reconciliation entry",
		zap.String("order_id", entry.OrderID),
		zap.String("state", entry.State),
		zap.String("tx_hash", entry.DepositTxHash))
	return nil
}

func (r *ReconciliationRepository) GetEntriesByState(state string, limit int) ([]ReconciliationEntry, error) {
	rows, err := r.db.Query(`
		SELECT order_id, state, COALESCE(deposit_tx_hash, ''), COALESCE(deposit_amount::text, ''), COALESCE(fiat_amount::text, ''), COALESCE(currency, ''), COALESCE(recipient_vpa, ''), COALESCE(provider_ref, ''), COALESCE(error_reason, '')
		FROM reconciliation_entries
		WHERE state = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation entries: %w", err)
	}
	defer rows.Close()

	var entries []ReconciliationEntry
	for rows.Next() {
		var entry ReconciliationEntry
		if err := rows.Scan(&entry.OrderID, &entry.State, &entry.DepositTxHash, &entry.DepositAmount, &entry.FiatAmount,
			&entry.Currency, &entry.RecipientVPA, &entry.ProviderRef, &entry.ErrorReason); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliation entries: %w", err)
	}

	return entries, nil
}
