package model

import (
	"time"
)

// Payment order statuses. An order only ever moves forward; completed and
// failed are terminal.
const (
	StatusQuoted           = "quoted"
	StatusAwaitingDeposit  = "awaiting_deposit"
	StatusDepositConfirmed = "deposit_confirmed"
	StatusPayoutDispatched = "payout_dispatched"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// Error kinds persisted alongside failed orders and surfaced to callers.
const (
	ErrKindMalformedIntent = "malformed_payment_intent"
	ErrKindInvalidAmount   = "invalid_amount"
	ErrKindRateUnavailable = "rate_unavailable"
	ErrKindDepositTimeout  = "deposit_timeout"
	ErrKindPayoutGateway   = "payout_gateway_error"
)

type PaymentOrder struct {
	OrderID          string    `db:"order_id"`
	PayerAddress     string    `db:"payer_address"`
	RecipientVPA     string    `db:"recipient_vpa"`
	RecipientName    string    `db:"recipient_name"`
	FiatAmount       string    `db:"fiat_amount"`
	Currency         string    `db:"currency"`
	TokenAmount      string    `db:"token_amount"` // smallest units, decimal string
	CustodyAddress   string    `db:"custody_address"`
	Status           string    `db:"status"`
	ErrorKind        *string   `db:"error_kind"`
	ErrorReason      *string   `db:"error_reason"`
	DepositTxHash    *string   `db:"deposit_tx_hash"`
	DepositBlock     *uint64   `db:"deposit_block"`
	DepositLogIndex  *uint     `db:"deposit_log_index"`
	DepositAmount    *string   `db:"deposit_amount"`
	ProviderRef      *string   `db:"provider_ref"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}
