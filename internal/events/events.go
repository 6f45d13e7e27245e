package events

import (
	"time"
)

// Payment lifecycle event types published to Kafka.
const (
	TypePaymentQuoted    = "payment_quoted"
	TypeDepositConfirmed = "deposit_confirmed"
	TypePayoutDispatched = "payout_dispatched"
	TypePaymentCompleted = "payment_completed"
	TypePaymentFailed    = "payment_failed"
)

type PaymentEvent struct {
	EventType        string    `json:"event_type"`
	OrderID          string    `json:"order_id"`
	Status           string    `json:"status"`
	PayerAddress     string    `json:"payer_address"`
	RecipientVPA     string    `json:"recipient_vpa"`
	CustodyAddress   string    `json:"custody_address"`
	FiatAmount       string    `json:"fiat_amount"`
	Currency         string    `json:"currency"`
	TokenAmount      string    `json:"token_amount"`
	DepositTxHash    string    `json:"deposit_tx_hash,omitempty"`
	DepositBlock     uint64    `json:"deposit_block,omitempty"`
	DepositLogIndex  uint      `json:"deposit_log_index,omitempty"`
	DepositAmount    string    `json:"deposit_amount,omitempty"`
	ProviderRef      string    `json:"provider_ref,omitempty"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	ErrorReason      string    `json:"error_reason,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
