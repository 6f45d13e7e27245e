package api

import (
	"time"
)

// ProcessUPIRequest is the body of POST /process-upi.
type ProcessUPIRequest struct {
	PaymentIntentURI string `json:"payment_intent_uri"`
	PayerAddress     string `json:"payer_address"`
}

// ProcessUPIResponse carries the quote back to the caller; the rest of the
// payment runs asynchronously.
type ProcessUPIResponse struct {
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	TokenAmount      string `json:"token_amount"`
	RecipientAddress string `json:"recipient_address"`
	FiatAmount       string `json:"fiat_amount"`
	Currency         string `json:"currency"`
}

// PaymentResponse is the status-query view of an order.
type PaymentResponse struct {
	OrderID          string    `json:"order_id"`
	Status           string    `json:"status"`
	PayerAddress     string    `json:"payer_address"`
	RecipientVPA     string    `json:"recipient_vpa"`
	FiatAmount       string    `json:"fiat_amount"`
	Currency         string    `json:"currency"`
	TokenAmount      string    `json:"token_amount"`
	RecipientAddress string    `json:"recipient_address"`
	DepositTxHash    string    `json:"deposit_tx_hash,omitempty"`
	ProviderRef      string    `json:"provider_ref,omitempty"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	ErrorReason      string    `json:"error_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
