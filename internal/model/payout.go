package model

// PayoutRequest is the fiat-side transfer triggered by a matched deposit.
// IdempotencyKey is minted once per matched deposit and reused verbatim on
// every retry so the gateway can deduplicate.
type PayoutRequest struct {
	BeneficiaryVPA  string `json:"beneficiary"`
	BeneficiaryName string `json:"beneficiary_name,omitempty"`
	FiatAmount      string `json:"amount"`
	Currency        string `json:"currency"`
	ReferenceID     string `json:"reference_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	TransferMode    string `json:"transfer_mode"`
}

type PayoutResult struct {
	Success     bool   `json:"success"`
	ProviderRef string `json:"provider_ref"`
	FailureText string `json:"failure_reason,omitempty"`
}
