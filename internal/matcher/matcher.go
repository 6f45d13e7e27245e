package matcher

import (
	"upibridge/internal/model"
)

// Matches reports whether a transfer event satisfies a pending deposit
// request: right recipient, right payer, and at least the quoted amount.
// Overpayment satisfies the request. Pure function, no side effects.
//
// Addresses are common.Address values, so comparison is canonical no matter
// how the source hex was cased.
func Matches(event model.TransferEvent, request model.DepositRequest) bool {
	if event.Value == nil || request.MinTokenAmount == nil {
		return false
	}
	return event.To == request.RecipientAddress &&
		event.From == request.PayerAddress &&
		event.Value.Cmp(request.MinTokenAmount) >= 0
}
