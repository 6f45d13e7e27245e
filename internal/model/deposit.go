package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DepositRequest describes the on-chain transfer the orchestrator is waiting
// for. Immutable once created; MinTokenAmount is the quoted amount in the
// token's smallest unit and must be positive.
type DepositRequest struct {
	PayerAddress     common.Address
	RecipientAddress common.Address
	MinTokenAmount   *big.Int
	RequestedAt      time.Time
}

// TransferEvent is one decoded ERC20 Transfer log.
type TransferEvent struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	From        common.Address
	To          common.Address
	Value       *big.Int
}

// MatchedDeposit pairs a request with the first qualifying transfer. Created
// at most once per request.
type MatchedDeposit struct {
	Request   DepositRequest
	Event     TransferEvent
	MatchedAt time.Time
}
