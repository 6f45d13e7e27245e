package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"upibridge/internal/model"
)

// ErrScanFailed marks transient node-communication failures. The cursor does
// not advance on failure, so the same range is retried on the next call.
var ErrScanFailed = errors.New("ledger scan failed")

// TransferEventSig is the ERC20 Transfer(address,address,uint256) topic.
var TransferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainReader is the subset of the Ethereum client the scanner needs.
// *ethclient.Client satisfies it.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// CursorStore persists the next-block cursor across restarts.
type CursorStore interface {
	SaveCursor(nextBlock uint64) error
}

// LedgerScanner polls transfer logs of one token contract and advances a
// monotonic cursor. The cursor has a single writer: the goroutine driving
// ScanOnce.
type LedgerScanner struct {
	client         ChainReader
	logger         *zap.Logger
	token          common.Address
	chunkSize      uint64
	finalityOffset uint64
	nextBlock      uint64
	cursorStore    CursorStore
}

func New(client ChainReader, token common.Address, startBlock, chunkSize, finalityOffset uint64, cursorStore CursorStore, logger *zap.Logger) *LedgerScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkSize == 0 {
		chunkSize = 100
	}
	return &LedgerScanner{
		client:         client,
		logger:         logger,
		token:          token,
		chunkSize:      chunkSize,
		finalityOffset: finalityOffset,
		nextBlock:      startBlock,
		cursorStore:    cursorStore,
	}
}

// NextBlock reports the cursor position: the first block the next ScanOnce
// will cover.
func (s *LedgerScanner) NextBlock() uint64 {
	return s.nextBlock
}

// ScanOnce queries Transfer logs from the cursor up to the finalized head,
// decodes them, and returns them in ascending (block, logIndex) order. The
// cursor advances to head+1 only after every chunk in the window succeeded,
// so a failed pass is idempotently retryable without gaps or duplicates.
func (s *LedgerScanner) ScanOnce(ctx context.Context) ([]model.TransferEvent, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: get block number: %v", ErrScanFailed, err)
	}

	if head < s.finalityOffset {
		return nil, nil
	}
	safeHead := head - s.finalityOffset
	if safeHead < s.nextBlock {
		// Quiet chain or finality window not yet cleared; nothing to scan.
		return nil, nil
	}

	var events []model.TransferEvent
	for start := s.nextBlock; start <= safeHead; start += s.chunkSize {
		end := start + s.chunkSize - 1
		if end > safeHead {
			end = safeHead
		}

		chunk, err := s.scanRange(ctx, start, end)
		if err != nil {
			return nil, err
		}
		events = append(events, chunk...)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	s.nextBlock = safeHead + 1
	if s.cursorStore != nil {
		if err := s.cursorStore.SaveCursor(s.nextBlock); err != nil {
			// Persistence is best effort; the in-memory cursor is authoritative.
			s.logger.Error("Failed to persist scan cursor", zap.Uint64("next_block", s.nextBlock), zap.Error(err))
		}
	}

	return events, nil
}

func (s *LedgerScanner) scanRange(ctx context.Context, fromBlock, toBlock uint64) ([]model.TransferEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{s.token},
		Topics: [][]common.Hash{
			{TransferEventSig},
		},
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		s.logger.Warn("Filter logs failed", zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock), zap.Error(err))
		return nil, fmt.Errorf("%w: filter logs %d-%d: %v", ErrScanFailed, fromBlock, toBlock, err)
	}

	events := make([]model.TransferEvent, 0, len(logs))
	for _, eventLog := range logs {
		event, ok := decodeTransfer(eventLog)
		if !ok {
			s.logger.Warn("Skipping undecodable log", zap.String("tx_hash", eventLog.TxHash.Hex()), zap.Uint("log_index", eventLog.Index))
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

// decodeTransfer unpacks one Transfer log. Topics carry the indexed from/to
// addresses; the value lives in the data segment.
func decodeTransfer(eventLog types.Log) (model.TransferEvent, bool) {
	if len(eventLog.Topics) != 3 || eventLog.Topics[0] != TransferEventSig {
		return model.TransferEvent{}, false
	}

	return model.TransferEvent{
		TxHash:      eventLog.TxHash.Hex(),
		BlockNumber: eventLog.BlockNumber,
		LogIndex:    eventLog.Index,
		From:        common.BytesToAddress(eventLog.Topics[1].Bytes()),
		To:          common.BytesToAddress(eventLog.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(eventLog.Data),
	}, true
}
