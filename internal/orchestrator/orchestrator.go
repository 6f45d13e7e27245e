package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"upibridge/internal/events"
	"upibridge/internal/intent"
	"upibridge/internal/matcher"
	"upibridge/internal/model"
	"upibridge/internal/quote"
)

// Scanner is the ledger-scanning dependency. One shared scanner serves all
// in-flight requests; the orchestrator's scan loop is its single caller.
type Scanner interface {
	ScanOnce(ctx context.Context) ([]model.TransferEvent, error)
}

// Dispatcher performs the fiat payout once a deposit is confirmed.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.PayoutRequest) (model.PayoutResult, error)
}

// OrderStore persists payment orders and their state transitions.
type OrderStore interface {
	CreateOrder(order model.PaymentOrder) error
	UpdateOrderStatus(orderID, status string) error
	MarkOrderFailed(orderID, errorKind, reason string) error
	RecordDepositMatch(orderID, txHash string, blockNumber uint64, logIndex uint, amount string) error
	RecordPayout(orderID, providerRef string) error
	GetOrderByID(orderID string) (*model.PaymentOrder, error)
}

// EventOutbox records lifecycle events for asynchronous publishing.
type EventOutbox interface {
	EnqueueEvent(event events.PaymentEvent) error
}

// Quote is the synchronous response to an accepted payment request.
type Quote struct {
	OrderID          string
	Status           string
	TokenAmount      string
	RecipientAddress string
	FiatAmount       string
	Currency         string
}

// Config carries the orchestrator's tunables.
type Config struct {
	CustodyAddress common.Address
	TokenDecimals  int
	FiatCurrency   string
	ScanInterval   time.Duration
	DepositTimeout time.Duration
}

// Orchestrator drives each payment request through
// quoted -> awaiting_deposit -> deposit_confirmed -> payout_dispatched ->
// completed/failed. It owns the watch set and the single scan loop.
type Orchestrator struct {
	cfg        Config
	rates      quote.RateSource
	scanner    Scanner
	dispatcher Dispatcher
	orders     OrderStore
	outbox     EventOutbox
	logger     *zap.Logger

	watches *watchSet
	quit    chan struct{}
}

func New(cfg Config, rates quote.RateSource, scanner Scanner, dispatcher Dispatcher, orders OrderStore, outbox EventOutbox, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.DepositTimeout <= 0 {
		cfg.DepositTimeout = 15 * time.Minute
	}
	return &Orchestrator{
		cfg:        cfg,
		rates:      rates,
		scanner:    scanner,
		dispatcher: dispatcher,
		orders:     orders,
		outbox:     outbox,
		logger:     logger,
		watches:    newWatchSet(),
		quit:       make(chan struct{}),
	}
}

// Accept parses the payment intent, computes the quote, persists the order,
// and registers the deposit watch. It returns synchronously with the quote;
// the rest of the state machine runs in the background. Request acceptance
// never blocks on scanning.
func (o *Orchestrator) Accept(ctx context.Context, intentURI, payerAddress string) (*Quote, error) {
	pi, err := intent.Parse(intentURI)
	if err != nil {
		return nil, err
	}

	if !common.IsHexAddress(payerAddress) {
		return nil, fmt.Errorf("%w: invalid payer address %q", intent.ErrMalformedIntent, payerAddress)
	}
	payer := common.HexToAddress(payerAddress)

	// The payout gateway settles in one configured currency; an intent asking
	// for anything else cannot be fulfilled.
	if o.cfg.FiatCurrency != "" && pi.Currency != o.cfg.FiatCurrency {
		return nil, fmt.Errorf("%w: unsupported currency %q, payouts settle in %s", intent.ErrMalformedIntent, pi.Currency, o.cfg.FiatCurrency)
	}

	order := model.PaymentOrder{
		OrderID:        uuid.NewString(),
		PayerAddress:   payer.Hex(),
		RecipientVPA:   pi.PayeeVPA,
		RecipientName:  pi.PayeeName,
		FiatAmount:     pi.AmountText,
		Currency:       pi.Currency,
		CustodyAddress: o.cfg.CustodyAddress.Hex(),
		CreatedAt:      time.Now().UTC(),
	}

	rate, err := o.rates.TokenPerFiatRate(ctx, pi.Currency)
	if err != nil {
		// The quote is the minimum amount used for matching, so without a
		// rate the request fails before any scanning starts.
		o.recordRejectedOrder(order, model.ErrKindRateUnavailable, err)
		return nil, err
	}

	tokenAmount, err := quote.FiatToTokenUnits(pi.Amount, rate, o.cfg.TokenDecimals)
	if err != nil {
		o.recordRejectedOrder(order, model.ErrKindInvalidAmount, err)
		return nil, err
	}

	order.TokenAmount = tokenAmount.String()
	order.Status = model.StatusQuoted
	if err := o.orders.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	o.emit(order, events.TypePaymentQuoted)

	w := &watch{
		order: order,
		request: model.DepositRequest{
			PayerAddress:     payer,
			RecipientAddress: o.cfg.CustodyAddress,
			MinTokenAmount:   tokenAmount,
			RequestedAt:      order.CreatedAt,
		},
		matched: make(chan model.MatchedDeposit, 1),
	}

	o.watches.add(w)
	if err := o.orders.UpdateOrderStatus(order.OrderID, model.StatusAwaitingDeposit); err != nil {
		o.logger.Error("Failed to record awaiting_deposit transition", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	order.Status = model.StatusAwaitingDeposit

	go o.awaitDeposit(w)

	o.logger.Info("Accepted payment request",
		zap.String("order_id", order.OrderID),
		zap.String("payer", order.PayerAddress),
		zap.String("recipient_vpa", order.RecipientVPA),
		zap.String("fiat_amount", order.FiatAmount),
		zap.String("currency", order.Currency),
		zap.String("token_amount", order.TokenAmount))

	return &Quote{
		OrderID:          order.OrderID,
		Status:           model.StatusAwaitingDeposit,
		TokenAmount:      order.TokenAmount,
		RecipientAddress: order.CustodyAddress,
		FiatAmount:       order.FiatAmount,
		Currency:         order.Currency,
	}, nil
}

// Order returns the current state of a payment order.
func (o *Orchestrator) Order(orderID string) (*model.PaymentOrder, error) {
	return o.orders.GetOrderByID(orderID)
}

// Run drives the shared scan loop until ctx is cancelled. Scan failures are
// transient: they are logged and retried on the next tick without touching
// any request's state.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(o.quit)
			return ctx.Err()
		case <-ticker.C:
			o.scanPass(ctx)
		}
	}
}

func (o *Orchestrator) scanPass(ctx context.Context) {
	transfers, err := o.scanner.ScanOnce(ctx)
	if err != nil {
		o.logger.Warn("Scan pass failed, retrying next tick", zap.Error(err))
		return
	}
	// Events arrive in ascending (block, logIndex) order; deliver preserves it.
	for _, event := range transfers {
		o.deliver(event)
	}
}

// deliver hands one transfer event to the first watch it satisfies. The watch
// is removed from the set before it is signalled, so a later qualifying event
// in the same pass cannot reach the same request.
func (o *Orchestrator) deliver(event model.TransferEvent) {
	w := o.watches.takeMatch(event, matcher.Matches)
	if w == nil {
		return
	}
	w.matched <- model.MatchedDeposit{
		Request:   w.request,
		Event:     event,
		MatchedAt: time.Now().UTC(),
	}
}

func (o *Orchestrator) awaitDeposit(w *watch) {
	timer := time.NewTimer(o.cfg.DepositTimeout)
	defer timer.Stop()

	select {
	case md := <-w.matched:
		o.handleMatch(w, md)
	case <-timer.C:
		if !o.watches.remove(w) {
			// Lost the race: a scan pass matched the watch while the timer
			// fired. The deposit wins.
			o.handleMatch(w, <-w.matched)
			return
		}
		o.failOrder(w.order, model.ErrKindDepositTimeout,
			fmt.Sprintf("no matching deposit within %s", o.cfg.DepositTimeout))
	case <-o.quit:
		if !o.watches.remove(w) {
			o.handleMatch(w, <-w.matched)
			return
		}
		o.failOrder(w.order, model.ErrKindDepositTimeout, "orchestrator shut down before deposit arrived")
	}
}

func (o *Orchestrator) handleMatch(w *watch, md model.MatchedDeposit) {
	order := w.order

	if err := o.orders.RecordDepositMatch(order.OrderID, md.Event.TxHash, md.Event.BlockNumber, md.Event.LogIndex, md.Event.Value.String()); err != nil {
		o.logger.Error("Failed to record deposit match", zap.String("order_id", order.OrderID), zap.String("tx_hash", md.Event.TxHash), zap.Error(err))
	}
	order.Status = model.StatusDepositConfirmed
	txHash := md.Event.TxHash
	order.DepositTxHash = &txHash
	depositAmount := md.Event.Value.String()
	order.DepositAmount = &depositAmount
	blockNumber := md.Event.BlockNumber
	order.DepositBlock = &blockNumber
	logIndex := md.Event.LogIndex
	order.DepositLogIndex = &logIndex
	o.emit(order, events.TypeDepositConfirmed)

	o.logger.Info("Deposit confirmed",
		zap.String("order_id", order.OrderID),
		zap.String("tx_hash", md.Event.TxHash),
		zap.Uint64("block", md.Event.BlockNumber),
		zap.String("amount", md.Event.Value.String()))

	payoutReq := model.PayoutRequest{
		BeneficiaryVPA:  order.RecipientVPA,
		BeneficiaryName: order.RecipientName,
		FiatAmount:      order.FiatAmount,
		Currency:        order.Currency,
		ReferenceID:     order.OrderID,
		IdempotencyKey:  uuid.NewString(),
		TransferMode:    "UPI",
	}

	if err := o.orders.UpdateOrderStatus(order.OrderID, model.StatusPayoutDispatched); err != nil {
		o.logger.Error("Failed to record payout_dispatched transition", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	order.Status = model.StatusPayoutDispatched
	o.emit(order, events.TypePayoutDispatched)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := o.dispatcher.Dispatch(ctx, payoutReq)
	if err != nil {
		// The deposit is already consumed. Everything needed for a manual
		// payout must be on the record.
		o.logger.Error("Payout failed after confirmed deposit, manual reconciliation required",
			zap.String("order_id", order.OrderID),
			zap.String("tx_hash", md.Event.TxHash),
			zap.String("deposit_amount", md.Event.Value.String()),
			zap.String("fiat_amount", order.FiatAmount),
			zap.String("currency", order.Currency),
			zap.String("beneficiary", order.RecipientVPA),
			zap.String("idempotency_key", payoutReq.IdempotencyKey),
			zap.Error(err))
		o.failOrder(order, model.ErrKindPayoutGateway, err.Error())
		return
	}

	if err := o.orders.RecordPayout(order.OrderID, result.ProviderRef); err != nil {
		o.logger.Error("Failed to record payout completion", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	order.Status = model.StatusCompleted
	order.ProviderRef = &result.ProviderRef
	o.emit(order, events.TypePaymentCompleted)

	o.logger.Info("Payment completed",
		zap.String("order_id", order.OrderID),
		zap.String("provider_ref", result.ProviderRef))
}

func (o *Orchestrator) failOrder(order model.PaymentOrder, errorKind, reason string) {
	if err := o.orders.MarkOrderFailed(order.OrderID, errorKind, reason); err != nil {
		o.logger.Error("Failed to record order failure", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	order.Status = model.StatusFailed
	order.ErrorKind = &errorKind
	order.ErrorReason = &reason
	o.emit(order, events.TypePaymentFailed)

	o.logger.Warn("Payment failed",
		zap.String("order_id", order.OrderID),
		zap.String("error_kind", errorKind),
		zap.String("reason", reason))
}

// recordRejectedOrder persists an order that failed before a watch was ever
// registered, so status queries and reconciliation still see it.
func (o *Orchestrator) recordRejectedOrder(order model.PaymentOrder, errorKind string, cause error) {
	order.Status = model.StatusFailed
	reason := cause.Error()
	order.ErrorKind = &errorKind
	order.ErrorReason = &reason
	if err := o.orders.CreateOrder(order); err != nil {
		o.logger.Error("Failed to persist rejected order", zap.String("order_id", order.OrderID), zap.Error(err))
		return
	}
	if err := o.orders.MarkOrderFailed(order.OrderID, errorKind, reason); err != nil {
		o.logger.Error("Failed to mark rejected order failed", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	o.emit(order, events.TypePaymentFailed)
}

func (o *Orchestrator) emit(order model.PaymentOrder, eventType string) {
	event := events.PaymentEvent{
		EventType:      eventType,
		OrderID:        order.OrderID,
		Status:         order.Status,
		PayerAddress:   order.PayerAddress,
		RecipientVPA:   order.RecipientVPA,
		CustodyAddress: order.CustodyAddress,
		FiatAmount:     order.FiatAmount,
		Currency:       order.Currency,
		TokenAmount:    order.TokenAmount,
		Timestamp:      time.Now().UTC(),
	}
	if order.DepositTxHash != nil {
		event.DepositTxHash = *order.DepositTxHash
	}
	if order.DepositBlock != nil {
		event.DepositBlock = *order.DepositBlock
	}
	if order.DepositLogIndex != nil {
		event.DepositLogIndex = *order.DepositLogIndex
	}
	if order.DepositAmount != nil {
		event.DepositAmount = *order.DepositAmount
	}
	if order.ProviderRef != nil {
		event.ProviderRef = *order.ProviderRef
	}
	if order.ErrorKind != nil {
		event.ErrorKind = *order.ErrorKind
	}
	if order.ErrorReason != nil {
		event.ErrorReason = *order.ErrorReason
	}

	if err := o.outbox.EnqueueEvent(event); err != nil {
		o.logger.Error("Failed to enqueue lifecycle event",
			zap.String("order_id", order.OrderID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
