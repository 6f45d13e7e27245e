package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"upibridge/internal/events"
	"upibridge/internal/intent"
	"upibridge/internal/model"
	"upibridge/internal/quote"
)

var (
	custodyAddr = common.HexToAddress("0x5401b8620E5FB570064CA9114fd1e135fd77D57c")
	payerAddr   = common.HexToAddress("0x0B8fA6F76eB75ae3a4ca28eb3020DFC4503F2136")
)

const testIntentURI = "upi://pay?pa=merchant@upi&pn=Merchant&am=1000&cu=INR"

type fakeRates struct {
	mu    sync.Mutex
	rate  *big.Rat
	err   error
	calls int
}

func (f *fakeRates) TokenPerFiatRate(ctx context.Context, currency string) (*big.Rat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Rat).Set(f.rate), nil
}

type fakeScanner struct {
	mu      sync.Mutex
	batches [][]model.TransferEvent
	errs    []error
	calls   int
}

func (f *fakeScanner) ScanOnce(ctx context.Context) ([]model.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeScanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []model.PayoutRequest
	result model.PayoutResult
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req model.PayoutRequest) (model.PayoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return model.PayoutResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]model.PaymentOrder
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: make(map[string]model.PaymentOrder)}
}

func (s *memOrderStore) CreateOrder(order model.PaymentOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order
	return nil
}

func (s *memOrderStore) UpdateOrderStatus(orderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[orderID]
	order.Status = status
	s.orders[orderID] = order
	return nil
}

func (s *memOrderStore) MarkOrderFailed(orderID, errorKind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[orderID]
	order.Status = model.StatusFailed
	order.ErrorKind = &errorKind
	order.ErrorReason = &reason
	s.orders[orderID] = order
	return nil
}

func (s *memOrderStore) RecordDepositMatch(orderID, txHash string, blockNumber uint64, logIndex uint, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[orderID]
	order.Status = model.StatusDepositConfirmed
	order.DepositTxHash = &txHash
	order.DepositBlock = &blockNumber
	order.DepositLogIndex = &logIndex
	order.DepositAmount = &amount
	s.orders[orderID] = order
	return nil
}

func (s *memOrderStore) RecordPayout(orderID, providerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[orderID]
	order.Status = model.StatusCompleted
	order.ProviderRef = &providerRef
	s.orders[orderID] = order
	return nil
}

func (s *memOrderStore) GetOrderByID(orderID string) (*model.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

type memOutbox struct {
	mu     sync.Mutex
	events []events.PaymentEvent
}

func (o *memOutbox) EnqueueEvent(event events.PaymentEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *memOutbox) byType(eventType string) []events.PaymentEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var matched []events.PaymentEvent
	for _, e := range o.events {
		if e.EventType == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

type fixture struct {
	orch       *Orchestrator
	rates      *fakeRates
	scanner    *fakeScanner
	dispatcher *fakeDispatcher
	store      *memOrderStore
	outbox     *memOutbox
}

func newFixture(depositTimeout time.Duration) *fixture {
	f := &fixture{
		rates:      &fakeRates{rate: big.NewRat(12, 1000)}, // 0.012 token per fiat unit
		scanner:    &fakeScanner{},
		dispatcher: &fakeDispatcher{result: model.PayoutResult{Success: true, ProviderRef: "prov-1"}},
		store:      newMemOrderStore(),
		outbox:     &memOutbox{},
	}
	f.orch = New(Config{
		CustodyAddress: custodyAddr,
		TokenDecimals:  6,
		FiatCurrency:   "INR",
		ScanInterval:   5 * time.Millisecond,
		DepositTimeout: depositTimeout,
	}, f.rates, f.scanner, f.dispatcher, f.store, f.outbox, nil)
	return f
}

func depositEvent(block uint64, logIndex uint, value int64) model.TransferEvent {
	return model.TransferEvent{
		TxHash:      "0xdeadbeef",
		BlockNumber: block,
		LogIndex:    logIndex,
		From:        payerAddr,
		To:          custodyAddr,
		Value:       big.NewInt(value),
	}
}

func waitForStatus(t *testing.T, store *memOrderStore, orderID, status string) model.PaymentOrder {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		order, err := store.GetOrderByID(orderID)
		if err != nil {
			t.Fatalf("GetOrderByID returned error: %v", err)
		}
		if order != nil && order.Status == status {
			return *order
		}
		time.Sleep(2 * time.Millisecond)
	}
	order, _ := store.GetOrderByID(orderID)
	if order == nil {
		t.Fatalf("Timed out waiting for status %q: order not found", status)
	}
	t.Fatalf("Timed out waiting for status %q, last status %q", status, order.Status)
	return model.PaymentOrder{}
}

func TestAccept(t *testing.T) {
	t.Run("ReturnsQuoteSynchronously", func(t *testing.T) {
		f := newFixture(time.Minute)

		q, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}

		// 1000 INR at 0.012 token/INR with 6 decimals
		if q.TokenAmount != "12000000" {
			t.Errorf("Expected quoted amount 12000000, got %s", q.TokenAmount)
		}
		if q.RecipientAddress != custodyAddr.Hex() {
			t.Errorf("Expected custody recipient %s, got %s", custodyAddr.Hex(), q.RecipientAddress)
		}
		if q.Status != model.StatusAwaitingDeposit {
			t.Errorf("Expected status awaiting_deposit, got %s", q.Status)
		}

		order, err := f.orch.Order(q.OrderID)
		if err != nil {
			t.Fatalf("Order returned error: %v", err)
		}
		if order == nil {
			t.Fatal("Expected order to be persisted")
		}
		if f.orch.watches.size() != 1 {
			t.Errorf("Expected 1 active watch, got %d", f.orch.watches.size())
		}
	})

	t.Run("RateFailureFailsBeforeScanning", func(t *testing.T) {
		f := newFixture(time.Minute)
		f.rates.err = quote.ErrRateUnavailable

		_, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if !errors.Is(err, quote.ErrRateUnavailable) {
			t.Fatalf("Expected ErrRateUnavailable, got %v", err)
		}

		if f.scanner.callCount() != 0 {
			t.Errorf("Expected no scan calls, got %d", f.scanner.callCount())
		}
		if f.orch.watches.size() != 0 {
			t.Errorf("Expected no watches registered, got %d", f.orch.watches.size())
		}

		failed := f.outbox.byType(events.TypePaymentFailed)
		if len(failed) != 1 {
			t.Fatalf("Expected 1 payment_failed event, got %d", len(failed))
		}
		if failed[0].ErrorKind != model.ErrKindRateUnavailable {
			t.Errorf("Expected error kind rate_unavailable, got %q", failed[0].ErrorKind)
		}
	})

	t.Run("MalformedIntentRejectedWithoutOrder", func(t *testing.T) {
		f := newFixture(time.Minute)

		_, err := f.orch.Accept(context.Background(), "upi://pay?am=10", payerAddr.Hex())
		if err == nil {
			t.Fatal("Expected error for intent without payee")
		}
		if f.rates.calls != 0 {
			t.Errorf("Expected no rate lookup for malformed intent, got %d", f.rates.calls)
		}
	})

	t.Run("RejectsInvalidPayerAddress", func(t *testing.T) {
		f := newFixture(time.Minute)

		if _, err := f.orch.Accept(context.Background(), testIntentURI, "not-an-address"); err == nil {
			t.Fatal("Expected error for invalid payer address")
		}
	})

	t.Run("RejectsUnsupportedCurrency", func(t *testing.T) {
		f := newFixture(time.Minute)

		_, err := f.orch.Accept(context.Background(), "upi://pay?pa=merchant@upi&am=1000&cu=USD", payerAddr.Hex())
		if !errors.Is(err, intent.ErrMalformedIntent) {
			t.Fatalf("Expected ErrMalformedIntent for currency the gateway cannot settle, got %v", err)
		}
		if f.rates.calls != 0 {
			t.Errorf("Expected no rate lookup for unsupported currency, got %d", f.rates.calls)
		}
		if f.orch.watches.size() != 0 {
			t.Errorf("Expected no watches registered, got %d", f.orch.watches.size())
		}
	})

	t.Run("AmountTruncatingToZeroNeverRegistersWatch", func(t *testing.T) {
		f := newFixture(time.Minute)

		// 0.0000001 INR at 0.012 token/INR with 6 decimals quotes zero smallest
		// units; a zero minimum would match any payer transfer, even zero-value.
		_, err := f.orch.Accept(context.Background(), "upi://pay?pa=merchant@upi&am=0.0000001&cu=INR", payerAddr.Hex())
		if !errors.Is(err, quote.ErrInvalidAmount) {
			t.Fatalf("Expected ErrInvalidAmount for sub-unit amount, got %v", err)
		}
		if f.orch.watches.size() != 0 {
			t.Fatalf("Expected no watch for a zero quote, got %d", f.orch.watches.size())
		}

		f.scanner.batches = [][]model.TransferEvent{{depositEvent(100, 0, 0)}}
		f.orch.scanPass(context.Background())

		if f.dispatcher.callCount() != 0 {
			t.Errorf("Expected no payout dispatch for a zero-value transfer, got %d", f.dispatcher.callCount())
		}

		failed := f.outbox.byType(events.TypePaymentFailed)
		if len(failed) != 1 {
			t.Fatalf("Expected 1 payment_failed event, got %d", len(failed))
		}
		if failed[0].ErrorKind != model.ErrKindInvalidAmount {
			t.Errorf("Expected error kind invalid_amount, got %q", failed[0].ErrorKind)
		}

		// The rejected order must still be queryable by its ID.
		order, err := f.orch.Order(failed[0].OrderID)
		if err != nil {
			t.Fatalf("Order returned error: %v", err)
		}
		if order == nil {
			t.Fatal("Expected rejected order to be persisted")
		}
		if order.Status != model.StatusFailed {
			t.Errorf("Expected rejected order in failed status, got %s", order.Status)
		}
		if order.TokenAmount != "" {
			t.Errorf("Expected rejected order without a token amount, got %q", order.TokenAmount)
		}
	})
}

func TestDepositMatching(t *testing.T) {
	t.Run("MatchTriggersPayoutAndCompletes", func(t *testing.T) {
		f := newFixture(time.Minute)

		q, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}

		f.scanner.batches = [][]model.TransferEvent{{depositEvent(100, 0, 12000000)}}
		f.orch.scanPass(context.Background())

		order := waitForStatus(t, f.store, q.OrderID, model.StatusCompleted)
		if order.DepositTxHash == nil || *order.DepositTxHash != "0xdeadbeef" {
			t.Error("Expected deposit tx hash recorded on order")
		}
		if order.ProviderRef == nil || *order.ProviderRef != "prov-1" {
			t.Error("Expected provider reference recorded on order")
		}

		if f.dispatcher.callCount() != 1 {
			t.Fatalf("Expected exactly 1 payout dispatch, got %d", f.dispatcher.callCount())
		}
		payoutReq := f.dispatcher.calls[0]
		if payoutReq.BeneficiaryVPA != "merchant@upi" {
			t.Errorf("Expected payout to merchant@upi, got %q", payoutReq.BeneficiaryVPA)
		}
		if payoutReq.FiatAmount != "1000" || payoutReq.Currency != "INR" {
			t.Errorf("Expected payout of 1000 INR, got %s %s", payoutReq.FiatAmount, payoutReq.Currency)
		}
		if payoutReq.ReferenceID != q.OrderID {
			t.Errorf("Expected payout reference %s, got %s", q.OrderID, payoutReq.ReferenceID)
		}
		if payoutReq.IdempotencyKey == "" {
			t.Error("Expected non-empty idempotency key")
		}
	})

	t.Run("SecondQualifyingEventInSamePassIsIgnored", func(t *testing.T) {
		f := newFixture(time.Minute)

		q, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}

		// Payer sent twice; both transfers qualify and arrive in one pass.
		first := depositEvent(100, 0, 12000000)
		second := depositEvent(100, 5, 12000000)
		second.TxHash = "0xsecond"
		f.scanner.batches = [][]model.TransferEvent{{first, second}}
		f.orch.scanPass(context.Background())

		order := waitForStatus(t, f.store, q.OrderID, model.StatusCompleted)
		if order.DepositTxHash == nil || *order.DepositTxHash != "0xdeadbeef" {
			t.Errorf("Expected the first event (lowest log index) to win, got %v", order.DepositTxHash)
		}
		if f.dispatcher.callCount() != 1 {
			t.Errorf("Expected exactly 1 payout dispatch, got %d", f.dispatcher.callCount())
		}

		confirmed := f.outbox.byType(events.TypeDepositConfirmed)
		if len(confirmed) != 1 {
			t.Errorf("Expected exactly 1 deposit_confirmed event, got %d", len(confirmed))
		}
	})

	t.Run("UnderpaymentIsNotMatched", func(t *testing.T) {
		f := newFixture(50 * time.Millisecond)

		q, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}

		f.scanner.batches = [][]model.TransferEvent{{depositEvent(100, 0, 11999999)}}
		f.orch.scanPass(context.Background())

		order := waitForStatus(t, f.store, q.OrderID, model.StatusFailed)
		if order.ErrorKind == nil || *order.ErrorKind != model.ErrKindDepositTimeout {
			t.Errorf("Expected deposit_timeout failure, got %v", order.ErrorKind)
		}
		if f.dispatcher.callCount() != 0 {
			t.Errorf("Expected no payout dispatch, got %d", f.dispatcher.callCount())
		}
	})

	t.Run("TimeoutFailsWithoutDispatch", func(t *testing.T) {
		f := newFixture(20 * time.Millisecond)

		q, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}

		order := waitForStatus(t, f.store, q.OrderID, model.StatusFailed)
		if order.ErrorKind == nil || *order.ErrorKind != model.ErrKindDepositTimeout {
			t.Errorf("Expected deposit_timeout failure, got %v", order.ErrorKind)
		}
		if f.dispatcher.callCount() != 0 {
			t.Errorf("Expected no payout dispatch after timeout, got %d", f.dispatcher.callCount())
		}
		if f.orch.watches.size() != 0 {
			t.Errorf("Expected watch removed after timeout, got %d", f.orch.watches.size())
		}
	})

	t.Run("PayoutFailureLeavesAuditableRecord", func(t *testing.T) {
		f := newFixture(time.Minute)
		f.dispatcher.err = errors.New("gateway down")

		q, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}

		f.scanner.batches = [][]model.TransferEvent{{depositEvent(100, 0, 12000000)}}
		f.orch.scanPass(context.Background())

		order := waitForStatus(t, f.store, q.OrderID, model.StatusFailed)
		if order.ErrorKind == nil || *order.ErrorKind != model.ErrKindPayoutGateway {
			t.Errorf("Expected payout_gateway_error, got %v", order.ErrorKind)
		}
		// The matched transaction must stay on the record for manual payout.
		if order.DepositTxHash == nil || *order.DepositTxHash != "0xdeadbeef" {
			t.Error("Expected matched tx hash preserved on failed order")
		}
		if order.DepositAmount == nil || *order.DepositAmount != "12000000" {
			t.Error("Expected deposit amount preserved on failed order")
		}

		failed := f.outbox.byType(events.TypePaymentFailed)
		if len(failed) != 1 {
			t.Fatalf("Expected 1 payment_failed event, got %d", len(failed))
		}
		if failed[0].DepositTxHash != "0xdeadbeef" {
			t.Errorf("Expected failed event to carry tx hash, got %q", failed[0].DepositTxHash)
		}
	})

	t.Run("ScanFailureIsRetriedLocally", func(t *testing.T) {
		f := newFixture(time.Minute)

		q, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}

		f.scanner.errs = []error{errors.New("node unavailable"), nil}
		f.scanner.batches = [][]model.TransferEvent{{depositEvent(100, 0, 12000000)}}

		// First pass fails; the request must stay in awaiting_deposit.
		f.orch.scanPass(context.Background())
		if order, _ := f.store.GetOrderByID(q.OrderID); order.Status != model.StatusAwaitingDeposit {
			t.Fatalf("Expected awaiting_deposit after scan failure, got %s", order.Status)
		}

		// The retry finds the deposit.
		f.orch.scanPass(context.Background())
		waitForStatus(t, f.store, q.OrderID, model.StatusCompleted)
	})

	t.Run("EventForUnknownRequestIsDiscarded", func(t *testing.T) {
		f := newFixture(time.Minute)

		f.scanner.batches = [][]model.TransferEvent{{depositEvent(100, 0, 12000000)}}
		f.orch.scanPass(context.Background())

		if f.dispatcher.callCount() != 0 {
			t.Errorf("Expected no dispatch for unmatched event, got %d", f.dispatcher.callCount())
		}
	})
}

func TestRun(t *testing.T) {
	t.Run("DrivesScanLoopUntilCancelled", func(t *testing.T) {
		f := newFixture(time.Minute)

		q, err := f.orch.Accept(context.Background(), testIntentURI, payerAddr.Hex())
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}

		f.scanner.batches = [][]model.TransferEvent{nil, {depositEvent(100, 0, 12000000)}}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.orch.Run(ctx) }()

		waitForStatus(t, f.store, q.OrderID, model.StatusCompleted)

		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled from Run, got %v", err)
		}
	})
}
