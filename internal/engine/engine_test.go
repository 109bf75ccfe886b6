package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MatchLedger/internal/config"
	"MatchLedger/internal/engine"
	"MatchLedger/internal/event"
	"MatchLedger/internal/ledger"
	"MatchLedger/internal/observability"
	"MatchLedger/internal/order"
	"MatchLedger/internal/persistence"
	"MatchLedger/internal/testutil"
)

// Prometheus metrics register globally, so the whole test binary shares
// one instance.
var testMetrics = observability.NewMetrics()

// Fixed-point constants for BTC-USDT: price scale 10^2, quantity and
// quote scale 10^6.
const (
	price50000 int64 = 50000_00
	price49000 int64 = 49000_00
	price48000 int64 = 48000_00

	qty1BTC  int64 = 1_000_000
	qty04BTC int64 = 400_000

	// 1.0 BTC * 50000 in quote units
	notional1At50000 int64 = 50_000_000_000

	oneMillionUSDT int64 = 1_000_000_000_000
	tenBTC         int64 = 10_000_000
)

type harness struct {
	t       *testing.T
	eng     *engine.Engine
	led     *ledger.Ledger
	publish chan event.Outbound
}

func newHarness(t *testing.T, markets []config.Market) *harness {
	t.Helper()

	led := ledger.New()
	persistCh := make(chan persistence.Item, 16384)
	publishCh := make(chan event.Outbound, 16384)
	sink := engine.NewSink(persistCh, publishCh, testMetrics)
	log := observability.NewLoggerWithLevel("test", zerolog.Disabled)

	eng := engine.New(markets, led, sink, testMetrics, log, 256)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})

	return &harness{t: t, eng: eng, led: led, publish: publishCh}
}

func (h *harness) fund(userID uuid.UUID, asset string, amount int64) {
	h.t.Helper()
	if err := h.eng.ApplyDeposit(uuid.New(), userID, asset, amount); err != nil {
		h.t.Fatalf("fund %s %d: %v", asset, amount, err)
	}
}

func (h *harness) submit(req engine.SubmitRequest) (order.Order, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.eng.SubmitOrder(ctx, req)
}

func (h *harness) mustSubmit(req engine.SubmitRequest) order.Order {
	h.t.Helper()
	o, err := h.submit(req)
	if err != nil {
		h.t.Fatalf("submit %s %s: %v", req.Side, req.Type, err)
	}
	return o
}

func (h *harness) cancel(userID, orderID uuid.UUID) (order.Order, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.eng.CancelOrder(ctx, userID, orderID)
}

// tradeEvents drains the publish channel and returns the trade events
// seen so far, in publish order.
func (h *harness) tradeEvents() []*event.TradeEvent {
	var trades []*event.TradeEvent
	for {
		select {
		case out := <-h.publish:
			if te, ok := out.Payload.(*event.TradeEvent); ok {
				trades = append(trades, te)
			}
		default:
			return trades
		}
	}
}

func limitBuy(userID uuid.UUID, qty, price int64) engine.SubmitRequest {
	return engine.SubmitRequest{
		UserID:      userID,
		Symbol:      "BTC-USDT",
		Type:        order.TypeLimit,
		Side:        order.SideBuy,
		TimeInForce: order.TimeInForceGTC,
		Quantity:    qty,
		Price:       price,
	}
}

func limitSell(userID uuid.UUID, qty, price int64) engine.SubmitRequest {
	req := limitBuy(userID, qty, price)
	req.Side = order.SideSell
	return req
}

// Full match at equal price: one trade, both orders FILLED, balances
// swapped exactly.
func TestEngine_LimitOrdersCrossFully(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	sellRes := h.mustSubmit(limitSell(seller, qty1BTC, price50000))
	if sellRes.Status != order.StatusOpen {
		t.Fatalf("resting sell should be OPEN, got %s", sellRes.Status)
	}

	buyRes := h.mustSubmit(limitBuy(buyer, qty1BTC, price50000))
	if buyRes.Status != order.StatusFilled {
		t.Fatalf("buy should be FILLED, got %s", buyRes.Status)
	}
	if buyRes.FilledQuantity != qty1BTC {
		t.Errorf("filled quantity = %d, want %d", buyRes.FilledQuantity, qty1BTC)
	}
	if buyRes.AvgFillPrice != price50000 {
		t.Errorf("avg fill price = %d, want %d", buyRes.AvgFillPrice, price50000)
	}

	trades := h.tradeEvents()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Quantity != qty1BTC || trades[0].Price != price50000 {
		t.Errorf("trade = %d @ %d, want %d @ %d",
			trades[0].Quantity, trades[0].Price, qty1BTC, price50000)
	}

	buyerBTC := h.eng.GetBalance(buyer, "BTC")
	if buyerBTC.Available != qty1BTC {
		t.Errorf("buyer BTC available = %d, want %d", buyerBTC.Available, qty1BTC)
	}
	buyerUSDT := h.eng.GetBalance(buyer, "USDT")
	if buyerUSDT.Available != oneMillionUSDT-notional1At50000 {
		t.Errorf("buyer USDT available = %d, want %d",
			buyerUSDT.Available, oneMillionUSDT-notional1At50000)
	}
	if buyerUSDT.Locked != 0 {
		t.Errorf("buyer USDT locked = %d, want 0", buyerUSDT.Locked)
	}

	sellerUSDT := h.eng.GetBalance(seller, "USDT")
	if sellerUSDT.Available != notional1At50000 {
		t.Errorf("seller USDT available = %d, want %d", sellerUSDT.Available, notional1At50000)
	}
	sellerBTC := h.eng.GetBalance(seller, "BTC")
	if sellerBTC.Available != tenBTC-qty1BTC || sellerBTC.Locked != 0 {
		t.Errorf("seller BTC = %+v, want available=%d locked=0", sellerBTC, tenBTC-qty1BTC)
	}
}

// FOK with insufficient depth: rejected before any execution, zero
// trades, reservation released in full.
func TestEngine_FOKUnfillableIsRejected(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	h.mustSubmit(limitSell(seller, qty1BTC, price50000))

	req := limitBuy(buyer, 2*qty1BTC, price50000)
	req.TimeInForce = order.TimeInForceFOK
	res := h.mustSubmit(req)

	if res.Status != order.StatusRejected {
		t.Fatalf("unfillable FOK should be REJECTED, got %s", res.Status)
	}
	if res.FilledQuantity != 0 {
		t.Errorf("FOK kill must not execute, filled %d", res.FilledQuantity)
	}
	if trades := h.tradeEvents(); len(trades) != 0 {
		t.Errorf("expected zero trades, got %d", len(trades))
	}

	b := h.eng.GetBalance(buyer, "USDT")
	if b.Available != oneMillionUSDT || b.Locked != 0 {
		t.Errorf("buyer funds not released: %+v", b)
	}

	// Maker untouched and still matchable.
	fill := h.mustSubmit(limitBuy(buyer, qty1BTC, price50000))
	if fill.Status != order.StatusFilled {
		t.Errorf("maker should have survived the FOK kill, got %s", fill.Status)
	}
}

// FOK with exactly enough depth executes atomically.
func TestEngine_FOKFillableExecutes(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	h.mustSubmit(limitSell(seller, qty04BTC, price49000))
	h.mustSubmit(limitSell(seller, qty1BTC-qty04BTC, price50000))

	req := limitBuy(buyer, qty1BTC, price50000)
	req.TimeInForce = order.TimeInForceFOK
	res := h.mustSubmit(req)

	if res.Status != order.StatusFilled {
		t.Fatalf("fillable FOK should be FILLED, got %s", res.Status)
	}
	if trades := h.tradeEvents(); len(trades) != 2 {
		t.Errorf("expected 2 trades, got %d", len(trades))
	}
}

// A resting buyer funded with exactly its reservation can be left unable
// to cover a later fill's rounded-up cost. That depth must not count
// toward an FOK sell's pre-check: the kill produces zero trades, never a
// partial execution through eviction.
func TestEngine_FOKExcludesUnfundedMakerDepth(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	tightBuyer, richBuyer := uuid.New(), uuid.New()
	seller, fokSeller := uuid.New(), uuid.New()

	// Bid for 2 base units at 1.50: reservation locks notional(2, 150) = 3,
	// leaving the buyer zero available for top-ups.
	h.fund(tightBuyer, "USDT", 3)
	tightBid := h.mustSubmit(limitBuy(tightBuyer, 2, 150))

	// A 1-unit fill costs notional(1, 150) = 2 (half-even on 1.5), so the
	// remaining reservation is 1 and the next 1-unit fill needs a top-up
	// the buyer cannot fund.
	h.fund(seller, "BTC", 1)
	h.mustSubmit(limitSell(seller, 1, 150))

	// A second, fully funded bid one level down.
	h.fund(richBuyer, "USDT", 100)
	h.mustSubmit(limitBuy(richBuyer, 1, 140))
	h.tradeEvents()

	h.fund(fokSeller, "BTC", 2)
	req := limitSell(fokSeller, 2, 140)
	req.TimeInForce = order.TimeInForceFOK
	res := h.mustSubmit(req)

	if res.Status != order.StatusRejected {
		t.Fatalf("FOK against unfundable depth should be REJECTED, got %s", res.Status)
	}
	if res.FilledQuantity != 0 {
		t.Errorf("FOK kill must not execute, filled %d", res.FilledQuantity)
	}
	if trades := h.tradeEvents(); len(trades) != 0 {
		t.Errorf("expected zero trades from the kill, got %d", len(trades))
	}

	b := h.eng.GetBalance(fokSeller, "BTC")
	if b.Available != 2 || b.Locked != 0 {
		t.Errorf("seller reservation not fully released: %+v", b)
	}

	// The unfundable bid was not evicted by the pre-check.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	open, err := h.eng.GetOrder(ctx, tightBid.ID)
	if err != nil {
		t.Fatalf("underfunded bid should still be resting: %v", err)
	}
	if open.Status != order.StatusPartiallyFilled {
		t.Errorf("resting bid status = %s, want PARTIALLY_FILLED", open.Status)
	}
}

// IOC partial fill: the matched part settles, the remainder goes
// terminal immediately with its reservation released.
func TestEngine_IOCPartialFillExpiresRemainder(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	h.mustSubmit(limitSell(seller, qty04BTC, price50000))

	req := limitBuy(buyer, qty1BTC, price50000)
	req.TimeInForce = order.TimeInForceIOC
	res := h.mustSubmit(req)

	if res.Status != order.StatusExpired {
		t.Fatalf("IOC remainder should expire, got %s", res.Status)
	}
	if res.FilledQuantity != qty04BTC {
		t.Errorf("filled = %d, want %d", res.FilledQuantity, qty04BTC)
	}

	trades := h.tradeEvents()
	if len(trades) != 1 || trades[0].Quantity != qty04BTC {
		t.Fatalf("expected one 0.4 BTC trade, got %+v", trades)
	}

	// 0.4 * 50000 consumed, the rest back in available.
	spent := int64(20_000_000_000)
	b := h.eng.GetBalance(buyer, "USDT")
	if b.Available != oneMillionUSDT-spent {
		t.Errorf("buyer USDT available = %d, want %d", b.Available, oneMillionUSDT-spent)
	}
	if b.Locked != 0 {
		t.Errorf("remainder reservation not released: locked = %d", b.Locked)
	}

	// Terminal orders leave the engine; lookups go to the query service.
	if _, err := h.eng.GetOrder(context.Background(), res.ID); engine.CodeOf(err) != engine.CodeOrderNotFound {
		t.Errorf("terminal order should be gone from the engine, got %v", err)
	}
}

// Better price wins; equal prices fill in arrival order.
func TestEngine_PriceTimePriority(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	first := h.mustSubmit(limitSell(seller, qty04BTC, price50000))
	second := h.mustSubmit(limitSell(seller, qty04BTC, price50000))
	cheaper := h.mustSubmit(limitSell(seller, qty04BTC, price49000))

	res := h.mustSubmit(limitBuy(buyer, 3*qty04BTC, price50000))
	if res.Status != order.StatusFilled {
		t.Fatalf("buy should be FILLED, got %s", res.Status)
	}

	trades := h.tradeEvents()
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(trades))
	}
	wantMakers := []uuid.UUID{cheaper.ID, first.ID, second.ID}
	wantPrices := []int64{price49000, price50000, price50000}
	for i, tr := range trades {
		if tr.MakerOrderID != wantMakers[i] {
			t.Errorf("trade %d maker = %s, want %s", i, tr.MakerOrderID, wantMakers[i])
		}
		if tr.Price != wantPrices[i] {
			t.Errorf("trade %d price = %d, want %d (maker price wins)", i, tr.Price, wantPrices[i])
		}
	}
}

// Market BUY against an empty book expires with nothing locked.
func TestEngine_MarketBuyEmptyBookExpires(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer := uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)

	res := h.mustSubmit(engine.SubmitRequest{
		UserID:   buyer,
		Symbol:   "BTC-USDT",
		Type:     order.TypeMarket,
		Side:     order.SideBuy,
		Quantity: qty1BTC,
	})
	if res.Status != order.StatusExpired {
		t.Fatalf("market buy on empty book should expire, got %s", res.Status)
	}
	b := h.eng.GetBalance(buyer, "USDT")
	if b.Available != oneMillionUSDT || b.Locked != 0 {
		t.Errorf("balance touched on empty book: %+v", b)
	}
}

func TestEngine_MarketSellSweepsBook(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	h.mustSubmit(limitBuy(buyer, qty04BTC, price50000))
	h.mustSubmit(limitBuy(buyer, qty04BTC, price49000))

	res := h.mustSubmit(engine.SubmitRequest{
		UserID:   seller,
		Symbol:   "BTC-USDT",
		Type:     order.TypeMarket,
		Side:     order.SideSell,
		Quantity: qty1BTC,
	})

	if res.Status != order.StatusExpired {
		t.Fatalf("market sell remainder should expire, got %s", res.Status)
	}
	if res.FilledQuantity != 2*qty04BTC {
		t.Errorf("filled = %d, want %d", res.FilledQuantity, 2*qty04BTC)
	}

	trades := h.tradeEvents()
	if len(trades) != 2 || trades[0].Price != price50000 || trades[1].Price != price49000 {
		t.Errorf("market sell should sweep bids best-first, got %+v", trades)
	}

	sellerBTC := h.eng.GetBalance(seller, "BTC")
	if sellerBTC.Available != tenBTC-2*qty04BTC || sellerBTC.Locked != 0 {
		t.Errorf("seller BTC = %+v", sellerBTC)
	}
}

func TestEngine_CancelReleasesReservation(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer := uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)

	res := h.mustSubmit(limitBuy(buyer, qty1BTC, price50000))
	if res.Status != order.StatusOpen {
		t.Fatalf("buy should rest OPEN, got %s", res.Status)
	}
	if b := h.eng.GetBalance(buyer, "USDT"); b.Locked != notional1At50000 {
		t.Fatalf("reservation = %d, want %d", b.Locked, notional1At50000)
	}

	cancelled, err := h.cancel(buyer, res.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != order.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	b := h.eng.GetBalance(buyer, "USDT")
	if b.Available != oneMillionUSDT || b.Locked != 0 {
		t.Errorf("funds not restored after cancel: %+v", b)
	}

	// Second cancel: the order is gone.
	if _, err := h.cancel(buyer, res.ID); engine.CodeOf(err) != engine.CodeOrderNotFound {
		t.Errorf("double cancel should be ORDER_NOT_FOUND, got %v", err)
	}
}

func TestEngine_CancelOtherUsersOrderNotFound(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	owner, intruder := uuid.New(), uuid.New()
	h.fund(owner, "USDT", oneMillionUSDT)

	res := h.mustSubmit(limitBuy(owner, qty1BTC, price50000))

	// Ownership mismatch reads as not-found so order ids are not probeable.
	if _, err := h.cancel(intruder, res.ID); engine.CodeOf(err) != engine.CodeOrderNotFound {
		t.Errorf("foreign cancel should be ORDER_NOT_FOUND, got %v", err)
	}
	if b := h.eng.GetBalance(owner, "USDT"); b.Locked != notional1At50000 {
		t.Errorf("order should remain reserved, locked = %d", b.Locked)
	}
}

// Scenario: cancel races the matching flow on the same resting order.
// Both travel the same worker queue, so exactly one of them wins and
// funds are conserved either way.
func TestEngine_CancelMatchRaceExactlyOneOutcome(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, testutil.FeeFreeMarkets())
		buyer, seller := uuid.New(), uuid.New()
		h.fund(buyer, "USDT", oneMillionUSDT)
		h.fund(seller, "BTC", tenBTC)

		resting := h.mustSubmit(limitBuy(buyer, qty1BTC, price50000))

		var wg sync.WaitGroup
		var cancelErr, sellErr error
		var sellRes order.Order

		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.cancel(buyer, resting.ID)
		}()
		go func() {
			defer wg.Done()
			req := limitSell(seller, qty1BTC, price50000)
			req.TimeInForce = order.TimeInForceIOC
			sellRes, sellErr = h.submit(req)
		}()
		wg.Wait()

		if sellErr != nil {
			t.Fatalf("iteration %d: sell failed: %v", i, sellErr)
		}

		matched := sellRes.FilledQuantity == qty1BTC
		cancelWon := cancelErr == nil

		if matched == cancelWon {
			t.Fatalf("iteration %d: exactly one outcome required, matched=%v cancelWon=%v err=%v",
				i, matched, cancelWon, cancelErr)
		}

		// Conservation regardless of winner: no double release, nothing
		// stuck in locked.
		buyerUSDT := h.eng.GetBalance(buyer, "USDT")
		sellerUSDT := h.eng.GetBalance(seller, "USDT")
		if buyerUSDT.Locked != 0 {
			t.Errorf("iteration %d: buyer locked = %d after resolution", i, buyerUSDT.Locked)
		}
		totalUSDT := buyerUSDT.Available + sellerUSDT.Available
		if totalUSDT != oneMillionUSDT {
			t.Errorf("iteration %d: USDT not conserved: %d", i, totalUSDT)
		}
		buyerBTC := h.eng.GetBalance(buyer, "BTC")
		sellerBTC := h.eng.GetBalance(seller, "BTC")
		totalBTC := buyerBTC.Available + buyerBTC.Locked + sellerBTC.Available + sellerBTC.Locked
		if totalBTC != tenBTC {
			t.Errorf("iteration %d: BTC not conserved: %d", i, totalBTC)
		}
	}
}

// A submit whose enqueue never reaches the worker must not leave the
// order id registered: a later cancel should see ORDER_NOT_FOUND, not a
// route to a command that never existed.
func TestEngine_FailedEnqueueLeavesNoRegistryEntry(t *testing.T) {
	led := ledger.New()
	persistCh := make(chan persistence.Item, 16)
	publishCh := make(chan event.Outbound, 16)
	sink := engine.NewSink(persistCh, publishCh, testMetrics)
	log := observability.NewLoggerWithLevel("test", zerolog.Disabled)

	// No Start and a zero-capacity queue: the enqueue can never proceed.
	eng := engine.New(testutil.FeeFreeMarkets(), led, sink, testMetrics, log, 0)

	user := uuid.New()
	req := limitBuy(user, qty1BTC, price50000)
	req.ID = uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.SubmitOrder(ctx, req)
	if engine.CodeOf(err) != engine.CodeConcurrencyConflict {
		t.Fatalf("blocked enqueue should be a concurrency conflict, got %v", err)
	}

	// A leaked registry entry would route this cancel to the worker queue
	// and fail the same way; a clean registry reports not found.
	_, err = eng.CancelOrder(ctx, user, req.ID)
	if engine.CodeOf(err) != engine.CodeOrderNotFound {
		t.Fatalf("cancel after failed enqueue = %v, want ORDER_NOT_FOUND", err)
	}
}

func TestEngine_InsufficientBalanceRejected(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer := uuid.New()
	h.fund(buyer, "USDT", 1000) // far short of 1 BTC at 50000

	res, err := h.submit(limitBuy(buyer, qty1BTC, price50000))
	if engine.CodeOf(err) != engine.CodeInsufficientBalance {
		t.Fatalf("want INSUFFICIENT_BALANCE, got %v", err)
	}
	if res.Status != order.StatusRejected {
		t.Errorf("status = %s, want REJECTED", res.Status)
	}
	if b := h.eng.GetBalance(buyer, "USDT"); b.Available != 1000 || b.Locked != 0 {
		t.Errorf("balance touched by rejected order: %+v", b)
	}
}

func TestEngine_ValidationRejectsBadParameters(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	user := uuid.New()

	cases := []struct {
		name string
		req  engine.SubmitRequest
	}{
		{"zero quantity", engine.SubmitRequest{
			UserID: user, Symbol: "BTC-USDT", Type: order.TypeLimit,
			Side: order.SideBuy, TimeInForce: order.TimeInForceGTC,
			Price: price50000,
		}},
		{"limit without price", engine.SubmitRequest{
			UserID: user, Symbol: "BTC-USDT", Type: order.TypeLimit,
			Side: order.SideBuy, TimeInForce: order.TimeInForceGTC,
			Quantity: qty1BTC,
		}},
		{"market with price", engine.SubmitRequest{
			UserID: user, Symbol: "BTC-USDT", Type: order.TypeMarket,
			Side: order.SideBuy, Quantity: qty1BTC, Price: price50000,
		}},
		{"stop without stop price", engine.SubmitRequest{
			UserID: user, Symbol: "BTC-USDT", Type: order.TypeStopLoss,
			Side: order.SideSell, Quantity: qty1BTC,
		}},
		{"plain limit with stop price", engine.SubmitRequest{
			UserID: user, Symbol: "BTC-USDT", Type: order.TypeLimit,
			Side: order.SideBuy, TimeInForce: order.TimeInForceGTC,
			Quantity: qty1BTC, Price: price50000, StopPrice: price49000,
		}},
		{"missing user", engine.SubmitRequest{
			Symbol: "BTC-USDT", Type: order.TypeLimit,
			Side: order.SideBuy, TimeInForce: order.TimeInForceGTC,
			Quantity: qty1BTC, Price: price50000,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.submit(tc.req); engine.CodeOf(err) != engine.CodeInvalidOrderParameters {
				t.Errorf("want INVALID_ORDER_PARAMETERS, got %v", err)
			}
		})
	}

	t.Run("unknown symbol", func(t *testing.T) {
		req := limitBuy(user, qty1BTC, price50000)
		req.Symbol = "DOGE-USDT"
		if _, err := h.submit(req); engine.CodeOf(err) != engine.CodeInvalidOrderParameters {
			t.Errorf("want INVALID_ORDER_PARAMETERS, got %v", err)
		}
	})
}

// A parked stop holds no reservation; the trigger price converts it and
// it trades like a market order.
func TestEngine_StopLossTriggersOnLastPrice(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	stopper, buyer, seller := uuid.New(), uuid.New(), uuid.New()
	h.fund(stopper, "BTC", tenBTC)
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	stop := h.mustSubmit(engine.SubmitRequest{
		UserID:      stopper,
		Symbol:      "BTC-USDT",
		Type:        order.TypeStopLoss,
		Side:        order.SideSell,
		TimeInForce: order.TimeInForceIOC,
		Quantity:    qty04BTC,
		StopPrice:   price49000,
	})
	if stop.Status != order.StatusOpen {
		t.Fatalf("parked stop should be OPEN, got %s", stop.Status)
	}
	if b := h.eng.GetBalance(stopper, "BTC"); b.Locked != 0 {
		t.Fatalf("parked stop must not reserve, locked = %d", b.Locked)
	}

	// Bids the stop will consume once it fires.
	h.mustSubmit(limitBuy(buyer, qty1BTC, price48000))

	// A trade at 48000 moves the last price through the stop level.
	sellReq := limitSell(seller, qty04BTC, price48000)
	sellReq.TimeInForce = order.TimeInForceIOC
	h.mustSubmit(sellReq)

	trades := h.tradeEvents()
	if len(trades) != 2 {
		t.Fatalf("expected trigger trade + stop fill, got %d trades", len(trades))
	}
	last := trades[len(trades)-1]
	if last.TakerOrderID != stop.ID {
		t.Errorf("second trade taker = %s, want the triggered stop %s", last.TakerOrderID, stop.ID)
	}
	if last.Quantity != qty04BTC || last.Price != price48000 {
		t.Errorf("stop fill = %d @ %d, want %d @ %d", last.Quantity, last.Price, qty04BTC, price48000)
	}

	stopperUSDT := h.eng.GetBalance(stopper, "USDT")
	want := int64(19_200_000_000) // 0.4 * 48000
	if stopperUSDT.Available != want {
		t.Errorf("stopper proceeds = %d, want %d", stopperUSDT.Available, want)
	}
}

// A stop that cannot be cancelled is a stuck risk control; parked stops
// must cancel cleanly.
func TestEngine_ParkedStopIsCancelable(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	user := uuid.New()
	h.fund(user, "BTC", tenBTC)

	stop := h.mustSubmit(engine.SubmitRequest{
		UserID:      user,
		Symbol:      "BTC-USDT",
		Type:        order.TypeStopLoss,
		Side:        order.SideSell,
		TimeInForce: order.TimeInForceIOC,
		Quantity:    qty04BTC,
		StopPrice:   price49000,
	})

	cancelled, err := h.cancel(user, stop.ID)
	if err != nil {
		t.Fatalf("cancel parked stop: %v", err)
	}
	if cancelled.Status != order.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}
	if b := h.eng.GetBalance(user, "BTC"); b.Available != tenBTC || b.Locked != 0 {
		t.Errorf("balance disturbed by parked stop lifecycle: %+v", b)
	}
}

// STOP_LIMIT converts to a limit order at trigger and can rest.
func TestEngine_StopLimitRestsAfterTrigger(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	stopper, buyer, seller := uuid.New(), uuid.New(), uuid.New()
	h.fund(stopper, "BTC", tenBTC)
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	stop := h.mustSubmit(engine.SubmitRequest{
		UserID:      stopper,
		Symbol:      "BTC-USDT",
		Type:        order.TypeStopLimit,
		Side:        order.SideSell,
		TimeInForce: order.TimeInForceGTC,
		Quantity:    qty1BTC,
		Price:       price48000,
		StopPrice:   price49000,
	})

	// Out-of-band trade at 48000 fires the trigger; no bids remain for
	// the stop itself, so it rests at its limit price.
	h.mustSubmit(limitBuy(buyer, qty04BTC, price48000))
	sellReq := limitSell(seller, qty04BTC, price48000)
	sellReq.TimeInForce = order.TimeInForceIOC
	h.mustSubmit(sellReq)

	got, err := h.eng.GetOrder(context.Background(), stop.ID)
	if err != nil {
		t.Fatalf("triggered stop-limit should still be open: %v", err)
	}
	if got.Status != order.StatusOpen {
		t.Errorf("status = %s, want OPEN (resting)", got.Status)
	}
	// Triggered: the base inventory is now reserved.
	if b := h.eng.GetBalance(stopper, "BTC"); b.Locked != qty1BTC {
		t.Errorf("triggered stop-limit should reserve %d, locked = %d", qty1BTC, b.Locked)
	}
}

// Commission: taker and maker each pay their schedule's rate, and the
// buyer's reservation covers fee plus notional exactly.
func TestEngine_CommissionChargedBothSides(t *testing.T) {
	h := newHarness(t, testutil.TestMarkets()) // maker 1000ppm, taker 2000ppm
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	h.mustSubmit(limitSell(seller, qty1BTC, price50000))
	res := h.mustSubmit(limitBuy(buyer, qty1BTC, price50000))

	takerFee := int64(100_000_000) // 50000 USDT * 2000ppm
	makerFee := int64(50_000_000)  // 50000 USDT * 1000ppm

	if res.Commission != takerFee {
		t.Errorf("taker commission = %d, want %d", res.Commission, takerFee)
	}

	trades := h.tradeEvents()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Commission != takerFee+makerFee {
		t.Errorf("trade commission = %d, want %d", trades[0].Commission, takerFee+makerFee)
	}

	buyerUSDT := h.eng.GetBalance(buyer, "USDT")
	if buyerUSDT.Available != oneMillionUSDT-notional1At50000-takerFee {
		t.Errorf("buyer USDT = %d, want %d",
			buyerUSDT.Available, oneMillionUSDT-notional1At50000-takerFee)
	}
	if buyerUSDT.Locked != 0 {
		t.Errorf("buyer locked = %d, want 0", buyerUSDT.Locked)
	}

	sellerUSDT := h.eng.GetBalance(seller, "USDT")
	if sellerUSDT.Available != notional1At50000-makerFee {
		t.Errorf("seller USDT = %d, want %d", sellerUSDT.Available, notional1At50000-makerFee)
	}
}

func TestEngine_DepositIdempotent(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	user := uuid.New()
	depositID := uuid.New()

	if err := h.eng.ApplyDeposit(depositID, user, "USDT", 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Redelivery of the same wallet event.
	if err := h.eng.ApplyDeposit(depositID, user, "USDT", 500); err != nil {
		t.Fatalf("redelivered deposit: %v", err)
	}

	if b := h.eng.GetBalance(user, "USDT"); b.Available != 500 {
		t.Errorf("deposit applied %d times", b.Available/500)
	}
}

func TestEngine_WithdrawalRespectsLockedFunds(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	user := uuid.New()
	h.fund(user, "USDT", oneMillionUSDT)

	// Lock most of it under a resting order.
	h.mustSubmit(limitBuy(user, qty1BTC, price50000))

	free := oneMillionUSDT - notional1At50000
	err := h.eng.ApplyWithdrawal(uuid.New(), user, "USDT", free+1)
	if engine.CodeOf(err) != engine.CodeInsufficientBalance {
		t.Fatalf("withdrawal into locked funds should be refused, got %v", err)
	}

	if err := h.eng.ApplyWithdrawal(uuid.New(), user, "USDT", free); err != nil {
		t.Fatalf("withdrawal of available funds: %v", err)
	}
	b := h.eng.GetBalance(user, "USDT")
	if b.Available != 0 || b.Locked != notional1At50000 {
		t.Errorf("balance after withdrawal = %+v", b)
	}
}

func TestEngine_DepthSnapshot(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	h.mustSubmit(limitBuy(buyer, qty04BTC, price49000))
	h.mustSubmit(limitBuy(buyer, qty04BTC, price48000))
	h.mustSubmit(limitSell(seller, qty1BTC, price50000))

	bids, asks, err := h.eng.DepthSnapshot(context.Background(), "BTC-USDT", 10)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(bids) != 2 || len(asks) != 1 {
		t.Fatalf("depth = %d bids / %d asks, want 2/1", len(bids), len(asks))
	}
	if bids[0].Price != price49000 {
		t.Errorf("best bid = %d, want %d", bids[0].Price, price49000)
	}
	if asks[0].Price != price50000 || asks[0].Quantity != qty1BTC {
		t.Errorf("best ask = %+v", asks[0])
	}
}

// Partial fills accumulate VWAP across different maker prices.
func TestEngine_VWAPAcrossFills(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	h.mustSubmit(limitSell(seller, qty04BTC, price48000))
	h.mustSubmit(limitSell(seller, qty04BTC, price50000))

	res := h.mustSubmit(limitBuy(buyer, 2*qty04BTC, price50000))
	if res.Status != order.StatusFilled {
		t.Fatalf("status = %s, want FILLED", res.Status)
	}
	if res.AvgFillPrice != price49000 {
		t.Errorf("vwap = %d, want %d", res.AvgFillPrice, price49000)
	}
}

func TestEngine_RestoreOpenOrdersRebuildsBook(t *testing.T) {
	h := newHarness(t, testutil.FeeFreeMarkets())
	buyer, seller := uuid.New(), uuid.New()
	h.fund(buyer, "USDT", oneMillionUSDT)
	h.fund(seller, "BTC", tenBTC)

	resting := h.mustSubmit(limitSell(seller, qty1BTC, price50000))

	// Second engine over the same ledger, as after a restart. The resting
	// order's reservation is already in the recovered balances.
	persistCh := make(chan persistence.Item, 4096)
	publishCh := make(chan event.Outbound, 4096)
	sink := engine.NewSink(persistCh, publishCh, testMetrics)
	log := observability.NewLoggerWithLevel("test", zerolog.Disabled)
	eng2 := engine.New(testutil.FeeFreeMarkets(), h.led, sink, testMetrics, log, 256)

	cp := resting
	cp.Status = order.StatusOpen
	eng2.RestoreOpenOrders([]*order.Order{&cp})

	ctx, cancel := context.WithCancel(context.Background())
	eng2.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng2.Wait()
	})

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	res, err := eng2.SubmitOrder(sctx, limitBuy(buyer, qty1BTC, price50000))
	if err != nil {
		t.Fatalf("submit against restored book: %v", err)
	}
	if res.Status != order.StatusFilled {
		t.Errorf("restored order should match, got %s", res.Status)
	}
}
