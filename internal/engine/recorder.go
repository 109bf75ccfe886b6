package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MatchLedger/internal/event"
	"MatchLedger/internal/ledger"
	lmath "MatchLedger/internal/math"
	"MatchLedger/internal/order"
)

// TradeRecorder turns a matched (taker, maker, qty, price) tuple into a
// settled trade: it moves balances through the ledger, updates both order
// records, and emits the trade and order rows to persistence and the
// event feed. Settlement and record mutation happen together inside the
// symbol worker, so a fill is never visible half-applied.
type TradeRecorder struct {
	spec   MarketSpec
	ledger *ledger.Ledger
	sink   *Sink
	log    zerolog.Logger
}

func NewTradeRecorder(spec MarketSpec, l *ledger.Ledger, sink *Sink, log zerolog.Logger) *TradeRecorder {
	return &TradeRecorder{
		spec:   spec,
		ledger: l,
		sink:   sink,
		log:    log,
	}
}

// RecordFill settles one fill at the maker's price and updates both orders.
// seq is the per-symbol fill sequence for the published event.
//
// An *Error with CodeInsufficientBalance means the buyer could not cover a
// rounding-drift top-up and the fill did not happen; the caller decides what
// to do with the starved order. Any other error is a fatal settlement
// failure.
func (r *TradeRecorder) RecordFill(taker, maker *order.Order, qty, price int64, seq uint64) (*order.Trade, error) {
	notional := lmath.Notional(qty, price)
	if notional < 1 {
		// Sub-unit dust fill. Settlement legs must be positive, so charge
		// the minimum representable quote unit.
		notional = 1
	}

	takerFee := r.spec.Fees.TakerFee(notional)
	makerFee := r.spec.Fees.MakerFee(notional)

	buyer, seller := taker, maker
	buyerFee, sellerFee := takerFee, makerFee
	if taker.Side == order.SideSell {
		buyer, seller = maker, taker
		buyerFee, sellerFee = makerFee, takerFee
	}

	tradeID := uuid.New()
	ref := fmt.Sprintf("trade:%s", tradeID)

	// The buyer's reservation was priced at their limit (or quoted book
	// cost), so it covers the fill up to rounding. If per-fill rounding
	// drifted past the remaining reservation, lock the difference now.
	buyerCost := notional + buyerFee
	if buyer.ReservedRemaining < buyerCost {
		shortfall := buyerCost - buyer.ReservedRemaining
		batch, err := r.ledger.Reserve(buyer.UserID, r.spec.QuoteAsset, shortfall, ref)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				return nil, errInsufficient("reservation top-up refused", err)
			}
			return nil, errSettlement("reservation top-up failed", err)
		}
		buyer.ReservedRemaining += shortfall
		r.sink.PersistBatch(batch)
	}

	batch, err := r.ledger.Settle(ledger.SettleArgs{
		Buyer:       buyer.UserID,
		Seller:      seller.UserID,
		BaseAsset:   r.spec.BaseAsset,
		QuoteAsset:  r.spec.QuoteAsset,
		BaseAmount:  qty,
		QuoteAmount: notional,
		BuyerFee:    buyerFee,
		SellerFee:   sellerFee,
		Ref:         ref,
	})
	if err != nil {
		return nil, errSettlement("trade settlement failed", err)
	}

	now := time.Now()
	r.applyFill(buyer, qty, price, buyerFee, buyerCost, now)
	r.applyFill(seller, qty, price, sellerFee, qty, now)

	trade := &order.Trade{
		ID:              tradeID,
		Symbol:          r.spec.Symbol,
		TakerOrderID:    taker.ID,
		MakerOrderID:    maker.ID,
		TakerUserID:     taker.UserID,
		MakerUserID:     maker.UserID,
		Side:            taker.Side,
		Quantity:        qty,
		Price:           price,
		TakerCommission: takerFee,
		MakerCommission: makerFee,
		ExecutedAt:      now,
	}

	r.sink.PersistBatch(batch)
	r.sink.PersistTrade(trade)
	r.sink.PersistOrder(taker)
	r.sink.PersistOrder(maker)

	r.sink.PublishTrade(&event.TradeEvent{
		TradeID:      trade.ID,
		Symbol:       trade.Symbol,
		Side:         trade.Side.String(),
		Quantity:     trade.Quantity,
		Price:        trade.Price,
		TakerOrderID: trade.TakerOrderID,
		MakerOrderID: trade.MakerOrderID,
		Commission:   takerFee + makerFee,
		Sequence:     seq,
		ExecutedAt:   now,
	})
	r.sink.PublishOrder(taker)
	r.sink.PublishOrder(maker)

	r.sink.metrics.TradesMatched.WithLabelValues(r.spec.Symbol).Inc()
	r.sink.metrics.MatchedVolume.WithLabelValues(r.spec.Symbol).Add(float64(qty))
	r.sink.metrics.FeesCollected.WithLabelValues(r.spec.Symbol).Add(float64(takerFee + makerFee))

	r.log.Debug().
		Str("trade_id", trade.ID.String()).
		Str("taker", taker.ID.String()).
		Str("maker", maker.ID.String()).
		Int64("qty", qty).
		Int64("price", price).
		Uint64("seq", seq).
		Msg("fill settled")

	return trade, nil
}

// applyFill folds one fill into an order record: filled quantity, running
// VWAP, commission, reservation consumption, and the resulting status.
func (r *TradeRecorder) applyFill(o *order.Order, qty, price, fee, reservedConsumed int64, now time.Time) {
	o.AvgFillPrice = lmath.ComputeVWAP(o.FilledQuantity, o.AvgFillPrice, qty, price)
	o.FilledQuantity += qty
	o.Commission += fee

	o.ReservedRemaining -= reservedConsumed
	if o.ReservedRemaining < 0 {
		o.ReservedRemaining = 0
	}

	next := order.StatusPartiallyFilled
	if o.Remaining() == 0 {
		next = order.StatusFilled
	}
	if o.Status != next && o.Status.CanTransitionTo(next) {
		o.Status = next
	}
	o.UpdatedAt = now

	if o.Status == order.StatusFilled {
		r.ReleaseLeftover(o, "fill")
	}
}

// ReleaseLeftover returns an order's unconsumed reservation to available
// funds. Called whenever an order goes terminal. A release failure means
// the reservation accounting is corrupt, which the caller treats the same
// as a settlement failure.
func (r *TradeRecorder) ReleaseLeftover(o *order.Order, reason string) {
	if o.ReservedRemaining <= 0 {
		return
	}
	ref := fmt.Sprintf("release:%s:%s", reason, o.ID)
	batch, err := r.ledger.Release(o.UserID, o.ReservedAsset, o.ReservedRemaining, ref)
	if err != nil {
		// Logged and surfaced via the worker poison path through metrics;
		// the locked remainder stays put for operator reconciliation.
		r.log.Error().Err(err).
			Str("order_id", o.ID.String()).
			Int64("amount", o.ReservedRemaining).
			Msg("reservation release failed")
		r.sink.metrics.SettleFailures.WithLabelValues(r.spec.Symbol).Inc()
		return
	}
	o.ReservedRemaining = 0
	r.sink.PersistBatch(batch)
}
