package engine

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MatchLedger/internal/book"
	lmath "MatchLedger/internal/math"
	"MatchLedger/internal/order"
)

// MatchingProcessor owns one symbol's book and open-order set and runs the
// price-time matching loop. It is single-threaded: only the symbol worker
// calls into it, which is what makes matching deterministic per symbol.
type MatchingProcessor struct {
	spec     MarketSpec
	book     *book.Book
	orders   map[uuid.UUID]*order.Order
	recorder *TradeRecorder
	log      zerolog.Logger

	// onTerminal fires once per order when it leaves the open set.
	onTerminal func(*order.Order)

	lastPrice int64
	fillSeq   uint64
}

func NewMatchingProcessor(spec MarketSpec, recorder *TradeRecorder, log zerolog.Logger, onTerminal func(*order.Order)) *MatchingProcessor {
	return &MatchingProcessor{
		spec:       spec,
		book:       book.New(spec.Symbol),
		orders:     make(map[uuid.UUID]*order.Order),
		recorder:   recorder,
		log:        log,
		onTerminal: onTerminal,
	}
}

// takerLimit returns the price a taker is willing to cross at. Market-style
// takers (MARKET, triggered STOP_LOSS / TAKE_PROFIT) cross at any price.
func takerLimit(o *order.Order) int64 {
	if o.Type.IsLimitFamily() {
		return o.Price
	}
	return -1
}

// Track adds an order to the open set.
func (p *MatchingProcessor) Track(o *order.Order) {
	p.orders[o.ID] = o
}

// Lookup returns an open (non-terminal) order.
func (p *MatchingProcessor) Lookup(id uuid.UUID) (*order.Order, bool) {
	o, ok := p.orders[id]
	return o, ok
}

// LastPrice returns the most recent fill price, 0 before the first trade.
func (p *MatchingProcessor) LastPrice() int64 {
	return p.lastPrice
}

// Book exposes the resting-order index for depth snapshots.
func (p *MatchingProcessor) Book() *book.Book {
	return p.book
}

// FillableQty reports how much of need the taker could fill right now.
// FOK admission runs this before any execution so a kill leaves no trace.
// When the taker sells, the makers are buyers, and a buyer whose rounding
// top-up would be refused is evicted mid-match; its depth must not count.
func (p *MatchingProcessor) FillableQty(o *order.Order) int64 {
	need := o.Remaining()
	if o.Side == order.SideBuy {
		return p.book.AchievableQty(o.Side, takerLimit(o), need)
	}

	takerPrice := takerLimit(o)
	var total int64
	availByUser := make(map[uuid.UUID]int64)
	p.book.Walk(order.SideBuy, func(e *book.Entry) bool {
		if !book.Crosses(o.Side, takerPrice, e.Price) {
			return false
		}
		qty := min(need-total, e.Remaining)
		if !p.buyerFunded(e, qty, availByUser) {
			return true
		}
		total += qty
		return total < need
	})
	return total
}

// buyerFunded simulates the charge RecordFill would make against a resting
// buyer for a fill of qty at the entry's price: reservation first, then a
// top-up from available funds for any rounding shortfall. availByUser
// carries available balances already consumed by earlier simulated top-ups
// in the same walk.
func (p *MatchingProcessor) buyerFunded(e *book.Entry, qty int64, availByUser map[uuid.UUID]int64) bool {
	maker, ok := p.orders[e.OrderID]
	if !ok {
		return false
	}
	notional := lmath.Notional(qty, e.Price)
	if notional < 1 {
		notional = 1
	}
	cost := notional + p.spec.Fees.MakerFee(notional)
	if cost <= maker.ReservedRemaining {
		return true
	}
	shortfall := cost - maker.ReservedRemaining

	avail, seen := availByUser[maker.UserID]
	if !seen {
		avail = p.recorder.ledger.GetBalance(maker.UserID, p.spec.QuoteAsset).Available
	}
	if avail < shortfall {
		availByUser[maker.UserID] = avail
		return false
	}
	availByUser[maker.UserID] = avail - shortfall
	return true
}

// QuoteBuyCost walks the ask side and prices a market BUY for up to need
// base units against current depth. The caller reserves exactly this cost;
// matching runs immediately after in the same goroutine, so the book
// cannot shift in between.
func (p *MatchingProcessor) QuoteBuyCost(need int64) int64 {
	var cost int64
	remaining := need
	p.book.Walk(order.SideSell, func(e *book.Entry) bool {
		qty := min(remaining, e.Remaining)
		cost += lmath.Notional(qty, e.Price)
		remaining -= qty
		return remaining > 0
	})
	return cost
}

// Match runs the taker against the opposite side until it is filled, the
// book no longer crosses, or a fill cannot be funded. A returned *Error
// with CodeInsufficientBalance means the taker side starved mid-match and
// the caller should expire the remainder; any other error is fatal for
// the symbol.
func (p *MatchingProcessor) Match(taker *order.Order) error {
	takerPrice := takerLimit(taker)

	for taker.Remaining() > 0 {
		best := p.book.PeekBest(taker.Side.Opposite())
		if best == nil || !book.Crosses(taker.Side, takerPrice, best.Price) {
			break
		}

		maker, ok := p.orders[best.OrderID]
		if !ok {
			// Stale index entry; should not happen, drop it and move on.
			p.log.Warn().Str("order_id", best.OrderID.String()).Msg("resting entry without open order")
			p.book.RemoveByID(best.OrderID)
			continue
		}

		qty := min(taker.Remaining(), best.Remaining)
		p.fillSeq++

		_, err := p.recorder.RecordFill(taker, maker, qty, best.Price, p.fillSeq)
		if err != nil {
			var e *Error
			if errors.As(err, &e) && e.Code == CodeInsufficientBalance {
				if taker.Side == order.SideSell {
					// The maker is the buyer and cannot fund the fill.
					// Evict it and keep matching against the next level.
					p.Evict(maker, "unfunded")
					continue
				}
				return err
			}
			return err
		}

		p.book.Reduce(best.OrderID, qty)
		p.lastPrice = best.Price

		if maker.Remaining() == 0 {
			p.finish(maker)
		}
	}
	return nil
}

// Rest parks the taker's remainder on the book.
func (p *MatchingProcessor) Rest(o *order.Order) {
	if o.Status == order.StatusPending && o.Status.CanTransitionTo(order.StatusOpen) {
		o.Status = order.StatusOpen
	}
	p.book.Insert(o.Side, &book.Entry{
		OrderID:   o.ID,
		Price:     o.Price,
		Remaining: o.Remaining(),
		Seq:       o.Seq,
	})
}

// Remove takes a resting order off the book. Returns false if it was not
// resting.
func (p *MatchingProcessor) Remove(id uuid.UUID) bool {
	return p.book.RemoveByID(id)
}

// Evict force-expires a resting order that can no longer participate,
// releasing whatever reservation it still holds.
func (p *MatchingProcessor) Evict(o *order.Order, reason string) {
	p.book.RemoveByID(o.ID)
	if o.Status.CanTransitionTo(order.StatusExpired) {
		o.Status = order.StatusExpired
	}
	p.recorder.ReleaseLeftover(o, reason)
	p.recorder.sink.PersistOrder(o)
	p.recorder.sink.PublishOrder(o)
	p.finish(o)
}

// Finish drops a terminal order from the open set. Safe to call for
// orders that were never tracked.
func (p *MatchingProcessor) Finish(o *order.Order) {
	p.finish(o)
}

func (p *MatchingProcessor) finish(o *order.Order) {
	delete(p.orders, o.ID)
	if p.onTerminal != nil {
		p.onTerminal(o)
	}
}
