package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MatchLedger/internal/book"
	"MatchLedger/internal/ledger"
	lmath "MatchLedger/internal/math"
	"MatchLedger/internal/observability"
	"MatchLedger/internal/order"
)

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdGet
	cmdDepth
)

type command struct {
	kind       cmdKind
	ord        *order.Order // submit
	orderID    uuid.UUID    // cancel / get
	userID     uuid.UUID    // cancel ownership check
	maxLevels  int          // depth
	resp       chan cmdResult
	enqueuedAt time.Time
}

type cmdResult struct {
	ord  order.Order // snapshot at response time
	bids []book.Level
	asks []book.Level
	err  error
}

// symbolWorker serializes all mutation for one symbol: submits, cancels,
// reservation, matching, settlement and stop triggering all run on its
// goroutine. Different symbols run fully in parallel; within a symbol
// everything is linearized, which is what resolves the cancel-vs-match
// race by construction.
type symbolWorker struct {
	spec     MarketSpec
	ledger   *ledger.Ledger
	proc     *MatchingProcessor
	recorder *TradeRecorder
	sink     *Sink
	metrics  *observability.Metrics
	log      zerolog.Logger

	cmds chan command

	// stops holds admitted stop-family orders awaiting their trigger,
	// in arrival order.
	stops []*order.Order

	seq uint64

	// poisoned is set on the first fatal settlement failure. The worker
	// then refuses all further commands for this symbol until operator
	// intervention. Read from other goroutines by health checks.
	poisoned atomic.Pointer[error]
}

func newSymbolWorker(spec MarketSpec, l *ledger.Ledger, sink *Sink, m *observability.Metrics, log zerolog.Logger, queueSize int, onTerminal func(*order.Order)) *symbolWorker {
	wlog := log.With().Str("symbol", spec.Symbol).Logger()
	recorder := NewTradeRecorder(spec, l, sink, wlog)
	return &symbolWorker{
		spec:     spec,
		ledger:   l,
		proc:     NewMatchingProcessor(spec, recorder, wlog, onTerminal),
		recorder: recorder,
		sink:     sink,
		metrics:  m,
		log:      wlog,
		cmds:     make(chan command, queueSize),
	}
}

func (w *symbolWorker) run(ctx context.Context) {
	w.log.Info().Msg("symbol worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("symbol worker stopped")
			return
		case cmd := <-w.cmds:
			w.metrics.SubmitQueueLag.WithLabelValues(w.spec.Symbol).
				Observe(time.Since(cmd.enqueuedAt).Seconds())
			w.handle(cmd)
			w.updateDepthGauges()
		}
	}
}

func (w *symbolWorker) handle(cmd command) {
	if err := w.poisonErr(); err != nil {
		cmd.resp <- cmdResult{err: errSettlement("matching halted for symbol", err)}
		return
	}
	switch cmd.kind {
	case cmdSubmit:
		cmd.resp <- w.handleSubmit(cmd.ord)
	case cmdCancel:
		cmd.resp <- w.handleCancel(cmd.orderID, cmd.userID)
	case cmdGet:
		cmd.resp <- w.handleGet(cmd.orderID)
	case cmdDepth:
		bids, asks := w.proc.Book().DepthSnapshot(cmd.maxLevels)
		cmd.resp <- cmdResult{bids: bids, asks: asks}
	}
}

func (w *symbolWorker) handleSubmit(o *order.Order) cmdResult {
	start := time.Now()
	defer func() {
		w.metrics.MatchDuration.WithLabelValues(w.spec.Symbol).
			Observe(time.Since(start).Seconds())
	}()

	w.seq++
	o.Seq = w.seq

	if o.Type.IsStopFamily() && !stopTriggered(o, w.proc.LastPrice()) {
		return w.parkStop(o)
	}

	res := w.activate(o)

	// A fill may have pushed the last trade price through parked stop
	// levels; triggered stops activate in arrival order until quiescent.
	w.fireTriggers()

	return res
}

// parkStop admits a stop-family order without reserving funds. The
// reservation happens at trigger time against the balance the user holds
// then; an order that cannot be funded when it fires is expired.
func (w *symbolWorker) parkStop(o *order.Order) cmdResult {
	if o.Status.CanTransitionTo(order.StatusOpen) {
		o.Status = order.StatusOpen
	}
	o.UpdatedAt = time.Now()
	w.proc.Track(o)
	w.stops = append(w.stops, o)

	w.sink.PersistOrder(o)
	w.sink.PublishOrder(o)
	w.metrics.OrdersAccepted.WithLabelValues(w.spec.Symbol, o.Type.String()).Inc()

	w.log.Debug().
		Str("order_id", o.ID.String()).
		Int64("stop_price", o.StopPrice).
		Msg("stop order parked")

	return cmdResult{ord: *o}
}

// activate runs the admission sequence for an immediately-matchable order:
// reserve, FOK pre-check, match, then remainder handling by time in force.
func (w *symbolWorker) activate(o *order.Order) cmdResult {
	atAdmission := o.Status == order.StatusPending

	if err := w.reserve(o); err != nil {
		if atAdmission {
			w.rejectOrder(o, "insufficient_balance")
		} else {
			// Triggered stop that cannot be funded. REJECTED is not
			// reachable from OPEN, so it expires instead.
			w.expireOrder(o, "unfunded_trigger")
		}
		return cmdResult{ord: *o, err: err}
	}

	w.proc.Track(o)

	if o.TimeInForce == order.TimeInForceFOK && w.proc.FillableQty(o) < o.Remaining() {
		// Kill before any execution: zero trades, full release.
		if atAdmission {
			w.rejectOrder(o, "fok_unfillable")
		} else {
			w.expireOrder(o, "fok_unfillable")
		}
		return cmdResult{ord: *o}
	}

	w.metrics.OrdersAccepted.WithLabelValues(w.spec.Symbol, o.Type.String()).Inc()

	if err := w.proc.Match(o); err != nil {
		var e *Error
		if errors.As(err, &e) && e.Code == CodeInsufficientBalance {
			// The taker starved on a rounding top-up mid-match. Fills so
			// far stand; the remainder cannot proceed.
			w.expireOrder(o, "unfunded")
			return cmdResult{ord: *o}
		}
		w.poison(err)
		return cmdResult{ord: *o, err: errSettlement("matching halted for symbol", err)}
	}

	switch {
	case o.Remaining() == 0:
		// Fully filled; the recorder already released any leftover.
		w.proc.Finish(o)

	case o.Type == order.TypeLimit || o.Type == order.TypeStopLimit:
		if o.TimeInForce == order.TimeInForceGTC {
			w.proc.Rest(o)
			o.UpdatedAt = time.Now()
			w.sink.PersistOrder(o)
			w.sink.PublishOrder(o)
		} else {
			// IOC (and FOK past the pre-check never reaches here with a
			// remainder): discard and release.
			w.expireOrder(o, "ioc")
		}

	default:
		// Market-style order outlived the book.
		w.expireOrder(o, "book_exhausted")
	}

	return cmdResult{ord: *o}
}

// reserve locks the funds an order may consume. Sellers lock base
// inventory; buyers lock quote cost plus the worst-case commission.
// Market BUY cost is quoted against current depth, which is exact because
// matching follows immediately on this goroutine.
func (w *symbolWorker) reserve(o *order.Order) error {
	var asset string
	var amount int64

	if o.Side == order.SideSell {
		asset = w.spec.BaseAsset
		amount = o.Remaining()
	} else {
		asset = w.spec.QuoteAsset
		var notional int64
		if o.Type.IsLimitFamily() {
			notional = lmath.Notional(o.Remaining(), o.Price)
		} else {
			notional = w.proc.QuoteBuyCost(o.Remaining())
		}
		amount = notional + w.spec.Fees.ReserveFee(notional)
	}

	o.ReservedAsset = asset
	if amount == 0 {
		// Market BUY against an empty book locks nothing; the remainder
		// expires right after.
		return nil
	}

	batch, err := w.ledger.Reserve(o.UserID, asset, amount, fmt.Sprintf("order:%s", o.ID))
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			w.metrics.ReserveFailures.WithLabelValues(w.spec.Symbol).Inc()
			return errInsufficient(
				fmt.Sprintf("reserve %d %s", amount, asset), err)
		}
		return errSettlement("reservation failed", err)
	}

	o.ReservedRemaining = amount
	w.sink.PersistBatch(batch)
	return nil
}

func (w *symbolWorker) handleCancel(orderID, userID uuid.UUID) cmdResult {
	o, ok := w.proc.Lookup(orderID)
	if !ok {
		// Unknown, terminal, or a different symbol's order. Matching may
		// have just won the race; either way there is nothing to cancel.
		return cmdResult{err: errNotFound("order is not open")}
	}
	if o.UserID != userID {
		// Do not reveal other users' order ids.
		return cmdResult{err: errNotFound("order is not open")}
	}
	if !o.Status.CanTransitionTo(order.StatusCancelled) {
		return cmdResult{ord: *o, err: errNotCancelable(
			fmt.Sprintf("order is %s", o.Status))}
	}

	w.proc.Remove(o.ID)
	w.removeStop(o.ID)
	w.recorder.ReleaseLeftover(o, "cancel")

	o.Status = order.StatusCancelled
	o.UpdatedAt = time.Now()
	w.proc.Finish(o)

	w.sink.PersistOrder(o)
	w.sink.PublishOrder(o)
	w.metrics.OrdersCanceled.WithLabelValues(w.spec.Symbol, "user").Inc()

	w.log.Debug().Str("order_id", o.ID.String()).Msg("order cancelled")
	return cmdResult{ord: *o}
}

func (w *symbolWorker) handleGet(orderID uuid.UUID) cmdResult {
	o, ok := w.proc.Lookup(orderID)
	if !ok {
		return cmdResult{err: errNotFound("order is not open")}
	}
	return cmdResult{ord: *o}
}

// stopTriggered evaluates a stop order against the last traded price.
// Evaluation is continuous: it runs after every fill.
func stopTriggered(o *order.Order, lastPrice int64) bool {
	if lastPrice <= 0 {
		return false
	}
	switch o.Type {
	case order.TypeStopLoss, order.TypeStopLimit:
		if o.Side == order.SideBuy {
			return lastPrice >= o.StopPrice
		}
		return lastPrice <= o.StopPrice
	case order.TypeTakeProfit:
		if o.Side == order.SideBuy {
			return lastPrice <= o.StopPrice
		}
		return lastPrice >= o.StopPrice
	}
	return false
}

// fireTriggers activates parked stops whose trigger the last trade price
// has crossed. Activated stops can trade and move the price further, so
// the scan repeats until nothing fires.
func (w *symbolWorker) fireTriggers() {
	for w.poisonErr() == nil {
		idx := -1
		lp := w.proc.LastPrice()
		for i, s := range w.stops {
			if stopTriggered(s, lp) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}

		s := w.stops[idx]
		w.stops = append(w.stops[:idx], w.stops[idx+1:]...)
		w.metrics.StopsTriggered.WithLabelValues(w.spec.Symbol, s.Type.String()).Inc()
		w.log.Debug().
			Str("order_id", s.ID.String()).
			Int64("stop_price", s.StopPrice).
			Int64("last_price", lp).
			Msg("stop triggered")

		w.activate(s)
	}
}

// restore reinstates one recovered open order. An untriggered stop holds
// no reservation yet, which is how it is told apart from a triggered one
// whose remainder was resting.
func (w *symbolWorker) restore(o *order.Order) {
	w.proc.Track(o)
	if o.Type.IsStopFamily() && o.ReservedRemaining == 0 && o.FilledQuantity == 0 {
		w.stops = append(w.stops, o)
		return
	}
	if o.Type.IsLimitFamily() {
		w.proc.Rest(o)
		return
	}
	// A triggered market-style stop cannot rest; its remainder expires.
	w.expireOrder(o, "restore")
}

func (w *symbolWorker) removeStop(orderID uuid.UUID) {
	for i, s := range w.stops {
		if s.ID == orderID {
			w.stops = append(w.stops[:i], w.stops[i+1:]...)
			return
		}
	}
}

// rejectOrder finalizes an order that never took effect, returning any
// funds it managed to lock.
func (w *symbolWorker) rejectOrder(o *order.Order, reason string) {
	w.recorder.ReleaseLeftover(o, reason)
	if o.Status.CanTransitionTo(order.StatusRejected) {
		o.Status = order.StatusRejected
	}
	o.UpdatedAt = time.Now()
	w.proc.Finish(o)
	w.sink.PersistOrder(o)
	w.sink.PublishOrder(o)
	w.metrics.OrdersRejected.WithLabelValues(w.spec.Symbol, reason).Inc()
}

// expireOrder finalizes an order that was admitted but can no longer
// proceed, releasing whatever it still holds.
func (w *symbolWorker) expireOrder(o *order.Order, reason string) {
	w.recorder.ReleaseLeftover(o, reason)
	if o.Status.CanTransitionTo(order.StatusExpired) {
		o.Status = order.StatusExpired
	}
	o.UpdatedAt = time.Now()
	w.proc.Finish(o)
	w.sink.PersistOrder(o)
	w.sink.PublishOrder(o)
	w.metrics.OrdersCanceled.WithLabelValues(w.spec.Symbol, reason).Inc()
}

func (w *symbolWorker) poison(err error) {
	w.poisoned.Store(&err)
	w.metrics.SettleFailures.WithLabelValues(w.spec.Symbol).Inc()
	w.log.Error().Err(err).Msg("settlement failure, symbol halted")
}

// poisonErr returns the fatal error that halted this symbol, if any.
// Safe for concurrent use.
func (w *symbolWorker) poisonErr() error {
	if p := w.poisoned.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *symbolWorker) updateDepthGauges() {
	b := w.proc.Book()
	w.metrics.BookDepth.WithLabelValues(w.spec.Symbol, "bids").
		Set(float64(b.Depth(order.SideBuy)))
	w.metrics.BookDepth.WithLabelValues(w.spec.Symbol, "asks").
		Set(float64(b.Depth(order.SideSell)))
}
