// Package engine implements order admission, per-symbol matching and
// atomic trade settlement against the balance ledger.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MatchLedger/internal/book"
	"MatchLedger/internal/config"
	"MatchLedger/internal/ledger"
	"MatchLedger/internal/observability"
	"MatchLedger/internal/order"
)

// Engine routes orders to per-symbol workers and owns the shared balance
// ledger. All symbol-level state lives inside the workers; the engine only
// holds the routing table.
type Engine struct {
	ledger  *ledger.Ledger
	sink    *Sink
	metrics *observability.Metrics
	log     zerolog.Logger

	markets map[string]MarketSpec
	workers map[string]*symbolWorker

	// registry maps open order ids to their symbol so cancels can be
	// routed without a symbol from the caller.
	regMu    sync.RWMutex
	registry map[uuid.UUID]string

	queueSize int

	// funding idempotency: ids already applied to the ledger. Seeded from
	// Postgres at startup, then maintained in memory.
	fundMu      sync.Mutex
	fundingSeen map[uuid.UUID]struct{}

	wg sync.WaitGroup
}

func New(markets []config.Market, l *ledger.Ledger, sink *Sink, m *observability.Metrics, log zerolog.Logger, queueSize int) *Engine {
	e := &Engine{
		ledger:      l,
		sink:        sink,
		metrics:     m,
		log:         log,
		markets:     make(map[string]MarketSpec, len(markets)),
		workers:     make(map[string]*symbolWorker, len(markets)),
		registry:    make(map[uuid.UUID]string),
		queueSize:   queueSize,
		fundingSeen: make(map[uuid.UUID]struct{}),
	}
	for _, mc := range markets {
		spec := marketSpecFromConfig(mc)
		e.markets[spec.Symbol] = spec
		e.workers[spec.Symbol] = newSymbolWorker(
			spec, l, sink, m, log, queueSize, e.unregister)
	}
	return e
}

// Start launches one worker goroutine per configured symbol. Workers stop
// when ctx is cancelled; Wait blocks until they have all exited.
func (e *Engine) Start(ctx context.Context) {
	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *symbolWorker) {
			defer e.wg.Done()
			w.run(ctx)
		}(w)
	}
	e.log.Info().Int("symbols", len(e.workers)).Msg("engine started")
}

// Wait blocks until all symbol workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Markets returns the configured market specs keyed by symbol.
func (e *Engine) Markets() map[string]MarketSpec {
	return e.markets
}

// SubmitRequest carries one order submission. ID may be zero, in which
// case the engine assigns one.
type SubmitRequest struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Symbol      string
	Type        order.Type
	Side        order.Side
	TimeInForce order.TimeInForce
	Quantity    int64
	Price       int64
	StopPrice   int64
}

// SubmitOrder validates, reserves, matches and settles one order,
// blocking until the order is terminal or resting. The returned order is
// a snapshot; REJECTED submissions return both the snapshot and the
// coded error that rejected them.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (order.Order, error) {
	o, err := e.buildOrder(req)
	if err != nil {
		return order.Order{}, err
	}

	w, ok := e.workers[req.Symbol]
	if !ok {
		return order.Order{}, errInvalid("unknown symbol %q", req.Symbol)
	}

	e.register(o.ID, req.Symbol)

	res, enqueued, err := e.dispatch(ctx, w, command{kind: cmdSubmit, ord: o})
	if err != nil {
		// An enqueued command may still be executed by the worker, whose
		// terminal callback cleans the registry up. One that never made
		// the queue would leave its entry orphaned, so drop it here.
		if !enqueued {
			e.unregister(o)
		}
		return order.Order{}, err
	}
	return res.ord, res.err
}

// CancelOrder removes an open order, releasing its remaining reservation.
// The cancel is linearized against the symbol's matching sequence: if a
// match committed first, the cancel only affects what is left.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (order.Order, error) {
	symbol, ok := e.lookupSymbol(orderID)
	if !ok {
		return order.Order{}, errNotFound("order is not open")
	}
	w := e.workers[symbol]
	res, _, err := e.dispatch(ctx, w, command{kind: cmdCancel, orderID: orderID, userID: userID})
	if err != nil {
		return order.Order{}, err
	}
	return res.ord, res.err
}

// GetOrder returns a snapshot of an open order. Terminal orders are served
// from the database by the query service, not from the engine.
func (e *Engine) GetOrder(ctx context.Context, orderID uuid.UUID) (order.Order, error) {
	symbol, ok := e.lookupSymbol(orderID)
	if !ok {
		return order.Order{}, errNotFound("order is not open")
	}
	res, _, err := e.dispatch(ctx, e.workers[symbol], command{kind: cmdGet, orderID: orderID})
	if err != nil {
		return order.Order{}, err
	}
	return res.ord, res.err
}

// GetBalance returns the live available/locked view for one (user, asset).
func (e *Engine) GetBalance(userID uuid.UUID, asset string) ledger.Balance {
	return e.ledger.GetBalance(userID, asset)
}

// DepthSnapshot is served through the owning worker so the levels are a
// consistent point-in-time view.
func (e *Engine) DepthSnapshot(ctx context.Context, symbol string, maxLevels int) (bids, asks []book.Level, err error) {
	w, ok := e.workers[symbol]
	if !ok {
		return nil, nil, errInvalid("unknown symbol %q", symbol)
	}
	res, _, err := e.dispatch(ctx, w, command{kind: cmdDepth, maxLevels: maxLevels})
	if err != nil {
		return nil, nil, err
	}
	return res.bids, res.asks, res.err
}

// dispatch enqueues one command and waits for the worker's reply. The
// returned flag reports whether the command reached the worker's queue; a
// command that was never enqueued has no effects to clean up.
func (e *Engine) dispatch(ctx context.Context, w *symbolWorker, cmd command) (cmdResult, bool, error) {
	cmd.resp = make(chan cmdResult, 1)
	cmd.enqueuedAt = time.Now()

	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return cmdResult{}, false, errConflict("symbol queue full: " + ctx.Err().Error())
	}

	select {
	case res := <-cmd.resp:
		return res, true, nil
	case <-ctx.Done():
		return cmdResult{}, true, errConflict("timed out awaiting match result: " + ctx.Err().Error())
	}
}

// buildOrder validates request parameters. Validation failures reject the
// request before any reservation, with no side effects.
func (e *Engine) buildOrder(req SubmitRequest) (*order.Order, error) {
	if req.Quantity <= 0 {
		return nil, errInvalid("quantity must be positive, got %d", req.Quantity)
	}
	if req.UserID == uuid.Nil {
		return nil, errInvalid("user id is required")
	}
	if req.Type.IsLimitFamily() {
		if req.Price <= 0 {
			return nil, errInvalid("%s orders require a positive price", req.Type)
		}
	} else if req.Price != 0 {
		return nil, errInvalid("%s orders must not carry a price", req.Type)
	}
	if req.Type.IsStopFamily() {
		if req.StopPrice <= 0 {
			return nil, errInvalid("%s orders require a positive stop price", req.Type)
		}
	} else if req.StopPrice != 0 {
		return nil, errInvalid("%s orders must not carry a stop price", req.Type)
	}
	if req.Type == order.TypeMarket && req.TimeInForce == order.TimeInForceGTC {
		// A market order cannot rest; it is immediate by construction.
		req.TimeInForce = order.TimeInForceIOC
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now()
	return &order.Order{
		ID:          id,
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Type:        req.Type,
		Side:        req.Side,
		TimeInForce: req.TimeInForce,
		Quantity:    req.Quantity,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		Status:      order.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (e *Engine) register(orderID uuid.UUID, symbol string) {
	e.regMu.Lock()
	e.registry[orderID] = symbol
	e.regMu.Unlock()
}

func (e *Engine) unregister(o *order.Order) {
	e.regMu.Lock()
	delete(e.registry, o.ID)
	e.regMu.Unlock()
}

func (e *Engine) lookupSymbol(orderID uuid.UUID) (string, bool) {
	e.regMu.RLock()
	symbol, ok := e.registry[orderID]
	e.regMu.RUnlock()
	return symbol, ok
}

// RestoreOpenOrders reinstates open orders during startup recovery.
// Balances loaded beforehand already include these orders' locked funds,
// so nothing is re-reserved. Must run before Start; the workers are not
// consuming commands yet.
func (e *Engine) RestoreOpenOrders(orders []*order.Order) {
	for _, o := range orders {
		w, ok := e.workers[o.Symbol]
		if !ok {
			e.log.Warn().
				Str("order_id", o.ID.String()).
				Str("symbol", o.Symbol).
				Msg("open order for unconfigured symbol, skipped")
			continue
		}
		if o.Seq > w.seq {
			w.seq = o.Seq
		}
		e.register(o.ID, o.Symbol)
		w.restore(o)
	}
}

// Healthy reports whether every symbol worker is still accepting traffic.
func (e *Engine) Healthy() error {
	for symbol, w := range e.workers {
		if err := w.poisonErr(); err != nil {
			return fmt.Errorf("symbol %s halted: %w", symbol, err)
		}
	}
	return nil
}
