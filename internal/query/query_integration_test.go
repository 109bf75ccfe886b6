package query_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MatchLedger/internal/ledger"
	"MatchLedger/internal/observability"
	"MatchLedger/internal/order"
	"MatchLedger/internal/persistence"
	"MatchLedger/internal/query"
	"MatchLedger/internal/testutil"
)

var testMetrics = observability.NewMetrics()

// fixture is one seeded read model: a user with a filled order, its
// trade, and the journal trail of the deposit and reservation behind it.
type fixture struct {
	svc     *query.Service
	userID  uuid.UUID
	orderID uuid.UUID
	tradeID uuid.UUID
}

func seedReadModel(t *testing.T) *fixture {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mig := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := mig.Up(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	f := &fixture{
		svc:     query.NewService(db, testMetrics),
		userID:  uuid.New(),
		orderID: uuid.New(),
		tradeID: uuid.New(),
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	counterparty := uuid.New()

	o := &order.Order{
		ID:             f.orderID,
		UserID:         f.userID,
		Symbol:         "BTC-USDT",
		Type:           order.TypeLimit,
		Side:           order.SideBuy,
		TimeInForce:    order.TimeInForceGTC,
		Quantity:       1_000_000,
		Price:          50000_00,
		FilledQuantity: 1_000_000,
		AvgFillPrice:   50000_00,
		Status:         order.StatusFilled,
		ReservedAsset:  "USDT",
		Seq:            1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tr := &order.Trade{
		ID:           f.tradeID,
		Symbol:       "BTC-USDT",
		TakerOrderID: f.orderID,
		MakerOrderID: uuid.New(),
		TakerUserID:  f.userID,
		MakerUserID:  counterparty,
		Side:         order.SideBuy,
		Quantity:     1_000_000,
		Price:        50000_00,
		ExecutedAt:   now,
	}

	src := ledger.New()
	var batches []*ledger.Batch
	for _, op := range []func() (*ledger.Batch, error){
		func() (*ledger.Batch, error) { return src.Deposit(f.userID, "USDT", 1000, "dep-1") },
		func() (*ledger.Batch, error) { return src.Reserve(f.userID, "USDT", 400, "ord-1") },
	} {
		b, err := op()
		if err != nil {
			t.Fatalf("ledger op: %v", err)
		}
		batches = append(batches, b)
	}

	w := persistence.NewLedgerWriter(db)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	for _, step := range []func() error{
		func() error { return w.WriteOrders(ctx, tx, []*order.Order{o}) },
		func() error { return w.WriteTrades(ctx, tx, []*order.Trade{tr}) },
		func() error { return w.WriteJournals(ctx, tx, batches) },
		func() error { return w.ApplyBalanceDeltas(ctx, tx, batches) },
	} {
		if err := step(); err != nil {
			tx.Rollback()
			t.Fatalf("seed write: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	return f
}

func TestService_BalancesAndIntegrity(t *testing.T) {
	f := seedReadModel(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	balances, err := f.svc.GetBalances(ctx, f.userID)
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("expected 1 balance row, got %d", len(balances))
	}
	b := balances[0]
	if b.Asset != "USDT" || b.Available != 600 || b.Locked != 400 || b.Total != 1000 {
		t.Errorf("balance = %+v, want USDT 600/400/1000", b)
	}

	// Deposit contra plus user funds net to zero per asset.
	report, err := f.svc.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("projection should be balanced, got %+v", report.UnbalancedAssets)
	}
}

func TestService_OrderWithTradesScopedToOwner(t *testing.T) {
	f := seedReadModel(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o, err := f.svc.GetOrder(ctx, f.userID, f.orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o == nil {
		t.Fatal("order not found for its owner")
	}
	if o.Status != "FILLED" || o.FilledQuantity != 1_000_000 {
		t.Errorf("order = %s filled=%d, want FILLED 1000000", o.Status, o.FilledQuantity)
	}
	if len(o.Trades) != 1 || o.Trades[0].TradeID != f.tradeID {
		t.Errorf("order trades = %+v, want the one seeded fill", o.Trades)
	}

	// Another user's id reads as not found, not as someone else's order.
	stranger, err := f.svc.GetOrder(ctx, uuid.New(), f.orderID)
	if err != nil {
		t.Fatalf("get order as stranger: %v", err)
	}
	if stranger != nil {
		t.Error("foreign order must not be visible")
	}

	orders, err := f.svc.GetUserOrders(ctx, f.userID, "BTC-USDT", "FILLED", 10, nil)
	if err != nil {
		t.Fatalf("get user orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != f.orderID {
		t.Errorf("filtered orders = %+v, want the seeded order", orders)
	}
}

func TestService_TradesAndJournal(t *testing.T) {
	f := seedReadModel(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	trades, err := f.svc.GetRecentTrades(ctx, "BTC-USDT", 10)
	if err != nil {
		t.Fatalf("get recent trades: %v", err)
	}
	if len(trades) != 1 || trades[0].TradeID != f.tradeID {
		t.Errorf("recent trades = %+v, want the seeded fill", trades)
	}

	entries, err := f.svc.GetJournalHistory(ctx, f.userID, 10, nil)
	if err != nil {
		t.Fatalf("get journal history: %v", err)
	}
	// One deposit leg, one reserve leg.
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal legs, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			t.Errorf("journal leg %s has zero timestamp", e.JournalID)
		}
	}
}

func TestHandler_Routes(t *testing.T) {
	f := seedReadModel(t)
	h := query.NewHandler(f.svc, zerolog.Nop())

	get := func(path string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/v1/users/" + f.userID.String() + "/balances")
	if rec.Code != http.StatusOK {
		t.Fatalf("balances status = %d, body %s", rec.Code, rec.Body)
	}
	var balances []query.BalanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&balances); err != nil {
		t.Fatalf("decode balances: %v", err)
	}
	if len(balances) != 1 || balances[0].Total != 1000 {
		t.Errorf("balances over http = %+v", balances)
	}

	if rec := get("/v1/users/not-a-uuid/balances"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid user id status = %d, want 400", rec.Code)
	}
	if rec := get("/v1/users/" + f.userID.String() + "/orders/" + uuid.NewString()); rec.Code != http.StatusNotFound {
		t.Errorf("unknown order status = %d, want 404", rec.Code)
	}
	if rec := get("/v1/symbols/BTC-USDT/trades?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d, want 400", rec.Code)
	}
	if rec := get("/v1/integrity"); rec.Code != http.StatusOK {
		t.Errorf("integrity status = %d, want 200", rec.Code)
	}
}
