package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"MatchLedger/internal/ledger"
	"MatchLedger/internal/order"
)

// LedgerWriter writes orders, trades, journal legs, funding rows and
// balance deltas to Postgres using multi-row INSERTs. All writes are
// idempotent at the row level: inserts conflict on their primary key and
// do nothing, upserts overwrite with the newer snapshot.
type LedgerWriter struct {
	db *sql.DB
}

func NewLedgerWriter(db *sql.DB) *LedgerWriter {
	return &LedgerWriter{db: db}
}

// WriteOrders upserts order snapshots. Later snapshots of the same order
// within the batch win; Postgres rejects a multi-row upsert that touches
// one row twice, so duplicates are collapsed first.
func (w *LedgerWriter) WriteOrders(ctx context.Context, tx *sql.Tx, orders []*order.Order) error {
	latest := dedupeOrders(orders)
	if len(latest) == 0 {
		return nil
	}

	query := `INSERT INTO exchange.orders
		(order_id, user_id, symbol, order_type, side, time_in_force,
		 quantity, price, stop_price, filled_quantity, avg_fill_price,
		 commission, status, reserved_asset, reserved_remaining, seq,
		 created_at, updated_at)
		VALUES `

	values := make([]string, 0, len(latest))
	args := make([]interface{}, 0, len(latest)*18)

	for i, o := range latest {
		base := i * 18
		values = append(values, placeholders(base, 18))
		args = append(args,
			o.ID, o.UserID, o.Symbol, o.Type.String(), o.Side.String(),
			o.TimeInForce.String(), o.Quantity, o.Price, o.StopPrice,
			o.FilledQuantity, o.AvgFillPrice, o.Commission,
			o.Status.String(), o.ReservedAsset, o.ReservedRemaining,
			int64(o.Seq), o.CreatedAt, o.UpdatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (order_id) DO UPDATE SET
		filled_quantity = EXCLUDED.filled_quantity,
		avg_fill_price = EXCLUDED.avg_fill_price,
		commission = EXCLUDED.commission,
		status = EXCLUDED.status,
		reserved_asset = EXCLUDED.reserved_asset,
		reserved_remaining = EXCLUDED.reserved_remaining,
		seq = EXCLUDED.seq,
		updated_at = EXCLUDED.updated_at`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTrades inserts trade rows. Trades are immutable.
func (w *LedgerWriter) WriteTrades(ctx context.Context, tx *sql.Tx, trades []*order.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	query := `INSERT INTO exchange.trades
		(trade_id, symbol, taker_order_id, maker_order_id, taker_user_id,
		 maker_user_id, side, quantity, price, taker_commission,
		 maker_commission, executed_at)
		VALUES `

	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*12)

	for i, t := range trades {
		base := i * 12
		values = append(values, placeholders(base, 12))
		args = append(args,
			t.ID, t.Symbol, t.TakerOrderID, t.MakerOrderID,
			t.TakerUserID, t.MakerUserID, t.Side.String(),
			t.Quantity, t.Price, t.TakerCommission, t.MakerCommission,
			t.ExecutedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (trade_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournals inserts every leg of the given batches into the
// append-only journal.
func (w *LedgerWriter) WriteJournals(ctx context.Context, tx *sql.Tx, batches []*ledger.Batch) error {
	var n int
	for _, b := range batches {
		n += len(b.Journals)
	}
	if n == 0 {
		return nil
	}

	query := `INSERT INTO exchange.journal
		(journal_id, batch_id, event_ref, debit_account, credit_account,
		 asset, amount, journal_type, ts)
		VALUES `

	values := make([]string, 0, n)
	args := make([]interface{}, 0, n*9)

	i := 0
	for _, b := range batches {
		for _, j := range b.Journals {
			base := i * 9
			i++
			values = append(values, placeholders(base, 9))
			args = append(args,
				j.JournalID, j.BatchID, j.EventRef,
				j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(),
				j.Asset, j.Amount, j.JournalType.String(),
				time.UnixMicro(j.Timestamp).UTC(),
			)
		}
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// balanceDelta accumulates one account's net movement over a flush.
type balanceDelta struct {
	scope     string
	userID    uuid.UUID
	name      string
	asset     string
	available int64
	locked    int64
}

func deltaKey(k ledger.AccountKey) string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Scope, k.UserID, k.Name, k.Asset)
}

// ApplyBalanceDeltas folds the journal legs of the given batches into the
// balances projection. The projection mirrors the in-memory ledger: debit
// bucket gains, credit bucket loses.
func (w *LedgerWriter) ApplyBalanceDeltas(ctx context.Context, tx *sql.Tx, batches []*ledger.Batch) error {
	deltas := make(map[string]*balanceDelta)
	var keys []string

	accumulate := func(k ledger.AccountKey, amount int64) {
		id := deltaKey(k)
		d, ok := deltas[id]
		if !ok {
			d = &balanceDelta{
				scope:  k.Scope.String(),
				userID: k.UserID,
				name:   k.Name,
				asset:  k.Asset,
			}
			deltas[id] = d
			keys = append(keys, id)
		}
		if k.Bucket == ledger.BucketLocked {
			d.locked += amount
		} else {
			d.available += amount
		}
	}

	for _, b := range batches {
		for _, j := range b.Journals {
			accumulate(j.DebitAccount, j.Amount)
			accumulate(j.CreditAccount, -j.Amount)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	query := `INSERT INTO exchange.balances
		(scope, user_id, account_name, asset, available, locked, updated_at)
		VALUES `

	values := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)*6)

	for i, id := range keys {
		d := deltas[id]
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, NOW())",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, d.scope, d.userID, d.name, d.asset, d.available, d.locked)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (scope, user_id, account_name, asset) DO UPDATE SET
		available = exchange.balances.available + EXCLUDED.available,
		locked = exchange.balances.locked + EXCLUDED.locked,
		updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteFunding inserts deposit or withdrawal audit rows. table must be
// "deposits" or "withdrawals".
func (w *LedgerWriter) WriteFunding(ctx context.Context, tx *sql.Tx, table string, rows []*FundingRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO exchange.%s
		(id, user_id, asset, amount, applied_at)
		VALUES `, table)

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*5)

	for i, r := range rows {
		base := i * 5
		values = append(values, placeholders(base, 5))
		args = append(args, r.ID, r.UserID, r.Asset, r.Amount, r.AppliedAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func dedupeOrders(orders []*order.Order) []*order.Order {
	if len(orders) < 2 {
		return orders
	}
	seen := make(map[uuid.UUID]int, len(orders))
	out := make([]*order.Order, 0, len(orders))
	for _, o := range orders {
		if idx, dup := seen[o.ID]; dup {
			out[idx] = o
			continue
		}
		seen[o.ID] = len(out)
		out = append(out, o)
	}
	return out
}

func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
