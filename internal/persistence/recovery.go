package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MatchLedger/internal/ledger"
	"MatchLedger/internal/order"
)

// Recovery reloads engine state from Postgres at startup: the balances
// projection into the in-memory ledger, open orders for the books, and
// applied funding ids for dedupe. It runs before the engine accepts
// traffic.
type Recovery struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRecovery(db *sql.DB, log zerolog.Logger) *Recovery {
	return &Recovery{db: db, log: log}
}

// LoadBalances restores every account row, including the system fee sink
// and external contra accounts, so the recovered ledger sums to zero per
// asset exactly as it did before shutdown.
func (r *Recovery) LoadBalances(ctx context.Context, l *ledger.Ledger) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scope, user_id, account_name, asset, available, locked
		FROM exchange.balances`)
	if err != nil {
		return 0, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var scopeStr, name, asset string
		var userID uuid.UUID
		var b ledger.Balance
		if err := rows.Scan(&scopeStr, &userID, &name, &asset, &b.Available, &b.Locked); err != nil {
			return count, fmt.Errorf("scan balance row: %w", err)
		}
		l.RestoreAccount(parseScope(scopeStr), userID, name, asset, b)
		count++
	}
	return count, rows.Err()
}

// LoadOpenOrders returns OPEN and PARTIALLY_FILLED orders in arrival
// order per symbol, ready for Engine.RestoreOpenOrders.
func (r *Recovery) LoadOpenOrders(ctx context.Context) ([]*order.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, user_id, symbol, order_type, side, time_in_force,
		       quantity, price, stop_price, filled_quantity, avg_fill_price,
		       commission, status, reserved_asset, reserved_remaining, seq,
		       created_at, updated_at
		FROM exchange.orders
		WHERE status IN ('OPEN', 'PARTIALLY_FILLED')
		ORDER BY symbol, seq`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// LoadFundingIDs returns every applied deposit and withdrawal id so
// redelivered wallet events are recognized as duplicates.
func (r *Recovery) LoadFundingIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM exchange.deposits
		UNION ALL
		SELECT id FROM exchange.withdrawals`)
	if err != nil {
		return nil, fmt.Errorf("query funding ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan funding id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanOrder(rows *sql.Rows) (*order.Order, error) {
	var o order.Order
	var typeStr, sideStr, tifStr, statusStr string
	var seq int64
	var createdAt, updatedAt time.Time

	if err := rows.Scan(
		&o.ID, &o.UserID, &o.Symbol, &typeStr, &sideStr, &tifStr,
		&o.Quantity, &o.Price, &o.StopPrice, &o.FilledQuantity,
		&o.AvgFillPrice, &o.Commission, &statusStr, &o.ReservedAsset,
		&o.ReservedRemaining, &seq, &createdAt, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan order row: %w", err)
	}

	var err error
	if o.Type, err = order.ParseType(typeStr); err != nil {
		return nil, err
	}
	if o.Side, err = order.ParseSide(sideStr); err != nil {
		return nil, err
	}
	if o.TimeInForce, err = order.ParseTimeInForce(tifStr); err != nil {
		return nil, err
	}
	if o.Status, err = order.ParseStatus(statusStr); err != nil {
		return nil, err
	}
	o.Seq = uint64(seq)
	o.CreatedAt = createdAt
	o.UpdatedAt = updatedAt
	return &o, nil
}

func parseScope(s string) ledger.AccountScope {
	switch s {
	case "system":
		return ledger.AccountScopeSystem
	case "external":
		return ledger.AccountScopeExternal
	default:
		return ledger.AccountScopeUser
	}
}
