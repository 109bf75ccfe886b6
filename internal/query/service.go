// Package query serves read-only lookups from the Postgres projection
// tables. Results trail the in-memory engine by at most one flush
// interval; callers that need the live view use the engine directly.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"MatchLedger/internal/observability"
)

type Service struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewService(db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{db: db, metrics: metrics}
}

// GetBalances returns every asset balance a user holds.
func (s *Service) GetBalances(ctx context.Context, userID uuid.UUID) ([]BalanceResponse, error) {
	done := s.observe("balances")

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, available, locked
		FROM exchange.balances
		WHERE scope = 'user' AND user_id = $1
		ORDER BY asset
	`, userID)
	if err != nil {
		return nil, done(err)
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{UserID: userID}
		if err := rows.Scan(&b.Asset, &b.Available, &b.Locked); err != nil {
			return nil, done(err)
		}
		b.Total = b.Available + b.Locked
		balances = append(balances, b)
	}
	return balances, done(rows.Err())
}

// GetOrder returns one order with its fills. The caller's user id must
// match the order's owner; a mismatch reads as not found.
func (s *Service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*OrderResponse, error) {
	done := s.observe("order")

	var o OrderResponse
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, user_id, symbol, order_type, side, time_in_force,
		       quantity, price, stop_price, filled_quantity, avg_fill_price,
		       commission, status, reserved_asset, reserved_remaining,
		       created_at, updated_at
		FROM exchange.orders
		WHERE order_id = $1 AND user_id = $2
	`, orderID, userID).Scan(
		&o.OrderID, &o.UserID, &o.Symbol, &o.Type, &o.Side, &o.TimeInForce,
		&o.Quantity, &o.Price, &o.StopPrice, &o.FilledQuantity,
		&o.AvgFillPrice, &o.Commission, &o.Status, &o.ReservedAsset,
		&o.ReservedRemaining, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, done(nil)
	}
	if err != nil {
		return nil, done(err)
	}

	trades, err := s.orderTrades(ctx, orderID)
	if err != nil {
		return nil, done(err)
	}
	o.Trades = trades
	return &o, done(nil)
}

// GetUserOrders returns a user's orders newest first, optionally filtered
// by symbol and status. Pagination is cursor-based on created_at.
func (s *Service) GetUserOrders(
	ctx context.Context,
	userID uuid.UUID,
	symbol, status string,
	limit int,
	before *time.Time,
) ([]OrderResponse, error) {
	done := s.observe("user_orders")

	query := `
		SELECT order_id, user_id, symbol, order_type, side, time_in_force,
		       quantity, price, stop_price, filled_quantity, avg_fill_price,
		       commission, status, reserved_asset, reserved_remaining,
		       created_at, updated_at
		FROM exchange.orders
		WHERE user_id = $1`
	args := []interface{}{userID}

	if symbol != "" {
		args = append(args, symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, done(err)
	}
	defer rows.Close()

	var orders []OrderResponse
	for rows.Next() {
		var o OrderResponse
		if err := rows.Scan(
			&o.OrderID, &o.UserID, &o.Symbol, &o.Type, &o.Side, &o.TimeInForce,
			&o.Quantity, &o.Price, &o.StopPrice, &o.FilledQuantity,
			&o.AvgFillPrice, &o.Commission, &o.Status, &o.ReservedAsset,
			&o.ReservedRemaining, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, done(err)
		}
		orders = append(orders, o)
	}
	return orders, done(rows.Err())
}

// GetRecentTrades returns a symbol's latest fills, newest first.
func (s *Service) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]TradeResponse, error) {
	done := s.observe("recent_trades")

	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, symbol, side, quantity, price, taker_order_id,
		       maker_order_id, taker_commission, maker_commission, executed_at
		FROM exchange.trades
		WHERE symbol = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, done(err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, done(err)
	}
	return trades, done(nil)
}

// GetJournalHistory returns journal legs touching any of a user's
// accounts, newest first, with cursor pagination on ts.
func (s *Service) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	before *time.Time,
) ([]JournalEntry, error) {
	done := s.observe("journal")

	accountPrefix := fmt.Sprintf("user:%s:%%", userID)
	query := `
		SELECT journal_id, batch_id, event_ref, debit_account,
		       credit_account, asset, amount, journal_type, ts
		FROM exchange.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)`
	args := []interface{}{accountPrefix}

	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND ts < $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, done(err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.DebitAccount,
			&e.CreditAccount, &e.Asset, &e.Amount, &e.JournalType,
			&e.Timestamp,
		); err != nil {
			return nil, done(err)
		}
		entries = append(entries, e)
	}
	return entries, done(rows.Err())
}

// VerifyIntegrity checks that projected balances net to zero per asset
// across user, system and external scopes.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	done := s.observe("integrity")

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, SUM(available + locked) AS total
		FROM exchange.balances
		GROUP BY asset
		HAVING SUM(available + locked) != 0
	`)
	if err != nil {
		return nil, done(err)
	}
	defer rows.Close()

	report := &IntegrityReport{}
	for rows.Next() {
		var u UnbalancedAsset
		if err := rows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, done(err)
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := rows.Err(); err != nil {
		return nil, done(err)
	}

	report.IsHealthy = len(report.UnbalancedAssets) == 0
	return report, done(nil)
}

func (s *Service) orderTrades(ctx context.Context, orderID uuid.UUID) ([]TradeResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, symbol, side, quantity, price, taker_order_id,
		       maker_order_id, taker_commission, maker_commission, executed_at
		FROM exchange.trades
		WHERE taker_order_id = $1 OR maker_order_id = $1
		ORDER BY executed_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]TradeResponse, error) {
	var trades []TradeResponse
	for rows.Next() {
		var t TradeResponse
		if err := rows.Scan(
			&t.TradeID, &t.Symbol, &t.Side, &t.Quantity, &t.Price,
			&t.TakerOrderID, &t.MakerOrderID, &t.TakerCommission,
			&t.MakerCommission, &t.ExecutedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// observe starts a latency timer for endpoint and returns a closer that
// records the outcome. The closer passes err through for convenience.
func (s *Service) observe(endpoint string) func(error) error {
	start := time.Now()
	return func(err error) error {
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
			s.metrics.QueryErrors.WithLabelValues(endpoint, "db").Inc()
			return err
		}
		s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
		return nil
	}
}
